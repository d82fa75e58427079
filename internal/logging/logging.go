// Package logging provides a minimal leveled logger shared by all
// packages. Output is text by default; json is available for log
// collectors.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is a log severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// lowerString returns the lower-case level name used in json output.
func (l Level) lowerString() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses a level name. Accepts debug, info, warn, warning,
// and error in any letter case. No whitespace trimming: a padded value
// is a config mistake worth surfacing.
func ParseLevel(s string) (Level, error) {
	switch {
	case equalFold(s, "debug"):
		return LevelDebug, nil
	case equalFold(s, "info"):
		return LevelInfo, nil
	case equalFold(s, "warn"), equalFold(s, "warning"):
		return LevelWarn, nil
	case equalFold(s, "error"):
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("invalid log level %q", s)
}

// equalFold is strings.EqualFold without the import churn for one call site.
func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

var (
	mu     sync.Mutex
	level  = LevelInfo
	format = "text"
	out    io.Writer = os.Stderr
)

// SetLevel sets the minimum level that will be written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	mu.Lock()
	defer mu.Unlock()
	return level
}

// SetFormat selects "text" or "json" output.
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	if f == "json" {
		format = "json"
	} else {
		format = "text"
	}
}

// SetOutput redirects log output. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		out = os.Stderr
	} else {
		out = w
	}
}

// IsDebug reports whether debug output is enabled.
func IsDebug() bool {
	return GetLevel() <= LevelDebug
}

// Debug logs at debug level.
func Debug(msg string, args ...interface{}) { log(LevelDebug, msg, args...) }

// Info logs at info level.
func Info(msg string, args ...interface{}) { log(LevelInfo, msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...interface{}) { log(LevelWarn, msg, args...) }

// Error logs at error level.
func Error(msg string, args ...interface{}) { log(LevelError, msg, args...) }

type jsonEntry struct {
	TS    string `json:"ts"`
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

func log(l Level, msg string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}

	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}
	now := time.Now().Format(time.RFC3339)

	if format == "json" {
		b, err := json.Marshal(jsonEntry{TS: now, Level: l.lowerString(), Msg: formatted})
		if err != nil {
			fmt.Fprintf(out, "{\"ts\":%q,\"level\":\"error\",\"msg\":\"log marshal failed\"}\n", now)
			return
		}
		fmt.Fprintln(out, string(b))
		return
	}

	fmt.Fprintf(out, "%s [%s] %s\n", now, l.String(), formatted)
}
