package mapping

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/dwh-migrate/internal/logging"
)

// Function whitelist. Anything else is rejected at compile time;
// arbitrary expressions are deliberately not supported.
const (
	fnConcat = "concat"
	fnUpper  = "upper"
	fnLower  = "lower"
	fnSubstr = "substr"
	fnNow    = "now"
	fnFormat = "format"
)

// program is one compiled computed column. Evaluation is pure given the
// row and the per-batch now instant, and never fails: evaluation
// defects degrade to an empty string with a debug diagnostic so a
// per-row data quality issue cannot abort a bulk migration.
type program struct {
	target string
	fn     string
	args   []string

	// concat: which args are column references (resolved at compile
	// time against the working column set) vs literals.
	argCols []string // canonical column name, or "" for a literal

	// substr bounds.
	start  int
	length int // -1 means to end

	// format: parsed template segments. A template or argument defect
	// does not fail compilation; the program is marked broken and every
	// row's value degrades to an empty string.
	segments []segment
	posArgs  []string // canonical column names for positional placeholders
	broken   string   // non-empty: the defect, reported per row at debug
}

// segment is one piece of a format template: either literal text or a
// placeholder.
type segment struct {
	literal string

	placeholder bool
	column      string // named placeholder; "" for positional
	numeric     bool   // spec like 02d
	width       int
}

func compileProgram(cc ComputedColumn, working []string) (program, error) {
	prog := program{target: cc.Target, fn: strings.ToLower(cc.Function), args: cc.Args}
	switch prog.fn {
	case fnConcat:
		// Arguments matching a current column name are references,
		// anything else is a literal.
		prog.argCols = make([]string, len(cc.Args))
		for i, arg := range cc.Args {
			if name, ok := findName(working, arg); ok {
				prog.argCols[i] = name
			}
		}
		return prog, nil

	case fnUpper, fnLower:
		if len(cc.Args) != 1 {
			return prog, confErr("computed column %q: %s takes exactly one column argument", cc.Target, prog.fn)
		}
		name, ok := findName(working, cc.Args[0])
		if !ok {
			return prog, confErr("computed column %q references unknown column %q", cc.Target, cc.Args[0])
		}
		prog.argCols = []string{name}
		return prog, nil

	case fnSubstr:
		if len(cc.Args) < 2 || len(cc.Args) > 3 {
			return prog, confErr("computed column %q: substr takes a column, a start, and an optional length", cc.Target)
		}
		name, ok := findName(working, cc.Args[0])
		if !ok {
			return prog, confErr("computed column %q references unknown column %q", cc.Target, cc.Args[0])
		}
		prog.argCols = []string{name}
		start, err := strconv.Atoi(cc.Args[1])
		if err != nil || start < 0 {
			return prog, confErr("computed column %q: invalid substr start %q", cc.Target, cc.Args[1])
		}
		prog.start = start
		prog.length = -1
		if len(cc.Args) == 3 {
			length, err := strconv.Atoi(cc.Args[2])
			if err != nil || length < 0 {
				return prog, confErr("computed column %q: invalid substr length %q", cc.Target, cc.Args[2])
			}
			prog.length = length
		}
		return prog, nil

	case fnNow:
		if len(cc.Args) != 0 {
			return prog, confErr("computed column %q: now takes no arguments", cc.Target)
		}
		return prog, nil

	case fnFormat:
		// Template and argument defects are not configuration errors:
		// the column degrades to empty strings and the migration
		// proceeds.
		if len(cc.Args) == 0 {
			return prog.degrade("format requires a template"), nil
		}
		segments, positional, err := parseTemplate(cc.Args[0])
		if err != nil {
			return prog.degrade(err.Error()), nil
		}
		prog.segments = segments
		if positional > 0 {
			rest := cc.Args[1:]
			if len(rest) < positional {
				return prog.degrade(fmt.Sprintf("template has %d positional placeholders but %d arguments", positional, len(rest))), nil
			}
			prog.posArgs = make([]string, len(rest))
			for i, arg := range rest {
				name, ok := findName(working, arg)
				if !ok {
					return prog.degrade(fmt.Sprintf("unknown column %q", arg)), nil
				}
				prog.posArgs[i] = name
			}
		}
		return prog, nil
	}
	return prog, confErr("computed column %q: unknown function %q", cc.Target, cc.Function)
}

// degrade marks a format program as defective. The defect is logged
// here and again per row during evaluation, at debug severity.
func (p program) degrade(defect string) program {
	p.broken = defect
	logging.Debug("Computed column %s: %s, values degrade to empty strings", p.target, defect)
	return p
}

// resultType is the destination type a computed column materializes as.
func (p *program) resultType(kind string) string {
	if p.fn == fnNow {
		return nowType(kind)
	}
	return stringType(kind)
}

func (p *program) eval(row map[string]any, now time.Time) any {
	switch p.fn {
	case fnConcat:
		var b strings.Builder
		for i, arg := range p.args {
			if col := p.argCols[i]; col != "" {
				b.WriteString(stringify(row[col]))
			} else {
				b.WriteString(arg)
			}
		}
		return b.String()

	case fnUpper:
		return strings.ToUpper(stringify(row[p.argCols[0]]))

	case fnLower:
		return strings.ToLower(stringify(row[p.argCols[0]]))

	case fnSubstr:
		s := stringify(row[p.argCols[0]])
		runes := []rune(s)
		if p.start >= len(runes) {
			return ""
		}
		end := len(runes)
		if p.length >= 0 && p.start+p.length < end {
			end = p.start + p.length
		}
		return string(runes[p.start:end])

	case fnNow:
		return now

	case fnFormat:
		return p.evalFormat(row)
	}
	return "" // unreachable after compile
}

func (p *program) evalFormat(row map[string]any) string {
	if p.broken != "" {
		logging.Debug("format for %s: %s", p.target, p.broken)
		return ""
	}
	var b strings.Builder
	pos := 0
	for _, seg := range p.segments {
		if !seg.placeholder {
			b.WriteString(seg.literal)
			continue
		}
		var value any
		if seg.column != "" {
			value = row[seg.column]
			// Named placeholders resolve case-insensitively against
			// the row's current columns.
			if value == nil {
				for k, v := range row {
					if strings.EqualFold(k, seg.column) {
						value = v
						break
					}
				}
			}
		} else {
			if pos >= len(p.posArgs) {
				logging.Debug("format for %s: positional placeholder without argument", p.target)
				return ""
			}
			value = row[p.posArgs[pos]]
			pos++
		}
		if seg.numeric {
			b.WriteString(fmt.Sprintf("%0*d", seg.width, asInt(value)))
		} else {
			b.WriteString(stringify(value))
		}
	}
	return b.String()
}

// parseTemplate splits a format template into literal and placeholder
// segments. Returns the count of positional placeholders. Supported
// placeholders: {name}, {name:02d}, {}, {:02d}.
func parseTemplate(template string) ([]segment, int, error) {
	var segments []segment
	positional := 0
	rest := template
	for len(rest) > 0 {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.ContainsRune(rest, '}') {
				return nil, 0, fmt.Errorf("unbalanced brace in template %q", template)
			}
			segments = append(segments, segment{literal: rest})
			break
		}
		if open > 0 {
			segments = append(segments, segment{literal: rest[:open]})
		}
		rest = rest[open+1:]
		close := strings.IndexByte(rest, '}')
		if close < 0 {
			return nil, 0, fmt.Errorf("unbalanced brace in template %q", template)
		}
		seg, err := parsePlaceholder(rest[:close])
		if err != nil {
			return nil, 0, err
		}
		if seg.column == "" {
			positional++
		}
		segments = append(segments, seg)
		rest = rest[close+1:]
	}
	return segments, positional, nil
}

func parsePlaceholder(body string) (segment, error) {
	seg := segment{placeholder: true}
	name := body
	if i := strings.IndexByte(body, ':'); i >= 0 {
		name = body[:i]
		spec := body[i+1:]
		if !strings.HasSuffix(spec, "d") {
			return seg, fmt.Errorf("unsupported format spec %q", spec)
		}
		width := strings.TrimSuffix(spec, "d")
		width = strings.TrimPrefix(width, "0")
		w := 1
		if width != "" {
			var err error
			w, err = strconv.Atoi(width)
			if err != nil || w < 1 {
				return seg, fmt.Errorf("unsupported format spec %q", spec)
			}
		}
		seg.numeric = true
		seg.width = w
	}
	seg.column = name
	return seg, nil
}

// stringify renders a value the way it should appear inside a computed
// string. Nulls become empty strings.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

// asInt coerces a value for a numeric format spec. Missing, null, or
// non-numeric values count as zero.
func asInt(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return int64(f)
		}
	}
	return 0
}

// nowType is the destination type used for now() computed columns.
func nowType(kind string) string {
	switch kind {
	case "bigquery":
		return "TIMESTAMP"
	case "mysql":
		return "datetime"
	case "postgres":
		return "timestamptz"
	}
	return "timestamp"
}

// stringType is the destination type used for string-valued computed
// and default-introduced columns.
func stringType(kind string) string {
	if kind == "bigquery" {
		return "STRING"
	}
	return "text"
}
