// Package progress renders streaming migration progress to the
// terminal. The row total is unknown up front, so the bar runs in
// spinner mode counting rows as batches complete.
package progress

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/johndauphine/dwh-migrate/internal/logging"
	"github.com/johndauphine/dwh-migrate/internal/orchestrator"
)

// Tracker is an orchestrator event sink backed by a progress bar.
type Tracker struct {
	bar       *progressbar.ProgressBar
	rows      atomic.Int64
	batches   atomic.Int64
	startTime time.Time
}

// New creates a tracker for one table migration.
func New(table string) *Tracker {
	return &Tracker{
		startTime: time.Now(),
		bar: progressbar.NewOptions64(
			-1,
			progressbar.OptionSetDescription("Migrating "+table),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("rows"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetRenderBlankState(true),
		),
	}
}

// StageEntered updates the bar description as the job advances.
func (t *Tracker) StageEntered(state orchestrator.State) {
	if t.bar != nil {
		t.bar.Describe(fmt.Sprintf("[%s]", state))
	}
	logging.Debug("Stage %s", state)
}

// BatchCompleted advances the row counter.
func (t *Tracker) BatchCompleted(index int, rows int64) {
	t.rows.Add(rows)
	t.batches.Add(1)
	if t.bar != nil {
		_ = t.bar.Add64(rows)
	}
}

// Warning logs a warning without disturbing the bar state.
func (t *Tracker) Warning(msg string) {
	logging.Warn("%s", msg)
}

// Rows returns the rows counted so far.
func (t *Tracker) Rows() int64 {
	return t.rows.Load()
}

// Finish closes the bar and prints a throughput summary.
func (t *Tracker) Finish() {
	if t.bar != nil {
		_ = t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	if elapsed <= 0 {
		return
	}
	rowsPerSec := float64(t.rows.Load()) / elapsed.Seconds()

	fmt.Println()
	fmt.Printf("Migrated %d rows in %d batches in %s (%.0f rows/sec)\n",
		t.rows.Load(), t.batches.Load(), elapsed.Round(time.Second), rowsPerSec)
}
