// Package orchestrator drives one migration job end to end: schema
// discovery, partition resolution, mapping validation, destination
// preparation, and the sequential batch read-transform-write loop.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/dwh-migrate/internal/driver"
	"github.com/johndauphine/dwh-migrate/internal/logging"
	"github.com/johndauphine/dwh-migrate/internal/mapping"
	"github.com/johndauphine/dwh-migrate/internal/normalize"
	"github.com/johndauphine/dwh-migrate/internal/partition"
)

// State is the job's position in its lifecycle. Transitions are linear;
// StateFailed is terminal and reachable from any non-terminal state.
type State string

const (
	StateInit             State = "INIT"
	StateSchemaDiscovered State = "SCHEMA_DISCOVERED"
	StateMappingValidated State = "MAPPING_VALIDATED"
	StateDestinationReady State = "DESTINATION_READY"
	StateStreaming        State = "STREAMING"
	StateFinalized        State = "FINALIZED"
	StateFailed           State = "FAILED"
)

// Job is the immutable description of one migration. Built once from
// validated configuration.
type Job struct {
	SourceTable string
	TargetTable string
	Mode        driver.Mode
	BatchSize   int
	DryRun      bool

	// Partition, when set, bypasses partition discovery.
	Partition *driver.PartitionSpec

	// FallbackLimit bounds the scan when a partitioned table turns out
	// to have no partitions. Zero means unbounded.
	FallbackLimit int64

	// Rule is the table's mapping rule; nil or zero passes through.
	// Ignored with a warning when the destination does not support
	// mapping.
	Rule *mapping.Rule

	Normalize   normalize.Options
	Description string
}

// EventSink receives progress events as the job advances. Implementations
// must be cheap; they are called from the batch loop.
type EventSink interface {
	StageEntered(state State)
	BatchCompleted(index int, rows int64)
	Warning(msg string)
}

// logSink is the default sink, reporting through the package logger.
type logSink struct{}

func (logSink) StageEntered(state State)           { logging.Debug("Stage %s", state) }
func (logSink) BatchCompleted(index int, rows int64) { logging.Debug("Batch %d done (%d rows)", index, rows) }
func (logSink) Warning(msg string)                 { logging.Warn("%s", msg) }

// Report is the caller-visible outcome of a run.
type Report struct {
	State     State
	Source    string
	Target    string
	Partition string
	Rows      int64
	Batches   int

	// LastBatch is the index of the last successfully written batch,
	// -1 when none completed.
	LastBatch int

	Warnings []string
	Err      error
	Duration time.Duration
}

// Orchestrator runs one job against a source and destination pair. Not
// reusable: create a new one per job.
type Orchestrator struct {
	src  driver.Source
	dst  driver.Destination
	job  Job
	sink EventSink

	state    State
	warnings []string

	// writeCols, when set, restricts batch writes to the planned
	// columns the existing destination table actually has.
	writeCols []string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSink replaces the default logging event sink.
func WithSink(sink EventSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// New builds an orchestrator for one job.
func New(src driver.Source, dst driver.Destination, job Job, opts ...Option) *Orchestrator {
	o := &Orchestrator{src: src, dst: dst, job: job, sink: logSink{}, state: StateInit}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the job. It always returns a report; Report.Err is set
// when the job ended in StateFailed.
func (o *Orchestrator) Run(ctx context.Context) *Report {
	start := time.Now()
	report := &Report{
		Source:    o.job.SourceTable,
		Target:    o.job.TargetTable,
		LastBatch: -1,
	}
	defer func() {
		report.State = o.state
		report.Warnings = o.warnings
		report.Duration = time.Since(start)
	}()

	if o.job.BatchSize <= 0 {
		return o.fail(report, &driver.ConfigurationError{Reason: fmt.Sprintf("batch size must be positive, got %d", o.job.BatchSize)})
	}

	table, res, err := o.discover(ctx)
	if err != nil {
		return o.fail(report, err)
	}
	report.Partition = res.Spec.Predicate()

	pipeline, schema, err := o.validateMapping(table)
	if err != nil {
		return o.fail(report, err)
	}

	if err := o.prepareDestination(ctx, schema); err != nil {
		return o.fail(report, err)
	}

	if o.job.DryRun {
		logging.Info("Dry run: stopping before any data movement")
		return report
	}

	if err := o.stream(ctx, table, pipeline, schema, res, report); err != nil {
		return o.fail(report, err)
	}

	o.enter(StateFinalized)
	logging.Info("Migrated %d rows in %d batches from %s to %s",
		report.Rows, report.Batches, report.Source, report.Target)
	return report
}

func (o *Orchestrator) discover(ctx context.Context) (*driver.Table, partition.Resolution, error) {
	table, err := o.src.DiscoverSchema(ctx, o.job.SourceTable)
	if err != nil {
		return nil, partition.Resolution{}, &driver.SchemaDiscoveryError{Table: o.job.SourceTable, Err: err}
	}
	if err := table.CheckUniqueColumns(); err != nil {
		return nil, partition.Resolution{}, err
	}
	res, err := partition.Resolve(ctx, sourceLister{o.src}, *table, o.job.Partition)
	if err != nil {
		return nil, partition.Resolution{}, err
	}
	o.enter(StateSchemaDiscovered)
	return table, res, nil
}

func (o *Orchestrator) validateMapping(table *driver.Table) (*mapping.Pipeline, *driver.TargetSchema, error) {
	rule := o.job.Rule
	if !rule.IsZero() && !o.dst.SupportsMapping() {
		o.warn(fmt.Sprintf("Mapping rules are not supported by %s destinations, ignoring them", o.dst.Kind()))
		rule = nil
	}
	pipeline, err := mapping.Compile(rule, table.DataColumns())
	if err != nil {
		return nil, nil, err
	}
	schema := pipeline.Plan(o.job.TargetTable, o.dst.Kind())
	schema.Description = o.job.Description
	o.enter(StateMappingValidated)
	return pipeline, schema, nil
}

func (o *Orchestrator) prepareDestination(ctx context.Context, schema *driver.TargetSchema) error {
	if err := o.dst.EnsureTarget(ctx); err != nil {
		return err
	}

	if o.job.Mode == driver.ModeAppend {
		exists, err := o.dst.TableExists(ctx, schema.Table)
		if err != nil {
			return err
		}
		if exists {
			existing, err := o.dst.ExistingSchema(ctx, schema.Table)
			if err != nil {
				return err
			}
			o.checkAppendCompat(schema, existing)
		}
	}

	if !o.job.DryRun {
		if err := o.dst.PrepareTable(ctx, schema, o.job.Mode); err != nil {
			return err
		}
	}
	o.enter(StateDestinationReady)
	return nil
}

// checkAppendCompat compares the planned schema with the existing
// destination table. Differences surface as warnings, not errors, since
// a pre-shaped destination may be intentional. Planned columns the
// table lacks are dropped from writes so appends still succeed.
func (o *Orchestrator) checkAppendCompat(planned, existing *driver.TargetSchema) {
	var kept []string
	narrowed := false
	for _, c := range planned.Columns {
		if _, ok := existing.Column(c.Name); !ok {
			narrowed = true
			o.warn(fmt.Sprintf("Destination table %s is missing column %s (%s), it will not be written",
				planned.Table, c.Name, c.Type))
			continue
		}
		kept = append(kept, c.Name)
	}
	if narrowed {
		o.writeCols = kept
	}
	for _, c := range existing.Columns {
		if _, ok := planned.Column(c.Name); !ok {
			o.warn(fmt.Sprintf("Destination table %s has extra column %s not produced by this migration",
				planned.Table, c.Name))
		}
	}
}

func (o *Orchestrator) stream(ctx context.Context, table *driver.Table, pipeline *mapping.Pipeline, schema *driver.TargetSchema, res partition.Resolution, report *Report) error {
	o.enter(StateStreaming)

	// The reader goroutine blocks sending on the batch channel; cancel
	// it on any early return so it releases its connection.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cols := make([]string, 0, len(pipeline.SourceColumns()))
	for _, c := range pipeline.SourceColumns() {
		cols = append(cols, c.Name)
	}
	opts := driver.ReadOptions{
		Table:     table.Name,
		Columns:   cols,
		Filter:    res.Spec,
		BatchSize: o.job.BatchSize,
	}
	if res.Fallback {
		opts.Limit = o.job.FallbackLimit
	}

	batches, err := o.src.ReadBatches(ctx, opts)
	if err != nil {
		return err
	}

	normalizer := normalize.New(o.job.Normalize, schema)
	index := 0
	for batch := range batches {
		// Cancellation is observed between batches; an in-flight
		// write always finishes or fails before the job exits.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if batch.Err != nil {
			return batch.Err
		}

		pipeline.Apply(&batch)
		if err := normalizer.Apply(&batch, index); err != nil {
			return err
		}
		if o.writeCols != nil {
			batch.Columns = o.writeCols
		}
		if err := o.dst.WriteBatch(ctx, schema.Table, &batch); err != nil {
			return &driver.DestinationWriteError{Table: schema.Table, Batch: index, Err: err}
		}

		report.Rows += int64(len(batch.Rows))
		report.Batches++
		report.LastBatch = index
		o.sink.BatchCompleted(index, int64(len(batch.Rows)))
		index++
	}
	return nil
}

func (o *Orchestrator) enter(state State) {
	o.state = state
	o.sink.StageEntered(state)
}

func (o *Orchestrator) warn(msg string) {
	o.warnings = append(o.warnings, msg)
	o.sink.Warning(msg)
}

func (o *Orchestrator) fail(report *Report, err error) *Report {
	if report.LastBatch >= 0 {
		logging.Error("Migration of %s failed at stage %s after batch %d: %v", o.job.SourceTable, o.state, report.LastBatch, err)
	} else {
		logging.Error("Migration of %s failed at stage %s: %v", o.job.SourceTable, o.state, err)
	}
	o.state = StateFailed
	report.Err = err
	return report
}

// sourceLister adapts a Source to the partition resolver's Lister.
type sourceLister struct {
	src driver.Source
}

func (l sourceLister) PartitionValues(ctx context.Context, table driver.Table, column string) ([]string, error) {
	return l.src.PartitionValues(ctx, table.Name, column)
}

// Describe renders a one-line summary of a report for CLI output.
func Describe(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -> %s: %s", r.Source, r.Target, r.State)
	if r.Partition != "" {
		fmt.Fprintf(&b, " [%s]", r.Partition)
	}
	if r.State == StateFinalized {
		fmt.Fprintf(&b, ", %d rows in %d batches (%s)", r.Rows, r.Batches, r.Duration.Round(time.Millisecond))
	}
	if r.Err != nil {
		fmt.Fprintf(&b, ": %v", r.Err)
	}
	return b.String()
}
