package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/dwh-migrate/internal/driver"
	"github.com/johndauphine/dwh-migrate/internal/mapping"
	"github.com/johndauphine/dwh-migrate/internal/normalize"
)

type fakeSource struct {
	table      *driver.Table
	partitions map[string][]string
	batches    []driver.Batch

	discoverErr error
	readErr     error
	readOpts    driver.ReadOptions
}

func (f *fakeSource) TestConnection(context.Context) error { return nil }

func (f *fakeSource) DiscoverSchema(_ context.Context, table string) (*driver.Table, error) {
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.table, nil
}

func (f *fakeSource) PartitionValues(_ context.Context, _, column string) ([]string, error) {
	return f.partitions[column], nil
}

func (f *fakeSource) ReadBatches(_ context.Context, opts driver.ReadOptions) (<-chan driver.Batch, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	f.readOpts = opts
	ch := make(chan driver.Batch, len(f.batches))
	for _, b := range f.batches {
		ch <- b
	}
	close(ch)
	return ch, nil
}

func (f *fakeSource) Close() error { return nil }

type fakeDestination struct {
	mu sync.Mutex

	kind         string
	mapping      bool
	exists       bool
	existing     *driver.TargetSchema
	writeErrAt   int // batch index that fails, -1 for never
	prepared     *driver.TargetSchema
	preparedMode driver.Mode
	written      []driver.Batch
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{kind: "postgres", mapping: true, writeErrAt: -1}
}

func (f *fakeDestination) Kind() string                        { return f.kind }
func (f *fakeDestination) SupportsMapping() bool               { return f.mapping }
func (f *fakeDestination) TestConnection(context.Context) error { return nil }
func (f *fakeDestination) EnsureTarget(context.Context) error  { return nil }

func (f *fakeDestination) TableExists(context.Context, string) (bool, error) {
	return f.exists, nil
}

func (f *fakeDestination) ExistingSchema(context.Context, string) (*driver.TargetSchema, error) {
	return f.existing, nil
}

func (f *fakeDestination) PrepareTable(_ context.Context, schema *driver.TargetSchema, mode driver.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = schema
	f.preparedMode = mode
	return nil
}

func (f *fakeDestination) WriteBatch(_ context.Context, _ string, batch *driver.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErrAt >= 0 && len(f.written) == f.writeErrAt {
		return fmt.Errorf("disk full")
	}
	f.written = append(f.written, *batch)
	return nil
}

func (f *fakeDestination) Close() error { return nil }

func sourceTable() *driver.Table {
	return &driver.Table{
		Project: "proj",
		Name:    "events",
		Columns: []driver.Column{
			{Name: "id", DataType: "bigint", Nullable: false},
			{Name: "name", DataType: "string", Nullable: true},
			{Name: "pt", DataType: "string", IsPartition: true},
		},
	}
}

func rowBatch(ids ...int64) driver.Batch {
	b := driver.Batch{Columns: []string{"id", "name"}}
	for _, id := range ids {
		b.Rows = append(b.Rows, driver.Row{"id": id, "name": fmt.Sprintf("row-%d", id)})
	}
	return b
}

func defaultJob() Job {
	return Job{
		SourceTable: "events",
		TargetTable: "events",
		Mode:        driver.ModeOverwrite,
		BatchSize:   100,
		Normalize:   normalize.Options{NullOnNonNullable: normalize.PolicyFail},
	}
}

func TestRunHappyPath(t *testing.T) {
	src := &fakeSource{
		table:      sourceTable(),
		partitions: map[string][]string{"pt": {"20240101", "20240102"}},
		batches:    []driver.Batch{rowBatch(1, 2), rowBatch(3)},
	}
	dst := newFakeDestination()

	report := New(src, dst, defaultJob()).Run(context.Background())
	if report.Err != nil {
		t.Fatalf("Run() error = %v", report.Err)
	}
	if report.State != StateFinalized {
		t.Errorf("State = %s, want FINALIZED", report.State)
	}
	if report.Rows != 3 || report.Batches != 2 || report.LastBatch != 1 {
		t.Errorf("report = %+v, want 3 rows, 2 batches, last batch 1", report)
	}
	if report.Partition != "pt = '20240102'" {
		t.Errorf("Partition = %q, want latest pt predicate", report.Partition)
	}
	if src.readOpts.Filter == nil || src.readOpts.Filter.Predicate() != "pt = '20240102'" {
		t.Errorf("read filter = %v, want resolved partition", src.readOpts.Filter)
	}
	if dst.prepared == nil || dst.preparedMode != driver.ModeOverwrite {
		t.Fatalf("prepared = %v mode %s, want overwrite prepare", dst.prepared, dst.preparedMode)
	}
	if _, ok := dst.prepared.Column("pt"); ok {
		t.Error("partition column materialized in destination schema")
	}
	if len(dst.written) != 2 {
		t.Errorf("written batches = %d, want 2", len(dst.written))
	}
}

func TestStageOrder(t *testing.T) {
	src := &fakeSource{table: sourceTable(), partitions: map[string][]string{"pt": {"p1"}}, batches: []driver.Batch{rowBatch(1)}}
	dst := newFakeDestination()

	var stages []State
	sink := sinkFunc(func(s State) { stages = append(stages, s) })
	report := New(src, dst, defaultJob(), WithSink(sink)).Run(context.Background())
	if report.Err != nil {
		t.Fatalf("Run() error = %v", report.Err)
	}

	want := []State{StateSchemaDiscovered, StateMappingValidated, StateDestinationReady, StateStreaming, StateFinalized}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage %d = %s, want %s", i, stages[i], want[i])
		}
	}
}

type sinkFunc func(State)

func (f sinkFunc) StageEntered(s State)        { f(s) }
func (f sinkFunc) BatchCompleted(int, int64)   {}
func (f sinkFunc) Warning(string)              {}

func TestDryRunStopsAtDestinationReady(t *testing.T) {
	src := &fakeSource{table: sourceTable(), partitions: map[string][]string{"pt": {"p1"}}, batches: []driver.Batch{rowBatch(1)}}
	dst := newFakeDestination()

	job := defaultJob()
	job.DryRun = true
	report := New(src, dst, job).Run(context.Background())
	if report.Err != nil {
		t.Fatalf("Run() error = %v", report.Err)
	}
	if report.State != StateDestinationReady {
		t.Errorf("State = %s, want DESTINATION_READY", report.State)
	}
	if dst.prepared != nil {
		t.Error("dry run prepared the destination table")
	}
	if len(dst.written) != 0 {
		t.Error("dry run wrote batches")
	}
}

func TestDryRunStillFailsValidation(t *testing.T) {
	src := &fakeSource{table: sourceTable(), partitions: map[string][]string{"pt": {"p1"}}}
	dst := newFakeDestination()

	job := defaultJob()
	job.DryRun = true
	job.Rule = &mapping.Rule{Rename: map[string]string{"id": "x", "name": "X"}}
	report := New(src, dst, job).Run(context.Background())
	if report.Err == nil {
		t.Fatal("Run() error = nil, want validation failure")
	}
	if report.State != StateFailed {
		t.Errorf("State = %s, want FAILED", report.State)
	}
	var ce *driver.ConfigurationError
	if !errors.As(report.Err, &ce) {
		t.Errorf("Err = %T, want ConfigurationError", report.Err)
	}
}

func TestWriteFailureFailsFast(t *testing.T) {
	src := &fakeSource{
		table:      sourceTable(),
		partitions: map[string][]string{"pt": {"p1"}},
		batches:    []driver.Batch{rowBatch(1), rowBatch(2), rowBatch(3)},
	}
	dst := newFakeDestination()
	dst.writeErrAt = 1

	report := New(src, dst, defaultJob()).Run(context.Background())
	if report.State != StateFailed {
		t.Fatalf("State = %s, want FAILED", report.State)
	}
	var dwe *driver.DestinationWriteError
	if !errors.As(report.Err, &dwe) {
		t.Fatalf("Err = %T, want DestinationWriteError", report.Err)
	}
	if dwe.Batch != 1 {
		t.Errorf("failed batch index = %d, want 1", dwe.Batch)
	}
	if report.LastBatch != 0 {
		t.Errorf("LastBatch = %d, want 0 (last completed)", report.LastBatch)
	}
	if len(dst.written) != 1 {
		t.Errorf("written batches = %d, want 1 (no writes after failure)", len(dst.written))
	}
}

func TestReadErrorInStreamFails(t *testing.T) {
	src := &fakeSource{
		table:      sourceTable(),
		partitions: map[string][]string{"pt": {"p1"}},
		batches:    []driver.Batch{rowBatch(1), {Err: errors.New("connection lost")}},
	}
	dst := newFakeDestination()

	report := New(src, dst, defaultJob()).Run(context.Background())
	if report.State != StateFailed {
		t.Fatalf("State = %s, want FAILED", report.State)
	}
	if report.LastBatch != 0 {
		t.Errorf("LastBatch = %d, want 0", report.LastBatch)
	}
}

func TestSchemaDiscoveryFailure(t *testing.T) {
	src := &fakeSource{discoverErr: errors.New("no such table")}
	dst := newFakeDestination()

	report := New(src, dst, defaultJob()).Run(context.Background())
	if report.State != StateFailed {
		t.Fatalf("State = %s, want FAILED", report.State)
	}
	var sde *driver.SchemaDiscoveryError
	if !errors.As(report.Err, &sde) {
		t.Errorf("Err = %T, want SchemaDiscoveryError", report.Err)
	}
}

func TestCancellationBetweenBatches(t *testing.T) {
	src := &fakeSource{
		table:      sourceTable(),
		partitions: map[string][]string{"pt": {"p1"}},
		batches:    []driver.Batch{rowBatch(1), rowBatch(2)},
	}
	dst := newFakeDestination()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := New(src, dst, defaultJob()).Run(ctx)
	if report.State != StateFailed {
		t.Fatalf("State = %s, want FAILED", report.State)
	}
	if !errors.Is(report.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", report.Err)
	}
	if len(dst.written) != 0 {
		t.Errorf("written batches = %d, want 0 after pre-cancelled context", len(dst.written))
	}
}

func TestMappingRuleIgnoredWithoutSupport(t *testing.T) {
	src := &fakeSource{table: sourceTable(), partitions: map[string][]string{"pt": {"p1"}}, batches: []driver.Batch{rowBatch(1)}}
	dst := newFakeDestination()
	dst.kind = "bigquery"
	dst.mapping = false

	job := defaultJob()
	job.Rule = &mapping.Rule{Rename: map[string]string{"name": "title"}}
	report := New(src, dst, job).Run(context.Background())
	if report.Err != nil {
		t.Fatalf("Run() error = %v", report.Err)
	}
	if len(report.Warnings) == 0 {
		t.Error("no warning emitted for ignored mapping rule")
	}
	if _, ok := dst.prepared.Column("title"); ok {
		t.Error("rename applied despite unsupported mapping")
	}
	if _, ok := dst.prepared.Column("name"); !ok {
		t.Error("original column missing from prepared schema")
	}
}

func TestAppendCompatWarnings(t *testing.T) {
	src := &fakeSource{table: sourceTable(), partitions: map[string][]string{"pt": {"p1"}}, batches: []driver.Batch{rowBatch(1)}}
	dst := newFakeDestination()
	dst.exists = true
	dst.existing = &driver.TargetSchema{
		Table: "events",
		Columns: []driver.TargetColumn{
			{Name: "id", Type: "bigint"},
			{Name: "legacy_flag", Type: "boolean"},
		},
	}

	job := defaultJob()
	job.Mode = driver.ModeAppend
	report := New(src, dst, job).Run(context.Background())
	if report.Err != nil {
		t.Fatalf("Run() error = %v", report.Err)
	}
	if len(report.Warnings) != 2 {
		t.Fatalf("warnings = %v, want missing-column and extra-column warnings", report.Warnings)
	}

	// Writes are projected onto the columns the table actually has, so
	// the append succeeds against the narrower schema.
	if len(dst.written) != 1 {
		t.Fatalf("written batches = %d, want 1", len(dst.written))
	}
	got := dst.written[0].Columns
	if len(got) != 1 || got[0] != "id" {
		t.Errorf("written columns = %v, want [id]", got)
	}
}

type blockingSource struct {
	fakeSource
	readerDone chan struct{}
}

func (f *blockingSource) ReadBatches(ctx context.Context, opts driver.ReadOptions) (<-chan driver.Batch, error) {
	ch := make(chan driver.Batch, 1)
	go func() {
		defer close(f.readerDone)
		defer close(ch)
		for i := int64(0); ; i++ {
			select {
			case ch <- rowBatch(i):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func TestWriteFailureReleasesReader(t *testing.T) {
	src := &blockingSource{
		fakeSource: fakeSource{table: sourceTable(), partitions: map[string][]string{"pt": {"p1"}}},
		readerDone: make(chan struct{}),
	}
	dst := newFakeDestination()
	dst.writeErrAt = 0

	report := New(src, dst, defaultJob()).Run(context.Background())
	var werr *driver.DestinationWriteError
	if !errors.As(report.Err, &werr) {
		t.Fatalf("Run() error = %v, want DestinationWriteError", report.Err)
	}

	select {
	case <-src.readerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("reader goroutine still blocked after the job failed")
	}
}

func TestFallbackScanAppliesLimit(t *testing.T) {
	src := &fakeSource{
		table:      sourceTable(),
		partitions: map[string][]string{"pt": {}},
		batches:    []driver.Batch{rowBatch(1)},
	}
	dst := newFakeDestination()

	job := defaultJob()
	job.FallbackLimit = 5000
	report := New(src, dst, job).Run(context.Background())
	if report.Err != nil {
		t.Fatalf("Run() error = %v", report.Err)
	}
	if src.readOpts.Filter != nil {
		t.Errorf("read filter = %v, want nil for fallback scan", src.readOpts.Filter)
	}
	if src.readOpts.Limit != 5000 {
		t.Errorf("read limit = %d, want 5000", src.readOpts.Limit)
	}
}
