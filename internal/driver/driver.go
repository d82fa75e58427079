// Package driver provides the shared data model and the pluggable
// source/destination abstractions. Each destination store (BigQuery,
// MySQL, PostgreSQL) implements the Destination interface in its own
// subpackage and registers itself on import.
package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/johndauphine/dwh-migrate/internal/dbconfig"
)

// ReadOptions describes one streaming scan of a source table.
type ReadOptions struct {
	// Table is the source table name.
	Table string

	// Columns is the ordered list of data columns to read. Partition
	// columns are never read; they only restrict the scan via Filter.
	Columns []string

	// Filter is the resolved partition predicate, nil for
	// non-partitioned tables.
	Filter *PartitionSpec

	// BatchSize is the maximum number of rows per emitted batch.
	BatchSize int

	// Limit bounds the scan when no partition filter could be resolved
	// for a partitioned table; 0 means no limit.
	Limit int64
}

// Source reads schema and data from the source warehouse. The stream
// returned by ReadBatches is finite and not restartable mid-stream.
type Source interface {
	// TestConnection verifies the source is reachable.
	TestConnection(ctx context.Context) error

	// DiscoverSchema reads the table's column metadata, partition
	// columns included.
	DiscoverSchema(ctx context.Context, table string) (*Table, error)

	// PartitionValues lists the observed values of one partition
	// column. Used by the partition resolver to pick maxima.
	PartitionValues(ctx context.Context, table, column string) ([]string, error)

	// ReadBatches streams the table's rows in batches of up to
	// opts.BatchSize. Batches arrive in source iteration order; a read
	// failure is delivered as a final batch with Err set.
	ReadBatches(ctx context.Context, opts ReadOptions) (<-chan Batch, error)

	Close() error
}

// Destination writes schema and data to a target store.
type Destination interface {
	// Kind returns the destination kind this instance was opened for.
	Kind() string

	// SupportsMapping reports whether mapping rules apply to this
	// destination. Rules are silently ignored for kinds that return
	// false.
	SupportsMapping() bool

	// TestConnection verifies the destination is reachable.
	TestConnection(ctx context.Context) error

	// EnsureTarget creates the enclosing dataset/database namespace if
	// the store supports that and it is absent.
	EnsureTarget(ctx context.Context) error

	// TableExists reports whether the destination table exists.
	TableExists(ctx context.Context, table string) (bool, error)

	// ExistingSchema reads the destination table's current column set,
	// used for the append-mode compatibility check.
	ExistingSchema(ctx context.Context, table string) (*TargetSchema, error)

	// PrepareTable makes the destination table ready for writing:
	// overwrite drops and recreates it, append creates it only if
	// absent.
	PrepareTable(ctx context.Context, schema *TargetSchema, mode Mode) error

	// WriteBatch appends one batch to the table. Each write is a
	// destination-native atomic operation; a failure fails the job.
	WriteBatch(ctx context.Context, table string, batch *Batch) error

	Close() error
}

// DestinationDriver constructs Destination instances for one kind.
//
// To add a new store:
//  1. Create a package under internal/driver/<kind>/
//  2. Implement DestinationDriver and Destination
//  3. Register via init(): driver.Register(&Driver{})
type DestinationDriver interface {
	// Kind returns the primary kind name (e.g. "bigquery", "mysql").
	Kind() string

	// Aliases returns alternative names for this kind.
	Aliases() []string

	// SupportsMapping reports whether this kind honors mapping rules.
	SupportsMapping() bool

	// Open connects to the destination.
	Open(cfg *dbconfig.DestinationConfig) (Destination, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]DestinationDriver)
)

// Register adds a destination driver to the registry under its kind
// and aliases. Called from driver package init functions.
func Register(d DestinationDriver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(d.Kind())] = d
	for _, alias := range d.Aliases() {
		registry[strings.ToLower(alias)] = d
	}
}

// Lookup returns the driver registered for kind.
func Lookup(kind string) (DestinationDriver, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[strings.ToLower(kind)]
	if !ok {
		return nil, &ConfigurationError{Reason: fmt.Sprintf(
			"unknown destination kind %q (registered: %s)", kind, strings.Join(kinds(), ", "))}
	}
	return d, nil
}

// kinds returns the registered primary kind names, sorted.
// Caller must hold registryMu.
func kinds() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range registry {
		if !seen[d.Kind()] {
			seen[d.Kind()] = true
			out = append(out, d.Kind())
		}
	}
	sort.Strings(out)
	return out
}
