// Package partition resolves which partition of a source table a run
// should read. Resolution happens once per run, before any rows are
// read, so every batch of the run sees the same partition predicate.
package partition

import (
	"context"
	"strings"

	"github.com/johndauphine/dwh-migrate/internal/driver"
	"github.com/johndauphine/dwh-migrate/internal/logging"
)

// ReservedColumn is the conventional MaxCompute partition column name.
// Tables partitioned on it are resolved by taking the lexicographic
// maximum of its values, which matches the date-stamped layout these
// tables use in practice.
const ReservedColumn = "pt"

// Lister supplies the distinct values of one partition column, sorted
// ascending. Implemented by the source driver.
type Lister interface {
	PartitionValues(ctx context.Context, table driver.Table, column string) ([]string, error)
}

// Resolution is the outcome of partition resolution for one run.
type Resolution struct {
	// Spec is the predicate every read of the run applies. Nil means an
	// unfiltered read.
	Spec *driver.PartitionSpec

	// Fallback is set when the table declares partition columns but no
	// partitions exist yet. The caller should bound the scan.
	Fallback bool
}

// Resolve picks the partition for a run.
//
// Non-partitioned tables resolve to a nil spec, meaning a full-table
// read. A table partitioned on the reserved "pt" column resolves to the
// latest pt value alone, even if further partition columns exist. Any
// other partitioned table resolves to the conjunction of the per-column
// maxima, in the table's declared partition column order.
//
// A partitioned table with no partitions at all resolves to a fallback
// scan rather than an error. An explicit spec from configuration
// bypasses discovery entirely.
func Resolve(ctx context.Context, lister Lister, table driver.Table, explicit *driver.PartitionSpec) (Resolution, error) {
	if explicit != nil {
		logging.Info("Using explicit partition %s for %s", explicit.Predicate(), table.FullName())
		return Resolution{Spec: explicit}, nil
	}

	parts := table.PartitionColumns()
	if len(parts) == 0 {
		return Resolution{}, nil
	}

	for _, col := range parts {
		if strings.EqualFold(col.Name, ReservedColumn) {
			latest, ok, err := latestValue(ctx, lister, table, col.Name)
			if err != nil {
				return Resolution{}, err
			}
			if !ok {
				return fallback(table), nil
			}
			return Resolution{Spec: &driver.PartitionSpec{
				Columns: []string{col.Name},
				Values:  map[string]string{col.Name: latest},
			}}, nil
		}
	}

	spec := &driver.PartitionSpec{
		Columns: make([]string, 0, len(parts)),
		Values:  make(map[string]string, len(parts)),
	}
	for _, col := range parts {
		latest, ok, err := latestValue(ctx, lister, table, col.Name)
		if err != nil {
			return Resolution{}, err
		}
		if !ok {
			return fallback(table), nil
		}
		spec.Columns = append(spec.Columns, col.Name)
		spec.Values[col.Name] = latest
	}
	return Resolution{Spec: spec}, nil
}

func latestValue(ctx context.Context, lister Lister, table driver.Table, column string) (string, bool, error) {
	values, err := lister.PartitionValues(ctx, table, column)
	if err != nil {
		return "", false, &driver.PartitionResolutionError{Table: table.FullName(), Column: column, Err: err}
	}
	if len(values) == 0 {
		return "", false, nil
	}
	latest := values[len(values)-1]
	logging.Debug("Resolved partition %s=%s for %s", column, latest, table.FullName())
	return latest, true, nil
}

func fallback(table driver.Table) Resolution {
	logging.Warn("Table %s has partition columns but no partitions, falling back to a bounded full scan", table.FullName())
	return Resolution{Fallback: true}
}
