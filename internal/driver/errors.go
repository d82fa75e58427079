package driver

import "fmt"

// ConfigurationError reports a bad or missing mapping rule, unknown
// column, duplicate rename, or invalid job option. Always detected
// during validation, before any data movement.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Reason
}

// SchemaDiscoveryError reports a failure to read a source table's schema.
type SchemaDiscoveryError struct {
	Table string
	Err   error
}

func (e *SchemaDiscoveryError) Error() string {
	return fmt.Sprintf("discovering schema for %s: %v", e.Table, e.Err)
}

func (e *SchemaDiscoveryError) Unwrap() error { return e.Err }

// PartitionResolutionError reports that partition metadata could not be
// listed for a partitioned source table.
type PartitionResolutionError struct {
	Table  string
	Column string
	Err    error
}

func (e *PartitionResolutionError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("resolving partition column %s of %s: %v", e.Column, e.Table, e.Err)
	}
	return fmt.Sprintf("resolving partitions of %s: %v", e.Table, e.Err)
}

func (e *PartitionResolutionError) Unwrap() error { return e.Err }

// TypeConversionError reports a source value that cannot be coerced to
// its destination type.
type TypeConversionError struct {
	Column string
	Value  any
	Type   string
}

func (e *TypeConversionError) Error() string {
	return fmt.Sprintf("column %s: cannot convert %v to %s", e.Column, e.Value, e.Type)
}

// NonNullableViolation reports a null value bound for a destination
// column declared non-nullable, under the fail policy.
type NonNullableViolation struct {
	Column string
	Batch  int
}

func (e *NonNullableViolation) Error() string {
	return fmt.Sprintf("column %s is non-nullable but batch %d contains a null value", e.Column, e.Batch)
}

// DestinationWriteError reports a failed batch write. The whole job
// fails fast on the first one; Batch is the zero-based index of the
// batch that failed.
type DestinationWriteError struct {
	Table string
	Batch int
	Err   error
}

func (e *DestinationWriteError) Error() string {
	return fmt.Sprintf("writing batch %d to %s: %v", e.Batch, e.Table, e.Err)
}

func (e *DestinationWriteError) Unwrap() error { return e.Err }
