package driver

import (
	"fmt"
	"strings"
)

// Table represents a source table with its discovered metadata.
// Column order is significant: it defines the default output column
// order before any mapping rule is applied.
type Table struct {
	Project string   `json:"project"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// FullName returns project.table format, or just the table name when
// no project is set.
func (t *Table) FullName() string {
	if t.Project == "" {
		return t.Name
	}
	return t.Project + "." + t.Name
}

// DataColumns returns the non-partition columns in declaration order.
func (t *Table) DataColumns() []Column {
	var cols []Column
	for _, c := range t.Columns {
		if !c.IsPartition {
			cols = append(cols, c)
		}
	}
	return cols
}

// PartitionColumns returns the partition columns in declaration order.
// Partition columns restrict the source scan and are never materialized
// in the destination schema.
func (t *Table) PartitionColumns() []Column {
	var cols []Column
	for _, c := range t.Columns {
		if c.IsPartition {
			cols = append(cols, c)
		}
	}
	return cols
}

// IsPartitioned returns true if the table declares partition columns.
func (t *Table) IsPartitioned() bool {
	for _, c := range t.Columns {
		if c.IsPartition {
			return true
		}
	}
	return false
}

// Column returns the column with the given name (case-insensitive) and
// true, or a zero Column and false.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// CheckUniqueColumns verifies that column names are unique
// case-insensitively, which every supported destination requires.
func (t *Table) CheckUniqueColumns() error {
	seen := make(map[string]string, len(t.Columns))
	for _, c := range t.Columns {
		lower := strings.ToLower(c.Name)
		if prev, ok := seen[lower]; ok {
			return &ConfigurationError{Reason: fmt.Sprintf(
				"table %s: duplicate column name %q conflicts with %q (names are case-insensitive)",
				t.Name, c.Name, prev)}
		}
		seen[lower] = c.Name
	}
	return nil
}

// Column represents one column of a source table.
type Column struct {
	Name        string `json:"name"`
	DataType    string `json:"data_type"` // source type literal, e.g. "bigint", "decimal(10,2)", "array<string>"
	Nullable    bool   `json:"nullable"`
	Comment     string `json:"comment,omitempty"`
	IsPartition bool   `json:"is_partition,omitempty"`
	OrdinalPos  int    `json:"ordinal_position"`
}

// PartitionSpec restricts a source scan to one resolved combination of
// partition key values. Built once per migration job, never mutated
// after resolution.
type PartitionSpec struct {
	Columns []string          `json:"columns"`
	Values  map[string]string `json:"values"`
}

// Predicate returns a conjunctive SQL predicate for the resolved
// partition values, suitable for appending to a WHERE clause. Columns
// are emitted in declared order.
func (p *PartitionSpec) Predicate() string {
	if p == nil || len(p.Columns) == 0 {
		return ""
	}
	parts := make([]string, 0, len(p.Columns))
	for _, col := range p.Columns {
		v, ok := p.Values[col]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = '%s'", col, strings.ReplaceAll(v, "'", "''")))
	}
	return strings.Join(parts, " AND ")
}

// Row is one record keyed by column name.
type Row map[string]any

// Batch is one bounded chunk of rows moving through the pipeline. All
// rows share the Columns set at each pipeline stage. Batches are
// transient: produced by a source read, consumed by a destination
// write, never persisted.
type Batch struct {
	Columns []string
	Rows    []Row

	// Err carries a read failure through the batch channel; a batch
	// with Err set has no rows and terminates the stream.
	Err error
}

// Mode is the destination write policy.
type Mode string

const (
	// ModeOverwrite drops/truncates and recreates the destination table.
	ModeOverwrite Mode = "overwrite"
	// ModeAppend creates the destination table only if absent and adds rows.
	ModeAppend Mode = "append"
)

// ParseMode parses a mode string case-insensitively. An empty string
// defaults to append, matching the CLI default.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "overwrite":
		return ModeOverwrite, nil
	case "append", "":
		return ModeAppend, nil
	}
	return "", &ConfigurationError{Reason: fmt.Sprintf("invalid mode %q (want overwrite or append)", s)}
}

// TargetColumn is one column of the prepared destination table: the
// post-mapping name, the destination-native type literal, and the
// nullability carried over from the source.
type TargetColumn struct {
	Name     string
	Type     string // destination type literal, e.g. "INT64", "varchar(255)"
	Repeated bool   // destination-native repeated field (BigQuery arrays)
	Nullable bool
	Comment  string
}

// TargetSchema is the ordered destination column set produced by the
// type mapper and the mapping pipeline's planning pass.
type TargetSchema struct {
	Table       string
	Description string
	Columns     []TargetColumn
}

// ColumnNames returns the destination column names in order.
func (s *TargetSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the target column with the given name
// (case-insensitive) and true, or a zero column and false.
func (s *TargetSchema) Column(name string) (TargetColumn, bool) {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return TargetColumn{}, false
}

// ValidateIdentifier checks that a table or column name is safe to
// interpolate into SQL. Identifiers end up in DDL statements, so they
// are restricted to letters, digits and underscores.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("identifier too long: %d characters (max 128)", len(name))
	}
	if !isIdentStart(rune(name[0])) {
		return fmt.Errorf("identifier must start with letter or underscore: %q", name)
	}
	for i, r := range name {
		if i == 0 {
			continue
		}
		if !isIdentStart(r) && !(r >= '0' && r <= '9') {
			return fmt.Errorf("identifier contains invalid character %q at position %d: %q", r, i, name)
		}
	}
	return nil
}

func isIdentStart(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}
