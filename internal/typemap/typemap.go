// Package typemap translates MaxCompute column types into destination
// column types. The mapping is total over the source type space and
// keyed on an explicit destination kind tag; it never inspects data,
// only declared types, so a string column full of numeric-looking
// values stays a string column.
package typemap

import (
	"fmt"
	"strings"

	"github.com/johndauphine/dwh-migrate/internal/logging"
)

// Destination kinds. A small closed set; adding a store means adding a
// mapping table here and a driver package under internal/driver.
const (
	KindBigQuery = "bigquery"
	KindMySQL    = "mysql"
	KindPostgres = "postgres"
)

// Mapped is the destination-side rendering of one source type.
type Mapped struct {
	// Type is the destination type literal, e.g. "INT64" or "varchar(255)".
	Type string

	// Repeated marks a destination-native repeated field (BigQuery
	// arrays). Always false for relational kinds.
	Repeated bool

	// KeyValueRecord marks a BigQuery RECORD that should be shaped as
	// {key STRING, value STRING}, used for map<> source types.
	KeyValueRecord bool
}

// Class is the coarse type class of a source type, used by the value
// normalizer to pick a coercion strategy.
type Class int

const (
	ClassUnknown Class = iota
	ClassInteger
	ClassFloat
	ClassDecimal
	ClassString
	ClassBool
	ClassDateTime
	ClassBinary
	ClassComplex
)

// BaseType lowercases a source type literal and strips any precision
// suffix: "DECIMAL(10,2)" -> "decimal".
func BaseType(sourceType string) string {
	base := sourceType
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	return strings.ToLower(strings.TrimSpace(base))
}

// TypeClass classifies a source type literal.
func TypeClass(sourceType string) Class {
	base := BaseType(sourceType)
	switch {
	case strings.HasPrefix(base, "array<"), strings.HasPrefix(base, "map<"), strings.HasPrefix(base, "struct<"):
		return ClassComplex
	}
	switch base {
	case "bigint", "int", "smallint", "tinyint":
		return ClassInteger
	case "double", "float":
		return ClassFloat
	case "decimal":
		return ClassDecimal
	case "string", "varchar", "char":
		return ClassString
	case "boolean":
		return ClassBool
	case "datetime", "timestamp", "date":
		return ClassDateTime
	case "binary":
		return ClassBinary
	}
	return ClassUnknown
}

// MapType translates a source column type to the destination type for
// the given kind. Total: unknown source types fall back to the
// destination's most permissive textual type, with the fallback logged
// rather than silently applied.
func MapType(sourceType, kind string) Mapped {
	lower := strings.ToLower(strings.TrimSpace(sourceType))

	// Complex types first: array<t> maps to a native repeated type when
	// the destination supports nesting, an opaque serialized type
	// otherwise.
	if inner, ok := complexInner(lower, "array<"); ok {
		if kind == KindBigQuery {
			elem := MapType(inner, kind)
			return Mapped{Type: elem.Type, Repeated: true}
		}
		return Mapped{Type: opaqueComplexType(kind)}
	}
	if _, ok := complexInner(lower, "map<"); ok {
		if kind == KindBigQuery {
			return Mapped{Type: "RECORD", KeyValueRecord: true}
		}
		return Mapped{Type: opaqueComplexType(kind)}
	}
	if _, ok := complexInner(lower, "struct<"); ok {
		if kind == KindBigQuery {
			return Mapped{Type: "RECORD"}
		}
		return Mapped{Type: opaqueComplexType(kind)}
	}

	base := BaseType(lower)
	precision, scale := parsePrecision(lower)

	switch kind {
	case KindBigQuery:
		return Mapped{Type: bigqueryType(base)}
	case KindMySQL:
		return Mapped{Type: mysqlType(base, lower, precision, scale)}
	case KindPostgres:
		return Mapped{Type: postgresType(base, lower, precision, scale)}
	}

	// Unreachable for registered kinds; behave like an unknown type
	// rather than panicking.
	logging.Warn("Unknown destination kind %q for type %q, using text", kind, sourceType)
	return Mapped{Type: "text"}
}

// bigqueryType maps a base source type to a BigQuery standard SQL type.
func bigqueryType(base string) string {
	switch base {
	case "bigint", "int", "smallint", "tinyint":
		return "INT64"
	case "double", "float":
		return "FLOAT64"
	case "decimal":
		return "NUMERIC"
	case "string", "varchar", "char":
		return "STRING"
	case "boolean":
		return "BOOL"
	case "datetime":
		return "DATETIME"
	case "timestamp":
		return "TIMESTAMP"
	case "date":
		return "DATE"
	case "binary":
		return "BYTES"
	}
	logging.Warn("Unknown MaxCompute type %q, using STRING", base)
	return "STRING"
}

// mysqlType maps a base source type to a MySQL column type.
func mysqlType(base, full string, precision, scale int) string {
	switch base {
	case "bigint":
		return "bigint"
	case "int":
		return "int"
	case "smallint":
		return "smallint"
	case "tinyint":
		return "tinyint"
	case "double":
		return "double"
	case "float":
		return "float"
	case "decimal":
		if precision > 0 {
			return fmt.Sprintf("decimal(%d,%d)", precision, scale)
		}
		return "decimal(38,18)"
	case "string":
		return "text"
	case "varchar", "char":
		if precision > 0 {
			return fmt.Sprintf("%s(%d)", base, precision)
		}
		return "text"
	case "boolean":
		return "tinyint(1)"
	case "datetime":
		return "datetime"
	case "timestamp":
		return "timestamp"
	case "date":
		return "date"
	case "binary":
		return "blob"
	}
	logging.Warn("Unknown MaxCompute type %q, using text", full)
	return "text"
}

// postgresType maps a base source type to a PostgreSQL column type.
func postgresType(base, full string, precision, scale int) string {
	switch base {
	case "bigint":
		return "bigint"
	case "int":
		return "integer"
	case "smallint", "tinyint":
		return "smallint"
	case "double":
		return "double precision"
	case "float":
		return "real"
	case "decimal":
		if precision > 0 {
			return fmt.Sprintf("numeric(%d,%d)", precision, scale)
		}
		return "numeric"
	case "string":
		return "text"
	case "varchar", "char":
		if precision > 0 {
			return fmt.Sprintf("%s(%d)", base, precision)
		}
		return "text"
	case "boolean":
		return "boolean"
	case "datetime":
		return "timestamp"
	case "timestamp":
		return "timestamptz"
	case "date":
		return "date"
	case "binary":
		return "bytea"
	}
	logging.Warn("Unknown MaxCompute type %q, using text", full)
	return "text"
}

// opaqueComplexType is the serialized rendering of array/map/struct for
// destinations without native nesting.
func opaqueComplexType(kind string) string {
	switch kind {
	case KindMySQL:
		return "json"
	case KindPostgres:
		return "jsonb"
	}
	return "text"
}

// complexInner returns the inner type expression of a complex type
// literal like "array<string>".
func complexInner(lower, prefix string) (string, bool) {
	if !strings.HasPrefix(lower, prefix) || !strings.HasSuffix(lower, ">") {
		return "", false
	}
	return lower[len(prefix) : len(lower)-1], true
}

// parsePrecision extracts (precision, scale) from a literal like
// "decimal(10,2)" or "varchar(255)". Returns zeros if absent or
// malformed.
func parsePrecision(lower string) (int, int) {
	open := strings.IndexByte(lower, '(')
	close := strings.IndexByte(lower, ')')
	if open < 0 || close <= open {
		return 0, 0
	}
	var p, s int
	inner := lower[open+1 : close]
	if strings.Contains(inner, ",") {
		if _, err := fmt.Sscanf(inner, "%d,%d", &p, &s); err != nil {
			return 0, 0
		}
		return p, s
	}
	if _, err := fmt.Sscanf(inner, "%d", &p); err != nil {
		return 0, 0
	}
	return p, 0
}
