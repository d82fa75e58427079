// Package normalize reconciles source-side value representations with
// destination column constraints: null sentinel tokens, numeric edge
// cases, boolean spellings, and the non-nullable fill policy. It runs
// after the mapping pipeline and is independent of it.
package normalize

import (
	"math"
	"strconv"
	"strings"

	"github.com/johndauphine/dwh-migrate/internal/driver"
	"github.com/johndauphine/dwh-migrate/internal/logging"
	"github.com/johndauphine/dwh-migrate/internal/typemap"
)

// DefaultNullTokens are the string spellings recognized as logical null
// when token coercion is enabled. They are the textual null renderings
// that leak out of columnar export tooling.
var DefaultNullTokens = []string{"nan", "None", "null", "<NA>", "NaN"}

// PolicyFail aborts a batch when a null value meets a non-nullable
// destination column. Any other policy value substitutes the sentinel.
const PolicyFail = "fail"

// Options configure one normalizer. Zero values mean: no token
// coercion, empty strings preserved, non-nullable violations abort.
type Options struct {
	// NullTokens are the string values treated as logical null. Nil
	// selects DefaultNullTokens. Tokens always coerce to null in
	// non-string columns.
	NullTokens []string

	// PreserveStringNullTokens extends token-to-null coercion to
	// string columns as well. Off, string columns keep values like
	// "None" verbatim as business data.
	PreserveStringNullTokens bool

	// CaseInsensitiveTokens matches null tokens ignoring case.
	CaseInsensitiveTokens bool

	// TreatEmptyStringAsNull coerces "" to null in non-string columns.
	TreatEmptyStringAsNull bool

	// NullOnNonNullable is the policy for a null value bound to a
	// non-nullable destination column: PolicyFail aborts, anything
	// else fills with NullFillSentinel.
	NullOnNonNullable string

	// NullFillSentinel is the fill value under a non-fail policy.
	// Numeric columns fill with its numeric parse (or zero), boolean
	// columns with false.
	NullFillSentinel string
}

type colInfo struct {
	name     string
	class    typemap.Class
	nullable bool
}

// Normalizer applies Options to batches bound for one destination
// schema. It carries the per-column widening decisions across batches
// so each is logged once per job, not once per row.
type Normalizer struct {
	opts    Options
	cols    []colInfo
	tokens  map[string]bool
	widened map[string]bool
}

// New builds a normalizer for the prepared destination schema. Column
// classes are derived from the destination type literals, so a source
// integer overridden to a string type is treated as a string here.
func New(opts Options, schema *driver.TargetSchema) *Normalizer {
	tokens := opts.NullTokens
	if tokens == nil {
		tokens = DefaultNullTokens
	}
	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if opts.CaseInsensitiveTokens {
			tok = strings.ToLower(tok)
		}
		set[tok] = true
	}

	n := &Normalizer{opts: opts, tokens: set, widened: make(map[string]bool)}
	for _, c := range schema.Columns {
		n.cols = append(n.cols, colInfo{
			name:     c.Name,
			class:    destClass(c.Type),
			nullable: c.Nullable,
		})
	}
	return n
}

// Apply normalizes one batch in place. batchIndex is zero-based and
// only used for error reporting.
func (n *Normalizer) Apply(batch *driver.Batch, batchIndex int) error {
	for _, col := range n.cols {
		// Integer columns holding nulls widen to a floating
		// representation so the whole column keeps one type at the
		// destination. Decided once per column per job. Non-nullable
		// columns are excluded: their nulls are either failed or
		// filled, never stored.
		if col.class == typemap.ClassInteger && col.nullable && !n.widened[col.name] && n.hasNull(batch, col) {
			n.widened[col.name] = true
			logging.Info("Column %s contains nulls, widening integers to floating point", col.name)
		}
	}

	for _, row := range batch.Rows {
		for _, col := range n.cols {
			v, err := n.normalize(col, row[col.name])
			if err != nil {
				return err
			}
			if v == nil && !col.nullable {
				if n.opts.NullOnNonNullable == PolicyFail || n.opts.NullOnNonNullable == "" {
					return &driver.NonNullableViolation{Column: col.name, Batch: batchIndex}
				}
				v = n.sentinel(col)
			}
			row[col.name] = v
		}
	}
	return nil
}

func (n *Normalizer) hasNull(batch *driver.Batch, col colInfo) bool {
	for _, row := range batch.Rows {
		if n.isNull(col, row[col.name]) {
			return true
		}
	}
	return false
}

// isNull reports whether a value normalizes to logical null without
// doing the class coercion.
func (n *Normalizer) isNull(col colInfo, v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		if t == "" {
			return n.opts.TreatEmptyStringAsNull && col.class != typemap.ClassString
		}
		return n.isNullToken(col, t)
	case float64:
		return math.IsNaN(t) || math.IsInf(t, 0)
	case float32:
		f := float64(t)
		return math.IsNaN(f) || math.IsInf(f, 0)
	}
	return false
}

// isNullToken matches s against the null token set. String columns
// only participate when PreserveStringNullTokens is enabled; a token
// landing in any other class is always logical null, since it cannot
// be a legitimate value there.
func (n *Normalizer) isNullToken(col colInfo, s string) bool {
	if col.class == typemap.ClassString && !n.opts.PreserveStringNullTokens {
		return false
	}
	if n.opts.CaseInsensitiveTokens {
		s = strings.ToLower(s)
	}
	return n.tokens[s]
}

func (n *Normalizer) normalize(col colInfo, v any) (any, error) {
	if n.isNull(col, v) {
		return nil, nil
	}

	switch col.class {
	case typemap.ClassInteger:
		iv, err := n.toInteger(col, v)
		if err != nil {
			return nil, err
		}
		if n.widened[col.name] {
			return float64(iv), nil
		}
		return iv, nil
	case typemap.ClassFloat, typemap.ClassDecimal:
		return n.toFloat(col, v)
	case typemap.ClassBool:
		return n.toBool(col, v)
	}
	return v, nil
}

func (n *Normalizer) toInteger(col colInfo, v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float32:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		if iv, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return iv, nil
		}
		if fv, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return int64(fv), nil
		}
	}
	return 0, &driver.TypeConversionError{Column: col.name, Value: v, Type: "integer"}
}

func (n *Normalizer) toFloat(col colInfo, v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case string:
		fv, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, &driver.TypeConversionError{Column: col.name, Value: v, Type: "float"}
		}
		if math.IsNaN(fv) || math.IsInf(fv, 0) {
			return nil, nil
		}
		return fv, nil
	}
	return nil, &driver.TypeConversionError{Column: col.name, Value: v, Type: "float"}
}

func (n *Normalizer) toBool(col colInfo, v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case float64:
		return t != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "t":
			return true, nil
		case "false", "0", "no", "n", "f":
			return false, nil
		}
	}
	return nil, &driver.TypeConversionError{Column: col.name, Value: v, Type: "boolean"}
}

// sentinel is the fill value for a non-nullable column under a fill
// policy.
func (n *Normalizer) sentinel(col colInfo) any {
	switch col.class {
	case typemap.ClassInteger:
		if iv, err := strconv.ParseInt(n.opts.NullFillSentinel, 10, 64); err == nil {
			if n.widened[col.name] {
				return float64(iv)
			}
			return iv
		}
		if n.widened[col.name] {
			return float64(0)
		}
		return int64(0)
	case typemap.ClassFloat, typemap.ClassDecimal:
		if fv, err := strconv.ParseFloat(n.opts.NullFillSentinel, 64); err == nil {
			return fv
		}
		return float64(0)
	case typemap.ClassBool:
		return false
	}
	return n.opts.NullFillSentinel
}

// destClass maps a destination type literal back to a coarse class.
// Covers the literals the type mapper and overrides can produce across
// all destination kinds.
func destClass(destType string) typemap.Class {
	base := strings.ToLower(destType)
	if i := strings.IndexByte(base, '('); i >= 0 {
		// tinyint(1) is MySQL's boolean rendering, not an integer.
		if base[:i] == "tinyint" && strings.HasPrefix(base[i:], "(1)") {
			return typemap.ClassBool
		}
		base = base[:i]
	}
	switch base {
	case "int64", "bigint", "int", "integer", "smallint", "tinyint":
		return typemap.ClassInteger
	case "float64", "double", "double precision", "float", "real":
		return typemap.ClassFloat
	case "numeric", "decimal", "bignumeric":
		return typemap.ClassDecimal
	case "bool", "boolean":
		return typemap.ClassBool
	case "string", "text", "varchar", "char":
		return typemap.ClassString
	case "datetime", "timestamp", "timestamptz", "date":
		return typemap.ClassDateTime
	case "bytes", "blob", "bytea", "binary":
		return typemap.ClassBinary
	case "record", "json", "jsonb":
		return typemap.ClassComplex
	}
	return typemap.ClassUnknown
}
