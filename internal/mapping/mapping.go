// Package mapping implements the declarative column transformation
// pipeline applied between source read and destination write. A rule
// set compiles once per job against the discovered schema; compilation
// performs all validation, so batch application cannot fail on rule
// errors.
package mapping

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/johndauphine/dwh-migrate/internal/driver"
	"github.com/johndauphine/dwh-migrate/internal/typemap"
)

// ComputedColumn derives one target column from other columns via a
// whitelisted pure function.
type ComputedColumn struct {
	Target   string   `yaml:"target"`
	Function string   `yaml:"function"`
	Args     []string `yaml:"args"`
}

// Rule is one table's declarative mapping configuration. A zero Rule
// passes schema and data through unchanged.
type Rule struct {
	Include      []string          `yaml:"include"`
	Exclude      []string          `yaml:"exclude"`
	Rename       map[string]string `yaml:"rename"`
	TypeOverride map[string]string `yaml:"type_override"`
	Defaults     map[string]any    `yaml:"defaults"`
	Computed     []ComputedColumn  `yaml:"computed"`
	Order        []string          `yaml:"order"`
}

// IsZero reports whether the rule declares nothing.
func (r *Rule) IsZero() bool {
	return r == nil ||
		(len(r.Include) == 0 && len(r.Exclude) == 0 && len(r.Rename) == 0 &&
			len(r.TypeOverride) == 0 && len(r.Defaults) == 0 &&
			len(r.Computed) == 0 && len(r.Order) == 0)
}

// Pipeline is a compiled rule set bound to one discovered schema. The
// stage order is fixed: type overrides, selection, rename, computed
// columns, defaults, reorder. Declaration order in the rule never
// changes it.
type Pipeline struct {
	rule     *Rule
	source   []driver.Column // selected source data columns, schema order
	renamed  []string        // post-rename names, parallel to source
	output   []string        // final column names after all stages
	programs []program       // compiled computed columns, declared order
	defaults map[string]any  // keyed by final column name
}

// Compile validates a rule against the discovered data columns and
// returns the bound pipeline. All rule errors surface here, before any
// batch is read. A nil or zero rule compiles to a passthrough.
func Compile(rule *Rule, cols []driver.Column) (*Pipeline, error) {
	if rule == nil {
		rule = &Rule{}
	}

	// Stage 2: selection. Include wins over exclude; both must name
	// real source columns.
	selected, err := selectColumns(rule, cols)
	if err != nil {
		return nil, err
	}

	// Stage 1 is schema-only but its keys are still references.
	for key := range rule.TypeOverride {
		if _, ok := findColumn(cols, key); !ok {
			return nil, confErr("type_override references unknown source column %q", key)
		}
	}
	for key := range rule.Rename {
		if _, ok := findColumn(cols, key); !ok {
			return nil, confErr("rename references unknown source column %q", key)
		}
	}

	// Stage 3: rename, with post-rename uniqueness enforced
	// case-insensitively.
	renamed := make([]string, len(selected))
	for i, c := range selected {
		renamed[i] = renameOf(rule.Rename, c.Name)
	}
	seen := make(map[string]string, len(renamed))
	for _, name := range renamed {
		lower := strings.ToLower(name)
		if prev, ok := seen[lower]; ok {
			return nil, confErr("rename produces duplicate target column %q (conflicts with %q)", name, prev)
		}
		seen[lower] = name
	}

	// Stage 4: computed columns validate against the evolving name
	// space, so an entry may reference any earlier target but nothing
	// declared after it.
	working := append([]string(nil), renamed...)
	programs := make([]program, 0, len(rule.Computed))
	for _, cc := range rule.Computed {
		if cc.Target == "" {
			return nil, confErr("computed column with function %q has no target name", cc.Function)
		}
		prog, err := compileProgram(cc, working)
		if err != nil {
			return nil, err
		}
		programs = append(programs, prog)
		if _, ok := findName(working, cc.Target); !ok {
			working = append(working, cc.Target)
		}
	}

	// Stage 5: defaults may introduce columns absent from the set.
	// Keys are visited sorted so introduced columns land in a stable
	// order.
	defaults := make(map[string]any, len(rule.Defaults))
	targets := make([]string, 0, len(rule.Defaults))
	for target := range rule.Defaults {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		value := rule.Defaults[target]
		if existing, ok := findName(working, target); ok {
			defaults[existing] = value
			continue
		}
		defaults[target] = value
		working = append(working, target)
	}

	// Stage 6: order must name only columns that exist after defaults.
	// Unlisted columns are kept, appended after the declared ones in
	// their prior order.
	output := working
	if len(rule.Order) > 0 {
		output, err = applyOrder(rule.Order, working)
		if err != nil {
			return nil, err
		}
	}

	return &Pipeline{
		rule:     rule,
		source:   selected,
		renamed:  renamed,
		output:   output,
		programs: programs,
		defaults: defaults,
	}, nil
}

// OutputColumns returns the final column names in output order.
func (p *Pipeline) OutputColumns() []string {
	return append([]string(nil), p.output...)
}

// SourceColumns returns the selected source data columns, schema order.
func (p *Pipeline) SourceColumns() []driver.Column {
	return append([]driver.Column(nil), p.source...)
}

// Plan runs the schema pass: translate the selected source columns
// through the type mapper (honoring type overrides) and append the
// computed and default-introduced columns, in final output order.
func (p *Pipeline) Plan(table string, kind string) *driver.TargetSchema {
	byName := make(map[string]driver.TargetColumn, len(p.output))
	for i, c := range p.source {
		tc := driver.TargetColumn{
			Name:     p.renamed[i],
			Nullable: c.Nullable,
			Comment:  c.Comment,
		}
		if override, ok := lookupFold(p.rule.TypeOverride, c.Name); ok {
			tc.Type = override
		} else {
			m := typemap.MapType(c.DataType, kind)
			tc.Type = m.Type
			tc.Repeated = m.Repeated
		}
		byName[strings.ToLower(tc.Name)] = tc
	}
	for _, prog := range p.programs {
		lower := strings.ToLower(prog.target)
		if _, ok := byName[lower]; ok {
			continue // overwrites an existing column, type unchanged
		}
		byName[lower] = driver.TargetColumn{
			Name:     prog.target,
			Type:     prog.resultType(kind),
			Nullable: true,
		}
	}
	for target := range p.defaults {
		lower := strings.ToLower(target)
		if _, ok := byName[lower]; ok {
			continue
		}
		byName[lower] = driver.TargetColumn{
			Name:     target,
			Type:     typemap.MapType("string", kind).Type,
			Nullable: true,
		}
	}

	schema := &driver.TargetSchema{Table: table}
	for _, name := range p.output {
		schema.Columns = append(schema.Columns, byName[strings.ToLower(name)])
	}
	return schema
}

// Apply transforms one batch in place: selection, rename, computed
// evaluation, defaults, reorder. The now() instant is captured once
// here, so every row of the batch sees the same value.
func (p *Pipeline) Apply(batch *driver.Batch) {
	now := time.Now().UTC()
	for i, row := range batch.Rows {
		out := make(driver.Row, len(p.output))
		for j, c := range p.source {
			out[p.renamed[j]] = row[c.Name]
		}
		for _, prog := range p.programs {
			out[prog.target] = prog.eval(out, now)
		}
		for target, value := range p.defaults {
			if v, ok := out[target]; !ok || v == nil {
				out[target] = value
			}
		}
		batch.Rows[i] = out
	}
	batch.Columns = p.OutputColumns()
}

func selectColumns(rule *Rule, cols []driver.Column) ([]driver.Column, error) {
	if len(rule.Include) > 0 {
		included := make(map[string]bool, len(rule.Include))
		for _, name := range rule.Include {
			if _, ok := findColumn(cols, name); !ok {
				return nil, confErr("include references unknown source column %q", name)
			}
			included[strings.ToLower(name)] = true
		}
		var selected []driver.Column
		for _, c := range cols {
			if included[strings.ToLower(c.Name)] {
				selected = append(selected, c)
			}
		}
		return selected, nil
	}

	excluded := make(map[string]bool, len(rule.Exclude))
	for _, name := range rule.Exclude {
		if _, ok := findColumn(cols, name); !ok {
			return nil, confErr("exclude references unknown source column %q", name)
		}
		excluded[strings.ToLower(name)] = true
	}
	var selected []driver.Column
	for _, c := range cols {
		if !excluded[strings.ToLower(c.Name)] {
			selected = append(selected, c)
		}
	}
	return selected, nil
}

func applyOrder(order, working []string) ([]string, error) {
	used := make(map[string]bool, len(order))
	output := make([]string, 0, len(working))
	for _, name := range order {
		actual, ok := findName(working, name)
		if !ok {
			return nil, confErr("order references unknown column %q", name)
		}
		lower := strings.ToLower(actual)
		if used[lower] {
			return nil, confErr("order lists column %q twice", name)
		}
		used[lower] = true
		output = append(output, actual)
	}
	for _, name := range working {
		if !used[strings.ToLower(name)] {
			output = append(output, name)
		}
	}
	return output, nil
}

// renameOf returns the target name for a source column, matching rename
// keys case-insensitively.
func renameOf(rename map[string]string, name string) string {
	if target, ok := lookupFold(rename, name); ok {
		return target
	}
	return name
}

func lookupFold[V any](m map[string]V, key string) (V, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

func findColumn(cols []driver.Column, name string) (driver.Column, bool) {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return driver.Column{}, false
}

// findName returns the canonical spelling of name within names.
func findName(names []string, name string) (string, bool) {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return n, true
		}
	}
	return "", false
}

func confErr(format string, args ...any) *driver.ConfigurationError {
	return &driver.ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
