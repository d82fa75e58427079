// Package config loads and validates the YAML job configuration.
// Precedence is flag > file > environment: flags are applied by the
// CLI after Load, and Load itself only falls back to environment
// variables for values the file leaves empty. A .env file in the
// working directory is honored.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/dwh-migrate/internal/dbconfig"
	"github.com/johndauphine/dwh-migrate/internal/driver"
	"github.com/johndauphine/dwh-migrate/internal/mapping"
	"github.com/johndauphine/dwh-migrate/internal/normalize"
)

const (
	DefaultBatchSize     = 10000
	DefaultFallbackLimit = 100000
	DefaultStatePath     = ".dwh-migrate/history.db"
)

// Config is the full file configuration.
type Config struct {
	Source      dbconfig.SourceConfig      `yaml:"source"`
	Destination dbconfig.DestinationConfig `yaml:"destination"`
	Run         RunConfig                  `yaml:"run"`
	Compat      CompatConfig               `yaml:"compat"`
	Mappings    MappingsConfig             `yaml:"mappings"`
}

// TableSpec names one table to migrate.
type TableSpec struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"` // defaults to Source

	// Partition pins explicit partition values instead of resolving
	// the latest ones. Keys are partition column names.
	Partition map[string]string `yaml:"partition"`
}

// TargetName returns the destination table name.
func (t *TableSpec) TargetName() string {
	if t.Target != "" {
		return t.Target
	}
	return t.Source
}

// PartitionSpec converts an explicit partition pin to a spec, or nil.
func (t *TableSpec) PartitionSpec() *driver.PartitionSpec {
	if len(t.Partition) == 0 {
		return nil
	}
	spec := &driver.PartitionSpec{Values: make(map[string]string, len(t.Partition))}
	for col, val := range t.Partition {
		spec.Columns = append(spec.Columns, col)
		spec.Values[col] = val
	}
	// Stable predicate order regardless of YAML map order.
	for i := 1; i < len(spec.Columns); i++ {
		for j := i; j > 0 && spec.Columns[j] < spec.Columns[j-1]; j-- {
			spec.Columns[j], spec.Columns[j-1] = spec.Columns[j-1], spec.Columns[j]
		}
	}
	return spec
}

// RunConfig holds job-level options.
type RunConfig struct {
	Tables        []TableSpec `yaml:"tables"`
	Mode          string      `yaml:"mode"`       // overwrite | append
	BatchSize     int         `yaml:"batch_size"` // rows per batch
	FallbackLimit int64       `yaml:"fallback_limit"`
	StatePath     string      `yaml:"state_path"`
	LogLevel      string      `yaml:"log_level"`
	LogFormat     string      `yaml:"log_format"` // text | json
}

// CompatConfig holds the value normalization options.
// PreserveStringNullTokens is a pointer so an explicit false in the
// file survives the default of true.
type CompatConfig struct {
	PreserveStringNullTokens *bool  `yaml:"preserve_string_null_tokens"`
	StringNullTokens         string `yaml:"string_null_tokens"` // comma-separated, empty selects defaults
	CaseInsensitiveTokens    bool   `yaml:"case_insensitive_null_tokens"`
	TreatEmptyStringAsNull   bool   `yaml:"treat_empty_string_as_null"`
	NullOnNonNullable        string `yaml:"null_on_non_nullable"` // fail | fill
	NullFillSentinel         string `yaml:"null_fill_sentinel"`
}

// Options converts the compat section to normalizer options.
func (c *CompatConfig) Options() normalize.Options {
	preserve := true
	if c.PreserveStringNullTokens != nil {
		preserve = *c.PreserveStringNullTokens
	}
	opts := normalize.Options{
		PreserveStringNullTokens: preserve,
		CaseInsensitiveTokens:    c.CaseInsensitiveTokens,
		TreatEmptyStringAsNull:   c.TreatEmptyStringAsNull,
		NullOnNonNullable:        c.NullOnNonNullable,
		NullFillSentinel:         c.NullFillSentinel,
	}
	if c.StringNullTokens != "" {
		opts.NullTokens = splitTokens(c.StringNullTokens)
	}
	return opts
}

// MappingsConfig holds the default mapping rule and per-table rules.
type MappingsConfig struct {
	Default *mapping.Rule            `yaml:"default"`
	Tables  map[string]*mapping.Rule `yaml:"tables"`
}

// SelectRule picks the rule for a source table: the per-table entry
// (matched case-insensitively) merged over the default. Per-table
// fields win field by field; unset fields fall through to the default.
func (m *MappingsConfig) SelectRule(sourceTable string) *mapping.Rule {
	var table *mapping.Rule
	for name, rule := range m.Tables {
		if strings.EqualFold(name, sourceTable) {
			table = rule
			break
		}
	}
	if table == nil {
		return m.Default
	}
	if m.Default == nil {
		return table
	}

	merged := *m.Default
	if len(table.Include) > 0 {
		merged.Include = table.Include
	}
	if len(table.Exclude) > 0 {
		merged.Exclude = table.Exclude
	}
	if len(table.Rename) > 0 {
		merged.Rename = table.Rename
	}
	if len(table.TypeOverride) > 0 {
		merged.TypeOverride = table.TypeOverride
	}
	if len(table.Defaults) > 0 {
		merged.Defaults = table.Defaults
	}
	if len(table.Computed) > 0 {
		merged.Computed = table.Computed
	}
	if len(table.Order) > 0 {
		merged.Order = table.Order
	}
	return &merged
}

// Load reads and validates the configuration file. Values absent from
// the file fall back to environment variables.
func Load(path string) (*Config, error) {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setIfEmpty(&c.Source.Project, "MAXCOMPUTE_PROJECT")
	setIfEmpty(&c.Source.AccessID, "MAXCOMPUTE_ACCESS_ID")
	setIfEmpty(&c.Source.SecretKey, "MAXCOMPUTE_SECRET_ACCESS_KEY")
	setIfEmpty(&c.Source.Endpoint, "MAXCOMPUTE_ENDPOINT")

	switch strings.ToLower(c.Destination.Kind) {
	case "bigquery", "bq":
		setIfEmpty(&c.Destination.Project, "BIGQUERY_PROJECT")
		setIfEmpty(&c.Destination.Dataset, "BIGQUERY_DATASET")
		setIfEmpty(&c.Destination.CredentialsPath, "GOOGLE_APPLICATION_CREDENTIALS")
	case "mysql":
		setIfEmpty(&c.Destination.Host, "MYSQL_DEST_HOST")
		setIntIfZero(&c.Destination.Port, "MYSQL_DEST_PORT")
		setIfEmpty(&c.Destination.User, "MYSQL_DEST_USER")
		setIfEmpty(&c.Destination.Password, "MYSQL_DEST_PASSWORD")
		setIfEmpty(&c.Destination.Database, "MYSQL_DEST_DATABASE")
	case "postgres", "postgresql", "pg":
		setIfEmpty(&c.Destination.Host, "PGHOST")
		setIntIfZero(&c.Destination.Port, "PGPORT")
		setIfEmpty(&c.Destination.User, "PGUSER")
		setIfEmpty(&c.Destination.Password, "PGPASSWORD")
		setIfEmpty(&c.Destination.Database, "PGDATABASE")
	}

	if c.Compat.PreserveStringNullTokens == nil {
		if _, ok := os.LookupEnv("PRESERVE_STRING_NULL_TOKENS"); ok {
			v := envBool("PRESERVE_STRING_NULL_TOKENS")
			c.Compat.PreserveStringNullTokens = &v
		}
	}
	if !c.Compat.TreatEmptyStringAsNull {
		c.Compat.TreatEmptyStringAsNull = envBool("TREAT_EMPTY_STRING_AS_NULL")
	}
	setIfEmpty(&c.Compat.StringNullTokens, "STRING_NULL_TOKENS")
	setIfEmpty(&c.Compat.NullOnNonNullable, "NULL_ON_NON_NULLABLE")
	setIfEmpty(&c.Compat.NullFillSentinel, "NULL_FILL_SENTINEL")
	setIfEmpty(&c.Run.LogLevel, "LOG_LEVEL")
}

func (c *Config) applyDefaults() {
	if c.Run.Mode == "" {
		c.Run.Mode = string(driver.ModeAppend)
	}
	if c.Run.BatchSize == 0 {
		c.Run.BatchSize = DefaultBatchSize
	}
	if c.Run.FallbackLimit == 0 {
		c.Run.FallbackLimit = DefaultFallbackLimit
	}
	if c.Run.StatePath == "" {
		c.Run.StatePath = DefaultStatePath
	}
	if c.Compat.NullOnNonNullable == "" {
		c.Compat.NullOnNonNullable = normalize.PolicyFail
	}
	if c.Compat.PreserveStringNullTokens == nil {
		v := true
		c.Compat.PreserveStringNullTokens = &v
	}
	if c.Destination.Schema == "" {
		c.Destination.Schema = "public"
	}
}

func (c *Config) validate() error {
	if c.Source.Project == "" {
		return confErr("source project is required")
	}
	if c.Source.AccessID == "" || c.Source.SecretKey == "" {
		return confErr("source access_id and secret_key are required (or MAXCOMPUTE_ACCESS_ID / MAXCOMPUTE_SECRET_ACCESS_KEY)")
	}
	if c.Source.Endpoint == "" {
		return confErr("source endpoint is required")
	}

	if c.Destination.Kind == "" {
		return confErr("destination kind is required (bigquery, mysql, or postgres)")
	}
	switch strings.ToLower(c.Destination.Kind) {
	case "bigquery", "bq":
		if c.Destination.Project == "" || c.Destination.Dataset == "" {
			return confErr("bigquery destination requires project and dataset")
		}
	case "mysql", "postgres", "postgresql", "pg":
		if c.Destination.Host == "" || c.Destination.User == "" || c.Destination.Database == "" {
			return confErr("%s destination requires host, user, and database", c.Destination.Kind)
		}
	default:
		return confErr("unknown destination kind %q", c.Destination.Kind)
	}

	if len(c.Run.Tables) == 0 {
		return confErr("run.tables must list at least one table")
	}
	for _, t := range c.Run.Tables {
		if t.Source == "" {
			return confErr("run.tables entries need a source table name")
		}
		if err := driver.ValidateIdentifier(t.Source); err != nil {
			return confErr("invalid source table: %v", err)
		}
		if err := driver.ValidateIdentifier(t.TargetName()); err != nil {
			return confErr("invalid target table: %v", err)
		}
	}

	if _, err := driver.ParseMode(c.Run.Mode); err != nil {
		return err
	}
	if c.Run.BatchSize < 0 {
		return confErr("batch_size cannot be negative")
	}
	switch c.Compat.NullOnNonNullable {
	case normalize.PolicyFail, "fill":
	default:
		return confErr("null_on_non_nullable must be fail or fill, got %q", c.Compat.NullOnNonNullable)
	}
	return nil
}

// splitTokens splits a comma-separated token list, dropping empty
// entries and surrounding whitespace. Returns nil for an empty list so
// the normalizer falls back to its defaults.
func splitTokens(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setIfEmpty(dst *string, env string) {
	if *dst == "" {
		*dst = os.Getenv(env)
	}
}

func setIntIfZero(dst *int, env string) {
	if *dst == 0 {
		if v, err := strconv.Atoi(os.Getenv(env)); err == nil {
			*dst = v
		}
	}
}

func envBool(env string) bool {
	switch strings.ToLower(os.Getenv(env)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func confErr(format string, args ...any) error {
	return &driver.ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
