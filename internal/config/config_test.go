package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/johndauphine/dwh-migrate/internal/driver"
	"github.com/johndauphine/dwh-migrate/internal/mapping"
)

const validYAML = `
source:
  project: analytics
  access_id: AKID
  secret_key: SECRET
  endpoint: http://service.odps.example.com/api
destination:
  kind: postgres
  host: localhost
  user: loader
  password: pw
  database: warehouse
run:
  tables:
    - source: user_events
    - source: orders
      target: orders_copy
  mode: overwrite
  batch_size: 500
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source.Project != "analytics" {
		t.Errorf("Source.Project = %q", cfg.Source.Project)
	}
	if cfg.Run.Mode != "overwrite" || cfg.Run.BatchSize != 500 {
		t.Errorf("Run = %+v", cfg.Run)
	}
	if cfg.Run.Tables[1].TargetName() != "orders_copy" {
		t.Errorf("TargetName() = %q, want orders_copy", cfg.Run.Tables[1].TargetName())
	}
	if cfg.Run.Tables[0].TargetName() != "user_events" {
		t.Errorf("TargetName() = %q, want source name fallback", cfg.Run.Tables[0].TargetName())
	}
}

func TestLoadDefaults(t *testing.T) {
	yaml := strings.Replace(validYAML, "  mode: overwrite\n  batch_size: 500\n", "", 1)
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Run.Mode != "append" {
		t.Errorf("default mode = %q, want append", cfg.Run.Mode)
	}
	if cfg.Run.BatchSize != DefaultBatchSize {
		t.Errorf("default batch_size = %d, want %d", cfg.Run.BatchSize, DefaultBatchSize)
	}
	if cfg.Run.StatePath != DefaultStatePath {
		t.Errorf("default state_path = %q", cfg.Run.StatePath)
	}
	if cfg.Compat.NullOnNonNullable != "fail" {
		t.Errorf("default null_on_non_nullable = %q, want fail", cfg.Compat.NullOnNonNullable)
	}
	if cfg.Compat.PreserveStringNullTokens == nil || !*cfg.Compat.PreserveStringNullTokens {
		t.Error("default preserve_string_null_tokens = false, want true")
	}
}

func TestPreserveStringNullTokensExplicitFalse(t *testing.T) {
	t.Setenv("PRESERVE_STRING_NULL_TOKENS", "true")
	cfg, err := Load(writeConfig(t, validYAML+"compat:\n  preserve_string_null_tokens: false\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Compat.PreserveStringNullTokens == nil || *cfg.Compat.PreserveStringNullTokens {
		t.Error("explicit preserve_string_null_tokens: false overridden")
	}
	if cfg.Compat.Options().PreserveStringNullTokens {
		t.Error("Options() did not carry the explicit false")
	}
}

func TestLoadEnvFallback(t *testing.T) {
	yaml := strings.Replace(validYAML, "  access_id: AKID\n  secret_key: SECRET\n", "", 1)
	t.Setenv("MAXCOMPUTE_ACCESS_ID", "ENV_ID")
	t.Setenv("MAXCOMPUTE_SECRET_ACCESS_KEY", "ENV_KEY")
	t.Setenv("PRESERVE_STRING_NULL_TOKENS", "false")

	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source.AccessID != "ENV_ID" || cfg.Source.SecretKey != "ENV_KEY" {
		t.Errorf("env fallback not applied: %+v", cfg.Source)
	}
	if cfg.Compat.PreserveStringNullTokens == nil || *cfg.Compat.PreserveStringNullTokens {
		t.Error("PRESERVE_STRING_NULL_TOKENS env not applied")
	}
}

func TestFileWinsOverEnv(t *testing.T) {
	t.Setenv("MAXCOMPUTE_ACCESS_ID", "ENV_ID")
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source.AccessID != "AKID" {
		t.Errorf("AccessID = %q, want file value AKID", cfg.Source.AccessID)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantMsg string
	}{
		{
			"missing source credentials",
			func(y string) string {
				return strings.Replace(y, "  access_id: AKID\n  secret_key: SECRET\n", "", 1)
			},
			"access_id",
		},
		{
			"missing destination kind",
			func(y string) string { return strings.Replace(y, "  kind: postgres\n", "", 1) },
			"destination kind",
		},
		{
			"unknown destination kind",
			func(y string) string { return strings.Replace(y, "kind: postgres", "kind: oracle", 1) },
			"unknown destination kind",
		},
		{
			"no tables",
			func(y string) string {
				return strings.Replace(y, "    - source: user_events\n    - source: orders\n      target: orders_copy\n", "    []\n", 1)
			},
			"at least one table",
		},
		{
			"bad mode",
			func(y string) string { return strings.Replace(y, "mode: overwrite", "mode: replace", 1) },
			"invalid mode",
		},
		{
			"bad table identifier",
			func(y string) string { return strings.Replace(y, "source: user_events", `source: "user;events"`, 1) },
			"invalid source table",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mutate(validYAML)))
			if err == nil {
				t.Fatal("Load() error = nil, want validation error")
			}
			var ce *driver.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("Load() error = %T (%v), want ConfigurationError", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Load() error = %q, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestCompatOptions(t *testing.T) {
	preserve := true
	c := CompatConfig{
		PreserveStringNullTokens: &preserve,
		StringNullTokens:         "nan, NULL , -",
		NullOnNonNullable:        "fill",
		NullFillSentinel:         "0",
	}
	opts := c.Options()
	want := []string{"nan", "NULL", "-"}
	if !reflect.DeepEqual(opts.NullTokens, want) {
		t.Errorf("NullTokens = %v, want %v", opts.NullTokens, want)
	}
	if !opts.PreserveStringNullTokens || opts.NullOnNonNullable != "fill" {
		t.Errorf("opts = %+v", opts)
	}
}

func TestCompatOptionsDefaultTokens(t *testing.T) {
	opts := (&CompatConfig{}).Options()
	if opts.NullTokens != nil {
		t.Errorf("NullTokens = %v, want nil (normalizer supplies defaults)", opts.NullTokens)
	}
	if !opts.PreserveStringNullTokens {
		t.Error("PreserveStringNullTokens unset, want true")
	}
}

func TestSelectRule(t *testing.T) {
	m := MappingsConfig{
		Default: &mapping.Rule{
			Exclude:  []string{"raw_payload"},
			Defaults: map[string]any{"channel": "import"},
		},
		Tables: map[string]*mapping.Rule{
			"Orders": {Rename: map[string]string{"uid": "user_id"}},
		},
	}

	t.Run("table entry merged over default", func(t *testing.T) {
		rule := m.SelectRule("orders")
		if rule == nil {
			t.Fatal("SelectRule() = nil")
		}
		if !reflect.DeepEqual(rule.Exclude, []string{"raw_payload"}) {
			t.Errorf("Exclude = %v, want inherited from default", rule.Exclude)
		}
		if rule.Rename["uid"] != "user_id" {
			t.Errorf("Rename = %v, want per-table rename", rule.Rename)
		}
	})

	t.Run("unknown table gets default", func(t *testing.T) {
		rule := m.SelectRule("users")
		if !reflect.DeepEqual(rule, m.Default) {
			t.Errorf("SelectRule() = %+v, want default rule", rule)
		}
	})

	t.Run("no rules at all", func(t *testing.T) {
		empty := MappingsConfig{}
		if rule := empty.SelectRule("orders"); rule != nil {
			t.Errorf("SelectRule() = %+v, want nil", rule)
		}
	})
}

func TestTableSpecPartition(t *testing.T) {
	spec := (&TableSpec{Source: "t", Partition: map[string]string{"region": "eu", "ds": "20240101"}}).PartitionSpec()
	if spec == nil {
		t.Fatal("PartitionSpec() = nil")
	}
	if got := spec.Predicate(); got != "ds = '20240101' AND region = 'eu'" {
		t.Errorf("Predicate() = %q, want sorted column order", got)
	}
	if (&TableSpec{Source: "t"}).PartitionSpec() != nil {
		t.Error("PartitionSpec() without pins should be nil")
	}
}
