package main

import (
	"testing"

	"github.com/johndauphine/dwh-migrate/internal/config"
)

func TestAppCommands(t *testing.T) {
	app := newApp()

	want := []string{"run", "check", "history", "status"}
	for _, name := range want {
		if app.Command(name) == nil {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestRunCommandFlags(t *testing.T) {
	app := newApp()
	cmd := app.Command("run")
	if cmd == nil {
		t.Fatal("run command not registered")
	}

	for _, flag := range []string{"mode", "batch-size", "table", "dry-run", "yes"} {
		found := false
		for _, f := range cmd.Flags {
			for _, n := range f.Names() {
				if n == flag {
					found = true
				}
			}
		}
		if !found {
			t.Errorf("run command missing flag %q", flag)
		}
	}
}

func TestGlobalConfigFlagDefault(t *testing.T) {
	app := newApp()
	for _, f := range app.Flags {
		for _, n := range f.Names() {
			if n == "config" {
				sf, ok := f.(interface{ GetValue() string })
				if !ok {
					t.Fatal("config flag has no default value accessor")
				}
				if sf.GetValue() != "config.yaml" {
					t.Errorf("config default = %q, want config.yaml", sf.GetValue())
				}
				return
			}
		}
	}
	t.Fatal("config flag not registered")
}

func TestSelectTables(t *testing.T) {
	tables := []config.TableSpec{
		{Source: "orders"},
		{Source: "users", Target: "app_users"},
	}

	t.Run("no filter returns all", func(t *testing.T) {
		got, err := selectTables(tables, "")
		if err != nil {
			t.Fatalf("selectTables() error: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("got %d tables, want 2", len(got))
		}
	})

	t.Run("case-insensitive match", func(t *testing.T) {
		got, err := selectTables(tables, "USERS")
		if err != nil {
			t.Fatalf("selectTables() error: %v", err)
		}
		if len(got) != 1 || got[0].Source != "users" {
			t.Errorf("got %+v, want the users spec", got)
		}
	})

	t.Run("unknown table errors", func(t *testing.T) {
		if _, err := selectTables(tables, "payments"); err == nil {
			t.Error("expected error for unknown table")
		}
	})
}
