// Package postgres provides the PostgreSQL destination implementation.
// It registers itself with the destination registry on import.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/johndauphine/dwh-migrate/internal/dbconfig"
	"github.com/johndauphine/dwh-migrate/internal/driver"
	"github.com/johndauphine/dwh-migrate/internal/logging"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.DestinationDriver for PostgreSQL.
type Driver struct{}

func (d *Driver) Kind() string { return "postgres" }

func (d *Driver) Aliases() []string { return []string{"postgresql", "pg"} }

func (d *Driver) SupportsMapping() bool { return true }

// Open connects a pgx pool to the destination database.
func (d *Driver) Open(cfg *dbconfig.DestinationConfig) (driver.Destination, error) {
	dsn := BuildDSN(cfg)
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	logging.Debug("Opened PostgreSQL destination %s:%d/%s schema %s", cfg.Host, cfg.Port, cfg.Database, schema)
	return &Destination{pool: pool, cfg: cfg, schema: schema}, nil
}

// BuildDSN renders a postgres connection URL with encoded credentials.
func BuildDSN(cfg *dbconfig.DestinationConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password),
		cfg.Host, port, url.PathEscape(cfg.Database), sslMode)
}

// Destination writes migrated tables into a PostgreSQL schema.
type Destination struct {
	pool   *pgxpool.Pool
	cfg    *dbconfig.DestinationConfig
	schema string
}

func (p *Destination) Kind() string { return "postgres" }

func (p *Destination) SupportsMapping() bool { return true }

func (p *Destination) TestConnection(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	var version string
	if err := p.pool.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		return fmt.Errorf("querying version: %w", err)
	}
	logging.Info("PostgreSQL destination reachable: %s/%s (%s)", p.cfg.Host, p.cfg.Database, version)
	return nil
}

// EnsureTarget creates the configured schema if absent.
func (p *Destination) EnsureTarget(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(p.schema))
	if err != nil {
		return fmt.Errorf("ensuring schema %s: %w", p.schema, err)
	}
	return nil
}

func (p *Destination) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)
	`, p.schema, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return exists, nil
}

func (p *Destination) ExistingSchema(ctx context.Context, table string) (*driver.TargetSchema, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, p.schema, table)
	if err != nil {
		return nil, fmt.Errorf("reading schema of %s: %w", table, err)
	}
	defer rows.Close()

	schema := &driver.TargetSchema{Table: table}
	for rows.Next() {
		var name, colType, nullable string
		if err := rows.Scan(&name, &colType, &nullable); err != nil {
			return nil, err
		}
		schema.Columns = append(schema.Columns, driver.TargetColumn{
			Name:     name,
			Type:     colType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	return schema, rows.Err()
}

func (p *Destination) PrepareTable(ctx context.Context, schema *driver.TargetSchema, mode driver.Mode) error {
	qualified := p.qualify(schema.Table)

	if mode == driver.ModeOverwrite {
		if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+qualified); err != nil {
			return fmt.Errorf("dropping table %s: %w", schema.Table, err)
		}
	}

	ddl := buildCreateTable(p.schema, schema)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w\nDDL: %s", schema.Table, err, ddl)
	}

	if schema.Description != "" {
		comment := fmt.Sprintf("COMMENT ON TABLE %s IS '%s'", qualified, escapeString(schema.Description))
		if _, err := p.pool.Exec(ctx, comment); err != nil {
			logging.Warn("Could not set table comment on %s: %v", schema.Table, err)
		}
	}
	return nil
}

// buildCreateTable renders CREATE TABLE IF NOT EXISTS DDL.
func buildCreateTable(pgSchema string, schema *driver.TargetSchema) string {
	defs := make([]string, 0, len(schema.Columns))
	for _, c := range schema.Columns {
		def := quoteIdent(c.Name) + " " + c.Type
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (\n  %s\n)",
		quoteIdent(pgSchema), quoteIdent(schema.Table), strings.Join(defs, ",\n  "))
}

// WriteBatch streams one batch with the COPY protocol.
func (p *Destination) WriteBatch(ctx context.Context, table string, batch *driver.Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}

	values := make([][]any, len(batch.Rows))
	for i, row := range batch.Rows {
		vals := make([]any, len(batch.Columns))
		for j, col := range batch.Columns {
			vals[j] = row[col]
		}
		values[i] = vals
	}

	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{p.schema, table},
		batch.Columns,
		pgx.CopyFromRows(values))
	if err != nil {
		return fmt.Errorf("copying %d rows: %w", len(batch.Rows), err)
	}
	return nil
}

func (p *Destination) Close() error {
	p.pool.Close()
	return nil
}

func (p *Destination) qualify(table string) string {
	return quoteIdent(p.schema) + "." + quoteIdent(table)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func escapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
