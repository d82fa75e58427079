// Package mysql provides the MySQL destination implementation. It
// registers itself with the destination registry on import.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/johndauphine/dwh-migrate/internal/dbconfig"
	"github.com/johndauphine/dwh-migrate/internal/driver"
	"github.com/johndauphine/dwh-migrate/internal/logging"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.DestinationDriver for MySQL/MariaDB.
type Driver struct{}

func (d *Driver) Kind() string { return "mysql" }

func (d *Driver) Aliases() []string { return []string{"mariadb", "maria"} }

func (d *Driver) SupportsMapping() bool { return true }

// Open connects to the destination database.
func (d *Driver) Open(cfg *dbconfig.DestinationConfig) (driver.Destination, error) {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	dialect := &Dialect{}
	dsn := dialect.BuildDSN(cfg.Host, port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	logging.Debug("Opened MySQL destination %s:%d/%s", cfg.Host, port, cfg.Database)
	return &Destination{db: db, cfg: cfg, dialect: dialect}, nil
}

// Destination writes migrated tables into a MySQL database.
type Destination struct {
	db      *sql.DB
	cfg     *dbconfig.DestinationConfig
	dialect *Dialect
}

func (m *Destination) Kind() string { return "mysql" }

func (m *Destination) SupportsMapping() bool { return true }

func (m *Destination) TestConnection(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	var version string
	if err := m.db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return fmt.Errorf("querying version: %w", err)
	}
	logging.Info("MySQL destination reachable: %s:%d/%s (%s)", m.cfg.Host, m.cfg.Port, m.cfg.Database, version)
	return nil
}

// EnsureTarget verifies the configured database exists. The database is
// named in the DSN, so a ping covers it.
func (m *Destination) EnsureTarget(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *Destination) TableExists(ctx context.Context, table string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx, `
		SELECT 1 FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
	`, m.cfg.Database, table).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return true, nil
}

func (m *Destination) ExistingSchema(ctx context.Context, table string) (*driver.TargetSchema, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`, m.cfg.Database, table)
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

func (m *Destination) PrepareTable(ctx context.Context, schema *driver.TargetSchema, mode driver.Mode) error {
	qualified := m.dialect.QuoteIdentifier(schema.Table)

	if mode == driver.ModeOverwrite {
		if _, err := m.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+qualified); err != nil {
			return fmt.Errorf("dropping table %s: %w", schema.Table, err)
		}
	}

	ddl := buildCreateTable(m.dialect, schema)
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w\nDDL: %s", schema.Table, err, ddl)
	}
	return nil
}

// buildCreateTable renders CREATE TABLE IF NOT EXISTS DDL. Column names
// that collide after lowercasing are deduplicated keeping the first
// occurrence, since MySQL treats column names case-insensitively.
func buildCreateTable(dialect *Dialect, schema *driver.TargetSchema) string {
	var defs []string
	seen := make(map[string]bool, len(schema.Columns))
	for _, c := range schema.Columns {
		lower := strings.ToLower(c.Name)
		if seen[lower] {
			logging.Warn("Dropping duplicate column %s from CREATE TABLE %s", c.Name, schema.Table)
			continue
		}
		seen[lower] = true

		def := dialect.QuoteIdentifier(c.Name) + " " + c.Type
		if !c.Nullable {
			def += " NOT NULL"
		}
		if c.Comment != "" {
			def += " COMMENT '" + escapeString(c.Comment) + "'"
		}
		defs = append(defs, def)
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		dialect.QuoteIdentifier(schema.Table), strings.Join(defs, ",\n  "))
	if schema.Description != "" {
		ddl += " COMMENT='" + escapeString(schema.Description) + "'"
	}
	return ddl
}

func escapeString(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", "''")
}

func (m *Destination) WriteBatch(ctx context.Context, table string, batch *driver.Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}

	quotedCols := make([]string, len(batch.Columns))
	placeholders := make([]string, len(batch.Columns))
	for i, col := range batch.Columns {
		quotedCols[i] = m.dialect.QuoteIdentifier(col)
		placeholders[i] = "?"
	}
	rowPlaceholder := "(" + strings.Join(placeholders, ", ") + ")"

	rowPlaceholders := make([]string, len(batch.Rows))
	args := make([]any, 0, len(batch.Rows)*len(batch.Columns))
	for i, row := range batch.Rows {
		rowPlaceholders[i] = rowPlaceholder
		for _, col := range batch.Columns {
			args = append(args, convertValue(row[col]))
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		m.dialect.QuoteIdentifier(table),
		strings.Join(quotedCols, ", "),
		strings.Join(rowPlaceholders, ", "))

	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting %d rows: %w", len(batch.Rows), err)
	}
	return nil
}

// convertValue maps normalized values onto MySQL bind types.
func convertValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	default:
		return v
	}
}

func (m *Destination) Close() error {
	return m.db.Close()
}
