// Package bigquery provides the BigQuery destination implementation.
// It registers itself with the destination registry on import.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/johndauphine/dwh-migrate/internal/dbconfig"
	"github.com/johndauphine/dwh-migrate/internal/driver"
	"github.com/johndauphine/dwh-migrate/internal/logging"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.DestinationDriver for BigQuery.
type Driver struct{}

func (d *Driver) Kind() string { return "bigquery" }

func (d *Driver) Aliases() []string { return []string{"bq"} }

// SupportsMapping is false: mapping rules target relational stores, and
// rules configured for a BigQuery destination are ignored with a
// warning.
func (d *Driver) SupportsMapping() bool { return false }

// Open creates a BigQuery client for the configured project.
func (d *Driver) Open(cfg *dbconfig.DestinationConfig) (driver.Destination, error) {
	ctx := context.Background()
	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}
	client, err := bq.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	logging.Debug("Opened BigQuery destination %s.%s", cfg.Project, cfg.Dataset)
	return &Destination{client: client, cfg: cfg, schemas: make(map[string]bq.Schema)}, nil
}

// Destination writes migrated tables into a BigQuery dataset.
type Destination struct {
	client  *bq.Client
	cfg     *dbconfig.DestinationConfig
	schemas map[string]bq.Schema
}

func (b *Destination) Kind() string { return "bigquery" }

func (b *Destination) SupportsMapping() bool { return false }

func (b *Destination) dataset() *bq.Dataset {
	return b.client.Dataset(b.cfg.Dataset)
}

func (b *Destination) TestConnection(ctx context.Context) error {
	_, err := b.dataset().Metadata(ctx)
	if isNotFound(err) {
		logging.Info("BigQuery project %s reachable, dataset %s will be created on first run",
			b.cfg.Project, b.cfg.Dataset)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading dataset %s: %w", b.cfg.Dataset, err)
	}
	logging.Info("BigQuery destination reachable: %s.%s", b.cfg.Project, b.cfg.Dataset)
	return nil
}

// EnsureTarget creates the dataset if it does not exist.
func (b *Destination) EnsureTarget(ctx context.Context) error {
	ds := b.dataset()
	if _, err := ds.Metadata(ctx); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("reading dataset %s: %w", b.cfg.Dataset, err)
	}
	logging.Info("Creating dataset %s", b.cfg.Dataset)
	if err := ds.Create(ctx, &bq.DatasetMetadata{}); err != nil {
		return fmt.Errorf("creating dataset %s: %w", b.cfg.Dataset, err)
	}
	return nil
}

func (b *Destination) TableExists(ctx context.Context, table string) (bool, error) {
	_, err := b.dataset().Table(table).Metadata(ctx)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return true, nil
}

func (b *Destination) ExistingSchema(ctx context.Context, table string) (*driver.TargetSchema, error) {
	md, err := b.dataset().Table(table).Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading schema of %s: %w", table, err)
	}
	schema := &driver.TargetSchema{Table: table, Description: md.Description}
	for _, f := range md.Schema {
		schema.Columns = append(schema.Columns, driver.TargetColumn{
			Name:     f.Name,
			Type:     string(f.Type),
			Repeated: f.Repeated,
			Nullable: !f.Required,
			Comment:  f.Description,
		})
	}
	return schema, nil
}

func (b *Destination) PrepareTable(ctx context.Context, schema *driver.TargetSchema, mode driver.Mode) error {
	delete(b.schemas, schema.Table)
	table := b.dataset().Table(schema.Table)
	_, err := table.Metadata(ctx)
	exists := err == nil
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("checking table %s: %w", schema.Table, err)
	}

	if mode == driver.ModeOverwrite && exists {
		if err := table.Delete(ctx); err != nil {
			return fmt.Errorf("deleting table %s: %w", schema.Table, err)
		}
		exists = false
	}
	if exists {
		return nil
	}

	md := &bq.TableMetadata{
		Name:        schema.Table,
		Description: schema.Description,
		Schema:      toBQSchema(schema),
	}
	if err := table.Create(ctx, md); err != nil {
		return fmt.Errorf("creating table %s: %w", schema.Table, err)
	}
	return nil
}

// toBQSchema converts the planned schema into BigQuery field schemas.
// RECORD columns get key/value STRING subfields, which covers map
// source types; struct source types need a manually adjusted table.
func toBQSchema(schema *driver.TargetSchema) bq.Schema {
	out := make(bq.Schema, 0, len(schema.Columns))
	for _, c := range schema.Columns {
		f := &bq.FieldSchema{
			Name:        c.Name,
			Type:        fieldType(c.Type),
			Repeated:    c.Repeated,
			Required:    !c.Nullable && !c.Repeated,
			Description: c.Comment,
		}
		if f.Type == bq.RecordFieldType {
			f.Schema = bq.Schema{
				{Name: "key", Type: bq.StringFieldType},
				{Name: "value", Type: bq.StringFieldType},
			}
			logging.Warn("Column %s is a RECORD with key/value fields; struct layouts need manual adjustment", c.Name)
		}
		out = append(out, f)
	}
	return out
}

// fieldType maps a planned type literal onto a BigQuery field type.
func fieldType(t string) bq.FieldType {
	switch t {
	case "INT64", "INTEGER":
		return bq.IntegerFieldType
	case "FLOAT64", "FLOAT":
		return bq.FloatFieldType
	case "NUMERIC":
		return bq.NumericFieldType
	case "BOOL", "BOOLEAN":
		return bq.BooleanFieldType
	case "DATETIME":
		return bq.DateTimeFieldType
	case "TIMESTAMP":
		return bq.TimestampFieldType
	case "DATE":
		return bq.DateFieldType
	case "BYTES":
		return bq.BytesFieldType
	case "RECORD":
		return bq.RecordFieldType
	}
	return bq.StringFieldType
}

// WriteBatch streams one batch through the insert API.
func (b *Destination) WriteBatch(ctx context.Context, table string, batch *driver.Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}

	schema, ok := b.schemas[table]
	if !ok {
		md, err := b.dataset().Table(table).Metadata(ctx)
		if err != nil {
			return fmt.Errorf("reading schema of %s: %w", table, err)
		}
		schema = md.Schema
		b.schemas[table] = schema
	}

	savers := make([]*bq.ValuesSaver, 0, len(batch.Rows))
	for _, row := range batch.Rows {
		values := make([]bq.Value, len(schema))
		for i, f := range schema {
			values[i] = bq.Value(row[f.Name])
		}
		savers = append(savers, &bq.ValuesSaver{Schema: schema, Row: values})
	}

	if err := b.dataset().Table(table).Inserter().Put(ctx, savers); err != nil {
		return fmt.Errorf("inserting %d rows: %w", len(batch.Rows), err)
	}
	return nil
}

func (b *Destination) Close() error {
	return b.client.Close()
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
