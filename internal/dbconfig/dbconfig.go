// Package dbconfig provides connection configuration types used by both
// the config and driver packages. This package exists to break the
// circular import between config and driver packages.
package dbconfig

// SourceConfig holds MaxCompute connection settings. Credentials come
// from configuration, never from ambient process state; every source
// instance is constructed from an explicit copy of this struct.
type SourceConfig struct {
	Project   string `yaml:"project"`
	AccessID  string `yaml:"access_id"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
}

// DestinationConfig holds destination connection settings. Kind selects
// the driver; the remaining fields are interpreted per kind.
type DestinationConfig struct {
	Kind string `yaml:"kind"` // "bigquery", "mysql", or "postgres"

	// BigQuery settings.
	Project         string `yaml:"project"`
	Dataset         string `yaml:"dataset"`
	CredentialsPath string `yaml:"credentials_path"`

	// Relational store settings (mysql, postgres).
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`   // postgres only (default "public")
	SSLMode  string `yaml:"ssl_mode"` // postgres: disable, require, ... mysql: mapped onto tls params
}
