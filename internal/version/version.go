package version

// Version is the current version of dwh-migrate.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.4.0"

// Name is the application name.
const Name = "dwh-migrate"

// Description is a short description of the application.
const Description = "MaxCompute to BigQuery/MySQL/PostgreSQL table migration tool"
