package typemap

import "testing"

func TestMapType(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		kind     string
		expected Mapped
	}{
		// BigQuery
		{"bigint to bq", "bigint", KindBigQuery, Mapped{Type: "INT64"}},
		{"int to bq", "int", KindBigQuery, Mapped{Type: "INT64"}},
		{"tinyint to bq", "TINYINT", KindBigQuery, Mapped{Type: "INT64"}},
		{"double to bq", "double", KindBigQuery, Mapped{Type: "FLOAT64"}},
		{"decimal to bq", "decimal(10,2)", KindBigQuery, Mapped{Type: "NUMERIC"}},
		{"string to bq", "string", KindBigQuery, Mapped{Type: "STRING"}},
		{"boolean to bq", "boolean", KindBigQuery, Mapped{Type: "BOOL"}},
		{"datetime to bq", "datetime", KindBigQuery, Mapped{Type: "DATETIME"}},
		{"timestamp to bq", "timestamp", KindBigQuery, Mapped{Type: "TIMESTAMP"}},
		{"date to bq", "date", KindBigQuery, Mapped{Type: "DATE"}},
		{"binary to bq", "binary", KindBigQuery, Mapped{Type: "BYTES"}},
		{"array to bq repeated", "array<string>", KindBigQuery, Mapped{Type: "STRING", Repeated: true}},
		{"array of int to bq", "array<bigint>", KindBigQuery, Mapped{Type: "INT64", Repeated: true}},
		{"map to bq record", "map<string,string>", KindBigQuery, Mapped{Type: "RECORD", KeyValueRecord: true}},
		{"struct to bq record", "struct<a:string,b:int>", KindBigQuery, Mapped{Type: "RECORD"}},
		{"unknown to bq string", "geography", KindBigQuery, Mapped{Type: "STRING"}},

		// MySQL
		{"bigint to mysql", "bigint", KindMySQL, Mapped{Type: "bigint"}},
		{"string to mysql", "string", KindMySQL, Mapped{Type: "text"}},
		{"varchar to mysql", "varchar(255)", KindMySQL, Mapped{Type: "varchar(255)"}},
		{"char to mysql", "char(10)", KindMySQL, Mapped{Type: "char(10)"}},
		{"decimal to mysql", "decimal(10,2)", KindMySQL, Mapped{Type: "decimal(10,2)"}},
		{"bare decimal to mysql", "decimal", KindMySQL, Mapped{Type: "decimal(38,18)"}},
		{"boolean to mysql", "boolean", KindMySQL, Mapped{Type: "tinyint(1)"}},
		{"datetime to mysql", "datetime", KindMySQL, Mapped{Type: "datetime"}},
		{"binary to mysql", "binary", KindMySQL, Mapped{Type: "blob"}},
		{"array to mysql json", "array<string>", KindMySQL, Mapped{Type: "json"}},
		{"map to mysql json", "map<string,bigint>", KindMySQL, Mapped{Type: "json"}},
		{"struct to mysql json", "struct<a:string>", KindMySQL, Mapped{Type: "json"}},
		{"unknown to mysql text", "geography", KindMySQL, Mapped{Type: "text"}},

		// Postgres
		{"bigint to pg", "bigint", KindPostgres, Mapped{Type: "bigint"}},
		{"int to pg", "int", KindPostgres, Mapped{Type: "integer"}},
		{"tinyint to pg", "tinyint", KindPostgres, Mapped{Type: "smallint"}},
		{"double to pg", "double", KindPostgres, Mapped{Type: "double precision"}},
		{"float to pg", "float", KindPostgres, Mapped{Type: "real"}},
		{"decimal to pg", "decimal(18,4)", KindPostgres, Mapped{Type: "numeric(18,4)"}},
		{"string to pg", "string", KindPostgres, Mapped{Type: "text"}},
		{"varchar to pg", "varchar(100)", KindPostgres, Mapped{Type: "varchar(100)"}},
		{"timestamp to pg", "timestamp", KindPostgres, Mapped{Type: "timestamptz"}},
		{"datetime to pg", "datetime", KindPostgres, Mapped{Type: "timestamp"}},
		{"binary to pg", "binary", KindPostgres, Mapped{Type: "bytea"}},
		{"array to pg jsonb", "array<double>", KindPostgres, Mapped{Type: "jsonb"}},
		{"struct to pg jsonb", "struct<x:double,y:double>", KindPostgres, Mapped{Type: "jsonb"}},
		{"unknown to pg text", "geography", KindPostgres, Mapped{Type: "text"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapType(tt.source, tt.kind)
			if got != tt.expected {
				t.Errorf("MapType(%q, %q) = %+v, want %+v", tt.source, tt.kind, got, tt.expected)
			}
		})
	}
}

func TestTypeClass(t *testing.T) {
	tests := []struct {
		source   string
		expected Class
	}{
		{"bigint", ClassInteger},
		{"INT", ClassInteger},
		{"smallint", ClassInteger},
		{"tinyint", ClassInteger},
		{"double", ClassFloat},
		{"float", ClassFloat},
		{"decimal(10,2)", ClassDecimal},
		{"string", ClassString},
		{"varchar(255)", ClassString},
		{"char(10)", ClassString},
		{"boolean", ClassBool},
		{"datetime", ClassDateTime},
		{"timestamp", ClassDateTime},
		{"date", ClassDateTime},
		{"binary", ClassBinary},
		{"array<string>", ClassComplex},
		{"map<string,string>", ClassComplex},
		{"struct<a:int>", ClassComplex},
		{"geography", ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			got := TypeClass(tt.source)
			if got != tt.expected {
				t.Errorf("TypeClass(%q) = %v, want %v", tt.source, got, tt.expected)
			}
		})
	}
}

func TestBaseType(t *testing.T) {
	tests := []struct {
		source   string
		expected string
	}{
		{"DECIMAL(10,2)", "decimal"},
		{"varchar(255)", "varchar"},
		{"  BIGINT ", "bigint"},
		{"string", "string"},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			if got := BaseType(tt.source); got != tt.expected {
				t.Errorf("BaseType(%q) = %q, want %q", tt.source, got, tt.expected)
			}
		})
	}
}
