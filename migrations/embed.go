// Package migrations holds the PostgreSQL schema as goose migrations.
package migrations

import "embed"

// FS contains the SQL migration files.
//
//go:embed *.sql
var FS embed.FS
