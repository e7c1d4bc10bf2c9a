// Package migrations ships the database schema with the binary.
package migrations

import "embed"

// FS holds the goose migrations applied by pg.Migrate.
//
//go:embed *.sql
var FS embed.FS
