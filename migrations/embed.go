// Package migrations embeds the SQL schema for the registration journal.
package migrations

import "embed"

// FS holds the *.up.sql files at its root, ready for database.Migrate.
//
//go:embed *.sql
var FS embed.FS
