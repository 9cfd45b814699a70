package migrations

import "embed"

// FS contains embedded SQLite migrations for claim storage.
//
//go:embed *.sql
var FS embed.FS
