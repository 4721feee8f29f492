// Package migrations embeds the daemon's SQL migrations into the binary.
package migrations

import "embed"

// FS holds the migration files at its root.
//
//go:embed *.sql
var FS embed.FS
