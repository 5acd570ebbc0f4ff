// Package migrations embeds the goose SQL migrations for the task store.
package migrations

import "embed"

// FS holds the embedded migration files.
//
//go:embed *.sql
var FS embed.FS
