// Package migrations embeds the numbered SQL fixtures that define Alphred's
// schema, discovered by storage.NewMigrator via bun/migrate.
package migrations

import "embed"

// FS holds every *.sql migration file in this directory.
//
//go:embed *.sql
var FS embed.FS
