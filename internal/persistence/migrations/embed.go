// Package migrations embeds the SQL schema migrations.
package migrations

import "embed"

// Files holds the golang-migrate formatted {version}_{name}.{up|down}.sql files.
//
//go:embed *.sql
var Files embed.FS
