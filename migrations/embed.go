// Package migrations embeds curator's PostgreSQL schema migrations.
package migrations

import "embed"

// FS holds the *.up.sql / *.down.sql pairs read by golang-migrate's iofs source.
//
//go:embed *.sql
var FS embed.FS
