// Package migrations embeds the Postgres schema so it is available
// regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem.
//
//go:embed *.sql
var FS embed.FS
