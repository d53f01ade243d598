package store

import "embed"

// sqlSchemas embeds the migration files at compile time so the daemon binary
// carries its own schema and needs no separate migrations directory on disk.
//
//go:embed migrations/*.sql
var sqlSchemas embed.FS
