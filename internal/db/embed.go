package db

import "embed"

// EmbedMigrations holds the goose migrations of the SQLite model store.
//
//go:embed migrations/*.sql
var EmbedMigrations embed.FS
