// Package migrations embeds the beacon schema into the binary.
//
// Importing this package (usually blank, from main) registers the files
// with the database package so Migrate works without SQL on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

// FS exposes the embedded schema for tests in other packages.
func FS() embed.FS {
	return migrationsFS
}

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
