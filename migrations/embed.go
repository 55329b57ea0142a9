// Package migrations embeds the RobotLink schema migrations into the binary.
//
// Importing this package registers the files with the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/robotlink-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
