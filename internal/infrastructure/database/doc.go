// Package database provides SQLite connectivity for RobotLink Core.
//
// This package manages:
//   - The database connection (WAL mode, busy timeout, foreign keys)
//   - Schema migrations embedded in the binary
//   - Transaction helpers used by the robot and snapshot repositories
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive: new columns must be NULLABLE or carry a DEFAULT,
// and every .up.sql has a matching .down.sql.
package database
