// Package database provides SQLite connectivity for Gray Logic Beacon.
//
// This package manages:
//   - The SQLite connection (WAL mode, busy timeout, single writer)
//   - Schema migrations loaded from an fs.FS (see the migrations package)
//
// The beacon service stores two tables: regions (monitored regions that
// survive restarts) and beacon_events (enter/exit/error history).
//
// Security Considerations:
//   - All queries use parameterised statements
//   - The database file is chmod 0600
//
// Usage:
//
//	db, err := database.Open(database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive: new columns are NULLABLE or have defaults, and
// every .up.sql has a matching .down.sql.
package database
