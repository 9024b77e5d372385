// Package database provides the SQLite store behind the registration
// journal.
//
// The journal is write-mostly history: the gateway never reads it back to
// restore device state, which is always rebuilt from live traffic after a
// restart. The store is optional and disabled by default.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are forward-only *.up.sql files named
// YYYYMMDD_HHMMSS_description.up.sql, applied in version order, each in its
// own transaction.
package database
