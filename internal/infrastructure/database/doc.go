// Package database manages the SQLite connection for Aesdetic Core.
//
// It opens the database with WAL mode and a busy timeout, restricts the
// connection pool to SQLite's single-writer model, and applies embedded
// schema migrations on startup. Migration files are registered by the
// top-level migrations package via the MigrationsFS variable so the daemon
// binary is self-contained.
package database
