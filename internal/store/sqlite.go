package store

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// MemoryDSN keeps the registry in process memory; a restart forgets every artifact.
const MemoryDSN = ":memory:"

// OpenSQLite opens (or creates) a SQLite database at the given path.
//
// The pool is pinned to one connection: an in-memory database exists only on
// the connection that created it, and a single connection serializes all
// registry mutations.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if path != MemoryDSN {
		// Enable WAL mode for better concurrent read performance.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, err
		}
	}
	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
