// Package statestore is the transactional State Store: orders, fills,
// trades, positions (derived), safety_state, and health_checks. It is the
// only mutable shared resource in the system (per the concurrency model);
// the Event Store shares the same underlying database handle.
package statestore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) the embedded SQL database at path and
// enables WAL journaling so the single writer never blocks concurrent
// reconciler reads.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statestore: open %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore: set synchronous: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore: enable foreign keys: %w", err)
	}
	return db, nil
}
