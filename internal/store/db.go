package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection holding the transaction journal,
// checkpoint manifests and per-image mount generations.
type DB struct {
	conn *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// It enables WAL mode, foreign keys, and runs migrations.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases
	// shared between callers.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates or updates the database schema
func (db *DB) migrate() error {
	schema := `
-- Transactions: one mount/apply/commit-or-rollback cycle per image
CREATE TABLE IF NOT EXISTS transactions (
    id                  TEXT PRIMARY KEY,
    image_id            TEXT NOT NULL,
    image_path          TEXT NOT NULL,
    format              TEXT NOT NULL,
    image_index         INTEGER NOT NULL,
    state               TEXT NOT NULL,
    generation          INTEGER NOT NULL DEFAULT 0,
    mount_point         TEXT,
    action_count        INTEGER NOT NULL DEFAULT 0,
    started_at          INTEGER NOT NULL,
    ended_at            INTEGER,
    failed_action       INTEGER NOT NULL DEFAULT 0,
    failed_action_name  TEXT,
    error               TEXT,
    owner_pid           INTEGER NOT NULL DEFAULT 0
);

-- Checkpoints: parent-id chain per transaction
CREATE TABLE IF NOT EXISTS checkpoints (
    id          TEXT PRIMARY KEY,
    txn_id      TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
    parent_id   TEXT,
    image_id    TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    label       TEXT,
    digest      TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    UNIQUE(txn_id, seq)
);

-- Change set of each checkpoint (full record or diff against parent)
CREATE TABLE IF NOT EXISTS checkpoint_entries (
    checkpoint_id  TEXT NOT NULL REFERENCES checkpoints(id) ON DELETE CASCADE,
    path           TEXT NOT NULL,
    kind           TEXT NOT NULL,
    op             TEXT NOT NULL,
    mode           INTEGER NOT NULL,
    size           INTEGER NOT NULL,
    hash           TEXT,
    PRIMARY KEY(checkpoint_id, path)
);

-- Content addressed blobs; owner is the staging transaction, '' once shared
CREATE TABLE IF NOT EXISTS objects (
    hash        TEXT NOT NULL,
    owner       TEXT NOT NULL,
    size        INTEGER NOT NULL,
    created_at  INTEGER NOT NULL,
    PRIMARY KEY(hash, owner)
);

-- Mount generation per image, bumped on every mount
CREATE TABLE IF NOT EXISTS generations (
    image_id    TEXT PRIMARY KEY,
    generation  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_state ON transactions(state);
CREATE INDEX IF NOT EXISTS idx_transactions_image ON transactions(image_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_txn ON checkpoints(txn_id, seq);
CREATE INDEX IF NOT EXISTS idx_entries_hash ON checkpoint_entries(hash);
CREATE INDEX IF NOT EXISTS idx_objects_owner ON objects(owner);
`

	_, err := db.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	// Journals written before transactions recorded their owning process.
	if err := db.addColumn("transactions", "owner_pid", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// addColumn adds column to table unless it already exists.
func (db *DB) addColumn(table, column, decl string) error {
	rows, err := db.conn.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if _, err := db.conn.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}
