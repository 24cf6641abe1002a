package store

import (
	"context"
	"fmt"
)

// HasObject reports whether a blob is recorded under owner. The empty owner is the shared pool.
func (db *DB) HasObject(ctx context.Context, hash, owner string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE hash = ? AND owner = ?`, hash, owner).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check object: %w", err)
	}
	return n > 0, nil
}

// ListObjectsByOwner returns the blobs staged by a transaction.
func (db *DB) ListObjectsByOwner(ctx context.Context, owner string) ([]ObjectRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT hash, owner, size FROM objects WHERE owner = ? ORDER BY hash`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	defer rows.Close()

	var objs []ObjectRecord
	for rows.Next() {
		var o ObjectRecord
		if err := rows.Scan(&o.Hash, &o.Owner, &o.Size); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		objs = append(objs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating objects: %w", err)
	}
	return objs, nil
}

// PromoteObject moves a staged blob record into the shared pool.
func (db *DB) PromoteObject(ctx context.Context, hash, owner string, size int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin promote: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO objects (hash, owner, size, created_at)
		 SELECT hash, '', size, created_at FROM objects WHERE hash = ? AND owner = ?`,
		hash, owner); err != nil {
		return fmt.Errorf("failed to share object: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM objects WHERE hash = ? AND owner = ?`, hash, owner); err != nil {
		return fmt.Errorf("failed to drop staged object: %w", err)
	}
	return tx.Commit()
}

// DeleteObject removes one blob record.
func (db *DB) DeleteObject(ctx context.Context, hash, owner string) error {
	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM objects WHERE hash = ? AND owner = ?`, hash, owner); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// UnreferencedSharedObjects lists shared blobs no checkpoint entry points at.
func (db *DB) UnreferencedSharedObjects(ctx context.Context) ([]ObjectRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT o.hash, o.owner, o.size FROM objects o
		 WHERE o.owner = ''
		 AND NOT EXISTS (SELECT 1 FROM checkpoint_entries e WHERE e.hash = o.hash)
		 ORDER BY o.hash`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreferenced objects: %w", err)
	}
	defer rows.Close()

	var objs []ObjectRecord
	for rows.Next() {
		var o ObjectRecord
		if err := rows.Scan(&o.Hash, &o.Owner, &o.Size); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		objs = append(objs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating objects: %w", err)
	}
	return objs, nil
}
