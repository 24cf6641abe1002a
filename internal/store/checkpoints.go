package store

import (
	"context"
	"database/sql"
	"fmt"
)

const checkpointColumns = `id, txn_id, parent_id, image_id, seq, kind, label, digest, created_at`

// InsertCheckpoint writes a checkpoint header, its change set and any newly
// staged objects in one database transaction.
func (db *DB) InsertCheckpoint(ctx context.Context, cp *CheckpointRecord, entries []EntryRecord, objects []ObjectRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint insert: %w", err)
	}
	defer tx.Rollback()

	var parent any
	if cp.ParentID != "" {
		parent = cp.ParentID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.TxnID, parent, cp.ImageID, cp.Seq, cp.Kind, cp.Label, cp.Digest, unixNano(cp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	entryStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO checkpoint_entries (checkpoint_id, path, kind, op, mode, size, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare entry insert: %w", err)
	}
	defer entryStmt.Close()

	for _, e := range entries {
		if _, err := entryStmt.ExecContext(ctx, cp.ID, e.Path, e.Kind, e.Op, e.Mode, e.Size, e.Hash); err != nil {
			return fmt.Errorf("failed to insert entry %s: %w", e.Path, err)
		}
	}

	for _, o := range objects {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO objects (hash, owner, size, created_at) VALUES (?, ?, ?, ?)`,
			o.Hash, o.Owner, o.Size, unixNano(cp.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert object %s: %w", o.Hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint insert: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves a checkpoint header by ID.
// Returns nil, nil if it does not exist.
func (db *DB) GetCheckpoint(ctx context.Context, id string) (*CheckpointRecord, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns the checkpoints of a transaction in creation order.
func (db *DB) ListCheckpoints(ctx context.Context, txnID string) ([]*CheckpointRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE txn_id = ? ORDER BY seq`, txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*CheckpointRecord
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return cps, nil
}

// ListEntries returns the change set of a checkpoint ordered by path.
func (db *DB) ListEntries(ctx context.Context, checkpointID string) ([]EntryRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT path, kind, op, mode, size, hash FROM checkpoint_entries
		 WHERE checkpoint_id = ? ORDER BY path`, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []EntryRecord
	for rows.Next() {
		var (
			e    EntryRecord
			hash sql.NullString
		)
		if err := rows.Scan(&e.Path, &e.Kind, &e.Op, &e.Mode, &e.Size, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Hash = hash.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

func scanCheckpoint(s scanner) (*CheckpointRecord, error) {
	var (
		cp        CheckpointRecord
		parent    sql.NullString
		label     sql.NullString
		createdAt int64
	)
	if err := s.Scan(&cp.ID, &cp.TxnID, &parent, &cp.ImageID, &cp.Seq, &cp.Kind, &label, &cp.Digest, &createdAt); err != nil {
		return nil, err
	}
	cp.ParentID = parent.String
	cp.Label = label.String
	cp.CreatedAt = fromUnixNano(createdAt)
	return &cp, nil
}

// DeleteCheckpoints removes every checkpoint of a transaction and returns how
// many were deleted. Entries go with them by cascade.
func (db *DB) DeleteCheckpoints(ctx context.Context, txnID string) (int, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM checkpoints WHERE txn_id = ?`, txnID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted checkpoints: %w", err)
	}
	return int(n), nil
}
