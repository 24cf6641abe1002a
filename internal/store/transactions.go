package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const txnColumns = `id, image_id, image_path, format, image_index, state, generation,
	mount_point, action_count, started_at, ended_at, failed_action, failed_action_name, error, owner_pid`

// CreateTxn inserts a new transaction journal row.
func (db *DB) CreateTxn(ctx context.Context, txn *TxnRecord) error {
	if txn.StartedAt.IsZero() {
		txn.StartedAt = time.Now()
	}

	query := `INSERT INTO transactions (` + txnColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query,
		txn.ID,
		txn.ImageID,
		txn.ImagePath,
		txn.Format,
		txn.ImageIndex,
		txn.State,
		txn.Generation,
		txn.MountPoint,
		txn.ActionCount,
		unixNano(txn.StartedAt),
		nullableTime(txn.EndedAt),
		txn.FailedAction,
		txn.FailedActionName,
		txn.Error,
		txn.OwnerPID,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// UpdateTxnState records a state transition of a live transaction.
func (db *DB) UpdateTxnState(ctx context.Context, id, state string) error {
	return db.execOne(ctx, "update transaction state",
		`UPDATE transactions SET state = ? WHERE id = ?`, state, id)
}

// SetTxnMount records the mount point and generation once mounted.
func (db *DB) SetTxnMount(ctx context.Context, id, mountPoint string, generation int64, actionCount int) error {
	return db.execOne(ctx, "set transaction mount",
		`UPDATE transactions SET mount_point = ?, generation = ?, action_count = ? WHERE id = ?`,
		mountPoint, generation, actionCount, id)
}

// FinishTxn moves a transaction into a terminal state and stamps ended_at.
func (db *DB) FinishTxn(ctx context.Context, id, state string, out TxnOutcome) error {
	return db.execOne(ctx, "finish transaction",
		`UPDATE transactions
		 SET state = ?, ended_at = ?, failed_action = ?, failed_action_name = ?, error = ?
		 WHERE id = ?`,
		state, unixNano(time.Now()), out.FailedAction, out.FailedActionName, out.Error, id)
}

// GetTxn retrieves a transaction by ID.
// Returns nil, nil if it does not exist.
func (db *DB) GetTxn(ctx context.Context, id string) (*TxnRecord, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = ?`, id)
	txn, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

// ListTxnsByState returns transactions in any of the given states, oldest first.
func (db *DB) ListTxnsByState(ctx context.Context, states ...string) ([]*TxnRecord, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = s
	}
	return db.queryTxns(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE state IN (`+placeholders+`) ORDER BY started_at`,
		args...)
}

// ListOpenTxns returns transactions that never reached FinishTxn, oldest first.
func (db *DB) ListOpenTxns(ctx context.Context) ([]*TxnRecord, error) {
	return db.queryTxns(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE ended_at IS NULL ORDER BY started_at`)
}

// ListTxns returns the most recent transactions, newest first.
func (db *DB) ListTxns(ctx context.Context, limit int) ([]*TxnRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.queryTxns(ctx,
		`SELECT `+txnColumns+` FROM transactions ORDER BY started_at DESC LIMIT ?`, limit)
}

// ListEndedTxnsBefore returns transactions that ended before cutoff,
// optionally restricted to the given states.
func (db *DB) ListEndedTxnsBefore(ctx context.Context, cutoff time.Time, states ...string) ([]*TxnRecord, error) {
	query := `SELECT ` + txnColumns + ` FROM transactions WHERE ended_at IS NOT NULL AND ended_at < ?`
	args := []any{unixNano(cutoff)}
	if len(states) > 0 {
		query += ` AND state IN (` + strings.TrimSuffix(strings.Repeat("?,", len(states)), ",") + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	return db.queryTxns(ctx, query+` ORDER BY ended_at`, args...)
}

// DeleteTxn removes a transaction and, by cascade, its checkpoints.
func (db *DB) DeleteTxn(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return nil
}

func (db *DB) queryTxns(ctx context.Context, query string, args ...any) ([]*TxnRecord, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*TxnRecord
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txns, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTxn(s scanner) (*TxnRecord, error) {
	var (
		txn        TxnRecord
		mountPoint sql.NullString
		failedName sql.NullString
		errMsg     sql.NullString
		startedAt  int64
		endedAt    sql.NullInt64
	)
	err := s.Scan(
		&txn.ID,
		&txn.ImageID,
		&txn.ImagePath,
		&txn.Format,
		&txn.ImageIndex,
		&txn.State,
		&txn.Generation,
		&mountPoint,
		&txn.ActionCount,
		&startedAt,
		&endedAt,
		&txn.FailedAction,
		&failedName,
		&errMsg,
		&txn.OwnerPID,
	)
	if err != nil {
		return nil, err
	}
	txn.MountPoint = mountPoint.String
	txn.FailedActionName = failedName.String
	txn.Error = errMsg.String
	txn.StartedAt = fromUnixNano(startedAt)
	if endedAt.Valid {
		t := fromUnixNano(endedAt.Int64)
		txn.EndedAt = &t
	}
	return &txn, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return unixNano(*t)
}

// execOne runs a statement that must affect exactly one row.
func (db *DB) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to %s: %w", op, ErrNotFound)
	}
	return nil
}
