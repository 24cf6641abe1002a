package store

import (
	"context"
	"database/sql"
	"fmt"
)

// NextGeneration atomically bumps and returns the mount generation of an image.
func (db *DB) NextGeneration(ctx context.Context, imageID string) (int64, error) {
	var gen int64
	err := db.conn.QueryRowContext(ctx,
		`INSERT INTO generations (image_id, generation) VALUES (?, 1)
		 ON CONFLICT(image_id) DO UPDATE SET generation = generation + 1
		 RETURNING generation`, imageID).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("failed to bump generation: %w", err)
	}
	return gen, nil
}

// CurrentGeneration returns the latest generation of an image (0 if never mounted).
func (db *DB) CurrentGeneration(ctx context.Context, imageID string) (int64, error) {
	var gen int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT generation FROM generations WHERE image_id = ?`, imageID).Scan(&gen)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read generation: %w", err)
	}
	return gen, nil
}
