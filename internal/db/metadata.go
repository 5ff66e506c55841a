//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pgEdge/pgedge-dwload/internal/logging"
	"github.com/pgEdge/pgedge-dwload/pkg/version"
)

const metadataTable = "dwload_metadata"

// Well-known metadata keys.
const (
	KeyInitializedAt   = "schema_initialized_at"
	KeyVersion         = "version"
	KeySchemaVersion   = "schema_version"
	KeyLastWindowStart = "last_window_start"
	KeyLastWindowEnd   = "last_window_end"
	KeyLastRunID       = "last_run_id"
)

// CreateMetadataTableSQL creates the metadata table if it doesn't exist.
const CreateMetadataTableSQL = `
CREATE TABLE IF NOT EXISTS dwload_metadata (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`

// SaveInitMetadata records schema initialization in the warehouse.
func SaveInitMetadata(ctx context.Context, conn DB) error {
	if _, err := conn.Exec(ctx, CreateMetadataTableSQL); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}

	return SaveMetadata(ctx, conn, map[string]string{
		KeyVersion:       version.Short(),
		KeySchemaVersion: version.SchemaVersion,
		KeyInitializedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// SaveMetadata inserts or updates the given keys.
func SaveMetadata(ctx context.Context, conn DB, values map[string]string) error {
	for key, value := range values {
		_, err := conn.Exec(ctx, `
            INSERT INTO dwload_metadata (key, value) VALUES ($1, $2)
            ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
        `, key, value)
		if err != nil {
			return fmt.Errorf("failed to save metadata %s: %w", key, err)
		}
	}

	logging.Debug().
		Int("keys", len(values)).
		Msg("Saved metadata")

	return nil
}

// GetMetadataValue retrieves a single metadata value by key. A missing key
// returns ok=false and no error.
func GetMetadataValue(ctx context.Context, conn DB, key string) (value string, ok bool, err error) {
	err = conn.QueryRow(ctx, `
        SELECT value FROM dwload_metadata WHERE key = $1
    `, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// GetAllMetadata retrieves all metadata as a map.
func GetAllMetadata(ctx context.Context, conn DB) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT key, value FROM dwload_metadata`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metadata := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		metadata[key] = value
	}

	return metadata, rows.Err()
}

// MetadataExists checks if the metadata table exists.
func MetadataExists(ctx context.Context, conn DB) (bool, error) {
	return TableExists(ctx, conn, metadataTable)
}
