//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pgEdge/pgedge-dwload/internal/db"
	"github.com/pgEdge/pgedge-dwload/internal/schema"
)

// LogStore persists etl_logs rows. Rows are written outside the step
// transactions so a started row survives a failed step.
type LogStore interface {
	// Start records a step (or the whole run) as started and returns the
	// row id.
	Start(ctx context.Context, runID uuid.UUID, proceso, tabla string, at time.Time) (int64, error)

	// Finish closes a started row with its final status and counts.
	Finish(ctx context.Context, id int64, at time.Time, status string, c Counts, msg string) error
}

// LogEntry is one etl_logs row.
type LogEntry struct {
	LogID     int64
	RunID     *uuid.UUID
	Process   string
	Table     string
	Started   time.Time
	Finished  *time.Time
	Duration  *float64
	Extracted int64
	Inserted  int64
	Updated   int64
	Errors    int64
	Status    string
	Message   *string
}

// RunLog is the etl_logs store on a warehouse connection. Each statement
// autocommits.
type RunLog struct {
	conn db.DB
}

// NewRunLog creates a run log on conn, which should be a pool rather than
// a step transaction.
func NewRunLog(conn db.DB) *RunLog {
	return &RunLog{conn: conn}
}

// Start inserts an INICIADO row.
func (l *RunLog) Start(ctx context.Context, runID uuid.UUID, proceso, tabla string, at time.Time) (int64, error) {
	var id int64
	err := l.conn.QueryRow(ctx, `
        INSERT INTO etl_logs (run_id, proceso_nombre, tabla_destino, fecha_inicio, estado)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING log_id`, runID, proceso, tabla, at, schema.StatusStarted).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to start etl_logs row for %s: %w", proceso, err)
	}
	return id, nil
}

// Finish completes a row. An empty msg stores NULL.
func (l *RunLog) Finish(ctx context.Context, id int64, at time.Time, status string, c Counts, msg string) error {
	var message *string
	if msg != "" {
		message = &msg
	}
	tag, err := l.conn.Exec(ctx, `
        UPDATE etl_logs SET
            fecha_fin = $2,
            duracion_segundos = ROUND(EXTRACT(EPOCH FROM ($2::timestamp - fecha_inicio))::numeric, 3),
            registros_extraidos = $3,
            registros_insertados = $4,
            registros_actualizados = $5,
            registros_error = $6,
            estado = $7,
            mensaje_error = $8
        WHERE log_id = $1`,
		id, at, c.Extracted, c.Inserted, c.Updated, c.Errors, status, message)
	if err != nil {
		return fmt.Errorf("failed to finish etl_logs row %d: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("etl_logs row %d not found", id)
	}
	return nil
}

const logEntryColumns = `
    log_id, run_id, proceso_nombre, tabla_destino, fecha_inicio, fecha_fin,
    duracion_segundos::float8, registros_extraidos, registros_insertados,
    registros_actualizados, registros_error, estado, mensaje_error`

func scanLogEntry(row pgx.CollectableRow) (LogEntry, error) {
	var e LogEntry
	var runID pgtype.UUID
	err := row.Scan(&e.LogID, &runID, &e.Process, &e.Table, &e.Started, &e.Finished,
		&e.Duration, &e.Extracted, &e.Inserted,
		&e.Updated, &e.Errors, &e.Status, &e.Message)
	if err != nil {
		return e, err
	}
	if runID.Valid {
		id := uuid.UUID(runID.Bytes)
		e.RunID = &id
	}
	return e, nil
}

// Recent returns the latest rows, newest first.
func (l *RunLog) Recent(ctx context.Context, limit int) ([]LogEntry, error) {
	rows, err := l.conn.Query(ctx, `SELECT `+logEntryColumns+`
        FROM etl_logs ORDER BY log_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read etl_logs: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanLogEntry)
	if err != nil {
		return nil, fmt.Errorf("failed to read etl_logs: %w", err)
	}
	return entries, nil
}

// RunEntries returns the rows of one run in start order. The whole-run row
// comes first.
func (l *RunLog) RunEntries(ctx context.Context, runID uuid.UUID) ([]LogEntry, error) {
	rows, err := l.conn.Query(ctx, `SELECT `+logEntryColumns+`
        FROM etl_logs WHERE run_id = $1
        ORDER BY (proceso_nombre <> $2), log_id`, runID, RunProcess)
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	entries, err := pgx.CollectRows(rows, scanLogEntry)
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	return entries, nil
}

// LastRunSummary returns the rows of the most recent run, or nil when no
// run was ever logged.
func (l *RunLog) LastRunSummary(ctx context.Context) ([]LogEntry, error) {
	var runID uuid.UUID
	err := l.conn.QueryRow(ctx, `
        SELECT run_id FROM etl_logs
        WHERE proceso_nombre = $1 AND run_id IS NOT NULL
        ORDER BY log_id DESC LIMIT 1`, RunProcess).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find last run: %w", err)
	}
	return l.RunEntries(ctx, runID)
}
