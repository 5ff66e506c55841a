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
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pgEdge/pgedge-dwload/internal/db"
)

// upsertSpec describes a staged bulk upsert into a warehouse table.
type upsertSpec struct {
	Table   string
	Columns []string

	// Conflict is the conflict target. Empty means DO NOTHING on any
	// unique violation.
	Conflict []string

	// Update lists the columns overwritten on conflict. When nil every
	// column outside Conflict is updated; an empty non-nil slice turns the
	// upsert into insert-if-absent.
	Update []string
}

func (s upsertSpec) updateColumns() []string {
	if s.Update != nil {
		return s.Update
	}
	keys := make(map[string]bool, len(s.Conflict))
	for _, k := range s.Conflict {
		keys[k] = true
	}
	var cols []string
	for _, c := range s.Columns {
		if !keys[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

func (s upsertSpec) stageTable() string {
	return "stage_" + s.Table
}

// mergeSQL builds the statement moving staged rows into the target.
// Updates only fire when an attribute actually changed, and the
// RETURNING clause tells inserts (xmax = 0) from updates.
func (s upsertSpec) mergeSQL() string {
	cols := strings.Join(s.Columns, ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s AS t (%s) SELECT %s FROM %s", s.Table, cols, cols, s.stageTable())

	update := s.updateColumns()
	switch {
	case len(s.Conflict) == 0:
		b.WriteString(" ON CONFLICT DO NOTHING")
	case len(update) == 0:
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", strings.Join(s.Conflict, ", "))
	default:
		sets := make([]string, len(update))
		current := make([]string, len(update))
		incoming := make([]string, len(update))
		for i, c := range update {
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
			current[i] = "t." + c
			incoming[i] = "EXCLUDED." + c
		}
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(s.Conflict, ", "), strings.Join(sets, ", "),
			strings.Join(current, ", "), strings.Join(incoming, ", "))
	}
	b.WriteString(" RETURNING (xmax = 0)")
	return b.String()
}

// stageUpsert copies rows into a transaction-scoped temp table and merges
// them into the target, returning how many rows were inserted and how many
// existing rows changed.
func stageUpsert(ctx context.Context, tx pgx.Tx, spec upsertSpec, rows [][]any) (inserted, updated int64, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}

	stage := spec.stageTable()
	_, err = tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", stage, spec.Table))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create %s: %w", stage, err)
	}

	if _, err = tx.CopyFrom(ctx, pgx.Identifier{stage}, spec.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, 0, fmt.Errorf("failed to copy into %s: %w", stage, err)
	}

	res, err := tx.Query(ctx, spec.mergeSQL())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to merge %s: %w", spec.Table, err)
	}
	flags, err := pgx.CollectRows(res, pgx.RowTo[bool])
	if err != nil {
		return 0, 0, fmt.Errorf("failed to merge %s: %w", spec.Table, err)
	}
	for _, isInsert := range flags {
		if isInsert {
			inserted++
		} else {
			updated++
		}
	}

	if _, err = tx.Exec(ctx, "DROP TABLE "+stage); err != nil {
		return inserted, updated, fmt.Errorf("failed to drop %s: %w", stage, err)
	}
	return inserted, updated, nil
}

// collectInts runs a single-column integer query.
func collectInts(ctx context.Context, conn db.DB, sql string, args ...any) ([]int, error) {
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int])
}
