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
	"time"

	"github.com/pgEdge/pgedge-dwload/internal/db"
)

// discoveredDimension is an attribute dimension without an operational
// identity. Its rows are found by a distinct scan of the window and keyed
// by the normalized natural tuple.
type discoveredDimension struct {
	Step      string
	Table     string
	Key       string
	Natural   []string
	DependsOn []string

	// Scan selects the raw natural columns for $1 <= ts < $2.
	Scan string

	// Derived lists extra columns computed from the normalized tuple.
	Derived []string
	derive  func(parts []string) []any

	// load overrides the generic loader.
	custom StepFunc
}

var discoveredDimensions = []discoveredDimension{
	{
		Step:    StepDevice,
		Table:   "dim_dispositivo",
		Key:     "dispositivo_id",
		Natural: []string{"tipo_dispositivo", "dispositivo", "sistema_operativo"},
		Scan: `
            SELECT tipo_dispositivo, dispositivo, sistema_operativo
            FROM eventos_web WHERE fecha_hora_evento >= $1 AND fecha_hora_evento < $2
            UNION
            SELECT tipo_dispositivo, dispositivo, sistema_operativo
            FROM busquedas_web WHERE fecha_hora_busqueda >= $1 AND fecha_hora_busqueda < $2`,
	},
	{
		Step:    StepBrowser,
		Table:   "dim_navegador",
		Key:     "navegador_id",
		Natural: []string{"navegador"},
		Scan: `
            SELECT navegador FROM eventos_web
            WHERE fecha_hora_evento >= $1 AND fecha_hora_evento < $2
            UNION
            SELECT navegador FROM busquedas_web
            WHERE fecha_hora_busqueda >= $1 AND fecha_hora_busqueda < $2`,
		Derived: []string{"tipo_navegador"},
		derive:  func(p []string) []any { return []any{BrowserType(p[0])} },
	},
	{
		Step:    StepEventType,
		Table:   "dim_tipo_evento",
		Key:     "tipo_evento_id",
		Natural: []string{"tipo_evento"},
		Scan: `
            SELECT DISTINCT tipo_evento FROM eventos_web
            WHERE fecha_hora_evento >= $1 AND fecha_hora_evento < $2`,
		Derived: []string{"categoria_evento", "es_conversion"},
		derive:  func(p []string) []any { return []any{EventCategory(p[0]), IsConversion(p[0])} },
	},
	{
		Step:    StepSaleStatus,
		Table:   "dim_estado_venta",
		Key:     "estado_venta_id",
		Natural: []string{"estado_venta"},
		Scan: `
            SELECT DISTINCT estado_venta FROM ventas
            WHERE fecha_venta >= $1 AND fecha_venta < $2`,
		Derived: []string{"es_exitosa"},
		derive:  func(p []string) []any { return []any{IsSuccessfulSale(p[0])} },
	},
	{
		Step:    StepPaymentMethod,
		Table:   "dim_metodo_pago",
		Key:     "metodo_pago_id",
		Natural: []string{"metodo_pago"},
		Scan: `
            SELECT DISTINCT metodo_pago FROM ventas
            WHERE fecha_venta >= $1 AND fecha_venta < $2`,
		Derived: []string{"tipo_pago"},
		derive:  func(p []string) []any { return []any{PaymentType(p[0])} },
	},
	{
		Step:      StepSession,
		Table:     sessionDimension.Table,
		Key:       sessionDimension.Key,
		Natural:   sessionDimension.Natural,
		DependsOn: []string{StepCustomer},
		custom:    loadSessions,
	},
}

// sessionDimension is dim_sesion. Its natural key is the session id and
// its attributes are aggregates, so it has its own loader.
var sessionDimension = discoveredDimension{
	Table:   "dim_sesion",
	Key:     "sesion_key",
	Natural: []string{"sesion_id"},
}

func (d discoveredDimension) load(ctx context.Context, env *StepEnv) (Counts, error) {
	if d.custom != nil {
		return d.custom(ctx, env)
	}
	return loadDiscovered(ctx, env, d)
}

// seedSQL reads persisted mappings; where may restrict them.
func (d discoveredDimension) seedSQL(where string) string {
	return fmt.Sprintf("SELECT %s, %s FROM %s %s", d.Key, strings.Join(d.Natural, ", "), d.Table, where)
}

// seedArena fills an arena from the persisted dimension rows.
func seedArena(ctx context.Context, conn db.DB, d discoveredDimension, where string, args ...any) (*Arena, error) {
	rows, err := conn.Query(ctx, d.seedSQL(where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d.Table, err)
	}
	defer rows.Close()

	arena := NewArena()
	dest := make([]any, len(d.Natural)+1)
	var key int
	parts := make([]string, len(d.Natural))
	dest[0] = &key
	for i := range parts {
		dest[i+1] = &parts[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", d.Table, err)
		}
		arena.Seed(NaturalKey(parts...), key)
	}
	return arena, rows.Err()
}

// scanNaturals runs a distinct scan and returns the normalized keys,
// deduplicated, in scan order.
func scanNaturals(ctx context.Context, source db.DB, d discoveredDimension, w Window) ([]string, error) {
	rows, err := source.Query(ctx, d.Scan, w.From, w.Upper())
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s values: %w", d.Table, err)
	}
	defer rows.Close()

	raw := make([]*string, len(d.Natural))
	dest := make([]any, len(raw))
	for i := range raw {
		dest[i] = &raw[i]
	}

	seen := make(map[string]bool)
	var keys []string
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s values: %w", d.Table, err)
		}
		parts := make([]string, len(raw))
		for i, r := range raw {
			parts[i] = Normalize(r)
		}
		key := NaturalKey(parts...)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

// loadDiscovered resolves every natural tuple of the window against the
// dimension, inserting misses under fresh keys. The unique constraint on
// the natural columns guards against a concurrent writer: a losing insert
// is dropped and the winner's key is read back.
func loadDiscovered(ctx context.Context, env *StepEnv, d discoveredDimension) (Counts, error) {
	arena, err := seedArena(ctx, env.Tx, d, "")
	if err != nil {
		return Counts{}, err
	}

	naturals, err := scanNaturals(ctx, env.Source, d, env.Run.Window)
	if err != nil {
		return Counts{}, err
	}
	counts := Counts{Extracted: int64(len(naturals))}

	assigned := arena.AssignMissing(naturals)
	if len(assigned) > 0 {
		spec := upsertSpec{
			Table:   d.Table,
			Columns: append(append([]string{d.Key}, d.Natural...), d.Derived...),
		}
		batch := make([][]any, 0, len(assigned))
		for natural, key := range assigned {
			parts := SplitKey(natural)
			row := []any{key}
			for _, p := range parts {
				row = append(row, p)
			}
			if d.derive != nil {
				row = append(row, d.derive(parts)...)
			}
			batch = append(batch, row)
		}

		if counts.Inserted, _, err = stageUpsert(ctx, env.Tx, spec, batch); err != nil {
			return counts, err
		}
		if counts.Inserted < int64(len(assigned)) {
			env.Log.Warn().
				Int("assigned", len(assigned)).
				Int64("inserted", counts.Inserted).
				Msg("Concurrent insert detected; re-reading persisted keys")
			if arena, err = seedArena(ctx, env.Tx, d, ""); err != nil {
				return counts, err
			}
		}
	}

	for _, n := range naturals {
		if _, ok := arena.Lookup(n); !ok {
			return counts, fmt.Errorf("%s has no key for %q after load", d.Table, strings.Join(SplitKey(n), "/"))
		}
	}

	env.Run.SetArena(d.Table, arena)
	env.Log.Debug().
		Int("known", arena.Len()).
		Int("new", len(assigned)).
		Msg("Dimension lookup published")
	return counts, nil
}

type sessionRow struct {
	id        string
	clienteID *int
	inicio    time.Time
	fin       time.Time
	eventos   int64
}

// loadSessions discovers the sessions active in the window and refreshes
// their aggregates over all of their events, including events outside the
// window. Keys follow the arena rules; aggregates are overwritten.
func loadSessions(ctx context.Context, env *StepEnv) (Counts, error) {
	d := sessionDimension
	w := env.Run.Window

	rows, err := env.Source.Query(ctx, `
        WITH ids AS (
            SELECT sesion_id FROM eventos_web
            WHERE fecha_hora_evento >= $1 AND fecha_hora_evento < $2
            UNION
            SELECT sesion_id FROM busquedas_web
            WHERE sesion_id IS NOT NULL
              AND fecha_hora_busqueda >= $1 AND fecha_hora_busqueda < $2
        ), ev AS (
            SELECT e.sesion_id, e.cliente_id, e.fecha_hora_evento AS ts, 1 AS evento
            FROM eventos_web e JOIN ids USING (sesion_id)
            UNION ALL
            SELECT b.sesion_id, b.cliente_id, b.fecha_hora_busqueda, 0
            FROM busquedas_web b JOIN ids USING (sesion_id)
        )
        SELECT sesion_id, MAX(cliente_id), MIN(ts), MAX(ts), SUM(evento)
        FROM ev
        GROUP BY sesion_id`, w.From, w.Upper())
	if err != nil {
		return Counts{}, fmt.Errorf("failed to extract sessions: %w", err)
	}

	merged := make(map[string]*sessionRow)
	var order []string
	for rows.Next() {
		var raw string
		var r sessionRow
		if err := rows.Scan(&raw, &r.clienteID, &r.inicio, &r.fin, &r.eventos); err != nil {
			rows.Close()
			return Counts{}, fmt.Errorf("failed to scan session: %w", err)
		}
		r.id = Normalize(&raw)
		// ids differing only in case or padding collapse into one session
		if m, ok := merged[r.id]; ok {
			m.eventos += r.eventos
			if r.inicio.Before(m.inicio) {
				m.inicio = r.inicio
			}
			if r.fin.After(m.fin) {
				m.fin = r.fin
			}
			if m.clienteID == nil {
				m.clienteID = r.clienteID
			}
			continue
		}
		merged[r.id] = &r
		order = append(order, r.id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("failed to extract sessions: %w", err)
	}

	counts := Counts{Extracted: int64(len(order))}
	if len(order) == 0 {
		env.Run.SetArena(d.Table, NewArena())
		return counts, nil
	}

	arena, err := seedArena(ctx, env.Tx, d, "WHERE sesion_id = ANY($1)", order)
	if err != nil {
		return counts, err
	}
	var maxKey int
	if err := env.Tx.QueryRow(ctx, `SELECT COALESCE(MAX(sesion_key), 0) FROM dim_sesion`).Scan(&maxKey); err != nil {
		return counts, fmt.Errorf("failed to read dim_sesion max key: %w", err)
	}
	arena.SeedMax(maxKey)
	arena.AssignMissing(order)

	batch := make([][]any, 0, len(order))
	for _, id := range order {
		r := merged[id]
		key, _ := arena.Lookup(id)
		var cliente any
		if r.clienteID != nil {
			if _, ok := env.Run.Customer(*r.clienteID); ok {
				cliente = *r.clienteID
			} else {
				counts.Warnings++
				env.Log.Warn().
					Str("sesion_id", id).
					Int("cliente_id", *r.clienteID).
					Msg("Session customer not in dim_cliente; stored as NULL")
			}
		}
		batch = append(batch, []any{key, id, cliente, r.inicio, r.fin, r.eventos})
	}

	spec := upsertSpec{
		Table:    d.Table,
		Columns:  []string{"sesion_key", "sesion_id", "cliente_id", "fecha_inicio", "fecha_fin", "total_eventos"},
		Conflict: []string{"sesion_id"},
		Update:   []string{"cliente_id", "fecha_inicio", "fecha_fin", "total_eventos"},
	}
	if counts.Inserted, counts.Updated, err = stageUpsert(ctx, env.Tx, spec, batch); err != nil {
		return counts, err
	}

	// Re-read: a concurrent writer may own some of the ids.
	arena, err = seedArena(ctx, env.Tx, d, "WHERE sesion_id = ANY($1)", order)
	if err != nil {
		return counts, err
	}
	if arena.Len() != len(order) {
		return counts, fmt.Errorf("dim_sesion resolved %d of %d sessions", arena.Len(), len(order))
	}
	env.Run.SetArena(d.Table, arena)
	return counts, nil
}

// resolve looks a natural tuple up in a published arena.
func resolve(rc *RunContext, table string, parts ...string) (int, bool) {
	a := rc.Arena(table)
	if a == nil {
		return 0, false
	}
	return a.Lookup(NaturalKey(parts...))
}
