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
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/pgEdge/pgedge-dwload/internal/db"
	"github.com/pgEdge/pgedge-dwload/internal/logging"
)

// factTable describes a fact table refreshed per window.
type factTable struct {
	Table    string
	IDColumn string // degenerate id of the source row
	Columns  []string
}

// refresh replaces the window's rows: everything keyed into the window
// plus any row carrying one of the extracted ids (a source row whose date
// moved into the window) is deleted, then rows are copied in batches.
func (f factTable) refresh(ctx context.Context, env *StepEnv, ids []int64, rows [][]any) (int64, error) {
	w := env.Run.Window
	tag, err := env.Tx.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE tiempo_key BETWEEN $1 AND $2 OR %s = ANY($3)", f.Table, f.IDColumn),
		w.FromKey(), w.ToKey(), ids)
	if err != nil {
		return 0, fmt.Errorf("failed to clear %s window: %w", f.Table, err)
	}
	env.Log.Debug().Int64("deleted", tag.RowsAffected()).Msg("Cleared window")

	batchSize := env.Run.Settings.BatchSize
	if batchSize < 1 {
		batchSize = len(rows) + 1
	}
	progress := logging.NewProgressReporter(env.Log, f.Table, int64(len(rows)), int64(batchSize)*10)
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		n, err := env.Tx.CopyFrom(ctx, pgx.Identifier{f.Table}, f.Columns, pgx.CopyFromRows(rows[start:end]))
		if err != nil {
			return progress.Rows(), fmt.Errorf("failed to copy into %s: %w", f.Table, err)
		}
		progress.Update(n)
	}
	progress.Done()
	return progress.Rows(), nil
}

// factRecorder counts and logs per-row outcomes of a fact build.
type factRecorder struct {
	env    *StepEnv
	counts *Counts
}

func (r factRecorder) gap(gap *ReferentialGapError) {
	recordGap(r.env, r.counts, gap)
}

func (r factRecorder) warn(table string, id int64, msg string, fields map[string]any) {
	r.counts.Warnings++
	r.env.Log.Warn().
		Str("source_table", table).
		Int64("source_id", id).
		Fields(fields).
		Msg(msg)
}

// Sales

type saleLine struct {
	DetalleID      int64
	VentaID        int64
	NumeroFactura  string
	ClienteID      int
	AlmacenID      int
	FechaVenta     time.Time
	EstadoVenta    string
	MetodoPago     string
	ProductoID     int
	Cantidad       int64
	PrecioUnitario decimal.Decimal
	CostoUnitario  decimal.Decimal
	DescuentoPct   decimal.Decimal
	ImpuestoPct    *decimal.Decimal
	MontoTotal     decimal.Decimal
}

type saleFact struct {
	TiempoKey     int
	ProductoID    int
	ClienteID     int
	Geo           *GeoRef
	AlmacenID     int
	EstadoVentaID int
	MetodoPagoID  int
	Line          saleLine
	Measures      Measures
	PrimeraCompra bool
	Cancelada     bool
}

var salesFacts = factTable{
	Table:    "fact_ventas",
	IDColumn: "detalle_venta_id",
	Columns: []string{
		"tiempo_key", "producto_id", "cliente_id", "provincia_id", "canton_id",
		"distrito_id", "almacen_id", "estado_venta_id", "metodo_pago_id",
		"venta_id", "numero_factura", "detalle_venta_id", "fecha_venta",
		"cantidad", "precio_unitario", "costo_unitario", "descuento_porcentaje",
		"impuesto_porcentaje", "subtotal", "descuento_monto", "impuesto",
		"monto_total", "costo_total", "margen", "es_primera_compra",
		"venta_cancelada",
	},
}

// buildSaleFact resolves a sale line against the published lookups and
// recomputes its measures. A gap is returned for the first required
// reference that does not resolve; a warning when the stored total
// diverges from the recomputed one.
func buildSaleFact(rc *RunContext, l saleLine) (*saleFact, *DataQualityWarning, *ReferentialGapError) {
	gap := func(dim, value string) *ReferentialGapError {
		return &ReferentialGapError{Table: "detalles_venta", SourceID: l.DetalleID, Dimension: dim, Value: value}
	}

	f := &saleFact{Line: l, ProductoID: l.ProductoID, ClienteID: l.ClienteID, AlmacenID: l.AlmacenID}

	f.TiempoKey = DateKey(l.FechaVenta)
	if !rc.HasDate(f.TiempoKey) {
		return nil, nil, gap("dim_tiempo", strconv.Itoa(f.TiempoKey))
	}
	if !rc.HasProduct(l.ProductoID) {
		return nil, nil, gap("dim_producto", strconv.Itoa(l.ProductoID))
	}
	customer, ok := rc.Customer(l.ClienteID)
	if !ok {
		return nil, nil, gap("dim_cliente", strconv.Itoa(l.ClienteID))
	}
	if !rc.HasStore(l.AlmacenID) {
		return nil, nil, gap("dim_almacen", strconv.Itoa(l.AlmacenID))
	}
	estado := Normalize(&l.EstadoVenta)
	if f.EstadoVentaID, ok = resolve(rc, "dim_estado_venta", estado); !ok {
		return nil, nil, gap("dim_estado_venta", estado)
	}
	metodo := Normalize(&l.MetodoPago)
	if f.MetodoPagoID, ok = resolve(rc, "dim_metodo_pago", metodo); !ok {
		return nil, nil, gap("dim_metodo_pago", metodo)
	}
	if customer.DistritoID != nil {
		g, ok := rc.Geography(*customer.DistritoID)
		if !ok {
			return nil, nil, gap("dim_geografia", strconv.Itoa(*customer.DistritoID))
		}
		f.Geo = &g
	}

	f.Measures = ComputeMeasures(LineInput{
		Quantity:    l.Cantidad,
		UnitPrice:   l.PrecioUnitario,
		UnitCost:    l.CostoUnitario,
		DiscountPct: l.DescuentoPct,
		TaxPct:      l.ImpuestoPct,
	}, rc.Settings.DefaultTaxRate)

	f.PrimeraCompra = customer.FirstPurchase != nil && day(*customer.FirstPurchase).Equal(day(l.FechaVenta))
	f.Cancelada = !IsSuccessfulSale(estado)

	var warning *DataQualityWarning
	if !WithinTolerance(f.Measures.Total, l.MontoTotal, rc.Settings.Tolerance) {
		warning = &DataQualityWarning{
			Table:    "detalles_venta",
			SourceID: l.DetalleID,
			Field:    "monto_total",
			Source:   l.MontoTotal.StringFixed(2),
			Computed: f.Measures.Total.StringFixed(2),
		}
	}
	return f, warning, nil
}

func (f *saleFact) row() []any {
	var provincia, canton, distrito any
	if f.Geo != nil {
		provincia, canton, distrito = f.Geo.ProvinciaID, f.Geo.CantonID, f.Geo.DistritoID
	}
	m := f.Measures
	return []any{
		f.TiempoKey, f.ProductoID, f.ClienteID, provincia, canton,
		distrito, f.AlmacenID, f.EstadoVentaID, f.MetodoPagoID,
		f.Line.VentaID, f.Line.NumeroFactura, f.Line.DetalleID, f.Line.FechaVenta,
		f.Line.Cantidad, db.Numeric(f.Line.PrecioUnitario), db.Numeric(f.Line.CostoUnitario), db.Numeric(f.Line.DescuentoPct),
		db.Numeric(m.TaxRate), db.Numeric(m.Subtotal), db.Numeric(m.Discount), db.Numeric(m.Tax),
		db.Numeric(m.Total), db.Numeric(m.Cost), db.Numeric(m.Margin), f.PrimeraCompra,
		f.Cancelada,
	}
}

func extractSaleLines(ctx context.Context, source db.DB, w Window) ([]saleLine, error) {
	rows, err := source.Query(ctx, `
        SELECT dv.detalle_venta_id, v.venta_id, v.numero_factura, v.cliente_id,
               v.almacen_id, v.fecha_venta, v.estado_venta, v.metodo_pago,
               dv.producto_id, dv.cantidad, dv.precio_unitario, dv.costo_unitario,
               dv.descuento_porcentaje, dv.impuesto_porcentaje, dv.monto_total
        FROM detalles_venta dv
        JOIN ventas v ON v.venta_id = dv.venta_id
        WHERE v.fecha_venta >= $1 AND v.fecha_venta < $2
        ORDER BY dv.detalle_venta_id`, w.From, w.Upper())
	if err != nil {
		return nil, fmt.Errorf("failed to extract sale lines: %w", err)
	}
	defer rows.Close()

	var lines []saleLine
	for rows.Next() {
		var l saleLine
		var precio, costo, descuento, impuesto, total pgtype.Numeric
		if err := rows.Scan(&l.DetalleID, &l.VentaID, &l.NumeroFactura, &l.ClienteID,
			&l.AlmacenID, &l.FechaVenta, &l.EstadoVenta, &l.MetodoPago,
			&l.ProductoID, &l.Cantidad, &precio, &costo,
			&descuento, &impuesto, &total); err != nil {
			return nil, fmt.Errorf("failed to scan sale line: %w", err)
		}
		l.PrecioUnitario, _ = db.Decimal(precio)
		l.CostoUnitario, _ = db.Decimal(costo)
		l.DescuentoPct, _ = db.Decimal(descuento)
		l.MontoTotal, _ = db.Decimal(total)
		if d, ok := db.Decimal(impuesto); ok {
			l.ImpuestoPct = &d
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func loadSalesFacts(ctx context.Context, env *StepEnv) (Counts, error) {
	lines, err := extractSaleLines(ctx, env.Source, env.Run.Window)
	if err != nil {
		return Counts{}, err
	}

	counts := Counts{Extracted: int64(len(lines))}
	rec := factRecorder{env: env, counts: &counts}
	ids := make([]int64, 0, len(lines))
	batch := make([][]any, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.DetalleID)
		f, warning, gap := buildSaleFact(env.Run, l)
		if gap != nil {
			rec.gap(gap)
			continue
		}
		if warning != nil {
			rec.warn(warning.Table, warning.SourceID, "Recomputed total differs from source",
				map[string]any{"stored": warning.Source, "computed": warning.Computed})
		}
		batch = append(batch, f.row())
	}

	if counts.Inserted, err = salesFacts.refresh(ctx, env, ids, batch); err != nil {
		return counts, err
	}
	return counts, nil
}

// Web behavior

type webEvent struct {
	EventoID          int64
	SesionID          string
	ClienteID         *int
	ProductoID        *int
	VentaID           *int64
	TipoEvento        string
	Fecha             time.Time
	NumeroEnSesion    int
	TiempoPagina      *int
	TipoDispositivo   *string
	Dispositivo       *string
	SistemaOperativo  *string
	Navegador         *string
	ClienteReconocido bool
}

var webFacts = factTable{
	Table:    "fact_comportamiento_web",
	IDColumn: "evento_id",
	Columns: []string{
		"tiempo_key", "sesion_key", "tipo_evento_id", "dispositivo_id",
		"navegador_id", "cliente_id", "producto_id", "evento_id", "venta_id",
		"fecha_hora_evento", "hora", "periodo_dia", "numero_evento_sesion",
		"tiempo_pagina_segundos", "eventos_sesion", "cliente_reconocido",
		"es_conversion", "genero_venta",
	},
}

// optionalRefs resolves the nullable customer and product references of a
// web row. Unknown values become NULL and produce warnings.
func optionalRefs(rc *RunContext, cliente, producto *int) (c, p any, unknown []string) {
	if cliente != nil {
		if _, ok := rc.Customer(*cliente); ok {
			c = *cliente
		} else {
			unknown = append(unknown, "cliente_id="+strconv.Itoa(*cliente))
		}
	}
	if producto != nil {
		if rc.HasProduct(*producto) {
			p = *producto
		} else {
			unknown = append(unknown, "producto_id="+strconv.Itoa(*producto))
		}
	}
	return c, p, unknown
}

// deviceRefs resolves the device and browser of a web row.
func deviceRefs(rc *RunContext, tipo, dispositivo, so, navegador *string) (dev, nav int, gapDim, gapValue string) {
	devKey := []string{Normalize(tipo), Normalize(dispositivo), Normalize(so)}
	dev, ok := resolve(rc, "dim_dispositivo", devKey...)
	if !ok {
		return 0, 0, "dim_dispositivo", strings.Join(devKey, "/")
	}
	navKey := Normalize(navegador)
	nav, ok = resolve(rc, "dim_navegador", navKey)
	if !ok {
		return 0, 0, "dim_navegador", navKey
	}
	return dev, nav, "", ""
}

// buildWebFact turns an event into a fact row. sold holds the venta_ids
// that exist as non-cancelled sales. The unknown slice lists nullable
// references that were dropped.
func buildWebFact(rc *RunContext, e webEvent, sold map[int64]bool) ([]any, []string, *ReferentialGapError) {
	gap := func(dim, value string) *ReferentialGapError {
		return &ReferentialGapError{Table: "eventos_web", SourceID: e.EventoID, Dimension: dim, Value: value}
	}

	tiempo := DateKey(e.Fecha)
	if !rc.HasDate(tiempo) {
		return nil, nil, gap("dim_tiempo", strconv.Itoa(tiempo))
	}
	sesion, ok := resolve(rc, "dim_sesion", Normalize(&e.SesionID))
	if !ok {
		return nil, nil, gap("dim_sesion", e.SesionID)
	}
	tipo := Normalize(&e.TipoEvento)
	tipoID, ok := resolve(rc, "dim_tipo_evento", tipo)
	if !ok {
		return nil, nil, gap("dim_tipo_evento", tipo)
	}
	dev, nav, dim, value := deviceRefs(rc, e.TipoDispositivo, e.Dispositivo, e.SistemaOperativo, e.Navegador)
	if dim != "" {
		return nil, nil, gap(dim, value)
	}
	cliente, producto, unknown := optionalRefs(rc, e.ClienteID, e.ProductoID)

	tiempoPagina := 0
	if e.TiempoPagina != nil {
		tiempoPagina = *e.TiempoPagina
	}
	var venta any
	generoVenta := false
	if e.VentaID != nil {
		venta = *e.VentaID
		generoVenta = sold[*e.VentaID]
	}

	return []any{
		tiempo, sesion, tipoID, dev,
		nav, cliente, producto, e.EventoID, venta,
		e.Fecha, e.Fecha.Hour(), DayPeriod(e.Fecha.Hour()), e.NumeroEnSesion,
		tiempoPagina, 1, e.ClienteReconocido,
		IsConversion(tipo), generoVenta,
	}, unknown, nil
}

func extractWebEvents(ctx context.Context, source db.DB, w Window) ([]webEvent, error) {
	rows, err := source.Query(ctx, `
        SELECT evento_id, sesion_id, cliente_id, producto_id, venta_id,
               tipo_evento, fecha_hora_evento, numero_evento_en_sesion,
               tiempo_pagina_segundos, tipo_dispositivo, dispositivo,
               sistema_operativo, navegador, cliente_reconocido
        FROM eventos_web
        WHERE fecha_hora_evento >= $1 AND fecha_hora_evento < $2
        ORDER BY evento_id`, w.From, w.Upper())
	if err != nil {
		return nil, fmt.Errorf("failed to extract web events: %w", err)
	}
	defer rows.Close()

	var events []webEvent
	for rows.Next() {
		var e webEvent
		if err := rows.Scan(&e.EventoID, &e.SesionID, &e.ClienteID, &e.ProductoID, &e.VentaID,
			&e.TipoEvento, &e.Fecha, &e.NumeroEnSesion,
			&e.TiempoPagina, &e.TipoDispositivo, &e.Dispositivo,
			&e.SistemaOperativo, &e.Navegador, &e.ClienteReconocido); err != nil {
			return nil, fmt.Errorf("failed to scan web event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// soldSales returns which of the referenced sales exist in fact_ventas
// and were not cancelled. It reads the warehouse, so it sees the sales
// loaded earlier in this run.
func soldSales(ctx context.Context, tx pgx.Tx, ventaIDs []int64) (map[int64]bool, error) {
	sold := make(map[int64]bool)
	if len(ventaIDs) == 0 {
		return sold, nil
	}
	rows, err := tx.Query(ctx, `
        SELECT DISTINCT venta_id FROM fact_ventas
        WHERE venta_id = ANY($1) AND NOT venta_cancelada`, ventaIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to read sold sales: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to read sold sales: %w", err)
	}
	for _, id := range ids {
		sold[id] = true
	}
	return sold, nil
}

func loadWebFacts(ctx context.Context, env *StepEnv) (Counts, error) {
	events, err := extractWebEvents(ctx, env.Source, env.Run.Window)
	if err != nil {
		return Counts{}, err
	}

	var ventaIDs []int64
	for _, e := range events {
		if e.VentaID != nil {
			ventaIDs = append(ventaIDs, *e.VentaID)
		}
	}
	sold, err := soldSales(ctx, env.Tx, ventaIDs)
	if err != nil {
		return Counts{}, err
	}

	counts := Counts{Extracted: int64(len(events))}
	rec := factRecorder{env: env, counts: &counts}
	ids := make([]int64, 0, len(events))
	batch := make([][]any, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.EventoID)
		row, unknown, gap := buildWebFact(env.Run, e, sold)
		if gap != nil {
			rec.gap(gap)
			continue
		}
		if len(unknown) > 0 {
			rec.warn("eventos_web", e.EventoID, "Unknown reference stored as NULL",
				map[string]any{"references": unknown})
		}
		batch = append(batch, row)
	}

	if counts.Inserted, err = webFacts.refresh(ctx, env, ids, batch); err != nil {
		return counts, err
	}
	return counts, nil
}

// Searches

type searchEvent struct {
	BusquedaID        int64
	SesionID          *string
	ClienteID         *int
	ProductoID        *int
	VentaID           *int64
	Termino           *string
	Fecha             time.Time
	Resultados        *int
	TipoDispositivo   *string
	Dispositivo       *string
	SistemaOperativo  *string
	Navegador         *string
	ClienteReconocido bool
}

var searchFacts = factTable{
	Table:    "fact_busquedas",
	IDColumn: "busqueda_id",
	Columns: []string{
		"tiempo_key", "sesion_key", "dispositivo_id", "navegador_id",
		"cliente_id", "producto_id", "busqueda_id", "venta_id",
		"termino_busqueda", "fecha_hora_busqueda", "hora", "periodo_dia",
		"cantidad_resultados", "total_busquedas", "sin_resultados",
		"cliente_reconocido", "genero_venta",
	},
}

// buildSearchFact turns a search into a fact row. The session is optional
// for searches; an unknown one is dropped like the customer and product.
func buildSearchFact(rc *RunContext, s searchEvent, sold map[int64]bool) ([]any, []string, *ReferentialGapError) {
	gap := func(dim, value string) *ReferentialGapError {
		return &ReferentialGapError{Table: "busquedas_web", SourceID: s.BusquedaID, Dimension: dim, Value: value}
	}

	tiempo := DateKey(s.Fecha)
	if !rc.HasDate(tiempo) {
		return nil, nil, gap("dim_tiempo", strconv.Itoa(tiempo))
	}
	dev, nav, dim, value := deviceRefs(rc, s.TipoDispositivo, s.Dispositivo, s.SistemaOperativo, s.Navegador)
	if dim != "" {
		return nil, nil, gap(dim, value)
	}
	cliente, producto, unknown := optionalRefs(rc, s.ClienteID, s.ProductoID)

	var sesion any
	if s.SesionID != nil {
		if key, ok := resolve(rc, "dim_sesion", Normalize(s.SesionID)); ok {
			sesion = key
		} else {
			unknown = append(unknown, "sesion_id="+*s.SesionID)
		}
	}

	var termino any
	if s.Termino != nil {
		termino = strings.TrimSpace(*s.Termino)
	}
	resultados := 0
	if s.Resultados != nil {
		resultados = *s.Resultados
	}
	var venta any
	generoVenta := false
	if s.VentaID != nil {
		venta = *s.VentaID
		generoVenta = sold[*s.VentaID]
	}

	return []any{
		tiempo, sesion, dev, nav,
		cliente, producto, s.BusquedaID, venta,
		termino, s.Fecha, s.Fecha.Hour(), DayPeriod(s.Fecha.Hour()),
		resultados, 1, resultados == 0,
		s.ClienteReconocido, generoVenta,
	}, unknown, nil
}

func extractSearches(ctx context.Context, source db.DB, w Window) ([]searchEvent, error) {
	rows, err := source.Query(ctx, `
        SELECT busqueda_id, sesion_id, cliente_id, producto_visualizado_id,
               venta_id, termino_busqueda, fecha_hora_busqueda,
               cantidad_resultados, tipo_dispositivo, dispositivo,
               sistema_operativo, navegador, cliente_reconocido
        FROM busquedas_web
        WHERE fecha_hora_busqueda >= $1 AND fecha_hora_busqueda < $2
        ORDER BY busqueda_id`, w.From, w.Upper())
	if err != nil {
		return nil, fmt.Errorf("failed to extract searches: %w", err)
	}
	defer rows.Close()

	var searches []searchEvent
	for rows.Next() {
		var s searchEvent
		if err := rows.Scan(&s.BusquedaID, &s.SesionID, &s.ClienteID, &s.ProductoID,
			&s.VentaID, &s.Termino, &s.Fecha,
			&s.Resultados, &s.TipoDispositivo, &s.Dispositivo,
			&s.SistemaOperativo, &s.Navegador, &s.ClienteReconocido); err != nil {
			return nil, fmt.Errorf("failed to scan search: %w", err)
		}
		searches = append(searches, s)
	}
	return searches, rows.Err()
}

func loadSearchFacts(ctx context.Context, env *StepEnv) (Counts, error) {
	searches, err := extractSearches(ctx, env.Source, env.Run.Window)
	if err != nil {
		return Counts{}, err
	}

	var ventaIDs []int64
	for _, s := range searches {
		if s.VentaID != nil {
			ventaIDs = append(ventaIDs, *s.VentaID)
		}
	}
	sold, err := soldSales(ctx, env.Tx, ventaIDs)
	if err != nil {
		return Counts{}, err
	}

	counts := Counts{Extracted: int64(len(searches))}
	rec := factRecorder{env: env, counts: &counts}
	ids := make([]int64, 0, len(searches))
	batch := make([][]any, 0, len(searches))
	for _, s := range searches {
		ids = append(ids, s.BusquedaID)
		row, unknown, gap := buildSearchFact(env.Run, s, sold)
		if gap != nil {
			rec.gap(gap)
			continue
		}
		if len(unknown) > 0 {
			rec.warn("busquedas_web", s.BusquedaID, "Unknown reference stored as NULL",
				map[string]any{"references": unknown})
		}
		batch = append(batch, row)
	}

	if counts.Inserted, err = searchFacts.refresh(ctx, env, ids, batch); err != nil {
		return counts, err
	}
	return counts, nil
}
