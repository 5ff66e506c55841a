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

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/pgEdge/pgedge-dwload/internal/db"
	"github.com/pgEdge/pgedge-dwload/internal/schema"
)

// CheckPrerequisites verifies that both schemas exist before a run.
func CheckPrerequisites(ctx context.Context, source, warehouse db.DB) error {
	var missing []string
	check := func(conn db.DB, role string, tables []string) error {
		for _, table := range tables {
			exists, err := db.TableExists(ctx, conn, table)
			if err != nil {
				return fmt.Errorf("failed to check %s table %s: %w", role, table, err)
			}
			if !exists {
				missing = append(missing, role+"."+table)
			}
		}
		return nil
	}

	if err := check(source, "source", schema.SourceTables); err != nil {
		return err
	}
	if err := check(warehouse, "warehouse", schema.WarehouseTables()); err != nil {
		return err
	}
	if len(missing) > 0 {
		return &ConfigurationError{
			Msg: fmt.Sprintf("missing tables: %s (run 'pgedge-dwload init')", strings.Join(missing, ", ")),
		}
	}
	return nil
}

// Orphan is a fact reference without a dimension row.
type Orphan struct {
	FK    schema.ForeignKey
	Count int64
}

// TableCount is a source/warehouse row count pair over a window.
type TableCount struct {
	Source        string
	Warehouse     string
	SourceRows    int64
	WarehouseRows int64
}

// ValidationReport is the post-run check of the warehouse.
type ValidationReport struct {
	Window Window

	// Rows per warehouse table.
	Rows map[string]int64

	// Orphans lists every reference with dangling rows. Empty when the
	// warehouse is consistent.
	Orphans []Orphan

	// Counts compares extracted and loaded rows for the window.
	Counts []TableCount

	// SourceSales and WarehouseSales total monto_total of non-cancelled
	// sales in the window.
	SourceSales    decimal.Decimal
	WarehouseSales decimal.Decimal
}

// SalesDifference is the absolute gap between source and warehouse sales.
func (r *ValidationReport) SalesDifference() decimal.Decimal {
	return r.SourceSales.Sub(r.WarehouseSales).Abs()
}

// SalesMatch reports whether the totals agree within tol.
func (r *ValidationReport) SalesMatch(tol decimal.Decimal) bool {
	return WithinTolerance(r.SourceSales, r.WarehouseSales, tol)
}

var windowCounts = []struct {
	source, warehouse string
	sourceSQL         string
}{
	{"detalles_venta", "fact_ventas", `
        SELECT count(*) FROM detalles_venta dv JOIN ventas v ON v.venta_id = dv.venta_id
        WHERE v.fecha_venta >= $1 AND v.fecha_venta < $2`},
	{"eventos_web", "fact_comportamiento_web", `
        SELECT count(*) FROM eventos_web
        WHERE fecha_hora_evento >= $1 AND fecha_hora_evento < $2`},
	{"busquedas_web", "fact_busquedas", `
        SELECT count(*) FROM busquedas_web
        WHERE fecha_hora_busqueda >= $1 AND fecha_hora_busqueda < $2`},
}

// ValidateWarehouse counts rows, looks for orphan facts and reconciles the
// window's sales totals between the stores. Source totals are the stored
// ones, so data-quality warnings show up as a difference.
func ValidateWarehouse(ctx context.Context, source, warehouse db.DB, w Window) (*ValidationReport, error) {
	report := &ValidationReport{Window: w, Rows: make(map[string]int64)}

	for _, table := range append(append([]string{}, schema.DimensionTables...), schema.FactTables...) {
		var n int64
		if err := warehouse.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		report.Rows[table] = n
	}

	for _, fk := range schema.FactForeignKeys {
		var n int64
		if err := warehouse.QueryRow(ctx, fk.OrphanQuery()).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to check %s.%s: %w", fk.Table, fk.Column, err)
		}
		if n > 0 {
			report.Orphans = append(report.Orphans, Orphan{FK: fk, Count: n})
		}
	}

	for _, c := range windowCounts {
		tc := TableCount{Source: c.source, Warehouse: c.warehouse}
		if err := source.QueryRow(ctx, c.sourceSQL, w.From, w.Upper()).Scan(&tc.SourceRows); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.source, err)
		}
		err := warehouse.QueryRow(ctx, fmt.Sprintf(
			"SELECT count(*) FROM %s WHERE tiempo_key BETWEEN $1 AND $2", c.warehouse),
			w.FromKey(), w.ToKey()).Scan(&tc.WarehouseRows)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.warehouse, err)
		}
		report.Counts = append(report.Counts, tc)
	}

	var err error
	if report.SourceSales, err = sourceSales(ctx, source, w); err != nil {
		return nil, err
	}
	var total pgtype.Numeric
	err = warehouse.QueryRow(ctx, `
        SELECT COALESCE(SUM(monto_total), 0) FROM fact_ventas
        WHERE NOT venta_cancelada AND tiempo_key BETWEEN $1 AND $2`,
		w.FromKey(), w.ToKey()).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to total fact_ventas: %w", err)
	}
	report.WarehouseSales, _ = db.Decimal(total)
	return report, nil
}

// sourceSales totals the stored amounts per status and keeps the statuses
// that classify as sales.
func sourceSales(ctx context.Context, source db.DB, w Window) (decimal.Decimal, error) {
	rows, err := source.Query(ctx, `
        SELECT v.estado_venta, SUM(dv.monto_total)
        FROM detalles_venta dv JOIN ventas v ON v.venta_id = dv.venta_id
        WHERE v.fecha_venta >= $1 AND v.fecha_venta < $2
        GROUP BY v.estado_venta`, w.From, w.Upper())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to total source sales: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var estado string
		var amount pgtype.Numeric
		if err := rows.Scan(&estado, &amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to total source sales: %w", err)
		}
		if !IsSuccessfulSale(Normalize(&estado)) {
			continue
		}
		if d, ok := db.Decimal(amount); ok {
			total = total.Add(d)
		}
	}
	return total, rows.Err()
}
