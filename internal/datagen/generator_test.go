package datagen

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgEdge/pgedge-dwload/internal/db"
	"github.com/pgEdge/pgedge-dwload/internal/etl"
	"github.com/pgEdge/pgedge-dwload/internal/schema"
)

func testOptions() Options {
	return Options{
		Customers: 40,
		Products:  15,
		Stores:    3,
		Sales:     60,
		Sessions:  50,
		Start:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		Seed:      42,
	}
}

func column(t *testing.T, tbl *Table, name string) int {
	t.Helper()
	for i, c := range tbl.Columns {
		if c == name {
			return i
		}
	}
	t.Fatalf("table %s has no column %s", tbl.Name, name)
	return -1
}

func numeric(t *testing.T, v any) decimal.Decimal {
	t.Helper()
	n, ok := v.(pgtype.Numeric)
	require.True(t, ok, "expected pgtype.Numeric, got %T", v)
	d, ok := db.Decimal(n)
	require.True(t, ok, "expected a non-null numeric")
	return d
}

func TestGenerateTablesInSourceOrder(t *testing.T) {
	data := NewSeeder(testOptions()).Generate()

	names := make([]string, len(data.Tables))
	for i, tbl := range data.Tables {
		names[i] = tbl.Name
		for _, row := range tbl.Rows {
			require.Len(t, row, len(tbl.Columns), "row width of %s", tbl.Name)
		}
	}
	assert.Equal(t, schema.SourceTables, names)

	assert.Len(t, data.Table("clientes").Rows, 40)
	assert.Len(t, data.Table("productos").Rows, 15)
	assert.Len(t, data.Table("almacenes").Rows, 3)
	assert.Len(t, data.Table("ventas").Rows, 60)
	assert.Len(t, data.Table("categorias").Rows, len(categories))
	assert.Nil(t, data.Table("nope"))
}

func TestGenerateIsReproducible(t *testing.T) {
	a := NewSeeder(testOptions()).Generate()
	b := NewSeeder(testOptions()).Generate()

	assert.Equal(t, a.Table("clientes").Rows, b.Table("clientes").Rows)
	assert.Equal(t, a.Table("detalles_venta").Rows, b.Table("detalles_venta").Rows)
}

func TestGenerateGeographyIsConsistent(t *testing.T) {
	data := NewSeeder(testOptions()).Generate()

	dists := data.Table("distritos")
	parents := map[any][2]any{}
	for _, row := range dists.Rows {
		parents[row[0]] = [2]any{row[1], row[2]}
	}

	for _, name := range []string{"clientes", "almacenes"} {
		tbl := data.Table(name)
		p, c, d := column(t, tbl, "provincia_id"), column(t, tbl, "canton_id"), column(t, tbl, "distrito_id")
		for _, row := range tbl.Rows {
			if row[d] == nil {
				assert.Nil(t, row[c], "%s without district keeps no canton", name)
				assert.Nil(t, row[p], "%s without district keeps no province", name)
				continue
			}
			want, ok := parents[row[d]]
			require.True(t, ok, "unknown district %v", row[d])
			assert.Equal(t, want[0], row[c])
			assert.Equal(t, want[1], row[p])
		}
	}
}

func TestGenerateSaleLinesMatchMeasures(t *testing.T) {
	data := NewSeeder(testOptions()).Generate()
	lines := data.Table("detalles_venta")
	require.NotEmpty(t, lines.Rows)

	qty := column(t, lines, "cantidad")
	price := column(t, lines, "precio_unitario")
	cost := column(t, lines, "costo_unitario")
	disc := column(t, lines, "descuento_porcentaje")
	tax := column(t, lines, "impuesto_porcentaje")
	total := column(t, lines, "monto_total")

	for _, row := range lines.Rows {
		in := etl.LineInput{
			Quantity:    row[qty].(int64),
			UnitPrice:   numeric(t, row[price]),
			UnitCost:    numeric(t, row[cost]),
			DiscountPct: numeric(t, row[disc]),
		}
		if row[tax] != nil {
			rate := numeric(t, row[tax])
			in.TaxPct = &rate
		}
		m := etl.ComputeMeasures(in, decimal.NewFromInt(13))
		assert.True(t, m.Total.Equal(numeric(t, row[total])),
			"line %v: expected total %s, got %s", row[0], m.Total, numeric(t, row[total]))
	}
}

func TestGenerateAnomaliesPerturbTotals(t *testing.T) {
	opts := testOptions()
	opts.AnomalyRate = 1
	data := NewSeeder(opts).Generate()
	lines := data.Table("detalles_venta")

	sub := column(t, lines, "subtotal")
	disc := column(t, lines, "descuento_monto")
	tax := column(t, lines, "impuesto")
	total := column(t, lines, "monto_total")

	for _, row := range lines.Rows {
		expected := numeric(t, row[sub]).Sub(numeric(t, row[disc])).Add(numeric(t, row[tax]))
		assert.True(t, numeric(t, row[total]).GreaterThan(expected), "line %v should be perturbed", row[0])
	}

	events := data.Table("eventos_web")
	cust := column(t, events, "cliente_id")
	for _, row := range events.Rows {
		assert.Greater(t, row[cust].(int), opts.Customers)
	}
}

func TestGenerateWebActivity(t *testing.T) {
	opts := testOptions()
	data := NewSeeder(opts).Generate()
	events := data.Table("eventos_web")
	searches := data.Table("busquedas_web")

	sessions := map[any]bool{}
	sid := column(t, events, "sesion_id")
	kind := column(t, events, "tipo_evento")
	sale := column(t, events, "venta_id")
	for _, row := range events.Rows {
		sessions[row[sid]] = true
		if row[kind] == "Compra_Completada" {
			assert.NotNil(t, row[sale], "a completed purchase links a sale")
		} else {
			assert.Nil(t, row[sale])
		}
	}
	assert.Len(t, sessions, opts.Sessions)

	ssid := column(t, searches, "sesion_id")
	results := column(t, searches, "cantidad_resultados")
	viewed := column(t, searches, "producto_visualizado_id")
	orphans := 0
	for _, row := range searches.Rows {
		if row[ssid] == nil {
			orphans++
		} else {
			assert.True(t, sessions[row[ssid]], "search session %v has events", row[ssid])
		}
		if row[viewed] != nil {
			assert.Greater(t, row[results].(int), 0, "a viewed product needs results")
		}
	}
	assert.Equal(t, opts.Sessions/10, orphans)
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.True(t, opts.Start.Before(opts.End))
	assert.Equal(t, 1000, opts.BatchSize)

	s := NewSeeder(Options{})
	assert.Equal(t, 1000, s.opts.BatchSize)
}
