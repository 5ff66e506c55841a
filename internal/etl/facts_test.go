package etl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int       { return &i }
func int64Ptr(i int64) *int64 { return &i }
func strPtr(s string) *string { return &s }

// testRunContext returns a run context for January 2025 with a small set
// of published lookups.
func testRunContext(t *testing.T) *RunContext {
	t.Helper()
	w, err := NewWindow(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	rc := NewRunContext(w, DefaultSettings(w))

	var keys []int
	for d := 1; d <= 31; d++ {
		keys = append(keys, 20250100+d)
	}
	rc.SetCalendar(keys)
	rc.SetGeography(map[int]GeoRef{
		10101: {DistritoID: 10101, CantonID: 101, ProvinciaID: 1, Provincia: "SAN JOSE", Canton: "SAN JOSE", Distrito: "CARMEN"},
	})
	rc.SetProducts([]int{1, 2})
	first := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	rc.SetCustomers(map[int]CustomerRef{
		7: {DistritoID: intPtr(10101), FirstPurchase: &first},
		8: {},
	})
	rc.SetStores([]int{3})

	arena := func(table string, entries map[string]int) {
		a := NewArena()
		for natural, key := range entries {
			a.Seed(natural, key)
		}
		rc.SetArena(table, a)
	}
	arena("dim_estado_venta", map[string]int{"COMPLETADA": 1, "CANCELADA": 2})
	arena("dim_metodo_pago", map[string]int{"TARJETA": 1})
	arena("dim_tipo_evento", map[string]int{"VISTA_PRODUCTO": 1, "COMPRA_COMPLETADA": 2})
	arena("dim_dispositivo", map[string]int{NaturalKey("MOVIL", "IPHONE", "IOS"): 4})
	arena("dim_navegador", map[string]int{"SAFARI": 5})
	arena("dim_sesion", map[string]int{"S-1": 9})
	return rc
}

func testSaleLine() saleLine {
	return saleLine{
		DetalleID:      100,
		VentaID:        50,
		NumeroFactura:  "F-0050",
		ClienteID:      7,
		AlmacenID:      3,
		FechaVenta:     time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC),
		EstadoVenta:    " completada ",
		MetodoPago:     "Tarjeta",
		ProductoID:     1,
		Cantidad:       2,
		PrecioUnitario: dec("10.00"),
		CostoUnitario:  dec("6.00"),
		DescuentoPct:   dec("10"),
		MontoTotal:     dec("20.34"),
	}
}

func TestBuildSaleFact(t *testing.T) {
	rc := testRunContext(t)

	f, warning, gap := buildSaleFact(rc, testSaleLine())
	require.Nil(t, gap)
	assert.Nil(t, warning)
	require.NotNil(t, f)

	assert.Equal(t, 20250115, f.TiempoKey)
	assert.Equal(t, 1, f.EstadoVentaID)
	assert.Equal(t, 1, f.MetodoPagoID)
	require.NotNil(t, f.Geo)
	assert.Equal(t, 1, f.Geo.ProvinciaID)
	assert.Equal(t, "20.00", f.Measures.Subtotal.StringFixed(2))
	assert.Equal(t, "2.00", f.Measures.Discount.StringFixed(2))
	assert.Equal(t, "2.34", f.Measures.Tax.StringFixed(2))
	assert.Equal(t, "20.34", f.Measures.Total.StringFixed(2))
	assert.Equal(t, "8.34", f.Measures.Margin.StringFixed(2))
	assert.True(t, f.PrimeraCompra)
	assert.False(t, f.Cancelada)

	row := f.row()
	assert.Len(t, row, len(salesFacts.Columns))
}

func TestBuildSaleFactFlags(t *testing.T) {
	rc := testRunContext(t)

	l := testSaleLine()
	l.ClienteID = 8
	l.EstadoVenta = "CANCELADA"
	l.FechaVenta = time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)

	f, _, gap := buildSaleFact(rc, l)
	require.Nil(t, gap)
	assert.True(t, f.Cancelada)
	assert.False(t, f.PrimeraCompra)
	assert.Nil(t, f.Geo, "customer without district has no geography")

	row := f.row()
	assert.Nil(t, row[3])
	assert.Nil(t, row[5])
}

func TestBuildSaleFactWarning(t *testing.T) {
	rc := testRunContext(t)

	l := testSaleLine()
	l.MontoTotal = dec("21.00")

	f, warning, gap := buildSaleFact(rc, l)
	require.Nil(t, gap)
	require.NotNil(t, f, "row is still loaded")
	require.NotNil(t, warning)
	assert.Equal(t, "monto_total", warning.Field)
	assert.Equal(t, "21.00", warning.Source)
	assert.Equal(t, "20.34", warning.Computed)

	l.MontoTotal = dec("20.35")
	_, warning, _ = buildSaleFact(rc, l)
	assert.Nil(t, warning, "difference within tolerance")
}

func TestBuildSaleFactGaps(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(l *saleLine)
		dimension string
	}{
		{"date outside calendar", func(l *saleLine) { l.FechaVenta = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC) }, "dim_tiempo"},
		{"unknown product", func(l *saleLine) { l.ProductoID = 99 }, "dim_producto"},
		{"unknown customer", func(l *saleLine) { l.ClienteID = 99 }, "dim_cliente"},
		{"unknown store", func(l *saleLine) { l.AlmacenID = 99 }, "dim_almacen"},
		{"unknown status", func(l *saleLine) { l.EstadoVenta = "PERDIDA" }, "dim_estado_venta"},
		{"unknown payment", func(l *saleLine) { l.MetodoPago = "CRIPTO" }, "dim_metodo_pago"},
	}

	rc := testRunContext(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testSaleLine()
			tt.mutate(&l)
			f, _, gap := buildSaleFact(rc, l)
			assert.Nil(t, f)
			require.NotNil(t, gap)
			assert.Equal(t, tt.dimension, gap.Dimension)
			assert.Equal(t, int64(100), gap.SourceID)
			assert.Equal(t, "detalles_venta", gap.Table)
		})
	}
}

func testWebEvent() webEvent {
	return webEvent{
		EventoID:          500,
		SesionID:          "s-1",
		ClienteID:         intPtr(7),
		ProductoID:        intPtr(2),
		VentaID:           int64Ptr(50),
		TipoEvento:        "compra_completada",
		Fecha:             time.Date(2025, 1, 15, 20, 5, 0, 0, time.UTC),
		NumeroEnSesion:    3,
		TipoDispositivo:   strPtr("Movil"),
		Dispositivo:       strPtr("iPhone"),
		SistemaOperativo:  strPtr("iOS"),
		Navegador:         strPtr("Safari"),
		ClienteReconocido: true,
	}
}

func TestBuildWebFact(t *testing.T) {
	rc := testRunContext(t)

	row, unknown, gap := buildWebFact(rc, testWebEvent(), map[int64]bool{50: true})
	require.Nil(t, gap)
	assert.Empty(t, unknown)
	require.Len(t, row, len(webFacts.Columns))

	col := func(name string) any {
		for i, c := range webFacts.Columns {
			if c == name {
				return row[i]
			}
		}
		t.Fatalf("no column %s", name)
		return nil
	}
	assert.Equal(t, 20250115, col("tiempo_key"))
	assert.Equal(t, 9, col("sesion_key"))
	assert.Equal(t, 2, col("tipo_evento_id"))
	assert.Equal(t, 4, col("dispositivo_id"))
	assert.Equal(t, 5, col("navegador_id"))
	assert.Equal(t, 20, col("hora"))
	assert.Equal(t, "NOCHE", col("periodo_dia"))
	assert.Equal(t, 0, col("tiempo_pagina_segundos"))
	assert.Equal(t, true, col("es_conversion"))
	assert.Equal(t, true, col("genero_venta"))

	row, _, _ = buildWebFact(rc, testWebEvent(), map[int64]bool{})
	assert.Equal(t, false, row[len(row)-1], "sale not in fact_ventas")
}

func TestBuildWebFactUnknownOptional(t *testing.T) {
	rc := testRunContext(t)

	e := testWebEvent()
	e.ClienteID = intPtr(404)
	e.ProductoID = intPtr(405)

	row, unknown, gap := buildWebFact(rc, e, nil)
	require.Nil(t, gap)
	assert.Equal(t, []string{"cliente_id=404", "producto_id=405"}, unknown)
	assert.Nil(t, row[5])
	assert.Nil(t, row[6])
}

func TestBuildWebFactGaps(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(e *webEvent)
		dimension string
	}{
		{"unknown session", func(e *webEvent) { e.SesionID = "S-404" }, "dim_sesion"},
		{"unknown event type", func(e *webEvent) { e.TipoEvento = "SCROLL" }, "dim_tipo_evento"},
		{"unknown device", func(e *webEvent) { e.Dispositivo = strPtr("Pixel") }, "dim_dispositivo"},
		{"unknown browser", func(e *webEvent) { e.Navegador = nil }, "dim_navegador"},
		{"date outside calendar", func(e *webEvent) { e.Fecha = time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC) }, "dim_tiempo"},
	}

	rc := testRunContext(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testWebEvent()
			tt.mutate(&e)
			row, _, gap := buildWebFact(rc, e, nil)
			assert.Nil(t, row)
			require.NotNil(t, gap)
			assert.Equal(t, tt.dimension, gap.Dimension)
			assert.Equal(t, "eventos_web", gap.Table)
		})
	}
}

func TestBuildSearchFact(t *testing.T) {
	rc := testRunContext(t)

	s := searchEvent{
		BusquedaID:       900,
		Termino:          strPtr("  audifonos "),
		Fecha:            time.Date(2025, 1, 10, 3, 0, 0, 0, time.UTC),
		TipoDispositivo:  strPtr("MOVIL"),
		Dispositivo:      strPtr("IPHONE"),
		SistemaOperativo: strPtr("IOS"),
		Navegador:        strPtr("SAFARI"),
	}

	row, unknown, gap := buildSearchFact(rc, s, nil)
	require.Nil(t, gap)
	assert.Empty(t, unknown)
	require.Len(t, row, len(searchFacts.Columns))
	assert.Nil(t, row[1], "search without session")
	assert.Equal(t, "audifonos", row[8])
	assert.Equal(t, "MADRUGADA", row[11])
	assert.Equal(t, 0, row[12])
	assert.Equal(t, true, row[14], "no results")

	s.SesionID = strPtr("s-404")
	s.Resultados = intPtr(12)
	row, unknown, gap = buildSearchFact(rc, s, nil)
	require.Nil(t, gap)
	assert.Equal(t, []string{"sesion_id=s-404"}, unknown)
	assert.Nil(t, row[1])
	assert.Equal(t, false, row[14])

	s.SesionID = strPtr("S-1")
	row, _, _ = buildSearchFact(rc, s, nil)
	assert.Equal(t, 9, row[1])
}
