//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package datagen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pgEdge/pgedge-dwload/internal/db"
	"github.com/pgEdge/pgedge-dwload/internal/etl"
	"github.com/pgEdge/pgedge-dwload/internal/logging"
	"github.com/pgEdge/pgedge-dwload/internal/schema"
)

// Options size the generated dataset.
type Options struct {
	Customers int
	Products  int
	Stores    int
	Sales     int
	Sessions  int

	// Sales and web activity fall in [Start, End].
	Start time.Time
	End   time.Time

	// Seed makes generation reproducible when non-zero.
	Seed uint64

	// AnomalyRate is the fraction of sale lines stored with a wrong
	// total and of web events pointing at an unknown customer.
	AnomalyRate float64

	// BatchSize is the number of rows per COPY.
	BatchSize int

	// Reset truncates the operational tables first.
	Reset bool
}

// DefaultOptions returns a small dataset over the last 90 days.
func DefaultOptions() Options {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	return Options{
		Customers: 500,
		Products:  200,
		Stores:    6,
		Sales:     2000,
		Sessions:  3000,
		Start:     end.AddDate(0, 0, -90),
		End:       end,
		BatchSize: 1000,
	}
}

type canton struct {
	name      string
	districts []string
}

type province struct {
	name    string
	cantons []canton
}

// Reference data
var provinces = []province{
	{"San José", []canton{
		{"San José", []string{"Carmen", "Merced", "Hospital"}},
		{"Escazú", []string{"Escazú", "San Antonio"}},
		{"Desamparados", []string{"Desamparados", "San Miguel"}},
	}},
	{"Alajuela", []canton{
		{"Alajuela", []string{"Alajuela", "San José"}},
		{"San Ramón", []string{"San Ramón", "Santiago"}},
	}},
	{"Cartago", []canton{
		{"Cartago", []string{"Oriental", "Occidental"}},
		{"Paraíso", []string{"Paraíso", "Orosi"}},
	}},
	{"Heredia", []canton{
		{"Heredia", []string{"Heredia", "Mercedes"}},
		{"Barva", []string{"Barva", "San Pedro"}},
	}},
	{"Guanacaste", []canton{
		{"Liberia", []string{"Liberia", "Cañas Dulces"}},
		{"Nicoya", []string{"Nicoya", "Mansión"}},
	}},
	{"Puntarenas", []canton{
		{"Puntarenas", []string{"Puntarenas", "Chacarita"}},
		{"Osa", []string{"Puerto Cortés", "Palmar"}},
	}},
	{"Limón", []canton{
		{"Limón", []string{"Limón", "Valle La Estrella"}},
		{"Pococí", []string{"Guápiles", "Jiménez"}},
	}},
}

var categories = []string{"Electrónica", "Hogar", "Ropa", "Deportes", "Juguetes", "Libros", "Alimentos", "Salud"}
var storeTypes = []string{"Tienda", "Bodega", "Kiosco"}
var saleStatuses = []string{"Completada", "Pendiente", "Cancelada", "Anulada"}
var saleStatusWeights = []int{85, 5, 7, 3}
var paymentMethods = []string{"Tarjeta Crédito", "Tarjeta Débito", "SINPE Móvil", "Efectivo", "Transferencia", "PayPal"}
var discounts = []int64{0, 0, 0, 5, 10, 15}

type device struct {
	kind, model, os string
	browsers        []string
}

var devices = []device{
	{"Móvil", "iPhone", "iOS", []string{"Safari", "Chrome Mobile"}},
	{"Móvil", "Galaxy S23", "Android", []string{"Chrome Mobile", "Samsung Internet"}},
	{"Escritorio", "PC", "Windows", []string{"Chrome", "Edge", "Firefox"}},
	{"Escritorio", "MacBook", "macOS", []string{"Safari", "Chrome"}},
	{"Tablet", "iPad", "iPadOS", []string{"Safari"}},
}

// funnel is the event sequence a session walks; a session stops at a
// random depth.
var funnel = []string{"Vista_Pagina", "Vista_Producto", "Agregar_Carrito", "Inicio_Pago", "Compra_Completada"}
var funnelWeights = []int{40, 30, 15, 8, 7}

// Table holds the generated rows of one operational table.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]any
}

// Dataset is a generated operational dataset in insert order.
type Dataset struct {
	Tables []*Table
}

// Table returns the named table, or nil.
func (d *Dataset) Table(name string) *Table {
	for _, t := range d.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (d *Dataset) add(name string, columns ...string) *Table {
	t := &Table{Name: name, Columns: columns}
	d.Tables = append(d.Tables, t)
	return t
}

type geo struct {
	provincia, canton, distrito int
}

type product struct {
	price, cost decimal.Decimal
}

// Seeder generates and writes the operational dataset.
type Seeder struct {
	faker *Faker
	opts  Options
}

// NewSeeder creates a seeder.
func NewSeeder(opts Options) *Seeder {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1000
	}
	f := NewFaker()
	if opts.Seed != 0 {
		f = NewFakerWithSeed(opts.Seed)
	}
	return &Seeder{faker: f, opts: opts}
}

// Generate builds the dataset in memory.
func (s *Seeder) Generate() *Dataset {
	d := &Dataset{}
	districts := s.geography(d)
	s.categories(d)
	products := s.products(d)
	s.customers(d, districts)
	s.stores(d, districts)
	s.sales(d, products)
	s.webActivity(d)
	return d
}

func (s *Seeder) geography(d *Dataset) []geo {
	provs := d.add("provincias", "provincia_id", "nombre_provincia")
	cants := d.add("cantones", "canton_id", "provincia_id", "nombre_canton")
	dists := d.add("distritos", "distrito_id", "canton_id", "provincia_id", "nombre_distrito")

	var all []geo
	for p, prov := range provinces {
		provID := p + 1
		provs.Rows = append(provs.Rows, []any{provID, prov.name})
		for c, cant := range prov.cantons {
			cantID := provID*100 + c + 1
			cants.Rows = append(cants.Rows, []any{cantID, provID, cant.name})
			for i, name := range cant.districts {
				distID := cantID*100 + i + 1
				dists.Rows = append(dists.Rows, []any{distID, cantID, provID, name})
				all = append(all, geo{provID, cantID, distID})
			}
		}
	}
	return all
}

func (s *Seeder) categories(d *Dataset) {
	t := d.add("categorias", "categoria_id", "nombre_categoria")
	for i, name := range categories {
		t.Rows = append(t.Rows, []any{i + 1, name})
	}
}

func (s *Seeder) products(d *Dataset) []product {
	t := d.add("productos", "producto_id", "codigo_producto", "nombre_producto", "categoria_id",
		"descripcion", "marca", "precio_unitario", "costo_unitario", "activo",
		"fecha_creacion", "fecha_actualizacion")

	f := s.faker
	products := make([]product, s.opts.Products)
	for i := range products {
		price := f.Price(1000, 250000)
		cost := price.Mul(decimal.NewFromFloat(f.Float64(0.5, 0.8))).Round(2)
		products[i] = product{price: price, cost: cost}

		created := f.DateRange(s.opts.Start.AddDate(-2, 0, 0), s.opts.Start)
		var updated *time.Time
		if f.Chance(0.3) {
			u := f.DateRange(created, s.opts.Start)
			updated = &u
		}
		t.Rows = append(t.Rows, []any{
			i + 1,
			fmt.Sprintf("PRD-%05d", i+1),
			Truncate(f.ProductName(), 200),
			f.Int(1, len(categories)),
			f.ProductDescription(),
			Truncate(f.Company(), 100),
			db.Numeric(price),
			db.Numeric(cost),
			!f.Chance(0.05),
			created,
			updated,
		})
	}
	return products
}

func (s *Seeder) customers(d *Dataset, districts []geo) {
	t := d.add("clientes", "cliente_id", "nombre_cliente", "apellido_cliente",
		"correo_electronico", "telefono", "numero_cedula", "provincia_id",
		"canton_id", "distrito_id", "direccion", "fecha_creacion", "activo")

	f := s.faker
	for i := 1; i <= s.opts.Customers; i++ {
		first, last := f.FirstName(), f.LastName()
		var provID, cantID, distID any
		if !f.Chance(0.1) {
			g := Choose(f, districts)
			provID, cantID, distID = g.provincia, g.canton, g.distrito
		}
		email := strings.ToLower(strings.ReplaceAll(f.Email(first, last, i), " ", ""))
		t.Rows = append(t.Rows, []any{
			i, first, last, Truncate(email, 200), f.Phone(), f.Cedula(),
			provID, cantID, distID, f.Street(),
			f.DateRange(s.opts.Start.AddDate(-3, 0, 0), s.opts.Start),
			!f.Chance(0.03),
		})
	}
}

func (s *Seeder) stores(d *Dataset, districts []geo) {
	t := d.add("almacenes", "almacen_id", "codigo_almacen", "nombre_almacen", "tipo_almacen",
		"responsable_almacen", "provincia_id", "canton_id", "distrito_id", "direccion",
		"telefono", "correo_electronico", "latitud", "longitud", "activo", "fecha_apertura")

	f := s.faker
	for i := 1; i <= s.opts.Stores; i++ {
		g := Choose(f, districts)
		kind := Choose(f, storeTypes)
		t.Rows = append(t.Rows, []any{
			i,
			fmt.Sprintf("ALM-%03d", i),
			Truncate(fmt.Sprintf("%s %s", kind, f.Company()), 120),
			kind,
			f.FirstName() + " " + f.LastName(),
			g.provincia, g.canton, g.distrito,
			f.Street(),
			f.Phone(),
			fmt.Sprintf("almacen%d@example.com", i),
			db.Numeric(decimal.NewFromFloat(f.Float64(8.0, 11.2)).Round(6)),
			db.Numeric(decimal.NewFromFloat(f.Float64(-85.9, -82.5)).Round(6)),
			true,
			f.DateRange(s.opts.Start.AddDate(-10, 0, 0), s.opts.Start),
		})
	}
}

// endOfRange is the last instant of the End day.
func (s *Seeder) endOfRange() time.Time {
	return s.opts.End.AddDate(0, 0, 1).Add(-time.Second)
}

func (s *Seeder) sales(d *Dataset, products []product) {
	sales := d.add("ventas", "venta_id", "numero_factura", "cliente_id", "almacen_id",
		"fecha_venta", "estado_venta", "metodo_pago")
	lines := d.add("detalles_venta", "detalle_venta_id", "venta_id", "producto_id", "cantidad",
		"precio_unitario", "costo_unitario", "descuento_porcentaje", "descuento_monto",
		"subtotal", "impuesto_porcentaje", "impuesto", "monto_total", "margen")

	f := s.faker
	defaultTax := decimal.NewFromInt(13)
	lineID := 0
	for i := 1; i <= s.opts.Sales; i++ {
		sales.Rows = append(sales.Rows, []any{
			i,
			fmt.Sprintf("FAC-%08d", i),
			f.Int(1, s.opts.Customers),
			f.Int(1, s.opts.Stores),
			f.DateRange(s.opts.Start, s.endOfRange()),
			ChooseWeighted(f, saleStatuses, saleStatusWeights),
			Choose(f, paymentMethods),
		})

		for range f.Int(1, 4) {
			lineID++
			pid := f.Int(1, len(products))
			p := products[pid-1]

			in := etl.LineInput{
				Quantity:    int64(f.Int(1, 5)),
				UnitPrice:   p.price,
				UnitCost:    p.cost,
				DiscountPct: decimal.NewFromInt(Choose(f, discounts)),
			}
			var taxPct any
			switch {
			case f.Chance(0.1):
				// no rate stored: the loader applies the default
			case f.Chance(0.05):
				zero := decimal.Zero
				in.TaxPct = &zero
				taxPct = db.Numeric(zero)
			default:
				in.TaxPct = &defaultTax
				taxPct = db.Numeric(defaultTax)
			}

			m := etl.ComputeMeasures(in, defaultTax)
			total := m.Total
			if f.Chance(s.opts.AnomalyRate) {
				total = total.Add(f.Price(1, 50))
			}
			lines.Rows = append(lines.Rows, []any{
				lineID, i, pid, in.Quantity,
				db.Numeric(in.UnitPrice), db.Numeric(in.UnitCost), db.Numeric(in.DiscountPct),
				db.Numeric(m.Discount), db.Numeric(m.Subtotal), taxPct, db.Numeric(m.Tax),
				db.Numeric(total), db.Numeric(total.Sub(m.Cost)),
			})
		}
	}
}

func (s *Seeder) webActivity(d *Dataset) {
	events := d.add("eventos_web", "evento_id", "sesion_id", "cliente_id", "producto_id",
		"venta_id", "tipo_evento", "fecha_hora_evento", "numero_evento_en_sesion",
		"tiempo_pagina_segundos", "tipo_dispositivo", "dispositivo", "sistema_operativo",
		"navegador", "cliente_reconocido")
	searches := d.add("busquedas_web", "busqueda_id", "sesion_id", "cliente_id",
		"producto_visualizado_id", "venta_id", "termino_busqueda", "fecha_hora_busqueda",
		"cantidad_resultados", "tipo_dispositivo", "dispositivo", "sistema_operativo",
		"navegador", "cliente_reconocido")

	f := s.faker
	eventID, searchID := 0, 0
	for range s.opts.Sessions {
		sessionID := f.UUID()
		var customer any
		if f.Chance(0.6) {
			customer = f.Int(1, s.opts.Customers)
		}
		dev := Choose(f, devices)
		browser := Choose(f, dev.browsers)
		at := f.DateRange(s.opts.Start, s.endOfRange().Add(-time.Hour))

		depth := 1 + indexOf(funnel, ChooseWeighted(f, funnel, funnelWeights))
		for n := 1; n <= depth+f.Int(0, 3); n++ {
			eventID++
			kind := funnel[min(n-1, depth-1)]

			var productID, saleID, pageTime any
			if kind != funnel[0] {
				productID = f.Int(1, s.opts.Products)
			}
			if kind == funnel[len(funnel)-1] && s.opts.Sales > 0 {
				saleID = f.Int(1, s.opts.Sales)
			}
			if !f.Chance(0.1) {
				pageTime = f.Int(5, 600)
			}
			eventCustomer := customer
			if f.Chance(s.opts.AnomalyRate) {
				eventCustomer = s.opts.Customers + f.Int(1, 1000)
			}
			events.Rows = append(events.Rows, []any{
				eventID, sessionID, eventCustomer, productID, saleID, kind, at, n,
				pageTime, dev.kind, dev.model, dev.os, browser, customer != nil,
			})
			at = at.Add(time.Duration(f.Int(10, 300)) * time.Second)
		}

		for range f.Int(0, 2) {
			searchID++
			searches.Rows = append(searches.Rows, s.search(searchID, sessionID, customer, dev, browser,
				f.DateRange(s.opts.Start, s.endOfRange())))
		}
	}

	// Searches outside any session.
	for range s.opts.Sessions / 10 {
		searchID++
		dev := Choose(f, devices)
		searches.Rows = append(searches.Rows, s.search(searchID, nil, nil, dev, Choose(f, dev.browsers),
			f.DateRange(s.opts.Start, s.endOfRange())))
	}
}

func (s *Seeder) search(id int, sessionID, customer any, dev device, browser string, at time.Time) []any {
	f := s.faker
	var results, viewed any
	switch {
	case f.Chance(0.05):
	case f.Chance(0.15):
		results = 0
	default:
		results = f.Int(1, 40)
		if f.Chance(0.5) {
			viewed = f.Int(1, s.opts.Products)
		}
	}
	return []any{
		id, sessionID, customer, viewed, nil, strings.ToLower(f.Word()), at,
		results, dev.kind, dev.model, dev.os, browser, customer != nil,
	}
}

func indexOf(items []string, item string) int {
	for i, it := range items {
		if it == item {
			return i
		}
	}
	return -1
}

// serialColumns are the SERIAL keys whose sequences follow explicit ids.
var serialColumns = map[string]string{
	"categorias":     "categoria_id",
	"productos":      "producto_id",
	"clientes":       "cliente_id",
	"almacenes":      "almacen_id",
	"ventas":         "venta_id",
	"detalles_venta": "detalle_venta_id",
	"eventos_web":    "evento_id",
	"busquedas_web":  "busqueda_id",
}

// Seed generates the dataset and writes it in one transaction. It
// returns the rows written per table.
func (s *Seeder) Seed(ctx context.Context, conn db.DB) (map[string]int64, error) {
	logging.Info().
		Int("customers", s.opts.Customers).
		Int("products", s.opts.Products).
		Int("sales", s.opts.Sales).
		Int("sessions", s.opts.Sessions).
		Str("from", s.opts.Start.Format(time.DateOnly)).
		Str("to", s.opts.End.Format(time.DateOnly)).
		Msg("Generating operational data")

	data := s.Generate()
	written := make(map[string]int64, len(data.Tables))

	err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if s.opts.Reset {
			_, err := tx.Exec(ctx, "TRUNCATE "+strings.Join(schema.SourceTables, ", ")+" RESTART IDENTITY CASCADE")
			if err != nil {
				return fmt.Errorf("failed to reset source tables: %w", err)
			}
		} else {
			var existing int64
			if err := tx.QueryRow(ctx, "SELECT count(*) FROM provincias").Scan(&existing); err != nil {
				return fmt.Errorf("failed to inspect source: %w", err)
			}
			if existing > 0 {
				return fmt.Errorf("source already holds data; seed with --reset to replace it")
			}
		}

		for _, t := range data.Tables {
			n, err := s.copyTable(ctx, tx, t)
			if err != nil {
				return err
			}
			written[t.Name] = n
		}

		for table, column := range serialColumns {
			_, err := tx.Exec(ctx, fmt.Sprintf(
				"SELECT setval(pg_get_serial_sequence('%[1]s', '%[2]s'), GREATEST(MAX(%[2]s), 1)) FROM %[1]s",
				table, column))
			if err != nil {
				return fmt.Errorf("failed to advance %s sequence: %w", table, err)
			}
		}

		_, err := tx.Exec(ctx, `
            UPDATE clientes c
            SET fecha_primer_compra = s.primera::date,
                fecha_ultimo_compra = s.ultima::date
            FROM (
                SELECT cliente_id, MIN(fecha_venta) AS primera, MAX(fecha_venta) AS ultima
                FROM ventas
                WHERE estado_venta NOT IN ('Cancelada', 'Anulada')
                GROUP BY cliente_id
            ) s
            WHERE s.cliente_id = c.cliente_id`)
		if err != nil {
			return fmt.Errorf("failed to set purchase dates: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

func (s *Seeder) copyTable(ctx context.Context, tx pgx.Tx, t *Table) (int64, error) {
	progress := logging.NewProgressReporter(logging.Logger, t.Name, int64(len(t.Rows)), int64(s.opts.BatchSize)*10)
	for start := 0; start < len(t.Rows); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(t.Rows))
		n, err := tx.CopyFrom(ctx, pgx.Identifier{t.Name}, t.Columns, pgx.CopyFromRows(t.Rows[start:end]))
		if err != nil {
			return progress.Rows(), fmt.Errorf("failed to copy into %s: %w", t.Name, err)
		}
		progress.Update(n)
	}
	progress.Done()
	return progress.Rows(), nil
}
