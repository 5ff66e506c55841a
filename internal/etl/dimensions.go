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
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// text returns the normalized value of a nullable column, or nil.
func text(s *string) any {
	if s == nil {
		return nil
	}
	return Normalize(s)
}

// deactivateMissing flags identity-dimension rows whose source row is
// gone. Rows are never deleted so older facts keep resolving.
func deactivateMissing(ctx context.Context, tx pgx.Tx, table, keyColumn string, present []int) (int64, error) {
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET activo = FALSE WHERE activo AND %s <> ALL($1::int[])", table, keyColumn), present)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate missing %s rows: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// recordGap logs and counts a row excluded for a referential gap.
func recordGap(env *StepEnv, counts *Counts, gap *ReferentialGapError) {
	counts.Errors++
	env.Log.Warn().
		Err(gap).
		Str("source_table", gap.Table).
		Int64("source_id", gap.SourceID).
		Str("dimension", gap.Dimension).
		Msg("Row skipped: unresolved reference")
}

// Geography

var geographyUpsert = upsertSpec{
	Table:    "dim_geografia",
	Columns:  []string{"distrito_id", "canton_id", "provincia_id", "provincia", "canton", "distrito"},
	Conflict: []string{"distrito_id"},
}

func loadGeography(ctx context.Context, env *StepEnv) (Counts, error) {
	rows, err := env.Source.Query(ctx, `
        SELECT d.distrito_id, d.canton_id, d.provincia_id,
               p.nombre_provincia, c.nombre_canton, d.nombre_distrito
        FROM distritos d
        JOIN cantones c ON c.canton_id = d.canton_id
        JOIN provincias p ON p.provincia_id = d.provincia_id
        ORDER BY d.distrito_id`)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to extract distritos: %w", err)
	}

	var batch [][]any
	for rows.Next() {
		var distrito, canton, provincia int
		var nProv, nCanton, nDistrito string
		if err := rows.Scan(&distrito, &canton, &provincia, &nProv, &nCanton, &nDistrito); err != nil {
			rows.Close()
			return Counts{}, fmt.Errorf("failed to scan distrito: %w", err)
		}
		batch = append(batch, []any{
			distrito, canton, provincia, Normalize(&nProv), Normalize(&nCanton), Normalize(&nDistrito),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("failed to extract distritos: %w", err)
	}

	counts := Counts{Extracted: int64(len(batch))}
	if counts.Inserted, counts.Updated, err = stageUpsert(ctx, env.Tx, geographyUpsert, batch); err != nil {
		return counts, err
	}

	geo, err := readGeography(ctx, env.Tx)
	if err != nil {
		return counts, err
	}
	env.Run.SetGeography(geo)
	return counts, nil
}

func readGeography(ctx context.Context, tx pgx.Tx) (map[int]GeoRef, error) {
	rows, err := tx.Query(ctx, `
        SELECT distrito_id, canton_id, provincia_id, provincia, canton, distrito
        FROM dim_geografia`)
	if err != nil {
		return nil, fmt.Errorf("failed to read dim_geografia: %w", err)
	}
	defer rows.Close()

	geo := make(map[int]GeoRef)
	for rows.Next() {
		var g GeoRef
		if err := rows.Scan(&g.DistritoID, &g.CantonID, &g.ProvinciaID, &g.Provincia, &g.Canton, &g.Distrito); err != nil {
			return nil, fmt.Errorf("failed to scan dim_geografia: %w", err)
		}
		geo[g.DistritoID] = g
	}
	return geo, rows.Err()
}

// Products

var productUpsert = upsertSpec{
	Table: "dim_producto",
	Columns: []string{
		"producto_id", "codigo_producto", "nombre_producto", "categoria_id",
		"categoria", "descripcion", "marca", "precio_unitario",
		"costo_unitario", "activo", "fecha_creacion", "fecha_actualizacion",
	},
	Conflict: []string{"producto_id"},
}

func loadProducts(ctx context.Context, env *StepEnv) (Counts, error) {
	rows, err := env.Source.Query(ctx, `
        SELECT p.producto_id, p.codigo_producto, p.nombre_producto,
               p.categoria_id, c.nombre_categoria, p.descripcion, p.marca,
               p.precio_unitario, p.costo_unitario, p.activo,
               p.fecha_creacion, p.fecha_actualizacion
        FROM productos p
        LEFT JOIN categorias c ON c.categoria_id = p.categoria_id
        ORDER BY p.producto_id`)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to extract productos: %w", err)
	}

	var batch [][]any
	var ids []int
	for rows.Next() {
		var (
			id, categoriaID        int
			codigo, nombre         string
			categoria, desc, marca *string
			precio, costo          pgtype.Numeric
			activo                 bool
			creado                 time.Time
			actualizado            *time.Time
		)
		if err := rows.Scan(&id, &codigo, &nombre, &categoriaID, &categoria, &desc, &marca,
			&precio, &costo, &activo, &creado, &actualizado); err != nil {
			rows.Close()
			return Counts{}, fmt.Errorf("failed to scan producto: %w", err)
		}
		ids = append(ids, id)
		batch = append(batch, []any{
			id, Normalize(&codigo), Normalize(&nombre), categoriaID,
			text(categoria), desc, text(marca), precio,
			costo, activo, creado, actualizado,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("failed to extract productos: %w", err)
	}

	counts := Counts{Extracted: int64(len(batch))}
	if counts.Inserted, counts.Updated, err = stageUpsert(ctx, env.Tx, productUpsert, batch); err != nil {
		return counts, err
	}
	if err := deactivate(ctx, env, &counts, "dim_producto", "producto_id", ids); err != nil {
		return counts, err
	}

	keys, err := collectInts(ctx, env.Tx, `SELECT producto_id FROM dim_producto`)
	if err != nil {
		return counts, fmt.Errorf("failed to read dim_producto keys: %w", err)
	}
	env.Run.SetProducts(keys)
	return counts, nil
}

// deactivate wraps deactivateMissing with the empty-extract guard: an
// empty source table more likely means a wrong connection than a store
// that sold off its whole catalog.
func deactivate(ctx context.Context, env *StepEnv, counts *Counts, table, keyColumn string, present []int) error {
	if len(present) == 0 {
		env.Log.Warn().Msg("Source table is empty; skipping deactivation")
		return nil
	}
	n, err := deactivateMissing(ctx, env.Tx, table, keyColumn, present)
	if err != nil {
		return err
	}
	if n > 0 {
		env.Log.Info().Int64("rows", n).Msg("Deactivated rows missing from source")
	}
	counts.Updated += n
	return nil
}

// Customers

var customerUpsert = upsertSpec{
	Table: "dim_cliente",
	Columns: []string{
		"cliente_id", "nombre_cliente", "apellido_cliente", "correo_electronico",
		"telefono", "numero_cedula", "provincia_id", "canton_id", "distrito_id",
		"provincia", "canton", "distrito", "direccion", "fecha_registro",
		"fecha_primer_compra", "fecha_ultimo_compra", "activo",
	},
	Conflict: []string{"cliente_id"},
}

// geoColumns resolves a nullable district reference into the six
// geography columns. A district absent from dim_geografia is a gap.
func geoColumns(rc *RunContext, distrito *int) ([]any, bool) {
	if distrito == nil {
		return []any{nil, nil, nil, nil, nil, nil}, true
	}
	g, ok := rc.Geography(*distrito)
	if !ok {
		return nil, false
	}
	return []any{g.ProvinciaID, g.CantonID, g.DistritoID, g.Provincia, g.Canton, g.Distrito}, true
}

func loadCustomers(ctx context.Context, env *StepEnv) (Counts, error) {
	if !env.Run.GeographyLoaded() {
		return Counts{}, fmt.Errorf("dim_geografia lookup not published")
	}

	rows, err := env.Source.Query(ctx, `
        SELECT cliente_id, nombre_cliente, apellido_cliente, correo_electronico,
               telefono, numero_cedula, distrito_id, direccion, fecha_creacion,
               fecha_primer_compra, fecha_ultimo_compra, activo
        FROM clientes
        ORDER BY cliente_id`)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to extract clientes: %w", err)
	}

	var counts Counts
	var batch [][]any
	var ids []int
	for rows.Next() {
		var (
			id               int
			nombre, apellido string
			correo           string
			telefono, cedula *string
			distrito         *int
			direccion        *string
			creado           time.Time
			primera, ultima  *time.Time
			activo           bool
		)
		if err := rows.Scan(&id, &nombre, &apellido, &correo, &telefono, &cedula,
			&distrito, &direccion, &creado, &primera, &ultima, &activo); err != nil {
			rows.Close()
			return counts, fmt.Errorf("failed to scan cliente: %w", err)
		}
		counts.Extracted++
		ids = append(ids, id)

		geo, ok := geoColumns(env.Run, distrito)
		if !ok {
			recordGap(env, &counts, &ReferentialGapError{
				Table: "clientes", SourceID: int64(id),
				Dimension: "dim_geografia", Value: strconv.Itoa(*distrito),
			})
			continue
		}

		row := []any{id, Normalize(&nombre), Normalize(&apellido), Normalize(&correo), telefono, cedula}
		row = append(row, geo...)
		row = append(row, direccion, creado, primera, ultima, activo)
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("failed to extract clientes: %w", err)
	}

	if counts.Inserted, counts.Updated, err = stageUpsert(ctx, env.Tx, customerUpsert, batch); err != nil {
		return counts, err
	}
	if err := deactivate(ctx, env, &counts, "dim_cliente", "cliente_id", ids); err != nil {
		return counts, err
	}

	customers, err := readCustomers(ctx, env.Tx)
	if err != nil {
		return counts, err
	}
	env.Run.SetCustomers(customers)
	return counts, nil
}

func readCustomers(ctx context.Context, tx pgx.Tx) (map[int]CustomerRef, error) {
	rows, err := tx.Query(ctx, `SELECT cliente_id, distrito_id, fecha_primer_compra FROM dim_cliente`)
	if err != nil {
		return nil, fmt.Errorf("failed to read dim_cliente: %w", err)
	}
	defer rows.Close()

	customers := make(map[int]CustomerRef)
	for rows.Next() {
		var id int
		var ref CustomerRef
		if err := rows.Scan(&id, &ref.DistritoID, &ref.FirstPurchase); err != nil {
			return nil, fmt.Errorf("failed to scan dim_cliente: %w", err)
		}
		customers[id] = ref
	}
	return customers, rows.Err()
}

// Stores

var storeUpsert = upsertSpec{
	Table: "dim_almacen",
	Columns: []string{
		"almacen_id", "codigo_almacen", "nombre_almacen", "tipo_almacen",
		"responsable", "provincia_id", "canton_id", "distrito_id",
		"direccion", "telefono", "correo", "latitud", "longitud",
		"activo", "fecha_apertura",
	},
	Conflict: []string{"almacen_id"},
}

func loadStores(ctx context.Context, env *StepEnv) (Counts, error) {
	if !env.Run.GeographyLoaded() {
		return Counts{}, fmt.Errorf("dim_geografia lookup not published")
	}

	rows, err := env.Source.Query(ctx, `
        SELECT almacen_id, codigo_almacen, nombre_almacen, tipo_almacen,
               responsable_almacen, distrito_id, direccion, telefono,
               correo_electronico, latitud, longitud, activo, fecha_apertura
        FROM almacenes
        ORDER BY almacen_id`)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to extract almacenes: %w", err)
	}

	var counts Counts
	var batch [][]any
	var ids []int
	for rows.Next() {
		var (
			id                        int
			codigo, nombre            string
			tipo, responsable         *string
			distrito                  *int
			direccion, telefono, mail *string
			lat, lon                  pgtype.Numeric
			activo                    bool
			apertura                  *time.Time
		)
		if err := rows.Scan(&id, &codigo, &nombre, &tipo, &responsable, &distrito,
			&direccion, &telefono, &mail, &lat, &lon, &activo, &apertura); err != nil {
			rows.Close()
			return counts, fmt.Errorf("failed to scan almacen: %w", err)
		}
		counts.Extracted++
		ids = append(ids, id)

		geo, ok := geoColumns(env.Run, distrito)
		if !ok {
			recordGap(env, &counts, &ReferentialGapError{
				Table: "almacenes", SourceID: int64(id),
				Dimension: "dim_geografia", Value: strconv.Itoa(*distrito),
			})
			continue
		}

		row := []any{id, Normalize(&codigo), Normalize(&nombre), text(tipo), text(responsable)}
		row = append(row, geo[:3]...)
		row = append(row, direccion, telefono, mail, lat, lon, activo, apertura)
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("failed to extract almacenes: %w", err)
	}

	if counts.Inserted, counts.Updated, err = stageUpsert(ctx, env.Tx, storeUpsert, batch); err != nil {
		return counts, err
	}
	if err := deactivate(ctx, env, &counts, "dim_almacen", "almacen_id", ids); err != nil {
		return counts, err
	}

	keys, err := collectInts(ctx, env.Tx, `SELECT almacen_id FROM dim_almacen`)
	if err != nil {
		return counts, fmt.Errorf("failed to read dim_almacen keys: %w", err)
	}
	env.Run.SetStores(keys)
	return counts, nil
}
