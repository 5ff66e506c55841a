//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package schema

import (
	"context"
	"fmt"

	"github.com/pgEdge/pgedge-dwload/internal/db"
)

// Run log states.
const (
	StatusStarted         = "INICIADO"
	StatusCompleted       = "COMPLETADO"
	StatusError           = "ERROR"
	StatusCompletedErrors = "COMPLETADO_CON_ERRORES"
)

// createWarehouseSQL creates the star schema, the run log and the loader
// metadata table.
const createWarehouseSQL = `
-- Time dimension: one row per day, key YYYYMMDD
CREATE TABLE IF NOT EXISTS dim_tiempo (
    id_fecha            INTEGER PRIMARY KEY,
    fecha_cal           DATE NOT NULL UNIQUE,
    dia_cal             INTEGER NOT NULL,
    dia_sem_num         INTEGER NOT NULL,
    dia_sem_abrv        VARCHAR(3) NOT NULL,
    dia_sem_nombre      VARCHAR(10) NOT NULL,
    mes_cal             INTEGER NOT NULL,
    mes_nombre          VARCHAR(10) NOT NULL,
    mes_cal_abrv        VARCHAR(3) NOT NULL,
    mes_cal_fecha_inic  DATE NOT NULL,
    mes_cal_fecha_fin   DATE NOT NULL,
    anio_cal            INTEGER NOT NULL,
    anio_cal_fecha_inic DATE NOT NULL,
    anio_cal_fecha_fin  DATE NOT NULL,
    anio_mes_cal_num    INTEGER NOT NULL,
    anio_mes_cal_descr  VARCHAR(20) NOT NULL,
    trimestre           INTEGER NOT NULL,
    sem_cal_num         INTEGER NOT NULL,
    fecha_inic_sem      DATE NOT NULL,
    fecha_fin_sem       DATE NOT NULL,
    quincena            INTEGER NOT NULL,
    es_fin_semana       BOOLEAN NOT NULL,
    es_feriado          BOOLEAN NOT NULL DEFAULT FALSE,
    nombre_feriado      VARCHAR(100)
);

-- Identity-carried dimensions: key is the operational primary key
CREATE TABLE IF NOT EXISTS dim_geografia (
    distrito_id  INTEGER PRIMARY KEY,
    canton_id    INTEGER NOT NULL,
    provincia_id INTEGER NOT NULL,
    provincia    VARCHAR(50) NOT NULL,
    canton       VARCHAR(80) NOT NULL,
    distrito     VARCHAR(80) NOT NULL
);

CREATE TABLE IF NOT EXISTS dim_producto (
    producto_id         INTEGER PRIMARY KEY,
    codigo_producto     VARCHAR(30) NOT NULL,
    nombre_producto     VARCHAR(200) NOT NULL,
    categoria_id        INTEGER,
    categoria           VARCHAR(100),
    descripcion         TEXT,
    marca               VARCHAR(100),
    precio_unitario     NUMERIC(12,2),
    costo_unitario      NUMERIC(12,2),
    activo              BOOLEAN NOT NULL DEFAULT TRUE,
    fecha_creacion      TIMESTAMP,
    fecha_actualizacion TIMESTAMP
);

CREATE TABLE IF NOT EXISTS dim_cliente (
    cliente_id          INTEGER PRIMARY KEY,
    nombre_cliente      VARCHAR(80) NOT NULL,
    apellido_cliente    VARCHAR(80) NOT NULL,
    correo_electronico  VARCHAR(200),
    telefono            VARCHAR(30),
    numero_cedula       VARCHAR(20),
    provincia_id        INTEGER,
    canton_id           INTEGER,
    distrito_id         INTEGER REFERENCES dim_geografia(distrito_id),
    provincia           VARCHAR(50),
    canton              VARCHAR(80),
    distrito            VARCHAR(80),
    direccion           TEXT,
    fecha_registro      TIMESTAMP,
    fecha_primer_compra DATE,
    fecha_ultimo_compra DATE,
    activo              BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS dim_almacen (
    almacen_id     INTEGER PRIMARY KEY,
    codigo_almacen VARCHAR(20) NOT NULL,
    nombre_almacen VARCHAR(120) NOT NULL,
    tipo_almacen   VARCHAR(40),
    responsable    VARCHAR(120),
    provincia_id   INTEGER,
    canton_id      INTEGER,
    distrito_id    INTEGER REFERENCES dim_geografia(distrito_id),
    direccion      TEXT,
    telefono       VARCHAR(30),
    correo         VARCHAR(200),
    latitud        NUMERIC(9,6),
    longitud       NUMERIC(9,6),
    activo         BOOLEAN NOT NULL DEFAULT TRUE,
    fecha_apertura DATE
);

-- Discovered dimensions: key assigned on first sight, natural tuple unique
CREATE TABLE IF NOT EXISTS dim_dispositivo (
    dispositivo_id    INTEGER PRIMARY KEY,
    tipo_dispositivo  VARCHAR(30) NOT NULL,
    dispositivo       VARCHAR(60) NOT NULL,
    sistema_operativo VARCHAR(40) NOT NULL,
    UNIQUE (tipo_dispositivo, dispositivo, sistema_operativo)
);

CREATE TABLE IF NOT EXISTS dim_navegador (
    navegador_id   INTEGER PRIMARY KEY,
    navegador      VARCHAR(40) NOT NULL UNIQUE,
    tipo_navegador VARCHAR(20) NOT NULL
);

CREATE TABLE IF NOT EXISTS dim_tipo_evento (
    tipo_evento_id   INTEGER PRIMARY KEY,
    tipo_evento      VARCHAR(50) NOT NULL UNIQUE,
    categoria_evento VARCHAR(20) NOT NULL,
    descripcion      VARCHAR(200),
    es_conversion    BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS dim_estado_venta (
    estado_venta_id INTEGER PRIMARY KEY,
    estado_venta    VARCHAR(30) NOT NULL UNIQUE,
    descripcion     VARCHAR(200),
    es_exitosa      BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS dim_metodo_pago (
    metodo_pago_id INTEGER PRIMARY KEY,
    metodo_pago    VARCHAR(40) NOT NULL UNIQUE,
    descripcion    VARCHAR(200),
    tipo_pago      VARCHAR(20) NOT NULL
);

CREATE TABLE IF NOT EXISTS dim_sesion (
    sesion_key    INTEGER PRIMARY KEY,
    sesion_id     VARCHAR(64) NOT NULL UNIQUE,
    cliente_id    INTEGER REFERENCES dim_cliente(cliente_id),
    fecha_inicio  TIMESTAMP,
    fecha_fin     TIMESTAMP,
    total_eventos INTEGER NOT NULL DEFAULT 0
);

-- Facts
CREATE TABLE IF NOT EXISTS fact_ventas (
    venta_key            BIGSERIAL PRIMARY KEY,
    tiempo_key           INTEGER NOT NULL REFERENCES dim_tiempo(id_fecha),
    producto_id          INTEGER NOT NULL REFERENCES dim_producto(producto_id),
    cliente_id           INTEGER NOT NULL REFERENCES dim_cliente(cliente_id),
    provincia_id         INTEGER,
    canton_id            INTEGER,
    distrito_id          INTEGER REFERENCES dim_geografia(distrito_id),
    almacen_id           INTEGER NOT NULL REFERENCES dim_almacen(almacen_id),
    estado_venta_id      INTEGER NOT NULL REFERENCES dim_estado_venta(estado_venta_id),
    metodo_pago_id       INTEGER NOT NULL REFERENCES dim_metodo_pago(metodo_pago_id),
    venta_id             INTEGER NOT NULL,
    numero_factura       VARCHAR(30),
    detalle_venta_id     INTEGER NOT NULL UNIQUE,
    fecha_venta          TIMESTAMP NOT NULL,
    cantidad             INTEGER NOT NULL,
    precio_unitario      NUMERIC(12,2) NOT NULL,
    costo_unitario       NUMERIC(12,2) NOT NULL,
    descuento_porcentaje NUMERIC(5,2) NOT NULL,
    impuesto_porcentaje  NUMERIC(5,2) NOT NULL,
    subtotal             NUMERIC(12,2) NOT NULL,
    descuento_monto      NUMERIC(12,2) NOT NULL,
    impuesto             NUMERIC(12,2) NOT NULL,
    monto_total          NUMERIC(12,2) NOT NULL,
    costo_total          NUMERIC(12,2) NOT NULL,
    margen               NUMERIC(12,2) NOT NULL,
    es_primera_compra    BOOLEAN NOT NULL,
    venta_cancelada      BOOLEAN NOT NULL,
    fecha_carga          TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS fact_comportamiento_web (
    comportamiento_key     BIGSERIAL PRIMARY KEY,
    tiempo_key             INTEGER NOT NULL REFERENCES dim_tiempo(id_fecha),
    sesion_key             INTEGER NOT NULL REFERENCES dim_sesion(sesion_key),
    tipo_evento_id         INTEGER NOT NULL REFERENCES dim_tipo_evento(tipo_evento_id),
    dispositivo_id         INTEGER NOT NULL REFERENCES dim_dispositivo(dispositivo_id),
    navegador_id           INTEGER NOT NULL REFERENCES dim_navegador(navegador_id),
    cliente_id             INTEGER REFERENCES dim_cliente(cliente_id),
    producto_id            INTEGER REFERENCES dim_producto(producto_id),
    evento_id              BIGINT NOT NULL UNIQUE,
    venta_id               INTEGER,
    fecha_hora_evento      TIMESTAMP NOT NULL,
    hora                   INTEGER NOT NULL,
    periodo_dia            VARCHAR(10) NOT NULL,
    numero_evento_sesion   INTEGER NOT NULL,
    tiempo_pagina_segundos INTEGER NOT NULL,
    eventos_sesion         INTEGER NOT NULL DEFAULT 1,
    cliente_reconocido     BOOLEAN NOT NULL,
    es_conversion          BOOLEAN NOT NULL,
    genero_venta           BOOLEAN NOT NULL,
    fecha_carga            TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS fact_busquedas (
    busqueda_key        BIGSERIAL PRIMARY KEY,
    tiempo_key          INTEGER NOT NULL REFERENCES dim_tiempo(id_fecha),
    sesion_key          INTEGER REFERENCES dim_sesion(sesion_key),
    dispositivo_id      INTEGER NOT NULL REFERENCES dim_dispositivo(dispositivo_id),
    navegador_id        INTEGER NOT NULL REFERENCES dim_navegador(navegador_id),
    cliente_id          INTEGER REFERENCES dim_cliente(cliente_id),
    producto_id         INTEGER REFERENCES dim_producto(producto_id),
    busqueda_id         BIGINT NOT NULL UNIQUE,
    venta_id            INTEGER,
    termino_busqueda    VARCHAR(200),
    fecha_hora_busqueda TIMESTAMP NOT NULL,
    hora                INTEGER NOT NULL,
    periodo_dia         VARCHAR(10) NOT NULL,
    cantidad_resultados INTEGER NOT NULL,
    total_busquedas     INTEGER NOT NULL DEFAULT 1,
    sin_resultados      BOOLEAN NOT NULL,
    cliente_reconocido  BOOLEAN NOT NULL,
    genero_venta        BOOLEAN NOT NULL,
    fecha_carga         TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_fact_ventas_tiempo ON fact_ventas(tiempo_key);
CREATE INDEX IF NOT EXISTS idx_fact_ventas_venta ON fact_ventas(venta_id);
CREATE INDEX IF NOT EXISTS idx_fact_web_tiempo ON fact_comportamiento_web(tiempo_key);
CREATE INDEX IF NOT EXISTS idx_fact_busquedas_tiempo ON fact_busquedas(tiempo_key);

-- Run log: one row per step invocation plus one per run
CREATE TABLE IF NOT EXISTS etl_logs (
    log_id                 BIGSERIAL PRIMARY KEY,
    run_id                 UUID,
    proceso_nombre         VARCHAR(100) NOT NULL,
    tabla_destino          VARCHAR(100) NOT NULL,
    fecha_inicio           TIMESTAMP NOT NULL,
    fecha_fin              TIMESTAMP,
    duracion_segundos      NUMERIC(12,3),
    registros_extraidos    BIGINT NOT NULL DEFAULT 0,
    registros_insertados   BIGINT NOT NULL DEFAULT 0,
    registros_actualizados BIGINT NOT NULL DEFAULT 0,
    registros_error        BIGINT NOT NULL DEFAULT 0,
    estado                 VARCHAR(30) NOT NULL
        CHECK (estado IN ('INICIADO', 'COMPLETADO', 'ERROR', 'COMPLETADO_CON_ERRORES')),
    mensaje_error          TEXT
);

CREATE INDEX IF NOT EXISTS idx_etl_logs_run ON etl_logs(run_id);
CREATE INDEX IF NOT EXISTS idx_etl_logs_inicio ON etl_logs(fecha_inicio DESC);
` + db.CreateMetadataTableSQL + ";"

// Drop schema SQL. Facts go first because they reference every dimension.
const dropWarehouseSQL = `
DROP TABLE IF EXISTS fact_busquedas CASCADE;
DROP TABLE IF EXISTS fact_comportamiento_web CASCADE;
DROP TABLE IF EXISTS fact_ventas CASCADE;
DROP TABLE IF EXISTS dim_sesion CASCADE;
DROP TABLE IF EXISTS dim_metodo_pago CASCADE;
DROP TABLE IF EXISTS dim_estado_venta CASCADE;
DROP TABLE IF EXISTS dim_tipo_evento CASCADE;
DROP TABLE IF EXISTS dim_navegador CASCADE;
DROP TABLE IF EXISTS dim_dispositivo CASCADE;
DROP TABLE IF EXISTS dim_almacen CASCADE;
DROP TABLE IF EXISTS dim_cliente CASCADE;
DROP TABLE IF EXISTS dim_producto CASCADE;
DROP TABLE IF EXISTS dim_geografia CASCADE;
DROP TABLE IF EXISTS dim_tiempo CASCADE;
DROP TABLE IF EXISTS etl_logs CASCADE;
DROP TABLE IF EXISTS dwload_metadata CASCADE;
`

// DimensionTables and FactTables list the star schema in load order.
var (
	DimensionTables = []string{
		"dim_tiempo", "dim_geografia", "dim_producto", "dim_cliente", "dim_almacen",
		"dim_dispositivo", "dim_navegador", "dim_tipo_evento", "dim_estado_venta",
		"dim_metodo_pago", "dim_sesion",
	}
	FactTables = []string{"fact_ventas", "fact_comportamiento_web", "fact_busquedas"}
)

// WarehouseTables lists every table the loader writes.
func WarehouseTables() []string {
	tables := append([]string{}, DimensionTables...)
	tables = append(tables, FactTables...)
	return append(tables, "etl_logs", "dwload_metadata")
}

// ForeignKey describes one fact-to-dimension reference.
type ForeignKey struct {
	Table     string
	Column    string
	RefTable  string
	RefColumn string
}

// FactForeignKeys lists every dimension reference held by a fact table.
var FactForeignKeys = []ForeignKey{
	{"fact_ventas", "tiempo_key", "dim_tiempo", "id_fecha"},
	{"fact_ventas", "producto_id", "dim_producto", "producto_id"},
	{"fact_ventas", "cliente_id", "dim_cliente", "cliente_id"},
	{"fact_ventas", "distrito_id", "dim_geografia", "distrito_id"},
	{"fact_ventas", "almacen_id", "dim_almacen", "almacen_id"},
	{"fact_ventas", "estado_venta_id", "dim_estado_venta", "estado_venta_id"},
	{"fact_ventas", "metodo_pago_id", "dim_metodo_pago", "metodo_pago_id"},
	{"fact_comportamiento_web", "tiempo_key", "dim_tiempo", "id_fecha"},
	{"fact_comportamiento_web", "sesion_key", "dim_sesion", "sesion_key"},
	{"fact_comportamiento_web", "tipo_evento_id", "dim_tipo_evento", "tipo_evento_id"},
	{"fact_comportamiento_web", "dispositivo_id", "dim_dispositivo", "dispositivo_id"},
	{"fact_comportamiento_web", "navegador_id", "dim_navegador", "navegador_id"},
	{"fact_comportamiento_web", "cliente_id", "dim_cliente", "cliente_id"},
	{"fact_comportamiento_web", "producto_id", "dim_producto", "producto_id"},
	{"fact_busquedas", "tiempo_key", "dim_tiempo", "id_fecha"},
	{"fact_busquedas", "sesion_key", "dim_sesion", "sesion_key"},
	{"fact_busquedas", "dispositivo_id", "dim_dispositivo", "dispositivo_id"},
	{"fact_busquedas", "navegador_id", "dim_navegador", "navegador_id"},
	{"fact_busquedas", "cliente_id", "dim_cliente", "cliente_id"},
	{"fact_busquedas", "producto_id", "dim_producto", "producto_id"},
}

// OrphanQuery returns an anti-join counting fact rows whose non-NULL
// reference has no dimension row.
func (fk ForeignKey) OrphanQuery() string {
	return fmt.Sprintf(`
        SELECT count(*) FROM %[1]s f
        WHERE f.%[2]s IS NOT NULL
          AND NOT EXISTS (SELECT 1 FROM %[3]s d WHERE d.%[4]s = f.%[2]s)`,
		fk.Table, fk.Column, fk.RefTable, fk.RefColumn)
}

// CreateWarehouse creates the star schema.
func CreateWarehouse(ctx context.Context, conn db.DB) error {
	_, err := conn.Exec(ctx, createWarehouseSQL)
	return err
}

// DropWarehouse drops the star schema.
func DropWarehouse(ctx context.Context, conn db.DB) error {
	_, err := conn.Exec(ctx, dropWarehouseSQL)
	return err
}
