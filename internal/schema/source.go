//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package schema holds the DDL of the operational store the loader reads
// from and of the star schema it writes to. Both are fixed contracts; the
// statements exist so tests and the demo seeder can create them.
package schema

import (
	"context"

	"github.com/pgEdge/pgedge-dwload/internal/db"
)

// createSourceSQL creates the operational (OLTP) schema. Customer and
// store geography columns deliberately carry no foreign key: the loader
// has to cope with addresses that point at unknown districts.
const createSourceSQL = `
-- Geography: province > canton > district
CREATE TABLE IF NOT EXISTS provincias (
    provincia_id     INTEGER PRIMARY KEY,
    nombre_provincia VARCHAR(50) NOT NULL
);

CREATE TABLE IF NOT EXISTS cantones (
    canton_id     INTEGER PRIMARY KEY,
    provincia_id  INTEGER NOT NULL REFERENCES provincias(provincia_id),
    nombre_canton VARCHAR(80) NOT NULL
);

CREATE TABLE IF NOT EXISTS distritos (
    distrito_id     INTEGER PRIMARY KEY,
    canton_id       INTEGER NOT NULL REFERENCES cantones(canton_id),
    provincia_id    INTEGER NOT NULL REFERENCES provincias(provincia_id),
    nombre_distrito VARCHAR(80) NOT NULL
);

-- Catalog
CREATE TABLE IF NOT EXISTS categorias (
    categoria_id     SERIAL PRIMARY KEY,
    nombre_categoria VARCHAR(100) NOT NULL
);

CREATE TABLE IF NOT EXISTS productos (
    producto_id         SERIAL PRIMARY KEY,
    codigo_producto     VARCHAR(30) NOT NULL UNIQUE,
    nombre_producto     VARCHAR(200) NOT NULL,
    categoria_id        INTEGER NOT NULL REFERENCES categorias(categoria_id),
    descripcion         TEXT,
    marca               VARCHAR(100),
    precio_unitario     NUMERIC(12,2) NOT NULL,
    costo_unitario      NUMERIC(12,2) NOT NULL,
    activo              BOOLEAN NOT NULL DEFAULT TRUE,
    fecha_creacion      TIMESTAMP NOT NULL DEFAULT NOW(),
    fecha_actualizacion TIMESTAMP
);

-- Customers and stores
CREATE TABLE IF NOT EXISTS clientes (
    cliente_id          SERIAL PRIMARY KEY,
    nombre_cliente      VARCHAR(80) NOT NULL,
    apellido_cliente    VARCHAR(80) NOT NULL,
    correo_electronico  VARCHAR(200) NOT NULL UNIQUE,
    telefono            VARCHAR(30),
    numero_cedula       VARCHAR(20),
    provincia_id        INTEGER,
    canton_id           INTEGER,
    distrito_id         INTEGER,
    direccion           TEXT,
    fecha_creacion      TIMESTAMP NOT NULL DEFAULT NOW(),
    fecha_primer_compra DATE,
    fecha_ultimo_compra DATE,
    activo              BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS almacenes (
    almacen_id          SERIAL PRIMARY KEY,
    codigo_almacen      VARCHAR(20) NOT NULL UNIQUE,
    nombre_almacen      VARCHAR(120) NOT NULL,
    tipo_almacen        VARCHAR(40),
    responsable_almacen VARCHAR(120),
    provincia_id        INTEGER,
    canton_id           INTEGER,
    distrito_id         INTEGER,
    direccion           TEXT,
    telefono            VARCHAR(30),
    correo_electronico  VARCHAR(200),
    latitud             NUMERIC(9,6),
    longitud            NUMERIC(9,6),
    activo              BOOLEAN NOT NULL DEFAULT TRUE,
    fecha_apertura      DATE
);

-- Sales
CREATE TABLE IF NOT EXISTS ventas (
    venta_id       SERIAL PRIMARY KEY,
    numero_factura VARCHAR(30) NOT NULL UNIQUE,
    cliente_id     INTEGER NOT NULL REFERENCES clientes(cliente_id),
    almacen_id     INTEGER NOT NULL REFERENCES almacenes(almacen_id),
    fecha_venta    TIMESTAMP NOT NULL,
    estado_venta   VARCHAR(30) NOT NULL,
    metodo_pago    VARCHAR(40) NOT NULL
);

CREATE TABLE IF NOT EXISTS detalles_venta (
    detalle_venta_id     SERIAL PRIMARY KEY,
    venta_id             INTEGER NOT NULL REFERENCES ventas(venta_id),
    producto_id          INTEGER NOT NULL REFERENCES productos(producto_id),
    cantidad             INTEGER NOT NULL CHECK (cantidad > 0),
    precio_unitario      NUMERIC(12,2) NOT NULL,
    costo_unitario       NUMERIC(12,2) NOT NULL,
    descuento_porcentaje NUMERIC(5,2) NOT NULL DEFAULT 0,
    descuento_monto      NUMERIC(12,2) NOT NULL DEFAULT 0,
    subtotal             NUMERIC(12,2) NOT NULL,
    impuesto_porcentaje  NUMERIC(5,2),
    impuesto             NUMERIC(12,2) NOT NULL DEFAULT 0,
    monto_total          NUMERIC(12,2) NOT NULL,
    margen               NUMERIC(12,2)
);

-- Web activity. Customer, product and sale references are soft.
CREATE TABLE IF NOT EXISTS eventos_web (
    evento_id               BIGSERIAL PRIMARY KEY,
    sesion_id               VARCHAR(64) NOT NULL,
    cliente_id              INTEGER,
    producto_id             INTEGER,
    venta_id                INTEGER,
    tipo_evento             VARCHAR(50) NOT NULL,
    fecha_hora_evento       TIMESTAMP NOT NULL,
    numero_evento_en_sesion INTEGER NOT NULL DEFAULT 1,
    tiempo_pagina_segundos  INTEGER,
    tipo_dispositivo        VARCHAR(30),
    dispositivo             VARCHAR(60),
    sistema_operativo       VARCHAR(40),
    navegador               VARCHAR(40),
    cliente_reconocido      BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS busquedas_web (
    busqueda_id             BIGSERIAL PRIMARY KEY,
    sesion_id               VARCHAR(64),
    cliente_id              INTEGER,
    producto_visualizado_id INTEGER,
    venta_id                INTEGER,
    termino_busqueda        VARCHAR(200),
    fecha_hora_busqueda     TIMESTAMP NOT NULL,
    cantidad_resultados     INTEGER,
    tipo_dispositivo        VARCHAR(30),
    dispositivo             VARCHAR(60),
    sistema_operativo       VARCHAR(40),
    navegador               VARCHAR(40),
    cliente_reconocido      BOOLEAN NOT NULL DEFAULT FALSE
);

-- Indexes for window-bounded extracts
CREATE INDEX IF NOT EXISTS idx_ventas_fecha ON ventas(fecha_venta);
CREATE INDEX IF NOT EXISTS idx_detalles_venta_venta ON detalles_venta(venta_id);
CREATE INDEX IF NOT EXISTS idx_eventos_web_fecha ON eventos_web(fecha_hora_evento);
CREATE INDEX IF NOT EXISTS idx_eventos_web_sesion ON eventos_web(sesion_id);
CREATE INDEX IF NOT EXISTS idx_busquedas_web_fecha ON busquedas_web(fecha_hora_busqueda);
`

// Drop schema SQL
const dropSourceSQL = `
DROP TABLE IF EXISTS busquedas_web CASCADE;
DROP TABLE IF EXISTS eventos_web CASCADE;
DROP TABLE IF EXISTS detalles_venta CASCADE;
DROP TABLE IF EXISTS ventas CASCADE;
DROP TABLE IF EXISTS almacenes CASCADE;
DROP TABLE IF EXISTS clientes CASCADE;
DROP TABLE IF EXISTS productos CASCADE;
DROP TABLE IF EXISTS categorias CASCADE;
DROP TABLE IF EXISTS distritos CASCADE;
DROP TABLE IF EXISTS cantones CASCADE;
DROP TABLE IF EXISTS provincias CASCADE;
`

// SourceTables lists the operational tables in load (parent first) order.
var SourceTables = []string{
	"provincias", "cantones", "distritos", "categorias", "productos",
	"clientes", "almacenes", "ventas", "detalles_venta", "eventos_web",
	"busquedas_web",
}

// CreateSource creates the operational schema.
func CreateSource(ctx context.Context, conn db.DB) error {
	_, err := conn.Exec(ctx, createSourceSQL)
	return err
}

// DropSource drops the operational schema.
func DropSource(ctx context.Context, conn db.DB) error {
	_, err := conn.Exec(ctx, dropSourceSQL)
	return err
}
