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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Window is an inclusive range of calendar days. Timestamps are selected
// with [From, To+1day).
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow truncates both ends to days and checks their order.
func NewWindow(from, to time.Time) (Window, error) {
	w := Window{From: day(from), To: day(to)}
	if w.From.After(w.To) {
		return Window{}, &ConfigurationError{Msg: fmt.Sprintf("window start %s is after end %s",
			w.From.Format(time.DateOnly), w.To.Format(time.DateOnly))}
	}
	return w, nil
}

// FromKey is the dim_tiempo key of the first day.
func (w Window) FromKey() int { return DateKey(w.From) }

// ToKey is the dim_tiempo key of the last day.
func (w Window) ToKey() int { return DateKey(w.To) }

// Upper is the exclusive timestamp bound.
func (w Window) Upper() time.Time { return w.To.AddDate(0, 0, 1) }

// Contains reports whether t falls on a day of the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.Upper())
}

func (w Window) String() string {
	return w.From.Format(time.DateOnly) + ".." + w.To.Format(time.DateOnly)
}

// Settings are the per-run knobs the steps read.
type Settings struct {
	CalendarStart  time.Time
	CalendarEnd    time.Time
	Holidays       map[string]string
	BatchSize      int
	DefaultTaxRate decimal.Decimal
	Tolerance      decimal.Decimal
}

// DefaultSettings returns settings for a calendar covering the window's
// years.
func DefaultSettings(w Window) Settings {
	return Settings{
		CalendarStart:  time.Date(w.From.Year(), time.January, 1, 0, 0, 0, 0, time.UTC),
		CalendarEnd:    time.Date(w.To.Year(), time.December, 31, 0, 0, 0, 0, time.UTC),
		BatchSize:      5000,
		DefaultTaxRate: decimal.NewFromInt(13),
		Tolerance:      decimal.RequireFromString("0.01"),
	}
}

// GeoRef is the geography of a district.
type GeoRef struct {
	DistritoID  int
	CantonID    int
	ProvinciaID int
	Provincia   string
	Canton      string
	Distrito    string
}

// CustomerRef is what facts need to know about a loaded customer.
type CustomerRef struct {
	DistritoID    *int
	FirstPurchase *time.Time
}

// RunContext carries the state of one run: its identity, window and the
// lookups published by completed dimension steps. Steps read lookups of
// their dependencies only, so each lookup has a single writer.
type RunContext struct {
	ID       uuid.UUID
	Window   Window
	Settings Settings

	mu        sync.RWMutex
	calendar  map[int]struct{}
	geography map[int]GeoRef
	products  map[int]struct{}
	customers map[int]CustomerRef
	stores    map[int]struct{}
	arenas    map[string]*Arena
}

// NewRunContext creates the context of a new run.
func NewRunContext(w Window, s Settings) *RunContext {
	return &RunContext{
		ID:       uuid.New(),
		Window:   w,
		Settings: s,
		arenas:   make(map[string]*Arena),
	}
}

func intSet(keys []int) map[int]struct{} {
	set := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// SetCalendar publishes the persisted dim_tiempo keys.
func (rc *RunContext) SetCalendar(keys []int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.calendar = intSet(keys)
}

// HasDate reports whether dim_tiempo holds the key.
func (rc *RunContext) HasDate(key int) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	_, ok := rc.calendar[key]
	return ok
}

// SetGeography publishes dim_geografia.
func (rc *RunContext) SetGeography(geo map[int]GeoRef) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.geography = geo
}

// Geography resolves a district.
func (rc *RunContext) Geography(distritoID int) (GeoRef, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	g, ok := rc.geography[distritoID]
	return g, ok
}

// GeographyLoaded reports whether dim_geografia has been published.
func (rc *RunContext) GeographyLoaded() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.geography != nil
}

// SetProducts publishes the dim_producto keys.
func (rc *RunContext) SetProducts(ids []int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.products = intSet(ids)
}

// HasProduct reports whether dim_producto holds the id.
func (rc *RunContext) HasProduct(id int) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	_, ok := rc.products[id]
	return ok
}

// SetCustomers publishes dim_cliente.
func (rc *RunContext) SetCustomers(c map[int]CustomerRef) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.customers = c
}

// Customer resolves a customer.
func (rc *RunContext) Customer(id int) (CustomerRef, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	c, ok := rc.customers[id]
	return c, ok
}

// SetStores publishes the dim_almacen keys.
func (rc *RunContext) SetStores(ids []int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.stores = intSet(ids)
}

// HasStore reports whether dim_almacen holds the id.
func (rc *RunContext) HasStore(id int) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	_, ok := rc.stores[id]
	return ok
}

// SetArena publishes the lookup of a discovered dimension.
func (rc *RunContext) SetArena(table string, a *Arena) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.arenas[table] = a
}

// Arena returns the published lookup of a discovered dimension, or nil.
func (rc *RunContext) Arena(table string) *Arena {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.arenas[table]
}
