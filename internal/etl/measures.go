//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package etl

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// LineInput holds the source values a sale line's measures derive from.
type LineInput struct {
	Quantity    int64
	UnitPrice   decimal.Decimal
	UnitCost    decimal.Decimal
	DiscountPct decimal.Decimal
	TaxPct      *decimal.Decimal // nil applies the default rate
}

// Measures are the recomputed money columns of a fact_ventas row.
type Measures struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	TaxRate  decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
	Cost     decimal.Decimal
	Margin   decimal.Decimal
}

// round2 rounds half away from zero to cents, which is half-up for the
// non-negative amounts of a sale.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ComputeMeasures derives every money column from quantity, prices and
// rates. Each intermediate amount is rounded to cents before it is used,
// the way invoices are printed.
func ComputeMeasures(in LineInput, defaultTaxRate decimal.Decimal) Measures {
	qty := decimal.NewFromInt(in.Quantity)
	rate := defaultTaxRate
	if in.TaxPct != nil {
		rate = *in.TaxPct
	}

	m := Measures{TaxRate: rate}
	m.Subtotal = round2(qty.Mul(in.UnitPrice))
	m.Discount = round2(m.Subtotal.Mul(in.DiscountPct).Div(hundred))
	m.Tax = round2(m.Subtotal.Sub(m.Discount).Mul(rate).Div(hundred))
	m.Total = m.Subtotal.Sub(m.Discount).Add(m.Tax)
	m.Cost = round2(qty.Mul(in.UnitCost))
	m.Margin = m.Total.Sub(m.Cost)
	return m
}

// WithinTolerance reports whether |a - b| <= tol.
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}
