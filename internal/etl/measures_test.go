package etl

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestComputeMeasures(t *testing.T) {
	tests := []struct {
		name     string
		in       LineInput
		subtotal string
		discount string
		tax      string
		total    string
		margin   string
	}{
		{
			name: "discount and explicit tax",
			in: LineInput{
				Quantity: 3, UnitPrice: dec("10.00"), UnitCost: dec("6.00"),
				DiscountPct: dec("10"), TaxPct: decPtr("13"),
			},
			subtotal: "30.00", discount: "3.00", tax: "3.51", total: "30.51", margin: "12.51",
		},
		{
			name: "default tax rate",
			in: LineInput{
				Quantity: 3, UnitPrice: dec("10.00"), UnitCost: dec("6.00"),
				DiscountPct: dec("10"),
			},
			subtotal: "30.00", discount: "3.00", tax: "3.51", total: "30.51", margin: "12.51",
		},
		{
			name: "tax exempt",
			in: LineInput{
				Quantity: 2, UnitPrice: dec("4.99"), UnitCost: dec("5.50"),
				DiscountPct: dec("0"), TaxPct: decPtr("0"),
			},
			subtotal: "9.98", discount: "0", tax: "0", total: "9.98", margin: "-1.02",
		},
		{
			name: "half cent rounds up",
			in: LineInput{
				Quantity: 1, UnitPrice: dec("0.25"), UnitCost: dec("0.10"),
				DiscountPct: dec("10"), TaxPct: decPtr("0"),
			},
			// 0.025 discount rounds to 0.03
			subtotal: "0.25", discount: "0.03", tax: "0", total: "0.22", margin: "0.12",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ComputeMeasures(tt.in, dec("13"))

			assert.True(t, m.Subtotal.Equal(dec(tt.subtotal)), "subtotal: got %s", m.Subtotal)
			assert.True(t, m.Discount.Equal(dec(tt.discount)), "discount: got %s", m.Discount)
			assert.True(t, m.Tax.Equal(dec(tt.tax)), "tax: got %s", m.Tax)
			assert.True(t, m.Total.Equal(dec(tt.total)), "total: got %s", m.Total)
			assert.True(t, m.Margin.Equal(dec(tt.margin)), "margin: got %s", m.Margin)

			// total and margin always reconcile
			assert.True(t, m.Total.Equal(m.Subtotal.Sub(m.Discount).Add(m.Tax)))
			assert.True(t, m.Margin.Equal(m.Total.Sub(m.Cost)))
		})
	}
}

func TestWithinTolerance(t *testing.T) {
	tol := dec("0.01")

	assert.True(t, WithinTolerance(dec("30.51"), dec("30.51"), tol))
	assert.True(t, WithinTolerance(dec("30.51"), dec("30.50"), tol))
	assert.False(t, WithinTolerance(dec("30.51"), dec("30.49"), tol))
	assert.False(t, WithinTolerance(dec("30.51"), dec("33.90"), tol))
}
