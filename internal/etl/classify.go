//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package etl

import "strings"

// Derived attribute values.
const (
	CategoryTransaction = "TRANSACCION"
	CategoryNavigation  = "NAVEGACION"

	PaymentCard     = "TARJETA"
	PaymentTransfer = "TRANSFERENCIA"
	PaymentCash     = "EFECTIVO"
	PaymentDigital  = "DIGITAL"

	BrowserMobile = "MOVIL"
	BrowserWeb    = "WEB"
)

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// EventCategory classifies a normalized event type.
func EventCategory(tipoEvento string) string {
	if containsAny(tipoEvento, "VENTA", "COMPRA", "CARRITO", "PAGO") {
		return CategoryTransaction
	}
	return CategoryNavigation
}

// IsConversion reports whether an event type completes a purchase.
func IsConversion(tipoEvento string) bool {
	return containsAny(tipoEvento, "COMPLETAD", "COMPRA")
}

// IsSuccessfulSale reports whether a sale status counts as a sale.
func IsSuccessfulSale(estado string) bool {
	return !containsAny(estado, "CANCELAD", "ANULAD", "RECHAZAD")
}

// PaymentType groups a normalized payment method.
func PaymentType(metodo string) string {
	switch {
	case strings.Contains(metodo, "TARJETA"):
		return PaymentCard
	case containsAny(metodo, "SINPE", "TRANSFERENCIA"):
		return PaymentTransfer
	case strings.Contains(metodo, "EFECTIVO"):
		return PaymentCash
	default:
		return PaymentDigital
	}
}

// BrowserType tells mobile browsers from desktop ones.
func BrowserType(navegador string) string {
	if containsAny(navegador, "MOBILE", "MOVIL", "SAMSUNG INTERNET") {
		return BrowserMobile
	}
	return BrowserWeb
}

// DayPeriod buckets an hour of day.
func DayPeriod(hour int) string {
	switch {
	case hour < 6:
		return "MADRUGADA"
	case hour < 12:
		return "MAÑANA"
	case hour < 18:
		return "TARDE"
	default:
		return "NOCHE"
	}
}
