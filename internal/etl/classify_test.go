package etl

import "testing"

func TestEventClassification(t *testing.T) {
	tests := []struct {
		tipo       string
		category   string
		conversion bool
	}{
		{"VISTA_PRODUCTO", CategoryNavigation, false},
		{"BUSQUEDA", CategoryNavigation, false},
		{"AGREGAR_CARRITO", CategoryTransaction, false},
		{"INICIO_PAGO", CategoryTransaction, false},
		{"COMPRA_COMPLETADA", CategoryTransaction, true},
		{"PEDIDO_COMPLETADO", CategoryNavigation, true},
	}
	for _, tt := range tests {
		t.Run(tt.tipo, func(t *testing.T) {
			if got := EventCategory(tt.tipo); got != tt.category {
				t.Errorf("Expected category %s, got %s", tt.category, got)
			}
			if got := IsConversion(tt.tipo); got != tt.conversion {
				t.Errorf("Expected conversion %v, got %v", tt.conversion, got)
			}
		})
	}
}

func TestIsSuccessfulSale(t *testing.T) {
	tests := map[string]bool{
		"COMPLETADA": true,
		"PENDIENTE":  true,
		"CANCELADA":  false,
		"ANULADO":    false,
		"RECHAZADA":  false,
	}
	for estado, want := range tests {
		if got := IsSuccessfulSale(estado); got != want {
			t.Errorf("%s: expected %v, got %v", estado, want, got)
		}
	}
}

func TestPaymentType(t *testing.T) {
	tests := map[string]string{
		"TARJETA CREDITO": PaymentCard,
		"TARJETA DEBITO":  PaymentCard,
		"SINPE MOVIL":     PaymentTransfer,
		"TRANSFERENCIA":   PaymentTransfer,
		"EFECTIVO":        PaymentCash,
		"PAYPAL":          PaymentDigital,
	}
	for metodo, want := range tests {
		if got := PaymentType(metodo); got != want {
			t.Errorf("%s: expected %s, got %s", metodo, want, got)
		}
	}
}

func TestBrowserType(t *testing.T) {
	tests := map[string]string{
		"CHROME MOBILE":    BrowserMobile,
		"SAMSUNG INTERNET": BrowserMobile,
		"SAFARI MOVIL":     BrowserMobile,
		"FIREFOX":          BrowserWeb,
		"":                 BrowserWeb,
	}
	for nav, want := range tests {
		if got := BrowserType(nav); got != want {
			t.Errorf("%q: expected %s, got %s", nav, want, got)
		}
	}
}

func TestDayPeriod(t *testing.T) {
	tests := []struct {
		hour int
		want string
	}{
		{0, "MADRUGADA"}, {5, "MADRUGADA"},
		{6, "MAÑANA"}, {11, "MAÑANA"},
		{12, "TARDE"}, {17, "TARDE"},
		{18, "NOCHE"}, {23, "NOCHE"},
	}
	for _, tt := range tests {
		if got := DayPeriod(tt.hour); got != tt.want {
			t.Errorf("Hour %d: expected %s, got %s", tt.hour, tt.want, got)
		}
	}
}
