package etl

import (
	"errors"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestGenerateCalendarJanuary(t *testing.T) {
	days, err := GenerateCalendar(date(2025, 1, 1), date(2025, 1, 31), map[string]string{
		"2025-01-01": "Año Nuevo",
	})
	if err != nil {
		t.Fatalf("GenerateCalendar failed: %v", err)
	}
	if len(days) != 31 {
		t.Fatalf("Expected 31 days, got %d", len(days))
	}

	for i, d := range days {
		wantKey := 20250101 + i
		if d.Key != wantKey {
			t.Errorf("Day %d: expected key %d, got %d", i, wantKey, d.Key)
		}
		if d.Quarter != 1 {
			t.Errorf("Day %d: expected quarter 1, got %d", i, d.Quarter)
		}
	}

	first := days[0]
	if first.Weekday != 3 || first.WeekdayName != "MIERCOLES" || first.WeekdayAbbr != "MIE" {
		t.Errorf("Expected 2025-01-01 to be day 3 MIERCOLES/MIE, got %d %s/%s",
			first.Weekday, first.WeekdayName, first.WeekdayAbbr)
	}
	if first.MonthName != "ENERO" || first.MonthAbbr != "ENE" {
		t.Errorf("Expected ENERO/ENE, got %s/%s", first.MonthName, first.MonthAbbr)
	}
	if first.YearMonth != 202501 || first.YearMonthDescr != "ENERO 2025" {
		t.Errorf("Expected 202501 'ENERO 2025', got %d %q", first.YearMonth, first.YearMonthDescr)
	}
	if first.ISOWeek != 1 {
		t.Errorf("Expected ISO week 1, got %d", first.ISOWeek)
	}
	if !first.WeekStart.Equal(date(2024, 12, 30)) || !first.WeekEnd.Equal(date(2025, 1, 5)) {
		t.Errorf("Unexpected week bounds %s..%s", first.WeekStart, first.WeekEnd)
	}
	if !first.MonthEnd.Equal(date(2025, 1, 31)) || !first.YearEnd.Equal(date(2025, 12, 31)) {
		t.Errorf("Unexpected month/year end %s %s", first.MonthEnd, first.YearEnd)
	}
	if !first.Holiday || first.HolidayName != "Año Nuevo" {
		t.Errorf("Expected holiday Año Nuevo, got %v %q", first.Holiday, first.HolidayName)
	}
	if first.Weekend {
		t.Error("Wednesday should not be weekend")
	}

	saturday := days[3]
	if saturday.Weekday != 6 || !saturday.Weekend || saturday.WeekdayName != "SABADO" {
		t.Errorf("Expected 2025-01-04 to be a weekend SABADO, got %+v", saturday)
	}
	if days[5].Weekday != 1 || days[4].Weekday != 7 {
		t.Errorf("Expected Sunday=7 and Monday=1, got %d and %d", days[4].Weekday, days[5].Weekday)
	}
	if days[14].Fortnight != 1 || days[15].Fortnight != 2 {
		t.Errorf("Expected fortnight split after the 15th, got %d/%d", days[14].Fortnight, days[15].Fortnight)
	}
	if days[1].Holiday {
		t.Error("2025-01-02 should not be a holiday")
	}
}

func TestGenerateCalendarEdges(t *testing.T) {
	leap, err := GenerateCalendar(date(2024, 2, 29), date(2024, 2, 29), nil)
	if err != nil {
		t.Fatalf("GenerateCalendar failed: %v", err)
	}
	if len(leap) != 1 || leap[0].Key != 20240229 || !leap[0].MonthEnd.Equal(date(2024, 2, 29)) {
		t.Errorf("Unexpected leap day row %+v", leap)
	}

	// 2025-12-29 belongs to ISO week 1 of 2026.
	dec, err := GenerateCalendar(date(2025, 12, 29), date(2025, 12, 29), nil)
	if err != nil {
		t.Fatalf("GenerateCalendar failed: %v", err)
	}
	if dec[0].ISOWeek != 1 || dec[0].Quarter != 4 || dec[0].MonthName != "DICIEMBRE" {
		t.Errorf("Unexpected row %+v", dec[0])
	}

	// Times are truncated to their date.
	days, err := GenerateCalendar(time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC), date(2025, 3, 2), nil)
	if err != nil {
		t.Fatalf("GenerateCalendar failed: %v", err)
	}
	if len(days) != 2 {
		t.Errorf("Expected 2 days, got %d", len(days))
	}
}

func TestGenerateCalendarInvalidRange(t *testing.T) {
	_, err := GenerateCalendar(date(2025, 2, 1), date(2025, 1, 1), nil)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
}

func TestCalendarRowMatchesColumns(t *testing.T) {
	days, _ := GenerateCalendar(date(2025, 1, 1), date(2025, 1, 2), map[string]string{"2025-01-01": "Año Nuevo"})
	for _, d := range days {
		row := d.row()
		if len(row) != len(calendarUpsert.Columns) {
			t.Fatalf("Expected %d values, got %d", len(calendarUpsert.Columns), len(row))
		}
	}
	if days[1].row()[23] != nil {
		t.Error("Expected NULL holiday name on a regular day")
	}
}

func TestDateKey(t *testing.T) {
	if got := DateKey(time.Date(2025, 7, 4, 23, 59, 0, 0, time.UTC)); got != 20250704 {
		t.Errorf("Expected 20250704, got %d", got)
	}
}
