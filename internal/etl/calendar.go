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
	"time"

	"github.com/jackc/pgx/v5"
)

var weekdayNames = [...]string{"LUNES", "MARTES", "MIERCOLES", "JUEVES", "VIERNES", "SABADO", "DOMINGO"}
var weekdayAbbr = [...]string{"LUN", "MAR", "MIE", "JUE", "VIE", "SAB", "DOM"}

var monthNames = [...]string{
	"ENERO", "FEBRERO", "MARZO", "ABRIL", "MAYO", "JUNIO",
	"JULIO", "AGOSTO", "SETIEMBRE", "OCTUBRE", "NOVIEMBRE", "DICIEMBRE",
}
var monthAbbr = [...]string{"ENE", "FEB", "MAR", "ABR", "MAY", "JUN", "JUL", "AGO", "SET", "OCT", "NOV", "DIC"}

// CalendarDay is one row of dim_tiempo. Every field is a function of the
// date and the holiday list.
type CalendarDay struct {
	Key            int // YYYYMMDD
	Date           time.Time
	Day            int
	Weekday        int // ISO: Monday=1 .. Sunday=7
	WeekdayAbbr    string
	WeekdayName    string
	Month          int
	MonthName      string
	MonthAbbr      string
	MonthStart     time.Time
	MonthEnd       time.Time
	Year           int
	YearStart      time.Time
	YearEnd        time.Time
	YearMonth      int // YYYYMM
	YearMonthDescr string
	Quarter        int
	ISOWeek        int
	WeekStart      time.Time // Monday
	WeekEnd        time.Time // Sunday
	Fortnight      int
	Weekend        bool
	Holiday        bool
	HolidayName    string
}

// DateKey returns the integer YYYYMMDD key of a date.
func DateKey(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// day truncates t to midnight UTC of its calendar date.
func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GenerateCalendar returns one row per day in [start, end]. Holidays are
// keyed by YYYY-MM-DD.
func GenerateCalendar(start, end time.Time, holidays map[string]string) ([]CalendarDay, error) {
	start, end = day(start), day(end)
	if start.After(end) {
		return nil, &ConfigurationError{
			Msg: fmt.Sprintf("calendar start %s is after end %s",
				start.Format(time.DateOnly), end.Format(time.DateOnly)),
		}
	}

	n := int(end.Sub(start).Hours()/24) + 1
	days := make([]CalendarDay, 0, n)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, calendarDay(d, holidays))
	}
	return days, nil
}

func calendarDay(d time.Time, holidays map[string]string) CalendarDay {
	year, month, dom := d.Date()
	weekday := int(d.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	_, isoWeek := d.ISOWeek()
	monthStart := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	weekStart := d.AddDate(0, 0, 1-weekday)

	c := CalendarDay{
		Key:            DateKey(d),
		Date:           d,
		Day:            dom,
		Weekday:        weekday,
		WeekdayAbbr:    weekdayAbbr[weekday-1],
		WeekdayName:    weekdayNames[weekday-1],
		Month:          int(month),
		MonthName:      monthNames[month-1],
		MonthAbbr:      monthAbbr[month-1],
		MonthStart:     monthStart,
		MonthEnd:       monthStart.AddDate(0, 1, -1),
		Year:           year,
		YearStart:      time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		YearEnd:        time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
		YearMonth:      year*100 + int(month),
		YearMonthDescr: fmt.Sprintf("%s %d", monthNames[month-1], year),
		Quarter:        (int(month) + 2) / 3,
		ISOWeek:        isoWeek,
		WeekStart:      weekStart,
		WeekEnd:        weekStart.AddDate(0, 0, 6),
		Fortnight:      1,
		Weekend:        weekday >= 6,
	}
	if dom > 15 {
		c.Fortnight = 2
	}
	if name, ok := holidays[d.Format(time.DateOnly)]; ok {
		c.Holiday = true
		c.HolidayName = name
	}
	return c
}

var calendarUpsert = upsertSpec{
	Table: "dim_tiempo",
	Columns: []string{
		"id_fecha", "fecha_cal", "dia_cal", "dia_sem_num", "dia_sem_abrv",
		"dia_sem_nombre", "mes_cal", "mes_nombre", "mes_cal_abrv",
		"mes_cal_fecha_inic", "mes_cal_fecha_fin", "anio_cal",
		"anio_cal_fecha_inic", "anio_cal_fecha_fin", "anio_mes_cal_num",
		"anio_mes_cal_descr", "trimestre", "sem_cal_num", "fecha_inic_sem",
		"fecha_fin_sem", "quincena", "es_fin_semana", "es_feriado",
		"nombre_feriado",
	},
	Conflict: []string{"id_fecha"},
}

func (c CalendarDay) row() []any {
	var holiday any
	if c.Holiday {
		holiday = c.HolidayName
	}
	return []any{
		c.Key, c.Date, c.Day, c.Weekday, c.WeekdayAbbr,
		c.WeekdayName, c.Month, c.MonthName, c.MonthAbbr,
		c.MonthStart, c.MonthEnd, c.Year,
		c.YearStart, c.YearEnd, c.YearMonth,
		c.YearMonthDescr, c.Quarter, c.ISOWeek, c.WeekStart,
		c.WeekEnd, c.Fortnight, c.Weekend, c.Holiday,
		holiday,
	}
}

// LoadCalendar upserts the days into dim_tiempo. Rows that already exist
// with identical values are left untouched.
func LoadCalendar(ctx context.Context, tx pgx.Tx, days []CalendarDay) (Counts, error) {
	rows := make([][]any, len(days))
	for i, d := range days {
		rows[i] = d.row()
	}

	inserted, updated, err := stageUpsert(ctx, tx, calendarUpsert, rows)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to load dim_tiempo: %w", err)
	}
	return Counts{Extracted: int64(len(days)), Inserted: inserted, Updated: updated}, nil
}

// loadCalendarStep generates the configured range, loads it and publishes
// every persisted key to the run context.
func loadCalendarStep(ctx context.Context, env *StepEnv) (Counts, error) {
	s := env.Run.Settings
	days, err := GenerateCalendar(s.CalendarStart, s.CalendarEnd, s.Holidays)
	if err != nil {
		return Counts{}, err
	}

	counts, err := LoadCalendar(ctx, env.Tx, days)
	if err != nil {
		return counts, err
	}

	keys, err := collectInts(ctx, env.Tx, `SELECT id_fecha FROM dim_tiempo`)
	if err != nil {
		return counts, fmt.Errorf("failed to read dim_tiempo keys: %w", err)
	}
	env.Run.SetCalendar(keys)

	env.Log.Debug().
		Int("days", len(days)).
		Int("keys", len(keys)).
		Msg("Calendar published")
	return counts, nil
}
