package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-ledger/calendar"
)

// =============================================================================
// DAY-COUNT CONVENTIONS
// =============================================================================

type DaysInMonth int

const (
	DaysInMonthActual DaysInMonth = iota
	DaysInMonth30
)

type DaysInYear int

const (
	DaysInYearActual DaysInYear = iota
	DaysInYear360
	DaysInYear365
)

// DayCount is injected by the caller; nothing here reads global state.
type DayCount struct {
	DaysInMonth DaysInMonth
	DaysInYear  DaysInYear
}

// Actual is actual/actual.
var Actual = DayCount{DaysInMonth: DaysInMonthActual, DaysInYear: DaysInYearActual}

// Thirty360 is the 30/360 convention.
var Thirty360 = DayCount{DaysInMonth: DaysInMonth30, DaysInYear: DaysInYear360}

// MonthDays is the length of the month containing d.
func (dc DayCount) MonthDays(d calendar.Date) int {
	if dc.DaysInMonth == DaysInMonth30 {
		return 30
	}
	return calendar.DaysInMonth(d.Year(), d.Month())
}

// YearDays is the length of the year containing d.
func (dc DayCount) YearDays(d calendar.Date) int {
	switch dc.DaysInYear {
	case DaysInYear360:
		return 360
	case DaysInYear365:
		return 365
	default:
		return calendar.DaysInYear(d.Year())
	}
}

// DaysInPeriod counts days in [from, to). Under the 30-day month convention
// every month counts as 30 days (30E/360 style).
func (dc DayCount) DaysInPeriod(from, to calendar.Date) int {
	if dc.DaysInMonth != DaysInMonth30 {
		return calendar.DaysBetween(from, to)
	}
	d1, d2 := from.Day(), to.Day()
	if d1 > 30 {
		d1 = 30
	}
	if d2 > 30 {
		d2 = 30
	}
	return (to.Year()-from.Year())*360 + (int(to.Month())-int(from.Month()))*30 + (d2 - d1)
}

func (dc DayCount) String() string {
	m := "actual"
	if dc.DaysInMonth == DaysInMonth30 {
		m = "30"
	}
	y := "actual"
	switch dc.DaysInYear {
	case DaysInYear360:
		y = "360"
	case DaysInYear365:
		y = "365"
	}
	return m + "/" + y
}

func ParseDaysInMonth(s string) (DaysInMonth, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "actual":
		return DaysInMonthActual, nil
	case "30":
		return DaysInMonth30, nil
	}
	return 0, fmt.Errorf("unknown days-in-month convention %q", s)
}

func ParseDaysInYear(s string) (DaysInYear, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "actual":
		return DaysInYearActual, nil
	case "360":
		return DaysInYear360, nil
	case "365":
		return DaysInYear365, nil
	}
	return 0, fmt.Errorf("unknown days-in-year convention %q", s)
}

// =============================================================================
// PERIODIC RATES
// =============================================================================

// PeriodUnit is the unit of the repayment frequency.
type PeriodUnit string

const (
	Days   PeriodUnit = "DAYS"
	Weeks  PeriodUnit = "WEEKS"
	Months PeriodUnit = "MONTHS"
)

// RateFrequency is the period the nominal rate is quoted for.
type RateFrequency string

const (
	PerMonth RateFrequency = "PER_MONTH"
	PerYear  RateFrequency = "PER_YEAR"
)

var (
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)
)

// PeriodRate converts a nominal percentage rate into the plain fraction that
// applies to one repayment period [from, to).
//
//	PER_MONTH, MONTHS   rate × every
//	PER_MONTH, DAYS     rate × days / daysInMonth
//	PER_YEAR,  MONTHS   rate × every / 12 under 30/360, else rate × days / daysInYear
//	PER_YEAR,  DAYS     rate × days / daysInYear
func (dc DayCount) PeriodRate(ratePercent decimal.Decimal, freq RateFrequency, from, to calendar.Date, every int, unit PeriodUnit) decimal.Decimal {
	r := ratePercent.Div(hundred)
	if r.IsZero() {
		return decimal.Zero
	}
	days := decimal.NewFromInt(int64(dc.DaysInPeriod(from, to)))

	switch freq {
	case PerMonth:
		if unit == Months {
			return r.Mul(decimal.NewFromInt(int64(every)))
		}
		return r.Mul(days).Div(decimal.NewFromInt(int64(dc.MonthDays(from))))
	default:
		if unit == Months && dc.DaysInMonth == DaysInMonth30 && dc.DaysInYear == DaysInYear360 {
			return r.Mul(decimal.NewFromInt(int64(every))).Div(twelve)
		}
		return r.Mul(days).Div(decimal.NewFromInt(int64(dc.YearDays(from))))
	}
}

// Advance moves d forward by n periods of the given unit.
func Advance(d calendar.Date, n int, unit PeriodUnit) calendar.Date {
	switch unit {
	case Days:
		return d.AddDays(n)
	case Weeks:
		return d.AddWeeks(n)
	default:
		return d.AddMonths(n)
	}
}
