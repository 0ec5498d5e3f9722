/*
Package calendar provides the day-granular date used by every loan event.

PURPOSE:
  Loan transactions, schedule periods and journal entries are all keyed by
  a business date, never by a wall-clock instant. Date wraps time.Time
  normalized to midnight UTC so that comparisons and day arithmetic are
  stable regardless of where the value came from.

SEE ALSO:
  - money/daycount.go: day-count conventions built on DaysBetween
  - schedule/builder.go: period due dates
*/
package calendar

import (
	"encoding/json"
	"fmt"
	"time"
)

// Layout is the wire and storage format of a Date.
const Layout = "2006-01-02"

// =============================================================================
// DATE - Day granularity (no time of day, always UTC)
// =============================================================================

type Date struct {
	Time time.Time
}

// Constructors
func New(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func FromTime(t time.Time) Date {
	return New(t.Year(), t.Month(), t.Day())
}

func Today() Date {
	return FromTime(time.Now())
}

// Parse reads a date in YYYY-MM-DD form.
func Parse(s string) (Date, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return FromTime(t), nil
}

// MustParse is Parse for fixtures and tests.
func MustParse(s string) Date {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }

// Compare returns -1, 0 or +1.
func (d Date) Compare(other Date) int {
	switch {
	case d.Before(other):
		return -1
	case d.After(other):
		return 1
	default:
		return 0
	}
}

// Arithmetic
func (d Date) AddDays(n int) Date   { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) AddWeeks(n int) Date  { return d.AddDays(7 * n) }
func (d Date) AddMonths(n int) Date { return Date{Time: addMonthsClamped(d.Time, n)} }
func (d Date) AddYears(n int) Date  { return d.AddMonths(12 * n) }

// addMonthsClamped keeps month-end dates at month end (Jan 31 + 1 month = Feb 28/29)
// instead of overflowing into the next month the way time.AddDate does.
func addMonthsClamped(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	last := first.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// Properties
func (d Date) Year() int         { return d.Time.Year() }
func (d Date) Month() time.Month { return d.Time.Month() }
func (d Date) Day() int          { return d.Time.Day() }
func (d Date) IsZero() bool      { return d.Time.IsZero() }

func (d Date) String() string { return d.Time.Format(Layout) }

// MarshalJSON writes the date as "YYYY-MM-DD".
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "YYYY-MM-DD" or null.
func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// DATE UTILITIES
// =============================================================================

func DaysBetween(from, to Date) int { return int(to.Time.Sub(from.Time).Hours() / 24) }

func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func DaysInYear(year int) int {
	if time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC).YearDay() == 366 {
		return 366
	}
	return 365
}

func Min(a, b Date) Date {
	if a.Before(b) {
		return a
	}
	return b
}

func Max(a, b Date) Date {
	if a.After(b) {
		return a
	}
	return b
}
