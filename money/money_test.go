package money_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/money"
)

func TestSplit_RemainderGoesToLastSlot(t *testing.T) {
	parts := money.Split(money.MustParse("1000"), 3, 2)
	require.Len(t, parts, 3)

	assert.Equal(t, "333.33", parts[0].String())
	assert.Equal(t, "333.33", parts[1].String())
	assert.Equal(t, "333.34", parts[2].String())
	assert.True(t, money.Sum(parts...).Equal(money.MustParse("1000")))
}

func TestAllocate_NeverLosesUnits(t *testing.T) {
	weights := []decimal.Decimal{
		decimal.NewFromInt(1),
		decimal.NewFromInt(1),
		decimal.NewFromInt(1),
		decimal.NewFromInt(4),
	}
	total := money.MustParse("100.01")

	parts := money.Allocate(total, weights, 2)

	assert.True(t, money.Sum(parts...).Equal(total))
	assert.Equal(t, "14.29", parts[0].String())
	assert.Equal(t, "57.14", parts[3].String())
}

func TestAllocate_ZeroWeightsPutsEverythingLast(t *testing.T) {
	parts := money.Allocate(money.FromInt(50), []decimal.Decimal{decimal.Zero, decimal.Zero}, 2)
	assert.True(t, parts[0].IsZero())
	assert.Equal(t, "50", parts[1].String())
}

func TestRound_HalfUp(t *testing.T) {
	assert.Equal(t, "2.35", money.MustParse("2.345").Round(2).String())
	assert.Equal(t, "2.34", money.MustParse("2.3449").Round(2).String())
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "175", money.Percent(money.FromInt(700), decimal.NewFromInt(25), 2).String())
	assert.Equal(t, "75", money.Percent(money.FromInt(300), decimal.NewFromInt(25), 2).String())
}

func TestMoney_JSON(t *testing.T) {
	b, err := money.MustParse("12.50").MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"12.5"`, string(b))

	var m money.Money
	require.NoError(t, m.UnmarshalJSON([]byte(`"99.99"`)))
	assert.Equal(t, "99.99", m.String())
}

func TestDayCount_DaysInPeriod(t *testing.T) {
	from := calendar.New(2024, 1, 31)
	to := calendar.New(2024, 3, 1)

	assert.Equal(t, 30, money.Actual.DaysInPeriod(from, to))
	assert.Equal(t, 31, money.Thirty360.DaysInPeriod(from, to))
}

func TestPeriodRate(t *testing.T) {
	from := calendar.New(2024, 1, 1)

	t.Run("monthly rate, two month periods", func(t *testing.T) {
		r := money.Actual.PeriodRate(decimal.NewFromInt(1), money.PerMonth, from, from.AddMonths(2), 2, money.Months)
		assert.True(t, r.Equal(decimal.RequireFromString("0.02")), r.String())
	})

	t.Run("annual rate under 30/360", func(t *testing.T) {
		r := money.Thirty360.PeriodRate(decimal.NewFromInt(12), money.PerYear, from, from.AddMonths(1), 1, money.Months)
		assert.True(t, r.Equal(decimal.RequireFromString("0.01")), r.String())
	})

	t.Run("annual rate, actual/365 days", func(t *testing.T) {
		dc := money.DayCount{DaysInMonth: money.DaysInMonthActual, DaysInYear: money.DaysInYear365}
		r := dc.PeriodRate(decimal.NewFromInt(365), money.PerYear, from, from.AddDays(30), 30, money.Days)
		assert.True(t, r.Equal(decimal.RequireFromString("0.3")), r.String())
	})

	t.Run("zero rate", func(t *testing.T) {
		r := money.Actual.PeriodRate(decimal.Zero, money.PerYear, from, from.AddDays(30), 30, money.Days)
		assert.True(t, r.IsZero())
	})
}

func TestAddMonths_ClampsMonthEnd(t *testing.T) {
	assert.Equal(t, "2024-02-29", calendar.New(2024, 1, 31).AddMonths(1).String())
	assert.Equal(t, "2024-03-31", calendar.New(2024, 1, 31).AddMonths(2).String())
}
