/*
Package money provides exact fixed-point arithmetic for loan amounts.

PURPOSE:
  Every monetary value in the engine (transaction amounts, schedule
  components, journal postings) is a Money. It wraps decimal.Decimal so
  that no amount ever passes through a float.

ROUNDING POLICY:
  Intermediate arithmetic is exact. Rounding happens only when an amount is
  allocated to a period or slot (Round, Allocate, Split) and always uses
  half-up at the product's digitsAfterDecimal.

CONSERVATION:
  Allocate and Split never lose or invent currency units: the rounding
  remainder is assigned to the LAST slot.

USAGE:
  principal := money.MustParse("1000")
  parts := money.Split(principal, 3, 2)   // 333.33, 333.33, 333.34
  interest := principal.MultiplyByRate(rate).Round(2)

SEE ALSO:
  - daycount.go: day-count conventions and periodic rates
  - schedule/builder.go: main consumer of Allocate/Split
*/
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Exact decimal amount
// =============================================================================

// Money is a decimal amount. The currency is a property of the loan, so it
// is not carried on every value.
type Money struct {
	Value decimal.Decimal
}

// Zero is the additive identity.
var Zero = Money{}

func New(d decimal.Decimal) Money { return Money{Value: d} }
func FromInt(v int64) Money        { return Money{Value: decimal.NewFromInt(v)} }

// Parse reads a decimal string such as "1000.50".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Money{Value: d}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(o Money) Money { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money        { return Money{Value: m.Value.Neg()} }

// MultiplyByRate scales the amount by a plain fraction (0.01 = 1%). The
// result is not rounded.
func (m Money) MultiplyByRate(rate decimal.Decimal) Money {
	return Money{Value: m.Value.Mul(rate)}
}

// Round applies half-up rounding at the given number of decimal places.
func (m Money) Round(digits int32) Money { return Money{Value: m.Value.Round(digits)} }

func (m Money) Cmp(o Money) int                 { return m.Value.Cmp(o.Value) }
func (m Money) Equal(o Money) bool              { return m.Value.Equal(o.Value) }
func (m Money) IsZero() bool                    { return m.Value.IsZero() }
func (m Money) IsPositive() bool                { return m.Value.IsPositive() }
func (m Money) IsNegative() bool                { return m.Value.IsNegative() }
func (m Money) GreaterThan(o Money) bool        { return m.Value.GreaterThan(o.Value) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.Value.GreaterThanOrEqual(o.Value) }
func (m Money) LessThan(o Money) bool           { return m.Value.LessThan(o.Value) }
func (m Money) LessThanOrEqual(o Money) bool    { return m.Value.LessThanOrEqual(o.Value) }

func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

func (m Money) Max(o Money) Money {
	if m.GreaterThan(o) {
		return m
	}
	return o
}

// NonNegative clamps negative amounts to zero.
func (m Money) NonNegative() Money { return m.Max(Zero) }

func (m Money) String() string { return m.Value.String() }

// StringFixed renders the amount with exactly digits decimal places.
func (m Money) StringFixed(digits int32) string { return m.Value.StringFixed(digits) }

func (m Money) MarshalJSON() ([]byte, error) { return m.Value.MarshalJSON() }

func (m *Money) UnmarshalJSON(b []byte) error { return m.Value.UnmarshalJSON(b) }

// Sum adds any number of amounts.
func Sum(amounts ...Money) Money {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// ALLOCATION - Remainder always lands in the last slot
// =============================================================================

// Allocate splits total proportionally to weights, rounding every slot but
// the last half-up at digits. The last slot receives total minus the rest,
// so the result always sums to total exactly. If all weights are zero the
// whole amount goes to the last slot.
func Allocate(total Money, weights []decimal.Decimal, digits int32) []Money {
	if len(weights) == 0 {
		return nil
	}
	out := make([]Money, len(weights))

	weightSum := decimal.Zero
	for _, w := range weights {
		weightSum = weightSum.Add(w)
	}
	if weightSum.IsZero() {
		out[len(out)-1] = total
		return out
	}

	allocated := Zero
	for i := 0; i < len(weights)-1; i++ {
		share := Money{Value: total.Value.Mul(weights[i]).Div(weightSum)}.Round(digits)
		out[i] = share
		allocated = allocated.Add(share)
	}
	out[len(out)-1] = total.Sub(allocated)
	return out
}

// Split divides total into n equal slots (remainder to the last).
func Split(total Money, n int, digits int32) []Money {
	if n <= 0 {
		return nil
	}
	weights := make([]decimal.Decimal, n)
	for i := range weights {
		weights[i] = decimal.NewFromInt(1)
	}
	return Allocate(total, weights, digits)
}

// Percent returns amount × pct/100 rounded half-up at digits.
func Percent(amount Money, pct decimal.Decimal, digits int32) Money {
	return amount.MultiplyByRate(pct.Div(decimal.NewFromInt(100))).Round(digits)
}
