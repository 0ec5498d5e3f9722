/*
Package schedule builds and mutates loan amortization schedules.

PURPOSE:
  A schedule is an ordered list of installments derived from the loan's
  pricing parameters and its time-ordered disbursements. The transaction
  processor mutates paid/waived/written-off amounts through the allocation
  helpers in allocation.go; the builder in builder.go owns due amounts.

ROW ORDER:
  Rows are sorted by (dueDate, disbursement before down payment before
  regular installment). Disbursement rows carry period number 0; every other
  row is numbered 1..n in that order. A later or backdated tranche is
  interleaved by date, never appended blindly.

INVARIANTS:
  - paid + waived + writtenOff <= due (+ credited principal) per component,
    except during an in-flight replay pass
  - sum(Due.Principal) == sum(disbursed principal) after every disbursement

SEE ALSO:
  - builder.go: Generate, AddTranche, AddCharge
  - allocation.go: Pay, Waive, WriteOffAll, Credit, Undo
  - loan/processor.go: the only caller that mutates a live schedule
*/
package schedule

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/money"
)

// =============================================================================
// PRICING PARAMETERS
// =============================================================================

type AmortizationType string

const (
	EqualPrincipal   AmortizationType = "EQUAL_PRINCIPAL"
	EqualInstallment AmortizationType = "EQUAL_INSTALLMENT"
)

type InterestType string

const (
	Flat             InterestType = "FLAT"
	DecliningBalance InterestType = "DECLINING_BALANCE"
)

// RepaymentStart selects the date regular periods are counted from.
type RepaymentStart string

const (
	FromDisbursementDate RepaymentStart = "DISBURSEMENT_DATE"
	FromSubmittedOnDate  RepaymentStart = "SUBMITTED_ON_DATE"
)

type DownPayment struct {
	Enabled    bool
	Percentage decimal.Decimal
	AutoRepay  bool
}

type Params struct {
	NumberOfRepayments    int
	RepaymentEvery        int
	RepaymentUnit         money.PeriodUnit
	InterestRatePerPeriod decimal.Decimal
	InterestRateFrequency money.RateFrequency
	Amortization          AmortizationType
	Interest              InterestType
	DayCount              money.DayCount
	RepaymentStart        RepaymentStart
	SubmittedOn           calendar.Date
	Digits                int32
	DownPayment           DownPayment
}

var ErrInvalidParams = errors.New("invalid schedule parameters")

func (p Params) Validate() error {
	switch {
	case p.NumberOfRepayments < 1:
		return fmt.Errorf("%w: number of repayments must be >= 1", ErrInvalidParams)
	case p.RepaymentEvery < 1:
		return fmt.Errorf("%w: repayment every must be >= 1", ErrInvalidParams)
	case p.InterestRatePerPeriod.IsNegative():
		return fmt.Errorf("%w: negative interest rate", ErrInvalidParams)
	case p.Digits < 0:
		return fmt.Errorf("%w: negative digits after decimal", ErrInvalidParams)
	case p.DownPayment.Enabled && (p.DownPayment.Percentage.IsNegative() || p.DownPayment.Percentage.GreaterThan(decimal.NewFromInt(100))):
		return fmt.Errorf("%w: down payment percentage must be within 0..100", ErrInvalidParams)
	}
	switch p.RepaymentUnit {
	case money.Days, money.Weeks, money.Months:
	default:
		return fmt.Errorf("%w: repayment unit %q", ErrInvalidParams, p.RepaymentUnit)
	}
	switch p.Amortization {
	case EqualPrincipal, EqualInstallment:
	default:
		return fmt.Errorf("%w: amortization type %q", ErrInvalidParams, p.Amortization)
	}
	switch p.Interest {
	case Flat, DecliningBalance:
	default:
		return fmt.Errorf("%w: interest type %q", ErrInvalidParams, p.Interest)
	}
	return nil
}

// =============================================================================
// COMPONENTS
// =============================================================================

type Component int

const (
	Principal Component = iota
	Interest
	Fee
	Penalty
)

// DefaultAllocationOrder settles penalties, then fees, then interest, then
// principal within each installment.
var DefaultAllocationOrder = []Component{Penalty, Fee, Interest, Principal}

func (c Component) String() string {
	switch c {
	case Principal:
		return "PRINCIPAL"
	case Interest:
		return "INTEREST"
	case Fee:
		return "FEE"
	case Penalty:
		return "PENALTY"
	}
	return fmt.Sprintf("Component(%d)", int(c))
}

func ParseComponent(s string) (Component, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PRINCIPAL":
		return Principal, nil
	case "INTEREST":
		return Interest, nil
	case "FEE":
		return Fee, nil
	case "PENALTY":
		return Penalty, nil
	}
	return 0, fmt.Errorf("unknown schedule component %q", s)
}

// ValidateOrder checks that order names each component exactly once.
func ValidateOrder(order []Component) error {
	if len(order) != 4 {
		return fmt.Errorf("%w: allocation order must list 4 components", ErrInvalidParams)
	}
	seen := map[Component]bool{}
	for _, c := range order {
		if c < Principal || c > Penalty || seen[c] {
			return fmt.Errorf("%w: allocation order %v", ErrInvalidParams, order)
		}
		seen[c] = true
	}
	return nil
}

// Components is one amount per schedule component.
type Components struct {
	Principal money.Money `json:"principal"`
	Interest  money.Money `json:"interest"`
	Fee       money.Money `json:"fee"`
	Penalty   money.Money `json:"penalty"`
}

func (c Components) Get(k Component) money.Money {
	switch k {
	case Principal:
		return c.Principal
	case Interest:
		return c.Interest
	case Fee:
		return c.Fee
	default:
		return c.Penalty
	}
}

func (c *Components) Add(k Component, m money.Money) {
	switch k {
	case Principal:
		c.Principal = c.Principal.Add(m)
	case Interest:
		c.Interest = c.Interest.Add(m)
	case Fee:
		c.Fee = c.Fee.Add(m)
	default:
		c.Penalty = c.Penalty.Add(m)
	}
}

func (c Components) Plus(o Components) Components {
	return Components{
		Principal: c.Principal.Add(o.Principal),
		Interest:  c.Interest.Add(o.Interest),
		Fee:       c.Fee.Add(o.Fee),
		Penalty:   c.Penalty.Add(o.Penalty),
	}
}

func (c Components) Minus(o Components) Components {
	return Components{
		Principal: c.Principal.Sub(o.Principal),
		Interest:  c.Interest.Sub(o.Interest),
		Fee:       c.Fee.Sub(o.Fee),
		Penalty:   c.Penalty.Sub(o.Penalty),
	}
}

func (c Components) Total() money.Money {
	return money.Sum(c.Principal, c.Interest, c.Fee, c.Penalty)
}

func (c Components) IsZero() bool {
	return c.Principal.IsZero() && c.Interest.IsZero() && c.Fee.IsZero() && c.Penalty.IsZero()
}

// AnyNegative reports a component below zero, which is an invariant breach
// once a replay pass has finished.
func (c Components) AnyNegative() bool {
	return c.Principal.IsNegative() || c.Interest.IsNegative() || c.Fee.IsNegative() || c.Penalty.IsNegative()
}

// =============================================================================
// INSTALLMENT
// =============================================================================

type Installment struct {
	Number   int           `json:"period"`
	FromDate calendar.Date `json:"fromDate"`
	DueDate  calendar.Date `json:"dueDate"`

	Disbursement bool `json:"disbursement,omitempty"`
	DownPayment  bool `json:"downPayment,omitempty"`
	Additional   bool `json:"additional,omitempty"`

	DisbursedAmount    money.Money `json:"disbursedAmount"`
	OutstandingBalance money.Money `json:"principalLoanBalanceOutstanding"`

	Due        Components `json:"due"`
	Paid       Components `json:"paid"`
	Waived     Components `json:"waived"`
	WrittenOff Components `json:"writtenOff"`

	// CreditedPrincipal is principal added back by chargebacks. It is kept
	// apart from Due so that Due.Principal always sums to disbursed principal.
	CreditedPrincipal money.Money `json:"creditedPrincipal"`

	Complete         bool          `json:"complete"`
	ObligationsMetOn calendar.Date `json:"obligationsMetOnDate"`
}

// IsRepayment is true for every row that carries obligations.
func (i Installment) IsRepayment() bool { return !i.Disbursement }

// Obligation is due plus credited principal.
func (i Installment) Obligation() Components {
	o := i.Due
	o.Principal = o.Principal.Add(i.CreditedPrincipal)
	return o
}

// Settled is everything paid, waived or written off.
func (i Installment) Settled() Components {
	return i.Paid.Plus(i.Waived).Plus(i.WrittenOff)
}

// Outstanding is obligation minus settled, per component.
func (i Installment) Outstanding() Components {
	if i.Disbursement {
		return Components{}
	}
	return i.Obligation().Minus(i.Settled())
}

// =============================================================================
// SCHEDULE
// =============================================================================

type Schedule struct {
	Installments []Installment `json:"periods"`
	// Expected marks the pre-disbursement projection shown after approval.
	Expected bool `json:"expected"`
}

// Tranche is one disbursement as seen by the builder.
type Tranche struct {
	Amount money.Money
	Date   calendar.Date
}

// Clone deep-copies the schedule. Installment holds only values.
func (s Schedule) Clone() Schedule {
	return Schedule{
		Installments: append([]Installment(nil), s.Installments...),
		Expected:     s.Expected,
	}
}

func (s Schedule) IsEmpty() bool { return len(s.Installments) == 0 }

// Disbursed is the sum of all disbursement rows.
func (s Schedule) Disbursed() money.Money {
	total := money.Zero
	for _, in := range s.Installments {
		if in.Disbursement {
			total = total.Add(in.DisbursedAmount)
		}
	}
	return total
}

// Due sums due amounts over repayment rows.
func (s Schedule) Due() Components {
	var total Components
	for _, in := range s.Installments {
		if in.IsRepayment() {
			total = total.Plus(in.Due)
		}
	}
	return total
}

// Outstanding sums outstanding amounts over repayment rows.
func (s Schedule) Outstanding() Components {
	var total Components
	for _, in := range s.Installments {
		if in.IsRepayment() {
			total = total.Plus(in.Outstanding())
		}
	}
	return total
}

// Settled sums paid, waived and written-off amounts.
func (s Schedule) Settled() Components {
	var total Components
	for _, in := range s.Installments {
		if in.IsRepayment() {
			total = total.Plus(in.Settled())
		}
	}
	return total
}

// InterestDueThrough sums interest due on rows due on or before date.
func (s Schedule) InterestDueThrough(date calendar.Date) money.Money {
	total := money.Zero
	for _, in := range s.Installments {
		if in.IsRepayment() && in.DueDate.BeforeOrEqual(date) {
			total = total.Add(in.Due.Interest)
		}
	}
	return total
}

// MaturityDate is the due date of the last repayment row.
func (s Schedule) MaturityDate() calendar.Date {
	var last calendar.Date
	for _, in := range s.Installments {
		if in.IsRepayment() && in.DueDate.After(last) {
			last = in.DueDate
		}
	}
	return last
}
