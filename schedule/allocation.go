package schedule

import (
	"errors"
	"fmt"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/money"
)

// ErrNegativeRemainder is returned when undoing an allocation would drive a
// bucket below zero. It means the allocation log and the schedule diverged.
var ErrNegativeRemainder = errors.New("allocation undo would leave a negative balance")

// Bucket is the installment field an allocation moved money into.
type Bucket int

const (
	Paid Bucket = iota
	Waived
	WrittenOff
	Credited
)

func (b Bucket) String() string {
	switch b {
	case Paid:
		return "PAID"
	case Waived:
		return "WAIVED"
	case WrittenOff:
		return "WRITTEN_OFF"
	case Credited:
		return "CREDITED"
	}
	return fmt.Sprintf("Bucket(%d)", int(b))
}

// Allocation records one amount moved into one bucket of one row. Undo
// applies the exact inverse.
type Allocation struct {
	Row       int
	Bucket    Bucket
	Component Component
	Amount    money.Money
}

type Allocations []Allocation

// Portions sums allocated amounts per component.
func (a Allocations) Portions() Components {
	var c Components
	for _, al := range a {
		c.Add(al.Component, al.Amount)
	}
	return c
}

// Total is the sum of every allocation.
func (a Allocations) Total() money.Money {
	return a.Portions().Total()
}

// TotalDue is the sum of every obligation, including credited principal.
func (s Schedule) TotalDue() money.Money {
	total := money.Zero
	for _, in := range s.Installments {
		if in.IsRepayment() {
			total = total.Add(in.Obligation().Total())
		}
	}
	return total
}

// =============================================================================
// PAYMENTS
// =============================================================================

// Pay allocates amount horizontally: each installment in due order is
// settled in component order before moving to the next. The unallocated
// remainder is returned.
func (s *Schedule) Pay(amount money.Money, order []Component, date calendar.Date) (Allocations, money.Money) {
	var allocs Allocations
	remaining := amount
	for i := range s.Installments {
		if !remaining.IsPositive() {
			break
		}
		if s.Installments[i].Disbursement {
			continue
		}
		remaining = s.settle(i, Paid, order, remaining, date, &allocs)
	}
	return allocs, remaining
}

// PayInstallment settles a single row; used for the down payment, which
// must land on its own installment first.
func (s *Schedule) PayInstallment(row int, amount money.Money, order []Component, date calendar.Date) (Allocations, money.Money) {
	var allocs Allocations
	remaining := s.settle(row, Paid, order, amount, date, &allocs)
	return allocs, remaining
}

// PayCharge pays the fee or penalty outstanding on one row.
func (s *Schedule) PayCharge(row int, penalty bool, amount money.Money, date calendar.Date) (Allocations, money.Money) {
	var allocs Allocations
	remaining := s.settle(row, Paid, []Component{chargeComponent(penalty)}, amount, date, &allocs)
	return allocs, remaining
}

// =============================================================================
// WAIVERS AND WRITE-OFF
// =============================================================================

// WaiveInterest waives outstanding interest, earliest installment first.
func (s *Schedule) WaiveInterest(amount money.Money, date calendar.Date) (Allocations, money.Money) {
	var allocs Allocations
	remaining := amount
	for i := range s.Installments {
		if !remaining.IsPositive() {
			break
		}
		if s.Installments[i].Disbursement {
			continue
		}
		remaining = s.settle(i, Waived, []Component{Interest}, remaining, date, &allocs)
	}
	return allocs, remaining
}

// WaiveCharge waives the fee or penalty outstanding on one row.
func (s *Schedule) WaiveCharge(row int, penalty bool, amount money.Money, date calendar.Date) (Allocations, money.Money) {
	var allocs Allocations
	remaining := s.settle(row, Waived, []Component{chargeComponent(penalty)}, amount, date, &allocs)
	return allocs, remaining
}

// WriteOffAll moves every outstanding amount into WrittenOff.
func (s *Schedule) WriteOffAll(date calendar.Date) Allocations {
	var allocs Allocations
	for i, in := range s.Installments {
		if in.Disbursement {
			continue
		}
		out := in.Outstanding()
		s.settle(i, WrittenOff, DefaultAllocationOrder, out.Total(), date, &allocs)
	}
	return allocs
}

// =============================================================================
// CHARGEBACK
// =============================================================================

// Credit adds principal back as a new obligation on the first repayment row
// due on or after date, or on the last row when date is past maturity.
func (s *Schedule) Credit(amount money.Money, date calendar.Date) (Allocations, error) {
	row := -1
	for i, in := range s.Installments {
		if in.Disbursement || in.DownPayment {
			continue
		}
		if row < 0 && !in.DueDate.Before(date) {
			row = i
		}
	}
	if row < 0 {
		row = s.lastRepaymentRow()
	}
	if row < 0 {
		return nil, ErrNoRepaymentRow
	}
	in := &s.Installments[row]
	in.CreditedPrincipal = in.CreditedPrincipal.Add(amount)
	in.refreshComplete(date)
	return Allocations{{Row: row, Bucket: Credited, Component: Principal, Amount: amount}}, nil
}

func (s Schedule) lastRepaymentRow() int {
	last := -1
	for i, in := range s.Installments {
		if in.IsRepayment() {
			last = i
		}
	}
	return last
}

// =============================================================================
// UNDO
// =============================================================================

// Undo reverses allocations latest first. Rows must not have been reordered
// since the allocations were made.
func (s *Schedule) Undo(allocs Allocations) error {
	for k := len(allocs) - 1; k >= 0; k-- {
		al := allocs[k]
		if al.Row < 0 || al.Row >= len(s.Installments) {
			return fmt.Errorf("%w: row %d out of range", ErrNegativeRemainder, al.Row)
		}
		in := &s.Installments[al.Row]
		var target *Components
		switch al.Bucket {
		case Paid:
			target = &in.Paid
		case Waived:
			target = &in.Waived
		case WrittenOff:
			target = &in.WrittenOff
		case Credited:
			if in.CreditedPrincipal.LessThan(al.Amount) {
				return fmt.Errorf("%w: credited principal on period %d", ErrNegativeRemainder, in.Number)
			}
			in.CreditedPrincipal = in.CreditedPrincipal.Sub(al.Amount)
			in.refreshComplete(calendar.Date{})
			continue
		}
		if target.Get(al.Component).LessThan(al.Amount) {
			return fmt.Errorf("%w: %s %s on period %d", ErrNegativeRemainder, al.Bucket, al.Component, in.Number)
		}
		target.Add(al.Component, al.Amount.Neg())
		in.refreshComplete(calendar.Date{})
	}
	return nil
}

// settle moves up to amount of row's outstanding, in order, into bucket and
// returns what is left.
func (s *Schedule) settle(row int, bucket Bucket, order []Component, amount money.Money, date calendar.Date, allocs *Allocations) money.Money {
	in := &s.Installments[row]
	out := in.Outstanding()
	for _, c := range order {
		if !amount.IsPositive() {
			break
		}
		take := out.Get(c).Min(amount)
		if !take.IsPositive() {
			continue
		}
		switch bucket {
		case Paid:
			in.Paid.Add(c, take)
		case Waived:
			in.Waived.Add(c, take)
		case WrittenOff:
			in.WrittenOff.Add(c, take)
		}
		amount = amount.Sub(take)
		*allocs = append(*allocs, Allocation{Row: row, Bucket: bucket, Component: c, Amount: take})
	}
	in.refreshComplete(date)
	return amount
}

func chargeComponent(penalty bool) Component {
	if penalty {
		return Penalty
	}
	return Fee
}
