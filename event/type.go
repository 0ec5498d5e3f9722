// Package event defines the closed set of loan transaction types.
//
// Every switch over Type in the engine (accounting resolver, processor,
// replay ranking) lists all values; adding a type means visiting each of
// them, and the default branches return an error instead of guessing.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Type int

const (
	Disbursement Type = iota + 1
	DownPayment
	Repayment
	WaiveInterest
	WaiveCharge
	WriteOff
	UndoWriteOff
	GoodwillCredit
	MerchantRefund
	PayoutRefund
	RecoveryPayment
	ChargeOff
	Chargeback
	CreditBalanceRefund
	ChargePayment
	ChargeAdjustment
	Accrual
)

var names = map[Type]string{
	Disbursement:        "DISBURSEMENT",
	DownPayment:         "DOWN_PAYMENT",
	Repayment:           "REPAYMENT",
	WaiveInterest:       "WAIVE_INTEREST",
	WaiveCharge:         "WAIVE_CHARGE",
	WriteOff:            "WRITE_OFF",
	UndoWriteOff:        "UNDO_WRITE_OFF",
	GoodwillCredit:      "GOODWILL_CREDIT",
	MerchantRefund:      "MERCHANT_REFUND",
	PayoutRefund:        "PAYOUT_REFUND",
	RecoveryPayment:     "RECOVERY_PAYMENT",
	ChargeOff:           "CHARGE_OFF",
	Chargeback:          "CHARGEBACK",
	CreditBalanceRefund: "CREDIT_BALANCE_REFUND",
	ChargePayment:       "CHARGE_PAYMENT",
	ChargeAdjustment:    "CHARGE_ADJUSTMENT",
	Accrual:             "ACCRUAL",
}

// All lists every type in declaration order.
func All() []Type {
	out := make([]Type, 0, len(names))
	for t := Disbursement; t <= Accrual; t++ {
		out = append(out, t)
	}
	return out
}

func (t Type) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

func (t Type) Valid() bool {
	_, ok := names[t]
	return ok
}

// Parse accepts the upper-case wire name, case-insensitively.
func Parse(s string) (Type, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for t, n := range names {
		if n == want {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown transaction type %q", s)
}

func (t Type) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// IsRepaymentLike reports whether the type brings money in and is allocated
// across the schedule in the configured component order.
func (t Type) IsRepaymentLike() bool {
	switch t {
	case DownPayment, Repayment, GoodwillCredit, MerchantRefund, PayoutRefund, ChargeAdjustment:
		return true
	}
	return false
}

// IsChargebackable reports whether a chargeback may reference the type.
func (t Type) IsChargebackable() bool {
	switch t {
	case Repayment, GoodwillCredit, MerchantRefund, PayoutRefund, DownPayment:
		return true
	}
	return false
}

// IsSystemGenerated reports types the engine creates itself and rejects
// from external submission.
func (t Type) IsSystemGenerated() bool {
	return t == Accrual
}

// ShapesSchedule reports types whose application rewrites schedule rows or
// due amounts rather than only paid amounts.
func (t Type) ShapesSchedule() bool {
	switch t {
	case Disbursement, Chargeback, Accrual:
		return true
	}
	return false
}

// Rank orders types that share a date: disbursements first, charge-off last
// of its business day.
func (t Type) Rank() int {
	switch t {
	case Disbursement:
		return 0
	case DownPayment:
		return 1
	case Accrual:
		return 2
	case ChargeOff:
		return 4
	default:
		return 3
	}
}
