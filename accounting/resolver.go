package accounting

import (
	"errors"
	"fmt"

	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/money"
)

// ErrUnsupportedEvent is returned for a transaction type with no template.
var ErrUnsupportedEvent = errors.New("no accounting template for transaction type")

// Event is the accounting view of one applied loan transaction.
type Event struct {
	Type event.Type

	Total       money.Money
	Principal   money.Money
	Interest    money.Money
	Fee         money.Money
	Penalty     money.Money
	Overpayment money.Money

	// ChargedOff is true when the loan was already charged off before this
	// transaction was applied.
	ChargedOff bool
	Fraud      bool

	// UpfrontInterest is the scheduled interest added by a disbursement,
	// booked only under ACCRUAL_UPFRONT.
	UpfrontInterest money.Money

	// OverpaymentUsed is the part of a chargeback absorbed by an existing
	// overpayment balance.
	OverpaymentUsed money.Money

	// PenaltyCharge selects penalty income as the funding side of a charge
	// adjustment.
	PenaltyCharge bool
}

// Resolver turns events into postings for one product.
type Resolver struct {
	Rule     Rule
	Accounts Mapping
}

func NewResolver(rule Rule, accounts Mapping) Resolver {
	return Resolver{Rule: rule, Accounts: accounts}
}

// Resolve returns the canonical posting set for ev. The result always
// balances; the journal re-checks it anyway.
func (r Resolver) Resolve(ev Event) ([]ledger.Posting, error) {
	if r.Rule == None {
		return nil, nil
	}
	a := r.Accounts
	b := &batch{}

	switch ev.Type {
	case event.Disbursement:
		b.debit(a.LoanPortfolio, ev.Principal)
		b.credit(a.FundSource, ev.Principal)
		if r.Rule == AccrualUpfront {
			b.debit(a.InterestReceivable, ev.UpfrontInterest)
			b.credit(a.InterestIncome, ev.UpfrontInterest)
		}

	case event.DownPayment, event.Repayment, event.ChargePayment:
		b.debit(a.FundSource, ev.Total)
		r.collect(b, ev, a.Recovery)

	case event.MerchantRefund, event.PayoutRefund:
		b.debit(a.FundSource, ev.Total)
		r.collect(b, ev, r.chargeOffExpense(ev))

	case event.GoodwillCredit:
		b.debit(a.GoodwillExpense, ev.Total)
		r.collect(b, ev, a.Recovery)

	case event.ChargeAdjustment:
		if ev.PenaltyCharge {
			b.debit(a.PenaltyIncome, ev.Total)
		} else {
			b.debit(a.FeeIncome, ev.Total)
		}
		r.collect(b, ev, a.Recovery)

	case event.WaiveInterest, event.WaiveCharge:
		if r.Rule.IsAccrual() {
			b.debit(a.InterestIncome, ev.Interest)
			b.credit(a.InterestReceivable, ev.Interest)
			b.debit(a.FeeIncome, ev.Fee)
			b.credit(a.FeeReceivable, ev.Fee)
			b.debit(a.PenaltyIncome, ev.Penalty)
			b.credit(a.PenaltyReceivable, ev.Penalty)
		}

	case event.WriteOff:
		b.credit(a.LoanPortfolio, ev.Principal)
		expense := ev.Principal
		if r.Rule.IsAccrual() {
			b.credit(a.InterestReceivable, ev.Interest)
			b.credit(a.FeeReceivable, ev.Fee)
			b.credit(a.PenaltyReceivable, ev.Penalty)
			expense = money.Sum(ev.Principal, ev.Interest, ev.Fee, ev.Penalty)
		}
		b.debit(a.WriteOffExpense, expense)

	case event.UndoWriteOff:
		// Compensation comes from reversing the write-off itself.

	case event.RecoveryPayment:
		b.debit(a.FundSource, ev.Total)
		b.credit(a.Recovery, ev.Total)

	case event.ChargeOff:
		r.creditComponents(b, ev)
		b.debit(r.chargeOffExpense(ev), ev.Principal)
		b.debit(a.ChargeOffInterest, ev.Interest)
		b.debit(a.ChargeOffFees, ev.Fee)
		b.debit(a.ChargeOffPenalty, ev.Penalty)

	case event.Chargeback:
		b.credit(a.FundSource, ev.Total)
		b.debit(a.OverpaymentLiability, ev.OverpaymentUsed)
		rest := ev.Total.Sub(ev.OverpaymentUsed)
		if ev.ChargedOff {
			b.debit(r.chargeOffExpense(ev), rest)
		} else {
			b.debit(a.LoanPortfolio, rest)
		}

	case event.CreditBalanceRefund:
		b.debit(a.OverpaymentLiability, ev.Total)
		b.credit(a.FundSource, ev.Total)

	case event.Accrual:
		if r.Rule.IsAccrual() {
			b.debit(a.InterestReceivable, ev.Interest)
			b.credit(a.InterestIncome, ev.Interest)
			b.debit(a.FeeReceivable, ev.Fee)
			b.credit(a.FeeIncome, ev.Fee)
			b.debit(a.PenaltyReceivable, ev.Penalty)
			b.credit(a.PenaltyIncome, ev.Penalty)
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Type)
	}

	return b.postings, nil
}

// collect credits the receiving side of an inbound payment. Before
// charge-off the portions settle portfolio and receivables; after it the
// whole non-overpaid amount goes to afterChargeOff.
func (r Resolver) collect(b *batch, ev Event, afterChargeOff int64) {
	if ev.ChargedOff {
		b.credit(afterChargeOff, ev.Total.Sub(ev.Overpayment))
	} else {
		r.creditComponents(b, ev)
	}
	b.credit(r.Accounts.OverpaymentLiability, ev.Overpayment)
}

// creditComponents credits principal to the portfolio and interest, fee
// and penalty to receivables (accrual) or income (cash).
func (r Resolver) creditComponents(b *batch, ev Event) {
	a := r.Accounts
	b.credit(a.LoanPortfolio, ev.Principal)
	if r.Rule.IsAccrual() {
		b.credit(a.InterestReceivable, ev.Interest)
		b.credit(a.FeeReceivable, ev.Fee)
		b.credit(a.PenaltyReceivable, ev.Penalty)
		return
	}
	b.credit(a.InterestIncome, ev.Interest)
	b.credit(a.FeeIncome, ev.Fee)
	b.credit(a.PenaltyIncome, ev.Penalty)
}

func (r Resolver) chargeOffExpense(ev Event) int64 {
	if ev.Fraud {
		return r.Accounts.fraudExpense()
	}
	return r.Accounts.ChargeOffExpense
}

// batch collects postings, skipping zero legs.
type batch struct {
	postings []ledger.Posting
}

func (b *batch) debit(account int64, amount money.Money) {
	if amount.IsZero() {
		return
	}
	b.postings = append(b.postings, ledger.DebitOf(account, amount))
}

func (b *batch) credit(account int64, amount money.Money) {
	if amount.IsZero() {
		return
	}
	b.postings = append(b.postings, ledger.CreditOf(account, amount))
}
