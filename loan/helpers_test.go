package loan_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/accounting"
	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/loan"
	"github.com/warp/loan-ledger/loan/store"
	"github.com/warp/loan-ledger/money"
	"github.com/warp/loan-ledger/schedule"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	glFund int64 = iota + 1
	glPortfolio
	glInterestReceivable
	glFeeReceivable
	glPenaltyReceivable
	glInterestIncome
	glFeeIncome
	glPenaltyIncome
	glOverpayment
	glWriteOff
	glGoodwill
	glChargeOff
	glChargeOffFraud
	glChargeOffInterest
	glChargeOffFees
	glChargeOffPenalty
	glRecovery
)

var mapping = accounting.Mapping{
	FundSource:            glFund,
	LoanPortfolio:         glPortfolio,
	InterestReceivable:    glInterestReceivable,
	FeeReceivable:         glFeeReceivable,
	PenaltyReceivable:     glPenaltyReceivable,
	InterestIncome:        glInterestIncome,
	FeeIncome:             glFeeIncome,
	PenaltyIncome:         glPenaltyIncome,
	OverpaymentLiability:  glOverpayment,
	WriteOffExpense:       glWriteOff,
	GoodwillExpense:       glGoodwill,
	ChargeOffExpense:      glChargeOff,
	ChargeOffFraudExpense: glChargeOffFraud,
	ChargeOffInterest:     glChargeOffInterest,
	ChargeOffFees:         glChargeOffFees,
	ChargeOffPenalty:      glChargeOffPenalty,
	Recovery:              glRecovery,
}

func m(s string) money.Money { return money.MustParse(s) }

func d(s string) calendar.Date { return calendar.MustParse(s) }

// flatProduct: flat 1% per month, repaid every 2 months, 5 times.
func flatProduct() loan.Product {
	return loan.Product{
		ID:       "flat",
		Currency: "USD",
		Digits:   2,
		Schedule: schedule.Params{
			NumberOfRepayments:    5,
			RepaymentEvery:        2,
			RepaymentUnit:         money.Months,
			InterestRatePerPeriod: decimal.NewFromInt(1),
			InterestRateFrequency: money.PerMonth,
			Amortization:          schedule.EqualPrincipal,
			Interest:              schedule.Flat,
			DayCount:              money.Actual,
			RepaymentStart:        schedule.FromDisbursementDate,
		},
		Rule:     accounting.CashBased,
		Accounts: mapping,
	}
}

// simpleProduct: interest free, one repayment after 30 days.
func simpleProduct() loan.Product {
	return loan.Product{
		ID:       "simple",
		Currency: "USD",
		Digits:   2,
		Schedule: schedule.Params{
			NumberOfRepayments:    1,
			RepaymentEvery:        30,
			RepaymentUnit:         money.Days,
			InterestRatePerPeriod: decimal.Zero,
			InterestRateFrequency: money.PerMonth,
			Amortization:          schedule.EqualPrincipal,
			Interest:              schedule.Flat,
			DayCount:              money.Actual,
			RepaymentStart:        schedule.FromDisbursementDate,
		},
		Rule:     accounting.CashBased,
		Accounts: mapping,
	}
}

// downPaymentProduct: simpleProduct with 25% auto-repaid down payment and
// several tranches.
func downPaymentProduct() loan.Product {
	p := simpleProduct()
	p.ID = "down-payment"
	p.MultiDisburse = true
	p.Schedule.DownPayment = schedule.DownPayment{
		Enabled:    true,
		Percentage: decimal.NewFromInt(25),
		AutoRepay:  true,
	}
	return p
}

func accrualProduct() loan.Product {
	p := flatProduct()
	p.ID = "accrual"
	p.Rule = accounting.AccrualPeriodic
	return p
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.TxMemory
	clock  *loan.FixedClock
	engine *loan.Engine
}

func newFixture(t *testing.T, today string) *fixture {
	t.Helper()
	products := loan.StaticProducts{}
	for _, p := range []loan.Product{flatProduct(), simpleProduct(), downPaymentProduct(), accrualProduct()} {
		products[p.ID] = p
	}
	s := store.NewTxMemory()
	clock := loan.NewFixedClock(d(today))
	return &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  s,
		clock:  clock,
		engine: loan.NewEngine(s, products, loan.WithClock(clock)),
	}
}

// approvedLoan creates and approves a loan submitted on the given date.
func (f *fixture) approvedLoan(productID, principal, on string) loan.Ref {
	f.t.Helper()
	acct, err := f.engine.CreateLoan(f.ctx, loan.Application{
		ProductID:   productID,
		Principal:   m(principal),
		SubmittedOn: d(on),
	})
	require.NoError(f.t, err)
	_, err = f.engine.Approve(f.ctx, loan.ByID(acct.ID), d(on))
	require.NoError(f.t, err)
	return loan.ByID(acct.ID)
}

func (f *fixture) submit(ref loan.Ref, typ event.Type, date, amount string) *loan.TransactionResult {
	f.t.Helper()
	res, err := f.engine.SubmitTransaction(f.ctx, ref, loan.Command{Type: typ, Date: d(date), Amount: m(amount)})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) disburse(ref loan.Ref, date, amount string) *loan.TransactionResult {
	f.t.Helper()
	return f.submit(ref, event.Disbursement, date, amount)
}

func (f *fixture) repay(ref loan.Ref, date, amount string) *loan.TransactionResult {
	f.t.Helper()
	return f.submit(ref, event.Repayment, date, amount)
}

func (f *fixture) scheduleOf(ref loan.Ref) schedule.Schedule {
	f.t.Helper()
	rows, err := f.engine.GetRepaymentSchedule(f.ctx, ref)
	require.NoError(f.t, err)
	return schedule.Schedule{Installments: rows}
}

func (f *fixture) view(ref loan.Ref) *loan.LoanView {
	f.t.Helper()
	v, err := f.engine.GetLoan(f.ctx, ref)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) entries(ref loan.Ref) []ledger.Entry {
	f.t.Helper()
	entries, err := f.store.LoadEntries(f.ctx, ref.ID)
	require.NoError(f.t, err)
	return entries
}

// netByAccount returns DEBIT-minus-CREDIT per GL account over entries.
func netByAccount(entries []ledger.Entry) map[int64]string {
	out := map[int64]string{}
	seen := map[int64]bool{}
	for _, e := range entries {
		seen[e.GLAccountID] = true
	}
	for id := range seen {
		out[id] = ledger.AccountBalance(entries, id).String()
	}
	return out
}

// legs flattens entries into "TYPE account amount" strings, skipping
// reversals unless asked.
func legs(entries []ledger.Entry, reversals bool) map[string]string {
	out := map[string]string{}
	for _, e := range entries {
		if e.Reversal != reversals {
			continue
		}
		key := string(e.Type) + " " + accountName(e.GLAccountID)
		out[key] = e.Amount.String()
	}
	return out
}

func accountName(id int64) string {
	switch id {
	case glFund:
		return "fund"
	case glPortfolio:
		return "portfolio"
	case glInterestReceivable:
		return "interest_receivable"
	case glInterestIncome:
		return "interest_income"
	case glFeeIncome:
		return "fee_income"
	case glPenaltyIncome:
		return "penalty_income"
	case glOverpayment:
		return "overpayment"
	case glWriteOff:
		return "write_off"
	case glChargeOff:
		return "charge_off"
	case glChargeOffFraud:
		return "charge_off_fraud"
	case glChargeOffFees:
		return "charge_off_fees"
	case glRecovery:
		return "recovery"
	case glGoodwill:
		return "goodwill"
	}
	return "other"
}

func requireBalanced(t *testing.T, entries []ledger.Entry) {
	t.Helper()
	debits, credits := ledger.Totals(entries)
	require.True(t, debits.Equal(credits), "debits %s != credits %s", debits, credits)
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, loan.CodeOf(err), "error: %v", err)
}
