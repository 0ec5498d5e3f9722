package accounting_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/accounting"
	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/money"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var accounts = accounting.Mapping{
	FundSource:            1,
	LoanPortfolio:         2,
	InterestReceivable:    3,
	FeeReceivable:         4,
	PenaltyReceivable:     5,
	InterestIncome:        6,
	FeeIncome:             7,
	PenaltyIncome:         8,
	OverpaymentLiability:  9,
	WriteOffExpense:       10,
	GoodwillExpense:       11,
	ChargeOffExpense:      12,
	ChargeOffFraudExpense: 13,
	ChargeOffInterest:     14,
	ChargeOffFees:         15,
	ChargeOffPenalty:      16,
	Recovery:              17,
}

func m(s string) money.Money { return money.MustParse(s) }

// net returns DEBIT-minus-CREDIT per account.
func net(postings []ledger.Posting) map[int64]string {
	out := map[int64]money.Money{}
	for _, p := range postings {
		if p.Type == ledger.Debit {
			out[p.GLAccountID] = out[p.GLAccountID].Add(p.Amount)
		} else {
			out[p.GLAccountID] = out[p.GLAccountID].Sub(p.Amount)
		}
	}
	s := map[int64]string{}
	for k, v := range out {
		s[k] = v.String()
	}
	return s
}

func assertBalanced(t *testing.T, postings []ledger.Posting) {
	t.Helper()
	debits, credits := money.Zero, money.Zero
	for _, p := range postings {
		if p.Type == ledger.Debit {
			debits = debits.Add(p.Amount)
		} else {
			credits = credits.Add(p.Amount)
		}
	}
	assert.True(t, debits.Equal(credits), "debits %s != credits %s", debits, credits)
}

// =============================================================================
// TESTS
// =============================================================================

func TestResolve_RepaymentAccrual(t *testing.T) {
	r := accounting.NewResolver(accounting.AccrualPeriodic, accounts)

	postings, err := r.Resolve(accounting.Event{
		Type:      event.Repayment,
		Total:     m("2200"),
		Principal: m("2000"),
		Interest:  m("200"),
	})

	require.NoError(t, err)
	assertBalanced(t, postings)
	assert.Equal(t, map[int64]string{1: "2200", 2: "-2000", 3: "-200"}, net(postings))
}

func TestResolve_RepaymentCashCreditsIncome(t *testing.T) {
	r := accounting.NewResolver(accounting.CashBased, accounts)

	postings, err := r.Resolve(accounting.Event{
		Type:        event.Repayment,
		Total:       m("2300"),
		Principal:   m("2000"),
		Interest:    m("200"),
		Overpayment: m("100"),
	})

	require.NoError(t, err)
	assertBalanced(t, postings)
	assert.Equal(t, map[int64]string{1: "2300", 2: "-2000", 6: "-200", 9: "-100"}, net(postings))
}

func TestResolve_ChargeOff(t *testing.T) {
	ev := accounting.Event{
		Type:      event.ChargeOff,
		Total:     m("1020"),
		Principal: m("1000"),
		Fee:       m("10"),
		Penalty:   m("10"),
	}

	t.Run("accrual", func(t *testing.T) {
		postings, err := accounting.NewResolver(accounting.AccrualPeriodic, accounts).Resolve(ev)
		require.NoError(t, err)
		assertBalanced(t, postings)
		assert.Equal(t, map[int64]string{
			2: "-1000", 4: "-10", 5: "-10",
			12: "1000", 15: "10", 16: "10",
		}, net(postings))
	})

	t.Run("cash", func(t *testing.T) {
		postings, err := accounting.NewResolver(accounting.CashBased, accounts).Resolve(ev)
		require.NoError(t, err)
		assertBalanced(t, postings)
		assert.Equal(t, map[int64]string{
			2: "-1000", 7: "-10", 8: "-10",
			12: "1000", 15: "10", 16: "10",
		}, net(postings))
	})

	t.Run("fraud", func(t *testing.T) {
		fraud := ev
		fraud.Fraud = true
		postings, err := accounting.NewResolver(accounting.CashBased, accounts).Resolve(fraud)
		require.NoError(t, err)
		assert.Equal(t, "1000", net(postings)[13])
		_, hasRegular := net(postings)[12]
		assert.False(t, hasRegular)
	})
}

func TestResolve_AfterChargeOff(t *testing.T) {
	r := accounting.NewResolver(accounting.AccrualPeriodic, accounts)

	t.Run("repayment credits recovery and overpayment", func(t *testing.T) {
		postings, err := r.Resolve(accounting.Event{
			Type:        event.Repayment,
			Total:       m("720"),
			Principal:   m("600"),
			Fee:         m("20"),
			Overpayment: m("100"),
			ChargedOff:  true,
		})
		require.NoError(t, err)
		assertBalanced(t, postings)
		assert.Equal(t, map[int64]string{1: "720", 17: "-620", 9: "-100"}, net(postings))
	})

	t.Run("merchant refund offsets charge-off expense", func(t *testing.T) {
		postings, err := r.Resolve(accounting.Event{
			Type:       event.MerchantRefund,
			Total:      m("100"),
			Principal:  m("100"),
			ChargedOff: true,
		})
		require.NoError(t, err)
		assert.Equal(t, map[int64]string{1: "100", 12: "-100"}, net(postings))
	})

	t.Run("goodwill credit", func(t *testing.T) {
		postings, err := r.Resolve(accounting.Event{
			Type:       event.GoodwillCredit,
			Total:      m("100"),
			Principal:  m("100"),
			ChargedOff: true,
		})
		require.NoError(t, err)
		assert.Equal(t, map[int64]string{11: "100", 17: "-100"}, net(postings))
	})
}

func TestResolve_Disbursement(t *testing.T) {
	ev := accounting.Event{Type: event.Disbursement, Total: m("1000"), Principal: m("1000"), UpfrontInterest: m("50")}

	postings, err := accounting.NewResolver(accounting.CashBased, accounts).Resolve(ev)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "-1000", 2: "1000"}, net(postings))

	postings, err = accounting.NewResolver(accounting.AccrualUpfront, accounts).Resolve(ev)
	require.NoError(t, err)
	assertBalanced(t, postings)
	assert.Equal(t, map[int64]string{1: "-1000", 2: "1000", 3: "50", 6: "-50"}, net(postings))
}

func TestResolve_UpfrontAccrualBooksInterestReceivable(t *testing.T) {
	// GIVEN: A disbursement of 1000 with 50 of scheduled interest under
	// upfront accrual
	ev := accounting.Event{Type: event.Disbursement, Total: m("1000"), Principal: m("1000"), UpfrontInterest: m("50")}

	// WHEN: Resolving its postings
	postings, err := accounting.NewResolver(accounting.AccrualUpfront, accounts).Resolve(ev)
	require.NoError(t, err)

	// THEN: The interest leg is DEBIT interest receivable / CREDIT interest
	// income, and the fund source only moves by the principal
	legs := map[string]string{}
	for _, p := range postings {
		legs[fmt.Sprintf("%s %d", p.Type, p.GLAccountID)] = p.Amount.String()
	}
	assert.Equal(t, map[string]string{
		"DEBIT 2":  "1000",
		"CREDIT 1": "1000",
		"DEBIT 3":  "50",
		"CREDIT 6": "50",
	}, legs)

	// THEN: Periodic accrual books nothing extra at disbursement
	postings, err = accounting.NewResolver(accounting.AccrualPeriodic, accounts).Resolve(ev)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "-1000", 2: "1000"}, net(postings))
}

func TestResolve_WaiversOnlyPostUnderAccrual(t *testing.T) {
	ev := accounting.Event{Type: event.WaiveInterest, Total: m("30"), Interest: m("30")}

	postings, err := accounting.NewResolver(accounting.CashBased, accounts).Resolve(ev)
	require.NoError(t, err)
	assert.Empty(t, postings)

	postings, err = accounting.NewResolver(accounting.AccrualPeriodic, accounts).Resolve(ev)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{6: "30", 3: "-30"}, net(postings))
}

func TestResolve_Chargeback(t *testing.T) {
	r := accounting.NewResolver(accounting.CashBased, accounts)

	postings, err := r.Resolve(accounting.Event{
		Type:            event.Chargeback,
		Total:           m("150"),
		Principal:       m("100"),
		OverpaymentUsed: m("50"),
	})
	require.NoError(t, err)
	assertBalanced(t, postings)
	assert.Equal(t, map[int64]string{1: "-150", 9: "50", 2: "100"}, net(postings))
}

func TestResolve_EveryTypeBalances(t *testing.T) {
	for _, rule := range []accounting.Rule{accounting.CashBased, accounting.AccrualPeriodic, accounting.AccrualUpfront, accounting.None} {
		r := accounting.NewResolver(rule, accounts)
		for _, typ := range event.All() {
			postings, err := r.Resolve(accounting.Event{
				Type:      typ,
				Total:     m("40"),
				Principal: m("10"),
				Interest:  m("10"),
				Fee:       m("10"),
				Penalty:   m("10"),
			})
			require.NoError(t, err, "%s/%s", rule, typ)
			assertBalanced(t, postings)
			if rule == accounting.None {
				assert.Empty(t, postings)
			}
		}
	}
}

func TestMapping_Validate(t *testing.T) {
	var all []accounting.GLAccount
	for id := int64(1); id <= 17; id++ {
		all = append(all, accounting.GLAccount{ID: id, Code: fmt.Sprintf("%03d", id)})
	}
	chart := accounting.NewChart(all...)
	require.NoError(t, accounts.Validate(accounting.AccrualPeriodic, chart))

	broken := accounts
	broken.Recovery = 99
	assert.ErrorIs(t, broken.Validate(accounting.CashBased, chart), accounting.ErrUnknownGLAccount)

	missing := accounts
	missing.FundSource = 0
	assert.ErrorIs(t, missing.Validate(accounting.CashBased, chart), accounting.ErrUnknownGLAccount)
	assert.NoError(t, missing.Validate(accounting.None, chart))
}
