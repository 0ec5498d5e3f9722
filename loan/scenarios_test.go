package loan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/loan"
)

// =============================================================================
// FLAT INTEREST SCENARIO
// =============================================================================

func TestScenario_FlatLoanRepayments(t *testing.T) {
	// GIVEN: 10000 at flat 1% per month, 2-month periods, 5 repayments
	f := newFixture(t, "2024-12-31")
	ref := f.approvedLoan("flat", "10000", "2024-01-01")
	f.disburse(ref, "2024-01-01", "10000")

	// WHEN: The first repayment of 2200 arrives on the first due date
	res := f.repay(ref, "2024-03-01", "2200")

	// THEN: Cash is debited 2200, portfolio credited 2000, interest income 200
	assert.Equal(t, map[string]string{
		"DEBIT fund":             "2200",
		"CREDIT portfolio":       "2000",
		"CREDIT interest_income": "200",
	}, legs(res.JournalEntries, false))
	assert.Equal(t, "8000", f.view(ref).Summary.PrincipalOutstanding.String())

	// WHEN: The remaining repayments arrive on their due dates
	f.repay(ref, "2024-05-01", "3000")
	f.repay(ref, "2024-07-01", "900")
	f.repay(ref, "2024-09-01", "2000")
	f.repay(ref, "2024-11-01", "2500")

	// THEN: 10600 of 11000 is repaid and the journal balances
	v := f.view(ref)
	assert.Equal(t, "400", v.Summary.TotalOutstanding.String())
	assert.Equal(t, "10600", v.Summary.TotalPaid.String())
	requireBalanced(t, f.entries(ref))
}

// =============================================================================
// REPLAY EQUIVALENCE
// =============================================================================

func TestScenario_ReplayEquivalence(t *testing.T) {
	// GIVEN: Two identical loans
	f := newFixture(t, "2024-12-31")
	inOrder := f.approvedLoan("flat", "10000", "2024-01-01")
	outOfOrder := f.approvedLoan("flat", "10000", "2024-01-01")
	f.disburse(inOrder, "2024-01-01", "10000")
	f.disburse(outOfOrder, "2024-01-01", "10000")

	// WHEN: The same repayments are submitted in date order to one loan and
	// with the earliest one last to the other
	f.repay(inOrder, "2024-03-01", "2200")
	f.repay(inOrder, "2024-05-01", "3000")
	f.repay(inOrder, "2024-07-01", "900")

	f.repay(outOfOrder, "2024-05-01", "3000")
	f.repay(outOfOrder, "2024-07-01", "900")
	res := f.repay(outOfOrder, "2024-03-01", "2200")

	// THEN: The two later repayments were replayed
	assert.Equal(t, 2, res.ReplayedCount)

	// THEN: Schedules and net journal balances are identical
	assert.Equal(t, f.scheduleOf(inOrder).String(), f.scheduleOf(outOfOrder).String())
	assert.Equal(t, netByAccount(f.entries(inOrder)), netByAccount(f.entries(outOfOrder)))
	assert.Equal(t, f.view(inOrder).Summary, f.view(outOfOrder).Summary)
	requireBalanced(t, f.entries(outOfOrder))
}

func TestScenario_ReplayedTransactionResolvesByExternalID(t *testing.T) {
	// GIVEN: A repayment carrying an external id
	f := newFixture(t, "2024-12-31")
	ref := f.approvedLoan("flat", "10000", "2024-01-01")
	f.disburse(ref, "2024-01-01", "10000")
	orig, err := f.engine.SubmitTransaction(f.ctx, ref, loan.Command{
		Type: event.Repayment, Date: d("2024-05-01"), Amount: m("2200"), ExternalID: "rep-1",
	})
	require.NoError(t, err)

	// WHEN: An earlier repayment forces it to be replayed
	f.repay(ref, "2024-03-01", "100")

	// THEN: The external id resolves to the active replayed copy
	got, err := f.engine.GetTransaction(f.ctx, ref, loan.ByExternalID("rep-1"))
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, got.ID)
	assert.Equal(t, orig.ID, got.OriginalID)
	assert.False(t, got.Reversed)
	assert.Equal(t, "2200", got.Amount.String())
	require.Len(t, got.Relations, 1)
	assert.Equal(t, loan.RelationReplayed, got.Relations[0].Type)

	// THEN: Resolving the original id also lands on the copy
	byID, err := f.engine.GetTransaction(f.ctx, ref, loan.ByID(orig.ID))
	require.NoError(t, err)
	assert.Equal(t, got.ID, byID.ID)

	// THEN: The original keeps its external id, reversed by replay not by hand
	all, err := f.engine.ListTransactions(f.ctx, ref)
	require.NoError(t, err)
	for _, tx := range all {
		if tx.ID == orig.ID {
			assert.True(t, tx.Reversed)
			assert.False(t, tx.ManuallyAdjustedOrReversed)
			assert.Equal(t, "rep-1", tx.ExternalID)
		}
	}
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestScenario_ReversalReplaysLaterTransactions(t *testing.T) {
	// GIVEN: Two repayments, and a control loan holding only the second
	f := newFixture(t, "2024-12-31")
	ref := f.approvedLoan("flat", "10000", "2024-01-01")
	control := f.approvedLoan("flat", "10000", "2024-01-01")
	f.disburse(ref, "2024-01-01", "10000")
	f.disburse(control, "2024-01-01", "10000")
	first := f.repay(ref, "2024-03-01", "2200")
	second := f.repay(ref, "2024-05-01", "3000")
	f.repay(control, "2024-05-01", "3000")

	// WHEN: The first repayment is reversed
	res, err := f.engine.ReverseTransaction(f.ctx, ref, loan.ByID(first.ID), nil, nil)
	require.NoError(t, err)

	// THEN: Its entries are mirrored and the second repayment is replayed
	assert.Equal(t, 1, res.ReplayedCount)
	assert.Equal(t, map[string]string{
		"CREDIT fund":           "2200",
		"DEBIT portfolio":       "2000",
		"DEBIT interest_income": "200",
	}, legs(res.JournalEntries, true))

	replayed, err := f.engine.GetTransaction(f.ctx, ref, loan.ByID(second.ID))
	require.NoError(t, err)
	assert.Equal(t, "2600", replayed.Principal.String())
	assert.Equal(t, "400", replayed.Interest.String())

	// THEN: The loan looks exactly like one that never had the first repayment
	assert.Equal(t, f.scheduleOf(control).String(), f.scheduleOf(ref).String())
	assert.Equal(t, netByAccount(f.entries(control)), netByAccount(f.entries(ref)))
	requireBalanced(t, f.entries(ref))
}

func TestScenario_ReversalIsIdempotent(t *testing.T) {
	// GIVEN: A reversed repayment
	f := newFixture(t, "2024-12-31")
	ref := f.approvedLoan("flat", "10000", "2024-01-01")
	f.disburse(ref, "2024-01-01", "10000")
	rep := f.repay(ref, "2024-03-01", "2200")
	_, err := f.engine.ReverseTransaction(f.ctx, ref, loan.ByID(rep.ID), nil, nil)
	require.NoError(t, err)
	entries := f.entries(ref)
	sched := f.scheduleOf(ref).String()

	// WHEN: Reversing it again
	_, err = f.engine.ReverseTransaction(f.ctx, ref, loan.ByID(rep.ID), nil, nil)

	// THEN: Rejected, and neither ledger nor schedule moves
	requireCode(t, err, loan.CodeAlreadyReversed)
	assert.ErrorIs(t, err, loan.ErrAlreadyReversed)
	assert.Len(t, f.entries(ref), len(entries))
	assert.Equal(t, sched, f.scheduleOf(ref).String())

	tx, err := f.engine.GetTransaction(f.ctx, ref, loan.ByID(rep.ID))
	require.NoError(t, err)
	assert.True(t, tx.Reversed)
	assert.True(t, tx.ManuallyAdjustedOrReversed)
}

func TestScenario_AdjustmentReplacesAmount(t *testing.T) {
	// GIVEN: A 2200 repayment
	f := newFixture(t, "2024-12-31")
	ref := f.approvedLoan("flat", "10000", "2024-01-01")
	f.disburse(ref, "2024-01-01", "10000")
	rep := f.repay(ref, "2024-03-01", "2200")

	// WHEN: It is adjusted to 1000
	amount := m("1000")
	res, err := f.engine.ReverseTransaction(f.ctx, ref, loan.ByID(rep.ID), nil, &amount)
	require.NoError(t, err)

	// THEN: A new 1000 repayment replaces it on the same date
	assert.NotEqual(t, rep.ID, res.ID)
	got, err := f.engine.GetTransaction(f.ctx, ref, loan.ByID(res.ID))
	require.NoError(t, err)
	assert.Equal(t, "1000", got.Amount.String())
	assert.Equal(t, "2024-03-01", got.Date.String())
	assert.Equal(t, "9200", f.view(ref).Summary.PrincipalOutstanding.String())
	requireBalanced(t, f.entries(ref))
}

// =============================================================================
// CHARGE-OFF WITH BACKDATED REVERSAL
// =============================================================================

func TestScenario_ChargeOffRederivedAfterReversal(t *testing.T) {
	// GIVEN: 1000 principal with a 10 fee, a 100 repayment on day 7 and a
	// charge-off on day 14
	f := newFixture(t, "2023-01-31")
	ref := f.approvedLoan("simple", "1000", "2023-01-01")
	f.disburse(ref, "2023-01-01", "1000")
	_, err := f.engine.AddCharge(f.ctx, ref, loan.ChargeRequest{Name: "fee", Amount: m("10"), DueDate: d("2023-01-05")})
	require.NoError(t, err)
	rep := f.repay(ref, "2023-01-07", "100")
	co := f.submit(ref, event.ChargeOff, "2023-01-14", "0")

	assert.Equal(t, map[string]string{
		"CREDIT portfolio": "910",
		"DEBIT charge_off": "910",
	}, legs(co.JournalEntries, false))
	assert.True(t, f.view(ref).ChargedOff)

	// WHEN: The day-7 repayment is reversed
	_, err = f.engine.ReverseTransaction(f.ctx, ref, loan.ByID(rep.ID), nil, nil)
	require.NoError(t, err)

	// THEN: The charge-off is replayed over the full 1000 + 10 fee
	got, err := f.engine.GetTransaction(f.ctx, ref, loan.ByID(co.ID))
	require.NoError(t, err)
	assert.NotEqual(t, co.ID, got.ID)
	assert.Equal(t, "1000", got.Principal.String())
	assert.Equal(t, "10", got.Fee.String())

	entries, err := f.engine.GetJournalEntries(f.ctx, ledger.CorrelationID(got.ID))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"CREDIT portfolio":      "1000",
		"DEBIT charge_off":      "1000",
		"CREDIT fee_income":     "10",
		"DEBIT charge_off_fees": "10",
	}, legs(entries, false))

	// THEN: Net charge-off expense is 1000 and the loan stays charged off
	net := netByAccount(f.entries(ref))
	assert.Equal(t, "1000", net[glChargeOff])
	assert.True(t, f.view(ref).ChargedOff)
	requireBalanced(t, f.entries(ref))
}

// =============================================================================
// DOWN PAYMENT AND TRANCHES
// =============================================================================

func TestScenario_DownPaymentTranches(t *testing.T) {
	// GIVEN: 1000 approved with a 25% auto-repaid down payment
	f := newFixture(t, "2024-01-31")
	ref := f.approvedLoan("down-payment", "1000", "2024-01-01")

	// WHEN: 700 is disbursed
	first := f.disburse(ref, "2024-01-01", "700")
	afterFirst := f.scheduleOf(ref).String()

	// THEN: A 175 down payment is due and paid the same day
	s := f.scheduleOf(ref)
	require.True(t, s.Installments[1].DownPayment)
	assert.Equal(t, "175", s.Installments[1].Due.Principal.String())
	assert.True(t, s.Installments[1].Complete)
	assert.Equal(t, "700", s.Due().Principal.String())

	// WHEN: The remaining 300 is disbursed
	second := f.disburse(ref, "2024-01-10", "300")

	// THEN: A second 75 down payment is due on the tranche date and the
	// schedule carries all 1000 of principal
	s = f.scheduleOf(ref)
	assert.Equal(t, "1000", s.Due().Principal.String())
	var downPayments []string
	for _, in := range s.Installments {
		if in.DownPayment {
			downPayments = append(downPayments, in.DueDate.String()+" "+in.Due.Principal.String())
		}
	}
	assert.Equal(t, []string{"2024-01-01 175", "2024-01-10 75"}, downPayments)

	txs, err := f.engine.ListTransactions(f.ctx, ref)
	require.NoError(t, err)
	var paid []string
	for _, tx := range txs {
		if tx.Type == event.DownPayment && !tx.Reversed {
			paid = append(paid, tx.Amount.String())
			assert.Contains(t, []int64{first.ID, second.ID}, tx.ParentID)
		}
	}
	assert.Equal(t, []string{"175", "75"}, paid)

	// WHEN: The last disbursal is undone
	_, err = f.engine.UndoLastDisbursal(f.ctx, ref)
	require.NoError(t, err)

	// THEN: The single-tranche schedule is back
	assert.Equal(t, afterFirst, f.scheduleOf(ref).String())

	// THEN: The second tranche's postings are mirrored exactly
	entries, err := f.engine.GetJournalEntries(f.ctx, ledger.CorrelationID(second.ID))
	require.NoError(t, err)
	require.Len(t, entries, 4)
	originals := map[int64]ledger.Entry{}
	for _, e := range entries {
		if !e.Reversal {
			originals[e.ID] = e
		}
	}
	for _, e := range entries {
		if !e.Reversal {
			continue
		}
		orig, ok := originals[e.ReversalOf]
		require.True(t, ok)
		assert.Equal(t, orig.GLAccountID, e.GLAccountID)
		assert.Equal(t, orig.Type.Opposite(), e.Type)
		assert.True(t, orig.Amount.Equal(e.Amount))
		assert.Equal(t, orig.TransactionDate, e.TransactionDate)
	}
	assert.Equal(t, "525", f.view(ref).Summary.PrincipalOutstanding.String())
	requireBalanced(t, f.entries(ref))
}

func TestScenario_UndoLastDisbursalAfterRepayment(t *testing.T) {
	// GIVEN: Two tranches and a repayment after the second
	f := newFixture(t, "2024-01-31")
	ref := f.approvedLoan("down-payment", "1000", "2024-01-01")
	f.disburse(ref, "2024-01-01", "700")
	f.disburse(ref, "2024-01-10", "300")
	f.repay(ref, "2024-01-15", "100")

	// WHEN: Undoing the last disbursal
	_, err := f.engine.UndoLastDisbursal(f.ctx, ref)

	// THEN: Rejected
	requireCode(t, err, loan.CodeUndoLastAfterRepayments)
	assert.ErrorIs(t, err, loan.ErrCannotUndoLastDisbursalAfterRepayments)
}

func TestScenario_BackdatedTrancheIsOrderedByDate(t *testing.T) {
	// GIVEN: Two loans receiving the same tranches in different orders
	f := newFixture(t, "2024-01-31")
	a := f.approvedLoan("down-payment", "1000", "2024-01-01")
	b := f.approvedLoan("down-payment", "1000", "2024-01-01")

	f.disburse(a, "2024-01-01", "700")
	f.disburse(a, "2024-01-10", "300")

	f.disburse(b, "2024-01-10", "300")
	res := f.disburse(b, "2024-01-01", "700")

	// THEN: The later tranche and its down payment were replayed
	assert.Equal(t, 2, res.ReplayedCount)

	// THEN: Both loans end up with the same schedule and balances
	assert.Equal(t, f.scheduleOf(a).String(), f.scheduleOf(b).String())
	assert.Equal(t, netByAccount(f.entries(a)), netByAccount(f.entries(b)))
	assert.Equal(t, "1000", f.scheduleOf(b).Due().Principal.String())
}
