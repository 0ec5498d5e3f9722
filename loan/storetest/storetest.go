// Package storetest is a behavioural suite every loan.TxStore must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/loan"
	"github.com/warp/loan-ledger/money"
	"github.com/warp/loan-ledger/schedule"
)

// Run exercises s. newStore must return an empty store on every call.
func Run(t *testing.T, newStore func(t *testing.T) loan.TxStore) {
	t.Run("sequences", func(t *testing.T) { testSequences(t, newStore(t)) })
	t.Run("loans", func(t *testing.T) { testLoans(t, newStore(t)) })
	t.Run("transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("relations and charges", func(t *testing.T) { testRelationsAndCharges(t, newStore(t)) })
	t.Run("journal", func(t *testing.T) { testJournal(t, newStore(t)) })
	t.Run("schedule", func(t *testing.T) { testSchedule(t, newStore(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
}

func date(s string) calendar.Date { return calendar.MustParse(s) }

func amount(s string) money.Money { return money.MustParse(s) }

func sampleLoan(id int64, ext string) loan.Account {
	return loan.Account{
		ID:                 id,
		ExternalID:         ext,
		ProductID:          "flat",
		Status:             loan.Active,
		Principal:          amount("10000"),
		Currency:           "USD",
		SubmittedOn:        date("2024-01-01"),
		ApprovedOn:         date("2024-01-02"),
		OverpaymentBalance: money.Zero,
		CreatedAt:          time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func sampleTransaction(id, loanID int64, ext string) loan.Transaction {
	return loan.Transaction{
		ID:          id,
		ExternalID:  ext,
		LoanID:      loanID,
		Type:        event.Repayment,
		Date:        date("2024-03-01"),
		Amount:      amount("2200"),
		Principal:   amount("2000"),
		Interest:    amount("200"),
		Fee:         money.Zero,
		Penalty:     money.Zero,
		Overpayment: money.Zero,
		Seq:         id,
		Metadata:    map[string]string{"channel": "bank"},
		CreatedAt:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// CASES
// =============================================================================

func testSequences(t *testing.T, s loan.TxStore) {
	ctx := context.Background()
	a, err := s.NextID(ctx, loan.SequenceTransaction)
	require.NoError(t, err)
	b, err := s.NextID(ctx, loan.SequenceTransaction)
	require.NoError(t, err)
	assert.Greater(t, b, a)

	// Sequences are independent
	c, err := s.NextID(ctx, loan.SequenceCharge)
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func testLoans(t *testing.T, s loan.TxStore) {
	ctx := context.Background()

	_, err := s.LoadLoan(ctx, 1)
	assert.True(t, errors.Is(err, loan.ErrNoRecord))

	acct := sampleLoan(1, "ext-1")
	require.NoError(t, s.CreateLoan(ctx, acct))

	got, err := s.LoadLoan(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, acct.ExternalID, got.ExternalID)
	assert.Equal(t, acct.Status, got.Status)
	assert.True(t, acct.Principal.Equal(got.Principal))
	assert.Equal(t, "2024-01-02", got.ApprovedOn.String())
	assert.True(t, got.ClosedOn.IsZero())

	id, err := s.LoanIDByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	_, err = s.LoanIDByExternalID(ctx, "nope")
	assert.True(t, errors.Is(err, loan.ErrNoRecord))

	err = s.CreateLoan(ctx, sampleLoan(2, "ext-1"))
	assert.True(t, errors.Is(err, loan.ErrDuplicateExternalID))

	acct.Status = loan.Overpaid
	acct.ChargedOff = true
	acct.ChargedOffOn = date("2024-05-01")
	acct.OverpaymentBalance = amount("12.5")
	require.NoError(t, s.SaveLoan(ctx, acct))
	got, err = s.LoadLoan(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, loan.Overpaid, got.Status)
	assert.True(t, got.ChargedOff)
	assert.Equal(t, "2024-05-01", got.ChargedOffOn.String())
	assert.Equal(t, "12.5", got.OverpaymentBalance.String())

	require.NoError(t, s.CreateLoan(ctx, sampleLoan(3, "")))
	ids, err := s.ListLoanIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids)
}

func testTransactions(t *testing.T, s loan.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateLoan(ctx, sampleLoan(1, "")))

	first := sampleTransaction(10, 1, "tx-a")
	second := sampleTransaction(11, 1, "")
	require.NoError(t, s.SaveTransactions(ctx, []loan.Transaction{first, second}))

	exists, err := s.TransactionExternalIDExists(ctx, "tx-a")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.TransactionExternalIDExists(ctx, "tx-b")
	require.NoError(t, err)
	assert.False(t, exists)

	// Upsert flips the reversal flags only
	first.Reversed = true
	first.ReversedOn = date("2024-04-01")
	require.NoError(t, s.SaveTransactions(ctx, []loan.Transaction{first}))

	txs, err := s.LoadTransactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(10), txs[0].ID)
	assert.True(t, txs[0].Reversed)
	assert.Equal(t, "2024-04-01", txs[0].ReversedOn.String())
	assert.Equal(t, event.Repayment, txs[0].Type)
	assert.Equal(t, "2200", txs[0].Amount.String())
	assert.Equal(t, "200", txs[0].Interest.String())
	assert.Equal(t, "bank", txs[0].Metadata["channel"])
	assert.False(t, txs[1].Reversed)

	dup := sampleTransaction(12, 1, "tx-a")
	err = s.SaveTransactions(ctx, []loan.Transaction{dup})
	assert.True(t, errors.Is(err, loan.ErrDuplicateExternalID))
}

func testRelationsAndCharges(t *testing.T, s loan.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateLoan(ctx, sampleLoan(1, "")))

	rels := []loan.Relation{
		{LoanID: 1, FromID: 11, ToID: 10, Type: loan.RelationReplayed},
		{LoanID: 1, FromID: 12, ToID: 11, Type: loan.RelationChargeback},
	}
	require.NoError(t, s.SaveRelations(ctx, rels))
	got, err := s.LoadRelations(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, rels, got)

	c := loan.Charge{
		ID: 1, ExternalID: "fee-1", LoanID: 1, Name: "processing", Penalty: true,
		Amount: amount("10"), DueDate: date("2024-01-15"), CreatedAt: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveCharge(ctx, c))
	charges, err := s.LoadCharges(ctx, 1)
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, "processing", charges[0].Name)
	assert.True(t, charges[0].Penalty)
	assert.Equal(t, "2024-01-15", charges[0].DueDate.String())

	exists, err := s.ChargeExternalIDExists(ctx, "fee-1")
	require.NoError(t, err)
	assert.True(t, exists)

	c.ID = 2
	err = s.SaveCharge(ctx, c)
	assert.True(t, errors.Is(err, loan.ErrDuplicateExternalID))
}

func testJournal(t *testing.T, s loan.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateLoan(ctx, sampleLoan(1, "")))

	j := ledger.NewJournal(1, nil, s)
	_, err := j.Post(ctx, 1, 10, date("2024-03-01"), []ledger.Posting{
		{GLAccountID: 1, Type: ledger.Debit, Amount: amount("2200")},
		{GLAccountID: 2, Type: ledger.Credit, Amount: amount("2000")},
		{GLAccountID: 6, Type: ledger.Credit, Amount: amount("200")},
	})
	require.NoError(t, err)
	_, err = j.Reverse(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, s.AppendEntries(ctx, j.Pending()))

	entries, err := s.LoadEntries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	debits, credits := ledger.Totals(entries)
	assert.True(t, debits.Equal(credits))
	assert.Equal(t, "L10", entries[0].CorrelationID)
	assert.Equal(t, "2024-03-01", entries[0].TransactionDate.String())
	assert.True(t, entries[5].Reversal)
	assert.NotZero(t, entries[5].ReversalOf)

	byTx, err := s.EntriesByTransaction(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, byTx, 6)
	none, err := s.EntriesByTransaction(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testSchedule(t *testing.T, s loan.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateLoan(ctx, sampleLoan(1, "")))

	params := schedule.Params{
		NumberOfRepayments:    2,
		RepaymentEvery:        1,
		RepaymentUnit:         money.Months,
		InterestRateFrequency: money.PerMonth,
		Amortization:          schedule.EqualPrincipal,
		Interest:              schedule.Flat,
		DayCount:              money.Actual,
		RepaymentStart:        schedule.FromDisbursementDate,
		Digits:                2,
	}
	sched, err := schedule.Generate(params, schedule.Tranche{Amount: amount("1000"), Date: date("2024-01-01")})
	require.NoError(t, err)
	require.NoError(t, s.SaveSchedule(ctx, 1, sched))

	got, err := s.LoadSchedule(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, sched.String(), got.String())

	// Replaced wholesale
	require.NoError(t, s.SaveSchedule(ctx, 1, schedule.Schedule{}))
	got, err = s.LoadSchedule(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got.Installments)
}

func testRollback(t *testing.T, s loan.TxStore) {
	ctx := context.Background()
	boom := errors.New("boom")

	// GIVEN: A batch that writes and then fails
	err := s.WithTx(ctx, func(tx loan.Store) error {
		if err := tx.CreateLoan(ctx, sampleLoan(1, "ext-1")); err != nil {
			return err
		}
		if err := tx.SaveTransactions(ctx, []loan.Transaction{sampleTransaction(10, 1, "tx-a")}); err != nil {
			return err
		}
		return boom
	})

	// THEN: The error surfaces and nothing was kept
	assert.ErrorIs(t, err, boom)
	_, err = s.LoadLoan(ctx, 1)
	assert.True(t, errors.Is(err, loan.ErrNoRecord))
	exists, err := s.TransactionExternalIDExists(ctx, "tx-a")
	require.NoError(t, err)
	assert.False(t, exists)

	// WHEN: The same batch succeeds
	err = s.WithTx(ctx, func(tx loan.Store) error {
		if err := tx.CreateLoan(ctx, sampleLoan(1, "ext-1")); err != nil {
			return err
		}
		got, err := tx.LoadLoan(ctx, 1)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), got.ID)
		return nil
	})

	// THEN: Its writes are visible afterwards
	require.NoError(t, err)
	_, err = s.LoadLoan(ctx, 1)
	require.NoError(t, err)
}
