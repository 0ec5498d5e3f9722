package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/loan"
	"github.com/warp/loan-ledger/loan/storetest"
	"github.com/warp/loan-ledger/money"
)

func newTestStore(t *testing.T) loan.TxStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "whatever")
	assert.Error(t, err)
}

func TestOpen_MigrateIsIdempotent(t *testing.T) {
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	// Running migrations again over an existing schema is a no-op
	require.NoError(t, s.migrate(context.Background()))
}

func TestRebind(t *testing.T) {
	sqlite := conn{}
	postgres := conn{postgres: true}

	query := `SELECT a FROM t WHERE b = ? AND c = ?`
	assert.Equal(t, query, sqlite.rebind(query))
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c = $2`, postgres.rebind(query))
}

func TestIsUniqueConstraintError(t *testing.T) {
	assert.False(t, isUniqueConstraintError(nil))
	assert.False(t, isUniqueConstraintError(errors.New("boom")))
	assert.True(t, isUniqueConstraintError(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueConstraintError(&pq.Error{Code: "23503"}))
}

func TestSaveLoan_Missing(t *testing.T) {
	s := newTestStore(t)

	// GIVEN: No loans
	// WHEN: Updating loan 42
	err := s.SaveLoan(context.Background(), loan.Account{ID: 42, Status: loan.Active})

	// THEN: ErrNoRecord
	assert.True(t, errors.Is(err, loan.ErrNoRecord))
}

// =============================================================================
// CORRUPT ROWS
// =============================================================================

func openCorruptible(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	on := calendar.MustParse("2024-01-01")
	require.NoError(t, s.CreateLoan(ctx, loan.Account{
		ID:          1,
		ProductID:   "flat-cash",
		Status:      loan.Active,
		Principal:   money.MustParse("1000"),
		Currency:    "USD",
		SubmittedOn: on,
		ApprovedOn:  on,
		CreatedAt:   time.Now(),
	}))
	require.NoError(t, s.SaveTransactions(ctx, []loan.Transaction{{
		ID:     1,
		LoanID: 1,
		Type:   event.Repayment,
		Date:   on.AddDays(10),
		Amount: money.MustParse("100"),
	}}))
	require.NoError(t, s.SaveCharge(ctx, loan.Charge{
		ID:      1,
		LoanID:  1,
		Name:    "fee",
		Amount:  money.MustParse("10"),
		DueDate: on.AddDays(20),
	}))
	require.NoError(t, s.AppendEntries(ctx, []ledger.Entry{{
		ID:              1,
		LoanID:          1,
		TransactionID:   1,
		CorrelationID:   ledger.CorrelationID(1),
		GLAccountID:     1,
		Type:            ledger.Debit,
		Amount:          money.MustParse("100"),
		TransactionDate: on.AddDays(10),
	}}))
	return s
}

func TestLoad_CorruptColumns(t *testing.T) {
	tests := []struct {
		name   string
		update string
		load   func(ctx context.Context, s *Store) error
	}{
		{
			name:   "loan principal",
			update: `UPDATE loans SET principal = 'abc' WHERE id = 1`,
			load: func(ctx context.Context, s *Store) error {
				_, err := s.LoadLoan(ctx, 1)
				return err
			},
		},
		{
			name:   "loan approval date",
			update: `UPDATE loans SET approved_on = '2024-02-30' WHERE id = 1`,
			load: func(ctx context.Context, s *Store) error {
				_, err := s.LoadLoan(ctx, 1)
				return err
			},
		},
		{
			name:   "transaction amount",
			update: `UPDATE loan_transactions SET amount = '' WHERE id = 1`,
			load: func(ctx context.Context, s *Store) error {
				_, err := s.LoadTransactions(ctx, 1)
				return err
			},
		},
		{
			name:   "transaction date",
			update: `UPDATE loan_transactions SET tx_date = 'yesterday' WHERE id = 1`,
			load: func(ctx context.Context, s *Store) error {
				_, err := s.LoadTransactions(ctx, 1)
				return err
			},
		},
		{
			name:   "charge due date",
			update: `UPDATE loan_charges SET due_date = '' WHERE id = 1`,
			load: func(ctx context.Context, s *Store) error {
				_, err := s.LoadCharges(ctx, 1)
				return err
			},
		},
		{
			name:   "journal amount",
			update: `UPDATE journal_entries SET amount = '1,00' WHERE id = 1`,
			load: func(ctx context.Context, s *Store) error {
				_, err := s.LoadEntries(ctx, 1)
				return err
			},
		},
		{
			name:   "journal entry type",
			update: `UPDATE journal_entries SET entry_type = 'SIDEWAYS' WHERE id = 1`,
			load: func(ctx context.Context, s *Store) error {
				_, err := s.EntriesByTransaction(ctx, 1)
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: A store whose rows all decode
			ctx := context.Background()
			s := openCorruptible(t)
			_, err := s.LoadLoan(ctx, 1)
			require.NoError(t, err)

			// WHEN: One column is overwritten with garbage
			_, err = s.db.ExecContext(ctx, tt.update)
			require.NoError(t, err)

			// THEN: Loading the row fails instead of reading a zero value
			err = tt.load(ctx, s)
			require.Error(t, err)
			assert.ErrorIs(t, err, loan.ErrCorruptRecord)
		})
	}
}

func TestLoad_EmptyOptionalDatesAreZero(t *testing.T) {
	ctx := context.Background()
	s := openCorruptible(t)

	acct, err := s.LoadLoan(ctx, 1)

	require.NoError(t, err)
	assert.True(t, acct.ClosedOn.IsZero())
	assert.True(t, acct.ChargedOffOn.IsZero())
	assert.True(t, acct.ExpectedDisbursementOn.IsZero())
	assert.Equal(t, "2024-01-01", acct.ApprovedOn.String())
}

func TestEngine_CorruptLoanIsAnInvariantViolation(t *testing.T) {
	// GIVEN: An active loan persisted through the engine
	ctx := context.Background()
	catalog, err := factory.LoadCatalog("../../configs/products.toml")
	require.NoError(t, err)
	s, err := Open(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer s.Close()
	engine := loan.NewEngine(s, catalog, loan.WithClock(loan.NewFixedClock(calendar.MustParse("2024-02-01"))))

	acct, err := engine.CreateLoan(ctx, loan.Application{
		ProductID:   "flat-cash",
		Principal:   money.MustParse("1000"),
		SubmittedOn: calendar.MustParse("2024-01-01"),
	})
	require.NoError(t, err)
	ref := loan.ByID(acct.ID)
	_, err = engine.Approve(ctx, ref, calendar.MustParse("2024-01-01"))
	require.NoError(t, err)
	_, err = engine.SubmitTransaction(ctx, ref, loan.Command{
		Type: event.Disbursement, Date: calendar.MustParse("2024-01-01"), Amount: money.MustParse("1000"),
	})
	require.NoError(t, err)

	// WHEN: A stored transaction amount no longer parses
	_, err = s.db.ExecContext(ctx, `UPDATE loan_transactions SET amount = 'NaN?' WHERE loan_id = ?`, acct.ID)
	require.NoError(t, err)

	// THEN: Reads and writes fail as an invariant violation, not a client error
	_, err = engine.GetLoan(ctx, ref)
	require.Error(t, err)
	assert.Equal(t, loan.KindInvariant, loan.KindOf(err))
	assert.Equal(t, loan.CodeCorruptRecord, loan.CodeOf(err))
	assert.ErrorIs(t, err, loan.ErrCorruptRecord)

	_, err = engine.SubmitTransaction(ctx, ref, loan.Command{
		Type: event.Repayment, Date: calendar.MustParse("2024-01-15"), Amount: money.MustParse("10"),
	})
	assert.True(t, loan.IsInvariant(err), "error: %v", err)
}
