package loan

import (
	"context"

	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/schedule"
)

// Sequence names handed to IDSource.NextID.
const (
	SequenceLoan        = "loan"
	SequenceTransaction = "loan_transaction"
	SequenceCharge      = "loan_charge"
)

// =============================================================================
// STORE - Persistence collaborator
// =============================================================================

// Store persists loans, their transactions, relations, charges, journal
// entries and the latest schedule projection.
//
// Journal entries are append-only. Transactions are written once and then
// only their reversal flags change; SaveTransactions upserts by id.
// Missing rows are reported with ErrNoRecord; unique external id violations
// with ErrDuplicateExternalID.
type Store interface {
	ledger.IDSource

	CreateLoan(ctx context.Context, acct Account) error
	SaveLoan(ctx context.Context, acct Account) error
	LoadLoan(ctx context.Context, id int64) (Account, error)
	LoanIDByExternalID(ctx context.Context, externalID string) (int64, error)
	ListLoanIDs(ctx context.Context) ([]int64, error)

	SaveTransactions(ctx context.Context, txs []Transaction) error
	LoadTransactions(ctx context.Context, loanID int64) ([]Transaction, error)
	TransactionExternalIDExists(ctx context.Context, externalID string) (bool, error)

	SaveRelations(ctx context.Context, rels []Relation) error
	LoadRelations(ctx context.Context, loanID int64) ([]Relation, error)

	SaveCharge(ctx context.Context, c Charge) error
	LoadCharges(ctx context.Context, loanID int64) ([]Charge, error)
	ChargeExternalIDExists(ctx context.Context, externalID string) (bool, error)

	AppendEntries(ctx context.Context, entries []ledger.Entry) error
	LoadEntries(ctx context.Context, loanID int64) ([]ledger.Entry, error)
	EntriesByTransaction(ctx context.Context, transactionID int64) ([]ledger.Entry, error)

	// SaveSchedule replaces the stored schedule of a loan wholesale.
	SaveSchedule(ctx context.Context, loanID int64, s schedule.Schedule) error
	LoadSchedule(ctx context.Context, loanID int64) (schedule.Schedule, error)
}

// TxStore wraps Store with transaction support. If fn returns an error
// nothing fn wrote is kept.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
