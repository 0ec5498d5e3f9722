package ledger

import (
	"errors"
	"fmt"

	"github.com/warp/loan-ledger/money"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnbalanced is an invariant violation: a batch whose debits and
	// credits differ. It must never reach a caller as a client error.
	ErrUnbalanced = errors.New("unbalanced journal batch")

	// ErrNegativePosting is returned for a posting with a negative amount.
	ErrNegativePosting = errors.New("negative posting amount")

	// ErrUnknownAccount is returned for a posting without a GL account.
	ErrUnknownAccount = errors.New("posting has no gl account")

	// ErrInvalidCorrelationID is returned when a correlation id is malformed.
	ErrInvalidCorrelationID = errors.New("invalid correlation id")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// UnbalancedError carries the totals of a rejected batch.
type UnbalancedError struct {
	TransactionID int64
	Debits        money.Money
	Credits       money.Money
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("unbalanced journal batch for transaction %d: debits %s, credits %s",
		e.TransactionID, e.Debits, e.Credits)
}

func (e *UnbalancedError) Unwrap() error {
	return ErrUnbalanced
}
