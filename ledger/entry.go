/*
Package ledger is the double-entry journal behind every loan event.

PURPOSE:
  Every monetary loan transaction produces a balanced set of journal
  entries against GL accounts. The journal is the accounting source of
  truth: schedule balances can be rebuilt, journal entries cannot.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. BALANCED: every posted batch has sum(DEBIT) == sum(CREDIT); an
     unbalanced batch is rejected whole and nothing is appended.
  3. IMMUTABLE: a reversal never edits an entry, it appends the mirror
     image (DEBIT<->CREDIT, same account, same amount, same date).
  4. IDEMPOTENT REVERSAL: reversing a transaction twice is a no-op the
     second time.

CORRELATION:
  Entries are tagged with the loan transaction they belong to, prefixed by
  the entity letter: transaction 123 -> "L123".

EXAMPLE FLOW:
  1. Repayment 2200 -> DEBIT fund source 2200
                        CREDIT loan portfolio 2000
                        CREDIT interest receivable 200
  2. Repayment reversed -> CREDIT fund source 2200
                           DEBIT loan portfolio 2000
                           DEBIT interest receivable 200
  Net effect on every account: zero. Both batches stay in the journal.

SEE ALSO:
  - journal.go: per-loan append-only entry sequence
  - accounting/resolver.go: produces the postings
*/
package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/money"
)

// =============================================================================
// ENTRY TYPES
// =============================================================================

type EntryType string

const (
	Debit  EntryType = "DEBIT"
	Credit EntryType = "CREDIT"
)

// Opposite swaps DEBIT and CREDIT.
func (t EntryType) Opposite() EntryType {
	if t == Debit {
		return Credit
	}
	return Debit
}

// =============================================================================
// POSTING - One leg of a batch before it is written
// =============================================================================

type Posting struct {
	GLAccountID int64
	Type        EntryType
	Amount      money.Money
}

func DebitOf(account int64, amount money.Money) Posting {
	return Posting{GLAccountID: account, Type: Debit, Amount: amount}
}

func CreditOf(account int64, amount money.Money) Posting {
	return Posting{GLAccountID: account, Type: Credit, Amount: amount}
}

// =============================================================================
// ENTRY - Immutable journal record
// =============================================================================

type Entry struct {
	ID              int64         `json:"id"`
	LoanID          int64         `json:"loanId"`
	TransactionID   int64         `json:"transactionId"`
	CorrelationID   string        `json:"transactionCorrelationId"`
	GLAccountID     int64         `json:"glAccountId"`
	Type            EntryType     `json:"entryType"`
	Amount          money.Money   `json:"amount"`
	TransactionDate calendar.Date `json:"transactionDate"`
	Reversal        bool          `json:"reversal"`
	ReversalOf      int64         `json:"reversalOf,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// =============================================================================
// CORRELATION IDS
// =============================================================================

// LoanTransactionPrefix marks correlation ids that point at loan transactions.
const LoanTransactionPrefix = "L"

// CorrelationID formats the correlation id of a loan transaction.
func CorrelationID(transactionID int64) string {
	return LoanTransactionPrefix + strconv.FormatInt(transactionID, 10)
}

// ParseCorrelationID splits "L123" into its prefix and numeric id.
func ParseCorrelationID(s string) (string, int64, error) {
	if len(s) < 2 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCorrelationID, s)
	}
	prefix := strings.ToUpper(s[:1])
	if prefix < "A" || prefix > "Z" {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCorrelationID, s)
	}
	id, err := strconv.ParseInt(s[1:], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCorrelationID, s)
	}
	return prefix, id, nil
}
