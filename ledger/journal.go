package ledger

import (
	"context"
	"time"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/money"
)

// SequenceJournalEntry names the id sequence for journal entries.
const SequenceJournalEntry = "journal_entry"

// IDSource hands out ids from named, store-backed sequences.
type IDSource interface {
	NextID(ctx context.Context, sequence string) (int64, error)
}

// =============================================================================
// LEDGER - Append-only journal contract
// =============================================================================

// Ledger is the write side of the journal.
//
// INVARIANTS:
//   - Append-only: No Update, No Delete. EVER.
//   - Every batch balances.
//   - Reverse is idempotent.
type Ledger interface {
	// Post appends a balanced batch for one loan transaction.
	Post(ctx context.Context, loanID, transactionID int64, date calendar.Date, postings []Posting) ([]Entry, error)

	// Reverse appends the mirror image of every entry of transactionID.
	Reverse(ctx context.Context, transactionID int64) ([]Entry, error)
}

// =============================================================================
// JOURNAL - Per-loan append-only entry sequence
// =============================================================================

// Journal holds the entries of one loan. Entries loaded from the store are
// followed by entries appended since; Pending returns the latter so the
// unit of work can flush them once at the end of a batch.
type Journal struct {
	loanID    int64
	entries   []Entry
	persisted int
	reversed  map[int64]bool
	ids       IDSource
	now       func() time.Time
}

var _ Ledger = (*Journal)(nil)

// NewJournal wraps the already-persisted entries of a loan.
func NewJournal(loanID int64, existing []Entry, ids IDSource) *Journal {
	j := &Journal{
		loanID:    loanID,
		entries:   append([]Entry(nil), existing...),
		persisted: len(existing),
		reversed:  make(map[int64]bool),
		ids:       ids,
		now:       time.Now,
	}
	for _, e := range existing {
		if e.Reversal {
			j.reversed[e.TransactionID] = true
		}
	}
	return j
}

// Post validates and appends one batch. Zero-amount legs are dropped; an
// empty batch is a no-op. Validation happens before any id is drawn, so a
// rejected batch leaves the journal untouched.
func (j *Journal) Post(ctx context.Context, loanID, transactionID int64, date calendar.Date, postings []Posting) ([]Entry, error) {
	legs := make([]Posting, 0, len(postings))
	debits, credits := money.Zero, money.Zero
	for _, p := range postings {
		if p.Amount.IsNegative() {
			return nil, ErrNegativePosting
		}
		if p.Amount.IsZero() {
			continue
		}
		if p.GLAccountID == 0 {
			return nil, ErrUnknownAccount
		}
		if p.Type == Debit {
			debits = debits.Add(p.Amount)
		} else {
			credits = credits.Add(p.Amount)
		}
		legs = append(legs, p)
	}
	if !debits.Equal(credits) {
		return nil, &UnbalancedError{TransactionID: transactionID, Debits: debits, Credits: credits}
	}
	if len(legs) == 0 {
		return nil, nil
	}

	created := make([]Entry, 0, len(legs))
	for _, p := range legs {
		id, err := j.ids.NextID(ctx, SequenceJournalEntry)
		if err != nil {
			return nil, err
		}
		created = append(created, Entry{
			ID:              id,
			LoanID:          loanID,
			TransactionID:   transactionID,
			CorrelationID:   CorrelationID(transactionID),
			GLAccountID:     p.GLAccountID,
			Type:            p.Type,
			Amount:          p.Amount,
			TransactionDate: date,
			CreatedAt:       j.now().UTC(),
		})
	}
	j.entries = append(j.entries, created...)
	return created, nil
}

// Reverse mirrors every original entry of transactionID, dated on the
// original transaction date. A transaction that is already reversed, or
// that never produced entries, yields no new entries.
func (j *Journal) Reverse(ctx context.Context, transactionID int64) ([]Entry, error) {
	if j.reversed[transactionID] {
		return nil, nil
	}
	var originals []Entry
	for _, e := range j.entries {
		if e.TransactionID == transactionID && !e.Reversal {
			originals = append(originals, e)
		}
	}

	mirrors := make([]Entry, 0, len(originals))
	for _, e := range originals {
		id, err := j.ids.NextID(ctx, SequenceJournalEntry)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, Entry{
			ID:              id,
			LoanID:          e.LoanID,
			TransactionID:   e.TransactionID,
			CorrelationID:   e.CorrelationID,
			GLAccountID:     e.GLAccountID,
			Type:            e.Type.Opposite(),
			Amount:          e.Amount,
			TransactionDate: e.TransactionDate,
			Reversal:        true,
			ReversalOf:      e.ID,
			CreatedAt:       j.now().UTC(),
		})
	}
	j.entries = append(j.entries, mirrors...)
	j.reversed[transactionID] = true
	return mirrors, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (j *Journal) LoanID() int64 { return j.loanID }

// Entries returns a copy of every entry in append order.
func (j *Journal) Entries() []Entry {
	return append([]Entry(nil), j.entries...)
}

// ForTransaction returns the entries (original and mirror) of one transaction.
func (j *Journal) ForTransaction(transactionID int64) []Entry {
	var out []Entry
	for _, e := range j.entries {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out
}

// Pending returns the entries appended since the journal was loaded.
func (j *Journal) Pending() []Entry {
	return append([]Entry(nil), j.entries[j.persisted:]...)
}

// MarkPersisted records that every pending entry has been flushed.
func (j *Journal) MarkPersisted() { j.persisted = len(j.entries) }

// Totals sums debits and credits across the whole journal.
func (j *Journal) Totals() (debits, credits money.Money) {
	return Totals(j.entries)
}

// Balanced reports whether the journal nets to zero.
func (j *Journal) Balanced() bool {
	d, c := j.Totals()
	return d.Equal(c)
}

// Totals sums debits and credits of any entry slice.
func Totals(entries []Entry) (debits, credits money.Money) {
	for _, e := range entries {
		if e.Type == Debit {
			debits = debits.Add(e.Amount)
		} else {
			credits = credits.Add(e.Amount)
		}
	}
	return debits, credits
}

// AccountBalance is the net DEBIT-minus-CREDIT amount of one GL account.
func AccountBalance(entries []Entry, glAccountID int64) money.Money {
	net := money.Zero
	for _, e := range entries {
		if e.GLAccountID != glAccountID {
			continue
		}
		if e.Type == Debit {
			net = net.Add(e.Amount)
		} else {
			net = net.Sub(e.Amount)
		}
	}
	return net
}
