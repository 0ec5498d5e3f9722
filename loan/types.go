/*
Package loan is the transaction processor and reverse-and-replay coordinator
for loan accounts.

PURPOSE:
  Every monetary event on a loan (disbursement, repayment, waiver,
  charge-off, chargeback, refund, accrual...) is a Transaction. The engine
  keeps the loan's amortization schedule, its scalar state (status,
  charged-off flag, overpayment balance) and its journal consistent with the
  time-ordered list of active transactions, no matter in which order those
  transactions arrive.

CHRONOLOGICAL ORDER:
  Transactions are ordered by (date, rank, seq):
    rank  DISBURSEMENT 0, DOWN_PAYMENT 1, ACCRUAL 2, other 3, CHARGE_OFF 4
    seq   insertion order, inherited by replayed copies

REVERSE AND REPLAY:
  When a transaction lands before already-applied ones (or one of them is
  reversed), every active transaction after it is unwound latest first,
  the trigger is applied, and the unwound transactions are re-applied in
  order as new records linked to the originals by a REPLAYED relation.

  Loan state is never persisted as a source of truth: on every load the
  aggregate is rehydrated by re-applying active transactions without
  posting.

APPEND-ONLY:
  Transactions are never deleted. Reversal sets a tombstone flag and posts
  the mirror image of the original journal entries.

SEE ALSO:
  - processor.go: per-type application rules
  - replay.go: unwind / apply / replay
  - engine.go: external operations and the unit of work
  - relations.go: REPLAYED chains and O(1) resolution
*/
package loan

import (
	"strconv"
	"time"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/money"
	"github.com/warp/loan-ledger/schedule"
)

// =============================================================================
// LOAN ACCOUNT
// =============================================================================

type Status string

const (
	PendingApproval      Status = "SUBMITTED_AND_PENDING_APPROVAL"
	Approved             Status = "APPROVED"
	Active               Status = "ACTIVE"
	ClosedObligationsMet Status = "CLOSED_OBLIGATIONS_MET"
	WrittenOff           Status = "CLOSED_WRITTEN_OFF"
	Overpaid             Status = "OVERPAID"
)

// Servicing reports whether repayments and waivers are accepted.
func (s Status) Servicing() bool { return s == Active || s == Overpaid }

type Account struct {
	ID         int64       `json:"id"`
	ExternalID string      `json:"externalId,omitempty"`
	ProductID  string      `json:"productId"`
	Status     Status      `json:"status"`
	Principal  money.Money `json:"principal"`
	Currency   string      `json:"currency"`

	SubmittedOn            calendar.Date `json:"submittedOnDate"`
	ApprovedOn             calendar.Date `json:"approvedOnDate"`
	ExpectedDisbursementOn calendar.Date `json:"expectedDisbursementDate"`
	ClosedOn               calendar.Date `json:"closedOnDate"`

	ChargedOff         bool          `json:"chargedOff"`
	ChargedOffOn       calendar.Date `json:"chargedOffOnDate"`
	FraudChargeOff     bool          `json:"fraud"`
	OverpaymentBalance money.Money   `json:"totalOverpaid"`

	CreatedAt time.Time `json:"createdAt"`
}

// Application is the input to CreateLoan.
type Application struct {
	ExternalID             string
	ProductID              string
	Principal              money.Money
	SubmittedOn            calendar.Date
	ExpectedDisbursementOn calendar.Date
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// MetadataFraud marks a charge-off as fraud.
const MetadataFraud = "fraud"

type Transaction struct {
	ID         int64         `json:"id"`
	ExternalID string        `json:"externalId,omitempty"`
	LoanID     int64         `json:"loanId"`
	Type       event.Type    `json:"type"`
	Date       calendar.Date `json:"date"`
	Amount     money.Money   `json:"amount"`

	Principal   money.Money `json:"principalPortion"`
	Interest    money.Money `json:"interestChargedPortion"`
	Fee         money.Money `json:"feeChargesPortion"`
	Penalty     money.Money `json:"penaltyChargesPortion"`
	Overpayment money.Money `json:"overpaymentPortion"`

	Reversed                   bool          `json:"reversed"`
	ReversedOn                 calendar.Date `json:"reversedOnDate"`
	ManuallyAdjustedOrReversed bool          `json:"manuallyReversed"`

	ChargeID int64 `json:"chargeId,omitempty"`
	ParentID int64 `json:"parentId,omitempty"`

	Seq       int64             `json:"seq"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Portions returns principal, interest, fee and penalty as components.
func (t Transaction) Portions() schedule.Components {
	return schedule.Components{Principal: t.Principal, Interest: t.Interest, Fee: t.Fee, Penalty: t.Penalty}
}

func (t *Transaction) setPortions(c schedule.Components, overpayment money.Money) {
	t.Principal = c.Principal
	t.Interest = c.Interest
	t.Fee = c.Fee
	t.Penalty = c.Penalty
	t.Overpayment = overpayment
}

func (t Transaction) Active() bool { return !t.Reversed }

func (t Transaction) Fraud() bool { return t.Metadata[MetadataFraud] == "true" }

// CorrelationID is the journal correlation tag of the transaction.
func (t Transaction) CorrelationID() string { return ledger.CorrelationID(t.ID) }

type RelationType string

const (
	RelationReplayed         RelationType = "REPLAYED"
	RelationChargeback       RelationType = "CHARGEBACK"
	RelationChargeAdjustment RelationType = "CHARGE_ADJUSTMENT"
)

// Relation is a directed edge between two transactions of one loan.
//
//	REPLAYED           new copy -> original it replaced
//	CHARGEBACK         chargeback -> repaid transaction
//	CHARGE_ADJUSTMENT  adjustment -> charge assessment accrual
type Relation struct {
	LoanID int64        `json:"loanId"`
	FromID int64        `json:"fromTransactionId"`
	ToID   int64        `json:"toTransactionId"`
	Type   RelationType `json:"relationType"`
}

// =============================================================================
// CHARGES
// =============================================================================

type Charge struct {
	ID         int64         `json:"id"`
	ExternalID string        `json:"externalId,omitempty"`
	LoanID     int64         `json:"loanId"`
	Name       string        `json:"name"`
	Penalty    bool          `json:"penalty"`
	Amount     money.Money   `json:"amount"`
	DueDate    calendar.Date `json:"dueDate"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// ChargeRequest is the input to AddCharge.
type ChargeRequest struct {
	ExternalID string
	Name       string
	Penalty    bool
	Amount     money.Money
	DueDate    calendar.Date
}

// =============================================================================
// REFERENCES AND COMMANDS
// =============================================================================

// Ref identifies a loan, transaction or charge either by internal id or by
// external id. Exactly one is expected to be set.
type Ref struct {
	ID         int64
	ExternalID string
}

func ByID(id int64) Ref           { return Ref{ID: id} }
func ByExternalID(ext string) Ref { return Ref{ExternalID: ext} }
func (r Ref) IsZero() bool        { return r.ID == 0 && r.ExternalID == "" }
func (r Ref) IsExternal() bool    { return r.ID == 0 && r.ExternalID != "" }

func (r Ref) String() string {
	if r.IsExternal() {
		return r.ExternalID
	}
	return strconv.FormatInt(r.ID, 10)
}

// Command asks the engine to apply one transaction.
type Command struct {
	Type       event.Type
	Date       calendar.Date
	Amount     money.Money
	ExternalID string

	// ChargeRef selects the charge for charge payment, waiver and adjustment.
	ChargeRef Ref
	// RelatedTransaction is the repaid transaction a chargeback refers to.
	RelatedTransaction Ref
	// Fraud routes a charge-off to the fraud expense account.
	Fraud bool

	Metadata map[string]string
}

type TransactionResult struct {
	ID             int64          `json:"resourceId"`
	ExternalID     string         `json:"resourceExternalId,omitempty"`
	LoanID         int64          `json:"loanId"`
	Type           event.Type     `json:"type"`
	JournalEntries []ledger.Entry `json:"journalEntries"`
	ReplayedCount  int            `json:"replayedCount"`
}
