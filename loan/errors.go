package loan

import (
	"errors"
	"fmt"

	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/schedule"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Kind classifies an error for transport adapters.
type Kind int

const (
	// KindValidation is a malformed or disallowed request.
	KindValidation Kind = iota + 1
	// KindState is a request the loan's current state does not permit.
	KindState
	// KindNotFound is an unresolvable loan, transaction or charge reference.
	KindNotFound
	// KindInvariant is an internal consistency failure. Never a client error.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	case KindInvariant:
		return "invariant"
	}
	return "unknown"
}

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrLoanNotFound        = errors.New("loan not found")
	ErrTransactionNotFound = errors.New("loan transaction not found")
	ErrChargeNotFound      = errors.New("loan charge not found")
	ErrProductNotFound     = errors.New("loan product not found")

	ErrDisbursementBeforeSubmission            = errors.New("disbursement date before submission")
	ErrAlreadyReversed                         = errors.New("transaction already reversed")
	ErrCannotUndoLastDisbursalAfterRepayments  = errors.New("cannot undo last disbursal after repayments")
	ErrProductDoesNotSupportMultipleDisbursals = errors.New("product does not support multiple disbursals")

	// ErrUnbalancedLedger is the ledger's own sentinel so that errors.Is
	// matches at either layer.
	ErrUnbalancedLedger = ledger.ErrUnbalanced

	// ErrNoRecord is returned by stores for a missing row.
	ErrNoRecord = errors.New("record not found")
	// ErrDuplicateExternalID is returned by stores on a unique external id
	// violation.
	ErrDuplicateExternalID = errors.New("duplicate external id")
	// ErrCorruptRecord is returned by stores for a persisted value that no
	// longer decodes.
	ErrCorruptRecord = errors.New("corrupt stored record")
)

// =============================================================================
// CODES - Stable machine-readable identifiers
// =============================================================================

const (
	CodeLoanNotFound                  = "error.msg.loan.id.invalid"
	CodeLoanExternalIDNotFound        = "error.msg.loan.external.id.invalid"
	CodeTransactionNotFound           = "error.msg.loan.transaction.id.invalid"
	CodeTransactionExternalIDNotFound = "error.msg.loan.transaction.external.id.invalid"
	CodeChargeNotFound                = "error.msg.loanCharge.id.invalid"
	CodeChargeExternalIDNotFound      = "error.msg.loanCharge.external.id.invalid"
	CodeProductNotFound               = "error.msg.loanproduct.id.invalid"

	CodeDuplicateLoanExternalID        = "error.msg.loan.duplicate.externalId"
	CodeDuplicateTransactionExternalID = "error.msg.loan.transaction.duplicate.externalId"
	CodeDuplicateChargeExternalID      = "error.msg.loanCharge.duplicate.externalId"

	CodeAmountNotPositive         = "error.msg.loan.transaction.amount.not.greater.than.zero"
	CodeFutureDate                = "error.msg.loan.transaction.cannot.be.a.future.date"
	CodeNotActive                 = "error.msg.loan.repayment.or.waiver.account.is.not.active"
	CodeTypeNotAllowed            = "error.msg.loan.transaction.type.not.allowed"
	CodeInvalidPrincipal          = "error.msg.loan.principal.not.greater.than.zero"
	CodeApproveNotAllowed         = "error.msg.loan.approve.not.allowed"
	CodeUndoApprovalNotAllowed    = "error.msg.loan.undo.approval.not.allowed"
	CodeDisbursementNotAllowed    = "error.msg.loan.disbursal.not.allowed"
	CodeDisbursementBeforeSubmit  = "error.msg.loan.actualdisbursementdate.before.submittedDate"
	CodeDisbursementExceeds       = "error.msg.loan.disbursal.amount.exceeds.approved.principal"
	CodeNoMultipleDisbursals      = "error.msg.loan.product.does.not.support.multiple.disbursals"
	CodeDisbursalReverseForbidden = "error.msg.loan.disbursal.reverse.not.allowed"
	CodeUndoDisbursalNotAllowed   = "error.msg.loan.undo.disbursal.not.allowed"
	CodeUndoLastNoMultiple        = "error.msg.loan.product.does.not.support.multiple.disbursals.cannot.undo.last"
	CodeUndoLastSingleTranche     = "error.msg.tranches.should.be.disbursed.more.than.one.to.undo.last.disbursal"
	CodeUndoLastAfterRepayments   = "error.msg.loan.cannot.undo.last.disbursal.after.repayments"
	CodeAlreadyReversed           = "error.msg.loan.transaction.is.already.reversed"
	CodeAlreadyChargedOff         = "error.msg.loan.is.already.charged.off"
	CodeNotChargedOff             = "error.msg.loan.is.not.charged.off"
	CodeChargeOffNotLast          = "error.msg.loan.charge.off.is.not.the.last.user.transaction"
	CodeChargebackNotAllowed      = "error.msg.loan.chargeback.operation.not.allowed"
	CodeRefundExceedsOverpayment  = "error.msg.loan.credit.balance.refund.amount.exceeds.overpayment"
	CodeChargePaymentExceeds      = "error.msg.loan.charge.payment.amount.exceeds.outstanding"
	CodeChargeWaiveExceeds        = "error.msg.loan.charge.waive.amount.exceeds.outstanding"
	CodeChargeAdjustmentExceeds   = "error.msg.loan.charge.adjustment.amount.exceeds.charge"
	CodeChargeInactive            = "error.msg.loanCharge.is.not.active"
	CodeChargeDueBeforeDisbursal  = "error.msg.loanCharge.due.date.before.disbursement.date"
	CodeWaiveInterestExceeds      = "error.msg.loan.waive.interest.amount.exceeds.outstanding"
	CodeRecoveryNotAllowed        = "error.msg.loan.recovery.payment.not.allowed"
	CodeNotWrittenOff             = "error.msg.loan.is.not.written.off"
	CodeCloseOutstanding          = "error.msg.loan.close.outstanding.balance"
	CodeInvalidCorrelationID      = "error.msg.journalentry.correlation.id.invalid"
	CodeInvalidProduct            = "error.msg.loanproduct.invalid"
	CodeGLAccountInvalid          = "error.msg.glaccount.id.invalid"

	CodeUnbalancedLedger   = "error.msg.journalentry.unbalanced"
	CodeScheduleDivergence = "error.msg.loan.schedule.inconsistent"
	CodeStoreFailure       = "error.msg.loan.store.failure"
	CodeCorruptRecord      = "error.msg.loan.store.corrupt.record"
)

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error carries a stable code plus the kind used by adapters to choose a
// response status. Err, when set, is a sentinel from this package or a
// lower layer.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func validationf(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func statef(code, format string, args ...any) *Error {
	return &Error{Kind: KindState, Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapState(sentinel error, code, format string, args ...any) *Error {
	return &Error{Kind: KindState, Code: code, Message: fmt.Sprintf(format, args...), Err: sentinel}
}

func invariant(code string, err error) *Error {
	return &Error{Kind: KindInvariant, Code: code, Message: err.Error(), Err: err}
}

// notFound builds the entity-specific not-found error for ref.
func notFound(sentinel error, ref Ref) *Error {
	var code string
	switch sentinel {
	case ErrLoanNotFound:
		code = pick(ref, CodeLoanNotFound, CodeLoanExternalIDNotFound)
	case ErrTransactionNotFound:
		code = pick(ref, CodeTransactionNotFound, CodeTransactionExternalIDNotFound)
	case ErrChargeNotFound:
		code = pick(ref, CodeChargeNotFound, CodeChargeExternalIDNotFound)
	default:
		code = CodeProductNotFound
	}
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf("%v %s", sentinel, ref), Err: sentinel}
}

func pick(ref Ref, byID, byExternal string) string {
	if ref.IsExternal() {
		return byExternal
	}
	return byID
}

// classify wraps a lower-layer error into the taxonomy.
func classify(err error) error {
	var e *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return err
	case errors.Is(err, ledger.ErrUnbalanced):
		return invariant(CodeUnbalancedLedger, err)
	case errors.Is(err, ErrCorruptRecord):
		return invariant(CodeCorruptRecord, err)
	case errors.Is(err, schedule.ErrNegativeRemainder):
		return invariant(CodeScheduleDivergence, err)
	case errors.Is(err, schedule.ErrInvalidParams), errors.Is(err, schedule.ErrInvalidTranche):
		return &Error{Kind: KindValidation, Code: CodeInvalidProduct, Message: err.Error(), Err: err}
	}
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// KindOf returns the kind of err, or 0 when err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf returns the code of err, or "" when err is not a *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsClientError reports errors caused by the request rather than the system.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindState, KindNotFound:
		return true
	}
	return false
}

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

func IsInvariant(err error) bool { return KindOf(err) == KindInvariant }
