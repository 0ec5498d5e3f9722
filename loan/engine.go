package loan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/money"
	"github.com/warp/loan-ledger/schedule"
)

// =============================================================================
// ENGINE - External operations over loan aggregates
// =============================================================================

// Recorder receives processing statistics. metrics.Collector implements it.
type Recorder interface {
	TransactionProcessed(typ string)
	Replayed(batch int)
	EntriesPosted(n int)
	Rejected(code string)
	LockWaited(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) TransactionProcessed(string) {}
func (nopRecorder) Replayed(int)                {}
func (nopRecorder) EntriesPosted(int)           {}
func (nopRecorder) Rejected(string)             {}
func (nopRecorder) LockWaited(time.Duration)    {}

// Engine is the entry point for every loan operation. Each mutating call is
// one unit of work: the loan is locked, loaded, changed and saved inside a
// single store transaction, or nothing is written.
type Engine struct {
	store    TxStore
	products ProductSource
	clock    Clock
	locker   Locker
	log      *zap.Logger
	metrics  Recorder

	autoExternalIDs bool
	accrualWorkers  int
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func WithMetrics(r Recorder) Option { return func(e *Engine) { e.metrics = r } }

// WithAutoExternalIDs assigns a random external id to loans, transactions
// and charges created without one.
func WithAutoExternalIDs(on bool) Option { return func(e *Engine) { e.autoExternalIDs = on } }

// WithAccrualWorkers bounds how many loans RunAccruals processes at once.
func WithAccrualWorkers(n int) Option { return func(e *Engine) { e.accrualWorkers = n } }

func NewEngine(store TxStore, products ProductSource, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		products:       products,
		clock:          SystemClock{},
		locker:         NewKeyedMutex(),
		log:            zap.NewNop(),
		metrics:        nopRecorder{},
		accrualWorkers: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Today is the engine's business date.
func (e *Engine) Today() calendar.Date { return e.clock.Today() }

// =============================================================================
// UNIT OF WORK
// =============================================================================

// mutate locks the loan, loads and rehydrates it, runs fn and saves the
// result, all inside one store transaction. Cancellation is honoured only
// before the batch starts.
func (e *Engine) mutate(ctx context.Context, ref Ref, fn func(ctx context.Context, s Store, a *Aggregate) error) (*Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loanID, err := e.resolveLoan(ctx, e.store, ref)
	if err != nil {
		return nil, e.reject(err)
	}

	waitStart := time.Now()
	unlock, err := e.locker.Lock(ctx, loanID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	e.metrics.LockWaited(time.Since(waitStart))

	batch := context.WithoutCancel(ctx)
	var out *Aggregate
	err = e.store.WithTx(batch, func(s Store) error {
		a, err := e.load(batch, s, loanID)
		if err != nil {
			return err
		}
		if err := fn(batch, s, a); err != nil {
			return err
		}
		if !a.Journal.Balanced() {
			d, c := a.Journal.Totals()
			return invariant(CodeUnbalancedLedger, &ledger.UnbalancedError{Debits: d, Credits: c})
		}
		if err := e.save(batch, s, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, e.reject(err)
	}

	e.metrics.EntriesPosted(out.posted)
	if out.replayed > 0 {
		e.metrics.Replayed(out.replayed)
		e.log.Info("loan transactions replayed",
			zap.Int64("loan_id", out.Account.ID),
			zap.Int("replayed", out.replayed),
			zap.Int("entries", out.posted))
	}
	return out, nil
}

// reject records and logs a failed operation and passes err through.
func (e *Engine) reject(err error) error {
	if errors.Is(err, errNothingToDo) {
		return err
	}
	code := CodeOf(err)
	switch {
	case IsClientError(err):
		e.metrics.Rejected(code)
		e.log.Warn("loan command rejected", zap.String("code", code), zap.Error(err))
	case IsInvariant(err):
		e.metrics.Rejected(code)
		e.log.Error("loan invariant violated", zap.String("code", code), zap.Error(err))
	default:
		e.metrics.Rejected(CodeStoreFailure)
		e.log.Error("loan operation failed", zap.Error(err))
	}
	return err
}

// errNothingToDo aborts a unit of work that turned out to have no effect.
var errNothingToDo = errors.New("nothing to do")

func (e *Engine) resolveLoan(ctx context.Context, s Store, ref Ref) (int64, error) {
	if !ref.IsExternal() {
		if ref.ID <= 0 {
			return 0, notFound(ErrLoanNotFound, ref)
		}
		return ref.ID, nil
	}
	id, err := s.LoanIDByExternalID(ctx, ref.ExternalID)
	if errors.Is(err, ErrNoRecord) {
		return 0, notFound(ErrLoanNotFound, ref)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve loan %s: %w", ref, err)
	}
	return id, nil
}

func (e *Engine) load(ctx context.Context, s Store, loanID int64) (*Aggregate, error) {
	acct, err := s.LoadLoan(ctx, loanID)
	if errors.Is(err, ErrNoRecord) {
		return nil, notFound(ErrLoanNotFound, ByID(loanID))
	}
	if err != nil {
		return nil, classify(fmt.Errorf("load loan %d: %w", loanID, err))
	}
	product, err := e.products.Product(ctx, acct.ProductID)
	if err != nil {
		return nil, &Error{Kind: KindNotFound, Code: CodeProductNotFound, Message: err.Error(), Err: ErrProductNotFound}
	}
	txs, err := s.LoadTransactions(ctx, loanID)
	if err != nil {
		return nil, classify(fmt.Errorf("load transactions of loan %d: %w", loanID, err))
	}
	rels, err := s.LoadRelations(ctx, loanID)
	if err != nil {
		return nil, classify(fmt.Errorf("load relations of loan %d: %w", loanID, err))
	}
	charges, err := s.LoadCharges(ctx, loanID)
	if err != nil {
		return nil, classify(fmt.Errorf("load charges of loan %d: %w", loanID, err))
	}
	entries, err := s.LoadEntries(ctx, loanID)
	if err != nil {
		return nil, classify(fmt.Errorf("load journal of loan %d: %w", loanID, err))
	}

	a := newAggregate(acct, product, txs, charges, rels, entries, s, e.clock)
	if err := a.rehydrate(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (e *Engine) save(ctx context.Context, s Store, a *Aggregate) error {
	if err := s.SaveLoan(ctx, a.Account); err != nil {
		return fmt.Errorf("save loan %d: %w", a.Account.ID, err)
	}
	if err := s.SaveTransactions(ctx, a.dirtyTransactions()); err != nil {
		if errors.Is(err, ErrDuplicateExternalID) {
			return validationf(CodeDuplicateTransactionExternalID, "%v", err)
		}
		return fmt.Errorf("save transactions of loan %d: %w", a.Account.ID, err)
	}
	if err := s.SaveRelations(ctx, a.newRelations); err != nil {
		return fmt.Errorf("save relations of loan %d: %w", a.Account.ID, err)
	}
	for _, c := range a.newCharges {
		if err := s.SaveCharge(ctx, c); err != nil {
			if errors.Is(err, ErrDuplicateExternalID) {
				return validationf(CodeDuplicateChargeExternalID, "%v", err)
			}
			return fmt.Errorf("save charge %d: %w", c.ID, err)
		}
	}
	if err := s.AppendEntries(ctx, a.Journal.Pending()); err != nil {
		return fmt.Errorf("append journal of loan %d: %w", a.Account.ID, err)
	}
	a.Journal.MarkPersisted()
	if err := s.SaveSchedule(ctx, a.Account.ID, a.Schedule); err != nil {
		return fmt.Errorf("save schedule of loan %d: %w", a.Account.ID, err)
	}
	return nil
}

// view loads a loan for reading. Nothing is locked or written.
func (e *Engine) view(ctx context.Context, ref Ref) (*Aggregate, error) {
	loanID, err := e.resolveLoan(ctx, e.store, ref)
	if err != nil {
		return nil, err
	}
	return e.load(ctx, e.store, loanID)
}

// =============================================================================
// SUBMIT
// =============================================================================

// SubmitTransaction applies one new transaction, replaying later ones when
// it is backdated.
func (e *Engine) SubmitTransaction(ctx context.Context, loanRef Ref, cmd Command) (*TransactionResult, error) {
	if err := e.validateCommand(cmd); err != nil {
		return nil, e.reject(err)
	}

	var tx *Transaction
	a, err := e.mutate(ctx, loanRef, func(ctx context.Context, s Store, a *Aggregate) error {
		ext, err := e.externalID(ctx, s, cmd.ExternalID)
		if err != nil {
			return err
		}
		if cmd.Type == event.UndoWriteOff {
			tx, err = a.undoWriteOff(ctx, cmd.Date, ext)
			return err
		}

		tx, err = a.newTransaction(ctx, cmd.Type, cmd.Date, cmd.Amount)
		if err != nil {
			return err
		}
		a.setExternalID(tx, ext)
		tx.Metadata = copyMetadata(cmd.Metadata)
		if cmd.Fraud {
			if tx.Metadata == nil {
				tx.Metadata = map[string]string{}
			}
			tx.Metadata[MetadataFraud] = "true"
		}
		if err := a.link(tx, cmd); err != nil {
			return err
		}
		return a.reprocess(ctx, []*Transaction{tx}, nil)
	})
	if err != nil {
		return nil, err
	}
	e.processed(a, tx)
	return a.result(tx), nil
}

// validateCommand runs the checks that need no loan state.
func (e *Engine) validateCommand(cmd Command) error {
	if !cmd.Type.Valid() || cmd.Type.IsSystemGenerated() {
		return validationf(CodeTypeNotAllowed, "transaction type %s cannot be submitted", cmd.Type)
	}
	if cmd.Date.IsZero() {
		return validationf(CodeFutureDate, "transaction date is required")
	}
	if cmd.Date.After(e.clock.Today()) {
		return validationf(CodeFutureDate, "transaction date %s is after business date %s", cmd.Date, e.clock.Today())
	}
	switch cmd.Type {
	case event.WriteOff, event.ChargeOff, event.UndoWriteOff:
		// Amount is computed.
	case event.WaiveCharge:
		if cmd.Amount.IsNegative() {
			return validationf(CodeAmountNotPositive, "amount %s", cmd.Amount)
		}
	default:
		if !cmd.Amount.IsPositive() {
			return validationf(CodeAmountNotPositive, "amount %s", cmd.Amount)
		}
	}
	return nil
}

// externalID checks a requested external id for uniqueness, or generates
// one when enabled.
func (e *Engine) externalID(ctx context.Context, s Store, requested string) (string, error) {
	if requested == "" {
		if e.autoExternalIDs {
			return uuid.NewString(), nil
		}
		return "", nil
	}
	exists, err := s.TransactionExternalIDExists(ctx, requested)
	if err != nil {
		return "", fmt.Errorf("check transaction external id: %w", err)
	}
	if exists {
		return "", validationf(CodeDuplicateTransactionExternalID, "transaction external id %s already exists", requested)
	}
	return requested, nil
}

// link resolves the charge and related transaction a command refers to.
func (a *Aggregate) link(tx *Transaction, cmd Command) error {
	switch tx.Type {
	case event.ChargePayment, event.WaiveCharge, event.ChargeAdjustment:
		c, err := a.chargeByRef(cmd.ChargeRef)
		if err != nil {
			return err
		}
		tx.ChargeID = c.ID
		if tx.Type == event.ChargeAdjustment {
			if assessment := a.assessment(c.ID); assessment != nil {
				a.addRelation(Relation{FromID: tx.ID, ToID: assessment.ID, Type: RelationChargeAdjustment})
			}
		}

	case event.Chargeback:
		if cmd.RelatedTransaction.IsZero() {
			return statef(CodeChargebackNotAllowed, "chargeback needs a related transaction")
		}
		parent, err := a.resolveRef(cmd.RelatedTransaction)
		if err != nil {
			return err
		}
		tx.ParentID = parent.ID
		a.addRelation(Relation{FromID: tx.ID, ToID: parent.ID, Type: RelationChargeback})
	}
	return nil
}

// assessment returns the applied charge assessment accrual of a charge.
func (a *Aggregate) assessment(chargeID int64) *Transaction {
	for _, tx := range a.activeOfType(event.Accrual) {
		if tx.ChargeID == chargeID {
			return tx
		}
	}
	return nil
}

func (a *Aggregate) setExternalID(tx *Transaction, ext string) {
	tx.ExternalID = ext
	a.relations.AddTransaction(*tx)
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (a *Aggregate) result(tx *Transaction) *TransactionResult {
	return &TransactionResult{
		ID:             tx.ID,
		ExternalID:     tx.ExternalID,
		LoanID:         a.Account.ID,
		Type:           tx.Type,
		JournalEntries: a.Journal.ForTransaction(tx.ID),
		ReplayedCount:  a.replayed,
	}
}

func (e *Engine) processed(a *Aggregate, tx *Transaction) {
	e.metrics.TransactionProcessed(tx.Type.String())
	e.log.Debug("loan transaction applied",
		zap.Int64("loan_id", a.Account.ID),
		zap.Int64("transaction_id", tx.ID),
		zap.Stringer("type", tx.Type),
		zap.Stringer("date", tx.Date),
		zap.Stringer("amount", tx.Amount))
}

// =============================================================================
// REVERSE
// =============================================================================

// ReverseTransaction reverses a transaction and replays everything after
// it. A positive amount submits a replacement of the same type, dated date
// or the original date, in the same batch.
func (e *Engine) ReverseTransaction(ctx context.Context, loanRef, txRef Ref, date *calendar.Date, amount *money.Money) (*TransactionResult, error) {
	if amount != nil && amount.IsNegative() {
		return nil, e.reject(validationf(CodeAmountNotPositive, "amount %s", *amount))
	}
	if date != nil && date.After(e.clock.Today()) {
		return nil, e.reject(validationf(CodeFutureDate, "date %s is after business date %s", *date, e.clock.Today()))
	}

	var target, replacement *Transaction
	a, err := e.mutate(ctx, loanRef, func(ctx context.Context, _ Store, a *Aggregate) error {
		tx, err := a.resolveRef(txRef)
		if err != nil {
			return err
		}
		if tx.Reversed {
			return wrapState(ErrAlreadyReversed, CodeAlreadyReversed, "transaction %d is already reversed", tx.ID)
		}
		target = tx

		switch tx.Type {
		case event.Disbursement:
			return statef(CodeDisbursalReverseForbidden, "disbursement %d can only be undone through undo disbursal", tx.ID)
		case event.Accrual, event.UndoWriteOff:
			return validationf(CodeTypeNotAllowed, "%s %d cannot be reversed", tx.Type, tx.ID)
		case event.ChargeOff:
			return a.undoChargeOff(ctx)
		case event.WriteOff:
			_, err := a.undoWriteOff(ctx, a.clock.Today(), "")
			return err
		}

		var fresh []*Transaction
		if amount != nil && amount.IsPositive() {
			on := tx.Date
			if date != nil {
				on = *date
			}
			replacement, err = a.newTransaction(ctx, tx.Type, on, *amount)
			if err != nil {
				return err
			}
			replacement.ChargeID = tx.ChargeID
			replacement.Metadata = copyMetadata(tx.Metadata)
			if tx.ParentID != 0 {
				replacement.ParentID = a.relations.Resolve(tx.ParentID)
				for _, rel := range a.relations.From(tx.ID) {
					if rel.Type != RelationReplayed {
						a.addRelation(Relation{FromID: replacement.ID, ToID: a.relations.Resolve(rel.ToID), Type: rel.Type})
					}
				}
			}
			fresh = append(fresh, replacement)
		}
		return a.reprocess(ctx, fresh, []*Transaction{tx})
	})
	if err != nil {
		return nil, err
	}

	res := a.result(target)
	if replacement != nil {
		e.processed(a, replacement)
		res = a.result(replacement)
	}
	return res, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetTransaction resolves txRef through replay relations to the latest
// record.
func (e *Engine) GetTransaction(ctx context.Context, loanRef, txRef Ref) (*TransactionView, error) {
	a, err := e.view(ctx, loanRef)
	if err != nil {
		return nil, err
	}
	tx, err := a.resolveRef(txRef)
	if err != nil {
		return nil, err
	}
	v := a.transactionView(tx)
	return &v, nil
}

func (e *Engine) ListTransactions(ctx context.Context, loanRef Ref) ([]TransactionView, error) {
	a, err := e.view(ctx, loanRef)
	if err != nil {
		return nil, err
	}
	out := make([]TransactionView, 0, len(a.txs))
	for _, tx := range a.txs {
		out = append(out, a.transactionView(tx))
	}
	return out, nil
}

func (e *Engine) GetRepaymentSchedule(ctx context.Context, loanRef Ref) ([]schedule.Installment, error) {
	a, err := e.view(ctx, loanRef)
	if err != nil {
		return nil, err
	}
	return a.Schedule.Clone().Installments, nil
}

// GetJournalEntries returns the entries tagged with a correlation id such
// as "L42".
func (e *Engine) GetJournalEntries(ctx context.Context, correlationID string) ([]ledger.Entry, error) {
	prefix, id, err := ledger.ParseCorrelationID(correlationID)
	if err != nil || prefix != ledger.LoanTransactionPrefix {
		return nil, validationf(CodeInvalidCorrelationID, "correlation id %q", correlationID)
	}
	entries, err := e.store.EntriesByTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load journal entries of %s: %w", correlationID, err)
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return entries, nil
}
