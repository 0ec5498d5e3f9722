package loan

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/loan-ledger/accounting"
	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/money"
	"github.com/warp/loan-ledger/schedule"
)

// =============================================================================
// CREATE AND APPROVE
// =============================================================================

// CreateLoan registers a loan application in SUBMITTED_AND_PENDING_APPROVAL.
func (e *Engine) CreateLoan(ctx context.Context, app Application) (*Account, error) {
	if !app.Principal.IsPositive() {
		return nil, e.reject(validationf(CodeInvalidPrincipal, "principal %s", app.Principal))
	}
	if app.SubmittedOn.IsZero() {
		app.SubmittedOn = e.clock.Today()
	}
	if app.SubmittedOn.After(e.clock.Today()) {
		return nil, e.reject(validationf(CodeFutureDate, "submitted on %s is after business date %s", app.SubmittedOn, e.clock.Today()))
	}
	product, err := e.products.Product(ctx, app.ProductID)
	if err != nil {
		return nil, e.reject(&Error{Kind: KindNotFound, Code: CodeProductNotFound, Message: err.Error(), Err: ErrProductNotFound})
	}

	var acct Account
	err = e.store.WithTx(ctx, func(s Store) error {
		ext := app.ExternalID
		if ext == "" && e.autoExternalIDs {
			ext = uuid.NewString()
		}
		if ext != "" {
			_, err := s.LoanIDByExternalID(ctx, ext)
			if err == nil {
				return validationf(CodeDuplicateLoanExternalID, "loan external id %s already exists", ext)
			}
			if !errors.Is(err, ErrNoRecord) {
				return fmt.Errorf("check loan external id: %w", err)
			}
		}
		id, err := s.NextID(ctx, SequenceLoan)
		if err != nil {
			return err
		}
		acct = Account{
			ID:                     id,
			ExternalID:             ext,
			ProductID:              product.ID,
			Status:                 PendingApproval,
			Principal:              app.Principal,
			Currency:               product.Currency,
			SubmittedOn:            app.SubmittedOn,
			ExpectedDisbursementOn: app.ExpectedDisbursementOn,
			OverpaymentBalance:     money.Zero,
			CreatedAt:              e.clock.Now(),
		}
		if err := s.CreateLoan(ctx, acct); err != nil {
			if errors.Is(err, ErrDuplicateExternalID) {
				return validationf(CodeDuplicateLoanExternalID, "%v", err)
			}
			return fmt.Errorf("create loan: %w", err)
		}
		return s.SaveSchedule(ctx, id, schedule.Schedule{})
	})
	if err != nil {
		return nil, e.reject(err)
	}
	e.log.Info("loan created", zap.Int64("loan_id", acct.ID), zap.String("product", acct.ProductID), zap.Stringer("principal", acct.Principal))
	return &acct, nil
}

// Approve moves a pending loan to APPROVED and projects its expected
// schedule.
func (e *Engine) Approve(ctx context.Context, ref Ref, on calendar.Date) (*Account, error) {
	a, err := e.mutate(ctx, ref, func(_ context.Context, _ Store, a *Aggregate) error {
		if a.Account.Status != PendingApproval {
			return statef(CodeApproveNotAllowed, "loan %d is %s", a.Account.ID, a.Account.Status)
		}
		if on.IsZero() {
			on = a.clock.Today()
		}
		if on.Before(a.Account.SubmittedOn) || on.After(a.clock.Today()) {
			return validationf(CodeApproveNotAllowed, "approval date %s outside %s..%s", on, a.Account.SubmittedOn, a.clock.Today())
		}
		a.Account.Status = Approved
		a.Account.ApprovedOn = on
		a.Schedule = a.expectedSchedule()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a.Account, nil
}

func (e *Engine) UndoApproval(ctx context.Context, ref Ref) (*Account, error) {
	a, err := e.mutate(ctx, ref, func(_ context.Context, _ Store, a *Aggregate) error {
		if a.Account.Status != Approved || len(a.stack) > 0 {
			return statef(CodeUndoApprovalNotAllowed, "loan %d is %s", a.Account.ID, a.Account.Status)
		}
		a.Account.Status = PendingApproval
		a.Account.ApprovedOn = calendar.Date{}
		a.Schedule = schedule.Schedule{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a.Account, nil
}

// Close settles a loan with nothing outstanding and no overpayment.
func (e *Engine) Close(ctx context.Context, ref Ref, on calendar.Date) (*Account, error) {
	a, err := e.mutate(ctx, ref, func(_ context.Context, _ Store, a *Aggregate) error {
		if err := a.requireServicing(modeFresh); err != nil {
			return err
		}
		if out := a.Schedule.Outstanding().Total(); out.IsPositive() || a.Account.OverpaymentBalance.IsPositive() {
			return statef(CodeCloseOutstanding, "loan %d has %s outstanding and %s overpaid", a.Account.ID, out, a.Account.OverpaymentBalance)
		}
		if on.IsZero() {
			on = a.clock.Today()
		}
		a.Account.Status = ClosedObligationsMet
		a.Account.ClosedOn = on
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a.Account, nil
}

// =============================================================================
// UNDO DISBURSAL
// =============================================================================

// UndoDisbursal reverses every active transaction and returns the loan to
// APPROVED with its expected schedule.
func (e *Engine) UndoDisbursal(ctx context.Context, ref Ref) (*Account, error) {
	a, err := e.mutate(ctx, ref, func(ctx context.Context, _ Store, a *Aggregate) error {
		if !a.Account.Status.Servicing() {
			return statef(CodeUndoDisbursalNotAllowed, "loan %d is %s", a.Account.ID, a.Account.Status)
		}
		if err := a.reprocess(ctx, nil, a.appliedInOrder()); err != nil {
			return err
		}
		a.Schedule = a.expectedSchedule()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a.Account, nil
}

// UndoLastDisbursal reverses the latest tranche and its down payment and
// replays anything after it.
func (e *Engine) UndoLastDisbursal(ctx context.Context, ref Ref) (*Account, error) {
	a, err := e.mutate(ctx, ref, func(ctx context.Context, _ Store, a *Aggregate) error {
		return a.undoLastDisbursal(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &a.Account, nil
}

func (a *Aggregate) undoLastDisbursal(ctx context.Context) error {
	if !a.Product.MultiDisburse {
		return wrapState(ErrProductDoesNotSupportMultipleDisbursals, CodeUndoLastNoMultiple,
			"product %s allows a single disbursement", a.Product.ID)
	}
	if err := a.requireServicing(modeFresh); err != nil {
		return err
	}
	tranches := a.activeOfType(event.Disbursement)
	if len(tranches) < 2 {
		return statef(CodeUndoLastSingleTranche, "loan %d has %d tranche(s)", a.Account.ID, len(tranches))
	}
	last := tranches[len(tranches)-1]

	exclude := []*Transaction{last}
	ignored := map[int64]bool{last.ID: true}
	for _, dp := range a.activeOfType(event.DownPayment) {
		if dp.ParentID != 0 && a.relations.SameLineage(dp.ParentID, last.ID) {
			exclude = append(exclude, dp)
			ignored[dp.ID] = true
		}
	}
	for _, tx := range a.appliedInOrder() {
		if ignored[tx.ID] || !tx.Type.IsRepaymentLike() {
			continue
		}
		if !tx.Date.Before(last.Date) {
			return wrapState(ErrCannotUndoLastDisbursalAfterRepayments, CodeUndoLastAfterRepayments,
				"%s %d on %s is on or after the last tranche on %s", tx.Type, tx.ID, tx.Date, last.Date)
		}
	}
	return a.reprocess(ctx, nil, exclude)
}

// =============================================================================
// UNDO CHARGE-OFF AND WRITE-OFF
// =============================================================================

func (e *Engine) UndoChargeOff(ctx context.Context, ref Ref) (*Account, error) {
	a, err := e.mutate(ctx, ref, func(ctx context.Context, _ Store, a *Aggregate) error {
		return a.undoChargeOff(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &a.Account, nil
}

// undoChargeOff reverses the charge-off, which must be the last user
// transaction.
func (a *Aggregate) undoChargeOff(ctx context.Context) error {
	chargeOffs := a.activeOfType(event.ChargeOff)
	if !a.Account.ChargedOff || len(chargeOffs) == 0 {
		return statef(CodeNotChargedOff, "loan %d is not charged off", a.Account.ID)
	}
	co := chargeOffs[len(chargeOffs)-1]
	if last := a.lastUserTransaction(); last == nil || last.ID != co.ID {
		return statef(CodeChargeOffNotLast, "charge-off %d is not the last transaction of loan %d", co.ID, a.Account.ID)
	}
	return a.reprocess(ctx, nil, []*Transaction{co})
}

// undoWriteOff reverses the active write-off and records an UNDO_WRITE_OFF
// marker dated on.
func (a *Aggregate) undoWriteOff(ctx context.Context, on calendar.Date, externalID string) (*Transaction, error) {
	writeOffs := a.activeOfType(event.WriteOff)
	if a.Account.Status != WrittenOff || len(writeOffs) == 0 {
		return nil, statef(CodeNotWrittenOff, "loan %d is %s", a.Account.ID, a.Account.Status)
	}
	wo := writeOffs[len(writeOffs)-1]
	marker, err := a.newTransaction(ctx, event.UndoWriteOff, on, money.Zero)
	if err != nil {
		return nil, err
	}
	a.setExternalID(marker, externalID)
	if err := a.reprocess(ctx, []*Transaction{marker}, []*Transaction{wo}); err != nil {
		return nil, err
	}
	return marker, nil
}

// =============================================================================
// CHARGES
// =============================================================================

// AddCharge creates a fee or penalty charge and assesses it onto the
// schedule with an ACCRUAL dated on its due date, or today when it is due
// later.
func (e *Engine) AddCharge(ctx context.Context, loanRef Ref, req ChargeRequest) (*ChargeView, error) {
	if !req.Amount.IsPositive() {
		return nil, e.reject(validationf(CodeAmountNotPositive, "charge amount %s", req.Amount))
	}
	if req.DueDate.IsZero() {
		return nil, e.reject(validationf(CodeChargeDueBeforeDisbursal, "charge due date is required"))
	}

	var chargeID int64
	a, err := e.mutate(ctx, loanRef, func(ctx context.Context, s Store, a *Aggregate) error {
		if err := a.requireServicing(modeFresh); err != nil {
			return err
		}
		ext := req.ExternalID
		if ext == "" && e.autoExternalIDs {
			ext = uuid.NewString()
		}
		if ext != "" {
			exists, err := s.ChargeExternalIDExists(ctx, ext)
			if err != nil {
				return fmt.Errorf("check charge external id: %w", err)
			}
			if exists {
				return validationf(CodeDuplicateChargeExternalID, "charge external id %s already exists", ext)
			}
		}
		tranches := a.activeOfType(event.Disbursement)
		if len(tranches) == 0 || req.DueDate.Before(tranches[0].Date) {
			return statef(CodeChargeDueBeforeDisbursal, "charge due %s is before the first disbursement", req.DueDate)
		}

		id, err := a.ids.NextID(ctx, SequenceCharge)
		if err != nil {
			return err
		}
		c := Charge{
			ID:         id,
			ExternalID: ext,
			LoanID:     a.Account.ID,
			Name:       req.Name,
			Penalty:    req.Penalty,
			Amount:     req.Amount,
			DueDate:    req.DueDate,
			CreatedAt:  a.clock.Now(),
		}
		a.charges = append(a.charges, c)
		a.newCharges = append(a.newCharges, c)
		chargeID = id

		tx, err := a.newTransaction(ctx, event.Accrual, calendar.Min(req.DueDate, a.clock.Today()), req.Amount)
		if err != nil {
			return err
		}
		tx.ChargeID = id
		return a.reprocess(ctx, []*Transaction{tx}, nil)
	})
	if err != nil {
		return nil, err
	}
	c, _ := a.charge(chargeID)
	v := a.chargeView(*c)
	return &v, nil
}

func (e *Engine) GetCharge(ctx context.Context, loanRef, chargeRef Ref) (*ChargeView, error) {
	a, err := e.view(ctx, loanRef)
	if err != nil {
		return nil, err
	}
	c, err := a.chargeByRef(chargeRef)
	if err != nil {
		return nil, err
	}
	v := a.chargeView(*c)
	return &v, nil
}

func (e *Engine) GetLoan(ctx context.Context, ref Ref) (*LoanView, error) {
	a, err := e.view(ctx, ref)
	if err != nil {
		return nil, err
	}
	v := a.loanView()
	return &v, nil
}

// =============================================================================
// PERIODIC ACCRUAL
// =============================================================================

// RunAccruals books interest accrued through date on every periodic-accrual
// loan in loanIDs, or on all loans when loanIDs is nil. Loans that reject
// the accrual are skipped. It returns how many accruals were booked.
func (e *Engine) RunAccruals(ctx context.Context, date calendar.Date, loanIDs []int64) (int, error) {
	if date.After(e.clock.Today()) {
		return 0, validationf(CodeFutureDate, "accrual date %s is after business date %s", date, e.clock.Today())
	}
	if loanIDs == nil {
		ids, err := e.store.ListLoanIDs(ctx)
		if err != nil {
			return 0, fmt.Errorf("list loans: %w", err)
		}
		loanIDs = ids
	}

	var booked atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.accrualWorkers, 1))
	for _, id := range loanIDs {
		g.Go(func() error {
			ok, err := e.accrue(gctx, id, date)
			if err != nil {
				if IsClientError(err) {
					return nil
				}
				return fmt.Errorf("accrue loan %d: %w", id, err)
			}
			if ok {
				booked.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(booked.Load()), err
}

func (e *Engine) accrue(ctx context.Context, loanID int64, date calendar.Date) (bool, error) {
	_, err := e.mutate(ctx, ByID(loanID), func(ctx context.Context, _ Store, a *Aggregate) error {
		if a.Product.Rule != accounting.AccrualPeriodic || a.Account.ChargedOff || !a.Account.Status.Servicing() {
			return errNothingToDo
		}
		accrued := money.Zero
		for _, tx := range a.activeOfType(event.Accrual) {
			if tx.ChargeID == 0 {
				accrued = accrued.Add(tx.Amount)
			}
		}
		amount := a.Schedule.InterestDueThrough(date).Sub(accrued)
		if !amount.IsPositive() {
			return errNothingToDo
		}
		tx, err := a.newTransaction(ctx, event.Accrual, date, amount)
		if err != nil {
			return err
		}
		return a.reprocess(ctx, []*Transaction{tx}, nil)
	})
	if errors.Is(err, errNothingToDo) {
		return false, nil
	}
	return err == nil, err
}
