package loan

import (
	"context"

	"github.com/warp/loan-ledger/accounting"
	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/money"
	"github.com/warp/loan-ledger/schedule"
)

// =============================================================================
// TRANSACTION PROCESSOR
// =============================================================================

// apply runs one transaction against the schedule and scalar state, records
// what unwinding it needs, and posts its journal entries unless the
// aggregate is being rehydrated.
func (a *Aggregate) apply(ctx context.Context, tx *Transaction, m mode) error {
	rec := &applied{prior: a.scalars()}

	var err error
	switch tx.Type {
	case event.Disbursement:
		err = a.applyDisbursement(tx, rec, m)
	case event.DownPayment, event.Repayment, event.GoodwillCredit, event.MerchantRefund, event.PayoutRefund:
		err = a.applyRepayment(tx, rec, m)
	case event.ChargeAdjustment:
		err = a.applyChargeAdjustment(tx, rec, m)
	case event.ChargePayment:
		err = a.applyChargePayment(tx, rec, m)
	case event.WaiveInterest:
		err = a.applyWaiveInterest(tx, rec, m)
	case event.WaiveCharge:
		err = a.applyWaiveCharge(tx, rec, m)
	case event.WriteOff:
		err = a.applyWriteOff(tx, rec, m)
	case event.UndoWriteOff:
		// Marker only; the write-off reversal restored everything.
	case event.RecoveryPayment:
		err = a.applyRecovery(tx, m)
	case event.ChargeOff:
		err = a.applyChargeOff(tx, m)
	case event.Chargeback:
		err = a.applyChargeback(tx, rec, m)
	case event.CreditBalanceRefund:
		err = a.applyCreditBalanceRefund(tx, m)
	case event.Accrual:
		err = a.applyAccrual(tx, rec, m)
	default:
		err = validationf(CodeTypeNotAllowed, "transaction type %s", tx.Type)
	}
	if err != nil {
		a.restore(rec.prior)
		return classify(err)
	}

	a.applied[tx.ID] = rec
	a.stack = append(a.stack, tx.ID)

	if !m.posts() {
		return nil
	}
	postings, err := a.Product.Resolver().Resolve(a.eventFor(tx, rec))
	if err != nil {
		return invariant(CodeUnbalancedLedger, err)
	}
	entries, err := a.Journal.Post(ctx, a.Account.ID, tx.ID, tx.Date, postings)
	if err != nil {
		return classify(err)
	}
	a.posted += len(entries)
	a.markDirty(tx)
	return nil
}

// eventFor builds the accounting view of an applied transaction. Charge-off
// state is taken from before the transaction.
func (a *Aggregate) eventFor(tx *Transaction, rec *applied) accounting.Event {
	ev := accounting.Event{
		Type:        tx.Type,
		Total:       tx.Amount,
		Principal:   tx.Principal,
		Interest:    tx.Interest,
		Fee:         tx.Fee,
		Penalty:     tx.Penalty,
		Overpayment: tx.Overpayment,
		ChargedOff:  rec.prior.chargedOff,
		Fraud:       rec.prior.fraud,
	}
	switch tx.Type {
	case event.Disbursement:
		ev.UpfrontInterest = rec.upfront
	case event.ChargeOff:
		ev.Fraud = tx.Fraud()
	case event.Chargeback:
		ev.OverpaymentUsed = tx.Overpayment
		ev.Overpayment = money.Zero
	case event.CreditBalanceRefund:
		ev.Overpayment = money.Zero
	case event.ChargeAdjustment:
		if c, ok := a.charge(tx.ChargeID); ok {
			ev.PenaltyCharge = c.Penalty
		}
	}
	return ev
}

func (a *Aggregate) requireServicing(m mode) error {
	if m.validates() && !a.Account.Status.Servicing() {
		return statef(CodeNotActive, "loan %d is %s", a.Account.ID, a.Account.Status)
	}
	return nil
}

// =============================================================================
// DISBURSEMENT
// =============================================================================

func (a *Aggregate) applyDisbursement(tx *Transaction, rec *applied, m mode) error {
	if m.validates() {
		if a.Account.Status != Approved && !a.Account.Status.Servicing() {
			return statef(CodeDisbursementNotAllowed, "loan %d is %s", a.Account.ID, a.Account.Status)
		}
		if tx.Date.Before(a.Account.SubmittedOn) {
			return wrapState(ErrDisbursementBeforeSubmission, CodeDisbursementBeforeSubmit,
				"disbursement on %s is before submission on %s", tx.Date, a.Account.SubmittedOn)
		}
		already := a.disbursed()
		if already.IsPositive() && !a.Product.MultiDisburse {
			return wrapState(ErrProductDoesNotSupportMultipleDisbursals, CodeNoMultipleDisbursals,
				"product %s allows a single disbursement", a.Product.ID)
		}
		if already.Add(tx.Amount).GreaterThan(a.Account.Principal) {
			return validationf(CodeDisbursementExceeds, "disbursing %s exceeds approved principal %s (already %s)",
				tx.Amount, a.Account.Principal, already)
		}
	}

	before := a.Schedule.Clone()
	rec.snapshot = &before
	interestBefore := money.Zero
	if !before.Expected {
		interestBefore = before.Due().Interest
	}

	next, err := schedule.AddTranche(a.Schedule, a.Product.Params(a.Account), schedule.Tranche{Amount: tx.Amount, Date: tx.Date})
	if err != nil {
		return err
	}
	a.Schedule = next
	rec.upfront = next.Due().Interest.Sub(interestBefore)

	tx.setPortions(schedule.Components{Principal: tx.Amount}, money.Zero)
	if a.Account.Status == Approved {
		a.Account.Status = Active
	}
	a.refreshStatus()
	return nil
}

// =============================================================================
// INBOUND PAYMENTS
// =============================================================================

// applyRepayment allocates horizontally in the product order. A down
// payment settles its own installment first. Any excess becomes
// overpayment.
func (a *Aggregate) applyRepayment(tx *Transaction, rec *applied, m mode) error {
	if err := a.requireServicing(m); err != nil {
		return err
	}
	a.allocateInbound(tx, rec)
	return nil
}

func (a *Aggregate) allocateInbound(tx *Transaction, rec *applied) {
	order := a.Product.Order()
	remaining := tx.Amount
	var allocs schedule.Allocations

	if tx.Type == event.DownPayment {
		if row := a.firstOpenDownPayment(); row >= 0 {
			var dp schedule.Allocations
			dp, remaining = a.Schedule.PayInstallment(row, remaining, order, tx.Date)
			allocs = append(allocs, dp...)
		}
	}
	rest, remaining := a.Schedule.Pay(remaining, order, tx.Date)
	allocs = append(allocs, rest...)

	rec.allocs = allocs
	tx.setPortions(allocs.Portions(), remaining)
	a.Account.OverpaymentBalance = a.Account.OverpaymentBalance.Add(remaining)
	a.refreshStatus()
}

func (a *Aggregate) applyChargeAdjustment(tx *Transaction, rec *applied, m mode) error {
	if err := a.requireServicing(m); err != nil {
		return err
	}
	c, ok := a.charge(tx.ChargeID)
	if !ok {
		return notFound(ErrChargeNotFound, ByID(tx.ChargeID))
	}
	if m.validates() {
		if !a.assessed(c.ID) {
			return statef(CodeChargeInactive, "charge %d is not active", c.ID)
		}
		if a.adjusted(c.ID).Add(tx.Amount).GreaterThan(c.Amount) {
			return statef(CodeChargeAdjustmentExceeds, "adjustment %s exceeds charge amount %s", tx.Amount, c.Amount)
		}
	}
	a.allocateInbound(tx, rec)
	return nil
}

func (a *Aggregate) applyChargePayment(tx *Transaction, rec *applied, m mode) error {
	if err := a.requireServicing(m); err != nil {
		return err
	}
	c, row, err := a.chargeRow(tx, m)
	if err != nil {
		return err
	}
	if m.validates() && tx.Amount.GreaterThan(a.chargeBalance(c.ID).Outstanding) {
		return statef(CodeChargePaymentExceeds, "payment %s exceeds outstanding of charge %d", tx.Amount, c.ID)
	}
	allocs, remaining := a.Schedule.PayCharge(row, c.Penalty, tx.Amount, tx.Date)
	rec.allocs = allocs
	if remaining.IsPositive() {
		return statef(CodeChargePaymentExceeds, "payment %s exceeds outstanding of charge %d", tx.Amount, c.ID)
	}
	tx.setPortions(allocs.Portions(), money.Zero)
	return nil
}

// chargeRow finds the assessed charge of tx and the installment holding it.
func (a *Aggregate) chargeRow(tx *Transaction, m mode) (*Charge, int, error) {
	c, ok := a.charge(tx.ChargeID)
	if !ok {
		return nil, -1, notFound(ErrChargeNotFound, ByID(tx.ChargeID))
	}
	if m.validates() && !a.assessed(c.ID) {
		return nil, -1, statef(CodeChargeInactive, "charge %d is not active", c.ID)
	}
	row := a.Schedule.ChargeRow(c.DueDate)
	if row < 0 {
		return nil, -1, statef(CodeChargeInactive, "charge %d has no installment", c.ID)
	}
	return c, row, nil
}

// =============================================================================
// WAIVERS, WRITE-OFF, RECOVERY
// =============================================================================

func (a *Aggregate) applyWaiveInterest(tx *Transaction, rec *applied, m mode) error {
	if err := a.requireServicing(m); err != nil {
		return err
	}
	allocs, remaining := a.Schedule.WaiveInterest(tx.Amount, tx.Date)
	rec.allocs = allocs
	if remaining.IsPositive() {
		return statef(CodeWaiveInterestExceeds, "waiver %s exceeds outstanding interest by %s", tx.Amount, remaining)
	}
	tx.setPortions(allocs.Portions(), money.Zero)
	return nil
}

func (a *Aggregate) applyWaiveCharge(tx *Transaction, rec *applied, m mode) error {
	if err := a.requireServicing(m); err != nil {
		return err
	}
	c, row, err := a.chargeRow(tx, m)
	if err != nil {
		return err
	}
	if m == modeFresh && tx.Amount.IsZero() {
		tx.Amount = a.chargeBalance(c.ID).Outstanding
	}
	if m.validates() && (!tx.Amount.IsPositive() || tx.Amount.GreaterThan(a.chargeBalance(c.ID).Outstanding)) {
		return statef(CodeChargeWaiveExceeds, "waiver %s exceeds outstanding of charge %d", tx.Amount, c.ID)
	}
	allocs, remaining := a.Schedule.WaiveCharge(row, c.Penalty, tx.Amount, tx.Date)
	rec.allocs = allocs
	if remaining.IsPositive() {
		return statef(CodeChargeWaiveExceeds, "waiver %s exceeds outstanding of charge %d", tx.Amount, c.ID)
	}
	tx.setPortions(allocs.Portions(), money.Zero)
	return nil
}

func (a *Aggregate) applyWriteOff(tx *Transaction, rec *applied, m mode) error {
	if err := a.requireServicing(m); err != nil {
		return err
	}
	allocs := a.Schedule.WriteOffAll(tx.Date)
	rec.allocs = allocs
	tx.Amount = allocs.Total()
	tx.setPortions(allocs.Portions(), money.Zero)
	a.Account.Status = WrittenOff
	return nil
}

func (a *Aggregate) applyRecovery(tx *Transaction, m mode) error {
	if m.validates() && a.Account.Status != WrittenOff {
		return statef(CodeRecoveryNotAllowed, "loan %d is %s", a.Account.ID, a.Account.Status)
	}
	tx.setPortions(schedule.Components{}, money.Zero)
	return nil
}

// =============================================================================
// CHARGE-OFF
// =============================================================================

// applyChargeOff books whatever is outstanding at this point in time. The
// schedule itself is unchanged; later collections go to recovery.
func (a *Aggregate) applyChargeOff(tx *Transaction, m mode) error {
	if err := a.requireServicing(m); err != nil {
		return err
	}
	if a.Account.ChargedOff {
		return statef(CodeAlreadyChargedOff, "loan %d was charged off on %s", a.Account.ID, a.Account.ChargedOffOn)
	}
	out := a.Schedule.Outstanding()
	tx.Amount = out.Total()
	tx.setPortions(out, money.Zero)
	a.Account.ChargedOff = true
	a.Account.ChargedOffOn = tx.Date
	a.Account.FraudChargeOff = tx.Fraud()
	return nil
}

// =============================================================================
// CHARGEBACK AND REFUND
// =============================================================================

func (a *Aggregate) applyChargeback(tx *Transaction, rec *applied, m mode) error {
	if err := a.requireServicing(m); err != nil {
		return err
	}
	if m.validates() {
		parent, ok := a.resolve(tx.ParentID)
		if !ok || !a.isApplied(parent.ID) || !parent.Type.IsChargebackable() {
			return statef(CodeChargebackNotAllowed, "transaction %d cannot be charged back", tx.ParentID)
		}
		prior := money.Zero
		for _, cb := range a.activeOfType(event.Chargeback) {
			if a.relations.SameLineage(cb.ParentID, parent.ID) {
				prior = prior.Add(cb.Amount)
			}
		}
		if prior.Add(tx.Amount).GreaterThan(parent.Amount) {
			return statef(CodeChargebackNotAllowed, "chargeback %s exceeds repaid %s less prior chargebacks %s",
				tx.Amount, parent.Amount, prior)
		}
	}

	before := a.Schedule.Clone()
	rec.snapshot = &before

	used := a.Account.OverpaymentBalance.Min(tx.Amount)
	a.Account.OverpaymentBalance = a.Account.OverpaymentBalance.Sub(used)
	rest := tx.Amount.Sub(used)
	if rest.IsPositive() {
		allocs, err := a.Schedule.Credit(rest, tx.Date)
		if err != nil {
			return err
		}
		rec.allocs = allocs
	}
	tx.setPortions(schedule.Components{Principal: rest}, used)
	a.refreshStatus()
	return nil
}

func (a *Aggregate) applyCreditBalanceRefund(tx *Transaction, m mode) error {
	if err := a.requireServicing(m); err != nil {
		return err
	}
	if tx.Amount.GreaterThan(a.Account.OverpaymentBalance) {
		return statef(CodeRefundExceedsOverpayment, "refund %s exceeds overpayment %s", tx.Amount, a.Account.OverpaymentBalance)
	}
	a.Account.OverpaymentBalance = a.Account.OverpaymentBalance.Sub(tx.Amount)
	tx.setPortions(schedule.Components{}, tx.Amount)
	a.refreshStatus()
	return nil
}

// =============================================================================
// ACCRUAL
// =============================================================================

// applyAccrual either assesses a charge onto the schedule or records
// interest accrued through its date.
func (a *Aggregate) applyAccrual(tx *Transaction, rec *applied, m mode) error {
	if m.validates() && !a.Account.Status.Servicing() && a.Account.Status != WrittenOff {
		return statef(CodeNotActive, "loan %d is %s", a.Account.ID, a.Account.Status)
	}
	if tx.ChargeID == 0 {
		tx.setPortions(schedule.Components{Interest: tx.Amount}, money.Zero)
		return nil
	}

	c, ok := a.charge(tx.ChargeID)
	if !ok {
		return notFound(ErrChargeNotFound, ByID(tx.ChargeID))
	}
	before := a.Schedule.Clone()
	rec.snapshot = &before
	if _, err := a.Schedule.AddCharge(c.DueDate, c.Amount, c.Penalty); err != nil {
		return err
	}
	tx.Amount = c.Amount
	if c.Penalty {
		tx.setPortions(schedule.Components{Penalty: c.Amount}, money.Zero)
	} else {
		tx.setPortions(schedule.Components{Fee: c.Amount}, money.Zero)
	}
	return nil
}
