package loan

import (
	"context"
	"sort"

	"github.com/warp/loan-ledger/event"
)

// =============================================================================
// UNWIND - Latest first, exact inverse of apply
// =============================================================================

// unwindTop undoes the most recently applied transaction.
func (a *Aggregate) unwindTop() (*Transaction, error) {
	n := len(a.stack)
	id := a.stack[n-1]
	rec := a.applied[id]

	if rec.snapshot != nil {
		a.Schedule = *rec.snapshot
	} else if err := a.Schedule.Undo(rec.allocs); err != nil {
		return nil, invariant(CodeScheduleDivergence, err)
	}
	a.restore(rec.prior)

	a.stack = a.stack[:n-1]
	delete(a.applied, id)
	return a.byID[id], nil
}

// unwindFrom unwinds every applied transaction whose key is at or after
// from and returns them earliest first.
func (a *Aggregate) unwindFrom(from orderKey) ([]*Transaction, error) {
	var unwound []*Transaction
	for len(a.stack) > 0 {
		top := a.byID[a.stack[len(a.stack)-1]]
		if keyOf(top).compare(from) < 0 {
			break
		}
		tx, err := a.unwindTop()
		if err != nil {
			return nil, err
		}
		unwound = append(unwound, tx)
	}
	for i, j := 0, len(unwound)-1; i < j; i, j = i+1, j-1 {
		unwound[i], unwound[j] = unwound[j], unwound[i]
	}
	return unwound, nil
}

// retire tombstones tx and mirrors its journal entries. manual marks a
// user reversal as opposed to a replay.
func (a *Aggregate) retire(ctx context.Context, tx *Transaction, manual bool) error {
	tx.Reversed = true
	tx.ReversedOn = a.clock.Today()
	tx.ManuallyAdjustedOrReversed = manual
	mirrors, err := a.Journal.Reverse(ctx, tx.ID)
	if err != nil {
		return classify(err)
	}
	a.posted += len(mirrors)
	a.markDirty(tx)
	return nil
}

// =============================================================================
// REPROCESS - Unwind, apply trigger, replay
// =============================================================================

type workItem struct {
	tx    *Transaction
	fresh bool
}

// reprocess brings the aggregate to the state where fresh transactions are
// applied and excluded ones are reversed, replaying everything that was
// applied after the earliest of them.
func (a *Aggregate) reprocess(ctx context.Context, fresh []*Transaction, exclude []*Transaction) error {
	if len(fresh) == 0 && len(exclude) == 0 {
		return nil
	}

	from := orderKey{}
	first := true
	excluded := make(map[int64]bool, len(exclude))
	for _, tx := range append(append([]*Transaction(nil), fresh...), exclude...) {
		if k := keyOf(tx); first || k.compare(from) < 0 {
			from = k
			first = false
		}
	}
	for _, tx := range exclude {
		excluded[tx.ID] = true
	}

	unwound, err := a.unwindFrom(from)
	if err != nil {
		return err
	}
	for i := len(unwound) - 1; i >= 0; i-- {
		if err := a.retire(ctx, unwound[i], excluded[unwound[i].ID]); err != nil {
			return err
		}
	}

	queue := make([]workItem, 0, len(fresh)+len(unwound))
	for _, tx := range fresh {
		queue = append(queue, workItem{tx: tx, fresh: true})
	}
	for _, tx := range unwound {
		if !excluded[tx.ID] {
			queue = append(queue, workItem{tx: tx})
		}
	}
	sort.SliceStable(queue, func(i, j int) bool { return keyOf(queue[i].tx).compare(keyOf(queue[j].tx)) < 0 })

	for i := 0; i < len(queue); i++ {
		item := queue[i]
		if !item.fresh {
			cp, err := a.replayCopy(ctx, item.tx)
			if err != nil {
				return err
			}
			if err := a.apply(ctx, cp, modeReplay); err != nil {
				return err
			}
			a.replayed++
			continue
		}

		if err := a.apply(ctx, item.tx, modeFresh); err != nil {
			return err
		}
		dp, err := a.downPaymentFor(ctx, item.tx)
		if err != nil {
			return err
		}
		if dp != nil {
			queue = insertByKey(queue, i+1, workItem{tx: dp, fresh: true})
		}
	}
	return nil
}

func insertByKey(queue []workItem, start int, item workItem) []workItem {
	pos := start
	for pos < len(queue) && keyOf(queue[pos].tx).compare(keyOf(item.tx)) <= 0 {
		pos++
	}
	queue = append(queue, workItem{})
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = item
	return queue
}

// downPaymentFor synthesizes the automatic down payment of a fresh
// disbursement, or returns nil.
func (a *Aggregate) downPaymentFor(ctx context.Context, disb *Transaction) (*Transaction, error) {
	dp := a.Product.Schedule.DownPayment
	if disb.Type != event.Disbursement || !dp.Enabled || !dp.AutoRepay {
		return nil, nil
	}
	amount := a.Product.Params(a.Account).DownPaymentFor(disb.Amount)
	if !amount.IsPositive() {
		return nil, nil
	}
	tx, err := a.newTransaction(ctx, event.DownPayment, disb.Date, amount)
	if err != nil {
		return nil, err
	}
	tx.ParentID = disb.ID
	return tx, nil
}

// replayCopy registers a new record standing in for orig. It keeps the
// original's seq so it sorts in the same place, and points its parent and
// relations at the latest copies.
func (a *Aggregate) replayCopy(ctx context.Context, orig *Transaction) (*Transaction, error) {
	id, err := a.ids.NextID(ctx, SequenceTransaction)
	if err != nil {
		return nil, err
	}
	cp := &Transaction{
		ID:        id,
		LoanID:    orig.LoanID,
		Type:      orig.Type,
		Date:      orig.Date,
		Amount:    orig.Amount,
		ChargeID:  orig.ChargeID,
		Seq:       orig.Seq,
		CreatedAt: a.clock.Now(),
	}
	if orig.ParentID != 0 {
		cp.ParentID = a.relations.Resolve(orig.ParentID)
	}
	if len(orig.Metadata) > 0 {
		cp.Metadata = make(map[string]string, len(orig.Metadata))
		for k, v := range orig.Metadata {
			cp.Metadata[k] = v
		}
	}
	a.register(cp)

	a.addRelation(Relation{FromID: cp.ID, ToID: orig.ID, Type: RelationReplayed})
	for _, rel := range a.relations.From(orig.ID) {
		if rel.Type == RelationReplayed {
			continue
		}
		a.addRelation(Relation{FromID: cp.ID, ToID: a.relations.Resolve(rel.ToID), Type: rel.Type})
	}
	return cp, nil
}
