package loan

import (
	"context"
	"sort"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/money"
	"github.com/warp/loan-ledger/schedule"
)

// =============================================================================
// CHRONOLOGICAL KEY
// =============================================================================

type orderKey struct {
	date calendar.Date
	rank int
	seq  int64
}

func keyOf(tx *Transaction) orderKey {
	return orderKey{date: tx.Date, rank: tx.Type.Rank(), seq: tx.Seq}
}

func (k orderKey) compare(o orderKey) int {
	if c := k.date.Compare(o.date); c != 0 {
		return c
	}
	switch {
	case k.rank < o.rank:
		return -1
	case k.rank > o.rank:
		return 1
	case k.seq < o.seq:
		return -1
	case k.seq > o.seq:
		return 1
	}
	return 0
}

func sortByKey(txs []*Transaction) {
	sort.SliceStable(txs, func(i, j int) bool { return keyOf(txs[i]).compare(keyOf(txs[j])) < 0 })
}

// =============================================================================
// PROCESSING STATE - In memory only, rebuilt on every load
// =============================================================================

// scalars is the non-schedule state a transaction can change.
type scalars struct {
	status       Status
	chargedOff   bool
	chargedOffOn calendar.Date
	fraud        bool
	overpayment  money.Money
}

// applied is what unwinding one transaction needs: the scalar state before
// it, and either its allocations or the schedule as it was before it.
type applied struct {
	prior    scalars
	allocs   schedule.Allocations
	snapshot *schedule.Schedule
	upfront  money.Money
}

type mode int

const (
	modeFresh mode = iota
	modeReplay
	modeRehydrate
)

func (m mode) posts() bool     { return m != modeRehydrate }
func (m mode) validates() bool { return m != modeRehydrate }

// =============================================================================
// AGGREGATE
// =============================================================================

// Aggregate is one loan with everything it owns, loaded for a single unit
// of work.
type Aggregate struct {
	Account  Account
	Product  Product
	Schedule schedule.Schedule
	Journal  *ledger.Journal

	txs       []*Transaction
	byID      map[int64]*Transaction
	charges   []Charge
	relations *RelationIndex

	// stack lists applied transaction ids in chronological order.
	stack   []int64
	applied map[int64]*applied

	ids   ledger.IDSource
	clock Clock

	dirty        map[int64]bool
	newRelations []Relation
	newCharges   []Charge
	replayed     int
	posted       int
}

func newAggregate(acct Account, product Product, txs []Transaction, charges []Charge, rels []Relation, entries []ledger.Entry, ids ledger.IDSource, clock Clock) *Aggregate {
	a := &Aggregate{
		Account:   acct,
		Product:   product,
		Journal:   ledger.NewJournal(acct.ID, entries, ids),
		byID:      make(map[int64]*Transaction, len(txs)),
		charges:   append([]Charge(nil), charges...),
		relations: NewRelationIndex(txs, rels),
		applied:   make(map[int64]*applied),
		ids:       ids,
		clock:     clock,
		dirty:     make(map[int64]bool),
	}
	for i := range txs {
		tx := txs[i]
		a.txs = append(a.txs, &tx)
		a.byID[tx.ID] = &tx
	}
	sort.SliceStable(a.txs, func(i, j int) bool { return a.txs[i].ID < a.txs[j].ID })
	return a
}

// rehydrate rebuilds schedule and scalar state by applying every active
// transaction in chronological order without posting.
func (a *Aggregate) rehydrate(ctx context.Context) error {
	persisted := a.Account.Status

	a.Account.ChargedOff = false
	a.Account.ChargedOffOn = calendar.Date{}
	a.Account.FraudChargeOff = false
	a.Account.OverpaymentBalance = money.Zero
	if persisted != PendingApproval {
		a.Account.Status = Approved
	}
	a.Schedule = a.expectedSchedule()

	for _, tx := range a.sortedActive() {
		if err := a.apply(ctx, tx, modeRehydrate); err != nil {
			return err
		}
	}

	if persisted == ClosedObligationsMet {
		a.Account.Status = persisted
	}
	return nil
}

func (a *Aggregate) expectedSchedule() schedule.Schedule {
	if a.Account.Status == PendingApproval || !a.Account.Principal.IsPositive() {
		return schedule.Schedule{}
	}
	date := a.Account.ExpectedDisbursementOn
	if date.IsZero() {
		date = a.Account.ApprovedOn
	}
	s, err := schedule.Expected(a.Product.Params(a.Account), a.Account.Principal, date)
	if err != nil {
		return schedule.Schedule{}
	}
	return s
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// Transactions returns every transaction, reversed ones included, in id
// order.
func (a *Aggregate) Transactions() []Transaction {
	out := make([]Transaction, len(a.txs))
	for i, tx := range a.txs {
		out[i] = *tx
	}
	return out
}

func (a *Aggregate) Transaction(id int64) (Transaction, bool) {
	tx, ok := a.byID[id]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

func (a *Aggregate) Relations() *RelationIndex { return a.relations }

func (a *Aggregate) Charges() []Charge { return append([]Charge(nil), a.charges...) }

func (a *Aggregate) sortedActive() []*Transaction {
	var out []*Transaction
	for _, tx := range a.txs {
		if tx.Active() {
			out = append(out, tx)
		}
	}
	sortByKey(out)
	return out
}

// appliedInOrder returns the applied transactions, earliest first.
func (a *Aggregate) appliedInOrder() []*Transaction {
	out := make([]*Transaction, len(a.stack))
	for i, id := range a.stack {
		out[i] = a.byID[id]
	}
	return out
}

func (a *Aggregate) isApplied(id int64) bool {
	_, ok := a.applied[id]
	return ok
}

func (a *Aggregate) nextSeq() int64 {
	var max int64
	for _, tx := range a.txs {
		if tx.Seq > max {
			max = tx.Seq
		}
	}
	return max + 1
}

// newTransaction registers a fresh transaction with a new id and the next
// sequence number.
func (a *Aggregate) newTransaction(ctx context.Context, typ event.Type, date calendar.Date, amount money.Money) (*Transaction, error) {
	id, err := a.ids.NextID(ctx, SequenceTransaction)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{
		ID:        id,
		LoanID:    a.Account.ID,
		Type:      typ,
		Date:      date,
		Amount:    amount,
		Seq:       a.nextSeq(),
		CreatedAt: a.clock.Now(),
	}
	a.register(tx)
	return tx, nil
}

func (a *Aggregate) register(tx *Transaction) {
	a.txs = append(a.txs, tx)
	a.byID[tx.ID] = tx
	a.relations.AddTransaction(*tx)
	a.markDirty(tx)
}

func (a *Aggregate) markDirty(tx *Transaction) { a.dirty[tx.ID] = true }

func (a *Aggregate) addRelation(rel Relation) {
	rel.LoanID = a.Account.ID
	a.relations.Add(rel)
	a.newRelations = append(a.newRelations, rel)
}

// resolve returns the latest copy of id.
func (a *Aggregate) resolve(id int64) (*Transaction, bool) {
	tx, ok := a.byID[a.relations.Resolve(id)]
	return tx, ok
}

func (a *Aggregate) resolveRef(ref Ref) (*Transaction, error) {
	if ref.IsExternal() {
		id, ok := a.relations.ResolveExternal(ref.ExternalID)
		if !ok {
			return nil, notFound(ErrTransactionNotFound, ref)
		}
		return a.byID[id], nil
	}
	tx, ok := a.resolve(ref.ID)
	if !ok {
		return nil, notFound(ErrTransactionNotFound, ref)
	}
	return tx, nil
}

// dirtyTransactions returns new or changed transactions in id order.
func (a *Aggregate) dirtyTransactions() []Transaction {
	var out []Transaction
	for _, tx := range a.txs {
		if a.dirty[tx.ID] {
			out = append(out, *tx)
		}
	}
	return out
}

// =============================================================================
// SCALAR STATE
// =============================================================================

func (a *Aggregate) scalars() scalars {
	return scalars{
		status:       a.Account.Status,
		chargedOff:   a.Account.ChargedOff,
		chargedOffOn: a.Account.ChargedOffOn,
		fraud:        a.Account.FraudChargeOff,
		overpayment:  a.Account.OverpaymentBalance,
	}
}

func (a *Aggregate) restore(s scalars) {
	a.Account.Status = s.status
	a.Account.ChargedOff = s.chargedOff
	a.Account.ChargedOffOn = s.chargedOffOn
	a.Account.FraudChargeOff = s.fraud
	a.Account.OverpaymentBalance = s.overpayment
}

// refreshStatus flips ACTIVE and OVERPAID with the overpayment balance. No
// other status is touched.
func (a *Aggregate) refreshStatus() {
	if !a.Account.Status.Servicing() {
		return
	}
	if a.Account.OverpaymentBalance.IsPositive() {
		a.Account.Status = Overpaid
	} else {
		a.Account.Status = Active
	}
}

// =============================================================================
// DERIVED QUERIES
// =============================================================================

// disbursed sums applied disbursements.
func (a *Aggregate) disbursed() money.Money {
	total := money.Zero
	for _, tx := range a.appliedInOrder() {
		if tx.Type == event.Disbursement {
			total = total.Add(tx.Amount)
		}
	}
	return total
}

func (a *Aggregate) activeOfType(typ event.Type) []*Transaction {
	var out []*Transaction
	for _, tx := range a.appliedInOrder() {
		if tx.Type == typ {
			out = append(out, tx)
		}
	}
	return out
}

// lastUserTransaction is the chronologically last applied transaction that
// was not generated by the system.
func (a *Aggregate) lastUserTransaction() *Transaction {
	applied := a.appliedInOrder()
	for i := len(applied) - 1; i >= 0; i-- {
		if !applied[i].Type.IsSystemGenerated() {
			return applied[i]
		}
	}
	return nil
}

func (a *Aggregate) firstOpenDownPayment() int {
	for i, in := range a.Schedule.Installments {
		if in.DownPayment && !in.Complete {
			return i
		}
	}
	return -1
}

// =============================================================================
// CHARGES
// =============================================================================

func (a *Aggregate) charge(id int64) (*Charge, bool) {
	for i := range a.charges {
		if a.charges[i].ID == id {
			return &a.charges[i], true
		}
	}
	return nil, false
}

func (a *Aggregate) chargeByRef(ref Ref) (*Charge, error) {
	for i := range a.charges {
		c := &a.charges[i]
		if (ref.IsExternal() && c.ExternalID == ref.ExternalID) || (!ref.IsExternal() && c.ID == ref.ID) {
			return c, nil
		}
	}
	return nil, notFound(ErrChargeNotFound, ref)
}

// assessed reports whether the charge has an applied assessment accrual.
func (a *Aggregate) assessed(chargeID int64) bool {
	for _, tx := range a.appliedInOrder() {
		if tx.Type == event.Accrual && tx.ChargeID == chargeID {
			return true
		}
	}
	return false
}

// ChargeBalance is the derived settlement state of one charge.
type ChargeBalance struct {
	Paid        money.Money `json:"amountPaid"`
	Waived      money.Money `json:"amountWaived"`
	Outstanding money.Money `json:"amountOutstanding"`
	Active      bool        `json:"active"`
}

// chargeBalances attributes the fee and penalty settled on each installment
// to the charges assessed on it. Explicit charge payments and waivers count
// for their own charge; anything else settled on the row is spread over the
// row's charges by (due date, id).
func (a *Aggregate) chargeBalances() map[int64]ChargeBalance {
	out := make(map[int64]ChargeBalance, len(a.charges))
	explicitPaid := map[int64]money.Money{}
	explicitWaived := map[int64]money.Money{}
	for _, tx := range a.appliedInOrder() {
		switch tx.Type {
		case event.ChargePayment:
			explicitPaid[tx.ChargeID] = explicitPaid[tx.ChargeID].Add(tx.Fee).Add(tx.Penalty)
		case event.WaiveCharge:
			explicitWaived[tx.ChargeID] = explicitWaived[tx.ChargeID].Add(tx.Fee).Add(tx.Penalty)
		}
	}

	type group struct {
		row     int
		penalty bool
	}
	groups := map[group][]Charge{}
	for _, c := range a.charges {
		if !a.assessed(c.ID) {
			out[c.ID] = ChargeBalance{}
			continue
		}
		row := a.Schedule.ChargeRow(c.DueDate)
		if row < 0 {
			continue
		}
		g := group{row: row, penalty: c.Penalty}
		groups[g] = append(groups[g], c)
	}

	for g, charges := range groups {
		sort.SliceStable(charges, func(i, j int) bool {
			if !charges[i].DueDate.Equal(charges[j].DueDate) {
				return charges[i].DueDate.Before(charges[j].DueDate)
			}
			return charges[i].ID < charges[j].ID
		})
		comp := schedule.Fee
		if g.penalty {
			comp = schedule.Penalty
		}
		settled := a.Schedule.Installments[g.row].Settled().Get(comp)
		for _, c := range charges {
			settled = settled.Sub(explicitPaid[c.ID]).Sub(explicitWaived[c.ID])
		}
		generic := settled.NonNegative()
		for _, c := range charges {
			paid := explicitPaid[c.ID]
			waived := explicitWaived[c.ID]
			take := generic.Min(c.Amount.Sub(paid).Sub(waived).NonNegative())
			generic = generic.Sub(take)
			paid = paid.Add(take)
			out[c.ID] = ChargeBalance{
				Paid:        paid,
				Waived:      waived,
				Outstanding: c.Amount.Sub(paid).Sub(waived).NonNegative(),
				Active:      true,
			}
		}
	}
	return out
}

func (a *Aggregate) chargeBalance(id int64) ChargeBalance {
	return a.chargeBalances()[id]
}

// adjusted sums applied charge adjustments of one charge.
func (a *Aggregate) adjusted(chargeID int64) money.Money {
	total := money.Zero
	for _, tx := range a.activeOfType(event.ChargeAdjustment) {
		if tx.ChargeID == chargeID {
			total = total.Add(tx.Amount)
		}
	}
	return total
}
