// Package store provides in-memory loan.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/loan"
	"github.com/warp/loan-ledger/schedule"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type data struct {
	sequences map[string]int64

	loans     map[int64]loan.Account
	loanByExt map[string]int64

	txs     map[int64]loan.Transaction
	txOrder map[int64][]int64
	txByExt map[string]int64

	relations map[int64][]loan.Relation

	charges     map[int64][]loan.Charge
	chargeByExt map[string]int64

	entries   map[int64][]ledger.Entry
	schedules map[int64]schedule.Schedule
}

func newData() *data {
	return &data{
		sequences:   make(map[string]int64),
		loans:       make(map[int64]loan.Account),
		loanByExt:   make(map[string]int64),
		txs:         make(map[int64]loan.Transaction),
		txOrder:     make(map[int64][]int64),
		txByExt:     make(map[string]int64),
		relations:   make(map[int64][]loan.Relation),
		charges:     make(map[int64][]loan.Charge),
		chargeByExt: make(map[string]int64),
		entries:     make(map[int64][]ledger.Entry),
		schedules:   make(map[int64]schedule.Schedule),
	}
}

// clone deep-copies every table. Values are plain structs; slices are
// copied so that a rolled-back batch cannot leak through shared arrays.
func (d *data) clone() *data {
	c := newData()
	for k, v := range d.sequences {
		c.sequences[k] = v
	}
	for k, v := range d.loans {
		c.loans[k] = v
	}
	for k, v := range d.loanByExt {
		c.loanByExt[k] = v
	}
	for k, v := range d.txs {
		c.txs[k] = v
	}
	for k, v := range d.txOrder {
		c.txOrder[k] = append([]int64(nil), v...)
	}
	for k, v := range d.txByExt {
		c.txByExt[k] = v
	}
	for k, v := range d.relations {
		c.relations[k] = append([]loan.Relation(nil), v...)
	}
	for k, v := range d.charges {
		c.charges[k] = append([]loan.Charge(nil), v...)
	}
	for k, v := range d.chargeByExt {
		c.chargeByExt[k] = v
	}
	for k, v := range d.entries {
		c.entries[k] = append([]ledger.Entry(nil), v...)
	}
	for k, v := range d.schedules {
		c.schedules[k] = v.Clone()
	}
	return c
}

// Memory is a loan.Store guarded by one RWMutex.
type Memory struct {
	mu sync.RWMutex
	d  *data
}

var _ loan.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

func (m *Memory) read() view {
	m.mu.RLock()
	return view{d: m.d}
}

func (m *Memory) write() view {
	m.mu.Lock()
	return view{d: m.d}
}

func (m *Memory) NextID(ctx context.Context, sequence string) (int64, error) {
	defer m.mu.Unlock()
	return m.write().NextID(ctx, sequence)
}

func (m *Memory) CreateLoan(ctx context.Context, acct loan.Account) error {
	defer m.mu.Unlock()
	return m.write().CreateLoan(ctx, acct)
}

func (m *Memory) SaveLoan(ctx context.Context, acct loan.Account) error {
	defer m.mu.Unlock()
	return m.write().SaveLoan(ctx, acct)
}

func (m *Memory) LoadLoan(ctx context.Context, id int64) (loan.Account, error) {
	defer m.mu.RUnlock()
	return m.read().LoadLoan(ctx, id)
}

func (m *Memory) LoanIDByExternalID(ctx context.Context, externalID string) (int64, error) {
	defer m.mu.RUnlock()
	return m.read().LoanIDByExternalID(ctx, externalID)
}

func (m *Memory) ListLoanIDs(ctx context.Context) ([]int64, error) {
	defer m.mu.RUnlock()
	return m.read().ListLoanIDs(ctx)
}

func (m *Memory) SaveTransactions(ctx context.Context, txs []loan.Transaction) error {
	defer m.mu.Unlock()
	return m.write().SaveTransactions(ctx, txs)
}

func (m *Memory) LoadTransactions(ctx context.Context, loanID int64) ([]loan.Transaction, error) {
	defer m.mu.RUnlock()
	return m.read().LoadTransactions(ctx, loanID)
}

func (m *Memory) TransactionExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	defer m.mu.RUnlock()
	return m.read().TransactionExternalIDExists(ctx, externalID)
}

func (m *Memory) SaveRelations(ctx context.Context, rels []loan.Relation) error {
	defer m.mu.Unlock()
	return m.write().SaveRelations(ctx, rels)
}

func (m *Memory) LoadRelations(ctx context.Context, loanID int64) ([]loan.Relation, error) {
	defer m.mu.RUnlock()
	return m.read().LoadRelations(ctx, loanID)
}

func (m *Memory) SaveCharge(ctx context.Context, c loan.Charge) error {
	defer m.mu.Unlock()
	return m.write().SaveCharge(ctx, c)
}

func (m *Memory) LoadCharges(ctx context.Context, loanID int64) ([]loan.Charge, error) {
	defer m.mu.RUnlock()
	return m.read().LoadCharges(ctx, loanID)
}

func (m *Memory) ChargeExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	defer m.mu.RUnlock()
	return m.read().ChargeExternalIDExists(ctx, externalID)
}

func (m *Memory) AppendEntries(ctx context.Context, entries []ledger.Entry) error {
	defer m.mu.Unlock()
	return m.write().AppendEntries(ctx, entries)
}

func (m *Memory) LoadEntries(ctx context.Context, loanID int64) ([]ledger.Entry, error) {
	defer m.mu.RUnlock()
	return m.read().LoadEntries(ctx, loanID)
}

func (m *Memory) EntriesByTransaction(ctx context.Context, transactionID int64) ([]ledger.Entry, error) {
	defer m.mu.RUnlock()
	return m.read().EntriesByTransaction(ctx, transactionID)
}

func (m *Memory) SaveSchedule(ctx context.Context, loanID int64, s schedule.Schedule) error {
	defer m.mu.Unlock()
	return m.write().SaveSchedule(ctx, loanID, s)
}

func (m *Memory) LoadSchedule(ctx context.Context, loanID int64) (schedule.Schedule, error) {
	defer m.mu.RUnlock()
	return m.read().LoadSchedule(ctx, loanID)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

var _ loan.TxStore = (*TxMemory)(nil)

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx runs fn against a private copy of the data and swaps it in only
// when fn succeeds. Batches are serialized.
func (tm *TxMemory) WithTx(_ context.Context, fn func(loan.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	working := tm.d.clone()
	if err := fn(view{d: working}); err != nil {
		return err
	}
	tm.d = working
	return nil
}

// =============================================================================
// VIEW - Unlocked access to one data set
// =============================================================================

type view struct {
	d *data
}

func (v view) NextID(_ context.Context, sequence string) (int64, error) {
	v.d.sequences[sequence]++
	return v.d.sequences[sequence], nil
}

func (v view) CreateLoan(_ context.Context, acct loan.Account) error {
	if _, ok := v.d.loans[acct.ID]; ok {
		return fmt.Errorf("loan %d already exists", acct.ID)
	}
	if acct.ExternalID != "" {
		if _, ok := v.d.loanByExt[acct.ExternalID]; ok {
			return fmt.Errorf("%w: loan %s", loan.ErrDuplicateExternalID, acct.ExternalID)
		}
		v.d.loanByExt[acct.ExternalID] = acct.ID
	}
	v.d.loans[acct.ID] = acct
	return nil
}

func (v view) SaveLoan(_ context.Context, acct loan.Account) error {
	if _, ok := v.d.loans[acct.ID]; !ok {
		return fmt.Errorf("%w: loan %d", loan.ErrNoRecord, acct.ID)
	}
	v.d.loans[acct.ID] = acct
	return nil
}

func (v view) LoadLoan(_ context.Context, id int64) (loan.Account, error) {
	acct, ok := v.d.loans[id]
	if !ok {
		return loan.Account{}, fmt.Errorf("%w: loan %d", loan.ErrNoRecord, id)
	}
	return acct, nil
}

func (v view) LoanIDByExternalID(_ context.Context, externalID string) (int64, error) {
	id, ok := v.d.loanByExt[externalID]
	if !ok {
		return 0, fmt.Errorf("%w: loan %s", loan.ErrNoRecord, externalID)
	}
	return id, nil
}

func (v view) ListLoanIDs(_ context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(v.d.loans))
	for id := range v.d.loans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SaveTransactions upserts by id. An external id may only be claimed once.
func (v view) SaveTransactions(_ context.Context, txs []loan.Transaction) error {
	for _, tx := range txs {
		if tx.ExternalID != "" {
			if owner, ok := v.d.txByExt[tx.ExternalID]; ok && owner != tx.ID {
				return fmt.Errorf("%w: transaction %s", loan.ErrDuplicateExternalID, tx.ExternalID)
			}
		}
	}
	for _, tx := range txs {
		if _, ok := v.d.txs[tx.ID]; !ok {
			v.d.txOrder[tx.LoanID] = append(v.d.txOrder[tx.LoanID], tx.ID)
		}
		if tx.ExternalID != "" {
			v.d.txByExt[tx.ExternalID] = tx.ID
		}
		v.d.txs[tx.ID] = tx
	}
	return nil
}

func (v view) LoadTransactions(_ context.Context, loanID int64) ([]loan.Transaction, error) {
	ids := v.d.txOrder[loanID]
	out := make([]loan.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, v.d.txs[id])
	}
	return out, nil
}

func (v view) TransactionExternalIDExists(_ context.Context, externalID string) (bool, error) {
	_, ok := v.d.txByExt[externalID]
	return ok, nil
}

func (v view) SaveRelations(_ context.Context, rels []loan.Relation) error {
	for _, rel := range rels {
		v.d.relations[rel.LoanID] = append(v.d.relations[rel.LoanID], rel)
	}
	return nil
}

func (v view) LoadRelations(_ context.Context, loanID int64) ([]loan.Relation, error) {
	return append([]loan.Relation(nil), v.d.relations[loanID]...), nil
}

func (v view) SaveCharge(_ context.Context, c loan.Charge) error {
	if c.ExternalID != "" {
		if owner, ok := v.d.chargeByExt[c.ExternalID]; ok && owner != c.ID {
			return fmt.Errorf("%w: charge %s", loan.ErrDuplicateExternalID, c.ExternalID)
		}
		v.d.chargeByExt[c.ExternalID] = c.ID
	}
	list := v.d.charges[c.LoanID]
	for i := range list {
		if list[i].ID == c.ID {
			list[i] = c
			return nil
		}
	}
	v.d.charges[c.LoanID] = append(list, c)
	return nil
}

func (v view) LoadCharges(_ context.Context, loanID int64) ([]loan.Charge, error) {
	return append([]loan.Charge(nil), v.d.charges[loanID]...), nil
}

func (v view) ChargeExternalIDExists(_ context.Context, externalID string) (bool, error) {
	_, ok := v.d.chargeByExt[externalID]
	return ok, nil
}

// AppendEntries is append-only. No Update, No Delete.
func (v view) AppendEntries(_ context.Context, entries []ledger.Entry) error {
	for _, e := range entries {
		v.d.entries[e.LoanID] = append(v.d.entries[e.LoanID], e)
	}
	return nil
}

func (v view) LoadEntries(_ context.Context, loanID int64) ([]ledger.Entry, error) {
	return append([]ledger.Entry(nil), v.d.entries[loanID]...), nil
}

func (v view) EntriesByTransaction(_ context.Context, transactionID int64) ([]ledger.Entry, error) {
	var out []ledger.Entry
	loanIDs := make([]int64, 0, len(v.d.entries))
	for id := range v.d.entries {
		loanIDs = append(loanIDs, id)
	}
	sort.Slice(loanIDs, func(i, j int) bool { return loanIDs[i] < loanIDs[j] })
	for _, id := range loanIDs {
		for _, e := range v.d.entries[id] {
			if e.TransactionID == transactionID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (v view) SaveSchedule(_ context.Context, loanID int64, s schedule.Schedule) error {
	v.d.schedules[loanID] = s.Clone()
	return nil
}

func (v view) LoadSchedule(_ context.Context, loanID int64) (schedule.Schedule, error) {
	s, ok := v.d.schedules[loanID]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("%w: schedule of loan %d", loan.ErrNoRecord, loanID)
	}
	return s.Clone(), nil
}
