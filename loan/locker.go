package loan

import (
	"context"
	"sync"
)

// Locker serializes operations on one loan. Unlock must be called exactly
// once.
type Locker interface {
	Lock(ctx context.Context, loanID int64) (unlock func(), err error)
}

// KeyedMutex is a process-local Locker with one mutex per loan. Entries are
// dropped once no goroutine holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[int64]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, loanID int64) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[loanID]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[loanID] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(loanID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(loanID, e)
		})
	}, nil
}

func (k *KeyedMutex) release(loanID int64, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, loanID)
	}
}
