// Package lockmgr provides record-level shared/exclusive locks for strict
// two-phase locking transactions, generalized from the teacher's
// exclusive-only concurrency.LockManager (github.com/Felmond13/novusdb).
package lockmgr

import (
	"errors"
	"sync"
)

// Mode is a lock mode: Shared or Exclusive.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// ErrConflict is returned by TryAcquire when the requested lock cannot be
// granted immediately. The caller (a Transaction) converts this into an
// abort; it is never surfaced past a single-query API call.
var ErrConflict = errors.New("lockmgr: conflict")

// Key identifies a lockable record: one table's one RID.
type Key struct {
	Table string
	RID   uint64
}

// recordLock is the per-key lock state: current holders plus a FIFO
// queue of transactions that have already registered interest after a
// conflict, so a transaction that lost a race once is served before a
// newcomer once the lock frees.
type recordLock struct {
	mu             sync.Mutex
	sharedHolders  map[uint64]bool
	hasExclusive   bool
	exclusiveOwner uint64
	waiters        []uint64
}

func newRecordLock() *recordLock {
	return &recordLock{sharedHolders: make(map[uint64]bool)}
}

// LockManager serializes access to records via non-blocking try-acquire:
// callers decide whether to retry or abort on conflict (spec.md §4.6).
type LockManager struct {
	mu    sync.Mutex
	locks map[Key]*recordLock

	heldMu sync.Mutex
	held   map[uint64]map[Key]Mode
}

// New returns an empty LockManager.
func New() *LockManager {
	return &LockManager{
		locks: make(map[Key]*recordLock),
		held:  make(map[uint64]map[Key]Mode),
	}
}

func (lm *LockManager) getOrCreate(key Key) *recordLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	rl, ok := lm.locks[key]
	if !ok {
		rl = newRecordLock()
		lm.locks[key] = rl
	}
	return rl
}

func (lm *LockManager) remember(txnID uint64, key Key, mode Mode) {
	lm.heldMu.Lock()
	defer lm.heldMu.Unlock()
	m, ok := lm.held[txnID]
	if !ok {
		m = make(map[Key]Mode)
		lm.held[txnID] = m
	}
	m[key] = mode
}

func (lm *LockManager) takeHeld(txnID uint64) map[Key]Mode {
	lm.heldMu.Lock()
	defer lm.heldMu.Unlock()
	m := lm.held[txnID]
	delete(lm.held, txnID)
	return m
}

// TryAcquire attempts to acquire mode on key for txnID. It returns nil on
// success or ErrConflict if the lock is held incompatibly by another
// transaction, or if another transaction is ahead of txnID in the FIFO
// waiter queue for this key.
func (lm *LockManager) TryAcquire(txnID uint64, key Key, mode Mode) error {
	rl := lm.getOrCreate(key)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.hasExclusive && rl.exclusiveOwner == txnID {
		return nil // already holds X, which covers S too
	}
	if mode == Shared && rl.sharedHolders[txnID] {
		return nil // already holds S
	}

	if mode == Exclusive && rl.sharedHolders[txnID] && !rl.hasExclusive {
		// Upgrade: permitted only if txnID holds the sole S-lock.
		if len(rl.sharedHolders) == 1 {
			delete(rl.sharedHolders, txnID)
			rl.hasExclusive = true
			rl.exclusiveOwner = txnID
			lm.dequeue(rl, txnID)
			lm.remember(txnID, key, Exclusive)
			return nil
		}
		return ErrConflict
	}

	if !lm.frontOfLine(rl, txnID) {
		lm.enqueue(rl, txnID)
		return ErrConflict
	}

	switch mode {
	case Shared:
		if rl.hasExclusive {
			lm.enqueue(rl, txnID)
			return ErrConflict
		}
		rl.sharedHolders[txnID] = true
	case Exclusive:
		if rl.hasExclusive || len(rl.sharedHolders) > 0 {
			lm.enqueue(rl, txnID)
			return ErrConflict
		}
		rl.hasExclusive = true
		rl.exclusiveOwner = txnID
	}
	lm.dequeue(rl, txnID)
	lm.remember(txnID, key, mode)
	return nil
}

func (lm *LockManager) frontOfLine(rl *recordLock, txnID uint64) bool {
	return len(rl.waiters) == 0 || rl.waiters[0] == txnID
}

func (lm *LockManager) enqueue(rl *recordLock, txnID uint64) {
	for _, w := range rl.waiters {
		if w == txnID {
			return
		}
	}
	rl.waiters = append(rl.waiters, txnID)
}

func (lm *LockManager) dequeue(rl *recordLock, txnID uint64) {
	for i, w := range rl.waiters {
		if w == txnID {
			rl.waiters = append(rl.waiters[:i], rl.waiters[i+1:]...)
			return
		}
	}
}

// ReleaseAll releases every lock held by txnID, in no particular order.
// A waiter-queue entry txnID joined through a conflict on a key it does
// not hold is left in place, so a retry of the same transaction keeps its
// FIFO position.
func (lm *LockManager) ReleaseAll(txnID uint64) {
	keys := lm.takeHeld(txnID)
	for key, mode := range keys {
		lm.mu.Lock()
		rl, ok := lm.locks[key]
		lm.mu.Unlock()
		if !ok {
			continue
		}
		rl.mu.Lock()
		switch mode {
		case Shared:
			delete(rl.sharedHolders, txnID)
		case Exclusive:
			if rl.exclusiveOwner == txnID {
				rl.hasExclusive = false
				rl.exclusiveOwner = 0
			}
		}
		lm.dequeue(rl, txnID)
		rl.mu.Unlock()
	}
}
