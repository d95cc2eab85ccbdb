// Package txn implements strict two-phase-locked transactions over a
// table.Table: batch a plan of queries, acquire every lock a query needs
// before running it, and on the first conflict unwind everything already
// done and report abort (spec.md §4.7). Worker runs the retry loop on top.
package txn

import (
	"errors"
	"fmt"
	"sync/atomic"

	"lstore-go/lockmgr"
	"lstore-go/table"
)

// ErrAborted is returned by Run when strict two-phase locking could not
// acquire a lock some query needed. The caller (ordinarily a Worker)
// re-enqueues the same Transaction for retry.
var ErrAborted = errors.New("txn: aborted")

// QueryKind names one of the six query shapes a Transaction can batch.
type QueryKind int

const (
	Insert QueryKind = iota
	Select
	Update
	Delete
	Sum
	Increment
)

// Query is one operation in a Transaction's ordered plan; only the fields
// relevant to Kind are read.
type Query struct {
	Kind  QueryKind
	Table *table.Table

	Values        []int64       // Insert
	Key           int64         // Select/Update/Delete/Increment
	IndexColumn   int           // Select
	Projection    []int         // Select
	VersionOffset int           // Select/Sum
	Diff          map[int]int64 // Update
	StartKey      int64         // Sum
	EndKey        int64         // Sum
	AggCol        int           // Sum/Increment
}

var idCounter uint64

func nextID() uint64 { return atomic.AddUint64(&idCounter, 1) }

// virtualKeyTag marks a lockmgr.Key as "the primary key about to be
// inserted" rather than a real RID: Insert has no RID to lock until after
// the row exists, so it locks the key's value instead. Bit 62 is free for
// this since real RIDs stay far below it and storage.TIDTag already
// claims bit 63.
const virtualKeyTag = uint64(1) << 62

func virtualKeyLock(key int64) uint64 {
	return virtualKeyTag | (uint64(key) &^ virtualKeyTag)
}

// Transaction batches an ordered list of queries and runs them under
// strict two-phase locking: every lock is acquired before its query
// executes, and nothing releases until commit or abort.
type Transaction struct {
	ID      uint64
	Queries []Query
	Results []any
	Err     error

	locks *lockmgr.LockManager
	log   []table.Undo
}

// New returns a Transaction with a fresh id and the given query plan.
func New(locks *lockmgr.LockManager, queries ...Query) *Transaction {
	return &Transaction{ID: nextID(), Queries: queries, locks: locks}
}

func (tx *Transaction) acquire(t *table.Table, rid uint64, mode lockmgr.Mode) error {
	key := lockmgr.Key{Table: t.Name, RID: rid}
	return tx.locks.TryAcquire(tx.ID, key, mode)
}

// Run executes every query in order. On the first lock conflict it rolls
// back everything already done, releases all locks, sets Err to
// ErrAborted, and returns it. On any other query error it does the same
// unwind and returns that error. On success it releases all locks
// (commit needs no synchronous flush) and returns nil; Results holds one
// entry per query, in order.
func (tx *Transaction) Run() error {
	tx.log = tx.log[:0]
	tx.Err = nil
	tx.Results = make([]any, len(tx.Queries))
	for i, q := range tx.Queries {
		result, err := tx.execute(q)
		if err != nil {
			tx.rollback()
			tx.locks.ReleaseAll(tx.ID)
			if errors.Is(err, lockmgr.ErrConflict) {
				err = ErrAborted
			}
			tx.Err = err
			return err
		}
		tx.Results[i] = result
	}
	tx.locks.ReleaseAll(tx.ID)
	return nil
}

func (tx *Transaction) rollback() {
	for i := len(tx.log) - 1; i >= 0; i-- {
		tx.log[i].Rollback()
	}
	tx.log = tx.log[:0]
}

func (tx *Transaction) execute(q Query) (any, error) {
	switch q.Kind {
	case Insert:
		return tx.execInsert(q)
	case Select:
		return tx.execSelect(q)
	case Update:
		return tx.execUpdate(q)
	case Delete:
		return tx.execDelete(q)
	case Sum:
		return tx.execSum(q)
	case Increment:
		return tx.execIncrement(q)
	default:
		return nil, fmt.Errorf("txn: unknown query kind %d", q.Kind)
	}
}

func (tx *Transaction) execInsert(q Query) (any, error) {
	key := q.Values[q.Table.KeyColumn]
	lockKey := lockmgr.Key{Table: q.Table.Name, RID: virtualKeyLock(key)}
	if err := tx.locks.TryAcquire(tx.ID, lockKey, lockmgr.Exclusive); err != nil {
		return nil, err
	}
	_, undo, err := q.Table.Insert(q.Values)
	if err != nil {
		return nil, err
	}
	tx.log = append(tx.log, undo)
	return true, nil
}

func (tx *Transaction) execSelect(q Query) (any, error) {
	rids, err := q.Table.LookupRIDs(q.Key, q.IndexColumn)
	if err != nil {
		return nil, err
	}
	for _, rid := range rids {
		if err := tx.acquire(q.Table, rid, lockmgr.Shared); err != nil {
			return nil, err
		}
	}
	return q.Table.ReadRows(rids, q.Projection, q.VersionOffset)
}

func (tx *Transaction) execUpdate(q Query) (any, error) {
	rids, err := q.Table.LookupRIDs(q.Key, q.Table.KeyColumn)
	if err != nil {
		return nil, err
	}
	if len(rids) == 0 {
		return false, nil
	}
	if err := tx.acquire(q.Table, rids[0], lockmgr.Exclusive); err != nil {
		return nil, err
	}
	if newKey, changing := q.Diff[q.Table.KeyColumn]; changing && newKey != q.Key {
		// Mirror execInsert's virtual-key lock on the new primary key value,
		// so two updates retargeting different rows to the same new key
		// can't both pass Table.Update's uniqueness check.
		lockKey := lockmgr.Key{Table: q.Table.Name, RID: virtualKeyLock(newKey)}
		if err := tx.locks.TryAcquire(tx.ID, lockKey, lockmgr.Exclusive); err != nil {
			return nil, err
		}
	}
	ok, undo, err := q.Table.Update(q.Key, q.Diff)
	if err != nil {
		return nil, err
	}
	if ok {
		tx.log = append(tx.log, undo)
	}
	return ok, nil
}

func (tx *Transaction) execDelete(q Query) (any, error) {
	rids, err := q.Table.LookupRIDs(q.Key, q.Table.KeyColumn)
	if err != nil {
		return nil, err
	}
	if len(rids) == 0 {
		return false, nil
	}
	if err := tx.acquire(q.Table, rids[0], lockmgr.Exclusive); err != nil {
		return nil, err
	}
	ok, undo, err := q.Table.Delete(q.Key)
	if err != nil {
		return nil, err
	}
	if ok {
		tx.log = append(tx.log, undo)
	}
	return ok, nil
}

func (tx *Transaction) execSum(q Query) (any, error) {
	rids := q.Table.RangeRIDs(q.StartKey, q.EndKey)
	for _, rid := range rids {
		if err := tx.acquire(q.Table, rid, lockmgr.Shared); err != nil {
			return nil, err
		}
	}
	return q.Table.SumRIDs(rids, q.AggCol, q.VersionOffset)
}

func (tx *Transaction) execIncrement(q Query) (any, error) {
	rids, err := q.Table.LookupRIDs(q.Key, q.Table.KeyColumn)
	if err != nil {
		return nil, err
	}
	if len(rids) == 0 {
		return false, nil
	}
	if err := tx.acquire(q.Table, rids[0], lockmgr.Exclusive); err != nil {
		return nil, err
	}
	ok, undo, err := q.Table.Increment(q.Key, q.AggCol)
	if err != nil {
		return nil, err
	}
	if ok {
		tx.log = append(tx.log, undo)
	}
	return ok, nil
}
