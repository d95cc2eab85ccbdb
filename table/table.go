// Package table implements row allocation, the indirection-backed
// indirection table (delegated to storage.PageRange), the primary/
// secondary index registry, and the CRUD + range-aggregation contract of
// spec.md §4.4. Locking is the caller's responsibility (txn.Transaction
// acquires record locks before calling into Table); Table itself only
// latches its own structural state (the page-range list).
package table

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"lstore-go/index"
	"lstore-go/storage"
)

// ErrNotFound names the absent-key condition. No Table method returns it:
// an absent key yields an empty result or false.
var ErrNotFound = errors.New("table: key not found")

// ErrDuplicateKey is returned when an insert or a primary-key update
// collides with an existing key.
var ErrDuplicateKey = errors.New("table: duplicate key")

// ErrSchemaMismatch is returned when a caller supplies the wrong number of
// columns. It is fatal to the offending call only, per spec.md §7.
var ErrSchemaMismatch = errors.New("table: schema mismatch")

// Table is a fixed-integer-schema relation: N data columns, one of which
// (KeyColumn) is the primary key, plus the four hidden metadata columns
// every row carries in its owning PageRange.
type Table struct {
	Name      string
	NumCols   int
	KeyColumn int

	pool     *storage.BufferPool
	indexMgr *index.Manager

	mu          sync.Mutex
	ranges      []*storage.PageRange
	rangeByID   map[uint64]*storage.PageRange
	nextRangeID uint64

	clock uint64 // logical timestamp, advanced once per write
}

// New returns an empty table backed by pool.
func New(name string, numCols, keyColumn int, pool *storage.BufferPool) *Table {
	return &Table{
		Name:      name,
		NumCols:   numCols,
		KeyColumn: keyColumn,
		pool:      pool,
		indexMgr:  index.NewManager(),
		rangeByID: make(map[uint64]*storage.PageRange),
	}
}

// IndexManager exposes the table's index registry, for CreateIndex calls
// and for Database metadata persistence.
func (t *Table) IndexManager() *index.Manager { return t.indexMgr }

func (t *Table) now() int64 {
	return int64(atomic.AddUint64(&t.clock, 1))
}

// activeRange returns the PageRange new rows should be appended to,
// allocating a fresh one if the table is empty or the last range is full.
func (t *Table) activeRange() *storage.PageRange {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ranges) == 0 || t.ranges[len(t.ranges)-1].Full() {
		pr := storage.NewPageRange(t.Name, t.nextRangeID, t.NumCols, t.pool)
		t.ranges = append(t.ranges, pr)
		t.rangeByID[t.nextRangeID] = pr
		t.nextRangeID++
	}
	return t.ranges[len(t.ranges)-1]
}

// rangeFor returns the PageRange owning rid.
func (t *Table) rangeFor(rid uint64) (*storage.PageRange, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.rangeByID[rid/storage.RecordsPerRange]
	if !ok {
		return nil, fmt.Errorf("table: %s: no page range owns rid %d", t.Name, rid)
	}
	return pr, nil
}

// Ranges returns every page range in the table, in allocation order; used
// by Database for recovery scans and by index rebuild.
func (t *Table) Ranges() []*storage.PageRange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*storage.PageRange, len(t.ranges))
	copy(out, t.ranges)
	return out
}

// AdoptRange registers an already-populated PageRange, used when
// reopening a table from disk.
func (t *Table) AdoptRange(pr *storage.PageRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ranges = append(t.ranges, pr)
	t.rangeByID[pr.ID()] = pr
	if pr.ID() >= t.nextRangeID {
		t.nextRangeID = pr.ID() + 1
	}
}

// undoOp distinguishes the two shapes of rollback Undo carries: retracting
// a fresh insert, or reversing an update/delete's indirection and index
// effects.
type undoOp int

const (
	undoInsert undoOp = iota
	undoMutate
)

// Undo is everything needed to reverse one Insert, Update, or Delete call.
// txn.Transaction appends the Undo from every mutating query to its
// rollback log and, on abort, calls Rollback on each in reverse order
// (spec.md §4.7). A zero Undo (op's default, no table) is a no-op.
type Undo struct {
	table *Table
	op    undoOp

	rid    uint64
	key    int64
	values []int64 // undoInsert: the full row as inserted

	prevIndirection uint64 // undoMutate: indirection value before the call
	oldKey          int64
	newKey          int64
	keyChanged      bool
	secondaryBefore map[int]int64 // undoMutate: indexed-secondary values before
	secondaryAfter  map[int]int64 // undoMutate: indexed-secondary values after
}

// Rollback reverses u. The caller must still hold u's row X-lock.
func (u Undo) Rollback() error {
	if u.table == nil {
		return nil
	}
	t := u.table
	switch u.op {
	case undoInsert:
		t.indexMgr.Primary().Remove(u.key, u.rid)
		for c, v := range u.secondaryAfter {
			if idx, ok := t.indexMgr.Secondary(c); ok {
				idx.Remove(v, u.rid)
			}
		}
		// Mark the base record deleted too, so RebuildPrimaryIndex does
		// not reinstall a row whose insert was rolled back.
		pr, err := t.rangeFor(u.rid)
		if err != nil {
			return err
		}
		return pr.MarkDeleted(u.rid)
	case undoMutate:
		pr, err := t.rangeFor(u.rid)
		if err != nil {
			return err
		}
		if err := pr.RestoreIndirection(u.rid, u.prevIndirection); err != nil {
			return err
		}
		if u.keyChanged {
			t.indexMgr.Primary().Remove(u.newKey, u.rid)
			t.indexMgr.Primary().Insert(u.oldKey, u.rid)
		}
		for c, v := range u.secondaryAfter {
			if idx, ok := t.indexMgr.Secondary(c); ok {
				idx.Remove(v, u.rid)
			}
		}
		for c, v := range u.secondaryBefore {
			if idx, ok := t.indexMgr.Secondary(c); ok {
				idx.Insert(v, u.rid)
			}
		}
		return nil
	}
	return nil
}

// RebuildPrimaryIndex walks every RID in every adopted page range and
// reinstalls live rows into the primary index. Database.Open calls this
// after AdoptRange for each reloaded range, since the primary index is
// rebuilt from base data rather than persisted separately (spec.md §4.9).
func (t *Table) RebuildPrimaryIndex() error {
	for _, pr := range t.Ranges() {
		for i := uint64(0); i < uint64(pr.BaseFilled()); i++ {
			rid := pr.ID()*storage.RecordsPerRange + i
			row, ok, err := pr.ReadLatest(rid, []int{t.KeyColumn}, 0)
			if err != nil {
				return err
			}
			if ok {
				t.indexMgr.Primary().Insert(row[0], rid)
			}
		}
	}
	return nil
}

// Insert validates arity and primary-key uniqueness, appends the row to
// the active page range, and installs it into the primary and any
// secondary indexes. The caller must hold the new key's X-lock.
func (t *Table) Insert(values []int64) (rid uint64, undo Undo, err error) {
	if len(values) != t.NumCols {
		return 0, Undo{}, fmt.Errorf("%w: expected %d columns, got %d", ErrSchemaMismatch, t.NumCols, len(values))
	}
	key := values[t.KeyColumn]
	if existing := t.indexMgr.Primary().Lookup(key); len(existing) > 0 {
		return 0, Undo{}, ErrDuplicateKey
	}

	pr := t.activeRange()
	rid, err = pr.Insert(values, t.now())
	if errors.Is(err, storage.ErrRangeFull) {
		// Lost a race to fill the same range; retry against a fresh one.
		pr = t.activeRange()
		rid, err = pr.Insert(values, t.now())
	}
	if err != nil {
		return 0, Undo{}, err
	}

	t.indexMgr.Primary().Insert(key, rid)
	secondary := make(map[int]int64)
	for _, c := range t.indexMgr.Columns() {
		if idx, ok := t.indexMgr.Secondary(c); ok {
			idx.Insert(values[c], rid)
			secondary[c] = values[c]
		}
	}
	undo = Undo{table: t, op: undoInsert, rid: rid, key: key, values: values, secondaryAfter: secondary}
	return rid, undo, nil
}

func (t *Table) indexFor(col int) (*index.Index, error) {
	if col == t.KeyColumn {
		return t.indexMgr.Primary(), nil
	}
	if idx, ok := t.indexMgr.Secondary(col); ok {
		return idx, nil
	}
	return nil, fmt.Errorf("table: %s: no index on column %d", t.Name, col)
}

// LookupRIDs resolves key through the named index column to the RIDs a
// caller must lock before reading or mutating. txn.Transaction calls this
// to acquire locks before Select/Update/Delete touch storage.
func (t *Table) LookupRIDs(key int64, indexColumn int) ([]uint64, error) {
	idx, err := t.indexFor(indexColumn)
	if err != nil {
		return nil, err
	}
	return idx.Lookup(key), nil
}

// RangeRIDs enumerates, via the primary index only, every RID whose key
// lies in [startKey, endKey]. Used by txn.Transaction to S-lock every RID
// a range aggregation will touch, at enumeration time (spec.md §9: rows
// inserted after enumeration are not locked and are not visible to that
// aggregation — phantom protection is not provided).
func (t *Table) RangeRIDs(startKey, endKey int64) []uint64 {
	if startKey > endKey {
		return nil
	}
	return t.indexMgr.Primary().RangeLookup(startKey, endKey)
}

// ReadRows projects rids at versionOffset, skipping deleted rows.
func (t *Table) ReadRows(rids []uint64, projection []int, versionOffset int) ([][]int64, error) {
	rows := make([][]int64, 0, len(rids))
	for _, rid := range rids {
		pr, err := t.rangeFor(rid)
		if err != nil {
			return nil, err
		}
		row, ok, err := pr.ReadLatest(rid, projection, versionOffset)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Select resolves key through the named index column and returns the
// projected columns of every matching, non-deleted row at versionOffset
// (0 = latest). Unknown keys yield an empty, non-error result.
func (t *Table) Select(key int64, indexColumn int, projection []int, versionOffset int) ([][]int64, error) {
	rids, err := t.LookupRIDs(key, indexColumn)
	if err != nil {
		return nil, err
	}
	return t.ReadRows(rids, projection, versionOffset)
}

// Update locates key via the primary index and allocates a new tail
// record for the changed columns. diff is keyed by data-column index.
// Updating the key column itself removes and re-inserts the primary
// index entry, failing with no effect if the new key already exists. The
// caller must hold the row's X-lock.
func (t *Table) Update(key int64, diff map[int]int64) (bool, Undo, error) {
	rids, err := t.LookupRIDs(key, t.KeyColumn)
	if err != nil {
		return false, Undo{}, err
	}
	if len(rids) == 0 {
		return false, Undo{}, nil
	}
	rid := rids[0]
	pr, err := t.rangeFor(rid)
	if err != nil {
		return false, Undo{}, err
	}

	newKey := key
	keyChanged := false
	if v, ok := diff[t.KeyColumn]; ok && v != key {
		if existing := t.indexMgr.Primary().Lookup(v); len(existing) > 0 {
			return false, Undo{}, nil
		}
		newKey = v
		keyChanged = true
	}

	secondaryCols := t.indexMgr.Columns()
	oldVals := make(map[int]int64, len(secondaryCols))
	if len(secondaryCols) > 0 {
		row, ok, err := pr.ReadLatest(rid, secondaryCols, 0)
		if err != nil {
			return false, Undo{}, err
		}
		if ok {
			for i, c := range secondaryCols {
				oldVals[c] = row[i]
			}
		}
	}

	prevIndirection, _, err := pr.Update(rid, diff, t.now())
	if err != nil {
		return false, Undo{}, err
	}

	if keyChanged {
		t.indexMgr.Primary().Remove(key, rid)
		t.indexMgr.Primary().Insert(newKey, rid)
	}
	secondaryAfter := make(map[int]int64)
	secondaryBefore := make(map[int]int64)
	for _, c := range secondaryCols {
		newVal, changed := diff[c]
		if !changed {
			continue
		}
		idx, ok := t.indexMgr.Secondary(c)
		if !ok {
			continue
		}
		idx.Remove(oldVals[c], rid)
		idx.Insert(newVal, rid)
		secondaryBefore[c] = oldVals[c]
		secondaryAfter[c] = newVal
	}

	undo := Undo{
		table: t, op: undoMutate, rid: rid,
		prevIndirection: prevIndirection,
		oldKey:          key, newKey: newKey, keyChanged: keyChanged,
		secondaryBefore: secondaryBefore, secondaryAfter: secondaryAfter,
	}
	return true, undo, nil
}

// Delete marks key's row as logically deleted and removes it from every
// index. The caller must hold the row's X-lock.
func (t *Table) Delete(key int64) (bool, Undo, error) {
	rids, err := t.LookupRIDs(key, t.KeyColumn)
	if err != nil {
		return false, Undo{}, err
	}
	if len(rids) == 0 {
		return false, Undo{}, nil
	}
	rid := rids[0]
	pr, err := t.rangeFor(rid)
	if err != nil {
		return false, Undo{}, err
	}

	secondaryCols := t.indexMgr.Columns()
	oldVals := make(map[int]int64, len(secondaryCols))
	if len(secondaryCols) > 0 {
		row, ok, err := pr.ReadLatest(rid, secondaryCols, 0)
		if err != nil {
			return false, Undo{}, err
		}
		if ok {
			for i, c := range secondaryCols {
				oldVals[c] = row[i]
			}
		}
	}

	prevIndirection, err := pr.Indirection(rid)
	if err != nil {
		return false, Undo{}, err
	}
	if err := pr.MarkDeleted(rid); err != nil {
		return false, Undo{}, err
	}
	t.indexMgr.Primary().Remove(key, rid)
	for _, c := range secondaryCols {
		if idx, ok := t.indexMgr.Secondary(c); ok {
			idx.Remove(oldVals[c], rid)
		}
	}

	undo := Undo{
		table: t, op: undoMutate, rid: rid,
		prevIndirection: prevIndirection,
		oldKey:          key, newKey: key, keyChanged: true,
		secondaryBefore: oldVals, secondaryAfter: map[int]int64{},
	}
	return true, undo, nil
}

// SumRIDs sums aggCol at versionOffset over exactly the given RIDs, skipping
// any that have since been deleted. txn.Transaction enumerates via RangeRIDs,
// S-locks each RID, and only then calls SumRIDs, so the set summed is
// exactly the set locked.
func (t *Table) SumRIDs(rids []uint64, aggCol int, versionOffset int) (int64, error) {
	var total int64
	for _, rid := range rids {
		pr, err := t.rangeFor(rid)
		if err != nil {
			return 0, err
		}
		row, ok, err := pr.ReadLatest(rid, []int{aggCol}, versionOffset)
		if err != nil {
			return 0, err
		}
		if ok {
			total += row[0]
		}
	}
	return total, nil
}

// Sum enumerates RIDs in [startKey, endKey] via the primary index's range
// scan and sums aggCol at versionOffset. start > end yields 0, not an
// error. The caller must hold an S-lock on every enumerated RID
// (spec.md §4.7) — Sum itself does not lock.
func (t *Table) Sum(startKey, endKey int64, aggCol int, versionOffset int) (int64, error) {
	return t.SumRIDs(t.RangeRIDs(startKey, endKey), aggCol, versionOffset)
}

// Increment reads col's current value and writes back col+1 as a single
// tail record. The caller must hold the row's X-lock.
func (t *Table) Increment(key int64, col int) (bool, Undo, error) {
	rows, err := t.Select(key, t.KeyColumn, []int{col}, 0)
	if err != nil {
		return false, Undo{}, err
	}
	if len(rows) == 0 {
		return false, Undo{}, nil
	}
	return t.Update(key, map[int]int64{col: rows[0][0] + 1})
}

// CreateIndex builds a secondary index on col from the current contents
// of the table (spec.md §4.4/§4.5: secondary indexes are rebuilt on
// demand, never maintained incrementally under concurrent writers).
func (t *Table) CreateIndex(col int) error {
	idx, err := t.indexMgr.CreateIndex(col)
	if err != nil {
		return err
	}
	for _, key := range t.indexMgr.Primary().Keys() {
		for _, rid := range t.indexMgr.Primary().Lookup(key) {
			pr, err := t.rangeFor(rid)
			if err != nil {
				return err
			}
			row, ok, err := pr.ReadLatest(rid, []int{col}, 0)
			if err != nil {
				return err
			}
			if ok {
				idx.Insert(row[0], rid)
			}
		}
	}
	return nil
}
