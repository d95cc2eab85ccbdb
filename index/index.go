// Package index provides the ordered-map facade used by Table: a primary
// index (one RID per key) and optional secondary indexes (many RIDs per
// key), both backed by github.com/tidwall/btree. The B-tree implementation
// itself is treated as an out-of-scope external collaborator per spec, so
// unlike the teacher's index package — which persists its own on-disk
// B+Tree — this one simply delegates to a real ordered-map library.
package index

import (
	"sync"

	"github.com/tidwall/btree"
)

// Index is an ordered map from a table's key column to one or more RIDs.
// The primary index never stores more than one RID per key; secondary
// indexes may. Callers reach a shared *Index from many goroutines at
// once — distinct Transactions lock distinct RIDs, not the index itself
// — so every operation below takes mu, matching the teacher's
// index.Index (Add/Remove/Lookup/RangeScan all under Lock/RLock).
type Index struct {
	mu   sync.RWMutex
	tree btree.Map[int64, []uint64]
}

// New returns an empty index.
func New() *Index {
	return &Index{}
}

// Insert associates rid with key, appending to any existing entry.
func (idx *Index) Insert(key int64, rid uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rids, _ := idx.tree.Get(key)
	rids = append(rids, rid)
	idx.tree.Set(key, rids)
}

// Remove disassociates rid from key. The key is dropped entirely once its
// last RID is removed.
func (idx *Index) Remove(key int64, rid uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rids, ok := idx.tree.Get(key)
	if !ok {
		return
	}
	out := rids[:0]
	for _, r := range rids {
		if r != rid {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		idx.tree.Delete(key)
		return
	}
	idx.tree.Set(key, out)
}

// Lookup returns every RID associated with key.
func (idx *Index) Lookup(key int64) []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rids, _ := idx.tree.Get(key)
	return rids
}

// RangeLookup returns, in ascending key order, every RID whose key lies
// in [lo, hi]. An empty range (lo > hi) yields nothing.
func (idx *Index) RangeLookup(lo, hi int64) []uint64 {
	if lo > hi {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []uint64
	idx.tree.Ascend(lo, func(key int64, rids []uint64) bool {
		if key > hi {
			return false
		}
		out = append(out, rids...)
		return true
	})
	return out
}

// Len returns the number of distinct keys in the index.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tree.Len()
}

// Keys returns every key in ascending order, for index rebuild and tests.
func (idx *Index) Keys() []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]int64, 0, idx.tree.Len())
	idx.tree.Scan(func(key int64, _ []uint64) bool {
		out = append(out, key)
		return true
	})
	return out
}
