package txn

import (
	"testing"
	"time"

	"lstore-go/lockmgr"
)

func TestWorkerRunsQueuedTransactions(t *testing.T) {
	tbl := newTestTable(2, 0)
	locks := lockmgr.New()

	queue := make(chan *Transaction, 8)
	done := make(chan *Transaction, 8)
	w := NewWorker(0, queue, done)
	go w.Run()
	defer close(queue)

	const n = 10
	for k := int64(1); k <= n; k++ {
		queue <- New(locks, Query{Kind: Insert, Table: tbl, Values: []int64{k, k}})
	}
	for i := 0; i < n; i++ {
		select {
		case tx := <-done:
			if tx.Err != nil {
				t.Errorf("insert %d failed: %v", i, tx.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for worker to drain queue")
		}
	}

	sumTx := New(locks, Query{Kind: Sum, Table: tbl, StartKey: 1, EndKey: n, AggCol: 1})
	queue <- sumTx
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for sum")
	}
	if got := sumTx.Results[0].(int64); got != 55 {
		t.Errorf("sum = %d, want 55", got)
	}
}

func TestWorkerRetriesAbortedTransaction(t *testing.T) {
	tbl := newTestTable(2, 0)
	locks := lockmgr.New()
	if _, _, err := tbl.Insert([]int64{1, 10}); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	// Hold key 1's X-lock so the first attempt at the queued update aborts.
	holder := New(locks)
	if err := locks.TryAcquire(holder.ID, lockmgr.Key{Table: "t", RID: 0}, lockmgr.Exclusive); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	queue := make(chan *Transaction, 2)
	done := make(chan *Transaction, 2)
	w := NewWorker(0, queue, done)
	go w.Run()
	defer close(queue)

	updTx := New(locks, Query{Kind: Update, Table: tbl, Key: 1, Diff: map[int]int64{1: 999}})
	queue <- updTx

	// Give the worker a moment to hit the conflict and requeue, then
	// release the competing lock so the retry can succeed.
	time.Sleep(50 * time.Millisecond)
	locks.ReleaseAll(holder.ID)

	select {
	case tx := <-done:
		if tx.Err != nil {
			t.Fatalf("expected eventual success, got %v", tx.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for retried transaction to complete")
	}

	rows, err := tbl.Select(1, 0, []int{1}, 0)
	if err != nil || len(rows) != 1 || rows[0][0] != 999 {
		t.Fatalf("expected updated value 999, got rows=%v err=%v", rows, err)
	}
}

// TestMultipleWorkersDistinctKeys mirrors cmd/lstore-demo's 4-worker
// fan-out: several Workers drain one queue and run Transactions that each
// touch a distinct key, so every Transaction reaches the same Table's
// shared index concurrently even though no two ever lock the same RID.
// Run with -race; this is the scenario that caught the missing mutex in
// index.Index (distinct-key work is exactly what per-RID record locks do
// not serialize).
func TestMultipleWorkersDistinctKeys(t *testing.T) {
	tbl := newTestTable(2, 0)
	locks := lockmgr.New()

	queue := make(chan *Transaction, 64)
	done := make(chan *Transaction, 64)
	const numWorkers = 4
	for i := 0; i < numWorkers; i++ {
		w := NewWorker(i, queue, done)
		go w.Run()
	}
	defer close(queue)

	const n = 64
	for k := int64(1); k <= n; k++ {
		queue <- New(locks, Query{Kind: Insert, Table: tbl, Values: []int64{k, k}})
	}
	for i := 0; i < n; i++ {
		select {
		case tx := <-done:
			if tx.Err != nil {
				t.Errorf("insert failed: %v", tx.Err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for concurrent inserts to drain")
		}
	}

	sumTx := New(locks, Query{Kind: Sum, Table: tbl, StartKey: 1, EndKey: n, AggCol: 1})
	queue <- sumTx
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for sum")
	}
	want := int64(n * (n + 1) / 2)
	if got := sumTx.Results[0].(int64); got != want {
		t.Errorf("sum = %d, want %d", got, want)
	}
}
