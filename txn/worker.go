package txn

import "runtime"

// Worker pulls Transactions off a shared queue and runs each to
// completion, re-enqueueing any that abort (spec.md §4.8). Many Workers
// may drain the same queue concurrently; they share state only through
// the LockManager, BufferPool, and Tables each Transaction's queries
// already reference.
type Worker struct {
	ID    int
	Queue chan *Transaction
	Done  chan *Transaction
}

// NewWorker returns a Worker reading from queue. Completed transactions
// (committed or finally failed on a non-conflict error) are sent to done
// if it is non-nil; inspect Transaction.Err to tell the two apart.
func NewWorker(id int, queue, done chan *Transaction) *Worker {
	return &Worker{ID: id, Queue: queue, Done: done}
}

// Run drains Queue until it is closed. An aborted transaction is
// re-enqueued after a yield; no backoff is needed since conflicts are
// expected to be transient under FIFO-fair locking.
func (w *Worker) Run() {
	for tx := range w.Queue {
		if err := tx.Run(); err == ErrAborted {
			runtime.Gosched()
			go func(tx *Transaction) { w.Queue <- tx }(tx)
			continue
		}
		if w.Done != nil {
			w.Done <- tx
		}
	}
}
