// Command lstore-demo exercises a Database end to end: create a table,
// run inserts, a sum, an increment and a select through a Worker pool of
// Transactions, and print what happened. Adapted from the teacher's
// cmd/example, which drove the same kind of walkthrough against api.DB.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"lstore-go/lockmgr"
	"lstore-go/lstore"
	"lstore-go/txn"
)

func main() {
	dir := flag.String("dir", "", "database directory (empty = in-memory)")
	flag.Parse()

	var db *lstore.Database
	var err error
	if *dir == "" {
		db = lstore.OpenMemory(lstore.Options{})
	} else {
		db, err = lstore.Open(*dir, lstore.Options{BufferPoolCapacity: 512})
		if err != nil {
			log.Fatalf("lstore-demo: open: %v", err)
		}
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("lstore-demo: close: %v", err)
		}
	}()

	const ledger = "ledger"
	tbl, ok := db.Table(ledger)
	if !ok {
		tbl, err = db.CreateTable(ledger, 3, 0)
		if err != nil {
			log.Fatalf("lstore-demo: create table: %v", err)
		}
	}

	locks := lockmgr.New()
	queue := make(chan *txn.Transaction, 16)
	done := make(chan *txn.Transaction, 16)

	const workers = 4
	for i := 0; i < workers; i++ {
		w := txn.NewWorker(i, queue, done)
		go w.Run()
	}

	const rows = 64
	for k := int64(1); k <= rows; k++ {
		queue <- txn.New(locks, txn.Query{
			Kind:   txn.Insert,
			Table:  tbl,
			Values: []int64{k, k * 10, k * 100},
		})
	}
	for i := int64(0); i < rows; i++ {
		tx := <-done
		if tx.Err != nil {
			fmt.Fprintf(os.Stderr, "insert failed: %v\n", tx.Err)
		}
	}

	sumTx := txn.New(locks, txn.Query{
		Kind: txn.Sum, Table: tbl, StartKey: 1, EndKey: rows, AggCol: 1,
	})
	queue <- sumTx
	<-done
	if sumTx.Err != nil {
		log.Fatalf("lstore-demo: sum: %v", sumTx.Err)
	}
	fmt.Printf("sum(col1, 1..%d) = %v\n", rows, sumTx.Results[0])

	incTx := txn.New(locks, txn.Query{Kind: txn.Increment, Table: tbl, Key: 1, AggCol: 2})
	queue <- incTx
	<-done
	if incTx.Err != nil {
		log.Fatalf("lstore-demo: increment: %v", incTx.Err)
	}

	selTx := txn.New(locks, txn.Query{
		Kind: txn.Select, Table: tbl, Key: 1, IndexColumn: 0, Projection: []int{0, 1, 2},
	})
	queue <- selTx
	<-done
	if selTx.Err != nil {
		log.Fatalf("lstore-demo: select: %v", selTx.Err)
	}
	fmt.Printf("select(1) = %v\n", selTx.Results[0])

	close(queue)
}
