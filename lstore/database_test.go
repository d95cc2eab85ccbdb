package lstore

import (
	"errors"
	"os"
	"testing"
)

func tempDBDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lstore_test_*")
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestOpenCreateTableInsertSelect(t *testing.T) {
	dir := tempDBDir(t)
	defer os.RemoveAll(dir)

	db, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	tbl, err := db.CreateTable("accounts", 2, 0)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, _, err := tbl.Insert([]int64{1, 500}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := tbl.Select(1, 0, []int{0, 1}, 0)
	if err != nil || len(rows) != 1 || rows[0][1] != 500 {
		t.Fatalf("expected row [1 500], got rows=%v err=%v", rows, err)
	}
}

func TestCreateTableDuplicateFails(t *testing.T) {
	db := OpenMemory(Options{})
	defer db.Close()

	if _, err := db.CreateTable("t", 2, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.CreateTable("t", 2, 0); !errors.Is(err, ErrTableExists) {
		t.Fatalf("expected ErrTableExists, got %v", err)
	}
}

func TestDropTableThenMissingLookupFails(t *testing.T) {
	db := OpenMemory(Options{})
	defer db.Close()

	if _, err := db.CreateTable("t", 2, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.DropTable("t"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, ok := db.Table("t"); ok {
		t.Fatalf("expected table gone after drop")
	}
	if err := db.DropTable("t"); !errors.Is(err, ErrNoSuchTable) {
		t.Fatalf("expected ErrNoSuchTable, got %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := tempDBDir(t)
	defer os.RemoveAll(dir)

	db, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	tbl, err := db.CreateTable("ledger", 3, 0)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	for k := int64(1); k <= 5; k++ {
		if _, _, err := tbl.Insert([]int64{k, k * 10, k * 100}); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	if ok, _, err := tbl.Update(2, map[int]int64{1: 999}); err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	if ok, _, err := tbl.Delete(4); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer db2.Close()

	tbl2, ok := db2.Table("ledger")
	if !ok {
		t.Fatalf("expected 'ledger' table to survive reopen")
	}

	rows, err := tbl2.Select(2, 0, []int{1}, 0)
	if err != nil || len(rows) != 1 || rows[0][0] != 999 {
		t.Fatalf("expected updated row to survive reopen, rows=%v err=%v", rows, err)
	}
	rows, err = tbl2.Select(4, 0, []int{1}, 0)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected deleted row to stay deleted after reopen, rows=%v err=%v", rows, err)
	}
	rows, err = tbl2.Select(1, 0, []int{1}, 0)
	if err != nil || len(rows) != 1 || rows[0][0] != 10 {
		t.Fatalf("expected untouched row to survive reopen, rows=%v err=%v", rows, err)
	}

	// A fresh insert after reopen must not collide with rebuilt keys.
	if _, _, err := tbl2.Insert([]int64{6, 60, 600}); err != nil {
		t.Fatalf("insert after reopen: %v", err)
	}
}

func TestOpenRejectsSecondLockHolder(t *testing.T) {
	dir := tempDBDir(t)
	defer os.RemoveAll(dir)

	db, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if _, err := Open(dir, Options{}); err == nil {
		t.Fatalf("expected second open of the same directory to fail")
	}
}

func TestTablesListedSorted(t *testing.T) {
	db := OpenMemory(Options{})
	defer db.Close()

	for _, name := range []string{"zebra", "apple", "mango"} {
		if _, err := db.CreateTable(name, 1, 0); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	got := db.Tables()
	want := []string{"apple", "mango", "zebra"}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("Tables()[%d] = %s, want %s", i, got[i], w)
		}
	}
}
