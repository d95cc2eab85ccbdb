// Package lstore provides the top-level Database: directory lifecycle,
// table registry, and metadata persistence over the table/storage
// layers, grounded on the teacher's api.DB (github.com/Felmond13/novusdb).
package lstore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"lstore-go/storage"
	"lstore-go/table"
)

// ErrPoisoned is returned by CreateTable, DropTable and Close once a Close
// has failed to flush pages or write metadata, leaving on-disk and
// in-memory state potentially divergent. Only those Close failures poison
// the Database; Table, Tables and the tables' own operations do not check
// it.
var ErrPoisoned = errors.New("lstore: database poisoned by a prior I/O error")

// ErrIO wraps an underlying I/O failure that poisoned the Database.
var ErrIO = errors.New("lstore: I/O error")

// ErrTableExists is returned by CreateTable for a name already registered.
var ErrTableExists = errors.New("lstore: table already exists")

// ErrNoSuchTable is returned by DropTable for an unregistered name.
var ErrNoSuchTable = errors.New("lstore: no such table")

// Database is the top-level handle: the buffer pool, the directory lock,
// and the table registry, plus just enough persisted metadata to rebuild
// that registry on reopen (spec.md §4.9).
type Database struct {
	mu       sync.Mutex
	path     string
	dirLock  *storage.DirLock
	pool     *storage.BufferPool
	tables   map[string]*table.Table
	poisoned error
}

// Open creates or opens a database directory, rebuilding any existing
// tables and their primary indexes by scanning base data (spec.md §4.9:
// "open(path) ... populates indexes by scanning base pages").
func Open(path string, opts Options) (*Database, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("lstore: %w", err)
	}
	lock, err := storage.LockDir(path)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewDiskPageStore(filepath.Join(path, "pages"))
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	pool := storage.NewBufferPool(store, opts.capacity())

	db := &Database{path: path, dirLock: lock, pool: pool, tables: make(map[string]*table.Table)}
	if err := db.reload(); err != nil {
		lock.Unlock()
		return nil, err
	}
	log.Printf("lstore: opened %s (%d table(s))", path, len(db.tables))
	return db, nil
}

// OpenMemory opens a Database backed entirely by in-memory page files, for
// tests and embedding without a filesystem (grounded on the teacher's
// OpenPagerMemory; not in spec.md, added for deterministic non-disk runs).
func OpenMemory(opts Options) *Database {
	store := storage.NewMemPageStore()
	pool := storage.NewBufferPool(store, opts.capacity())
	return &Database{path: "", pool: pool, tables: make(map[string]*table.Table)}
}

func (db *Database) reload() error {
	if db.path == "" {
		return nil
	}
	descs, err := readMetadata(db.path)
	if err != nil {
		return err
	}
	for _, td := range descs {
		t := table.New(td.Name, td.NumCols, td.KeyColumn, db.pool)
		ids, err := discoverRanges(filepath.Join(db.path, "pages"), td.Name)
		if err != nil {
			return err
		}
		for _, id := range ids {
			pr, err := storage.ReopenPageRange(td.Name, id, td.NumCols, db.pool)
			if err != nil {
				return err
			}
			t.AdoptRange(pr)
		}
		if err := t.RebuildPrimaryIndex(); err != nil {
			return err
		}
		db.tables[td.Name] = t
	}
	return nil
}

// discoverRanges lists a table's pr_<id> directories under the page
// store's root, since page-range identifiers are not persisted in
// metadata separately.
func discoverRanges(pagesRoot, tableName string) ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(pagesRoot, tableName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "pr_%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (db *Database) checkHealthy() error {
	if db.poisoned != nil {
		return fmt.Errorf("%w: %v", ErrPoisoned, db.poisoned)
	}
	return nil
}

// CreateTable registers a new, empty table with numCols data columns and
// keyColumn as its primary key.
func (db *Database) CreateTable(name string, numCols, keyColumn int) (*table.Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkHealthy(); err != nil {
		return nil, err
	}
	if _, exists := db.tables[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	t := table.New(name, numCols, keyColumn, db.pool)
	db.tables[name] = t
	return t, nil
}

// DropTable removes a table from the registry. Its on-disk pages are not
// reclaimed; they are simply orphaned until the directory is recreated.
func (db *Database) DropTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkHealthy(); err != nil {
		return err
	}
	if _, exists := db.tables[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNoSuchTable, name)
	}
	delete(db.tables, name)
	return nil
}

// Table returns the named table and whether it is registered.
func (db *Database) Table(name string) (*table.Table, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tables[name]
	return t, ok
}

// Tables returns every registered table name.
func (db *Database) Tables() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close flushes the buffer pool, persists metadata, and releases the
// directory lock. A flush or metadata-write failure poisons the Database:
// every subsequent CreateTable, DropTable or Close returns ErrPoisoned.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkHealthy(); err != nil {
		return err
	}

	if err := db.pool.FlushAll(); err != nil {
		db.poisoned = err
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	if db.path != "" {
		descs := make([]tableDescriptor, 0, len(db.tables))
		for name, t := range db.tables {
			descs = append(descs, tableDescriptor{Name: name, NumCols: t.NumCols, KeyColumn: t.KeyColumn})
		}
		if err := writeMetadata(db.path, descs); err != nil {
			db.poisoned = err
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	if db.dirLock != nil {
		if err := db.dirLock.Unlock(); err != nil {
			return err
		}
	}
	log.Printf("lstore: closed %s", db.path)
	return nil
}
