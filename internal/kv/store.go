// Package kv is the transactional sorted key-value store the indexer writes
// into. It is backed by cockroachdb/pebble: one exclusive write transaction at
// a time (an indexed batch with read-your-writes) and any number of readers on
// snapshots. Named databases are one-byte key namespaces.
package kv

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// ErrTxnDone is returned when a transaction is used after Commit or Abort.
var ErrTxnDone = errors.New("transaction already committed or aborted")

// Database identifies a named sorted database inside the store.
type Database byte

// Options controls how the underlying pebble instance is opened.
type Options struct {
	// FS overrides the filesystem; tests use vfs.NewMem().
	FS vfs.FS
	// Sync forces an fsync on every commit.
	Sync bool
}

// Store wraps a pebble.DB and enforces the single-writer policy.
type Store struct {
	db        *pebble.DB
	writeMu   sync.Mutex
	writeOpts *pebble.WriteOptions
	logger    *slog.Logger
}

// Open opens (creating if needed) a store in dir.
func Open(dir string, opts Options) (*Store, error) {
	popts := &pebble.Options{}
	if opts.FS != nil {
		popts.FS = opts.FS
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, fmt.Errorf("opening pebble store at %s: %w", dir, err)
	}
	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	return &Store{
		db:        db,
		writeOpts: wo,
		logger:    slog.Default().With("component", "kv-store", "dir", dir),
	}, nil
}

// OpenInMemory opens a store on an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	return Open("", Options{FS: vfs.NewMem()})
}

// DB exposes the pebble handle for metric collectors.
func (s *Store) DB() *pebble.DB {
	return s.db
}

// BeginWrite starts the exclusive write transaction. It blocks while another
// write transaction is alive.
func (s *Store) BeginWrite() (*RwTxn, error) {
	s.writeMu.Lock()
	if s.db == nil {
		s.writeMu.Unlock()
		return nil, errors.New("store is closed")
	}
	return &RwTxn{store: s, batch: s.db.NewIndexedBatch()}, nil
}

// BeginRead returns a read transaction over a consistent snapshot.
func (s *Store) BeginRead() *RoTxn {
	return &RoTxn{snap: s.db.NewSnapshot()}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Reader is implemented by both read and write transactions.
type Reader interface {
	// Get returns a copy of the value stored under key, or nil when absent.
	Get(db Database, key []byte) ([]byte, error)
	// Iter iterates the keys of db starting with prefix, in order.
	Iter(db Database, prefix []byte) (*Iterator, error)
}

// Writer is the write side of a transaction.
type Writer interface {
	Reader
	Put(db Database, key, value []byte) error
	Delete(db Database, key []byte) error
}

// RwTxn is the single live write transaction. Nothing is visible to readers
// until Commit.
type RwTxn struct {
	store *Store
	batch *pebble.Batch
	done  bool
}

var _ Writer = (*RwTxn)(nil)

func (t *RwTxn) Get(db Database, key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	return getCopy(t.batch, dbKey(db, key))
}

func (t *RwTxn) Put(db Database, key, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	return t.batch.Set(dbKey(db, key), value, nil)
}

func (t *RwTxn) Delete(db Database, key []byte) error {
	if t.done {
		return ErrTxnDone
	}
	return t.batch.Delete(dbKey(db, key), nil)
}

func (t *RwTxn) Iter(db Database, prefix []byte) (*Iterator, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	lower, upper := bounds(db, prefix)
	it, err := t.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("creating batch iterator: %w", err)
	}
	return &Iterator{it: it}, nil
}

// Commit applies the transaction atomically and releases the writer lock.
func (t *RwTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	defer t.store.writeMu.Unlock()
	count := t.batch.Count()
	if err := t.batch.Commit(t.store.writeOpts); err != nil {
		_ = t.batch.Close()
		return fmt.Errorf("committing write transaction: %w", err)
	}
	t.store.logger.Debug("write transaction committed", "operations", count)
	return t.batch.Close()
}

// Abort discards every write of the transaction. Aborting twice is a no-op.
func (t *RwTxn) Abort() {
	if t.done {
		return
	}
	t.done = true
	_ = t.batch.Close()
	t.store.writeMu.Unlock()
}

// RoTxn reads from a snapshot.
type RoTxn struct {
	snap *pebble.Snapshot
}

var _ Reader = (*RoTxn)(nil)

func (t *RoTxn) Get(db Database, key []byte) ([]byte, error) {
	return getCopy(t.snap, dbKey(db, key))
}

func (t *RoTxn) Iter(db Database, prefix []byte) (*Iterator, error) {
	lower, upper := bounds(db, prefix)
	it, err := t.snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("creating snapshot iterator: %w", err)
	}
	return &Iterator{it: it}, nil
}

// Close releases the snapshot.
func (t *RoTxn) Close() error {
	return t.snap.Close()
}

type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func getCopy(g getter, key []byte) ([]byte, error) {
	value, closer, err := g.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func dbKey(db Database, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(db)
	copy(out[1:], key)
	return out
}

func bounds(db Database, prefix []byte) (lower, upper []byte) {
	lower = dbKey(db, prefix)
	upper = make([]byte, len(lower))
	copy(upper, lower)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return lower, upper[:i+1]
		}
	}
	return lower, nil
}
