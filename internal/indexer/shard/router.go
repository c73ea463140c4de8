// Package shard routes batches to their index. Each index uid owns an
// independent pebble store in its own sub-directory of the data directory;
// indexes are opened lazily on first use and kept open until Close.
package shard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/config"
)

var validUID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,400}$`)

// Router maps index uids to open indexes.
type Router struct {
	indexes map[string]*index.Index
	mu      sync.RWMutex
	baseCfg config.IndexerConfig
	opts    kv.Options
	onOpen  func(open int)
	logger  *slog.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithStoreOptions overrides the options every index store is opened with.
func WithStoreOptions(opts kv.Options) Option {
	return func(r *Router) { r.opts = opts }
}

// WithOpenHook is called with the number of open indexes whenever it changes.
func WithOpenHook(fn func(open int)) Option {
	return func(r *Router) { r.onOpen = fn }
}

// NewRouter creates a router over baseCfg.DataDir and reopens every index
// already present there.
func NewRouter(baseCfg config.IndexerConfig, opts ...Option) (*Router, error) {
	r := &Router{
		indexes: make(map[string]*index.Index),
		baseCfg: baseCfg,
		opts:    kv.Options{Sync: baseCfg.SyncWrites},
		onOpen:  func(int) {},
		logger:  slog.Default().With("component", "shard-router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.opts.FS == nil {
		if err := os.MkdirAll(baseCfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir %s: %w", baseCfg.DataDir, err)
		}
		entries, err := os.ReadDir(baseCfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("listing data dir %s: %w", baseCfg.DataDir, err)
		}
		for _, e := range entries {
			if !e.IsDir() || !validUID.MatchString(e.Name()) {
				continue
			}
			if _, err := r.Route(e.Name()); err != nil {
				r.closeAll()
				return nil, err
			}
		}
	}
	r.logger.Info("shard router ready", "data_dir", baseCfg.DataDir, "indexes", r.Len())
	return r, nil
}

// Route returns the index for uid, opening it if needed.
func (r *Router) Route(uid string) (*index.Index, error) {
	if !validUID.MatchString(uid) {
		return nil, fmt.Errorf("invalid index uid %q", uid)
	}
	r.mu.RLock()
	idx, ok := r.indexes[uid]
	r.mu.RUnlock()
	if ok {
		return idx, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.indexes[uid]; ok {
		return idx, nil
	}
	dir := filepath.Join(r.baseCfg.DataDir, uid)
	idx, err := index.Open(uid, dir, r.opts)
	if err != nil {
		return nil, err
	}
	r.indexes[uid] = idx
	r.onOpen(len(r.indexes))
	r.logger.Info("index opened", "index", uid, "data_dir", dir)
	return idx, nil
}

// UIDs returns the open index uids in order.
func (r *Router) UIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uids := make([]string, 0, len(r.indexes))
	for uid := range r.indexes {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// Len returns the number of open indexes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.indexes)
}

// Stores returns a snapshot of the pebble handle of every open index.
func (r *Router) Stores() map[string]*pebble.DB {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]*pebble.DB, len(r.indexes))
	for uid, idx := range r.indexes {
		result[uid] = idx.Store().DB()
	}
	return result
}

// Check reads the metadata of every open index.
func (r *Router) Check(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for uid, idx := range r.indexes {
		if err := ctx.Err(); err != nil {
			return err
		}
		rtxn := idx.ReadTxn()
		_, err := idx.NumberOfDocuments(rtxn)
		_ = rtxn.Close()
		if err != nil {
			return fmt.Errorf("reading index %s: %w", uid, err)
		}
	}
	return nil
}

// Close closes every open index.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeAll()
}

// closeAll closes every index, collecting the first error encountered.
func (r *Router) closeAll() error {
	var firstErr error
	for uid, idx := range r.indexes {
		if err := idx.Close(); err != nil {
			r.logger.Error("close failed", "index", uid, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(r.indexes, uid)
	}
	r.onOpen(0)
	return firstErr
}
