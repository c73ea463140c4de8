// Package prefix maintains the prefix automaton and the six prefix posting
// databases derived from the word databases.
package prefix

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/chunk"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/spill"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
)

const (
	// DefaultThreshold is the number of distinct words a prefix must start.
	DefaultThreshold = 100
	// DefaultMaxPrefixLength is the longest prefix, in characters.
	DefaultMaxPrefixLength = 4
	// MaxProximity is the largest proximity kept in the prefix pair databases.
	MaxProximity = 4
	// DatabaseCount is the number of prefix databases maintained.
	DatabaseCount = 6
)

// Config configures an Updater.
type Config struct {
	Threshold       int
	MaxPrefixLength int
	Spill           spill.Options
	ShouldAbort     func() bool
}

// Updater recomputes the prefix automaton after a run and brings the prefix
// databases in line with it.
type Updater struct {
	idx    *index.Index
	txn    kv.Writer
	cfg    Config
	logger *slog.Logger
}

func New(idx *index.Index, txn kv.Writer, cfg Config) *Updater {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxPrefixLength <= 0 {
		cfg.MaxPrefixLength = DefaultMaxPrefixLength
	}
	return &Updater{
		idx:    idx,
		txn:    txn,
		cfg:    cfg,
		logger: slog.Default().With("component", "prefix", "index", idx.UID()),
	}
}

// Diff splits the prefixes of the new automaton against the old one.
type Diff struct {
	Common  []string
	New     []string
	Deleted []string
}

// Execute rebuilds the prefix automaton from the words automaton and
// updates the prefix databases. Common prefixes receive the postings of
// batch, new prefixes are computed from the whole word databases and
// deleted prefixes are dropped.
func (u *Updater) Execute(batch *chunk.WordBatch) (Diff, error) {
	start := time.Now()
	words, err := u.idx.Words(u.txn)
	if err != nil {
		return Diff{}, err
	}
	prefixes := ComputePrefixes(words, u.cfg.Threshold, u.cfg.MaxPrefixLength)
	previous, err := u.idx.Prefixes(u.txn)
	if err != nil {
		return Diff{}, err
	}
	diff := diffPrefixes(previous, prefixes)

	common := newPrefixSet(diff.Common, u.cfg.MaxPrefixLength)
	added := newPrefixSet(diff.New, u.cfg.MaxPrefixLength)

	steps := []struct {
		name string
		run  func() error
	}{
		{"word_prefix_docids", func() error {
			return u.updateSimple(index.WordPrefixDocids, index.WordDocids, batch.WordDocids, common, added, diff.Deleted, wordKey)
		}},
		{"exact_word_prefix_docids", func() error {
			return u.updateSimple(index.ExactWordPrefixDocids, index.ExactWordDocids, batch.ExactWordDocids, common, added, diff.Deleted, wordKey)
		}},
		{"word_prefix_position_docids", func() error {
			return u.updateSimple(index.WordPrefixPositionDocids, index.WordPositionDocids, batch.WordPositionDocids, common, added, diff.Deleted, wordSuffixedKey)
		}},
		{"word_prefix_fid_docids", func() error {
			return u.updateSimple(index.WordPrefixFidDocids, index.WordFidDocids, batch.WordFidDocids, common, added, diff.Deleted, wordSuffixedKey)
		}},
		{"word_prefix_pair_proximity_docids", func() error {
			return u.updatePairs(index.WordPrefixPairProximityDocids, batch.WordPairProximityDocids, common, added, diff.Deleted, false)
		}},
		{"prefix_word_pair_proximity_docids", func() error {
			return u.updatePairs(index.PrefixWordPairProximityDocids, batch.WordPairProximityDocids, common, added, diff.Deleted, true)
		}},
	}
	for _, step := range steps {
		if u.cfg.ShouldAbort != nil && u.cfg.ShouldAbort() {
			return diff, apperrors.ErrAbortedIndexation
		}
		if err := step.run(); err != nil {
			return diff, fmt.Errorf("updating %s: %w", step.name, err)
		}
	}

	keys := make([][]byte, len(prefixes))
	for i, p := range prefixes {
		keys[i] = []byte(p)
	}
	fst, err := index.BuildFST(keys)
	if err != nil {
		return diff, err
	}
	if err := u.idx.PutWordsPrefixesFST(u.txn, fst); err != nil {
		return diff, err
	}
	u.logger.Debug("prefix databases updated",
		"prefixes", len(prefixes),
		"common", len(diff.Common),
		"new", len(diff.New),
		"deleted", len(diff.Deleted),
		"duration", time.Since(start),
	)
	return diff, nil
}

// ComputePrefixes returns, in order, the prefixes of 1 to maxLength
// characters that start at least threshold of the sorted words.
func ComputePrefixes(words []string, threshold, maxLength int) []string {
	var out []string
	for length := 1; length <= maxLength; length++ {
		counts := make(map[string]int)
		for _, w := range words {
			if p, ok := runePrefix(w, length); ok {
				counts[p]++
			}
		}
		for p, n := range counts {
			if n >= threshold {
				out = append(out, p)
			}
		}
	}
	slices.Sort(out)
	return out
}

// runePrefix returns the first n characters of s. ok is false when s is
// shorter.
func runePrefix(s string, n int) (string, bool) {
	i := 0
	for count := 0; count < n; count++ {
		if i >= len(s) {
			return "", false
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i], true
}

func diffPrefixes(previous, current []string) Diff {
	var d Diff
	i, j := 0, 0
	for i < len(previous) || j < len(current) {
		switch {
		case j >= len(current) || (i < len(previous) && previous[i] < current[j]):
			d.Deleted = append(d.Deleted, previous[i])
			i++
		case i >= len(previous) || current[j] < previous[i]:
			d.New = append(d.New, current[j])
			j++
		default:
			d.Common = append(d.Common, current[j])
			i++
			j++
		}
	}
	return d
}

// prefixSet answers which prefixes of a word belong to a set. Prefixes are
// grouped by their first byte.
type prefixSet struct {
	byFirst   map[byte]map[string]struct{}
	maxLength int
}

func newPrefixSet(prefixes []string, maxLength int) *prefixSet {
	s := &prefixSet{byFirst: make(map[byte]map[string]struct{}), maxLength: maxLength}
	for _, p := range prefixes {
		group, ok := s.byFirst[p[0]]
		if !ok {
			group = make(map[string]struct{})
			s.byFirst[p[0]] = group
		}
		group[p] = struct{}{}
	}
	return s
}

func (s *prefixSet) empty() bool {
	return len(s.byFirst) == 0
}

// matches calls fn for every prefix of word in the set.
func (s *prefixSet) matches(word string, fn func(prefix string) error) error {
	if word == "" {
		return nil
	}
	group, ok := s.byFirst[word[0]]
	if !ok {
		return nil
	}
	for n := 1; n <= s.maxLength; n++ {
		p, ok := runePrefix(word, n)
		if !ok {
			break
		}
		if _, in := group[p]; in {
			if err := fn(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// keyFunc splits a word database key into its word and the suffix that is
// kept when the word is replaced by a prefix.
type keyFunc func(key []byte) (word string, suffix []byte, err error)

func wordKey(key []byte) (string, []byte, error) {
	return string(key), nil, nil
}

// wordSuffixedKey handles word\0suffix keys.
func wordSuffixedKey(key []byte) (string, []byte, error) {
	i := bytes.IndexByte(key, 0)
	if i < 0 {
		return "", nil, index.ErrBadKey
	}
	return string(key[:i]), key[i:], nil
}

func (u *Updater) updateSimple(target, source kv.Database, batch []*spill.Reader, common, added *prefixSet, deleted []string, split keyFunc) error {
	sorter := spill.NewSorter(u.cfg.Spill, spill.UnionBitmaps)
	defer sorter.Abort()
	emit := func(key, value []byte) error {
		word, suffix, err := split(key)
		if err != nil {
			return err
		}
		return common.matches(word, func(p string) error {
			return sorter.Insert(append([]byte(p), suffix...), value)
		})
	}
	if !common.empty() && len(batch) > 0 {
		if err := spill.MergeCursors(batch, spill.UnionBitmaps, emit); err != nil {
			return err
		}
	}
	if err := u.flushUnion(target, sorter); err != nil {
		return err
	}

	if !added.empty() {
		fresh := spill.NewSorter(u.cfg.Spill, spill.UnionBitmaps)
		defer fresh.Abort()
		err := u.scan(source, func(key, value []byte) error {
			word, suffix, err := split(key)
			if err != nil {
				return err
			}
			return added.matches(word, func(p string) error {
				return fresh.Insert(append([]byte(p), suffix...), value)
			})
		})
		if err != nil {
			return err
		}
		if err := u.flushPut(target, fresh); err != nil {
			return err
		}
	}

	for _, p := range deleted {
		if err := u.deletePrefix(target, p, split); err != nil {
			return err
		}
	}
	return nil
}

// updatePairs maintains word_prefix_pair_proximity_docids (second word
// replaced by a prefix) or prefix_word_pair_proximity_docids (first word
// replaced by a prefix).
func (u *Updater) updatePairs(target kv.Database, batch []*spill.Reader, common, added *prefixSet, deleted []string, prefixFirst bool) error {
	rekey := func(set *prefixSet, sorter *spill.Sorter) func(key, value []byte) error {
		return func(key, value []byte) error {
			prox, w1, w2, err := index.DecodeWordPairProximityKey(key)
			if err != nil {
				return err
			}
			if prox > MaxProximity {
				return nil
			}
			if prefixFirst {
				return set.matches(w1, func(p string) error {
					return sorter.Insert(index.WordPairProximityKey(prox, p, w2), value)
				})
			}
			return set.matches(w2, func(p string) error {
				return sorter.Insert(index.WordPairProximityKey(prox, w1, p), value)
			})
		}
	}

	sorter := spill.NewSorter(u.cfg.Spill, spill.UnionBitmaps)
	defer sorter.Abort()
	if !common.empty() && len(batch) > 0 {
		if err := spill.MergeCursors(batch, spill.UnionBitmaps, rekey(common, sorter)); err != nil {
			return err
		}
	}
	if err := u.flushUnion(target, sorter); err != nil {
		return err
	}

	if !added.empty() {
		fresh := spill.NewSorter(u.cfg.Spill, spill.UnionBitmaps)
		defer fresh.Abort()
		if err := u.scan(index.WordPairProximityDocids, rekey(added, fresh)); err != nil {
			return err
		}
		if err := u.flushPut(target, fresh); err != nil {
			return err
		}
	}

	if len(deleted) == 0 {
		return nil
	}
	gone := make(map[string]struct{}, len(deleted))
	for _, p := range deleted {
		gone[p] = struct{}{}
	}
	return u.deleteWhere(target, nil, func(key []byte) (bool, error) {
		_, w1, w2, err := index.DecodeWordPairProximityKey(key)
		if err != nil {
			return false, err
		}
		candidate := w2
		if prefixFirst {
			candidate = w1
		}
		_, ok := gone[candidate]
		return ok, nil
	})
}

func (u *Updater) scan(db kv.Database, fn func(key, value []byte) error) error {
	it, err := u.txn.Iter(db, nil)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Err()
}

func (u *Updater) flushUnion(target kv.Database, sorter *spill.Sorter) error {
	r, err := sorter.Finish()
	if err != nil {
		return err
	}
	defer r.Close()
	c := r.Cursor()
	for c.Next() {
		if err := index.UnionEncoded(u.txn, target, c.Key(), c.Value()); err != nil {
			return err
		}
	}
	return c.Err()
}

func (u *Updater) flushPut(target kv.Database, sorter *spill.Sorter) error {
	r, err := sorter.Finish()
	if err != nil {
		return err
	}
	defer r.Close()
	c := r.Cursor()
	for c.Next() {
		if err := u.txn.Put(target, c.Key(), c.Value()); err != nil {
			return err
		}
	}
	return c.Err()
}

// deletePrefix removes every key of target built from prefix p.
func (u *Updater) deletePrefix(target kv.Database, p string, split keyFunc) error {
	return u.deleteWhere(target, []byte(p), func(key []byte) (bool, error) {
		word, _, err := split(key)
		return word == p, err
	})
}

func (u *Updater) deleteWhere(target kv.Database, scanPrefix []byte, match func(key []byte) (bool, error)) error {
	var doomed [][]byte
	it, err := u.txn.Iter(target, scanPrefix)
	if err != nil {
		return err
	}
	for it.Next() {
		ok, err := match(it.Key())
		if err != nil {
			it.Close()
			return err
		}
		if ok {
			doomed = append(doomed, bytes.Clone(it.Key()))
		}
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return err
	}
	for _, key := range doomed {
		if err := u.txn.Delete(target, key); err != nil {
			return err
		}
	}
	return nil
}
