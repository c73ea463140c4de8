package prefix

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/chunk"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/spill"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
)

type posting struct {
	key []byte
	ids []uint32
}

func word(w string, ids ...uint32) posting {
	return posting{key: []byte(w), ids: ids}
}

func pair(prox uint8, w1, w2 string, ids ...uint32) posting {
	return posting{key: index.WordPairProximityKey(prox, w1, w2), ids: ids}
}

// fixture applies a batch of word postings to the index the way the merge
// stage does and keeps the batch readers for the updater.
type fixture struct {
	t   *testing.T
	idx *index.Index
	txn *kv.RwTxn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := kv.OpenInMemory()
	require.NoError(t, err)
	idx := index.New("prefixes", store)
	txn, err := idx.WriteTxn()
	require.NoError(t, err)
	t.Cleanup(func() {
		txn.Abort()
		idx.Close()
	})
	return &fixture{t: t, idx: idx, txn: txn}
}

func (f *fixture) apply(db kv.Database, postings ...posting) *spill.Reader {
	f.t.Helper()
	w, err := spill.NewWriter(spill.Options{TempDir: f.t.TempDir()})
	require.NoError(f.t, err)
	for _, p := range postings {
		bm := roaring.BitmapOf(p.ids...)
		data, err := index.EncodeBitmap(bm)
		require.NoError(f.t, err)
		require.NoError(f.t, w.Insert(p.key, data))
		require.NoError(f.t, index.UnionBitmap(f.txn, db, p.key, bm))
	}
	r, err := w.Finish()
	require.NoError(f.t, err)
	return r
}

func (f *fixture) execute(cfg Config, words []posting, pairs []posting) Diff {
	f.t.Helper()
	batch := &chunk.WordBatch{
		WordDocids:              []*spill.Reader{f.apply(index.WordDocids, words...)},
		WordPairProximityDocids: []*spill.Reader{f.apply(index.WordPairProximityDocids, pairs...)},
	}
	defer batch.Close()
	require.NoError(f.t, f.idx.RebuildWordsFST(f.txn))
	cfg.Spill.TempDir = f.t.TempDir()
	diff, err := New(f.idx, f.txn, cfg).Execute(batch)
	require.NoError(f.t, err)
	return diff
}

func (f *fixture) ids(db kv.Database, key []byte) []uint32 {
	f.t.Helper()
	bm, err := index.GetBitmap(f.txn, db, key)
	require.NoError(f.t, err)
	return bm.ToArray()
}

func TestComputePrefixes(t *testing.T) {
	words := []string{"apple", "apricot", "banana", "été", "étoile"}
	assert.Equal(t, []string{"a", "ap", "é", "ét"}, ComputePrefixes(words, 2, 2))
	assert.Equal(t, []string{"a", "ap", "apr", "é", "ét"}, ComputePrefixes(append(words, "april"), 2, 3))
	assert.Empty(t, ComputePrefixes(words, 10, 4))
}

func TestRunePrefix(t *testing.T) {
	p, ok := runePrefix("été", 2)
	assert.True(t, ok)
	assert.Equal(t, "ét", p)
	_, ok = runePrefix("ab", 3)
	assert.False(t, ok)
}

func TestDiffPrefixes(t *testing.T) {
	d := diffPrefixes([]string{"a", "ap", "b"}, []string{"a", "ba", "c"})
	assert.Equal(t, []string{"a"}, d.Common)
	assert.Equal(t, []string{"ba", "c"}, d.New)
	assert.Equal(t, []string{"ap", "b"}, d.Deleted)
}

func TestExecuteNewCommonAndDeletedPrefixes(t *testing.T) {
	f := newFixture(t)
	cfg := Config{Threshold: 2, MaxPrefixLength: 2}

	diff := f.execute(cfg,
		[]posting{word("apple", 0), word("apricot", 1), word("green", 0)},
		[]posting{pair(1, "green", "apple", 0), pair(2, "apple", "green", 0), pair(6, "green", "apricot", 1)},
	)
	assert.Equal(t, []string{"a", "ap"}, diff.New)
	assert.Empty(t, diff.Common)
	assert.Equal(t, []uint32{0, 1}, f.ids(index.WordPrefixDocids, []byte("ap")))
	assert.Equal(t, []uint32{0}, f.ids(index.WordPrefixPairProximityDocids, index.WordPairProximityKey(1, "green", "ap")))
	assert.Equal(t, []uint32{0}, f.ids(index.PrefixWordPairProximityDocids, index.WordPairProximityKey(2, "ap", "green")))
	assert.Empty(t, f.ids(index.WordPrefixPairProximityDocids, index.WordPairProximityKey(6, "green", "ap")))

	prefixes, err := f.idx.Prefixes(f.txn)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ap"}, prefixes)

	diff = f.execute(cfg,
		[]posting{word("apex", 2), word("gray", 2)},
		[]posting{pair(1, "gray", "apex", 2)},
	)
	assert.Equal(t, []string{"a", "ap"}, diff.Common)
	assert.Equal(t, []string{"g", "gr"}, diff.New)
	assert.Equal(t, []uint32{0, 1, 2}, f.ids(index.WordPrefixDocids, []byte("ap")))
	assert.Equal(t, []uint32{0, 2}, f.ids(index.WordPrefixDocids, []byte("gr")))
	assert.Equal(t, []uint32{2}, f.ids(index.WordPrefixPairProximityDocids, index.WordPairProximityKey(1, "gray", "ap")))

	diff = f.execute(Config{Threshold: 3, MaxPrefixLength: 2}, nil, nil)
	assert.Equal(t, []string{"a", "ap"}, diff.Common)
	assert.Equal(t, []string{"g", "gr"}, diff.Deleted)
	raw, err := f.txn.Get(index.WordPrefixDocids, []byte("gr"))
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Empty(t, f.ids(index.PrefixWordPairProximityDocids, index.WordPairProximityKey(1, "gr", "apex")))
}

func TestExecuteChecksAbort(t *testing.T) {
	f := newFixture(t)
	batch := &chunk.WordBatch{}
	_, err := New(f.idx, f.txn, Config{ShouldAbort: func() bool { return true }, Spill: spill.Options{TempDir: t.TempDir()}}).Execute(batch)
	assert.ErrorIs(t, err, apperrors.ErrAbortedIndexation)
}
