package chunk

import (
	"errors"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/progress"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/spill"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
)

func newTestTxn(t *testing.T) (*index.Index, *kv.RwTxn) {
	t.Helper()
	store, err := kv.OpenInMemory()
	require.NoError(t, err)
	idx := index.New("chunks", store)
	txn, err := idx.WriteTxn()
	require.NoError(t, err)
	t.Cleanup(func() {
		txn.Abort()
		idx.Close()
	})
	return idx, txn
}

type entry struct {
	key   string
	value []byte
}

func reader(t *testing.T, entries ...entry) *spill.Reader {
	t.Helper()
	w, err := spill.NewWriter(spill.Options{TempDir: t.TempDir()})
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Insert([]byte(e.key), e.value))
	}
	r, err := w.Finish()
	require.NoError(t, err)
	return r
}

func postings(t *testing.T, key string, ids ...uint32) entry {
	t.Helper()
	data, err := index.EncodeBitmap(roaring.BitmapOf(ids...))
	require.NoError(t, err)
	return entry{key: key, value: data}
}

func TestWriteUnionsPostingsAndOverwritesExactValues(t *testing.T) {
	idx, txn := newTestTxn(t)
	require.NoError(t, index.PutBitmap(txn, index.WordDocids, []byte("hello"), roaring.BitmapOf(1)))
	require.NoError(t, txn.Put(index.FieldIDDocidFacetStrings, []byte("k"), []byte("old")))

	w := NewWriter(idx, txn, WriterConfig{Expected: map[Kind]int{
		KindWordDocids:               1,
		KindFieldIDDocidFacetStrings: 1,
		KindDocuments:                1,
	}})
	require.NoError(t, w.Write(WordDocids{
		Words:      reader(t, postings(t, "hello", 2), postings(t, "world", 2)),
		ExactWords: reader(t, postings(t, "exact", 2)),
	}))
	require.NoError(t, w.Write(FieldIDDocidFacetStrings{Reader: reader(t, entry{key: "k", value: []byte("new")})}))
	require.NoError(t, w.Write(Documents{Reader: reader(t,
		entry{key: string(index.DocidKey(2)), value: []byte("doc2")},
		entry{key: string(index.DocidKey(3)), value: []byte("doc3")},
	)}))

	hello, err := index.GetBitmap(txn, index.WordDocids, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, hello.ToArray())
	exact, err := index.GetBitmap(txn, index.ExactWordDocids, []byte("exact"))
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, exact.ToArray())
	value, err := txn.Get(index.FieldIDDocidFacetStrings, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(value))

	assert.Equal(t, []uint32{2, 3}, w.DocumentsIDs().ToArray())
	assert.Len(t, w.Words().WordDocids, 1)
	assert.Len(t, w.Words().ExactWordDocids, 1)
	w.Words().Close()
}

func TestDatabaseProgress(t *testing.T) {
	idx, txn := newTestTxn(t)
	var rec progress.Recorder
	w := NewWriter(idx, txn, WriterConfig{
		TotalDocuments: 1,
		Expected:       map[Kind]int{KindWordPositionDocids: 2, KindDocuments: 1},
		Progress:       rec.Record,
	})
	assert.Equal(t, uint64(DatabaseCount-2), w.DatabasesSeen())

	require.NoError(t, w.Write(WordPositionDocids{Reader: reader(t, postings(t, "a\x00\x00\x00\x00\x00", 0))}))
	assert.Equal(t, uint64(DatabaseCount-2), w.DatabasesSeen())
	require.NoError(t, w.Write(WordPositionDocids{Reader: reader(t, postings(t, "b\x00\x00\x00\x00\x00", 0))}))
	assert.Equal(t, uint64(DatabaseCount-1), w.DatabasesSeen())
	require.NoError(t, w.Write(Documents{Reader: reader(t, entry{key: string(index.DocidKey(0)), value: []byte("doc")})}))
	assert.Equal(t, uint64(DatabaseCount), w.DatabasesSeen())

	last, ok := rec.Last("merge_data_into_final_database")
	require.True(t, ok)
	assert.Equal(t, uint64(DatabaseCount), last.Current())
	docs, ok := rec.Last("index_documents")
	require.True(t, ok)
	assert.Equal(t, uint64(1), docs.Current())

	err := w.Write(Documents{Reader: reader(t)})
	assert.ErrorIs(t, err, apperrors.ErrInternal)
	w.Words().Close()
}

func TestVectorDimensionsMustAgree(t *testing.T) {
	idx, txn := newTestTxn(t)
	w := NewWriter(idx, txn, WriterConfig{Expected: map[Kind]int{KindVectorPoints: 2}})
	require.NoError(t, w.Write(VectorPoints{Reader: reader(t), Dimensions: 3}))
	assert.Equal(t, 3, w.VectorDimensions())
	err := w.Write(VectorPoints{Reader: reader(t), Dimensions: 4})
	assert.ErrorIs(t, err, apperrors.ErrInternal)
}

func TestDrainStopsOnFirstError(t *testing.T) {
	idx, txn := newTestTxn(t)
	w := NewWriter(idx, txn, WriterConfig{Expected: map[Kind]int{KindFieldIDFacetExistsDocids: 2}})
	boom := errors.New("boom")

	in := make(chan Result, 3)
	in <- Result{Chunk: FieldIDFacetExistsDocids{Reader: reader(t, postings(t, "\x00\x01", 4))}}
	in <- Result{Err: boom}
	in <- Result{Chunk: FieldIDFacetExistsDocids{Reader: reader(t, postings(t, "\x00\x01", 5))}}
	close(in)

	cancelled := false
	err := w.Drain(in, func() { cancelled = true })
	assert.ErrorIs(t, err, boom)
	assert.True(t, cancelled)

	bm, err := index.GetBitmap(txn, index.FacetIDExistsDocids, []byte("\x00\x01"))
	require.NoError(t, err)
	assert.Equal(t, []uint32{4}, bm.ToArray())
}

func TestDrainHonoursAbort(t *testing.T) {
	idx, txn := newTestTxn(t)
	w := NewWriter(idx, txn, WriterConfig{
		Expected:    map[Kind]int{KindFieldIDFacetIsNullDocids: 1},
		ShouldAbort: func() bool { return true },
	})
	in := make(chan Result, 1)
	in <- Result{Chunk: FieldIDFacetIsNullDocids{Reader: reader(t, postings(t, "\x00\x01", 4))}}
	close(in)

	err := w.Drain(in, func() {})
	assert.ErrorIs(t, err, apperrors.ErrAbortedIndexation)
	raw, err := txn.Get(index.FacetIDIsNullDocids, []byte("\x00\x01"))
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "documents", KindDocuments.String())
	assert.Equal(t, "vector_points", KindVectorPoints.String())
	assert.Equal(t, "unknown", Kind(200).String())
	assert.Equal(t, 15, DatabaseCount)
}
