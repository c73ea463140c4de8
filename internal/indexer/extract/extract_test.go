package extract

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/chunk"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/documents"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/spill"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/transform"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
)

// extracted holds the entries of every fragment of a run, by kind. Bitmap
// values are decoded to their sorted ids.
type extracted struct {
	entries map[chunk.Kind]map[string][]uint32
	exact   map[string][]uint32
	raw     map[chunk.Kind]map[string][]byte
	fields  *index.FieldsIdsMap
	errs    []error
}

func (x *extracted) has(kind chunk.Kind, key []byte) bool {
	_, ok := x.entries[kind][string(key)]
	return ok
}

func (x *extracted) ids(kind chunk.Kind, key []byte) []uint32 {
	return x.entries[kind][string(key)]
}

func (x *extracted) fid(t *testing.T, name string) uint16 {
	t.Helper()
	id, ok := x.fields.ID(name)
	require.True(t, ok, "field %q is unknown", name)
	return id
}

type runOptions struct {
	settings     index.Settings
	maxPositions int
	shouldAbort  func() bool
}

// transformed runs the transform over payload and returns its output.
func transformed(t *testing.T, payload string) (*transform.Output, spill.Options) {
	t.Helper()
	store, err := kv.OpenInMemory()
	require.NoError(t, err)
	idx := index.New("books", store)
	txn, err := idx.WriteTxn()
	require.NoError(t, err)
	t.Cleanup(func() {
		txn.Abort()
		idx.Close()
	})

	spillOpts := spill.Options{TempDir: t.TempDir()}
	tr, err := transform.New(idx, txn, transform.Config{Spill: spillOpts}, nil)
	require.NoError(t, err)
	batch, err := documents.ParseString(payload)
	require.NoError(t, err)
	_, err = tr.ReadDocuments(batch, nil)
	require.NoError(t, err)
	out, err := tr.OutputFromSorter()
	require.NoError(t, err)
	return out, spillOpts
}

func run(t *testing.T, payload string, opts runOptions) *extracted {
	t.Helper()
	out, spillOpts := transformed(t, payload)
	e := New(Params{
		Fields:                    out.FieldsIdsMap,
		Settings:                  opts.settings,
		MaxPositionsPerAttributes: opts.maxPositions,
		MaxThreads:                2,
		Spill:                     spillOpts,
		ShouldAbort:               opts.shouldAbort,
	})
	results := make(chan chunk.Result)
	done := make(chan error, 1)
	original, flattened := out.OriginalDocuments, out.FlattenedDocuments
	go func() {
		done <- e.Run(context.Background(), []*spill.Reader{original}, []*spill.Reader{flattened}, results)
	}()

	x := &extracted{
		entries: make(map[chunk.Kind]map[string][]uint32),
		exact:   make(map[string][]uint32),
		raw:     make(map[chunk.Kind]map[string][]byte),
		fields:  out.FieldsIdsMap,
	}
	for res := range results {
		if res.Err != nil {
			x.errs = append(x.errs, res.Err)
			continue
		}
		x.collect(t, res.Chunk)
		res.Chunk.Close()
	}
	if err := <-done; err != nil {
		require.NotEmpty(t, x.errs)
	}
	return x
}

func (x *extracted) collect(t *testing.T, c chunk.TypedChunk) {
	t.Helper()
	switch v := c.(type) {
	case chunk.WordDocids:
		x.decode(t, c.Kind(), v.Words)
		x.exact = decodeBitmaps(t, v.ExactWords)
	case chunk.Documents:
		x.keep(t, c.Kind(), v.Reader)
	case chunk.GeoPoints:
		x.keep(t, c.Kind(), v.Reader)
	case chunk.VectorPoints:
		x.keep(t, c.Kind(), v.Reader)
	case chunk.FieldIDDocidFacetStrings:
		x.keep(t, c.Kind(), v.Reader)
	case chunk.FieldIDDocidFacetNumbers:
		x.keep(t, c.Kind(), v.Reader)
	case chunk.WordPositionDocids:
		x.decode(t, c.Kind(), v.Reader)
	case chunk.WordFidDocids:
		x.decode(t, c.Kind(), v.Reader)
	case chunk.WordPairProximityDocids:
		x.decode(t, c.Kind(), v.Reader)
	case chunk.FieldIDWordCountDocids:
		x.decode(t, c.Kind(), v.Reader)
	case chunk.FieldIDFacetStringDocids:
		x.decode(t, c.Kind(), v.Reader)
	case chunk.FieldIDFacetNumberDocids:
		x.decode(t, c.Kind(), v.Reader)
	case chunk.FieldIDFacetExistsDocids:
		x.decode(t, c.Kind(), v.Reader)
	case chunk.FieldIDFacetIsNullDocids:
		x.decode(t, c.Kind(), v.Reader)
	case chunk.FieldIDFacetIsEmptyDocids:
		x.decode(t, c.Kind(), v.Reader)
	default:
		t.Fatalf("unexpected chunk %T", c)
	}
}

func (x *extracted) decode(t *testing.T, kind chunk.Kind, r *spill.Reader) {
	x.entries[kind] = decodeBitmaps(t, r)
}

func (x *extracted) keep(t *testing.T, kind chunk.Kind, r *spill.Reader) {
	t.Helper()
	m := make(map[string][]byte)
	c := r.Cursor()
	for c.Next() {
		m[string(c.Key())] = append([]byte(nil), c.Value()...)
	}
	require.NoError(t, c.Err())
	x.raw[kind] = m
}

func decodeBitmaps(t *testing.T, r *spill.Reader) map[string][]uint32 {
	t.Helper()
	m := make(map[string][]uint32)
	c := r.Cursor()
	for c.Next() {
		bm, err := index.DecodeBitmap(c.Value())
		require.NoError(t, err)
		m[string(c.Key())] = bm.ToArray()
	}
	require.NoError(t, c.Err())
	return m
}

func TestBucketedPosition(t *testing.T) {
	tests := []struct {
		in, want uint32
	}{
		{0, 0}, {15, 15}, {16, 24}, {23, 24}, {24, 32}, {33, 64}, {100, 128},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BucketedPosition(tt.in), "position %d", tt.in)
	}
}

func TestNormalizeFacet(t *testing.T) {
	assert.Equal(t, "blue sky", NormalizeFacet("  Blue SKY "))
	long := "a" + strings.Repeat("é", 200)
	got := NormalizeFacet(long)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, 249)
}

func TestWordsPositionsAndPairs(t *testing.T) {
	x := run(t, `[{"id": 0, "title": "hello world", "tags": ["a b", "c"]}]`, runOptions{})
	require.Empty(t, x.errs)
	title := x.fid(t, "title")
	tags := x.fid(t, "tags")

	assert.Equal(t, []uint32{0}, x.ids(chunk.KindWordDocids, []byte("hello")))
	assert.Equal(t, []uint32{0}, x.ids(chunk.KindWordDocids, []byte("world")))
	assert.True(t, x.has(chunk.KindWordPositionDocids, index.WordPositionKey("world", 1)))
	assert.True(t, x.has(chunk.KindWordFidDocids, index.WordFidKey("hello", title)))
	assert.True(t, x.has(chunk.KindWordFidDocids, index.WordFidKey("c", tags)))

	pairs := chunk.KindWordPairProximityDocids
	assert.True(t, x.has(pairs, index.WordPairProximityKey(1, "hello", "world")))
	assert.True(t, x.has(pairs, index.WordPairProximityKey(2, "world", "hello")))
	assert.True(t, x.has(pairs, index.WordPairProximityKey(1, "a", "b")))
	assert.False(t, x.has(pairs, index.WordPairProximityKey(7, "b", "c")), "array elements are far apart")
	assert.True(t, x.has(chunk.KindWordPositionDocids, index.WordPositionKey("c", 9)))

	assert.True(t, x.has(chunk.KindFieldIDWordCountDocids, index.FieldIDWordCountKey(title, 2)))
	assert.Empty(t, x.exact)
}

func TestExactAttributesAndSearchableFields(t *testing.T) {
	x := run(t, `[{"id": 0, "code": "xyz", "title": "hello", "secret": "hidden"}]`, runOptions{
		settings: index.Settings{
			SearchableFields: []string{"code", "title"},
			ExactAttributes:  []string{"code"},
		},
	})
	require.Empty(t, x.errs)
	assert.Equal(t, []uint32{0}, x.exact["xyz"])
	assert.False(t, x.has(chunk.KindWordDocids, []byte("xyz")))
	assert.True(t, x.has(chunk.KindWordDocids, []byte("hello")))
	assert.False(t, x.has(chunk.KindWordDocids, []byte("hidden")))
}

func TestMaxPositionsPerAttribute(t *testing.T) {
	x := run(t, `[{"id": 0, "title": "one two three"}]`, runOptions{maxPositions: 2})
	require.Empty(t, x.errs)
	assert.True(t, x.has(chunk.KindWordDocids, []byte("two")))
	assert.False(t, x.has(chunk.KindWordDocids, []byte("three")))
}

func TestWordCountLimit(t *testing.T) {
	x := run(t, `[{"id": 0, "short": "a b c", "long": "a b c d e f g h i j k"}]`, runOptions{})
	require.Empty(t, x.errs)
	assert.True(t, x.has(chunk.KindFieldIDWordCountDocids, index.FieldIDWordCountKey(x.fid(t, "short"), 3)))
	for count := uint8(1); count <= MaxCountedWords; count++ {
		assert.False(t, x.has(chunk.KindFieldIDWordCountDocids, index.FieldIDWordCountKey(x.fid(t, "long"), count)))
	}
}

func TestFacets(t *testing.T) {
	x := run(t, `[
		{"id": 0, "color": "Red", "price": 10, "meta": {"size": null}},
		{"id": 1, "color": ["red", "Blue"], "price": [1.5, "x"], "flag": true},
		{"id": 2, "color": [], "meta": {}}
	]`, runOptions{settings: index.Settings{FilterableFields: []string{"color", "price", "meta", "flag"}}})
	require.Empty(t, x.errs)
	color := x.fid(t, "color")
	meta := x.fid(t, "meta")
	size := x.fid(t, "meta.size")

	assert.Equal(t, []uint32{0, 1}, x.ids(chunk.KindFieldIDFacetStringDocids, index.FacetStringKey(color, 0, "red")))
	assert.Equal(t, []uint32{1}, x.ids(chunk.KindFieldIDFacetStringDocids, index.FacetStringKey(x.fid(t, "flag"), 0, "true")))
	assert.Equal(t, []uint32{0}, x.ids(chunk.KindFieldIDFacetNumberDocids, index.FacetF64Key(x.fid(t, "price"), 0, 10)))
	assert.Equal(t, []uint32{1}, x.ids(chunk.KindFieldIDFacetNumberDocids, index.FacetF64Key(x.fid(t, "price"), 0, 1.5)))

	assert.Equal(t, []uint32{0, 1, 2}, x.ids(chunk.KindFieldIDFacetExistsDocids, index.FieldIDKey(color)))
	assert.Equal(t, []uint32{0, 2}, x.ids(chunk.KindFieldIDFacetExistsDocids, index.FieldIDKey(meta)))
	assert.Equal(t, []uint32{0}, x.ids(chunk.KindFieldIDFacetIsNullDocids, index.FieldIDKey(size)))
	assert.Equal(t, []uint32{2}, x.ids(chunk.KindFieldIDFacetIsEmptyDocids, index.FieldIDKey(color)))
	assert.Equal(t, []uint32{2}, x.ids(chunk.KindFieldIDFacetIsEmptyDocids, index.FieldIDKey(meta)))

	originals := x.raw[chunk.KindFieldIDDocidFacetStrings]
	assert.Equal(t, "Red", string(originals[string(index.FieldDocidFacetStringKey(color, 0, "red"))]))
	assert.Equal(t, "red", string(originals[string(index.FieldDocidFacetStringKey(color, 1, "red"))]))
}

func TestGeoAndVectorFragments(t *testing.T) {
	x := run(t, `[
		{"id": 0, "_geo": {"lat": 10, "lng": -20.5}, "_vectors": [[1, 2, 3], [4, 5, 6]]},
		{"id": 1, "title": "plain"}
	]`, runOptions{settings: index.Settings{FilterableFields: []string{"_geo"}}})
	require.Empty(t, x.errs)

	geo := x.raw[chunk.KindGeoPoints]
	require.Len(t, geo, 1)
	point, err := index.DecodeGeoPoint(geo[string(index.DocidKey(0))])
	require.NoError(t, err)
	assert.Equal(t, 10.0, point.Lat)
	assert.Equal(t, -20.5, point.Lng)

	vectors := x.raw[chunk.KindVectorPoints]
	require.Len(t, vectors, 2)
	second, err := index.DecodeVector(vectors[string(index.VectorKey(0, 1))])
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 6}, second)

	assert.Len(t, x.raw[chunk.KindDocuments], 2)
	assert.False(t, x.has(chunk.KindWordDocids, []byte("lat")))
	assert.False(t, x.has(chunk.KindFieldIDFacetExistsDocids, index.FieldIDKey(x.fid(t, "_geo.lat"))))
}

func TestAbortIsReportedOnTheChannel(t *testing.T) {
	x := run(t, `[{"id": 0, "title": "hello"}]`, runOptions{shouldAbort: func() bool { return true }})
	require.NotEmpty(t, x.errs)
	for _, err := range x.errs {
		assert.ErrorIs(t, err, apperrors.ErrAbortedIndexation)
	}
}

func TestCancelledRunStartsNoTask(t *testing.T) {
	out, spillOpts := transformed(t, `[{"id": 0, "title": "a"}, {"id": 1, "title": "b"}, {"id": 2, "title": "c"}]`)
	original, err := spill.IntoChunks(out.OriginalDocuments, 1, spillOpts)
	require.NoError(t, err)
	flattened, err := spill.SplitLike(out.FlattenedDocuments, original, spillOpts)
	require.NoError(t, err)
	require.Greater(t, len(original), 1)

	var polls atomic.Int32
	e := New(Params{
		Fields:      out.FieldsIdsMap,
		MaxThreads:  1,
		Spill:       spillOpts,
		ShouldAbort: func() bool { polls.Add(1); return false },
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := make(chan chunk.Result, 64)
	err = e.Run(ctx, original, flattened, results)
	assert.ErrorIs(t, err, context.Canceled)
	for res := range results {
		if res.Chunk != nil {
			res.Chunk.Close()
		}
		t.Errorf("unexpected result %+v", res)
	}
	assert.Zero(t, polls.Load(), "no document was read")
}

func TestEnabledKinds(t *testing.T) {
	fields := index.NewFieldsIdsMap()
	_, err := fields.Insert("title")
	require.NoError(t, err)
	kinds := New(Params{Fields: fields}).EnabledKinds()
	assert.Len(t, kinds, chunk.DatabaseCount-2)
	assert.False(t, kinds[chunk.KindGeoPoints])
	assert.False(t, kinds[chunk.KindVectorPoints])
}
