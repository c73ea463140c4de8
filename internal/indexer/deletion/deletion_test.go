package deletion

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/documents"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/obkv"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
)

// seed writes three documents by hand: each has an id and a title field,
// word postings for its title and a facet value.
func seed(t *testing.T) (*index.Index, *kv.RwTxn) {
	t.Helper()
	store, err := kv.OpenInMemory()
	require.NoError(t, err)
	idx := index.New("library", store)
	txn, err := idx.WriteTxn()
	require.NoError(t, err)
	t.Cleanup(func() {
		txn.Abort()
		idx.Close()
	})

	fields := index.NewFieldsIdsMap()
	idField, err := fields.Insert("id")
	require.NoError(t, err)
	titleField, err := fields.Insert("title")
	require.NoError(t, err)
	require.NoError(t, idx.PutFieldsIdsMap(txn, fields))

	titles := []string{"dune", "dune messiah", "emma"}
	for docid, title := range titles {
		external := string(rune('a' + docid))
		id, err := documents.EncodeValue(external)
		require.NoError(t, err)
		value, err := documents.EncodeValue(title)
		require.NoError(t, err)
		doc := obkv.FromMap(map[obkv.FieldID][]byte{idField: id, titleField: value})
		require.NoError(t, txn.Put(index.Documents, index.DocidKey(uint32(docid)), doc))
		require.NoError(t, idx.PutExternalID(txn, external, uint32(docid)))
		require.NoError(t, txn.Put(index.FieldIDDocidFacetStrings, index.FieldDocidFacetStringKey(titleField, uint32(docid), title), []byte(title)))
		require.NoError(t, index.UnionBitmap(txn, index.FacetIDExistsDocids, index.FieldIDKey(titleField), roaring.BitmapOf(uint32(docid))))
	}
	require.NoError(t, index.PutBitmap(txn, index.WordDocids, []byte("dune"), roaring.BitmapOf(0, 1)))
	require.NoError(t, index.PutBitmap(txn, index.WordDocids, []byte("messiah"), roaring.BitmapOf(1)))
	require.NoError(t, index.PutBitmap(txn, index.WordDocids, []byte("emma"), roaring.BitmapOf(2)))
	require.NoError(t, index.PutBitmap(txn, index.WordPrefixDocids, []byte("d"), roaring.BitmapOf(0, 1)))
	require.NoError(t, txn.Put(index.GeoPoints, index.DocidKey(1), index.EncodeGeoPoint(index.NewGeoPoint(1, 2))))
	require.NoError(t, idx.PutGeoFacetedDocumentsIDs(txn, roaring.BitmapOf(1)))
	require.NoError(t, idx.PutDocumentsIDs(txn, roaring.BitmapOf(0, 1, 2)))
	require.NoError(t, idx.PutFieldDistribution(txn, index.FieldDistribution{"id": 3, "title": 3}))
	require.NoError(t, idx.RebuildWordsFST(txn))
	return idx, txn
}

// deleteExternal resolves external ids and deletes them the way the
// pipeline does, rebuilding the words automaton afterwards.
func deleteExternal(t *testing.T, txn *kv.RwTxn, idx *index.Index, strategy Strategy, externalIDs ...string) Result {
	t.Helper()
	docids := roaring.New()
	for _, external := range externalIDs {
		docid, ok, err := idx.ExternalID(txn, external)
		require.NoError(t, err)
		if ok {
			docids.Add(docid)
		}
	}
	res, err := DeleteDocuments(txn, idx, docids, Options{Strategy: strategy})
	require.NoError(t, err)
	require.NoError(t, idx.RebuildWordsFST(txn))
	return res
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"": Soft, "soft": Soft, "always-hard": AlwaysHard, "hard": AlwaysHard} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStrategy("later")
	assert.Error(t, err)
}

func TestSoftDeletion(t *testing.T) {
	idx, txn := seed(t)
	res := deleteExternal(t, txn, idx, Soft, "b", "unknown")
	assert.Equal(t, Result{DeletedDocuments: 1, RemainingDocuments: 2}, res)

	soft, err := idx.SoftDeletedDocumentsIDs(txn)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, soft.ToArray())
	raw, err := index.GetBitmap(txn, index.WordDocids, []byte("messiah"))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, raw.ToArray())
	masked, err := idx.WordDocids(txn, "messiah")
	require.NoError(t, err)
	assert.True(t, masked.IsEmpty())

	_, ok, err := idx.ExternalID(txn, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSoftDeletionHardensWhenOutgrowingLiveDocuments(t *testing.T) {
	idx, txn := seed(t)
	deleteExternal(t, txn, idx, Soft, "a")
	res := deleteExternal(t, txn, idx, Soft, "b")
	assert.True(t, res.Purged)

	soft, err := idx.SoftDeletedDocumentsIDs(txn)
	require.NoError(t, err)
	assert.True(t, soft.IsEmpty())
	raw, err := txn.Get(index.WordDocids, []byte("dune"))
	require.NoError(t, err)
	assert.Nil(t, raw)
	prefix, err := txn.Get(index.WordPrefixDocids, []byte("d"))
	require.NoError(t, err)
	assert.Nil(t, prefix)
}

func TestHardDeletionPurgesEveryDatabase(t *testing.T) {
	idx, txn := seed(t)
	res := deleteExternal(t, txn, idx, AlwaysHard, "b")
	assert.True(t, res.Purged)
	assert.Equal(t, uint64(2), res.RemainingDocuments)

	dune, err := index.GetBitmap(txn, index.WordDocids, []byte("dune"))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, dune.ToArray())
	messiah, err := txn.Get(index.WordDocids, []byte("messiah"))
	require.NoError(t, err)
	assert.Nil(t, messiah)
	prefix, err := index.GetBitmap(txn, index.WordPrefixDocids, []byte("d"))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, prefix.ToArray())

	doc, err := txn.Get(index.Documents, index.DocidKey(1))
	require.NoError(t, err)
	assert.Nil(t, doc)
	geo, err := txn.Get(index.GeoPoints, index.DocidKey(1))
	require.NoError(t, err)
	assert.Nil(t, geo)
	geoIDs, err := idx.GeoFacetedDocumentsIDs(txn)
	require.NoError(t, err)
	assert.True(t, geoIDs.IsEmpty())

	fields, err := idx.FieldsIdsMap(txn)
	require.NoError(t, err)
	title, _ := fields.ID("title")
	facet, err := txn.Get(index.FieldIDDocidFacetStrings, index.FieldDocidFacetStringKey(title, 1, "dune messiah"))
	require.NoError(t, err)
	assert.Nil(t, facet)
	exists, err := index.GetBitmap(txn, index.FacetIDExistsDocids, index.FieldIDKey(title))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 2}, exists.ToArray())

	words, err := idx.Words(txn)
	require.NoError(t, err)
	assert.Equal(t, []string{"dune", "emma"}, words)
}

func TestDeleteDocumentsIgnoresUnknownIDs(t *testing.T) {
	idx, txn := seed(t)
	res, err := DeleteDocuments(txn, idx, roaring.BitmapOf(7, 9), Options{Strategy: AlwaysHard})
	require.NoError(t, err)
	assert.Equal(t, Result{RemainingDocuments: 3}, res)
}

func TestDeletionLeavesFieldDistribution(t *testing.T) {
	idx, txn := seed(t)
	_, err := DeleteDocuments(txn, idx, roaring.BitmapOf(0), Options{Strategy: AlwaysHard})
	require.NoError(t, err)
	fd, err := idx.FieldDistribution(txn)
	require.NoError(t, err)
	assert.Equal(t, index.FieldDistribution{"id": 3, "title": 3}, fd)
}
