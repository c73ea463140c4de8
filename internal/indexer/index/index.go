// Package index is the persistent side of an index: the named databases kept
// in the store, the main metadata (fields ids map, primary key, document ids,
// settings, word automata) and the read accessors used downstream. Postings of
// soft-deleted documents are masked by the accessors.
package index

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/blevesearch/vellum"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/obkv"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
)

// Keys of the main database.
var (
	keyFieldsIdsMap           = []byte("fields-ids-map")
	keyPrimaryKey             = []byte("primary-key")
	keyDocumentsIDs           = []byte("documents-ids")
	keySoftDeletedDocumentIDs = []byte("soft-deleted-documents-ids")
	keyFieldDistribution      = []byte("fields-distribution")
	keyWordsFST               = []byte("words-fst")
	keyWordsPrefixesFST       = []byte("words-prefixes-fst")
	keySettings               = []byte("settings")
	keyGeoFacetedDocumentsIDs = []byte("geo-faceted-documents-ids")
	keyVectorDimensions       = []byte("vector-dimensions")
)

// FieldDistribution counts, per field name, the documents containing it.
type FieldDistribution map[string]uint64

// Settings are the index settings read by the pipeline.
type Settings struct {
	// SearchableFields restricts word extraction. Nil means every field.
	SearchableFields []string `json:"searchableFields,omitempty"`
	FilterableFields []string `json:"filterableFields,omitempty"`
	SortableFields   []string `json:"sortableFields,omitempty"`
	StopWords        []string `json:"stopWords,omitempty"`
	Separators       []string `json:"separators,omitempty"`
	Dictionary       []string `json:"dictionary,omitempty"`
	ExactAttributes  []string `json:"exactAttributes,omitempty"`
}

// FacetedFields returns the filterable and sortable fields.
func (s Settings) FacetedFields() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range append(append([]string(nil), s.FilterableFields...), s.SortableFields...) {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// IsSearchable reports whether field (a flattened path) is searchable.
func (s Settings) IsSearchable(field string) bool {
	if s.SearchableFields == nil {
		return true
	}
	return matchesAny(field, s.SearchableFields)
}

// IsFaceted reports whether field is filterable or sortable.
func (s Settings) IsFaceted(field string) bool {
	return matchesAny(field, s.FilterableFields) || matchesAny(field, s.SortableFields)
}

// IsExact reports whether field is an exact attribute.
func (s Settings) IsExact(field string) bool {
	return matchesAny(field, s.ExactAttributes)
}

// GeoEnabled reports whether _geo is faceted.
func (s Settings) GeoEnabled() bool {
	return s.IsFaceted("_geo")
}

// matchesAny reports whether field equals one of selectors or is nested
// under one of them.
func matchesAny(field string, selectors []string) bool {
	for _, sel := range selectors {
		if sel == "*" || field == sel || strings.HasPrefix(field, sel+".") {
			return true
		}
	}
	return false
}

// Index is one index: a store and its accessors.
type Index struct {
	uid    string
	store  *kv.Store
	logger *slog.Logger
}

// Open opens the index stored in dir.
func Open(uid, dir string, opts kv.Options) (*Index, error) {
	store, err := kv.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", uid, err)
	}
	return New(uid, store), nil
}

// New wraps an already opened store.
func New(uid string, store *kv.Store) *Index {
	return &Index{
		uid:    uid,
		store:  store,
		logger: slog.Default().With("component", "index", "index", uid),
	}
}

func (idx *Index) UID() string {
	return idx.uid
}

func (idx *Index) Store() *kv.Store {
	return idx.store
}

// WriteTxn starts the exclusive write transaction of the index.
func (idx *Index) WriteTxn() (*kv.RwTxn, error) {
	return idx.store.BeginWrite()
}

// ReadTxn starts a snapshot read transaction.
func (idx *Index) ReadTxn() *kv.RoTxn {
	return idx.store.BeginRead()
}

func (idx *Index) Close() error {
	return idx.store.Close()
}

func getJSON(r kv.Reader, key []byte, out any) (bool, error) {
	data, err := r.Get(Main, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decoding main key %s: %w", key, err)
	}
	return true, nil
}

func putJSON(w kv.Writer, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding main key %s: %w", key, err)
	}
	return w.Put(Main, key, data)
}

func (idx *Index) FieldsIdsMap(r kv.Reader) (*FieldsIdsMap, error) {
	m := NewFieldsIdsMap()
	if _, err := getJSON(r, keyFieldsIdsMap, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (idx *Index) PutFieldsIdsMap(w kv.Writer, m *FieldsIdsMap) error {
	return putJSON(w, keyFieldsIdsMap, m)
}

// PrimaryKey returns the primary key name, empty when not yet known.
func (idx *Index) PrimaryKey(r kv.Reader) (string, error) {
	data, err := r.Get(Main, keyPrimaryKey)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (idx *Index) PutPrimaryKey(w kv.Writer, pk string) error {
	return w.Put(Main, keyPrimaryKey, []byte(pk))
}

func (idx *Index) bitmap(r kv.Reader, key []byte) (*roaring.Bitmap, error) {
	return GetBitmap(r, Main, key)
}

func (idx *Index) putBitmap(w kv.Writer, key []byte, bm *roaring.Bitmap) error {
	data, err := EncodeBitmap(bm)
	if err != nil {
		return err
	}
	return w.Put(Main, key, data)
}

// DocumentsIDs returns the ids of live documents.
func (idx *Index) DocumentsIDs(r kv.Reader) (*roaring.Bitmap, error) {
	return idx.bitmap(r, keyDocumentsIDs)
}

func (idx *Index) PutDocumentsIDs(w kv.Writer, bm *roaring.Bitmap) error {
	return idx.putBitmap(w, keyDocumentsIDs, bm)
}

// SoftDeletedDocumentsIDs returns ids deleted but whose postings remain.
func (idx *Index) SoftDeletedDocumentsIDs(r kv.Reader) (*roaring.Bitmap, error) {
	return idx.bitmap(r, keySoftDeletedDocumentIDs)
}

func (idx *Index) PutSoftDeletedDocumentsIDs(w kv.Writer, bm *roaring.Bitmap) error {
	return idx.putBitmap(w, keySoftDeletedDocumentIDs, bm)
}

// NumberOfDocuments returns the live documents count.
func (idx *Index) NumberOfDocuments(r kv.Reader) (uint64, error) {
	bm, err := idx.DocumentsIDs(r)
	if err != nil {
		return 0, err
	}
	return bm.GetCardinality(), nil
}

func (idx *Index) FieldDistribution(r kv.Reader) (FieldDistribution, error) {
	fd := make(FieldDistribution)
	if _, err := getJSON(r, keyFieldDistribution, &fd); err != nil {
		return nil, err
	}
	return fd, nil
}

func (idx *Index) PutFieldDistribution(w kv.Writer, fd FieldDistribution) error {
	return putJSON(w, keyFieldDistribution, fd)
}

func (idx *Index) Settings(r kv.Reader) (Settings, error) {
	var s Settings
	if _, err := getJSON(r, keySettings, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (idx *Index) PutSettings(w kv.Writer, s Settings) error {
	return putJSON(w, keySettings, s)
}

// GeoFacetedDocumentsIDs returns the documents with a _geo point.
func (idx *Index) GeoFacetedDocumentsIDs(r kv.Reader) (*roaring.Bitmap, error) {
	return idx.bitmap(r, keyGeoFacetedDocumentsIDs)
}

func (idx *Index) PutGeoFacetedDocumentsIDs(w kv.Writer, bm *roaring.Bitmap) error {
	return idx.putBitmap(w, keyGeoFacetedDocumentsIDs, bm)
}

// VectorDimensions returns the dimension of stored vectors, 0 when none.
func (idx *Index) VectorDimensions(r kv.Reader) (int, error) {
	var dims int
	if _, err := getJSON(r, keyVectorDimensions, &dims); err != nil {
		return 0, err
	}
	return dims, nil
}

func (idx *Index) PutVectorDimensions(w kv.Writer, dims int) error {
	return putJSON(w, keyVectorDimensions, dims)
}

// WordsFST returns the automaton of every indexed word, nil when empty.
func (idx *Index) WordsFST(r kv.Reader) (*vellum.FST, error) {
	return loadFST(r, keyWordsFST)
}

func (idx *Index) PutWordsFST(w kv.Writer, data []byte) error {
	return w.Put(Main, keyWordsFST, data)
}

// WordsPrefixesFST returns the prefix automaton, nil when empty.
func (idx *Index) WordsPrefixesFST(r kv.Reader) (*vellum.FST, error) {
	return loadFST(r, keyWordsPrefixesFST)
}

func (idx *Index) PutWordsPrefixesFST(w kv.Writer, data []byte) error {
	return w.Put(Main, keyWordsPrefixesFST, data)
}

func loadFST(r kv.Reader, key []byte) (*vellum.FST, error) {
	data, err := r.Get(Main, key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	fst, err := vellum.Load(data)
	if err != nil {
		return nil, fmt.Errorf("loading automaton %s: %w", key, err)
	}
	return fst, nil
}

// ExternalID returns the document id of an external id.
func (idx *Index) ExternalID(r kv.Reader, external string) (uint32, bool, error) {
	data, err := r.Get(ExternalDocumentsIDs, []byte(external))
	if err != nil || data == nil {
		return 0, false, err
	}
	id, err := DecodeDocid(data)
	if err != nil {
		return 0, false, fmt.Errorf("decoding external id %q: %w", external, err)
	}
	return id, true, nil
}

// DocidExternalID returns the external id of a document id.
func (idx *Index) DocidExternalID(r kv.Reader, docid uint32) (string, bool, error) {
	data, err := r.Get(DocidExternalIDs, DocidKey(docid))
	if err != nil || data == nil {
		return "", false, err
	}
	return string(data), true, nil
}

// PutExternalID records both directions of the external id mapping.
func (idx *Index) PutExternalID(w kv.Writer, external string, docid uint32) error {
	if err := w.Put(ExternalDocumentsIDs, []byte(external), DocidKey(docid)); err != nil {
		return err
	}
	return w.Put(DocidExternalIDs, DocidKey(docid), []byte(external))
}

// DeleteExternalID removes both directions of the mapping of docid.
func (idx *Index) DeleteExternalID(w kv.Writer, docid uint32) error {
	external, ok, err := idx.DocidExternalID(w, docid)
	if err != nil || !ok {
		return err
	}
	current, found, err := idx.ExternalID(w, external)
	if err != nil {
		return err
	}
	if found && current == docid {
		if err := w.Delete(ExternalDocumentsIDs, []byte(external)); err != nil {
			return err
		}
	}
	return w.Delete(DocidExternalIDs, DocidKey(docid))
}

// Document returns the stored original document of a live document id.
func (idx *Index) Document(r kv.Reader, docid uint32) (obkv.Document, bool, error) {
	soft, err := idx.SoftDeletedDocumentsIDs(r)
	if err != nil {
		return nil, false, err
	}
	if soft.Contains(docid) {
		return nil, false, nil
	}
	data, err := r.Get(Documents, DocidKey(docid))
	if err != nil || data == nil {
		return nil, false, err
	}
	return obkv.Document(data), true, nil
}

// DocumentJSON returns a live document as a field name to raw JSON map.
func (idx *Index) DocumentJSON(r kv.Reader, docid uint32) (map[string]json.RawMessage, bool, error) {
	doc, ok, err := idx.Document(r, docid)
	if err != nil || !ok {
		return nil, ok, err
	}
	fields, err := idx.FieldsIdsMap(r)
	if err != nil {
		return nil, false, err
	}
	out := make(map[string]json.RawMessage)
	err = doc.Each(func(id obkv.FieldID, value []byte) error {
		name, ok := fields.Name(id)
		if !ok {
			return fmt.Errorf("field id %d is missing from the fields ids map", id)
		}
		out[name] = json.RawMessage(append([]byte(nil), value...))
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Postings returns the postings of key in db with soft-deleted documents
// masked out.
func (idx *Index) Postings(r kv.Reader, db kv.Database, key []byte) (*roaring.Bitmap, error) {
	bm, err := GetBitmap(r, db, key)
	if err != nil {
		return nil, err
	}
	soft, err := idx.SoftDeletedDocumentsIDs(r)
	if err != nil {
		return nil, err
	}
	bm.AndNot(soft)
	return bm, nil
}

// WordDocids returns the live documents containing word.
func (idx *Index) WordDocids(r kv.Reader, word string) (*roaring.Bitmap, error) {
	return idx.Postings(r, WordDocids, []byte(word))
}

// WordPrefixDocids returns the live documents containing a word starting
// with prefix, as stored in the prefix database.
func (idx *Index) WordPrefixDocids(r kv.Reader, prefix string) (*roaring.Bitmap, error) {
	return idx.Postings(r, WordPrefixDocids, []byte(prefix))
}

// FacetExistsDocids returns the live documents where field exists.
func (idx *Index) FacetExistsDocids(r kv.Reader, fid obkv.FieldID) (*roaring.Bitmap, error) {
	return idx.Postings(r, FacetIDExistsDocids, FieldIDKey(fid))
}

// FacetIsNullDocids returns the live documents where field is null.
func (idx *Index) FacetIsNullDocids(r kv.Reader, fid obkv.FieldID) (*roaring.Bitmap, error) {
	return idx.Postings(r, FacetIDIsNullDocids, FieldIDKey(fid))
}

// FacetIsEmptyDocids returns the live documents where field is empty.
func (idx *Index) FacetIsEmptyDocids(r kv.Reader, fid obkv.FieldID) (*roaring.Bitmap, error) {
	return idx.Postings(r, FacetIDIsEmptyDocids, FieldIDKey(fid))
}

// Words lists every word of the words automaton in order.
func (idx *Index) Words(r kv.Reader) ([]string, error) {
	fst, err := idx.WordsFST(r)
	if err != nil || fst == nil {
		return nil, err
	}
	return FSTKeys(fst)
}

// Prefixes lists every prefix of the prefix automaton in order.
func (idx *Index) Prefixes(r kv.Reader) ([]string, error) {
	fst, err := idx.WordsPrefixesFST(r)
	if err != nil || fst == nil {
		return nil, err
	}
	return FSTKeys(fst)
}

// FSTKeys returns every key of fst in order.
func FSTKeys(fst *vellum.FST) ([]string, error) {
	var out []string
	it, err := fst.Iterator(nil, nil)
	for err == nil {
		key, _ := it.Current()
		out = append(out, string(key))
		err = it.Next()
	}
	if err != vellum.ErrIteratorDone {
		return nil, fmt.Errorf("iterating automaton: %w", err)
	}
	return out, nil
}
