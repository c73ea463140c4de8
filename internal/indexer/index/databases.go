package index

import "github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"

// Named databases of an index. Each is a key namespace in the store.
const (
	Main kv.Database = iota
	WordDocids
	ExactWordDocids
	WordPrefixDocids
	ExactWordPrefixDocids
	WordPairProximityDocids
	WordPrefixPairProximityDocids
	PrefixWordPairProximityDocids
	WordPositionDocids
	WordPrefixPositionDocids
	WordFidDocids
	WordPrefixFidDocids
	FieldIDWordCountDocids
	FacetIDStringDocids
	FacetIDF64Docids
	FacetIDExistsDocids
	FacetIDIsNullDocids
	FacetIDIsEmptyDocids
	FieldIDDocidFacetStrings
	FieldIDDocidFacetF64s
	Documents
	ExternalDocumentsIDs
	DocidExternalIDs
	GeoPoints
	VectorPoints
)

var databaseNames = map[kv.Database]string{
	Main:                          "main",
	WordDocids:                    "word_docids",
	ExactWordDocids:               "exact_word_docids",
	WordPrefixDocids:              "word_prefix_docids",
	ExactWordPrefixDocids:         "exact_word_prefix_docids",
	WordPairProximityDocids:       "word_pair_proximity_docids",
	WordPrefixPairProximityDocids: "word_prefix_pair_proximity_docids",
	PrefixWordPairProximityDocids: "prefix_word_pair_proximity_docids",
	WordPositionDocids:            "word_position_docids",
	WordPrefixPositionDocids:      "word_prefix_position_docids",
	WordFidDocids:                 "word_fid_docids",
	WordPrefixFidDocids:           "word_prefix_fid_docids",
	FieldIDWordCountDocids:        "field_id_word_count_docids",
	FacetIDStringDocids:           "facet_id_string_docids",
	FacetIDF64Docids:              "facet_id_f64_docids",
	FacetIDExistsDocids:           "facet_id_exists_docids",
	FacetIDIsNullDocids:           "facet_id_is_null_docids",
	FacetIDIsEmptyDocids:          "facet_id_is_empty_docids",
	FieldIDDocidFacetStrings:      "field_id_docid_facet_strings",
	FieldIDDocidFacetF64s:         "field_id_docid_facet_f64s",
	Documents:                     "documents",
	ExternalDocumentsIDs:          "external_documents_ids",
	DocidExternalIDs:              "docid_external_ids",
	GeoPoints:                     "geo_points",
	VectorPoints:                  "vector_points",
}

// DatabaseName returns the human-readable name of db.
func DatabaseName(db kv.Database) string {
	if name, ok := databaseNames[db]; ok {
		return name
	}
	return "unknown"
}

// BitmapDatabases hold a postings bitmap per key.
var BitmapDatabases = []kv.Database{
	WordDocids,
	ExactWordDocids,
	WordPrefixDocids,
	ExactWordPrefixDocids,
	WordPairProximityDocids,
	WordPrefixPairProximityDocids,
	PrefixWordPairProximityDocids,
	WordPositionDocids,
	WordPrefixPositionDocids,
	WordFidDocids,
	WordPrefixFidDocids,
	FieldIDWordCountDocids,
	FacetIDStringDocids,
	FacetIDF64Docids,
	FacetIDExistsDocids,
	FacetIDIsNullDocids,
	FacetIDIsEmptyDocids,
}

// DocidKeyedDatabases have keys starting with a document id.
var DocidKeyedDatabases = []kv.Database{
	Documents,
	GeoPoints,
	VectorPoints,
}

// FieldDocidKeyedDatabases have keys made of a field id then a document id.
var FieldDocidKeyedDatabases = []kv.Database{
	FieldIDDocidFacetStrings,
	FieldIDDocidFacetF64s,
}
