// Package chunk defines the typed fragments produced by the extraction
// workers and the stage that merges them into the index databases.
package chunk

import (
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/spill"
)

// Kind identifies the target database family of a TypedChunk.
type Kind uint8

const (
	KindDocuments Kind = iota
	KindFieldIDWordCountDocids
	KindWordDocids
	KindWordPositionDocids
	KindWordFidDocids
	KindWordPairProximityDocids
	KindFieldIDFacetStringDocids
	KindFieldIDFacetNumberDocids
	KindFieldIDDocidFacetStrings
	KindFieldIDDocidFacetNumbers
	KindFieldIDFacetExistsDocids
	KindFieldIDFacetIsNullDocids
	KindFieldIDFacetIsEmptyDocids
	KindGeoPoints
	KindVectorPoints
)

// DatabaseCount is the number of database families a run reports progress on.
const DatabaseCount = int(KindVectorPoints) + 1

var kindNames = [...]string{
	"documents",
	"field_id_word_count_docids",
	"word_docids",
	"word_position_docids",
	"word_fid_docids",
	"word_pair_proximity_docids",
	"field_id_facet_string_docids",
	"field_id_facet_number_docids",
	"field_id_docid_facet_strings",
	"field_id_docid_facet_numbers",
	"field_id_facet_exists_docids",
	"field_id_facet_is_null_docids",
	"field_id_facet_is_empty_docids",
	"geo_points",
	"vector_points",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// TypedChunk is one extraction result. Its readers hold strictly increasing
// unique keys and are owned by whoever holds the chunk.
type TypedChunk interface {
	Kind() Kind
	// Close releases the chunk's readers.
	Close()
}

// Documents carries original documents keyed by document id.
type Documents struct{ Reader *spill.Reader }

// FieldIDWordCountDocids maps (field id, word count) to documents.
type FieldIDWordCountDocids struct{ Reader *spill.Reader }

// WordDocids maps words to documents, split between regular and exact
// attributes.
type WordDocids struct {
	Words      *spill.Reader
	ExactWords *spill.Reader
}

// WordPositionDocids maps (word, bucketed position) to documents.
type WordPositionDocids struct{ Reader *spill.Reader }

// WordFidDocids maps (word, field id) to documents.
type WordFidDocids struct{ Reader *spill.Reader }

// WordPairProximityDocids maps (proximity, word, word) to documents.
type WordPairProximityDocids struct{ Reader *spill.Reader }

// FieldIDFacetStringDocids maps (field id, level, normalized string) to documents.
type FieldIDFacetStringDocids struct{ Reader *spill.Reader }

// FieldIDFacetNumberDocids maps (field id, level, number) to documents.
type FieldIDFacetNumberDocids struct{ Reader *spill.Reader }

// FieldIDDocidFacetStrings maps (field id, document id, normalized string) to
// the original string.
type FieldIDDocidFacetStrings struct{ Reader *spill.Reader }

// FieldIDDocidFacetNumbers maps (field id, document id, number) to nothing.
type FieldIDDocidFacetNumbers struct{ Reader *spill.Reader }

// FieldIDFacetExistsDocids maps a field id to documents where it exists.
type FieldIDFacetExistsDocids struct{ Reader *spill.Reader }

// FieldIDFacetIsNullDocids maps a field id to documents where it is null.
type FieldIDFacetIsNullDocids struct{ Reader *spill.Reader }

// FieldIDFacetIsEmptyDocids maps a field id to documents where it is empty.
type FieldIDFacetIsEmptyDocids struct{ Reader *spill.Reader }

// GeoPoints maps a document id to its encoded point.
type GeoPoints struct{ Reader *spill.Reader }

// VectorPoints maps (document id, vector index) to an encoded vector.
type VectorPoints struct {
	Reader     *spill.Reader
	Dimensions int
}

func (Documents) Kind() Kind                 { return KindDocuments }
func (FieldIDWordCountDocids) Kind() Kind    { return KindFieldIDWordCountDocids }
func (WordDocids) Kind() Kind                { return KindWordDocids }
func (WordPositionDocids) Kind() Kind        { return KindWordPositionDocids }
func (WordFidDocids) Kind() Kind             { return KindWordFidDocids }
func (WordPairProximityDocids) Kind() Kind   { return KindWordPairProximityDocids }
func (FieldIDFacetStringDocids) Kind() Kind  { return KindFieldIDFacetStringDocids }
func (FieldIDFacetNumberDocids) Kind() Kind  { return KindFieldIDFacetNumberDocids }
func (FieldIDDocidFacetStrings) Kind() Kind  { return KindFieldIDDocidFacetStrings }
func (FieldIDDocidFacetNumbers) Kind() Kind  { return KindFieldIDDocidFacetNumbers }
func (FieldIDFacetExistsDocids) Kind() Kind  { return KindFieldIDFacetExistsDocids }
func (FieldIDFacetIsNullDocids) Kind() Kind  { return KindFieldIDFacetIsNullDocids }
func (FieldIDFacetIsEmptyDocids) Kind() Kind { return KindFieldIDFacetIsEmptyDocids }
func (GeoPoints) Kind() Kind                 { return KindGeoPoints }
func (VectorPoints) Kind() Kind              { return KindVectorPoints }

func (c Documents) Close()                 { closeAll(c.Reader) }
func (c FieldIDWordCountDocids) Close()    { closeAll(c.Reader) }
func (c WordDocids) Close()                { closeAll(c.Words, c.ExactWords) }
func (c WordPositionDocids) Close()        { closeAll(c.Reader) }
func (c WordFidDocids) Close()             { closeAll(c.Reader) }
func (c WordPairProximityDocids) Close()   { closeAll(c.Reader) }
func (c FieldIDFacetStringDocids) Close()  { closeAll(c.Reader) }
func (c FieldIDFacetNumberDocids) Close()  { closeAll(c.Reader) }
func (c FieldIDDocidFacetStrings) Close()  { closeAll(c.Reader) }
func (c FieldIDDocidFacetNumbers) Close()  { closeAll(c.Reader) }
func (c FieldIDFacetExistsDocids) Close()  { closeAll(c.Reader) }
func (c FieldIDFacetIsNullDocids) Close()  { closeAll(c.Reader) }
func (c FieldIDFacetIsEmptyDocids) Close() { closeAll(c.Reader) }
func (c GeoPoints) Close()                 { closeAll(c.Reader) }
func (c VectorPoints) Close()              { closeAll(c.Reader) }

func closeAll(readers ...*spill.Reader) {
	for _, r := range readers {
		if r != nil {
			r.Close()
		}
	}
}

// Result is what extraction workers send on the completion channel: a chunk
// or the error that stopped a worker.
type Result struct {
	Chunk TypedChunk
	Err   error
}
