package extract

import (
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/chunk"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/documents"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/obkv"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/spill"
)

const (
	sortFacetStrings = iota
	sortFacetNumbers
	sortExists
	sortNull
	sortEmpty
	sortFacetCount
)

// extractFacets collects the facet values and the exists, null and empty
// states of every faceted field of a flattened chunk.
func (e *Extractor) extractFacets(r *spill.Reader) ([]chunk.TypedChunk, error) {
	postings := e.newSorters(sortFacetCount, spill.UnionBitmaps)
	exact := e.newSorters(2, spill.KeepFirst)
	abort := func() {
		postings.abort()
		exact.abort()
	}
	err := e.eachDocument(r, func(docid uint32, doc obkv.Document) error {
		single, err := index.EncodeBitmap(roaring.BitmapOf(docid))
		if err != nil {
			return err
		}
		exists := make(map[obkv.FieldID]struct{})
		err = doc.Each(func(fid obkv.FieldID, value []byte) error {
			name, err := e.fieldName(fid)
			if err != nil {
				return err
			}
			if isReserved(name) {
				return nil
			}
			if err := e.markExists(name, fid, exists); err != nil {
				return err
			}
			if !e.params.Settings.IsFaceted(name) {
				return nil
			}
			v, err := decodeField(name, value)
			if err != nil {
				return err
			}
			key := index.FieldIDKey(fid)
			if v == nil {
				if err := postings[sortNull].Insert(key, single); err != nil {
					return err
				}
			}
			if isEmpty(v) {
				if err := postings[sortEmpty].Insert(key, single); err != nil {
					return err
				}
			}
			return e.insertFacetValues(fid, docid, v, single, postings, exact)
		})
		if err != nil {
			return err
		}
		for fid := range exists {
			if err := postings[sortExists].Insert(index.FieldIDKey(fid), single); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		abort()
		return nil, err
	}
	readers, err := postings.finish()
	if err != nil {
		exact.abort()
		return nil, err
	}
	exactReaders, err := exact.finish()
	if err != nil {
		for _, r := range readers {
			r.Close()
		}
		return nil, err
	}
	return []chunk.TypedChunk{
		chunk.FieldIDFacetStringDocids{Reader: readers[sortFacetStrings]},
		chunk.FieldIDFacetNumberDocids{Reader: readers[sortFacetNumbers]},
		chunk.FieldIDFacetExistsDocids{Reader: readers[sortExists]},
		chunk.FieldIDFacetIsNullDocids{Reader: readers[sortNull]},
		chunk.FieldIDFacetIsEmptyDocids{Reader: readers[sortEmpty]},
		chunk.FieldIDDocidFacetStrings{Reader: exactReaders[0]},
		chunk.FieldIDDocidFacetNumbers{Reader: exactReaders[1]},
	}, nil
}

// markExists records that a field and every faceted ancestor of it exist.
func (e *Extractor) markExists(name string, fid obkv.FieldID, exists map[obkv.FieldID]struct{}) error {
	if e.params.Settings.IsFaceted(name) {
		exists[fid] = struct{}{}
	}
	for _, ancestor := range documents.Ancestors(name) {
		if !e.params.Settings.IsFaceted(ancestor) {
			continue
		}
		id, ok := e.params.Fields.ID(ancestor)
		if !ok {
			return nil
		}
		exists[id] = struct{}{}
	}
	return nil
}

func (e *Extractor) insertFacetValues(fid obkv.FieldID, docid uint32, v any, single []byte, postings, exact sorters) error {
	switch t := v.(type) {
	case []any:
		for _, elem := range t {
			if err := e.insertFacetValues(fid, docid, elem, single, postings, exact); err != nil {
				return err
			}
		}
	case json.Number:
		f, err := t.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		if err := postings[sortFacetNumbers].Insert(index.FacetF64Key(fid, 0, f), single); err != nil {
			return err
		}
		return exact[1].Insert(index.FieldDocidFacetF64Key(fid, docid, f), nil)
	case string:
		return e.insertFacetString(fid, docid, t, single, postings, exact)
	case bool:
		s := "false"
		if t {
			s = "true"
		}
		return e.insertFacetString(fid, docid, s, single, postings, exact)
	}
	return nil
}

func (e *Extractor) insertFacetString(fid obkv.FieldID, docid uint32, original string, single []byte, postings, exact sorters) error {
	normalized := NormalizeFacet(original)
	if normalized == "" {
		return nil
	}
	if err := postings[sortFacetStrings].Insert(index.FacetStringKey(fid, 0, normalized), single); err != nil {
		return err
	}
	return exact[0].Insert(index.FieldDocidFacetStringKey(fid, docid, normalized), []byte(original))
}

// NormalizeFacet lower-cases and trims a facet string and truncates it to
// MaxFacetValueLength bytes on a character boundary.
func NormalizeFacet(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) <= MaxFacetValueLength {
		return s
	}
	cut := MaxFacetValueLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case documents.Object:
		return len(t) == 0
	}
	return false
}
