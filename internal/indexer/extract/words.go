package extract

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/chunk"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/documents"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/obkv"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/spill"
)

const (
	// MaxProximity is the largest word pair proximity that gets indexed.
	MaxProximity = 7
	// MaxCountedWords is the largest field word count that gets indexed.
	MaxCountedWords = 10
)

const (
	sortWords = iota
	sortExactWords
	sortPositions
	sortFids
	sortPairs
	sortWordCounts
	sortCount
)

type positionedWord struct {
	word     string
	position uint32
}

type wordPair struct {
	first, second string
}

// extractWords tokenizes the searchable fields of every document of a
// flattened chunk.
func (e *Extractor) extractWords(r *spill.Reader) ([]chunk.TypedChunk, error) {
	s := e.newSorters(sortCount, spill.UnionBitmaps)
	err := e.eachDocument(r, func(docid uint32, doc obkv.Document) error {
		single, err := index.EncodeBitmap(roaring.BitmapOf(docid))
		if err != nil {
			return err
		}
		pairs := make(map[wordPair]uint8)
		seen := make(map[string]struct{})
		err = doc.Each(func(fid obkv.FieldID, value []byte) error {
			name, err := e.fieldName(fid)
			if err != nil {
				return err
			}
			if isReserved(name) || !e.params.Settings.IsSearchable(name) {
				return nil
			}
			v, err := decodeField(name, value)
			if err != nil {
				return err
			}
			words, count := e.fieldWords(v)
			if count > 0 && count <= MaxCountedWords {
				if err := s[sortWordCounts].Insert(index.FieldIDWordCountKey(fid, uint8(count)), single); err != nil {
					return err
				}
			}
			target := sortWords
			if e.params.Settings.IsExact(name) {
				target = sortExactWords
			}
			for _, w := range words {
				key := w.word
				if target == sortExactWords {
					key = "\x00" + key
				}
				if _, ok := seen[key]; !ok {
					seen[key] = struct{}{}
					if err := s[target].Insert([]byte(w.word), single); err != nil {
						return err
					}
				}
				if err := s[sortPositions].Insert(index.WordPositionKey(w.word, BucketedPosition(w.position)), single); err != nil {
					return err
				}
				if err := s[sortFids].Insert(index.WordFidKey(w.word, fid), single); err != nil {
					return err
				}
			}
			collectPairs(words, pairs)
			return nil
		})
		if err != nil {
			return err
		}
		for pair, prox := range pairs {
			if err := s[sortPairs].Insert(index.WordPairProximityKey(prox, pair.first, pair.second), single); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.abort()
		return nil, err
	}
	readers, err := s.finish()
	if err != nil {
		return nil, err
	}
	return []chunk.TypedChunk{
		chunk.WordDocids{Words: readers[sortWords], ExactWords: readers[sortExactWords]},
		chunk.WordPositionDocids{Reader: readers[sortPositions]},
		chunk.WordFidDocids{Reader: readers[sortFids]},
		chunk.WordPairProximityDocids{Reader: readers[sortPairs]},
		chunk.FieldIDWordCountDocids{Reader: readers[sortWordCounts]},
	}, nil
}

// fieldWords returns the indexable words of a field value with their
// positions in the field, and the number of tokens in the field.
func (e *Extractor) fieldWords(v any) ([]positionedWord, int) {
	text := valueText(v)
	if text == "" {
		return nil, 0
	}
	tokens := e.tokenizer.Tokenize(text)
	words := make([]positionedWord, 0, len(tokens))
	count := 0
	for _, tok := range tokens {
		if tok.Position >= e.params.MaxPositionsPerAttributes {
			break
		}
		count++
		if !tok.IsWord() || len(tok.Term) > MaxWordLength {
			continue
		}
		words = append(words, positionedWord{word: tok.Term, position: uint32(tok.Position)})
	}
	return words, count
}

// valueText renders a flattened value as text. Array elements are separated
// by a hard separator so they never end up close to each other.
func valueText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := valueText(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case documents.Object:
		parts := make([]string, 0, len(t))
		for _, m := range t {
			if s := valueText(m.Value); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// collectPairs records, for every ordered pair of words of one field, the
// smallest proximity up to MaxProximity. A pair read backwards costs one
// more than read forwards.
func collectPairs(words []positionedWord, pairs map[wordPair]uint8) {
	for i, left := range words {
		for _, right := range words[i+1:] {
			d := right.position - left.position
			if d > MaxProximity {
				break
			}
			if d == 0 {
				continue
			}
			keepMin(pairs, wordPair{left.word, right.word}, uint8(d))
			if d+1 <= MaxProximity {
				keepMin(pairs, wordPair{right.word, left.word}, uint8(d+1))
			}
		}
	}
}

func keepMin(pairs map[wordPair]uint8, p wordPair, prox uint8) {
	if current, ok := pairs[p]; !ok || prox < current {
		pairs[p] = prox
	}
}

// BucketedPosition keeps the first positions intact and groups the rest by
// powers of two.
func BucketedPosition(relative uint32) uint32 {
	switch {
	case relative < 16:
		return relative
	case relative < 24:
		return 24
	default:
		return uint32(math.Exp2(math.Ceil(math.Log2(float64(relative)))))
	}
}
