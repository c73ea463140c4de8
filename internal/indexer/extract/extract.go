// Package extract runs the parallel extraction stage: it maps chunks of the
// original and flattened document streams into typed posting fragments and
// sends each finished fragment on a completion channel.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/chunk"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/documents"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/obkv"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/spill"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
)

const (
	// MaxWordLength is the longest word, in bytes, that gets indexed.
	MaxWordLength = 250
	// MaxFacetValueLength caps normalized facet strings, in bytes.
	MaxFacetValueLength = 250

	geoField     = "_geo"
	vectorsField = "_vectors"
)

// Params is the immutable snapshot the workers read.
type Params struct {
	Fields                    *index.FieldsIdsMap
	Settings                  index.Settings
	MaxPositionsPerAttributes int
	MaxThreads                int
	Spill                     spill.Options
	ShouldAbort               func() bool
}

// Extractor fans extraction tasks out over a bounded pool.
type Extractor struct {
	params    Params
	tokenizer *tokenizer.Tokenizer
	geo       bool
	latID     obkv.FieldID
	lngID     obkv.FieldID
	vectors   bool
	vectorsID obkv.FieldID
	logger    *slog.Logger
}

func New(params Params) *Extractor {
	if params.MaxThreads <= 0 {
		params.MaxThreads = 1
	}
	if params.MaxPositionsPerAttributes <= 0 || params.MaxPositionsPerAttributes > 1<<16-1 {
		params.MaxPositionsPerAttributes = 1<<16 - 1
	}
	e := &Extractor{
		params: params,
		tokenizer: tokenizer.New(tokenizer.Options{
			StopWords:  params.Settings.StopWords,
			Separators: params.Settings.Separators,
			Dictionary: params.Settings.Dictionary,
		}),
		logger: slog.Default().With("component", "extract"),
	}
	if params.Settings.GeoEnabled() {
		lat, okLat := params.Fields.ID(geoField + ".lat")
		lng, okLng := params.Fields.ID(geoField + ".lng")
		e.geo, e.latID, e.lngID = okLat && okLng, lat, lng
	}
	e.vectorsID, e.vectors = params.Fields.ID(vectorsField)
	return e
}

// EnabledKinds reports which chunk kinds a run will produce for each pair
// of chunks.
func (e *Extractor) EnabledKinds() map[chunk.Kind]bool {
	enabled := map[chunk.Kind]bool{
		chunk.KindDocuments:                 true,
		chunk.KindFieldIDWordCountDocids:    true,
		chunk.KindWordDocids:                true,
		chunk.KindWordPositionDocids:        true,
		chunk.KindWordFidDocids:             true,
		chunk.KindWordPairProximityDocids:   true,
		chunk.KindFieldIDFacetStringDocids:  true,
		chunk.KindFieldIDFacetNumberDocids:  true,
		chunk.KindFieldIDDocidFacetStrings:  true,
		chunk.KindFieldIDDocidFacetNumbers:  true,
		chunk.KindFieldIDFacetExistsDocids:  true,
		chunk.KindFieldIDFacetIsNullDocids:  true,
		chunk.KindFieldIDFacetIsEmptyDocids: true,
	}
	if e.geo {
		enabled[chunk.KindGeoPoints] = true
	}
	if e.vectors {
		enabled[chunk.KindVectorPoints] = true
	}
	return enabled
}

// Run extracts every pair of aligned chunks and sends the results on out,
// which it closes once every task is done. Ownership of the original chunks
// moves to the Documents fragments; the flattened chunks are closed here.
func (e *Extractor) Run(ctx context.Context, original, flattened []*spill.Reader, out chan<- chunk.Result) error {
	defer close(out)
	defer func() {
		for _, r := range flattened {
			r.Close()
		}
	}()
	if len(original) != len(flattened) {
		for _, r := range original {
			r.Close()
		}
		err := apperrors.Internalf("%d original chunks for %d flattened chunks", len(original), len(flattened))
		out <- chunk.Result{Err: err}
		return err
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.params.MaxThreads)
	for i := range flattened {
		if gctx.Err() != nil {
			for _, r := range original[i:] {
				r.Close()
			}
			break
		}
		orig, flat := original[i], flattened[i]
		e.spawn(gctx, g, out, "words", nil, func() ([]chunk.TypedChunk, error) { return e.extractWords(flat) })
		e.spawn(gctx, g, out, "facets", nil, func() ([]chunk.TypedChunk, error) { return e.extractFacets(flat) })
		if e.geo {
			e.spawn(gctx, g, out, "geo", nil, func() ([]chunk.TypedChunk, error) { return e.extractGeo(flat) })
		}
		e.spawn(gctx, g, out, "documents", func() { orig.Close() }, func() ([]chunk.TypedChunk, error) { return e.extractDocuments(orig) })
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	e.logger.Debug("extraction finished", "chunks", len(flattened), "duration", time.Since(start), "error", err)
	return err
}

// spawn runs task on the group. A task whose context is already done is
// skipped and release, when set, frees what it would have owned.
func (e *Extractor) spawn(ctx context.Context, g *errgroup.Group, out chan<- chunk.Result, name string, release func(), task func() ([]chunk.TypedChunk, error)) {
	g.Go(func() error {
		if err := ctx.Err(); err != nil {
			if release != nil {
				release()
			}
			return err
		}
		chunks, err := task()
		if err != nil {
			err = fmt.Errorf("extracting %s: %w", name, err)
			select {
			case out <- chunk.Result{Err: err}:
			case <-ctx.Done():
			}
			return err
		}
		for i, c := range chunks {
			select {
			case out <- chunk.Result{Chunk: c}:
			case <-ctx.Done():
				for _, rest := range chunks[i:] {
					rest.Close()
				}
				return ctx.Err()
			}
		}
		return nil
	})
}

func (e *Extractor) aborted() bool {
	return e.params.ShouldAbort != nil && e.params.ShouldAbort()
}

// eachDocument decodes every document of r.
func (e *Extractor) eachDocument(r *spill.Reader, fn func(docid uint32, doc obkv.Document) error) error {
	c := r.Cursor()
	for c.Next() {
		if e.aborted() {
			return apperrors.ErrAbortedIndexation
		}
		docid, err := index.DecodeDocid(c.Key())
		if err != nil {
			return apperrors.Internalf("decoding document key: %v", err)
		}
		if err := fn(docid, obkv.Document(c.Value())); err != nil {
			return err
		}
	}
	if err := c.Err(); err != nil {
		return apperrors.Internalf("reading document chunk: %v", err)
	}
	return nil
}

func (e *Extractor) fieldName(id obkv.FieldID) (string, error) {
	name, ok := e.params.Fields.Name(id)
	if !ok {
		return "", apperrors.Internalf("field id %d is missing from the fields ids map", id)
	}
	return name, nil
}

func isReserved(name string) bool {
	return name == geoField || strings.HasPrefix(name, geoField+".") ||
		name == vectorsField || strings.HasPrefix(name, vectorsField+".")
}

// sorters bundles the sorters of one task so they can be finished or
// aborted together.
type sorters []*spill.Sorter

func (e *Extractor) newSorters(n int, merge spill.MergeFunc) sorters {
	s := make(sorters, n)
	for i := range s {
		s[i] = spill.NewSorter(e.params.Spill, merge)
	}
	return s
}

func (s sorters) abort() {
	for _, x := range s {
		x.Abort()
	}
}

func (s sorters) finish() ([]*spill.Reader, error) {
	readers := make([]*spill.Reader, 0, len(s))
	for i, x := range s {
		r, err := x.Finish()
		if err != nil {
			for _, done := range readers {
				done.Close()
			}
			s[i+1:].abort()
			return nil, err
		}
		readers = append(readers, r)
	}
	return readers, nil
}

func decodeField(name string, value []byte) (any, error) {
	v, err := documents.DecodeValue(value)
	if err != nil {
		return nil, apperrors.Internalf("decoding field %q: %v", name, err)
	}
	return v, nil
}
