package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/progress"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/spill"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
)

// WordBatch keeps the word fragments of a run for the prefix stage. Each
// slice holds one reader per extracted chunk.
type WordBatch struct {
	WordDocids              []*spill.Reader
	ExactWordDocids         []*spill.Reader
	WordPairProximityDocids []*spill.Reader
	WordPositionDocids      []*spill.Reader
	WordFidDocids           []*spill.Reader
}

// Close closes every reader of the batch.
func (b *WordBatch) Close() {
	for _, group := range [][]*spill.Reader{
		b.WordDocids, b.ExactWordDocids, b.WordPairProximityDocids, b.WordPositionDocids, b.WordFidDocids,
	} {
		closeAll(group...)
	}
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	// TotalDocuments is the number of documents the Documents fragments hold.
	TotalDocuments uint64
	// Expected is the number of fragments each kind will receive. Kinds
	// missing from it are disabled.
	Expected    map[Kind]int
	ShouldAbort func() bool
	Progress    progress.Func
}

// Writer is the single consumer of the completion channel. It merges every
// fragment into the database of its kind inside the caller's transaction and
// never commits it.
type Writer struct {
	idx    *index.Index
	txn    kv.Writer
	cfg    WriterConfig
	logger *slog.Logger

	remaining     map[Kind]int
	documentsSeen uint64
	databasesSeen uint64

	words      WordBatch
	docids     *roaring.Bitmap
	geoDocids  *roaring.Bitmap
	vectorDims int
	chunks     int
}

func NewWriter(idx *index.Index, txn kv.Writer, cfg WriterConfig) *Writer {
	if cfg.Progress == nil {
		cfg.Progress = progress.Noop
	}
	w := &Writer{
		idx:       idx,
		txn:       txn,
		cfg:       cfg,
		logger:    slog.Default().With("component", "chunk-writer", "index", idx.UID()),
		remaining: make(map[Kind]int, DatabaseCount),
		docids:    roaring.New(),
		geoDocids: roaring.New(),
	}
	for k := Kind(0); int(k) < DatabaseCount; k++ {
		if n := cfg.Expected[k]; n > 0 {
			w.remaining[k] = n
		} else {
			w.databasesSeen++
		}
	}
	return w
}

func (w *Writer) aborted() bool {
	return w.cfg.ShouldAbort != nil && w.cfg.ShouldAbort()
}

// Drain writes every result received on in. On the first error or abort it
// calls cancel, closes whatever is still in flight and returns the error.
func (w *Writer) Drain(in <-chan Result, cancel context.CancelFunc) error {
	start := time.Now()
	w.cfg.Progress(progress.MergeDataIntoFinalDatabase{DatabasesSeen: w.databasesSeen, TotalDatabases: uint64(DatabaseCount)})
	for res := range in {
		err := res.Err
		if err == nil && w.aborted() {
			res.Chunk.Close()
			err = apperrors.ErrAbortedIndexation
		}
		if err == nil {
			err = w.Write(res.Chunk)
		}
		if err != nil {
			cancel()
			for rest := range in {
				if rest.Chunk != nil {
					rest.Chunk.Close()
				}
			}
			return err
		}
	}
	w.logger.Debug("fragments merged", "chunks", w.chunks, "documents", w.documentsSeen, "duration", time.Since(start))
	return nil
}

// Write merges one fragment. Word fragments are kept for the prefix stage;
// every other fragment is closed.
func (w *Writer) Write(c TypedChunk) error {
	w.chunks++
	var err error
	switch t := c.(type) {
	case Documents:
		err = w.writeDocuments(t.Reader)
	case FieldIDWordCountDocids:
		err = w.union(index.FieldIDWordCountDocids, t.Reader)
	case WordDocids:
		if err = w.union(index.WordDocids, t.Words); err == nil {
			err = w.union(index.ExactWordDocids, t.ExactWords)
		}
		w.words.WordDocids = append(w.words.WordDocids, t.Words)
		w.words.ExactWordDocids = append(w.words.ExactWordDocids, t.ExactWords)
	case WordPositionDocids:
		err = w.union(index.WordPositionDocids, t.Reader)
		w.words.WordPositionDocids = append(w.words.WordPositionDocids, t.Reader)
	case WordFidDocids:
		err = w.union(index.WordFidDocids, t.Reader)
		w.words.WordFidDocids = append(w.words.WordFidDocids, t.Reader)
	case WordPairProximityDocids:
		err = w.union(index.WordPairProximityDocids, t.Reader)
		w.words.WordPairProximityDocids = append(w.words.WordPairProximityDocids, t.Reader)
	case FieldIDFacetStringDocids:
		err = w.union(index.FacetIDStringDocids, t.Reader)
	case FieldIDFacetNumberDocids:
		err = w.union(index.FacetIDF64Docids, t.Reader)
	case FieldIDDocidFacetStrings:
		err = w.put(index.FieldIDDocidFacetStrings, t.Reader, nil)
	case FieldIDDocidFacetNumbers:
		err = w.put(index.FieldIDDocidFacetF64s, t.Reader, nil)
	case FieldIDFacetExistsDocids:
		err = w.union(index.FacetIDExistsDocids, t.Reader)
	case FieldIDFacetIsNullDocids:
		err = w.union(index.FacetIDIsNullDocids, t.Reader)
	case FieldIDFacetIsEmptyDocids:
		err = w.union(index.FacetIDIsEmptyDocids, t.Reader)
	case GeoPoints:
		err = w.put(index.GeoPoints, t.Reader, func(key []byte) error {
			docid, err := index.DecodeDocid(key)
			if err == nil {
				w.geoDocids.Add(docid)
			}
			return err
		})
	case VectorPoints:
		err = w.writeVectors(t)
	default:
		return apperrors.Internalf("unknown chunk type %T", c)
	}
	if !isWordKind(c.Kind()) {
		c.Close()
	}
	if err != nil {
		return fmt.Errorf("merging %s: %w", c.Kind(), err)
	}
	return w.done(c.Kind())
}

func isWordKind(k Kind) bool {
	switch k {
	case KindWordDocids, KindWordPositionDocids, KindWordFidDocids, KindWordPairProximityDocids:
		return true
	}
	return false
}

// done counts one fragment of kind and reports the database once all of its
// fragments are merged.
func (w *Writer) done(kind Kind) error {
	n, ok := w.remaining[kind]
	if !ok {
		return apperrors.Internalf("unexpected %s fragment", kind)
	}
	if n--; n > 0 {
		w.remaining[kind] = n
		return nil
	}
	delete(w.remaining, kind)
	w.databasesSeen++
	w.cfg.Progress(progress.MergeDataIntoFinalDatabase{DatabasesSeen: w.databasesSeen, TotalDatabases: uint64(DatabaseCount)})
	if w.aborted() {
		return apperrors.ErrAbortedIndexation
	}
	return nil
}

func (w *Writer) union(db kv.Database, r *spill.Reader) error {
	c := r.Cursor()
	for c.Next() {
		if err := index.UnionEncoded(w.txn, db, c.Key(), c.Value()); err != nil {
			return err
		}
	}
	if err := c.Err(); err != nil {
		return apperrors.Internalf("reading %s fragment: %v", index.DatabaseName(db), err)
	}
	return nil
}

func (w *Writer) put(db kv.Database, r *spill.Reader, each func(key []byte) error) error {
	c := r.Cursor()
	for c.Next() {
		if each != nil {
			if err := each(c.Key()); err != nil {
				return err
			}
		}
		if err := w.txn.Put(db, c.Key(), c.Value()); err != nil {
			return err
		}
	}
	if err := c.Err(); err != nil {
		return apperrors.Internalf("reading %s fragment: %v", index.DatabaseName(db), err)
	}
	return nil
}

func (w *Writer) writeDocuments(r *spill.Reader) error {
	err := w.put(index.Documents, r, func(key []byte) error {
		docid, err := index.DecodeDocid(key)
		if err != nil {
			return err
		}
		w.docids.Add(docid)
		w.documentsSeen++
		return nil
	})
	if err != nil {
		return err
	}
	w.cfg.Progress(progress.IndexDocuments{DocumentsSeen: w.documentsSeen, TotalDocuments: w.cfg.TotalDocuments})
	return nil
}

func (w *Writer) writeVectors(c VectorPoints) error {
	if c.Dimensions > 0 {
		if w.vectorDims != 0 && w.vectorDims != c.Dimensions {
			return apperrors.Internalf("vectors of %d and %d dimensions in one run", w.vectorDims, c.Dimensions)
		}
		w.vectorDims = c.Dimensions
	}
	return w.put(index.VectorPoints, c.Reader, nil)
}

// Words returns the retained word fragments. The caller closes them.
func (w *Writer) Words() *WordBatch {
	return &w.words
}

// DocumentsIDs returns the ids of the documents written.
func (w *Writer) DocumentsIDs() *roaring.Bitmap {
	return w.docids
}

// GeoDocumentsIDs returns the ids of the documents with a geo point.
func (w *Writer) GeoDocumentsIDs() *roaring.Bitmap {
	return w.geoDocids
}

// VectorDimensions returns the dimension of the vectors written, zero when
// there were none.
func (w *Writer) VectorDimensions() int {
	return w.vectorDims
}

// DatabasesSeen returns how many database families are fully merged.
func (w *Writer) DatabasesSeen() uint64 {
	return w.databasesSeen
}
