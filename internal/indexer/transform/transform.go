// Package transform turns document batches and removals into the two sorted
// streams the extraction stage consumes: the original documents and their
// flattened projection, keyed by internal document id.
package transform

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/documents"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/obkv"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/progress"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/spill"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
)

const (
	opAddition byte = 0
	opDeletion byte = 1
)

const progressInterval = 100

// Method selects how a new version of an existing document is applied.
type Method uint8

const (
	// ReplaceDocuments keeps only the latest version.
	ReplaceDocuments Method = iota
	// UpdateDocuments merges the new top-level fields over the old ones.
	UpdateDocuments
)

// Config configures a Transform.
type Config struct {
	Method             Method
	AutogenerateDocids bool
	Spill              spill.Options
}

// Output is the result of a transform, consumed by the extraction stage.
type Output struct {
	PrimaryKey           string
	FieldsIdsMap         *index.FieldsIdsMap
	FieldDistribution    index.FieldDistribution
	NewExternalIDs       map[string]uint32
	NewDocumentsIDs      *roaring.Bitmap
	ReplacedDocumentsIDs *roaring.Bitmap
	DocumentsCount       int
	// OriginalDocuments and FlattenedDocuments hold one entry per surviving
	// document, keyed by big-endian document id.
	OriginalDocuments  *spill.Reader
	FlattenedDocuments *spill.Reader
}

// Close releases the spilled streams.
func (o *Output) Close() {
	if o.OriginalDocuments != nil {
		o.OriginalDocuments.Close()
	}
	if o.FlattenedDocuments != nil {
		o.FlattenedDocuments.Close()
	}
}

// Transform accumulates additions and removals against one index inside a
// write transaction.
type Transform struct {
	idx      *index.Index
	txn      kv.Writer
	cfg      Config
	progress progress.Func
	logger   *slog.Logger

	fields     *index.FieldsIdsMap
	primaryKey string
	vectorDims int

	sorter *spill.Sorter
	ids    *idAllocator

	newExternalIDs map[string]uint32
	// hidden holds external ids of index documents replaced or removed by
	// this transform. Later lookups treat them as unknown.
	hidden         map[string]uint32
	newDocids      *roaring.Bitmap
	replacedDocids *roaring.Bitmap
	documentsCount int
	documentsSeen  uint64
	// pendingFields are flattened names of read documents that are only
	// registered when the output is built.
	pendingFields  map[string]struct{}
}

// New creates a Transform reading the current state of idx through txn.
func New(idx *index.Index, txn kv.Writer, cfg Config, progressFn progress.Func) (*Transform, error) {
	if progressFn == nil {
		progressFn = progress.Noop
	}
	fields, err := idx.FieldsIdsMap(txn)
	if err != nil {
		return nil, fmt.Errorf("loading fields ids map: %w", err)
	}
	pk, err := idx.PrimaryKey(txn)
	if err != nil {
		return nil, fmt.Errorf("loading primary key: %w", err)
	}
	dims, err := idx.VectorDimensions(txn)
	if err != nil {
		return nil, fmt.Errorf("loading vector dimensions: %w", err)
	}
	ids, err := newIDAllocator(idx, txn)
	if err != nil {
		return nil, err
	}
	merge := spill.MergeFunc(spill.KeepLast)
	if cfg.Method == UpdateDocuments {
		merge = mergeUpdates
	}
	return &Transform{
		idx:            idx,
		txn:            txn,
		cfg:            cfg,
		progress:       progressFn,
		logger:         slog.Default().With("component", "transform", "index", idx.UID()),
		fields:         fields.Clone(),
		primaryKey:     pk,
		vectorDims:     dims,
		sorter:         spill.NewSorter(cfg.Spill, merge),
		ids:            ids,
		newExternalIDs: make(map[string]uint32),
		hidden:         make(map[string]uint32),
		newDocids:      roaring.New(),
		replacedDocids: roaring.New(),
		pendingFields:  make(map[string]struct{}),
	}, nil
}

// ReadDocuments validates and registers a batch. A user error leaves the
// transform unchanged and usable.
func (t *Transform) ReadDocuments(batch *documents.Batch, shouldAbort func() bool) (int, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	v, err := t.validate(batch, shouldAbort)
	if err != nil {
		return 0, err
	}
	t.primaryKey = v.primaryKey
	t.vectorDims = v.vectorDims

	for _, doc := range v.documents {
		if shouldAbort != nil && shouldAbort() {
			return 0, apperrors.ErrAbortedIndexation
		}
		if err := t.addDocument(doc); err != nil {
			return 0, err
		}
		t.documentsSeen++
		if t.documentsSeen%progressInterval == 0 {
			t.progress(progress.RemapDocumentAddition{DocumentsSeen: t.documentsSeen})
		}
	}
	t.progress(progress.RemapDocumentAddition{DocumentsSeen: t.documentsSeen})
	for name := range v.newFields {
		if _, ok := t.fields.ID(name); !ok {
			t.pendingFields[name] = struct{}{}
		}
	}
	t.documentsCount += len(v.documents)
	t.logger.Debug("documents read", "count", len(v.documents), "primary_key", v.primaryKey)
	return len(v.documents), nil
}

func (t *Transform) addDocument(doc preparedDocument) error {
	docid, known := t.newExternalIDs[doc.external]
	if !known {
		var oldDocid uint32
		var replacing bool
		if _, hidden := t.hidden[doc.external]; !hidden {
			var err error
			oldDocid, replacing, err = t.idx.ExternalID(t.txn, doc.external)
			if err != nil {
				return fmt.Errorf("looking up external id %q: %w", doc.external, err)
			}
		}
		docid = t.ids.next()
		t.newExternalIDs[doc.external] = docid
		t.newDocids.Add(docid)
		if replacing {
			t.replacedDocids.Add(oldDocid)
			t.hidden[doc.external] = oldDocid
			if t.cfg.Method == UpdateDocuments {
				old, ok, err := t.idx.Document(t.txn, oldDocid)
				if err != nil {
					return fmt.Errorf("loading document %d: %w", oldDocid, err)
				}
				if ok {
					if err := t.sorter.Insert(index.DocidKey(docid), withOp(opAddition, old)); err != nil {
						return err
					}
				}
			}
		}
	}
	encoded, err := t.encode(doc.fields)
	if err != nil {
		return err
	}
	return t.sorter.Insert(index.DocidKey(docid), withOp(opAddition, encoded))
}

func (t *Transform) encode(fields []canonicalField) (obkv.Document, error) {
	values := make(map[obkv.FieldID][]byte, len(fields))
	for _, f := range fields {
		id, err := t.fields.Insert(f.name)
		if err != nil {
			return nil, err
		}
		values[id] = f.value
	}
	return obkv.FromMap(values), nil
}

// RemoveDocuments removes documents by external id. Documents added earlier
// in this transform are cancelled; documents of the index are scheduled for
// deletion. Unknown and repeated ids are not counted.
func (t *Transform) RemoveDocuments(externalIDs []string, shouldAbort func() bool) (int, error) {
	removed := 0
	for _, external := range externalIDs {
		if shouldAbort != nil && shouldAbort() {
			return removed, apperrors.ErrAbortedIndexation
		}
		if docid, ok := t.newExternalIDs[external]; ok {
			if err := t.sorter.Insert(index.DocidKey(docid), []byte{opDeletion}); err != nil {
				return removed, err
			}
			delete(t.newExternalIDs, external)
			t.newDocids.Remove(docid)
			removed++
			continue
		}
		if _, hidden := t.hidden[external]; hidden {
			continue
		}
		docid, found, err := t.idx.ExternalID(t.txn, external)
		if err != nil {
			return removed, fmt.Errorf("looking up external id %q: %w", external, err)
		}
		if !found {
			continue
		}
		t.replacedDocids.Add(docid)
		t.hidden[external] = docid
		removed++
	}
	t.logger.Debug("documents removed", "requested", len(externalIDs), "removed", removed)
	return removed, nil
}

// OutputFromSorter drains the sorter into the original and flattened
// streams and computes the metadata the later stages need. The transform
// must not be used afterwards.
func (t *Transform) OutputFromSorter() (*Output, error) {
	merged, err := t.sorter.Finish()
	if err != nil {
		return nil, fmt.Errorf("finishing document sorter: %w", err)
	}
	defer merged.Close()

	distribution, err := t.idx.FieldDistribution(t.txn)
	if err != nil {
		return nil, err
	}
	if err := t.removeFromDistribution(distribution); err != nil {
		return nil, err
	}

	original, err := spill.NewWriter(t.cfg.Spill)
	if err != nil {
		return nil, err
	}
	flattened, err := spill.NewWriter(t.cfg.Spill)
	if err != nil {
		original.Abort()
		return nil, err
	}
	fail := func(err error) (*Output, error) {
		original.Abort()
		flattened.Abort()
		return nil, err
	}

	total := merged.Len()
	var seen uint64
	c := merged.Cursor()
	for c.Next() {
		value := c.Value()
		if len(value) == 0 {
			return fail(apperrors.Internalf("empty sorter entry for key %x", c.Key()))
		}
		seen++
		if seen%progressInterval == 0 {
			t.progress(progress.ComputeIdsAndMergeDocuments{DocumentsSeen: seen, TotalDocuments: total})
		}
		if value[0] == opDeletion {
			continue
		}
		doc := obkv.Document(value[1:])
		flat, err := t.flatten(doc, distribution)
		if err != nil {
			return fail(err)
		}
		if err := original.Insert(c.Key(), doc); err != nil {
			return fail(err)
		}
		if err := flattened.Insert(c.Key(), flat); err != nil {
			return fail(err)
		}
	}
	if err := c.Err(); err != nil {
		return fail(fmt.Errorf("reading document sorter: %w", err))
	}
	t.progress(progress.ComputeIdsAndMergeDocuments{DocumentsSeen: seen, TotalDocuments: total})

	origReader, err := original.Finish()
	if err != nil {
		flattened.Abort()
		return nil, err
	}
	flatReader, err := flattened.Finish()
	if err != nil {
		origReader.Close()
		return nil, err
	}

	for name, count := range distribution {
		if count == 0 {
			delete(distribution, name)
		}
	}

	t.logger.Info("transform output ready",
		"documents", origReader.Len(),
		"new", t.newDocids.GetCardinality(),
		"replaced", t.replacedDocids.GetCardinality(),
		"fields", t.fields.Len(),
	)
	return &Output{
		PrimaryKey:           t.primaryKey,
		FieldsIdsMap:         t.fields,
		FieldDistribution:    distribution,
		NewExternalIDs:       t.newExternalIDs,
		NewDocumentsIDs:      t.newDocids,
		ReplacedDocumentsIDs: t.replacedDocids,
		DocumentsCount:       t.documentsCount,
		OriginalDocuments:    origReader,
		FlattenedDocuments:   flatReader,
	}, nil
}

// Abort releases the sorter's spill files.
func (t *Transform) Abort() {
	t.sorter.Abort()
}

// flatten builds the flattened projection of an original document, registers
// the flattened field names and counts them in distribution.
func (t *Transform) flatten(doc obkv.Document, distribution index.FieldDistribution) (obkv.Document, error) {
	source, err := t.toDocument(doc)
	if err != nil {
		return nil, err
	}
	flat, err := documents.Flatten(source)
	if err != nil {
		return nil, apperrors.Internalf("flattening document: %v", err)
	}
	values := make(map[obkv.FieldID][]byte, len(flat))
	for _, f := range flat {
		for _, ancestor := range documents.Ancestors(f.Name) {
			if _, err := t.fields.Insert(ancestor); err != nil {
				return nil, err
			}
		}
		id, err := t.fields.Insert(f.Name)
		if err != nil {
			return nil, err
		}
		encoded, err := documents.EncodeValue(f.Value)
		if err != nil {
			return nil, apperrors.Internalf("encoding field %q: %v", f.Name, err)
		}
		values[id] = encoded
		distribution[f.Name]++
	}
	return obkv.FromMap(values), nil
}

func (t *Transform) toDocument(doc obkv.Document) (documents.Document, error) {
	var out documents.Document
	err := doc.Each(func(id obkv.FieldID, value []byte) error {
		name, ok := t.fields.Name(id)
		if !ok {
			return apperrors.Internalf("field id %d is missing from the fields ids map", id)
		}
		out.Fields = append(out.Fields, documents.Field{Name: name, Value: bytes.Clone(value)})
		return nil
	})
	return out, err
}

func (t *Transform) removeFromDistribution(distribution index.FieldDistribution) error {
	it := t.replacedDocids.Iterator()
	for it.HasNext() {
		docid := it.Next()
		doc, ok, err := t.idx.Document(t.txn, docid)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		source, err := t.toDocument(doc)
		if err != nil {
			return err
		}
		flat, err := documents.Flatten(source)
		if err != nil {
			return apperrors.Internalf("flattening document %d: %v", docid, err)
		}
		for _, f := range flat {
			if distribution[f.Name] > 0 {
				distribution[f.Name]--
			}
		}
	}
	return nil
}

func withOp(op byte, doc []byte) []byte {
	out := make([]byte, 0, len(doc)+1)
	out = append(out, op)
	return append(out, doc...)
}

// mergeUpdates folds the versions of one document: a deletion discards
// everything before it, additions are merged field by field.
func mergeUpdates(_ []byte, values [][]byte) ([]byte, error) {
	var acc map[obkv.FieldID][]byte
	for _, v := range values {
		if len(v) == 0 {
			return nil, apperrors.Internalf("empty document version")
		}
		switch v[0] {
		case opDeletion:
			acc = nil
		case opAddition:
			fields, err := obkv.Document(v[1:]).ToMap()
			if err != nil {
				return nil, apperrors.Internalf("decoding document version: %v", err)
			}
			if acc == nil {
				acc = make(map[obkv.FieldID][]byte, len(fields))
			}
			for id, value := range fields {
				acc[id] = value
			}
		default:
			return nil, apperrors.Internalf("unknown document operation %d", v[0])
		}
	}
	if acc == nil {
		return []byte{opDeletion}, nil
	}
	return withOp(opAddition, obkv.FromMap(acc)), nil
}
