// Package indexer drives an indexing run: documents are validated and
// merged by the transform, split into chunks, extracted in parallel into
// posting fragments and merged into the index inside the caller's write
// transaction, after which the prefix databases are brought up to date.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/chunk"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/deletion"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/documents"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/extract"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/prefix"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/progress"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/spill"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/transform"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
)

// Step is a progress report of a run.
type Step = progress.Step

// Config is the resolved configuration of a run.
type Config struct {
	UpdateMethod              transform.Method
	DeletionStrategy          deletion.Strategy
	AutogenerateDocids        bool
	MaxThreads                int
	DocumentsChunkSize        int
	MaxPositionsPerAttributes int
	WordsPrefixThreshold      int
	MaxPrefixLength           int
	Spill                     spill.Options
}

// ConfigFrom resolves the service configuration of the indexer.
func ConfigFrom(cfg config.IndexerConfig) (Config, error) {
	codec, err := spill.ParseCodec(cfg.ChunkCompressionType)
	if err != nil {
		return Config{}, err
	}
	strategy, err := deletion.ParseStrategy(cfg.DeletionStrategy)
	if err != nil {
		return Config{}, err
	}
	method := transform.ReplaceDocuments
	switch cfg.UpdateMethod {
	case config.ReplaceDocuments, "":
	case config.UpdateDocuments:
		method = transform.UpdateDocuments
	default:
		return Config{}, fmt.Errorf("unknown update method %q", cfg.UpdateMethod)
	}
	return Config{
		UpdateMethod:              method,
		DeletionStrategy:          strategy,
		AutogenerateDocids:        cfg.AutogenerateDocids,
		MaxThreads:                cfg.MaxThreads,
		DocumentsChunkSize:        cfg.DocumentsChunkSize,
		MaxPositionsPerAttributes: cfg.MaxPositionsPerAttributes,
		WordsPrefixThreshold:      cfg.WordsPrefixThreshold,
		MaxPrefixLength:           cfg.MaxPrefixLength,
		Spill: spill.Options{
			Codec:       codec,
			Level:       cfg.ChunkCompressionLevel,
			TempDir:     cfg.TempDir,
			MaxMemory:   cfg.MaxMemory,
			MaxNbChunks: cfg.MaxNbChunks,
		},
	}, nil
}

// DocumentAdditionResult reports a finished run.
type DocumentAdditionResult struct {
	// IndexedDocuments is the number of documents read from the batches.
	IndexedDocuments uint64
	// NumberOfDocuments is the number of live documents after the run.
	NumberOfDocuments uint64
}

// IndexDocuments accumulates document batches and removals and applies them
// to one index. It never commits the transaction it writes to.
type IndexDocuments struct {
	idx         *index.Index
	txn         kv.Writer
	cfg         Config
	progress    progress.Func
	shouldAbort func() bool
	logger      *slog.Logger

	transform        *transform.Transform
	addedDocuments   uint64
	removedDocuments uint64
	// poisoned is set by any non-user failure and once the run executed.
	poisoned bool
}

// New creates a builder writing to idx through txn. progressFn and
// shouldAbort may be nil.
func New(idx *index.Index, txn kv.Writer, cfg Config, progressFn progress.Func, shouldAbort func() bool) (*IndexDocuments, error) {
	if progressFn == nil {
		progressFn = progress.Noop
	}
	if shouldAbort == nil {
		shouldAbort = func() bool { return false }
	}
	if cfg.DocumentsChunkSize <= 0 {
		cfg.DocumentsChunkSize = 4 << 20
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 1
	}
	t, err := transform.New(idx, txn, transform.Config{
		Method:             cfg.UpdateMethod,
		AutogenerateDocids: cfg.AutogenerateDocids,
		Spill:              cfg.Spill,
	}, progressFn)
	if err != nil {
		return nil, fmt.Errorf("creating transform: %w", err)
	}
	return &IndexDocuments{
		idx:         idx,
		txn:         txn,
		cfg:         cfg,
		progress:    progressFn,
		shouldAbort: shouldAbort,
		logger:      slog.Default().With("component", "indexer", "index", idx.UID()),
		transform:   t,
	}, nil
}

// AddDocuments reads a batch. A rejected batch is reported as a user error
// and leaves the builder usable; any other error poisons it.
func (b *IndexDocuments) AddDocuments(batch *documents.Batch) (int, *apperrors.UserError, error) {
	if b.poisoned {
		return 0, nil, apperrors.ErrInvalidState
	}
	n, err := b.transform.ReadDocuments(batch, b.shouldAbort)
	if err != nil {
		if userErr, ok := apperrors.AsUserError(err); ok {
			b.logger.Info("document batch rejected", "error", userErr)
			return 0, userErr, nil
		}
		b.fail()
		return 0, nil, err
	}
	b.addedDocuments += uint64(n)
	return n, nil, nil
}

// RemoveDocuments schedules the removal of documents by external id and
// returns how many of them were found.
func (b *IndexDocuments) RemoveDocuments(externalIDs []string) (int, error) {
	if b.poisoned {
		return 0, apperrors.ErrInvalidState
	}
	n, err := b.transform.RemoveDocuments(externalIDs, b.shouldAbort)
	if err != nil {
		b.fail()
		return 0, err
	}
	b.removedDocuments += uint64(n)
	return n, nil
}

func (b *IndexDocuments) fail() {
	b.poisoned = true
	b.transform.Abort()
}

// Execute applies everything read so far. The builder cannot be reused
// afterwards.
func (b *IndexDocuments) Execute(ctx context.Context) (DocumentAdditionResult, error) {
	if b.poisoned {
		return DocumentAdditionResult{}, apperrors.ErrInvalidState
	}
	b.poisoned = true
	if b.addedDocuments == 0 && b.removedDocuments == 0 {
		b.transform.Abort()
		count, err := b.idx.NumberOfDocuments(b.txn)
		if err != nil {
			return DocumentAdditionResult{}, err
		}
		return DocumentAdditionResult{NumberOfDocuments: count}, nil
	}
	if b.shouldAbort() {
		b.transform.Abort()
		return DocumentAdditionResult{}, apperrors.ErrAbortedIndexation
	}
	out, err := b.transform.OutputFromSorter()
	if err != nil {
		return DocumentAdditionResult{}, err
	}
	return b.ExecuteRaw(ctx, out)
}

// ExecuteRaw indexes the output of a transform. It takes ownership of the
// output streams.
func (b *IndexDocuments) ExecuteRaw(ctx context.Context, out *transform.Output) (DocumentAdditionResult, error) {
	defer out.Close()
	start := time.Now()
	if b.shouldAbort() {
		return DocumentAdditionResult{}, apperrors.ErrAbortedIndexation
	}
	if out.PrimaryKey != "" {
		if err := b.idx.PutPrimaryKey(b.txn, out.PrimaryKey); err != nil {
			return DocumentAdditionResult{}, err
		}
	}
	if err := b.idx.PutFieldsIdsMap(b.txn, out.FieldsIdsMap); err != nil {
		return DocumentAdditionResult{}, err
	}

	total := out.OriginalDocuments.Len()
	original, err := spill.IntoChunks(out.OriginalDocuments, b.cfg.DocumentsChunkSize, b.cfg.Spill)
	out.OriginalDocuments = nil
	if err != nil {
		return DocumentAdditionResult{}, fmt.Errorf("chunking documents: %w", err)
	}
	flattened, err := spill.SplitLike(out.FlattenedDocuments, original, b.cfg.Spill)
	out.FlattenedDocuments = nil
	if err != nil {
		closeReaders(original)
		return DocumentAdditionResult{}, fmt.Errorf("chunking flattened documents: %w", err)
	}

	settings, err := b.idx.Settings(b.txn)
	if err != nil {
		closeReaders(original)
		closeReaders(flattened)
		return DocumentAdditionResult{}, err
	}
	extractor := extract.New(extract.Params{
		Fields:                    out.FieldsIdsMap.Clone(),
		Settings:                  settings,
		MaxPositionsPerAttributes: b.cfg.MaxPositionsPerAttributes,
		MaxThreads:                b.cfg.MaxThreads,
		Spill:                     b.cfg.Spill,
		ShouldAbort:               b.shouldAbort,
	})
	expected := make(map[chunk.Kind]int)
	for kind := range extractor.EnabledKinds() {
		expected[kind] = len(original)
	}

	if _, err := deletion.DeleteDocuments(b.txn, b.idx, out.ReplacedDocumentsIDs, deletion.Options{
		Strategy: b.cfg.DeletionStrategy,
	}); err != nil {
		closeReaders(original)
		closeReaders(flattened)
		return DocumentAdditionResult{}, fmt.Errorf("deleting replaced documents: %w", err)
	}

	writer := chunk.NewWriter(b.idx, b.txn, chunk.WriterConfig{
		TotalDocuments: total,
		Expected:       expected,
		ShouldAbort:    b.shouldAbort,
		Progress:       b.progress,
	})
	words := writer.Words()
	defer words.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan chunk.Result, b.cfg.MaxThreads)
	extracted := make(chan error, 1)
	go func() {
		extracted <- extractor.Run(runCtx, original, flattened, results)
	}()
	drainErr := writer.Drain(results, cancel)
	runErr := <-extracted
	if drainErr != nil {
		return DocumentAdditionResult{}, drainErr
	}
	if runErr != nil {
		return DocumentAdditionResult{}, runErr
	}

	if err := b.updateMetadata(out, writer); err != nil {
		return DocumentAdditionResult{}, err
	}
	if err := b.idx.RebuildWordsFST(b.txn); err != nil {
		return DocumentAdditionResult{}, fmt.Errorf("rebuilding words fst: %w", err)
	}
	if err := b.executePrefixDatabases(words); err != nil {
		return DocumentAdditionResult{}, err
	}

	count, err := b.idx.NumberOfDocuments(b.txn)
	if err != nil {
		return DocumentAdditionResult{}, err
	}
	b.logger.Info("documents indexed",
		"indexed", out.DocumentsCount,
		"new", out.NewDocumentsIDs.GetCardinality(),
		"replaced", out.ReplacedDocumentsIDs.GetCardinality(),
		"chunks", len(original),
		"number_of_documents", count,
		"duration", time.Since(start),
	)
	return DocumentAdditionResult{IndexedDocuments: uint64(out.DocumentsCount), NumberOfDocuments: count}, nil
}

func (b *IndexDocuments) updateMetadata(out *transform.Output, writer *chunk.Writer) error {
	live, err := b.idx.DocumentsIDs(b.txn)
	if err != nil {
		return err
	}
	live.Or(writer.DocumentsIDs())
	if err := b.idx.PutDocumentsIDs(b.txn, live); err != nil {
		return err
	}
	for external, docid := range out.NewExternalIDs {
		if err := b.idx.PutExternalID(b.txn, external, docid); err != nil {
			return fmt.Errorf("writing external id %q: %w", external, err)
		}
	}
	if err := b.idx.PutFieldDistribution(b.txn, out.FieldDistribution); err != nil {
		return err
	}
	geo, err := b.idx.GeoFacetedDocumentsIDs(b.txn)
	if err != nil {
		return err
	}
	geo.AndNot(out.ReplacedDocumentsIDs)
	geo.Or(writer.GeoDocumentsIDs())
	if err := b.idx.PutGeoFacetedDocumentsIDs(b.txn, geo); err != nil {
		return err
	}
	if dims := writer.VectorDimensions(); dims > 0 {
		return b.idx.PutVectorDimensions(b.txn, dims)
	}
	return nil
}

func (b *IndexDocuments) executePrefixDatabases(words *chunk.WordBatch) error {
	updater := prefix.New(b.idx, b.txn, prefix.Config{
		Threshold:       b.cfg.WordsPrefixThreshold,
		MaxPrefixLength: b.cfg.MaxPrefixLength,
		Spill:           b.cfg.Spill,
		ShouldAbort:     b.shouldAbort,
	})
	diff, err := updater.Execute(words)
	if err != nil {
		return fmt.Errorf("updating prefix databases: %w", err)
	}
	b.logger.Debug("prefix databases updated",
		"common", len(diff.Common),
		"new", len(diff.New),
		"deleted", len(diff.Deleted),
	)
	return nil
}

func closeReaders(readers []*spill.Reader) {
	for _, r := range readers {
		r.Close()
	}
}
