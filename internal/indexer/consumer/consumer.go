// Package consumer reads document batches from Kafka and indexes each one in
// a single write transaction of its target index, then announces the result.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/documents"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/progress"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/transform"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/tracing"
)

// Publisher announces finished tasks.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Cache drops cached search results of an index.
type Cache interface {
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// TaskStore records task status.
type TaskStore interface {
	MarkProcessing(ctx context.Context, taskID, indexUID string) error
	Finish(ctx context.Context, event ingestion.IndexCompleteEvent) error
}

// Deps are the collaborators of a Processor. Every field except Router may be
// nil.
type Deps struct {
	Router      *shard.Router
	Publisher   Publisher
	Cache       Cache
	CachePrefix string
	Tasks       TaskStore
	Metrics     *metrics.Metrics
	// Retry applies to publishing and task status writes.
	Retry resilience.RetryConfig
}

// Processor indexes batch events.
type Processor struct {
	deps   Deps
	cfg    indexer.Config
	logger *slog.Logger
}

// NewProcessor creates a Processor applying batches with cfg.
func NewProcessor(deps Deps, cfg indexer.Config) *Processor {
	if deps.CachePrefix == "" {
		deps.CachePrefix = "search"
	}
	return &Processor{
		deps:   deps,
		cfg:    cfg,
		logger: slog.Default().With("component", "index-consumer"),
	}
}

// Process applies one batch and reports its outcome. Only failures of the
// surrounding infrastructure are returned as errors; a rejected or failed
// batch yields a completion event with status failed.
func (p *Processor) Process(ctx context.Context, event ingestion.BatchEvent) (ingestion.IndexCompleteEvent, error) {
	started := time.Now()
	ctx = logger.WithBatchID(ctx, event.TaskID)
	log := logger.FromContext(ctx).With("component", "index-consumer", "index", event.IndexUID)
	ctx, span := tracing.StartSpan(ctx, "index_batch", event.TaskID)
	defer func() {
		span.End()
		span.Log(log)
	}()

	if p.deps.Tasks != nil {
		if err := p.deps.Tasks.MarkProcessing(ctx, event.TaskID, event.IndexUID); err != nil {
			log.Error("failed to mark task processing", "error", err)
		}
	}

	result, err := p.apply(ctx, event)
	status := ingestion.StatusSucceeded
	if err != nil {
		status = ingestion.StatusFailed
		result.Status = status
		result.ErrorCode = apperrors.Code(err)
		result.Error = err.Error()
		log.Warn("batch failed", "error", err, "error_code", result.ErrorCode)
	} else {
		result.Status = status
		p.invalidate(ctx, event.IndexUID, log)
		log.Info("batch indexed",
			"indexed_documents", result.IndexedDocuments,
			"deleted_documents", result.DeletedDocuments,
			"number_of_documents", result.NumberOfDocuments,
			"duration", time.Since(started),
		)
	}
	result.FinishedAt = time.Now().UTC()
	p.observe(event, result, err, started)

	if p.deps.Tasks != nil {
		err := resilience.Retry(ctx, "store-task-status", p.deps.Retry, func(ctx context.Context) error {
			return p.deps.Tasks.Finish(ctx, result)
		})
		if err != nil {
			log.Error("failed to store task status", "error", err)
		}
	}
	if p.deps.Publisher != nil {
		err := resilience.Retry(ctx, "publish-index-complete", p.deps.Retry, func(ctx context.Context) error {
			return p.deps.Publisher.Publish(ctx, kafka.Event{
				Key:     event.IndexUID,
				Value:   result,
				Headers: map[string]string{ingestion.HeaderTaskID: event.TaskID},
			})
		})
		if err != nil {
			return result, fmt.Errorf("publishing completion of task %s: %w", event.TaskID, err)
		}
	}
	return result, nil
}

// apply runs the batch in one write transaction, committed only on success.
func (p *Processor) apply(ctx context.Context, event ingestion.BatchEvent) (ingestion.IndexCompleteEvent, error) {
	result := ingestion.IndexCompleteEvent{TaskID: event.TaskID, IndexUID: event.IndexUID}

	if err := validator.ValidateBatchEvent(&event); err != nil {
		return result, apperrors.Newf(apperrors.ErrInvalidDocumentFormat, "%v", err)
	}
	cfg, err := p.configFor(event)
	if err != nil {
		return result, err
	}
	var batch *documents.Batch
	if len(event.Documents) > 0 {
		_, span := tracing.StartChildSpan(ctx, "parse")
		batch, err = documents.Parse(bytes.NewReader(event.Documents))
		if err != nil {
			span.End()
			return result, err
		}
		result.ReceivedDocuments = batch.Len()
		span.SetAttr("documents", result.ReceivedDocuments)
		span.End()
	}

	idx, err := p.deps.Router.Route(event.IndexUID)
	if err != nil {
		return result, err
	}
	txn, err := idx.WriteTxn()
	if err != nil {
		return result, err
	}
	defer txn.Abort()

	if err := p.prepare(idx, txn, event); err != nil {
		return result, err
	}

	builder, err := indexer.New(idx, txn, cfg, p.reportProgress, func() bool { return ctx.Err() != nil })
	if err != nil {
		return result, err
	}
	if len(event.DocumentIDs) > 0 {
		n, err := builder.RemoveDocuments(event.DocumentIDs)
		if err != nil {
			return result, err
		}
		result.DeletedDocuments = n
	}
	if batch != nil {
		_, userErr, err := builder.AddDocuments(batch)
		if err != nil {
			return result, err
		}
		if userErr != nil {
			return result, userErr
		}
	}
	execCtx, span := tracing.StartChildSpan(ctx, "execute")
	res, err := builder.Execute(execCtx)
	span.End()
	if err != nil {
		return result, err
	}
	_, span = tracing.StartChildSpan(ctx, "commit")
	err = txn.Commit()
	span.End()
	if err != nil {
		return result, err
	}
	result.IndexedDocuments = res.IndexedDocuments
	result.NumberOfDocuments = res.NumberOfDocuments
	return result, nil
}

func (p *Processor) configFor(event ingestion.BatchEvent) (indexer.Config, error) {
	cfg := p.cfg
	switch event.Method {
	case "":
	case "replace":
		cfg.UpdateMethod = transform.ReplaceDocuments
	case "update":
		cfg.UpdateMethod = transform.UpdateDocuments
	default:
		return cfg, apperrors.Newf(apperrors.ErrInvalidDocumentFormat, "unknown update method %q", event.Method)
	}
	return cfg, nil
}

// prepare applies the primary key and settings carried by the event.
func (p *Processor) prepare(idx *index.Index, txn *kv.RwTxn, event ingestion.BatchEvent) error {
	if len(event.Settings) > 0 {
		var settings index.Settings
		if err := json.Unmarshal(event.Settings, &settings); err != nil {
			return apperrors.Newf(apperrors.ErrInvalidDocumentFormat, "invalid settings: %v", err)
		}
		if err := idx.PutSettings(txn, settings); err != nil {
			return err
		}
	}
	if event.PrimaryKey == "" {
		return nil
	}
	current, err := idx.PrimaryKey(txn)
	if err != nil {
		return err
	}
	switch {
	case current == "":
		return idx.PutPrimaryKey(txn, event.PrimaryKey)
	case current != event.PrimaryKey:
		return apperrors.Newf(apperrors.ErrInvalidDocumentID, "index already has primary key %q", current)
	}
	return nil
}

// invalidate drops the cached searches of an index after a commit.
func (p *Processor) invalidate(ctx context.Context, uid string, log *slog.Logger) {
	if p.deps.Cache == nil {
		return
	}
	pattern := fmt.Sprintf("%s:%s:*", p.deps.CachePrefix, uid)
	n, err := p.deps.Cache.FlushByPattern(ctx, pattern)
	if err != nil {
		log.Error("failed to invalidate search cache", "pattern", pattern, "error", err)
	}
	if n > 0 && p.deps.Metrics != nil {
		p.deps.Metrics.CacheKeysInvalidated.Add(float64(n))
	}
}

func (p *Processor) observe(event ingestion.BatchEvent, result ingestion.IndexCompleteEvent, err error, started time.Time) {
	m := p.deps.Metrics
	if m == nil {
		return
	}
	status := result.Status
	switch {
	case apperrors.IsAborted(err):
		status = "aborted"
	case apperrors.IsUserError(err):
		status = "rejected"
	}
	m.ObserveBatch(event.Kind(), status, started)
	if err != nil {
		return
	}
	m.DocsIndexedTotal.Add(float64(result.IndexedDocuments))
	m.DocsDeletedTotal.Add(float64(result.DeletedDocuments))
	m.IndexDocumentCount.WithLabelValues(event.IndexUID).Set(float64(result.NumberOfDocuments))
}

func (p *Processor) reportProgress(step progress.Step) {
	if p.deps.Metrics == nil {
		return
	}
	p.deps.Metrics.IndexingStepsReported.WithLabelValues(step.Name()).Inc()
}

// HandleMessage returns a Kafka MessageHandler decoding batch events.
// Undecodable messages are logged and skipped.
func (p *Processor) HandleMessage() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[ingestion.BatchEvent](value)
		if err != nil {
			p.logger.Error("failed to decode batch event",
				"error", err,
				"key", string(key),
			)
			return nil
		}
		if event.IndexUID == "" {
			event.IndexUID = string(key)
		}
		p.logger.Debug("processing batch event",
			"task_id", event.TaskID,
			"index", event.IndexUID,
			"kind", event.Kind(),
		)
		_, err = p.Process(ctx, event)
		return err
	}
}

// IndexConsumer wraps a Kafka consumer to drive the indexing pipeline.
type IndexConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates an IndexConsumer backed by the given Kafka consumer.
func New(kafkaConsumer *kafka.Consumer) *IndexConsumer {
	return &IndexConsumer{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "index-consumer"),
	}
}

// Start begins consuming Kafka messages. It blocks until ctx is cancelled.
func (ic *IndexConsumer) Start(ctx context.Context) error {
	ic.logger.Info("index consumer starting")
	return ic.consumer.Start(ctx)
}
