package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/resilience"
)

type fakePublisher struct {
	events []kafka.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, event kafka.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

type fakeCache struct {
	patterns []string
}

func (f *fakeCache) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	f.patterns = append(f.patterns, pattern)
	return 2, nil
}

type fakeTasks struct {
	processing []string
	finished   []ingestion.IndexCompleteEvent
}

func (f *fakeTasks) MarkProcessing(_ context.Context, taskID, _ string) error {
	f.processing = append(f.processing, taskID)
	return nil
}

func (f *fakeTasks) Finish(_ context.Context, event ingestion.IndexCompleteEvent) error {
	f.finished = append(f.finished, event)
	return nil
}

type harness struct {
	router    *shard.Router
	publisher *fakePublisher
	cache     *fakeCache
	tasks     *fakeTasks
	metrics   *metrics.Metrics
	processor *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := config.DefaultIndexerConfig()
	base.DataDir = "indexes"
	base.TempDir = t.TempDir()
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	router, err := shard.NewRouter(base,
		shard.WithStoreOptions(kv.Options{FS: vfs.NewMem()}),
		shard.WithOpenHook(func(n int) { m.ActiveIndexes.Set(float64(n)) }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { router.Close() })

	cfg, err := indexer.ConfigFrom(base)
	require.NoError(t, err)
	h := &harness{
		router:    router,
		publisher: &fakePublisher{},
		cache:     &fakeCache{},
		tasks:     &fakeTasks{},
		metrics:   m,
	}
	h.processor = NewProcessor(Deps{
		Router:    router,
		Publisher: h.publisher,
		Cache:     h.cache,
		Tasks:     h.tasks,
		Metrics:   m,
		Retry:     resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond},
	}, cfg)
	return h
}

func (h *harness) count(t *testing.T, uid string) uint64 {
	t.Helper()
	idx, err := h.router.Route(uid)
	require.NoError(t, err)
	rtxn := idx.ReadTxn()
	defer rtxn.Close()
	n, err := idx.NumberOfDocuments(rtxn)
	require.NoError(t, err)
	return n
}

func TestProcessAdditionThenDeletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.processor.Process(ctx, ingestion.BatchEvent{
		TaskID:    "t1",
		IndexUID:  "movies",
		Documents: json.RawMessage(`[{"id": 1, "title": "Alien"}, {"id": 2, "title": "Heat"}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusSucceeded, res.Status)
	assert.Equal(t, 2, res.ReceivedDocuments)
	assert.Equal(t, uint64(2), res.IndexedDocuments)
	assert.Equal(t, uint64(2), res.NumberOfDocuments)
	assert.Equal(t, uint64(2), h.count(t, "movies"))

	res, err = h.processor.Process(ctx, ingestion.BatchEvent{
		TaskID:      "t2",
		IndexUID:    "movies",
		DocumentIDs: []string{"1", "404"},
	})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusSucceeded, res.Status)
	assert.Equal(t, 1, res.DeletedDocuments)
	assert.Equal(t, uint64(1), res.NumberOfDocuments)

	assert.Equal(t, []string{"t1", "t2"}, h.tasks.processing)
	require.Len(t, h.tasks.finished, 2)
	require.Len(t, h.publisher.events, 2)
	assert.Equal(t, "movies", h.publisher.events[0].Key)
	assert.Equal(t, "t1", h.publisher.events[0].Headers[ingestion.HeaderTaskID])
	assert.Equal(t, []string{"search:movies:*", "search:movies:*"}, h.cache.patterns)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.DocsIndexedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DocsDeletedTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.CacheKeysInvalidated))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.IndexDocumentCount.WithLabelValues("movies")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.BatchesTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ActiveIndexes))
	assert.Positive(t, testutil.ToFloat64(h.metrics.IndexingStepsReported.WithLabelValues("merge_data_into_final_database")))
}

func TestRejectedBatchLeavesIndexUntouched(t *testing.T) {
	h := newHarness(t)
	res, err := h.processor.Process(context.Background(), ingestion.BatchEvent{
		TaskID:    "t1",
		IndexUID:  "movies",
		Documents: json.RawMessage(`[{"title": "no identifier"}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusFailed, res.Status)
	assert.Equal(t, "index_primary_key_no_candidate_found", res.ErrorCode)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, h.cache.patterns)
	assert.Equal(t, uint64(0), h.count(t, "movies"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BatchesTotal.WithLabelValues("rejected")))
	require.Len(t, h.tasks.finished, 1)
	assert.Equal(t, ingestion.StatusFailed, h.tasks.finished[0].Status)
}

func TestPrimaryKeyAndSettingsFromEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.processor.Process(ctx, ingestion.BatchEvent{
		TaskID:     "t1",
		IndexUID:   "books",
		PrimaryKey: "isbn",
		Settings:   json.RawMessage(`{"filterableFields": ["genre"]}`),
		Documents:  json.RawMessage(`[{"isbn": "a-1", "book_id": 7, "genre": "sf"}]`),
	})
	require.NoError(t, err)
	require.Equal(t, ingestion.StatusSucceeded, res.Status, res.Error)

	idx, err := h.router.Route("books")
	require.NoError(t, err)
	rtxn := idx.ReadTxn()
	pk, err := idx.PrimaryKey(rtxn)
	require.NoError(t, err)
	settings, err := idx.Settings(rtxn)
	require.NoError(t, err)
	require.NoError(t, rtxn.Close())
	assert.Equal(t, "isbn", pk)
	assert.Equal(t, []string{"genre"}, settings.FilterableFields)

	res, err = h.processor.Process(ctx, ingestion.BatchEvent{
		TaskID:     "t2",
		IndexUID:   "books",
		PrimaryKey: "book_id",
		Documents:  json.RawMessage(`[{"isbn": "a-2", "book_id": 8}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusFailed, res.Status)
	assert.Equal(t, uint64(1), h.count(t, "books"))
}

func TestUnknownMethodIsRejected(t *testing.T) {
	h := newHarness(t)
	res, err := h.processor.Process(context.Background(), ingestion.BatchEvent{
		TaskID:    "t1",
		IndexUID:  "movies",
		Method:    "merge",
		Documents: json.RawMessage(`[{"id": 1}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusFailed, res.Status)
	assert.Equal(t, "malformed_payload", res.ErrorCode)
}

func TestUpdateMethodFromEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.processor.Process(ctx, ingestion.BatchEvent{
		TaskID:    "t1",
		IndexUID:  "movies",
		Documents: json.RawMessage(`[{"id": 1, "title": "Alien", "year": 1979}]`),
	})
	require.NoError(t, err)
	res, err := h.processor.Process(ctx, ingestion.BatchEvent{
		TaskID:    "t2",
		IndexUID:  "movies",
		Method:    "update",
		Documents: json.RawMessage(`[{"id": 1, "title": "Aliens"}]`),
	})
	require.NoError(t, err)
	require.Equal(t, ingestion.StatusSucceeded, res.Status, res.Error)

	idx, err := h.router.Route("movies")
	require.NoError(t, err)
	rtxn := idx.ReadTxn()
	defer rtxn.Close()
	docid, ok, err := idx.ExternalID(rtxn, "1")
	require.NoError(t, err)
	require.True(t, ok)
	doc, ok, err := idx.DocumentJSON(rtxn, docid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"Aliens"`, string(doc["title"]))
	assert.JSONEq(t, `1979`, string(doc["year"]))
}

func TestPublishFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.publisher.err = errors.New("broker down")
	_, err := h.processor.Process(context.Background(), ingestion.BatchEvent{
		TaskID:      "t1",
		IndexUID:    "movies",
		DocumentIDs: []string{"1"},
	})
	assert.ErrorContains(t, err, "broker down")
}

func TestHandleMessage(t *testing.T) {
	h := newHarness(t)
	handle := h.processor.HandleMessage()

	assert.NoError(t, handle(context.Background(), []byte("movies"), []byte("{not json")))
	assert.Empty(t, h.publisher.events)

	require.NoError(t, handle(context.Background(), []byte("movies"),
		[]byte(`{"task_id": "t1", "documents": [{"id": "x"}]}`)))
	require.Len(t, h.publisher.events, 1)
	completed := h.publisher.events[0].Value.(ingestion.IndexCompleteEvent)
	assert.Equal(t, "movies", completed.IndexUID)
	assert.Equal(t, ingestion.StatusSucceeded, completed.Status)
	assert.Equal(t, uint64(1), h.count(t, "movies"))
}

func TestInvalidIndexUID(t *testing.T) {
	h := newHarness(t)
	res, err := h.processor.Process(context.Background(), ingestion.BatchEvent{
		TaskID:      "t1",
		IndexUID:    "../escape",
		DocumentIDs: []string{"1"},
	})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusFailed, res.Status)
	assert.Equal(t, 0, h.router.Len())
}
