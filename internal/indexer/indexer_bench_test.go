package indexer

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/documents"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/config"
)

var benchTerms = []string{"distributed", "search", "analytics", "platform", "indexing", "query", "engine", "ranking"}

func benchBatch(b *testing.B, offset, n int) *documents.Batch {
	b.Helper()
	var sb strings.Builder
	sb.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `{"id": %d, "title": "document about %s and %s", "body": "this document covers %s %s in production", "rank": %d}`,
			offset+i,
			benchTerms[i%len(benchTerms)], benchTerms[(i+1)%len(benchTerms)],
			benchTerms[(i+2)%len(benchTerms)], benchTerms[(i+3)%len(benchTerms)], i%10)
	}
	sb.WriteByte(']')
	batch, err := documents.ParseString(sb.String())
	if err != nil {
		b.Fatal(err)
	}
	return batch
}

func benchIndex(b *testing.B, batch *documents.Batch, idx *index.Index) {
	b.Helper()
	cfg, err := ConfigFrom(config.DefaultIndexerConfig())
	if err != nil {
		b.Fatal(err)
	}
	cfg.Spill.TempDir = b.TempDir()
	txn, err := idx.WriteTxn()
	if err != nil {
		b.Fatal(err)
	}
	builder, err := New(idx, txn, cfg, nil, nil)
	if err != nil {
		b.Fatal(err)
	}
	if _, userErr, err := builder.AddDocuments(batch); err != nil || userErr != nil {
		b.Fatal(err, userErr)
	}
	if _, err := builder.Execute(context.Background()); err != nil {
		b.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		b.Fatal(err)
	}
}

// BenchmarkIndexDocuments measures one batch indexed into indexes of
// various pre-loaded sizes.
func BenchmarkIndexDocuments(b *testing.B) {
	for _, preload := range []int{0, 1000, 5000} {
		b.Run(fmt.Sprintf("preload_%d", preload), func(b *testing.B) {
			store, err := kv.OpenInMemory()
			if err != nil {
				b.Fatal(err)
			}
			idx := index.New("bench", store)
			defer idx.Close()
			if preload > 0 {
				benchIndex(b, benchBatch(b, 0, preload), idx)
			}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				batch := benchBatch(b, preload+i*100, 100)
				b.StartTimer()
				benchIndex(b, batch, idx)
			}
		})
	}
}
