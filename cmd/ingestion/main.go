// Command ingestion enqueues one indexing task: a file of documents to add
// and/or a list of document ids to delete from an index.
//
// Usage:
//
//	go run ./cmd/ingestion -index movies -documents movies.json
//	go run ./cmd/ingestion -index movies -delete 12,13 [-config configs/development.yaml]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/tasks"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	indexUID := flag.String("index", "", "target index uid")
	documentsPath := flag.String("documents", "", "JSON array of documents to add")
	settingsPath := flag.String("settings", "", "JSON index settings to apply first")
	deleteIDs := flag.String("delete", "", "comma-separated document ids to delete")
	primaryKey := flag.String("primary-key", "", "primary key of the index")
	method := flag.String("method", "", "update method: replace or update")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	event := ingestion.BatchEvent{
		IndexUID:   *indexUID,
		PrimaryKey: *primaryKey,
		Method:     *method,
	}
	if *documentsPath != "" {
		if event.Documents, err = readJSON(*documentsPath); err != nil {
			slog.Error("failed to read documents", "error", err)
			os.Exit(1)
		}
	}
	if *settingsPath != "" {
		if event.Settings, err = readJSON(*settingsPath); err != nil {
			slog.Error("failed to read settings", "error", err)
			os.Exit(1)
		}
	}
	if *deleteIDs != "" {
		event.DocumentIDs = strings.Split(*deleteIDs, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder publisher.TaskRecorder
	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, task will not be recorded", "error", err)
	} else {
		defer db.Close()
		store := tasks.NewStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			slog.Error("failed to create task schema", "error", err)
			os.Exit(1)
		}
		recorder = store
	}

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DocumentBatches)
	defer producer.Close()

	enqueued, err := publisher.New(recorder, producer).Enqueue(ctx, event)
	if err != nil {
		slog.Error("failed to enqueue batch", "error", err)
		os.Exit(1)
	}
	fmt.Println(enqueued.TaskID)
}

func readJSON(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return data, nil
}
