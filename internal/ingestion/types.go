// Package ingestion defines the Kafka event schemas exchanged with the
// indexer: batches of documents to index and the completion events it
// publishes once a batch is committed.
package ingestion

import (
	"encoding/json"
	"time"
)

// Batch kinds.
const (
	KindAddition = "addition"
	KindDeletion = "deletion"
)

// HeaderTaskID is the Kafka header carrying the task id of every event.
const HeaderTaskID = "task-id"

// Task statuses written back to the task table.
const (
	StatusEnqueued   = "enqueued"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// BatchEvent is the Kafka payload of one indexing task. Documents is a JSON
// array of documents and DocumentIDs lists the external ids to delete. Both
// may be set, deletions apply first. Settings, when present, replace the
// index settings before the batch is indexed.
type BatchEvent struct {
	TaskID      string          `json:"task_id"`
	IndexUID    string          `json:"index_uid"`
	PrimaryKey  string          `json:"primary_key,omitempty"`
	Method      string          `json:"method,omitempty"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	Documents   json.RawMessage `json:"documents,omitempty"`
	DocumentIDs []string        `json:"document_ids,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Kind reports whether the event adds documents or only deletes them.
func (e BatchEvent) Kind() string {
	if len(e.Documents) == 0 {
		return KindDeletion
	}
	return KindAddition
}

// IndexCompleteEvent is published after a batch is committed or has failed.
type IndexCompleteEvent struct {
	TaskID            string    `json:"task_id"`
	IndexUID          string    `json:"index_uid"`
	Status            string    `json:"status"`
	ReceivedDocuments int       `json:"received_documents"`
	DeletedDocuments  int       `json:"deleted_documents"`
	IndexedDocuments  uint64    `json:"indexed_documents"`
	NumberOfDocuments uint64    `json:"number_of_documents"`
	ErrorCode         string    `json:"error_code,omitempty"`
	Error             string    `json:"error,omitempty"`
	FinishedAt        time.Time `json:"finished_at"`
}
