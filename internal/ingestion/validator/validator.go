// Package validator checks batch events before they reach an index and
// returns per-field error details.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/ingestion"
)

const (
	maxTaskIDLength   = 255
	maxDocumentIDs    = 1 << 20
	maxDocumentsBytes = 100 << 20
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// ValidateBatchEvent checks the envelope of a batch event. The documents
// themselves are validated by the pipeline.
func ValidateBatchEvent(event *ingestion.BatchEvent) error {
	errs := make(map[string]string)

	taskID := strings.TrimSpace(event.TaskID)
	if taskID == "" {
		errs["task_id"] = "task id is required"
	} else if len(taskID) > maxTaskIDLength {
		errs["task_id"] = fmt.Sprintf("task id must be at most %d characters", maxTaskIDLength)
	}
	if event.IndexUID == "" {
		errs["index_uid"] = "index uid is required"
	}
	if len(event.Documents) == 0 && len(event.DocumentIDs) == 0 && len(event.Settings) == 0 {
		errs["documents"] = "batch carries no documents, document ids or settings"
	}
	if len(event.Documents) > maxDocumentsBytes {
		errs["documents"] = fmt.Sprintf("documents payload must be at most %d bytes", maxDocumentsBytes)
	}
	if len(event.DocumentIDs) > maxDocumentIDs {
		errs["document_ids"] = fmt.Sprintf("at most %d document ids per batch", maxDocumentIDs)
	}
	for i, id := range event.DocumentIDs {
		if id == "" {
			errs["document_ids"] = fmt.Sprintf("document id at position %d is empty", i)
			break
		}
	}
	switch event.Method {
	case "", "replace", "update":
	default:
		errs["method"] = fmt.Sprintf("unknown update method %q", event.Method)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
