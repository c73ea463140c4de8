package validator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/ingestion"
)

func TestValidateBatchEvent(t *testing.T) {
	valid := ingestion.BatchEvent{TaskID: "t1", IndexUID: "movies", Documents: json.RawMessage(`[]`)}
	assert.NoError(t, ValidateBatchEvent(&valid))

	deletion := ingestion.BatchEvent{TaskID: "t2", IndexUID: "movies", DocumentIDs: []string{"1"}, Method: "update"}
	assert.NoError(t, ValidateBatchEvent(&deletion))
}

func TestValidateBatchEventReportsEveryField(t *testing.T) {
	event := ingestion.BatchEvent{
		TaskID:      strings.Repeat("x", 300),
		DocumentIDs: []string{"1", ""},
		Method:      "merge",
	}
	err := ValidateBatchEvent(&event)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 4)
	assert.Contains(t, verr.Fields, "task_id")
	assert.Contains(t, verr.Fields, "index_uid")
	assert.Contains(t, verr.Fields, "document_ids")
	assert.Contains(t, verr.Fields, "method")
	assert.True(t, strings.HasPrefix(err.Error(), "document_ids: "))
}

func TestValidateBatchEventRequiresContent(t *testing.T) {
	err := ValidateBatchEvent(&ingestion.BatchEvent{TaskID: "t1", IndexUID: "movies"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "documents")
}
