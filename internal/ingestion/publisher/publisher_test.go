package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/kafka"
)

type recorder struct {
	tasks []string
}

func (r *recorder) Enqueue(_ context.Context, taskID, indexUID string) error {
	r.tasks = append(r.tasks, indexUID+"/"+taskID)
	return nil
}

type producer struct {
	events []kafka.Event
	err    error
}

func (p *producer) Publish(_ context.Context, event kafka.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func TestEnqueueAssignsTaskIDAndKeysByIndex(t *testing.T) {
	rec, prod := &recorder{}, &producer{}
	p := New(rec, prod)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	event, err := p.Enqueue(context.Background(), ingestion.BatchEvent{
		IndexUID:  "movies",
		Documents: json.RawMessage(`[{"id": 1}]`),
	})
	require.NoError(t, err)
	assert.Len(t, event.TaskID, 36)
	assert.Equal(t, at, event.EnqueuedAt)
	assert.Equal(t, []string{"movies/" + event.TaskID}, rec.tasks)
	require.Len(t, prod.events, 1)
	assert.Equal(t, "movies", prod.events[0].Key)
	assert.Equal(t, event, prod.events[0].Value)
	assert.Equal(t, event.TaskID, prod.events[0].Headers[ingestion.HeaderTaskID])
}

func TestEnqueueKeepsGivenTaskID(t *testing.T) {
	prod := &producer{}
	event, err := New(nil, prod).Enqueue(context.Background(), ingestion.BatchEvent{
		TaskID:      "task-7",
		IndexUID:    "movies",
		DocumentIDs: []string{"1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "task-7", event.TaskID)
}

func TestEnqueueRejectsInvalidEvents(t *testing.T) {
	rec, prod := &recorder{}, &producer{}
	_, err := New(rec, prod).Enqueue(context.Background(), ingestion.BatchEvent{IndexUID: "movies"})
	var verr *validator.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Empty(t, rec.tasks)
	assert.Empty(t, prod.events)
}

func TestEnqueueReportsPublishFailure(t *testing.T) {
	prod := &producer{err: errors.New("broker down")}
	_, err := New(nil, prod).Enqueue(context.Background(), ingestion.BatchEvent{
		IndexUID:    "movies",
		DocumentIDs: []string{"1"},
	})
	assert.ErrorContains(t, err, "broker down")
}
