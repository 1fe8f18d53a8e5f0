package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xworld"
	"github.com/trickstertwo/xworld/telemetry"
)

var fixedNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func newTestQuarantine(store xworld.DeadLetterStore) (*Quarantine, *telemetry.Recorder) {
	rec := telemetry.NewRecorder()
	q := New(Config{Store: store, Sink: rec, Now: func() time.Time { return fixedNow }})
	return q, rec
}

func TestNewRecord_FromEnvelope(t *testing.T) {
	env := &xworld.WorldEventEnvelope{
		EventID:        "0f8fad5b-d9cb-469f-a165-70867728950e",
		Type:           "World.Exit.Create",
		Version:        1,
		OccurredUTC:    time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC),
		Actor:          xworld.Actor{Kind: xworld.ActorPlayer, ID: "player-98765"},
		CorrelationID:  "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		IdempotencyKey: "exit-create:A:B:north",
		Payload:        map[string]any{"direction": "sideways"},
	}
	details := xworld.ErrorDetails{
		Category: xworld.CategoryHandlerValidation,
		Message:  "invalid payload",
		Issues:   []xworld.ValidationIssue{{Path: "/payload/direction", Message: "not a direction", Code: "enum"}},
	}

	rec := NewRecord(env, details, fixedNow)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, env.EventID, rec.OriginalEventID)
	assert.Equal(t, env.Type, rec.EventType)
	assert.Equal(t, "player", rec.ActorKind)
	assert.Equal(t, "2026-10-17T10:00:00Z", rec.OccurredUTC)
	assert.Equal(t, env.CorrelationID, rec.CorrelationID)
	assert.Equal(t, details, rec.Error)
	assert.Equal(t, fixedNow, rec.DeadLetteredUTC)
	assert.True(t, rec.Redacted)
	assert.Equal(t, xworld.DeadLetterPartitionKey, rec.PartitionKey)

	payload := rec.RedactedEnvelope["payload"].(map[string]any)
	assert.Equal(t, []any{"direction"}, payload["_fields"])
}

func TestNewRecord_UnparseableInput(t *testing.T) {
	rec := NewRecord([]byte("{{{ definitely not json"), xworld.ErrorDetails{Category: xworld.CategoryJSONParse}, fixedNow)

	assert.Equal(t, map[string]any{"_raw": "{{{ definitely not json"}, rec.RedactedEnvelope)
	assert.Empty(t, rec.OriginalEventID)
	assert.Empty(t, rec.EventType)
	assert.True(t, rec.Redacted)
}

func TestNewRecord_PartialMetadata(t *testing.T) {
	parsed := map[string]any{
		"eventId": "0f8fad5b-d9cb-469f-a165-70867728950e",
		"type":    42,
		"actor":   "nobody",
	}
	rec := NewRecord(parsed, xworld.ErrorDetails{Category: xworld.CategorySchemaValidation}, fixedNow)

	assert.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e", rec.OriginalEventID)
	assert.Empty(t, rec.EventType, "non-string type is not extracted")
	assert.Empty(t, rec.ActorKind)
}

func TestNewRecord_UniqueIDs(t *testing.T) {
	a := NewRecord("x", xworld.ErrorDetails{}, fixedNow)
	b := NewRecord("x", xworld.ErrorDetails{}, fixedNow)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestQuarantine_StoresAndEmits(t *testing.T) {
	store := NewMemoryStore()
	q, sink := newTestQuarantine(store)

	q.Quarantine(context.Background(), `{"eventId":"e-1","type":"World.Exit.Create"}`, xworld.ErrorDetails{
		Category: xworld.CategorySchemaValidation,
		Message:  "missing fields",
	})

	records := store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "e-1", records[0].OriginalEventID)

	events := sink.Named(xworld.EventDeadLettered)
	require.Len(t, events, 1)
	assert.Equal(t, "schema-validation", events[0].Prop("reason"))
	assert.Equal(t, records[0].ID, events[0].Prop("deadLetterId"))
	assert.Equal(t, 0, sink.Count(xworld.EventDeadLetterFailed))
}

func TestQuarantine_StoreFailureNeverPropagates(t *testing.T) {
	boom := errors.New("table unavailable")
	q, sink := newTestQuarantine(StoreFunc(func(context.Context, xworld.DeadLetterRecord) error {
		return boom
	}))

	assert.NotPanics(t, func() {
		q.Quarantine(context.Background(), "garbage", xworld.ErrorDetails{Category: xworld.CategoryJSONParse})
	})

	failed := sink.Named(xworld.EventDeadLetterFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "json-parse", failed[0].Prop("reason"))
	assert.ErrorIs(t, failed[0].Err, boom)
	assert.Equal(t, 0, sink.Count(xworld.EventDeadLettered))
}

func TestQuarantine_HungStoreTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	hung := StoreFunc(func(context.Context, xworld.DeadLetterRecord) error {
		<-release // ignores ctx on purpose
		return nil
	})
	sink := telemetry.NewRecorder()
	q := New(Config{Store: hung, Sink: sink, StoreTimeout: 20 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		q.Quarantine(context.Background(), "garbage", xworld.ErrorDetails{Category: xworld.CategoryJSONParse})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Quarantine blocked on a hung store")
	}
	failed := sink.Named(xworld.EventDeadLetterFailed)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, context.DeadlineExceeded)
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Store(ctx, xworld.DeadLetterRecord{ID: id}))
	}

	got, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
