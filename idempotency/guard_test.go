package idempotency

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

type failingStore struct {
	checkErr error
	markErr  error
	marks    int
}

func (f *failingStore) CheckProcessed(context.Context, string) (*xworld.ProcessedEventRecord, error) {
	return nil, f.checkErr
}

func (f *failingStore) MarkProcessed(_ context.Context, rec xworld.ProcessedEventRecord) (xworld.ProcessedEventRecord, error) {
	f.marks++
	return rec, f.markErr
}

func envelope(key string) *xworld.WorldEventEnvelope {
	return &xworld.WorldEventEnvelope{
		EventID:        "0f8fad5b-d9cb-469f-a165-70867728950e",
		Type:           "World.Exit.Create",
		Version:        1,
		Actor:          xworld.Actor{Kind: xworld.ActorPlayer, ID: "p-1"},
		CorrelationID:  "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		IdempotencyKey: key,
	}
}

func newGuard(store xworld.IdempotencyStore, clock *fakeNow) (*Guard, *telemetry.Recorder) {
	rec := telemetry.NewRecorder()
	g := NewGuard(GuardConfig{
		Cache:     NewCache(WithNow(clock.Now)),
		Store:     store,
		Sink:      rec,
		Retention: time.Hour,
		Now:       clock.Now,
	})
	return g, rec
}

func TestGuard_FirstSeenIsNotDuplicate(t *testing.T) {
	clock := newFakeNow()
	g, _ := newGuard(NewMemoryStore(clock.Now), clock)

	d := g.Check(context.Background(), envelope("k"))
	assert.False(t, d.Duplicate)
}

func TestGuard_CacheHitAfterMark(t *testing.T) {
	clock := newFakeNow()
	store := NewMemoryStore(clock.Now)
	g, _ := newGuard(store, clock)
	ctx := context.Background()

	g.MarkProcessed(ctx, envelope("k"))
	d := g.Check(ctx, envelope("k"))

	assert.True(t, d.Duplicate)
	assert.Equal(t, xworld.DetectedViaCache, d.DetectedVia)
	assert.Equal(t, 1, store.Len())
}

func TestGuard_RegistryHitAfterRestartRepopulatesCache(t *testing.T) {
	clock := newFakeNow()
	store := NewMemoryStore(clock.Now)
	g, _ := newGuard(store, clock)
	ctx := context.Background()

	g.MarkProcessed(ctx, envelope("k"))
	g.Cache().Reset()

	d := g.Check(ctx, envelope("k"))
	require.True(t, d.Duplicate)
	assert.Equal(t, xworld.DetectedViaRegistry, d.DetectedVia)
	require.NotNil(t, d.Record)
	assert.Equal(t, "World.Exit.Create", d.Record.EventType)
	assert.Equal(t, clock.Now().Add(time.Hour), d.Record.ExpiresUTC)

	d = g.Check(ctx, envelope("k"))
	assert.Equal(t, xworld.DetectedViaCache, d.DetectedVia)
}

func TestGuard_ExpiredRegistryRecordIsNotDuplicate(t *testing.T) {
	clock := newFakeNow()
	g, _ := newGuard(NewMemoryStore(clock.Now), clock)
	ctx := context.Background()

	g.MarkProcessed(ctx, envelope("k"))
	g.Cache().Reset()
	clock.Advance(2 * time.Hour)

	assert.False(t, g.Check(ctx, envelope("k")).Duplicate)
}

func TestGuard_LookupFailureDegrades(t *testing.T) {
	clock := newFakeNow()
	boom := errors.New("registry down")
	g, sink := newGuard(&failingStore{checkErr: boom}, clock)

	d := g.Check(context.Background(), envelope("k"))

	assert.False(t, d.Duplicate)
	failed := sink.Named(xworld.EventRegistryCheckFailed)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, boom)
	assert.Equal(t, "k", failed[0].Prop("idempotencyKey"))
}

func TestGuard_WriteFailureStillMarksCache(t *testing.T) {
	clock := newFakeNow()
	store := &failingStore{markErr: errors.New("throttled")}
	g, sink := newGuard(store, clock)
	ctx := context.Background()

	g.MarkProcessed(ctx, envelope("k"))

	assert.Equal(t, 1, store.marks)
	assert.Equal(t, 1, sink.Count(xworld.EventRegistryWriteFailed))
	d := g.Check(ctx, envelope("k"))
	assert.True(t, d.Duplicate)
	assert.Equal(t, xworld.DetectedViaCache, d.DetectedVia)
}

func TestNewRecord(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	env := envelope("k")

	rec := NewRecord(env, now, DefaultRetention)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "k", rec.IdempotencyKey)
	assert.Equal(t, env.EventID, rec.EventID)
	assert.Equal(t, env.CorrelationID, rec.CorrelationID)
	assert.Equal(t, xworld.ActorPlayer, rec.ActorKind)
	assert.Equal(t, "p-1", rec.ActorID)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, now, rec.ProcessedUTC)
	assert.Equal(t, now.Add(7*24*time.Hour), rec.ExpiresUTC)
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newFakeNow()
	store := NewMemoryStore(clock.Now)
	ctx := context.Background()

	_, err := store.MarkProcessed(ctx, xworld.ProcessedEventRecord{IdempotencyKey: "old", ExpiresUTC: clock.Now().Add(time.Minute)})
	require.NoError(t, err)
	_, err = store.MarkProcessed(ctx, xworld.ProcessedEventRecord{IdempotencyKey: "new", ExpiresUTC: clock.Now().Add(time.Hour)})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}
