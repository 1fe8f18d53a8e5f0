package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/trickstertwo/xworld"
	"github.com/trickstertwo/xworld/config"
	"github.com/trickstertwo/xworld/deadletter"
	"github.com/trickstertwo/xworld/handlers"
	"github.com/trickstertwo/xworld/idempotency"
	"github.com/trickstertwo/xworld/schema"
	"github.com/trickstertwo/xworld/world"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, xlog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, xlog.LevelInfo, parseLevel(""))
	assert.Equal(t, xlog.LevelError, parseLevel("error"))
}

func TestMemoryPipelineEndToEnd(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{"XWORLD_CONCURRENCY": "1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := buildPipeline(ctx, cfg, xclock.Default(), xlog.Default())
	require.NoError(t, err)
	defer p.Close()

	_, err = p.worker.Subscribe(ctx, cfg.Topic, cfg.Group)
	require.NoError(t, err)

	env := &xworld.WorldEventEnvelope{
		EventID:        "0e8b1f4e-4c1a-4a7e-9b52-4b3f1f0f7c01",
		Type:           handlers.TypeExitCreate,
		Version:        1,
		OccurredUTC:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Actor:          xworld.Actor{Kind: xworld.ActorPlayer, ID: "player-1"},
		CorrelationID:  "5b0c2f8a-9d3e-4f61-8a27-0c9e1d2b3a44",
		IdempotencyKey: "exit:A:north",
		Payload:        map[string]any{"fromLocationId": "A", "toLocationId": "B", "direction": "north"},
	}
	require.NoError(t, p.worker.PublishEnvelope(ctx, cfg.Topic, env))
	require.NoError(t, p.worker.PublishEnvelope(ctx, cfg.Topic, env))
	require.NoError(t, p.worker.PublishRaw(ctx, cfg.Topic, "garbage", []byte("{not json"), nil))

	assert.Eventually(t, func() bool { return p.worker.Stats().Acked == 3 }, 5*time.Second, 10*time.Millisecond)

	stats := p.processor.Stats()
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Equal(t, uint64(1), stats.Duplicates)
	assert.Equal(t, uint64(1), stats.DeadLettered)

	exits, err := p.stores.world.ListExits(ctx, "B")
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, "A", exits[0].ToLocationID)

	recs, err := p.stores.deadLetters.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, xworld.CategoryJSONParse, recs[0].Error.Category)
}

func TestTelemetrySinkRecordsSpanEventsBeforeSpanEnds(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	sink, logs := newTelemetrySink(xlog.Default())
	defer func() { _ = logs.Close(time.Second) }()

	exits := world.NewMemoryStore()
	q := deadletter.New(deadletter.Config{Store: deadletter.NewMemoryStore(), Sink: sink})
	proc, err := xworld.NewProcessor(xworld.ProcessorConfig{
		Validator:  schema.MustNew(),
		Guard:      idempotency.NewGuard(idempotency.GuardConfig{Cache: idempotency.NewCache(), Store: idempotency.NewMemoryStore(time.Now), Sink: sink}),
		Quarantine: q,
		Dispatcher: handlers.NewRegistry(handlers.Defaults(exits, exits, q)...),
		Sink:       sink,
		Tracer:     tp.Tracer("worldworker-test"),
	})
	require.NoError(t, err)

	res, err := proc.Process(context.Background(), []byte(`{
		"eventId": "0e8b1f4e-4c1a-4a7e-9b52-4b3f1f0f7c02",
		"type": "World.NPC.Tick",
		"version": 1,
		"occurredUtc": "2026-01-02T03:04:05Z",
		"actor": {"kind": "system", "id": "scheduler"},
		"correlationId": "5b0c2f8a-9d3e-4f61-8a27-0c9e1d2b3a45",
		"idempotencyKey": "tick:npc-1:1",
		"payload": {"npcId": "npc-1", "locationId": "A"}
	}`))
	require.NoError(t, err)
	require.Equal(t, xworld.StatusProcessed, res.Status)

	ended := sr.Ended()
	require.Len(t, ended, 1)
	var names []string
	for _, ev := range ended[0].Events() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, string(xworld.EventHandlerInvoked))
	assert.Contains(t, names, string(xworld.EventProcessed))
}
