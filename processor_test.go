package xworld_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xworld"
	"github.com/trickstertwo/xworld/deadletter"
	"github.com/trickstertwo/xworld/handlers"
	"github.com/trickstertwo/xworld/idempotency"
	"github.com/trickstertwo/xworld/schema"
	"github.com/trickstertwo/xworld/telemetry"
	"github.com/trickstertwo/xworld/world"
)

type harness struct {
	proc        *xworld.Processor
	guard       *idempotency.Guard
	registry    *idempotency.MemoryStore
	deadLetters *deadletter.MemoryStore
	world       *world.MemoryStore
	rec         *telemetry.Recorder
	dispatch    *handlers.Registry
}

// failingRegistry fails every call.
type failingRegistry struct{}

func (failingRegistry) CheckProcessed(context.Context, string) (*xworld.ProcessedEventRecord, error) {
	return nil, errors.New("registry unavailable")
}

func (failingRegistry) MarkProcessed(context.Context, xworld.ProcessedEventRecord) (xworld.ProcessedEventRecord, error) {
	return xworld.ProcessedEventRecord{}, errors.New("registry unavailable")
}

func newHarness(t *testing.T, store xworld.IdempotencyStore, extra ...xworld.Handler) *harness {
	t.Helper()
	h := &harness{
		registry:    idempotency.NewMemoryStore(time.Now),
		deadLetters: deadletter.NewMemoryStore(),
		world:       world.NewMemoryStore(),
		rec:         telemetry.NewRecorder(),
	}
	if store == nil {
		store = h.registry
	}
	q := deadletter.New(deadletter.Config{Store: h.deadLetters, Sink: h.rec})
	h.guard = idempotency.NewGuard(idempotency.GuardConfig{
		Cache: idempotency.NewCache(),
		Store: store,
		Sink:  h.rec,
	})
	h.dispatch = handlers.NewRegistry(append(handlers.Defaults(h.world, h.world, q), extra...)...)

	proc, err := xworld.NewProcessor(xworld.ProcessorConfig{
		Validator:  schema.MustNew(),
		Guard:      h.guard,
		Quarantine: q,
		Dispatcher: h.dispatch,
		Sink:       h.rec,
	})
	require.NoError(t, err)
	h.proc = proc
	return h
}

func envelope(eventType, key string, payload map[string]any) map[string]any {
	return map[string]any{
		"eventId":        "6f1c1b0e-3a52-4d0e-9a57-2f1f6f6d2a11",
		"type":           eventType,
		"version":        1,
		"occurredUtc":    "2026-02-01T10:00:00Z",
		"actor":          map[string]any{"kind": "player", "id": "player-7"},
		"correlationId":  "a3d5c7e9-1b2c-4d6e-8f90-123456789abc",
		"idempotencyKey": key,
		"payload":        payload,
	}
}

func exitEvent() []byte {
	b, _ := json.Marshal(envelope(handlers.TypeExitCreate, "exit:A:north", map[string]any{
		"fromLocationId": "A",
		"toLocationId":   "B",
		"direction":      "north",
	}))
	return b
}

func TestNewProcessorRequiresCollaborators(t *testing.T) {
	_, err := xworld.NewProcessor(xworld.ProcessorConfig{})
	assert.Error(t, err)
}

func TestProcess_AppliesOnceThenSuppressesDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.proc.Process(ctx, exitEvent())
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusProcessed, res.Status)
	assert.Equal(t, xworld.OutcomeSuccess, res.Outcome)
	require.NotNil(t, res.Envelope.IngestedUTC)
	assert.Equal(t, 2, h.world.ExitCount())
	assert.Equal(t, 1, h.registry.Len())

	res, err = h.proc.Process(ctx, exitEvent())
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusDuplicate, res.Status)
	assert.Equal(t, xworld.DetectedViaCache, res.DetectedVia)

	// A restarted process has an empty cache but the same registry.
	h.guard.Cache().Reset()
	res, err = h.proc.Process(ctx, exitEvent())
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusDuplicate, res.Status)
	assert.Equal(t, xworld.DetectedViaRegistry, res.DetectedVia)

	dups := h.rec.Named(xworld.EventDuplicate)
	require.Len(t, dups, 2)
	assert.Equal(t, "cache", dups[0].Prop("detectedVia"))
	assert.Equal(t, "registry", dups[1].Prop("detectedVia"))
	assert.Equal(t, "exit:A:north", dups[1].Prop("idempotencyKey"))

	processed := h.rec.Named(xworld.EventProcessed)
	require.Len(t, processed, 1)
	assert.Equal(t, "success", processed[0].Prop("outcome"))
	assert.Equal(t, 1, h.rec.Count(xworld.EventHandlerInvoked))
	assert.Equal(t, 2, h.world.ExitCount())
}

func TestProcess_SameKeyNewEventIDIsDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.proc.Process(ctx, exitEvent())
	require.NoError(t, err)

	other := envelope(handlers.TypeExitCreate, "exit:A:north", map[string]any{
		"fromLocationId": "A", "toLocationId": "C", "direction": "north",
	})
	other["eventId"] = "0b7e3c2d-5f4a-4e1b-9c8d-7a6b5c4d3e2f"
	res, err := h.proc.Process(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusDuplicate, res.Status)
}

func TestProcess_MalformedJSONIsDeadLettered(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.proc.Process(context.Background(), []byte(`{"eventId": `))
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusDeadLettered, res.Status)
	assert.Equal(t, xworld.CategoryJSONParse, res.Category)

	recs := h.deadLetters.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, xworld.CategoryJSONParse, recs[0].Error.Category)
	assert.True(t, recs[0].Redacted)
	assert.Equal(t, xworld.DeadLetterPartitionKey, recs[0].PartitionKey)
	assert.Equal(t, 1, h.rec.Count(xworld.EventDeadLettered))
	assert.Zero(t, h.rec.Count(xworld.EventProcessed))
}

func TestProcess_SchemaFailureKeepsMetadata(t *testing.T) {
	h := newHarness(t, nil)
	bad := envelope(handlers.TypeNPCTick, "tick:1", map[string]any{"npcId": "n", "locationId": "l"})
	delete(bad, "idempotencyKey")
	bad["version"] = 0

	res, err := h.proc.Process(context.Background(), bad)
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusDeadLettered, res.Status)
	assert.Equal(t, xworld.CategorySchemaValidation, res.Category)

	recs := h.deadLetters.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "6f1c1b0e-3a52-4d0e-9a57-2f1f6f6d2a11", recs[0].OriginalEventID)
	assert.Equal(t, handlers.TypeNPCTick, recs[0].EventType)
	assert.Equal(t, "player", recs[0].ActorKind)

	var paths []string
	for _, is := range recs[0].Error.Issues {
		paths = append(paths, is.Path)
	}
	assert.Contains(t, paths, "/version")
	assert.Contains(t, paths, "/idempotencyKey")
	assert.Zero(t, h.registry.Len())
}

func TestProcess_UnknownTypeIsNotMarked(t *testing.T) {
	h := newHarness(t, nil)
	raw := envelope("World.Weather.Change", "weather:1", map[string]any{"sky": "grey"})

	for range 2 {
		res, err := h.proc.Process(context.Background(), raw)
		require.NoError(t, err)
		assert.Equal(t, xworld.StatusUnhandled, res.Status)
	}
	assert.Equal(t, 2, h.rec.Count(xworld.EventHandlerMissing))
	assert.Zero(t, h.registry.Len())
	assert.Zero(t, h.deadLetters.Len())
}

func TestProcess_HandlerValidationFailureIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	raw := envelope(handlers.TypeExitCreate, "exit:bad", map[string]any{
		"fromLocationId": "A",
		"direction":      "sideways",
	})

	res, err := h.proc.Process(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusProcessed, res.Status)
	assert.Equal(t, xworld.OutcomeValidationFailed, res.Outcome)

	recs := h.deadLetters.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, xworld.CategoryHandlerValidation, recs[0].Error.Category)
	assert.Zero(t, h.world.ExitCount())

	res, err = h.proc.Process(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusDuplicate, res.Status)
}

func TestProcess_TransientHandlerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	flaky := xworld.HandlerFunc{
		EventType: "World.Test.Flaky",
		Fn: func(context.Context, *xworld.WorldEventEnvelope) (xworld.Outcome, error) {
			if calls.Add(1) == 1 {
				return xworld.OutcomeError, errors.New("store timeout")
			}
			return xworld.OutcomeSuccess, nil
		},
	}
	h := newHarness(t, nil, flaky)
	raw := envelope("World.Test.Flaky", "flaky:1", map[string]any{})

	res, err := h.proc.Process(context.Background(), raw)
	var he *xworld.HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "World.Test.Flaky", he.EventType)
	assert.ErrorContains(t, err, "store timeout")
	assert.Equal(t, xworld.StatusFailed, res.Status)
	assert.Zero(t, h.registry.Len())

	res, err = h.proc.Process(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusProcessed, res.Status)
	assert.Equal(t, 1, h.registry.Len())
}

func TestProcess_OutcomeErrorWithoutErrIsStillAFailure(t *testing.T) {
	silent := xworld.HandlerFunc{
		EventType: "World.Test.Silent",
		Fn: func(context.Context, *xworld.WorldEventEnvelope) (xworld.Outcome, error) {
			return xworld.OutcomeError, nil
		},
	}
	h := newHarness(t, nil, silent)

	_, err := h.proc.Process(context.Background(), envelope("World.Test.Silent", "s:1", map[string]any{}))
	var he *xworld.HandlerError
	assert.ErrorAs(t, err, &he)
	assert.Equal(t, uint64(1), h.proc.Stats().Failed)
}

func TestProcess_HandlerPanicBecomesError(t *testing.T) {
	boom := xworld.HandlerFunc{
		EventType: "World.Test.Panic",
		Fn: func(context.Context, *xworld.WorldEventEnvelope) (xworld.Outcome, error) {
			panic("boom")
		},
	}
	h := newHarness(t, nil, boom)

	_, err := h.proc.Process(context.Background(), envelope("World.Test.Panic", "p:1", map[string]any{}))
	assert.ErrorIs(t, err, xworld.ErrHandlerPanic)
}

func TestProcess_RegistryOutageDegradesToCache(t *testing.T) {
	h := newHarness(t, failingRegistry{})
	ctx := context.Background()

	res, err := h.proc.Process(ctx, exitEvent())
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusProcessed, res.Status)
	assert.Equal(t, 1, h.rec.Count(xworld.EventRegistryCheckFailed))
	assert.Equal(t, 1, h.rec.Count(xworld.EventRegistryWriteFailed))

	res, err = h.proc.Process(ctx, exitEvent())
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusDuplicate, res.Status)
	assert.Equal(t, xworld.DetectedViaCache, res.DetectedVia)
}

func TestProcess_StatsAndDoubleEncodedInput(t *testing.T) {
	h := newHarness(t, nil)
	raw, err := json.Marshal(string(exitEvent()))
	require.NoError(t, err)

	res, err := h.proc.Process(context.Background(), string(raw))
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusProcessed, res.Status)

	_, _ = h.proc.Process(context.Background(), "not json")
	assert.Equal(t, xworld.ProcessorStats{Processed: 1, DeadLettered: 1}, h.proc.Stats())
}

func TestProcess_HungDeadLetterStoreStillAcks(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	rec := telemetry.NewRecorder()
	q := deadletter.New(deadletter.Config{
		Store: deadletter.StoreFunc(func(context.Context, xworld.DeadLetterRecord) error {
			<-release
			return nil
		}),
		Sink:         rec,
		StoreTimeout: 20 * time.Millisecond,
	})
	proc, err := xworld.NewProcessor(xworld.ProcessorConfig{
		Validator:  schema.MustNew(),
		Guard:      idempotency.NewGuard(idempotency.GuardConfig{Cache: idempotency.NewCache(), Store: idempotency.NewMemoryStore(time.Now)}),
		Quarantine: q,
		Dispatcher: handlers.NewRegistry(),
		Sink:       rec,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := proc.Process(ctx, []byte("not json"))
	require.NoError(t, err)
	assert.Equal(t, xworld.StatusDeadLettered, res.Status)
	assert.NoError(t, ctx.Err())
	assert.Equal(t, 1, rec.Count(xworld.EventDeadLetterFailed))
}
