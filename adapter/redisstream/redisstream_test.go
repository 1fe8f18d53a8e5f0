package redisstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xworld"
)

// testConfig returns a config for the Redis at XWORLD_TEST_REDIS_ADDR or
// skips the test.
func testConfig(t *testing.T) (Config, *redis.Client) {
	t.Helper()
	addr := os.Getenv("XWORLD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("XWORLD_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("XWORLD_TEST_REDIS_PASSWORD")})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	cfg := Defaults()
	cfg.Addr = addr
	cfg.Password = os.Getenv("XWORLD_TEST_REDIS_PASSWORD")
	cfg.Block = 200 * time.Millisecond
	return cfg, client
}

// uniqueStream returns a fresh stream name and removes it after the test.
func uniqueStream(t *testing.T, client *redis.Client, group string) string {
	stream := fmt.Sprintf("xworld-test-%s-%d", t.Name(), time.Now().UnixNano())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.XGroupDestroy(ctx, stream, group).Err()
		_ = client.Del(ctx, stream).Err()
	})
	return stream
}

func TestConfig_DefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())

	bad := Defaults()
	bad.Concurrency = 0
	assert.Error(t, bad.Validate())

	bad = Defaults()
	bad.MaxDeliveries = -1
	assert.Error(t, bad.Validate())
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"addr":           "redis:6379",
		"group":          "world",
		"concurrency":    float64(4),
		"block":          "2s",
		"claim_min_idle": 10 * time.Second,
		"max_deliveries": 3,
		"dead_letter":    "world-poison",
	})

	assert.Equal(t, "redis:6379", cfg.Addr)
	assert.Equal(t, "world", cfg.Group)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Block)
	assert.Equal(t, 10*time.Second, cfg.ClaimMinIdle)
	assert.Equal(t, 3, cfg.MaxDeliveries)
	assert.Equal(t, "world-poison", cfg.DeadLetter)
	assert.Equal(t, Defaults().BatchSize, cfg.BatchSize)

	roundTrip := ConfigFromMap(cfg.toMap())
	assert.Equal(t, cfg, roundTrip)
}

func TestEntryRoundTrip(t *testing.T) {
	now := time.Unix(0, 1_760_000_000_123_456_789)
	vals := encodeEntry(&xworld.Message{
		Name:       "World.Exit.Create",
		Payload:    []byte(`{"a":1}`),
		ProducedAt: now,
		Metadata:   map[string]string{"traceId": "t-1"},
	})

	// Redis hands every value back as a string.
	stored := make(map[string]any, len(vals))
	for k, v := range vals {
		switch b := v.(type) {
		case []byte:
			stored[k] = string(b)
		default:
			stored[k] = fmt.Sprint(b)
		}
	}
	msg := decodeEntry("1-0", stored, 2)

	assert.Equal(t, "1-0", msg.ID)
	assert.Equal(t, 2, msg.Attempt)
	assert.Equal(t, "World.Exit.Create", msg.Name)
	assert.Equal(t, []byte(`{"a":1}`), msg.Payload)
	assert.Equal(t, now.UnixNano(), msg.ProducedAt.UnixNano())
	assert.Equal(t, map[string]string{"traceId": "t-1"}, msg.Metadata)
}

func TestDecodeEntryIgnoresBadTimestamp(t *testing.T) {
	msg := decodeEntry("1-0", map[string]any{fieldProducedAt: "yesterday"}, 1)
	assert.True(t, msg.ProducedAt.IsZero())
	assert.Nil(t, msg.Metadata)
}

func TestLastFailure(t *testing.T) {
	tr := &Transport{}
	assert.Equal(t, "max deliveries exceeded", tr.lastFailure("1-0"))

	tr.failures.Store("1-0", "handler: boom")
	assert.Equal(t, "handler: boom", tr.lastFailure("1-0"))
	assert.Equal(t, "max deliveries exceeded", tr.lastFailure("1-0"))
}

func TestPublishAndConsume(t *testing.T) {
	cfg, client := testConfig(t)
	stream := uniqueStream(t, client, cfg.Group)

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got atomic.Int32
	sub, err := tr.Subscribe(ctx, stream, cfg.Group, func(d xworld.Delivery) {
		assert.Equal(t, 1, d.Message().Attempt)
		assert.Equal(t, "v", d.Message().Metadata["k"])
		got.Add(1)
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer sub.Close()

	const n = 20
	msgs := make([]*xworld.Message, n)
	for i := range msgs {
		msgs[i] = &xworld.Message{
			Name:       "World.NPC.Tick",
			Payload:    []byte(fmt.Sprintf(`{"i":%d}`, i)),
			Metadata:   map[string]string{"k": "v"},
			ProducedAt: time.Now(),
		}
	}
	require.NoError(t, tr.Publish(ctx, stream, msgs...))

	assert.Eventually(t, func() bool { return got.Load() == n }, 5*time.Second, 20*time.Millisecond)
	pending, err := client.XPending(ctx, stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestNackIsRedeliveredByClaimLoop(t *testing.T) {
	cfg, client := testConfig(t)
	cfg.ClaimMinIdle = 100 * time.Millisecond
	cfg.ClaimInterval = 50 * time.Millisecond
	stream := uniqueStream(t, client, cfg.Group)

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	var attempts []int
	sub, err := tr.Subscribe(ctx, stream, cfg.Group, func(d xworld.Delivery) {
		mu.Lock()
		attempts = append(attempts, d.Message().Attempt)
		first := len(attempts) == 1
		mu.Unlock()
		if first {
			_ = d.Nack(ctx, errors.New("transient"))
			return
		}
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, stream, &xworld.Message{Name: "World.NPC.Tick", Payload: []byte(`{}`)}))

	assert.Eventually(t, func() bool { return tr.Stats().Acked == 1 }, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1, 2}, attempts)
	mu.Unlock()
}

func TestPoisonMovesToDeadLetterStream(t *testing.T) {
	cfg, client := testConfig(t)
	cfg.ClaimMinIdle = 50 * time.Millisecond
	cfg.ClaimInterval = 50 * time.Millisecond
	cfg.MaxDeliveries = 2
	stream := uniqueStream(t, client, cfg.Group)
	cfg.DeadLetter = stream + "-poison"
	t.Cleanup(func() { _ = client.Del(context.Background(), cfg.DeadLetter).Err() })

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := tr.Subscribe(ctx, stream, cfg.Group, func(d xworld.Delivery) {
		_ = d.Nack(ctx, errors.New("always"))
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, stream, &xworld.Message{Name: "World.NPC.Tick", Payload: []byte(`{"x":1}`)}))

	assert.Eventually(t, func() bool { return tr.Stats().Poisoned == 1 }, 5*time.Second, 20*time.Millisecond)
	entries, err := client.XRange(ctx, cfg.DeadLetter, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, stream, entries[0].Values[fieldOrigTopic])
	assert.Equal(t, `{"x":1}`, entries[0].Values[fieldPayload])
	assert.Equal(t, "always", entries[0].Values[fieldError])
}
