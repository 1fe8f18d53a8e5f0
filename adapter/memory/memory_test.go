package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xworld"
)

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"buffer_size":      float64(16),
		"concurrency":      3,
		"redelivery_delay": "25ms",
		"max_deliveries":   int64(4),
	})

	assert.Equal(t, 16, cfg.BufferSize)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, 25*time.Millisecond, cfg.RedeliveryDelay)
	assert.Equal(t, 4, cfg.MaxDeliveries)
	assert.True(t, cfg.AssignIDs)

	def := ConfigFromMap(nil)
	assert.Equal(t, 1024, def.BufferSize)
	assert.Equal(t, 1, def.Concurrency)
}

func TestRegisteredWithFactory(t *testing.T) {
	assert.Contains(t, xworld.Transports(), TransportName)
	tr, err := xworld.NewTransport(TransportName, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Close(context.Background()))
}

func TestTransport_FanOutToGroups(t *testing.T) {
	tr := NewTransport(Config{AssignIDs: true})
	defer tr.Close(context.Background())
	ctx := context.Background()

	var a, b atomic.Int32
	subA, err := tr.Subscribe(ctx, "world", "a", func(d xworld.Delivery) {
		a.Add(1)
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer subA.Close()
	subB, err := tr.Subscribe(ctx, "world", "b", func(d xworld.Delivery) {
		b.Add(1)
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, tr.Publish(ctx, "world", &xworld.Message{Payload: []byte(`{}`)}))

	assert.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), tr.Stats().Published)
}

func TestTransport_NackRedeliversWithAttempt(t *testing.T) {
	tr := NewTransport(Config{})
	defer tr.Close(context.Background())
	ctx := context.Background()

	var mu sync.Mutex
	var attempts []int
	sub, err := tr.Subscribe(ctx, "world", "g", func(d xworld.Delivery) {
		mu.Lock()
		attempts = append(attempts, d.Message().Attempt)
		n := len(attempts)
		mu.Unlock()
		if n < 3 {
			_ = d.Nack(ctx, errors.New("try again"))
			return
		}
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "world", &xworld.Message{Payload: []byte(`{}`)}))

	assert.Eventually(t, func() bool { return tr.Stats().Acked == 1 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()
	assert.Equal(t, uint64(2), tr.Stats().Nacked)
}

func TestTransport_PoisonAfterMaxDeliveries(t *testing.T) {
	poisoned := make(chan *xworld.Message, 1)
	tr := NewTransport(Config{MaxDeliveries: 2, OnPoison: func(m *xworld.Message) { poisoned <- m }})
	defer tr.Close(context.Background())
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, "world", "g", func(d xworld.Delivery) {
		_ = d.Nack(ctx, errors.New("always fails"))
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "world", &xworld.Message{ID: "m-1"}))

	select {
	case m := <-poisoned:
		assert.Equal(t, "m-1", m.ID)
		assert.Equal(t, 2, m.Attempt)
	case <-time.After(time.Second):
		t.Fatal("message was not poisoned")
	}
	assert.Equal(t, uint64(1), tr.Stats().Poisoned)
}

func TestTransport_ClosedRejectsWork(t *testing.T) {
	tr := NewTransport(Config{})
	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))

	assert.ErrorIs(t, tr.Publish(context.Background(), "world", &xworld.Message{}), ErrClosed)
	_, err := tr.Subscribe(context.Background(), "world", "g", func(xworld.Delivery) {})
	assert.ErrorIs(t, err, ErrClosed)
}
