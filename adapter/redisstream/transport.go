package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xworld"
)

const TransportName = "redis-streams"

func init() {
	if err := xworld.RegisterTransport(TransportName, func(cfg map[string]any) (xworld.Transport, error) {
		tr, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return tr, nil
	}); err != nil {
		panic(fmt.Errorf("xworld: failed to register transport %q: %w", TransportName, err))
	}
}

// Transport implements xworld.Transport over Redis Streams consumer groups.
type Transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	// delivery pool to reduce per-message allocations
	dpool sync.Pool
	// failures maps entry id to the last Nack reason seen by this process.
	failures sync.Map

	metrics transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	reclaimed     atomic.Uint64
	poisoned      atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Reclaimed     uint64
	Poisoned      uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

var _ xworld.Transport = (*Transport)(nil)

// NewTransport validates cfg, connects and pings Redis.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newTransport(cfg, client), nil
}

// NewTransportWithClient wraps an existing client. The transport closes it on Close.
func NewTransportWithClient(cfg Config, client *redis.Client) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTransport(cfg, client), nil
}

func newTransport(cfg Config, client *redis.Client) *Transport {
	return &Transport{
		cfg:    cfg,
		client: client,
		dpool:  sync.Pool{New: func() any { return new(delivery) }},
	}
}

// Client exposes the underlying client, e.g. to share it with a registry.
func (t *Transport) Client() *redis.Client { return t.client }

// Publish appends messages with XADD in one pipeline.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*xworld.Message) error {
	if t.closed.Load() {
		return xworld.ErrWorkerClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	for _, m := range msgs {
		if m == nil {
			continue
		}
		args := &redis.XAddArgs{Stream: topic, ID: "*", Values: encodeEntry(m)}
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return err
	}
	t.metrics.published.Add(uint64(len(msgs)))
	return nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Subscribe consumes topic in group. New entries come from the poller;
// pending entries come back through the claim loop.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xworld.Delivery)) (xworld.Subscription, error) {
	if t.closed.Load() {
		return nil, xworld.ErrWorkerClosed
	}
	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %s/%s: %w", topic, group, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	workers := max(1, t.cfg.Concurrency)
	workCh := make(chan *delivery, workers*2)

	var workersWG sync.WaitGroup
	for i := 0; i < workers; i++ {
		workersWG.Add(1)
		go func() {
			defer workersWG.Done()
			for d := range workCh {
				handler(d)
				t.releaseDelivery(d)
			}
		}()
	}

	// Producers share workCh; it is closed once both have stopped.
	var producersWG sync.WaitGroup
	producersWG.Add(1)
	go func() {
		defer producersWG.Done()
		t.pollerLoop(innerCtx, topic, group, workCh)
	}()
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 {
		producersWG.Add(1)
		go func() {
			defer producersWG.Done()
			t.claimLoop(innerCtx, topic, group, workCh)
		}()
	}
	go func() {
		producersWG.Wait()
		close(workCh)
	}()

	var once sync.Once
	return &subscription{close: func() error {
		once.Do(func() {
			cancel()
			producersWG.Wait()
			workersWG.Wait()
		})
		return nil
	}}, nil
}

func (t *Transport) pollerLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = 100 * time.Millisecond
				continue
			}
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if !t.dispatch(ctx, workCh, topic, group, msg, 1) {
					return
				}
			}
		}
	}
}

// claimLoop redelivers entries that stayed pending longer than ClaimMinIdle:
// nacked entries and entries orphaned by a crashed consumer.
func (t *Transport) claimLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !t.claimOnce(ctx, topic, group, workCh) {
			return
		}
	}
}

// claimOnce runs one reclaim pass. It returns false when ctx ended.
func (t *Transport) claimOnce(ctx context.Context, topic, group string, workCh chan<- *delivery) bool {
	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(max(1, t.cfg.ClaimBatch)),
		Idle:   t.cfg.ClaimMinIdle,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if !errors.Is(err, redis.Nil) {
			t.metrics.consumeErrors.Add(1)
		}
		return true
	}

	attempts := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if limit := t.cfg.MaxDeliveries; limit > 0 && p.RetryCount >= int64(limit) {
			t.poison(ctx, topic, group, p.ID, p.RetryCount)
			continue
		}
		attempts[p.ID] = p.RetryCount + 1
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return true
	}

	msgs, err := t.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: t.cfg.Consumer,
		MinIdle:  t.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		t.metrics.consumeErrors.Add(1)
		return true
	}

	for _, msg := range msgs {
		if msg.Values == nil {
			// Entry was trimmed from the stream; nothing left to deliver.
			_ = t.client.XAck(ctx, topic, group, msg.ID).Err()
			continue
		}
		t.metrics.reclaimed.Add(1)
		if !t.dispatch(ctx, workCh, topic, group, msg, int(attempts[msg.ID])) {
			return false
		}
	}
	return true
}

// poison moves an entry that exhausted its deliveries to the dead-letter
// stream and acknowledges it.
func (t *Transport) poison(ctx context.Context, topic, group, id string, deliveries int64) {
	if dl := t.cfg.DeadLetter; dl != "" {
		entries, err := t.client.XRangeN(ctx, topic, id, id, 1).Result()
		if err != nil {
			t.metrics.consumeErrors.Add(1)
			return
		}
		values := map[string]any{
			fieldOrigTopic:  topic,
			fieldOrigID:     id,
			fieldError:      t.lastFailure(id),
			fieldDeliveries: deliveries,
		}
		if len(entries) == 1 {
			for k, v := range entries[0].Values {
				values[k] = v
			}
		}
		if err := t.client.XAdd(ctx, &redis.XAddArgs{Stream: dl, ID: "*", Values: values}).Err(); err != nil {
			t.metrics.consumeErrors.Add(1)
			return
		}
	}
	if err := t.client.XAck(ctx, topic, group, id).Err(); err == nil {
		t.metrics.poisoned.Add(1)
		t.failures.Delete(id)
	}
}

func (t *Transport) dispatch(ctx context.Context, workCh chan<- *delivery, topic, group string, msg redis.XMessage, attempt int) bool {
	d := t.newDelivery()
	d.t = t
	d.topic = topic
	d.group = group
	d.id = msg.ID
	d.msg = decodeEntry(msg.ID, msg.Values, attempt)

	t.metrics.consumed.Add(1)
	select {
	case workCh <- d:
		return true
	case <-ctx.Done():
		t.releaseDelivery(d)
		return false
	}
}

func (t *Transport) newDelivery() *delivery {
	return t.dpool.Get().(*delivery)
}

// releaseDelivery clears references and returns d to the pool.
func (t *Transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	*d = delivery{}
	t.dpool.Put(d)
}

// Close closes the Redis client. Subscriptions should be closed first.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Reclaimed:     t.metrics.reclaimed.Load(),
		Poisoned:      t.metrics.poisoned.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
