// Package memory is an in-process at-least-once transport for tests and
// local development. Nacked messages are redelivered with an incremented
// attempt counter until MaxDeliveries is reached.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xworld"
)

const TransportName = "memory"

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("xworld/memory: transport is closed")

func init() {
	if err := xworld.RegisterTransport(TransportName, func(cfg map[string]any) (xworld.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xworld/memory: failed to register transport: %w", err))
	}
}

// Transport implements xworld.Transport on buffered channels. Each consumer
// group on a topic receives every message once; within a group one worker
// handles it.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic

	closed  atomic.Bool
	done    chan struct{}
	metrics transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
	poisoned    atomic.Uint64
}

var _ xworld.Transport = (*Transport)(nil)

func NewTransport(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{cfg: cfg, topics: make(map[string]*topic), done: make(chan struct{})}
}

// Publish fans messages out to every consumer group of the topic. Messages
// published before any group exists are dropped.
func (t *Transport) Publish(ctx context.Context, topicName string, msgs ...*xworld.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.RLock()
	top, ok := t.topics[topicName]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if t.cfg.AssignIDs && m.ID == "" {
			m.ID = nextID()
		}
		top.mu.RLock()
		for _, g := range top.groups {
			task := &deliveryTask{tr: t, group: g, msg: m, attempt: 1}
			select {
			case g.queue <- task:
			case <-ctx.Done():
				top.mu.RUnlock()
				return ctx.Err()
			}
		}
		top.mu.RUnlock()
		t.metrics.published.Add(1)
	}
	return nil
}

// Subscribe starts cfg.Concurrency workers for the group.
func (t *Transport) Subscribe(ctx context.Context, topicName, group string, handler func(xworld.Delivery)) (xworld.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	g := t.ensureTopic(topicName).ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	return &subscription{close: func() error {
		cancel()
		wg.Wait()
		return nil
	}}, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(xworld.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.queue:
			if task == nil {
				continue
			}
			t.metrics.consumed.Add(1)
			handler(&delivery{task: task, msg: task.message()})
		}
	}
}

// Close stops accepting work. Queued messages are discarded.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)
	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
	return nil
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published   uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	// Poisoned counts messages dropped after MaxDeliveries attempts.
	Poisoned uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
		Poisoned:    t.metrics.poisoned.Load(),
	}
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

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name  string
	queue chan *deliveryTask
}

type deliveryTask struct {
	tr      *Transport
	group   *group
	msg     *xworld.Message
	attempt int
}

// message returns a per-attempt copy so handlers never observe another
// group's attempt counter.
func (dt *deliveryTask) message() *xworld.Message {
	m := *dt.msg
	m.Attempt = dt.attempt
	return &m
}

type delivery struct {
	task *deliveryTask
	msg  *xworld.Message
	once sync.Once
}

func (d *delivery) Message() *xworld.Message { return d.msg }

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() { d.task.tr.metrics.acked.Add(1) })
	return nil
}

// Nack schedules redelivery after RedeliveryDelay. The requeue runs in the
// background so a full queue never blocks the consuming worker.
func (d *delivery) Nack(_ context.Context, _ error) error {
	d.once.Do(func() {
		tr := d.task.tr
		tr.metrics.nacked.Add(1)

		if limit := tr.cfg.MaxDeliveries; limit > 0 && d.task.attempt >= limit {
			tr.metrics.poisoned.Add(1)
			if tr.cfg.OnPoison != nil {
				tr.cfg.OnPoison(d.msg)
			}
			return
		}

		next := &deliveryTask{tr: tr, group: d.task.group, msg: d.task.msg, attempt: d.task.attempt + 1}
		go func() {
			if delay := tr.cfg.RedeliveryDelay; delay > 0 {
				time.Sleep(delay)
			}
			tr.metrics.redelivered.Add(1)
			select {
			case next.group.queue <- next:
			case <-tr.done:
			}
		}()
	})
	return nil
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{groups: make(map[string]*group)}
	t.topics[name] = tp
	return tp
}

func (tp *topic) ensureGroup(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if g, ok := tp.groups[name]; ok {
		return g
	}
	g := &group{name: name, queue: make(chan *deliveryTask, bufferSize)}
	tp.groups[name] = g
	return g
}

var idSeq atomic.Uint64

func nextID() string {
	return fmt.Sprintf("mem-%d", idSeq.Add(1))
}
