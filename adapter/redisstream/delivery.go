package redisstream

import (
	"context"
	"sync/atomic"

	"github.com/trickstertwo/xworld"
)

// delivery is one stream entry handed to a worker goroutine. It is settled
// (acked or nacked) at most once.
type delivery struct {
	t       *Transport
	topic   string
	group   string
	id      string
	msg     *xworld.Message
	settled atomic.Bool
}

func (d *delivery) Message() *xworld.Message { return d.msg }

// Ack removes the entry from the group's pending list and forgets any
// failure recorded for it.
func (d *delivery) Ack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.t.client.XAck(ctx, d.topic, d.group, d.id).Err(); err != nil {
		// The entry stays pending and comes back through the claim loop.
		return err
	}
	d.t.metrics.acked.Add(1)
	d.t.failures.Delete(d.id)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
	}
	return nil
}

// Nack leaves the entry pending. Streams have no negative ack; the claim
// loop redelivers the entry once it has been idle for ClaimMinIdle. The
// reason is kept so a poisoned entry carries its last failure.
func (d *delivery) Nack(_ context.Context, reason error) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	d.t.metrics.nacked.Add(1)
	if reason != nil {
		d.t.failures.Store(d.id, reason.Error())
	}
	return nil
}

// lastFailure returns and forgets the recorded Nack reason for id.
func (t *Transport) lastFailure(id string) string {
	if v, ok := t.failures.LoadAndDelete(id); ok {
		return v.(string)
	}
	return "max deliveries exceeded"
}
