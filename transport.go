package xworld

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Message is a raw queue message carrying an encoded world event.
// Payload is handed to the Validator untouched.
type Message struct {
	// ID is the transport's delivery identifier, not the event id.
	ID string
	// Name is the event type hint used for routing/metrics. It is not trusted
	// for dispatch; the validated envelope's type is.
	Name     string
	Payload  []byte
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
	// Attempt is the 1-based delivery attempt when the transport tracks it, else 0.
	Attempt int
}

// Delivery encapsulates a received message with Ack/Nack semantics.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// MessageHandler processes a single message. Return error to trigger Nack and redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Transport is the Strategy interface for the at-least-once queue.
type Transport interface {
	// Publish sends messages to a topic/stream.
	Publish(ctx context.Context, topic string, msgs ...*Message) error
	// Subscribe binds a handler to a topic/stream within a consumer group.
	// The transport drives delivery in background and honors ctx.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

// ErrTransportRegistered is returned when a name is registered twice.
var ErrTransportRegistered = errors.New("xworld: transport already registered")

var transports = struct {
	sync.RWMutex
	byName map[string]TransportFactory
}{byName: map[string]TransportFactory{}}

// RegisterTransport makes a transport available by name. Adapters call it
// from init, so a second registration under the same name is a wiring bug.
func RegisterTransport(name string, factory TransportFactory) error {
	switch {
	case name == "":
		return errors.New("xworld: transport name must not be empty")
	case factory == nil:
		return errors.New("xworld: transport factory must not be nil")
	}
	transports.Lock()
	defer transports.Unlock()
	if _, dup := transports.byName[name]; dup {
		return fmt.Errorf("%w: %q", ErrTransportRegistered, name)
	}
	transports.byName[name] = factory
	return nil
}

// NewTransport constructs a registered transport from a flat config map, the
// shape each adapter's ConfigFromMap accepts.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transports.RLock()
	f, ok := transports.byName[name]
	transports.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}

// Transports lists registered transport names in sorted order.
func Transports() []string {
	transports.RLock()
	defer transports.RUnlock()
	return slices.Sorted(maps.Keys(transports.byName))
}
