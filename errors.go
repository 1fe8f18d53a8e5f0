package xworld

import (
	"errors"
	"fmt"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	ErrWorkerClosed          = errors.New("xworld: worker is closed")
	ErrInvalidTopic          = errors.New("xworld: topic must not be empty")
	ErrInvalidSubscription   = errors.New("xworld: topic and group must not be empty")
	ErrNoTransportConfigured = errors.New("xworld: no transport configured")
	ErrNoProcessor           = errors.New("xworld: no processor configured")
	ErrNilEnvelope           = errors.New("xworld: envelope must not be nil")
	ErrHandlerPanic          = errors.New("xworld: handler panic")
)

// HandlerError wraps a transient handler failure with the event it belongs to.
// It is the only error class Process returns.
type HandlerError struct {
	EventType string
	EventID   string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed for event %s: %v", e.EventType, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
