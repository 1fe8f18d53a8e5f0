package xworld

import (
	"time"
)

// ActorKind identifies who caused a world event.
type ActorKind string

const (
	ActorPlayer ActorKind = "player"
	ActorSystem ActorKind = "system"
	ActorNPC    ActorKind = "npc"
)

// Actor is the originator of a world event. ID is optional for system actors.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// WorldEventEnvelope is the validated, canonical form of an inbound queue message.
//
// The envelope is immutable once validated, except IngestedUTC which the
// processor sets once on the path that wins the idempotency check.
type WorldEventEnvelope struct {
	EventID     string     `json:"eventId"`
	Type        string     `json:"type"`
	Version     int        `json:"version"`
	OccurredUTC time.Time  `json:"occurredUtc"`
	IngestedUTC *time.Time `json:"ingestedUtc,omitempty"`
	Actor       Actor      `json:"actor"`
	// CorrelationID propagates across a causal chain of events.
	CorrelationID string `json:"correlationId"`
	// CausationID points to the event that triggered this one, if any.
	CausationID string `json:"causationId,omitempty"`
	// IdempotencyKey is stable across redeliveries of the same logical event
	// and is the only input to duplicate detection.
	IdempotencyKey string         `json:"idempotencyKey"`
	Payload        map[string]any `json:"payload"`
}

// ProcessedEventRecord is the durable proof that a logical event was applied.
type ProcessedEventRecord struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotencyKey"`
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	CorrelationID  string    `json:"correlationId"`
	ProcessedUTC   time.Time `json:"processedUtc"`
	ActorKind      ActorKind `json:"actorKind"`
	ActorID        string    `json:"actorId,omitempty"`
	Version        int       `json:"version"`
	// ExpiresUTC ends the de-duplication window for this record.
	ExpiresUTC time.Time `json:"expiresUtc"`
}

// Expired reports whether the record is past its retention window at now.
// A zero ExpiresUTC never expires.
func (r *ProcessedEventRecord) Expired(now time.Time) bool {
	if r == nil || r.ExpiresUTC.IsZero() {
		return false
	}
	return !now.Before(r.ExpiresUTC)
}

// ErrorCategory classifies why a message was dead-lettered.
type ErrorCategory string

const (
	CategoryJSONParse         ErrorCategory = "json-parse"
	CategorySchemaValidation  ErrorCategory = "schema-validation"
	CategoryHandlerValidation ErrorCategory = "handler-validation"
)

// ValidationIssue describes one problem found in an inbound message.
// Path is a JSON pointer into the message; Code is the failing rule.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ErrorDetails is the error section of a dead-letter record.
type ErrorDetails struct {
	Category ErrorCategory     `json:"category"`
	Message  string            `json:"message"`
	Issues   []ValidationIssue `json:"issues,omitempty"`
}

// DeadLetterPartitionKey is the fixed bucket every dead-letter record is stored under.
const DeadLetterPartitionKey = "deadletter"

// DeadLetterRecord is a quarantined message with sensitive fields redacted.
// Records are append-only.
type DeadLetterRecord struct {
	ID               string         `json:"id"`
	OriginalEventID  string         `json:"originalEventId,omitempty"`
	EventType        string         `json:"eventType,omitempty"`
	ActorKind        string         `json:"actorKind,omitempty"`
	OccurredUTC      string         `json:"occurredUtc,omitempty"`
	CorrelationID    string         `json:"correlationId,omitempty"`
	RedactedEnvelope map[string]any `json:"redactedEnvelope"`
	Error            ErrorDetails   `json:"error"`
	DeadLetteredUTC  time.Time      `json:"deadLetteredUtc"`
	Redacted         bool           `json:"redacted"`
	PartitionKey     string         `json:"partitionKey"`
}

// Outcome is the result of a single handler invocation.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeNoop             Outcome = "noop"
	OutcomeValidationFailed Outcome = "validation-failed"
	OutcomeError            Outcome = "error"
)

// ValidationFailure is returned by a Validator when a message is rejected.
type ValidationFailure struct {
	Category ErrorCategory
	Message  string
	Issues   []ValidationIssue
	// Parsed holds the decoded message when parsing succeeded, so the
	// quarantine can still extract metadata from a schema-invalid shape.
	Parsed any
}

func (f *ValidationFailure) Error() string {
	if f == nil {
		return ""
	}
	return string(f.Category) + ": " + f.Message
}

// Details converts the failure into the dead-letter error section.
func (f *ValidationFailure) Details() ErrorDetails {
	return ErrorDetails{Category: f.Category, Message: f.Message, Issues: f.Issues}
}
