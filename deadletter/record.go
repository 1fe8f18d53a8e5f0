package deadletter

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/trickstertwo/xworld"
)

// NewRecord builds a redacted dead-letter record from whatever was received.
//
// rawOrEnvelope may be a validated envelope, a decoded JSON value, or the raw
// message bytes. Metadata fields are filled when the input carries them as
// strings; a completely unparseable message is kept as {"_raw": ...}.
func NewRecord(rawOrEnvelope any, details xworld.ErrorDetails, now time.Time) xworld.DeadLetterRecord {
	subject := decodeSubject(rawOrEnvelope)

	rec := xworld.DeadLetterRecord{
		ID:               uuid.NewString(),
		RedactedEnvelope: RedactEnvelope(subject),
		Error:            details,
		DeadLetteredUTC:  now.UTC(),
		Redacted:         true,
		PartitionKey:     xworld.DeadLetterPartitionKey,
	}

	obj, ok := subject.(map[string]any)
	if !ok {
		return rec
	}
	rec.OriginalEventID = stringField(obj, "eventId")
	rec.EventType = stringField(obj, "type")
	rec.OccurredUTC = stringField(obj, "occurredUtc")
	rec.CorrelationID = stringField(obj, "correlationId")
	if actor, ok := obj["actor"].(map[string]any); ok {
		rec.ActorKind = stringField(actor, "kind")
	}
	return rec
}

// decodeSubject turns the input into a generic JSON value. Text that parses
// as a JSON object is used as that object; any other text stays a string.
func decodeSubject(v any) any {
	var text []byte
	switch t := v.(type) {
	case nil:
		return nil
	case *xworld.WorldEventEnvelope:
		if t == nil {
			return nil
		}
		return normalize(t)
	case string:
		text = []byte(t)
	case []byte:
		text = t
	case json.RawMessage:
		text = t
	default:
		return normalize(v)
	}

	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err == nil && obj != nil {
		return obj
	}
	return string(text)
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}
