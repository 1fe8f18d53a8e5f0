package redisstream

import (
	"strconv"
	"strings"
	"time"

	"github.com/trickstertwo/xworld"
)

// encodeEntry flattens a message into stream entry fields. Metadata keys are
// namespaced with fieldMetaPrefix so they cannot collide with the fixed fields.
func encodeEntry(m *xworld.Message) map[string]any {
	vals := make(map[string]any, 4+len(m.Metadata))
	if m.ID != "" {
		vals[fieldID] = m.ID
	}
	vals[fieldName] = m.Name
	vals[fieldPayload] = m.Payload
	if !m.ProducedAt.IsZero() {
		vals[fieldProducedAt] = strconv.FormatInt(m.ProducedAt.UnixNano(), 10)
	}
	for k, v := range m.Metadata {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeEntry rebuilds a message from an entry read back from Redis.
// go-redis returns every field value as a string.
func decodeEntry(id string, vals map[string]any, attempt int) *xworld.Message {
	msg := &xworld.Message{ID: id, Attempt: attempt}
	for k, v := range vals {
		s, _ := v.(string)
		switch {
		case k == fieldName:
			msg.Name = s
		case k == fieldPayload:
			msg.Payload = []byte(s)
		case k == fieldProducedAt:
			if ns, err := strconv.ParseInt(s, 10, 64); err == nil && ns > 0 {
				msg.ProducedAt = time.Unix(0, ns)
			}
		case strings.HasPrefix(k, fieldMetaPrefix):
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]string, 4)
			}
			msg.Metadata[strings.TrimPrefix(k, fieldMetaPrefix)] = s
		}
	}
	return msg
}
