package redisstream

// Stream entry fields.
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldPayload    = "payload"    // raw bytes, no base64
	fieldProducedAt = "producedAt" // int64 ns
	fieldMetaPrefix = "meta:"

	// Extra fields on dead-letter stream entries.
	fieldOrigTopic  = "orig_topic"
	fieldOrigID     = "orig_id"
	fieldError      = "error"
	fieldDeliveries = "deliveries"
)
