// Package deadletter quarantines messages that cannot be applied.
//
// Every record is redacted before it is stored: the payload is reduced to a
// field summary, identifier-like values are masked, and oversized strings and
// arrays are truncated. Redaction is idempotent, so records can be re-run
// through RedactEnvelope without further loss.
package deadletter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	// MaxStringBytes is the longest string kept verbatim.
	MaxStringBytes = 10 * 1024
	// MaxArrayItems is the longest array kept verbatim.
	MaxArrayItems = 10
	// TruncatedMarker ends every truncated string and array.
	TruncatedMarker = "...[TRUNCATED]"
	// MaskChar replaces the hidden part of a masked identifier.
	MaskChar = '*'
	// maskKeep is how many trailing characters of an identifier stay visible.
	maskKeep = 4

	fieldCountKey = "_fieldCount"
	fieldsKey     = "_fields"
	rawKey        = "_raw"
)

// safeFields pass through redaction untouched at the top level.
var safeFields = map[string]struct{}{
	"eventId":       {},
	"type":          {},
	"version":       {},
	"occurredUtc":   {},
	"correlationId": {},
}

// RedactEnvelope returns a redacted copy of v. Objects are redacted field by
// field; anything else is wrapped as {"_raw": value}.
func RedactEnvelope(v any) map[string]any {
	v = normalize(v)
	obj, ok := v.(map[string]any)
	if !ok {
		return map[string]any{rawKey: redactValue(v)}
	}

	out := make(map[string]any, len(obj))
	for k, val := range obj {
		switch {
		case isSafe(k):
			out[k] = val
		case k == "payload":
			out[k] = summarizePayload(val)
		default:
			out[k] = redactField(k, val)
		}
	}
	return out
}

// MaskIdentifier keeps the last four characters of s and masks the rest.
// Values of four characters or fewer are fully masked.
func MaskIdentifier(s string) string {
	r := []rune(s)
	if len(r) <= maskKeep {
		return strings.Repeat(string(MaskChar), len(r))
	}
	return strings.Repeat(string(MaskChar), len(r)-maskKeep) + string(r[len(r)-maskKeep:])
}

// IsIdentifierKey reports whether a field name looks like it holds an
// identifier or a list of identifiers.
func IsIdentifierKey(k string) bool {
	if k == "id" || k == "ID" || k == "key" || k == "ids" {
		return true
	}
	lower := strings.ToLower(k)
	for _, suffix := range []string{"Id", "ID", "Ids", "IDs", "Key", "Keys"} {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	for _, suffix := range []string{"_id", "-id", "_ids", "-ids", "_key", "_keys"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func isSafe(k string) bool {
	_, ok := safeFields[k]
	return ok
}

// summarizePayload replaces a payload object with its field names. A payload
// that is already a summary is returned as is.
func summarizePayload(v any) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return redactValue(v)
	}
	if isSummary(obj) {
		return obj
	}
	fields := make([]any, 0, len(obj))
	names := make([]string, 0, len(obj))
	for k := range obj {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, n := range names {
		fields = append(fields, n)
	}
	return map[string]any{
		fieldCountKey: json.Number(fmt.Sprint(len(obj))),
		fieldsKey:     fields,
	}
}

func isSummary(obj map[string]any) bool {
	if len(obj) != 2 {
		return false
	}
	_, hasCount := obj[fieldCountKey]
	_, hasFields := obj[fieldsKey]
	return hasCount && hasFields
}

// redactField redacts the value stored under key k. Every scalar under an
// identifier key is masked, whatever its JSON type, and so is every scalar
// inside an array under such a key.
func redactField(k string, v any) any {
	if IsIdentifierKey(k) {
		return redactIdentifier(v)
	}
	return redactValue(v)
}

func redactIdentifier(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if isMasked(t) {
			return t
		}
		return MaskIdentifier(truncateString(t))
	case []any:
		return redactArray(t, redactIdentifier)
	case map[string]any:
		return redactValue(t)
	default:
		return MaskIdentifier(fmt.Sprint(t))
	}
}

func redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return truncateString(t)
	case []any:
		return redactArray(t, redactValue)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = redactField(k, val)
		}
		return out
	default:
		return t
	}
}

// redactArray keeps the first MaxArrayItems elements, each passed through
// item, and marks the array as truncated when it was longer.
func redactArray(a []any, item func(any) any) []any {
	n := len(a)
	truncated := false
	if n > MaxArrayItems {
		n = MaxArrayItems
		truncated = true
	}
	out := make([]any, 0, n+1)
	for _, v := range a[:n] {
		out = append(out, item(v))
	}
	if truncated {
		out = append(out, TruncatedMarker)
	}
	return out
}

func truncateString(s string) string {
	if len(s) <= MaxStringBytes {
		return s
	}
	// Already truncated; the cut may have backed off a rune boundary.
	if strings.HasSuffix(s, TruncatedMarker) && len(s) <= MaxStringBytes+len(TruncatedMarker) {
		return s
	}
	cut := MaxStringBytes
	// Do not split a multi-byte rune.
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncatedMarker
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// isMasked reports whether s is already the output of MaskIdentifier: at
// least one mask character followed by at most maskKeep visible runes.
func isMasked(s string) bool {
	r := []rune(s)
	stars := len(r) - maskKeep
	if stars < 1 {
		stars = len(r)
	}
	if stars == 0 {
		return false
	}
	for _, c := range r[:stars] {
		if c != MaskChar {
			return false
		}
	}
	return true
}

// normalize turns arbitrary Go values into the generic JSON shapes
// (map[string]any, []any, string, json.Number, bool, nil).
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, json.Number:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}
