package handlers

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/trickstertwo/xworld"
)

// Issues collects payload problems found by the Require helpers.
type Issues []xworld.ValidationIssue

func (is *Issues) add(field, code, msg string) {
	*is = append(*is, xworld.ValidationIssue{Path: "/payload/" + field, Message: msg, Code: code})
}

// Empty reports whether no problem was recorded.
func (is Issues) Empty() bool { return len(is) == 0 }

// RequireString returns payload[field] when it is a non-blank string and
// records an issue otherwise.
func RequireString(payload map[string]any, field string, issues *Issues) string {
	v, ok := payload[field]
	if !ok || v == nil {
		issues.add(field, "required", field+" is required")
		return ""
	}
	s, ok := v.(string)
	if !ok {
		issues.add(field, "type", fmt.Sprintf("%s must be a string, got %T", field, v))
		return ""
	}
	if strings.TrimSpace(s) == "" {
		issues.add(field, "minLength", field+" must not be empty")
		return ""
	}
	return s
}

// RequireEnum is RequireString restricted to the allowed values.
func RequireEnum(payload map[string]any, field string, allowed []string, issues *Issues) string {
	before := len(*issues)
	s := RequireString(payload, field, issues)
	if len(*issues) > before {
		return ""
	}
	if !slices.Contains(allowed, s) {
		issues.add(field, "enum", fmt.Sprintf("%s must be one of [%s], got %q", field, strings.Join(allowed, ", "), s))
		return ""
	}
	return s
}

// Reject quarantines env with its payload issues and returns the
// validation-failed outcome. The message is not retried.
func Reject(ctx context.Context, q xworld.Quarantine, env *xworld.WorldEventEnvelope, issues Issues) xworld.Outcome {
	parts := make([]string, 0, len(issues))
	for _, is := range issues {
		parts = append(parts, is.Path+": "+is.Message)
	}
	details := xworld.ErrorDetails{
		Category: xworld.CategoryHandlerValidation,
		Message:  fmt.Sprintf("invalid %s payload: %s", env.Type, strings.Join(parts, "; ")),
		Issues:   issues,
	}
	xworld.Logger(ctx).Warn().
		Str("event_type", env.Type).
		Str("reason", details.Message).
		Msg("handlers: payload rejected")
	if q != nil {
		q.Quarantine(ctx, env, details)
	}
	return xworld.OutcomeValidationFailed
}
