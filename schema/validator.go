// Package schema validates raw queue messages against the world event
// envelope JSON Schema and decodes them into xworld envelopes.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/trickstertwo/xworld"
)

//go:embed envelope.schema.json
var envelopeSchema []byte

const schemaURL = "https://xworld.trickstertwo.dev/schema/world-event-envelope.json"

// Validator is the envelope schema validator. It holds only compiled,
// read-only state and is safe for concurrent use.
type Validator struct {
	sch     *jsonschema.Schema
	printer *message.Printer
}

var _ xworld.Validator = (*Validator)(nil)

// New compiles the embedded envelope schema with format assertions enabled.
func New() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("schema: decode envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("schema: add envelope schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("schema: compile envelope schema: %w", err)
	}
	return &Validator{sch: sch, printer: message.NewPrinter(language.English)}, nil
}

// MustNew is New that panics; the schema is embedded so failure is a build defect.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate parses raw and checks it against the envelope schema.
//
// Strings and byte slices are parsed as JSON; a parse failure is reported
// with CategoryJSONParse. Any other value is treated as already-structured
// data. Schema failures are reported with CategorySchemaValidation and one
// issue per violated rule.
func (v *Validator) Validate(raw any) (*xworld.WorldEventEnvelope, *xworld.ValidationFailure) {
	data, failure := toJSON(raw)
	if failure != nil {
		return nil, failure
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, &xworld.ValidationFailure{
			Category: xworld.CategoryJSONParse,
			Message:  fmt.Sprintf("message is not valid JSON: %v", err),
		}
	}
	// Some producers double-encode: the message body is a JSON string that
	// holds the envelope.
	if s, ok := inst.(string); ok {
		data = []byte(s)
		if inst, err = jsonschema.UnmarshalJSON(bytes.NewReader(data)); err != nil {
			return nil, &xworld.ValidationFailure{
				Category: xworld.CategoryJSONParse,
				Message:  fmt.Sprintf("message string is not valid JSON: %v", err),
			}
		}
	}

	if err := v.sch.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return nil, &xworld.ValidationFailure{
				Category: xworld.CategorySchemaValidation,
				Message:  err.Error(),
				Parsed:   inst,
			}
		}
		issues := v.Issues(ve)
		return nil, &xworld.ValidationFailure{
			Category: xworld.CategorySchemaValidation,
			Message:  summarize(issues),
			Issues:   issues,
			Parsed:   inst,
		}
	}

	var env xworld.WorldEventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		// The schema accepted a shape the Go type cannot hold.
		return nil, &xworld.ValidationFailure{
			Category: xworld.CategorySchemaValidation,
			Message:  fmt.Sprintf("envelope does not decode: %v", err),
			Issues:   []xworld.ValidationIssue{{Path: "", Message: err.Error(), Code: "decode"}},
			Parsed:   inst,
		}
	}
	return &env, nil
}

// Issues flattens a validation error tree into leaf issues.
func (v *Validator) Issues(ve *jsonschema.ValidationError) []xworld.ValidationIssue {
	var out []xworld.ValidationIssue
	v.collect(ve, &out)
	return out
}

func (v *Validator) collect(ve *jsonschema.ValidationError, out *[]xworld.ValidationIssue) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			v.collect(c, out)
		}
		return
	}

	path := pointer(ve.InstanceLocation)
	if req, ok := ve.ErrorKind.(*kind.Required); ok {
		for _, missing := range req.Missing {
			*out = append(*out, xworld.ValidationIssue{
				Path:    path + "/" + escape(missing),
				Message: "required",
				Code:    "required",
			})
		}
		return
	}

	*out = append(*out, xworld.ValidationIssue{
		Path:    path,
		Message: ve.ErrorKind.LocalizedString(v.printer),
		Code:    code(ve.ErrorKind.KeywordPath()),
	})
}

func toJSON(raw any) ([]byte, *xworld.ValidationFailure) {
	switch r := raw.(type) {
	case string:
		return []byte(r), nil
	case []byte:
		return r, nil
	case json.RawMessage:
		return r, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, &xworld.ValidationFailure{
			Category: xworld.CategoryJSONParse,
			Message:  fmt.Sprintf("message is not JSON-encodable: %v", err),
		}
	}
	return data, nil
}

func summarize(issues []xworld.ValidationIssue) string {
	if len(issues) == 0 {
		return "envelope failed schema validation"
	}
	parts := make([]string, 0, len(issues))
	for _, is := range issues {
		p := is.Path
		if p == "" {
			p = "/"
		}
		parts = append(parts, p+": "+is.Message)
	}
	return "envelope failed schema validation: " + strings.Join(parts, "; ")
}

func pointer(loc []string) string {
	if len(loc) == 0 {
		return ""
	}
	var b strings.Builder
	for _, seg := range loc {
		b.WriteByte('/')
		b.WriteString(escape(seg))
	}
	return b.String()
}

func escape(seg string) string {
	seg = strings.ReplaceAll(seg, "~", "~0")
	return strings.ReplaceAll(seg, "/", "~1")
}

func code(keywordPath []string) string {
	if len(keywordPath) == 0 {
		return "schema"
	}
	return keywordPath[len(keywordPath)-1]
}
