// Package schema adapts xeipuuv/gojsonschema behind the narrow Validator
// contract spec §5 requires: Cyre consumes only a validator, not the schema
// authoring DSL itself (out of scope per spec §1's non-goals).
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Validator is the contract the protection pipeline's `schema` step
// consumes. Any schema engine can be wired in by implementing this.
type Validator interface {
	// Validate reports whether payload conforms to the schema, plus a
	// human-readable reason on failure.
	Validate(payload any) (ok bool, reason string)
}

// JSONSchema validates payloads against a JSON Schema document using
// gojsonschema.
type JSONSchema struct {
	schema *gojsonschema.Schema
}

// Compile parses a JSON Schema document (as a Go value or raw JSON bytes/
// string) into a reusable Validator.
func Compile(document any) (*JSONSchema, error) {
	raw, err := toJSONLoader(document)
	if err != nil {
		return nil, err
	}
	schema, err := gojsonschema.NewSchema(raw)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return &JSONSchema{schema: schema}, nil
}

func toJSONLoader(document any) (gojsonschema.JSONLoader, error) {
	switch v := document.(type) {
	case string:
		return gojsonschema.NewStringLoader(v), nil
	case []byte:
		return gojsonschema.NewBytesLoader(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("schema: marshal document: %w", err)
		}
		return gojsonschema.NewBytesLoader(b), nil
	}
}

// Validate implements Validator.
func (j *JSONSchema) Validate(payload any) (bool, string) {
	b, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Sprintf("payload is not JSON-serializable: %v", err)
	}
	result, err := j.schema.Validate(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return false, fmt.Sprintf("schema validation error: %v", err)
	}
	if result.Valid() {
		return true, ""
	}
	errs := result.Errors()
	if len(errs) == 0 {
		return false, "payload does not conform to schema"
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.String()
	}
	return false, strings.Join(msgs, "; ")
}

// Func adapts a plain predicate into a Validator, for callers that want to
// validate without a JSON Schema document (e.g. a hand-written structural
// check).
type Func func(payload any) (bool, string)

// Validate implements Validator.
func (f Func) Validate(payload any) (bool, string) { return f(payload) }
