package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// ErrNoSchema is returned by CompileSchema for an empty schema document.
var ErrNoSchema = errors.New("no input schema defined")

// RootField names a failure that is not tied to a single property.
const RootField = "(root)"

// Schema is a compiled JSON schema for a tool's params.
type Schema struct {
	raw      json.RawMessage
	compiled *gojsonschema.Schema
}

// FieldError describes one property that failed validation.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Reason)
}

// CompileSchema parses and compiles a JSON schema once so it can be reused
// across every invocation of a tool.
func CompileSchema(raw json.RawMessage) (*Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrNoSchema
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	return &Schema{raw: raw, compiled: compiled}, nil
}

// Raw returns the schema document as registered.
func (s *Schema) Raw() json.RawMessage { return s.raw }

// Validate checks params against the schema. Empty or null params are treated
// as an empty object. A non-nil error means params are not valid JSON; a
// schema mismatch is reported through the returned field errors, sorted by
// field name.
func (s *Schema) Validate(params json.RawMessage) ([]FieldError, error) {
	params = Normalize(params)
	if !json.Valid(params) {
		return nil, errors.New("params are not valid JSON")
	}

	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	fieldErrs := make([]FieldError, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		fieldErrs = append(fieldErrs, FieldError{
			Field:  fieldOf(desc),
			Reason: desc.Description(),
		})
	}
	sort.SliceStable(fieldErrs, func(i, j int) bool {
		return fieldErrs[i].Field < fieldErrs[j].Field
	})
	return fieldErrs, nil
}

// Normalize maps absent or null params to an empty object.
func Normalize(params json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`)
	}
	return trimmed
}

// fieldOf resolves the property a result error refers to. Missing required
// properties are reported against the root, with the name in the details.
func fieldOf(desc gojsonschema.ResultError) string {
	if desc.Type() == "required" {
		if prop, ok := desc.Details()["property"].(string); ok {
			if desc.Field() == RootField {
				return prop
			}
			return desc.Field() + "." + prop
		}
	}
	return desc.Field()
}
