package toolexecutor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// DefaultIdentifyingFields are the verification inputs used for dedupe and validation.
var DefaultIdentifyingFields = []string{"account_number", "sort_code"}

// InputValidator checks a call's input shape by category
type InputValidator struct {
	schemas map[ToolCategory]*gojsonschema.Schema
}

// NewInputValidator builds the per-category schemas
func NewInputValidator(identifyingFields []string) (*InputValidator, error) {
	if len(identifyingFields) == 0 {
		identifyingFields = DefaultIdentifyingFields
	}

	nonEmpty := map[string]interface{}{"type": "string", "minLength": 1, "pattern": `\S`}
	idProps := make(map[string]interface{}, len(identifyingFields))
	for _, f := range identifyingFields {
		idProps[f] = nonEmpty
	}

	defs := map[ToolCategory]map[string]interface{}{
		CategoryHandoff: {
			"type":     "object",
			"required": []string{"reason"},
			"properties": map[string]interface{}{
				"reason": map[string]interface{}{"type": "string"},
			},
		},
		CategoryReturn: {
			"type":     "object",
			"required": []string{"task_completed", "summary"},
			"properties": map[string]interface{}{
				"task_completed": map[string]interface{}{"type": "boolean"},
				"summary":        nonEmpty,
			},
		},
		CategoryVerification: {
			"type":       "object",
			"required":   identifyingFields,
			"properties": idProps,
		},
	}

	v := &InputValidator{schemas: make(map[ToolCategory]*gojsonschema.Schema)}
	for _, cat := range AllCategories() {
		def, ok := defs[cat]
		if !ok {
			def = map[string]interface{}{"type": "object"}
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def))
		if err != nil {
			return nil, fmt.Errorf("failed to build %s schema: %w", cat, err)
		}
		v.schemas[cat] = schema
	}

	return v, nil
}

// Validate returns an error describing every violation, or nil
func (v *InputValidator) Validate(category ToolCategory, input json.RawMessage) error {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("tool input is required")
	}

	schema, ok := v.schemas[category]
	if !ok {
		schema = v.schemas[CategoryGeneric]
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(trimmed))
	if err != nil {
		return fmt.Errorf("tool input is not valid JSON: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
