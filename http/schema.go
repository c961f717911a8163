package http

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// settlementRequestSchema validates POST /settlements bodies
const settlementRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["orderId"],
  "additionalProperties": false,
  "properties": {
    "orderId": {
      "type": "string",
      "minLength": 1,
      "maxLength": 128,
      "pattern": "^[^\\s]+$"
    },
    "txHash": {
      "type": "string",
      "pattern": "^(0x[0-9a-fA-F]{64})?$"
    }
  }
}`

// ValidationResult is the outcome of validating a request body
type ValidationResult struct {
	Valid  bool
	Errors []string
}

type requestValidator struct {
	schema *gojsonschema.Schema
}

func newRequestValidator(schemaJSON string) (*requestValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to compile request schema: %w", err)
	}
	return &requestValidator{schema: schema}, nil
}

// Validate checks a raw JSON body against the schema
func (v *requestValidator) Validate(body []byte) ValidationResult {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("invalid JSON: %v", err)},
		}
	}
	if result.Valid() {
		return ValidationResult{Valid: true}
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return ValidationResult{
		Valid:  false,
		Errors: errors,
	}
}
