package admission

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// validateInput checks that input is JSON and, when the target declares an
// input schema, that it matches it.
func validateInput(op string, schema, input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	if !json.Valid(input) {
		return NewValidationError(op, CodeInvalidInput, "input is not valid JSON")
	}

	if len(schema) == 0 || string(schema) == "null" {
		return nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(input))
	if err != nil {
		return NewValidationError(op, CodeInvalidInput, fmt.Sprintf("input schema could not be applied: %v", err))
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return NewValidationError(op, CodeInvalidInput, "validation errors: "+strings.Join(problems, "; "))
	}

	return nil
}
