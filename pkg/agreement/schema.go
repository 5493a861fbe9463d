package agreement

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// termsSchema validates the Terms document at propose time. Scope is the only
// hard requirement; everything else is shape-checked.
const termsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["scope"],
  "properties": {
    "scope": {"type": "string", "minLength": 1},
    "commitments": {"type": "array", "items": {"type": "string"}},
    "constraints": {"type": "array", "items": {"type": "string"}},
    "benefits": {"type": "array", "items": {"type": "string"}},
    "termination_terms": {
      "type": "object",
      "properties": {
        "policy": {"type": "string"},
        "predicate": {"type": "string"}
      }
    },
    "versioning_terms": {"type": "string"}
  }
}`

func compileTermsSchema() (*jsonschema.Schema, error) {
	sch, err := jsonschema.CompileString("terms.schema.json", termsSchema)
	if err != nil {
		return nil, fmt.Errorf("compile terms schema: %w", err)
	}
	return sch, nil
}

// validateTerms shape-checks a Terms document against the schema.
func validateTerms(sch *jsonschema.Schema, terms Terms) error {
	raw, err := json.Marshal(terms)
	if err != nil {
		return fmt.Errorf("marshal terms: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("decode terms: %w", err)
	}
	if err := sch.Validate(generic); err != nil {
		return fmt.Errorf("terms rejected by schema: %w", err)
	}
	return nil
}
