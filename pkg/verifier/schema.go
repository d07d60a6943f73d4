package verifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/nexus/pkg/task"
)

// SchemaVerifier checks a task against a JSON Schema (draft 2020-12).
// Use it alongside RequiredFields when a deployment wants more than the
// structural check.
type SchemaVerifier struct {
	schema *jsonschema.Schema
}

// NewSchemaVerifier compiles the schema document. name only labels the
// resource in error messages.
func NewSchemaVerifier(name, schema string) (*SchemaVerifier, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://nexus.schemas.local/tasks/%s.schema.json", name)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("task schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("task schema compile failed: %w", err)
	}
	return &SchemaVerifier{schema: compiled}, nil
}

// Verify implements Verifier.
func (v *SchemaVerifier) Verify(t task.Task) bool {
	return v.validate(t) == nil
}

// Explain implements Explainer.
func (v *SchemaVerifier) Explain(t task.Task) string {
	if err := v.validate(t); err != nil {
		return "schema validation failed: " + err.Error()
	}
	return ""
}

func (v *SchemaVerifier) validate(t task.Task) error {
	// The validator expects plain JSON types.
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	return v.schema.Validate(doc)
}
