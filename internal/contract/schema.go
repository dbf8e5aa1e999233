package contract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator pre-validates a reduced payload against a compiled JSON
// Schema before it reaches the signer, catching shape drift between a
// detection module's descriptor and the event contract's published schema.
type SchemaValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles no schemas; use Compile to register one per
// event type.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// Compile adds a JSON Schema document (schemaJSON) for eventType, resolved
// under resourceURL so $ref resolution within the document works the same
// way compiler.AddResource does for any other schema source.
func (s *SchemaValidator) Compile(eventType, resourceURL string, schemaJSON []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceURL, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("contract: add schema resource for %q: %w", eventType, err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("contract: compile schema for %q: %w", eventType, err)
	}
	s.schemas[eventType] = schema
	return nil
}

// Validate checks a reduced payload map against the compiled schema for its
// event_type field. Returns ErrSchemaValidation wrapping the underlying
// jsonschema error on failure, or nil if no schema is registered for the
// event type (schema pre-validation is an added safety net, not a
// substitute for Enforcer.Reduce's own field checks).
func (s *SchemaValidator) Validate(eventType string, payload map[string]any) error {
	schema, ok := s.schemas[eventType]
	if !ok {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal payload for schema check: %w", err)
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("contract: unmarshal payload for schema check: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return nil
}
