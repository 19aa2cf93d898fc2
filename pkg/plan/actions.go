package plan

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaRegistry maps step action tags to JSON schemas for their serialized
// parameters. Validation is advisory: an action with no registered schema is
// accepted, since step dispatch itself lives outside the engine.
type SchemaRegistry struct {
	schemas map[string]map[string]any
}

// NewSchemaRegistry creates a registry preloaded with the built-in actions.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[string]map[string]any)}

	r.Register("generate_image", map[string]any{
		"type":     "object",
		"required": []any{"prompt"},
		"properties": map[string]any{
			"prompt":          map[string]any{"type": "string", "minLength": 1},
			"negative_prompt": map[string]any{"type": "string"},
			"model":           map[string]any{"type": "string"},
			"seed":            map[string]any{"type": "integer"},
			"input_keys":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	})

	r.Register("refine_image", map[string]any{
		"type":     "object",
		"required": []any{"variant_id", "prompt"},
		"properties": map[string]any{
			"variant_id": map[string]any{"type": "string", "minLength": 1},
			"prompt":     map[string]any{"type": "string", "minLength": 1},
			"strength":   map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		},
	})

	r.Register("fork_asset", map[string]any{
		"type":     "object",
		"required": []any{"variant_id", "name"},
		"properties": map[string]any{
			"variant_id": map[string]any{"type": "string", "minLength": 1},
			"name":       map[string]any{"type": "string", "minLength": 1},
		},
	})

	return r
}

// Register adds or replaces the schema for an action tag.
func (r *SchemaRegistry) Register(action string, schema map[string]any) {
	r.schemas[action] = schema
}

// ValidateParams validates step parameters against the action's schema, if
// one is registered.
func (r *SchemaRegistry) ValidateParams(action string, params map[string]any) error {
	schema, ok := r.schemas[action]
	if !ok {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(params)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate step params: %w", err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			messages = append(messages, resultErr.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(messages, "; "))
	}

	return nil
}
