package automation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// schemaValidator is stateless and safe for concurrent use across every
// ConfigSchema.Validate call.
var schemaValidator = validator.New()

// Validate checks cfg against the schema: every required field must be
// present and non-empty, and any field that is present must match its
// declared scalar type. Keys in cfg that the schema does not describe are
// ignored — schemas constrain what an Automation must supply, not what it
// may additionally carry.
func (s ConfigSchema) Validate(cfg Config) error {
	var missing []string
	var invalid []string

	for key, field := range s {
		value, present := cfg[key]
		if !present || value == nil {
			if field.Required {
				missing = append(missing, key)
			}
			continue
		}
		if !validateFieldValue(field.Type, value) {
			invalid = append(invalid, fmt.Sprintf("%s (want %s)", key, field.Type))
		}
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid field types: "+strings.Join(invalid, ", "))
	}
	return fmt.Errorf("config schema validation failed: %s", strings.Join(parts, "; "))
}

// validateFieldValue reports whether value satisfies fieldType. Config
// values arrive as a generic map[string]any rather than a typed struct, so
// this uses validator's ad-hoc Var check instead of struct-tag validation.
func validateFieldValue(fieldType string, value any) bool {
	switch fieldType {
	case "string":
		s, ok := value.(string)
		if !ok {
			return false
		}
		return schemaValidator.Var(s, "required") == nil
	case "int":
		switch value.(type) {
		case int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64: // JSON numbers decode into float64
			return schemaValidator.Var(value, "numeric") == nil
		default:
			return false
		}
	case "bool":
		_, ok := value.(bool)
		return ok
	case "list":
		switch value.(type) {
		case []any, []string:
			return true
		default:
			return false
		}
	default:
		// A schema can only name the scalar types it was declared with;
		// an unrecognised type string is a schema-authoring bug, not a
		// reason to reject every config that uses the field.
		return true
	}
}
