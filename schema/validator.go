// Package schema validates message payloads against registered schemas.
// Validation is opt-in per queue: a payload is only checked when the consumer
// binds a schema name to it.
package schema

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sync"
)

// ErrSchemaNotFound is returned when validating against an unregistered schema.
var ErrSchemaNotFound = errors.New("schema: schema not found")

// Schema describes the expected shape of a message payload.
type Schema struct {
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

// PropertyDef defines the validation constraints for one payload field.
type PropertyDef struct {
	Type      string        `json:"type,omitempty"`
	Pattern   string        `json:"pattern,omitempty"`
	MinLength *int          `json:"minLength,omitempty"`
	MaxLength *int          `json:"maxLength,omitempty"`
	Minimum   *float64      `json:"minimum,omitempty"`
	Maximum   *float64      `json:"maximum,omitempty"`
	Enum      []interface{} `json:"enum,omitempty"`
}

// ValidationFailedError reports every failing field of one validation run.
// Payloads failing validation are permanently invalid and must not be
// requeued.
type ValidationFailedError struct {
	SchemaName string
	Fields     map[string]string // field path -> failure message
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("schema: payload failed validation against %q: %d invalid field(s)", e.SchemaName, len(e.Fields))
}

// Validator holds named schemas and validates payloads against them.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	last    map[string]string
}

// NewValidator creates an empty validator
func NewValidator() *Validator {
	return &Validator{
		schemas: make(map[string]*Schema),
	}
}

// RegisterSchema registers a schema under a name, replacing any previous one
func (v *Validator) RegisterSchema(name string, s *Schema) error {
	if name == "" {
		return fmt.Errorf("schema: name cannot be empty")
	}
	if s == nil {
		return fmt.Errorf("schema: schema cannot be nil")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[name] = s
	return nil
}

// HasSchema reports whether a schema is registered under the name
func (v *Validator) HasSchema(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[name]
	return ok
}

// Validate checks data against the named schema. It returns ErrSchemaNotFound
// for unknown names and *ValidationFailedError when any constraint fails. The
// per-field failures of the most recent call are kept for Errors.
func (v *Validator) Validate(data map[string]interface{}, schemaName string) error {
	v.mu.RLock()
	s, ok := v.schemas[schemaName]
	v.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrSchemaNotFound, schemaName)
	}

	fields := make(map[string]string)

	for _, required := range s.Required {
		if _, exists := data[required]; !exists {
			fields[required] = "required field is missing"
		}
	}

	for name, value := range data {
		def, exists := s.Properties[name]
		if !exists {
			continue
		}
		if msg := validateProperty(value, def); msg != "" {
			fields[name] = msg
		}
	}

	v.mu.Lock()
	v.last = fields
	v.mu.Unlock()

	if len(fields) > 0 {
		return &ValidationFailedError{SchemaName: schemaName, Fields: fields}
	}
	return nil
}

// Errors returns the field failures of the most recent Validate call
func (v *Validator) Errors() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[string]string, len(v.last))
	for k, msg := range v.last {
		out[k] = msg
	}
	return out
}

// validateProperty checks one value against its definition and returns the
// first failure message, empty when the value is valid. Nil values only fail
// the required check.
func validateProperty(value interface{}, def *PropertyDef) string {
	if value == nil {
		return ""
	}

	if def.Type != "" && !matchesType(value, def.Type) {
		return fmt.Sprintf("expected type %s, got %T", def.Type, value)
	}

	if str, ok := value.(string); ok {
		if def.MinLength != nil && len(str) < *def.MinLength {
			return fmt.Sprintf("string length %d is less than minimum %d", len(str), *def.MinLength)
		}
		if def.MaxLength != nil && len(str) > *def.MaxLength {
			return fmt.Sprintf("string length %d exceeds maximum %d", len(str), *def.MaxLength)
		}
		if def.Pattern != "" {
			re, err := regexp.Compile(def.Pattern)
			if err != nil {
				return fmt.Sprintf("invalid pattern: %s", def.Pattern)
			}
			if !re.MatchString(str) {
				return fmt.Sprintf("value does not match pattern: %s", def.Pattern)
			}
		}
	}

	if num, ok := asNumber(value); ok {
		if def.Minimum != nil && num < *def.Minimum {
			return fmt.Sprintf("value %v is less than minimum %v", num, *def.Minimum)
		}
		if def.Maximum != nil && num > *def.Maximum {
			return fmt.Sprintf("value %v exceeds maximum %v", num, *def.Maximum)
		}
	}

	if len(def.Enum) > 0 {
		found := false
		for _, allowed := range def.Enum {
			if reflect.DeepEqual(value, allowed) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("value is not in allowed enum values: %v", def.Enum)
		}
	}

	return ""
}

func matchesType(value interface{}, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := asNumber(value)
		return ok
	case "integer":
		if _, ok := value.(int); ok {
			return true
		}
		if f, ok := value.(float64); ok {
			return f == float64(int64(f))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		// Unknown types pass validation.
		return true
	}
}

// asNumber normalizes the numeric types the JSON and CBOR decoders produce.
func asNumber(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
