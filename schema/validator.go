package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/glimte/foodsaga/contracts"
)

// ValidationResult represents the result of payload validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

func (r *ValidationResult) add(err ValidationError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// Schema describes one event payload
type Schema struct {
	Name string
	// Versions is a semver constraint matched against "<eventVersion>.0.0".
	// Empty accepts every version.
	Versions   string
	Properties map[string]*PropertyDef
	Required   []string

	constraint *semver.Constraints
}

// PropertyDef defines validation rules for a payload property
type PropertyDef struct {
	Type             string
	Format           string
	MinLength        *int
	Minimum          *float64
	ExclusiveMinimum *float64
	Enum             []interface{}
	Items            *PropertyDef
	Properties       map[string]*PropertyDef
	Required         []string
}

// Registry holds payload schemas keyed by event type
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds a schema for an event type
func (r *Registry) Register(eventType string, s *Schema) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if s == nil {
		return fmt.Errorf("schema cannot be nil")
	}
	if s.Versions != "" {
		c, err := semver.NewConstraint(s.Versions)
		if err != nil {
			return fmt.Errorf("invalid version constraint %q for %s: %w", s.Versions, eventType, err)
		}
		s.constraint = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[eventType] = s
	return nil
}

// Lookup returns the schema registered for an event type
func (r *Registry) Lookup(eventType string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[eventType]
	return s, ok
}

// Validate checks a payload against the schema of its event type. Unknown
// event types fail, a consumer must never accept a payload it cannot describe.
func (r *Registry) Validate(eventType string, version int, data json.RawMessage) error {
	s, ok := r.Lookup(eventType)
	if !ok {
		return &contracts.ValidationError{Field: "eventType", Message: fmt.Sprintf("no schema registered for %s", eventType)}
	}

	if err := s.acceptsVersion(version); err != nil {
		return err
	}

	result := s.Check(data)
	if result.Valid {
		return nil
	}

	msgs := make([]string, len(result.Errors))
	for i, e := range result.Errors {
		msgs[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return &contracts.ValidationError{
		Field:   "data",
		Message: fmt.Sprintf("%s payload failed validation with %d errors: %s", eventType, len(result.Errors), strings.Join(msgs, "; ")),
	}
}

func (s *Schema) acceptsVersion(version int) error {
	if s.constraint == nil {
		return nil
	}
	v, err := semver.NewVersion(fmt.Sprintf("%d.0.0", version))
	if err != nil {
		return &contracts.ValidationError{Field: "eventVersion", Message: err.Error()}
	}
	if !s.constraint.Check(v) {
		return &contracts.ValidationError{
			Field:   "eventVersion",
			Message: fmt.Sprintf("version %d not accepted by %s (%s)", version, s.Name, s.Versions),
		}
	}
	return nil
}

// Check validates a raw JSON payload and reports every violation
func (s *Schema) Check(data json.RawMessage) *ValidationResult {
	result := &ValidationResult{Valid: true}

	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		result.add(ValidationError{Field: "data", Message: fmt.Sprintf("malformed JSON: %v", err), Code: "CONVERSION_ERROR"})
		return result
	}
	obj, ok := decoded.(map[string]interface{})
	if !ok {
		result.add(ValidationError{Field: "data", Message: fmt.Sprintf("expected object, got %T", decoded), Code: "TYPE_MISMATCH"})
		return result
	}

	validateObject("", obj, s.Properties, s.Required, result)
	return result
}

func validateObject(fieldPath string, data map[string]interface{}, props map[string]*PropertyDef, required []string, result *ValidationResult) {
	for _, name := range required {
		if v, exists := data[name]; !exists || v == nil {
			result.add(ValidationError{
				Field:   buildFieldPath(fieldPath, name),
				Message: "required field is missing",
				Code:    "REQUIRED_FIELD_MISSING",
			})
		}
	}

	for name, value := range data {
		if def, exists := props[name]; exists {
			validateProperty(buildFieldPath(fieldPath, name), value, def, result)
		}
	}
}

func validateProperty(fieldPath string, value interface{}, def *PropertyDef, result *ValidationResult) {
	if value == nil {
		return
	}

	if def.Type != "" && !validateType(value, def.Type) {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("expected type %s, got %T", def.Type, value),
			Code:    "TYPE_MISMATCH",
			Value:   value,
		})
		return
	}

	switch v := value.(type) {
	case string:
		validateString(fieldPath, v, def, result)
	case float64:
		validateNumber(fieldPath, v, def, result)
	case []interface{}:
		if def.Items != nil {
			for i, item := range v {
				validateProperty(fmt.Sprintf("%s[%d]", fieldPath, i), item, def.Items, result)
			}
		}
	case map[string]interface{}:
		if def.Properties != nil {
			validateObject(fieldPath, v, def.Properties, def.Required, result)
		}
	}

	if len(def.Enum) > 0 {
		validateEnum(fieldPath, value, def.Enum, result)
	}
}

func validateType(value interface{}, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
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
		return true
	}
}

func validateString(fieldPath, value string, def *PropertyDef, result *ValidationResult) {
	if def.MinLength != nil && len(value) < *def.MinLength {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("string length %d is less than minimum %d", len(value), *def.MinLength),
			Code:    "MIN_LENGTH_VIOLATION",
			Value:   value,
		})
	}

	if def.Format == "date-time" {
		if _, err := time.Parse(time.RFC3339Nano, value); err != nil {
			result.add(ValidationError{
				Field:   fieldPath,
				Message: "invalid date-time format (expected ISO 8601)",
				Code:    "FORMAT_VIOLATION",
				Value:   value,
			})
		}
	}
}

func validateNumber(fieldPath string, value float64, def *PropertyDef, result *ValidationResult) {
	if def.Minimum != nil && value < *def.Minimum {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value %v is less than minimum %v", value, *def.Minimum),
			Code:    "MINIMUM_VIOLATION",
			Value:   value,
		})
	}
	if def.ExclusiveMinimum != nil && value <= *def.ExclusiveMinimum {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value %v must be greater than %v", value, *def.ExclusiveMinimum),
			Code:    "MINIMUM_VIOLATION",
			Value:   value,
		})
	}
}

func validateEnum(fieldPath string, value interface{}, enum []interface{}, result *ValidationResult) {
	for _, allowed := range enum {
		if reflect.DeepEqual(value, allowed) {
			return
		}
	}
	result.add(ValidationError{
		Field:   fieldPath,
		Message: fmt.Sprintf("value is not in allowed enum values: %v", enum),
		Code:    "ENUM_VIOLATION",
		Value:   value,
	})
}

func buildFieldPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}
