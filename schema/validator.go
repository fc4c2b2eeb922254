package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/mmate-chain/contracts"
	"gopkg.in/yaml.v3"
)

// ValidationResult represents the result of message validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func (r *ValidationResult) add(e ValidationError) {
	r.Valid = false
	r.Errors = append(r.Errors, e)
}

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface for ValidationError
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// ValidationFailure is returned by Validate when a body breaks its schema
type ValidationFailure struct {
	Operation string
	Errors    []ValidationError
}

func (f *ValidationFailure) Error() string {
	msgs := make([]string, 0, len(f.Errors))
	for _, e := range f.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("%s: %d validation errors: %s", f.Operation, len(f.Errors), strings.Join(msgs, "; "))
}

// Schema describes the JSON body of one operation
type Schema struct {
	Name       string                  `json:"name,omitempty" yaml:"name,omitempty"`
	Version    string                  `json:"version,omitempty" yaml:"version,omitempty"`
	Type       string                  `json:"type" yaml:"type"`
	Properties map[string]*PropertyDef `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required   []string                `json:"required,omitempty" yaml:"required,omitempty"`
}

// PropertyDef defines validation rules for a body property
type PropertyDef struct {
	Type        string                  `json:"type" yaml:"type"`
	Format      string                  `json:"format,omitempty" yaml:"format,omitempty"`
	Pattern     string                  `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MinLength   *int                    `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength   *int                    `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Minimum     *float64                `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64                `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Enum        []interface{}           `json:"enum,omitempty" yaml:"enum,omitempty"`
	Description string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Items       *PropertyDef            `json:"items,omitempty" yaml:"items,omitempty"`
	Properties  map[string]*PropertyDef `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string                `json:"required,omitempty" yaml:"required,omitempty"`

	pattern *regexp.Regexp
}

// MessageValidator checks request bodies against the schema registered for
// their operation. It implements interceptors.MessageValidator.
type MessageValidator struct {
	schemas map[string]*Schema
	strict  bool
	mu      sync.RWMutex
}

// ValidatorOption configures the message validator
type ValidatorOption func(*MessageValidator)

// WithStrictMode rejects operations without a schema and properties the
// schema does not declare
func WithStrictMode(strict bool) ValidatorOption {
	return func(v *MessageValidator) {
		v.strict = strict
	}
}

// NewMessageValidator creates a new message validator
func NewMessageValidator(opts ...ValidatorOption) *MessageValidator {
	v := &MessageValidator{schemas: make(map[string]*Schema)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RegisterSchema registers the schema of an operation. Patterns are compiled
// here so a bad pattern fails registration instead of every message.
func (v *MessageValidator) RegisterSchema(operation string, schema *Schema) error {
	if operation == "" {
		return fmt.Errorf("operation cannot be empty")
	}
	if schema == nil {
		return fmt.Errorf("schema cannot be nil")
	}
	for name, p := range schema.Properties {
		if err := p.compile(name); err != nil {
			return fmt.Errorf("schema %s: %w", operation, err)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[operation] = schema
	return nil
}

func (p *PropertyDef) compile(path string) error {
	if p == nil {
		return fmt.Errorf("property %s: empty definition", path)
	}
	if p.Pattern != "" {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("property %s: invalid pattern: %w", path, err)
		}
		p.pattern = re
	}
	if p.Items != nil {
		if err := p.Items.compile(path + "[]"); err != nil {
			return err
		}
	}
	for name, child := range p.Properties {
		if err := child.compile(path + "." + name); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFile registers every schema of a YAML file mapping operation
// names to schemas
func (v *MessageValidator) RegisterFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	var schemas map[string]*Schema
	if err := yaml.Unmarshal(data, &schemas); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	ops := make([]string, 0, len(schemas))
	for op := range schemas {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		if err := v.RegisterSchema(op, schemas[op]); err != nil {
			return err
		}
	}
	return nil
}

// GetSchema retrieves the schema of an operation
func (v *MessageValidator) GetSchema(operation string) (*Schema, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	schema, exists := v.schemas[operation]
	if !exists {
		return nil, fmt.Errorf("schema not found for operation: %s", operation)
	}
	return schema, nil
}

// Validate validates the message body against the schema of its operation.
// Without a schema the message passes unless the validator is strict.
func (v *MessageValidator) Validate(ctx context.Context, msg *contracts.Message) error {
	op := operationOf(msg)
	schema, err := v.GetSchema(op)
	if err != nil {
		if v.strict {
			return err
		}
		return nil
	}

	result := v.ValidateJSON(ctx, bodyOf(msg), schema)
	if !result.Valid {
		return &ValidationFailure{Operation: op, Errors: result.Errors}
	}
	return nil
}

func operationOf(msg *contracts.Message) string {
	if ex := msg.Exchange(); ex != nil && ex.Operation() != "" {
		return ex.Operation()
	}
	op, _ := msg.Header(contracts.OperationHeader)
	return op
}

func bodyOf(msg *contracts.Message) []byte {
	if p, ok := msg.Payload(); ok {
		if raw, ok := p.(json.RawMessage); ok {
			return raw
		}
	}
	return msg.Body()
}

// ValidateJSON validates a JSON document against schema
func (v *MessageValidator) ValidateJSON(ctx context.Context, data []byte, schema *Schema) *ValidationResult {
	result := &ValidationResult{Valid: true}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		result.add(ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("invalid JSON: %v", err),
			Code:    "CONVERSION_ERROR",
		})
		return result
	}

	root := &PropertyDef{Type: schema.Type, Properties: schema.Properties, Required: schema.Required}
	if root.Type == "" && root.Properties != nil {
		root.Type = "object"
	}
	v.validateProperty("", doc, root, result)
	return result
}

func (v *MessageValidator) validateObject(fieldPath string, data map[string]interface{}, def *PropertyDef, result *ValidationResult) {
	for _, required := range def.Required {
		if _, exists := data[required]; !exists {
			result.add(ValidationError{
				Field:   buildFieldPath(fieldPath, required),
				Message: "required field is missing",
				Code:    "REQUIRED_FIELD_MISSING",
			})
		}
	}

	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		currentPath := buildFieldPath(fieldPath, name)
		propDef, exists := def.Properties[name]
		if !exists {
			if v.strict {
				result.add(ValidationError{
					Field:   currentPath,
					Message: "property is not declared",
					Code:    "UNKNOWN_PROPERTY",
				})
			}
			continue
		}
		v.validateProperty(currentPath, data[name], propDef, result)
	}
}

func (v *MessageValidator) validateProperty(fieldPath string, value interface{}, propDef *PropertyDef, result *ValidationResult) {
	if value == nil {
		return
	}

	if propDef.Type != "" && !validateType(value, propDef.Type) {
		result.add(ValidationError{
			Field:   displayPath(fieldPath),
			Message: fmt.Sprintf("expected type %s, got %s", propDef.Type, jsonType(value)),
			Code:    "TYPE_MISMATCH",
			Value:   value,
		})
		return
	}

	switch val := value.(type) {
	case string:
		validateString(fieldPath, val, propDef, result)
	case float64:
		validateNumber(fieldPath, val, propDef, result)
	case []interface{}:
		if propDef.Items != nil {
			for i, item := range val {
				v.validateProperty(fmt.Sprintf("%s[%d]", fieldPath, i), item, propDef.Items, result)
			}
		}
	case map[string]interface{}:
		if propDef.Properties != nil || propDef.Required != nil {
			v.validateObject(fieldPath, val, propDef, result)
		}
	}

	if len(propDef.Enum) > 0 {
		validateEnum(fieldPath, value, propDef.Enum, result)
	}
}

func validateType(value interface{}, expectedType string) bool {
	switch expectedType {
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

func jsonType(value interface{}) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func validateString(fieldPath, value string, propDef *PropertyDef, result *ValidationResult) {
	if propDef.MinLength != nil && len(value) < *propDef.MinLength {
		result.add(ValidationError{
			Field:   displayPath(fieldPath),
			Message: fmt.Sprintf("string length %d is less than minimum %d", len(value), *propDef.MinLength),
			Code:    "MIN_LENGTH_VIOLATION",
			Value:   value,
		})
	}
	if propDef.MaxLength != nil && len(value) > *propDef.MaxLength {
		result.add(ValidationError{
			Field:   displayPath(fieldPath),
			Message: fmt.Sprintf("string length %d exceeds maximum %d", len(value), *propDef.MaxLength),
			Code:    "MAX_LENGTH_VIOLATION",
			Value:   value,
		})
	}
	if propDef.pattern != nil && !propDef.pattern.MatchString(value) {
		result.add(ValidationError{
			Field:   displayPath(fieldPath),
			Message: fmt.Sprintf("value does not match pattern: %s", propDef.Pattern),
			Code:    "PATTERN_VIOLATION",
			Value:   value,
		})
	}
	if propDef.Format != "" {
		if ok, msg := validateFormat(value, propDef.Format); !ok {
			result.add(ValidationError{
				Field:   displayPath(fieldPath),
				Message: msg,
				Code:    "FORMAT_VIOLATION",
				Value:   value,
			})
		}
	}
}

func validateNumber(fieldPath string, value float64, propDef *PropertyDef, result *ValidationResult) {
	if propDef.Minimum != nil && value < *propDef.Minimum {
		result.add(ValidationError{
			Field:   displayPath(fieldPath),
			Message: fmt.Sprintf("value %g is less than minimum %g", value, *propDef.Minimum),
			Code:    "MINIMUM_VIOLATION",
			Value:   value,
		})
	}
	if propDef.Maximum != nil && value > *propDef.Maximum {
		result.add(ValidationError{
			Field:   displayPath(fieldPath),
			Message: fmt.Sprintf("value %g exceeds maximum %g", value, *propDef.Maximum),
			Code:    "MAXIMUM_VIOLATION",
			Value:   value,
		})
	}
}

func validateEnum(fieldPath string, value interface{}, enum []interface{}, result *ValidationResult) {
	for _, enumValue := range enum {
		if reflect.DeepEqual(value, normalize(enumValue)) {
			return
		}
	}
	result.add(ValidationError{
		Field:   displayPath(fieldPath),
		Message: fmt.Sprintf("value is not in allowed enum values: %v", enum),
		Code:    "ENUM_VIOLATION",
		Value:   value,
	})
}

// normalize maps enum values decoded from YAML onto the types JSON decoding
// produces
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return v
	}
}

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	dateRegex     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimeRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
)

func validateFormat(value, format string) (bool, string) {
	switch format {
	case "email":
		return emailRegex.MatchString(value), "invalid email format"
	case "uri":
		return strings.Contains(value, "://"), "invalid URI format"
	case "uuid":
		return uuidRegex.MatchString(strings.ToLower(value)), "invalid UUID format"
	case "date":
		return dateRegex.MatchString(value), "invalid date format (expected YYYY-MM-DD)"
	case "date-time":
		return dateTimeRegex.MatchString(value), "invalid date-time format (expected ISO 8601)"
	default:
		return true, ""
	}
}

func buildFieldPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}

func displayPath(path string) string {
	if path == "" {
		return "body"
	}
	return path
}
