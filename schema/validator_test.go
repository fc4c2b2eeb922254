package schema

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/glimte/mmate-chain/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func floatPtr(f float64) *float64 { return &f }

func orderSchema() *Schema {
	return &Schema{
		Name:     "createOrder",
		Version:  "1.0",
		Type:     "object",
		Required: []string{"id", "total"},
		Properties: map[string]*PropertyDef{
			"id":       {Type: "string", Format: "uuid"},
			"total":    {Type: "number", Minimum: floatPtr(0)},
			"quantity": {Type: "integer", Maximum: floatPtr(100)},
			"email":    {Type: "string", Format: "email"},
			"status":   {Type: "string", Enum: []interface{}{"new", "paid"}},
			"code":     {Type: "string", Pattern: `^[A-Z]{3}$`, MinLength: intPtr(3), MaxLength: intPtr(3)},
			"lines": {
				Type: "array",
				Items: &PropertyDef{
					Type:       "object",
					Required:   []string{"sku"},
					Properties: map[string]*PropertyDef{"sku": {Type: "string", MinLength: intPtr(1)}},
				},
			},
		},
	}
}

func codes(r *ValidationResult) []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Code)
	}
	return out
}

func TestRegisterSchema(t *testing.T) {
	t.Run("registers and retrieves", func(t *testing.T) {
		v := NewMessageValidator()
		s := orderSchema()
		require.NoError(t, v.RegisterSchema("createOrder", s))

		got, err := v.GetSchema("createOrder")
		require.NoError(t, err)
		assert.Same(t, s, got)
	})

	t.Run("rejects empty operation and nil schema", func(t *testing.T) {
		v := NewMessageValidator()
		assert.ErrorContains(t, v.RegisterSchema("", &Schema{}), "operation cannot be empty")
		assert.ErrorContains(t, v.RegisterSchema("op", nil), "schema cannot be nil")
	})

	t.Run("rejects invalid pattern", func(t *testing.T) {
		v := NewMessageValidator()
		err := v.RegisterSchema("op", &Schema{Properties: map[string]*PropertyDef{
			"nested": {Type: "object", Properties: map[string]*PropertyDef{"x": {Pattern: "("}}},
		}})
		assert.ErrorContains(t, err, "nested.x: invalid pattern")
	})

	t.Run("missing schema", func(t *testing.T) {
		_, err := NewMessageValidator().GetSchema("nope")
		assert.ErrorContains(t, err, "schema not found")
	})
}

func TestValidateJSON(t *testing.T) {
	v := NewMessageValidator()
	s := orderSchema()
	require.NoError(t, v.RegisterSchema("createOrder", s))
	ctx := context.Background()

	tests := []struct {
		name  string
		body  string
		codes []string
	}{
		{
			name: "valid",
			body: `{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","total":12.5,"quantity":2,"status":"paid","code":"ABC","lines":[{"sku":"x"}]}`,
		},
		{
			name:  "missing required",
			body:  `{"total":1}`,
			codes: []string{"REQUIRED_FIELD_MISSING"},
		},
		{
			name:  "type mismatch",
			body:  `{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","total":"ten"}`,
			codes: []string{"TYPE_MISMATCH"},
		},
		{
			name:  "integer",
			body:  `{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","total":1,"quantity":1.5}`,
			codes: []string{"TYPE_MISMATCH"},
		},
		{
			name:  "bounds",
			body:  `{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","total":-1,"quantity":101}`,
			codes: []string{"MAXIMUM_VIOLATION", "MINIMUM_VIOLATION"},
		},
		{
			name:  "string rules",
			body:  `{"id":"not-a-uuid","total":1,"code":"abcd","email":"nobody"}`,
			codes: []string{"MAX_LENGTH_VIOLATION", "PATTERN_VIOLATION", "FORMAT_VIOLATION", "FORMAT_VIOLATION"},
		},
		{
			name:  "enum",
			body:  `{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","total":1,"status":"shipped"}`,
			codes: []string{"ENUM_VIOLATION"},
		},
		{
			name:  "array items",
			body:  `{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","total":1,"lines":[{"sku":""},{}]}`,
			codes: []string{"MIN_LENGTH_VIOLATION", "REQUIRED_FIELD_MISSING"},
		},
		{
			name:  "not an object",
			body:  `[1,2]`,
			codes: []string{"TYPE_MISMATCH"},
		},
		{
			name:  "invalid json",
			body:  `{`,
			codes: []string{"CONVERSION_ERROR"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.ValidateJSON(ctx, []byte(tt.body), s)
			if len(tt.codes) == 0 {
				assert.True(t, result.Valid, "%v", result.Errors)
				return
			}
			assert.False(t, result.Valid)
			assert.ElementsMatch(t, tt.codes, codes(result))
		})
	}

	t.Run("error paths", func(t *testing.T) {
		result := v.ValidateJSON(ctx, []byte(`{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","total":1,"lines":[{}]}`), s)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "lines[0].sku", result.Errors[0].Field)
	})
}

func TestStrictMode(t *testing.T) {
	ctx := context.Background()
	v := NewMessageValidator(WithStrictMode(true))
	require.NoError(t, v.RegisterSchema("createOrder", orderSchema()))

	result := v.ValidateJSON(ctx, []byte(`{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","total":1,"extra":true}`), orderSchema())
	assert.Equal(t, []string{"UNKNOWN_PROPERTY"}, codes(result))

	msg := contracts.NewMessage(contracts.WithHeaders(map[string]string{contracts.OperationHeader: "unknown"}))
	assert.ErrorContains(t, v.Validate(ctx, msg), "schema not found")
}

func TestValidateMessage(t *testing.T) {
	ctx := context.Background()
	v := NewMessageValidator()
	require.NoError(t, v.RegisterSchema("createOrder", orderSchema()))

	t.Run("operation from exchange and payload", func(t *testing.T) {
		ex := contracts.NewExchange()
		ex.SetOperation("createOrder")
		msg := contracts.NewMessage(contracts.Inbound())
		ex.SetInMessage(msg)
		msg.SetPayload(json.RawMessage(`{"total":1}`))

		err := v.Validate(ctx, msg)
		var failure *ValidationFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, "createOrder", failure.Operation)
		assert.Contains(t, err.Error(), "id")
	})

	t.Run("operation from header and body", func(t *testing.T) {
		msg := contracts.NewMessage(
			contracts.WithHeaders(map[string]string{contracts.OperationHeader: "createOrder"}),
			contracts.WithBody([]byte(`{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","total":3}`)),
		)
		assert.NoError(t, v.Validate(ctx, msg))
	})

	t.Run("operations without schema pass", func(t *testing.T) {
		msg := contracts.NewMessage(contracts.WithBody([]byte(`not json`)))
		assert.NoError(t, v.Validate(ctx, msg))
	})
}

func TestRegisterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
createOrder:
  type: object
  required: [id]
  properties:
    id: {type: string}
    priority: {type: integer, enum: [1, 2, 3]}
cancelOrder:
  properties:
    reason: {type: string, pattern: "^[a-z ]+$"}
`), 0o644))

	v := NewMessageValidator()
	require.NoError(t, v.RegisterFile(path))

	s, err := v.GetSchema("createOrder")
	require.NoError(t, err)
	assert.True(t, v.ValidateJSON(context.Background(), []byte(`{"id":"a","priority":2}`), s).Valid)
	assert.False(t, v.ValidateJSON(context.Background(), []byte(`{"id":"a","priority":4}`), s).Valid)

	s, err = v.GetSchema("cancelOrder")
	require.NoError(t, err)
	assert.False(t, v.ValidateJSON(context.Background(), []byte(`{"reason":"NO"}`), s).Valid)

	assert.ErrorContains(t, v.RegisterFile(filepath.Join(t.TempDir(), "missing.yaml")), "read file")
}
