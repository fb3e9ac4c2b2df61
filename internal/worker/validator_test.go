package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const beadSchema = `{
	"type": "object",
	"required": ["title", "priority"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"priority": {"type": "integer", "minimum": 0}
	}
}`

func TestSchemaValidator(t *testing.T) {
	v, err := NewSchemaValidator([]byte(beadSchema))
	require.NoError(t, err)

	res := v.Validate(map[string]any{"title": "Fix it", "priority": float64(1)})
	assert.True(t, res.Valid)
	assert.NoError(t, res.Err())

	res = v.Validate(map[string]any{"title": "", "priority": float64(-1)})
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Errors)
	assert.ErrorIs(t, res.Err(), ErrInvalidPayload)

	res = v.Validate(nil)
	assert.False(t, res.Valid)
}

func TestSchemaValidatorFromMap(t *testing.T) {
	v, err := NewSchemaValidatorFromMap(map[string]any{
		"type":     "object",
		"required": []any{"title"},
	})
	require.NoError(t, err)

	assert.True(t, v.Validate(map[string]any{"title": "x"}).Valid)
	assert.False(t, v.Validate(map[string]any{}).Valid)
}

func TestNewSchemaValidator_Invalid(t *testing.T) {
	_, err := NewSchemaValidator([]byte(`{not json`))
	assert.Error(t, err)

	_, err = NewSchemaValidator([]byte(`{"type": "unknown"}`))
	assert.Error(t, err)
}

func TestValidationResult(t *testing.T) {
	assert.NoError(t, Valid().Err())
	assert.ErrorIs(t, Invalid().Err(), ErrInvalidPayload)
	assert.EqualError(t, Invalid("a", "b").Err(), "invalid payload: a; b")
}
