package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// ValidationResult — результат проверки payload: либо Valid, либо список причин.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Valid возвращает успешный результат.
func Valid() ValidationResult {
	return ValidationResult{Valid: true}
}

// Invalid возвращает неуспешный результат с причинами.
func Invalid(reasons ...string) ValidationResult {
	return ValidationResult{Errors: reasons}
}

// Err возвращает nil для успешного результата, иначе ошибку с ErrInvalidPayload.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	if len(r.Errors) == 0 {
		return ErrInvalidPayload
	}
	return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(r.Errors, "; "))
}

// Validator проверяет payload ticket перед вызовом handler'а.
type Validator interface {
	Validate(payload map[string]any) ValidationResult
}

// ValidatorFunc — адаптер функции к Validator.
type ValidatorFunc func(payload map[string]any) ValidationResult

// Validate вызывает f.
func (f ValidatorFunc) Validate(payload map[string]any) ValidationResult {
	return f(payload)
}

// SchemaValidator проверяет payload по JSON Schema (диалект OpenAPI 3).
type SchemaValidator struct {
	schema *openapi3.Schema
}

// NewSchemaValidator разбирает схему из JSON и проверяет её корректность.
func NewSchemaValidator(raw []byte) (*SchemaValidator, error) {
	var schema openapi3.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if err := schema.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &SchemaValidator{schema: &schema}, nil
}

// NewSchemaValidatorFromMap создаёт валидатор из схемы, прочитанной из YAML/JSON.
func NewSchemaValidatorFromMap(schema map[string]any) (*SchemaValidator, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return NewSchemaValidator(raw)
}

// Validate проверяет payload и собирает все нарушения.
func (v *SchemaValidator) Validate(payload map[string]any) ValidationResult {
	if payload == nil {
		payload = map[string]any{}
	}

	err := v.schema.VisitJSON(payload, openapi3.MultiErrors())
	if err == nil {
		return Valid()
	}

	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		reasons := make([]string, 0, len(multi))
		for _, e := range multi {
			reasons = append(reasons, e.Error())
		}
		return Invalid(reasons...)
	}
	return Invalid(err.Error())
}
