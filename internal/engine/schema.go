package engine

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

//go:embed schema/request.json
var requestSchemaJSON []byte

const requestSchemaID = "inmemory://uag.v1.request"

// RequestValidator JSON Schema входящего запроса, компилируется один раз
type RequestValidator struct {
	schema *jsonschema.Schema
}

func NewRequestValidator() (*RequestValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(requestSchemaID, bytes.NewReader(requestSchemaJSON)); err != nil {
		return nil, fmt.Errorf("engine: add request schema: %w: %w", domain.ErrConfig, err)
	}
	compiled, err := compiler.Compile(requestSchemaID)
	if err != nil {
		return nil, fmt.Errorf("engine: compile request schema: %w: %w", domain.ErrConfig, err)
	}
	return &RequestValidator{schema: compiled}, nil
}

// Validate проверяет уже разобранный запрос. Схема работает по JSON-представлению,
// поэтому структура сначала сериализуется.
func (v *RequestValidator) Validate(req domain.Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("engine: encode request: %w: %w", domain.ErrValidation, err)
	}
	return v.ValidateJSON(raw)
}

// ValidateJSON проверяет сырое тело запроса
func (v *RequestValidator) ValidateJSON(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("engine: decode request: %w: %w", domain.ErrValidation, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("engine: schema validation failed: %w: %w", domain.ErrValidation, err)
	}
	return nil
}
