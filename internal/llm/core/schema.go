package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// ObjectSchema is the input schema of a tool. Backends only accept object
// schemas, so every tool takes named parameters.
type ObjectSchema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required,omitempty"`
}

var paramsReflector = jsonschema.Reflector{
	DoNotReference:            true,
	AllowAdditionalProperties: false,
}

// ReflectParams derives a tool's input schema from its parameter struct.
// Fields without omitempty are required.
func ReflectParams(params any) (json.RawMessage, error) {
	t := reflect.TypeOf(params)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: tool parameters must be a struct, got %T", ErrInvalidRequest, params)
	}

	raw, err := json.Marshal(paramsReflector.Reflect(reflect.New(t).Interface()))
	if err != nil {
		return nil, fmt.Errorf("marshal reflected schema: %w", err)
	}
	schema, err := ParseObjectSchema(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(schema)
}

// ParseObjectSchema decodes raw as an object schema. An empty schema takes
// no parameters.
func ParseObjectSchema(raw json.RawMessage) (ObjectSchema, error) {
	schema := ObjectSchema{Type: "object", Properties: map[string]any{}}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return schema, nil
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return ObjectSchema{}, fmt.Errorf("%w: tool schema: %v", ErrInvalidRequest, err)
	}
	switch schema.Type {
	case "":
		schema.Type = "object"
	case "object":
	default:
		return ObjectSchema{}, fmt.Errorf("%w: tool schema type is %q, want object", ErrInvalidRequest, schema.Type)
	}
	if schema.Properties == nil {
		schema.Properties = map[string]any{}
	}
	return schema, nil
}

// ToolArgs returns raw when it holds a JSON object and {} otherwise. Tool
// uses replayed from history are sent back verbatim, and a cancelled stream
// can leave arguments that never parsed.
func ToolArgs(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' || !json.Valid(raw) {
		return json.RawMessage("{}")
	}
	return raw
}
