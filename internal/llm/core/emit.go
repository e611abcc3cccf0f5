package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
)

// Emit delivers ev unless ctx ends first.
func Emit(ctx context.Context, ch chan<- Event, ev Event) error {
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitFinal delivers a terminal event without blocking. Providers give the
// channel one slot of buffer so the last event survives a consumer that has
// stopped reading; it reports whether ev was delivered.
func EmitFinal(ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// ToolInput encodes a tool_use input as a JSON object. Nil, null and empty
// encodings all become {}.
func ToolInput(input any) (json.RawMessage, error) {
	if input == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("tool input is not valid JSON")
	}
	return raw, nil
}
