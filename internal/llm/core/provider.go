package core

import (
	"context"
	"encoding/json"
	"time"
)

// Provider streams model events for a single request. Implementations must
// stop producing events and close the channel once ctx is canceled.
type Provider interface {
	Stream(ctx context.Context, req *Request) (<-chan Event, error)
}

// EventType identifies stream event variants.
type EventType string

const (
	EventStart         EventType = "start"
	EventTextDelta     EventType = "text_delta"
	EventToolCallStart EventType = "tool_call_start"
	EventToolCallDelta EventType = "tool_call_delta"
	EventToolCallEnd   EventType = "tool_call_end"
	EventUsage         EventType = "usage"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// ToolChoiceType defines whether the model may call tools.
type ToolChoiceType string

const (
	// ToolChoiceAuto lets the model decide. It is the zero value's meaning.
	ToolChoiceAuto ToolChoiceType = "auto"
	// ToolChoiceNone keeps tool definitions in context but forbids calls,
	// as history summarization requires.
	ToolChoiceNone ToolChoiceType = "none"
)

// ToolChoice controls provider tool dispatch mode.
type ToolChoice struct {
	Type ToolChoiceType `json:"type"`
}

// ToolSpec describes a tool exposed to the model.
// Schema is an object schema, usually produced by ReflectParams.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// RetryPolicy configures transport-level retry for retryable failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Request is the provider-agnostic streaming request.
type Request struct {
	Model      string
	System     string
	Messages   []Message
	Tools      []ToolSpec
	MaxTokens  int
	ToolChoice ToolChoice
	Retry      RetryPolicy
}

// DonePayload carries the final status when the stream ends.
type DonePayload struct {
	Reason StopReason
	Usage  Usage
}

// Event is the provider-agnostic streaming event.
//
// MessageID is set on EventStart. ToolCall is set on the tool call start and
// end events; only the end event carries complete arguments.
type Event struct {
	Type          EventType
	MessageID     string
	TextDelta     string
	ToolCall      *ToolCall
	ToolCallDelta string
	Usage         *Usage
	Done          *DonePayload
	Err           error
}
