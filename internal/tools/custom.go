package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// InvokeFunc performs an externally registered tool call and returns the
// text reported back to the model.
type InvokeFunc func(ctx context.Context, params json.RawMessage) (string, error)

// Custom wraps a tool provided from outside the process, such as one served
// by an editor or a tool server. Its name may take the @server/tool form.
type Custom struct {
	ToolName    string
	Title       string
	Summary     string
	InputSchema json.RawMessage
	Invoke      InvokeFunc
}

// NewCustom constructs a custom tool. A nil schema accepts any object.
func NewCustom(name, description string, schema json.RawMessage, invoke InvokeFunc) *Custom {
	return &Custom{
		ToolName:    name,
		Summary:     description,
		InputSchema: schema,
		Invoke:      invoke,
	}
}

func (c *Custom) Name() string { return c.ToolName }

func (c *Custom) DisplayName() string {
	if c.Title != "" {
		return c.Title
	}
	return c.ToolName
}

func (c *Custom) Description() string { return c.Summary }

func (c *Custom) Schema() json.RawMessage {
	if len(c.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return c.InputSchema
}

func (*Custom) RequiresConfirmationByDefault() bool { return true }

// Server returns the server part of an @server/tool name, or "".
func (c *Custom) Server() string {
	if !strings.HasPrefix(c.ToolName, "@") {
		return ""
	}
	server, _, _ := strings.Cut(strings.TrimPrefix(c.ToolName, "@"), "/")
	return server
}

func (c *Custom) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	if c.Invoke == nil {
		return Result{}, MarkFatal(errors.New("custom tool " + c.ToolName + " has no invoke function"))
	}
	out, err := c.Invoke(ctx, params)
	if err != nil {
		return Result{}, err
	}
	return Result{Content: out}, nil
}
