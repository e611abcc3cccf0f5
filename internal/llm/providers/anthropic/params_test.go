package anthropicprovider

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"chatloop/internal/llm/core"
)

// wireParams is the subset of the serialized request the tests inspect.
type wireParams struct {
	Model      string         `json:"model"`
	MaxTokens  int64          `json:"max_tokens"`
	System     []wireBlock    `json:"system"`
	Messages   []wireMessage  `json:"messages"`
	Tools      []wireTool     `json:"tools"`
	ToolChoice map[string]any `json:"tool_choice"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type wireTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	} `json:"input_schema"`
}

func buildWire(t *testing.T, req *core.Request) wireParams {
	t.Helper()
	params, err := buildParams(req)
	if err != nil {
		t.Fatalf("buildParams() error = %v", err)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	var out wireParams
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal params %s: %v", raw, err)
	}
	return out
}

func roles(msgs []wireMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Role)
	}
	return out
}

func TestBuildParamsDefaults(t *testing.T) {
	t.Parallel()

	got := buildWire(t, &core.Request{
		Model:    " claude-sonnet-4-20250514 ",
		System:   "  be brief  ",
		Messages: []core.Message{core.TextMessage(core.RoleUser, "  hi\n")},
	})
	if got.Model != "claude-sonnet-4-20250514" || got.MaxTokens != defaultMaxTokens {
		t.Fatalf("model=%q max_tokens=%d", got.Model, got.MaxTokens)
	}
	if len(got.System) != 1 || got.System[0].Text != "be brief" {
		t.Fatalf("system = %+v", got.System)
	}
	if got.Messages[0].Content[0].Text != "  hi\n" {
		t.Fatalf("user text = %q, want whitespace kept", got.Messages[0].Content[0].Text)
	}
	if got.ToolChoice != nil || got.Tools != nil {
		t.Fatalf("tool_choice=%v tools=%v, want both omitted", got.ToolChoice, got.Tools)
	}
}

func TestBuildParamsToolRoundTrip(t *testing.T) {
	t.Parallel()

	// A tool round trip answered together with the user's next message, as
	// the controller sends it after a confirmation was rejected.
	got := buildWire(t, &core.Request{
		Model: "m",
		Messages: []core.Message{
			core.TextMessage(core.RoleUser, "list and read"),
			{
				Role:    core.RoleAssistant,
				Content: []core.ContentBlock{{Type: core.ContentTypeText, Text: "sure"}},
				ToolCalls: []core.ToolCall{
					{ID: "t1", Name: "fs_read", Arguments: json.RawMessage(`{"path":"a"}`)},
					{ID: "t2", Name: "execute_bash", Arguments: json.RawMessage(`{"comm`)},
					{ID: "", Name: "dropped"},
				},
			},
			{Role: core.RoleTool, ToolResult: &core.ToolResult{ToolCallID: "t1", ToolName: "fs_read", Content: "data"}},
			{Role: core.RoleTool, ToolResult: &core.ToolResult{ToolCallID: "t2", ToolName: "execute_bash", Content: "Tool use was cancelled by the user", IsError: true}},
			core.TextMessage(core.RoleUser, "skip the shell"),
		},
	})

	if diff := cmp.Diff([]string{"user", "assistant", "user"}, roles(got.Messages)); diff != "" {
		t.Fatalf("roles (-want +got):\n%s", diff)
	}
	wantAssistant := []wireBlock{
		{Type: "text", Text: "sure"},
		{Type: "tool_use", ID: "t1", Name: "fs_read", Input: map[string]any{"path": "a"}},
		{Type: "tool_use", ID: "t2", Name: "execute_bash", Input: map[string]any{}},
	}
	if diff := cmp.Diff(wantAssistant, got.Messages[1].Content); diff != "" {
		t.Fatalf("assistant blocks (-want +got):\n%s", diff)
	}

	answer := got.Messages[2].Content
	if len(answer) != 3 {
		t.Fatalf("answer blocks = %+v, want two results and the text", answer)
	}
	if answer[0].Type != "tool_result" || answer[0].ToolUseID != "t1" || answer[0].IsError {
		t.Fatalf("answer[0] = %+v", answer[0])
	}
	if answer[1].ToolUseID != "t2" || !answer[1].IsError {
		t.Fatalf("answer[1] = %+v", answer[1])
	}
	if answer[2].Type != "text" || answer[2].Text != "skip the shell" {
		t.Fatalf("answer[2] = %+v", answer[2])
	}
}

func TestBuildParamsContextPairStaysSeparate(t *testing.T) {
	t.Parallel()

	got := buildWire(t, &core.Request{
		Model: "m",
		Messages: []core.Message{
			core.TextMessage(core.RoleUser, "files"),
			core.TextMessage(core.RoleAssistant, "ack"),
			core.TextMessage(core.RoleUser, "question"),
		},
	})
	if diff := cmp.Diff([]string{"user", "assistant", "user"}, roles(got.Messages)); diff != "" {
		t.Fatalf("roles (-want +got):\n%s", diff)
	}
}

func TestBuildParamsToolsAndChoice(t *testing.T) {
	t.Parallel()

	type readParams struct {
		Path string `json:"path"`
		Mode string `json:"mode,omitempty"`
	}
	schema, err := core.ReflectParams(readParams{})
	if err != nil {
		t.Fatalf("ReflectParams() error = %v", err)
	}
	tools := []core.ToolSpec{{Name: "fs_read", Description: " Read files. ", Schema: schema}}

	got := buildWire(t, &core.Request{
		Model:      "m",
		Messages:   []core.Message{core.TextMessage(core.RoleUser, "summarize")},
		Tools:      tools,
		ToolChoice: core.ToolChoice{Type: core.ToolChoiceNone},
	})
	if len(got.Tools) != 1 {
		t.Fatalf("tools = %+v", got.Tools)
	}
	tool := got.Tools[0]
	if tool.Name != "fs_read" || tool.Description != "Read files." || tool.InputSchema.Type != "object" {
		t.Fatalf("tool = %+v", tool)
	}
	if diff := cmp.Diff([]string{"path"}, tool.InputSchema.Required); diff != "" {
		t.Fatalf("required (-want +got):\n%s", diff)
	}
	if got.ToolChoice["type"] != "none" {
		t.Fatalf("tool_choice = %v, want none", got.ToolChoice)
	}

	auto := buildWire(t, &core.Request{Model: "m", Tools: tools, Messages: []core.Message{core.TextMessage(core.RoleUser, "x")}})
	if auto.ToolChoice != nil {
		t.Fatalf("tool_choice = %v, want default", auto.ToolChoice)
	}
}

func TestBuildParamsRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  *core.Request
	}{
		{"nil", nil},
		{"no model", &core.Request{Model: "  "}},
		{"role", &core.Request{Model: "m", Messages: []core.Message{{Role: "system"}}}},
		{"result without id", &core.Request{Model: "m", Messages: []core.Message{
			{Role: core.RoleTool, ToolResult: &core.ToolResult{ToolName: "fs_read"}},
		}}},
		{"schema", &core.Request{Model: "m", Tools: []core.ToolSpec{{Name: "x", Schema: json.RawMessage(`{"type":"array"}`)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := buildParams(tt.req); !errors.Is(err, core.ErrInvalidRequest) {
				t.Fatalf("buildParams() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestMapStopReason(t *testing.T) {
	t.Parallel()

	tests := map[string]core.StopReason{
		"end_turn":                      core.StopReasonStop,
		"stop_sequence":                 core.StopReasonStop,
		"pause_turn":                    core.StopReasonStop,
		"max_tokens":                    core.StopReasonLength,
		"model_context_window_exceeded": core.StopReasonLength,
		"tool_use":                      core.StopReasonToolUse,
		"refusal":                       core.StopReasonRefusal,
	}
	for in, want := range tests {
		got, err := mapStopReason(in)
		if err != nil || got != want {
			t.Fatalf("mapStopReason(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := mapStopReason("mystery"); err == nil {
		t.Fatalf("mapStopReason(mystery) error = nil")
	}
}
