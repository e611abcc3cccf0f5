package anthropicprovider

import (
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"chatloop/internal/llm/core"
)

const defaultMaxTokens = 4096

func mapStopReason(reason string) (core.StopReason, error) {
	switch reason {
	case "end_turn", "stop_sequence", "pause_turn":
		return core.StopReasonStop, nil
	case "max_tokens", "model_context_window_exceeded":
		return core.StopReasonLength, nil
	case "tool_use":
		return core.StopReasonToolUse, nil
	case "refusal":
		return core.StopReasonRefusal, nil
	default:
		return "", fmt.Errorf("unhandled stop reason: %s", reason)
	}
}

// buildParams converts a request into Messages API parameters.
func buildParams(req *core.Request) (anthropic.MessageNewParams, error) {
	if req == nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("%w: request is nil", core.ErrInvalidRequest)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return anthropic.MessageNewParams{}, fmt.Errorf("%w: model is required", core.ErrInvalidRequest)
	}
	messages, err := buildMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	tools, err := buildTools(req.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		Tools:     tools,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	// Tool choice is only meaningful alongside tool definitions.
	if req.ToolChoice.Type == core.ToolChoiceNone && len(tools) > 0 {
		none := anthropic.NewToolChoiceNoneParam()
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &none}
	}
	return params, nil
}

// buildMessages folds tool results and the user text that follows them into
// one user message, the shape the API expects for answering a tool round
// trip. Tool results always precede the text.
func buildMessages(messages []core.Message) ([]anthropic.MessageParam, error) {
	var (
		out     []anthropic.MessageParam
		results []anthropic.ContentBlockParamUnion
		text    []anthropic.ContentBlockParamUnion
	)
	flushUser := func() {
		if blocks := append(results, text...); len(blocks) > 0 {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
		results, text = nil, nil
	}

	for _, msg := range messages {
		switch msg.Role {
		case core.RoleTool:
			tr := msg.ToolResult
			if tr == nil {
				continue
			}
			if strings.TrimSpace(tr.ToolCallID) == "" {
				return nil, fmt.Errorf("%w: tool result for %q has no tool call id", core.ErrInvalidRequest, tr.ToolName)
			}
			if len(text) > 0 {
				flushUser()
			}
			results = append(results, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		case core.RoleUser:
			text = append(text, textBlocks(msg.Content)...)
		case core.RoleAssistant:
			flushUser()
			blocks := textBlocks(msg.Content)
			for _, call := range msg.ToolCalls {
				if call.ID == "" || call.Name == "" {
					continue
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, toolInput(call.Arguments), call.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			return nil, fmt.Errorf("%w: unsupported role %q", core.ErrInvalidRequest, msg.Role)
		}
	}
	flushUser()
	return out, nil
}

func textBlocks(content []core.ContentBlock) []anthropic.ContentBlockParamUnion {
	var out []anthropic.ContentBlockParamUnion
	for _, block := range content {
		if block.Type == core.ContentTypeText && block.Text != "" {
			out = append(out, anthropic.NewTextBlock(block.Text))
		}
	}
	return out
}

// toolInput decodes replayed tool arguments. Arguments that are not an
// object, such as those of a use cut short by cancellation, are sent as {}.
func toolInput(raw json.RawMessage) map[string]any {
	input := map[string]any{}
	_ = json.Unmarshal(core.ToolArgs(raw), &input)
	return input
}

func buildTools(specs []core.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema, err := core.ParseObjectSchema(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", spec.Name, err)
		}
		tool := anthropic.ToolParam{
			Name: spec.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}
		if desc := strings.TrimSpace(spec.Description); desc != "" {
			tool.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}
