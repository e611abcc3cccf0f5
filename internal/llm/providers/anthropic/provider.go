package anthropicprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"chatloop/internal/llm/core"
)

// Config configures the Anthropic provider.
type Config struct {
	APIKey     string
	BaseURL    string
	Version    string
	HTTPClient *http.Client
	Retry      core.RetryPolicy
}

// Provider is a thin wrapper around the official anthropic-sdk-go client.
type Provider struct {
	apiKey string
	retry  core.RetryPolicy

	client anthropic.Client
}

// New constructs a provider with sane defaults.
func New(cfg Config) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	version := strings.TrimSpace(cfg.Version)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	clientOptions := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0), // retries happen in run, before any visible output
	}
	if baseURL != "" {
		clientOptions = append(clientOptions, option.WithBaseURL(baseURL))
	}
	if version != "" {
		clientOptions = append(clientOptions, option.WithHeader("anthropic-version", version))
	}

	return &Provider{
		apiKey: apiKey,
		retry:  cfg.Retry.WithDefaults(),
		client: anthropic.NewClient(clientOptions...),
	}
}

// Stream starts one Messages API streaming request. The channel closes after
// a done or error event.
func (p *Provider) Stream(ctx context.Context, req *core.Request) (<-chan core.Event, error) {
	if p == nil {
		return nil, errors.New("anthropic provider is nil")
	}
	if p.apiKey == "" {
		return nil, core.ErrMissingAPIKey
	}
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	s := &messageStream{
		client: &p.client,
		params: params,
		retry:  p.retry.Overlay(req.Retry),
		out:    make(chan core.Event, 1),
		reason: core.StopReasonStop,
		tools:  map[int64]*pendingToolCall{},
	}
	go s.run(ctx)
	return s.out, nil
}

// messageStream converts one logical request, retries included, into
// canonical events.
type messageStream struct {
	client *anthropic.Client
	params anthropic.MessageNewParams
	retry  core.RetryPolicy
	out    chan core.Event

	usage  core.Usage
	reason core.StopReason
	// visible is set once text or a tool call reached the consumer; after
	// that a failure can no longer be retried.
	visible bool
	started bool
	done    bool
	tools   map[int64]*pendingToolCall
}

// pendingToolCall collects the streamed JSON arguments of one tool_use block.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func (s *messageStream) run(ctx context.Context) {
	defer close(s.out)

	var err error
	for attempt := 0; ; attempt++ {
		if err = s.attempt(ctx); err == nil {
			return
		}
		if ctx.Err() != nil || s.visible || !core.IsRetryableError(err) || attempt >= s.retry.MaxRetries {
			break
		}
		if err = core.Sleep(ctx, s.retry.Backoff(attempt)); err != nil {
			break
		}
	}

	reason := core.StopReasonError
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		reason = core.StopReasonAborted
	}
	core.EmitFinal(s.out, core.Event{
		Type: core.EventError,
		Done: &core.DonePayload{Reason: reason, Usage: s.usage},
		Err:  fmt.Errorf("anthropic stream: %w", err),
	})
}

// attempt reads one SDK stream to message_stop.
func (s *messageStream) attempt(ctx context.Context) error {
	sdk := s.client.Messages.NewStreaming(ctx, s.params)
	defer func() { _ = sdk.Close() }()

	for sdk.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.handle(ctx, sdk.Current()); err != nil {
			return err
		}
		if s.done {
			return nil
		}
	}
	if err := sdk.Err(); err != nil {
		return classifyProviderError(fmt.Errorf("anthropic sdk stream: %w", err))
	}
	if s.done {
		return nil
	}
	return core.MarkRetryable(errors.New("anthropic stream ended without message_stop"))
}

func (s *messageStream) handle(ctx context.Context, event anthropic.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		s.usage.InputTokens = int(ev.Message.Usage.InputTokens)
		s.usage.OutputTokens = int(ev.Message.Usage.OutputTokens)
		s.usage.CacheReadTokens = int(ev.Message.Usage.CacheReadInputTokens)
		s.usage.CacheWriteTokens = int(ev.Message.Usage.CacheCreationInputTokens)
		// A retried attempt starts a new message; the consumer sees one start.
		if !s.started {
			s.started = true
			if err := core.Emit(ctx, s.out, core.Event{Type: core.EventStart, MessageID: ev.Message.ID}); err != nil {
				return err
			}
		}
		return core.Emit(ctx, s.out, core.Event{Type: core.EventUsage, Usage: s.usage.Clone()})

	case anthropic.ContentBlockStartEvent:
		// Text blocks start empty. Thinking and server tool blocks are not surfaced.
		block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			return nil
		}
		input, err := core.ToolInput(block.Input)
		if err != nil {
			return fmt.Errorf("encode tool_use input: %w", err)
		}
		call := &pendingToolCall{id: block.ID, name: block.Name}
		if string(input) != "{}" {
			call.args.Write(input)
		}
		s.tools[ev.Index] = call
		s.visible = true
		return core.Emit(ctx, s.out, core.Event{
			Type:     core.EventToolCallStart,
			ToolCall: &core.ToolCall{ID: block.ID, Name: block.Name},
		})

	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			s.visible = true
			return core.Emit(ctx, s.out, core.Event{Type: core.EventTextDelta, TextDelta: delta.Text})
		case anthropic.InputJSONDelta:
			call, ok := s.tools[ev.Index]
			if !ok {
				return fmt.Errorf("input_json_delta for unknown block %d", ev.Index)
			}
			call.args.WriteString(delta.PartialJSON)
			return core.Emit(ctx, s.out, core.Event{Type: core.EventToolCallDelta, ToolCallDelta: delta.PartialJSON})
		}
		return nil

	case anthropic.ContentBlockStopEvent:
		call, ok := s.tools[ev.Index]
		if !ok {
			return nil
		}
		delete(s.tools, ev.Index)
		args := bytes.TrimSpace([]byte(call.args.String()))
		if len(args) == 0 {
			args = []byte("{}")
		}
		if !json.Valid(args) {
			return fmt.Errorf("tool call %s arguments are not valid JSON", call.name)
		}
		return core.Emit(ctx, s.out, core.Event{
			Type:     core.EventToolCallEnd,
			ToolCall: &core.ToolCall{ID: call.id, Name: call.name, Arguments: json.RawMessage(args)},
		})

	case anthropic.MessageDeltaEvent:
		if ev.Delta.StopReason != "" {
			reason, err := mapStopReason(string(ev.Delta.StopReason))
			if err != nil {
				return err
			}
			s.reason = reason
		}
		// Deltas often omit input counters; zero keeps the start counts.
		if ev.Usage.InputTokens > 0 {
			s.usage.InputTokens = int(ev.Usage.InputTokens)
		}
		if ev.Usage.CacheReadInputTokens > 0 {
			s.usage.CacheReadTokens = int(ev.Usage.CacheReadInputTokens)
		}
		if ev.Usage.CacheCreationInputTokens > 0 {
			s.usage.CacheWriteTokens = int(ev.Usage.CacheCreationInputTokens)
		}
		s.usage.OutputTokens = int(ev.Usage.OutputTokens)
		return core.Emit(ctx, s.out, core.Event{Type: core.EventUsage, Usage: s.usage.Clone()})

	case anthropic.MessageStopEvent:
		s.done = true
		return core.Emit(ctx, s.out, core.Event{
			Type: core.EventDone,
			Done: &core.DonePayload{Reason: s.reason, Usage: s.usage},
		})
	}
	return nil
}
