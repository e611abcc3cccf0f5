package mockprovider

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatloop/internal/llm/core"
)

// ErrScriptExhausted is returned when Stream is called more times than there are scripts.
var ErrScriptExhausted = errors.New("mock provider: no script left")

// Provider emits predefined event scripts for deterministic tests.
//
// Each Stream call consumes the next entry of Scripts. When Scripts is empty,
// Events is replayed on every call.
type Provider struct {
	Scripts [][]core.Event
	Events  []core.Event
	Delay   time.Duration
	// Hold blocks each stream after its scripted events until ctx is done.
	Hold bool

	mu       sync.Mutex
	calls    int
	requests []core.Request
}

// Stream emits the next scripted events in order until exhaustion or cancellation.
func (m *Provider) Stream(ctx context.Context, req *core.Request) (<-chan core.Event, error) {
	script, err := m.next(req)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 1)
	go func() {
		defer close(out)
		aborted := func() {
			core.EmitFinal(out, core.Event{
				Type: core.EventError,
				Done: &core.DonePayload{Reason: core.StopReasonAborted},
				Err:  ctx.Err(),
			})
		}
		for _, ev := range script {
			if m.Delay > 0 {
				if err := core.Sleep(ctx, m.Delay); err != nil {
					aborted()
					return
				}
			}
			if err := core.Emit(ctx, out, ev); err != nil {
				aborted()
				return
			}
		}
		if m.Hold {
			<-ctx.Done()
			aborted()
		}
	}()

	return out, nil
}

// Requests returns copies of every request seen so far.
func (m *Provider) Requests() []core.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Request(nil), m.requests...)
}

// Calls returns how many times Stream has been invoked.
func (m *Provider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Provider) next(req *core.Request) ([]core.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req != nil {
		copied := *req
		copied.Messages = append([]core.Message(nil), req.Messages...)
		m.requests = append(m.requests, copied)
	}
	idx := m.calls
	m.calls++

	if len(m.Scripts) == 0 {
		return m.Events, nil
	}
	if idx >= len(m.Scripts) {
		return nil, ErrScriptExhausted
	}
	return m.Scripts[idx], nil
}

// TextReply builds a script that streams text and completes normally.
func TextReply(messageID, text string) []core.Event {
	return []core.Event{
		{Type: core.EventStart, MessageID: messageID},
		{Type: core.EventTextDelta, TextDelta: text},
		{Type: core.EventDone, Done: &core.DonePayload{Reason: core.StopReasonStop}},
	}
}

// ToolReply builds a script that streams text followed by completed tool calls.
func ToolReply(messageID, text string, calls ...core.ToolCall) []core.Event {
	events := []core.Event{{Type: core.EventStart, MessageID: messageID}}
	if text != "" {
		events = append(events, core.Event{Type: core.EventTextDelta, TextDelta: text})
	}
	for i := range calls {
		call := calls[i]
		events = append(events,
			core.Event{Type: core.EventToolCallStart, ToolCall: &core.ToolCall{ID: call.ID, Name: call.Name}},
			core.Event{Type: core.EventToolCallEnd, ToolCall: &call},
		)
	}
	return append(events, core.Event{Type: core.EventDone, Done: &core.DonePayload{Reason: core.StopReasonToolUse}})
}

// ErrorReply builds a script that fails with err before producing output.
func ErrorReply(err error) []core.Event {
	return []core.Event{{
		Type: core.EventError,
		Done: &core.DonePayload{Reason: core.StopReasonError},
		Err:  err,
	}}
}
