// Package stream assembles model backend events into a finished assistant turn.
package stream

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/zeebo/blake3"

	"chatloop/internal/conversation"
	"chatloop/internal/llm/core"
)

// Reason is the terminal classification of a processed stream.
type Reason int

const (
	Completed Reason = iota
	Refusal
	Cancelled
	Overloaded
	ContextOverflow
	Failed
)

func (r Reason) String() string {
	switch r {
	case Completed:
		return "completed"
	case Refusal:
		return "refusal"
	case Cancelled:
		return "cancelled"
	case Overloaded:
		return "overloaded"
	case ContextOverflow:
		return "context_overflow"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrIncompleteStream reports a backend stream that closed without a terminal event.
var ErrIncompleteStream = errors.New("stream ended without a terminal event")

// Options are optional observers invoked while events arrive.
type Options struct {
	OnTextDelta func(text string)
	OnToolStart func(id, name string)
}

// Result is the assembled assistant turn and how the stream ended.
type Result struct {
	Turn       conversation.Turn
	Reason     Reason
	Err        error
	Usage      core.Usage
	StopReason core.StopReason
}

// Process consumes events until a terminal event, channel close or ctx
// cancellation. Text is always kept. Tool uses are kept only once their
// record completed; refusals drop them all.
func Process(ctx context.Context, events <-chan core.Event, opts Options) Result {
	acc := accumulator{inFlight: map[string]struct{}{}}

	for {
		select {
		case <-ctx.Done():
			return acc.finish(Cancelled, ctx.Err(), core.StopReasonAborted)
		case ev, ok := <-events:
			if !ok {
				return acc.finish(Failed, ErrIncompleteStream, core.StopReasonError)
			}
			if res, done := acc.consume(ev, opts); done {
				return res
			}
		}
	}
}

type accumulator struct {
	messageID string
	text      strings.Builder
	uses      []conversation.ToolUse
	inFlight  map[string]struct{}
	usage     core.Usage
	position  int
}

func (a *accumulator) consume(ev core.Event, opts Options) (Result, bool) {
	switch ev.Type {
	case core.EventStart:
		if a.messageID == "" {
			a.messageID = ev.MessageID
		}
	case core.EventTextDelta:
		a.text.WriteString(ev.TextDelta)
		if opts.OnTextDelta != nil && ev.TextDelta != "" {
			opts.OnTextDelta(ev.TextDelta)
		}
	case core.EventToolCallStart:
		if ev.ToolCall != nil {
			a.inFlight[ev.ToolCall.ID] = struct{}{}
			if opts.OnToolStart != nil {
				opts.OnToolStart(ev.ToolCall.ID, ev.ToolCall.Name)
			}
		}
	case core.EventToolCallEnd:
		if ev.ToolCall != nil {
			a.complete(*ev.ToolCall)
		}
	case core.EventUsage:
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
	case core.EventDone:
		stop := core.StopReasonStop
		if ev.Done != nil {
			stop = ev.Done.Reason
			a.mergeUsage(ev.Done.Usage)
		}
		if stop == core.StopReasonRefusal {
			a.uses = nil
			return a.finish(Refusal, nil, stop), true
		}
		return a.finish(Completed, nil, stop), true
	case core.EventError:
		if ev.Done != nil {
			a.mergeUsage(ev.Done.Usage)
		}
		return a.finish(classify(ev.Err), ev.Err, core.StopReasonError), true
	}
	return Result{}, false
}

func (a *accumulator) complete(call core.ToolCall) {
	delete(a.inFlight, call.ID)
	args := append(json.RawMessage(nil), call.Arguments...)
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	id := call.ID
	if id == "" {
		id = syntheticID(call.Name, args, a.position)
	}
	a.position++
	a.uses = append(a.uses, conversation.ToolUse{ID: id, Name: call.Name, Args: args})
}

func (a *accumulator) mergeUsage(u core.Usage) {
	if u.TokenCount() > 0 {
		a.usage = u
	}
}

// finish builds the result. In-flight tool records are always discarded.
func (a *accumulator) finish(reason Reason, err error, stop core.StopReason) Result {
	if reason == Cancelled {
		stop = core.StopReasonAborted
	}
	return Result{
		Turn:       conversation.AssistantTurn(a.messageID, a.text.String(), a.uses),
		Reason:     reason,
		Err:        err,
		Usage:      a.usage,
		StopReason: stop,
	}
}

func classify(err error) Reason {
	switch {
	case err == nil:
		return Failed
	case errors.Is(err, context.Canceled):
		return Cancelled
	case core.IsOverloaded(err):
		return Overloaded
	case core.IsContextOverflow(err):
		return ContextOverflow
	default:
		return Failed
	}
}

// syntheticID derives a stable tool use ID for backends that omit one.
func syntheticID(name string, args []byte, position int) string {
	h := blake3.New()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(args)
	var pos [8]byte
	binary.BigEndian.PutUint64(pos[:], uint64(position))
	_, _ = h.Write(pos[:])
	return "tooluse_" + hex.EncodeToString(h.Sum(nil)[:12])
}
