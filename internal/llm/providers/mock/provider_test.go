package mockprovider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"chatloop/internal/llm/core"
)

func drain(t *testing.T, stream <-chan core.Event) []core.EventType {
	t.Helper()
	var got []core.EventType
	for ev := range stream {
		got = append(got, ev.Type)
	}
	return got
}

// TestMockProviderStreamsScriptedEvents verifies deterministic event ordering.
func TestMockProviderStreamsScriptedEvents(t *testing.T) {
	t.Parallel()

	mp := &Provider{Events: TextReply("m1", "hello")}

	stream, err := mp.Stream(context.Background(), &core.Request{Model: "mock"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	want := []core.EventType{core.EventStart, core.EventTextDelta, core.EventDone}
	if diff := cmp.Diff(want, drain(t, stream)); diff != "" {
		t.Fatalf("event types mismatch (-want +got):\n%s", diff)
	}
}

func TestMockProviderConsumesScriptsPerCall(t *testing.T) {
	t.Parallel()

	mp := &Provider{Scripts: [][]core.Event{
		ToolReply("m1", "", core.ToolCall{ID: "t1", Name: "fs_read", Arguments: []byte(`{}`)}),
		TextReply("m2", "done"),
	}}

	for i, model := range []string{"a", "b"} {
		stream, err := mp.Stream(context.Background(), &core.Request{Model: model})
		if err != nil {
			t.Fatalf("call %d: Stream() error = %v", i, err)
		}
		drain(t, stream)
	}
	if _, err := mp.Stream(context.Background(), &core.Request{}); !errors.Is(err, ErrScriptExhausted) {
		t.Fatalf("third call error = %v, want ErrScriptExhausted", err)
	}

	reqs := mp.Requests()
	if len(reqs) != 3 || reqs[0].Model != "a" || reqs[1].Model != "b" {
		t.Fatalf("recorded requests = %+v", reqs)
	}
	if mp.Calls() != 3 {
		t.Fatalf("Calls() = %d, want 3", mp.Calls())
	}
}

func TestMockProviderHoldEndsWithAbortOnCancel(t *testing.T) {
	t.Parallel()

	mp := &Provider{Events: []core.Event{{Type: core.EventTextDelta, TextDelta: "partial"}}, Hold: true}
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := mp.Stream(ctx, &core.Request{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	first := <-stream
	if first.TextDelta != "partial" {
		t.Fatalf("first event = %+v", first)
	}
	cancel()

	select {
	case ev := <-stream:
		if ev.Type != core.EventError || ev.Done.Reason != core.StopReasonAborted {
			t.Fatalf("terminal event = %+v, want aborted error", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not terminate after cancellation")
	}
}
