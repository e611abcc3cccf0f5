package console

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/goleak"

	"chatloop/internal/conversation"
	"chatloop/internal/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newConsole(t *testing.T, input string) (*Console, *strings.Builder) {
	t.Helper()
	out := &strings.Builder{}
	c := New(Options{In: strings.NewReader(input), Out: out, Theme: ResolveTheme("plain")})
	t.Cleanup(func() { _ = c.Close() })
	return c, out
}

func TestReadInputUntilEOF(t *testing.T) {
	t.Parallel()

	c, out := newConsole(t, "hello\r\nlast line")
	ctx := context.Background()

	for _, want := range []string{"hello", "last line"} {
		got, ok, err := c.ReadInput(ctx, "> ")
		if err != nil || !ok {
			t.Fatalf("ReadInput() = %q, %v, %v", got, ok, err)
		}
		if got != want {
			t.Fatalf("ReadInput() = %q, want %q", got, want)
		}
	}
	if _, ok, err := c.ReadInput(ctx, "> "); ok || err != nil {
		t.Fatalf("ReadInput() at EOF = ok %v, err %v, want false, nil", ok, err)
	}
	if got := strings.Count(out.String(), "> "); got != 3 {
		t.Fatalf("prompt printed %d times, want 3", got)
	}
}

func TestReadInputHonorsContext(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	c := New(Options{In: r, Out: io.Discard, Theme: ResolveTheme("plain")})
	defer func() {
		_ = w.Close()
		_ = c.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := c.ReadInput(ctx, "> "); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ReadInput() error = %v, want %v", err, context.DeadlineExceeded)
	}

	// The abandoned read is handed to the next caller.
	go func() { _, _ = io.WriteString(w, "late\n") }()
	got, ok, err := c.ReadInput(context.Background(), "> ")
	if err != nil || !ok || got != "late" {
		t.Fatalf("ReadInput() = %q, %v, %v, want late", got, ok, err)
	}
}

func TestRequestConfirmation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  engine.ConfirmationOutcome
	}{
		{"y\n", engine.Approved},
		{"YES\n", engine.Approved},
		{"t\n", engine.ApprovedAlways},
		{"n\n", engine.Rejected},
		{"maybe\nn\n", engine.Rejected},
		{"", engine.Cancelled},
	}
	for _, tt := range tests {
		c, out := newConsole(t, tt.input)
		got, err := c.RequestConfirmation(context.Background(), engine.ConfirmationRequest{
			Tool: conversation.QueuedToolUse{
				Name: "execute_bash",
				Args: json.RawMessage(`{"command": "ls -la"}`),
			},
			DisplayName: "Execute shell command",
			Position:    2,
			Total:       3,
		})
		if err != nil {
			t.Fatalf("RequestConfirmation(%q) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("RequestConfirmation(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "Execute shell command (2 of 3)") {
			t.Fatalf("output missing header:\n%s", out.String())
		}
		if !strings.Contains(out.String(), `{"command": "ls -la"}`) {
			t.Fatalf("output missing args:\n%s", out.String())
		}
	}
}

func TestRequestConfirmationInterruptCancels(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	c := New(Options{In: r, Out: io.Discard, Theme: ResolveTheme("plain")})
	defer func() {
		_ = w.Close()
		_ = c.Close()
	}()
	stopped := false
	c.interrupts = func(ctx context.Context) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(ctx)
		// Ctrl-C arrives while the prompt waits for an answer.
		cancel()
		return ctx, func() {
			stopped = true
			cancel()
		}
	}

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	got, err := c.RequestConfirmation(parent, engine.ConfirmationRequest{
		Tool:        conversation.QueuedToolUse{Name: "execute_bash"},
		DisplayName: "Execute shell command",
		Position:    1,
		Total:       1,
	})
	if err != nil || got != engine.Cancelled {
		t.Fatalf("RequestConfirmation() = %v, %v, want Cancelled", got, err)
	}
	if !stopped {
		t.Fatalf("interrupt handler still installed after the prompt")
	}
	if parent.Err() != nil {
		t.Fatalf("caller context cancelled: %v", parent.Err())
	}
}

func TestChooseOverflowNumbered(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  engine.OverflowChoice
	}{
		{"1\n", engine.OverflowCompact},
		{"2\n", engine.OverflowReset},
		{"3\n", engine.OverflowContinue},
		{"9\n", engine.OverflowCompact},
		{"reset\n", engine.OverflowCompact},
		{"", engine.OverflowCompact},
	}
	for _, tt := range tests {
		c, out := newConsole(t, tt.input)
		got, err := c.ChooseOverflow(context.Background(), engine.OverflowInfo{Len: 12, MaxLen: 10})
		if err != nil {
			t.Fatalf("ChooseOverflow(%q) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("ChooseOverflow(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "12 turns") {
			t.Fatalf("output missing sizes:\n%s", out.String())
		}
	}
}

func TestSelectModelNumbered(t *testing.T) {
	t.Parallel()

	c, _ := newConsole(t, "2\n\n")
	options := []string{"claude-a", "claude-b"}

	got, ok, err := c.SelectModel(context.Background(), "claude-a", options)
	if err != nil || !ok || got != "claude-b" {
		t.Fatalf("SelectModel() = %q, %v, %v, want claude-b", got, ok, err)
	}
	if _, ok, err := c.SelectModel(context.Background(), "claude-b", options); ok || err != nil {
		t.Fatalf("SelectModel() on empty answer = ok %v, err %v, want declined", ok, err)
	}
	if _, ok, _ := c.SelectModel(context.Background(), "x", nil); ok {
		t.Fatalf("SelectModel() without options accepted")
	}
}

func TestRendering(t *testing.T) {
	t.Parallel()

	c, out := newConsole(t, "")
	c.TextDelta("Let me ")
	c.TextDelta("look.")
	c.ToolStarted(conversation.ToolUse{ID: "t1", Name: "fs_read", Args: json.RawMessage(`{"path":"go.mod"}`)})
	c.ToolFinished(conversation.ToolResult{ToolName: "fs_read", Content: "ok", Status: conversation.StatusSuccess})
	c.ToolFinished(conversation.ToolResult{ToolName: "fs_read", Content: "no such file\ndetails", Status: conversation.StatusError})
	c.TextDelta("Done.")
	c.TurnCompleted(engine.TurnRecord{})
	c.Notice(engine.Notice{Level: engine.NoticeError, Text: "stream error: boom"})

	want := "assistant: Let me look.\n" +
		"tool: fs_read {\"path\":\"go.mod\"}\n" +
		"  fs_read failed: no such file\n" +
		"assistant: Done.\n" +
		"stream error: boom\n"
	if got := out.String(); got != want {
		t.Fatalf("output:\n%q\nwant:\n%q", got, want)
	}
}

func TestPreviewArgs(t *testing.T) {
	t.Parallel()

	if got := previewArgs([]byte("{}")); got != "" {
		t.Fatalf("previewArgs({}) = %q, want empty", got)
	}
	if got := previewArgs([]byte("{\n  \"a\": 1\n}")); got != `{ "a": 1 }` {
		t.Fatalf("previewArgs() = %q", got)
	}
	long := previewArgs([]byte(strings.Repeat("é", 300)))
	if got := len([]rune(long)); got != maxArgsPreview+3 {
		t.Fatalf("previewArgs(long) has %d runes, want %d", got, maxArgsPreview+3)
	}
}

func TestChooserKeys(t *testing.T) {
	t.Parallel()

	press := func(m chooser, keys ...tea.KeyMsg) (chooser, bool) {
		quit := false
		for _, k := range keys {
			next, cmd := m.Update(k)
			m = next.(chooser)
			quit = cmd != nil
		}
		return m, quit
	}
	items := []string{"a", "b", "c"}

	m, quit := press(newChooser(ResolveTheme("plain"), "pick", items, 0),
		tea.KeyMsg{Type: tea.KeyDown}, tea.KeyMsg{Type: tea.KeyDown}, tea.KeyMsg{Type: tea.KeyDown},
		tea.KeyMsg{Type: tea.KeyUp}, tea.KeyMsg{Type: tea.KeyEnter})
	if !quit || !m.chosen || m.cursor != 2 {
		t.Fatalf("arrows: cursor %d chosen %v quit %v, want 2 true true", m.cursor, m.chosen, quit)
	}

	m, _ = press(newChooser(ResolveTheme("plain"), "pick", items, 0), tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")})
	if !m.chosen || m.cursor != 1 {
		t.Fatalf("digit: cursor %d chosen %v, want 1 true", m.cursor, m.chosen)
	}

	m, quit = press(newChooser(ResolveTheme("plain"), "pick", items, 5), tea.KeyMsg{Type: tea.KeyEsc})
	if !quit || m.chosen || m.cursor != 0 {
		t.Fatalf("esc: cursor %d chosen %v quit %v", m.cursor, m.chosen, quit)
	}
	if view := m.View(); !strings.Contains(view, "> 1. a") || !strings.Contains(view, "  3. c") {
		t.Fatalf("View() =\n%s", view)
	}
}
