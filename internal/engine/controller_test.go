package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"chatloop/internal/conversation"
	"chatloop/internal/history"
	"chatloop/internal/llm/core"
	mockprovider "chatloop/internal/llm/providers/mock"
	"chatloop/internal/permission"
	"chatloop/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptPrompter struct {
	inputs   []string
	overflow []OverflowChoice
	models   []string

	overflowAsked []OverflowInfo
	modelOffers   [][]string
}

func (p *scriptPrompter) ReadInput(ctx context.Context, prompt string) (string, bool, error) {
	if len(p.inputs) == 0 {
		return "", false, nil
	}
	in := p.inputs[0]
	p.inputs = p.inputs[1:]
	return in, true, nil
}

func (p *scriptPrompter) ChooseOverflow(ctx context.Context, info OverflowInfo) (OverflowChoice, error) {
	p.overflowAsked = append(p.overflowAsked, info)
	if len(p.overflow) == 0 {
		return OverflowCompact, nil
	}
	choice := p.overflow[0]
	p.overflow = p.overflow[1:]
	return choice, nil
}

func (p *scriptPrompter) SelectModel(ctx context.Context, current string, options []string) (string, bool, error) {
	p.modelOffers = append(p.modelOffers, options)
	if len(p.models) == 0 {
		return "", false, nil
	}
	m := p.models[0]
	p.models = p.models[1:]
	return m, true, nil
}

type scriptConfirmer struct {
	t        *testing.T
	outcomes []ConfirmationOutcome
	asked    []string
}

func (c *scriptConfirmer) RequestConfirmation(ctx context.Context, req ConfirmationRequest) (ConfirmationOutcome, error) {
	c.asked = append(c.asked, req.Tool.Name)
	if len(c.outcomes) == 0 {
		c.t.Errorf("unexpected confirmation request for %s", req.Tool.Name)
		return Cancelled, nil
	}
	o := c.outcomes[0]
	c.outcomes = c.outcomes[1:]
	return o, nil
}

type recordSink struct {
	mu       sync.Mutex
	text     strings.Builder
	onText   func(string)
	started  []string
	finished []conversation.ToolResult
	records  []TurnRecord
	notices  []Notice
}

func (s *recordSink) TextDelta(text string) {
	s.mu.Lock()
	s.text.WriteString(text)
	hook := s.onText
	s.mu.Unlock()
	if hook != nil {
		hook(text)
	}
}

func (s *recordSink) ToolStarted(use conversation.ToolUse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, use.Name)
}

func (s *recordSink) ToolFinished(result conversation.ToolResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, result)
}

func (s *recordSink) TurnCompleted(record TurnRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

func (s *recordSink) Notice(n Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
}

func (s *recordSink) hasNotice(level NoticeLevel, substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notices {
		if n.Level == level && strings.Contains(n.Text, substr) {
			return true
		}
	}
	return false
}

// callLog records tool executions across executor goroutines.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeTool struct {
	name    string
	confirm bool
	schema  string
	err     error
	onRun   func()
	log     *callLog
}

func (f fakeTool) Name() string        { return f.name }
func (f fakeTool) DisplayName() string { return "Fake " + f.name }
func (f fakeTool) Description() string { return "fake tool" }

func (f fakeTool) Schema() json.RawMessage {
	if f.schema != "" {
		return json.RawMessage(f.schema)
	}
	return json.RawMessage(`{"type":"object"}`)
}

func (f fakeTool) RequiresConfirmationByDefault() bool { return f.confirm }

func (f fakeTool) Execute(ctx context.Context, params json.RawMessage) (tools.Result, error) {
	if f.log != nil {
		f.log.add(f.name)
	}
	if f.onRun != nil {
		f.onRun()
	}
	if f.err != nil {
		return tools.Result{}, f.err
	}
	return tools.Result{Content: f.name + " ok"}, nil
}

func call(id, name, args string) core.ToolCall {
	return core.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type harness struct {
	ctrl      *Controller
	provider  *mockprovider.Provider
	prompter  *scriptPrompter
	confirmer *scriptConfirmer
	sink      *recordSink
	log       *callLog
}

type harnessOption func(*Config)

func withTrust(trust permission.TrustConfig) harnessOption {
	return func(cfg *Config) { cfg.Trust = NewStaticTrust(trust) }
}

func withMaxHistory(n int) harnessOption {
	return func(cfg *Config) { cfg.MaxHistory = n }
}

func withFallbacks(models ...string) harnessOption {
	return func(cfg *Config) { cfg.FallbackModels = models }
}

func newHarness(t *testing.T, scripts [][]core.Event, inputs []string, toolSet []fakeTool, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		provider:  &mockprovider.Provider{Scripts: scripts},
		prompter:  &scriptPrompter{inputs: inputs},
		confirmer: &scriptConfirmer{t: t},
		sink:      &recordSink{},
		log:       &callLog{},
	}
	reg := tools.NewRegistry()
	for _, tool := range toolSet {
		tool.log = h.log
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.name, err)
		}
	}
	cfg := Config{
		Backend:   h.provider,
		Registry:  reg,
		Prompter:  h.prompter,
		Confirmer: h.confirmer,
		Sink:      h.sink,
		Model:     "primary",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.ctrl = New(cfg)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

// sentResults returns the tool results carried by the request at index i.
func (h *harness) sentResults(t *testing.T, i int) []core.ToolResult {
	t.Helper()
	reqs := h.provider.Requests()
	if len(reqs) <= i {
		t.Fatalf("requests = %d, want more than %d", len(reqs), i)
	}
	var out []core.ToolResult
	msgs := reqs[i].Messages
	for j := len(msgs) - 1; j >= 0 && msgs[j].Role != core.RoleAssistant; j-- {
		if msgs[j].ToolResult != nil {
			out = append([]core.ToolResult{*msgs[j].ToolResult}, out...)
		}
	}
	return out
}

func TestTextTurnIsRecorded(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{mockprovider.TextReply("msg_1", "hello there")},
		[]string{"hi"},
		nil,
	)
	h.run(t)

	turns := h.ctrl.History().Turns()
	if len(turns) != 2 || turns[0].Content != "hi" || turns[1].Content != "hello there" {
		t.Fatalf("history = %+v, want hi/hello there", turns)
	}
	if got := h.sink.text.String(); got != "hello there" {
		t.Fatalf("streamed text = %q", got)
	}
	if len(h.sink.records) != 1 || h.sink.records[0].Reason != "completed" || h.sink.records[0].MessageID != "msg_1" {
		t.Fatalf("records = %+v", h.sink.records)
	}
	if h.provider.Requests()[0].Model != "primary" {
		t.Fatalf("model = %q, want primary", h.provider.Requests()[0].Model)
	}
}

func TestDeniedToolHaltsWholeBatch(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{
			mockprovider.ToolReply("m1", "", call("t1", "reader", `{}`), call("t2", "danger", `{}`)),
			mockprovider.TextReply("m2", "understood"),
		},
		[]string{"do it"},
		[]fakeTool{{name: "reader"}, {name: "danger"}},
		withTrust(permission.TrustConfig{DeniedTools: []string{"danger"}}),
	)
	h.run(t)

	if calls := h.log.list(); len(calls) != 0 {
		t.Fatalf("executed tools = %v, want none", calls)
	}
	results := h.sentResults(t, 1)
	if len(results) != 2 {
		t.Fatalf("results = %+v, want 2", results)
	}
	if !results[0].IsError || results[0].Content != haltedByDenialText {
		t.Fatalf("reader result = %+v", results[0])
	}
	if !results[1].IsError || !strings.HasPrefix(results[1].Content, deniedToolText) {
		t.Fatalf("danger result = %+v", results[1])
	}
	if !h.sink.hasNotice(NoticeWarning, "danger") {
		t.Fatalf("notices = %+v, want denial warning", h.sink.notices)
	}
}

func TestAllowedToolRunsWithoutConfirmation(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{
			mockprovider.ToolReply("m1", "reading", call("t1", "reader", `{}`)),
			mockprovider.TextReply("m2", "done"),
		},
		[]string{"read"},
		[]fakeTool{{name: "reader"}},
	)
	h.run(t)

	if len(h.confirmer.asked) != 0 {
		t.Fatalf("confirmations = %v, want none", h.confirmer.asked)
	}
	if diff := cmp.Diff([]string{"reader"}, h.log.list()); diff != "" {
		t.Fatalf("executed (-want +got):\n%s", diff)
	}
	results := h.sentResults(t, 1)
	if len(results) != 1 || results[0].IsError || results[0].Content != "reader ok" {
		t.Fatalf("results = %+v", results)
	}
	if len(h.ctrl.History().Turns()) != 4 {
		t.Fatalf("history len = %d, want 4", h.ctrl.History().Len())
	}
}

func TestConfirmationApprovesEachToolInOrder(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{
			mockprovider.ToolReply("m1", "",
				call("t1", "reader", `{}`),
				call("t2", "writer", `{}`),
				call("t3", "shell", `{}`),
			),
			mockprovider.TextReply("m2", "all done"),
		},
		[]string{"go"},
		[]fakeTool{{name: "reader"}, {name: "writer", confirm: true}, {name: "shell", confirm: true}},
	)
	h.confirmer.outcomes = []ConfirmationOutcome{Approved, Approved}
	h.run(t)

	if diff := cmp.Diff([]string{"writer", "shell"}, h.confirmer.asked); diff != "" {
		t.Fatalf("asked (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"reader", "writer", "shell"}, h.log.list()); diff != "" {
		t.Fatalf("executed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"reader", "writer", "shell"}, h.sink.started); diff != "" {
		t.Fatalf("started (-want +got):\n%s", diff)
	}
	if got := len(h.sentResults(t, 1)); got != 3 {
		t.Fatalf("results = %d, want 3", got)
	}
}

func TestRejectionParksCancelledResults(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{
			mockprovider.ToolReply("m1", "",
				call("t1", "reader", `{}`),
				call("t2", "writer", `{}`),
				call("t3", "shell", `{}`),
			),
			mockprovider.TextReply("m2", "ok, I will not"),
		},
		[]string{"go", "please don't"},
		[]fakeTool{{name: "reader"}, {name: "writer", confirm: true}, {name: "shell", confirm: true}},
	)
	h.confirmer.outcomes = []ConfirmationOutcome{Approved, Rejected}
	h.run(t)

	if calls := h.log.list(); len(calls) != 0 {
		t.Fatalf("executed = %v, want none", calls)
	}
	results := h.sentResults(t, 1)
	if len(results) != 3 {
		t.Fatalf("results = %+v, want 3 cancelled", results)
	}
	for _, r := range results {
		if !r.IsError || r.Content != conversation.CancelledToolResultText {
			t.Fatalf("result = %+v, want cancelled", r)
		}
	}
	last := h.provider.Requests()[1].Messages
	if got := last[len(last)-1].Text(); got != "please don't" {
		t.Fatalf("last message = %q, want user text", got)
	}
}

func TestCancelledConfirmationKeepsSession(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{
			mockprovider.ToolReply("m1", "", call("t1", "writer", `{}`)),
			mockprovider.TextReply("m2", "fine"),
		},
		[]string{"write it", "actually no"},
		[]fakeTool{{name: "writer", confirm: true}},
	)
	h.confirmer.outcomes = []ConfirmationOutcome{Cancelled}
	h.run(t)

	if calls := h.log.list(); len(calls) != 0 {
		t.Fatalf("executed = %v, want none", calls)
	}
	results := h.sentResults(t, 1)
	if len(results) != 1 || results[0].Content != conversation.CancelledToolResultText {
		t.Fatalf("results = %+v, want one cancelled", results)
	}
	if got := len(h.ctrl.History().Turns()); got != 4 {
		t.Fatalf("history len = %d, want 4", got)
	}
}

func TestApproveAlwaysTrustsToolForSession(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{
			mockprovider.ToolReply("m1", "", call("t1", "writer", `{}`)),
			mockprovider.ToolReply("m2", "", call("t2", "writer", `{}`)),
			mockprovider.TextReply("m3", "done"),
		},
		[]string{"write twice"},
		[]fakeTool{{name: "writer", confirm: true}},
	)
	h.confirmer.outcomes = []ConfirmationOutcome{ApprovedAlways}
	h.run(t)

	if len(h.confirmer.asked) != 1 {
		t.Fatalf("asked = %v, want one confirmation", h.confirmer.asked)
	}
	if got := len(h.log.list()); got != 2 {
		t.Fatalf("executions = %d, want 2", got)
	}
	if got := h.ctrl.ToolStatus()["writer"]; got != permission.Allowed {
		t.Fatalf("status = %v, want allowed", got)
	}
}

func TestValidationFailureIsReportedToModel(t *testing.T) {
	schema := `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`
	h := newHarness(t,
		[][]core.Event{
			mockprovider.ToolReply("m1", "", call("t1", "reader", `{}`), call("t2", "other", `{}`)),
			mockprovider.TextReply("m2", "sorry"),
		},
		[]string{"read"},
		[]fakeTool{{name: "reader", schema: schema}, {name: "other"}},
	)
	h.run(t)

	if calls := h.log.list(); len(calls) != 0 {
		t.Fatalf("executed = %v, want none", calls)
	}
	results := h.sentResults(t, 1)
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if !results[0].IsError || !strings.Contains(results[0].Content, "path") {
		t.Fatalf("invalid tool result = %+v, want message naming path", results[0])
	}
	if results[1].Content != haltedByInvalid {
		t.Fatalf("valid tool result = %+v", results[1])
	}
}

func TestFatalToolFailureParksResults(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{
			mockprovider.ToolReply("m1", "",
				call("t1", "reader", `{}`),
				call("t2", "broken", `{}`),
				call("t3", "after", `{}`),
			),
			mockprovider.TextReply("m2", "noted"),
		},
		[]string{"go", "what happened?"},
		[]fakeTool{{name: "reader"}, {name: "broken", err: tools.MarkFatal(errors.New("disk gone"))}, {name: "after"}},
	)
	h.run(t)

	if diff := cmp.Diff([]string{"reader", "broken"}, h.log.list()); diff != "" {
		t.Fatalf("executed (-want +got):\n%s", diff)
	}
	if !h.sink.hasNotice(NoticeError, "disk gone") {
		t.Fatalf("notices = %+v, want fatal error", h.sink.notices)
	}
	results := h.sentResults(t, 1)
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].IsError || !results[1].IsError || results[2].Content != conversation.CancelledToolResultText {
		t.Fatalf("results = %+v", results)
	}
}

func TestCancelDuringExecutionKeepsCompletedResults(t *testing.T) {
	var h *harness
	h = newHarness(t,
		[][]core.Event{
			mockprovider.ToolReply("m1", "",
				call("t1", "first", `{}`),
				call("t2", "second", `{}`),
				call("t3", "third", `{}`),
			),
			mockprovider.TextReply("m2", "stopped"),
		},
		[]string{"go", "leave it there"},
		[]fakeTool{{name: "first", onRun: func() { h.ctrl.Cancel() }}, {name: "second"}, {name: "third"}},
	)

	ctx := context.Background()
	var st State = AwaitingInput{}
	for i := 0; i < 10; i++ {
		if _, ok := st.(ExecutingTools); ok {
			break
		}
		st = h.ctrl.Step(ctx, st)
	}
	if _, ok := st.(ExecutingTools); !ok {
		t.Fatalf("state = %v, want ExecutingTools", st)
	}
	if next := h.ctrl.Step(ctx, st); next != (AwaitingInput{}) {
		t.Fatalf("state after cancelled batch = %v, want AwaitingInput", next)
	}
	if !h.sink.hasNotice(NoticeInfo, "Tool execution cancelled.") {
		t.Fatalf("notices = %+v, want cancellation notice", h.sink.notices)
	}
	h.run(t)

	if diff := cmp.Diff([]string{"first"}, h.log.list()); diff != "" {
		t.Fatalf("executed (-want +got):\n%s", diff)
	}
	results := h.sentResults(t, 1)
	if len(results) != 3 {
		t.Fatalf("results = %+v, want 3", results)
	}
	if results[0].IsError || results[0].Content != "first ok" {
		t.Fatalf("first result = %+v, want success", results[0])
	}
	for _, r := range results[1:] {
		if !r.IsError || r.Content != conversation.CancelledToolResultText {
			t.Fatalf("result = %+v, want cancelled", r)
		}
	}
	last := h.provider.Requests()[1].Messages
	if got := last[len(last)-1].Text(); got != "leave it there" {
		t.Fatalf("last message = %q, want user text", got)
	}
}

func TestOverflowIsResolvedOncePerSend(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{
			mockprovider.ToolReply("m1", "", call("t1", "reader", `{}`)),
			mockprovider.ToolReply("m2", "", call("t2", "reader", `{}`)),
			mockprovider.TextReply("m3", "finished"),
		},
		[]string{"loop"},
		[]fakeTool{{name: "reader"}},
		withMaxHistory(4),
	)
	h.prompter.overflow = []OverflowChoice{OverflowContinue}
	h.run(t)

	if diff := cmp.Diff([]OverflowInfo{{Len: 4, MaxLen: 4}}, h.prompter.overflowAsked); diff != "" {
		t.Fatalf("overflow prompts (-want +got):\n%s", diff)
	}
	if h.provider.Calls() != 3 {
		t.Fatalf("calls = %d, want 3", h.provider.Calls())
	}
	if got := h.ctrl.History().Len(); got != 6 {
		t.Fatalf("history len = %d, want 6 after continuing untrimmed", got)
	}
	if !h.sink.hasNotice(NoticeWarning, "oversized") {
		t.Fatalf("notices = %+v", h.sink.notices)
	}
}

func TestOverflowCompactionResumesPendingSend(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{
			mockprovider.ToolReply("m1", "", call("t1", "reader", `{}`)),
			mockprovider.ToolReply("m2", "", call("t2", "reader", `{}`)),
			mockprovider.TextReply("s1", "we read files"),
			mockprovider.TextReply("m3", "continuing"),
		},
		[]string{"loop"},
		[]fakeTool{{name: "reader"}},
		withMaxHistory(4),
	)
	h.prompter.overflow = []OverflowChoice{OverflowCompact}
	h.run(t)

	reqs := h.provider.Requests()
	if len(reqs) != 4 {
		t.Fatalf("requests = %d, want 4", len(reqs))
	}
	if reqs[2].ToolChoice.Type != core.ToolChoiceNone {
		t.Fatalf("summary request tool choice = %q, want none", reqs[2].ToolChoice.Type)
	}
	turns := h.ctrl.History().Turns()
	want := []string{history.SummaryIntro, "we read files", history.OverflowNotice, "continuing"}
	got := make([]string, 0, len(turns))
	for _, turn := range turns {
		got = append(got, turn.Content)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("history (-want +got):\n%s", diff)
	}
	if len(h.prompter.overflowAsked) != 1 {
		t.Fatalf("overflow prompts = %d, want 1", len(h.prompter.overflowAsked))
	}
}

func TestOverloadSwitchesModelAndResends(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{
			mockprovider.ErrorReply(core.MarkOverloaded(errors.New("overloaded_error"))),
			mockprovider.TextReply("m1", "hi from backup"),
		},
		[]string{"hello"},
		nil,
		withFallbacks("primary", "backup"),
	)
	h.prompter.models = []string{"backup"}
	h.run(t)

	if diff := cmp.Diff([][]string{{"backup"}}, h.prompter.modelOffers); diff != "" {
		t.Fatalf("offers (-want +got):\n%s", diff)
	}
	reqs := h.provider.Requests()
	if len(reqs) != 2 || reqs[1].Model != "backup" {
		t.Fatalf("requests = %+v, want resend on backup", reqs)
	}
	if diff := cmp.Diff(reqs[0].Messages, reqs[1].Messages); diff != "" {
		t.Fatalf("resent messages differ (-first +second):\n%s", diff)
	}
	if h.ctrl.Model() != "backup" {
		t.Fatalf("model = %q", h.ctrl.Model())
	}
	if got := h.ctrl.History().Len(); got != 2 {
		t.Fatalf("history len = %d, want 2", got)
	}
}

func TestOverloadWithoutFallbackReturnsToInput(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{mockprovider.ErrorReply(core.MarkOverloaded(errors.New("overloaded_error")))},
		[]string{"hello"},
		nil,
	)
	h.run(t)

	if len(h.prompter.modelOffers) != 0 {
		t.Fatalf("offers = %v, want none", h.prompter.modelOffers)
	}
	if h.ctrl.History().Len() != 0 {
		t.Fatalf("history len = %d, want 0", h.ctrl.History().Len())
	}
}

func TestCancelKeepsPartialText(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{{
			{Type: core.EventStart, MessageID: "m1"},
			{Type: core.EventTextDelta, TextDelta: "partial"},
		}},
		[]string{"write a novel"},
		nil,
	)
	h.provider.Hold = true
	h.sink.onText = func(string) { h.ctrl.Cancel() }
	h.run(t)

	turns := h.ctrl.History().Turns()
	if len(turns) != 2 || turns[1].Content != "partial" {
		t.Fatalf("history = %+v, want partial assistant text kept", turns)
	}
	if len(h.sink.records) != 1 || h.sink.records[0].Reason != "cancelled" {
		t.Fatalf("records = %+v", h.sink.records)
	}
}

func TestStreamFailureRestoresHistory(t *testing.T) {
	h := newHarness(t,
		[][]core.Event{
			mockprovider.TextReply("m1", "first"),
			mockprovider.ErrorReply(errors.New("boom")),
		},
		[]string{"one", "two"},
		nil,
	)
	h.run(t)

	if got := h.ctrl.History().Len(); got != 2 {
		t.Fatalf("history len = %d, want 2", got)
	}
	if !h.sink.hasNotice(NoticeError, "boom") {
		t.Fatalf("notices = %+v", h.sink.notices)
	}
}

func TestStepErrorRollsBackToAcceptedInput(t *testing.T) {
	provider := &mockprovider.Provider{Scripts: [][]core.Event{
		mockprovider.ToolReply("m1", "", call("t1", "reader", `{}`)),
	}}
	sink := &recordSink{}
	ctrl := New(Config{
		Backend:  provider,
		Prompter: &scriptPrompter{inputs: []string{"go"}},
		Sink:     sink,
	})
	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := ctrl.History().Len(); got != 0 {
		t.Fatalf("history len = %d, want rollback to empty", got)
	}
	if !sink.hasNotice(NoticeError, "internal error") {
		t.Fatalf("notices = %+v", sink.notices)
	}
}

func TestRunRequiresPrompter(t *testing.T) {
	if err := New(Config{}).Run(context.Background()); !errors.Is(err, ErrNoPrompter) {
		t.Fatalf("Run() error = %v, want %v", err, ErrNoPrompter)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"cancelled", context.Canceled, CategoryCancelled},
		{"validation", &tools.ValidationError{Tool: "x", Message: "bad"}, CategoryValidation},
		{"overflow", &history.OverflowError{Len: 3, MaxLen: 3}, CategoryOverflow},
		{"input", inputError{errors.New("eof")}, CategoryInput},
		{"stream", core.MarkOverloaded(errors.New("busy")), CategoryStream},
		{"internal", errors.New("boom"), CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Fatalf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
