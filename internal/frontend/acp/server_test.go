package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"chatloop/internal/engine"
	"chatloop/internal/llm/core"
	mockprovider "chatloop/internal/llm/providers/mock"
	"chatloop/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTool struct {
	name string
	ran  chan string
}

func (f fakeTool) Name() string                        { return f.name }
func (f fakeTool) DisplayName() string                 { return "Fake " + f.name }
func (f fakeTool) Description() string                 { return "fake tool" }
func (f fakeTool) Schema() json.RawMessage             { return json.RawMessage(`{"type":"object"}`) }
func (f fakeTool) RequiresConfirmationByDefault() bool { return true }

func (f fakeTool) Execute(context.Context, json.RawMessage) (tools.Result, error) {
	f.ran <- f.name
	return tools.Result{Content: f.name + " ok"}, nil
}

// client drives a server over in-memory pipes.
type client struct {
	t      *testing.T
	w      io.WriteCloser
	in     chan message
	nextID int

	// notes collects session/update notifications seen so far.
	notes []sessionUpdate
	// permission answers session/request_permission; nil means cancelled.
	permission func(requestPermissionParams) string
}

func newClient(t *testing.T, cfg ServerConfig) (*client, *mockprovider.Provider) {
	t.Helper()

	provider, _ := cfg.Engine.Backend.(*mockprovider.Provider)
	srvIn, cliOut := io.Pipe()
	cliIn, srvOut := io.Pipe()
	transport := NewStreamTransport(srvIn, srvOut, closeFunc(func() error {
		_ = srvIn.Close()
		return srvOut.Close()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- NewServer(cfg).ServeConn(ctx, transport) }()

	c := &client{t: t, w: cliOut, in: make(chan message, 256)}
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		scanner := bufio.NewScanner(cliIn)
		for scanner.Scan() {
			var msg message
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				t.Errorf("client decode %s: %v", scanner.Text(), err)
				continue
			}
			c.in <- msg
		}
	}()

	t.Cleanup(func() {
		_ = cliOut.Close()
		select {
		case err := <-served:
			if err != nil {
				t.Errorf("ServeConn() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
		cancel()
		_ = cliIn.Close()
		<-readerDone
	})
	return c, provider
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func (c *client) write(msg message) {
	c.t.Helper()
	msg.JSONRPC = "2.0"
	data, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// send issues a request and returns its id without waiting.
func (c *client) send(method string, params any) string {
	c.t.Helper()
	c.nextID++
	id, _ := json.Marshal(c.nextID)
	raw, _ := json.Marshal(params)
	c.write(message{ID: id, Method: method, Params: raw})
	return string(id)
}

func (c *client) notify(method string, params any) {
	c.t.Helper()
	raw, _ := json.Marshal(params)
	c.write(message{Method: method, Params: raw})
}

// await reads until the response to id, handling traffic on the way.
func (c *client) await(id string) message {
	c.t.Helper()
	return c.until(func(m message) bool { return m.Method == "" && string(m.ID) == id })
}

func (c *client) until(stop func(message) bool) message {
	c.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.in:
			c.handle(msg)
			if stop(msg) {
				return msg
			}
		case <-timeout:
			c.t.Fatalf("timed out waiting for message")
		}
	}
}

func (c *client) handle(msg message) {
	c.t.Helper()
	switch msg.Method {
	case methodSessionUpdate:
		var n sessionNotification
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			c.t.Fatalf("decode update: %v", err)
		}
		c.notes = append(c.notes, n.Update)
	case methodRequestPermission:
		var p requestPermissionParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.t.Fatalf("decode permission request: %v", err)
		}
		outcome := map[string]any{"outcome": "cancelled"}
		if c.permission != nil {
			if option := c.permission(p); option != "" {
				outcome = map[string]any{"outcome": "selected", "optionId": option}
			}
		}
		raw, _ := json.Marshal(map[string]any{"outcome": outcome})
		c.write(message{ID: msg.ID, Result: raw})
	}
}

func (c *client) call(method string, params any) message {
	c.t.Helper()
	return c.await(c.send(method, params))
}

func (c *client) newSession() string {
	c.t.Helper()
	resp := c.call(methodSessionNew, map[string]any{"cwd": "/tmp", "mcpServers": []any{}})
	var res newSessionResult
	if resp.Error != nil || json.Unmarshal(resp.Result, &res) != nil || res.SessionID == "" {
		c.t.Fatalf("session/new = %s %+v", resp.Result, resp.Error)
	}
	return res.SessionID
}

func textPrompt(session, text string) promptParams {
	return promptParams{SessionID: session, Prompt: []contentBlock{{Type: "text", Text: text}}}
}

func stopReason(t *testing.T, resp message) string {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("prompt error = %+v", resp.Error)
	}
	var res promptResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode prompt result %s: %v", resp.Result, err)
	}
	return res.StopReason
}

func (c *client) texts(kind string) string {
	var b strings.Builder
	for _, n := range c.notes {
		if n.SessionUpdate == kind && n.Content != nil {
			b.WriteString(n.Content.Text)
		}
	}
	return b.String()
}

func serverConfig(scripts [][]core.Event, toolSet ...tools.Tool) ServerConfig {
	reg := tools.NewRegistry()
	for _, tool := range toolSet {
		if err := reg.Register(tool); err != nil {
			panic(err)
		}
	}
	return ServerConfig{Engine: engine.Config{
		Backend:  &mockprovider.Provider{Scripts: scripts},
		Registry: reg,
		Model:    "primary",
	}}
}

func TestInitializeAndErrors(t *testing.T) {
	c, _ := newClient(t, serverConfig(nil))

	resp := c.call(methodInitialize, map[string]any{"protocolVersion": 1})
	var init initializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil || init.ProtocolVersion != ProtocolVersion {
		t.Fatalf("initialize = %s (%v)", resp.Result, err)
	}
	if !strings.Contains(string(resp.Result), `"authMethods":[]`) {
		t.Fatalf("initialize result %s lacks empty authMethods", resp.Result)
	}

	if resp := c.call("session/load", map[string]any{}); resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("unknown method error = %+v, want %d", resp.Error, CodeMethodNotFound)
	}
	if resp := c.call(methodSessionPrompt, textPrompt("nope", "hi")); resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("unknown session error = %+v, want %d", resp.Error, CodeInvalidParams)
	}
	if resp := c.call(methodSessionPrompt, "not an object"); resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("malformed params error = %+v, want %d", resp.Error, CodeInvalidParams)
	}
}

func TestPromptStreamsReply(t *testing.T) {
	c, provider := newClient(t, serverConfig([][]core.Event{
		mockprovider.TextReply("m1", "hello there"),
		mockprovider.TextReply("m2", "again"),
	}))
	session := c.newSession()

	resp := c.call(methodSessionPrompt, promptParams{SessionID: session, Prompt: []contentBlock{
		{Type: "text", Text: "line one"},
		{Type: "image"},
		{Type: "text", Text: "line two"},
	}})
	if got := stopReason(t, resp); got != StopEndTurn {
		t.Fatalf("stopReason = %q, want %q", got, StopEndTurn)
	}
	if got := c.texts("agent_message_chunk"); got != "hello there" {
		t.Fatalf("message chunks = %q", got)
	}

	if resp := c.call(methodSessionSetModel, setModelParams{SessionID: session, ModelID: "other"}); resp.Error != nil {
		t.Fatalf("set_model error = %+v", resp.Error)
	}
	if got := stopReason(t, c.call(methodSessionPrompt, textPrompt(session, "more"))); got != StopEndTurn {
		t.Fatalf("second stopReason = %q", got)
	}

	reqs := provider.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	first := reqs[0].Messages[len(reqs[0].Messages)-1]
	if len(first.Content) != 1 || first.Content[0].Text != "line one\nline two" {
		t.Fatalf("first user message = %+v", first.Content)
	}
	if reqs[0].Model != "primary" || reqs[1].Model != "other" {
		t.Fatalf("models = %q, %q", reqs[0].Model, reqs[1].Model)
	}
}

func TestPermissionRequestRoundTrip(t *testing.T) {
	ran := make(chan string, 4)
	c, _ := newClient(t, serverConfig([][]core.Event{
		mockprovider.ToolReply("m1", "", core.ToolCall{ID: "t1", Name: "lookup", Arguments: json.RawMessage(`{"x":1}`)}),
		mockprovider.TextReply("m2", "done"),
		mockprovider.ToolReply("m3", "", core.ToolCall{ID: "t2", Name: "lookup", Arguments: json.RawMessage(`{}`)}),
	}, fakeTool{name: "lookup", ran: ran}))
	session := c.newSession()

	var asked []requestPermissionParams
	c.permission = func(p requestPermissionParams) string {
		asked = append(asked, p)
		if len(asked) == 1 {
			return OptionAllowOnce
		}
		return OptionRejectOnce
	}

	if got := stopReason(t, c.call(methodSessionPrompt, textPrompt(session, "look it up"))); got != StopEndTurn {
		t.Fatalf("stopReason = %q", got)
	}
	select {
	case <-ran:
	default:
		t.Fatalf("approved tool did not run")
	}
	if len(asked) != 1 || asked[0].ToolCall.ToolCallID != "t1" || string(asked[0].ToolCall.RawInput) != `{"x":1}` {
		t.Fatalf("permission requests = %+v", asked)
	}
	if len(asked[0].Options) != 3 {
		t.Fatalf("options = %+v", asked[0].Options)
	}

	var sawCall, sawDone bool
	for _, n := range c.notes {
		switch {
		case n.SessionUpdate == "tool_call" && n.ToolCallID == "t1" && n.Status == "in_progress":
			sawCall = true
		case n.SessionUpdate == "tool_call_update" && n.ToolCallID == "t1" && n.Status == "completed":
			sawDone = true
		}
	}
	if !sawCall || !sawDone {
		t.Fatalf("tool updates missing: %+v", c.notes)
	}

	// A rejection ends the prompt without running the tool.
	if got := stopReason(t, c.call(methodSessionPrompt, textPrompt(session, "again"))); got != StopEndTurn {
		t.Fatalf("stopReason after rejection = %q", got)
	}
	select {
	case name := <-ran:
		t.Fatalf("rejected tool %s ran", name)
	default:
	}
}

func TestCancelEndsPromptAndBusyIsRejected(t *testing.T) {
	cfg := serverConfig([][]core.Event{{
		{Type: core.EventStart, MessageID: "m1"},
		{Type: core.EventTextDelta, TextDelta: "partial"},
	}})
	cfg.Engine.Backend.(*mockprovider.Provider).Hold = true
	c, _ := newClient(t, cfg)
	session := c.newSession()

	id := c.send(methodSessionPrompt, textPrompt(session, "long task"))
	c.until(func(m message) bool { return m.Method == methodSessionUpdate })

	if resp := c.call(methodSessionPrompt, textPrompt(session, "meanwhile")); resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("concurrent prompt error = %+v, want %d", resp.Error, CodeInvalidParams)
	}

	c.notify(methodSessionCancel, sessionParams{SessionID: session})
	if got := stopReason(t, c.await(id)); got != StopCancelled {
		t.Fatalf("stopReason = %q, want %q", got, StopCancelled)
	}
}

func TestSelectModelTriesEachFallbackOnce(t *testing.T) {
	s := &session{}
	s.tried = map[string]bool{}
	options := []string{"primary", "backup", "spare"}

	for _, want := range []string{"backup", "spare"} {
		got, ok, err := s.SelectModel(context.Background(), "primary", options)
		if err != nil || !ok || got != want {
			t.Fatalf("SelectModel() = %q, %v, %v, want %q", got, ok, err, want)
		}
	}
	if _, ok, _ := s.SelectModel(context.Background(), "spare", options); ok {
		t.Fatalf("SelectModel() accepted with every option tried")
	}
}
