package acp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"chatloop/internal/conversation"
	"chatloop/internal/engine"
)

var (
	errSessionBusy   = invalidParams("session already has a prompt in progress")
	errSessionClosed = invalidParams("session has ended")
)

type promptRequest struct {
	text string
	done chan string
}

// session owns one Controller. The router reaches it only through the
// prompts channel and the cancel and model calls the Controller guards.
type session struct {
	id     string
	conn   *Conn
	ctrl   *engine.Controller
	logger *zap.Logger

	prompts chan promptRequest
	exited  chan struct{}
	busy    atomic.Bool

	// cancelled is set by session/cancel while a prompt runs.
	cancelled atomic.Bool

	// Owned by the Run goroutine.
	current    *promptRequest
	lastReason string
	tried      map[string]bool

	mu            sync.Mutex
	confirmCancel context.CancelFunc
}

func newSession(id string, conn *Conn, logger *zap.Logger) *session {
	return &session{
		id:      id,
		conn:    conn,
		logger:  logger.With(zap.String("session_id", id)),
		prompts: make(chan promptRequest, 1),
		exited:  make(chan struct{}),
	}
}

// run drives the controller until ctx ends or the conversation terminates.
func (s *session) run(ctx context.Context) {
	defer close(s.exited)
	if err := s.ctrl.Run(ctx); err != nil {
		s.logger.Warn("session ended with error", zap.Error(err))
	}
	s.complete()
}

// prompt hands text to the actor and waits for the turn to finish.
func (s *session) prompt(ctx context.Context, text string) (string, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return "", errSessionBusy
	}
	s.cancelled.Store(false)
	req := promptRequest{text: text, done: make(chan string, 1)}
	select {
	case s.prompts <- req:
	case <-s.exited:
		s.busy.Store(false)
		return "", errSessionClosed
	case <-ctx.Done():
		s.busy.Store(false)
		return "", ctx.Err()
	}

	select {
	case reason := <-req.done:
		return reason, nil
	case <-s.exited:
		select {
		case reason := <-req.done:
			return reason, nil
		default:
			s.busy.Store(false)
			return "", errSessionClosed
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// cancel stops the turn in progress and any pending permission request.
func (s *session) cancel() {
	if s.busy.Load() {
		s.cancelled.Store(true)
	}
	s.ctrl.Cancel()
	s.mu.Lock()
	stop := s.confirmCancel
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// complete answers the prompt in flight, if any.
func (s *session) complete() {
	if s.current == nil {
		return
	}
	reason := StopEndTurn
	switch {
	case s.cancelled.Load() || s.lastReason == "cancelled":
		reason = StopCancelled
	case s.lastReason == "refusal":
		reason = StopRefusal
	}
	done := s.current.done
	s.current = nil
	s.busy.Store(false)
	done <- reason
}

// ReadInput is called when the controller is back at AwaitingInput, which
// ends the prompt in flight.
func (s *session) ReadInput(ctx context.Context, _ string) (string, bool, error) {
	s.complete()
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case req := <-s.prompts:
		s.current = &req
		s.lastReason = ""
		s.tried = map[string]bool{}
		return req.text, true, nil
	}
}

// ChooseOverflow always compacts; there is nobody to ask.
func (s *session) ChooseOverflow(context.Context, engine.OverflowInfo) (engine.OverflowChoice, error) {
	return engine.OverflowCompact, nil
}

// SelectModel picks the first option not yet tried during this prompt.
func (s *session) SelectModel(_ context.Context, current string, options []string) (string, bool, error) {
	if s.tried == nil {
		s.tried = map[string]bool{}
	}
	s.tried[current] = true
	for _, m := range options {
		if !s.tried[m] {
			s.tried[m] = true
			return m, true, nil
		}
	}
	return "", false, nil
}

func (s *session) RequestConfirmation(ctx context.Context, req engine.ConfirmationRequest) (engine.ConfirmationOutcome, error) {
	ctx, stop := context.WithCancel(ctx)
	s.mu.Lock()
	s.confirmCancel = stop
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.confirmCancel = nil
		s.mu.Unlock()
		stop()
	}()

	params := requestPermissionParams{
		SessionID: s.id,
		ToolCall: toolCallRef{
			ToolCallID: req.Tool.ID,
			Title:      req.DisplayName,
			Kind:       toolKind(req.Tool.Name),
			Status:     "pending",
			RawInput:   rawJSON(req.Tool.Args),
		},
		Options: permissionOptions,
	}
	var res requestPermissionResult
	if err := s.conn.Call(ctx, methodRequestPermission, params, &res); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("permission request failed", zap.Error(err))
		}
		return engine.Cancelled, nil
	}
	if res.Outcome.Outcome != "selected" {
		return engine.Cancelled, nil
	}
	switch res.Outcome.OptionID {
	case OptionAllowOnce:
		return engine.Approved, nil
	case OptionAllowAlways:
		return engine.ApprovedAlways, nil
	case OptionRejectOnce:
		return engine.Rejected, nil
	default:
		return engine.Cancelled, nil
	}
}

func (s *session) TextDelta(text string) {
	s.update(sessionUpdate{
		SessionUpdate: "agent_message_chunk",
		Content:       &contentBlock{Type: "text", Text: text},
	})
}

func (s *session) ToolStarted(use conversation.ToolUse) {
	s.update(sessionUpdate{
		SessionUpdate: "tool_call",
		ToolCallID:    use.ID,
		Title:         use.Name,
		Kind:          toolKind(use.Name),
		Status:        "in_progress",
		RawInput:      rawJSON(use.Args),
	})
}

func (s *session) ToolFinished(result conversation.ToolResult) {
	status := "completed"
	if result.IsError() {
		status = "failed"
	}
	out, _ := json.Marshal(result.Content)
	s.update(sessionUpdate{
		SessionUpdate: "tool_call_update",
		ToolCallID:    result.ToolUseID,
		Status:        status,
		RawOutput:     out,
	})
}

func (s *session) TurnCompleted(rec engine.TurnRecord) {
	s.lastReason = rec.Reason
}

func (s *session) Notice(n engine.Notice) {
	s.update(sessionUpdate{
		SessionUpdate: "agent_thought_chunk",
		Content:       &contentBlock{Type: "text", Text: n.Text},
	})
}

func (s *session) update(u sessionUpdate) {
	if err := s.conn.Notify(methodSessionUpdate, sessionNotification{SessionID: s.id, Update: u}); err != nil {
		s.logger.Debug("session update dropped", zap.String("kind", u.SessionUpdate), zap.Error(err))
	}
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
