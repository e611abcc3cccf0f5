// Package engine drives one conversation as a state machine: it reads user
// input, streams model replies, gates and runs tool batches, and resolves
// history overflow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatloop/internal/conversation"
	"chatloop/internal/executor"
	"chatloop/internal/history"
	"chatloop/internal/llm/core"
	"chatloop/internal/metrics"
	"chatloop/internal/permission"
	"chatloop/internal/stream"
	"chatloop/internal/tools"
)

const (
	DefaultMaxHistory = 250
	DefaultMaxTokens  = 8192

	deniedToolText     = "Tool use was denied by the trust configuration"
	haltedByDenialText = "Tool was not executed because another tool in the batch was denied"
	haltedByInvalid    = "Tool was not executed because another tool in the batch failed validation"
)

// Config wires a Controller.
type Config struct {
	Backend  core.Provider
	Registry *tools.Registry
	Executor *executor.Executor
	Trust    TrustSource

	Prompter  Prompter
	Confirmer Confirmer
	Sink      Sink

	Model string
	// FallbackModels are offered when the current model is overloaded.
	FallbackModels []string
	// MaxHistory bounds the number of turns kept. Zero selects DefaultMaxHistory.
	MaxHistory   int
	MaxTokens    int
	SystemPrompt string
	// ContextFiles are glob patterns whose files accompany every request.
	ContextFiles   []string
	ConversationID string

	// TurnContext derives the context for one turn from the session context.
	// Cancelling it cancels the turn only. Defaults to context.WithCancel.
	TurnContext func(ctx context.Context) (context.Context, context.CancelFunc)

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// parkedBatch is a validated tool batch waiting for confirmation or execution.
type parkedBatch struct {
	uses      []conversation.QueuedToolUse
	decisions []permission.Result
	counted   bool
}

// Controller owns the conversation state of one session. Run and Step must
// be called from a single goroutine; Cancel, SetModel and Model are safe to
// call from any goroutine.
type Controller struct {
	backend   core.Provider
	registry  *tools.Registry
	executor  *executor.Executor
	trust     TrustSource
	prompter  Prompter
	confirmer Confirmer
	sink      Sink
	metrics   *metrics.Metrics
	logger    *zap.Logger

	fallbacks      []string
	maxTokens      int
	systemPrompt   string
	conversationID string
	turnContext    func(context.Context) (context.Context, context.CancelFunc)

	history      *history.Manager
	session      permission.SessionTrust
	contextFiles []string
	batch        *parkedBatch
	// parked holds tool results that wait for the next user turn.
	parked     []conversation.ToolResult
	checkpoint history.Checkpoint
	lastUsage  core.Usage

	mu         sync.Mutex
	model      string
	turn       context.Context
	turnCancel context.CancelFunc
}

func New(cfg Config) *Controller {
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var sink Sink = nopSink{}
	if cfg.Sink != nil {
		sink = cfg.Sink
	}
	trust := cfg.Trust
	if trust == nil {
		trust = NewStaticTrust(permission.TrustConfig{})
	}
	exec := cfg.Executor
	if exec == nil && cfg.Registry != nil {
		exec = executor.New(executor.Config{Registry: cfg.Registry, Logger: logger, Metrics: cfg.Metrics})
	}
	turnContext := cfg.TurnContext
	if turnContext == nil {
		turnContext = context.WithCancel
	}
	id := cfg.ConversationID
	if id == "" {
		id = conversation.NewConversationID()
	}

	c := &Controller{
		backend:        cfg.Backend,
		registry:       cfg.Registry,
		executor:       exec,
		trust:          trust,
		prompter:       cfg.Prompter,
		confirmer:      cfg.Confirmer,
		sink:           sink,
		metrics:        cfg.Metrics,
		logger:         logger.With(zap.String("conversation_id", id)),
		fallbacks:      slices.Clone(cfg.FallbackModels),
		maxTokens:      maxTokens,
		systemPrompt:   cfg.SystemPrompt,
		conversationID: id,
		turnContext:    turnContext,
		history:        history.New(maxHistory),
		contextFiles:   slices.Clone(cfg.ContextFiles),
		model:          cfg.Model,
	}
	c.checkpoint = c.history.Checkpoint()
	return c
}

// ConversationID identifies the conversation in logs and transcripts.
func (c *Controller) ConversationID() string { return c.conversationID }

// History exposes the turn history.
func (c *Controller) History() *history.Manager { return c.history }

func (c *Controller) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel switches the model used from the next request on.
func (c *Controller) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Cancel cancels the turn in progress, if any. The session continues.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.turnCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run steps the controller from AwaitingInput until it terminates or ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	if c.prompter == nil {
		return ErrNoPrompter
	}
	defer c.endTurn()

	var st State = AwaitingInput{}
	for {
		if _, done := st.(Terminated); done {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		st = c.Step(ctx, st)
	}
}

// Step performs the work of st and returns the next state. Errors never
// escape: they roll the conversation back to the last accepted input and
// return AwaitingInput.
func (c *Controller) Step(ctx context.Context, st State) State {
	var (
		next State
		err  error
	)
	switch s := st.(type) {
	case Terminated:
		return s
	case AwaitingInput:
		c.endTurn()
		next, err = c.awaitInput(ctx)
	default:
		next, err = c.dispatch(c.beginTurn(ctx), st)
	}
	if err != nil {
		next = c.rollback(err)
	}

	c.logger.Debug("state transition", zap.Stringer("from", st), zap.Stringer("to", next))
	c.metrics.StateTransition(st.String(), next.String())
	return next
}

func (c *Controller) dispatch(ctx context.Context, st State) (State, error) {
	switch s := st.(type) {
	case ProcessingInput:
		return c.processInput(ctx, s)
	case ValidatingTools:
		return c.validateTools(s)
	case ExecutingTools:
		return c.executeTools(ctx)
	case StreamingResponse:
		return c.streamResponse(ctx, s)
	case CompactingHistory:
		return c.compact(ctx, s)
	case RetryingOverload:
		return c.retryOverload(ctx, s)
	default:
		return nil, fmt.Errorf("unknown state %T", st)
	}
}

// beginTurn returns the context of the turn in progress, starting one when
// none is active.
func (c *Controller) beginTurn(ctx context.Context) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == nil {
		c.turn, c.turnCancel = c.turnContext(ctx)
	}
	return c.turn
}

func (c *Controller) endTurn() {
	c.mu.Lock()
	cancel := c.turnCancel
	c.turn, c.turnCancel = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) rollback(err error) State {
	category := classify(err)
	c.history.Restore(c.checkpoint)
	c.batch = nil
	c.parked = nil

	c.logger.Warn("step failed, conversation rolled back",
		zap.Stringer("category", category),
		zap.Error(err),
	)
	if category == CategoryCancelled {
		c.notice(NoticeInfo, "Cancelled.")
	} else {
		c.notice(NoticeError, fmt.Sprintf("%s error: %v", category, err))
	}
	return AwaitingInput{}
}

func (c *Controller) awaitInput(ctx context.Context) (State, error) {
	c.checkpoint = c.history.Checkpoint()
	if c.batch != nil {
		return c.confirm(ctx)
	}

	text, ok, err := c.prompter.ReadInput(ctx, c.prompt())
	if err != nil {
		if ctx.Err() != nil {
			return Terminated{}, nil
		}
		return nil, inputError{err}
	}
	if !ok {
		return Terminated{}, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return AwaitingInput{}, nil
	}
	return ProcessingInput{Input: text}, nil
}

func (c *Controller) prompt() string {
	if c.session.TrustAll {
		return "!> "
	}
	return "> "
}

// confirm asks about the first batch entry still needing approval.
func (c *Controller) confirm(ctx context.Context) (State, error) {
	b := c.batch
	idx := -1
	for i, d := range b.decisions {
		if d.Decision == permission.RequiresConfirmation && !b.uses[i].Accepted {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ExecutingTools{}, nil
	}
	if c.confirmer == nil {
		return nil, inputError{errors.New("no confirmation front end configured")}
	}

	use := b.uses[idx]
	display := use.Name
	if tool, err := c.registry.Get(use.Name); err == nil {
		display = tool.DisplayName()
	}
	outcome, err := c.confirmer.RequestConfirmation(ctx, ConfirmationRequest{
		Tool:        use,
		DisplayName: display,
		Position:    idx + 1,
		Total:       len(b.uses),
	})
	if err != nil {
		if ctx.Err() != nil {
			return Terminated{}, nil
		}
		return nil, inputError{err}
	}

	c.logger.Info("tool confirmation", zap.String("tool", use.Name), zap.Stringer("outcome", outcome))
	switch outcome {
	case Approved:
		b.uses[idx].Accepted = true
		return ExecutingTools{}, nil
	case ApprovedAlways:
		b.uses[idx].Accepted = true
		c.TrustTool(use.Name, true)
		c.notice(NoticeInfo, fmt.Sprintf("%s is now trusted for this session.", use.Name))
		return ExecutingTools{}, nil
	default:
		c.parked = conversation.CancelledResults(batchUses(b.uses))
		c.batch = nil
		c.notice(NoticeInfo, fmt.Sprintf("Tool use %s. Tell the model how to proceed.", outcome))
		return AwaitingInput{}, nil
	}
}

func (c *Controller) processInput(ctx context.Context, s ProcessingInput) (State, error) {
	if strings.HasPrefix(s.Input, "/") {
		return c.runCommand(ctx, s.Input)
	}
	return StreamingResponse{Pending: c.userTurn(s.Input)}, nil
}

// userTurn builds the next user turn, consuming parked tool results.
func (c *Controller) userTurn(text string) conversation.Turn {
	turn := conversation.UserTurn(text)
	turn.ToolResults = c.parked
	c.parked = nil
	return turn
}

func (c *Controller) validateTools(s ValidatingTools) (State, error) {
	if c.registry == nil {
		return nil, errors.New("no tool registry configured")
	}

	queued := make([]conversation.QueuedToolUse, 0, len(s.Batch))
	results := make([]conversation.ToolResult, 0, len(s.Batch))
	invalid := 0
	for i, use := range s.Batch {
		q, err := c.registry.Queue(use, i)
		if err != nil {
			if !errors.Is(err, tools.ErrValidation) {
				return nil, err
			}
			invalid++
			c.logger.Info("tool validation failed", zap.String("tool", use.Name), zap.Error(err))
			results = append(results, errorResult(use, err.Error()))
			continue
		}
		queued = append(queued, q)
		results = append(results, errorResult(use, haltedByInvalid))
	}

	if invalid > 0 {
		return StreamingResponse{Pending: conversation.ToolResultTurn(results, "")}, nil
	}
	c.batch = &parkedBatch{uses: queued}
	return ExecutingTools{}, nil
}

func (c *Controller) executeTools(ctx context.Context) (State, error) {
	b := c.batch
	if b == nil {
		return AwaitingInput{}, nil
	}
	if c.executor == nil {
		return nil, errors.New("no tool executor configured")
	}

	trust := c.trust.Snapshot().WithSession(c.session)
	b.decisions = permission.Evaluate(b.uses, trust)
	if !b.counted {
		b.counted = true
		for _, d := range b.decisions {
			c.metrics.ToolDecision(d.Decision.String())
			c.logger.Info("tool permission",
				zap.String("tool", d.Tool),
				zap.Stringer("decision", d.Decision),
				zap.Strings("rules", d.Rules),
			)
		}
	}

	if permission.AnyDenied(b.decisions) {
		return c.haltDenied(b), nil
	}
	for _, d := range b.decisions {
		if d.Decision == permission.RequiresConfirmation && !b.uses[d.Index].Accepted {
			return AwaitingInput{}, nil
		}
	}

	results := make([]conversation.ToolResult, 0, len(b.uses))
	for i, q := range b.uses {
		if ctx.Err() != nil {
			return c.parkExecution(results, b.uses[i:], NoticeInfo, "Tool execution cancelled."), nil
		}
		c.sink.ToolStarted(q.ToolUse())
		res, err := c.executor.Execute(ctx, q)
		if errors.Is(err, executor.ErrCancelled) {
			return c.parkExecution(results, b.uses[i:], NoticeInfo, "Tool execution cancelled."), nil
		}
		if err != nil {
			failed := errorResult(q.ToolUse(), err.Error())
			c.sink.ToolFinished(failed)
			results = append(results, failed)
			c.logger.Error("tool failed", zap.String("tool", q.Name), zap.Error(err))
			return c.parkExecution(results, b.uses[i+1:], NoticeError, fmt.Sprintf("Tool %s failed: %v", q.Name, err)), nil
		}
		c.sink.ToolFinished(res)
		results = append(results, res)
	}
	if ctx.Err() != nil {
		return c.parkExecution(results, nil, NoticeInfo, "Tool execution cancelled."), nil
	}

	c.batch = nil
	return StreamingResponse{Pending: conversation.ToolResultTurn(results, "")}, nil
}

// haltDenied answers every tool of a batch that holds a denied invocation
// and hands the results to the model.
func (c *Controller) haltDenied(b *parkedBatch) State {
	results := make([]conversation.ToolResult, 0, len(b.uses))
	var denied []string
	for i, q := range b.uses {
		d := b.decisions[i]
		text := haltedByDenialText
		if d.Decision == permission.Denied {
			denied = append(denied, q.Name)
			text = deniedToolText
			if len(d.Rules) > 0 {
				text += " (" + strings.Join(d.Rules, ", ") + ")"
			}
		}
		res := errorResult(q.ToolUse(), text)
		c.sink.ToolFinished(res)
		results = append(results, res)
	}
	c.batch = nil
	c.notice(NoticeWarning, "Denied by trust configuration: "+strings.Join(denied, ", "))
	return StreamingResponse{Pending: conversation.ToolResultTurn(results, "")}
}

// parkExecution keeps completed results, answers the rest as cancelled and
// parks everything for the next user turn.
func (c *Controller) parkExecution(done []conversation.ToolResult, rest []conversation.QueuedToolUse, level NoticeLevel, msg string) State {
	c.parked = append(done, conversation.CancelledResults(batchUses(rest))...)
	c.batch = nil
	c.notice(level, msg)
	return AwaitingInput{}
}

func (c *Controller) streamResponse(ctx context.Context, s StreamingResponse) (State, error) {
	cp := c.history.Checkpoint()
	prepared, err := c.history.PrepareSend(s.Pending, s.AllowOverflow)
	if errors.Is(err, history.ErrOverflow) {
		return c.resolveOverflow(ctx, s.Pending, err)
	}
	if err != nil {
		return nil, err
	}

	res := c.send(ctx, prepared.Turns, prepared.Pending, true, c.sink.TextDelta)
	c.metrics.TurnCompleted(res.Reason.String())
	c.logger.Info("model response",
		zap.String("model", c.Model()),
		zap.Stringer("reason", res.Reason),
		zap.Int("tool_uses", len(res.Turn.ToolUses)),
		zap.Int("input_tokens", res.Usage.InputTokens),
		zap.Int("output_tokens", res.Usage.OutputTokens),
		zap.Error(res.Err),
	)

	switch res.Reason {
	case stream.Completed, stream.Refusal:
		c.history.AppendExchange(prepared.Pending, res.Turn)
		c.lastUsage = res.Usage
		c.sink.TurnCompleted(c.record(prepared.Pending, res))
		if res.Reason == stream.Refusal {
			c.notice(NoticeWarning, "The model declined to respond.")
		}
		if res.Turn.HasToolUses() {
			return ValidatingTools{Batch: conversation.CloneToolUses(res.Turn.ToolUses)}, nil
		}
		return AwaitingInput{}, nil

	case stream.Cancelled:
		c.history.AppendExchange(prepared.Pending, res.Turn)
		c.lastUsage = res.Usage
		c.sink.TurnCompleted(c.record(prepared.Pending, res))
		c.notice(NoticeInfo, "Response cancelled.")
		return AwaitingInput{}, nil

	case stream.Overloaded:
		c.history.Restore(cp)
		return RetryingOverload{Pending: s.Pending}, nil

	case stream.ContextOverflow:
		c.history.Restore(cp)
		c.notice(NoticeWarning, "The conversation exceeds the model's context window. Compacting history.")
		resume := s.Pending.Clone()
		return CompactingHistory{Strategy: history.ContextOverflowStrategy(), Resume: &resume}, nil

	default:
		c.history.Restore(cp)
		c.sink.TurnCompleted(c.record(prepared.Pending, res))
		c.notice(NoticeError, fmt.Sprintf("Model request failed: %v", res.Err))
		return AwaitingInput{}, nil
	}
}

// resolveOverflow asks the user once how to handle a history that cannot be
// trimmed.
func (c *Controller) resolveOverflow(ctx context.Context, pending conversation.Turn, cause error) (State, error) {
	info := OverflowInfo{Len: c.history.Len(), MaxLen: c.history.MaxLen()}
	var oe *history.OverflowError
	if errors.As(cause, &oe) {
		info = OverflowInfo{Len: oe.Len, MaxLen: oe.MaxLen}
	}

	choice, err := c.prompter.ChooseOverflow(ctx, info)
	if err != nil {
		if ctx.Err() != nil {
			c.notice(NoticeInfo, "Cancelled.")
			return AwaitingInput{}, nil
		}
		return nil, inputError{err}
	}
	c.logger.Info("history overflow", zap.Int("len", info.Len), zap.Stringer("choice", choice))

	switch choice {
	case OverflowReset:
		adjusted := c.history.Apply(history.Reset(), pending)
		c.parked = nil
		c.metrics.OverflowResolved(history.OutcomeReset.String())
		c.notice(NoticeInfo, "Conversation history cleared.")
		return StreamingResponse{Pending: adjusted}, nil
	case OverflowContinue:
		c.metrics.OverflowResolved(history.OutcomeContinuedWithWarning.String())
		c.notice(NoticeWarning, "Continuing with an oversized history. The model may lose earlier context.")
		return StreamingResponse{Pending: pending, AllowOverflow: true}, nil
	default:
		resume := pending.Clone()
		return CompactingHistory{Strategy: history.DefaultStrategy(), Resume: &resume}, nil
	}
}

func (c *Controller) compact(ctx context.Context, s CompactingHistory) (State, error) {
	turns, instruction := c.history.SummaryRequest(s.Prompt, s.Strategy)
	res := c.send(ctx, turns, instruction, false, nil)
	if res.Reason != stream.Completed && res.Reason != stream.Refusal {
		c.logger.Warn("compaction failed", zap.Stringer("reason", res.Reason), zap.Error(res.Err))
		if res.Reason == stream.Cancelled {
			c.notice(NoticeInfo, "Compaction cancelled.")
		} else {
			c.notice(NoticeError, fmt.Sprintf("Compaction failed: %v", res.Err))
		}
		return AwaitingInput{}, nil
	}

	summary := strings.TrimSpace(res.Turn.Content)
	var resume conversation.Turn
	if s.Resume != nil {
		resume = *s.Resume
	}
	resume = c.history.Apply(history.Compacted(summary), resume)
	c.parked = nil
	c.batch = nil
	c.lastUsage = res.Usage
	c.metrics.OverflowResolved(history.OutcomeCompacted.String())
	c.logger.Info("history compacted", zap.Int("summary_bytes", len(summary)))

	if s.Resume != nil {
		c.notice(NoticeInfo, "Conversation history compacted.")
		return StreamingResponse{Pending: resume}, nil
	}
	if summary == "" {
		summary = history.FallbackSummary
	}
	c.notice(NoticeInfo, "Conversation compacted. Summary:\n\n"+summary)
	return AwaitingInput{}, nil
}

func (c *Controller) retryOverload(ctx context.Context, s RetryingOverload) (State, error) {
	current := c.Model()
	var options []string
	for _, m := range c.fallbacks {
		if m != current && !slices.Contains(options, m) {
			options = append(options, m)
		}
	}

	c.notice(NoticeWarning, fmt.Sprintf("Model %s is overloaded.", current))
	if len(options) == 0 {
		c.notice(NoticeInfo, "No other models are configured. Try again later.")
		return AwaitingInput{}, nil
	}

	model, ok, err := c.prompter.SelectModel(ctx, current, options)
	if err != nil {
		if ctx.Err() != nil {
			c.notice(NoticeInfo, "Cancelled.")
			return AwaitingInput{}, nil
		}
		return nil, inputError{err}
	}
	if !ok || model == "" {
		c.notice(NoticeInfo, "Request abandoned.")
		return AwaitingInput{}, nil
	}

	c.SetModel(model)
	c.logger.Info("model switched after overload", zap.String("from", current), zap.String("to", model))
	c.notice(NoticeInfo, "Retrying with "+model+".")
	return StreamingResponse{Pending: s.Pending}, nil
}

// send streams one request built from turns and pending. Sticky context
// files accompany conversation requests but not summary requests.
func (c *Controller) send(ctx context.Context, turns []conversation.Turn, pending conversation.Turn, withContext bool, onText func(string)) stream.Result {
	if c.backend == nil {
		return stream.Result{Turn: conversation.AssistantTurn("", "", nil), Reason: stream.Failed, Err: ErrNoBackend}
	}

	var messages []core.Message
	if withContext {
		text, missing := loadContextFiles(c.contextFiles)
		for _, m := range missing {
			c.logger.Warn("context file unavailable", zap.String("pattern", m))
		}
		messages = append(messages, contextMessages(text)...)
	}
	messages = append(messages, toMessages(turns)...)
	messages = append(messages, toMessages([]conversation.Turn{pending})...)

	req := &core.Request{
		Model:     c.Model(),
		System:    c.systemPrompt,
		Messages:  messages,
		MaxTokens: c.maxTokens,
	}
	if c.registry != nil {
		req.Tools = c.registry.Specs()
	}
	if !withContext {
		req.ToolChoice = core.ToolChoice{Type: core.ToolChoiceNone}
	}

	events, err := c.backend.Stream(ctx, req)
	if err != nil {
		return stream.Result{
			Turn:       conversation.AssistantTurn("", "", nil),
			Reason:     reasonFor(ctx, err),
			Err:        err,
			StopReason: core.StopReasonError,
		}
	}
	res := stream.Process(ctx, events, stream.Options{
		OnTextDelta: onText,
		OnToolStart: func(id, name string) {
			c.logger.Debug("tool use streaming", zap.String("id", id), zap.String("tool", name))
		},
	})
	// The provider closes the channel once it observes cancellation.
	for range events {
	}
	return res
}

// reasonFor classifies a failure to open a stream.
func reasonFor(ctx context.Context, err error) stream.Reason {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return stream.Cancelled
	case core.IsOverloaded(err):
		return stream.Overloaded
	case core.IsContextOverflow(err):
		return stream.ContextOverflow
	default:
		return stream.Failed
	}
}

func (c *Controller) record(pending conversation.Turn, res stream.Result) TurnRecord {
	return TurnRecord{
		ConversationID: c.conversationID,
		MessageID:      res.Turn.MessageID,
		Model:          c.Model(),
		Input:          pending.Content,
		Text:           res.Turn.Content,
		ToolUses:       conversation.CloneToolUses(res.Turn.ToolUses),
		ToolResults:    slices.Clone(pending.ToolResults),
		Reason:         res.Reason.String(),
		Usage:          res.Usage,
		At:             time.Now().UTC(),
	}
}

func (c *Controller) notice(level NoticeLevel, text string) {
	c.sink.Notice(Notice{Level: level, Text: text})
}

func errorResult(use conversation.ToolUse, text string) conversation.ToolResult {
	return conversation.ToolResult{
		ToolUseID: use.ID,
		ToolName:  use.Name,
		Content:   text,
		Status:    conversation.StatusError,
	}
}

func batchUses(queued []conversation.QueuedToolUse) []conversation.ToolUse {
	out := make([]conversation.ToolUse, 0, len(queued))
	for _, q := range queued {
		out = append(out, q.ToolUse())
	}
	return out
}
