// Package executor runs approved tool invocations and shapes their outcome
// into tool results.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"chatloop/internal/conversation"
	"chatloop/internal/metrics"
	"chatloop/internal/tools"
)

const (
	DefaultTimeout = 2 * time.Minute

	// stopGrace is how long a stopped tool may take to hand back its result.
	stopGrace = 100 * time.Millisecond

	// Tool output longer than maxResultBytes keeps its first and last
	// keepBytes bytes.
	maxResultBytes = 10000
	keepBytes      = 4000
)

// ErrCancelled is returned when the caller's context ends before or during
// a tool run.
var ErrCancelled = errors.New("tool execution cancelled")

// Kind classifies a tool failure.
type Kind int

const (
	// Recoverable failures are reported to the model as error results.
	Recoverable Kind = iota
	// Fatal failures abort the batch and return control to the user.
	Fatal
)

func (k Kind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "recoverable"
}

// Failure is returned for fatal tool failures.
type Failure struct {
	Kind Kind
	Tool string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s tool failure in %s: %v", f.Kind, f.Tool, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Config wires an Executor.
type Config struct {
	Registry *tools.Registry
	// Timeout bounds each tool run. Zero selects DefaultTimeout.
	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Executor struct {
	registry *tools.Registry
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(cfg Config) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry: cfg.Registry,
		timeout:  timeout,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
}

type outcome struct {
	result tools.Result
	err    error
	panic  any
	stack  []byte
}

// Execute runs one approved invocation. Recoverable failures come back as
// an error result with a nil error. A cancelled ctx yields ErrCancelled
// unless the tool had already completed, and fatal failures a *Failure.
func (e *Executor) Execute(ctx context.Context, use conversation.QueuedToolUse) (conversation.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return conversation.ToolResult{}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if e.registry == nil {
		return conversation.ToolResult{}, &Failure{Kind: Fatal, Tool: use.Name, Err: errors.New("no tool registry configured")}
	}
	tool, err := e.registry.Get(use.Name)
	if err != nil {
		return conversation.ToolResult{}, &Failure{Kind: Fatal, Tool: use.Name, Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panic: r, stack: debug.Stack()}
			}
		}()
		res, err := tool.Execute(runCtx, use.Args)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	received := false
	select {
	case out = <-done:
		received = true
	case <-runCtx.Done():
		// A tool that is already returning still gets its result recorded.
		// Tools that ignore their context are abandoned after the grace.
		grace := time.NewTimer(stopGrace)
		select {
		case out = <-done:
			received = true
		case <-grace.C:
		}
		grace.Stop()
	}
	elapsed := time.Since(start)

	log := e.logger.With(zap.String("tool", use.Name), zap.String("tool_use_id", use.ID), zap.Duration("elapsed", elapsed))

	switch {
	case ctx.Err() != nil && (!received || out.err != nil):
		e.metrics.ToolExecuted(use.Name, "cancelled", elapsed)
		log.Info("tool cancelled")
		return conversation.ToolResult{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())

	case out.panic != nil:
		e.metrics.ToolExecuted(use.Name, "fatal", elapsed)
		log.Error("tool panicked", zap.Any("panic", out.panic), zap.ByteString("stack", out.stack))
		return conversation.ToolResult{}, &Failure{Kind: Fatal, Tool: use.Name, Err: fmt.Errorf("panic: %v", out.panic)}

	case !received || (out.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)):
		e.metrics.ToolExecuted(use.Name, "timeout", elapsed)
		log.Warn("tool timed out", zap.Duration("timeout", e.timeout))
		return errorResult(use, fmt.Sprintf("Tool %s timed out after %s", use.Name, e.timeout)), nil

	case out.err != nil && tools.IsFatal(out.err):
		e.metrics.ToolExecuted(use.Name, "fatal", elapsed)
		log.Error("tool failed fatally", zap.Error(out.err))
		return conversation.ToolResult{}, &Failure{Kind: Fatal, Tool: use.Name, Err: out.err}

	case out.err != nil:
		e.metrics.ToolExecuted(use.Name, "error", elapsed)
		log.Info("tool failed", zap.Error(out.err))
		return errorResult(use, out.err.Error()), nil
	}

	e.metrics.ToolExecuted(use.Name, "success", elapsed)
	log.Debug("tool succeeded", zap.Int("bytes", len(out.result.Content)))
	return conversation.ToolResult{
		ToolUseID: use.ID,
		ToolName:  use.Name,
		Content:   Truncate(out.result.Content),
		Status:    conversation.StatusSuccess,
	}, nil
}

func errorResult(use conversation.QueuedToolUse, msg string) conversation.ToolResult {
	return conversation.ToolResult{
		ToolUseID: use.ID,
		ToolName:  use.Name,
		Content:   Truncate(msg),
		Status:    conversation.StatusError,
	}
}

// Truncate shortens s to its head and tail when it is longer than the
// result limit, never splitting a UTF-8 sequence.
func Truncate(s string) string {
	if len(s) <= maxResultBytes {
		return s
	}
	head := keepBytes
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tail := len(s) - keepBytes
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return fmt.Sprintf("%s\n\n... [%d bytes truncated] ...\n\n%s", s[:head], tail-head, s[tail:])
}

// IsFatal reports whether err is a fatal tool failure.
func IsFatal(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == Fatal
}
