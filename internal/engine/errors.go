package engine

import (
	"context"
	"errors"

	"chatloop/internal/executor"
	"chatloop/internal/history"
	"chatloop/internal/llm/core"
	"chatloop/internal/tools"
)

// ErrorCategory is the class an error is resolved to before the controller
// acts on it.
type ErrorCategory int

const (
	CategoryInternal ErrorCategory = iota
	CategoryValidation
	CategoryToolFatal
	CategoryStream
	CategoryOverflow
	CategoryInput
	CategoryCancelled
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryToolFatal:
		return "tool_fatal"
	case CategoryStream:
		return "stream"
	case CategoryOverflow:
		return "overflow"
	case CategoryInput:
		return "input"
	case CategoryCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

var (
	ErrNoBackend   = errors.New("no model backend configured")
	ErrNoPrompter  = errors.New("no input source configured")
	ErrInputFailed = errors.New("reading input failed")
)

// inputError marks failures of the input or confirmation front end.
type inputError struct{ err error }

func (e inputError) Error() string { return e.err.Error() }

func (e inputError) Unwrap() []error { return []error{ErrInputFailed, e.err} }

func classify(err error) ErrorCategory {
	switch {
	case err == nil:
		return CategoryInternal
	case errors.Is(err, context.Canceled), errors.Is(err, executor.ErrCancelled):
		return CategoryCancelled
	case errors.Is(err, tools.ErrValidation):
		return CategoryValidation
	case executor.IsFatal(err):
		return CategoryToolFatal
	case errors.Is(err, history.ErrOverflow):
		return CategoryOverflow
	case errors.Is(err, ErrInputFailed):
		return CategoryInput
	case core.IsOverloaded(err), core.IsContextOverflow(err), core.IsRetryableError(err),
		errors.Is(err, core.ErrMissingAPIKey), errors.Is(err, core.ErrInvalidRequest), errors.Is(err, ErrNoBackend):
		return CategoryStream
	default:
		return CategoryInternal
	}
}
