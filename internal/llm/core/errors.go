package core

import (
	"errors"
)

var (
	// ErrInvalidRequest indicates missing or malformed provider request input.
	ErrInvalidRequest = errors.New("invalid llm request")
	// ErrMissingAPIKey indicates missing provider API key.
	ErrMissingAPIKey = errors.New("missing api key")
	// ErrModelOverloaded indicates the model is temporarily at capacity.
	// Callers are expected to offer a different model rather than retry blindly.
	ErrModelOverloaded = errors.New("model is overloaded")
	// ErrContextOverflow indicates the request exceeded the model context window.
	ErrContextOverflow = errors.New("context window exceeded")
)

// retryableError marks an error as safe to retry by transport retry loops.
type retryableError struct {
	err error
}

func (e retryableError) Error() string {
	return e.err.Error()
}

func (e retryableError) Unwrap() error {
	return e.err
}

// MarkRetryable wraps an error so retry logic can detect retriable failures.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryableError reports whether err has been marked as retryable.
func IsRetryableError(err error) bool {
	var target retryableError
	return errors.As(err, &target)
}

// classifiedError attaches a sentinel classification while keeping the
// provider error text and chain intact.
type classifiedError struct {
	kind error
	err  error
}

func (e classifiedError) Error() string {
	return e.err.Error()
}

func (e classifiedError) Unwrap() []error {
	return []error{e.kind, e.err}
}

// MarkOverloaded classifies err as a model-overloaded failure.
func MarkOverloaded(err error) error {
	if err == nil {
		return nil
	}
	return classifiedError{kind: ErrModelOverloaded, err: err}
}

// MarkContextOverflow classifies err as a context window failure.
func MarkContextOverflow(err error) error {
	if err == nil {
		return nil
	}
	return classifiedError{kind: ErrContextOverflow, err: err}
}

// IsOverloaded reports whether err was classified as model overload.
func IsOverloaded(err error) bool {
	return errors.Is(err, ErrModelOverloaded)
}

// IsContextOverflow reports whether err was classified as a context window failure.
func IsContextOverflow(err error) bool {
	return errors.Is(err, ErrContextOverflow)
}
