// Package tools defines the tool capability set, the registry that validates
// and dispatches invocations, and the built-in tools.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"chatloop/internal/conversation"
	"chatloop/internal/llm/core"
)

var (
	ErrToolRequired          = errors.New("tool is required")
	ErrToolNameRequired      = errors.New("tool name is required")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	ErrToolNotFound          = errors.New("tool not found")
	// ErrValidation marks malformed tool arguments. These are reported back
	// to the model rather than surfaced as failures.
	ErrValidation = errors.New("tool validation failed")
)

// DisplayData carries UI-facing structured tool output.
type DisplayData struct {
	Type    string
	Payload json.RawMessage
}

// Result carries tool output split for model and UI channels.
type Result struct {
	Content string
	Display DisplayData
}

// Tool is the capability set every tool implements.
type Tool interface {
	Name() string
	DisplayName() string
	Description() string
	Schema() json.RawMessage
	// RequiresConfirmationByDefault reports whether invocations need user
	// approval when no trust rule applies.
	RequiresConfirmationByDefault() bool
	Execute(ctx context.Context, params json.RawMessage) (Result, error)
}

// Targeter is implemented by tools whose invocations touch paths, commands
// or services that trust rules can match.
type Targeter interface {
	Targets(params json.RawMessage) (conversation.Targets, error)
}

// Validator is implemented by tools with checks beyond the JSON schema.
type Validator interface {
	Validate(params json.RawMessage) error
}

// ReadOnlyChecker is implemented by tools that can tell a side-effect free
// invocation apart. Read-only invocations do not need confirmation.
type ReadOnlyChecker interface {
	IsReadOnly(params json.RawMessage) bool
}

// fatalError marks a tool failure that must abort the whole batch.
type fatalError struct {
	err error
}

func (e fatalError) Error() string { return e.err.Error() }

func (e fatalError) Unwrap() error { return e.err }

// MarkFatal wraps err so the executor aborts the batch instead of reporting
// the failure to the model.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err was marked with MarkFatal.
func IsFatal(err error) bool {
	var target fatalError
	return errors.As(err, &target)
}

// ValidationError describes why arguments were rejected.
type ValidationError struct {
	Tool     string
	Location string
	Message  string
	cause    error
}

func (e *ValidationError) Error() string {
	if e.Location != "" && e.Location != "/" {
		return fmt.Sprintf("invalid arguments for %s at %s: %s", e.Tool, e.Location, e.Message)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Message)
}

func (e *ValidationError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.cause}
}

// reflectSchema builds an object schema from a parameter struct.
func reflectSchema(params any) json.RawMessage {
	schema, err := core.ReflectParams(params)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return schema
}

// registration pairs a tool with its compiled schema.
type registration struct {
	tool   Tool
	schema *compiledSchema
}

// Registry stores tools by name, validates invocations and executes them by lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registration
	// wire maps backend-safe names back to registered names.
	wire map[string]string
}

// NewRegistry constructs a tool registry holding initial. It panics if one
// of them cannot be registered; use Register for tools that may fail.
func NewRegistry(initial ...Tool) *Registry {
	r := &Registry{
		tools: make(map[string]registration, len(initial)),
		wire:  make(map[string]string, len(initial)),
	}
	for _, tool := range initial {
		if err := r.Register(tool); err != nil {
			panic(fmt.Sprintf("tools: NewRegistry: %v", err))
		}
	}
	return r
}
