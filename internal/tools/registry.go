package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"chatloop/internal/conversation"
	"chatloop/internal/llm/core"
)

// compiledSchema validates decoded JSON arguments.
type compiledSchema struct {
	schema *jsonschema.Schema
}

func compileSchema(name string, raw json.RawMessage) (*compiledSchema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	url := "tool://" + WireName(name) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, err
	}
	return &compiledSchema{schema: schema}, nil
}

func (s *compiledSchema) validate(tool string, params json.RawMessage) error {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return &ValidationError{Tool: tool, Message: "arguments are not valid JSON", cause: err}
	}
	if err := s.schema.Validate(decoded); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			leaf := deepestCause(verr)
			return &ValidationError{Tool: tool, Location: leaf.InstanceLocation, Message: leaf.Message, cause: err}
		}
		return &ValidationError{Tool: tool, Message: err.Error(), cause: err}
	}
	return nil
}

func deepestCause(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	return err
}

var wireNameInvalid = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// WireName maps a registered tool name to the form model backends accept.
// External tools named @server/tool become server___tool.
func WireName(name string) string {
	name = strings.TrimPrefix(name, "@")
	name = strings.ReplaceAll(name, "/", "___")
	return wireNameInvalid.ReplaceAllString(name, "_")
}

// Register inserts a tool by its canonical name and compiles its schema.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return ErrToolRequired
	}
	name := strings.TrimSpace(tool.Name())
	if name == "" {
		return ErrToolNameRequired
	}

	schema, err := compileSchema(name, tool.Schema())
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, name)
	}
	wire := WireName(name)
	if other, exists := r.wire[wire]; exists {
		return fmt.Errorf("%w: %s collides with %s", ErrToolAlreadyRegistered, name, other)
	}
	r.tools[name] = registration{tool: tool, schema: schema}
	r.wire[wire] = name
	return nil
}

// Get returns a registered tool by canonical or wire name.
func (r *Registry) Get(name string) (Tool, error) {
	reg, _, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return reg.tool, nil
}

// Resolve returns the canonical name for a canonical or wire name.
func (r *Registry) Resolve(name string) (string, error) {
	_, canonical, err := r.lookup(name)
	return canonical, err
}

func (r *Registry) lookup(name string) (registration, string, error) {
	lookup := strings.TrimSpace(name)
	if lookup == "" {
		return registration{}, "", ErrToolNameRequired
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.tools[lookup]; ok {
		return reg, lookup, nil
	}
	if canonical, ok := r.wire[lookup]; ok {
		return r.tools[canonical], canonical, nil
	}
	return registration{}, "", fmt.Errorf("%w: %s", ErrToolNotFound, lookup)
}

// Execute resolves a named tool and runs it with provided raw JSON params.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (Result, error) {
	tool, err := r.Get(name)
	if err != nil {
		return Result{}, err
	}
	return tool.Execute(ctx, params)
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name].tool)
	}
	return out
}

// Specs returns backend tool specs in name order using wire names.
func (r *Registry) Specs() []core.ToolSpec {
	tools := r.List()
	out := make([]core.ToolSpec, 0, len(tools))
	for _, tool := range tools {
		out = append(out, core.ToolSpec{
			Name:        WireName(tool.Name()),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return out
}

// Validate checks params against the tool schema and any tool-specific
// rules. Every failure wraps ErrValidation.
func (r *Registry) Validate(name string, params json.RawMessage) error {
	reg, canonical, err := r.lookup(name)
	if err != nil {
		return &ValidationError{Tool: name, Message: "no such tool", cause: err}
	}
	if err := reg.schema.validate(canonical, params); err != nil {
		return err
	}
	if v, ok := reg.tool.(Validator); ok {
		if err := v.Validate(params); err != nil {
			return &ValidationError{Tool: canonical, Message: err.Error(), cause: err}
		}
	}
	return nil
}

// Queue validates use and prepares it for permission evaluation at position index.
func (r *Registry) Queue(use conversation.ToolUse, index int) (conversation.QueuedToolUse, error) {
	if err := r.Validate(use.Name, use.Args); err != nil {
		return conversation.QueuedToolUse{}, err
	}
	reg, canonical, err := r.lookup(use.Name)
	if err != nil {
		return conversation.QueuedToolUse{}, err
	}

	q := conversation.QueuedToolUse{
		ID:             use.ID,
		Name:           canonical,
		Args:           append(json.RawMessage(nil), use.Args...),
		Index:          index,
		DefaultTrusted: !reg.tool.RequiresConfirmationByDefault(),
	}
	if checker, ok := reg.tool.(ReadOnlyChecker); ok && checker.IsReadOnly(use.Args) {
		q.DefaultTrusted = true
	}
	if targeter, ok := reg.tool.(Targeter); ok {
		targets, err := targeter.Targets(use.Args)
		if err != nil {
			return conversation.QueuedToolUse{}, &ValidationError{Tool: canonical, Message: err.Error(), cause: err}
		}
		q.Targets = targets
	}
	return q, nil
}
