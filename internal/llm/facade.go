package llm

import (
	"fmt"
	"strings"

	anthropicprovider "chatloop/internal/llm/providers/anthropic"
	mockprovider "chatloop/internal/llm/providers/mock"

	"chatloop/internal/llm/core"
)

type (
	// Provider is the public streaming provider contract.
	Provider = core.Provider

	// EventType enumerates stream event variants.
	EventType = core.EventType

	// ToolSpec and RetryPolicy configure requests.
	ToolSpec    = core.ToolSpec
	RetryPolicy = core.RetryPolicy

	// Request and Event payload aliases define the public stream protocol.
	Request     = core.Request
	DonePayload = core.DonePayload
	Event       = core.Event

	// Conversation-model aliases.
	Role       = core.Role
	StopReason = core.StopReason
	Message    = core.Message
	ToolCall   = core.ToolCall
	ToolResult = core.ToolResult
	Usage      = core.Usage

	// Anthropic* aliases expose provider-specific configuration and implementation.
	AnthropicConfig   = anthropicprovider.Config
	AnthropicProvider = anthropicprovider.Provider

	// MockProvider emits scripted events for tests.
	MockProvider = mockprovider.Provider
)

var (
	// ErrInvalidRequest indicates malformed canonical request payloads.
	ErrInvalidRequest = core.ErrInvalidRequest
	// ErrMissingAPIKey indicates missing Anthropic API credentials.
	ErrMissingAPIKey = core.ErrMissingAPIKey
	// ErrModelOverloaded indicates the model is at capacity.
	ErrModelOverloaded = core.ErrModelOverloaded
	// ErrContextOverflow indicates the request exceeded the context window.
	ErrContextOverflow = core.ErrContextOverflow
)

// ProviderConfig selects and configures a backend by name.
type ProviderConfig struct {
	Name      string
	Anthropic AnthropicConfig
	// Mock is used when Name is "mock".
	Mock *MockProvider
}

// NewProvider builds the backend named by cfg.Name. An empty name selects anthropic.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "", "anthropic":
		return anthropicprovider.New(cfg.Anthropic), nil
	case "mock":
		if cfg.Mock == nil {
			return &mockprovider.Provider{Events: mockprovider.TextReply("mock", "")}, nil
		}
		return cfg.Mock, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

// NewAnthropicProvider constructs an Anthropic provider with normalized defaults.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	return anthropicprovider.New(cfg)
}
