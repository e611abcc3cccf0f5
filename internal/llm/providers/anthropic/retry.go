package anthropicprovider

import (
	"errors"
	"net"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"chatloop/internal/llm/core"
)

// statusOverloaded is the non-standard status Anthropic returns when a model is at capacity.
const statusOverloaded = 529

// classifyProviderError marks err as retryable, overloaded or context overflow
// so the stream consumer can route it without inspecting provider types.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if isOverloadedError(err) {
		// Overload is retried at the transport level first and surfaces as
		// overloaded only once that budget is exhausted.
		return core.MarkRetryable(core.MarkOverloaded(err))
	}
	if isContextOverflowError(err) {
		return core.MarkContextOverflow(err)
	}
	if isRetryableProviderError(err) {
		return core.MarkRetryable(err)
	}
	return err
}

// isRetryableProviderError identifies transient transport/API failures worth retrying.
func isRetryableProviderError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func isOverloadedError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == statusOverloaded {
		return true
	}
	// Mid-stream SSE error events carry the error type in the payload only.
	return strings.Contains(err.Error(), "overloaded_error")
}

func isContextOverflowError(err error) bool {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "prompt is too long") || strings.Contains(msg, "context window")
}
