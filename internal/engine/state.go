package engine

import (
	"fmt"

	"chatloop/internal/conversation"
	"chatloop/internal/history"
)

// State is the controller's current mode. Exactly one is active at a time.
type State interface {
	fmt.Stringer
	state()
}

// AwaitingInput waits for user text, or for a confirmation decision when a
// batch is parked.
type AwaitingInput struct{}

// ProcessingInput interprets one line of user input.
type ProcessingInput struct {
	Input string
}

// ValidatingTools checks the tool uses requested by the last assistant turn.
type ValidatingTools struct {
	Batch []conversation.ToolUse
}

// ExecutingTools evaluates permissions for the parked batch and runs it.
type ExecutingTools struct{}

// StreamingResponse sends Pending with the history and consumes the reply.
type StreamingResponse struct {
	Pending conversation.Turn
	// AllowOverflow sends the history untrimmed after the user chose to
	// continue past an overflow.
	AllowOverflow bool
}

// CompactingHistory asks the model to summarize the history and replaces it
// with the summary. A non-nil Resume is sent once compaction succeeds.
type CompactingHistory struct {
	Prompt   string
	Strategy history.Strategy
	Resume   *conversation.Turn
}

// RetryingOverload offers another model after the current one was overloaded.
type RetryingOverload struct {
	Pending conversation.Turn
}

// Terminated ends the session.
type Terminated struct{}

func (AwaitingInput) state() {}
func (ProcessingInput) state() {}
func (ValidatingTools) state() {}
func (ExecutingTools) state() {}
func (StreamingResponse) state() {}
func (CompactingHistory) state() {}
func (RetryingOverload) state() {}
func (Terminated) state() {}

func (AwaitingInput) String() string { return "awaiting_input" }
func (ProcessingInput) String() string { return "processing_input" }
func (ValidatingTools) String() string { return "validating_tools" }
func (ExecutingTools) String() string { return "executing_tools" }
func (StreamingResponse) String() string { return "streaming_response" }
func (CompactingHistory) String() string { return "compacting_history" }
func (RetryingOverload) String() string { return "retrying_overload" }
func (Terminated) String() string { return "terminated" }
