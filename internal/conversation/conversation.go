// Package conversation holds the data model shared by the turn controller and
// its collaborators: turns, tool invocations, tool results and send snapshots.
package conversation

import (
	"crypto/rand"
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role tags a turn as user or assistant authored.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ResultStatus reports whether a tool invocation succeeded.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
)

// CancelledToolResultText is reported for tool uses that never ran because the
// user cancelled or rejected them.
const CancelledToolResultText = "Tool use was cancelled by the user"

// ToolUse is one tool invocation requested by the model.
type ToolUse struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the outcome of a tool use, reported back on the next user turn.
type ToolResult struct {
	ToolUseID string       `json:"tool_use_id"`
	ToolName  string       `json:"tool_name"`
	Content   string       `json:"content"`
	Status    ResultStatus `json:"status"`
}

// IsError reports whether the result carries a failure.
func (r ToolResult) IsError() bool {
	return r.Status == StatusError
}

// Turn is one entry of the conversation history.
//
// User turns carry text plus results for the previous assistant turn's tool
// uses. Assistant turns carry text, requested tool uses and the message ID.
type Turn struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	ToolUses    []ToolUse    `json:"tool_uses,omitempty"`
	MessageID   string       `json:"message_id,omitempty"`
}

// UserTurn builds a plain user turn.
func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Content: text}
}

// ToolResultTurn builds a user turn reporting tool results with optional text.
func ToolResultTurn(results []ToolResult, text string) Turn {
	return Turn{Role: RoleUser, Content: text, ToolResults: cloneResults(results)}
}

// AssistantTurn builds an assistant turn. An empty id is replaced with a fresh ULID.
func AssistantTurn(id, text string, uses []ToolUse) Turn {
	if id == "" {
		id = NewID()
	}
	return Turn{Role: RoleAssistant, Content: text, ToolUses: CloneToolUses(uses), MessageID: id}
}

// IsTrimBoundary reports whether history may start at this turn: a user turn
// with visible content and no pending tool results.
func (t Turn) IsTrimBoundary() bool {
	return t.Role == RoleUser && strings.TrimSpace(t.Content) != "" && len(t.ToolResults) == 0
}

// HasToolUses reports whether an assistant turn requested tools.
func (t Turn) HasToolUses() bool {
	return t.Role == RoleAssistant && len(t.ToolUses) > 0
}

// Clone returns a deep copy of the turn.
func (t Turn) Clone() Turn {
	out := t
	out.ToolResults = cloneResults(t.ToolResults)
	out.ToolUses = CloneToolUses(t.ToolUses)
	return out
}

// CloneTurns deep-copies a turn slice.
func CloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	for i := range turns {
		out[i] = turns[i].Clone()
	}
	return out
}

// CloneToolUses deep-copies tool uses including their argument payloads.
func CloneToolUses(uses []ToolUse) []ToolUse {
	if uses == nil {
		return nil
	}
	out := make([]ToolUse, len(uses))
	for i, use := range uses {
		out[i] = use
		out[i].Args = append(json.RawMessage(nil), use.Args...)
	}
	return out
}

func cloneResults(results []ToolResult) []ToolResult {
	if results == nil {
		return nil
	}
	return append([]ToolResult(nil), results...)
}

// CancelledResults builds error results for every use.
func CancelledResults(uses []ToolUse) []ToolResult {
	out := make([]ToolResult, 0, len(uses))
	for _, use := range uses {
		out = append(out, ToolResult{
			ToolUseID: use.ID,
			ToolName:  use.Name,
			Content:   CancelledToolResultText,
			Status:    StatusError,
		})
	}
	return out
}

// Targets lists what a tool invocation touches, per permission rule kind.
type Targets struct {
	Paths    []string `json:"paths,omitempty"`
	Commands []string `json:"commands,omitempty"`
	Services []string `json:"services,omitempty"`
}

// Len returns the total number of targets.
func (t Targets) Len() int {
	return len(t.Paths) + len(t.Commands) + len(t.Services)
}

// QueuedToolUse is a tool use awaiting permission evaluation and execution.
type QueuedToolUse struct {
	ID   string
	Name string
	Args json.RawMessage
	// Index is the 0-based position within the batch.
	Index int
	// Accepted is set once the user approved this invocation.
	Accepted bool
	// DefaultTrusted is set when the tool considers this invocation safe without confirmation.
	DefaultTrusted bool
	Targets        Targets
}

// ToolUse returns the invocation as recorded in history.
func (q QueuedToolUse) ToolUse() ToolUse {
	return ToolUse{ID: q.ID, Name: q.Name, Args: append(json.RawMessage(nil), q.Args...)}
}

// Snapshot is an immutable copy of a conversation handed to the model backend.
type Snapshot struct {
	ConversationID string
	Model          string
	Turns          []Turn
	ContextFiles   []string
	Pending        Turn
}

// NewID returns a fresh lexicographically sortable identifier.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// NewConversationID returns a fresh conversation identifier.
func NewConversationID() string {
	return NewID()
}
