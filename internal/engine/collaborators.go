package engine

import (
	"context"
	"sync/atomic"
	"time"

	"chatloop/internal/conversation"
	"chatloop/internal/llm/core"
	"chatloop/internal/permission"
)

// OverflowChoice is the user's pick when history cannot be trimmed.
type OverflowChoice int

const (
	OverflowCompact OverflowChoice = iota
	OverflowReset
	OverflowContinue
)

func (c OverflowChoice) String() string {
	switch c {
	case OverflowReset:
		return "reset"
	case OverflowContinue:
		return "continue"
	default:
		return "compact"
	}
}

// OverflowInfo describes the overflow the user is asked about.
type OverflowInfo struct {
	Len    int
	MaxLen int
}

// Prompter supplies user input and interactive choices.
type Prompter interface {
	// ReadInput returns the next line. ok is false when the user wants to exit.
	ReadInput(ctx context.Context, prompt string) (text string, ok bool, err error)
	ChooseOverflow(ctx context.Context, info OverflowInfo) (OverflowChoice, error)
	// SelectModel offers options. ok is false when the user declines.
	SelectModel(ctx context.Context, current string, options []string) (model string, ok bool, err error)
}

// ConfirmationOutcome is the user's answer to a confirmation request.
type ConfirmationOutcome int

const (
	Approved ConfirmationOutcome = iota
	// ApprovedAlways approves and trusts the tool for the rest of the session.
	ApprovedAlways
	Rejected
	Cancelled
)

func (o ConfirmationOutcome) String() string {
	switch o {
	case Approved:
		return "approved"
	case ApprovedAlways:
		return "approved_always"
	case Rejected:
		return "rejected"
	default:
		return "cancelled"
	}
}

// ConfirmationRequest asks whether one tool invocation may run.
type ConfirmationRequest struct {
	Tool        conversation.QueuedToolUse
	DisplayName string
	// Position and Total locate the tool within its batch.
	Position int
	Total    int
}

// Confirmer asks the user to approve a tool invocation.
type Confirmer interface {
	RequestConfirmation(ctx context.Context, req ConfirmationRequest) (ConfirmationOutcome, error)
}

// NoticeLevel ranks a user-facing notice.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarning
	NoticeError
)

func (l NoticeLevel) String() string {
	switch l {
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	default:
		return "info"
	}
}

// Notice is a message for the user that is not part of the conversation.
type Notice struct {
	Level NoticeLevel
	Text  string
}

// TurnRecord summarizes one completed model response.
type TurnRecord struct {
	ConversationID string
	MessageID      string
	Model          string
	// Input is the user text sent with the request, if any.
	Input       string
	Text        string
	ToolUses    []conversation.ToolUse
	ToolResults []conversation.ToolResult
	Reason      string
	Usage       core.Usage
	At          time.Time
}

// Sink receives output as the conversation progresses.
type Sink interface {
	TextDelta(text string)
	ToolStarted(use conversation.ToolUse)
	ToolFinished(result conversation.ToolResult)
	TurnCompleted(record TurnRecord)
	Notice(n Notice)
}

// MultiSink fans out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) TextDelta(text string) {
	for _, s := range m {
		s.TextDelta(text)
	}
}

func (m MultiSink) ToolStarted(use conversation.ToolUse) {
	for _, s := range m {
		s.ToolStarted(use)
	}
}

func (m MultiSink) ToolFinished(result conversation.ToolResult) {
	for _, s := range m {
		s.ToolFinished(result)
	}
}

func (m MultiSink) TurnCompleted(record TurnRecord) {
	for _, s := range m {
		s.TurnCompleted(record)
	}
}

func (m MultiSink) Notice(n Notice) {
	for _, s := range m {
		s.Notice(n)
	}
}

type nopSink struct{}

func (nopSink) TextDelta(string) {}
func (nopSink) ToolStarted(conversation.ToolUse) {}
func (nopSink) ToolFinished(conversation.ToolResult) {}
func (nopSink) TurnCompleted(TurnRecord) {}
func (nopSink) Notice(Notice) {}

// TrustSource hands out the current trust snapshot.
type TrustSource interface {
	Snapshot() permission.TrustConfig
}

// StaticTrust is a TrustSource that can be swapped atomically.
type StaticTrust struct {
	v atomic.Pointer[permission.TrustConfig]
}

// NewStaticTrust returns a source holding a copy of cfg.
func NewStaticTrust(cfg permission.TrustConfig) *StaticTrust {
	s := &StaticTrust{}
	s.Store(cfg)
	return s
}

func (s *StaticTrust) Snapshot() permission.TrustConfig {
	if p := s.v.Load(); p != nil {
		return p.Clone()
	}
	return permission.TrustConfig{}
}

func (s *StaticTrust) Store(cfg permission.TrustConfig) {
	c := cfg.Clone()
	s.v.Store(&c)
}
