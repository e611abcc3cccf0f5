package history

import (
	"strings"
	"unicode/utf8"

	"chatloop/internal/conversation"
)

const (
	// SummaryIntro opens the synthetic user turn that precedes a summary.
	SummaryIntro = "Here's a summary of our previous conversation:"
	// FallbackSummary stands in when the backend produced no summary text.
	FallbackSummary = "Previous conversation summary unavailable due to an error."
	// OverflowNotice replaces an emptied pending turn after compaction or reset.
	OverflowNotice = "The conversation history has overflowed, clearing state"
)

// OutcomeKind enumerates overflow resolutions.
type OutcomeKind int

const (
	OutcomeCompacted OutcomeKind = iota
	OutcomeReset
	OutcomeContinuedWithWarning
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompacted:
		return "compacted"
	case OutcomeReset:
		return "reset"
	case OutcomeContinuedWithWarning:
		return "continued"
	default:
		return "unknown"
	}
}

// Outcome is the chosen resolution of a history overflow.
type Outcome struct {
	Kind    OutcomeKind
	Summary string
}

// Compacted returns an outcome that replaces history with summary.
func Compacted(summary string) Outcome {
	return Outcome{Kind: OutcomeCompacted, Summary: summary}
}

// Reset returns an outcome that clears history.
func Reset() Outcome {
	return Outcome{Kind: OutcomeReset}
}

// ContinuedWithWarning returns an outcome that leaves history untouched.
func ContinuedWithWarning() Outcome {
	return Outcome{Kind: OutcomeContinuedWithWarning}
}

// Apply installs outcome in one step and returns pending adjusted to the new
// history. After a compaction or reset, pending loses its tool results since
// the tool uses they answer are gone.
func (m *Manager) Apply(outcome Outcome, pending conversation.Turn) conversation.Turn {
	var next []conversation.Turn
	switch outcome.Kind {
	case OutcomeCompacted:
		summary := outcome.Summary
		if strings.TrimSpace(summary) == "" {
			summary = FallbackSummary
		}
		next = []conversation.Turn{
			conversation.UserTurn(SummaryIntro),
			conversation.AssistantTurn("", summary, nil),
		}
	case OutcomeReset:
		next = nil
	default:
		return pending.Clone()
	}

	m.mu.Lock()
	m.turns = next
	m.mu.Unlock()

	return stripForFreshHistory(pending)
}

func stripForFreshHistory(pending conversation.Turn) conversation.Turn {
	out := pending.Clone()
	if len(out.ToolResults) == 0 {
		return out
	}
	out.ToolResults = nil
	if strings.TrimSpace(out.Content) == "" {
		out.Content = OverflowNotice
	}
	return out
}

// Strategy controls how the summarization request is shaped.
type Strategy struct {
	// TruncateLargeMessages cuts each message to MaxMessageLength bytes.
	TruncateLargeMessages bool
	MaxMessageLength      int
}

// DefaultStrategy sends history as is.
func DefaultStrategy() Strategy {
	return Strategy{}
}

// ContextOverflowStrategy is used after the backend rejected a request as too long.
func ContextOverflowStrategy() Strategy {
	return Strategy{TruncateLargeMessages: true, MaxMessageLength: 25_000}
}

const summaryNote = "[SYSTEM NOTE: This is an automated summarization request, not from the user]"

// SummaryRequest builds the history and final instruction asking the model
// to summarize the conversation. customPrompt, when set, is included as a
// prioritized instruction.
func (m *Manager) SummaryRequest(customPrompt string, strategy Strategy) ([]conversation.Turn, conversation.Turn) {
	turns := m.Turns()
	if strategy.TruncateLargeMessages && strategy.MaxMessageLength > 0 {
		for i := range turns {
			turns[i].Content = truncateContent(turns[i].Content, strategy.MaxMessageLength)
			for j := range turns[i].ToolResults {
				turns[i].ToolResults[j].Content = truncateContent(turns[i].ToolResults[j].Content, strategy.MaxMessageLength)
			}
		}
	}
	instruction := backfill(turns, conversation.UserTurn(summaryInstruction(customPrompt)))
	return turns, instruction
}

func summaryInstruction(customPrompt string) string {
	var b strings.Builder
	b.WriteString(summaryNote)
	b.WriteString("\n\nFORMAT REQUIREMENTS: Create a structured, concise summary in bullet-point format. ")
	b.WriteString("DO NOT respond conversationally. DO NOT address the user directly.\n\n")
	if custom := strings.TrimSpace(customPrompt); custom != "" {
		b.WriteString("IMPORTANT CUSTOM INSTRUCTION: ")
		b.WriteString(custom)
		b.WriteString("\n\n")
	}
	b.WriteString("Your task is to create a structured summary document containing:\n")
	b.WriteString("1) A bullet-point list of key topics/questions covered\n")
	b.WriteString("2) Bullet points for all significant tools executed and their results\n")
	b.WriteString("3) Bullet points for any code or technical information shared\n")
	b.WriteString("4) A section of key insights gained\n")
	b.WriteString("5) The ID of any TODO list in progress\n\n")
	b.WriteString("FORMAT THE SUMMARY IN THIRD PERSON, NOT AS A DIRECT RESPONSE. Example format:\n\n")
	b.WriteString("## CONVERSATION SUMMARY\n* Topic 1: Key information\n* Topic 2: Key information\n\n")
	b.WriteString("## TOOLS EXECUTED\n* Tool X: Result Y\n\n")
	b.WriteString("## TODO ID\n* <id>\n\n")
	b.WriteString("Remember this is a DOCUMENT not a chat response.")
	if customPrompt != "" {
		b.WriteString(" The custom instruction above modifies what to prioritize.")
	}
	b.WriteString("\nFILTER OUT CHAT CONVENTIONS (greetings, offers to help, etc).")
	return b.String()
}

const truncatedSuffix = "...(truncated)"

// truncateContent cuts s to at most limit bytes on a rune boundary.
func truncateContent(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}
