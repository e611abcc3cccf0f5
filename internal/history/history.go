// Package history owns the ordered turn history of one conversation and keeps
// it within the configured length before every send.
package history

import (
	"errors"
	"fmt"
	"sync"

	"chatloop/internal/conversation"
)

const (
	// DefaultMaxLen is the history length limit when none is configured.
	DefaultMaxLen = 250
	// MinMaxLen is the smallest accepted limit: room for one exchange plus
	// the pending send.
	MinMaxLen = 4
)

// ErrOverflow reports that the history exceeds its limit and no trim
// boundary exists. The caller must pick an Outcome.
var ErrOverflow = errors.New("conversation history overflow")

// OverflowError carries the sizes involved in an unresolved overflow.
type OverflowError struct {
	Len    int
	MaxLen int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%s: %d turns exceeds limit of %d with no valid trim point", ErrOverflow, e.Len, e.MaxLen-2)
}

func (e *OverflowError) Unwrap() error {
	return ErrOverflow
}

// Manager holds the append-only turn sequence.
type Manager struct {
	maxLen int

	mu    sync.RWMutex
	turns []conversation.Turn
}

// New creates a manager limited to maxLen turns. Values below MinMaxLen are
// raised to it; zero selects DefaultMaxLen.
func New(maxLen int) *Manager {
	switch {
	case maxLen == 0:
		maxLen = DefaultMaxLen
	case maxLen < MinMaxLen:
		maxLen = MinMaxLen
	}
	return &Manager{maxLen: maxLen}
}

// MaxLen returns the configured limit.
func (m *Manager) MaxLen() int {
	return m.maxLen
}

// Len returns the number of turns.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns)
}

// Turns returns a deep copy of the history.
func (m *Manager) Turns() []conversation.Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return conversation.CloneTurns(m.turns)
}

// Last returns the newest turn.
func (m *Manager) Last() (conversation.Turn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.turns) == 0 {
		return conversation.Turn{}, false
	}
	return m.turns[len(m.turns)-1].Clone(), true
}

// Append adds one turn.
func (m *Manager) Append(turn conversation.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn.Clone())
}

// AppendExchange adds a sent user turn and the assistant reply to it.
func (m *Manager) AppendExchange(user, assistant conversation.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, user.Clone(), assistant.Clone())
}

// Clear drops every turn.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
}

// Checkpoint captures the history for a later Restore.
type Checkpoint struct {
	turns []conversation.Turn
}

// Checkpoint returns the current history as a restorable value.
func (m *Manager) Checkpoint() Checkpoint {
	return Checkpoint{turns: m.Turns()}
}

// Restore replaces the history with a checkpoint.
func (m *Manager) Restore(cp Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = conversation.CloneTurns(cp.turns)
}

// Prepared is the history and pending turn ready to send.
type Prepared struct {
	Turns   []conversation.Turn
	Pending conversation.Turn
}

// PrepareSend pairs tool results on pending with the last assistant turn and
// trims the history to at most MaxLen-2 turns at a valid boundary. If no
// boundary exists it returns an *OverflowError unless allowOverflow is set,
// in which case the history is sent untrimmed.
func (m *Manager) PrepareSend(pending conversation.Turn, allowOverflow bool) (Prepared, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := m.maxLen - 2
	if len(m.turns) > limit {
		cut := -1
		for i := max(1, len(m.turns)-limit); i < len(m.turns); i++ {
			if m.turns[i].IsTrimBoundary() {
				cut = i
				break
			}
		}
		switch {
		case cut > 0:
			m.turns = append([]conversation.Turn(nil), m.turns[cut:]...)
		case !allowOverflow:
			return Prepared{}, &OverflowError{Len: len(m.turns), MaxLen: m.maxLen}
		}
	}

	return Prepared{
		Turns:   conversation.CloneTurns(m.turns),
		Pending: backfill(m.turns, pending),
	}, nil
}

// backfill attaches cancelled results for unanswered tool uses of the last
// assistant turn and strips results that answer nothing.
func backfill(turns []conversation.Turn, pending conversation.Turn) conversation.Turn {
	pending = pending.Clone()

	var uses []conversation.ToolUse
	if n := len(turns); n > 0 && turns[n-1].HasToolUses() {
		uses = turns[n-1].ToolUses
	}

	wanted := make(map[string]struct{}, len(uses))
	for _, use := range uses {
		wanted[use.ID] = struct{}{}
	}

	kept := pending.ToolResults[:0]
	have := make(map[string]struct{}, len(pending.ToolResults))
	for _, res := range pending.ToolResults {
		if _, ok := wanted[res.ToolUseID]; !ok {
			continue
		}
		if _, dup := have[res.ToolUseID]; dup {
			continue
		}
		have[res.ToolUseID] = struct{}{}
		kept = append(kept, res)
	}

	var missing []conversation.ToolUse
	for _, use := range uses {
		if _, ok := have[use.ID]; !ok {
			missing = append(missing, use)
		}
	}
	kept = append(kept, conversation.CancelledResults(missing)...)

	if len(kept) == 0 {
		pending.ToolResults = nil
	} else {
		pending.ToolResults = kept
	}
	return pending
}
