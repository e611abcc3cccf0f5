package transcript

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"chatloop/internal/conversation"
	"chatloop/internal/engine"
)

// Sink records completed turns and notices into a Store. Streaming output is
// ignored; the assembled text arrives with TurnCompleted. Write failures are
// logged and never interrupt the conversation.
type Sink struct {
	store          *Store
	conversationID string
	logger         *zap.Logger

	mu   sync.Mutex
	last string
}

var _ engine.Sink = (*Sink)(nil)

// NewSink returns a sink appending to the transcript of conversationID.
func NewSink(store *Store, conversationID string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		store:          store,
		conversationID: conversationID,
		logger:         logger.With(zap.String("transcript_dir", store.Dir())),
	}
}

func (s *Sink) TextDelta(string) {}

func (s *Sink) ToolStarted(conversation.ToolUse) {}

func (s *Sink) ToolFinished(conversation.ToolResult) {}

// TurnCompleted writes the tool results and user text that were sent, then
// the assistant's reply.
func (s *Sink) TurnCompleted(rec engine.TurnRecord) {
	id := rec.ConversationID
	if id == "" {
		id = s.conversationID
	}
	at := rec.At.UnixMilli()

	for _, res := range rec.ToolResults {
		s.append(id, Entry{
			Type:      TypeToolResult,
			Name:      res.ToolName,
			ToolUseID: res.ToolUseID,
			Status:    string(res.Status),
			Content:   res.Content,
			TS:        at,
		})
	}
	if rec.Input != "" {
		s.append(id, Entry{Type: TypeUser, Content: rec.Input, TS: at})
	}

	entry := Entry{
		ID:      rec.MessageID,
		Type:    TypeAssistant,
		Content: rec.Text,
		Model:   rec.Model,
		Reason:  rec.Reason,
		TS:      at,
	}
	if len(rec.ToolUses) > 0 {
		entry.Data = s.marshal(rec.ToolUses)
	}
	if rec.Usage.TokenCount() > 0 {
		entry.Usage = s.marshal(rec.Usage)
	}
	s.append(id, entry)
}

func (s *Sink) Notice(n engine.Notice) {
	s.append(s.conversationID, Entry{Type: TypeNotice, Name: n.Level.String(), Content: n.Text})
}

func (s *Sink) append(conversationID string, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = conversation.NewID()
	}
	entry.ParentID = s.last
	if err := s.store.Append(context.Background(), conversationID, entry); err != nil {
		s.logger.Warn("transcript append failed",
			zap.String("conversation_id", conversationID),
			zap.String("type", entry.Type),
			zap.Error(err),
		)
		return
	}
	s.last = entry.ID
}

func (s *Sink) marshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("transcript marshal failed", zap.Error(err))
		return nil
	}
	return raw
}
