// Package transcript persists conversations as append-only JSONL files, one
// file per conversation ID.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	fileExt          = ".jsonl"
	maxJSONLLineSize = 4 * 1024 * 1024
)

// Entry types written by Sink.
const (
	TypeUser       = "user"
	TypeAssistant  = "assistant"
	TypeToolResult = "tool_result"
	TypeNotice     = "notice"
)

var (
	ErrDirRequired            = errors.New("transcript directory is required")
	ErrConversationIDRequired = errors.New("conversation id is required")
	ErrInvalidConversationID  = errors.New("invalid conversation id")
	ErrEntryIDRequired        = errors.New("entry id is required")
	ErrEntryTypeRequired      = errors.New("entry type is required")
	ErrNotFound               = errors.New("transcript not found")
)

// Entry is one record of a transcript file. ParentID links each entry to the
// one written before it.
type Entry struct {
	ID        string          `json:"id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Model     string          `json:"model,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
	TS        int64           `json:"ts"`
}

// Info describes one transcript file on disk.
type Info struct {
	ConversationID string
	Path           string
	UpdatedAt      time.Time
	SizeBytes      int64
}

// Store reads and appends transcript files under one directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore constructs a store rooted at dir. The directory is created on the
// first append.
func NewStore(dir string) (*Store, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, ErrDirRequired
	}
	return &Store{dir: root}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Append writes entry as one line of the conversation's file.
func (s *Store) Append(ctx context.Context, conversationID string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.path(conversationID)
	if err != nil {
		return err
	}

	entry.ID = strings.TrimSpace(entry.ID)
	entry.Type = strings.TrimSpace(entry.Type)
	if entry.ID == "" {
		return ErrEntryIDRequired
	}
	if entry.Type == "" {
		return ErrEntryTypeRequired
	}
	if entry.TS <= 0 {
		entry.TS = time.Now().UnixMilli()
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}
	raw = append(raw, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create transcript dir %s: %w", s.dir, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open transcript %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(raw); err != nil {
		return fmt.Errorf("append transcript entry: %w", err)
	}
	return nil
}

// Load reads every entry of one conversation in write order.
func (s *Store) Load(ctx context.Context, conversationID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.path(conversationID)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSpace(conversationID))
		}
		return nil, fmt.Errorf("open transcript %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLLineSize)

	var entries []Entry
	for lineNum := 1; scanner.Scan(); lineNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("decode transcript line %d: %w", lineNum, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("transcript line too large (> %d bytes): %w", maxJSONLLineSize, err)
		}
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return entries, nil
}

// List returns the known transcripts, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcript dir %s: %w", s.dir, err)
	}

	out := make([]Info, 0, len(items))
	for _, item := range items {
		if item.IsDir() || filepath.Ext(item.Name()) != fileExt {
			continue
		}
		info, err := item.Info()
		if err != nil {
			return nil, fmt.Errorf("stat transcript %s: %w", item.Name(), err)
		}
		out = append(out, Info{
			ConversationID: strings.TrimSuffix(item.Name(), fileExt),
			Path:           filepath.Join(s.dir, item.Name()),
			UpdatedAt:      info.ModTime(),
			SizeBytes:      info.Size(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ConversationID > out[j].ConversationID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) path(conversationID string) (string, error) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return "", ErrConversationIDRequired
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidConversationID, conversationID)
	}
	return filepath.Join(s.dir, id+fileExt), nil
}
