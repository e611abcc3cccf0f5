package engine

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"chatloop/internal/conversation"
	"chatloop/internal/llm/core"
	"chatloop/internal/tools"
)

const (
	contextIntro = "Here is some information from files the user added to the context. Use it to answer the following messages."
	contextAck   = "I will use the information from these files in my responses."

	// maxContextFileBytes caps each sticky file so one large file cannot
	// crowd out the conversation.
	maxContextFileBytes = 150_000
)

// toMessages converts history turns into backend messages. Tool names are
// sent in their wire form.
func toMessages(turns []conversation.Turn) []core.Message {
	out := make([]core.Message, 0, len(turns)+4)
	for _, turn := range turns {
		switch turn.Role {
		case conversation.RoleAssistant:
			msg := core.Message{Role: core.RoleAssistant}
			if turn.Content != "" {
				msg.Content = []core.ContentBlock{{Type: core.ContentTypeText, Text: turn.Content}}
			}
			for _, use := range turn.ToolUses {
				msg.ToolCalls = append(msg.ToolCalls, core.ToolCall{
					ID:        use.ID,
					Name:      tools.WireName(use.Name),
					Arguments: use.Args,
				})
			}
			out = append(out, msg)
		default:
			for _, res := range turn.ToolResults {
				out = append(out, core.Message{
					Role: core.RoleTool,
					ToolResult: &core.ToolResult{
						ToolCallID: res.ToolUseID,
						ToolName:   tools.WireName(res.ToolName),
						Content:    res.Content,
						IsError:    res.IsError(),
					},
				})
			}
			if turn.Content != "" {
				out = append(out, core.TextMessage(core.RoleUser, turn.Content))
			}
		}
	}
	return out
}

// loadContextFiles expands the sticky patterns and reads each match. Patterns
// matching nothing are reported in missing.
func loadContextFiles(patterns []string) (text string, missing []string) {
	var b strings.Builder
	seen := map[string]struct{}{}
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(expandHome(pattern), doublestar.WithFilesOnly())
		if err != nil || len(matches) == 0 {
			missing = append(missing, pattern)
			continue
		}
		for _, path := range matches {
			if _, dup := seen[path]; dup {
				continue
			}
			seen[path] = struct{}{}
			raw, err := os.ReadFile(path)
			if err != nil {
				missing = append(missing, path)
				continue
			}
			content := string(raw)
			if len(content) > maxContextFileBytes {
				content = content[:maxContextFileBytes] + "\n...(truncated)"
			}
			fmt.Fprintf(&b, "--- %s ---\n%s\n--- end of %s ---\n\n", path, content, path)
		}
	}
	return b.String(), missing
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + p[1:]
}

// contextMessages returns the user/assistant pair that carries sticky file
// content. It is only ever part of a request, never of history.
func contextMessages(text string) []core.Message {
	if text == "" {
		return nil
	}
	return []core.Message{
		core.TextMessage(core.RoleUser, contextIntro+"\n\n"+text),
		core.TextMessage(core.RoleAssistant, contextAck),
	}
}
