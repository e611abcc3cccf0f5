package engine

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"chatloop/internal/conversation"
	"chatloop/internal/history"
	"chatloop/internal/permission"
)

const helpText = `Commands:
/help                      show this help
/quit, /exit, /q           end the session
/clear                     drop the conversation history
/compact [instructions]    summarize the history to free up space
/model [id]                show or switch the model
/tools                     list tools and their trust status
/tools trust <name...>     run the named tools without asking
/tools untrust <name...>   ask before running the named tools
/tools trust-all           run every tool that is not denied without asking
/tools reset               drop trust changes made in this session
/context show              list sticky context files
/context add <glob...>     add files sent with every request
/context rm <glob...>      remove sticky context patterns
/context clear             remove every sticky context pattern
/usage                     show history and token usage
/prompt <file> [text]      send the contents of a file as input`

// runCommand handles one slash command line.
func (c *Controller) runCommand(ctx context.Context, line string) (State, error) {
	parts := strings.Fields(line)
	command := strings.TrimPrefix(parts[0], "/")
	args := parts[1:]

	switch command {
	case "help":
		c.notice(NoticeInfo, helpText)
	case "quit", "exit", "q":
		return Terminated{}, nil
	case "clear":
		c.history.Clear()
		c.parked = nil
		c.notice(NoticeInfo, "Conversation history cleared.")
	case "compact":
		if c.history.Len() == 0 {
			c.notice(NoticeInfo, "Nothing to compact.")
			return AwaitingInput{}, nil
		}
		prompt := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), parts[0]))
		return CompactingHistory{Prompt: prompt, Strategy: history.DefaultStrategy()}, nil
	case "model":
		return c.modelCommand(ctx, args)
	case "tools":
		c.toolsCommand(args)
	case "context":
		c.contextCommand(args)
	case "usage":
		c.usageCommand()
	case "prompt":
		return c.promptCommand(line, args)
	default:
		c.notice(NoticeError, fmt.Sprintf("Unknown command /%s. Type /help for the list of commands.", command))
	}
	return AwaitingInput{}, nil
}

func (c *Controller) modelCommand(ctx context.Context, args []string) (State, error) {
	current := c.Model()
	if len(args) > 0 {
		c.SetModel(args[0])
		c.notice(NoticeInfo, "Model set to "+args[0]+".")
		return AwaitingInput{}, nil
	}

	options := []string{current}
	for _, m := range c.fallbacks {
		if !slices.Contains(options, m) {
			options = append(options, m)
		}
	}
	if len(options) < 2 {
		c.notice(NoticeInfo, "Current model: "+current)
		return AwaitingInput{}, nil
	}
	model, ok, err := c.prompter.SelectModel(ctx, current, options)
	if err != nil {
		if ctx.Err() != nil {
			return AwaitingInput{}, nil
		}
		return nil, inputError{err}
	}
	if ok && model != "" && model != current {
		c.SetModel(model)
		c.notice(NoticeInfo, "Model set to "+model+".")
		return AwaitingInput{}, nil
	}
	c.notice(NoticeInfo, "Current model: "+current)
	return AwaitingInput{}, nil
}

// TrustTool records a session trust change for one tool.
func (c *Controller) TrustTool(name string, trusted bool) {
	if c.session.Tools == nil {
		c.session.Tools = map[string]bool{}
	}
	c.session.Tools[name] = trusted
}

// ToolStatus reports how an invocation of each registered tool without
// targets would currently be decided.
func (c *Controller) ToolStatus() map[string]permission.Decision {
	out := map[string]permission.Decision{}
	if c.registry == nil {
		return out
	}
	trust := c.trust.Snapshot().WithSession(c.session)
	for _, tool := range c.registry.List() {
		sample := conversation.QueuedToolUse{
			Name:           tool.Name(),
			DefaultTrusted: !tool.RequiresConfirmationByDefault(),
		}
		out[tool.Name()] = permission.Evaluate([]conversation.QueuedToolUse{sample}, trust)[0].Decision
	}
	return out
}

func (c *Controller) toolsCommand(args []string) {
	if len(args) == 0 || args[0] == "list" {
		c.listTools()
		return
	}

	switch args[0] {
	case "trust", "untrust":
		if len(args) < 2 {
			c.notice(NoticeError, fmt.Sprintf("usage: /tools %s <name...>", args[0]))
			return
		}
		trusted := args[0] == "trust"
		var changed []string
		for _, name := range args[1:] {
			canonical, err := c.resolveTool(name)
			if err != nil {
				c.notice(NoticeError, err.Error())
				continue
			}
			c.TrustTool(canonical, trusted)
			changed = append(changed, canonical)
		}
		if len(changed) == 0 {
			return
		}
		if trusted {
			c.notice(NoticeInfo, "Trusted for this session: "+strings.Join(changed, ", "))
		} else {
			c.notice(NoticeInfo, "Will ask before running: "+strings.Join(changed, ", "))
		}
	case "trust-all":
		c.session.TrustAll = true
		c.notice(NoticeWarning, "All tools that are not denied will now run without confirmation.")
	case "reset":
		c.session = permission.SessionTrust{}
		c.notice(NoticeInfo, "Session trust changes dropped.")
	default:
		c.notice(NoticeError, "usage: /tools [list|trust <name...>|untrust <name...>|trust-all|reset]")
	}
}

func (c *Controller) resolveTool(name string) (string, error) {
	if c.registry == nil {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	canonical, err := c.registry.Resolve(name)
	if err != nil {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return canonical, nil
}

func (c *Controller) listTools() {
	status := c.ToolStatus()
	if len(status) == 0 {
		c.notice(NoticeInfo, "No tools are registered.")
		return
	}
	names := make([]string, 0, len(status))
	width := 0
	for name := range status {
		names = append(names, name)
		width = max(width, len(name))
	}
	slices.Sort(names)

	var b strings.Builder
	b.WriteString("Tools:")
	for _, name := range names {
		label := "ask"
		switch status[name] {
		case permission.Allowed:
			label = "trusted"
		case permission.Denied:
			label = "denied"
		}
		fmt.Fprintf(&b, "\n  %-*s  %s", width, name, label)
	}
	c.notice(NoticeInfo, b.String())
}

func (c *Controller) contextCommand(args []string) {
	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "show":
		if len(c.contextFiles) == 0 {
			c.notice(NoticeInfo, "No context files.")
			return
		}
		c.notice(NoticeInfo, "Context files:\n  "+strings.Join(c.contextFiles, "\n  "))
	case "add":
		if len(args) < 2 {
			c.notice(NoticeError, "usage: /context add <glob...>")
			return
		}
		for _, pattern := range args[1:] {
			if !slices.Contains(c.contextFiles, pattern) {
				c.contextFiles = append(c.contextFiles, pattern)
			}
		}
		if _, missing := loadContextFiles(args[1:]); len(missing) > 0 {
			c.notice(NoticeWarning, "No files match yet: "+strings.Join(missing, ", "))
		}
		c.notice(NoticeInfo, "Added to context: "+strings.Join(args[1:], ", "))
	case "rm", "remove":
		if len(args) < 2 {
			c.notice(NoticeError, "usage: /context rm <glob...>")
			return
		}
		before := len(c.contextFiles)
		c.contextFiles = slices.DeleteFunc(c.contextFiles, func(p string) bool {
			return slices.Contains(args[1:], p)
		})
		c.notice(NoticeInfo, fmt.Sprintf("Removed %d context pattern(s).", before-len(c.contextFiles)))
	case "clear":
		c.contextFiles = nil
		c.notice(NoticeInfo, "Context files cleared.")
	default:
		c.notice(NoticeError, "usage: /context [show|add <glob...>|rm <glob...>|clear]")
	}
}

// ContextFiles returns the sticky context patterns.
func (c *Controller) ContextFiles() []string {
	return slices.Clone(c.contextFiles)
}

func (c *Controller) usageCommand() {
	u := c.lastUsage
	c.notice(NoticeInfo, fmt.Sprintf(
		"History: %d of %d turns\nLast response: %d input tokens, %d output tokens, %d cache read, %d cache write\nModel: %s",
		c.history.Len(), c.history.MaxLen(),
		u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens,
		c.Model(),
	))
}

func (c *Controller) promptCommand(line string, args []string) (State, error) {
	if len(args) == 0 {
		c.notice(NoticeError, "usage: /prompt <file> [text]")
		return AwaitingInput{}, nil
	}
	raw, err := os.ReadFile(expandHome(args[0]))
	if err != nil {
		c.notice(NoticeError, fmt.Sprintf("Cannot read prompt file: %v", err))
		return AwaitingInput{}, nil
	}
	text := strings.TrimSpace(string(raw))
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "/prompt"))
	if extra := strings.TrimSpace(strings.TrimPrefix(rest, args[0])); extra != "" {
		text += "\n\n" + extra
	}
	if text == "" {
		c.notice(NoticeError, "Prompt file is empty.")
		return AwaitingInput{}, nil
	}
	return StreamingResponse{Pending: c.userTurn(text)}, nil
}
