// Package console is the terminal front end. A Console reads user input and
// confirmations from one reader and renders conversation output to a writer.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"

	"chatloop/internal/conversation"
	"chatloop/internal/engine"
)

const maxArgsPreview = 160

// Options configures a Console.
type Options struct {
	In    io.Reader
	Out   io.Writer
	Theme Theme
	// Interactive shows arrow-key choosers instead of numbered prompts.
	Interactive bool
}

// Console implements engine.Prompter, engine.Confirmer and engine.Sink.
type Console struct {
	rawIn       io.Reader
	in          *bufio.Reader
	out         io.Writer
	theme       Theme
	interactive bool

	startReader sync.Once
	requests    chan struct{}
	lines       chan lineResult
	closed      chan struct{}
	closeOnce   sync.Once
	inflight    bool
	readErr     error
	// interrupts derives a context that Ctrl-C cancels.
	interrupts  func(context.Context) (context.Context, context.CancelFunc)

	mu        sync.Mutex
	streaming bool
	midLine   bool
}

type lineResult struct {
	text string
	err  error
}

var (
	_ engine.Prompter  = (*Console)(nil)
	_ engine.Confirmer = (*Console)(nil)
	_ engine.Sink      = (*Console)(nil)
)

// New returns a console over opts.In and opts.Out. Nil streams default to
// stdin and stdout.
func New(opts Options) *Console {
	in := opts.In
	if in == nil {
		in = os.Stdin
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Console{
		rawIn:       in,
		in:          bufio.NewReader(in),
		out:         out,
		theme:       opts.Theme,
		interactive: opts.Interactive,
		requests:    make(chan struct{}),
		lines:       make(chan lineResult, 1),
		closed:      make(chan struct{}),
		interrupts:  notifyInterrupt,
	}
}

func notifyInterrupt(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

// IsTerminal reports whether both streams are attached to a terminal.
func IsTerminal(in io.Reader, out io.Writer) bool {
	return isTTY(in) && isTTY(out)
}

func isTTY(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Close stops the background line reader.
func (c *Console) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// TurnContext derives a turn context that Ctrl-C cancels. Once the turn ends
// the interrupt signal reverts to its default and exits the program.
func (c *Console) TurnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return c.interrupts(ctx)
}

// ReadInput prints prompt and returns the next line. ok is false at end of
// input.
func (c *Console) ReadInput(ctx context.Context, prompt string) (string, bool, error) {
	c.mu.Lock()
	c.endLineLocked()
	fmt.Fprint(c.out, c.theme.Prompt.Render(prompt))
	c.mu.Unlock()

	line, err := c.readLine(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		return "", false, err
	}
	return line, true, nil
}

// ChooseOverflow asks how to handle history that cannot be trimmed. Anything
// other than a valid pick means compaction.
func (c *Console) ChooseOverflow(ctx context.Context, info engine.OverflowInfo) (engine.OverflowChoice, error) {
	title := fmt.Sprintf("The conversation has %d turns, more than the limit of %d, and cannot be trimmed.", info.Len, info.MaxLen)
	items := []string{
		"Compact the history into a summary",
		"Reset the history",
		"Continue and send it anyway",
	}
	choices := []engine.OverflowChoice{engine.OverflowCompact, engine.OverflowReset, engine.OverflowContinue}

	idx, ok, err := c.choose(ctx, title, items, 0)
	if err != nil {
		return engine.OverflowCompact, err
	}
	if !ok {
		return engine.OverflowCompact, nil
	}
	return choices[idx], nil
}

// SelectModel offers options with current preselected.
func (c *Console) SelectModel(ctx context.Context, current string, options []string) (string, bool, error) {
	if len(options) == 0 {
		return "", false, nil
	}
	initial := 0
	for i, m := range options {
		if m == current {
			initial = i
			break
		}
	}
	idx, ok, err := c.choose(ctx, "Select a model (current: "+current+"):", options, initial)
	if err != nil || !ok {
		return "", false, err
	}
	return options[idx], true, nil
}

// RequestConfirmation asks whether a tool invocation may run: y approves,
// t approves and trusts the tool for the session, n rejects. Ctrl-C or end
// of input cancels the batch.
func (c *Console) RequestConfirmation(ctx context.Context, req engine.ConfirmationRequest) (engine.ConfirmationOutcome, error) {
	// Confirmations are asked between turns, when no turn context holds
	// the interrupt.
	ctx, stop := c.interrupts(ctx)
	defer stop()

	c.mu.Lock()
	c.endLineLocked()
	header := req.DisplayName
	if req.Total > 1 {
		header = fmt.Sprintf("%s (%d of %d)", header, req.Position, req.Total)
	}
	fmt.Fprintln(c.out, c.theme.ToolPrefix.Render("? ")+header)
	if args := previewArgs(req.Tool.Args); args != "" {
		fmt.Fprintln(c.out, c.theme.Muted.Render("  "+args))
	}
	c.mu.Unlock()

	for {
		fmt.Fprint(c.out, c.theme.Prompt.Render("Allow? [y]es, [t]rust for this session, [n]o: "))
		line, err := c.readLine(ctx)
		if err != nil {
			return engine.Cancelled, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return engine.Approved, nil
		case "t", "trust":
			return engine.ApprovedAlways, nil
		case "n", "no":
			return engine.Rejected, nil
		}
	}
}

func (c *Console) TextDelta(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.streaming {
		c.endLineLocked()
		fmt.Fprint(c.out, c.theme.AssistantPrefix.Render("assistant: "))
		c.streaming = true
	}
	fmt.Fprint(c.out, text)
	c.midLine = !strings.HasSuffix(text, "\n")
}

func (c *Console) ToolStarted(use conversation.ToolUse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLineLocked()
	c.streaming = false
	line := c.theme.ToolPrefix.Render("tool: ") + use.Name
	if args := previewArgs(use.Args); args != "" {
		line += " " + c.theme.Muted.Render(args)
	}
	fmt.Fprintln(c.out, line)
}

func (c *Console) ToolFinished(result conversation.ToolResult) {
	if !result.IsError() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLineLocked()
	first, _, _ := strings.Cut(strings.TrimSpace(result.Content), "\n")
	fmt.Fprintln(c.out, c.theme.Warning.Render("  "+result.ToolName+" failed: "+first))
}

func (c *Console) TurnCompleted(engine.TurnRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLineLocked()
	c.streaming = false
}

func (c *Console) Notice(n engine.Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLineLocked()
	c.streaming = false
	switch n.Level {
	case engine.NoticeError:
		fmt.Fprintln(c.out, c.theme.Error.Render(n.Text))
	case engine.NoticeWarning:
		fmt.Fprintln(c.out, c.theme.Warning.Render(n.Text))
	default:
		fmt.Fprintln(c.out, c.theme.Info.Render(n.Text))
	}
}

func (c *Console) endLineLocked() {
	if c.midLine {
		fmt.Fprintln(c.out)
		c.midLine = false
	}
}

// choose runs a chooser on a terminal, or a numbered prompt otherwise. ok is
// false when the user cancels or enters something that is not a valid pick.
func (c *Console) choose(ctx context.Context, title string, items []string, initial int) (int, bool, error) {
	c.mu.Lock()
	c.endLineLocked()
	c.mu.Unlock()

	if c.interactive {
		return runChooser(ctx, c.rawIn, c.out, newChooser(c.theme, title, items, initial))
	}

	fmt.Fprintln(c.out, title)
	for i, item := range items {
		fmt.Fprintf(c.out, "  %d. %s\n", i+1, item)
	}
	fmt.Fprint(c.out, c.theme.Prompt.Render(fmt.Sprintf("Choice [1-%d]: ", len(items))))
	line, err := c.readLine(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(items) {
		return 0, false, nil
	}
	return n - 1, true, nil
}

// readLine returns the next input line without its newline. A read abandoned
// by ctx is delivered to the next caller.
func (c *Console) readLine(ctx context.Context) (string, error) {
	if c.readErr != nil {
		return "", c.readErr
	}
	if !c.inflight {
		c.startReader.Do(func() { go c.readLoop() })
		select {
		case c.requests <- struct{}{}:
		case <-c.closed:
			return "", io.EOF
		case <-ctx.Done():
			return "", ctx.Err()
		}
		c.inflight = true
	}

	select {
	case res := <-c.lines:
		c.inflight = false
		if res.err != nil {
			c.readErr = res.err
			return "", res.err
		}
		return res.text, nil
	case <-c.closed:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Console) readLoop() {
	for {
		select {
		case <-c.requests:
		case <-c.closed:
			return
		}

		text, err := c.in.ReadString('\n')
		res := lineResult{text: strings.TrimRight(text, "\r\n")}
		if err != nil && (text == "" || !errors.Is(err, io.EOF)) {
			res = lineResult{err: err}
		}
		select {
		case c.lines <- res:
		case <-c.closed:
			return
		}
		if res.err != nil {
			return
		}
	}
}

func previewArgs(args []byte) string {
	s := strings.Join(strings.Fields(string(args)), " ")
	if s == "" || s == "{}" || s == "null" {
		return ""
	}
	if r := []rune(s); len(r) > maxArgsPreview {
		s = string(r[:maxArgsPreview]) + "..."
	}
	return s
}
