package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/google/shlex"

	"chatloop/internal/conversation"
)

const executeBashToolName = "execute_bash"

var readOnlyCommands = []string{"ls", "cat", "echo", "pwd", "which", "head", "tail", "find", "grep", "wc"}

var readOnlyGitSubcommands = []string{"status", "log", "diff"}

// dangerousPatterns disqualify a command from read-only treatment
// regardless of the programs it runs.
var dangerousPatterns = []string{"<(", "$(", "`", ">", "&&", "||", "&", ";", "\n", "\r"}

type executeBashParams struct {
	Command string `json:"command" jsonschema_description:"Shell command to execute."`
	Summary string `json:"summary,omitempty" jsonschema_description:"Brief description of what the command does, shown to the user."`
	Timeout int    `json:"timeout,omitempty" jsonschema:"minimum=0" jsonschema_description:"Timeout in seconds. 0 uses the executor default."`
}

// ExecuteBash runs shell commands synchronously in the workspace root.
type ExecuteBash struct {
	Workspace      Workspace
	maxOutputLines int
	maxOutputBytes int
}

// NewExecuteBash constructs the execute_bash tool.
func NewExecuteBash(ws Workspace) ExecuteBash {
	return ExecuteBash{
		Workspace:      ws,
		maxOutputLines: defaultMaxLines,
		maxOutputBytes: defaultMaxBytes,
	}
}

func (ExecuteBash) Name() string { return executeBashToolName }

func (ExecuteBash) DisplayName() string { return "Execute shell command" }

func (ExecuteBash) Description() string {
	return fmt.Sprintf(
		"Execute a shell command in the working directory. Returns stdout and stderr. Output is truncated to the last %d lines or %s, whichever is hit first. If truncated, full output is saved to a temp file.",
		defaultMaxLines,
		formatSize(defaultMaxBytes),
	)
}

func (ExecuteBash) Schema() json.RawMessage { return reflectSchema(executeBashParams{}) }

func (ExecuteBash) RequiresConfirmationByDefault() bool { return true }

func (ExecuteBash) Targets(params json.RawMessage) (conversation.Targets, error) {
	var input executeBashParams
	if err := decodeParams(params, &input); err != nil {
		return conversation.Targets{}, fmt.Errorf("decode execute_bash params: %w", err)
	}
	return conversation.Targets{Commands: []string{strings.TrimSpace(input.Command)}}, nil
}

func (ExecuteBash) Validate(params json.RawMessage) error {
	var input executeBashParams
	if err := decodeParams(params, &input); err != nil {
		return fmt.Errorf("decode execute_bash params: %w", err)
	}
	if strings.TrimSpace(input.Command) == "" {
		return errors.New("command is required")
	}
	return nil
}

func (ExecuteBash) IsReadOnly(params json.RawMessage) bool {
	var input executeBashParams
	if err := decodeParams(params, &input); err != nil {
		return false
	}
	return isReadOnlyCommand(input.Command)
}

// isReadOnlyCommand reports whether every pipeline segment of command runs
// a known side-effect free program.
func isReadOnlyCommand(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	for _, p := range dangerousPatterns {
		if strings.Contains(command, p) {
			return false
		}
	}
	args, err := shlex.Split(command)
	if err != nil || len(args) == 0 {
		return false
	}

	var segment []string
	for _, arg := range append(args, "|") {
		if arg != "|" {
			if strings.Contains(arg, "|") {
				return false
			}
			segment = append(segment, arg)
			continue
		}
		if !isReadOnlySegment(segment) {
			return false
		}
		segment = segment[:0]
	}
	return true
}

func isReadOnlySegment(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch name := args[0]; {
	case name == "git":
		return len(args) > 1 && slices.Contains(readOnlyGitSubcommands, args[1])
	case name == "find":
		return !slices.ContainsFunc(args[1:], func(a string) bool {
			return strings.HasPrefix(a, "-exec") || a == "-delete" || strings.HasPrefix(a, "-ok")
		})
	default:
		return slices.Contains(readOnlyCommands, name)
	}
}

func (b ExecuteBash) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	var input executeBashParams
	if err := decodeParams(params, &input); err != nil {
		return Result{}, fmt.Errorf("decode execute_bash params: %w", err)
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return Result{}, errors.New("command is required")
	}
	if input.Timeout < 0 {
		return Result{}, errors.New("timeout must be >= 0")
	}

	runCtx := ctx
	cancel := func() {}
	if input.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(input.Timeout)*time.Second)
	}
	defer cancel()

	cmd := shellCommand(runCtx, command)
	if root, err := normalizeWorkspaceRoot(b.Workspace.Root); err == nil {
		cmd.Dir = root
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	output := combineStdoutStderr(stdout.String(), stderr.String())

	clipped := clipTail(output, outputLimits{Lines: b.maxOutputLines, Bytes: b.maxOutputBytes})
	outputText := clipped.Text
	if outputText == "" {
		outputText = "(no output)"
	}

	detailsPayload := map[string]any{"command": command}
	if clipped.Truncated() {
		detailsPayload["truncation"] = clipped
		if fullOutputPath, err := writeFullOutputToTempFile(output); err == nil {
			detailsPayload["full_output_path"] = fullOutputPath
			outputText += clipNotice(clipped, output, b.maxOutputBytes, fullOutputPath)
		}
	}

	details, _ := json.Marshal(detailsPayload)
	result := Result{
		Content: outputText,
		Display: DisplayData{Type: "bash_output", Payload: details},
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, errors.New(strings.TrimSpace(outputText + fmt.Sprintf("\n\nCommand timed out after %d seconds", input.Timeout)))
	}
	if runErr != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return result, errors.New(strings.TrimSpace(outputText + fmt.Sprintf("\n\nCommand exited with code %d", exitCode)))
	}
	return result, nil
}

func clipNotice(clipped clippedOutput, output string, maxBytes int, fullOutputPath string) string {
	first, last := clipped.FirstLine(true), clipped.Lines
	switch {
	case clipped.Partial:
		lastLine := output[strings.LastIndex(output, "\n")+1:]
		return fmt.Sprintf("\n\n[Showing last %s of line %d (line is %s). Full output: %s]",
			formatSize(clipped.KeptBytes), last, formatSize(len(lastLine)), fullOutputPath)
	case clipped.By == clipByLines:
		return fmt.Sprintf("\n\n[Showing lines %d-%d of %d. Full output: %s]",
			first, last, clipped.Lines, fullOutputPath)
	default:
		return fmt.Sprintf("\n\n[Showing lines %d-%d of %d (%s limit). Full output: %s]",
			first, last, clipped.Lines, formatSize(maxBytes), fullOutputPath)
	}
}

func combineStdoutStderr(stdout, stderr string) string {
	if stdout == "" {
		return stderr
	}
	if stderr == "" {
		return stdout
	}
	return stdout + "\n" + stderr
}

func writeFullOutputToTempFile(output string) (string, error) {
	file, err := os.CreateTemp("", "chatloop-bash-*.log")
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.WriteString(output); err != nil {
		return "", err
	}
	return file.Name(), nil
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/c", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}
