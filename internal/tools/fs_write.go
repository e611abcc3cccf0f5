package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"chatloop/internal/conversation"
)

var (
	ErrOldStrNotFound  = errors.New("old_str not found in file")
	ErrOldStrNotUnique = errors.New("old_str matched multiple times; make it unique")
)

const (
	fsWriteToolName = "fs_write"

	fsWriteCreate     = "create"
	fsWriteStrReplace = "str_replace"
	fsWriteAppend     = "append"
	fsWriteInsert     = "insert"
)

type fsWriteParams struct {
	Command    string  `json:"command" jsonschema:"enum=create,enum=str_replace,enum=append,enum=insert" jsonschema_description:"create writes a new file or overwrites one; str_replace replaces old_str with new_str; append adds new_str at the end; insert adds new_str after insert_line."`
	Path       string  `json:"path" jsonschema_description:"Path to the file."`
	FileText   *string `json:"file_text,omitempty" jsonschema_description:"Full file content for create."`
	OldStr     string  `json:"old_str,omitempty" jsonschema_description:"Exact text to replace for str_replace. Must match once."`
	NewStr     *string `json:"new_str,omitempty" jsonschema_description:"Replacement text for str_replace or text to add for append and insert."`
	InsertLine *int    `json:"insert_line,omitempty" jsonschema:"minimum=0" jsonschema_description:"Line after which new_str is inserted. 0 inserts at the top."`
	Summary    string  `json:"summary,omitempty" jsonschema_description:"Short description of the change shown to the user."`
}

// FSWrite creates and edits files. Every invocation needs confirmation
// unless a trust rule allows its path.
type FSWrite struct {
	Workspace Workspace
}

// NewFSWrite constructs the fs_write tool.
func NewFSWrite(ws Workspace) FSWrite { return FSWrite{Workspace: ws} }

func (FSWrite) Name() string { return fsWriteToolName }

func (FSWrite) DisplayName() string { return "Write to filesystem" }

func (FSWrite) Description() string {
	return "Create and edit files. create writes full content and makes parent directories; str_replace swaps one unique occurrence of old_str; append adds text at the end; insert adds text after a line number."
}

func (FSWrite) Schema() json.RawMessage { return reflectSchema(fsWriteParams{}) }

func (FSWrite) RequiresConfirmationByDefault() bool { return true }

func (t FSWrite) Targets(params json.RawMessage) (conversation.Targets, error) {
	var input fsWriteParams
	if err := decodeParams(params, &input); err != nil {
		return conversation.Targets{}, fmt.Errorf("decode fs_write params: %w", err)
	}
	path, err := t.Workspace.Target(input.Path)
	if err != nil {
		return conversation.Targets{}, err
	}
	return conversation.Targets{Paths: []string{path}}, nil
}

func (t FSWrite) Validate(params json.RawMessage) error {
	var input fsWriteParams
	if err := decodeParams(params, &input); err != nil {
		return fmt.Errorf("decode fs_write params: %w", err)
	}
	path, err := t.Workspace.Resolve(input.Path, input.Command == fsWriteCreate)
	if err != nil {
		return err
	}

	switch input.Command {
	case fsWriteCreate:
		if input.FileText == nil {
			return errors.New("file_text is required for create")
		}
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return fmt.Errorf("%s is a directory", input.Path)
		}
		return nil
	case fsWriteStrReplace:
		if input.OldStr == "" {
			return errors.New("old_str is required for str_replace")
		}
		if input.NewStr == nil {
			return errors.New("new_str is required for str_replace")
		}
	case fsWriteAppend:
		if input.NewStr == nil || *input.NewStr == "" {
			return errors.New("new_str is required for append")
		}
	case fsWriteInsert:
		if input.NewStr == nil {
			return errors.New("new_str is required for insert")
		}
		if input.InsertLine == nil {
			return errors.New("insert_line is required for insert")
		}
	default:
		return fmt.Errorf("unknown command %q", input.Command)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s must exist for %s: %w", input.Path, input.Command, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", input.Path)
	}
	return nil
}

func (t FSWrite) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	var input fsWriteParams
	if err := decodeParams(params, &input); err != nil {
		return Result{}, fmt.Errorf("decode fs_write params: %w", err)
	}
	path, err := t.Workspace.Resolve(input.Path, input.Command == fsWriteCreate)
	if err != nil {
		return Result{}, err
	}

	var msg string
	switch input.Command {
	case fsWriteCreate:
		msg, err = createFile(path, deref(input.FileText))
	case fsWriteStrReplace:
		msg, err = replaceInFile(path, input.OldStr, deref(input.NewStr))
	case fsWriteAppend:
		msg, err = appendToFile(path, deref(input.NewStr))
	case fsWriteInsert:
		line := 0
		if input.InsertLine != nil {
			line = *input.InsertLine
		}
		msg, err = insertIntoFile(path, line, deref(input.NewStr))
	default:
		err = fmt.Errorf("unknown command %q", input.Command)
	}
	if err != nil {
		return Result{}, err
	}

	details, _ := json.Marshal(map[string]any{
		"path":    path,
		"command": input.Command,
		"summary": input.Summary,
	})
	return Result{
		Content: msg,
		Display: DisplayData{Type: "write_result", Payload: details},
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func createFile(path, content string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir parent for %s: %w", path, err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// editFile loads path, applies fn to its LF-normalized body and writes the
// result back with the original BOM, line endings and mode.
func editFile(path string, fn func(body string) (string, error)) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	bom, text := stripBOM(string(raw))
	ending := detectLineEnding(text)

	updated, err := fn(normalizeToLF(text))
	if err != nil {
		return err
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode()
	}
	out := bom + restoreLineEndings(updated, ending)
	if err := os.WriteFile(path, []byte(out), mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func replaceInFile(path, oldStr, newStr string) (string, error) {
	err := editFile(path, func(body string) (string, error) {
		oldStr = normalizeToLF(oldStr)
		newStr = normalizeToLF(newStr)

		switch strings.Count(body, oldStr) {
		case 1:
			return strings.Replace(body, oldStr, newStr, 1), nil
		case 0:
		default:
			return "", ErrOldStrNotUnique
		}

		// Fall back to matching with trailing whitespace and typographic
		// punctuation normalized. Only the matched span of body is replaced.
		fuzzyBody := normalizeForFuzzyMatch(body)
		fuzzyOld := normalizeForFuzzyMatch(oldStr).text
		if fuzzyOld == "" {
			return "", ErrOldStrNotFound
		}
		switch strings.Count(fuzzyBody.text, fuzzyOld) {
		case 0:
			return "", ErrOldStrNotFound
		case 1:
			start, end := fuzzyBody.span(strings.Index(fuzzyBody.text, fuzzyOld), len(fuzzyOld))
			return body[:start] + newStr + body[end:], nil
		default:
			return "", ErrOldStrNotUnique
		}
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Replaced text in %s", path), nil
}

func appendToFile(path, text string) (string, error) {
	err := editFile(path, func(body string) (string, error) {
		if body != "" && !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		return body + normalizeToLF(text), nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Appended %d bytes to %s", len(text), path), nil
}

func insertIntoFile(path string, line int, text string) (string, error) {
	err := editFile(path, func(body string) (string, error) {
		lines := strings.SplitAfter(body, "\n")
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = lines[:n-1]
		}
		if line < 0 || line > len(lines) {
			return "", fmt.Errorf("insert_line %d is out of range (file has %d lines)", line, len(lines))
		}
		text = normalizeToLF(text)
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		if line > 0 && !strings.HasSuffix(lines[line-1], "\n") {
			lines[line-1] += "\n"
		}
		var b strings.Builder
		for _, l := range lines[:line] {
			b.WriteString(l)
		}
		b.WriteString(text)
		for _, l := range lines[line:] {
			b.WriteString(l)
		}
		return b.String(), nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Inserted text after line %d in %s", line, path), nil
}

func detectLineEnding(content string) string {
	crlfIdx := strings.Index(content, "\r\n")
	lfIdx := strings.Index(content, "\n")
	if lfIdx == -1 || crlfIdx == -1 {
		return "\n"
	}
	if crlfIdx < lfIdx {
		return "\r\n"
	}
	return "\n"
}

func normalizeToLF(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func restoreLineEndings(text string, ending string) string {
	if ending == "\r\n" {
		return strings.ReplaceAll(text, "\n", "\r\n")
	}
	return text
}

var fuzzyRunes = map[rune]string{
	'\u2018': "'",
	'\u2019': "'",
	'\u201C': "\"",
	'\u201D': "\"",
	'\u2010': "-",
	'\u2011': "-",
	'\u2013': "-",
	'\u2014': "-",
	'\u2212': "-",
	'\u00A0': " ",
	'\u202F': " ",
}

// fuzzyText is text with trailing whitespace dropped from every line and
// typographic punctuation folded to ASCII. starts and ends map each byte of
// text back to the source bytes it came from.
type fuzzyText struct {
	text   string
	starts []int
	ends   []int
}

// span returns the source byte range covering n normalized bytes at i.
func (f fuzzyText) span(i, n int) (int, int) {
	return f.starts[i], f.ends[i+n-1]
}

func normalizeForFuzzyMatch(src string) fuzzyText {
	var (
		b   strings.Builder
		out fuzzyText
	)
	emit := func(s string, start, end int) {
		b.WriteString(s)
		for range len(s) {
			out.starts = append(out.starts, start)
			out.ends = append(out.ends, end)
		}
	}

	offset := 0
	for i, line := range strings.Split(src, "\n") {
		if i > 0 {
			emit("\n", offset-1, offset)
		}
		kept := strings.TrimRightFunc(line, unicode.IsSpace)
		for j := 0; j < len(kept); {
			r, w := utf8.DecodeRuneInString(kept[j:])
			s := kept[j : j+w]
			if folded, ok := fuzzyRunes[r]; ok {
				s = folded
			}
			emit(s, offset+j, offset+j+w)
			j += w
		}
		offset += len(line) + 1
	}
	out.text = b.String()
	return out
}

func stripBOM(content string) (bom string, text string) {
	if strings.HasPrefix(content, "\uFEFF") {
		return "\uFEFF", strings.TrimPrefix(content, "\uFEFF")
	}
	return "", content
}
