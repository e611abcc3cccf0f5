package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"chatloop/internal/conversation"
)

const (
	fsReadToolName = "fs_read"

	fsReadModeLine      = "Line"
	fsReadModeDirectory = "Directory"
	fsReadModeSearch    = "Search"

	defaultSearchContext = 2
	searchMatchLimit     = 100
	searchMaxLineLen     = 500
)

type fsReadParams struct {
	Path      string `json:"path" jsonschema_description:"Path to the file or directory. Relative paths resolve against the working directory."`
	Mode      string `json:"mode" jsonschema:"enum=Line,enum=Directory,enum=Search" jsonschema_description:"Line reads file lines; Directory lists entries; Search finds lines matching pattern in a file or directory tree."`
	StartLine int    `json:"start_line,omitempty" jsonschema_description:"First line to read in Line mode, 1-based. Negative values count from the end."`
	EndLine   int    `json:"end_line,omitempty" jsonschema_description:"Last line to read in Line mode, inclusive. Negative values count from the end. Defaults to the last line."`
	Depth     int    `json:"depth,omitempty" jsonschema:"minimum=0" jsonschema_description:"Directory recursion depth in Directory mode. 0 lists only the directory itself."`
	Pattern   string `json:"pattern,omitempty" jsonschema_description:"Case-insensitive text to find in Search mode."`
	// ContextLines is a pointer so an explicit 0 differs from unset.
	ContextLines *int `json:"context_lines,omitempty" jsonschema:"minimum=0" jsonschema_description:"Lines of context around each match in Search mode. Defaults to 2."`
}

// FSRead reads file lines or lists directories. It has no side effects and
// is trusted by default.
type FSRead struct {
	Workspace Workspace
}

// NewFSRead constructs the fs_read tool.
func NewFSRead(ws Workspace) FSRead { return FSRead{Workspace: ws} }

func (FSRead) Name() string { return fsReadToolName }

func (FSRead) DisplayName() string { return "Read from filesystem" }

func (FSRead) Description() string {
	return fmt.Sprintf(
		"Read files, list directories and search file contents. Line mode returns a line range of a text file; Directory mode lists entries with type, permissions, size and modification time; Search mode returns matching lines with surrounding context. Output is truncated to the first %d lines or %s.",
		defaultMaxLines,
		formatSize(defaultMaxBytes),
	)
}

func (FSRead) Schema() json.RawMessage { return reflectSchema(fsReadParams{}) }

func (FSRead) RequiresConfirmationByDefault() bool { return false }

func (t FSRead) Targets(params json.RawMessage) (conversation.Targets, error) {
	var input fsReadParams
	if err := decodeParams(params, &input); err != nil {
		return conversation.Targets{}, fmt.Errorf("decode fs_read params: %w", err)
	}
	path, err := t.Workspace.Target(input.Path)
	if err != nil {
		return conversation.Targets{}, err
	}
	return conversation.Targets{Paths: []string{path}}, nil
}

func (t FSRead) Validate(params json.RawMessage) error {
	var input fsReadParams
	if err := decodeParams(params, &input); err != nil {
		return fmt.Errorf("decode fs_read params: %w", err)
	}
	path, err := t.Workspace.Resolve(input.Path, false)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", input.Path, err)
	}
	switch input.Mode {
	case fsReadModeLine:
		if info.IsDir() {
			return fmt.Errorf("%s is a directory; use Directory mode", input.Path)
		}
	case fsReadModeDirectory:
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory; use Line mode", input.Path)
		}
	case fsReadModeSearch:
		if strings.TrimSpace(input.Pattern) == "" {
			return errors.New("pattern is required in Search mode")
		}
		if input.ContextLines != nil && *input.ContextLines < 0 {
			return errors.New("context_lines must be >= 0")
		}
	}
	return nil
}

func (t FSRead) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	var input fsReadParams
	if err := decodeParams(params, &input); err != nil {
		return Result{}, fmt.Errorf("decode fs_read params: %w", err)
	}
	path, err := t.Workspace.Resolve(input.Path, false)
	if err != nil {
		return Result{}, err
	}

	var content string
	switch input.Mode {
	case fsReadModeLine:
		content, err = readLines(path, input.StartLine, input.EndLine)
	case fsReadModeDirectory:
		content, err = listDirectory(ctx, path, input.Depth)
	case fsReadModeSearch:
		contextLines := defaultSearchContext
		if input.ContextLines != nil {
			contextLines = *input.ContextLines
		}
		content, err = searchFiles(ctx, path, input.Pattern, contextLines)
	default:
		err = fmt.Errorf("unknown mode %q", input.Mode)
	}
	if err != nil {
		return Result{}, err
	}

	clipped := clipHead(content, outputLimits{})
	out := clipped.Text
	if clipped.Truncated() {
		out += fmt.Sprintf("\n\n[Showing %d of %d lines (%s of %s). Narrow the range to see more.]",
			clipped.KeptLines, clipped.Lines,
			formatSize(clipped.KeptBytes), formatSize(clipped.Bytes))
	}

	details, _ := json.Marshal(map[string]any{
		"path":      path,
		"mode":      input.Mode,
		"bytes":     len(content),
		"truncated": clipped.Truncated(),
	})
	return Result{
		Content: out,
		Display: DisplayData{Type: "file_content", Payload: details},
	}, nil
}

// readLines returns lines start..end inclusive, 1-based. Zero start means
// the first line and zero end the last; negative values count from the end.
func readLines(path string, start, end int) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	text := strings.TrimSuffix(string(raw), "\n")
	if text == "" {
		return "", nil
	}
	lines := strings.Split(text, "\n")
	n := len(lines)

	from := lineIndex(start, 1, n)
	to := lineIndex(end, n, n)
	if from > n {
		return "", fmt.Errorf("start_line %d is past the end of the file (%d lines)", start, n)
	}
	to = min(to, n)
	if from > to {
		return "", fmt.Errorf("start_line %d is after end_line %d", start, end)
	}
	return strings.Join(lines[from-1:to], "\n"), nil
}

func lineIndex(v, def, n int) int {
	switch {
	case v == 0:
		return def
	case v < 0:
		return max(1, n+v+1)
	default:
		return v
	}
}

func listDirectory(ctx context.Context, root string, depth int) (string, error) {
	var b strings.Builder
	rootDepth := strings.Count(root, string(filepath.Separator))

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			return nil
		}
		if path == root {
			return nil
		}
		level := strings.Count(path, string(filepath.Separator)) - rootDepth - 1
		if level > depth {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		kind := "-"
		switch {
		case info.IsDir():
			kind = "d"
		case info.Mode()&fs.ModeSymlink != 0:
			kind = "l"
		}
		fmt.Fprintf(&b, "%s%s %d %s %s\n",
			kind,
			info.Mode().Perm().String()[1:],
			info.Size(),
			info.ModTime().UTC().Format("2006-01-02 15:04"),
			path,
		)
		return nil
	})
	if err != nil && !errors.Is(err, fs.SkipDir) {
		return "", fmt.Errorf("list %s: %w", root, err)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// searchFiles returns the lines under root containing pattern, ignoring case,
// as path:line: text with context lines marked path-line- text.
func searchFiles(ctx context.Context, root, pattern string, contextLines int) (string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return "", errors.New("pattern is required in Search mode")
	}
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(pattern))
	if err != nil {
		return "", fmt.Errorf("compile pattern: %w", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", root, err)
	}
	files := []string{root}
	if info.IsDir() {
		if files, err = collectSearchFiles(ctx, root); err != nil {
			return "", err
		}
	}

	var out []string
	matches := 0
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		raw, err := os.ReadFile(file)
		if err != nil || !isText(raw) {
			continue
		}
		display := filepath.Base(file)
		if info.IsDir() {
			if rel, relErr := filepath.Rel(root, file); relErr == nil {
				display = filepath.ToSlash(rel)
			}
		}

		lines := strings.Split(normalizeToLF(string(raw)), "\n")
		var hits []int
		for idx, line := range lines {
			if re.MatchString(line) {
				hits = append(hits, idx)
				if matches+len(hits) >= searchMatchLimit {
					break
				}
			}
		}
		isHit := make(map[int]bool, len(hits))
		for _, idx := range hits {
			isHit[idx] = true
		}

		// Windows of neighbouring matches merge so no line prints twice.
		shown := -1
		for _, idx := range hits {
			start := max(shown+1, idx-contextLines)
			end := min(len(lines)-1, idx+contextLines)
			for n := start; n <= end; n++ {
				text := truncateSearchLine(lines[n])
				if isHit[n] {
					out = append(out, fmt.Sprintf("%s:%d: %s", display, n+1, text))
				} else {
					out = append(out, fmt.Sprintf("%s-%d- %s", display, n+1, text))
				}
			}
			shown = max(shown, end)
		}
		matches += len(hits)
		if matches >= searchMatchLimit {
			out = append(out, fmt.Sprintf("\n[%d matches limit reached. Refine the pattern or narrow the path.]", searchMatchLimit))
			return strings.Join(out, "\n"), nil
		}
	}
	if matches == 0 {
		return "No matches found", nil
	}
	return strings.Join(out, "\n"), nil
}

func collectSearchFiles(ctx context.Context, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (d.Name() == ".git" || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", root, err)
	}
	return files, nil
}

// isText reports whether raw has no NUL byte in its first 8000 bytes.
func isText(raw []byte) bool {
	head := raw[:min(len(raw), 8000)]
	return !strings.ContainsRune(string(head), 0)
}

func truncateSearchLine(line string) string {
	line = strings.ReplaceAll(line, "\r", "")
	runes := []rune(line)
	if len(runes) <= searchMaxLineLen {
		return line
	}
	return string(runes[:searchMaxLineLen]) + "..."
}
