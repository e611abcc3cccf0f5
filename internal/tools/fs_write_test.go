package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func runFSWrite(t *testing.T, root, params string) error {
	t.Helper()
	_, err := NewFSWrite(Workspace{Root: root}).Execute(context.Background(), json.RawMessage(params))
	return err
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	return string(raw)
}

func TestFSWriteCreateMakesParents(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := runFSWrite(t, root, `{"command":"create","path":"a/b/c.txt","file_text":"hello"}`); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readTestFile(t, filepath.Join(root, "a", "b", "c.txt")); got != "hello" {
		t.Fatalf("content = %q, want hello", got)
	}
}

func TestFSWriteStrReplace(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "file.txt")
	writeTestFile(t, path, "hello world")

	if err := runFSWrite(t, root, `{"command":"str_replace","path":"file.txt","old_str":"world","new_str":"there"}`); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readTestFile(t, path); got != "hello there" {
		t.Fatalf("content = %q, want hello there", got)
	}
}

func TestFSWriteStrReplaceErrors(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestFile(t, filepath.Join(root, "dup.txt"), "x x")

	err := runFSWrite(t, root, `{"command":"str_replace","path":"dup.txt","old_str":"x","new_str":"y"}`)
	if !errors.Is(err, ErrOldStrNotUnique) {
		t.Fatalf("Execute() error = %v, want ErrOldStrNotUnique", err)
	}
	err = runFSWrite(t, root, `{"command":"str_replace","path":"dup.txt","old_str":"zzz","new_str":"y"}`)
	if !errors.Is(err, ErrOldStrNotFound) {
		t.Fatalf("Execute() error = %v, want ErrOldStrNotFound", err)
	}
	if got := readTestFile(t, filepath.Join(root, "dup.txt")); got != "x x" {
		t.Fatalf("content = %q, want file untouched", got)
	}
}

func TestFSWriteStrReplaceFuzzyMatchEditsOnlySpan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, body, params, want string
	}{
		{
			name:   "trailing whitespace",
			body:   "x \u201Cq\u201D\nbar  \n",
			params: `{"command":"str_replace","path":"f.txt","old_str":"bar\n","new_str":"baz\n"}`,
			want:   "x \u201Cq\u201D\nbaz\n",
		},
		{
			name:   "typographic quotes",
			body:   "say \u201Chi\u201D  \nkeep \u201Cthis\u201D \u2014 ok\n",
			params: `{"command":"str_replace","path":"f.txt","old_str":"say \"hi\"","new_str":"done"}`,
			want:   "done  \nkeep \u201Cthis\u201D \u2014 ok\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			root := t.TempDir()
			path := filepath.Join(root, "f.txt")
			writeTestFile(t, path, tt.body)

			if err := runFSWrite(t, root, tt.params); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got := readTestFile(t, path); got != tt.want {
				t.Fatalf("content = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFSWriteStrReplacePreservesCRLF(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "crlf.txt")
	writeTestFile(t, path, "one\r\ntwo\r\n")

	if err := runFSWrite(t, root, `{"command":"str_replace","path":"crlf.txt","old_str":"one\ntwo","new_str":"1\n2"}`); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readTestFile(t, path); got != "1\r\n2\r\n" {
		t.Fatalf("content = %q, want CRLF preserved", got)
	}
}

func TestFSWriteAppend(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "log.txt")
	writeTestFile(t, path, "first")

	if err := runFSWrite(t, root, `{"command":"append","path":"log.txt","new_str":"second"}`); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := readTestFile(t, path); got != "first\nsecond" {
		t.Fatalf("content = %q, want first\\nsecond", got)
	}
}

func TestFSWriteInsert(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line int
		want string
	}{
		{name: "top", line: 0, want: "new\na\nb\n"},
		{name: "middle", line: 1, want: "a\nnew\nb\n"},
		{name: "end", line: 2, want: "a\nb\nnew\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			root := t.TempDir()
			path := filepath.Join(root, "f.txt")
			writeTestFile(t, path, "a\nb\n")

			params, _ := json.Marshal(map[string]any{"command": "insert", "path": "f.txt", "insert_line": tc.line, "new_str": "new"})
			if err := runFSWrite(t, root, string(params)); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got := readTestFile(t, path); got != tc.want {
				t.Fatalf("content = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFSWriteInsertOutOfRange(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestFile(t, filepath.Join(root, "f.txt"), "a\n")
	if err := runFSWrite(t, root, `{"command":"insert","path":"f.txt","insert_line":5,"new_str":"x"}`); err == nil {
		t.Fatalf("Execute() error = nil, want out of range error")
	}
}

func TestFSWriteValidate(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTestFile(t, filepath.Join(root, "exists.txt"), "x")
	tool := NewFSWrite(Workspace{Root: root})

	tests := []struct {
		name    string
		params  string
		wantErr bool
	}{
		{name: "create new file", params: `{"command":"create","path":"new.txt","file_text":""}`},
		{name: "create without text", params: `{"command":"create","path":"new.txt"}`, wantErr: true},
		{name: "replace missing file", params: `{"command":"str_replace","path":"nope.txt","old_str":"a","new_str":"b"}`, wantErr: true},
		{name: "replace empty old_str", params: `{"command":"str_replace","path":"exists.txt","old_str":"","new_str":"b"}`, wantErr: true},
		{name: "insert without line", params: `{"command":"insert","path":"exists.txt","new_str":"b"}`, wantErr: true},
		{name: "append existing", params: `{"command":"append","path":"exists.txt","new_str":"b"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tool.Validate(json.RawMessage(tc.params))
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestFSWriteConfinedWorkspace(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	tool := NewFSWrite(Workspace{Root: root, Confine: true})
	err := tool.Validate(json.RawMessage(`{"command":"create","path":"../escape.txt","file_text":"x"}`))
	if !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Fatalf("Validate() error = %v, want ErrPathOutsideWorkspace", err)
	}
}
