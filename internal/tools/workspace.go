package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathOutsideWorkspace = errors.New("path is outside workspace")

// Workspace resolves tool paths. Relative paths are joined to Root; ~/ is
// expanded to the home directory. When Confine is set, paths that resolve
// outside Root are rejected.
type Workspace struct {
	Root    string
	Confine bool
}

// Resolve returns the absolute, symlink-resolved form of inputPath.
// allowCreate permits missing trailing path elements.
func (w Workspace) Resolve(inputPath string, allowCreate bool) (string, error) {
	rawPath := strings.TrimSpace(inputPath)
	if rawPath == "" {
		return "", errors.New("path is required")
	}

	root, err := normalizeWorkspaceRoot(w.Root)
	if err != nil {
		return "", err
	}

	candidate, err := expandHome(rawPath)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	resolved, err := resolvePathWithOptionalMissing(candidate, allowCreate)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", rawPath, err)
	}
	if w.Confine && !isWithinWorkspace(root, resolved) {
		return "", fmt.Errorf("%w: %s (workspace: %s)", ErrPathOutsideWorkspace, rawPath, root)
	}
	return resolved, nil
}

// Target returns the path used for permission matching. It never touches
// the filesystem beyond symlink resolution of existing prefixes.
func (w Workspace) Target(inputPath string) (string, error) {
	return w.Resolve(inputPath, true)
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func normalizeWorkspaceRoot(root string) (string, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		trimmed = cwd
	}

	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve absolute workspace root %s: %w", trimmed, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve workspace symlinks %s: %w", abs, err)
	}
	return filepath.Clean(resolved), nil
}

func resolvePathWithOptionalMissing(path string, allowCreate bool) (string, error) {
	if !allowCreate {
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return "", err
		}
		return filepath.Clean(resolved), nil
	}

	missing := make([]string, 0, 8)
	cur := filepath.Clean(path)
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			out := resolved
			for i := len(missing) - 1; i >= 0; i-- {
				out = filepath.Join(out, missing[i])
			}
			return filepath.Clean(out), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}

		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

func isWithinWorkspace(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
