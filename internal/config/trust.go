package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"chatloop/internal/permission"
)

// LoadTrustFile reads a trust file. The format follows the extension:
// .toml, .yaml or .yml. Path patterns have ~/ expanded and every pattern is
// validated.
func LoadTrustFile(path string) (permission.TrustConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return permission.TrustConfig{}, fmt.Errorf("read trust file %s: %w", path, err)
	}

	var trust permission.TrustConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, &trust)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &trust)
	default:
		return permission.TrustConfig{}, fmt.Errorf("%w: trust file %s: unsupported extension %q", ErrInvalidConfig, path, ext)
	}
	if err != nil {
		return permission.TrustConfig{}, fmt.Errorf("%w: parse trust file %s: %v", ErrInvalidConfig, path, err)
	}

	trust = expandTrustPaths(trust)
	if err := ValidateTrust(trust); err != nil {
		return permission.TrustConfig{}, fmt.Errorf("trust file %s: %w", path, err)
	}
	return trust, nil
}

// ValidateTrust rejects snapshots holding malformed globs or regexes.
func ValidateTrust(trust permission.TrustConfig) error {
	if bad, ok := permission.ValidatePatterns(trust); !ok {
		return fmt.Errorf("%w: malformed trust pattern %q", ErrInvalidConfig, bad)
	}
	return nil
}

// MergeTrust layers overlay over base. Lists are concatenated, TrustAll is
// set when either sets it, and per-tool rules in overlay replace those of base.
func MergeTrust(base, overlay permission.TrustConfig) permission.TrustConfig {
	out := base.Clone()
	out.TrustAll = base.TrustAll || overlay.TrustAll
	out.AllowedTools = appendUnique(out.AllowedTools, overlay.AllowedTools...)
	out.DeniedTools = appendUnique(out.DeniedTools, overlay.DeniedTools...)
	if len(overlay.Tools) > 0 && out.Tools == nil {
		out.Tools = make(map[string]permission.ToolRules, len(overlay.Tools))
	}
	for name, rules := range overlay.Clone().Tools {
		out.Tools[name] = rules
	}
	return out
}

// ResolveTrust returns the effective trust snapshot: the [trust] section
// merged with the trust file, if one is configured. Relative path patterns
// are anchored at root.
func (c Config) ResolveTrust(root string) (permission.TrustConfig, error) {
	trust := c.TrustRules()
	if path := strings.TrimSpace(c.Trust.File); path != "" {
		fromFile, err := LoadTrustFile(expandHome(path))
		if err != nil {
			return permission.TrustConfig{}, err
		}
		trust = MergeTrust(trust, fromFile)
	}
	return AnchorTrustPaths(trust, root)
}

// WithCLI applies --trust-all-tools and --trust-tools to trust.
func WithCLI(trust permission.TrustConfig, trustAll bool, tools []string) permission.TrustConfig {
	out := trust.Clone()
	if trustAll {
		out.TrustAll = true
	}
	var names []string
	for _, name := range tools {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	out.AllowedTools = appendUnique(out.AllowedTools, names...)
	return out
}

// AnchorTrustPaths joins relative path patterns to root, the workspace tool
// paths resolve against. Root is symlink-resolved the same way tool targets
// are, and its glob metacharacters are escaped.
func AnchorTrustPaths(trust permission.TrustConfig, root string) (permission.TrustConfig, error) {
	abs, err := filepath.Abs(expandHome(strings.TrimSpace(root)))
	if err != nil {
		return permission.TrustConfig{}, fmt.Errorf("resolve trust root %s: %w", root, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	prefix := escapeGlob(filepath.ToSlash(filepath.Clean(abs)))

	anchor := func(patterns []string) []string {
		if patterns == nil {
			return nil
		}
		out := make([]string, len(patterns))
		for i, p := range patterns {
			p = strings.TrimSpace(p)
			if p == "" || filepath.IsAbs(p) {
				out[i] = p
				continue
			}
			out[i] = strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(p, "./")
		}
		return out
	}

	out := trust.Clone()
	for name, rules := range out.Tools {
		rules.AllowedPaths = anchor(rules.AllowedPaths)
		rules.DeniedPaths = anchor(rules.DeniedPaths)
		out.Tools[name] = rules
	}
	return out, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[]{}\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func expandTrustPaths(trust permission.TrustConfig) permission.TrustConfig {
	out := trust.Clone()
	for name, rules := range out.Tools {
		rules.AllowedPaths = expandAll(rules.AllowedPaths)
		rules.DeniedPaths = expandAll(rules.DeniedPaths)
		out.Tools[name] = rules
	}
	return out
}

func expandAll(patterns []string) []string {
	if patterns == nil {
		return nil
	}
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = expandHome(p)
	}
	return out
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
