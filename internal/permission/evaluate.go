// Package permission decides whether a batch of tool invocations may run.
package permission

import (
	"maps"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"chatloop/internal/conversation"
)

// Decision is the evaluator outcome for one tool invocation.
type Decision int

const (
	Allowed Decision = iota
	RequiresConfirmation
	Denied
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case RequiresConfirmation:
		return "requires_confirmation"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Result is the decision for the tool at Index in the evaluated batch.
type Result struct {
	Index    int
	Tool     string
	Decision Decision
	// Rules lists the matched deny rules, prefixed with their kind.
	Rules []string
}

// Evaluate decides every invocation in batch against trust. It performs no
// I/O and does not modify its inputs; results are returned in batch order.
func Evaluate(batch []conversation.QueuedToolUse, trust TrustConfig) []Result {
	out := make([]Result, 0, len(batch))
	for _, use := range batch {
		out = append(out, evaluateOne(use, trust))
	}
	return out
}

// AnyDenied reports whether at least one result is Denied.
func AnyDenied(results []Result) bool {
	for _, r := range results {
		if r.Decision == Denied {
			return true
		}
	}
	return false
}

func evaluateOne(use conversation.QueuedToolUse, trust TrustConfig) Result {
	res := Result{Index: use.Index, Tool: use.Name}
	rules := trust.Tools[use.Name]

	if denied := denyRules(use, trust, rules); len(denied) > 0 {
		res.Decision = Denied
		res.Rules = denied
		return res
	}

	switch {
	case use.Accepted:
		res.Decision = Allowed
	case rules.Untrusted:
		res.Decision = RequiresConfirmation
	case trust.TrustAll, rules.Trusted, matchesAnyName(trust.AllowedTools, use.Name), use.DefaultTrusted:
		res.Decision = Allowed
	case targetsAllowed(use.Targets, rules):
		res.Decision = Allowed
	default:
		res.Decision = RequiresConfirmation
	}
	return res
}

func denyRules(use conversation.QueuedToolUse, trust TrustConfig, rules ToolRules) []string {
	var out []string

	if rules.Denied {
		out = append(out, "tool:"+use.Name)
	}
	for _, pattern := range trust.DeniedTools {
		ok, valid := matchName(pattern, use.Name)
		switch {
		case !valid:
			out = append(out, "invalid:"+pattern)
		case ok:
			out = append(out, "tool:"+pattern)
		}
	}
	for _, pattern := range rules.DeniedPaths {
		// Targets are absolute, so a relative pattern could never match.
		if !filepath.IsAbs(pattern) || !doublestar.ValidatePattern(pattern) {
			out = append(out, "invalid:"+pattern)
			continue
		}
		for _, p := range use.Targets.Paths {
			if matchPath(pattern, p) {
				out = append(out, "path:"+pattern)
				break
			}
		}
	}
	for _, pattern := range rules.DeniedCommands {
		re, err := compileCommand(pattern)
		if err != nil {
			out = append(out, "invalid:"+pattern)
			continue
		}
		for _, cmd := range use.Targets.Commands {
			if re.MatchString(cmd) {
				out = append(out, "command:"+pattern)
				break
			}
		}
	}
	for _, pattern := range rules.DeniedServices {
		if !doublestar.ValidatePattern(pattern) {
			out = append(out, "invalid:"+pattern)
			continue
		}
		for _, svc := range use.Targets.Services {
			if ok, _ := doublestar.Match(pattern, svc); ok {
				out = append(out, "service:"+pattern)
				break
			}
		}
	}
	return out
}

// targetsAllowed reports whether the invocation has at least one target and
// every target is covered by the allow list of its kind.
func targetsAllowed(targets conversation.Targets, rules ToolRules) bool {
	if targets.Len() == 0 {
		return false
	}
	for _, p := range targets.Paths {
		if !anyPath(rules.AllowedPaths, p) {
			return false
		}
	}
	for _, cmd := range targets.Commands {
		if !anyCommand(rules.AllowedCommands, cmd) {
			return false
		}
	}
	for _, svc := range targets.Services {
		if !anyGlob(rules.AllowedServices, svc) {
			return false
		}
	}
	return true
}

func anyPath(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if matchPath(pattern, p) {
			return true
		}
	}
	return false
}

func anyCommand(patterns []string, cmd string) bool {
	for _, pattern := range patterns {
		re, err := compileCommand(pattern)
		if err == nil && re.MatchString(cmd) {
			return true
		}
	}
	return false
}

func anyGlob(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, value); ok {
			return true
		}
	}
	return false
}

// matchPath matches p against a glob. A pattern naming a directory also
// covers everything beneath it.
func matchPath(pattern, p string) bool {
	if ok, _ := doublestar.Match(pattern, p); ok {
		return true
	}
	ok, _ := doublestar.Match(strings.TrimSuffix(pattern, "/")+"/**", p)
	return ok
}

// compileCommand compiles a command pattern that must match the whole command.
func compileCommand(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)$`)
}

func matchesAnyName(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, _ := matchName(pattern, name); ok {
			return true
		}
	}
	return false
}

// matchName matches a tool name pattern. @server matches every tool of that
// server; other patterns are exact names or globs. valid is false for a
// malformed glob.
func matchName(pattern, name string) (ok, valid bool) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false, true
	}
	if strings.HasPrefix(pattern, "@") && !strings.Contains(pattern, "/") {
		return strings.HasPrefix(name, pattern+"/"), true
	}
	if !strings.ContainsAny(pattern, "*?[{") {
		return pattern == name, true
	}
	if !doublestar.ValidatePattern(pattern) {
		return false, false
	}
	ok, _ = doublestar.Match(pattern, name)
	return ok, true
}

// ValidatePatterns reports the first malformed pattern in trust, if any.
func ValidatePatterns(trust TrustConfig) (string, bool) {
	for _, p := range slices.Concat(trust.AllowedTools, trust.DeniedTools) {
		if strings.ContainsAny(p, "*?[{") && !doublestar.ValidatePattern(p) {
			return p, false
		}
	}
	for _, name := range slices.Sorted(maps.Keys(trust.Tools)) {
		rules := trust.Tools[name]
		for _, p := range slices.Concat(rules.AllowedPaths, rules.DeniedPaths, rules.AllowedServices, rules.DeniedServices) {
			if !doublestar.ValidatePattern(p) {
				return p, false
			}
		}
		for _, p := range slices.Concat(rules.AllowedCommands, rules.DeniedCommands) {
			if _, err := compileCommand(p); err != nil {
				return p, false
			}
		}
	}
	return "", true
}
