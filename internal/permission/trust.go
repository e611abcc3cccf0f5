package permission

import (
	"encoding/hex"
	"encoding/json"
	"slices"

	"github.com/zeebo/blake3"
)

// TrustConfig is an immutable snapshot of the rules governing which tools may
// run without confirmation. Callers must not mutate a snapshot after handing
// it to Evaluate; use Clone to derive a modified copy.
type TrustConfig struct {
	// TrustAll allows every tool that is not denied.
	TrustAll bool `toml:"trust_all" yaml:"trust_all" json:"trust_all"`
	// AllowedTools and DeniedTools hold tool name patterns: exact names,
	// globs with *, and @server or @server/tool for external tools.
	AllowedTools []string             `toml:"allowed_tools" yaml:"allowed_tools" json:"allowed_tools,omitempty"`
	DeniedTools  []string             `toml:"denied_tools" yaml:"denied_tools" json:"denied_tools,omitempty"`
	Tools        map[string]ToolRules `toml:"tools" yaml:"tools" json:"tools,omitempty"`
}

// ToolRules are the per-tool trust settings.
type ToolRules struct {
	Trusted bool `toml:"trusted" yaml:"trusted" json:"trusted,omitempty"`
	Denied  bool `toml:"denied" yaml:"denied" json:"denied,omitempty"`
	// Untrusted forces confirmation even for default-trusted invocations.
	Untrusted bool `toml:"untrusted" yaml:"untrusted" json:"untrusted,omitempty"`

	AllowedPaths    []string `toml:"allowed_paths" yaml:"allowed_paths" json:"allowed_paths,omitempty"`
	DeniedPaths     []string `toml:"denied_paths" yaml:"denied_paths" json:"denied_paths,omitempty"`
	AllowedCommands []string `toml:"allowed_commands" yaml:"allowed_commands" json:"allowed_commands,omitempty"`
	DeniedCommands  []string `toml:"denied_commands" yaml:"denied_commands" json:"denied_commands,omitempty"`
	AllowedServices []string `toml:"allowed_services" yaml:"allowed_services" json:"allowed_services,omitempty"`
	DeniedServices  []string `toml:"denied_services" yaml:"denied_services" json:"denied_services,omitempty"`
}

func (r ToolRules) clone() ToolRules {
	out := r
	out.AllowedPaths = slices.Clone(r.AllowedPaths)
	out.DeniedPaths = slices.Clone(r.DeniedPaths)
	out.AllowedCommands = slices.Clone(r.AllowedCommands)
	out.DeniedCommands = slices.Clone(r.DeniedCommands)
	out.AllowedServices = slices.Clone(r.AllowedServices)
	out.DeniedServices = slices.Clone(r.DeniedServices)
	return out
}

// Clone returns a deep copy of the snapshot.
func (c TrustConfig) Clone() TrustConfig {
	out := TrustConfig{
		TrustAll:     c.TrustAll,
		AllowedTools: slices.Clone(c.AllowedTools),
		DeniedTools:  slices.Clone(c.DeniedTools),
	}
	if c.Tools != nil {
		out.Tools = make(map[string]ToolRules, len(c.Tools))
		for name, rules := range c.Tools {
			out.Tools[name] = rules.clone()
		}
	}
	return out
}

// SessionTrust holds trust changes made during a session with /tools.
// Tools maps a tool name to true (trusted) or false (always ask).
type SessionTrust struct {
	TrustAll bool
	Tools    map[string]bool
}

// Clone returns a deep copy.
func (s SessionTrust) Clone() SessionTrust {
	out := SessionTrust{TrustAll: s.TrustAll}
	if s.Tools != nil {
		out.Tools = make(map[string]bool, len(s.Tools))
		for k, v := range s.Tools {
			out.Tools[k] = v
		}
	}
	return out
}

// WithSession overlays session trust changes onto a copy of c.
func (c TrustConfig) WithSession(s SessionTrust) TrustConfig {
	out := c.Clone()
	if s.TrustAll {
		out.TrustAll = true
	}
	if len(s.Tools) == 0 {
		return out
	}
	if out.Tools == nil {
		out.Tools = make(map[string]ToolRules, len(s.Tools))
	}
	for name, trusted := range s.Tools {
		rules := out.Tools[name]
		rules.Trusted = trusted
		rules.Untrusted = !trusted
		out.Tools[name] = rules
	}
	return out
}

// Fingerprint returns a stable digest of the snapshot contents.
func (c TrustConfig) Fingerprint() string {
	// encoding/json sorts map keys, so equal configs hash equally.
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
