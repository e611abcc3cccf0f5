package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"chatloop/internal/permission"
)

const (
	defaultProviderName       = "anthropic"
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicVersion   = "2023-06-01"
	defaultRetryMaxRetries    = 3
	defaultRetryBaseDelay     = "300ms"
	defaultRetryMaxDelay      = "5s"
	defaultMaxHistory         = 250
	defaultToolTimeout        = "2m"
	defaultMaxTokens          = 8192
	defaultLogLevel           = "info"
	defaultConsoleTheme       = "dark"
	defaultConfigRelativePath = ".config/chatloop/config.toml"
	defaultLogRelativePath    = ".local/state/chatloop/chatloop.log"
	defaultTranscriptRelPath  = ".local/state/chatloop/transcripts"
	defaultSystemPrompt       = "You are a helpful assistant working in the user's terminal. " +
		"Use the available tools to inspect and change files or run commands when that helps answer the request."

	envProviderDefault  = "CHATLOOP_PROVIDER_DEFAULT"
	envAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	envAnthropicModel   = "CHATLOOP_ANTHROPIC_MODEL"
	envAnthropicBaseURL = "CHATLOOP_ANTHROPIC_BASE_URL"
	envAnthropicVersion = "CHATLOOP_ANTHROPIC_VERSION"
	envRetryMaxRetries  = "CHATLOOP_ANTHROPIC_RETRY_MAX_RETRIES"
	envRetryBaseDelay   = "CHATLOOP_ANTHROPIC_RETRY_BASE_DELAY"
	envRetryMaxDelay    = "CHATLOOP_ANTHROPIC_RETRY_MAX_DELAY"
	envMaxHistory       = "CHATLOOP_MAX_HISTORY"
	envToolTimeout      = "CHATLOOP_TOOL_TIMEOUT"
	envTrustFile        = "CHATLOOP_TRUST_FILE"
	envLogLevel         = "CHATLOOP_LOG_LEVEL"
	envLogPath          = "CHATLOOP_LOG_FILE"
	envACPListen        = "CHATLOOP_ACP_LISTEN"
	envTranscriptDir    = "CHATLOOP_TRANSCRIPT_DIR"
)

var (
	// ErrInvalidConfig indicates malformed configuration input.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the application configuration root.
type Config struct {
	Provider   ProviderConfig   `toml:"provider"`
	Agent      AgentConfig      `toml:"agent"`
	Trust      TrustConfig      `toml:"trust"`
	Log        LogConfig        `toml:"log"`
	Transcript TranscriptConfig `toml:"transcript"`
	Console    ConsoleConfig    `toml:"console"`
	ACP        ACPConfig        `toml:"acp"`
}

// ProviderConfig configures model providers.
type ProviderConfig struct {
	Default   string                  `toml:"default"`
	Anthropic AnthropicProviderConfig `toml:"anthropic"`
}

// AnthropicProviderConfig configures Anthropic-specific runtime values.
type AnthropicProviderConfig struct {
	APIKey  string      `toml:"api_key"`
	Model   string      `toml:"model"`
	BaseURL string      `toml:"base_url"`
	Version string      `toml:"version"`
	Retry   RetryConfig `toml:"retry"`
}

// RetryConfig stores retry policy as config-friendly values.
type RetryConfig struct {
	MaxRetries int    `toml:"max_retries"`
	BaseDelay  string `toml:"base_delay"`
	MaxDelay   string `toml:"max_delay"`
}

// AgentConfig configures conversation behavior.
type AgentConfig struct {
	MaxHistory   int    `toml:"max_history"`
	ToolTimeout  string `toml:"tool_timeout"`
	MaxTokens    int    `toml:"max_tokens"`
	SystemPrompt string `toml:"system_prompt"`
	// FallbackModels are offered when the configured model is overloaded.
	FallbackModels []string `toml:"fallback_models"`
	ContextFiles   []string `toml:"context_files"`
}

// TrustConfig is the [trust] section. Rules use the same shape as a trust file.
type TrustConfig struct {
	TrustAll     bool                            `toml:"trust_all"`
	AllowedTools []string                        `toml:"allowed_tools"`
	DeniedTools  []string                        `toml:"denied_tools"`
	Tools        map[string]permission.ToolRules `toml:"tools"`
	// File names an external trust file layered over these rules.
	File string `toml:"file"`
	// Watch reloads File when it changes.
	Watch bool `toml:"watch"`
}

// LogConfig configures the log file.
type LogConfig struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`
}

// TranscriptConfig configures conversation transcripts.
type TranscriptConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// TranscriptDir returns the transcript directory with ~/ expanded, or "" when
// transcripts are disabled.
func (c Config) TranscriptDir() string {
	if !c.Transcript.Enabled {
		return ""
	}
	return expandHome(strings.TrimSpace(c.Transcript.Dir))
}

// ConsoleConfig configures the terminal front end.
type ConsoleConfig struct {
	Theme string `toml:"theme"`
}

// ACPConfig configures the protocol server.
type ACPConfig struct {
	// Listen is a websocket address. Empty serves stdio.
	Listen        string `toml:"listen"`
	MetricsListen string `toml:"metrics_listen"`
}

// LoadOptions controls config loading behavior.
type LoadOptions struct {
	Path string
}

// AnthropicSettings is a validated Anthropic runtime settings snapshot.
type AnthropicSettings struct {
	APIKey  string
	Model   string
	BaseURL string
	Version string
	Retry   AnthropicRetrySettings
}

// AnthropicRetrySettings is the parsed retry policy.
type AnthropicRetrySettings struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// AgentSettings is the parsed [agent] section.
type AgentSettings struct {
	MaxHistory     int
	ToolTimeout    time.Duration
	MaxTokens      int
	SystemPrompt   string
	FallbackModels []string
	ContextFiles   []string
}

// Default returns application defaults.
func Default() Config {
	return Config{
		Provider: ProviderConfig{
			Default: defaultProviderName,
			Anthropic: AnthropicProviderConfig{
				Model:   defaultAnthropicModel,
				Version: defaultAnthropicVersion,
				Retry: RetryConfig{
					MaxRetries: defaultRetryMaxRetries,
					BaseDelay:  defaultRetryBaseDelay,
					MaxDelay:   defaultRetryMaxDelay,
				},
			},
		},
		Agent: AgentConfig{
			MaxHistory:   defaultMaxHistory,
			ToolTimeout:  defaultToolTimeout,
			MaxTokens:    defaultMaxTokens,
			SystemPrompt: defaultSystemPrompt,
		},
		Log: LogConfig{
			Level: defaultLogLevel,
			Path:  defaultStatePath(defaultLogRelativePath),
		},
		Transcript: TranscriptConfig{
			Enabled: true,
			Dir:     defaultStatePath(defaultTranscriptRelPath),
		},
		Console: ConsoleConfig{
			Theme: defaultConsoleTheme,
		},
	}
}

// Load reads config file then applies environment variable overrides.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = defaultConfigPath()
	}

	if err := mergeConfigFile(&cfg, path); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AnthropicSettings returns validated settings suitable for runtime wiring.
func (c Config) AnthropicSettings() (AnthropicSettings, error) {
	baseDelay, err := time.ParseDuration(strings.TrimSpace(c.Provider.Anthropic.Retry.BaseDelay))
	if err != nil {
		return AnthropicSettings{}, fmt.Errorf("%w: parse anthropic retry base_delay: %v", ErrInvalidConfig, err)
	}
	maxDelay, err := time.ParseDuration(strings.TrimSpace(c.Provider.Anthropic.Retry.MaxDelay))
	if err != nil {
		return AnthropicSettings{}, fmt.Errorf("%w: parse anthropic retry max_delay: %v", ErrInvalidConfig, err)
	}
	if c.Provider.Anthropic.Retry.MaxRetries < 0 {
		return AnthropicSettings{}, fmt.Errorf("%w: anthropic retry max_retries must be >= 0", ErrInvalidConfig)
	}

	return AnthropicSettings{
		APIKey:  strings.TrimSpace(c.Provider.Anthropic.APIKey),
		Model:   strings.TrimSpace(c.Provider.Anthropic.Model),
		BaseURL: strings.TrimSpace(c.Provider.Anthropic.BaseURL),
		Version: strings.TrimSpace(c.Provider.Anthropic.Version),
		Retry: AnthropicRetrySettings{
			MaxRetries: c.Provider.Anthropic.Retry.MaxRetries,
			BaseDelay:  baseDelay,
			MaxDelay:   maxDelay,
		},
	}, nil
}

// AgentSettings returns the validated [agent] section.
func (c Config) AgentSettings() (AgentSettings, error) {
	timeout, err := time.ParseDuration(strings.TrimSpace(c.Agent.ToolTimeout))
	if err != nil {
		return AgentSettings{}, fmt.Errorf("%w: parse agent tool_timeout: %v", ErrInvalidConfig, err)
	}
	if timeout <= 0 {
		return AgentSettings{}, fmt.Errorf("%w: agent tool_timeout must be > 0", ErrInvalidConfig)
	}
	// Trimming keeps the newest MaxHistory-2 turns, so anything below 4
	// cannot hold one exchange plus the pending turn.
	if c.Agent.MaxHistory < 4 {
		return AgentSettings{}, fmt.Errorf("%w: agent max_history must be >= 4", ErrInvalidConfig)
	}
	if c.Agent.MaxTokens <= 0 {
		return AgentSettings{}, fmt.Errorf("%w: agent max_tokens must be > 0", ErrInvalidConfig)
	}

	var fallbacks []string
	for _, m := range c.Agent.FallbackModels {
		if m = strings.TrimSpace(m); m != "" {
			fallbacks = append(fallbacks, m)
		}
	}
	return AgentSettings{
		MaxHistory:     c.Agent.MaxHistory,
		ToolTimeout:    timeout,
		MaxTokens:      c.Agent.MaxTokens,
		SystemPrompt:   c.Agent.SystemPrompt,
		FallbackModels: fallbacks,
		ContextFiles:   append([]string(nil), c.Agent.ContextFiles...),
	}, nil
}

// TrustRules returns the [trust] rules as a permission snapshot with ~/
// expanded in path patterns.
func (c Config) TrustRules() permission.TrustConfig {
	return expandTrustPaths(permission.TrustConfig{
		TrustAll:     c.Trust.TrustAll,
		AllowedTools: c.Trust.AllowedTools,
		DeniedTools:  c.Trust.DeniedTools,
		Tools:        c.Trust.Tools,
	})
}

func mergeConfigFile(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if value, ok := os.LookupEnv(envProviderDefault); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Default = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envAnthropicAPIKey); ok {
		cfg.Provider.Anthropic.APIKey = value
	}
	if value, ok := os.LookupEnv(envAnthropicModel); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.Model = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envAnthropicBaseURL); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.BaseURL = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envAnthropicVersion); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.Version = strings.TrimSpace(value)
	}
	if err := envInt(envRetryMaxRetries, &cfg.Provider.Anthropic.Retry.MaxRetries); err != nil {
		return err
	}
	if value, ok := os.LookupEnv(envRetryBaseDelay); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.Retry.BaseDelay = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envRetryMaxDelay); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.Retry.MaxDelay = strings.TrimSpace(value)
	}
	if err := envInt(envMaxHistory, &cfg.Agent.MaxHistory); err != nil {
		return err
	}
	if value, ok := os.LookupEnv(envToolTimeout); ok && strings.TrimSpace(value) != "" {
		cfg.Agent.ToolTimeout = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envTrustFile); ok && strings.TrimSpace(value) != "" {
		cfg.Trust.File = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envLogLevel); ok && strings.TrimSpace(value) != "" {
		cfg.Log.Level = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envLogPath); ok {
		cfg.Log.Path = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envTranscriptDir); ok && strings.TrimSpace(value) != "" {
		cfg.Transcript.Dir = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envACPListen); ok {
		cfg.ACP.Listen = strings.TrimSpace(value)
	}
	return nil
}

func envInt(name string, dst *int) error {
	value, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, name, err)
	}
	*dst = parsed
	return nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Provider.Default) == "" {
		return fmt.Errorf("%w: provider.default is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Provider.Anthropic.Model) == "" {
		return fmt.Errorf("%w: provider.anthropic.model is required", ErrInvalidConfig)
	}
	if _, err := cfg.AnthropicSettings(); err != nil {
		return err
	}
	if _, err := cfg.AgentSettings(); err != nil {
		return err
	}
	if err := ValidateTrust(cfg.TrustRules()); err != nil {
		return err
	}
	if cfg.Trust.Watch && strings.TrimSpace(cfg.Trust.File) == "" {
		return fmt.Errorf("%w: trust.watch requires trust.file", ErrInvalidConfig)
	}
	if cfg.Transcript.Enabled && strings.TrimSpace(cfg.Transcript.Dir) == "" {
		return fmt.Errorf("%w: transcript.dir is required when transcripts are enabled", ErrInvalidConfig)
	}
	return nil
}

func defaultConfigPath() string {
	return defaultStatePath(defaultConfigRelativePath)
}

func defaultStatePath(rel string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, rel)
}
