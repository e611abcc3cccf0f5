package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatloop/internal/config"
	"chatloop/internal/conversation"
	"chatloop/internal/engine"
	"chatloop/internal/executor"
	"chatloop/internal/frontend/acp"
	"chatloop/internal/frontend/console"
	"chatloop/internal/llm"
	"chatloop/internal/logging"
	"chatloop/internal/metrics"
	"chatloop/internal/tools"
	"chatloop/internal/transcript"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var errUnsupportedProvider = errors.New("unsupported provider")

type globalOptions struct {
	configPath string
	model      string
	trustAll   bool
	trustTools []string
	logLevel   string
	logFile    string
}

type acpOptions struct {
	listen        string
	metricsListen string
}

func main() {
	if err := execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "chatloop: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var opts globalOptions

	cmd := &cobra.Command{
		Use:           "chatloop",
		Short:         "chatloop is a terminal chat agent with gated tool use",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to config file")
	flags.StringVar(&opts.model, "model", "", "Model to start with")
	flags.BoolVar(&opts.trustAll, "trust-all-tools", false, "Run every tool without asking")
	flags.StringSliceVar(&opts.trustTools, "trust-tools", nil, "Tools to run without asking")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFile, "log-file", "", "Log file path")

	cmd.AddCommand(newACPCmd(&opts), newVersionCmd())
	return cmd
}

func newACPCmd(global *globalOptions) *cobra.Command {
	var opts acpOptions

	cmd := &cobra.Command{
		Use:   "acp",
		Short: "Serve the agent over JSON-RPC on stdio or a websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runACP(cmd.Context(), *global, opts)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Websocket listen address; stdio when empty")
	cmd.Flags().StringVar(&opts.metricsListen, "metrics-listen", "", "Prometheus metrics listen address")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "chatloop", version)
			return err
		},
	}
}

// app holds everything shared by the front ends.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	engine   engine.Config

	// watcher is set when the trust file is watched for changes.
	watcher     *config.TrustWatcher
	transcripts *transcript.Store
}

func loadConfig(opts globalOptions) (config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{Path: strings.TrimSpace(opts.configPath)})
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if m := strings.TrimSpace(opts.model); m != "" {
		cfg.Provider.Anthropic.Model = m
	}
	if l := strings.TrimSpace(opts.logLevel); l != "" {
		cfg.Log.Level = l
	}
	if f := strings.TrimSpace(opts.logFile); f != "" {
		cfg.Log.Path = f
	}
	return cfg, nil
}

func newApp(cfg config.Config, opts globalOptions) (*app, error) {
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Path: cfg.Log.Path})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	provider, model, err := buildProviderFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}
	agent, err := cfg.AgentSettings()
	if err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve cwd: %w", err)
	}
	registry, err := buildToolRegistry(cwd)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	trust, watcher, err := buildTrust(cfg, opts, cwd, logger)
	if err != nil {
		return nil, err
	}

	var store *transcript.Store
	if dir := cfg.TranscriptDir(); dir != "" {
		if store, err = transcript.NewStore(dir); err != nil {
			return nil, fmt.Errorf("open transcript store: %w", err)
		}
	}

	rt := &app{
		cfg:         cfg,
		logger:      logger,
		registry:    reg,
		metrics:     m,
		watcher:     watcher,
		transcripts: store,
		engine: engine.Config{
			Backend:  provider,
			Registry: registry,
			Executor: executor.New(executor.Config{
				Registry: registry,
				Timeout:  agent.ToolTimeout,
				Logger:   logger.Named("executor"),
				Metrics:  m,
			}),
			Trust:          trust,
			Model:          model,
			FallbackModels: agent.FallbackModels,
			MaxHistory:     agent.MaxHistory,
			MaxTokens:      agent.MaxTokens,
			SystemPrompt:   agent.SystemPrompt,
			ContextFiles:   agent.ContextFiles,
			Metrics:        m,
			Logger:         logger.Named("engine"),
		},
	}
	logger.Info("chatloop ready",
		zap.String("model", model),
		zap.String("workspace", cwd),
		zap.Bool("transcripts", store != nil),
		zap.Bool("trust_watch", watcher != nil),
	)
	return rt, nil
}

// transcriptSink returns the transcript sink for a conversation, or nil when
// transcripts are disabled.
func (rt *app) transcriptSink(conversationID string) engine.Sink {
	if rt.transcripts == nil {
		return nil
	}
	return transcript.NewSink(rt.transcripts, conversationID, rt.logger.Named("transcript"))
}

// background runs the trust watcher, if any, until ctx ends.
func (rt *app) background(ctx context.Context, g *errgroup.Group) {
	if rt.watcher == nil {
		return
	}
	g.Go(func() error {
		if err := rt.watcher.Run(ctx); err != nil {
			rt.logger.Warn("trust watcher stopped", zap.Error(err))
		}
		return nil
	})
}

func runConsole(ctx context.Context, opts globalOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	rt, err := newApp(cfg, opts)
	if err != nil {
		return err
	}
	defer func() { _ = rt.logger.Sync() }()

	interactive := console.IsTerminal(os.Stdin, os.Stdout)
	themeName := cfg.Console.Theme
	if !interactive {
		themeName = "plain"
	}
	con := console.New(console.Options{
		In:          os.Stdin,
		Out:         os.Stdout,
		Theme:       console.ResolveTheme(themeName),
		Interactive: interactive,
	})
	defer func() { _ = con.Close() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	ecfg := rt.engine
	ecfg.Prompter = con
	ecfg.Confirmer = con
	ecfg.TurnContext = con.TurnContext
	ecfg.ConversationID = conversation.NewConversationID()
	ecfg.Sink = con
	if extra := rt.transcriptSink(ecfg.ConversationID); extra != nil {
		ecfg.Sink = engine.MultiSink{con, extra}
	}
	ctrl := engine.New(ecfg)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()
	rt.background(runCtx, g)
	g.Go(func() error {
		defer cancelRun()
		return ctrl.Run(runCtx)
	})
	return g.Wait()
}

func runACP(ctx context.Context, global globalOptions, opts acpOptions) error {
	cfg, err := loadConfig(global)
	if err != nil {
		return err
	}
	if l := strings.TrimSpace(opts.listen); l != "" {
		cfg.ACP.Listen = l
	}
	if l := strings.TrimSpace(opts.metricsListen); l != "" {
		cfg.ACP.MetricsListen = l
	}
	rt, err := newApp(cfg, global)
	if err != nil {
		return err
	}
	defer func() { _ = rt.logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := acp.NewServer(acp.ServerConfig{
		Engine:  rt.engine,
		NewSink: rt.transcriptSink,
		Metrics: rt.metrics,
		Logger:  rt.logger.Named("acp"),
	})

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()
	rt.background(runCtx, g)

	if addr := strings.TrimSpace(cfg.ACP.MetricsListen); addr != "" {
		g.Go(func() error {
			return serveMetrics(runCtx, addr, rt.metrics.Handler(), rt.logger)
		})
	}

	g.Go(func() error {
		defer cancelRun()
		addr := strings.TrimSpace(cfg.ACP.Listen)
		if addr == "" {
			return srv.ServeConn(runCtx, acp.NewStreamTransport(os.Stdin, os.Stdout, os.Stdin))
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return acp.ServeWebsocket(runCtx, ln, srv)
	})
	return g.Wait()
}

// serveMetrics serves h on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	}
}

func buildProviderFromConfig(cfg config.Config) (llm.Provider, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Default)) {
	case "", "anthropic":
		settings, err := cfg.AnthropicSettings()
		if err != nil {
			return nil, "", fmt.Errorf("resolve anthropic settings: %w", err)
		}
		if strings.TrimSpace(settings.APIKey) == "" {
			return nil, "", llm.ErrMissingAPIKey
		}

		provider := llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:  settings.APIKey,
			BaseURL: settings.BaseURL,
			Version: settings.Version,
			Retry: llm.RetryPolicy{
				MaxRetries: settings.Retry.MaxRetries,
				BaseDelay:  settings.Retry.BaseDelay,
				MaxDelay:   settings.Retry.MaxDelay,
			},
		})
		return provider, settings.Model, nil
	default:
		return nil, "", fmt.Errorf("%w: %s", errUnsupportedProvider, cfg.Provider.Default)
	}
}

func buildToolRegistry(root string) (*tools.Registry, error) {
	return tools.NewBuiltinRegistry(tools.Workspace{Root: root})
}

// buildTrust resolves the trust source. With watching on, the watcher itself
// serves snapshots layered over the config rules and the command line.
// Relative path patterns are anchored at root, the tool workspace.
func buildTrust(cfg config.Config, opts globalOptions, root string, logger *zap.Logger) (engine.TrustSource, *config.TrustWatcher, error) {
	logger = logging.OrNop(logger)
	file := strings.TrimSpace(cfg.Trust.File)
	if cfg.Trust.Watch && file != "" {
		base := config.WithCLI(cfg.TrustRules(), opts.trustAll, opts.trustTools)
		w, err := config.NewTrustWatcher(base, file, root, logger.Named("trust"))
		if err != nil {
			return nil, nil, fmt.Errorf("load trust file: %w", err)
		}
		return w, w, nil
	}

	trust, err := cfg.ResolveTrust(root)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve trust: %w", err)
	}
	return engine.NewStaticTrust(config.WithCLI(trust, opts.trustAll, opts.trustTools)), nil, nil
}
