// Command promptgate serves the LLM application gateway.
//
// Usage:
//
//	promptgate serve --config promptgate.yaml
//	promptgate validate --config promptgate.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/promptgate/promptgate/pkg/auth"
	"github.com/promptgate/promptgate/pkg/authz"
	"github.com/promptgate/promptgate/pkg/chat"
	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/jsonstore"
	"github.com/promptgate/promptgate/pkg/llms"
	"github.com/promptgate/promptgate/pkg/logger"
	"github.com/promptgate/promptgate/pkg/observability"
	"github.com/promptgate/promptgate/pkg/server"
	"github.com/promptgate/promptgate/pkg/sources"
	"github.com/promptgate/promptgate/pkg/store"
	"github.com/promptgate/promptgate/pkg/stream"
	"github.com/promptgate/promptgate/pkg/tools"
)

type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the gateway server."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration tree."`

	Config    string `short:"c" help:"Path to server config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("promptgate version %s\n", version)
	return nil
}

type ServeCmd struct {
	TracingEndpoint string `help:"OTLP gRPC endpoint for trace export (empty disables tracing)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.LoadServerConfig(cli.Config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:     c.TracingEndpoint != "",
		EndpointURL: c.TracingEndpoint,
	}); err != nil {
		return fmt.Errorf("tracing setup failed: %w", err)
	}
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics, err = observability.InitMetrics(ctx)
		if err != nil {
			return fmt.Errorf("metrics setup failed: %w", err)
		}
	}

	st, err := store.New(cfg.ContentsDir, cfg.DefaultsDir)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}
	st.StartBackground(ctx, cfg.RefreshInterval())

	toolRegistry := tools.NewRegistry(cfg.ToolTimeout())
	toolRegistry.Rebuild(st.Snapshot().Tools, "en")
	go func() {
		// Tool scripts live in config; follow the cache.
		ticker := time.NewTicker(cfg.RefreshInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				toolRegistry.Rebuild(st.Snapshot().Tools, "en")
			}
		}
	}()

	authService := &auth.Service{
		Platform: func() *config.Platform { return st.Snapshot().Platform },
		Resolver: func() *authz.Resolver { return st.Snapshot().Resolver },
		FindUser: func(id string) (*config.User, bool) { return st.Snapshot().FindUser(id) },
		RecordLogin: func(u *config.User) {
			if err := st.RecordLogin(u); err != nil {
				slog.Error("failed to record first login", "user", u.ID, "error", err)
			}
		},
	}

	sourceManager := sources.NewManager(cfg.ContentsDir, cfg.SourceTimeout())
	llmRegistry := llms.NewRegistry(cfg.ProviderTimeout())
	hub := stream.NewHub()

	shortlinks := jsonstore.NewShortlinks(cfg.DataDir)
	usage := jsonstore.NewUsage(cfg.DataDir)

	orchestrator := chat.NewOrchestrator(st, toolRegistry, llmRegistry, sourceManager, hub, usage)

	srv := server.New(cfg, server.Deps{
		Store:        st,
		Auth:         authService,
		Orchestrator: orchestrator,
		Hub:          hub,
		Shortlinks:   shortlinks,
		Usage:        usage,
		Metrics:      metrics,
	})
	return srv.Start(ctx)
}

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.LoadServerConfig(cli.Config)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.ContentsDir, cfg.DefaultsDir)
	if err != nil {
		return err
	}
	snap := st.Snapshot()
	fmt.Printf("configuration OK: %d apps, %d models, %d tools, %d sources, %d groups\n",
		len(snap.Apps), len(snap.Models), len(snap.Tools), len(snap.Sources), len(snap.Groups))
	return nil
}

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("promptgate"),
		kong.Description("Multi-tenant LLM application gateway."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	logger.Init(level, os.Stderr, cli.LogFormat)

	if err := kctx.Run(cli); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
