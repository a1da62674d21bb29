// Command voxrelay relays the audio of one voice chat into another.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/MrWong99/voxrelay/internal/app"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/audio/discord"
	"github.com/MrWong99/voxrelay/pkg/audio/gateway"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := pflag.NewFlagSet("voxrelay", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	logLevel := fs.String("log-level", "", "override server.log_level (debug, info, warn, error)")
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Println("voxrelay", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxrelay: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		}
		return 1
	}
	if *logLevel != "" {
		lvl := config.LogLevel(*logLevel)
		if !lvl.IsValid() {
			fmt.Fprintf(os.Stderr, "voxrelay: invalid --log-level %q\n", *logLevel)
			return 1
		}
		cfg.Server.LogLevel = lvl
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("voxrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"source_chat", cfg.Relay.SourceChatID,
		"target_chat", cfg.Relay.TargetChatID,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Platform registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinPlatforms(reg)

	platforms, closers, err := buildPlatforms(cfg, reg)
	defer closeAll(closers)
	if err != nil {
		slog.Error("failed to build platforms", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, platforms,
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("relay starting; press Ctrl+C to shut down")

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("relay failed", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Platform wiring ───────────────────────────────────────────────────────────

// registerBuiltinPlatforms wires the voice platforms that ship with voxrelay
// into reg.
func registerBuiltinPlatforms(reg *config.Registry) {
	reg.RegisterPlatform(config.PlatformDiscord, func(entry config.AccountEntry) (audio.Platform, error) {
		return discord.Dial(entry.Token, entry.GuildID)
	})
	reg.RegisterPlatform(config.PlatformGateway, func(entry config.AccountEntry) (audio.Platform, error) {
		return gateway.New(gateway.Config{URL: entry.URL, Token: entry.Token})
	})

	for _, name := range reg.Platforms() {
		slog.Debug("registered platform", "name", name)
	}
}

// buildPlatforms instantiates the platform of each account. When both sides
// use the same account, one platform serves both. The returned closers log
// the accounts out and must be called even when err is non-nil.
func buildPlatforms(cfg *config.Config, reg *config.Registry) (app.Platforms, []io.Closer, error) {
	var (
		ps      app.Platforms
		closers []io.Closer
	)
	create := func(side string, entry config.AccountEntry) (audio.Platform, error) {
		p, err := reg.CreatePlatform(entry)
		if err != nil {
			return nil, fmt.Errorf("create %s platform %q: %w", side, entry.Platform, err)
		}
		if c, ok := p.(io.Closer); ok {
			closers = append(closers, c)
		}
		slog.Info("platform created", "side", side, "platform", entry.Platform)
		return p, nil
	}

	src, err := create("source", cfg.Accounts.Source)
	if err != nil {
		return ps, closers, err
	}
	ps.Source = src

	if reflect.DeepEqual(cfg.Accounts.Source, cfg.Accounts.Target) {
		ps.Target = src
		return ps, closers, nil
	}
	dst, err := create("target", cfg.Accounts.Target)
	if err != nil {
		return ps, closers, err
	}
	ps.Target = dst
	return ps, closers, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			slog.Warn("platform close error", "err", err)
		}
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
