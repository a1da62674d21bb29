package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/pkg/audio"
	audiomock "github.com/MrWong99/voxrelay/pkg/audio/mock"
)

// closingPlatform records Close calls.
type closingPlatform struct {
	audiomock.Platform
	closed int
}

func (p *closingPlatform) Close() error {
	p.closed++
	return nil
}

func testRegistry(created *[]*closingPlatform) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterPlatform("mock", func(config.AccountEntry) (audio.Platform, error) {
		p := &closingPlatform{}
		*created = append(*created, p)
		return p, nil
	})
	reg.RegisterPlatform("broken", func(config.AccountEntry) (audio.Platform, error) {
		return nil, errors.New("login refused")
	})
	return reg
}

func TestBuildPlatforms_SharedAccount(t *testing.T) {
	var created []*closingPlatform
	cfg := &config.Config{Accounts: config.AccountsConfig{
		Source: config.AccountEntry{Platform: "mock", Token: "same"},
		Target: config.AccountEntry{Platform: "mock", Token: "same"},
	}}

	ps, closers, err := buildPlatforms(cfg, testRegistry(&created))
	if err != nil {
		t.Fatalf("buildPlatforms: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d platforms, want 1 for a shared account", len(created))
	}
	if ps.Source != ps.Target {
		t.Error("source and target should share the platform")
	}
	closeAll(closers)
	if created[0].closed != 1 {
		t.Errorf("Close calls = %d, want 1", created[0].closed)
	}
}

func TestBuildPlatforms_SeparateAccounts(t *testing.T) {
	var created []*closingPlatform
	cfg := &config.Config{Accounts: config.AccountsConfig{
		Source: config.AccountEntry{Platform: "mock", Token: "a"},
		Target: config.AccountEntry{Platform: "mock", Token: "b"},
	}}

	ps, closers, err := buildPlatforms(cfg, testRegistry(&created))
	if err != nil {
		t.Fatalf("buildPlatforms: %v", err)
	}
	if len(created) != 2 || ps.Source == ps.Target {
		t.Fatalf("want two distinct platforms, got %d", len(created))
	}
	if len(closers) != 2 {
		t.Errorf("closers = %d, want 2", len(closers))
	}
}

func TestBuildPlatforms_TargetFailureKeepsClosers(t *testing.T) {
	var created []*closingPlatform
	cfg := &config.Config{Accounts: config.AccountsConfig{
		Source: config.AccountEntry{Platform: "mock"},
		Target: config.AccountEntry{Platform: "broken"},
	}}

	_, closers, err := buildPlatforms(cfg, testRegistry(&created))
	if err == nil {
		t.Fatal("expected error from target platform")
	}
	if len(closers) != 1 {
		t.Fatalf("closers = %d, want the source platform", len(closers))
	}
}

func TestBuildPlatforms_Unregistered(t *testing.T) {
	cfg := &config.Config{Accounts: config.AccountsConfig{
		Source: config.AccountEntry{Platform: "teams"},
	}}
	_, _, err := buildPlatforms(cfg, config.NewRegistry())
	if !errors.Is(err, config.ErrPlatformNotRegistered) {
		t.Fatalf("err = %v, want ErrPlatformNotRegistered", err)
	}
}

func TestRegisterBuiltinPlatforms(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinPlatforms(reg)

	names := reg.Platforms()
	if len(names) != 2 || names[0] != config.PlatformDiscord || names[1] != config.PlatformGateway {
		t.Fatalf("Platforms() = %v", names)
	}

	p, err := reg.CreatePlatform(config.AccountEntry{Platform: config.PlatformGateway, URL: "ws://localhost:7000"})
	if err != nil || p == nil {
		t.Fatalf("gateway platform: %v", err)
	}
	if _, err := reg.CreatePlatform(config.AccountEntry{Platform: config.PlatformGateway, URL: "ftp://x"}); err == nil {
		t.Error("expected error for unsupported gateway scheme")
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level config.LogLevel
		want  slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		l := newLogger(tc.level)
		if !l.Enabled(context.Background(), tc.want) {
			t.Errorf("level %q: %v not enabled", tc.level, tc.want)
		}
		if tc.want > slog.LevelDebug && l.Enabled(context.Background(), tc.want-1) {
			t.Errorf("level %q: below %v should be disabled", tc.level, tc.want)
		}
	}
}

func TestRun_Flags(t *testing.T) {
	if code := run([]string{"--version"}); code != 0 {
		t.Errorf("--version exit = %d, want 0", code)
	}
	if code := run([]string{"--help"}); code != 0 {
		t.Errorf("--help exit = %d, want 0", code)
	}
	if code := run([]string{"--bogus"}); code != 2 {
		t.Errorf("--bogus exit = %d, want 2", code)
	}
	if code := run([]string{"--config", t.TempDir() + "/missing.yaml"}); code != 1 {
		t.Errorf("missing config exit = %d, want 1", code)
	}
}
