package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Platform names understood by the built-in registry.
const (
	PlatformDiscord = "discord"
	PlatformGateway = "gateway"
)

// ValidPlatformNames lists the built-in voice platforms. Used by [Validate] to
// warn about unrecognised names.
var ValidPlatformNames = []string{PlatformDiscord, PlatformGateway}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates the
// result. Keys absent from the document keep their default; keys present with
// a zero value are kept as written, so Validate reports them. Unknown keys are
// rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("config: empty document")
		}
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config holding every default value. Chats and accounts
// are left empty.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued optional fields of a Config built in code.
// Files go through [LoadFromReader] instead, which keeps explicit zeros.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	r := &cfg.Relay
	if r.BufferCapacity == 0 {
		r.BufferCapacity = DefaultBufferCapacity
	}
	if r.ReconnectDelay == 0 {
		r.ReconnectDelay = DefaultReconnectDelay
	}
	if r.MaxReconnectAttempts == nil {
		n := DefaultMaxReconnectAttempts
		r.MaxReconnectAttempts = &n
	}
	if r.ConnectTimeout == 0 {
		r.ConnectTimeout = DefaultConnectTimeout
	}
	if r.HealthCheckInterval == 0 {
		r.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if r.FrameTimeout == 0 {
		r.FrameTimeout = DefaultFrameTimeout
	}
	if r.IdleBackoff == 0 {
		r.IdleBackoff = DefaultIdleBackoff
	}
	if r.ShutdownGrace == 0 {
		r.ShutdownGrace = DefaultShutdownGrace
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Relay
	r := cfg.Relay
	if r.SourceChatID == "" {
		errs = append(errs, errors.New("relay.source_chat_id is required"))
	}
	if r.TargetChatID == "" {
		errs = append(errs, errors.New("relay.target_chat_id is required"))
	}
	if r.BufferCapacity < 1 {
		errs = append(errs, fmt.Errorf("relay.buffer_capacity %d must be at least 1", r.BufferCapacity))
	}
	if r.MaxReconnectAttempts != nil && *r.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("relay.max_reconnect_attempts %d must not be negative; use 0 to retry forever", *r.MaxReconnectAttempts))
	}
	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"relay.reconnect_delay", r.ReconnectDelay},
		{"relay.connect_timeout", r.ConnectTimeout},
		{"relay.health_check_interval", r.HealthCheckInterval},
		{"relay.frame_timeout", r.FrameTimeout},
		{"relay.idle_backoff", r.IdleBackoff},
		{"relay.shutdown_grace", r.ShutdownGrace},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.field))
		}
	}
	if r.StallTimeout != nil {
		switch stall := *r.StallTimeout; {
		case stall <= 0:
			errs = append(errs, errors.New("relay.stall_timeout must be positive"))
		case stall < r.HealthCheckInterval:
			errs = append(errs, fmt.Errorf("relay.stall_timeout %s must not be shorter than relay.health_check_interval %s", stall, r.HealthCheckInterval))
		}
	}

	// Accounts
	errs = append(errs, validateAccount("accounts.source", cfg.Accounts.Source)...)
	errs = append(errs, validateAccount("accounts.target", cfg.Accounts.Target)...)

	// A Discord bot holds one voice connection per guild, so one bot cannot
	// sit in both chats of the same guild.
	if src, dst := cfg.Accounts.Source, cfg.Accounts.Target; src.Platform == PlatformDiscord &&
		dst.Platform == PlatformDiscord && src.Token != "" && src.Token == dst.Token && src.GuildID == dst.GuildID {
		errs = append(errs, fmt.Errorf("accounts.target.token must differ from accounts.source.token: one discord bot cannot join two voice channels of guild %q", dst.GuildID))
	}

	if r.SourceChatID != "" && r.SourceChatID == r.TargetChatID &&
		cfg.Accounts.Source.Platform == cfg.Accounts.Target.Platform {
		errs = append(errs, fmt.Errorf("relay.target_chat_id %q must differ from relay.source_chat_id on the same platform", r.TargetChatID))
	}

	if cfg.Stats.PostgresDSN == "" {
		slog.Debug("stats.postgres_dsn is empty; health samples will not be persisted")
	}

	return errors.Join(errs...)
}

func validateAccount(prefix string, a AccountEntry) []error {
	var errs []error
	if a.Platform == "" {
		return []error{fmt.Errorf("%s.platform is required", prefix)}
	}
	if !slices.Contains(ValidPlatformNames, a.Platform) {
		slog.Warn("unknown platform name; it must be registered by a plugin",
			"account", prefix,
			"platform", a.Platform,
			"known", ValidPlatformNames,
		)
	}
	if isPlaceholder(a.Token) {
		errs = append(errs, fmt.Errorf("%s.token still holds the placeholder %q", prefix, a.Token))
	}

	switch a.Platform {
	case PlatformDiscord:
		if a.Token == "" {
			errs = append(errs, fmt.Errorf("%s.token is required for platform discord", prefix))
		}
		if a.GuildID == "" {
			errs = append(errs, fmt.Errorf("%s.guild_id is required for platform discord", prefix))
		}
	case PlatformGateway:
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required for platform gateway", prefix))
		}
	}
	return errs
}

// isPlaceholder reports whether s is a template value such as "YOUR_TOKEN".
func isPlaceholder(s string) bool {
	return strings.HasPrefix(strings.ToUpper(s), "YOUR_")
}
