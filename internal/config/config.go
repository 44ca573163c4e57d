package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"panebridge/internal/logging"
)

var cfgLog = logging.ForComponent(logging.CompConfig)

// ConfigFileName is the TOML config file for user preferences
const ConfigFileName = "config.toml"

// Config is the user-facing configuration in TOML format.
// Every optimization layer is independently toggleable and defaults off:
// the base behavior (subprocess tmux calls + polling) is always available.
type Config struct {
	// Watch configures file-change detection for backend log files
	Watch WatchSettings `toml:"watch"`

	// Control configures the persistent tmux control-mode connection
	Control ControlSettings `toml:"control"`

	// Mailbox configures file-mediated delivery of large payloads
	Mailbox MailboxSettings `toml:"mailbox"`

	// Logs configures structured logging output
	Logs LogSettings `toml:"logs"`
}

// WatchSettings configures the ChangeWaiter.
type WatchSettings struct {
	// UseFsnotify enables the kernel-event watch path. When false (default)
	// or when watch registration fails, adaptive polling is used instead.
	UseFsnotify bool `toml:"use_fsnotify"`

	// PollIntervalMS is the polling floor in milliseconds (default: 50)
	PollIntervalMS int `toml:"poll_interval_ms"`

	// PollMaxIntervalMS is the idle backoff ceiling in milliseconds (default: 500)
	PollMaxIntervalMS int `toml:"poll_max_interval_ms"`
}

// ControlSettings configures the persistent tmux control client.
type ControlSettings struct {
	// Persist enables the long-lived `tmux -C` connection (default: false).
	// When disabled, every command batch spawns one tmux subprocess.
	Persist bool `toml:"persist"`

	// ReconnectMinSeconds is the minimum gap between reconnect attempts
	// after the control connection dies (default: 2)
	ReconnectMinSeconds int `toml:"reconnect_min_seconds"`
}

// MailboxSettings configures size-based payload routing.
type MailboxSettings struct {
	// Enabled turns on file-mediated delivery for large payloads (default: false)
	Enabled bool `toml:"enabled"`

	// Threshold is the payload length in characters at or above which a
	// mediating file is used instead of direct injection (default: 500)
	Threshold int `toml:"threshold"`

	// TTLSeconds is the safety-net age after which stale entries are removed.
	// On-success deletion via Ack is the primary cleanup path (default: 21600)
	TTLSeconds int `toml:"ttl_seconds"`

	// MaxTotalBytes caps the aggregate entry size per session scope; oldest
	// entries are evicted first when exceeded (default: 16MB)
	MaxTotalBytes int64 `toml:"max_total_bytes"`
}

// LogSettings configures log output.
type LogSettings struct {
	// Level is "debug", "info", "warn", or "error" (default: info)
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// Debug forces file logging even without an explicit log dir
	Debug bool `toml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Watch: WatchSettings{
			UseFsnotify:       false,
			PollIntervalMS:    50,
			PollMaxIntervalMS: 500,
		},
		Control: ControlSettings{
			Persist:             false,
			ReconnectMinSeconds: 2,
		},
		Mailbox: MailboxSettings{
			Enabled:       false,
			Threshold:     500,
			TTLSeconds:    6 * 60 * 60,
			MaxTotalBytes: 16 * 1024 * 1024,
		},
		Logs: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// BridgeDir returns the base panebridge directory (~/.panebridge).
func BridgeDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PANEBRIDGE_DIR")); override != "" {
		return override, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".panebridge"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := BridgeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

var (
	loadOnce  sync.Once
	loadedCfg Config
)

// Load returns the effective configuration: defaults, overlaid by the TOML
// file if present, overlaid by PANEBRIDGE_* environment variables. The result
// is cached for the process lifetime.
func Load() Config {
	loadOnce.Do(func() {
		loadedCfg = loadUncached()
	})
	return loadedCfg
}

func loadUncached() Config {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if _, decErr := toml.DecodeFile(path, &cfg); decErr != nil {
				// A broken config file must not take the bridge down;
				// fall back to defaults and say so.
				cfgLog.Warn("config_parse_failed",
					slog.String("path", path),
					slog.String("error", decErr.Error()),
				)
				cfg = Default()
			}
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg
}

// applyEnvOverrides applies PANEBRIDGE_* environment variables on top of the
// file config. Env vars win so scripts and ad-hoc benchmarks can flip
// individual features without editing config.toml.
func applyEnvOverrides(cfg *Config) {
	if v, ok := boolEnv("PANEBRIDGE_WATCH_FSNOTIFY"); ok {
		cfg.Watch.UseFsnotify = v
	}
	if v, ok := intEnv("PANEBRIDGE_POLL_INTERVAL_MS"); ok {
		cfg.Watch.PollIntervalMS = v
	}
	if v, ok := intEnv("PANEBRIDGE_POLL_MAX_INTERVAL_MS"); ok {
		cfg.Watch.PollMaxIntervalMS = v
	}
	if v, ok := boolEnv("PANEBRIDGE_TMUX_PERSIST"); ok {
		cfg.Control.Persist = v
	}
	if v, ok := boolEnv("PANEBRIDGE_MAILBOX"); ok {
		cfg.Mailbox.Enabled = v
	}
	if v, ok := intEnv("PANEBRIDGE_MAILBOX_THRESHOLD"); ok {
		cfg.Mailbox.Threshold = v
	}
	if v, ok := intEnv("PANEBRIDGE_MAILBOX_TTL_SECONDS"); ok {
		cfg.Mailbox.TTLSeconds = v
	}
	if v, ok := int64Env("PANEBRIDGE_MAILBOX_MAX_BYTES"); ok {
		cfg.Mailbox.MaxTotalBytes = v
	}
	if v := os.Getenv("PANEBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logs.Level = v
	}
	if v, ok := boolEnv("PANEBRIDGE_DEBUG"); ok {
		cfg.Logs.Debug = v
	}
}

// normalize clamps nonsensical values back to defaults.
func normalize(cfg *Config) {
	def := Default()
	if cfg.Watch.PollIntervalMS <= 0 {
		cfg.Watch.PollIntervalMS = def.Watch.PollIntervalMS
	}
	if cfg.Watch.PollMaxIntervalMS < cfg.Watch.PollIntervalMS {
		cfg.Watch.PollMaxIntervalMS = cfg.Watch.PollIntervalMS
	}
	if cfg.Mailbox.Threshold <= 0 {
		cfg.Mailbox.Threshold = def.Mailbox.Threshold
	}
	if cfg.Mailbox.TTLSeconds < 0 {
		cfg.Mailbox.TTLSeconds = def.Mailbox.TTLSeconds
	}
	if cfg.Mailbox.MaxTotalBytes <= 0 {
		cfg.Mailbox.MaxTotalBytes = def.Mailbox.MaxTotalBytes
	}
	if cfg.Control.ReconnectMinSeconds <= 0 {
		cfg.Control.ReconnectMinSeconds = def.Control.ReconnectMinSeconds
	}
}

// PollInterval returns the polling floor as a duration.
func (w WatchSettings) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// PollMaxInterval returns the idle backoff ceiling as a duration.
func (w WatchSettings) PollMaxInterval() time.Duration {
	return time.Duration(w.PollMaxIntervalMS) * time.Millisecond
}

// TTL returns the mailbox entry time-to-live as a duration.
func (m MailboxSettings) TTL() time.Duration {
	return time.Duration(m.TTLSeconds) * time.Second
}

// ReconnectMinGap returns the minimum gap between control reconnect attempts.
func (c ControlSettings) ReconnectMinGap() time.Duration {
	return time.Duration(c.ReconnectMinSeconds) * time.Second
}

func boolEnv(name string) (bool, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	}
	return false, false
}

func intEnv(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return v, true
}

func int64Env(name string) (int64, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
