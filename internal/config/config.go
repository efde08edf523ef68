package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/mattn/go-isatty"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string `env:"ANVIL_LISTEN_ADDR" envDefault:":8080"`
	DBPath     string `env:"ANVIL_DB_PATH" envDefault:"anvil.db"`
	LogLevel   string `env:"ANVIL_LOG_LEVEL" envDefault:"info"`
	LockPath   string `env:"ANVIL_LOCK_PATH" envDefault:"anvil.lock"`

	// OOBNetwork and OOBAddr locate the listener daemons report to.
	OOBNetwork string `env:"ANVIL_OOB_NETWORK" envDefault:"tcp"`
	OOBAddr    string `env:"ANVIL_OOB_ADDR" envDefault:":7070"`
	// OOBAdvertise is the URI handed to daemons. Empty derives it from the
	// listener address.
	OOBAdvertise     string        `env:"ANVIL_OOB_ADVERTISE"`
	HeartbeatTimeout time.Duration `env:"ANVIL_HEARTBEAT_TIMEOUT" envDefault:"30s"`

	DaemonCmd     []string      `env:"ANVIL_DAEMON_CMD" envSeparator:" " envDefault:"anvil daemon"`
	DaemonArgs    []string      `env:"ANVIL_DAEMON_ARGS" envSeparator:" "`
	Prefix        string        `env:"ANVIL_PREFIX"`
	ReportTimeout time.Duration `env:"ANVIL_REPORT_TIMEOUT" envDefault:"60s"`

	// RedisAddr enables cross-head-node fault broadcast. Empty keeps faults
	// in process.
	RedisAddr    string `env:"ANVIL_REDIS_ADDR"`
	RedisChannel string `env:"ANVIL_REDIS_CHANNEL" envDefault:"anvil.faults"`
}

// Load reads configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads configuration from environ instead of the process
// environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks values the env tags cannot express.
func (c Config) Validate() error {
	switch c.OOBNetwork {
	case "tcp", "unix", "vsock":
	default:
		return fmt.Errorf("unsupported oob network %q", c.OOBNetwork)
	}
	if len(c.DaemonCmd) == 0 {
		return fmt.Errorf("daemon command is empty")
	}
	if c.ReportTimeout <= 0 {
		return fmt.Errorf("report timeout must be positive, got %s", c.ReportTimeout)
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

// ParseLogLevel maps a level name to a slog level. Unknown names are info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the given level. It
// writes JSON unless w is an interactive terminal, where text is easier to
// read.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if isTerminal(w) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
