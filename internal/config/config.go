package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// ErrMissing is wrapped by Load when a required variable is unset.
var ErrMissing = errors.New("required configuration missing")

// HealthPolicy bounds a readiness poll. It is passed by value.
type HealthPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// Config holds all runtime configuration for sandcastle.
// Every field is populated from environment variables by Load().
type Config struct {
	ModelID          string // SANDCASTLE_MODEL_ID (required)
	Provider         string // SANDCASTLE_API_TYPE (required): "openai" or "anthropic"
	APIKey           string // SANDCASTLE_API_KEY (required)
	APIBase          string // SANDCASTLE_API_BASE (default per provider)
	MaxTokens        int    // SANDCASTLE_MAX_TOKENS (default 16384 anthropic, 4096 openai)
	MaxRetries       int    // SANDCASTLE_MAX_RETRIES (default 5)
	StreamRetries    int    // SANDCASTLE_STREAM_RETRIES (default 2)
	MaxContinuations int    // SANDCASTLE_MAX_CONTINUATIONS (default 3)
	MaxToolRounds    int    // SANDCASTLE_MAX_TOOL_ROUNDS (default 30)
	OutputTruncate   int    // SANDCASTLE_OUTPUT_TRUNCATE in bytes (default 20480)
	SessionID        string // SANDCASTLE_SESSION_ID (default random UUID)
	DataDir          string // SANDCASTLE_DATA_DIR (default ".sandcastle/")
	LogLevel         string // SANDCASTLE_LOG_LEVEL (default "info")

	Sandbox SandboxConfig
	Server  ServerSpec

	FullHealth   HealthPolicy  // SANDCASTLE_HEALTH_ATTEMPTS / SANDCASTLE_HEALTH_INTERVAL_MS
	QuickHealth  HealthPolicy  // SANDCASTLE_QUICK_HEALTH_ATTEMPTS / SANDCASTLE_QUICK_HEALTH_INTERVAL_MS
	RestartDelay time.Duration // SANDCASTLE_RESTART_DELAY_MS (default 2000)
	RefreshDelay time.Duration // SANDCASTLE_REFRESH_DELAY_MS (default 1500)

	SyncDir  string // SANDCASTLE_SYNC_DIR (default "sync_folder")
	WatchDir string // SANDCASTLE_WATCH_DIR (empty disables the local mirror)
}

// SandboxConfig describes the remote execution environment.
type SandboxConfig struct {
	Image   string        // SANDCASTLE_SANDBOX_IMAGE (default "python:3.12-slim")
	Workdir string        // SANDCASTLE_SANDBOX_WORKDIR (default "/home/user")
	Timeout time.Duration // SANDCASTLE_SANDBOX_TIMEOUT in seconds (default 1200)
}

// LoadDotenv loads KEY=VALUE pairs from the given files (".env" when none
// are given) into the process environment. Variables already set win.
// Missing files are ignored.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads all configuration from environment variables and returns
// a validated Config.
//
// Three variables are required:
//   - SANDCASTLE_MODEL_ID: model name (e.g. "claude-sonnet-4-5-20250929", "gpt-4o")
//   - SANDCASTLE_API_TYPE: wire protocol, "openai" or "anthropic"
//   - SANDCASTLE_API_KEY:  API key
func Load() (*Config, error) {
	c := &Config{}

	c.ModelID = os.Getenv("SANDCASTLE_MODEL_ID")
	if c.ModelID == "" {
		return nil, fmt.Errorf("SANDCASTLE_MODEL_ID: %w", ErrMissing)
	}

	c.Provider = os.Getenv("SANDCASTLE_API_TYPE")
	if c.Provider == "" {
		return nil, fmt.Errorf("SANDCASTLE_API_TYPE (\"openai\" or \"anthropic\"): %w", ErrMissing)
	}
	if c.Provider != "openai" && c.Provider != "anthropic" {
		return nil, fmt.Errorf("unsupported SANDCASTLE_API_TYPE=%q: must be \"openai\" or \"anthropic\"", c.Provider)
	}

	c.APIKey = os.Getenv("SANDCASTLE_API_KEY")
	if c.APIKey == "" {
		return nil, fmt.Errorf("SANDCASTLE_API_KEY: %w", ErrMissing)
	}

	c.APIBase = os.Getenv("SANDCASTLE_API_BASE")

	defaultMaxTokens := 4096
	if c.Provider == "anthropic" {
		defaultMaxTokens = 16384
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"SANDCASTLE_MAX_TOKENS", defaultMaxTokens, &c.MaxTokens},
		{"SANDCASTLE_MAX_RETRIES", 5, &c.MaxRetries},
		{"SANDCASTLE_STREAM_RETRIES", 2, &c.StreamRetries},
		{"SANDCASTLE_MAX_CONTINUATIONS", 3, &c.MaxContinuations},
		{"SANDCASTLE_MAX_TOOL_ROUNDS", 30, &c.MaxToolRounds},
		{"SANDCASTLE_OUTPUT_TRUNCATE", 20480, &c.OutputTruncate},
		{"SANDCASTLE_HEALTH_ATTEMPTS", 30, &c.FullHealth.MaxAttempts},
		{"SANDCASTLE_QUICK_HEALTH_ATTEMPTS", 3, &c.QuickHealth.MaxAttempts},
	}
	for _, f := range ints {
		v, err := envInt(f.key, f.def)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	durations := []struct {
		key  string
		def  time.Duration
		unit time.Duration
		dst  *time.Duration
	}{
		{"SANDCASTLE_SANDBOX_TIMEOUT", 1200 * time.Second, time.Second, &c.Sandbox.Timeout},
		{"SANDCASTLE_HEALTH_INTERVAL_MS", time.Second, time.Millisecond, &c.FullHealth.Interval},
		{"SANDCASTLE_QUICK_HEALTH_INTERVAL_MS", 500 * time.Millisecond, time.Millisecond, &c.QuickHealth.Interval},
		{"SANDCASTLE_RESTART_DELAY_MS", 2 * time.Second, time.Millisecond, &c.RestartDelay},
		{"SANDCASTLE_REFRESH_DELAY_MS", 1500 * time.Millisecond, time.Millisecond, &c.RefreshDelay},
	}
	for _, f := range durations {
		v, err := envDuration(f.key, f.def, f.unit)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	if c.MaxContinuations < 0 || c.MaxToolRounds < 1 {
		return nil, fmt.Errorf("SANDCASTLE_MAX_CONTINUATIONS must be >= 0 and SANDCASTLE_MAX_TOOL_ROUNDS >= 1")
	}
	if c.FullHealth.MaxAttempts < 1 || c.QuickHealth.MaxAttempts < 1 {
		return nil, fmt.Errorf("health attempts must be >= 1")
	}

	c.SessionID = os.Getenv("SANDCASTLE_SESSION_ID")
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}

	c.DataDir = envString("SANDCASTLE_DATA_DIR", ".sandcastle/")
	c.LogLevel = strings.ToLower(envString("SANDCASTLE_LOG_LEVEL", "info"))
	c.SyncDir = envString("SANDCASTLE_SYNC_DIR", "sync_folder")
	c.WatchDir = os.Getenv("SANDCASTLE_WATCH_DIR")

	c.Sandbox.Image = envString("SANDCASTLE_SANDBOX_IMAGE", "python:3.12-slim")
	c.Sandbox.Workdir = envString("SANDCASTLE_SANDBOX_WORKDIR", "/home/user")

	c.Server = DefaultServerSpec()
	if path := os.Getenv("SANDCASTLE_SERVER_FILE"); path != "" {
		spec, err := LoadServerSpec(path)
		if err != nil {
			return nil, err
		}
		c.Server = spec
	}
	if c.Server.Workdir == "" {
		c.Server.Workdir = c.Sandbox.Workdir
	}

	return c, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt reads an environment variable as int, returning def if unset.
func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return n, nil
}

// envDuration reads an integer count of unit, returning def if unset.
func envDuration(key string, def, unit time.Duration) (time.Duration, error) {
	n, err := envInt(key, -1)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return def, nil
	}
	return time.Duration(n) * unit, nil
}
