// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// StreamKind selects the commit stream wire format.
type StreamKind string

const (
	// Jetstream is the simplified JSON feed.
	Jetstream StreamKind = "jetstream"
	// Firehose is the binary com.atproto.sync.subscribeRepos feed.
	Firehose StreamKind = "firehose"
)

// Default endpoints per stream kind.
const (
	DefaultJetstreamURL = "wss://jetstream2.us-east.bsky.network/subscribe"
	DefaultFirehoseURL  = "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos"
)

// Config is the master configuration for atmirror.
type Config struct {
	// Identity names the repositories being mirrored.
	Identity IdentityConfig `yaml:"identity"`

	// Stream configures the commit stream client.
	Stream StreamConfig `yaml:"stream"`

	// Sync configures the snapshot fetch and the catch-up window.
	Sync SyncConfig `yaml:"sync"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log"`
}

// IdentityConfig names the agent and operator repositories.
type IdentityConfig struct {
	// AgentDID owns the repository mirrored into the cache.
	AgentDID string `yaml:"agent_did"`

	// OperatorDID is the only identity whose approval records are
	// delivered to the approval callback. Optional.
	OperatorDID string `yaml:"operator_did"`

	// PDSURL is the base URL of the agent's personal data server.
	PDSURL string `yaml:"pds_url"`
}

// StreamConfig configures the commit stream client.
type StreamConfig struct {
	// Kind is "jetstream" or "firehose".
	// Default: jetstream
	Kind StreamKind `yaml:"kind"`

	// URL is the websocket endpoint. Empty selects the default for Kind.
	URL string `yaml:"url"`

	// IdleTimeout bounds how long a connection may stay silent before
	// it is treated as failed.
	// Default: 60s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MinBackoff and MaxBackoff bound the reconnect backoff.
	// Default: 1s and 60s
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Rewind is how far a Jetstream resume cursor is moved back on
	// reconnect.
	// Default: 5s
	Rewind time.Duration `yaml:"rewind"`

	// RewindEvents is how many sequence numbers a firehose resume
	// cursor is moved back on reconnect.
	// Default: 100
	RewindEvents int64 `yaml:"rewind_events"`

	// GracePeriod is the fallback after which a reconnect catch-up is
	// finished even if no frame past the old cursor arrived.
	// Default: 5s
	GracePeriod time.Duration `yaml:"grace_period"`

	// Compress requests zstd-compressed Jetstream frames.
	Compress bool `yaml:"compress"`

	// ZstdDictionary is the path to the Jetstream zstd dictionary.
	// Required when Compress is set.
	ZstdDictionary string `yaml:"zstd_dictionary"`
}

// SyncConfig configures the coordinator.
type SyncConfig struct {
	// SettleDelay is the pause between starting the stream and fetching
	// the snapshot.
	// Default: 500ms
	SettleDelay time.Duration `yaml:"settle_delay"`

	// PendingLimit bounds the number of commits queued while syncing.
	// Default: 10000
	PendingLimit int `yaml:"pending_limit"`

	// VerifyBlocks recomputes every archive block's hash on decode.
	// Default: true
	VerifyBlocks bool `yaml:"verify_blocks"`

	// FetchTimeout bounds one snapshot download.
	// Default: 60s
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// ResyncInterval schedules a periodic full resync. Zero disables it.
	// Default: 1h
	ResyncInterval time.Duration `yaml:"resync_interval"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	// Default: info
	Level string `yaml:"level"`

	// Format is "json", "text", or "auto" (text when stderr is a
	// terminal, JSON otherwise).
	// Default: json
	Format string `yaml:"format"`
}

// Default returns the default configuration. Identity has no default:
// the config file must name the repositories.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			Kind:         Jetstream,
			IdleTimeout:  60 * time.Second,
			MinBackoff:   time.Second,
			MaxBackoff:   60 * time.Second,
			Rewind:       5 * time.Second,
			RewindEvents: 100,
			GracePeriod:  5 * time.Second,
		},
		Sync: SyncConfig{
			SettleDelay:    500 * time.Millisecond,
			PendingLimit:   10000,
			VerifyBlocks:   true,
			FetchTimeout:   60 * time.Second,
			ResyncInterval: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from the ATMIRROR_CONFIG environment
// variable. There are no fallbacks: if it is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("ATMIRROR_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("ATMIRROR_CONFIG environment variable not set; " +
			"set it to the path of your atmirror.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, layered over
// [Default], and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	cfg.expandVariables()

	if cfg.Stream.URL == "" {
		cfg.Stream.URL = cfg.Stream.Kind.defaultURL()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// loadFile merges one file into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so once comments and trailing
		// commas are stripped the YAML decoder handles durations the
		// same way for both forms.
		data = jsonc.ToJSON(data)
	}

	return yaml.Unmarshal(data, c)
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Identity.PDSURL = expandVars(c.Identity.PDSURL, vars)
	c.Stream.URL = expandVars(c.Stream.URL, vars)
	c.Stream.ZstdDictionary = expandVars(c.Stream.ZstdDictionary, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

func (k StreamKind) defaultURL() string {
	switch k {
	case Jetstream:
		return DefaultJetstreamURL
	case Firehose:
		return DefaultFirehoseURL
	}
	return ""
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if !strings.HasPrefix(c.Identity.AgentDID, "did:") {
		errs = append(errs, fmt.Errorf("identity.agent_did must be a DID, got %q", c.Identity.AgentDID))
	}
	if c.Identity.OperatorDID != "" && !strings.HasPrefix(c.Identity.OperatorDID, "did:") {
		errs = append(errs, fmt.Errorf("identity.operator_did must be a DID, got %q", c.Identity.OperatorDID))
	}
	if err := checkURL(c.Identity.PDSURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("identity.pds_url: %w", err))
	}

	if c.Stream.Kind != Jetstream && c.Stream.Kind != Firehose {
		errs = append(errs, fmt.Errorf("stream.kind must be one of: %v", []StreamKind{Jetstream, Firehose}))
	}
	if err := checkURL(c.Stream.URL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("stream.url: %w", err))
	}
	if c.Stream.IdleTimeout <= 0 {
		errs = append(errs, errors.New("stream.idle_timeout must be positive"))
	}
	if c.Stream.MinBackoff <= 0 {
		errs = append(errs, errors.New("stream.min_backoff must be positive"))
	}
	if c.Stream.MaxBackoff < c.Stream.MinBackoff {
		errs = append(errs, errors.New("stream.max_backoff must not be less than stream.min_backoff"))
	}
	if c.Stream.Rewind < 0 || c.Stream.RewindEvents < 0 {
		errs = append(errs, errors.New("stream.rewind and stream.rewind_events must not be negative"))
	}
	if c.Stream.GracePeriod <= 0 {
		errs = append(errs, errors.New("stream.grace_period must be positive"))
	}
	if c.Stream.Compress && c.Stream.Kind != Jetstream {
		errs = append(errs, errors.New("stream.compress is only supported for jetstream"))
	}

	if c.Sync.SettleDelay < 0 {
		errs = append(errs, errors.New("sync.settle_delay must not be negative"))
	}
	if c.Sync.PendingLimit <= 0 {
		errs = append(errs, errors.New("sync.pending_limit must be positive"))
	}
	if c.Sync.FetchTimeout <= 0 {
		errs = append(errs, errors.New("sync.fetch_timeout must be positive"))
	}
	if c.Sync.ResyncInterval < 0 {
		errs = append(errs, errors.New("sync.resync_interval must not be negative"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text", "auto":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json, text or auto, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, " or "))
}
