package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for guildsync.
type Config struct {
	General     GeneralConfig     `json:"general" yaml:"general"`
	Server      ServerConfig      `json:"server" yaml:"server"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	Reconnect   ReconnectConfig   `json:"reconnect" yaml:"reconnect"`
	Outbox      OutboxConfig      `json:"outbox" yaml:"outbox"`
	Cursor      CursorConfig      `json:"cursor" yaml:"cursor"`
	Attachments AttachmentsConfig `json:"attachments" yaml:"attachments"`
	Store       StoreConfig       `json:"store" yaml:"store"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`                   // debug | info | warn | error
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // empty = stderr
	DataDir  string `json:"dataDir" yaml:"dataDir"`
}

// ServerConfig describes the remote chat server. Endpoint and Token are
// optional here; `guildsync login` stores them in the settings database,
// which takes precedence.
type ServerConfig struct {
	Endpoint            string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Token               string  `json:"token,omitempty" yaml:"token,omitempty"`
	Codec               string  `json:"codec" yaml:"codec"` // json | cbor
	RPCTimeoutSeconds   int     `json:"rpcTimeoutSeconds" yaml:"rpcTimeoutSeconds"`
	PingIntervalSeconds int     `json:"pingIntervalSeconds" yaml:"pingIntervalSeconds"`
	MaxCallFailures     int     `json:"maxCallFailures" yaml:"maxCallFailures"`
	CallsPerMinute      float64 `json:"callsPerMinute" yaml:"callsPerMinute"` // 0 = unthrottled
	CallBurst           int     `json:"callBurst" yaml:"callBurst"`
}

type CacheConfig struct {
	WindowSize int `json:"windowSize" yaml:"windowSize"` // messages kept per channel
}

type ReconnectConfig struct {
	InitialIntervalMs  int     `json:"initialIntervalMs" yaml:"initialIntervalMs"`
	MaxIntervalSeconds int     `json:"maxIntervalSeconds" yaml:"maxIntervalSeconds"`
	Multiplier         float64 `json:"multiplier" yaml:"multiplier"`
	Randomization      float64 `json:"randomization" yaml:"randomization"`
}

type OutboxConfig struct {
	AbandonAfterSeconds int `json:"abandonAfterSeconds" yaml:"abandonAfterSeconds"`
}

type CursorConfig struct {
	FlushEvery int `json:"flushEvery" yaml:"flushEvery"`
}

type AttachmentsConfig struct {
	Dir                 string `json:"dir,omitempty" yaml:"dir,omitempty"` // default: <dataDir>/attachments
	MaxBytes            int64  `json:"maxBytes" yaml:"maxBytes"`
	FetchTimeoutSeconds int    `json:"fetchTimeoutSeconds" yaml:"fetchTimeoutSeconds"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"` // default: <dataDir>/guildsync.db
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

func (c ServerConfig) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutSeconds) * time.Second
}

func (c ServerConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c OutboxConfig) AbandonAfter() time.Duration {
	return time.Duration(c.AbandonAfterSeconds) * time.Second
}

func (c AttachmentsConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// DBPath returns the settings database location.
func (c *Config) DBPath() string {
	if c.Store.DBPath != "" {
		return c.Store.DBPath
	}
	return filepath.Join(c.General.DataDir, "guildsync.db")
}

// AttachmentDir returns the directory the attachment resolver writes to.
func (c *Config) AttachmentDir() string {
	if c.Attachments.Dir != "" {
		return c.Attachments.Dir
	}
	return filepath.Join(c.General.DataDir, "attachments")
}

func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".guildsync"
	}
	return filepath.Join(home, ".guildsync")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads a config file. The format follows the extension: .json,
// .jsonc (comments and trailing commas allowed) or .yaml/.yml.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Attachments.Dir = ExpandPath(cfg.Attachments.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg in the format matching the file extension. JSONC files
// are written as plain JSON.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.DataDir == "" {
		errs = append(errs, "general.dataDir is required")
	}

	switch cfg.Server.Codec {
	case "json", "cbor":
	default:
		errs = append(errs, "server.codec must be one of: json, cbor")
	}
	if ep := cfg.Server.Endpoint; ep != "" && !strings.HasPrefix(ep, "ws://") && !strings.HasPrefix(ep, "wss://") {
		errs = append(errs, "server.endpoint must start with ws:// or wss://")
	}
	if cfg.Server.RPCTimeoutSeconds < 1 || cfg.Server.RPCTimeoutSeconds > 600 {
		errs = append(errs, "server.rpcTimeoutSeconds must be between 1 and 600")
	}
	if cfg.Server.PingIntervalSeconds < 1 {
		errs = append(errs, "server.pingIntervalSeconds must be >= 1")
	}
	if cfg.Server.MaxCallFailures < 1 {
		errs = append(errs, "server.maxCallFailures must be >= 1")
	}
	if cfg.Server.CallsPerMinute < 0 {
		errs = append(errs, "server.callsPerMinute must be >= 0")
	}
	if cfg.Server.CallsPerMinute > 0 && cfg.Server.CallBurst < 1 {
		errs = append(errs, "server.callBurst must be >= 1 when callsPerMinute is set")
	}

	if cfg.Cache.WindowSize < 2 || cfg.Cache.WindowSize > 100000 {
		errs = append(errs, "cache.windowSize must be between 2 and 100000")
	}

	if cfg.Reconnect.InitialIntervalMs < 1 {
		errs = append(errs, "reconnect.initialIntervalMs must be >= 1")
	}
	if time.Duration(cfg.Reconnect.MaxIntervalSeconds)*time.Second < time.Duration(cfg.Reconnect.InitialIntervalMs)*time.Millisecond {
		errs = append(errs, "reconnect.maxIntervalSeconds must not be below reconnect.initialIntervalMs")
	}
	if cfg.Reconnect.Multiplier < 1 {
		errs = append(errs, "reconnect.multiplier must be >= 1")
	}
	if cfg.Reconnect.Randomization < 0 || cfg.Reconnect.Randomization > 1 {
		errs = append(errs, "reconnect.randomization must be between 0 and 1")
	}

	if cfg.Outbox.AbandonAfterSeconds < 1 {
		errs = append(errs, "outbox.abandonAfterSeconds must be >= 1")
	}
	if cfg.Cursor.FlushEvery < 1 {
		errs = append(errs, "cursor.flushEvery must be >= 1")
	}
	if cfg.Attachments.MaxBytes < 1 {
		errs = append(errs, "attachments.maxBytes must be >= 1")
	}
	if cfg.Attachments.FetchTimeoutSeconds < 1 {
		errs = append(errs, "attachments.fetchTimeoutSeconds must be >= 1")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
