// Package config loads dupwatch settings from defaults, an optional YAML
// file and the process environment, in increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/dupwatch/horosafe"
)

// FileEnv names the environment variable holding the YAML file path.
const FileEnv = "DUPWATCH_CONFIG"

// ObsDBOff disables the observability journal.
const ObsDBOff = "off"

// Config holds the full dupwatch configuration.
type Config struct {
	DiscordToken    string        `yaml:"discord_token"`
	DiscordTokenRaw bool          `yaml:"discord_token_raw"`
	CacheChannelID  string        `yaml:"cache_channel_id"`
	WatchChannelID  string        `yaml:"watch_channel_id"`
	SecurityWebhook string        `yaml:"security_webhook"`
	PageSize        int           `yaml:"page_size"`
	PageDelay       time.Duration `yaml:"page_delay"`
	LogLevel        string        `yaml:"log_level"`
	ObservabilityDB string        `yaml:"observability_db"`
	StatusAddr      string        `yaml:"status_addr"`
}

// DefaultConfig returns the defaults for every optional setting.
func DefaultConfig() *Config {
	return &Config{
		PageSize:        100,
		PageDelay:       350 * time.Millisecond,
		LogLevel:        "info",
		ObservabilityDB: "data/dupwatch.db",
	}
}

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// FromEnv loads the configuration from the process environment.
func FromEnv() (*Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a Config from defaults, the YAML file named by DUPWATCH_CONFIG
// (if set) and the variables visible through lookup, then validates it.
func Load(lookup LookupFunc) (*Config, error) {
	cfg := DefaultConfig()

	if path, ok := lookup(FileEnv); ok && path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &InvalidError{Key: FileEnv, Value: path, Reason: err.Error()}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &InvalidError{Key: FileEnv, Value: path, Reason: fmt.Sprintf("parse: %v", err)}
	}
	return nil
}

func (c *Config) mergeEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DISCORD_TOKEN", &c.DiscordToken)
	str("CACHE_CHANNEL_ID", &c.CacheChannelID)
	str("WATCH_CHANNEL_ID", &c.WatchChannelID)
	str("SECURITY_WEBHOOK", &c.SecurityWebhook)
	str("LOG_LEVEL", &c.LogLevel)
	str("OBS_DB", &c.ObservabilityDB)
	str("STATUS_ADDR", &c.StatusAddr)

	if v, ok := lookup("DISCORD_TOKEN_RAW"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &InvalidError{Key: "DISCORD_TOKEN_RAW", Value: v, Reason: "not a boolean"}
		}
		c.DiscordTokenRaw = b
	}
	if v, ok := lookup("PAGE_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &InvalidError{Key: "PAGE_SIZE", Value: v, Reason: "not an integer"}
		}
		c.PageSize = n
	}
	if v, ok := lookup("PAGE_DELAY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &InvalidError{Key: "PAGE_DELAY", Value: v, Reason: "not a duration"}
		}
		c.PageDelay = d
	}
	return nil
}

// Validate checks required keys first, then the optional values.
func (c *Config) Validate() error {
	var missing []string
	for _, r := range []struct {
		key string
		val string
	}{
		{"DISCORD_TOKEN", c.DiscordToken},
		{"CACHE_CHANNEL_ID", c.CacheChannelID},
		{"WATCH_CHANNEL_ID", c.WatchChannelID},
		{"SECURITY_WEBHOOK", c.SecurityWebhook},
	} {
		if strings.TrimSpace(r.val) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}

	if err := horosafe.ValidateHTTPURL(c.SecurityWebhook); err != nil {
		return &InvalidError{Key: "SECURITY_WEBHOOK", Value: horosafe.RedactURL(c.SecurityWebhook), Reason: err.Error()}
	}
	if c.PageSize < 1 || c.PageSize > 100 {
		return &InvalidError{Key: "PAGE_SIZE", Value: strconv.Itoa(c.PageSize), Reason: "must be between 1 and 100"}
	}
	if c.PageDelay < 0 {
		return &InvalidError{Key: "PAGE_DELAY", Value: c.PageDelay.String(), Reason: "must not be negative"}
	}
	if _, ok := levels[strings.ToLower(c.LogLevel)]; !ok {
		return &InvalidError{Key: "LOG_LEVEL", Value: c.LogLevel, Reason: "use debug, info, warn or error"}
	}
	return nil
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level, info when unknown.
func (c *Config) SlogLevel() slog.Level {
	if l, ok := levels[strings.ToLower(c.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}

// JournalEnabled reports whether the observability journal should be opened.
func (c *Config) JournalEnabled() bool {
	return c.ObservabilityDB != "" && !strings.EqualFold(c.ObservabilityDB, ObsDBOff)
}

// LogValue masks the token and the webhook URL.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("discord_token", horosafe.MaskSecret(c.DiscordToken)),
		slog.Bool("discord_token_raw", c.DiscordTokenRaw),
		slog.String("cache_channel_id", c.CacheChannelID),
		slog.String("watch_channel_id", c.WatchChannelID),
		slog.String("security_webhook", horosafe.RedactURL(c.SecurityWebhook)),
		slog.Int("page_size", c.PageSize),
		slog.Duration("page_delay", c.PageDelay),
		slog.String("log_level", c.LogLevel),
		slog.String("observability_db", c.ObservabilityDB),
		slog.String("status_addr", c.StatusAddr),
	)
}
