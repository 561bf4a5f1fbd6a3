package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read at startup. The first four are required.
const (
	EnvDiscordToken      = "DISCORD_TOKEN"
	EnvSourceChannelID   = "SOURCE_CHANNEL_ID"
	EnvTargetChannelID   = "TARGET_CHANNEL_ID"
	EnvWebhookToken      = "TARGET_CHANNEL_WEBHOOK_TOKEN"
	EnvConfigPath        = "RELAYBOT_CONFIG"
	EnvLogLevel          = "RELAYBOT_LOG_LEVEL"
	EnvLogFormat         = "RELAYBOT_LOG_FORMAT"
	EnvLogFile           = "RELAYBOT_LOG_FILE"
	EnvMetricsAddr       = "RELAYBOT_METRICS_ADDR"
	EnvJournalPath       = "RELAYBOT_JOURNAL_PATH"
	EnvFallbackAvatarURL = "RELAYBOT_FALLBACK_AVATAR_URL"
)

// DefaultFallbackAvatarURL is used when the author has no avatar.
const DefaultFallbackAvatarURL = "https://doc.rust-lang.org/rust-logo1.58.0.png"

// Config is the root configuration for relaybot. It is built once by Load
// and treated as read-only afterwards.
type Config struct {
	Discord DiscordConfig `yaml:"discord"`
	Relay   RelayConfig   `yaml:"relay"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Journal JournalConfig `yaml:"journal"`
}

type DiscordConfig struct {
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"requestTimeout"` // REST calls and attachment downloads
}

type RelayConfig struct {
	SourceChannelID   string `yaml:"sourceChannelId"`
	TargetChannelID   string `yaml:"targetChannelId"` // webhook id
	WebhookToken      string `yaml:"webhookToken"`
	FallbackAvatarURL string `yaml:"fallbackAvatarUrl"`
}

// Target returns the destination webhook described by the relay config.
func (r RelayConfig) Target() domain.DeliveryTarget {
	return domain.DeliveryTarget{WebhookID: r.TargetChannelID, Token: r.WebhookToken}
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
	File   string `yaml:"file,omitempty"`
}

// MetricsConfig configures the Prometheus text endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Endpoint string `yaml:"endpoint"`
}

// JournalConfig configures the SQLite outcome journal. Empty Path disables it.
type JournalConfig struct {
	Path          string `yaml:"path,omitempty"`
	RetentionDays int    `yaml:"retentionDays"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// without overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the process environment, in that order, then validates it.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		path = ExpandPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}

		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data)))

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	cfg.Log.File = ExpandPath(cfg.Log.File)
	cfg.Journal.Path = ExpandPath(cfg.Journal.Path)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Discord.Token, EnvDiscordToken)
	set(&cfg.Relay.SourceChannelID, EnvSourceChannelID)
	set(&cfg.Relay.TargetChannelID, EnvTargetChannelID)
	set(&cfg.Relay.WebhookToken, EnvWebhookToken)
	set(&cfg.Relay.FallbackAvatarURL, EnvFallbackAvatarURL)
	set(&cfg.Log.Level, EnvLogLevel)
	set(&cfg.Log.Format, EnvLogFormat)
	set(&cfg.Log.File, EnvLogFile)
	set(&cfg.Metrics.Addr, EnvMetricsAddr)
	set(&cfg.Journal.Path, EnvJournalPath)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR
// without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Validate checks that the config has valid values and reports every
// problem at once.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Discord.Token == "" {
		errs = append(errs, EnvDiscordToken+" is required")
	}
	errs = appendSnowflakeErr(errs, EnvSourceChannelID, cfg.Relay.SourceChannelID)
	errs = appendSnowflakeErr(errs, EnvTargetChannelID, cfg.Relay.TargetChannelID)
	if cfg.Relay.WebhookToken == "" {
		errs = append(errs, EnvWebhookToken+" is required")
	}
	if cfg.Discord.RequestTimeout <= 0 {
		errs = append(errs, "discord.requestTimeout must be positive")
	}

	if u, err := url.Parse(cfg.Relay.FallbackAvatarURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "relay.fallbackAvatarUrl must be an absolute URL")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, "log.format must be one of: text, json")
	}

	if !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}
	if cfg.Journal.RetentionDays < 1 {
		errs = append(errs, "journal.retentionDays must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func appendSnowflakeErr(errs []string, name, value string) []string {
	if value == "" {
		return append(errs, name+" is required")
	}
	if _, err := strconv.ParseUint(value, 10, 64); err != nil {
		return append(errs, fmt.Sprintf("%s must be a numeric id, got %q", name, value))
	}
	return errs
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
