package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config root configuration
type Config struct {
	StateDir  string          `mapstructure:"state_dir"`
	Slack     SlackConfig     `mapstructure:"slack"`
	Backends  BackendsConfig  `mapstructure:"backends"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Session   SessionConfig   `mapstructure:"session"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Log       LogConfig       `mapstructure:"log"`
}

// SlackConfig Slack bot settings
type SlackConfig struct {
	BotToken      string   `mapstructure:"bot_token"`
	SigningSecret string   `mapstructure:"signing_secret"`
	AppToken      string   `mapstructure:"app_token"`
	AllowFrom     []string `mapstructure:"allow_from"`
}

// BackendsConfig one section per approval system
type BackendsConfig struct {
	Coupa      BackendConfig `mapstructure:"coupa"`
	Brex       BackendConfig `mapstructure:"brex"`
	Jira       JiraConfig    `mapstructure:"jira"`
	ServiceNow BackendConfig `mapstructure:"servicenow"`
	Workday    BackendConfig `mapstructure:"workday"`
}

// BackendConfig connection settings shared by every approval system
type BackendConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	APIToken       string `mapstructure:"api_token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`
}

// JiraConfig Jira settings; decisions are workflow transitions
type JiraConfig struct {
	BackendConfig       `mapstructure:",squash"`
	ApproveTransitionID string `mapstructure:"approve_transition_id"`
	RejectTransitionID  string `mapstructure:"reject_transition_id"`
}

// DirectoryConfig active-user source for the daily sweep
type DirectoryConfig struct {
	OktaBaseURL  string   `mapstructure:"okta_base_url"`
	OktaAPIToken string   `mapstructure:"okta_api_token"`
	Users        []string `mapstructure:"users"`
}

// SessionConfig conversation timeouts
type SessionConfig struct {
	ConfirmTimeoutSeconds int `mapstructure:"confirm_timeout_seconds"`
	CommentTimeoutSeconds int `mapstructure:"comment_timeout_seconds"`
	IdleTTLMinutes        int `mapstructure:"idle_ttl_minutes"`
	SweepIntervalSeconds  int `mapstructure:"sweep_interval_seconds"`
	MaxConcurrentEvents   int `mapstructure:"max_concurrent_events"`
}

// DispatchConfig retry policy for submitting decisions
type DispatchConfig struct {
	MaxRetries   int `mapstructure:"max_retries"`
	MinBackoffMS int `mapstructure:"min_backoff_ms"`
	MaxBackoffMS int `mapstructure:"max_backoff_ms"`
}

// AuditConfig audit store selection
type AuditConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	File        string `mapstructure:"file"`
}

// SweepConfig daily approval sweep
type SweepConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Schedule    string `mapstructure:"schedule"`
	Concurrency int    `mapstructure:"concurrency"`
}

// GatewayConfig webhook server settings
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is "text" or "json".
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func defaultBackend() BackendConfig {
	return BackendConfig{
		Enabled:        false,
		TimeoutSeconds: 15,
		MaxConcurrency: 4,
	}
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		StateDir: filepath.Join(ConfigDir(), "state"),
		Slack:    SlackConfig{AllowFrom: []string{}},
		Backends: BackendsConfig{
			Coupa:      defaultBackend(),
			Brex:       defaultBackend(),
			Jira:       JiraConfig{BackendConfig: defaultBackend()},
			ServiceNow: defaultBackend(),
			Workday:    defaultBackend(),
		},
		Directory: DirectoryConfig{Users: []string{}},
		Session: SessionConfig{
			ConfirmTimeoutSeconds: 300,
			CommentTimeoutSeconds: 900,
			IdleTTLMinutes:        1440,
			SweepIntervalSeconds:  30,
			MaxConcurrentEvents:   64,
		},
		Dispatch: DispatchConfig{
			MaxRetries:   3,
			MinBackoffMS: 250,
			MaxBackoffMS: 5000,
		},
		Sweep: SweepConfig{
			Enabled:     true,
			Schedule:    "0 9 * * 1-5",
			Concurrency: 4,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// ConfigDir returns the picard config directory
func ConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return filepath.Join(homeDir, ".picard")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from the default path or returns defaults
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom loads config from path. A missing file yields defaults plus
// environment overrides. A .env file in the working directory is applied first.
func LoadFrom(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("PICARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// bindEnv registers the secrets that are usually supplied via environment
// rather than the config file, so AutomaticEnv can see them.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"slack.bot_token",
		"slack.signing_secret",
		"slack.app_token",
		"directory.okta_api_token",
		"audit.database_url",
	}
	for _, name := range []string{"coupa", "brex", "jira", "servicenow", "workday"} {
		keys = append(keys, "backends."+name+".api_token", "backends."+name+".base_url", "backends."+name+".enabled")
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to the default path
func Save(cfg *Config) error {
	return SaveTo(cfg, ConfigPath())
}

// SaveTo writes config to path with owner-only permissions.
func SaveTo(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = filepath.Join(ConfigDir(), "state")
	}

	for name, b := range c.Backends.all() {
		if b.TimeoutSeconds < 0 {
			return fmt.Errorf("backends.%s.timeout_seconds must not be negative, got %d", name, b.TimeoutSeconds)
		}
		if b.TimeoutSeconds == 0 {
			b.TimeoutSeconds = 15
		}
		if b.MaxConcurrency < 0 {
			return fmt.Errorf("backends.%s.max_concurrency must not be negative, got %d", name, b.MaxConcurrency)
		}
		if b.MaxConcurrency == 0 {
			b.MaxConcurrency = 4
		}
		if b.Enabled && strings.TrimSpace(b.BaseURL) == "" {
			return fmt.Errorf("backends.%s.base_url is required when enabled", name)
		}
	}
	if c.Backends.Jira.Enabled {
		if strings.TrimSpace(c.Backends.Jira.ApproveTransitionID) == "" || strings.TrimSpace(c.Backends.Jira.RejectTransitionID) == "" {
			return fmt.Errorf("backends.jira approve_transition_id and reject_transition_id are required when enabled")
		}
	}

	s := &c.Session
	if s.ConfirmTimeoutSeconds < 0 || s.CommentTimeoutSeconds < 0 || s.IdleTTLMinutes < 0 || s.SweepIntervalSeconds < 0 || s.MaxConcurrentEvents < 0 {
		return fmt.Errorf("session timeouts and limits must not be negative")
	}
	if s.ConfirmTimeoutSeconds == 0 {
		s.ConfirmTimeoutSeconds = 300
	}
	if s.CommentTimeoutSeconds == 0 {
		s.CommentTimeoutSeconds = 900
	}
	if s.IdleTTLMinutes == 0 {
		s.IdleTTLMinutes = 1440
	}
	if s.SweepIntervalSeconds == 0 {
		s.SweepIntervalSeconds = 30
	}
	if s.MaxConcurrentEvents == 0 {
		s.MaxConcurrentEvents = 64
	}

	d := &c.Dispatch
	if d.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative, got %d", d.MaxRetries)
	}
	if d.MinBackoffMS <= 0 {
		d.MinBackoffMS = 250
	}
	if d.MaxBackoffMS < d.MinBackoffMS {
		d.MaxBackoffMS = d.MinBackoffMS
	}

	if strings.TrimSpace(c.Sweep.Schedule) == "" {
		c.Sweep.Schedule = "0 9 * * 1-5"
	}
	if c.Sweep.Concurrency <= 0 {
		c.Sweep.Concurrency = 4
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	switch format := strings.ToLower(strings.TrimSpace(c.Log.Format)); format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
		c.Log.Format = format
	default:
		return fmt.Errorf("log.format must be text or json; got %q", c.Log.Format)
	}

	return nil
}

func (b *BackendsConfig) all() map[string]*BackendConfig {
	return map[string]*BackendConfig{
		"coupa":      &b.Coupa,
		"brex":       &b.Brex,
		"jira":       &b.Jira.BackendConfig,
		"servicenow": &b.ServiceNow,
		"workday":    &b.Workday,
	}
}

// StatePath joins elem under the state directory.
func (c *Config) StatePath(elem ...string) string {
	return filepath.Join(append([]string{c.StateDir}, elem...)...)
}
