// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ValidationError reports a malformed or missing configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Site      SiteConfig      `mapstructure:"site"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Transport TransportConfig `mapstructure:"transport"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SiteConfig identifies the target site, its entry points and the
// selectors driving generic extraction.
type SiteConfig struct {
	ID                 string            `mapstructure:"id"`
	BaseURL            string            `mapstructure:"base_url"`
	StartURLs          []string          `mapstructure:"start_urls"`
	Adapter            string            `mapstructure:"adapter"`
	ListPathPrefixes   []string          `mapstructure:"list_path_prefixes"`
	DetailPathPrefixes []string          `mapstructure:"detail_path_prefixes"`
	FieldSelectors     map[string]string `mapstructure:"field_selectors"`
	LinkSelector       string            `mapstructure:"link_selector"`
}

// CrawlConfig bounds the walk.
type CrawlConfig struct {
	MaxPages int    `mapstructure:"max_pages"`
	MaxDepth int    `mapstructure:"max_depth"`
	Workers  int    `mapstructure:"workers"`
	ProbeURL string `mapstructure:"probe_url"`
}

// RateLimitConfig governs admission pacing and backoff.
type RateLimitConfig struct {
	BaseDelaySeconds   float64            `mapstructure:"base_delay_seconds"`
	JitterSeconds      float64            `mapstructure:"jitter_seconds"`
	Concurrency        int                `mapstructure:"concurrency"`
	PerTargetSeconds   map[string]float64 `mapstructure:"per_target_seconds"`
	MaxBackoffSeconds  float64            `mapstructure:"max_backoff_seconds"`
	CoolDownSeconds    float64            `mapstructure:"cool_down_seconds"`
	EscalateAfter      int                `mapstructure:"escalate_after"`
	CoolDownAfter      int                `mapstructure:"cool_down_after"`
}

// TransportConfig selects and tunes the fetch transport.
type TransportConfig struct {
	Mode              string            `mapstructure:"mode"`
	TimeoutSeconds    int               `mapstructure:"timeout_seconds"`
	UserAgent         string            `mapstructure:"user_agent"`
	UserAgentRotation bool              `mapstructure:"user_agent_rotation"`
	Headers           map[string]string `mapstructure:"headers"`
	Proxy             ProxyConfig       `mapstructure:"proxy"`
}

// ProxyConfig describes an optional forward proxy.
type ProxyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// AuthConfig drives the login negotiation and credential handling.
type AuthConfig struct {
	LoginRequired   bool              `mapstructure:"login_required"`
	LoginURL        string            `mapstructure:"login_url"`
	FieldMap        map[string]string `mapstructure:"field_map"`
	SuccessPhrases  []string          `mapstructure:"success_phrases"`
	FailurePhrases  []string          `mapstructure:"failure_phrases"`
	CredentialsKey  string            `mapstructure:"credentials_key"`
	SecureStorage   bool              `mapstructure:"secure_storage"`
	AllowPrompt     bool              `mapstructure:"allow_prompt"`
	// Username and Password are the plaintext fallback source. Leaving
	// them empty and relying on the secure store is the normal setup.
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// StorageConfig sets where canonical documents land.
type StorageConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// ServerConfig controls the ops/status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Transport mode values accepted by transport.mode.
const (
	ModeHTTP    = "http"
	ModeBrowser = "browser"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.max_pages", 1000)
	v.SetDefault("crawl.max_depth", 2)
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("rate_limit.base_delay_seconds", 1.0)
	v.SetDefault("rate_limit.jitter_seconds", 0.5)
	v.SetDefault("rate_limit.concurrency", 4)
	v.SetDefault("rate_limit.max_backoff_seconds", 300.0)
	v.SetDefault("rate_limit.cool_down_seconds", 3600.0)
	v.SetDefault("rate_limit.escalate_after", 3)
	v.SetDefault("rate_limit.cool_down_after", 10)
	v.SetDefault("transport.mode", ModeHTTP)
	v.SetDefault("transport.timeout_seconds", 30)
	v.SetDefault("transport.user_agent", "scrapecore/0.1")
	v.SetDefault("auth.secure_storage", true)
	v.SetDefault("auth.allow_prompt", true)
	v.SetDefault("storage.output_dir", "data")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Site.BaseURL == "" {
		return &ValidationError{Field: "site.base_url", Reason: "is required"}
	}
	if u, err := url.Parse(c.Site.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{Field: "site.base_url", Reason: "must be an absolute URL"}
	}
	if c.Crawl.MaxPages < 0 || c.Crawl.MaxDepth < 0 {
		return &ValidationError{Field: "crawl", Reason: "bounds must be >= 0"}
	}
	if c.RateLimit.Concurrency <= 0 {
		return &ValidationError{Field: "rate_limit.concurrency", Reason: "must be > 0"}
	}
	if c.RateLimit.BaseDelaySeconds < 0 {
		return &ValidationError{Field: "rate_limit.base_delay_seconds", Reason: "must be >= 0"}
	}
	if c.Transport.Mode != ModeHTTP && c.Transport.Mode != ModeBrowser {
		return &ValidationError{Field: "transport.mode", Reason: `must be "http" or "browser"`}
	}
	if c.Transport.TimeoutSeconds <= 0 {
		return &ValidationError{Field: "transport.timeout_seconds", Reason: "must be > 0"}
	}
	if c.Transport.Proxy.Enabled && c.Transport.Proxy.Server == "" {
		return &ValidationError{Field: "transport.proxy.server", Reason: "must be set when proxy is enabled"}
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return &ValidationError{Field: "server.port", Reason: "must be > 0 when server is enabled"}
	}
	if c.Auth.LoginRequired {
		if c.Auth.LoginURL == "" {
			return &ValidationError{Field: "auth.login_url", Reason: "is required when login is enabled"}
		}
		if c.Auth.CredentialsKey == "" {
			return &ValidationError{Field: "auth.credentials_key", Reason: "is required when login is enabled"}
		}
		if err := validateFieldMap(c.Auth.FieldMap); err != nil {
			return err
		}
	}
	return nil
}

func validateFieldMap(fields map[string]string) error {
	if len(fields) == 0 {
		return &ValidationError{Field: "auth.field_map", Reason: "is required when login is enabled"}
	}
	for _, required := range []string{"username", "password"} {
		if fields[required] == "" {
			return &ValidationError{
				Field:  "auth.field_map." + required,
				Reason: "must map to a locator",
			}
		}
	}
	return nil
}

// FetchTimeout returns the transport timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Transport.TimeoutSeconds) * time.Second
}
