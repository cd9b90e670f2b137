// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/render-proxy/config.toml",
	"configs/config.toml",
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	PublicBaseURL string `kong:"help='Externally visible proxy base URL used in rewritten links (overrides config).',env='PUBLIC_BASE_URL'"`
	BrowserBin    string `kong:"help='Path to the Chromium binary (overrides config).',env='BROWSER_BIN'"`
	AnswerURL     string `kong:"help='Base URL of the answer service (overrides config).',env='ANSWER_URL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Render  RenderConfig  `toml:"render"`
	Fetch   FetchConfig   `toml:"fetch"`
	Answer  AnswerConfig  `toml:"answer"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string          `toml:"host"`
	Port             int             `toml:"port"` // 0 means "use default" (8090); TOML cannot distinguish 0 from unset
	BodyMaxBytes     int64           `toml:"body_max_bytes"`
	PublicBaseURL    string          `toml:"public_base_url"`
	CORSAllowOrigins []string        `toml:"cors_allow_origins"`
	RateLimit        RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// RenderConfig holds headless browser settings.
type RenderConfig struct {
	PoolSize                 int    `toml:"pool_size"`
	NavigationTimeoutSeconds int    `toml:"navigation_timeout_seconds"`
	QuiescenceTimeoutSeconds int    `toml:"quiescence_timeout_seconds"`
	IdleWindowMS             int    `toml:"idle_window_ms"`
	UserAgent                string `toml:"user_agent"`
	Locale                   string `toml:"locale"`
	AcceptLanguage           string `toml:"accept_language"`
	ViewportWidth            int    `toml:"viewport_width"`
	ViewportHeight           int    `toml:"viewport_height"`
	BrowserBin               string `toml:"browser_bin"`
	ControlURL               string `toml:"control_url"` // attach to a running browser instead of launching one
	NoSandbox                bool   `toml:"no_sandbox"`
}

// FetchConfig holds sub-resource fetch settings.
type FetchConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	VerifyTLS       bool   `toml:"verify_tls"`
	MaxBodyBytes    int64  `toml:"max_body_bytes"`
	Accept          string `toml:"accept"`
}

// AnswerConfig points at the external question-answering service. An empty
// BaseURL disables /chat.
type AnswerConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	MaxRetries      int    `toml:"max_retries"`
	MaxContextChars int    `toml:"max_context_chars"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// reservedRoutes may not be shadowed by the metrics endpoint.
var reservedRoutes = []string{"/proxy", "/resource", "/load-url", "/chat", "/healthz", "/status"}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/render-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.PublicBaseURL != "" {
		c.Server.PublicBaseURL = cli.PublicBaseURL
	}
	if cli.BrowserBin != "" {
		c.Render.BrowserBin = cli.BrowserBin
	}
	if cli.AnswerURL != "" {
		c.Answer.BaseURL = cli.AnswerURL
	}
}

func (c *Config) validate() error {
	if err := validateHTTPURL("server.public_base_url", c.Server.PublicBaseURL); err != nil {
		return err
	}
	if err := validateHTTPURL("answer.base_url", c.Answer.BaseURL); err != nil {
		return err
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	nonNegative := []struct {
		name string
		v    int64
	}{
		{"server.body_max_bytes", c.Server.BodyMaxBytes},
		{"render.pool_size", int64(c.Render.PoolSize)},
		{"render.navigation_timeout_seconds", int64(c.Render.NavigationTimeoutSeconds)},
		{"render.quiescence_timeout_seconds", int64(c.Render.QuiescenceTimeoutSeconds)},
		{"render.idle_window_ms", int64(c.Render.IdleWindowMS)},
		{"render.viewport_width", int64(c.Render.ViewportWidth)},
		{"render.viewport_height", int64(c.Render.ViewportHeight)},
		{"fetch.timeout_seconds", int64(c.Fetch.TimeoutSeconds)},
		{"fetch.idle_connections", int64(c.Fetch.IdleConnections)},
		{"fetch.max_body_bytes", c.Fetch.MaxBodyBytes},
		{"answer.timeout_seconds", int64(c.Answer.TimeoutSeconds)},
		{"answer.max_retries", int64(c.Answer.MaxRetries)},
		{"answer.max_context_chars", int64(c.Answer.MaxContextChars)},
	}
	for _, f := range nonNegative {
		if f.v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", f.name, f.v)
		}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateHTTPURL(name, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https; got %q", name, raw)
	}
	if u.Host == "" {
		return errors.New(name + " must include a host")
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1 << 20
	}
	c.Server.PublicBaseURL = strings.TrimRight(c.Server.PublicBaseURL, "/")
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Render.PoolSize == 0 {
		c.Render.PoolSize = 2
	}
	if c.Render.NavigationTimeoutSeconds == 0 {
		c.Render.NavigationTimeoutSeconds = 30
	}
	if c.Render.QuiescenceTimeoutSeconds == 0 {
		c.Render.QuiescenceTimeoutSeconds = 10
	}
	if c.Render.IdleWindowMS == 0 {
		c.Render.IdleWindowMS = 500
	}
	if c.Render.UserAgent == "" {
		c.Render.UserAgent = defaultUserAgent
	}
	if c.Render.Locale == "" {
		c.Render.Locale = "en-US"
	}
	if c.Render.AcceptLanguage == "" {
		c.Render.AcceptLanguage = "en-US,en;q=0.9"
	}
	if c.Render.ViewportWidth == 0 {
		c.Render.ViewportWidth = 1366
	}
	if c.Render.ViewportHeight == 0 {
		c.Render.ViewportHeight = 768
	}

	if c.Fetch.TimeoutSeconds == 0 {
		c.Fetch.TimeoutSeconds = 20
	}
	if c.Fetch.IdleConnections == 0 {
		c.Fetch.IdleConnections = 100
	}
	if c.Fetch.MaxBodyBytes == 0 {
		c.Fetch.MaxBodyBytes = 50 << 20
	}
	if c.Fetch.Accept == "" {
		c.Fetch.Accept = "*/*"
	}

	c.Answer.BaseURL = strings.TrimRight(c.Answer.BaseURL, "/")
	if c.Answer.TimeoutSeconds == 0 {
		c.Answer.TimeoutSeconds = 60
	}
	if c.Answer.MaxRetries == 0 {
		c.Answer.MaxRetries = 2
	}
	if c.Answer.MaxContextChars == 0 {
		c.Answer.MaxContextChars = 12000
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FilePath returns the config file that was loaded, or "" when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
