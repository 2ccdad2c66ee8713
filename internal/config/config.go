package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up by LoadFromDir.
const FileName = "kbase.yaml"

// Config represents the kbase configuration
type Config struct {
	Title   string        `yaml:"title"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Diagram DiagramConfig `yaml:"diagram"`
	Preview PreviewConfig `yaml:"preview"`
	Docs    DocsConfig    `yaml:"docs"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	API     *APIConfig    `yaml:"api,omitempty"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port  int    `yaml:"port"`
	Host  string `yaml:"host"`
	Debug bool   `yaml:"debug"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects and configures the page store.
type StorageConfig struct {
	Driver     string `yaml:"driver"`               // "memory", "sqlite", "postgres", "mongo" or "remote"
	DSN        string `yaml:"dsn,omitempty"`        // Connection string, file path or base URL; env vars expanded
	Database   string `yaml:"database,omitempty"`   // For mongo: database name
	Collection string `yaml:"collection,omitempty"` // For mongo: collection name (default: pages)
	APIKey     string `yaml:"api_key,omitempty"`    // For remote: API key sent with writes; env vars expanded
	Timeout    string `yaml:"timeout,omitempty"`    // Operation timeout (e.g. "5s"). Default: 10s
}

// GetDSN returns the DSN with environment variable expansion
func (c StorageConfig) GetDSN() string {
	return os.ExpandEnv(c.DSN)
}

// GetAPIKey returns the API key with environment variable expansion
func (c StorageConfig) GetAPIKey() string {
	return os.ExpandEnv(c.APIKey)
}

// GetCollection returns the mongo collection (default: "pages")
func (c StorageConfig) GetCollection() string {
	if c.Collection == "" {
		return "pages"
	}
	return c.Collection
}

// GetTimeout returns the parsed timeout duration (default: 10s)
func (c StorageConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

// DiagramConfig configures diagram rendering.
type DiagramConfig struct {
	Engine string `yaml:"engine"` // "client" (default) or "chrome"; chrome makes validate render every diagram
	Theme  string `yaml:"theme,omitempty"`
}

// PreviewConfig configures the composer live preview.
type PreviewConfig struct {
	Debounce string `yaml:"debounce,omitempty"` // Debounce window for diagram/table previews. Default: 500ms
}

// GetDebounce returns the parsed debounce window (default: 500ms)
func (c PreviewConfig) GetDebounce() time.Duration {
	return parseDuration(c.Debounce, 500*time.Millisecond)
}

// DocsConfig configures the bundled HTML documents.
type DocsConfig struct {
	Dir   string `yaml:"dir,omitempty"` // Directory of *.html documents, relative to the site root
	Watch bool   `yaml:"watch"`         // Reload documents when files change
}

// CacheConfig configures the rendered fragment cache.
type CacheConfig struct {
	TTL        string `yaml:"ttl,omitempty"`         // Default: 10m
	MaxEntries int    `yaml:"max_entries,omitempty"` // Default: 1000
}

// GetTTL returns the fragment cache TTL (default: 10m)
func (c CacheConfig) GetTTL() time.Duration {
	return parseDuration(c.TTL, 10*time.Minute)
}

// GetMaxEntries returns the entry limit (default: 1000)
func (c CacheConfig) GetMaxEntries() int {
	if c.MaxEntries <= 0 {
		return 1000
	}
	return c.MaxEntries
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "console" or "json"
}

// APIConfig holds REST API configuration
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	CORS      *CORSConfig      `yaml:"cors,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
	Auth      *AuthConfig      `yaml:"auth,omitempty"`
}

// AuthConfig holds authentication configuration for the API
type AuthConfig struct {
	// APIKey is required on write requests.
	// Supports environment variable expansion (e.g., "${API_KEY}" or "$API_KEY")
	APIKey string `yaml:"api_key,omitempty"`
	// HeaderName is the HTTP header carrying the key (default: "X-API-Key").
	// "Authorization" accepts "Bearer <token>".
	HeaderName string `yaml:"header_name,omitempty"`
}

// CORSConfig holds CORS configuration for the API
type CORSConfig struct {
	Origins []string `yaml:"origins,omitempty"`
}

// RateLimitConfig holds rate limiting configuration for the API
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"` // Default: 10
	Burst             int     `yaml:"burst,omitempty"`               // Default: 20
}

// GetCORSOrigins returns the configured CORS origins, or nil if not configured
func (c *APIConfig) GetCORSOrigins() []string {
	if c == nil || c.CORS == nil {
		return nil
	}
	return c.CORS.Origins
}

// GetRateLimitRPS returns the rate limit in requests per second (default: 10)
func (c *APIConfig) GetRateLimitRPS() float64 {
	if c == nil || c.RateLimit == nil || c.RateLimit.RequestsPerSecond <= 0 {
		return 10
	}
	return c.RateLimit.RequestsPerSecond
}

// GetRateLimitBurst returns the burst size (default: 20)
func (c *APIConfig) GetRateLimitBurst() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.Burst <= 0 {
		return 20
	}
	return c.RateLimit.Burst
}

// IsAuthEnabled returns true if API authentication is configured
func (c *APIConfig) IsAuthEnabled() bool {
	if c == nil || c.Auth == nil {
		return false
	}
	return c.Auth.GetAPIKey() != ""
}

// GetAPIKey returns the configured API key with environment variable expansion
func (c *AuthConfig) GetAPIKey() string {
	if c == nil || c.APIKey == "" {
		return ""
	}
	return os.ExpandEnv(c.APIKey)
}

// GetHeaderName returns the header name for authentication (default: "X-API-Key")
func (c *AuthConfig) GetHeaderName() string {
	if c == nil || c.HeaderName == "" {
		return "X-API-Key"
	}
	return c.HeaderName
}

// IsAPIEnabled returns whether the API is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API != nil && c.API.Enabled
}

// Validate checks values that have a closed set of choices.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres", "mongo", "remote":
	default:
		return fmt.Errorf("unknown storage driver %q (valid: memory, sqlite, postgres, mongo, remote)", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.GetDSN() == "" {
		return fmt.Errorf("storage driver %q requires a dsn", c.Storage.Driver)
	}
	if c.Storage.Driver == "remote" {
		if err := validateRemoteURL(c.Storage.GetDSN()); err != nil {
			return fmt.Errorf("invalid remote store url: %w", err)
		}
	}
	switch c.Diagram.Engine {
	case "client", "chrome":
	default:
		return fmt.Errorf("unknown diagram engine %q (valid: client, chrome)", c.Diagram.Engine)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q (valid: console, json)", c.Log.Format)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Title: "Knowledge Base",
		Server: ServerConfig{
			Port:  8080,
			Host:  "localhost",
			Debug: false,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "kbase.db",
		},
		Diagram: DiagramConfig{
			Engine: "client",
			Theme:  "dark",
		},
		Docs: DocsConfig{
			Dir:   "docs",
			Watch: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		API: &APIConfig{
			Enabled: true,
		},
	}
}

// Load reads the configuration from a YAML file.
// A missing file yields the default configuration.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadFromDir loads kbase.yaml from dir, or the defaults if there is none.
// A relative sqlite DSN and docs dir are resolved against dir.
func LoadFromDir(dir string) (*Config, error) {
	cfg, err := Load(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.DSN != "" && !filepath.IsAbs(cfg.Storage.DSN) && cfg.Storage.DSN != ":memory:" {
		cfg.Storage.DSN = filepath.Join(dir, cfg.Storage.DSN)
	}
	if cfg.Docs.Dir != "" && !filepath.IsAbs(cfg.Docs.Dir) {
		cfg.Docs.Dir = filepath.Join(dir, cfg.Docs.Dir)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// validateRemoteURL accepts absolute http and https URLs. Private and
// loopback hosts are allowed: remote stores usually run on the same network.
func validateRemoteURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("url must have a host")
	}
	return nil
}
