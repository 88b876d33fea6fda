// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components take the narrow getter they need instead of the whole struct.
type Interface interface {
	Logger() LoggerConfig
	Network() NetworkConfig
	Loader() LoaderConfig
	Script() ScriptConfig
	Crawler() CrawlerConfig
	Database() DatabaseConfig
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	NetworkCfg  NetworkConfig  `mapstructure:"network" yaml:"network"`
	LoaderCfg   LoaderConfig   `mapstructure:"loader" yaml:"loader"`
	ScriptCfg   ScriptConfig   `mapstructure:"script" yaml:"script"`
	CrawlerCfg  CrawlerConfig  `mapstructure:"crawler" yaml:"crawler"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
}

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Network() NetworkConfig   { return c.NetworkCfg }
func (c *Config) Loader() LoaderConfig     { return c.LoaderCfg }
func (c *Config) Script() ScriptConfig     { return c.ScriptCfg }
func (c *Config) Crawler() CrawlerConfig   { return c.CrawlerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ProxyConfig defines the configuration for an outbound proxy.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// RateLimitConfig configures per-host politeness.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
	Delay    time.Duration `mapstructure:"delay" yaml:"delay"`
}

// NetworkConfig tunes the resource fetcher.
type NetworkConfig struct {
	Timeout         time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	UserAgent       string            `mapstructure:"user_agent" yaml:"user_agent"`
	Headers         map[string]string `mapstructure:"headers" yaml:"headers"`
	MaxRedirects    int               `mapstructure:"max_redirects" yaml:"max_redirects"`
	ChunkSize       int               `mapstructure:"chunk_size" yaml:"chunk_size"`
	MaxBodyBytes    int64             `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	IgnoreTLSErrors bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	CookieJar       bool              `mapstructure:"cookie_jar" yaml:"cookie_jar"`
	Proxy           ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	RateLimit       RateLimitConfig   `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// LoaderConfig holds the scheme and MIME registries used by document loaders.
type LoaderConfig struct {
	EmptyDocumentSchemes   []string `mapstructure:"empty_document_schemes" yaml:"empty_document_schemes"`
	LocalSchemes           []string `mapstructure:"local_schemes" yaml:"local_schemes"`
	DisplayIsolatedSchemes []string `mapstructure:"display_isolated_schemes" yaml:"display_isolated_schemes"`
	SupportedMIMETypes     []string `mapstructure:"supported_mime_types" yaml:"supported_mime_types"`
}

// ScriptConfig controls the embedded script runtime.
type ScriptConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	RunPageScripts bool          `mapstructure:"run_page_scripts" yaml:"run_page_scripts"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserScript     string        `mapstructure:"user_script" yaml:"user_script"`
}

// CrawlerConfig configures the embedder shell.
type CrawlerConfig struct {
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	RespectRobots     bool          `mapstructure:"respect_robots" yaml:"respect_robots"`
	RobotsCacheTTL    time.Duration `mapstructure:"robots_cache_ttl" yaml:"robots_cache_ttl"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static, so this only fires on a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "crawlkit")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.user_agent", DefaultUserAgent)
	v.SetDefault("network.max_redirects", 20)
	v.SetDefault("network.chunk_size", 16*1024)
	v.SetDefault("network.max_body_bytes", 32<<20)
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.cookie_jar", true)
	v.SetDefault("network.proxy.enabled", false)
	v.SetDefault("network.rate_limit.requests", 0)
	v.SetDefault("network.rate_limit.window", "1s")
	v.SetDefault("network.rate_limit.delay", "0s")

	// -- Loader --
	v.SetDefault("loader.empty_document_schemes", []string{"about"})
	v.SetDefault("loader.local_schemes", []string{"file"})
	v.SetDefault("loader.display_isolated_schemes", []string{})
	v.SetDefault("loader.supported_mime_types", []string{
		"text/html",
		"application/xhtml+xml",
		"text/xml",
		"application/xml",
		"image/svg+xml",
		"text/plain",
	})

	// -- Script --
	v.SetDefault("script.enabled", true)
	v.SetDefault("script.run_page_scripts", false)
	v.SetDefault("script.timeout", "5s")
	v.SetDefault("script.user_script", "")

	// -- Crawler --
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.navigation_timeout", "60s")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.robots_cache_ttl", "30m")
}

// DefaultUserAgent is used when neither the crawler object nor the configuration names one.
const DefaultUserAgent = "Mozilla/5.0 (compatible; crawlkit/1.0; +https://github.com/xkilldash9x/crawlkit)"

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.BindEnv("database.url", "CRAWLKIT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves "~" in user supplied file locations.
func (c *Config) expandPaths() error {
	var err error
	if c.LoggerCfg.LogFile, err = homedir.Expand(c.LoggerCfg.LogFile); err != nil {
		return fmt.Errorf("failed to expand logger.log_file: %w", err)
	}
	if c.ScriptCfg.UserScript, err = homedir.Expand(c.ScriptCfg.UserScript); err != nil {
		return fmt.Errorf("failed to expand script.user_script: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.CrawlerCfg.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be a positive integer")
	}
	if c.NetworkCfg.Timeout <= 0 {
		return fmt.Errorf("network.timeout must be a positive duration")
	}
	if c.NetworkCfg.MaxRedirects < 0 {
		return fmt.Errorf("network.max_redirects must not be negative")
	}
	if c.NetworkCfg.ChunkSize <= 0 {
		return fmt.Errorf("network.chunk_size must be a positive integer")
	}
	if c.NetworkCfg.Proxy.Enabled && c.NetworkCfg.Proxy.Address == "" {
		return fmt.Errorf("network.proxy.address is required when the proxy is enabled")
	}
	if c.NetworkCfg.RateLimit.Requests > 0 && c.NetworkCfg.RateLimit.Window <= 0 {
		return fmt.Errorf("network.rate_limit.window must be positive when requests is set")
	}
	if c.ScriptCfg.Enabled && c.ScriptCfg.Timeout <= 0 {
		return fmt.Errorf("script.timeout must be a positive duration")
	}
	if len(c.LoaderCfg.SupportedMIMETypes) == 0 {
		return fmt.Errorf("loader.supported_mime_types must not be empty")
	}
	return nil
}
