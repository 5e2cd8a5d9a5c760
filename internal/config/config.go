// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	AllowList  AllowListConfig  `mapstructure:"allowlist"`
	Favicon    FaviconConfig    `mapstructure:"favicon"`
	Screenshot ScreenshotConfig `mapstructure:"screenshot"`
	Janitor    JanitorConfig    `mapstructure:"janitor"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// RequestTimeoutSeconds bounds a whole API request, including a cache-miss produce.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	// AllowOrigin is echoed in Access-Control-Allow-Origin.
	AllowOrigin string `mapstructure:"allow_origin"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures outbound HTTP identity.
type HTTPConfig struct {
	UserAgent string `mapstructure:"user_agent"`
}

// AllowListConfig configures the crawl-backed allow-list.
type AllowListConfig struct {
	CrawlURL              string `mapstructure:"crawl_url"`
	RefreshMinutes        int    `mapstructure:"refresh_minutes"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	// RobotsFallback enables live robots.txt checks for nodes without a crawl flag.
	RobotsFallback   bool `mapstructure:"robots_fallback"`
	RobotsTTLMinutes int  `mapstructure:"robots_ttl_minutes"`
	PrimeOnStartup   bool `mapstructure:"prime_on_startup"`
}

// CacheConfig is shared by both artifact kinds.
type CacheConfig struct {
	Dir             string `mapstructure:"dir"`
	FreshMinutes    int    `mapstructure:"fresh_minutes"`
	ExpiresMinutes  int    `mapstructure:"expires_minutes"`
	EmptyTTLMinutes int    `mapstructure:"empty_ttl_minutes"`
	CheckRobots     bool   `mapstructure:"check_robots"`
}

// FaviconConfig controls favicon discovery and caching.
type FaviconConfig struct {
	Cache              CacheConfig `mapstructure:"cache"`
	PageTimeoutSeconds int         `mapstructure:"page_timeout_seconds"`
	IconTimeoutSeconds int         `mapstructure:"icon_timeout_seconds"`
	MaxPageBytes       int         `mapstructure:"max_page_bytes"`
	MaxIconBytes       int64       `mapstructure:"max_icon_bytes"`
	MaxCandidates      int         `mapstructure:"max_candidates"`
	HourlyLimit        int         `mapstructure:"hourly_limit"`
}

// ScreenshotConfig controls the headless browser and capture caching.
type ScreenshotConfig struct {
	Cache                    CacheConfig `mapstructure:"cache"`
	Concurrency              int         `mapstructure:"concurrency"`
	AcquireTimeoutSeconds    int         `mapstructure:"acquire_timeout_seconds"`
	NavigationTimeoutSeconds int         `mapstructure:"navigation_timeout_seconds"`
	CaptureTimeoutSeconds    int         `mapstructure:"capture_timeout_seconds"`
	Width                    int         `mapstructure:"width"`
	Height                   int         `mapstructure:"height"`
	Quality                  int         `mapstructure:"quality"`
	ChromePath               string      `mapstructure:"chrome_path"`
	NoSandbox                bool        `mapstructure:"no_sandbox"`
	// SelfBaseURL is the origin used for ?path= captures of this site's own pages.
	SelfBaseURL string `mapstructure:"self_base_url"`
}

// JanitorConfig controls the periodic sweep.
type JanitorConfig struct {
	IntervalMinutes int  `mapstructure:"interval_minutes"`
	GraceMinutes    int  `mapstructure:"grace_minutes"`
	Recapture       bool `mapstructure:"recapture"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARTIFACTS")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.allow_origin", "*")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("http.user_agent", "webchain-artifacts/0.1 (+https://webchain.example)")
	v.SetDefault("allowlist.crawl_url", "")
	v.SetDefault("allowlist.refresh_minutes", 5)
	v.SetDefault("allowlist.request_timeout_seconds", 10)
	v.SetDefault("allowlist.robots_fallback", false)
	v.SetDefault("allowlist.robots_ttl_minutes", 60)
	v.SetDefault("allowlist.prime_on_startup", true)
	v.SetDefault("favicon.cache.dir", "cache/favicons")
	v.SetDefault("favicon.cache.fresh_minutes", 60)
	v.SetDefault("favicon.cache.expires_minutes", 24*60)
	v.SetDefault("favicon.cache.empty_ttl_minutes", 10)
	v.SetDefault("favicon.cache.check_robots", false)
	v.SetDefault("favicon.page_timeout_seconds", 10)
	v.SetDefault("favicon.icon_timeout_seconds", 10)
	v.SetDefault("favicon.max_page_bytes", 2<<20)
	v.SetDefault("favicon.max_icon_bytes", 1<<20)
	v.SetDefault("favicon.max_candidates", 8)
	v.SetDefault("favicon.hourly_limit", 3)
	v.SetDefault("screenshot.cache.dir", "cache/screenshots")
	v.SetDefault("screenshot.cache.fresh_minutes", 24*60)
	v.SetDefault("screenshot.cache.expires_minutes", 7*24*60)
	v.SetDefault("screenshot.cache.empty_ttl_minutes", 10)
	v.SetDefault("screenshot.cache.check_robots", true)
	v.SetDefault("screenshot.concurrency", 3)
	v.SetDefault("screenshot.acquire_timeout_seconds", 5)
	v.SetDefault("screenshot.navigation_timeout_seconds", 30)
	v.SetDefault("screenshot.capture_timeout_seconds", 15)
	v.SetDefault("screenshot.width", 1024)
	v.SetDefault("screenshot.height", 768)
	v.SetDefault("screenshot.quality", 80)
	v.SetDefault("screenshot.chrome_path", "")
	v.SetDefault("screenshot.no_sandbox", false)
	v.SetDefault("screenshot.self_base_url", "")
	v.SetDefault("janitor.interval_minutes", 60)
	v.SetDefault("janitor.grace_minutes", 60)
	v.SetDefault("janitor.recapture", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.AllowList.CrawlURL) == "" {
		return fmt.Errorf("allowlist.crawl_url is required")
	}
	if u, err := url.Parse(c.AllowList.CrawlURL); err != nil || u.Host == "" {
		return fmt.Errorf("allowlist.crawl_url must be an absolute url")
	}
	if c.AllowList.RefreshMinutes <= 0 {
		return fmt.Errorf("allowlist.refresh_minutes must be > 0")
	}
	if err := c.Favicon.Cache.validate("favicon"); err != nil {
		return err
	}
	if err := c.Screenshot.Cache.validate("screenshot"); err != nil {
		return err
	}
	if overlaps(c.Favicon.Cache.Dir, c.Screenshot.Cache.Dir) {
		return fmt.Errorf("favicon.cache.dir and screenshot.cache.dir must be separate directories")
	}
	if c.Screenshot.Concurrency <= 0 {
		return fmt.Errorf("screenshot.concurrency must be > 0")
	}
	if c.Screenshot.AcquireTimeoutSeconds < 0 {
		return fmt.Errorf("screenshot.acquire_timeout_seconds must be >= 0")
	}
	if c.Screenshot.CaptureTimeoutSeconds <= 0 || c.Screenshot.NavigationTimeoutSeconds <= 0 {
		return fmt.Errorf("screenshot navigation and capture timeouts must be > 0")
	}
	if c.Screenshot.CaptureTimeoutSeconds > c.Screenshot.NavigationTimeoutSeconds {
		return fmt.Errorf("screenshot.capture_timeout_seconds must not exceed navigation_timeout_seconds")
	}
	if c.Screenshot.Quality < 0 || c.Screenshot.Quality > 100 {
		return fmt.Errorf("screenshot.quality must be within 0..100")
	}
	if c.Screenshot.SelfBaseURL != "" {
		u, err := url.Parse(c.Screenshot.SelfBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("screenshot.self_base_url must be an absolute http(s) url")
		}
	}
	if c.Janitor.IntervalMinutes <= 0 {
		return fmt.Errorf("janitor.interval_minutes must be > 0")
	}
	if c.Janitor.GraceMinutes < 0 {
		return fmt.Errorf("janitor.grace_minutes must be >= 0")
	}
	return nil
}

func (c CacheConfig) validate(section string) error {
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("%s.cache.dir is required", section)
	}
	if c.FreshMinutes <= 0 || c.ExpiresMinutes <= 0 || c.EmptyTTLMinutes <= 0 {
		return fmt.Errorf("%s.cache fresh, expires and empty ttl minutes must be > 0", section)
	}
	return nil
}

// overlaps reports whether a and b are the same directory or one contains the other.
func overlaps(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if a == b {
		return true
	}
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		rel, err := filepath.Rel(pair[0], pair[1])
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// FreshFor is how long a stored artifact is served without revalidation.
func (c CacheConfig) FreshFor() time.Duration {
	return time.Duration(c.FreshMinutes) * time.Minute
}

// ExpiresIn is the full lifetime of a stored artifact.
func (c CacheConfig) ExpiresIn() time.Duration {
	return time.Duration(c.ExpiresMinutes) * time.Minute
}

// EmptyTTL is the lifetime of an empty placeholder.
func (c CacheConfig) EmptyTTL() time.Duration {
	return time.Duration(c.EmptyTTLMinutes) * time.Minute
}

// RequestTimeout converts the server request budget to a duration.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// RefreshInterval converts the allow-list refresh period to a duration.
func (c AllowListConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshMinutes) * time.Minute
}

// RequestTimeout bounds one fetch of the crawl document.
func (c AllowListConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// RobotsTTL is how long fetched robots.txt files are reused.
func (c AllowListConfig) RobotsTTL() time.Duration {
	return time.Duration(c.RobotsTTLMinutes) * time.Minute
}

// PageTimeout bounds the page fetch.
func (c FaviconConfig) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutSeconds) * time.Second
}

// IconTimeout bounds a single icon fetch.
func (c FaviconConfig) IconTimeout() time.Duration {
	return time.Duration(c.IconTimeoutSeconds) * time.Second
}

// AcquireTimeout is how long a capture may wait for a limiter permit.
func (c ScreenshotConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// NavigationTimeout bounds navigation plus network idle.
func (c ScreenshotConfig) NavigationTimeout() time.Duration {
	return time.Duration(c.NavigationTimeoutSeconds) * time.Second
}

// CaptureTimeout bounds the image capture.
func (c ScreenshotConfig) CaptureTimeout() time.Duration {
	return time.Duration(c.CaptureTimeoutSeconds) * time.Second
}

// Interval is the period between janitor passes.
func (c JanitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Grace is how long past expiry an entry survives the sweep.
func (c JanitorConfig) Grace() time.Duration {
	return time.Duration(c.GraceMinutes) * time.Minute
}
