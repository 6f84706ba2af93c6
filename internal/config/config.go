// Package config loads and validates catalog crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/spf13/viper"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/extract"
)

// EnvPrefix is prepended to every environment override, e.g. CATALOG_SERVER_PORT.
const EnvPrefix = "CATALOG"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig    `mapstructure:"server"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Browser     BrowserConfig   `mapstructure:"browser"`
	Acquisition crawler.Config  `mapstructure:"acquisition"`
	Runner      RunnerConfig    `mapstructure:"runner"`
	Images      ImagesConfig    `mapstructure:"images"`
	Output      OutputConfig    `mapstructure:"output"`
	Storage     StorageConfig   `mapstructure:"storage"`
	DB          DBConfig        `mapstructure:"db"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Quota       QuotaConfig     `mapstructure:"quota"`
	PubSub      PubSubConfig    `mapstructure:"pubsub"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Sites       []SiteConfig    `mapstructure:"sites"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrowserConfig selects and tunes the browser driver.
type BrowserConfig struct {
	// Driver is "chromedp" or "playwright".
	Driver       string `mapstructure:"driver"`
	Headless     bool   `mapstructure:"headless"`
	MaxParallel  int    `mapstructure:"max_parallel"`
	ExecPath     string `mapstructure:"exec_path"`
	WindowWidth  int    `mapstructure:"window_width"`
	WindowHeight int    `mapstructure:"window_height"`
	UserAgent    string `mapstructure:"user_agent"`
	Stealth      bool   `mapstructure:"stealth"`
}

// RunnerConfig governs page fan-out within a run.
type RunnerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
}

// ImagesConfig controls product image download and thumbnailing.
type ImagesConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxBytes        int64         `mapstructure:"max_bytes"`
	MaxPixels       int64         `mapstructure:"max_pixels"`
	ThumbnailWidth  int           `mapstructure:"thumbnail_width"`
	ThumbnailHeight int           `mapstructure:"thumbnail_height"`
	PerHostRPS      float64       `mapstructure:"per_host_rps"`
	PerHostBurst    int           `mapstructure:"per_host_burst"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// OutputConfig controls the workbook written after each run.
type OutputConfig struct {
	// Path is the local workbook path. {run_id} is replaced by the run ID.
	Path string `mapstructure:"path"`
	// Upload stores the workbook in the blob store as well.
	Upload bool `mapstructure:"upload"`
}

// StorageConfig selects the blob store for thumbnails and workbooks.
type StorageConfig struct {
	// Backend is "local", "gcs" or "memory".
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	ProductsTable   string        `mapstructure:"products_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig configures the shared robots rules cache.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// QuotaConfig selects the monthly product quota store.
type QuotaConfig struct {
	// Backend is "memory" or "postgres".
	Backend      string `mapstructure:"backend"`
	Enabled      bool   `mapstructure:"enabled"`
	MonthlyLimit int    `mapstructure:"monthly_limit"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SchedulerConfig triggers periodic runs in serve mode.
type SchedulerConfig struct {
	// Cron uses six fields (seconds first). Empty disables scheduling.
	Cron string `mapstructure:"cron"`
}

// SiteConfig declares one jewelry storefront and how to read its listing pages.
type SiteConfig struct {
	Name               string        `mapstructure:"name"`
	URLs               []string      `mapstructure:"urls"`
	ReadyMarker        string        `mapstructure:"ready_marker"`
	WaitUntil          string        `mapstructure:"wait_until"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	DisableWebSecurity bool          `mapstructure:"disable_web_security"`
	Extract            extract.Rules `mapstructure:",squash"`
}

// Requests expands the site into one target request per URL.
func (s SiteConfig) Requests(defaultAttempts int) []crawler.TargetRequest {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	wait, err := crawler.ParseWaitCondition(s.WaitUntil)
	if err != nil {
		wait = crawler.WaitDOMContentLoaded
	}
	out := make([]crawler.TargetRequest, 0, len(s.URLs))
	for _, u := range s.URLs {
		out = append(out, crawler.TargetRequest{
			Site:                   s.Name,
			URL:                    u,
			ReadyMarker:            s.ReadyMarker,
			MaxAttemptsPerStrategy: attempts,
			WaitUntil:              wait,
			DisableWebSecurity:     s.DisableWebSecurity,
		})
	}
	return out
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("browser.driver", "chromedp")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.stealth", true)
	crawler.SetDefaults(v, "acquisition")
	v.SetDefault("acquisition.egress.residential_endpoint", "")
	v.SetDefault("acquisition.egress.datacenter.server", "")
	v.SetDefault("acquisition.egress.datacenter.username", "")
	v.SetDefault("acquisition.egress.datacenter.password", "")
	v.SetDefault("acquisition.robots.user_agent", "")
	v.SetDefault("runner.concurrency", 2)
	v.SetDefault("runner.run_timeout", time.Hour)
	v.SetDefault("images.enabled", true)
	v.SetDefault("images.timeout", 20*time.Second)
	v.SetDefault("images.max_bytes", 8<<20)
	v.SetDefault("images.max_pixels", 40_000_000)
	v.SetDefault("images.thumbnail_width", 160)
	v.SetDefault("images.thumbnail_height", 160)
	v.SetDefault("images.per_host_rps", 2.0)
	v.SetDefault("images.per_host_burst", 2)
	v.SetDefault("output.path", "catalog-{run_id}.xlsx")
	v.SetDefault("output.upload", false)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("storage.prefix", "catalog")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.products_table", "products")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.key_prefix", "robots:")
	v.SetDefault("quota.backend", "memory")
	v.SetDefault("quota.enabled", true)
	v.SetDefault("quota.monthly_limit", 10000)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("scheduler.cron", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch strings.ToLower(c.Browser.Driver) {
	case "", "chromedp", "playwright":
	default:
		return fmt.Errorf("browser.driver must be chromedp or playwright")
	}
	if c.Browser.MaxParallel < 0 {
		return fmt.Errorf("browser.max_parallel must be >= 0")
	}
	if err := c.Acquisition.Validate(); err != nil {
		return err
	}
	if c.Acquisition.Robots.Cache == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when acquisition.robots.cache is redis")
	}
	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("runner.concurrency must be > 0")
	}
	if c.Images.Enabled {
		if c.Images.ThumbnailWidth <= 0 || c.Images.ThumbnailHeight <= 0 {
			return fmt.Errorf("images.thumbnail_width and images.thumbnail_height must be > 0")
		}
		if c.Images.MaxBytes <= 0 {
			return fmt.Errorf("images.max_bytes must be > 0")
		}
		if c.Images.MaxPixels <= 0 {
			return fmt.Errorf("images.max_pixels must be > 0")
		}
	}
	if strings.TrimSpace(c.Output.Path) == "" {
		return fmt.Errorf("output.path is required")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be local, gcs or memory")
	}
	switch c.Quota.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres quota backend")
		}
	default:
		return fmt.Errorf("quota.backend must be memory or postgres")
	}
	if c.Quota.MonthlyLimit < 0 {
		return fmt.Errorf("quota.monthly_limit must be >= 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return c.validateSites()
}

func (c Config) validateSites() error {
	if len(c.Sites) == 0 {
		return fmt.Errorf("at least one site must be configured")
	}
	seen := make(map[string]struct{}, len(c.Sites))
	for i, site := range c.Sites {
		key := fmt.Sprintf("sites[%d]", i)
		if strings.TrimSpace(site.Name) == "" {
			return fmt.Errorf("%s.name is required", key)
		}
		if _, dup := seen[site.Name]; dup {
			return fmt.Errorf("%s.name %q is duplicated", key, site.Name)
		}
		seen[site.Name] = struct{}{}
		if len(site.URLs) == 0 {
			return fmt.Errorf("%s.urls must not be empty", key)
		}
		for _, raw := range site.URLs {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("%s.urls: %q is not an absolute URL", key, raw)
			}
		}
		if site.ReadyMarker != "" {
			if _, err := cascadia.Compile(site.ReadyMarker); err != nil {
				return fmt.Errorf("%s.ready_marker: %w", key, err)
			}
		}
		if _, err := crawler.ParseWaitCondition(site.WaitUntil); err != nil {
			return fmt.Errorf("%s.wait_until: %w", key, err)
		}
		if site.MaxAttempts < 0 {
			return fmt.Errorf("%s.max_attempts must be >= 0", key)
		}
		if err := site.Extract.Validate(); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// Site returns the named site.
func (c Config) Site(name string) (SiteConfig, bool) {
	for _, s := range c.Sites {
		if s.Name == name {
			return s, true
		}
	}
	return SiteConfig{}, false
}
