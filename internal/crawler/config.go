package crawler

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config captures every knob of the acquisition core. Values originate from Viper so
// they can be set via files or env vars.
type Config struct {
	Egress            EgressCredentials `mapstructure:"egress"`
	MaxAttempts       int               `mapstructure:"max_attempts"`
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout"`
	ReadyTimeout      time.Duration     `mapstructure:"ready_timeout"`
	BackoffMin        time.Duration     `mapstructure:"backoff_min"`
	BackoffMax        time.Duration     `mapstructure:"backoff_max"`
	Robots            RobotsConfig      `mapstructure:"robots"`
}

// RobotsConfig controls robots.txt retrieval and caching.
type RobotsConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	Mode      string        `mapstructure:"mode"`
	// Cache is one of "none", "memory" or "redis".
	Cache    string        `mapstructure:"cache"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// SetDefaults registers the acquisition defaults under prefix.
func SetDefaults(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".max_attempts", DefaultMaxAttempts)
	v.SetDefault(prefix+".navigation_timeout", defaultNavigationTimeout)
	v.SetDefault(prefix+".ready_timeout", defaultReadyTimeout)
	v.SetDefault(prefix+".backoff_min", defaultMinBackoff)
	v.SetDefault(prefix+".backoff_max", defaultMaxBackoff)
	v.SetDefault(prefix+".robots.timeout", defaultRobotsTimeout)
	v.SetDefault(prefix+".robots.mode", string(MatchDisallow))
	v.SetDefault(prefix+".robots.cache", "none")
	v.SetDefault(prefix+".robots.cache_ttl", time.Hour)
}

// LoadConfig reads the acquisition section stored under prefix.
func LoadConfig(v *viper.Viper, prefix string) (Config, error) {
	var cfg Config
	if err := v.UnmarshalKey(prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal %s: %w", prefix, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("acquisition.max_attempts must be > 0")
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("acquisition.navigation_timeout must be > 0")
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("acquisition.ready_timeout must be > 0")
	}
	if c.BackoffMin < 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("acquisition.backoff_max must be >= acquisition.backoff_min >= 0")
	}
	if c.Egress.ResidentialEndpoint == "" && !c.Egress.Datacenter.Configured() {
		return fmt.Errorf("acquisition.egress needs a residential_endpoint or a datacenter.server")
	}
	switch MatchMode(c.Robots.Mode) {
	case "", MatchDisallow, MatchAgent:
	default:
		return fmt.Errorf("acquisition.robots.mode must be %q or %q", MatchDisallow, MatchAgent)
	}
	switch c.Robots.Cache {
	case "", "none", "memory", "redis":
	default:
		return fmt.Errorf("acquisition.robots.cache must be none, memory or redis")
	}
	return nil
}

// NavigationPolicy builds the retry loop described by c.
func (c Config) NavigationPolicy() NavigationPolicy {
	return NavigationPolicy{
		NavigationTimeout: c.NavigationTimeout,
		ReadyTimeout:      c.ReadyTimeout,
		MinBackoff:        c.BackoffMin,
		MaxBackoff:        c.BackoffMax,
	}
}

// RobotsOptions converts the robots section; cache is supplied by the caller.
func (c Config) RobotsOptions(cache RulesCache) RobotsOptions {
	opts := RobotsOptions{
		Timeout:   c.Robots.Timeout,
		UserAgent: c.Robots.UserAgent,
		Mode:      MatchMode(c.Robots.Mode),
		CacheTTL:  c.Robots.CacheTTL,
	}
	if c.Robots.Cache != "" && c.Robots.Cache != "none" {
		opts.Cache = cache
	}
	return opts
}
