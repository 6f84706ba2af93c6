package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/extract"
)

const configYAML = `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
browser:
  driver: playwright
  max_parallel: 3
acquisition:
  max_attempts: 3
  navigation_timeout: 90s
  egress:
    residential_endpoint: wss://browser.example/chromium?token=abc
    datacenter:
      server: http://dc.example:8000
      username: user
      password: pw
  robots:
    mode: agent
    user_agent: CatalogBot
    cache: memory
runner:
  concurrency: 4
storage:
  backend: memory
sites:
  - name: aurora
    urls:
      - https://aurora.example/rings
      - https://aurora.example/necklaces
    ready_marker: .product-tile
    wait_until: networkidle
    max_attempts: 4
    disable_web_security: true
    item_selector: .product-tile
    fields:
      name: .title
      price: .price
      material: .metal
      weight: .weight
      image: img
  - name: luna
    urls: [https://luna.example/catalog]
    item_selector: article
    fields:
      name: h2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, configYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Browser.Driver != "playwright" || cfg.Browser.MaxParallel != 3 || !cfg.Browser.Headless {
		t.Fatalf("unexpected browser config %+v", cfg.Browser)
	}
	acq := cfg.Acquisition
	if acq.MaxAttempts != 3 || acq.NavigationTimeout != 90*time.Second {
		t.Fatalf("acquisition overrides not applied: %+v", acq)
	}
	if acq.ReadyTimeout != 30*time.Second || acq.BackoffMin != time.Second || acq.BackoffMax != 3*time.Second {
		t.Fatalf("acquisition defaults not applied: %+v", acq)
	}
	if acq.Egress.Datacenter.Username != "user" || acq.Egress.ResidentialEndpoint == "" {
		t.Fatalf("egress not loaded: %+v", acq.Egress)
	}
	if acq.Robots.Mode != string(crawler.MatchAgent) || acq.Robots.Cache != "memory" {
		t.Fatalf("robots config not loaded: %+v", acq.Robots)
	}
	if cfg.Images.MaxPixels != 40_000_000 {
		t.Fatalf("expected default images.max_pixels, got %d", cfg.Images.MaxPixels)
	}
	if len(cfg.Sites) != 2 {
		t.Fatalf("expected 2 sites, got %d", len(cfg.Sites))
	}
	aurora, ok := cfg.Site("aurora")
	if !ok {
		t.Fatal("expected aurora site")
	}
	if aurora.Extract.ItemSelector != ".product-tile" || aurora.Extract.Fields.Weight != ".weight" {
		t.Fatalf("extract rules not squashed into site: %+v", aurora.Extract)
	}
}

func TestSiteRequests(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, configYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	aurora, _ := cfg.Site("aurora")
	reqs := aurora.Requests(cfg.Acquisition.MaxAttempts)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	first := reqs[0]
	if first.Site != "aurora" || first.URL != "https://aurora.example/rings" {
		t.Fatalf("unexpected request %+v", first)
	}
	if first.MaxAttemptsPerStrategy != 4 || first.WaitUntil != crawler.WaitNetworkIdle || !first.DisableWebSecurity {
		t.Fatalf("site overrides lost: %+v", first)
	}

	luna, _ := cfg.Site("luna")
	lunaReqs := luna.Requests(cfg.Acquisition.MaxAttempts)
	if lunaReqs[0].MaxAttemptsPerStrategy != 3 || lunaReqs[0].WaitUntil != crawler.WaitDOMContentLoaded {
		t.Fatalf("defaults not applied: %+v", lunaReqs[0])
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CATALOG_SERVER_PORT", "7070")
	t.Setenv("CATALOG_RUNNER_CONCURRENCY", "8")

	cfg, err := Load(writeConfig(t, configYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Runner.Concurrency != 8 {
		t.Fatalf("env overrides not applied: port=%d concurrency=%d", cfg.Server.Port, cfg.Runner.Concurrency)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Server:  ServerConfig{Port: 8080},
		Browser: BrowserConfig{Driver: "chromedp"},
		Acquisition: crawler.Config{
			Egress:            crawler.EgressCredentials{ResidentialEndpoint: "ws://127.0.0.1:9222"},
			MaxAttempts:       2,
			NavigationTimeout: time.Minute,
			ReadyTimeout:      time.Second,
		},
		Runner:  RunnerConfig{Concurrency: 1},
		Output:  OutputConfig{Path: "out.xlsx"},
		Storage: StorageConfig{Backend: "memory"},
		Quota:   QuotaConfig{Backend: "memory"},
		Sites: []SiteConfig{{
			Name:    "aurora",
			URLs:    []string{"https://aurora.example/rings"},
			Extract: extract.Rules{ItemSelector: ".tile", Fields: extract.Fields{Name: ".title"}},
		}},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown driver", func(c *Config) { c.Browser.Driver = "selenium" }, "browser.driver"},
		{"zero attempts", func(c *Config) { c.Acquisition.MaxAttempts = 0 }, "acquisition.max_attempts"},
		{"no egress", func(c *Config) { c.Acquisition.Egress = crawler.EgressCredentials{} }, "acquisition.egress"},
		{"redis without addr", func(c *Config) { c.Acquisition.Robots.Cache = "redis" }, "redis.addr"},
		{"invalid concurrency", func(c *Config) { c.Runner.Concurrency = 0 }, "runner.concurrency"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs_bucket"},
		{"postgres quota without dsn", func(c *Config) { c.Quota.Backend = "postgres" }, "db.dsn"},
		{"no sites", func(c *Config) { c.Sites = nil }, "site"},
		{"relative url", func(c *Config) { c.Sites[0].URLs = []string{"/rings"} }, "sites[0].urls"},
		{"bad marker", func(c *Config) { c.Sites[0].ReadyMarker = "div[[" }, "sites[0].ready_marker"},
		{"bad wait", func(c *Config) { c.Sites[0].WaitUntil = "idle" }, "sites[0].wait_until"},
		{"missing item selector", func(c *Config) { c.Sites[0].Extract.ItemSelector = "" }, "item_selector"},
		{"images without pixel cap", func(c *Config) {
			c.Images = ImagesConfig{Enabled: true, ThumbnailWidth: 160, ThumbnailHeight: 160, MaxBytes: 1 << 20}
		}, "images.max_pixels"},
		{"duplicate site", func(c *Config) { c.Sites = append(c.Sites, c.Sites[0]) }, "duplicated"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
