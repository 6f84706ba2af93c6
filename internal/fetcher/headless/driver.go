package headless

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

// Driver is a crawler.Driver that owns process-level resources.
type Driver interface {
	crawler.Driver
	Close() error
}

// New returns the driver registered under name ("chromedp" or "playwright").
func New(name string, cfg Config, logger *zap.Logger) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "chromedp":
		return NewChromedp(cfg, logger)
	case "playwright":
		return NewPlaywright(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown browser driver %q", name)
	}
}

// Close is a no-op; every chromedp browser owns its own allocator.
func (d *ChromeDriver) Close() error { return nil }
