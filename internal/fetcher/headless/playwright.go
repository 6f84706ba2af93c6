package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

// ErrDriverClosed is returned by a driver used after Close.
var ErrDriverClosed = errors.New("browser driver closed")

// PlaywrightDriver implements crawler.Driver on top of playwright-go.
type PlaywrightDriver struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger

	// mu guards the lazily started runtime and its start error.
	mu      sync.Mutex
	started bool
	pw      *playwright.Playwright
	runErr  error
	run     func() (*playwright.Playwright, error)
}

// NewPlaywright builds a driver. The Playwright runtime starts on first use.
func NewPlaywright(cfg Config, logger *zap.Logger) (*PlaywrightDriver, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &PlaywrightDriver{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
		run: func() (*playwright.Playwright, error) {
			return playwright.Run()
		},
	}, nil
}

func (d *PlaywrightDriver) runtime() (*playwright.Playwright, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		d.started = true
		d.pw, d.runErr = d.run()
		if d.runErr != nil {
			d.runErr = fmt.Errorf("start playwright: %w", d.runErr)
		}
	}
	return d.pw, d.runErr
}

// Close stops the Playwright runtime. A Close racing a first Connect or Launch waits
// for the runtime to finish starting. Later calls fail with ErrDriverClosed.
func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pw := d.pw
	d.started = true
	d.pw = nil
	d.runErr = ErrDriverClosed
	if pw == nil {
		return nil
	}
	if err := pw.Stop(); err != nil {
		return fmt.Errorf("stop playwright: %w", err)
	}
	return nil
}

// Connect attaches to a remote Chromium over CDP. Closing the browser disconnects.
func (d *PlaywrightDriver) Connect(ctx context.Context, endpoint string) (crawler.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := d.runtime()
	if err != nil {
		return nil, err
	}
	browser, err := pw.Chromium.ConnectOverCDP(endpoint, playwright.BrowserTypeConnectOverCDPOptions{
		Timeout: timeoutMillis(ctx, 30*time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", redact(endpoint), err)
	}
	return &playwrightBrowser{browser: browser, shared: true, release: func() {}}, nil
}

// Launch starts a fresh Chromium through opts.Proxy.
func (d *PlaywrightDriver) Launch(ctx context.Context, opts crawler.LaunchOptions) (crawler.Browser, error) {
	pw, err := d.runtime()
	if err != nil {
		return nil, err
	}
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	browser, err := pw.Chromium.Launch(d.launchOptions(opts))
	if err != nil {
		release()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &playwrightBrowser{browser: browser, bypassCSP: opts.DisableWebSecurity, release: release}, nil
}

func (d *PlaywrightDriver) launchOptions(opts crawler.LaunchOptions) playwright.BrowserTypeLaunchOptions {
	args := append([]string(nil), hardeningFlags...)
	if opts.DisableWebSecurity {
		args = append(args, "--disable-web-security", "--disable-site-isolation-trials")
	}
	if d.cfg.WindowWidth > 0 && d.cfg.WindowHeight > 0 {
		args = append(args, fmt.Sprintf("--window-size=%d,%d", d.cfg.WindowWidth, d.cfg.WindowHeight))
	}
	launch := playwright.BrowserTypeLaunchOptions{
		Headless:          playwright.Bool(d.cfg.Headless),
		Args:              args,
		IgnoreDefaultArgs: []string{"--enable-automation"},
	}
	if d.cfg.ExecPath != "" {
		launch.ExecutablePath = playwright.String(d.cfg.ExecPath)
	}
	if opts.Proxy.Server != "" {
		proxy := &playwright.Proxy{Server: proxyAddress(opts.Proxy.Server)}
		if opts.Proxy.Username != "" {
			proxy.Username = playwright.String(opts.Proxy.Username)
			proxy.Password = playwright.String(opts.Proxy.Password)
		}
		launch.Proxy = proxy
	}
	return launch
}

func (d *PlaywrightDriver) acquire(ctx context.Context) (func(), error) {
	if d.limiter == nil {
		return func() {}, nil
	}
	select {
	case d.limiter <- struct{}{}:
		return func() { <-d.limiter }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

type playwrightBrowser struct {
	browser   playwright.Browser
	shared    bool
	bypassCSP bool
	release   func()
	closeOnce sync.Once
}

func (b *playwrightBrowser) NewPage(ctx context.Context, opts crawler.PageOptions) (crawler.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	contextOpts := playwright.BrowserNewContextOptions{}
	if opts.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	if b.bypassCSP {
		contextOpts.BypassCSP = playwright.Bool(true)
	}
	bctx, err := b.browser.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	for _, script := range opts.InitScripts {
		if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
			_ = bctx.Close()
			return nil, fmt.Errorf("add init script: %w", err)
		}
	}
	pg, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	return &playwrightPage{page: pg, bctx: bctx}, nil
}

func (b *playwrightBrowser) Shared() bool { return b.shared }

// Close disconnects from a shared browser and terminates a launched one.
func (b *playwrightBrowser) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if cerr := b.browser.Close(); cerr != nil {
			err = fmt.Errorf("close browser: %w", cerr)
		}
		b.release()
	})
	return err
}

type playwrightPage struct {
	page playwright.Page
	bctx playwright.BrowserContext
}

func (p *playwrightPage) Navigate(ctx context.Context, rawURL string, wait crawler.WaitCondition, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.page.Goto(rawURL, playwright.PageGotoOptions{
		WaitUntil: waitUntilState(wait),
		Timeout:   timeoutMillis(ctx, timeout),
	}); err != nil {
		return fmt.Errorf("goto: %w", err)
	}
	return nil
}

func (p *playwrightPage) WaitAttached(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: timeoutMillis(ctx, timeout),
	})
	if err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

func (p *playwrightPage) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := p.page.Content()
	if err != nil {
		return "", fmt.Errorf("read page html: %w", err)
	}
	return html, nil
}

func (p *playwrightPage) URL() string { return p.page.URL() }

// Close closes the page and its browser context.
func (p *playwrightPage) Close() error {
	var errs []error
	if err := p.page.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close page: %w", err))
	}
	if err := p.bctx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close browser context: %w", err))
	}
	return errors.Join(errs...)
}

func waitUntilState(wait crawler.WaitCondition) *playwright.WaitUntilState {
	switch wait {
	case crawler.WaitLoad:
		return playwright.WaitUntilStateLoad
	case crawler.WaitNetworkIdle:
		return playwright.WaitUntilStateNetworkidle
	default:
		return playwright.WaitUntilStateDomcontentloaded
	}
}

// timeoutMillis caps timeout by ctx's deadline and converts it for Playwright.
func timeoutMillis(ctx context.Context, timeout time.Duration) *float64 {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return playwright.Float(float64(timeout.Milliseconds()))
}
