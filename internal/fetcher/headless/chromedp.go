// Package headless contains the browser drivers used to acquire catalog pages.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

const defaultCloseTimeout = 10 * time.Second

// Config controls the behavior of the browser drivers.
type Config struct {
	// MaxParallel caps the number of launched browser processes; 0 means unlimited.
	MaxParallel int
	Headless    bool
	ExecPath    string
	// WindowWidth and WindowHeight size launched browsers.
	WindowWidth  int
	WindowHeight int
}

// ChromeDriver implements crawler.Driver using chromedp.
type ChromeDriver struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger
}

// NewChromedp creates a driver backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*ChromeDriver, error) {
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
	return &ChromeDriver{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Connect attaches to the remote browser at endpoint. Closing the returned browser only
// drops the connection.
func (d *ChromeDriver) Connect(ctx context.Context, endpoint string) (crawler.Browser, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), endpoint, chromedp.NoModifyURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	stop := forwardCancel(ctx, browserCancel)
	defer stop()
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("connect %s: %w", redact(endpoint), err)
	}
	return &chromeBrowser{
		ctx:    browserCtx,
		shared: true,
		logger: d.logger,
		closeFn: func() error {
			browserCancel()
			allocCancel()
			return nil
		},
	}, nil
}

// Launch starts a fresh Chromium process routed through opts.Proxy.
func (d *ChromeDriver) Launch(ctx context.Context, opts crawler.LaunchOptions) (crawler.Browser, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	stop := forwardCancel(ctx, browserCancel)
	defer stop()
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		release()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	var once sync.Once
	return &chromeBrowser{
		ctx:    browserCtx,
		proxy:  opts.Proxy,
		logger: d.logger,
		closeFn: func() error {
			var closeErr error
			once.Do(func() {
				cctx, cancel := context.WithTimeout(browserCtx, defaultCloseTimeout)
				defer cancel()
				if err := chromedp.Cancel(cctx); err != nil && !errors.Is(err, context.Canceled) {
					closeErr = fmt.Errorf("close chromium: %w", err)
				}
				browserCancel()
				allocCancel()
				release()
			})
			return closeErr
		},
	}, nil
}

func (d *ChromeDriver) allocatorOptions(opts crawler.LaunchOptions) []chromedp.ExecAllocatorOption {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	for _, flag := range hardeningFlags {
		name, value := flagParts(flag)
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}
	if opts.Proxy.Server != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(proxyAddress(opts.Proxy.Server)))
	}
	if opts.DisableWebSecurity {
		allocOpts = append(allocOpts,
			chromedp.Flag("disable-web-security", true),
			chromedp.Flag("disable-site-isolation-trials", true),
		)
	}
	if d.cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	if d.cfg.WindowWidth > 0 && d.cfg.WindowHeight > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(d.cfg.WindowWidth, d.cfg.WindowHeight))
	}
	return allocOpts
}

func (d *ChromeDriver) acquire(ctx context.Context) (func(), error) {
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

type chromeBrowser struct {
	ctx     context.Context
	shared  bool
	proxy   crawler.ProxyCredentials
	logger  *zap.Logger
	closeFn func() error
}

// NewPage opens a tab inside a new browser context.
func (b *chromeBrowser) NewPage(ctx context.Context, opts crawler.PageOptions) (crawler.Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	stop := forwardCancel(ctx, tabCancel)
	defer stop()
	if err := chromedp.Run(tabCtx, b.setupAction(tabCtx, opts)); err != nil {
		tabCancel()
		return nil, fmt.Errorf("prepare page: %w", err)
	}
	return &chromePage{ctx: tabCtx, cancel: tabCancel}, nil
}

func (b *chromeBrowser) setupAction(tabCtx context.Context, opts crawler.PageOptions) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if b.proxy.Username != "" {
			listenProxyAuth(tabCtx, b.proxy)
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable proxy auth: %w", err)
			}
		}
		if err := emulation.SetAutomationOverride(false).Do(ctx); err != nil {
			b.logger.Debug("automation override unavailable", zap.Error(err))
		}
		if opts.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(opts.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		for _, script := range opts.InitScripts {
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("add init script: %w", err)
			}
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		return nil
	})
}

func (b *chromeBrowser) Shared() bool { return b.shared }

func (b *chromeBrowser) Close() error { return b.closeFn() }

// listenProxyAuth answers proxy auth challenges and resumes paused requests.
func listenProxyAuth(tabCtx context.Context, proxy crawler.ProxyCredentials) {
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				_ = fetch.ContinueRequest(e.RequestID).Do(targetExecutor(tabCtx))
			}()
		case *fetch.EventAuthRequired:
			go func() {
				_ = fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: proxy.Username,
					Password: proxy.Password,
				}).Do(targetExecutor(tabCtx))
			}()
		}
	})
}

func targetExecutor(tabCtx context.Context) context.Context {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return tabCtx
	}
	return cdp.WithExecutor(tabCtx, c.Target)
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	url string
}

// Navigate loads rawURL and blocks until the lifecycle event for wait fires.
func (p *chromePage) Navigate(ctx context.Context, rawURL string, wait crawler.WaitCondition, timeout time.Duration) error {
	taskCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(taskCtx, navigateAction(rawURL, wait)); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	p.mu.Lock()
	p.url = rawURL
	p.mu.Unlock()
	return nil
}

// WaitAttached waits until selector matches a node in the DOM.
func (p *chromePage) WaitAttached(ctx context.Context, selector string, timeout time.Duration) error {
	taskCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(taskCtx, chromedp.WaitReady(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Content(ctx context.Context) (string, error) {
	var html string
	taskCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(taskCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page html: %w", err)
	}
	return html, nil
}

func (p *chromePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Close closes the tab and disposes its browser context.
func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

func navigateAction(rawURL string, wait crawler.WaitCondition) chromedp.ActionFunc {
	want := lifecycleEvent(wait)
	return func(ctx context.Context) error {
		listenCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		fired := make(chan cdp.LoaderID, 32)
		chromedp.ListenTarget(listenCtx, func(ev any) {
			e, ok := ev.(*page.EventLifecycleEvent)
			if !ok || e.Name != want {
				return
			}
			select {
			case fired <- e.LoaderID:
			default:
			}
		})

		_, loaderID, errorText, _, err := page.Navigate(rawURL).Do(ctx)
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		if errorText != "" {
			return fmt.Errorf("navigate: %s", errorText)
		}
		for {
			select {
			case id := <-fired:
				if loaderID == "" || id == loaderID {
					return nil
				}
			case <-ctx.Done():
				return fmt.Errorf("wait for %s: %w", want, ctx.Err())
			}
		}
	}
}

func lifecycleEvent(wait crawler.WaitCondition) string {
	switch wait {
	case crawler.WaitLoad:
		return "load"
	case crawler.WaitNetworkIdle:
		return "networkIdle"
	default:
		return "DOMContentLoaded"
	}
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// proxyAddress strips credentials; Chromium rejects user info in --proxy-server.
func proxyAddress(server string) string {
	parsed, err := url.Parse(server)
	if err != nil || parsed.Host == "" {
		return server
	}
	parsed.User = nil
	return parsed.String()
}

func flagParts(flag string) (string, any) {
	name := strings.TrimPrefix(flag, "--")
	if idx := strings.Index(name, "="); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return name, true
}

func redact(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "endpoint"
	}
	parsed.RawQuery = ""
	parsed.User = nil
	return parsed.String()
}
