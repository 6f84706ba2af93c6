package crawler

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errNavigate = errors.New("net::ERR_TIMED_OUT")

// fakePage scripts navigation and marker outcomes per call.
type fakePage struct {
	mu        sync.Mutex
	navErrs   []error
	waitErrs  []error
	navCalls  int
	waitCalls int
	waits     []WaitCondition
	closed    int
	url       string
}

func (p *fakePage) Navigate(_ context.Context, url string, wait WaitCondition, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.navCalls
	p.navCalls++
	p.waits = append(p.waits, wait)
	p.url = url
	if idx < len(p.navErrs) {
		return p.navErrs[idx]
	}
	return nil
}

func (p *fakePage) WaitAttached(_ context.Context, _ string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.waitCalls
	p.waitCalls++
	if idx < len(p.waitErrs) {
		return p.waitErrs[idx]
	}
	return nil
}

func (p *fakePage) Content(context.Context) (string, error) { return "<html></html>", nil }

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

type fakeBrowser struct {
	driver  *fakeDriver
	kind    EgressKind
	shared  bool
	pageErr error
	page    *fakePage
}

func (b *fakeBrowser) NewPage(context.Context, PageOptions) (Page, error) {
	if b.pageErr != nil {
		return nil, b.pageErr
	}
	b.driver.mu.Lock()
	b.driver.pagesOpened++
	b.driver.mu.Unlock()
	return b.page, nil
}

func (b *fakeBrowser) Shared() bool { return b.shared }

func (b *fakeBrowser) Close() error {
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()
	b.driver.browsersClosed++
	return nil
}

// fakeDriver hands out one scripted page per egress kind and counts handle lifecycles.
type fakeDriver struct {
	mu             sync.Mutex
	pages          map[EgressKind]*fakePage
	connectErr     error
	connectErrs    []error
	launchErr      error
	pageErr        error
	order          []EgressKind
	launches       []LaunchOptions
	browsersOpened int
	browsersClosed int
	pagesOpened    int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		pages: map[EgressKind]*fakePage{
			EgressResidential: {},
			EgressDatacenter:  {},
		},
	}
}

func (d *fakeDriver) Connect(context.Context, string) (Browser, error) {
	err := d.connectErr
	d.mu.Lock()
	if len(d.connectErrs) > 0 {
		err, d.connectErrs = d.connectErrs[0], d.connectErrs[1:]
	}
	d.mu.Unlock()
	return d.open(EgressResidential, err, LaunchOptions{})
}

func (d *fakeDriver) Launch(_ context.Context, opts LaunchOptions) (Browser, error) {
	return d.open(EgressDatacenter, d.launchErr, opts)
}

func (d *fakeDriver) open(kind EgressKind, err error, opts LaunchOptions) (Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = append(d.order, kind)
	if kind == EgressDatacenter {
		d.launches = append(d.launches, opts)
	}
	if err != nil {
		return nil, err
	}
	d.browsersOpened++
	return &fakeBrowser{
		driver:  d,
		kind:    kind,
		shared:  kind == EgressResidential,
		pageErr: d.pageErr,
		page:    d.pages[kind],
	}, nil
}

func (d *fakeDriver) pagesClosed() int {
	total := 0
	for _, p := range d.pages {
		p.mu.Lock()
		total += p.closed
		p.mu.Unlock()
	}
	return total
}

// staticRobots returns a fixed verdict.
type staticRobots struct {
	disallowed bool
	calls      int
}

func (s *staticRobots) Verdict(context.Context, string) (RuleSet, bool, error) {
	s.calls++
	return RuleSet{}, s.disallowed, nil
}

// mapCache is an in-test RulesCache.
type mapCache struct {
	mu    sync.Mutex
	items map[string]RuleSet
	sets  int
}

func (c *mapCache) Get(_ context.Context, origin string) (RuleSet, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[origin]
	return r, ok, nil
}

func (c *mapCache) Set(_ context.Context, origin string, rules RuleSet, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = make(map[string]RuleSet)
	}
	c.items[origin] = rules
	c.sets++
	return nil
}

func noPause(context.Context, time.Duration) error { return nil }

var testCreds = EgressCredentials{
	ResidentialEndpoint: "ws://residential.example:9222",
	Datacenter: ProxyCredentials{
		Server:   "http://dc.example:8000",
		Username: "user",
		Password: "secret",
	},
}
