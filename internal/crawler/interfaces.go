package crawler

import (
	"context"
	"time"
)

// Driver obtains browser engines. Implementations live in internal/fetcher/headless.
type Driver interface {
	// Connect attaches to a pre-provisioned remote browser.
	Connect(ctx context.Context, endpoint string) (Browser, error)
	// Launch starts a fresh isolated browser process.
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// LaunchOptions configure a launched browser process.
type LaunchOptions struct {
	Proxy              ProxyCredentials
	DisableWebSecurity bool
}

// Browser owns one browser process or remote connection.
type Browser interface {
	// NewPage opens a page inside a fresh isolated browsing context.
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	// Shared reports whether the browser is a remote session other callers may use.
	Shared() bool
	Close() error
}

// PageOptions adjust a new page before any navigation happens.
type PageOptions struct {
	// InitScripts run before any page script on every document.
	InitScripts []string
	UserAgent   string
}

// Page is a single tab.
type Page interface {
	Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) error
	// WaitAttached blocks until one element matching selector is attached to the DOM.
	WaitAttached(ctx context.Context, selector string, timeout time.Duration) error
	Content(ctx context.Context) (string, error)
	URL() string
	Close() error
}

// RulesCache stores robots rule sets keyed by origin.
type RulesCache interface {
	Get(ctx context.Context, origin string) (RuleSet, bool, error)
	Set(ctx context.Context, origin string, rules RuleSet, ttl time.Duration) error
}

// Acquirer turns one egress configuration into a ready session.
type Acquirer interface {
	Acquire(ctx context.Context, cfg EgressConfiguration, req TargetRequest) (*Session, error)
}

// RobotsPolicy yields the rules and disallow verdict for a URL.
type RobotsPolicy interface {
	Verdict(ctx context.Context, rawURL string) (RuleSet, bool, error)
}

// Queue provides enqueue/dequeue semantics for page tasks.
type Queue interface {
	Enqueue(ctx context.Context, task PageTask) error
	Dequeue(ctx context.Context) (PageTask, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// ProductStore persists extracted products.
type ProductStore interface {
	InsertProducts(ctx context.Context, products []Product) (int, error)
}

// RunStore tracks run metadata.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, runID string, status RunStatus, errText string, counters RunCounters) error
	SetOutput(ctx context.Context, runID string, uri string) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context) ([]Run, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests used to name stored artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}
