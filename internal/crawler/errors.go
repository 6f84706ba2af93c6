package crawler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRobotsFetch marks a robots.txt document that could not be retrieved.
	ErrRobotsFetch = errors.New("robots fetch failed")
	// ErrExhaustedProxyOptions is matched by every ExhaustedProxyOptionsError.
	ErrExhaustedProxyOptions = errors.New("exhausted proxy options")
	// ErrEgressNotConfigured indicates an egress configuration lacks its endpoint or proxy.
	ErrEgressNotConfigured = errors.New("egress not configured")
	// ErrRunNotFound is returned by run stores for unknown IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrQueueClosed is returned by queues that no longer deliver tasks.
	ErrQueueClosed = errors.New("queue closed")
)

// NavigationError wraps a transport failure while navigating.
type NavigationError struct {
	URL     string
	Attempt int
	Err     error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s (attempt %d): %v", e.URL, e.Attempt, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// ReadyMarkerTimeoutError reports a page that loaded without the expected content.
type ReadyMarkerTimeoutError struct {
	URL     string
	Marker  string
	Timeout time.Duration
	Err     error
}

func (e *ReadyMarkerTimeoutError) Error() string {
	return fmt.Sprintf("ready marker %q not attached on %s within %s", e.Marker, e.URL, e.Timeout)
}

func (e *ReadyMarkerTimeoutError) Unwrap() error { return e.Err }

// EngineStage identifies which part of browser setup failed.
type EngineStage string

// Engine setup stages.
const (
	StageConnect EngineStage = "connect"
	StageLaunch  EngineStage = "launch"
	StagePage    EngineStage = "page"
)

// EngineError is a transport-class failure obtaining a browser or page. It is retried
// within the configuration's attempt budget unless the egress is not configured.
type EngineError struct {
	Stage EngineStage
	Kind  EgressKind
	Err   error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s %s browser: %v", e.Stage, e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// ExhaustedProxyOptionsError is returned when every egress configuration failed for a URL.
type ExhaustedProxyOptionsError struct {
	URL        string
	Site       string
	Disallowed bool
	Attempts   int
	LastErr    error
}

func (e *ExhaustedProxyOptionsError) Error() string {
	site := e.Site
	if site == "" {
		site = "unknown site"
	}
	return fmt.Sprintf("could not load %s (%s) after %d attempts; robots.txt or both proxies failed: %v",
		e.URL, site, e.Attempts, e.LastErr)
}

func (e *ExhaustedProxyOptionsError) Unwrap() error { return e.LastErr }

// Is lets errors.Is match ErrExhaustedProxyOptions.
func (e *ExhaustedProxyOptionsError) Is(target error) bool {
	return target == ErrExhaustedProxyOptions
}

func retryable(err error) bool {
	var nav *NavigationError
	var marker *ReadyMarkerTimeoutError
	return errors.As(err, &nav) || errors.As(err, &marker)
}
