// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"strings"
	"time"
)

// DefaultMaxAttempts is the per-egress navigation budget used when a request leaves it unset.
const DefaultMaxAttempts = 2

// WaitCondition names the navigation lifecycle event that completes a navigation.
type WaitCondition string

// Supported navigation wait conditions.
const (
	WaitDOMContentLoaded WaitCondition = "domcontentloaded"
	WaitLoad             WaitCondition = "load"
	WaitNetworkIdle      WaitCondition = "networkidle"
)

// ParseWaitCondition maps a configuration string onto a WaitCondition.
// Empty input yields WaitDOMContentLoaded.
func ParseWaitCondition(raw string) (WaitCondition, error) {
	switch WaitCondition(strings.ToLower(strings.TrimSpace(raw))) {
	case "", WaitDOMContentLoaded:
		return WaitDOMContentLoaded, nil
	case WaitLoad:
		return WaitLoad, nil
	case WaitNetworkIdle:
		return WaitNetworkIdle, nil
	default:
		return "", errors.New("unknown wait condition " + raw)
	}
}

// TargetRequest describes one page fetch requested by a site extractor.
type TargetRequest struct {
	Site                   string
	URL                    string
	ReadyMarker            string
	MaxAttemptsPerStrategy int
	WaitUntil              WaitCondition
	DisableWebSecurity     bool
}

func (r TargetRequest) attempts() int {
	if r.MaxAttemptsPerStrategy <= 0 {
		return DefaultMaxAttempts
	}
	return r.MaxAttemptsPerStrategy
}

func (r TargetRequest) waitCondition(residential bool) WaitCondition {
	if residential || r.WaitUntil == "" {
		return WaitDOMContentLoaded
	}
	return r.WaitUntil
}

// RuleSet holds the ordered disallow patterns of a robots.txt document.
type RuleSet struct {
	Disallowed []string
	// Source is the raw robots.txt body; empty when the fetch failed.
	Source string
}

// Empty reports whether the rule set restricts nothing.
func (r RuleSet) Empty() bool { return len(r.Disallowed) == 0 }

// EgressKind distinguishes the two network paths a page can be acquired through.
type EgressKind string

// Egress kinds.
const (
	EgressResidential EgressKind = "residential"
	EgressDatacenter  EgressKind = "datacenter"
)

// ProxyCredentials identify a datacenter proxy.
type ProxyCredentials struct {
	Server   string `mapstructure:"server"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Configured reports whether a proxy server was supplied.
func (p ProxyCredentials) Configured() bool { return strings.TrimSpace(p.Server) != "" }

// EgressCredentials carries everything needed to build both egress configurations.
type EgressCredentials struct {
	ResidentialEndpoint string           `mapstructure:"residential_endpoint"`
	Datacenter          ProxyCredentials `mapstructure:"datacenter"`
}

// EgressConfiguration is one concrete way of reaching a target site.
type EgressConfiguration struct {
	Kind EgressKind
	// Endpoint is the remote browser connection URL for residential sessions.
	Endpoint string
	// Proxy is used when launching a datacenter browser.
	Proxy ProxyCredentials
}

// Residential reports whether the configuration attaches to the shared remote session.
func (c EgressConfiguration) Residential() bool { return c.Kind == EgressResidential }

// Session is the browser and page handed to a caller after a successful acquisition.
// The caller owns both handles and must call Close on every exit path.
type Session struct {
	Browser  Browser
	Page     Page
	Egress   EgressConfiguration
	Attempts int
	Acquired time.Time
}

// Close releases the page and then the browser. A shared residential browser is
// only disconnected.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Page != nil {
		if err := s.Page.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Browser != nil {
		if err := s.Browser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
