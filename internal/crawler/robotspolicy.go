package crawler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/metrics"
)

const (
	defaultRobotsTimeout = 10 * time.Second
	disallowPrefix       = "disallow:"
)

// MatchMode selects how a rule set is evaluated.
type MatchMode string

// Match modes.
const (
	// MatchDisallow evaluates every Disallow line regardless of user-agent group.
	MatchDisallow MatchMode = "disallow"
	// MatchAgent evaluates only the groups addressed to the configured user agent,
	// honoring Allow lines.
	MatchAgent MatchMode = "agent"
)

// RobotsOptions configure a RobotsChecker.
type RobotsOptions struct {
	Timeout   time.Duration
	UserAgent string
	Mode      MatchMode
	Cache     RulesCache
	CacheTTL  time.Duration
}

// RobotsChecker fetches robots.txt documents and evaluates URLs against them.
type RobotsChecker struct {
	client    *http.Client
	userAgent string
	mode      MatchMode
	cache     RulesCache
	cacheTTL  time.Duration
	patterns  sync.Map
	logger    *zap.Logger
}

// NewRobotsChecker builds a RobotsChecker.
func NewRobotsChecker(opts RobotsOptions, logger *zap.Logger) *RobotsChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRobotsTimeout
	}
	if opts.Mode == "" {
		opts.Mode = MatchDisallow
	}
	return &RobotsChecker{
		client: &http.Client{
			Timeout: opts.Timeout,
		},
		userAgent: opts.UserAgent,
		mode:      opts.Mode,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		logger:    logger,
	}
}

// Verdict returns the rules for rawURL's origin and whether rawURL is disallowed.
// Only an unparsable URL produces an error.
func (r *RobotsChecker) Verdict(ctx context.Context, rawURL string) (RuleSet, bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return RuleSet{}, false, fmt.Errorf("parse target url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return RuleSet{}, false, fmt.Errorf("parse target url: %q is not absolute", rawURL)
	}
	origin := Origin(parsed)
	rules := r.rulesFor(ctx, origin)
	disallowed := r.IsDisallowed(rawURL, rules)
	metrics.ObserveRobotsVerdict(parsed.Hostname(), disallowed)
	return rules, disallowed, nil
}

func (r *RobotsChecker) rulesFor(ctx context.Context, origin string) RuleSet {
	if r.cache != nil {
		rules, ok, err := r.cache.Get(ctx, origin)
		if err != nil {
			r.logger.Debug("robots cache read failed", zap.String("origin", origin), zap.Error(err))
		} else if ok {
			return rules
		}
	}
	rules, answered, err := r.fetch(ctx, origin)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("origin", origin), zap.Error(err))
	}
	if r.cache != nil && answered {
		if cerr := r.cache.Set(ctx, origin, rules, r.cacheTTL); cerr != nil {
			r.logger.Debug("robots cache write failed", zap.String("origin", origin), zap.Error(cerr))
		}
	}
	return rules
}

// FetchRules downloads {origin}/robots.txt and collects its Disallow patterns.
// Any failure yields an empty RuleSet.
func (r *RobotsChecker) FetchRules(ctx context.Context, origin string) RuleSet {
	rules, _, err := r.fetch(ctx, origin)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("origin", origin), zap.Error(err))
	}
	return rules
}

// fetch reports answered=true when the server produced a response, even a non-200 one.
func (r *RobotsChecker) fetch(ctx context.Context, origin string) (RuleSet, bool, error) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return RuleSet{}, false, fmt.Errorf("%w: parse origin: %w", ErrRobotsFetch, err)
	}
	robotsURL := *parsed
	robotsURL.Path = path.Join("/", "robots.txt")
	robotsURL.RawQuery = ""
	robotsURL.Fragment = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return RuleSet{}, false, fmt.Errorf("%w: new request: %w", ErrRobotsFetch, err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return RuleSet{}, false, fmt.Errorf("%w: %w", ErrRobotsFetch, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return RuleSet{}, true, fmt.Errorf("%w: status %d", ErrRobotsFetch, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RuleSet{}, false, fmt.Errorf("%w: read body: %w", ErrRobotsFetch, err)
	}
	return ParseRules(string(body)), true, nil
}

// ParseRules collects the trimmed remainder of every line starting with "Disallow:".
func ParseRules(body string) RuleSet {
	rules := RuleSet{Source: body}
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) < len(disallowPrefix) || !strings.EqualFold(line[:len(disallowPrefix)], disallowPrefix) {
			continue
		}
		rules.Disallowed = append(rules.Disallowed, strings.TrimSpace(line[len(disallowPrefix):]))
	}
	return rules
}

// IsDisallowed reports whether any pattern in rules matches rawURL.
func (r *RobotsChecker) IsDisallowed(rawURL string, rules RuleSet) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		r.logger.Debug("robots check on unparsable url", zap.String("url", rawURL), zap.Error(err))
		parsed = &url.URL{}
	}
	if r.mode == MatchAgent && rules.Source != "" {
		return !r.agentAllows(rules.Source, parsed)
	}
	for _, pattern := range rules.Disallowed {
		if pattern == "" {
			continue
		}
		if r.matches(pattern, rawURL, parsed) {
			return true
		}
	}
	return false
}

func (r *RobotsChecker) matches(pattern, rawURL string, parsed *url.URL) bool {
	if strings.Contains(pattern, "*") {
		re, err := r.compile(pattern)
		if err != nil {
			r.logger.Warn("skipping malformed robots pattern", zap.String("pattern", pattern), zap.Error(err))
			return false
		}
		return re.MatchString(rawURL)
	}
	if strings.HasPrefix(rawURL, pattern) {
		return true
	}
	if parsed.Path != "" && strings.HasPrefix(parsed.RequestURI(), pattern) {
		return true
	}
	if parsed.RawQuery != "" && strings.Contains(pattern, "=") {
		name := queryParamName(pattern)
		if name == "" {
			return false
		}
		for _, pair := range strings.Split(parsed.RawQuery, "&") {
			if strings.HasPrefix(pair, name+"=") {
				return true
			}
		}
	}
	return false
}

func (r *RobotsChecker) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := r.patterns.Load(pattern); ok {
		if re, isRe := cached.(*regexp.Regexp); isRe {
			return re, nil
		}
	}
	re, err := regexp.Compile(strings.ReplaceAll(pattern, "*", ".*"))
	if err != nil {
		return nil, fmt.Errorf("compile robots pattern: %w", err)
	}
	r.patterns.Store(pattern, re)
	return re, nil
}

func (r *RobotsChecker) agentAllows(source string, parsed *url.URL) bool {
	data, err := robotstxt.FromString(source)
	if err != nil {
		r.logger.Debug("robots agent parse failed", zap.Error(err))
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return data.TestAgent(target, r.userAgent)
}

// queryParamName extracts "color" from patterns such as "/catalog?color=".
func queryParamName(pattern string) string {
	idx := strings.Index(pattern, "=")
	head := pattern[:idx]
	if cut := strings.LastIndexAny(head, "?&/"); cut >= 0 {
		head = head[cut+1:]
	}
	return head
}

// Origin returns scheme://host for u.
func Origin(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
