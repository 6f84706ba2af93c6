package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

type cachedRules struct {
	rules   crawler.RuleSet
	expires time.Time
}

// RulesCache keeps robots rule sets per origin until their TTL lapses.
type RulesCache struct {
	mu      sync.Mutex
	entries map[string]cachedRules
	now     func() time.Time
}

// NewRulesCache constructs an empty cache.
func NewRulesCache() *RulesCache {
	return &RulesCache{
		entries: make(map[string]cachedRules),
		now:     time.Now,
	}
}

// Get returns the cached rules for origin when present and unexpired.
func (c *RulesCache) Get(_ context.Context, origin string) (crawler.RuleSet, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[origin]
	if !ok {
		return crawler.RuleSet{}, false, nil
	}
	if !entry.expires.IsZero() && !c.now().Before(entry.expires) {
		delete(c.entries, origin)
		return crawler.RuleSet{}, false, nil
	}
	return entry.rules, true, nil
}

// Set stores rules for origin. A non-positive ttl keeps the entry until restart.
func (c *RulesCache) Set(_ context.Context, origin string, rules crawler.RuleSet, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cachedRules{rules: crawler.RuleSet{
		Disallowed: append([]string(nil), rules.Disallowed...),
		Source:     rules.Source,
	}}
	if ttl > 0 {
		entry.expires = c.now().Add(ttl)
	}
	c.entries[origin] = entry
	return nil
}
