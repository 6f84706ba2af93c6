package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

func TestRulesCacheExpires(t *testing.T) {
	t.Parallel()

	cache := NewRulesCache()
	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }
	ctx := context.Background()
	origin := "https://shop.example"

	_, ok, err := cache.Get(ctx, origin)
	require.NoError(t, err)
	assert.False(t, ok)

	rules := crawler.RuleSet{Disallowed: []string{"/search*"}}
	require.NoError(t, cache.Set(ctx, origin, rules, time.Minute))
	rules.Disallowed[0] = "/mutated"

	got, ok, err := cache.Get(ctx, origin)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"/search*"}, got.Disallowed)

	now = now.Add(time.Minute)
	_, ok, err = cache.Get(ctx, origin)
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire at its deadline")
}

func TestRulesCacheWithoutTTL(t *testing.T) {
	t.Parallel()

	cache := NewRulesCache()
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "https://a.example", crawler.RuleSet{}, 0))
	_, ok, err := cache.Get(ctx, "https://a.example")
	require.NoError(t, err)
	assert.True(t, ok)
}
