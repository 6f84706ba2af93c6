package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "catalog-runs", crawler.RunSummary{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "catalog-runs", msgs[0].Topic)

	msgs[0].Topic = "modified"
	assert.Equal(t, "catalog-runs", pub.Messages()[0].Topic, "Messages returns a copy")

	summaries := pub.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, "run-1", summaries[0].RunID)
}

func TestPublisherErr(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.Err = errors.New("broker down")
	_, err := pub.Publish(context.Background(), "t", "x")
	require.Error(t, err)
	assert.Empty(t, pub.Messages())
}
