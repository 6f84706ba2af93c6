package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

func TestPublishSendsSummaryWithAttributes(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client, err := pubsub.NewClient(ctx, "catalog-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/catalog-project/topics/catalog-runs"})
	require.NoError(t, err)

	pub := New(client.Publisher("catalog-runs"))
	defer pub.Stop()

	summary := crawler.RunSummary{
		RunID:    "run-1",
		Status:   crawler.RunStatusSucceeded,
		Trigger:  "api",
		Counters: crawler.RunCounters{Products: 12},
	}
	id, err := pub.Publish(ctx, "catalog-runs", summary)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "run-1", msgs[0].Attributes["run_id"])
	assert.Equal(t, "succeeded", msgs[0].Attributes["status"])

	var decoded crawler.RunSummary
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.Equal(t, 12, decoded.Counters.Products)
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "topic", map[string]string{})
	require.ErrorContains(t, err, "not configured")
}
