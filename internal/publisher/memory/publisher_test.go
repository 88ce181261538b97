package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

func TestPublisherLog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := New()
	at := time.Unix(0, 0).UTC()

	id, err := pub.Publish(ctx, "other", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)

	_, err = pub.Publish(ctx, "scrape.status", scrape.StatusEvent{JobID: "job-1", Status: scrape.StatusPending, At: at})
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "scrape.status", &scrape.StatusEvent{JobID: "job-2", Status: scrape.StatusPending, At: at})
	require.NoError(t, err)
	id, err = pub.Publish(ctx, "scrape.status", scrape.StatusEvent{JobID: "job-1", Status: scrape.StatusCompleted, At: at})
	require.NoError(t, err)
	assert.Equal(t, "memory-4", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 4)
	msgs[0].Topic = "changed"
	assert.Equal(t, "other", pub.Messages()[0].Topic, "Messages returns a copy")

	assert.Len(t, pub.Events(), 3)
	assert.Equal(t, []scrape.Status{scrape.StatusPending, scrape.StatusCompleted}, pub.Statuses("job-1"))
	assert.Len(t, pub.Statuses(""), 3)

	pub.Reset()
	assert.Empty(t, pub.Messages())
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := New()
	boom := errors.New("broker down")

	pub.FailWith(boom)
	_, err := pub.Publish(ctx, "t", "x")
	require.ErrorIs(t, err, boom)

	pub.FailWith(nil)
	_, err = pub.Publish(ctx, "t", "x")
	require.NoError(t, err)
	assert.Len(t, pub.Messages(), 1, "failed publishes are dropped")
}
