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

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan scrape.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: "job-1"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		assert.Equal(t, "job-1", got.JobID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qEnqueue := NewQueue(1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), scrape.QueueItem{JobID: "primed"}))
	assert.Equal(t, 1, qEnqueue.Len())
	err = qEnqueue.Enqueue(ctx, scrape.QueueItem{})
	require.EqualError(t, err, "enqueue canceled: context canceled")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestQueueCloseStopsHandOut(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: "left-over"}))
	q.Close()
	q.Close()

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, scrape.ErrQueueClosed)
	assert.ErrorIs(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: "late"}), ErrClosed)
}

func TestQueueCloseWakesBlockedDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	errs := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errs <- err
	}()

	q.Close()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked Dequeue was not released by Close")
	}
}

func TestQueueEnqueueFullReturnsImmediately(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: "first"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	start := time.Now()
	err := q.Enqueue(ctx, scrape.QueueItem{JobID: "second"})
	assert.ErrorIs(t, err, ErrFull)
	assert.ErrorIs(t, err, scrape.ErrQueueFull)
	assert.Less(t, time.Since(start), time.Second, "a full queue must not wait for the deadline")
	assert.Equal(t, 1, q.Len())

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", item.JobID)
	require.NoError(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: "second"}))
}

func TestQueueZeroCapacityNeedsWaitingWorker(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	assert.ErrorIs(t, q.Enqueue(context.Background(), scrape.QueueItem{JobID: "nobody"}), ErrFull)
}
