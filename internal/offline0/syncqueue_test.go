package offline0

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const syncTag = "background-sync"

func newTestQueue(t *testing.T, f Fetcher, opts SyncQueueOptions) *SyncQueue {
	t.Helper()
	store, err := OpenBoltQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return NewSyncQueue(store, f, fakeClock{now: testNow}, zap.NewNop(), opts)
}

func enqueue(t *testing.T, q *SyncQueue, url string) QueueItem {
	t.Helper()
	it, err := q.Enqueue(context.Background(), syncTag, QueueItem{URL: url, Body: "payload " + url})
	require.NoError(t, err)
	return it
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	q := newTestQueue(t, newFakeFetcher(), SyncQueueOptions{})
	ctx := context.Background()

	it, err := q.Enqueue(ctx, syncTag, QueueItem{URL: "/api/forms", Method: "put"})
	require.NoError(t, err)
	assert.NotEmpty(t, it.ID)
	assert.Equal(t, "PUT", it.Method)
	assert.Equal(t, syncTag, it.Tag)
	assert.Equal(t, ItemPending, it.Status)
	assert.True(t, testNow.Equal(it.EnqueuedAt))

	it, err = q.Enqueue(ctx, syncTag, QueueItem{URL: "/api/forms"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, it.Method)

	_, err = q.Enqueue(ctx, syncTag, QueueItem{})
	assert.Error(t, err)
	_, err = q.Enqueue(ctx, " ", QueueItem{URL: "/x"})
	assert.Error(t, err)
}

func TestDrainDiscardFailedClearsAttemptedItems(t *testing.T) {
	f := newFakeFetcher()
	f.serve("/api/first", http.StatusOK, "ok")
	f.handle("/api/second", func(*Request) (*Response, error) { return nil, errOffline })
	q := newTestQueue(t, f, SyncQueueOptions{DiscardFailed: true})
	ctx := context.Background()

	enqueue(t, q, "/api/first")
	enqueue(t, q, "/api/second")

	res, err := q.Drain(ctx, syncTag)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 2, Synced: 1, Discarded: 1}, res)

	f.mu.Lock()
	calls := append([]Request(nil), f.calls...)
	f.mu.Unlock()
	require.Len(t, calls, 2)
	assert.Equal(t, "/api/first", calls[0].URL)
	assert.Equal(t, "/api/second", calls[1].URL)

	left, err := q.List(ctx, syncTag)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDrainRetainsFailedItems(t *testing.T) {
	f := newFakeFetcher()
	f.serve("/api/first", http.StatusOK, "ok")
	f.handle("/api/second", func(*Request) (*Response, error) { return nil, errOffline })
	q := newTestQueue(t, f, SyncQueueOptions{})
	ctx := context.Background()

	enqueue(t, q, "/api/first")
	second := enqueue(t, q, "/api/second")

	res, err := q.Drain(ctx, syncTag)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 2, Synced: 1, Retried: 1}, res)

	left, err := q.List(ctx, syncTag)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, second.ID, left[0].ID)
	assert.Equal(t, ItemPending, left[0].Status)
	assert.Equal(t, 1, left[0].Attempts)
	assert.Equal(t, errOffline.Error(), left[0].LastError)

	// back online: the retained item goes through
	f.serve("/api/second", http.StatusNoContent, "")
	res, err = q.Drain(ctx, syncTag)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	left, err = q.List(ctx, syncTag)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDrainDeadLettersAfterMaxAttempts(t *testing.T) {
	f := newFakeFetcher()
	f.serve("/api/flaky", http.StatusServiceUnavailable, "later")
	q := newTestQueue(t, f, SyncQueueOptions{MaxAttempts: 2})
	ctx := context.Background()
	enqueue(t, q, "/api/flaky")

	res, err := q.Drain(ctx, syncTag)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	res, err = q.Drain(ctx, syncTag)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	res, err = q.Drain(ctx, syncTag)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted, "failed items are not replayed")
	assert.Equal(t, 2, f.callCount("/api/flaky"))

	left, err := q.List(ctx, syncTag)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, ItemFailed, left[0].Status)
	assert.Equal(t, "status 503", left[0].LastError)
}

func TestDrainRejectsClientErrorsImmediately(t *testing.T) {
	f := newFakeFetcher()
	f.serve("/api/invalid", http.StatusUnprocessableEntity, "bad")
	f.serve("/api/busy", http.StatusTooManyRequests, "slow down")
	q := newTestQueue(t, f, SyncQueueOptions{})
	ctx := context.Background()
	enqueue(t, q, "/api/invalid")
	enqueue(t, q, "/api/busy")

	res, err := q.Drain(ctx, syncTag)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 2, Failed: 1, Retried: 1}, res)

	left, err := q.List(ctx, syncTag)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, ItemFailed, left[0].Status)
	assert.Equal(t, ItemPending, left[1].Status)
}

func TestDrainKeepsItemsEnqueuedDuringPass(t *testing.T) {
	f := newFakeFetcher()
	var q *SyncQueue
	var late QueueItem
	f.handle("/api/first", func(*Request) (*Response, error) {
		late = enqueue(t, q, "/api/late")
		return nil, errOffline
	})
	q = newTestQueue(t, f, SyncQueueOptions{DiscardFailed: true})
	ctx := context.Background()
	enqueue(t, q, "/api/first")

	res, err := q.Drain(ctx, syncTag)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)

	left, err := q.List(ctx, syncTag)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, late.ID, left[0].ID)
}

func TestDrainIsSingleFlightPerTag(t *testing.T) {
	f := newFakeFetcher()
	entered := make(chan struct{})
	release := make(chan struct{})
	f.handle("/api/slow", func(*Request) (*Response, error) {
		close(entered)
		<-release
		return textResponse(http.StatusOK, "ok"), nil
	})
	f.serve("/api/fast", http.StatusOK, "ok")
	q := newTestQueue(t, f, SyncQueueOptions{})
	ctx := context.Background()
	enqueue(t, q, "/api/slow")

	type result struct {
		res DrainResult
		err error
	}
	first := make(chan result, 1)
	go func() {
		res, err := q.Drain(ctx, syncTag)
		first <- result{res, err}
	}()
	<-entered

	enqueue(t, q, "/api/fast")
	res, err := q.Drain(ctx, syncTag)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted, "joins the running drain")

	close(release)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, 2, r.res.Synced)
	assert.Equal(t, 1, f.callCount("/api/slow"))
	assert.Equal(t, 1, f.callCount("/api/fast"))
}

func TestDeliveryOutcome(t *testing.T) {
	tests := []struct {
		status int
		want   ItemStatus
	}{
		{200, ItemSynced},
		{204, ItemSynced},
		{500, ItemPending},
		{503, ItemPending},
		{408, ItemPending},
		{429, ItemPending},
		{400, ItemFailed},
		{404, ItemFailed},
	}
	for _, tt := range tests {
		got, _ := deliveryOutcome(textResponse(tt.status, ""), nil)
		assert.Equal(t, tt.want, got, "status %d", tt.status)
	}
	got, reason := deliveryOutcome(nil, errOffline)
	assert.Equal(t, ItemPending, got)
	assert.Equal(t, errOffline.Error(), reason)
}
