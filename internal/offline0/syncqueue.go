package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline0/internal/metrics"
)

type ItemStatus string

// An item moves pending -> sending -> synced | failed. Only pending and
// failed are persisted; synced items are removed.
const (
	ItemPending ItemStatus = "pending"
	ItemSending ItemStatus = "sending"
	ItemSynced  ItemStatus = "synced"
	ItemFailed  ItemStatus = "failed"
)

// QueueItem is one deferred outbound request handed over by a page.
type QueueItem struct {
	ID         string      `json:"id"`
	Tag        string      `json:"tag"`
	URL        string      `json:"url"`
	Method     string      `json:"method"`
	Header     http.Header `json:"headers,omitempty"`
	Body       string      `json:"body,omitempty"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"lastError,omitempty"`
	Status     ItemStatus  `json:"status"`
}

func (it QueueItem) request() *Request {
	return &Request{Method: it.Method, URL: it.URL, Header: cloneHeader(it.Header), Body: []byte(it.Body)}
}

// QueueStore is the durable home of queued items. It lives outside the
// versioned cache so queued submissions survive deployments.
type QueueStore interface {
	Enqueue(ctx context.Context, item QueueItem) error
	// List returns every item of tag in enqueue order.
	List(ctx context.Context, tag string) ([]QueueItem, error)
	// Ack removes one item. ErrQueueItemNotFound if it is gone.
	Ack(ctx context.Context, tag, id string) error
	// Update replaces a stored item. ErrQueueItemNotFound if it is gone.
	Update(ctx context.Context, item QueueItem) error
	Close() error
}

type DrainResult struct {
	Attempted int
	Synced    int
	Retried   int
	Failed    int
	Discarded int
}

func (r *DrainResult) add(o DrainResult) {
	r.Attempted += o.Attempted
	r.Synced += o.Synced
	r.Retried += o.Retried
	r.Failed += o.Failed
	r.Discarded += o.Discarded
}

type SyncQueue struct {
	store   QueueStore
	fetcher Fetcher
	clock   Clock
	log     *zap.Logger

	maxAttempts int
	// discardFailed drops every attempted item after a pass, whatever the
	// outcome.
	discardFailed bool

	mu       sync.Mutex
	draining map[string]bool
	again    map[string]bool
}

type SyncQueueOptions struct {
	MaxAttempts   int
	DiscardFailed bool
}

func NewSyncQueue(store QueueStore, fetcher Fetcher, clock Clock, log *zap.Logger, opts SyncQueueOptions) *SyncQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if clock == nil {
		clock = systemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncQueue{
		store:         store,
		fetcher:       fetcher,
		clock:         clock,
		log:           log,
		maxAttempts:   opts.MaxAttempts,
		discardFailed: opts.DiscardFailed,
		draining:      map[string]bool{},
		again:         map[string]bool{},
	}
}

// Enqueue validates and stores an item, assigning its ID and timestamp.
func (q *SyncQueue) Enqueue(ctx context.Context, tag string, item QueueItem) (QueueItem, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return QueueItem{}, fmt.Errorf("empty queue tag")
	}
	if strings.TrimSpace(item.URL) == "" {
		return QueueItem{}, fmt.Errorf("queue item without url")
	}
	item.Method = strings.ToUpper(strings.TrimSpace(item.Method))
	if item.Method == "" {
		item.Method = http.MethodPost
	}
	item.ID = uuid.NewString()
	item.Tag = tag
	item.EnqueuedAt = q.clock.Now().UTC()
	item.Attempts = 0
	item.LastError = ""
	item.Status = ItemPending
	if err := q.store.Enqueue(ctx, item); err != nil {
		return QueueItem{}, fmt.Errorf("enqueue: %w", err)
	}
	return item, nil
}

func (q *SyncQueue) List(ctx context.Context, tag string) ([]QueueItem, error) {
	return q.store.List(ctx, tag)
}

// Drain replays the pending items of tag in enqueue order. A call that
// arrives while the same tag is draining returns at once and makes the
// running drain do one more pass.
func (q *SyncQueue) Drain(ctx context.Context, tag string) (DrainResult, error) {
	q.mu.Lock()
	if q.draining[tag] {
		q.again[tag] = true
		q.mu.Unlock()
		return DrainResult{}, nil
	}
	q.draining[tag] = true
	q.mu.Unlock()

	var total DrainResult
	for {
		res, err := q.drainOnce(ctx, tag)
		total.add(res)

		q.mu.Lock()
		if err != nil || !q.again[tag] {
			delete(q.draining, tag)
			delete(q.again, tag)
			q.mu.Unlock()
			return total, err
		}
		q.again[tag] = false
		q.mu.Unlock()
	}
}

func (q *SyncQueue) drainOnce(ctx context.Context, tag string) (DrainResult, error) {
	var res DrainResult
	items, err := q.store.List(ctx, tag)
	if err != nil {
		return res, fmt.Errorf("read queue %q: %w", tag, err)
	}
	for _, it := range items {
		if it.Status != ItemPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++
		q.log.Debug("sync item", zap.String("tag", tag), zap.String("id", it.ID),
			zap.String("status", string(ItemSending)), zap.String("url", it.URL))

		resp, ferr := q.fetcher.Fetch(ctx, it.request())
		outcome, reason := deliveryOutcome(resp, ferr)

		if q.discardFailed {
			if err := q.ack(ctx, tag, it.ID); err != nil {
				return res, err
			}
			if outcome == ItemSynced {
				res.Synced++
				metrics.SyncItems.WithLabelValues(tag, "synced").Inc()
			} else {
				res.Discarded++
				metrics.SyncItems.WithLabelValues(tag, "discarded").Inc()
				q.log.Warn("sync item failed and was discarded", zap.String("tag", tag), zap.String("id", it.ID), zap.String("error", reason))
			}
			continue
		}

		switch outcome {
		case ItemSynced:
			if err := q.ack(ctx, tag, it.ID); err != nil {
				return res, err
			}
			res.Synced++
			metrics.SyncItems.WithLabelValues(tag, "synced").Inc()
			q.log.Info("sync item delivered", zap.String("tag", tag), zap.String("id", it.ID), zap.Int("status", resp.Status))
		case ItemPending:
			it.Attempts++
			it.LastError = reason
			if it.Attempts >= q.maxAttempts {
				it.Status = ItemFailed
				res.Failed++
				metrics.SyncItems.WithLabelValues(tag, "failed").Inc()
			} else {
				res.Retried++
				metrics.SyncItems.WithLabelValues(tag, "retry").Inc()
			}
			if err := q.update(ctx, it); err != nil {
				return res, err
			}
			q.log.Warn("sync item not delivered", zap.String("tag", tag), zap.String("id", it.ID),
				zap.Int("attempts", it.Attempts), zap.String("status", string(it.Status)), zap.String("error", reason))
		default:
			it.Attempts++
			it.LastError = reason
			it.Status = ItemFailed
			res.Failed++
			metrics.SyncItems.WithLabelValues(tag, "failed").Inc()
			if err := q.update(ctx, it); err != nil {
				return res, err
			}
			q.log.Warn("sync item rejected", zap.String("tag", tag), zap.String("id", it.ID), zap.String("error", reason))
		}
	}
	return res, nil
}

func (q *SyncQueue) ack(ctx context.Context, tag, id string) error {
	err := q.store.Ack(ctx, tag, id)
	if errors.Is(err, ErrQueueItemNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func (q *SyncQueue) update(ctx context.Context, it QueueItem) error {
	err := q.store.Update(ctx, it)
	if errors.Is(err, ErrQueueItemNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("update %s: %w", it.ID, err)
	}
	return nil
}

// deliveryOutcome maps a replay result to ItemSynced, ItemPending (retry
// later) or ItemFailed (the server refused the item for good).
func deliveryOutcome(resp *Response, err error) (ItemStatus, string) {
	if err != nil {
		return ItemPending, err.Error()
	}
	switch {
	case resp.OK():
		return ItemSynced, ""
	case resp.Status >= 500, resp.Status == http.StatusRequestTimeout, resp.Status == http.StatusTooManyRequests:
		return ItemPending, "status " + strconv.Itoa(resp.Status)
	}
	return ItemFailed, "status " + strconv.Itoa(resp.Status)
}
