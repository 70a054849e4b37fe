package syncqueue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasew/swcache/internal/cachestore"
	"github.com/lucasew/swcache/internal/db"
	"github.com/lucasew/swcache/internal/errutil"
	"github.com/lucasew/swcache/internal/fetcher"
	"github.com/lucasew/swcache/internal/metrics"
)

// Tag is the only sync tag that drains the queue.
const Tag = "background-sync"

// Network replays requests upstream.
type Network interface {
	Do(ctx context.Context, req fetcher.Request) (*cachestore.Entry, error)
}

// ReplayError is a failed replay of one item. It never removes the item.
type ReplayError struct {
	ID     string
	URL    string
	Status int
	Err    error
}

func (e *ReplayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("replay %s (%s) failed: %v", e.ID, e.URL, e.Err)
	}
	return fmt.Sprintf("replay %s (%s) failed: status %d", e.ID, e.URL, e.Status)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Report summarizes one drain pass.
type Report struct {
	Attempted int `json:"attempted"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

type Options struct {
	DB      *db.DB
	Network Network
	Metrics *metrics.Metrics
	// ReplayTimeout bounds each replay attempt. Zero disables it.
	ReplayTimeout time.Duration
	Now           func() time.Time
}

// Queue is the durable FIFO of requests that failed for lack of
// connectivity.
type Queue struct {
	db      *db.DB
	net     Network
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time

	// drain serializes passes so overlapping sync events never replay one
	// item twice.
	drain sync.Mutex
}

func New(opts Options) *Queue {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		db:      opts.DB,
		net:     opts.Network,
		metrics: opts.Metrics,
		timeout: opts.ReplayTimeout,
		now:     now,
	}
}

// Enqueue appends req to the queue.
func (q *Queue) Enqueue(ctx context.Context, req fetcher.Request) (*db.Item, error) {
	item := &db.Item{
		ID:         uuid.NewString(),
		URL:        req.URL,
		Method:     req.Method,
		Header:     req.Header.Clone(),
		Body:       req.Body,
		EnqueuedAt: q.now(),
	}
	if item.Header == nil {
		item.Header = http.Header{}
	}
	if err := q.db.Insert(ctx, item); err != nil {
		return nil, err
	}
	q.metrics.Enqueued()
	q.updateDepth(ctx)
	slog.Info("Queued request for background sync", "id", item.ID, "method", item.Method, "url", item.URL)
	return item, nil
}

func (q *Queue) List(ctx context.Context) ([]*db.Item, error) {
	return q.db.List(ctx)
}

func (q *Queue) Get(ctx context.Context, id string) (*db.Item, bool, error) {
	return q.db.Get(ctx, id)
}

// Remove drops an item without replaying it.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	ok, err := q.db.Delete(ctx, id)
	if err == nil && ok {
		q.updateDepth(ctx)
	}
	return ok, err
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.db.Count(ctx)
}

// DrainAll replays every queued item once, in enqueue order.
func (q *Queue) DrainAll(ctx context.Context) (Report, error) {
	return q.Drain(ctx, nil)
}

// Drain is DrainAll with a callback after each item; err is nil when the
// item was replayed and removed.
//
// A failed item stays where it is with its attempt count incremented and
// does not stop the items after it.
func (q *Queue) Drain(ctx context.Context, onItem func(item *db.Item, err error)) (Report, error) {
	q.drain.Lock()
	defer q.drain.Unlock()

	var rep Report
	items, err := q.db.List(ctx)
	if err != nil {
		return rep, err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			rep.Remaining = len(items) - rep.Replayed
			return rep, err
		}
		rep.Attempted++
		replayErr := q.replay(ctx, item)
		if replayErr == nil {
			rep.Replayed++
			q.metrics.Replay("success")
			if _, err := q.db.Delete(ctx, item.ID); err != nil {
				errutil.ReportError(err, "Failed to remove replayed item", "id", item.ID)
			}
		} else {
			rep.Failed++
			q.metrics.Replay("failure")
			errutil.LogMsg(replayErr, "Background sync replay failed", "id", item.ID, "attempts", item.Attempts+1)
			if err := q.db.MarkAttempt(ctx, item.ID, q.now(), replayErr.Error()); err != nil {
				errutil.ReportError(err, "Failed to record replay attempt", "id", item.ID)
			}
		}
		if onItem != nil {
			onItem(item, replayErr)
		}
	}

	rep.Remaining = len(items) - rep.Replayed
	q.metrics.QueueDepth(rep.Remaining)
	if rep.Attempted > 0 {
		slog.Info("Background sync pass finished", "attempted", rep.Attempted, "replayed", rep.Replayed, "failed", rep.Failed)
	}
	return rep, nil
}

func (q *Queue) replay(ctx context.Context, item *db.Item) error {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	entry, err := q.net.Do(ctx, fetcher.Request{
		Method: item.Method,
		URL:    item.URL,
		Header: item.Header,
		Body:   item.Body,
	})
	if err != nil {
		return &ReplayError{ID: item.ID, URL: item.URL, Err: err}
	}
	if entry.Status >= http.StatusBadRequest {
		return &ReplayError{ID: item.ID, URL: item.URL, Status: entry.Status}
	}
	return nil
}

func (q *Queue) updateDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	n, err := q.db.Count(ctx)
	if err != nil {
		errutil.LogMsg(err, "Failed to count queued items")
		return
	}
	q.metrics.QueueDepth(n)
}
