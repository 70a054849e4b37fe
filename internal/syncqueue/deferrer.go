package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/lucasew/swcache/internal/cachestore"
	"github.com/lucasew/swcache/internal/errutil"
	"github.com/lucasew/swcache/internal/fetcher"
)

// FailureReporter is told when a request was deferred for lack of
// connectivity.
type FailureReporter interface {
	ReportFailure()
}

// Deferrer forwards mutating requests and queues the ones the network
// rejected.
type Deferrer struct {
	Queue   *Queue
	Network Network
	Offline FailureReporter
	// MaxBody caps request bodies. Zero means fetcher.DefaultMaxBody.
	MaxBody int64
}

type queuedBody struct {
	Queued bool   `json:"queued"`
	ID     string `json:"id"`
}

// Handle forwards r. On a network failure it is queued and answered with
// 202 Accepted.
func (d *Deferrer) Handle(ctx context.Context, r *http.Request) *http.Response {
	req, err := fetcher.FromHTTP(r, d.MaxBody)
	if errors.Is(err, fetcher.ErrBodyTooLarge) {
		errutil.LogMsg(err, "Request body too large", "url", r.URL.String())
		return textResponse(r, http.StatusRequestEntityTooLarge, "Request body too large\n")
	}
	if err != nil {
		errutil.LogMsg(err, "Failed to read request", "url", r.URL.String())
		return textResponse(r, http.StatusBadRequest, "Bad request\n")
	}

	// Abandoned writes still complete or get queued.
	ctx = context.WithoutCancel(ctx)
	entry, err := d.Network.Do(ctx, req)
	if err == nil {
		return entry.Response(r)
	}
	if !fetcher.IsNetworkError(err) {
		errutil.LogMsg(err, "Failed to forward request", "url", req.URL)
		return textResponse(r, http.StatusBadGateway, "Bad gateway\n")
	}

	item, qerr := d.Queue.Enqueue(ctx, req)
	if qerr != nil {
		errutil.ReportError(qerr, "Failed to queue request for background sync", "url", req.URL)
		return textResponse(r, http.StatusServiceUnavailable, "Offline: request could not be queued\n")
	}
	if d.Offline != nil {
		d.Offline.ReportFailure()
	}

	body, _ := json.Marshal(queuedBody{Queued: true, ID: item.ID})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return (&cachestore.Entry{Status: http.StatusAccepted, Header: h, Body: body}).Response(r)
}

func textResponse(r *http.Request, status int, msg string) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(msg)))
	return (&cachestore.Entry{Status: status, Header: h, Body: []byte(msg)}).Response(r)
}
