package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/lucasew/swcache/internal/db"
	"github.com/lucasew/swcache/internal/errutil"
	"github.com/lucasew/swcache/internal/eventbus"
	"github.com/lucasew/swcache/internal/lifecycle"
	"github.com/lucasew/swcache/internal/metrics"
	"github.com/lucasew/swcache/internal/syncqueue"
)

// Prefix is reserved for the command channel on the intercepting listener.
const Prefix = "/_swcache/"

const maxBody = 1 << 20

// API serves the command channel over HTTP.
type API struct {
	Bus       *eventbus.Bus
	Hub       *Hub
	Lifecycle *lifecycle.Controller
	Queue     *syncqueue.Queue
	Metrics   *metrics.Metrics
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+Prefix+"message", a.handleMessage)
	mux.HandleFunc("POST "+Prefix+"sync", a.handleSync)
	mux.HandleFunc("POST "+Prefix+"push", a.handlePush)
	mux.HandleFunc("POST "+Prefix+"notificationclick", a.handleNotificationClick)
	mux.HandleFunc("GET "+Prefix+"queue", a.handleQueueList)
	mux.HandleFunc("DELETE "+Prefix+"queue/{id}", a.handleQueueRemove)
	mux.HandleFunc("GET "+Prefix+"status", a.handleStatus)
	if a.Hub != nil {
		mux.Handle("GET "+Prefix+"ws", a.Hub)
	}
	if a.Metrics != nil {
		mux.Handle("GET /metrics", a.Metrics.Handler())
	}
}

func (a *API) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg eventbus.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&msg); err != nil || msg.Type == "" {
		http.Error(w, "Bad Request: expected {\"type\":...,\"data\":...}", http.StatusBadRequest)
		return
	}
	a.dispatch(w, r, eventbus.MessageReceived{Message: msg})
}

type syncRequest struct {
	Tag string `json:"tag"`
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	req := syncRequest{Tag: syncqueue.Tag}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "Bad Request: expected {\"tag\":...}", http.StatusBadRequest)
			return
		}
	}
	a.dispatch(w, r, eventbus.SyncRequested{Tag: req.Tag})
}

func (a *API) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	a.dispatch(w, r, eventbus.PushReceived{Payload: payload})
}

type clickRequest struct {
	Action string `json:"action"`
}

func (a *API) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Bad Request: expected {\"action\":...}", http.StatusBadRequest)
		return
	}
	a.dispatch(w, r, eventbus.NotificationClicked{Action: req.Action})
}

// dispatch hands ev to the bus and answers with its result. The client
// hanging up does not cancel the work.
func (a *API) dispatch(w http.ResponseWriter, r *http.Request, ev eventbus.Event) {
	f := a.Bus.Dispatch(context.WithoutCancel(r.Context()), ev)
	reply, err := f.Wait(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, lifecycle.ErrBadCommand):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, eventbus.ErrClosed):
		http.Error(w, "Service Unavailable: shutting down", http.StatusServiceUnavailable)
		return
	case errors.Is(err, context.Canceled):
		return
	default:
		errutil.ReportError(err, "Event failed", "event", ev.EventName())
		http.Error(w, "Internal Server Error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if isNil(reply) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// QueueItem is the JSON view of a queued request.
type QueueItem struct {
	ID            string      `json:"id"`
	Method        string      `json:"method"`
	URL           string      `json:"url"`
	Header        http.Header `json:"headers,omitempty"`
	BodySize      int         `json:"bodySize"`
	Attempts      int         `json:"attempts"`
	EnqueuedAt    time.Time   `json:"enqueuedAt"`
	LastAttemptAt *time.Time  `json:"lastAttemptAt,omitempty"`
	LastError     string      `json:"lastError,omitempty"`
}

// NewQueueItem converts a stored item.
func NewQueueItem(it *db.Item) QueueItem {
	out := QueueItem{
		ID:         it.ID,
		Method:     it.Method,
		URL:        it.URL,
		Header:     it.Header,
		BodySize:   len(it.Body),
		Attempts:   it.Attempts,
		EnqueuedAt: it.EnqueuedAt.UTC(),
		LastError:  it.LastError,
	}
	if !it.LastAttemptAt.IsZero() {
		t := it.LastAttemptAt.UTC()
		out.LastAttemptAt = &t
	}
	return out
}

func (a *API) handleQueueList(w http.ResponseWriter, r *http.Request) {
	items, err := a.Queue.List(r.Context())
	if err != nil {
		errutil.ReportError(err, "Failed to list queue")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	out := make([]QueueItem, 0, len(items))
	for _, it := range items {
		out = append(out, NewQueueItem(it))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	ok, err := a.Queue.Remove(r.Context(), r.PathValue("id"))
	if err != nil {
		errutil.ReportError(err, "Failed to remove queued item")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Lifecycle.Status(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	errutil.LogMsg(json.NewEncoder(w).Encode(v), "Failed to write response")
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
