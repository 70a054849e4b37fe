package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/lucasew/swcache/internal/cachestore"
	"github.com/lucasew/swcache/internal/errutil"
	"github.com/lucasew/swcache/internal/eventbus"
	"github.com/lucasew/swcache/internal/fetcher"
	"github.com/lucasew/swcache/internal/router"
	"github.com/lucasew/swcache/internal/syncqueue"
)

// Interceptor is the fetch event handler. GET and HEAD go to the cache
// router, mutating methods to the deferrer, and anything else straight to
// the network.
type Interceptor struct {
	Router   *router.Router
	Deferrer *syncqueue.Deferrer
	Network  syncqueue.Network
	// MaxBody caps passthrough request bodies. Zero means
	// fetcher.DefaultMaxBody.
	MaxBody int64
}

// HandleEvent resolves a FetchIntercepted event to an *http.Response.
func (i *Interceptor) HandleEvent(ctx context.Context, ev eventbus.Event) (any, error) {
	fe, ok := ev.(eventbus.FetchIntercepted)
	if !ok {
		return nil, errors.New("unexpected event " + ev.EventName())
	}
	return i.Handle(ctx, fe.Request), nil
}

func (i *Interceptor) Handle(ctx context.Context, r *http.Request) *http.Response {
	switch r.Method {
	case http.MethodGet:
		return i.Router.Handle(ctx, r)
	case http.MethodHead:
		get := r.Clone(ctx)
		get.Method = http.MethodGet
		resp := i.Router.Handle(ctx, get)
		resp.Request = r
		return resp
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return i.Deferrer.Handle(ctx, r)
	default:
		req, err := fetcher.FromHTTP(r, i.MaxBody)
		if errors.Is(err, fetcher.ErrBodyTooLarge) {
			return errorResponse(r, http.StatusRequestEntityTooLarge)
		}
		if err == nil {
			var entry *cachestore.Entry
			if entry, err = i.Network.Do(ctx, req); err == nil {
				return entry.Response(r)
			}
		}
		errutil.LogMsg(err, "Passthrough request failed", "method", r.Method, "url", r.URL.String())
		return errorResponse(r, http.StatusBadGateway)
	}
}

// Handler serves intercepted requests in reverse mode: every request is
// dispatched as a fetch event and the resolved response written back.
type Handler struct {
	Bus *eventbus.Bus
}

func NewHandler(bus *eventbus.Bus) *Handler {
	return &Handler{Bus: bus}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f := h.Bus.Dispatch(r.Context(), eventbus.FetchIntercepted{Request: r})
	resp, err := eventbus.Await[*http.Response](r.Context(), f)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		errutil.LogMsg(err, "Fetch event failed", "url", r.URL.String())
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	if resp == nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	WriteResponse(w, resp)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Trailer",
}

// WriteResponse copies resp onto w and closes its body.
func WriteResponse(w http.ResponseWriter, resp *http.Response) {
	defer errutil.Close(resp.Body, "Failed to close response body")

	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	if resp.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	} else {
		h.Del("Content-Length")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("Client went away while writing response", "error", err)
	}
}

func errorResponse(r *http.Request, status int) *http.Response {
	body := http.StatusText(status) + "\n"
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}
