package router

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/lucasew/swcache/internal/cachestore"
	"github.com/lucasew/swcache/internal/errutil"
	"github.com/lucasew/swcache/internal/fetcher"
	"github.com/lucasew/swcache/internal/metrics"
)

const (
	HeaderStrategy = "X-Cache-Strategy"
	HeaderStatus   = "X-Cache-Status"
	HeaderServedBy = "X-Served-By"

	ServedBy = "ServiceWorker"
)

// Strategy names, as reported in X-Cache-Strategy.
const (
	StrategyNavigation  = "navigation"
	StrategyAPI         = "api"
	StrategyStatic      = "static"
	StrategyPassthrough = "passthrough"
)

// Outcomes, as reported in X-Cache-Status.
const (
	StatusHit      = "hit"
	StatusMiss     = "miss"
	StatusNetwork  = "network"
	StatusOffline  = "offline"
	StatusFallback = "fallback"
)

// Network performs upstream round trips.
type Network interface {
	Do(ctx context.Context, req fetcher.Request) (*cachestore.Entry, error)
}

// Scheduler requests an asynchronous eviction pass.
type Scheduler interface {
	Schedule()
}

// StoreSet holds the current version's stores. Nil stores are skipped.
type StoreSet struct {
	Static  *cachestore.Store
	Dynamic *cachestore.Store
	Mobile  *cachestore.Store
}

// Route is the routing state of one activated deployment.
type Route struct {
	Classifier *Classifier
	AppShell   string
	Stores     StoreSet
}

type Options struct {
	Network  Network
	Metrics  *metrics.Metrics
	Eviction Scheduler
}

// Router applies a caching strategy to every intercepted GET request.
type Router struct {
	net     Network
	metrics *metrics.Metrics
	evict   Scheduler

	route  atomic.Pointer[Route]
	lowEnd atomic.Bool
	group  singleflight.Group
}

func New(opts Options) *Router {
	return &Router{
		net:     opts.Network,
		metrics: opts.Metrics,
		evict:   opts.Eviction,
	}
}

// SetRoute swaps the routing state. Requests in flight finish with the
// route they started with.
func (r *Router) SetRoute(rt *Route) {
	r.route.Store(rt)
}

// CurrentRoute returns the active route, or nil before the first activation.
func (r *Router) CurrentRoute() *Route {
	return r.route.Load()
}

// SetMobileTier routes cache-first writes to the mobile store.
func (r *Router) SetMobileTier(on bool) {
	r.lowEnd.Store(on)
}

func (r *Router) MobileTier() bool {
	return r.lowEnd.Load()
}

// Handle answers req. It never fails: every path ends in a cached copy, a
// network response or a synthetic one.
//
// Upstream fetches outlive ctx so an abandoned request still populates the
// cache.
func (r *Router) Handle(ctx context.Context, req *http.Request) *http.Response {
	rt := r.route.Load()
	if rt == nil {
		return r.passthrough(ctx, req)
	}
	switch rt.Classifier.Classify(req) {
	case KindNavigation:
		return r.navigation(ctx, rt, req)
	case KindAPI:
		return r.api(ctx, rt, req)
	default:
		return r.cacheFirst(ctx, rt, req)
	}
}

func (r *Router) passthrough(ctx context.Context, req *http.Request) *http.Response {
	entry, err := r.fetch(ctx, req)
	if err != nil {
		r.networkFailed(StrategyPassthrough, req, err)
		return r.respond(req, unavailable(), StrategyPassthrough, StatusOffline)
	}
	return r.respond(req, entry, StrategyPassthrough, StatusNetwork)
}

func (r *Router) navigation(ctx context.Context, rt *Route, req *http.Request) *http.Response {
	key := cachestore.KeyFor(req)
	entry, err := r.fetch(ctx, req)
	if err == nil {
		if entry.Status == http.StatusOK {
			r.put(ctx, rt.Stores.Dynamic, key, entry)
		}
		return r.respond(req, entry, StrategyNavigation, StatusNetwork)
	}
	r.networkFailed(StrategyNavigation, req, err)

	if cached, ok := r.lookup(ctx, key, rt.Stores.Static, rt.Stores.Dynamic, rt.Stores.Mobile); ok {
		return r.respond(req, cached, StrategyNavigation, StatusOffline)
	}
	if rt.AppShell != "" {
		shell := cachestore.KeyForURL(rt.AppShell)
		if cached, ok := r.lookup(ctx, shell, rt.Stores.Static, rt.Stores.Dynamic); ok {
			return r.respond(req, cached, StrategyNavigation, StatusFallback)
		}
	}
	return r.respond(req, unavailable(), StrategyNavigation, StatusOffline)
}

func (r *Router) api(ctx context.Context, rt *Route, req *http.Request) *http.Response {
	key := cachestore.KeyFor(req)
	entry, err := r.fetch(ctx, req)
	if err == nil {
		if entry.Status == http.StatusOK {
			r.put(ctx, rt.Stores.Dynamic, key, entry)
		}
		return r.respond(req, entry, StrategyAPI, StatusNetwork)
	}
	r.networkFailed(StrategyAPI, req, err)

	if cached, ok := r.lookup(ctx, key, rt.Stores.Dynamic, rt.Stores.Static, rt.Stores.Mobile); ok {
		resp := r.respond(req, cached, StrategyAPI, StatusOffline)
		resp.Header.Set(HeaderServedBy, ServedBy)
		return resp
	}
	resp := r.respond(req, offlineAPI(), StrategyAPI, StatusOffline)
	resp.Header.Set(HeaderServedBy, ServedBy)
	return resp
}

func (r *Router) cacheFirst(ctx context.Context, rt *Route, req *http.Request) *http.Response {
	key := cachestore.KeyFor(req)
	if cached, ok := r.lookup(ctx, key, rt.Stores.Static, rt.Stores.Dynamic, rt.Stores.Mobile); ok {
		return r.respond(req, cached, StrategyStatic, StatusHit)
	}

	target, mobile := rt.Stores.Dynamic, false
	if r.lowEnd.Load() && rt.Stores.Mobile != nil {
		target, mobile = rt.Stores.Mobile, true
	}

	// Concurrent misses for one key share the fetch and the write. The
	// shared entry is only read afterwards.
	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		entry, err := r.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if entry.Status == http.StatusOK && r.put(ctx, target, key, entry) && mobile && r.evict != nil {
			r.evict.Schedule()
		}
		return entry, nil
	})
	if err == nil {
		return r.respond(req, v.(*cachestore.Entry), StrategyStatic, StatusMiss)
	}
	r.networkFailed(StrategyStatic, req, err)

	if IsImage(req) {
		return r.respond(req, imagePlaceholder(), StrategyStatic, StatusFallback)
	}
	return r.respond(req, unavailable(), StrategyStatic, StatusOffline)
}

func (r *Router) fetch(ctx context.Context, req *http.Request) (*cachestore.Entry, error) {
	return r.net.Do(context.WithoutCancel(ctx), fetcher.Request{
		Method: http.MethodGet,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
	})
}

// lookup returns the first match in stores. Storage failures count as a
// miss.
func (r *Router) lookup(ctx context.Context, key cachestore.Key, stores ...*cachestore.Store) (*cachestore.Entry, bool) {
	for _, s := range stores {
		if s == nil {
			continue
		}
		entry, ok, err := s.Match(ctx, key)
		if err != nil {
			r.metrics.StorageError("match")
			errutil.LogMsg(err, "Cache lookup failed, treating as miss", "store", s.Name(), "key", key.String())
			continue
		}
		if ok {
			return entry, true
		}
	}
	return nil, false
}

func (r *Router) put(ctx context.Context, s *cachestore.Store, key cachestore.Key, entry *cachestore.Entry) bool {
	if s == nil {
		return false
	}
	if err := s.Put(context.WithoutCancel(ctx), key, entry); err != nil {
		r.metrics.StorageError("put")
		errutil.LogMsg(err, "Failed to cache response", "store", s.Name(), "key", key.String())
		return false
	}
	return true
}

func (r *Router) networkFailed(strategy string, req *http.Request, err error) {
	r.metrics.NetworkError(strategy)
	slog.Debug("Network request failed, falling back", "strategy", strategy, "url", req.URL.String(), "error", err)
}

func (r *Router) respond(req *http.Request, entry *cachestore.Entry, strategy, status string) *http.Response {
	r.metrics.Request(strategy, status)
	resp := entry.Response(req)
	resp.Header.Set(HeaderStrategy, strategy)
	resp.Header.Set(HeaderStatus, status)
	return resp
}
