package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/lucasew/swcache/internal/cachestore"
	"github.com/lucasew/swcache/internal/control"
	"github.com/lucasew/swcache/internal/db"
	"github.com/lucasew/swcache/internal/errutil"
	"github.com/lucasew/swcache/internal/eventbus"
	"github.com/lucasew/swcache/internal/eviction"
	_ "github.com/lucasew/swcache/internal/eviction/largest"
	_ "github.com/lucasew/swcache/internal/eviction/oldest"
	"github.com/lucasew/swcache/internal/eviction/policy"
	"github.com/lucasew/swcache/internal/eviction/policy/maxsize"
	"github.com/lucasew/swcache/internal/eviction/policy/minfree"
	"github.com/lucasew/swcache/internal/fetcher"
	"github.com/lucasew/swcache/internal/handler"
	"github.com/lucasew/swcache/internal/httpclient"
	"github.com/lucasew/swcache/internal/lifecycle"
	"github.com/lucasew/swcache/internal/metrics"
	"github.com/lucasew/swcache/internal/proxy"
	"github.com/lucasew/swcache/internal/router"
	"github.com/lucasew/swcache/internal/syncqueue"
)

// shutdownGrace bounds how long cleanup waits for in-flight events.
const shutdownGrace = 10 * time.Second

var ErrNoOrigin = errors.New("origin is required")

type Config struct {
	Addr       string
	Origin     string
	Deployment string
	// CacheDir holds the cache database and the sync queue. Empty keeps the
	// cache in memory and the queue in a temporary directory.
	CacheDir string
	DBPath   string
	Prefix   string
	AppName  string

	Quota            int64
	MaxMobileSize    int64
	FillRatio        float64
	MinFreeSpace     int64
	MaxAge           time.Duration
	EvictionInterval time.Duration
	EvictionStrategy string

	// MaxBody caps buffered request and response bodies. Zero means
	// fetcher.DefaultMaxBody.
	MaxBody         int64
	UpstreamTimeout time.Duration
	ReplayTimeout   time.Duration
	ProbeInterval   time.Duration

	Proxy         bool
	ProxyBypass   []string
	CaCertPath    string
	CaKeyPath     string
	CaCertContent string
	CaKeyContent  string
}

// Server is the assembled engine. Tests reach into it; the CLI only needs
// HTTP and Close.
type Server struct {
	HTTP      *http.Server
	Bus       *eventbus.Bus
	Lifecycle *lifecycle.Controller
	Queue     *syncqueue.Queue
	Router    *router.Router
	Eviction  *eviction.Manager
	Watcher   *syncqueue.Watcher

	closers []func()
}

// Close stops background loops and releases storage, newest first.
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// NewServer wires every component and installs the deployment. The returned
// cleanup must run after the HTTP server stopped.
func NewServer(cfg Config) (*http.Server, func(), error) {
	s, err := Build(context.Background(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return s.HTTP, s.Close, nil
}

// Build assembles the engine. On error everything opened so far is closed.
func Build(ctx context.Context, cfg Config) (_ *Server, err error) {
	if cfg.Origin == "" {
		return nil, ErrNoOrigin
	}
	originURL, err := url.Parse(cfg.Origin)
	if err != nil || originURL.Scheme == "" || originURL.Host == "" {
		return nil, fmt.Errorf("invalid origin %q: %w", cfg.Origin, errors.Join(ErrNoOrigin, err))
	}

	deployment, err := lifecycle.LoadDeployment(cfg.Deployment)
	if err != nil {
		return nil, err
	}

	strat, err := eviction.GetStrategy(cfg.EvictionStrategy)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize eviction strategy: %w", err)
	}

	bypass, err := proxy.ParseRules(cfg.ProxyBypass)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy bypass rule: %w", err)
	}

	caCert, err := proxy.LoadCA(cfg.CaCertPath, cfg.CaKeyPath, cfg.CaCertContent, cfg.CaKeyContent)
	if err != nil {
		return nil, err
	}

	s := &Server{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	m := metrics.New()

	client := httpclient.NewClient(httpclient.Options{Timeout: cfg.UpstreamTimeout, CACert: caCert})
	f := fetcher.NewFetcher(client, originURL)
	f.MaxBody = cfg.MaxBody

	stores, dataDir, err := openStores(cfg)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() {
		errutil.Close(stores, "Failed to close cache database")
	})

	dbPath := cfg.DBPath
	if dbPath == "" {
		if cfg.CacheDir == "" {
			tmp, err := os.MkdirTemp("", "swcache-")
			if err != nil {
				return nil, fmt.Errorf("failed to create temporary queue directory: %w", err)
			}
			s.closers = append(s.closers, func() {
				errutil.LogMsg(os.RemoveAll(tmp), "Failed to remove temporary queue directory", "path", tmp)
			})
			dataDir = tmp
		}
		dbPath = filepath.Join(dataDir, "queue.sqlite")
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", dbPath, err)
	}
	s.closers = append(s.closers, func() {
		errutil.Close(database, "Failed to close queue database")
	})

	var policies []policy.Policy
	if cfg.MaxMobileSize > 0 {
		slog.Info("Adding MaxSize policy", "max_size", cfg.MaxMobileSize)
		policies = append(policies, &maxsize.Policy{MaxBytes: cfg.MaxMobileSize, FillRatio: cfg.FillRatio})
	}
	if cfg.MinFreeSpace > 0 {
		slog.Info("Adding MinFreeSpace policy", "min_free", cfg.MinFreeSpace)
		policies = append(policies, &minfree.Policy{Path: dataDir, MinFreeBytes: cfg.MinFreeSpace})
	}
	if len(policies) == 0 {
		slog.Info("No eviction policies configured (unbounded mobile store)")
	}
	evict := eviction.NewManager(eviction.Config{
		Policies: policies,
		Strategy: strat,
		MaxAge:   cfg.MaxAge,
		Interval: cfg.EvictionInterval,
		Metrics:  m,
	})

	rt := router.New(router.Options{Network: f, Metrics: m, Eviction: evict})
	queue := syncqueue.New(syncqueue.Options{
		DB:            database,
		Network:       f,
		Metrics:       m,
		ReplayTimeout: cfg.ReplayTimeout,
	})

	bus := eventbus.New(m)
	s.closers = append(s.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		errutil.LogMsg(bus.Close(ctx), "Timed out waiting for in-flight events")
	})

	watcher := syncqueue.NewWatcher(f, cfg.ProbeInterval, func(ctx context.Context) {
		rep, err := eventbus.Await[*syncqueue.Report](ctx, bus.Dispatch(ctx, eventbus.SyncRequested{Tag: syncqueue.Tag}))
		if err != nil {
			errutil.ReportError(err, "Background sync failed")
			return
		}
		if rep != nil {
			slog.Info("Background sync finished", "replayed", rep.Replayed, "failed", rep.Failed, "remaining", rep.Remaining)
		}
	})

	hub := control.NewHub(bus)
	s.closers = append(s.closers, hub.Close)

	ctrl := lifecycle.New(lifecycle.Options{
		Stores:      stores,
		Router:      rt,
		Assets:      f,
		Eviction:    evict,
		Queue:       queue,
		Watcher:     watcher,
		Broadcaster: hub,
		Metrics:     m,
		Prefix:      cfg.Prefix,
		AppName:     cfg.AppName,
	})
	ctrl.Register(bus)

	interceptor := &handler.Interceptor{
		Router:   rt,
		Deferrer: &syncqueue.Deferrer{Queue: queue, Network: f, Offline: watcher, MaxBody: cfg.MaxBody},
		Network:  f,
		MaxBody:  cfg.MaxBody,
	}
	bus.Handle(eventbus.NameFetch, interceptor.HandleEvent)

	if err := ctrl.Restore(ctx, deployment); err != nil {
		if !errors.Is(err, lifecycle.ErrInstallFailed) {
			return nil, err
		}
		// The previous version (or plain passthrough) keeps serving.
		errutil.ReportError(err, "Deployment not installed", "version", deployment.Version)
	}
	if err := evict.LoadInitialState(ctx); err != nil && !errors.Is(err, eviction.ErrNoStore) {
		errutil.LogMsg(err, "Failed to load initial cache state")
	}

	if n, err := queue.Len(ctx); err != nil {
		errutil.LogMsg(err, "Failed to count queued requests")
	} else {
		watcher.MarkPending(n)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.closers = append(s.closers, cancel)
	go evict.Start(loopCtx)
	go watcher.Start(loopCtx)

	mux := http.NewServeMux()
	(&control.API{Bus: bus, Hub: hub, Lifecycle: ctrl, Queue: queue, Metrics: m}).Register(mux)
	mux.Handle("/", handler.NewHandler(bus))

	var h http.Handler = mux
	if cfg.Proxy {
		h = proxy.NewServer(bus, bypass, mux, caCert).Proxy
	}

	slog.Info("Server ready",
		"addr", cfg.Addr,
		"origin", originURL.String(),
		"proxy", cfg.Proxy,
		"cache_dir", cfg.CacheDir,
		"db_path", dbPath,
		"state", ctrl.State(),
	)

	s.HTTP = &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Bus = bus
	s.Lifecycle = ctrl
	s.Queue = queue
	s.Router = rt
	s.Eviction = evict
	s.Watcher = watcher
	return s, nil
}

func openStores(cfg Config) (*cachestore.Manager, string, error) {
	opts := cachestore.Options{Quota: cfg.Quota}
	if cfg.CacheDir == "" {
		stores, err := cachestore.OpenMemory(opts)
		return stores, os.TempDir(), err
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create cache dir: %w", err)
	}
	stores, err := cachestore.Open(filepath.Join(cfg.CacheDir, "cache"), opts)
	return stores, cfg.CacheDir, err
}
