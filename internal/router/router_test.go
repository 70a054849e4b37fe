package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasew/swcache/internal/cachestore"
	"github.com/lucasew/swcache/internal/fetcher"
)

type fakeNetwork struct {
	mu      sync.Mutex
	offline bool
	routes  map[string]*cachestore.Entry
	calls   atomic.Int32
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{routes: map[string]*cachestore.Entry{}}
}

func (n *fakeNetwork) serve(url string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[url] = &cachestore.Entry{Status: status, Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte(body)}
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = v
}

func (n *fakeNetwork) Do(ctx context.Context, req fetcher.Request) (*cachestore.Entry, error) {
	n.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, &fetcher.NetworkError{Method: req.Method, URL: req.URL, Err: err}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return nil, &fetcher.NetworkError{Method: req.Method, URL: req.URL, Err: errors.New("connection refused")}
	}
	e, ok := n.routes[req.URL]
	if !ok {
		return &cachestore.Entry{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return e.Clone(), nil
}

type countingScheduler struct{ n atomic.Int32 }

func (s *countingScheduler) Schedule() { s.n.Add(1) }

type fixture struct {
	router *Router
	net    *fakeNetwork
	stores StoreSet
	evict  *countingScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	m, err := cachestore.OpenMemory(cachestore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	var set StoreSet
	set.Static, err = m.Store(ctx, cachestore.Name("swcache", cachestore.Static, "1"))
	require.NoError(t, err)
	set.Dynamic, err = m.Store(ctx, cachestore.Name("swcache", cachestore.Dynamic, "1"))
	require.NoError(t, err)
	set.Mobile, err = m.Store(ctx, cachestore.Name("swcache", cachestore.Mobile, "1"))
	require.NoError(t, err)

	f := &fixture{net: newFakeNetwork(), stores: set, evict: &countingScheduler{}}
	f.router = New(Options{Network: f.net, Eviction: f.evict})
	f.router.SetRoute(&Route{
		Classifier: NewClassifier([]*regexp.Regexp{regexp.MustCompile(`^/api/`)}),
		AppShell:   "/index.html",
		Stores:     set,
	})
	return f
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func get(path string, header ...string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return req
}

func TestClassify(t *testing.T) {
	c := NewClassifier([]*regexp.Regexp{regexp.MustCompile(`^/api/`)})

	assert.Equal(t, KindNavigation, c.Classify(get("/api/x", "Sec-Fetch-Mode", "navigate")))
	assert.Equal(t, KindAPI, c.Classify(get("/api/x", "Sec-Fetch-Mode", "cors")))
	assert.Equal(t, KindStatic, c.Classify(get("/app.js")))
	assert.Equal(t, KindStatic, c.Classify(get("/page", "Sec-Fetch-Mode", "\"navigate\"")))

	assert.True(t, IsImage(get("/a.png", "Sec-Fetch-Dest", "image")))
	assert.False(t, IsImage(get("/a.png", "Sec-Fetch-Dest", "script", "Accept", "image/png")))
	assert.True(t, IsImage(get("/a.png", "Accept", "image/avif,image/webp,*/*")))
	assert.False(t, IsImage(get("/a.js", "Accept", "*/*")))
}

func TestAPIOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.net.serve("/api/prices", http.StatusOK, `{"eth":1}`)

	resp := f.router.Handle(ctx, get("/api/prices"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusNetwork, resp.Header.Get(HeaderStatus))
	assert.Equal(t, StrategyAPI, resp.Header.Get(HeaderStrategy))

	f.net.setOffline(true)

	resp = f.router.Handle(ctx, get("/api/prices"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"eth":1}`, body(t, resp))
	assert.Equal(t, StatusOffline, resp.Header.Get(HeaderStatus))
	assert.Equal(t, ServedBy, resp.Header.Get(HeaderServedBy))

	resp = f.router.Handle(ctx, get("/api/never-seen"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(body(t, resp)), &payload))
	assert.Equal(t, "Offline", payload["error"])
	assert.Equal(t, false, payload["cached"])
	assert.NotEmpty(t, payload["message"])
}

func TestNavigationFallsBackToAppShell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.stores.Static.Put(ctx, cachestore.KeyForURL("/index.html"), &cachestore.Entry{
		Status: http.StatusOK, Header: http.Header{}, Body: []byte("<html>shell</html>"),
	}))
	f.net.serve("/dashboard", http.StatusOK, "<html>dashboard</html>")

	resp := f.router.Handle(ctx, get("/dashboard", "Sec-Fetch-Mode", "navigate"))
	assert.Equal(t, "<html>dashboard</html>", body(t, resp))

	f.net.setOffline(true)

	// Cached copy first.
	resp = f.router.Handle(ctx, get("/dashboard", "Sec-Fetch-Mode", "navigate"))
	assert.Equal(t, "<html>dashboard</html>", body(t, resp))
	assert.Equal(t, StatusOffline, resp.Header.Get(HeaderStatus))

	// Never visited: app shell.
	resp = f.router.Handle(ctx, get("/settings", "Sec-Fetch-Mode", "navigate"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>shell</html>", body(t, resp))
	assert.Equal(t, StatusFallback, resp.Header.Get(HeaderStatus))
}

func TestNavigationWithoutShell(t *testing.T) {
	f := newFixture(t)
	f.net.setOffline(true)
	resp := f.router.Handle(context.Background(), get("/settings", "Sec-Fetch-Mode", "navigate"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestCacheFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.net.serve("/app.js", http.StatusOK, "v1")

	resp := f.router.Handle(ctx, get("/app.js"))
	assert.Equal(t, "v1", body(t, resp))
	assert.Equal(t, StatusMiss, resp.Header.Get(HeaderStatus))

	_, ok, err := f.stores.Dynamic.Match(ctx, cachestore.KeyForURL("/app.js"))
	require.NoError(t, err)
	assert.True(t, ok)

	f.net.serve("/app.js", http.StatusOK, "v2")
	before := f.net.calls.Load()
	resp = f.router.Handle(ctx, get("/app.js"))
	assert.Equal(t, "v1", body(t, resp))
	assert.Equal(t, StatusHit, resp.Header.Get(HeaderStatus))
	assert.Equal(t, before, f.net.calls.Load())
}

func TestCacheFirstOnlyCachesOK(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp := f.router.Handle(ctx, get("/missing.css"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, ok, err := f.stores.Dynamic.Match(ctx, cachestore.KeyForURL("/missing.css"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheFirstOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.net.setOffline(true)

	resp := f.router.Handle(ctx, get("/logo.png", "Sec-Fetch-Dest", "image"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, body(t, resp), "<svg")

	resp = f.router.Handle(ctx, get("/app.css"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestMobileTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.net.serve("/hero.jpg", http.StatusOK, "jpeg")
	f.router.SetMobileTier(true)

	f.router.Handle(ctx, get("/hero.jpg"))

	_, ok, err := f.stores.Mobile.Match(ctx, cachestore.KeyForURL("/hero.jpg"))
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = f.stores.Dynamic.Match(ctx, cachestore.KeyForURL("/hero.jpg"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), f.evict.n.Load())

	// Later hits come from the mobile store.
	f.net.setOffline(true)
	resp := f.router.Handle(ctx, get("/hero.jpg"))
	assert.Equal(t, "jpeg", body(t, resp))
	assert.Equal(t, StatusHit, resp.Header.Get(HeaderStatus))
}

func TestAbandonedRequestStillCaches(t *testing.T) {
	f := newFixture(t)
	f.net.serve("/dashboard", http.StatusOK, "page")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.router.Handle(ctx, get("/dashboard", "Sec-Fetch-Mode", "navigate"))

	_, ok, err := f.stores.Dynamic.Match(context.Background(), cachestore.KeyForURL("/dashboard"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPassthroughBeforeActivation(t *testing.T) {
	n := newFakeNetwork()
	n.serve("/app.js", http.StatusOK, "js")
	r := New(Options{Network: n})

	resp := r.Handle(context.Background(), get("/app.js"))
	assert.Equal(t, "js", body(t, resp))
	assert.Equal(t, StrategyPassthrough, resp.Header.Get(HeaderStrategy))

	n.setOffline(true)
	resp = r.Handle(context.Background(), get("/app.js"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStorageErrorsFallBackToNetwork(t *testing.T) {
	ctx := context.Background()
	m, err := cachestore.OpenMemory(cachestore.Options{})
	require.NoError(t, err)
	static, err := m.Store(ctx, cachestore.Name("swcache", cachestore.Static, "1"))
	require.NoError(t, err)
	dynamic, err := m.Store(ctx, cachestore.Name("swcache", cachestore.Dynamic, "1"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	n := newFakeNetwork()
	n.serve("/app.js", http.StatusOK, "v1")
	r := New(Options{Network: n})
	r.SetRoute(&Route{
		Classifier: NewClassifier(nil),
		Stores:     StoreSet{Static: static, Dynamic: dynamic},
	})

	for i := 0; i < 2; i++ {
		resp := r.Handle(ctx, get("/app.js"))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "v1", body(t, resp))
		assert.Equal(t, StatusMiss, resp.Header.Get(HeaderStatus))
	}
	assert.Equal(t, int32(2), n.calls.Load())
}
