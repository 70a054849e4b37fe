package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasew/swcache/internal/cachestore"
	"github.com/lucasew/swcache/internal/eventbus"
	"github.com/lucasew/swcache/internal/eviction"
	"github.com/lucasew/swcache/internal/eviction/oldest"
	"github.com/lucasew/swcache/internal/fetcher"
	"github.com/lucasew/swcache/internal/router"
)

type recorder struct {
	mu   sync.Mutex
	msgs []eventbus.Message
}

func (r *recorder) Broadcast(msg eventbus.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

type env struct {
	origin    *httptest.Server
	hits      atomic.Int32
	stores    *cachestore.Manager
	router    *router.Router
	evict     *eviction.Manager
	broadcast *recorder
	ctrl      *Controller
}

func newEnv(t *testing.T, dir string) *env {
	t.Helper()
	e := &env{broadcast: &recorder{}}
	e.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		switch r.URL.Path {
		case "/index.html":
			_, _ = w.Write([]byte("<html>shell</html>"))
		case "/app.js", "/v2.js":
			_, _ = w.Write([]byte("js"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(e.origin.Close)

	var err error
	if dir == "" {
		e.stores, err = cachestore.OpenMemory(cachestore.Options{})
	} else {
		e.stores, err = cachestore.Open(dir, cachestore.Options{})
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.stores.Close() })

	origin, _ := url.Parse(e.origin.URL)
	f := fetcher.NewFetcher(e.origin.Client(), origin)
	e.router = router.New(router.Options{Network: f})
	e.evict = eviction.NewManager(eviction.Config{Strategy: oldest.New()})
	e.ctrl = New(Options{
		Stores:      e.stores,
		Router:      e.router,
		Assets:      f,
		Eviction:    e.evict,
		Broadcaster: e.broadcast,
	})
	return e
}

func deployment(t *testing.T, version string, assets ...string) *Deployment {
	t.Helper()
	d := &Deployment{Version: version, StaticAssets: assets, APIPatterns: []string{`^/api/`}}
	require.NoError(t, d.Validate())
	return d
}

func storeNames(t *testing.T, m *cachestore.Manager) []string {
	t.Helper()
	names, err := m.StoreNames(context.Background())
	require.NoError(t, err)
	return names
}

func TestFirstDeployActivatesImmediately(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")

	require.NoError(t, e.ctrl.Deploy(ctx, deployment(t, "1", "/index.html", "/app.js")))
	assert.Equal(t, StateActive, e.ctrl.State())
	assert.Equal(t, "1", e.ctrl.Active().Version)
	assert.Equal(t, []string{"swcache-dynamic-v1", "swcache-mobile-v1", "swcache-static-v1"}, storeNames(t, e.stores))

	// Pre-cached assets are served without touching the network.
	before := e.hits.Load()
	resp := e.router.Handle(ctx, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	assert.Equal(t, router.StatusHit, resp.Header.Get(router.HeaderStatus))
	assert.Equal(t, before, e.hits.Load())
	assert.Equal(t, []string{"ACTIVATED"}, e.broadcast.types())
}

func TestInstallFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")
	require.NoError(t, e.ctrl.Deploy(ctx, deployment(t, "1", "/index.html")))

	err := e.ctrl.Deploy(ctx, deployment(t, "2", "/index.html", "/missing.css"))
	require.ErrorIs(t, err, ErrInstallFailed)

	var se *fetcher.HTTPStatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)

	assert.Equal(t, StateActive, e.ctrl.State())
	assert.Equal(t, "1", e.ctrl.Active().Version)
	assert.Nil(t, e.ctrl.Pending())
	assert.NotContains(t, storeNames(t, e.stores), "swcache-static-v2")
}

func TestLaterDeployWaitsForSkipWaiting(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")
	require.NoError(t, e.ctrl.Deploy(ctx, deployment(t, "1", "/index.html")))

	// Something left by an unrelated deployment gets cleaned on activation.
	_, err := e.stores.Store(ctx, "swcache-dynamic-v0")
	require.NoError(t, err)

	require.NoError(t, e.ctrl.Deploy(ctx, deployment(t, "2", "/index.html", "/v2.js")))
	assert.Equal(t, StateInstalled, e.ctrl.State())
	assert.Equal(t, "1", e.ctrl.Active().Version)
	assert.Equal(t, "2", e.ctrl.Pending().Version)

	reply, err := e.ctrl.HandleMessage(ctx, eventbus.Message{Type: CmdSkipWaiting})
	require.NoError(t, err)
	assert.Nil(t, reply)

	assert.Equal(t, StateActive, e.ctrl.State())
	assert.Equal(t, "2", e.ctrl.Active().Version)
	assert.Equal(t, []string{"swcache-dynamic-v2", "swcache-mobile-v2", "swcache-static-v2"}, storeNames(t, e.stores))

	// Redeploying the active version does nothing.
	hits := e.hits.Load()
	require.NoError(t, e.ctrl.Deploy(ctx, deployment(t, "2", "/index.html", "/v2.js")))
	assert.Equal(t, hits, e.hits.Load())
}

func TestSkipWaitingDeployment(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")
	require.NoError(t, e.ctrl.Deploy(ctx, deployment(t, "1", "/index.html")))

	d := deployment(t, "2", "/index.html")
	d.SkipWaiting = true
	require.NoError(t, e.ctrl.Deploy(ctx, d))
	assert.Equal(t, "2", e.ctrl.Active().Version)
	assert.NotContains(t, storeNames(t, e.stores), "swcache-static-v1")
}

func TestRestartKeepsActiveVersion(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "cache")

	e := newEnv(t, dir)
	require.NoError(t, e.ctrl.Deploy(ctx, deployment(t, "1", "/index.html")))
	require.NoError(t, e.stores.Close())

	e2 := newEnv(t, dir)
	require.NoError(t, e2.ctrl.Restore(ctx, deployment(t, "1", "/index.html")))
	assert.Equal(t, StateActive, e2.ctrl.State())
	assert.Equal(t, "1", e2.ctrl.Active().Version)
	assert.Equal(t, int32(0), e2.hits.Load(), "restore of the same version must not reinstall")

	v, ok, err := e2.stores.Meta(ctx, metaActiveVersion)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	require.NoError(t, e2.stores.Close())

	// A newer manifest installs but the restored version stays in control.
	e3 := newEnv(t, dir)
	require.NoError(t, e3.ctrl.Restore(ctx, deployment(t, "2", "/index.html")))
	assert.Equal(t, "1", e3.ctrl.Active().Version)
	assert.Equal(t, "2", e3.ctrl.Pending().Version)
	require.NoError(t, e3.stores.Close())

	// The waiting version takes over on the next restart without refetching.
	e4 := newEnv(t, dir)
	require.NoError(t, e4.ctrl.Restore(ctx, deployment(t, "2", "/index.html")))
	assert.Equal(t, StateActive, e4.ctrl.State())
	assert.Equal(t, "2", e4.ctrl.Active().Version)
	assert.Nil(t, e4.ctrl.Pending())
	assert.Equal(t, int32(0), e4.hits.Load())
	assert.NotContains(t, storeNames(t, e4.stores), "swcache-static-v1")
	assert.Contains(t, e4.broadcast.types(), "ACTIVATED")
	require.NoError(t, e4.stores.Close())

	e5 := newEnv(t, dir)
	require.NoError(t, e5.ctrl.Restore(ctx, deployment(t, "2", "/index.html")))
	assert.Equal(t, "2", e5.ctrl.Active().Version)
	assert.Equal(t, int32(0), e5.hits.Load())
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")
	require.NoError(t, e.ctrl.Deploy(ctx, deployment(t, "1", "/index.html")))

	reply, err := e.ctrl.HandleMessage(ctx, eventbus.Message{Type: "SELF_DESTRUCT"})
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, StateActive, e.ctrl.State())

	_, err = e.ctrl.HandleMessage(ctx, eventbus.Message{Type: CmdOptimizePerformance, Data: json.RawMessage(`{"level":"low-end"}`)})
	require.NoError(t, err)
	assert.True(t, e.router.MobileTier())

	_, err = e.ctrl.HandleMessage(ctx, eventbus.Message{Type: CmdOptimizePerformance, Data: json.RawMessage(`{"level":"high-end"}`)})
	require.NoError(t, err)
	assert.False(t, e.router.MobileTier())

	_, err = e.ctrl.HandleMessage(ctx, eventbus.Message{Type: CmdBatteryOptimization, Data: json.RawMessage(`{"enabled":true}`)})
	require.NoError(t, err)
	assert.True(t, e.ctrl.Status(ctx).BatterySaver)

	_, err = e.ctrl.HandleMessage(ctx, eventbus.Message{Type: CmdBatteryOptimization, Data: json.RawMessage(`"yes"`)})
	assert.ErrorIs(t, err, ErrBadCommand)

	reply, err = e.ctrl.HandleMessage(ctx, eventbus.Message{Type: CmdCacheCleanup})
	require.NoError(t, err)
	res, ok := reply.(eviction.Result)
	require.True(t, ok)
	assert.Equal(t, "swcache-mobile-v1", res.Store)

	reply, err = e.ctrl.HandleMessage(ctx, eventbus.Message{Type: CmdGetVersion})
	require.NoError(t, err)
	msg, ok := reply.(eventbus.Message)
	require.True(t, ok)
	assert.Equal(t, MsgVersion, msg.Type)
	assert.JSONEq(t, `{"version":"1","state":"active"}`, string(msg.Data))
}

func TestPushAndNotificationClick(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")

	n, err := e.ctrl.HandlePush(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultPushBody, n.Body)
	assert.Equal(t, notificationIcon, n.Icon)
	assert.Equal(t, notificationBadge, n.Badge)
	require.Len(t, n.Actions, 2)
	assert.Equal(t, "explore", n.Actions[0].Action)
	assert.Equal(t, "close", n.Actions[1].Action)

	n, err = e.ctrl.HandlePush(ctx, []byte("Price alert"))
	require.NoError(t, err)
	assert.Equal(t, "Price alert", n.Body)

	require.NoError(t, e.ctrl.HandleNotificationClick(ctx, "close"))
	require.NoError(t, e.ctrl.HandleNotificationClick(ctx, "explore"))

	assert.Equal(t, []string{MsgNotification, MsgNotification, MsgOpenWindow}, e.broadcast.types())
	e.broadcast.mu.Lock()
	last := e.broadcast.msgs[2]
	e.broadcast.mu.Unlock()
	assert.JSONEq(t, `{"url":"/"}`, string(last.Data))
}

func TestHandleSyncIgnoresOtherTags(t *testing.T) {
	e := newEnv(t, "")
	rep, err := e.ctrl.HandleSync(context.Background(), "periodic-refresh")
	require.NoError(t, err)
	assert.Nil(t, rep)
}

func TestParseDeployment(t *testing.T) {
	d, err := ParseDeployment([]byte(`
version: "3"
staticAssets: ["/", "/index.html", "https://cdn.example.com/app.css"]
apiPatterns: ["^/api/", "^/graphql$"]
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultAppShell, d.AppShell)
	assert.Len(t, d.Patterns(), 2)

	_, err = ParseDeployment([]byte(`staticAssets: ["/"]`))
	assert.ErrorIs(t, err, ErrInvalidDeployment)

	_, err = ParseDeployment([]byte("version: \"1\"\napiPatterns: [\"(\"]\n"))
	assert.ErrorIs(t, err, ErrInvalidDeployment)

	_, err = ParseDeployment([]byte("version: \"1\"\nstaticAssets: [\"relative.js\"]\n"))
	assert.ErrorIs(t, err, ErrInvalidDeployment)
}
