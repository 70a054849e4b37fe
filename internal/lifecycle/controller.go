package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lucasew/swcache/internal/cachestore"
	"github.com/lucasew/swcache/internal/errutil"
	"github.com/lucasew/swcache/internal/eventbus"
	"github.com/lucasew/swcache/internal/eviction"
	"github.com/lucasew/swcache/internal/metrics"
	"github.com/lucasew/swcache/internal/router"
	"github.com/lucasew/swcache/internal/syncqueue"
)

// State is the position of the controller in the install/activate cycle.
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
)

const (
	DefaultPrefix             = "swcache"
	DefaultInstallConcurrency = 8

	metaActiveVersion     = "active-version"
	metaActiveDeployment  = "active-deployment"
	metaPendingDeployment = "pending-deployment"
)

var (
	ErrInstallFailed     = errors.New("install failed")
	ErrNothingToActivate = errors.New("no installed deployment waiting")
)

// AssetFetcher downloads static assets; anything but a 200 is an error.
type AssetFetcher interface {
	Get(ctx context.Context, raw string) (*cachestore.Entry, error)
}

// Broadcaster delivers messages to every connected client.
type Broadcaster interface {
	Broadcast(msg eventbus.Message)
}

type Options struct {
	Stores      *cachestore.Manager
	Router      *router.Router
	Assets      AssetFetcher
	Eviction    *eviction.Manager
	Queue       *syncqueue.Queue
	Watcher     *syncqueue.Watcher
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics

	Prefix             string
	InstallConcurrency int
	// AppName titles push notifications.
	AppName string
}

// Controller supervises deployments: it installs new versions, activates
// them, deletes stale stores and serves the command channel.
type Controller struct {
	stores      *cachestore.Manager
	router      *router.Router
	assets      AssetFetcher
	evict       *eviction.Manager
	queue       *syncqueue.Queue
	watcher     *syncqueue.Watcher
	broadcaster Broadcaster
	metrics     *metrics.Metrics

	prefix      string
	concurrency int
	appName     string

	// deploy serializes install and activation.
	deploy sync.Mutex

	mu      sync.RWMutex
	state   State
	active  *Deployment
	pending *Deployment

	batterySaver atomic.Bool
}

func New(opts Options) *Controller {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = DefaultInstallConcurrency
	}
	appName := opts.AppName
	if appName == "" {
		appName = prefix
	}
	return &Controller{
		stores:      opts.Stores,
		router:      opts.Router,
		assets:      opts.Assets,
		evict:       opts.Eviction,
		queue:       opts.Queue,
		watcher:     opts.Watcher,
		broadcaster: opts.Broadcaster,
		metrics:     opts.Metrics,
		prefix:      prefix,
		concurrency: concurrency,
		appName:     appName,
		state:       StateIdle,
	}
}

func (c *Controller) storeName(logical cachestore.Logical, version string) string {
	return cachestore.Name(c.prefix, logical, version)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != s {
		slog.Info("Lifecycle state changed", "from", c.state, "to", s)
	}
	c.state = s
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Active returns the deployment in control, or nil.
func (c *Controller) Active() *Deployment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Pending returns the installed deployment waiting to activate, or nil.
func (c *Controller) Pending() *Deployment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending
}

// Restore puts the previously activated deployment back in control after a
// restart, then deploys d. When d is that same version nothing is fetched.
// A restart closes every client, so a version that was installed and
// waiting before it takes over now.
func (c *Controller) Restore(ctx context.Context, d *Deployment) error {
	prev, err := c.loadPersisted(ctx, metaActiveDeployment)
	if err != nil {
		errutil.LogMsg(err, "Failed to restore previous deployment, installing from scratch")
	}
	if prev != nil {
		c.deploy.Lock()
		err := c.promote(ctx, prev)
		c.deploy.Unlock()
		if err != nil {
			return err
		}
		slog.Info("Restored active deployment", "version", prev.Version)
	}

	waiting, err := c.loadPersisted(ctx, metaPendingDeployment)
	if err != nil {
		errutil.LogMsg(err, "Failed to restore waiting deployment")
	}
	if prev != nil && waiting != nil && waiting.Version == d.Version && prev.Version != d.Version {
		c.deploy.Lock()
		defer c.deploy.Unlock()
		c.mu.Lock()
		c.pending = d
		c.mu.Unlock()
		slog.Info("Activating deployment that was waiting before restart", "version", d.Version, "previous", prev.Version)
		return c.activate(ctx)
	}
	return c.Deploy(ctx, d)
}

func (c *Controller) loadPersisted(ctx context.Context, key string) (*Deployment, error) {
	raw, ok, err := c.stores.Meta(ctx, key)
	if err != nil || !ok || raw == "" {
		return nil, err
	}
	d, err := ParseDeployment([]byte(raw))
	if err != nil {
		return nil, err
	}
	has, err := c.stores.HasStore(ctx, c.storeName(cachestore.Static, d.Version))
	if err != nil || !has {
		return nil, err
	}
	return d, nil
}

// Deploy installs d and activates it when nothing is in control yet or when
// d asks to skip waiting. Deploying the active version again is a no-op.
func (c *Controller) Deploy(ctx context.Context, d *Deployment) error {
	c.deploy.Lock()
	defer c.deploy.Unlock()

	active, pending := c.Active(), c.Pending()
	if active != nil && active.Version == d.Version {
		slog.Debug("Deployment already active", "version", d.Version)
		return nil
	}
	if pending == nil || pending.Version != d.Version {
		if err := c.install(ctx, d); err != nil {
			return err
		}
	}
	if active == nil || d.SkipWaiting {
		return c.activate(ctx)
	}
	slog.Info("New version installed, waiting for SKIP_WAITING", "version", d.Version, "active", active.Version)
	return nil
}

// Install pre-caches every static asset of d. Either all of them land in
// the version's static store or none do.
func (c *Controller) Install(ctx context.Context, d *Deployment) error {
	c.deploy.Lock()
	defer c.deploy.Unlock()
	return c.install(ctx, d)
}

func (c *Controller) install(ctx context.Context, d *Deployment) error {
	if active := c.Active(); active != nil && active.Version == d.Version {
		return nil
	}
	c.mu.Lock()
	if c.pending != nil && c.pending.Version == d.Version {
		c.pending = nil
	}
	c.mu.Unlock()

	c.setState(StateInstalling)
	name := c.storeName(cachestore.Static, d.Version)

	fail := func(err error) error {
		if _, derr := c.stores.DeleteStore(context.WithoutCancel(ctx), name); derr != nil {
			errutil.ReportError(derr, "Failed to remove partial static store", "store", name)
		}
		switch {
		case c.Active() != nil:
			c.setState(StateActive)
		case c.Pending() != nil:
			c.setState(StateInstalled)
		default:
			c.setState(StateIdle)
		}
		c.metrics.Install("failure")
		err = fmt.Errorf("%w: version %s: %w", ErrInstallFailed, d.Version, err)
		errutil.ReportError(err, "Install failed, previous version stays in control")
		return err
	}

	// A leftover store from an earlier attempt must not leak into this one.
	if _, err := c.stores.DeleteStore(ctx, name); err != nil {
		return fail(err)
	}

	entries := make([]*cachestore.Entry, len(d.StaticAssets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, asset := range d.StaticAssets {
		g.Go(func() error {
			e, err := c.assets.Get(gctx, asset)
			if err != nil {
				return fmt.Errorf("asset %s: %w", asset, err)
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	store, err := c.stores.Store(ctx, name)
	if err != nil {
		return fail(err)
	}
	for i, asset := range d.StaticAssets {
		if err := store.Put(ctx, cachestore.KeyForURL(asset), entries[i]); err != nil {
			return fail(err)
		}
	}

	c.mu.Lock()
	c.pending = d
	c.mu.Unlock()
	if raw, err := d.Marshal(); err != nil {
		errutil.ReportError(err, "Failed to encode deployment")
	} else {
		errutil.ReportError(c.stores.SetMeta(ctx, metaPendingDeployment, string(raw)), "Failed to persist installed deployment")
	}
	c.setState(StateInstalled)
	c.metrics.Install("success")
	slog.Info("Installed deployment", "version", d.Version, "assets", len(d.StaticAssets))
	return nil
}

// Activate promotes the installed deployment.
func (c *Controller) Activate(ctx context.Context) error {
	c.deploy.Lock()
	defer c.deploy.Unlock()
	return c.activate(ctx)
}

func (c *Controller) activate(ctx context.Context) error {
	d := c.Pending()
	if d == nil {
		return ErrNothingToActivate
	}
	c.setState(StateActivating)
	if err := c.promote(ctx, d); err != nil {
		c.setState(StateInstalled)
		return err
	}
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()

	if raw, err := d.Marshal(); err != nil {
		errutil.ReportError(err, "Failed to encode deployment")
	} else {
		errutil.ReportError(c.stores.SetMeta(ctx, metaActiveDeployment, string(raw)), "Failed to persist active deployment")
	}
	errutil.ReportError(c.stores.SetMeta(ctx, metaActiveVersion, d.Version), "Failed to persist active version")
	errutil.ReportError(c.stores.SetMeta(ctx, metaPendingDeployment, ""), "Failed to clear installed deployment")

	c.deleteStale(ctx, d)
	c.broadcast("ACTIVATED", VersionInfo{Version: d.Version, State: StateActive})
	slog.Info("Activated deployment", "version", d.Version)
	return nil
}

// promote opens d's stores and hands them to the router and eviction.
func (c *Controller) promote(ctx context.Context, d *Deployment) error {
	var set router.StoreSet
	for _, logical := range cachestore.Logicals {
		s, err := c.stores.Store(ctx, c.storeName(logical, d.Version))
		if err != nil {
			return fmt.Errorf("failed to open %s store: %w", logical, err)
		}
		switch logical {
		case cachestore.Static:
			set.Static = s
		case cachestore.Dynamic:
			set.Dynamic = s
		case cachestore.Mobile:
			set.Mobile = s
		}
	}

	c.router.SetRoute(&router.Route{
		Classifier: router.NewClassifier(d.Patterns()),
		AppShell:   d.AppShell,
		Stores:     set,
	})
	if c.evict != nil {
		c.evict.SetStore(set.Mobile)
	}

	c.mu.Lock()
	c.active = d
	c.state = StateActive
	c.mu.Unlock()
	return nil
}

// deleteStale removes every store that is not one of d's.
func (c *Controller) deleteStale(ctx context.Context, d *Deployment) {
	keep := make(map[string]bool, len(cachestore.Logicals))
	for _, logical := range cachestore.Logicals {
		keep[c.storeName(logical, d.Version)] = true
	}
	names, err := c.stores.StoreNames(ctx)
	if err != nil {
		errutil.ReportError(err, "Failed to list cache stores")
		return
	}
	for _, name := range names {
		if keep[name] {
			continue
		}
		if _, err := c.stores.DeleteStore(ctx, name); err != nil {
			errutil.ReportError(err, "Failed to delete stale cache store", "store", name)
			continue
		}
		slog.Info("Deleted stale cache store", "store", name)
	}
}

func (c *Controller) broadcast(msgType string, data any) {
	if c.broadcaster == nil {
		return
	}
	msg, err := eventbus.NewMessage(msgType, data)
	if err != nil {
		errutil.ReportError(err, "Failed to encode broadcast", "type", msgType)
		return
	}
	c.broadcaster.Broadcast(msg)
}

// Register installs the controller's handlers on bus.
func (c *Controller) Register(bus *eventbus.Bus) {
	bus.Handle(eventbus.NameMessage, func(ctx context.Context, ev eventbus.Event) (any, error) {
		return c.HandleMessage(ctx, ev.(eventbus.MessageReceived).Message)
	})
	bus.Handle(eventbus.NameSync, func(ctx context.Context, ev eventbus.Event) (any, error) {
		return c.HandleSync(ctx, ev.(eventbus.SyncRequested).Tag)
	})
	bus.Handle(eventbus.NamePush, func(ctx context.Context, ev eventbus.Event) (any, error) {
		return c.HandlePush(ctx, ev.(eventbus.PushReceived).Payload)
	})
	bus.Handle(eventbus.NameNotificationClick, func(ctx context.Context, ev eventbus.Event) (any, error) {
		return nil, c.HandleNotificationClick(ctx, ev.(eventbus.NotificationClicked).Action)
	})
}

// HandleSync drains the queue for the background-sync tag and ignores
// every other tag.
func (c *Controller) HandleSync(ctx context.Context, tag string) (*syncqueue.Report, error) {
	if tag != syncqueue.Tag {
		slog.Debug("Ignoring sync event", "tag", tag)
		return nil, nil
	}
	if c.queue == nil {
		return nil, nil
	}
	rep, err := c.queue.DrainAll(ctx)
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// Status is a snapshot for GET /_swcache/status.
type Status struct {
	Version      string   `json:"version,omitempty"`
	Pending      string   `json:"pending,omitempty"`
	State        State    `json:"state"`
	Stores       []string `json:"stores"`
	MobileTier   bool     `json:"mobileTier"`
	BatterySaver bool     `json:"batterySaver"`
	QueueDepth   int      `json:"queueDepth"`
	Online       bool     `json:"online"`
}

func (c *Controller) Status(ctx context.Context) Status {
	st := Status{
		State:        c.State(),
		MobileTier:   c.router.MobileTier(),
		BatterySaver: c.batterySaver.Load(),
		Online:       true,
	}
	if d := c.Active(); d != nil {
		st.Version = d.Version
	}
	if d := c.Pending(); d != nil {
		st.Pending = d.Version
	}
	names, err := c.stores.StoreNames(ctx)
	errutil.LogMsg(err, "Failed to list cache stores")
	st.Stores = names
	if st.Stores == nil {
		st.Stores = []string{}
	}
	if c.queue != nil {
		n, err := c.queue.Len(ctx)
		errutil.LogMsg(err, "Failed to count queued items")
		st.QueueDepth = n
	}
	if c.watcher != nil {
		st.Online = c.watcher.Online()
	}
	return st
}
