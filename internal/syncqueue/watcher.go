package syncqueue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Prober checks whether the origin is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Watcher turns origin reachability into a connectivity-restored signal.
// While paused it neither probes nor fires.
type Watcher struct {
	prober    Prober
	interval  time.Duration
	onRestore func(ctx context.Context)

	online atomic.Bool
	paused atomic.Bool
}

func NewWatcher(p Prober, interval time.Duration, onRestore func(ctx context.Context)) *Watcher {
	w := &Watcher{
		prober:    p,
		interval:  interval,
		onRestore: onRestore,
	}
	w.online.Store(true)
	return w
}

// ReportFailure marks the origin offline, so the next successful probe
// fires onRestore.
func (w *Watcher) ReportFailure() {
	if w.online.Swap(false) {
		slog.Info("Origin unreachable, waiting for connectivity")
	}
}

// MarkPending arms the watcher for requests left queued by an earlier
// run, so the first successful probe replays them.
func (w *Watcher) MarkPending(count int) {
	if count <= 0 {
		return
	}
	w.online.Store(false)
	slog.Info("Queued requests pending from a previous run", "count", count)
}

func (w *Watcher) Online() bool {
	return w.online.Load()
}

func (w *Watcher) SetPaused(paused bool) {
	if w.paused.Swap(paused) != paused {
		slog.Info("Connectivity watcher paused state changed", "paused", paused)
	}
}

func (w *Watcher) Paused() bool {
	return w.paused.Load()
}

// Check probes once and fires onRestore on an offline to online transition.
func (w *Watcher) Check(ctx context.Context) {
	if w.paused.Load() {
		return
	}
	if err := w.prober.Probe(ctx); err != nil {
		w.ReportFailure()
		return
	}
	if !w.online.Swap(true) {
		slog.Info("Connectivity restored")
		if w.onRestore != nil {
			w.onRestore(ctx)
		}
	}
}

// Start probes on every interval until ctx is done. A zero interval
// disables probing. An offline watcher probes once right away.
func (w *Watcher) Start(ctx context.Context) {
	if w.interval <= 0 {
		return
	}
	if !w.online.Load() {
		w.Check(ctx)
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}
