package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lucasew/swcache/internal/metrics"
)

var (
	ErrNoHandler = errors.New("no handler for event")
	ErrClosed    = errors.New("event bus closed")
)

// Handler processes one event. The returned value resolves the event's
// Future.
type Handler func(ctx context.Context, ev Event) (any, error)

// Future is the pending result of a dispatched event.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func resolved(val any, err error) *Future {
	f := &Future{done: make(chan struct{}), val: val, err: err}
	close(f.done)
	return f
}

// Done is closed once the handler returned.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the handler returns or ctx is done. Giving up does not
// cancel the handler.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Await waits for f and asserts its value to T.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var zero T
	v, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected event result %T", v)
	}
	return t, nil
}

// Bus dispatches events to one handler per event name, each on its own
// goroutine. Close waits for everything in flight.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
	inflight sync.WaitGroup
	metrics  *metrics.Metrics
}

func New(m *metrics.Metrics) *Bus {
	return &Bus{
		handlers: make(map[string]Handler),
		metrics:  m,
	}
}

// Handle registers h for events named name, replacing any previous handler.
func (b *Bus) Handle(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = h
}

// Dispatch runs the handler for ev in the background.
func (b *Bus) Dispatch(ctx context.Context, ev Event) *Future {
	name := ev.EventName()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return resolved(nil, ErrClosed)
	}
	h, ok := b.handlers[name]
	if !ok {
		b.mu.RUnlock()
		b.metrics.Event(name, "unhandled")
		return resolved(nil, fmt.Errorf("%w: %s", ErrNoHandler, name))
	}
	b.inflight.Add(1)
	b.mu.RUnlock()

	f := &Future{done: make(chan struct{})}
	go func() {
		defer b.inflight.Done()
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.val, f.err = nil, fmt.Errorf("handler for %s panicked: %v", name, r)
				slog.Error("Event handler panicked", "event", name, "panic", r)
			}
		}()
		f.val, f.err = h(ctx, ev)
		if f.err != nil {
			b.metrics.Event(name, "error")
		} else {
			b.metrics.Event(name, "ok")
		}
	}()
	return f
}

// Close stops accepting events and waits for in-flight handlers or ctx.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
