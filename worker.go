package workercache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind names an event the worker can dispatch.
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventSync     EventKind = "sync"
	EventPush     EventKind = "push"
	EventMessage  EventKind = "message"
)

// Handler resolves a single event. The dispatcher does not consider an
// event resolved until the handler returns.
type Handler func(ctx context.Context, data []byte) error

// holdGroup tracks asynchronous branches spawned by event handlers so
// the host can await them before tearing the worker down. A branch that
// is not registered here may be terminated mid-flight.
type holdGroup struct {
	wg sync.WaitGroup
}

func (h *holdGroup) waitUntil(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

func (h *holdGroup) wait() {
	h.wg.Wait()
}

// Worker owns the caching lifecycle of one deployment version: install
// seeding, activation cutover, fetch interception, and the control
// message surface toward connected clients.
type Worker struct {
	// Transport performs network fetches during install. Interception
	// and revalidation use the transport wrapped by Middleware instead.
	// Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	// Notifier displays push notifications. Nil disables display; push
	// payload handling still runs.
	Notifier Notifier

	// Opener focuses or opens application windows on notification
	// clicks. Nil disables the click action.
	Opener WindowOpener

	store   Store
	clients *ClientRegistry
	logger  *slog.Logger
	now     func() time.Time
	holds   holdGroup

	skipWaiting atomic.Bool

	handlers map[EventKind]Handler

	c Config
}

// NewWorker creates a worker bound to a bucket store and configuration.
// If the 'now' function is nil, time.Now will be used as the default
// time provider. If the 'logger' is nil, a no-op logger writing to
// io.Discard will be used.
func NewWorker(store Store, opts *Config, now func() time.Time, logger *slog.Logger) *Worker {
	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := Config{}
	if opts == nil {
		c = DefaultConfig()
	} else {
		c = *opts
	}

	w := &Worker{
		Transport: http.DefaultTransport,

		store:   store,
		clients: NewClientRegistry(),
		logger:  logger,
		now:     nowFunc,
		c:       c,
	}

	w.handlers = map[EventKind]Handler{
		EventInstall:  func(ctx context.Context, _ []byte) error { return w.Install(ctx) },
		EventActivate: func(ctx context.Context, _ []byte) error { return w.Activate(ctx) },
		EventSync:     func(ctx context.Context, data []byte) error { return w.HandleSync(ctx, string(data)) },
		EventPush:     w.HandlePush,
		EventMessage:  w.HandleMessage,
	}

	return w
}

// Middleware returns a transport middleware that intercepts requests
// issued through the wrapped RoundTripper. Fetch interception is the
// only event that produces a response, so it lives here rather than in
// the Dispatch table.
func (w *Worker) Middleware() func(http.RoundTripper) http.RoundTripper {
	return func(rt http.RoundTripper) http.RoundTripper {
		return &Interceptor{
			Wrapped: rt,
			store:   w.store,
			logger:  w.logger,
			now:     w.now,
			holds:   &w.holds,
			c:       w.c,
		}
	}
}

// Dispatch routes an event to its registered handler and awaits the
// result. Asynchronous branches the handler spawned remain tracked by
// the hold group until Drain.
func (w *Worker) Dispatch(ctx context.Context, kind EventKind, data []byte) error {
	h, ok := w.handlers[kind]
	if !ok {
		return fmt.Errorf("no handler registered for event %q", kind)
	}
	return h(ctx, data)
}

// Clients exposes the registry connected pages attach to.
func (w *Worker) Clients() *ClientRegistry {
	return w.clients
}

// Version returns the running deployment version.
func (w *Worker) Version() string {
	return w.c.Version
}

// SkipWaiting arms immediate activation, bypassing the wait for the
// previous instance to release control.
func (w *Worker) SkipWaiting() {
	w.skipWaiting.Store(true)
}

// ShouldSkipWaiting reports whether the host may activate this worker
// without waiting for the previous instance.
func (w *Worker) ShouldSkipWaiting() bool {
	return w.skipWaiting.Load()
}

// Drain blocks until every registered asynchronous branch has finished
// or the context expires. Hosts call it before shutting the worker
// down so in-flight revalidations are not cut off.
func (w *Worker) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.holds.wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
