// Package reactor implements the runtime's accept loop, per-connection
// dispatch, worker pool, and idle/deferred timer wheel (spec §4.A/§4.B).
//
// The source's reactor is an explicit epoll/kqueue readiness loop. Go's
// net.Listener/net.Conn already perform that edge-triggered multiplexing
// underneath a blocking-looking Read/Write via the runtime's network
// poller, so the idiomatic rendering is goroutine-per-connection: each
// accepted connection gets one goroutine that blocks in Conn.Read, and the
// Go scheduler is the "reactor" doing the actual readiness multiplexing.
// What this package adds on top of that baseline accept loop is exactly
// what spec.md calls out as not structural to goroutine-per-connection: a
// bounded worker pool with try-lock + re-enqueue semantics for posted work
// (broadcast fan-out, deferred closures, shutdown notification) and a
// timer wheel for idle timeouts and deferred cleanup.
package reactor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/waveloop/pkg/waveloop/conntable"
)

// ErrAlreadyRegistered mirrors spec's register() failure mode; this
// rendering never hits it directly (conntable.Register always assigns a
// fresh slot) but the sentinel is kept for API parity with spec §4.A and
// for embedders that call Table().Register themselves.
var ErrAlreadyRegistered = errors.New("reactor: already registered")

// ErrTooManyFds mirrors spec's register() TooManyFds failure; rendered as
// conntable.ErrFull surfacing through Accept.
var ErrTooManyFds = conntable.ErrFull

// Config configures a Reactor.
type Config struct {
	// MaxConns bounds the connection table (spec's fd-limit-sized array).
	MaxConns int
	// Workers is the worker pool size; 0 uses GOMAXPROCS.
	Workers int
	// QueueLen is the worker pool's task channel capacity.
	QueueLen int
	// MaxConcurrentConnections gates Accept via a semaphore; 0 disables
	// the gate (unlimited, bounded only by MaxConns).
	MaxConcurrentConnections int
	// ShutdownGrace bounds how long Stop waits for connections to drain;
	// connections still open after it are left open.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the reactor's default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConns:      65536,
		ShutdownGrace: 5 * time.Second,
	}
}

// ConnServeFunc is returned by an Accept callback to run the accepted
// connection's protocol loop to completion (spec's handler serving REQ_LINE
// through DONE, or a WebSocket read loop). It must return when the
// connection is done, whether cleanly or on error.
type ConnServeFunc func() error

// AcceptFunc is invoked once per accepted net.Conn, after a placeholder slot
// has already been registered for it — h is that slot's Handle, stable for
// the rest of the connection's life (e.g. an http11 connection's
// UpgradeHandler closure captures h to re-tag its own slot KindWebSocket at
// the moment of upgrade, which is otherwise impossible to learn before the
// slot exists). It returns the initial protocol Kind, an opaque
// per-connection value to install (typically an *http11.Connection), and
// the blocking serve loop to run on this connection's goroutine. Returning
// a non-nil err deregisters the placeholder slot and closes conn without
// running serve.
type AcceptFunc func(conn net.Conn, h conntable.Handle) (kind conntable.Kind, userData any, serve ConnServeFunc, err error)

// ShutdownFunc is invoked, once per still-live slot, during Stop — the
// rendering of "invoke on_shutdown on every open WebSocket" (spec §4.B).
// Non-WebSocket slots should no-op.
type ShutdownFunc func(h conntable.Handle, slot *conntable.Slot)

// Reactor owns the connection table, worker pool, and timer wheel, and runs
// the accept loop.
type Reactor struct {
	cfg     Config
	table   *conntable.Table
	pool    *workerPool
	timers  *timerWheel
	connSem chan struct{}

	listener net.Listener
	stopping atomic.Bool
	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	onShutdown ShutdownFunc
}

// New creates a Reactor from cfg.
func New(cfg Config) *Reactor {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultConfig().MaxConns
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	r := &Reactor{
		cfg:    cfg,
		table:  conntable.New(cfg.MaxConns),
		pool:   newWorkerPool(cfg.Workers, cfg.QueueLen),
		timers: newTimerWheel(),
		doneCh: make(chan struct{}),
	}
	if cfg.MaxConcurrentConnections > 0 {
		r.connSem = make(chan struct{}, cfg.MaxConcurrentConnections)
	}
	return r
}

// Table returns the reactor's connection table, for components (broadcast,
// wsproto) that need to register, look up, or range over live connections.
func (r *Reactor) Table() *conntable.Table { return r.table }

// SetShutdownHandler installs the callback Stop invokes against every
// still-live slot before it waits for connections to drain.
func (r *Reactor) SetShutdownHandler(fn ShutdownFunc) { r.onShutdown = fn }

// Defer posts fn onto the worker pool's task queue (spec's defer(task,
// arg)), for long-running work a handler must not perform inline.
func (r *Reactor) Defer(fn func()) { r.pool.post(fn) }

// PostLocked posts fn to run on the worker pool under h's per-connection
// try-lock (spec §4.B: a worker that loses the race re-enqueues). fn is
// skipped silently if h no longer resolves to a live slot.
func (r *Reactor) PostLocked(h conntable.Handle, fn func()) {
	r.pool.postLocked(
		func() bool {
			slot, ok := r.table.Lookup(h)
			if !ok {
				return true // nothing to lock; let fn observe the miss
			}
			return slot.TryLock()
		},
		func() {
			if slot, ok := r.table.Lookup(h); ok {
				slot.Unlock()
			}
		},
		fn,
	)
}

// TimerAfter schedules fn on the reactor's timer wheel, no earlier than d
// from now (seconds granularity), for idle-timeout and deferred-cleanup use
// (spec §4.A).
func (r *Reactor) TimerAfter(d time.Duration, fn func()) { r.timers.After(d, fn) }

// Register installs a freshly accepted connection's userData into the
// table and returns its Handle.
func (r *Reactor) Register(kind conntable.Kind, userData any) (conntable.Handle, error) {
	return r.table.Register(kind, userData)
}

// Deregister removes h from the table (spec: "destroyed when the reactor
// observes close/error or the timeout fires").
func (r *Reactor) Deregister(h conntable.Handle) { r.table.Deregister(h) }

// Serve accepts connections on l until Stop is called or Accept returns a
// fatal error. Each accepted connection is registered, handed to accept,
// and run on its own goroutine until its ConnServeFunc returns.
func (r *Reactor) Serve(l net.Listener, accept AcceptFunc) error {
	r.listener = l
	defer l.Close()

	for {
		if r.stopping.Load() {
			return nil
		}

		if r.connSem != nil {
			select {
			case r.connSem <- struct{}{}:
			case <-r.doneCh:
				return nil
			}
		}

		conn, err := l.Accept()
		if err != nil {
			if r.stopping.Load() {
				return nil
			}
			if r.connSem != nil {
				<-r.connSem
			}
			continue
		}

		h, err := r.table.Register(conntable.KindHTTP, nil)
		if err != nil {
			conn.Close()
			if r.connSem != nil {
				<-r.connSem
			}
			continue
		}

		kind, userData, serve, err := accept(conn, h)
		if err != nil {
			r.table.Deregister(h)
			conn.Close()
			if r.connSem != nil {
				<-r.connSem
			}
			continue
		}
		if slot, ok := r.table.Lookup(h); ok {
			slot.SetKind(kind)
			slot.SetUserData(userData)
		}

		r.wg.Add(1)
		go r.run(conn, h, serve)
	}
}

func (r *Reactor) run(conn net.Conn, h conntable.Handle, serve ConnServeFunc) {
	defer r.wg.Done()
	defer func() {
		r.table.Deregister(h)
		conn.Close()
		if r.connSem != nil {
			<-r.connSem
		}
	}()

	// Per-connection panics never cross this boundary (spec §7): a
	// handler bug tears down this one connection, not the process.
	func() {
		defer func() { recover() }()
		serve()
	}()
}

// Stop initiates cooperative shutdown: stop accepting, invoke onShutdown on
// every live slot, wait up to ShutdownGrace (or until ctx is done) for
// connections to drain on their own, then stop the worker pool and the
// timer wheel. Connections still open after that wait are not closed by
// Stop.
func (r *Reactor) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		close(r.doneCh)
		if r.listener != nil {
			r.listener.Close()
		}

		if r.onShutdown != nil {
			r.table.Range(conntable.Handle{}, func(h conntable.Handle) {
				slot, ok := r.table.Lookup(h)
				if !ok {
					return
				}
				r.onShutdown(h, slot)
			})
		}
	})

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	grace := time.NewTimer(r.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-drained:
	case <-ctx.Done():
	case <-grace.C:
	}

	r.pool.stop()
	r.timers.stop()
	return nil
}

// WorkerPoolSize reports the configured worker pool width (diagnostics).
func (r *Reactor) WorkerPoolSize() int {
	if r.cfg.Workers > 0 {
		return r.cfg.Workers
	}
	return defaultWorkers()
}
