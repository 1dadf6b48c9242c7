package waveloop

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/yourusername/waveloop/pkg/waveloop/broadcast"
	"github.com/yourusername/waveloop/pkg/waveloop/conntable"
	"github.com/yourusername/waveloop/pkg/waveloop/http11"
	"github.com/yourusername/waveloop/pkg/waveloop/reactor"
	"github.com/yourusername/waveloop/pkg/waveloop/reqpool"
	"github.com/yourusername/waveloop/pkg/waveloop/server"
	"github.com/yourusername/waveloop/pkg/waveloop/socket"
	"github.com/yourusername/waveloop/pkg/waveloop/wsproto"
)

// Config is waveloop.Server's designated-initializer-style configuration
// (spec §6/§9): only Addr and OnRequest are meaningful to set for a minimal
// server, every other field defaults to something sane via DefaultConfig.
type Config struct {
	// Addr is the TCP address to listen on, e.g. ":8080".
	Addr string

	// OnRequest handles every HTTP request that does not end in a
	// WebSocket upgrade. It owns writing the response through rw.
	OnRequest func(*http11.Request, *http11.ResponseWriter)

	// PublicFolder, when non-empty, serves static files below it via
	// http.FileServer for any request OnRequest leaves unhandled (checked
	// by !rw.Upgraded() && Header().Len() == 0, see Server.handle) —
	// an external collaborator wired only as a convenience fallback, not
	// part of protocol correctness.
	PublicFolder string

	// MaxBodySize bounds request body size; 0 uses http11's built-in
	// default (see http11.MaxInMemoryBodySize for the in-memory portion).
	MaxBodySize int64

	// Timeout is applied as both read and write deadline per request and
	// as the WebSocket idle-ping interval when a caller doesn't override
	// Timeout in its own wsproto.UpgradeConfig.
	Timeout time.Duration

	// Threads sizes the reactor's worker pool; 0 uses GOMAXPROCS.
	Threads int

	// MaxConns bounds concurrent connections (reactor.Config.MaxConns);
	// 0 uses reactor.DefaultConfig's 65536.
	MaxConns int

	// RequestPoolCapacity sizes the pre-allocated request arena
	// (reqpool.DefaultCapacity if <= 0).
	RequestPoolCapacity int

	// SocketTuning configures TCP_NODELAY/buffer sizes/etc. applied to
	// every accepted connection; nil uses socket.DefaultConfig().
	SocketTuning *socket.Config

	// TLSConfig, when non-nil, serves HTTPS/WSS: Run wraps the listener
	// with tls.NewListener before handing it to the reactor. The plain
	// BaseServer/WaveloopServer path (package server) left this as "not
	// yet implemented"; composing tls.NewListener at the net.Listener
	// level here means the reactor/http11/wsproto stack above it needs no
	// TLS-awareness of its own.
	TLSConfig *tls.Config

	// Logger, when set, receives socket-tuning and handshake failures the
	// runtime itself never has an opinion on how to surface (spec §1.A:
	// the teacher reports failures through errors/Stats and leaves log
	// emission to the embedder). nil means "don't log".
	Logger Logger
}

// Logger is the minimal sink Config.Logger accepts, matching the
// teacher's "leave log emission to the embedder" stance — any
// *log.Logger, zap.SugaredLogger, etc. already satisfies this.
type Logger interface {
	Printf(format string, args ...any)
}

// DefaultConfig returns a Config with every optional field filled in.
func DefaultConfig() Config {
	return Config{
		Addr:                ":8080",
		Timeout:             60 * time.Second,
		RequestPoolCapacity: reqpool.DefaultCapacity,
		SocketTuning:        socket.DefaultConfig(),
	}
}

// Server composes the reactor accept loop, connection table, request-object
// pool, and broadcast engine into the embeddable runtime spec §6 describes
// as a single `waveloop.Server`.
type Server struct {
	cfg      Config
	reactor  *reactor.Reactor
	reqPool  *reqpool.Pool
	fileSrv  http.Handler
	listener net.Listener

	// stats reuses the teacher's Stats accumulator (package server) for
	// the same counters it was built for (connections/requests/bytes),
	// rather than reimplementing a second set of atomic counters.
	stats server.Stats

	// wsCount tracks live WebSocket-kind connections specifically (spec
	// §6's websocket_count, distinct from the connection table's total
	// slot count, which also includes keep-alive HTTP connections that
	// never upgraded). Incremented in serveUpgrade on a successful
	// handshake, decremented once ws.Serve returns.
	wsCount atomic.Int64
}

// New constructs a Server from cfg, filling unset fields from DefaultConfig.
func New(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestPoolCapacity <= 0 {
		cfg.RequestPoolCapacity = def.RequestPoolCapacity
	}
	if cfg.SocketTuning == nil {
		cfg.SocketTuning = def.SocketTuning
	}

	rCfg := reactor.DefaultConfig()
	if cfg.Threads > 0 {
		rCfg.Workers = cfg.Threads
	}
	if cfg.MaxConns > 0 {
		rCfg.MaxConns = cfg.MaxConns
	}

	s := &Server{
		cfg:     cfg,
		reactor: reactor.New(rCfg),
		reqPool: reqpool.New(cfg.RequestPoolCapacity),
	}
	s.stats.StartTime = time.Now()
	http11.SetRequestPool(s.reqPool)

	if cfg.PublicFolder != "" {
		s.fileSrv = http.FileServer(http.Dir(cfg.PublicFolder))
	}

	s.reactor.SetShutdownHandler(func(h conntable.Handle, slot *conntable.Slot) {
		if slot.Kind() != conntable.KindWebSocket {
			return
		}
		if ws, ok := slot.UserData().(*wsproto.Conn); ok && ws != nil {
			ws.Shutdown()
		}
	})

	return s
}

// Run starts accepting connections on cfg.Addr and blocks until ctx is
// canceled or Stop is called (spec §6).
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	if err := socket.ApplyListener(l, s.cfg.SocketTuning); err != nil {
		l.Close()
		return err
	}
	if s.cfg.TLSConfig != nil {
		l = tls.NewListener(l, s.cfg.TLSConfig)
	}
	s.listener = l

	errCh := make(chan error, 1)
	go func() { errCh <- s.reactor.Serve(l, s.accept) }()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

// Stop performs graceful shutdown: stop accepting, notify live WebSocket
// connections, and wait a bounded time for connections to drain (spec §6).
// Connections still open after that wait are not closed (see reactor.Stop).
func (s *Server) Stop(ctx context.Context) error {
	return s.reactor.Stop(ctx)
}

// Addr returns the address the listener actually bound to, once Run has
// started it — useful when Config.Addr asks for an ephemeral port
// ("127.0.0.1:0") and the caller needs to learn which one was assigned.
// Returns "" before Run's listener is up.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// WebSocketCount returns the number of currently live WebSocket connections
// (spec §6's websocket_count) — connections that completed the upgrade
// handshake and have not yet closed, excluding plain keep-alive HTTP
// connections the table also tracks.
func (s *Server) WebSocketCount() int {
	return int(s.wsCount.Load())
}

// Broadcast fans task out to every live WebSocket connection other than
// origin, invoking onComplete exactly once after every invocation returns
// (spec §6/§4.I).
func (s *Server) Broadcast(origin conntable.Handle, task func(*wsproto.Conn, any), arg any, onComplete func(conntable.Handle, any)) {
	broadcast.Each(s.reactor.Table(), s.reactor, origin, broadcast.Task(task), arg, broadcast.OnComplete(onComplete))
}

// UpgradeWebSocket is exposed for handlers that want to drive the upgrade
// handshake directly (e.g. from inside OnRequest, before Connection.Serve
// would otherwise have driven it via the UpgradeHandler installed by
// accept). Most callers never call this directly: the common path is
// OnRequest calling rw.Upgrade() and returning, and accept's installed
// UpgradeHandler performing the handshake transparently. It is kept on
// Server for API parity with spec §6.
func (s *Server) UpgradeWebSocket(netConn net.Conn, buffered *bufio.Reader, r *http11.Request, cfg wsproto.UpgradeConfig) (*wsproto.Conn, error) {
	return wsproto.Upgrade(netConn, buffered, r, cfg)
}

var errNotUpgraded = errors.New("waveloop: response did not upgrade")

// accept is the reactor.AcceptFunc wiring an http11.Connection (and, on a
// successful WebSocket handshake, a wsproto.Conn re-tagging the same slot)
// for every TCP connection the reactor accepts.
func (s *Server) accept(conn net.Conn, h conntable.Handle) (conntable.Kind, any, reactor.ConnServeFunc, error) {
	if err := socket.Apply(conn, s.cfg.SocketTuning); err != nil {
		s.logf("waveloop: socket tuning failed for %s: %v", conn.RemoteAddr(), err)
		return 0, nil, nil, err
	}

	s.stats.TotalConnections.Add(1)
	s.stats.ActiveConnections.Add(1)

	connCfg := http11.DefaultConnectionConfig()
	connCfg.KeepAliveTimeout = s.cfg.Timeout

	httpConn := http11.NewConnection(conn, connCfg, s.handle)
	httpConn.SetUpgradeHandler(func(netConn net.Conn, buffered *bufio.Reader, req *http11.Request) error {
		return s.serveUpgrade(h, netConn, buffered, req)
	})

	serve := func() error {
		defer s.stats.ActiveConnections.Add(-1)
		return httpConn.Serve()
	}
	return conntable.KindHTTP, httpConn, serve, nil
}

// Stats returns the server's running connection/request counters, the same
// accumulator type package server's BaseServer exposes.
func (s *Server) Stats() *server.Stats {
	return &s.stats
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

// staticResponseWriter adapts http11.ResponseWriter to http.ResponseWriter
// just far enough for http.FileServer's directory/range/conditional-GET
// logic to drive it — PublicFolder is an external collaborator (spec §6),
// not part of the wire-protocol surface this module owns.
type staticResponseWriter struct {
	rw *http11.ResponseWriter
}

func (w *staticResponseWriter) Header() http.Header {
	h := make(http.Header)
	w.rw.Header().VisitAll(func(name, value []byte) bool {
		h.Add(string(name), string(value))
		return true
	})
	return h
}

func (w *staticResponseWriter) Write(p []byte) (int, error) { return w.rw.Write(p) }

func (w *staticResponseWriter) WriteHeader(statusCode int) {
	w.rw.WriteHeader(statusCode)
}

// serveStatic runs s.fileSrv against req/rw, translating just enough of
// net/http's request shape for http.FileServer's path handling.
func (s *Server) serveStatic(req *http11.Request, rw *http11.ResponseWriter) {
	parsedURL, err := req.ParsedURL()
	if err != nil {
		rw.WriteError(400, "invalid request path")
		return
	}
	httpReq := &http.Request{
		Method:     req.Method(),
		URL:        parsedURL,
		Proto:      req.Proto,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
		Header:     make(http.Header),
		RemoteAddr: req.RemoteAddr,
	}
	req.Header.VisitAll(func(name, value []byte) bool {
		httpReq.Header.Add(string(name), string(value))
		return true
	})
	s.fileSrv.ServeHTTP(&staticResponseWriter{rw: rw}, httpReq)
}

// handle adapts Config.OnRequest's (no-error) signature to http11.Handler.
func (s *Server) handle(req *http11.Request, rw *http11.ResponseWriter) error {
	s.stats.TotalRequests.Add(1)
	s.stats.LastRequestTime.Store(time.Now())
	if req.ContentLength > 0 {
		s.stats.BytesRead.Add(uint64(req.ContentLength))
	}
	if s.cfg.MaxBodySize > 0 && req.ContentLength > s.cfg.MaxBodySize {
		s.stats.RequestErrors.Add(1)
		return rw.WriteError(413, "request body exceeds the configured limit")
	}
	if s.cfg.OnRequest != nil {
		s.cfg.OnRequest(req, rw)
	}
	if !rw.Upgraded() && rw.Header().Len() == 0 && s.fileSrv != nil {
		s.serveStatic(req, rw)
	}
	s.stats.BytesWritten.Add(uint64(rw.BytesWritten()))
	return nil
}

// serveUpgrade runs the RFC 6455 handshake for a connection whose handler
// called RequestUpgrade (see websocket_handlers.go) followed by
// rw.Upgrade(). It is installed as httpConn's UpgradeHandler in accept, so
// Connection.Serve invokes it automatically once the handler returns (the
// 101 response is written here, by wsproto.Upgrade); on success it re-tags
// h's slot KindWebSocket and runs the WebSocket read loop for the rest of
// the connection's life.
func (s *Server) serveUpgrade(h conntable.Handle, netConn net.Conn, buffered *bufio.Reader, req *http11.Request) error {
	cfg, ok := pendingUpgrade(req)
	if !ok {
		return errNotUpgraded
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = s.cfg.Timeout
	}

	ws, err := wsproto.Upgrade(netConn, buffered, req, cfg)
	if err != nil {
		s.logf("waveloop: websocket handshake failed: %v", err)
		return err
	}

	if slot, ok := s.reactor.Table().Lookup(h); ok {
		slot.SetKind(conntable.KindWebSocket)
		slot.SetUserData(ws)
	}
	ws.StartIdleTimer(s.reactor)

	s.wsCount.Add(1)
	defer s.wsCount.Add(-1)

	return ws.Serve()
}
