// Package wsproto implements the WebSocket protocol handler (spec §4.H):
// the lifecycle layer — OnOpen/OnMessage/OnClose/OnShutdown callbacks,
// ping/pong-driven idle timeout, and graceful close — installed on a
// connection once it completes the HTTP upgrade handshake.
//
// websocket.Conn (package websocket) already implements RFC 6455 framing,
// masking, and fragment assembly; it stops at the wire. wsproto.Conn wraps
// it and owns exactly the parts the teacher's websocket.Conn left as no-op
// stubs (its pongHandler did nothing) or never had (OnOpen/OnClose/
// OnShutdown, idle timeout).
package wsproto

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/yourusername/waveloop/pkg/waveloop/http11"
	"github.com/yourusername/waveloop/pkg/waveloop/websocket"
)

var (
	// ErrNotUpgradeRequest is returned when the request lacks the
	// required handshake headers (spec §6: websocket_upgrade consumes a
	// validated request; validation happens here).
	ErrNotUpgradeRequest = errors.New("wsproto: not a websocket upgrade request")
	// ErrMissingOnMessage is returned when Config.OnMessage is nil — it
	// is the one required callback (spec §9's designated-initializer
	// config note: "OnMessage (required)").
	ErrMissingOnMessage = errors.New("wsproto: Config.OnMessage is required")
)

// Config enumerates exactly the recognized upgrade keys spec §9 names:
// Request (implicit — passed separately to Upgrade), OnOpen, OnMessage
// (required), OnClose, OnShutdown, Timeout, MaxMsgSize. There is no
// Response key: Upgrade writes the 101 response directly to netConn.
type Config struct {
	OnOpen     func(*Conn)
	OnMessage  func(*Conn, []byte, bool)
	OnClose    func(*Conn)
	OnShutdown func(*Conn)

	// Timeout is the idle deadline: no traffic for Timeout triggers a
	// ping; no pong before the next tick closes with 1001 (spec §4.H).
	Timeout time.Duration

	// MaxMsgSize bounds assembled message size; 0 uses websocket.Conn's
	// default (32 MiB).
	MaxMsgSize int64
}

// UpgradeConfig is Config under the external-interface name callers of
// waveloop.Server.UpgradeWebSocket use.
type UpgradeConfig = Config

var (
	upgradeHeaderBytes    = []byte("Upgrade")
	connectionHeaderBytes = []byte("Connection")
	wsVersionHeaderBytes  = []byte("Sec-WebSocket-Version")
	wsKeyHeaderBytes      = []byte("Sec-WebSocket-Key")
)

// IsUpgradeRequest reports whether req carries the headers RFC 6455 §4.2.1
// requires for a WebSocket handshake.
func IsUpgradeRequest(req *http11.Request) bool {
	if req.Method() != "GET" {
		return false
	}
	if !headerTokenContains(req.Header.GetString(connectionHeaderBytes), "upgrade") {
		return false
	}
	if !headerTokenContains(req.Header.GetString(upgradeHeaderBytes), "websocket") {
		return false
	}
	if req.Header.GetString(wsVersionHeaderBytes) != "13" {
		return false
	}
	return req.Header.GetString(wsKeyHeaderBytes) != ""
}

func headerTokenContains(value, want string) bool {
	for _, tok := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), want) {
			return true
		}
	}
	return false
}

// bufferedConn adapts an http11.Connection's net.Conn + already-populated
// bufio.Reader into a single net.Conn: Read drains whatever bytes the HTTP
// parser already buffered past the request (pipelined bytes arriving in
// the same TCP segment as the handshake) before falling through to the raw
// socket, matching spec §4.E's pipelining guarantee across the HTTP→
// WebSocket transition.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// Upgrade performs the RFC 6455 opening handshake directly against an
// http11.Connection's underlying net.Conn (not through net/http's
// Hijacker — http11.Connection does not implement net/http.ResponseWriter)
// and returns a live wsproto.Conn. waveloop.Server calls it from the
// UpgradeHandler that http11.Connection.Serve() invokes after a handler
// called ResponseWriter.Upgrade() (see http11.Connection.SetUpgradeHandler).
// Serve does not flush that response, so the 101 status line and upgrade
// headers written here are the only response bytes sent. A body written
// before ResponseWriter.Upgrade() is not discarded: it has already gone
// out with a non-101 status, and Upgrade() then fails with
// http11.ErrHeadersAlreadyWritten.
func Upgrade(netConn net.Conn, buffered *bufio.Reader, req *http11.Request, cfg Config) (*Conn, error) {
	if cfg.OnMessage == nil {
		return nil, ErrMissingOnMessage
	}
	if !IsUpgradeRequest(req) {
		return nil, ErrNotUpgradeRequest
	}

	key := req.Header.GetString(wsKeyHeaderBytes)
	if err := websocket.WriteUpgradeResponse(netConn, key, ""); err != nil {
		return nil, err
	}

	conn := netConn
	if buffered != nil {
		conn = &bufferedConn{Conn: netConn, r: buffered}
	}
	ws := websocket.NewServerConn(conn, http11.DefaultBufferSize, http11.DefaultBufferSize, "")
	if cfg.MaxMsgSize > 0 {
		ws.SetMaxMessageSize(cfg.MaxMsgSize)
	}

	c := &Conn{
		ws:      ws,
		cfg:     cfg,
		timeout: cfg.Timeout,
	}
	ws.SetPongHandler(c.onPong)
	c.touch()

	if cfg.OnOpen != nil {
		cfg.OnOpen(c)
	}
	return c, nil
}

// Serve runs c's blocking read loop until the connection closes, invoking
// OnMessage for each complete message and OnClose exactly once at the
// terminal transition (spec §4.H). It is the ConnServeFunc a caller hands
// to reactor.Reactor for a WebSocket-kind connection, and is also what
// Upgrade's caller should invoke to take over the connection goroutine for
// the rest of its life.
func (c *Conn) Serve() error {
	defer c.fireClose()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		c.touch()
		isText := msgType == websocket.TextMessage
		c.cfg.OnMessage(c, data, isText)
	}
}
