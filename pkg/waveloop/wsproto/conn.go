package wsproto

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/waveloop/pkg/waveloop/websocket"
)

// Scheduler is the subset of *reactor.Reactor wsproto needs to drive
// ping/pong idle timeouts without spawning a dedicated goroutine per
// connection (spec §4.H: "driven by a per-connection timer ... not a
// dedicated goroutine per connection, to keep goroutine count bounded by
// connection count rather than 2x connection count"). Declared as an
// interface here, rather than importing package reactor directly, so
// wsproto stays usable against any timer-wheel-shaped scheduler.
type Scheduler interface {
	TimerAfter(d time.Duration, fn func())
}

// Conn is the lifecycle-owning wrapper around a websocket.Conn: ping/pong
// idle timeout, OnOpen/OnClose-once semantics, and a reusable assembly
// buffer exposed to OnMessage (spec §4.H/§3's WebSocket connection state).
type Conn struct {
	ws        *websocket.Conn
	cfg       Config
	scheduler Scheduler
	timeout   time.Duration

	// lastActivity is a unix-nano timestamp updated on every inbound
	// frame (including pongs); the idle-timeout ticker compares against
	// it instead of resetting a per-connection timer object directly, so
	// a single scheduled tick can observe "traffic happened since I was
	// scheduled" without racing a timer reset.
	lastActivity   atomic.Int64
	awaitingPong   atomic.Bool
	closeOnce      sync.Once
	closeErr       error
	userData       atomic.Value // any
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
	c.awaitingPong.Store(false)
}

func (c *Conn) onPong(appData string) error {
	c.touch()
	return nil
}

// StartIdleTimer begins the ping/pong idle-timeout cycle on sched, ticking
// every c.timeout: if no traffic arrived since the previous tick, a ping is
// sent; if still no traffic (specifically no pong) by the tick after that,
// the connection is closed with code 1001 (spec §4.H, scenario §8.6).
// No-op when Timeout is zero (idle timeout disabled) or no Scheduler is
// configured.
func (c *Conn) StartIdleTimer(sched Scheduler) {
	if c.timeout <= 0 || sched == nil {
		return
	}
	c.scheduler = sched
	c.scheduler.TimerAfter(c.timeout, c.idleTick)
}

func (c *Conn) idleTick() {
	if c.awaitingPong.Load() {
		// No pong arrived since the ping sent on the previous tick.
		c.CloseWithCode(websocket.CloseGoingAway, "idle timeout")
		return
	}

	idleSince := time.Since(time.Unix(0, c.lastActivity.Load()))
	if idleSince >= c.timeout {
		c.awaitingPong.Store(true)
		c.ws.WritePing(nil)
	}
	c.scheduler.TimerAfter(c.timeout, c.idleTick)
}

// Write queues a single message (fragmenting internally above the
// implementation threshold, see websocket.Conn.WriteMessage) — the
// rendering of spec §6's websocket_write.
func (c *Conn) Write(data []byte, isText bool) error {
	msgType := websocket.BinaryMessage
	if isText {
		msgType = websocket.TextMessage
	}
	return c.ws.WriteMessage(msgType, data)
}

// Close initiates a graceful close (spec §6's websocket_close): normal
// closure status 1000.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode closes with an explicit RFC 6455 status code and reason.
func (c *Conn) CloseWithCode(code uint16, reason string) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.CloseWithCode(code, reason)
	})
	return c.closeErr
}

// Shutdown is invoked by reactor.Stop, through the shutdown handler that
// waveloop.Server installs, on server shutdown (spec §4.B/§4.H):
// last-chance OnShutdown callback, then close 1001.
func (c *Conn) Shutdown() {
	if c.cfg.OnShutdown != nil {
		c.cfg.OnShutdown(c)
	}
	c.CloseWithCode(websocket.CloseGoingAway, "server shutdown")
}

func (c *Conn) fireClose() {
	if c.cfg.OnClose != nil {
		c.cfg.OnClose(c)
	}
}

// SetUserData stores an opaque per-connection value (spec's "user
// pointer"), retrievable via UserData.
func (c *Conn) SetUserData(v any) { c.userData.Store(boxAny{v}) }

// UserData retrieves the value installed by SetUserData, or nil.
func (c *Conn) UserData() any {
	if b, ok := c.userData.Load().(boxAny); ok {
		return b.v
	}
	return nil
}

// boxAny lets atomic.Value hold a possibly-nil/heterogeneous any without
// tripping its "consistent concrete type" requirement.
type boxAny struct{ v any }

// RemoteAddr exposes the underlying connection's remote address.
func (c *Conn) RemoteAddr() string {
	if a := c.ws.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
