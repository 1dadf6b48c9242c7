package wsproto

import (
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/waveloop/pkg/waveloop/http11"
	"github.com/yourusername/waveloop/pkg/waveloop/websocket"
)

func parseRequest(t *testing.T, raw string) *http11.Request {
	t.Helper()
	req, err := http11.NewParser().Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parsing request: %v", err)
	}
	return req
}

func validUpgradeRaw() string {
	return "GET /ws HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"\r\n"
}

func TestIsUpgradeRequest(t *testing.T) {
	if !IsUpgradeRequest(parseRequest(t, validUpgradeRaw())) {
		t.Error("valid handshake request reported as not an upgrade")
	}

	plainGET := parseRequest(t, "GET /ws HTTP/1.1\r\nHost: example.test\r\n\r\n")
	if IsUpgradeRequest(plainGET) {
		t.Error("plain GET reported as an upgrade request")
	}

	wrongVersion := parseRequest(t, "GET /ws HTTP/1.1\r\n"+
		"Host: example.test\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Sec-WebSocket-Version: 8\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n")
	if IsUpgradeRequest(wrongVersion) {
		t.Error("Sec-WebSocket-Version 8 accepted as a valid handshake")
	}
}

func TestUpgradeRequiresOnMessage(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()
	go discardReads(clientSide)

	req := parseRequest(t, validUpgradeRaw())
	_, err := Upgrade(serverSide, nil, req, Config{})
	if err != ErrMissingOnMessage {
		t.Fatalf("err = %v, want ErrMissingOnMessage", err)
	}
}

func TestUpgradeRejectsNonHandshakeRequest(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()
	go discardReads(clientSide)

	req := parseRequest(t, "GET /ws HTTP/1.1\r\nHost: example.test\r\n\r\n")
	_, err := Upgrade(serverSide, nil, req, Config{OnMessage: func(*Conn, []byte, bool) {}})
	if err != ErrNotUpgradeRequest {
		t.Fatalf("err = %v, want ErrNotUpgradeRequest", err)
	}
}

func TestUpgradeInvokesOnOpen(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()
	go discardReads(clientSide)

	var opened atomic.Bool
	req := parseRequest(t, validUpgradeRaw())
	ws, err := Upgrade(serverSide, nil, req, Config{
		OnMessage: func(*Conn, []byte, bool) {},
		OnOpen:    func(*Conn) { opened.Store(true) },
	})
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if !opened.Load() {
		t.Error("OnOpen was not invoked")
	}
	if ws == nil {
		t.Fatal("Upgrade returned a nil Conn on success")
	}
}

func discardReads(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func TestServeDispatchesMessagesAndFiresOnCloseOnce(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	var closeCount atomic.Int32
	messages := make(chan string, 4)

	// Drain (and discard) the 101 response the handshake writes. net.Pipe
	// is unbuffered, so the read must be pending before Upgrade writes.
	drained := make(chan struct{})
	go func() {
		discardBuf := make([]byte, 256)
		clientSide.SetReadDeadline(time.Now().Add(time.Second))
		clientSide.Read(discardBuf)
		close(drained)
	}()

	req := parseRequest(t, validUpgradeRaw())
	ws, err := Upgrade(serverSide, nil, req, Config{
		OnMessage: func(c *Conn, data []byte, isText bool) {
			messages <- string(data)
		},
		OnClose: func(c *Conn) { closeCount.Add(1) },
	})
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	<-drained

	done := make(chan error, 1)
	go func() { done <- ws.Serve() }()

	fw := websocket.NewFrameWriter(clientSide)
	maskKey := [4]byte{1, 2, 3, 4}
	payload := []byte("hi")
	if err := fw.WriteFrame(websocket.OpcodeText, true, payload, &maskKey); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case msg := <-messages:
		if msg != "hi" {
			t.Errorf("OnMessage got %q, want %q", msg, "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage never fired")
	}

	clientSide.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve never returned after the connection closed")
	}

	if closeCount.Load() != 1 {
		t.Errorf("OnClose fired %d times, want 1", closeCount.Load())
	}
}

type fakeScheduler struct {
	scheduled []func()
}

func (f *fakeScheduler) TimerAfter(d time.Duration, fn func()) {
	f.scheduled = append(f.scheduled, fn)
}

func (f *fakeScheduler) fireNext() {
	if len(f.scheduled) == 0 {
		return
	}
	fn := f.scheduled[0]
	f.scheduled = f.scheduled[1:]
	fn()
}

func TestStartIdleTimerClosesAfterMissedPong(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	go discardReads(clientSide)

	req := parseRequest(t, validUpgradeRaw())
	ws, err := Upgrade(serverSide, nil, req, Config{
		OnMessage: func(*Conn, []byte, bool) {},
		Timeout:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	sched := &fakeScheduler{}
	ws.StartIdleTimer(sched)
	if len(sched.scheduled) != 1 {
		t.Fatalf("StartIdleTimer scheduled %d ticks, want 1", len(sched.scheduled))
	}

	time.Sleep(2 * time.Millisecond) // ensure lastActivity is stale
	sched.fireNext()                 // first tick: sends a ping, reschedules
	if len(sched.scheduled) != 1 {
		t.Fatalf("first tick left %d pending ticks, want 1 reschedule", len(sched.scheduled))
	}

	sched.fireNext() // second tick: no pong arrived, closes

	if _, err := serverSide.Write([]byte("x")); err == nil {
		t.Error("expected the underlying connection to be closed after a missed pong")
	}
}

func TestStartIdleTimerNoopWithoutTimeout(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	go discardReads(clientSide)

	req := parseRequest(t, validUpgradeRaw())
	ws, err := Upgrade(serverSide, nil, req, Config{OnMessage: func(*Conn, []byte, bool) {}})
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	sched := &fakeScheduler{}
	ws.StartIdleTimer(sched)
	if len(sched.scheduled) != 0 {
		t.Error("StartIdleTimer scheduled a tick despite Timeout == 0")
	}
}
