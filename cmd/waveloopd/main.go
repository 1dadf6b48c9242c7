// Command waveloopd is a minimal embedder of the waveloop runtime: an echo
// HTTP handler, a WebSocket echo-and-broadcast handler, and an optional
// static file folder. It exists to exercise waveloop.Server end to end, not
// as a product in its own right — a real embedder wires its own handlers
// the same way main does here.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	waveloop "github.com/yourusername/waveloop/pkg/waveloop"
	"github.com/yourusername/waveloop/pkg/waveloop/conntable"
	"github.com/yourusername/waveloop/pkg/waveloop/http11"
	"github.com/yourusername/waveloop/pkg/waveloop/wsproto"
)

func main() {
	addr := flag.String("addr", ":8080", "address to listen on")
	publicFolder := flag.String("public", "", "folder to serve static files from, empty disables")
	timeout := flag.Duration("timeout", 60*time.Second, "idle/read/write timeout")
	flag.Parse()

	logger := log.New(os.Stderr, "waveloopd: ", log.LstdFlags)

	var srv *waveloop.Server
	srv = waveloop.New(waveloop.Config{
		Addr:         *addr,
		PublicFolder: *publicFolder,
		Timeout:      *timeout,
		Logger:       logger,
		OnRequest: func(r *http11.Request, rw *http11.ResponseWriter) {
			handleRequest(srv, r, rw)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Printf("listening on %s", *addr)
	if err := srv.Run(ctx); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}

// handleRequest routes GET /echo to a WebSocket echo-and-broadcast handler
// and everything else to a tiny status line, demonstrating the upgrade path
// end to end (RequestUpgrade + rw.Upgrade(), see websocket_handlers.go).
func handleRequest(srv *waveloop.Server, r *http11.Request, rw *http11.ResponseWriter) {
	if r.Path() == "/echo" && wsproto.IsUpgradeRequest(r) {
		waveloop.RequestUpgrade(r, wsproto.UpgradeConfig{
			OnMessage: func(c *wsproto.Conn, data []byte, isText bool) {
				c.Write(data, isText)
				srv.Broadcast(originHandle(c), func(peer *wsproto.Conn, arg any) {
					peer.Write(arg.([]byte), isText)
				}, append([]byte(nil), data...), nil)
			},
			Timeout: 30 * time.Second,
		})
		if err := rw.Upgrade(); err != nil {
			rw.WriteError(500, "upgrade failed")
		}
		return
	}

	rw.WriteText(200, []byte("waveloop: ok, "+time.Now().Format(time.RFC3339)))
}

// originHandle is a placeholder: a real embedder tracks each wsproto.Conn's
// own conntable.Handle (e.g. via SetUserData at OnOpen time) to exclude
// itself from a broadcast. Here broadcasting to every connection including
// the sender is acceptable for the echo demo, so the zero Handle (which
// Broadcast only uses to skip one connection, never dereferences) is fine.
func originHandle(c *wsproto.Conn) conntable.Handle {
	return conntable.Handle{}
}
