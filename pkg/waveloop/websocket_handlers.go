package waveloop

import (
	"github.com/yourusername/waveloop/pkg/waveloop/http11"
	"github.com/yourusername/waveloop/pkg/waveloop/wsproto"
)

// RequestUpgrade marks r for a WebSocket handshake and stashes cfg for
// serveUpgrade to pick up after the handler returns. A handler calls this,
// then rw.Upgrade(), then returns — it must not write a body.
// This is the rendering of spec §6's websocket_upgrade: the handshake
// itself runs after Connection.Serve hands the raw net.Conn off to the
// UpgradeHandler installed by Server.accept, not inline in the handler.
func RequestUpgrade(r *http11.Request, cfg wsproto.UpgradeConfig) {
	r.UserValue = cfg
}

// pendingUpgrade retrieves the wsproto.UpgradeConfig stashed by
// RequestUpgrade, if any.
func pendingUpgrade(r *http11.Request) (wsproto.UpgradeConfig, bool) {
	cfg, ok := r.UserValue.(wsproto.UpgradeConfig)
	return cfg, ok
}
