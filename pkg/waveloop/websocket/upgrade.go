package websocket

import "io"

// WriteUpgradeResponse writes a WebSocket upgrade response directly to a
// writer. wsproto.Upgrade calls this against an http11.Connection's raw
// net.Conn/bufio.Writer rather than through net/http's Hijacker — this
// package has no ResponseWriter/Hijacker of its own to drive a handshake
// through, so the handshake response is assembled and written here at the
// io.Writer level instead.
func WriteUpgradeResponse(w io.Writer, wsKey string, subprotocol string) error {
	acceptKey := ComputeAcceptKey(wsKey)

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey + "\r\n"

	if subprotocol != "" {
		response += "Sec-WebSocket-Protocol: " + subprotocol + "\r\n"
	}

	response += "\r\n"

	_, err := w.Write([]byte(response))
	return err
}
