package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Compile-time interface checks.
var (
	_ MessageConn = (*websocketConn)(nil)
	_ Dialer      = (*WebsocketDialer)(nil)
)

// WebsocketDialer dials the relay over a websocket. Transport encryption
// comes from the URL scheme (wss), not from this package.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the websocket upgrade. Zero means the
	// gorilla default.
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) DialContext(ctx context.Context, url string) (MessageConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &websocketConn{conn: conn}, nil
}

// UpgradeHTTP converts an inbound HTTP request into a MessageConn. The
// relay uses this on its hub-channel endpoint.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request) (MessageConn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Hubs authenticate via the initialization handshake, not Origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &websocketConn{conn: conn}, nil
}

// websocketConn adapts *websocket.Conn to MessageConn. gorilla permits one
// concurrent writer only, so writes are serialized here.
type websocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
		// Control frames are handled by gorilla; skip anything else.
	}
}

func (c *websocketConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) Close() error {
	return c.conn.Close()
}
