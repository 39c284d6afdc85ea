package session

import (
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single WriteJSON may take before the
// underlying write is abandoned, mirroring server/client.go's writeWait.
const writeWait = 10 * time.Second

// WSConn wraps a *websocket.Conn to satisfy Conn, the production
// counterpart to the in-memory fake used in tests.
type WSConn struct {
	ws *websocket.Conn
}

// NewWSConn wraps an already-upgraded websocket connection, applying the
// frame-size limit Config.MaxFrameBytes requests (spec §4.5, default 64KB
// per frame) via ws.SetReadLimit when maxFrameBytes is positive.
func NewWSConn(ws *websocket.Conn, maxFrameBytes int64) *WSConn {
	if maxFrameBytes > 0 {
		ws.SetReadLimit(maxFrameBytes)
	}
	return &WSConn{ws: ws}
}

// ReadJSON decodes the next text/binary frame into v.
func (c *WSConn) ReadJSON(v interface{}) error {
	return c.ws.ReadJSON(v)
}

// WriteJSON encodes and sends v, bounding the write with writeWait the way
// server/client.go's writePump does for every frame type.
func (c *WSConn) WriteJSON(v interface{}) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// Close closes the underlying connection.
func (c *WSConn) Close() error {
	return c.ws.Close()
}
