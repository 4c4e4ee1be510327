// Package wsconn adapts a WebSocket to the byte stream framing used by the proxy and its clients.
package wsconn

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ReadLimit bounds the size of a single WebSocket message.
const ReadLimit = 16 * 1024

// Conn is an io.ReadWriteCloser over a WebSocket.
// Every Write is sent as one binary message; reads concatenate the binary messages received.
type Conn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

// New wraps ws.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			msgType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				// text frames carry no packets
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}

		return n, err
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.ws.Close()
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

