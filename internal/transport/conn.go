// Package transport carries packet frames over WebSocket. Each binary
// message holds exactly one packet: a length-prefixed type-key followed
// by a length-prefixed payload. Text frames are a protocol violation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 64 * 1024 * 1024
	readBufferSize = 64 * 1024
)

// ErrTextFrame is returned when the peer sends a text frame.
var ErrTextFrame = errors.New("transport: text frames are not supported")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufferSize,
	WriteBufferSize: readBufferSize,
	// Origin enforcement happens at the session handshake where the app
	// namespace is known; the upgrade itself accepts everyone.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is a framed packet connection. Writes are serialized by an
// internal mutex so callers on multiple goroutines keep frame ordering.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Upgrade performs the WebSocket upgrade and wraps the result.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	return newConn(ws), nil
}

// Dial connects to a broker's /ws endpoint.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newConn(ws), nil
}

func newConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxFrameSize)
	return &Conn{ws: ws, closed: make(chan struct{})}
}

// ReadFrame blocks for the next binary frame. The returned bytes are the
// raw packet frame for the mapper to decode.
func (c *Conn) ReadFrame() ([]byte, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, ErrTextFrame
	}
	return data, nil
}

// WriteFrame sends one binary frame.
func (c *Conn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// SetReadDeadline bounds the next ReadFrame; used for the handshake
// timeout. A zero time clears the deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close tears down the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
