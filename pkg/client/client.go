// Package client is a minimal broker client: handshake, typed packet
// handling and endpoint calls. The server's own tests drive it, and it
// doubles as a reference for client authors.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hubbub-dev/hubbub/internal/extension/endpoint"
	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/protocol"
	"github.com/hubbub-dev/hubbub/internal/transport"
)

// ErrClosed is returned by operations on a disconnected client.
var ErrClosed = errors.New("client: connection closed")

// Options configure Dial.
type Options struct {
	// Token authenticates a reconnect; empty asks the server to mint
	// one.
	Token string
}

type callResult struct {
	data []byte
	err  error
}

type callKey struct {
	id  string
	key uint32
}

// Client is one live broker connection.
type Client struct {
	App protocol.App

	conn   *transport.Conn
	mapper *packet.Mapper

	token string

	readyCh chan struct{}
	doneCh  chan struct{}

	callSeq atomic.Uint32

	closeOnce sync.Once

	mu         sync.Mutex
	handlers   map[string][]func(any)
	pending    map[callKey]chan callResult
	closeErr   error
	disconnect packet.DisconnectData
}

// Dial connects, performs the CONNECT/TOKEN handshake and starts the
// read loop. Extension packet types used by the caller must be
// registered before any of them arrive; Register them right after Dial,
// before Ready.
func Dial(ctx context.Context, url string, app protocol.App, opts Options) (*Client, error) {
	conn, err := transport.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	mapper := packet.NewMapper()
	if err := mapper.Register(packet.Core()...); err != nil {
		conn.Close()
		return nil, err
	}
	if err := mapper.Register(endpoint.CallPacket, endpoint.ReceivePacket, endpoint.ErrorPacket, endpoint.RegisterPacket); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		App:      app,
		conn:     conn,
		mapper:   mapper,
		readyCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		handlers: make(map[string][]func(any)),
		pending:  make(map[callKey]chan callResult),
	}

	if err := c.send(packet.Connect, packet.ConnectData{App: app, Token: opts.Token}); err != nil {
		conn.Close()
		return nil, err
	}
	frame, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	pkt, err := mapper.Decode(frame)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake decode: %w", err)
	}
	switch pkt.Type {
	case packet.Token:
		c.token = pkt.Data.(string)
	case packet.Disconnect:
		conn.Close()
		data := pkt.Data.(packet.DisconnectData)
		return nil, fmt.Errorf("connection refused: %s %s", data.Reason, data.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake packet %s", pkt.Type.ID)
	}

	Handle(c, endpoint.ReceivePacket, func(data endpoint.Data) {
		c.resolveCall(callKey{id: data.ID.Key(), key: data.Key}, callResult{data: data.Data})
	})
	Handle(c, endpoint.ErrorPacket, func(data endpoint.ErrorData) {
		c.resolveCall(callKey{id: data.ID.Key(), key: data.Key}, callResult{err: errors.New(data.Error)})
	})

	go c.listen()
	return c, nil
}

// Token returns the token minted or validated during the handshake.
func (c *Client) Token() string {
	return c.token
}

// Register adds packet types the client expects to send or receive.
func (c *Client) Register(types ...*packet.Type) error {
	return c.mapper.Register(types...)
}

// Handle subscribes a typed handler for incoming packets. Handlers run
// on the read loop.
func Handle[T any](c *Client, t *packet.Type, fn func(T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t.ID.Key()] = append(c.handlers[t.ID.Key()], func(data any) {
		if typed, ok := data.(T); ok {
			fn(typed)
		}
	})
}

// Send encodes and writes one packet.
func (c *Client) Send(t *packet.Type, data any) error {
	select {
	case <-c.doneCh:
		return ErrClosed
	default:
	}
	return c.send(t, data)
}

func (c *Client) send(t *packet.Type, data any) error {
	frame, err := c.mapper.Encode(packet.New(t, data))
	if err != nil {
		return err
	}
	return c.conn.WriteFrame(frame)
}

// Ready tells the server registration is done; the server answers with
// its own READY once every ready task resolves.
func (c *Client) Ready() error {
	return c.Send(packet.Ready, struct{}{})
}

// WaitReady blocks until the server confirms readiness.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-c.doneCh:
		return c.closeReason()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call invokes an endpoint and waits for the correlated reply.
func (c *Client) Call(ctx context.Context, id protocol.Identifier, req []byte) ([]byte, error) {
	key := c.callSeq.Add(1)
	k := callKey{id: id.Key(), key: key}
	ch := make(chan callResult, 1)

	c.mu.Lock()
	c.pending[k] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, k)
		c.mu.Unlock()
	}()

	if err := c.Send(endpoint.CallPacket, endpoint.Data{ID: id, Key: key, Data: req}); err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.data, res.err
	case <-c.doneCh:
		return nil, c.closeReason()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.doneCh
}

// DisconnectReason reports the typed DISCONNECT received, if any.
func (c *Client) DisconnectReason() packet.DisconnectData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnect
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) listen() {
	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			c.shutdown(err)
			return
		}
		pkt, err := c.mapper.Decode(frame)
		if err != nil {
			c.shutdown(err)
			return
		}
		switch pkt.Type {
		case packet.Ready:
			select {
			case <-c.readyCh:
			default:
				close(c.readyCh)
			}
			continue
		case packet.Disconnect:
			data := pkt.Data.(packet.DisconnectData)
			c.mu.Lock()
			c.disconnect = data
			c.mu.Unlock()
			c.shutdown(fmt.Errorf("disconnected: %s %s", data.Reason, data.Message))
			return
		}
		c.dispatch(pkt)
	}
}

func (c *Client) dispatch(pkt packet.Packet) {
	c.mu.Lock()
	handlers := append([]func(any){}, c.handlers[pkt.Type.ID.Key()]...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(pkt.Data)
	}
}

func (c *Client) resolveCall(k callKey, res callResult) {
	c.mu.Lock()
	ch, ok := c.pending[k]
	if ok {
		delete(c.pending, k)
	}
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.mu.Unlock()
		close(c.doneCh)
		c.conn.Close()
	})
}

func (c *Client) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}
