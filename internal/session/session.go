// Package session implements the per-client state machine: handshake,
// ready gate, packet send/receive and disconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hubbub-dev/hubbub/internal/metrics"
	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/protocol"
	"github.com/hubbub-dev/hubbub/internal/transport"
)

// State tracks the session lifecycle.
type State int

const (
	// StatePreReady means the handshake is done but ready tasks are
	// outstanding or the client has not sent READY yet.
	StatePreReady State = iota
	// StateServing means READY has been exchanged.
	StateServing
	// StateClosed means the transport is gone.
	StateClosed
)

// Authenticator validates or mints app tokens during the handshake.
type Authenticator interface {
	Validate(app protocol.App, token string) (bool, error)
	Generate(app protocol.App) (string, error)
}

// Options configure the handshake.
type Options struct {
	Mapper *packet.Mapper
	Auth   Authenticator

	// DashboardToken, when non-empty and presented by the client,
	// marks the session dashboard-trusted.
	DashboardToken string

	// Origin is the transport's Origin header; empty skips the check.
	Origin string
	// StrictOrigin turns an origin mismatch into a disconnect instead
	// of a log line.
	StrictOrigin bool

	HandshakeTimeout time.Duration
}

// Session is one live client connection.
type Session struct {
	App       protocol.App
	Token     string
	Dashboard bool

	conn   *transport.Conn
	mapper *packet.Mapper

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	readyTasks   map[string]*ReadyTask
	clientReady  bool
	readySent    bool
	onDisconnect []func(*Session)
	onReady      []func(*Session)
}

const defaultHandshakeTimeout = 10 * time.Second

// FromConnection performs the handshake on a fresh transport and returns
// a live session in the pre-ready state. On protocol failure the peer is
// sent a typed DISCONNECT and the connection is closed.
func FromConnection(conn *transport.Conn, opts Options) (*Session, error) {
	timeout := opts.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	connect, err := readConnect(conn, opts.Mapper)
	if err != nil {
		refuse(conn, opts.Mapper, err)
		return nil, err
	}

	if err := checkOrigin(connect.App, opts); err != nil {
		refuse(conn, opts.Mapper, err)
		return nil, err
	}

	token, dashboard, err := authenticate(connect, opts)
	if err != nil {
		refuse(conn, opts.Mapper, err)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		App:        connect.App,
		Token:      token,
		Dashboard:  dashboard,
		conn:       conn,
		mapper:     opts.Mapper,
		ctx:        ctx,
		cancel:     cancel,
		readyTasks: map[string]*ReadyTask{},
	}
	if err := s.Send(packet.Token, token); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("send token: %w", err)
	}
	return s, nil
}

func readConnect(conn *transport.Conn, mapper *packet.Mapper) (packet.ConnectData, error) {
	frame, err := conn.ReadFrame()
	if err != nil {
		return packet.ConnectData{}, packet.Disconnectf(packet.DisconnectInvalidPacket, "handshake read: %v", err)
	}
	pkt, err := mapper.Decode(frame)
	if err != nil {
		return packet.ConnectData{}, decodeError(err)
	}
	if pkt.Type != packet.Connect {
		return packet.ConnectData{}, packet.Disconnectf(
			packet.DisconnectInvalidPacketType, "expected %s, got %s", packet.Connect.ID, pkt.Type.ID)
	}
	return pkt.Data.(packet.ConnectData), nil
}

func checkOrigin(app protocol.App, opts Options) error {
	if opts.Origin == "" {
		return nil
	}
	id, err := protocol.IdentifierFromURL(opts.Origin)
	if err != nil {
		return packet.Disconnectf(packet.DisconnectInvalidOrigin, "unparseable origin %q", opts.Origin)
	}
	if id.Namespace == app.ID.Namespace {
		return nil
	}
	if opts.StrictOrigin {
		return packet.Disconnectf(packet.DisconnectInvalidOrigin,
			"origin %s does not match namespace %s", id.Namespace, app.ID.Namespace)
	}
	log.Warn().
		Str("app", app.Key()).
		Str("origin", opts.Origin).
		Msg("Origin does not match app namespace")
	return nil
}

func authenticate(connect packet.ConnectData, opts Options) (token string, dashboard bool, err error) {
	if connect.Token != "" && opts.DashboardToken != "" && connect.Token == opts.DashboardToken {
		return connect.Token, true, nil
	}
	if connect.Token != "" {
		ok, err := opts.Auth.Validate(connect.App, connect.Token)
		if err != nil {
			return "", false, fmt.Errorf("validate token: %w", err)
		}
		if !ok {
			return "", false, packet.Disconnectf(packet.DisconnectInvalidToken,
				"token not recognized for %s", connect.App.Key())
		}
		return connect.Token, false, nil
	}
	token, err = opts.Auth.Generate(connect.App)
	if err != nil {
		return "", false, fmt.Errorf("generate token: %w", err)
	}
	return token, false, nil
}

func decodeError(err error) error {
	switch {
	case errors.Is(err, packet.ErrUnknownType):
		return packet.Disconnectf(packet.DisconnectInvalidPacketType, "%v", err)
	case errors.Is(err, packet.ErrInvalidData):
		return packet.Disconnectf(packet.DisconnectInvalidPacketData, "%v", err)
	default:
		return packet.Disconnectf(packet.DisconnectInvalidPacket, "%v", err)
	}
}

// refuse sends a best-effort typed DISCONNECT before closing a
// connection that never became a session.
func refuse(conn *transport.Conn, mapper *packet.Mapper, cause error) {
	var de *packet.DisconnectError
	if !errors.As(cause, &de) {
		de = packet.Disconnectf(packet.DisconnectInvalidPacket, "%v", cause)
	}
	if frame, err := mapper.Encode(packet.New(packet.Disconnect, packet.DisconnectData{
		Reason:  de.Reason,
		Message: de.Message,
	})); err == nil {
		conn.WriteFrame(frame)
	}
	conn.Close()
	metrics.Disconnects.WithLabelValues(string(de.Reason)).Inc()
}

// Context is cancelled when the session disconnects; pending futures tied
// to the session select on it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports whether the session is gone.
func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

// Send encodes and writes one packet. Frame order follows call order for
// a single sender; the transport serializes concurrent writers.
func (s *Session) Send(t *packet.Type, data any) error {
	if s.Closed() {
		return fmt.Errorf("session %s closed", s.App.Key())
	}
	frame, err := s.mapper.Encode(packet.New(t, data))
	if err != nil {
		return err
	}
	if err := s.conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("send %s to %s: %w", t.ID, s.App.Key(), err)
	}
	metrics.PacketsSent.WithLabelValues(t.ID.Key()).Inc()
	return nil
}

// Listen runs the read loop, handing each decoded packet to onPacket.
// It returns when the transport closes or a protocol violation
// disconnects the session.
func (s *Session) Listen(onPacket func(*Session, packet.Packet)) {
	defer s.Disconnect(packet.DisconnectClose, "")
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, transport.ErrTextFrame) {
				s.Disconnect(packet.DisconnectInvalidPacket, "text frame")
			}
			return
		}
		pkt, err := s.mapper.Decode(frame)
		if err != nil {
			var de *packet.DisconnectError
			errors.As(decodeError(err), &de)
			s.Disconnect(de.Reason, de.Message)
			return
		}
		metrics.PacketsReceived.WithLabelValues(pkt.Type.ID.Key()).Inc()
		onPacket(s, pkt)
	}
}

// Disconnect sends a typed DISCONNECT (best effort), cancels the session
// context and closes the transport. Only the first call does anything.
func (s *Session) Disconnect(reason packet.DisconnectReason, message string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	listeners := append([]func(*Session){}, s.onDisconnect...)
	s.mu.Unlock()

	if reason.IsError() {
		log.Warn().
			Str("app", s.App.Key()).
			Str("reason", string(reason)).
			Str("message", message).
			Msg("Session disconnected")
	}
	metrics.Disconnects.WithLabelValues(string(reason)).Inc()

	s.sendDisconnect(reason, message)
	s.cancel()
	s.conn.Close()
	for _, fn := range listeners {
		fn(s)
	}
}

// sendDisconnect writes the DISCONNECT packet, tolerating a dead
// transport.
func (s *Session) sendDisconnect(reason packet.DisconnectReason, message string) {
	frame, err := s.mapper.Encode(packet.New(packet.Disconnect, packet.DisconnectData{
		Reason:  reason,
		Message: message,
	}))
	if err == nil {
		s.conn.WriteFrame(frame)
	}
}

// OnDisconnected registers a teardown listener. Fired once, after the
// session closes. Registering on a closed session fires immediately.
func (s *Session) OnDisconnected(fn func(*Session)) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		fn(s)
		return
	}
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

// OnReady registers a listener fired when the ready gate opens. A
// session already serving fires immediately.
func (s *Session) OnReady(fn func(*Session)) {
	s.mu.Lock()
	if s.readySent {
		s.mu.Unlock()
		fn(s)
		return
	}
	s.onReady = append(s.onReady, fn)
	s.mu.Unlock()
}
