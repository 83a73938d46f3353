package network

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hubbub-dev/hubbub/internal/config"
	"github.com/hubbub-dev/hubbub/internal/metrics"
	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/protocol"
	"github.com/hubbub-dev/hubbub/internal/session"
	"github.com/hubbub-dev/hubbub/internal/transport"
)

// Network accepts connections, runs handshakes and keeps the session
// registry. Exactly one session may hold an app identifier at a time;
// a newer CONNECT evicts the older session with ANOTHER_CONNECTION.
type Network struct {
	cfg        config.Config
	dispatcher *Dispatcher
	auth       session.Authenticator

	mu       sync.RWMutex
	sessions map[string]*session.Session

	onConnected    []func(*session.Session)
	onDisconnected []func(*session.Session)

	mux    *http.ServeMux
	server *http.Server
}

// New wires the network over a dispatcher and authenticator. The core
// packet catalog and the READY/DISCONNECT handlers are installed here.
func New(cfg config.Config, dispatcher *Dispatcher, auth session.Authenticator) *Network {
	n := &Network{
		cfg:        cfg,
		dispatcher: dispatcher,
		auth:       auth,
		sessions:   make(map[string]*session.Session),
		mux:        http.NewServeMux(),
	}
	dispatcher.Register(packet.Core()...)
	Handle(dispatcher, packet.Ready, func(s *session.Session, _ struct{}) {
		s.HandleClientReady()
	})
	Handle(dispatcher, packet.Disconnect, func(s *session.Session, data packet.DisconnectData) {
		s.Disconnect(packet.DisconnectClose, "")
	})
	n.mux.HandleFunc("/ws", n.handleWS)
	return n
}

// AddRoute installs an HTTP side-channel handler.
func (n *Network) AddRoute(pattern string, handler http.Handler) {
	n.mux.Handle(pattern, handler)
}

// OnConnected registers a listener fired after a session is inserted
// into the registry. Must be called before Start.
func (n *Network) OnConnected(fn func(*session.Session)) {
	n.onConnected = append(n.onConnected, fn)
}

// OnDisconnected registers a listener fired after a session leaves the
// registry. Must be called before Start.
func (n *Network) OnDisconnected(fn func(*session.Session)) {
	n.onDisconnected = append(n.onDisconnected, fn)
}

func (n *Network) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	s, err := session.FromConnection(conn, session.Options{
		Mapper:         n.dispatcher.Mapper(),
		Auth:           n.auth,
		DashboardToken: n.cfg.DashboardToken,
		Origin:         r.Header.Get("Origin"),
		StrictOrigin:   n.cfg.StrictOrigin,
	})
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Handshake failed")
		return
	}
	n.serve(s)
}

// serve registers the session and runs its read loop until disconnect.
func (n *Network) serve(s *session.Session) {
	key := s.App.Key()

	n.mu.Lock()
	prior := n.sessions[key]
	n.mu.Unlock()
	if prior != nil {
		// The older session observes ANOTHER_CONNECTION before the
		// newcomer is inserted.
		prior.Disconnect(packet.DisconnectAnotherConnection, "")
	}

	n.mu.Lock()
	n.sessions[key] = s
	n.mu.Unlock()
	metrics.SessionsConnected.Inc()
	log.Info().Str("app", key).Bool("dashboard", s.Dashboard).Msg("Session connected")

	s.OnDisconnected(func(s *session.Session) {
		n.mu.Lock()
		if n.sessions[key] == s {
			delete(n.sessions, key)
		}
		n.mu.Unlock()
		metrics.SessionsConnected.Dec()
		log.Info().Str("app", key).Msg("Session disconnected")
		for _, fn := range n.onDisconnected {
			fn(s)
		}
	})
	for _, fn := range n.onConnected {
		fn(s)
	}

	s.Listen(n.dispatcher.Dispatch)
}

// Get returns the live session for an app identifier.
func (n *Network) Get(id protocol.Identifier) (*session.Session, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.sessions[id.Key()]
	return s, ok
}

// IsConnected reports whether an app identifier has a live session.
func (n *Network) IsConnected(id protocol.Identifier) bool {
	_, ok := n.Get(id)
	return ok
}

// Sessions returns a snapshot of live sessions; the registry is never
// iterated during dispatch without one.
func (n *Network) Sessions() []*session.Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*session.Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

// Start binds the listen address and serves until ctx is cancelled. A
// bind failure (port in use) is returned to the caller, which exits
// non-zero.
func (n *Network) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.Addr())
	if err != nil {
		return err
	}
	n.server = &http.Server{Handler: n.mux}
	log.Info().Str("addr", n.cfg.Addr()).Msg("Listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.server.Serve(ln)
	}()
	select {
	case <-ctx.Done():
		n.Shutdown()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown disconnects every session with SHUTDOWN and stops the HTTP
// server.
func (n *Network) Shutdown() {
	for _, s := range n.Sessions() {
		s.Disconnect(packet.DisconnectShutdown, "")
	}
	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.server.Shutdown(ctx)
	}
}

// ServeHTTP lets tests mount the whole network mux in an httptest server.
func (n *Network) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mux.ServeHTTP(w, r)
}
