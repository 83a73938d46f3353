package permission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hubbub-dev/hubbub/internal/codec"
	"github.com/hubbub-dev/hubbub/internal/network"
	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/protocol"
	"github.com/hubbub-dev/hubbub/internal/session"
)

var (
	extID = protocol.MustIdentifier("ext", "permission")

	// RegisterPacket carries the permission types an app exposes.
	RegisterPacket = packet.NewType(extID.Join("register"), codec.JSON[[]Type]())
	// RequirePacket asks the server to ensure the listed permissions
	// are granted before the session goes ready.
	RequirePacket = packet.NewType(extID.Join("require"), codec.Slice(codec.Identifier()))
	// GrantPacket tells the app which permissions it now holds.
	GrantPacket = packet.NewType(extID.Join("grant"), codec.JSON[[]Type]())
)

// Arbiter forwards a grant decision to the human in the loop. The
// dashboard extension implements it.
type Arbiter interface {
	RequestPermissions(ctx context.Context, req Request) (bool, error)
}

// Manager owns the permission-type registry and the grant path.
type Manager struct {
	store *Store

	mu       sync.RWMutex
	registry map[string]Type

	arbiter Arbiter

	requestCounter atomic.Uint64
}

// NewManager wires the manager onto the dispatcher.
func NewManager(dispatcher *network.Dispatcher, store *Store) *Manager {
	m := &Manager{
		store:    store,
		registry: make(map[string]Type),
	}
	dispatcher.Register(RegisterPacket, RequirePacket, GrantPacket)
	network.Handle(dispatcher, RegisterPacket, m.handleRegister)
	network.Handle(dispatcher, RequirePacket, m.handleRequire)
	return m
}

// SetArbiter installs the dashboard arbitration hook; called once at
// server construction.
func (m *Manager) SetArbiter(a Arbiter) {
	m.arbiter = a
}

// Register adds permission types owned by the server itself.
func (m *Manager) Register(types ...Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range types {
		m.registry[t.ID.Key()] = t
	}
}

// Lookup resolves a permission type by identifier.
func (m *Manager) Lookup(id protocol.Identifier) (Type, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.registry[id.Key()]
	return t, ok
}

func (m *Manager) handleRegister(s *session.Session, types []Type) {
	for _, t := range types {
		if !t.ID.IsSubpathOf(s.App.ID) && !s.Dashboard {
			s.Disconnect(packet.DisconnectPermissionDenied,
				fmt.Sprintf("permission %s is not under %s", t.ID, s.App.Key()))
			return
		}
	}
	m.Register(types...)
}

// handleRequire installs a ready task that resolves once every listed
// permission is granted, asking the dashboard for the missing ones. The
// wait happens off the dispatch path so the read loop keeps draining.
func (m *Manager) handleRequire(s *session.Session, ids []protocol.Identifier) {
	task := s.CreateReadyTask(fmt.Sprintf("require_permissions(%d)", len(ids)))
	go func() {
		if err := m.require(s, ids); err != nil {
			task.Fail(err)
			return
		}
		task.Resolve()
	}()
}

func (m *Manager) require(s *session.Session, ids []protocol.Identifier) error {
	missing := make([]Type, 0, len(ids))
	for _, id := range ids {
		if m.Has(s, id) {
			continue
		}
		t, ok := m.Lookup(id)
		if !ok {
			return packet.Disconnectf(packet.DisconnectPermissionDenied,
				"unknown permission %s", id)
		}
		missing = append(missing, t)
	}
	if len(missing) > 0 {
		if m.arbiter == nil {
			return packet.Disconnectf(packet.DisconnectPermissionDenied,
				"no dashboard to arbitrate %d permission(s)", len(missing))
		}
		req := Request{
			RequestID:   m.nextRequestID(),
			App:         s.App,
			Permissions: missing,
		}
		granted, err := m.arbiter.RequestPermissions(s.Context(), req)
		if err != nil {
			return err
		}
		if !granted {
			log.Warn().
				Str("app", s.App.Key()).
				Str("request", req.RequestID).
				Msg("Permission request denied")
			return packet.Disconnectf(packet.DisconnectPermissionDenied, "request %s denied", req.RequestID)
		}
		missingIDs := make([]protocol.Identifier, len(missing))
		for i, t := range missing {
			missingIDs[i] = t.ID
		}
		if err := m.store.Grant(s.Token, missingIDs...); err != nil {
			return err
		}
	}
	granted := make([]Type, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.Lookup(id); ok {
			granted = append(granted, t)
		}
	}
	return s.Send(GrantPacket, granted)
}

// Has reports whether a session may use a permission: the id is a
// subpath of the session's app, the token has been granted it, or the
// session is the dashboard.
func (m *Manager) Has(s *session.Session, id protocol.Identifier) bool {
	if s.Dashboard {
		return true
	}
	if id.IsSubpathOf(s.App.ID) {
		return true
	}
	grants, err := m.store.Grants(s.Token)
	if err != nil {
		log.Error().Err(err).Str("app", s.App.Key()).Msg("Failed to load grants")
		return false
	}
	for _, granted := range grants {
		if granted.Equal(id) {
			return true
		}
	}
	return false
}

// Deny disconnects a session that touched a resource without holding the
// gating permission, logging the attempt.
func (m *Manager) Deny(s *session.Session, resource protocol.Identifier) {
	log.Warn().
		Str("app", s.App.Key()).
		Str("resource", resource.Key()).
		Msg("Permission denied")
	s.Disconnect(packet.DisconnectPermissionDenied, resource.Key())
}

// nextRequestID returns "{counter}-{unix_nanos}", monotonic per server
// lifetime.
func (m *Manager) nextRequestID() string {
	return fmt.Sprintf("%d-%d", m.requestCounter.Add(1), time.Now().UnixNano())
}
