// Package signal implements stateless broadcast channels: a notify fans
// its payload out to every listener and nothing is stored.
package signal

import (
	"sync"

	"github.com/hubbub-dev/hubbub/internal/codec"
	"github.com/hubbub-dev/hubbub/internal/network"
	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/permission"
	"github.com/hubbub-dev/hubbub/internal/protocol"
	"github.com/hubbub-dev/hubbub/internal/session"
)

// Permissions is the optional access triple bound at registration. All
// covers both directions; Listen and Notify narrow them separately.
type Permissions struct {
	All    *protocol.Identifier `json:"all,omitempty"`
	Listen *protocol.Identifier `json:"listen,omitempty"`
	Notify *protocol.Identifier `json:"notify,omitempty"`
}

// RegistrationData declares a signal and its access triple.
type RegistrationData struct {
	ID          protocol.Identifier `json:"id"`
	Permissions Permissions         `json:"permissions"`
}

// Data is one notification payload.
type Data struct {
	ID   protocol.Identifier
	Body []byte
}

func dataCodec() codec.Codec[Data] {
	return codec.Of(
		func(d Data) ([]byte, error) {
			w := protocol.NewByteWriter()
			w.WriteString(d.ID.Key())
			w.WriteBytes(d.Body)
			return w.Bytes(), nil
		},
		func(b []byte) (Data, error) {
			r := protocol.NewByteReader(b)
			key := r.ReadString()
			body := append([]byte(nil), r.ReadBytes()...)
			if err := r.Finish(); err != nil {
				return Data{}, err
			}
			id, err := protocol.ParseIdentifier(key)
			if err != nil {
				return Data{}, err
			}
			return Data{ID: id, Body: body}, nil
		},
	)
}

var (
	extID = protocol.MustIdentifier("ext", "signal")

	// RegisterPacket declares a signal and binds its permissions.
	RegisterPacket = packet.NewType(extID.Join("register"), codec.JSON[RegistrationData]())
	// ListenPacket subscribes the session to notifications.
	ListenPacket = packet.NewType(extID.Join("listen"), codec.Identifier())
	// NotifyPacket fans a payload out to every listener.
	NotifyPacket = packet.NewType(extID.Join("notify"), dataCodec())
)

type signal struct {
	id    protocol.Identifier
	perms Permissions

	listeners map[*session.Session]bool
}

// Extension owns every signal and routes packets to them.
type Extension struct {
	perms *permission.Manager

	mu      sync.Mutex
	signals map[string]*signal
}

// New wires the extension onto the dispatcher.
func New(dispatcher *network.Dispatcher, perms *permission.Manager) *Extension {
	e := &Extension{
		perms:   perms,
		signals: make(map[string]*signal),
	}
	dispatcher.Register(RegisterPacket, ListenPacket, NotifyPacket)
	network.Handle(dispatcher, RegisterPacket, e.handleRegister)
	network.Handle(dispatcher, ListenPacket, e.handleListen)
	network.Handle(dispatcher, NotifyPacket, e.handleNotify)
	return e
}

func (e *Extension) open(id protocol.Identifier) *signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sig, ok := e.signals[id.Key()]; ok {
		return sig
	}
	sig := &signal{id: id, listeners: make(map[*session.Session]bool)}
	e.signals[id.Key()] = sig
	return sig
}

func (e *Extension) allowed(s *session.Session, sig *signal, narrow *protocol.Identifier) bool {
	if sig.id.IsSubpathOf(s.App.ID) || s.Dashboard {
		return true
	}
	if narrow != nil {
		return e.perms.Has(s, *narrow)
	}
	if sig.perms.All != nil {
		return e.perms.Has(s, *sig.perms.All)
	}
	return true
}

// handleRegister is owner-only; it binds the access triple.
func (e *Extension) handleRegister(s *session.Session, data RegistrationData) {
	if !data.ID.IsSubpathOf(s.App.ID) && !s.Dashboard {
		e.perms.Deny(s, data.ID)
		return
	}
	sig := e.open(data.ID)
	e.mu.Lock()
	sig.perms = data.Permissions
	e.mu.Unlock()
}

func (e *Extension) handleListen(s *session.Session, id protocol.Identifier) {
	sig := e.open(id)
	if !e.allowed(s, sig, sig.perms.Listen) {
		e.perms.Deny(s, id)
		return
	}
	e.mu.Lock()
	sig.listeners[s] = true
	e.mu.Unlock()
	s.OnDisconnected(func(s *session.Session) {
		e.mu.Lock()
		delete(sig.listeners, s)
		e.mu.Unlock()
	})
}

// handleNotify fans out to every listener, the notifier included when
// it listens to its own signal.
func (e *Extension) handleNotify(s *session.Session, data Data) {
	sig := e.open(data.ID)
	if !e.allowed(s, sig, sig.perms.Notify) {
		e.perms.Deny(s, data.ID)
		return
	}
	e.mu.Lock()
	sessions := make([]*session.Session, 0, len(sig.listeners))
	for listener := range sig.listeners {
		if !listener.Closed() {
			sessions = append(sessions, listener)
		}
	}
	e.mu.Unlock()
	for _, listener := range sessions {
		listener.Send(NotifyPacket, data)
	}
}
