// Package registry implements named single-value observable state with
// file persistence.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hubbub-dev/hubbub/internal/codec"
	"github.com/hubbub-dev/hubbub/internal/extension/endpoint"
	"github.com/hubbub-dev/hubbub/internal/network"
	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/permission"
	"github.com/hubbub-dev/hubbub/internal/protocol"
	"github.com/hubbub-dev/hubbub/internal/session"
)

// Permissions is the optional access triple bound at registration. All
// covers both directions; Read and Write narrow them separately.
type Permissions struct {
	All   *protocol.Identifier `json:"all,omitempty"`
	Read  *protocol.Identifier `json:"read,omitempty"`
	Write *protocol.Identifier `json:"write,omitempty"`
}

// RegistrationData declares a registry and its access triple.
type RegistrationData struct {
	ID          protocol.Identifier `json:"id"`
	Permissions Permissions         `json:"permissions"`
}

// UpdateData carries a registry value. Exists distinguishes an empty
// value from a never-written registry.
type UpdateData struct {
	ID     protocol.Identifier
	Exists bool
	Value  []byte
}

// UpdateCodec is the wire codec for UpdateData; clients use it to
// decode get-endpoint responses.
func UpdateCodec() codec.Codec[UpdateData] { return updateCodec() }

func updateCodec() codec.Codec[UpdateData] {
	return codec.Of(
		func(d UpdateData) ([]byte, error) {
			w := protocol.NewByteWriter()
			w.WriteString(d.ID.Key())
			w.WriteFlags(d.Exists)
			if d.Exists {
				w.WriteBytes(d.Value)
			}
			return w.Bytes(), nil
		},
		func(b []byte) (UpdateData, error) {
			r := protocol.NewByteReader(b)
			key := r.ReadString()
			flags := r.ReadFlags(1)
			var value []byte
			if flags[0] {
				value = append([]byte(nil), r.ReadBytes()...)
			}
			if err := r.Finish(); err != nil {
				return UpdateData{}, err
			}
			id, err := protocol.ParseIdentifier(key)
			if err != nil {
				return UpdateData{}, err
			}
			return UpdateData{ID: id, Exists: flags[0], Value: value}, nil
		},
	)
}

var (
	extID = protocol.MustIdentifier("ext", "registry")

	// RegisterPacket declares a registry and binds its permissions.
	RegisterPacket = packet.NewType(extID.Join("register"), codec.JSON[RegistrationData]())
	// ListenPacket subscribes to updates; the current value comes back
	// immediately.
	ListenPacket = packet.NewType(extID.Join("listen"), codec.Identifier())
	// UpdatePacket writes a value and fans it out to every listener,
	// the writer included.
	UpdatePacket = packet.NewType(extID.Join("update"), updateCodec())

	// GetEndpoint returns the current value without subscribing.
	GetEndpoint = extID.Join("get")
)

// registry is one named value with its listeners and backing file.
type registry struct {
	id    protocol.Identifier
	path  string
	perms Permissions

	mu        sync.Mutex
	loaded    bool
	exists    bool
	value     []byte
	listeners map[*session.Session]bool
}

// Extension owns every registry and routes packets to them.
type Extension struct {
	dir   string
	perms *permission.Manager

	mu         sync.Mutex
	registries map[string]*registry
}

// New wires the extension onto the dispatcher and binds the get
// endpoint.
func New(dispatcher *network.Dispatcher, endpoints *endpoint.Extension, perms *permission.Manager, dir string) *Extension {
	e := &Extension{
		dir:        dir,
		perms:      perms,
		registries: make(map[string]*registry),
	}
	dispatcher.Register(RegisterPacket, ListenPacket, UpdatePacket)
	network.Handle(dispatcher, RegisterPacket, e.handleRegister)
	network.Handle(dispatcher, ListenPacket, e.handleListen)
	network.Handle(dispatcher, UpdatePacket, e.handleUpdate)

	endpoint.BindTyped(endpoints, GetEndpoint, nil, codec.Identifier(), updateCodec(),
		func(_ context.Context, s *session.Session, id protocol.Identifier) (UpdateData, error) {
			reg := e.open(id)
			if !e.readable(s, reg) {
				return UpdateData{}, fmt.Errorf("registry %s: permission denied", id)
			}
			exists, value, err := reg.load()
			if err != nil {
				return UpdateData{}, err
			}
			return UpdateData{ID: id, Exists: exists, Value: value}, nil
		})
	return e
}

func (e *Extension) open(id protocol.Identifier) *registry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if reg, ok := e.registries[id.Key()]; ok {
		return reg
	}
	reg := &registry{
		id:        id,
		path:      filepath.Join(e.dir, id.SanitizedPath()+".json"),
		listeners: make(map[*session.Session]bool),
	}
	e.registries[id.Key()] = reg
	return reg
}

// Set writes a registry value from server code, fanning it out like a
// client update would.
func (e *Extension) Set(id protocol.Identifier, value []byte) error {
	reg := e.open(id)
	if err := reg.store(value); err != nil {
		return err
	}
	reg.broadcast(UpdateData{ID: id, Exists: true, Value: value})
	return nil
}

func (e *Extension) readable(s *session.Session, reg *registry) bool {
	return e.allowed(s, reg, reg.perms.Read)
}

func (e *Extension) writable(s *session.Session, reg *registry) bool {
	return e.allowed(s, reg, reg.perms.Write)
}

func (e *Extension) allowed(s *session.Session, reg *registry, narrow *protocol.Identifier) bool {
	if reg.id.IsSubpathOf(s.App.ID) || s.Dashboard {
		return true
	}
	if narrow != nil {
		return e.perms.Has(s, *narrow)
	}
	if reg.perms.All != nil {
		return e.perms.Has(s, *reg.perms.All)
	}
	return true
}

// handleRegister is owner-only; it binds the access triple.
func (e *Extension) handleRegister(s *session.Session, data RegistrationData) {
	if !data.ID.IsSubpathOf(s.App.ID) && !s.Dashboard {
		e.perms.Deny(s, data.ID)
		return
	}
	reg := e.open(data.ID)
	reg.mu.Lock()
	reg.perms = data.Permissions
	reg.mu.Unlock()
}

// handleListen subscribes and replays the current value so the listener
// never starts blind.
func (e *Extension) handleListen(s *session.Session, id protocol.Identifier) {
	reg := e.open(id)
	if !e.readable(s, reg) {
		e.perms.Deny(s, id)
		return
	}
	exists, value, err := reg.load()
	if err != nil {
		log.Error().Err(err).Str("registry", id.Key()).Msg("Failed to load registry")
		return
	}
	reg.mu.Lock()
	reg.listeners[s] = true
	reg.mu.Unlock()
	s.OnDisconnected(func(s *session.Session) {
		reg.mu.Lock()
		delete(reg.listeners, s)
		reg.mu.Unlock()
	})
	s.Send(UpdatePacket, UpdateData{ID: id, Exists: exists, Value: value})
}

func (e *Extension) handleUpdate(s *session.Session, data UpdateData) {
	reg := e.open(data.ID)
	if !e.writable(s, reg) {
		e.perms.Deny(s, data.ID)
		return
	}
	if !data.Exists {
		return
	}
	if err := reg.store(data.Value); err != nil {
		log.Error().Err(err).Str("registry", data.ID.Key()).Msg("Failed to persist registry")
		return
	}
	reg.broadcast(data)
}

// load reads the value, hitting the backing file only once.
func (r *registry) load() (bool, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r.exists, r.value, nil
	}
	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.loaded = true
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("load registry %s: %w", r.id, err)
	}
	r.loaded = true
	r.exists = true
	r.value = raw
	return true, raw, nil
}

func (r *registry) store(value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("store registry %s: %w", r.id, err)
	}
	if err := os.WriteFile(r.path, value, 0o600); err != nil {
		return fmt.Errorf("store registry %s: %w", r.id, err)
	}
	r.loaded = true
	r.exists = true
	r.value = append([]byte(nil), value...)
	return nil
}

// broadcast delivers an update to every listener, the writer included,
// so all observers converge on the same last value.
func (r *registry) broadcast(data UpdateData) {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.listeners))
	for s := range r.listeners {
		if !s.Closed() {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Send(UpdatePacket, data)
	}
}
