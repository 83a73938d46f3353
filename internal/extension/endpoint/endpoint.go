package endpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hubbub-dev/hubbub/internal/codec"
	"github.com/hubbub-dev/hubbub/internal/metrics"
	"github.com/hubbub-dev/hubbub/internal/network"
	"github.com/hubbub-dev/hubbub/internal/permission"
	"github.com/hubbub-dev/hubbub/internal/protocol"
	"github.com/hubbub-dev/hubbub/internal/session"
)

// Handler serves a server-local endpoint over raw payload bytes.
type Handler func(ctx context.Context, s *session.Session, req []byte) ([]byte, error)

type entry struct {
	id         protocol.Identifier
	permission *protocol.Identifier

	// exactly one of owner / handler is set
	owner   *session.Session
	handler Handler
}

type callKey struct {
	id  string
	key uint32
}

type call struct {
	caller *session.Session
	owner  *session.Session
}

// Extension routes endpoint calls between sessions and to server-local
// handlers.
type Extension struct {
	perms *permission.Manager

	mu        sync.Mutex
	endpoints map[string]*entry
	calls     map[callKey]*call
}

// New wires the extension onto the dispatcher.
func New(dispatcher *network.Dispatcher, perms *permission.Manager) *Extension {
	e := &Extension{
		perms:     perms,
		endpoints: make(map[string]*entry),
		calls:     make(map[callKey]*call),
	}
	dispatcher.Register(RegisterPacket, CallPacket, ReceivePacket, ErrorPacket)
	network.Handle(dispatcher, RegisterPacket, e.handleRegister)
	network.Handle(dispatcher, CallPacket, e.handleCall)
	network.Handle(dispatcher, ReceivePacket, e.handleReceive)
	network.Handle(dispatcher, ErrorPacket, e.handleError)
	return e
}

// Bind installs a server-local endpoint handler. Binding a taken
// identifier is a wiring bug.
func (e *Extension) Bind(id protocol.Identifier, perm *protocol.Identifier, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, taken := e.endpoints[id.Key()]; taken {
		panic(fmt.Sprintf("endpoint %s already bound", id))
	}
	e.endpoints[id.Key()] = &entry{id: id, permission: perm, handler: h}
}

// BindTyped installs a server-local endpoint with request/response
// codecs.
func BindTyped[Req, Res any](
	e *Extension,
	id protocol.Identifier,
	perm *protocol.Identifier,
	reqCodec codec.Codec[Req],
	resCodec codec.Codec[Res],
	fn func(ctx context.Context, s *session.Session, req Req) (Res, error),
) {
	e.Bind(id, perm, func(ctx context.Context, s *session.Session, raw []byte) ([]byte, error) {
		req, err := reqCodec.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		res, err := fn(ctx, s, req)
		if err != nil {
			return nil, err
		}
		return resCodec.Encode(res)
	})
}

func (e *Extension) handleRegister(s *session.Session, regs []Registration) {
	for _, reg := range regs {
		if !reg.ID.IsSubpathOf(s.App.ID) && !s.Dashboard {
			e.perms.Deny(s, reg.ID)
			return
		}
	}
	e.mu.Lock()
	for _, reg := range regs {
		e.endpoints[reg.ID.Key()] = &entry{id: reg.ID, permission: reg.Permission, owner: s}
	}
	e.mu.Unlock()

	s.OnDisconnected(func(s *session.Session) { e.dropOwner(s) })
}

// dropOwner removes a disconnected session's endpoints and errors out
// every in-flight call waiting on it so callers never hang.
func (e *Extension) dropOwner(s *session.Session) {
	e.mu.Lock()
	for key, ent := range e.endpoints {
		if ent.owner == s {
			delete(e.endpoints, key)
		}
	}
	orphaned := make(map[callKey]*call)
	for k, c := range e.calls {
		if c.owner == s {
			orphaned[k] = c
			delete(e.calls, k)
		}
	}
	e.mu.Unlock()

	for k, c := range orphaned {
		id, err := protocol.ParseIdentifier(k.id)
		if err != nil {
			continue
		}
		c.caller.Send(ErrorPacket, ErrorData{ID: id, Key: k.key, Error: "Endpoint not found"})
	}
}

func (e *Extension) handleCall(s *session.Session, data Data) {
	e.mu.Lock()
	ent, ok := e.endpoints[data.ID.Key()]
	e.mu.Unlock()
	if !ok {
		log.Warn().
			Str("app", s.App.Key()).
			Str("endpoint", data.ID.Key()).
			Msg("Call to unknown endpoint")
		s.Send(ErrorPacket, ErrorData{ID: data.ID, Key: data.Key, Error: fmt.Sprintf("Endpoint %s not found", data.ID)})
		return
	}

	if ent.permission != nil && !s.App.ID.IsNamespaceOf(ent.id) && !e.perms.Has(s, *ent.permission) {
		log.Warn().
			Str("app", s.App.Key()).
			Str("endpoint", ent.id.Key()).
			Msg("Endpoint call without permission")
		s.Send(ErrorPacket, ErrorData{ID: data.ID, Key: data.Key, Error: "Permission denied"})
		metrics.EndpointCalls.WithLabelValues(ent.id.Key(), "error").Inc()
		return
	}

	k := callKey{id: data.ID.Key(), key: data.Key}
	e.mu.Lock()
	if _, inflight := e.calls[k]; inflight {
		e.mu.Unlock()
		s.Send(ErrorPacket, ErrorData{ID: data.ID, Key: data.Key, Error: "Call key already in flight"})
		return
	}
	e.calls[k] = &call{caller: s, owner: ent.owner}
	e.mu.Unlock()

	if ent.handler != nil {
		// Server-local endpoint; the handler may block on I/O, so it
		// gets its own goroutine.
		go e.serveLocal(s, ent, data, k)
		return
	}
	if err := ent.owner.Send(CallPacket, data); err != nil {
		e.finish(k)
		s.Send(ErrorPacket, ErrorData{ID: data.ID, Key: data.Key, Error: "Endpoint not found"})
	}
}

func (e *Extension) serveLocal(s *session.Session, ent *entry, data Data, k callKey) {
	defer e.finish(k)
	res, err := ent.handler(s.Context(), s, data.Data)
	if err != nil {
		metrics.EndpointCalls.WithLabelValues(ent.id.Key(), "error").Inc()
		s.Send(ErrorPacket, ErrorData{ID: data.ID, Key: data.Key, Error: err.Error()})
		return
	}
	metrics.EndpointCalls.WithLabelValues(ent.id.Key(), "ok").Inc()
	s.Send(ReceivePacket, Data{ID: data.ID, Key: data.Key, Data: res})
}

func (e *Extension) handleReceive(s *session.Session, data Data) {
	c, ok := e.take(callKey{id: data.ID.Key(), key: data.Key})
	if !ok {
		s.Send(ErrorPacket, ErrorData{ID: data.ID, Key: data.Key, Error: "Endpoint not found"})
		return
	}
	metrics.EndpointCalls.WithLabelValues(data.ID.Key(), "ok").Inc()
	c.caller.Send(ReceivePacket, data)
}

func (e *Extension) handleError(s *session.Session, data ErrorData) {
	c, ok := e.take(callKey{id: data.ID.Key(), key: data.Key})
	if !ok {
		s.Send(ErrorPacket, ErrorData{ID: data.ID, Key: data.Key, Error: fmt.Sprintf("Endpoint %s not found", data.ID)})
		return
	}
	metrics.EndpointCalls.WithLabelValues(data.ID.Key(), "error").Inc()
	c.caller.Send(ErrorPacket, data)
}

func (e *Extension) take(k callKey) (*call, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[k]
	if ok {
		delete(e.calls, k)
	}
	return c, ok
}

func (e *Extension) finish(k callKey) {
	e.mu.Lock()
	delete(e.calls, k)
	e.mu.Unlock()
}
