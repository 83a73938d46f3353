// Package network owns the listener, the session registry and the
// packet dispatcher that fans decoded packets out to extensions.
package network

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/session"
)

// Handler consumes one decoded packet from a session.
type Handler func(s *session.Session, data any)

// Dispatcher routes decoded packets to registered handlers, keyed by the
// packet type identifier. Registration happens at server construction;
// dispatch is hot-path.
type Dispatcher struct {
	mapper *packet.Mapper

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewDispatcher wraps a mapper.
func NewDispatcher(mapper *packet.Mapper) *Dispatcher {
	return &Dispatcher{
		mapper:   mapper,
		handlers: make(map[string][]Handler),
	}
}

// Mapper exposes the packet registry backing this dispatcher.
func (d *Dispatcher) Mapper() *packet.Mapper {
	return d.mapper
}

// Register adds packet types to the wire registry and creates their
// listener sets. Registering a duplicate identifier is a wiring bug and
// panics at construction time.
func (d *Dispatcher) Register(types ...*packet.Type) {
	if err := d.mapper.Register(types...); err != nil {
		panic(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range types {
		d.handlers[t.ID.Key()] = nil
	}
}

// AddHandler appends a handler for a registered packet type.
func (d *Dispatcher) AddHandler(t *packet.Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := t.ID.Key()
	if _, ok := d.handlers[key]; !ok {
		panic(fmt.Sprintf("packet type %s not registered", key))
	}
	d.handlers[key] = append(d.handlers[key], h)
}

// Handle registers a typed handler, re-imposing the concrete payload
// type that the erased registry entry lost.
func Handle[T any](d *Dispatcher, t *packet.Type, h func(s *session.Session, data T)) {
	d.AddHandler(t, func(s *session.Session, data any) {
		v, ok := data.(T)
		if !ok {
			log.Error().
				Str("type", t.ID.Key()).
				Str("app", s.App.Key()).
				Msgf("Payload decoded to %T, handler expects %T", data, v)
			return
		}
		h(s, v)
	})
}

// Dispatch fans one packet out to its handlers. A registered type with no
// handlers is dropped with a warning rather than disconnecting the
// sender, because handlers may be intentionally unregistered. Handlers
// run on the caller's goroutine; anything that can block for another
// session's input must wait on its own goroutine.
func (d *Dispatcher) Dispatch(s *session.Session, pkt packet.Packet) {
	d.mu.RLock()
	handlers, ok := d.handlers[pkt.Type.ID.Key()]
	d.mu.RUnlock()
	if !ok || len(handlers) == 0 {
		log.Warn().
			Str("type", pkt.Type.ID.Key()).
			Str("app", s.App.Key()).
			Msg("Dropping packet with no handlers")
		return
	}
	for _, h := range handlers {
		h(s, pkt.Data)
	}
}
