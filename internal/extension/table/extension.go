package table

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hubbub-dev/hubbub/internal/codec"
	"github.com/hubbub-dev/hubbub/internal/extension/endpoint"
	"github.com/hubbub-dev/hubbub/internal/network"
	"github.com/hubbub-dev/hubbub/internal/permission"
	"github.com/hubbub-dev/hubbub/internal/protocol"
	"github.com/hubbub-dev/hubbub/internal/session"
)

// Extension owns every live table and routes table packets to them.
type Extension struct {
	dir   string
	perms *permission.Manager

	mu     sync.Mutex
	tables map[string]*Table
}

// New wires the extension onto the dispatcher and binds its endpoints.
func New(dispatcher *network.Dispatcher, endpoints *endpoint.Extension, perms *permission.Manager, dir string) *Extension {
	e := &Extension{
		dir:    dir,
		perms:  perms,
		tables: make(map[string]*Table),
	}
	dispatcher.Register(
		ListenPacket, ProxyListenPacket, ProxyPacket,
		ConfigPacket, BindPermissionPacket, CachePacket,
		ItemAddPacket, ItemUpdatePacket, ItemRemovePacket, ItemClearPacket,
	)
	network.Handle(dispatcher, ListenPacket, e.handleListen)
	network.Handle(dispatcher, ProxyListenPacket, e.handleProxyListen)
	network.Handle(dispatcher, ProxyPacket, e.handleProxy)
	network.Handle(dispatcher, ConfigPacket, e.handleConfig)
	network.Handle(dispatcher, BindPermissionPacket, e.handleBindPermission)
	network.Handle(dispatcher, ItemAddPacket, e.handleAdd)
	network.Handle(dispatcher, ItemUpdatePacket, e.handleUpdate)
	network.Handle(dispatcher, ItemRemovePacket, e.handleRemove)
	network.Handle(dispatcher, ItemClearPacket, e.handleClear)

	endpoint.BindTyped(endpoints, ItemGetEndpoint, nil, keysCodec(), itemsCodec(),
		func(_ context.Context, s *session.Session, req KeysData) (Items, error) {
			t, err := e.open(req.ID)
			if err != nil {
				return Items{}, err
			}
			items, err := t.GetMany(req.Keys)
			if err != nil {
				return Items{}, err
			}
			return Items{ID: req.ID, Items: items}, nil
		})
	endpoint.BindTyped(endpoints, FetchEndpoint, nil, codec.JSON[FetchReq](), itemsCodec(),
		func(_ context.Context, s *session.Session, req FetchReq) (Items, error) {
			t, err := e.open(req.ID)
			if err != nil {
				return Items{}, err
			}
			items, err := t.Fetch(req.Before, req.After, req.Cursor)
			if err != nil {
				return Items{}, err
			}
			return Items{ID: req.ID, Items: items}, nil
		})
	endpoint.BindTyped(endpoints, FetchAllEndpoint, nil, eventCodec(), itemsCodec(),
		func(_ context.Context, s *session.Session, req Event) (Items, error) {
			t, err := e.open(req.ID)
			if err != nil {
				return Items{}, err
			}
			items, err := t.FetchAll()
			if err != nil {
				return Items{}, err
			}
			return Items{ID: req.ID, Items: items}, nil
		})
	endpoint.BindTyped(endpoints, SizeEndpoint, nil, eventCodec(), codec.JSON[int](),
		func(_ context.Context, s *session.Session, req Event) (int, error) {
			t, err := e.open(req.ID)
			if err != nil {
				return 0, err
			}
			return t.Size()
		})
	return e
}

// Open returns the live table for an identifier, creating its backing
// store on first use. Server extensions use this to host their own
// tables.
func (e *Extension) Open(id protocol.Identifier) (*Table, error) {
	return e.open(id)
}

func (e *Extension) open(id protocol.Identifier) (*Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tables[id.Key()]; ok {
		return t, nil
	}
	t, err := newTable(e.dir, id)
	if err != nil {
		return nil, err
	}
	e.tables[id.Key()] = t
	return t, nil
}

// allowed enforces the table's bound permission. Sessions owning the
// table by subpath and the dashboard pass; anyone else needs the grant.
func (e *Extension) allowed(s *session.Session, t *Table) bool {
	perm := t.getPermission()
	if perm == nil {
		return true
	}
	if t.ID.IsSubpathOf(s.App.ID) {
		return true
	}
	return e.perms.Has(s, *perm)
}

// acquire resolves a table for a session-facing handler, applying the
// permission gate. A nil return means the session was dealt with.
func (e *Extension) acquire(s *session.Session, id protocol.Identifier) *Table {
	t, err := e.open(id)
	if err != nil {
		log.Error().Err(err).Str("table", id.Key()).Msg("Failed to open table")
		return nil
	}
	if !e.allowed(s, t) {
		e.perms.Deny(s, id)
		return nil
	}
	return t
}

func (e *Extension) handleListen(s *session.Session, data Event) {
	if t := e.acquire(s, data.ID); t != nil {
		t.attach(s)
	}
}

func (e *Extension) handleProxyListen(s *session.Session, data Event) {
	if t := e.acquire(s, data.ID); t != nil {
		t.attachProxy(s)
	}
}

func (e *Extension) handleProxy(s *session.Session, data ProxyData) {
	if t := e.acquire(s, data.ID); t != nil {
		t.handleProxyReply(data.Key, data.Items)
	}
}

func (e *Extension) handleConfig(s *session.Session, data ConfigData) {
	if t := e.acquire(s, data.ID); t != nil {
		t.setCacheSize(data.CacheSize)
	}
}

// handleBindPermission is owner-only: a session may restrict a table
// living under its own app id, the dashboard may restrict any.
func (e *Extension) handleBindPermission(s *session.Session, data BindPermissionData) {
	if !data.ID.IsSubpathOf(s.App.ID) && !s.Dashboard {
		e.perms.Deny(s, data.ID)
		return
	}
	t, err := e.open(data.ID)
	if err != nil {
		log.Error().Err(err).Str("table", data.ID.Key()).Msg("Failed to open table")
		return
	}
	t.setPermission(data.Permission)
}

func (e *Extension) handleAdd(s *session.Session, data Items) {
	if t := e.acquire(s, data.ID); t != nil {
		if err := t.Add(data.Items); err != nil {
			log.Error().Err(err).Str("table", data.ID.Key()).Msg("Failed to add items")
		}
	}
}

func (e *Extension) handleUpdate(s *session.Session, data Items) {
	if t := e.acquire(s, data.ID); t != nil {
		if err := t.Update(data.Items); err != nil {
			log.Error().Err(err).Str("table", data.ID.Key()).Msg("Failed to update items")
		}
	}
}

func (e *Extension) handleRemove(s *session.Session, data Items) {
	if t := e.acquire(s, data.ID); t != nil {
		keys := make([]string, len(data.Items))
		for i, item := range data.Items {
			keys[i] = item.Key
		}
		if err := t.Remove(keys); err != nil {
			log.Error().Err(err).Str("table", data.ID.Key()).Msg("Failed to remove items")
		}
	}
}

func (e *Extension) handleClear(s *session.Session, data Event) {
	if t := e.acquire(s, data.ID); t != nil {
		if err := t.Clear(); err != nil {
			log.Error().Err(err).Str("table", data.ID.Key()).Msg("Failed to clear table")
		}
	}
}

// Close shuts every table down, flushing queued writes.
func (e *Extension) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, t := range e.tables {
		if err := t.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.tables = make(map[string]*Table)
	return firstErr
}
