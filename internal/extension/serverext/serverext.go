// Package serverext exposes the broker's own state to clients: the live
// app table, the server version registry, the require-apps ready gate
// and the shutdown endpoint.
package serverext

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hubbub-dev/hubbub/internal/codec"
	"github.com/hubbub-dev/hubbub/internal/extension/endpoint"
	"github.com/hubbub-dev/hubbub/internal/extension/registry"
	"github.com/hubbub-dev/hubbub/internal/extension/table"
	"github.com/hubbub-dev/hubbub/internal/network"
	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/permission"
	"github.com/hubbub-dev/hubbub/internal/protocol"
	"github.com/hubbub-dev/hubbub/internal/session"
)

// ShutdownRequest optionally asks for a restart instead of a plain
// stop.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// ShutdownResponse acknowledges the request before the server goes
// down.
type ShutdownResponse struct {
	Success bool `json:"success"`
}

var (
	extID = protocol.MustIdentifier("ext", "server")

	// RequireAppsPacket holds the session pre-ready until every listed
	// app is connected and ready.
	RequireAppsPacket = packet.NewType(extID.Join("require_apps"), codec.Slice(codec.Identifier()))

	// ShutdownEndpoint stops or restarts the server.
	ShutdownEndpoint = extID.Join("shutdown")

	// AppsTableID is the table mirroring live sessions, one row per app.
	AppsTableID = extID.Join("apps")
	// VersionRegistryID holds the server version document.
	VersionRegistryID = extID.Join("version")

	// ShutdownPermission gates the shutdown endpoint.
	ShutdownPermission = permission.Type{
		ID: extID.Join("permission", "shutdown"),
		Metadata: permission.Metadata{
			Level: permission.LevelHigh,
			Name:  map[string]string{"en": "Shut down the server"},
		},
	}
)

// Extension mirrors server state into tables and registries and serves
// the lifecycle operations.
type Extension struct {
	network *network.Network
	apps    *table.Table

	// stop is invoked off the dispatch path; restart selects re-exec.
	stop func(restart bool)

	mu      sync.Mutex
	ready   map[string]bool
	waiters map[string][]chan struct{}
}

// New wires the extension. The stop callback is invoked when a client
// with the shutdown permission asks the server to go down.
func New(
	dispatcher *network.Dispatcher,
	endpoints *endpoint.Extension,
	perms *permission.Manager,
	tables *table.Extension,
	registries *registry.Extension,
	net *network.Network,
	version string,
	stop func(restart bool),
) (*Extension, error) {
	apps, err := tables.Open(AppsTableID)
	if err != nil {
		return nil, fmt.Errorf("open apps table: %w", err)
	}
	// Rows from a previous run are stale once the process restarts.
	if err := apps.Clear(); err != nil {
		return nil, fmt.Errorf("reset apps table: %w", err)
	}

	e := &Extension{
		network: net,
		apps:    apps,
		stop:    stop,
		ready:   make(map[string]bool),
		waiters: make(map[string][]chan struct{}),
	}

	perms.Register(ShutdownPermission)

	versionDoc, err := json.Marshal(map[string]string{"version": version})
	if err != nil {
		return nil, err
	}
	if err := registries.Set(VersionRegistryID, versionDoc); err != nil {
		return nil, fmt.Errorf("seed version registry: %w", err)
	}

	dispatcher.Register(RequireAppsPacket)
	network.Handle(dispatcher, RequireAppsPacket, e.handleRequireApps)

	shutdownPerm := ShutdownPermission.ID
	endpoint.BindTyped(endpoints, ShutdownEndpoint, &shutdownPerm,
		codec.JSON[ShutdownRequest](), codec.JSON[ShutdownResponse](),
		func(_ context.Context, s *session.Session, req ShutdownRequest) (ShutdownResponse, error) {
			log.Info().
				Str("app", s.App.Key()).
				Bool("restart", req.Restart).
				Msg("Shutdown requested")
			go e.stop(req.Restart)
			return ShutdownResponse{Success: true}, nil
		})

	net.OnConnected(e.onConnected)
	net.OnDisconnected(e.onDisconnected)
	return e, nil
}

// onConnected mirrors the session into the apps table and arms the
// ready notification for require-apps waiters.
func (e *Extension) onConnected(s *session.Session) {
	doc, err := json.Marshal(s.App)
	if err != nil {
		log.Error().Err(err).Str("app", s.App.Key()).Msg("Failed to encode app")
		return
	}
	if err := e.apps.Add([]table.Item{{Key: s.App.Key(), Value: doc}}); err != nil {
		log.Error().Err(err).Str("app", s.App.Key()).Msg("Failed to record app")
	}
	s.OnReady(func(s *session.Session) { e.markReady(s.App.ID) })
}

func (e *Extension) onDisconnected(s *session.Session) {
	key := s.App.Key()
	if err := e.apps.Remove([]string{key}); err != nil {
		log.Error().Err(err).Str("app", key).Msg("Failed to drop app")
	}
	e.mu.Lock()
	delete(e.ready, key)
	e.mu.Unlock()
}

func (e *Extension) markReady(id protocol.Identifier) {
	key := id.Key()
	e.mu.Lock()
	e.ready[key] = true
	waiters := e.waiters[key]
	delete(e.waiters, key)
	e.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// handleRequireApps holds the session pre-ready until every listed app
// is connected and has itself gone ready. The wait runs off the
// dispatch path so the read loop keeps draining.
func (e *Extension) handleRequireApps(s *session.Session, ids []protocol.Identifier) {
	task := s.CreateReadyTask(fmt.Sprintf("require_apps(%d)", len(ids)))
	go func() {
		for _, id := range ids {
			if err := e.waitReady(s.Context(), id); err != nil {
				task.Fail(err)
				return
			}
		}
		task.Resolve()
	}()
}

func (e *Extension) waitReady(ctx context.Context, id protocol.Identifier) error {
	key := id.Key()
	e.mu.Lock()
	if e.ready[key] {
		e.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.waiters[key] = append(e.waiters[key], ch)
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
