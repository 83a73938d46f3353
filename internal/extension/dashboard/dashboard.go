// Package dashboard connects the trusted dashboard session to the
// server: it arbitrates permission requests and relays app-open
// requests to the user interface.
package dashboard

import (
	"context"
	"fmt"
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

// SetResponse acknowledges a dashboard claiming its role.
type SetResponse struct {
	Success bool `json:"success"`
}

// OpenAppResponse reports what happened to an open-app request.
type OpenAppResponse struct {
	Success               bool `json:"success"`
	AlreadyOpen           bool `json:"already_open"`
	DashboardNotConnected bool `json:"dashboard_not_connected"`
}

var (
	extID = protocol.MustIdentifier("ext", "dashboard")

	// PermissionRequestPacket forwards a pending grant decision to the
	// dashboard.
	PermissionRequestPacket = packet.NewType(extID.Join("permission", "request"), codec.JSON[permission.Request]())
	// PermissionAcceptPacket carries the user's approval by request id.
	PermissionAcceptPacket = packet.NewType(extID.Join("permission", "accept"), codec.JSON[string]())
	// PermissionDenyPacket carries the user's refusal by request id.
	PermissionDenyPacket = packet.NewType(extID.Join("permission", "deny"), codec.JSON[string]())
	// OpenAppPacket asks the dashboard to open an app's UI.
	OpenAppPacket = packet.NewType(extID.Join("open_app"), codec.JSON[protocol.App]())

	// SetEndpoint lets the dashboard-authenticated session claim the
	// dashboard role.
	SetEndpoint = extID.Join("set")
	// OpenAppEndpoint relays an open request toward the dashboard.
	OpenAppEndpoint = extID.Join("open_app")
)

type pending struct {
	req      permission.Request
	decision chan bool
	sent     bool
}

// Extension tracks the dashboard session and the grant decisions
// waiting on it. It implements permission.Arbiter.
type Extension struct {
	network *network.Network

	mu        sync.Mutex
	dashboard *session.Session
	requests  map[string]*pending
	openApps  map[string]bool
}

// New wires the extension onto the dispatcher and binds its endpoints.
func New(dispatcher *network.Dispatcher, endpoints *endpoint.Extension, net *network.Network) *Extension {
	e := &Extension{
		network:  net,
		requests: make(map[string]*pending),
		openApps: make(map[string]bool),
	}
	dispatcher.Register(PermissionRequestPacket, PermissionAcceptPacket, PermissionDenyPacket, OpenAppPacket)
	network.Handle(dispatcher, PermissionAcceptPacket, e.handleAccept)
	network.Handle(dispatcher, PermissionDenyPacket, e.handleDeny)

	endpoint.BindTyped(endpoints, SetEndpoint, nil,
		codec.Empty(), codec.JSON[SetResponse](),
		func(_ context.Context, s *session.Session, _ struct{}) (SetResponse, error) {
			if !s.Dashboard {
				return SetResponse{}, fmt.Errorf("session %s is not dashboard-authenticated", s.App.Key())
			}
			e.setDashboard(s)
			return SetResponse{Success: true}, nil
		})
	endpoint.BindTyped(endpoints, OpenAppEndpoint, nil,
		codec.JSON[protocol.App](), codec.JSON[OpenAppResponse](),
		func(_ context.Context, _ *session.Session, app protocol.App) (OpenAppResponse, error) {
			return e.openApp(app), nil
		})
	return e
}

// setDashboard installs the dashboard session and flushes every
// decision that queued up while no dashboard was connected.
func (e *Extension) setDashboard(s *session.Session) {
	e.mu.Lock()
	e.dashboard = s
	var backlog []*pending
	for _, p := range e.requests {
		if !p.sent {
			p.sent = true
			backlog = append(backlog, p)
		}
	}
	e.mu.Unlock()

	s.OnDisconnected(func(s *session.Session) {
		e.mu.Lock()
		if e.dashboard == s {
			e.dashboard = nil
			for _, p := range e.requests {
				p.sent = false
			}
		}
		e.mu.Unlock()
	})

	for _, p := range backlog {
		s.Send(PermissionRequestPacket, p.req)
	}
	log.Info().Str("app", s.App.Key()).Msg("Dashboard connected")
}

// RequestPermissions queues a grant decision for the dashboard and
// blocks until the user decides or the requesting session goes away.
func (e *Extension) RequestPermissions(ctx context.Context, req permission.Request) (bool, error) {
	p := &pending{req: req, decision: make(chan bool, 1)}

	e.mu.Lock()
	e.requests[req.RequestID] = p
	dash := e.dashboard
	if dash != nil {
		p.sent = true
	}
	e.mu.Unlock()

	if dash != nil {
		if err := dash.Send(PermissionRequestPacket, req); err != nil {
			e.mu.Lock()
			p.sent = false
			e.mu.Unlock()
		}
	}

	defer func() {
		e.mu.Lock()
		delete(e.requests, req.RequestID)
		e.mu.Unlock()
	}()

	select {
	case granted := <-p.decision:
		return granted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (e *Extension) handleAccept(s *session.Session, requestID string) {
	e.decide(s, requestID, true)
}

func (e *Extension) handleDeny(s *session.Session, requestID string) {
	e.decide(s, requestID, false)
}

// decide resolves a pending request. Only the dashboard session may
// decide; duplicate decisions for the same id are dropped.
func (e *Extension) decide(s *session.Session, requestID string, granted bool) {
	e.mu.Lock()
	if e.dashboard != s {
		e.mu.Unlock()
		log.Warn().
			Str("app", s.App.Key()).
			Str("request", requestID).
			Msg("Permission decision from non-dashboard session")
		return
	}
	p, ok := e.requests[requestID]
	if ok {
		delete(e.requests, requestID)
	}
	e.mu.Unlock()
	if !ok {
		log.Debug().Str("request", requestID).Msg("Decision for unknown permission request")
		return
	}
	p.decision <- granted
}

// openApp relays toward the dashboard, deduplicating apps that are
// already connected or already requested.
func (e *Extension) openApp(app protocol.App) OpenAppResponse {
	if e.network.IsConnected(app.ID) {
		return OpenAppResponse{AlreadyOpen: true}
	}

	e.mu.Lock()
	dash := e.dashboard
	if dash == nil {
		e.mu.Unlock()
		return OpenAppResponse{DashboardNotConnected: true}
	}
	if e.openApps[app.Key()] {
		e.mu.Unlock()
		return OpenAppResponse{AlreadyOpen: true}
	}
	e.openApps[app.Key()] = true
	e.mu.Unlock()

	if err := dash.Send(OpenAppPacket, app); err != nil {
		e.mu.Lock()
		delete(e.openApps, app.Key())
		e.mu.Unlock()
		return OpenAppResponse{DashboardNotConnected: true}
	}
	return OpenAppResponse{Success: true}
}

// AppOpened clears the pending-open mark once the app connects.
func (e *Extension) AppOpened(id protocol.Identifier) {
	e.mu.Lock()
	for key := range e.openApps {
		if parsed, err := protocol.ParseIdentifier(key); err == nil && parsed.Equal(id) {
			delete(e.openApps, key)
		}
	}
	e.mu.Unlock()
}
