// Package server assembles the broker: stores, network, extensions and
// the HTTP side-channels, with one Run loop owning their lifetime.
package server

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hubbub-dev/hubbub/internal/config"
	"github.com/hubbub-dev/hubbub/internal/logging"
	"github.com/hubbub-dev/hubbub/internal/extension/dashboard"
	"github.com/hubbub-dev/hubbub/internal/extension/endpoint"
	"github.com/hubbub-dev/hubbub/internal/extension/registry"
	"github.com/hubbub-dev/hubbub/internal/extension/serverext"
	"github.com/hubbub-dev/hubbub/internal/extension/signal"
	"github.com/hubbub-dev/hubbub/internal/extension/table"
	"github.com/hubbub-dev/hubbub/internal/metrics"
	"github.com/hubbub-dev/hubbub/internal/network"
	"github.com/hubbub-dev/hubbub/internal/packet"
	"github.com/hubbub-dev/hubbub/internal/permission"
	"github.com/hubbub-dev/hubbub/internal/security"
	"github.com/hubbub-dev/hubbub/internal/session"
)

// Version is stamped at build time.
var Version = "dev"

// Server is the assembled broker.
type Server struct {
	cfg  config.Config
	dirs config.Directories

	// ConfigPath, when set, enables hot reload of the log level.
	ConfigPath string

	tokens    *security.TokenStore
	permStore *permission.Store

	Network    *network.Network
	Dispatcher *network.Dispatcher
	Perms      *permission.Manager
	Endpoints  *endpoint.Extension
	Tables     *table.Extension
	Registries *registry.Extension
	Signals    *signal.Extension
	Dashboard  *dashboard.Extension
	ServerExt  *serverext.Extension

	cancel      context.CancelFunc
	wantRestart atomic.Bool
}

// New builds the broker from configuration: data directories, the token
// and grant stores, the packet catalog and every extension, wired in
// dependency order.
func New(cfg config.Config) (*Server, error) {
	dirs := config.NewDirectories(cfg.DataDir)
	if err := dirs.MkdirAll(); err != nil {
		return nil, fmt.Errorf("create data directories: %w", err)
	}

	tokens, err := security.OpenTokenStore(dirs.Security)
	if err != nil {
		return nil, err
	}
	permStore, err := permission.OpenStore(dirs.Permissions)
	if err != nil {
		tokens.Close()
		return nil, err
	}

	mapper := packet.NewMapper()
	dispatcher := network.NewDispatcher(mapper)
	net := network.New(cfg, dispatcher, tokens)

	perms := permission.NewManager(dispatcher, permStore)
	endpoints := endpoint.New(dispatcher, perms)
	tables := table.New(dispatcher, endpoints, perms, dirs.Tables)
	registries := registry.New(dispatcher, endpoints, perms, dirs.Registry)
	signals := signal.New(dispatcher, perms)
	dash := dashboard.New(dispatcher, endpoints, net)
	perms.SetArbiter(dash)

	s := &Server{
		cfg:        cfg,
		dirs:       dirs,
		tokens:     tokens,
		permStore:  permStore,
		Network:    net,
		Dispatcher: dispatcher,
		Perms:      perms,
		Endpoints:  endpoints,
		Tables:     tables,
		Registries: registries,
		Signals:    signals,
		Dashboard:  dash,
	}

	srvExt, err := serverext.New(dispatcher, endpoints, perms, tables, registries, net, Version, s.Stop)
	if err != nil {
		s.closeStores()
		return nil, err
	}
	s.ServerExt = srvExt

	net.OnConnected(func(sess *session.Session) { dash.AppOpened(sess.App.ID) })

	net.AddRoute("/asset", s.assetHandler())
	net.AddRoute("/proxy", s.proxyHandler())
	net.AddRoute("/metrics", metrics.Handler())
	return s, nil
}

// Run serves until ctx is cancelled or Stop is called. It returns the
// bind error directly so the process can exit non-zero on a taken port.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.closeStores()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Network.Start(ctx)
	})
	if s.ConfigPath != "" {
		watcher := config.NewWatcher(s.ConfigPath, func(next config.Config) {
			logging.SetLevel(next.LogLevel)
		})
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	err := g.Wait()
	if s.wantRestart.Load() {
		if restartErr := restartProcess(); restartErr != nil {
			log.Error().Err(restartErr).Msg("Restart failed")
		}
	}
	return err
}

// Stop shuts the broker down; with restart the process re-execs itself
// after the listener closes.
func (s *Server) Stop(restart bool) {
	if restart {
		s.wantRestart.Store(true)
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Server) closeStores() {
	if s.Tables != nil {
		s.Tables.Close()
	}
	if s.permStore != nil {
		s.permStore.Close()
	}
	if s.tokens != nil {
		s.tokens.Close()
	}
}
