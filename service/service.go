// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package service implements the hub: the session registry, the signaling
// router and the per-participant event channel that together coordinate
// one broadcaster, many viewers and the administrative sessions that
// partition the stream between them.
package service

import (
	"fmt"
	"net/http/pprof"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/wallgrid/hub/logger"
	"github.com/wallgrid/hub/service/api"
	"github.com/wallgrid/hub/service/auth"
	"github.com/wallgrid/hub/service/geometry"
	"github.com/wallgrid/hub/service/perf"
	"github.com/wallgrid/hub/service/registry"
	"github.com/wallgrid/hub/service/signal"
	"github.com/wallgrid/hub/service/store"
	"github.com/wallgrid/hub/service/wire"
	"github.com/wallgrid/hub/service/ws"

	godeltaprof "github.com/grafana/pyroscope-go/godeltaprof/http/pprof"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/prometheus/procfs"
)

const staleCheckInterval = time.Minute

type Service struct {
	cfg       Config
	apiServer *api.Server
	wsServer  *ws.Server
	registry  *registry.Registry
	router    *signal.Router
	store     store.Store
	auth      *auth.Service
	metrics   *perf.Metrics
	log       *mlog.Logger
	coalescer *regionCoalescer
	proc      procfs.FS

	// admins is the set of connections subscribed to roster fan-out;
	// authedConns tracks which connections passed admin authentication at
	// upgrade time.
	admins      map[string]struct{}
	authedConns map[string]struct{}
	mut         sync.RWMutex

	fatalCh chan error
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config) (*Service, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg,
		metrics:     perf.NewMetrics("hub", nil),
		admins:      map[string]struct{}{},
		authedConns: map[string]struct{}{},
		fatalCh:     make(chan error, 1),
		stopCh:      make(chan struct{}),
	}

	var err error
	s.log, err = logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("hub: failed to init logger: %w", err)
	}

	s.log.Info("hub: starting up", getVersionInfo().logFields()...)

	s.store, err = store.New(cfg.Store.DataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	s.log.Info("initiated data store", mlog.String("DataSource", cfg.Store.DataSource))

	s.auth, err = auth.NewService(s.store)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	if cfg.API.Security.EnableAdmin {
		if err := s.auth.SetAdminSecret(cfg.API.Security.AdminSecretKey); err != nil {
			return nil, fmt.Errorf("failed to set admin secret: %w", err)
		}
	}

	s.registry = registry.New(s.log)

	s.coalescer = newRegionCoalescer(regionCoalesceWindow, s.notifyBroadcasterRegion)

	s.apiServer, err = api.NewServer(cfg.API.HTTP, s.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create api server: %w", err)
	}

	wsConfig := ws.ServerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingInterval:    10 * time.Second,
		SendQueueSize:   256,
	}
	s.wsServer, err = ws.NewServer(wsConfig, s.log, ws.WithAuthCb(s.authHandler))
	if err != nil {
		return nil, fmt.Errorf("failed to create ws server: %w", err)
	}

	s.router, err = signal.NewRouter(s.log, s.registry, &wsSender{s})
	if err != nil {
		return nil, fmt.Errorf("failed to create signal router: %w", err)
	}

	s.proc, err = procfs.NewDefaultFS()
	if err != nil {
		s.log.Warn("failed to open procfs", mlog.Err(err))
	}

	if err := s.loadProfiles(); err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}

	s.apiServer.RegisterHandleFunc("/version", s.getVersion)
	s.apiServer.RegisterHandleFunc("/stats", s.getStats)
	s.apiServer.RegisterHandleFunc("/system", s.getSystemInfo)
	s.apiServer.RegisterHandler("/ws", s.wsServer)

	if val := os.Getenv("PERF_PROFILES"); val == "true" {
		runtime.SetMutexProfileFraction(5)
		runtime.SetBlockProfileRate(5)
	}

	s.apiServer.RegisterHandler("/metrics", s.metrics.Handler())
	s.apiServer.RegisterHandler("/debug/pprof/heap", pprof.Handler("heap"))
	s.apiServer.RegisterHandleFunc("/debug/pprof/delta_heap", godeltaprof.Heap)
	s.apiServer.RegisterHandleFunc("/debug/pprof/delta_block", godeltaprof.Block)
	s.apiServer.RegisterHandleFunc("/debug/pprof/delta_mutex", godeltaprof.Mutex)
	s.apiServer.RegisterHandler("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	s.apiServer.RegisterHandler("/debug/pprof/mutex", pprof.Handler("mutex"))
	s.apiServer.RegisterHandleFunc("/debug/pprof/profile", pprof.Profile)
	s.apiServer.RegisterHandleFunc("/debug/pprof/trace", pprof.Trace)

	return s, nil
}

// wsSender adapts the ws server to the signal router's Sender, counting
// outbound messages on the way.
type wsSender struct {
	s *Service
}

func (snd *wsSender) Send(connID string, data []byte) error {
	return snd.s.sendRaw(connID, data)
}

func (s *Service) Start() error {
	defer s.log.Flush()

	if err := s.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start api server: %w", err)
	}

	s.wg.Add(3)
	go s.wsReader()
	go s.registryEvents()
	go s.evictLoop()

	return nil
}

func (s *Service) Stop() error {
	defer s.log.Flush()
	s.log.Info("hub: shutting down")

	close(s.stopCh)

	s.coalescer.Stop()

	s.wsServer.Close()

	if err := s.apiServer.Stop(); err != nil {
		return fmt.Errorf("failed to stop api server: %w", err)
	}

	if err := s.registry.Close(); err != nil {
		return fmt.Errorf("failed to close registry: %w", err)
	}

	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	if err := s.log.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown logger: %w", err)
	}

	return nil
}

// FatalCh delivers unrecoverable invariant violations: the process is
// expected to terminate when it fires.
func (s *Service) FatalCh() <-chan error {
	return s.fatalCh
}

// Addr returns the address the API server is listening on.
func (s *Service) Addr() string {
	return s.apiServer.Addr()
}

func (s *Service) wsReader() {
	defer s.wg.Done()

	for msg := range s.wsServer.ReceiveCh() {
		switch msg.Type {
		case ws.OpenMessage:
			s.log.Debug("connect", mlog.String("connID", msg.ConnID), mlog.Bool("authed", msg.Authed))
			s.metrics.IncWSConnections()
			if msg.Authed {
				s.mut.Lock()
				s.authedConns[msg.ConnID] = struct{}{}
				s.mut.Unlock()
			}
		case ws.CloseMessage:
			s.log.Debug("disconnect", mlog.String("connID", msg.ConnID))
			s.metrics.DecWSConnections()
			s.handleClose(msg.ConnID)
		case ws.TextMessage:
			if err := s.handleMessage(msg.ConnID, msg.Data); err != nil {
				s.log.Warn("failed to handle message",
					mlog.Err(err),
					mlog.String("connID", msg.ConnID))
			}
		default:
			s.log.Warn("unexpected ws message", mlog.String("connID", msg.ConnID))
		}
	}
}

func (s *Service) registryEvents() {
	defer s.wg.Done()

	for {
		select {
		case ev := <-s.registry.Events():
			switch ev.Type {
			case registry.RosterChanged:
				s.metrics.SetRosterSize(len(ev.Roster))
				s.fanOutRoster(ev.Roster)
			case registry.GeometryChanged, registry.BroadcasterReplaced:
				// Handled at the mutation site, where the triggering
				// connection is known.
			default:
				s.log.Warn("unexpected registry event", mlog.Int("type", int(ev.Type)))
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) evictLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted := s.registry.EvictStale(s.cfg.Registry.StaleTTL())
			for _, clientID := range evicted {
				s.log.Info("evicted stale viewer record", mlog.String("clientID", clientID))
				s.deleteProfile(clientID)
			}
		case <-s.stopCh:
			return
		}
	}
}

// notifyBroadcasterRegion is the coalescer's emit callback: at most one
// region notification per viewer per window reaches the broadcaster.
func (s *Service) notifyBroadcasterRegion(clientID string, region *geometry.Rectangle) {
	bc, ok := s.registry.Broadcaster()
	if !ok {
		return
	}

	s.sendMsg(bc.TransportID, wire.ClientRegionUpdated{
		Type:     wire.TypeClientRegionUpdated,
		ClientID: clientID,
		Region:   region,
	})
}
