package bootstrap

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/nodetab/config"
	"github.com/najoast/nodetab/nodetab"
	"github.com/najoast/nodetab/reclaim"
	"github.com/najoast/nodetab/transport"
)

// SweeperService runs the deferred deletion sweeps of the node tables.
type SweeperService struct {
	gc       *reclaim.Reclaimer
	interval time.Duration

	running sync.WaitGroup
	active  bool
	mu      sync.Mutex
}

// NewSweeperService sweeps gc every interval while running.
func NewSweeperService(gc *reclaim.Reclaimer, interval time.Duration) *SweeperService {
	return &SweeperService{gc: gc, interval: interval}
}

func (s *SweeperService) Name() string { return "gc-sweeper" }

func (s *SweeperService) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("invalid sweep interval: %v", s.interval)
	}
	return nil
}

// Run sweeps until ctx is done.
func (s *SweeperService) Run(ctx context.Context) error {
	s.mu.Lock()
	s.active = true
	s.running.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		s.running.Done()
	}()
	return s.gc.Run(ctx, s.interval)
}

// Stop waits for Run to return. Records still pending keep waiting for the
// next sweep of a later run.
func (s *SweeperService) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SweeperService) Health(ctx context.Context) (HealthStatus, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	state := HealthHealthy
	if !active {
		state = HealthStopped
	}
	return HealthStatus{
		State: state,
		Data: map[string]interface{}{
			"delay":     s.gc.Delay().String(),
			"pending":   s.gc.Pending(),
			"reclaimed": s.gc.Reclaimed(),
			"revived":   s.gc.Revived(),
		},
	}, nil
}

// HealthFunc reports the health of every managed service.
type HealthFunc func(ctx context.Context) map[string]HealthStatus

// MonitorService serves Prometheus metrics, health and the table dump over
// HTTP.
type MonitorService struct {
	cfg    config.HTTPMonitorConfig
	tables *nodetab.Registry
	health HealthFunc

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewMonitorService creates the HTTP monitor for tables. health may be nil.
func NewMonitorService(cfg config.HTTPMonitorConfig, tables *nodetab.Registry, health HealthFunc) *MonitorService {
	return &MonitorService{cfg: cfg, tables: tables, health: health}
}

func (s *MonitorService) Name() string { return "monitor" }

// Start binds the listen address so that address errors surface here.
func (s *MonitorService) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.WithField("caller", "monitor").Infof("Serving metrics on http://%s%s", ln.Addr(), s.cfg.MetricsPath)
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *MonitorService) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Handler builds the monitor's routes.
func (s *MonitorService) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		nodetab.NewCollector(s.tables),
		collectors.NewGoCollector(),
	)

	mux := http.NewServeMux()
	mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc(s.cfg.HealthPath, s.serveHealth)
	if s.cfg.DumpPath != "" {
		mux.HandleFunc(s.cfg.DumpPath, s.serveDump)
	}
	return mux
}

func (s *MonitorService) serveHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]HealthStatus{}
	if s.health != nil {
		status = s.health(r.Context())
	}

	code := http.StatusOK
	for _, st := range status {
		if st.State == HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.WithField("caller", "monitor").WithError(err).Debug("Failed to write health response")
	}
}

func (s *MonitorService) serveDump(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.tables.Dump(w); err != nil {
		log.WithField("caller", "monitor").WithError(err).Debug("Failed to write table dump")
	}
}

// Run serves until ctx is done.
func (s *MonitorService) Run(ctx context.Context) error {
	s.mu.Lock()
	srv, ln := s.server, s.listener
	s.mu.Unlock()
	if srv == nil {
		return errors.New("monitor not started")
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor serve: %w", err)
	}
	return nil
}

func (s *MonitorService) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, ln := s.server, s.listener
	s.server, s.listener = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	// Shutdown only closes listeners Serve has seen.
	_ = ln.Close()
	return err
}

func (s *MonitorService) Health(ctx context.Context) (HealthStatus, error) {
	addr := s.Addr()
	if addr == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{
		State: HealthHealthy,
		Data:  map[string]interface{}{"address": addr.String()},
	}, nil
}

// WatcherService hot-reloads the configuration file.
type WatcherService struct {
	watcher *config.Watcher
}

// NewWatcherService wraps w. Callbacks must be registered on w before the
// service starts.
func NewWatcherService(w *config.Watcher) *WatcherService {
	return &WatcherService{watcher: w}
}

func (s *WatcherService) Name() string { return "config-watcher" }

func (s *WatcherService) Start(ctx context.Context) error {
	return s.watcher.Start()
}

func (s *WatcherService) Stop(ctx context.Context) error {
	return s.watcher.Stop()
}

func (s *WatcherService) Health(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{
		State: HealthHealthy,
		Data:  map[string]interface{}{"file": s.watcher.File()},
	}, nil
}

// PeersService keeps the statically configured peers connected.
type PeersService struct {
	cfg    config.TransportConfig
	tables *nodetab.Registry

	// dial builds the dialer of one peer
	dial func(peer config.PeerConfig) (transport.Dialer, error)

	mu         sync.Mutex
	connectors []*transport.Connector
}

// NewPeersService creates the connector service for cfg.Peers.
func NewPeersService(cfg config.TransportConfig, tables *nodetab.Registry) *PeersService {
	s := &PeersService{cfg: cfg, tables: tables}
	s.dial = s.dialer
	return s
}

func (s *PeersService) Name() string { return "peers" }

func (s *PeersService) dialer(peer config.PeerConfig) (transport.Dialer, error) {
	if peer.Protocol == config.ProtocolTCP {
		return transport.TCPDialer(peer.Address, s.cfg.WriteTimeout), nil
	}
	opts := transport.DTLSOptions{
		InsecureSkipVerify: s.cfg.DTLS.InsecureSkipVerify,
		MTU:                s.cfg.DTLS.MTU,
		WriteTimeout:       s.cfg.WriteTimeout,
	}
	if s.cfg.DTLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.DTLS.CertFile, s.cfg.DTLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load dtls certificate: %w", err)
		}
		opts.Certificates = []tls.Certificate{cert}
	}
	return transport.DTLSDialer(peer.Address, opts)
}

// Start prepares one connector per peer.
func (s *PeersService) Start(ctx context.Context) error {
	connectors := make([]*transport.Connector, 0, len(s.cfg.Peers))
	for _, peer := range s.cfg.Peers {
		dial, err := s.dial(peer)
		if err != nil {
			return fmt.Errorf("peer %s: %w", peer.Name, err)
		}
		flags := nodetab.FlagPublished
		if peer.Hidden {
			flags = 0
		}
		opts := []transport.ConnectorOption{
			transport.WithFlags(flags),
			transport.WithRetryInterval(s.cfg.RetryInterval),
			transport.WithPumpOptions(transport.WithFlushInterval(s.cfg.FlushInterval)),
		}
		if peer.Protocol == config.ProtocolTCP {
			opts = append(opts, transport.WithFrameReader(transport.ReadFrame))
		}
		connectors = append(connectors, transport.NewConnector(s.tables, peer.Name, dial, opts...))
	}

	s.mu.Lock()
	s.connectors = connectors
	s.mu.Unlock()
	return nil
}

// Run keeps every peer connected until ctx is done.
func (s *PeersService) Run(ctx context.Context) error {
	s.mu.Lock()
	connectors := s.connectors
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range connectors {
		g.Go(func() error {
			return c.Run(ctx)
		})
	}
	return g.Wait()
}

func (s *PeersService) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.connectors = nil
	s.mu.Unlock()
	return nil
}

func (s *PeersService) Health(ctx context.Context) (HealthStatus, error) {
	s.mu.Lock()
	connectors := s.connectors
	s.mu.Unlock()

	peers := make(map[string]interface{}, len(connectors))
	for _, c := range connectors {
		state := nodetab.Status(0).String()
		if de, ok := s.tables.FindDist(c.Name()); ok {
			state = de.Status().String()
			s.tables.ReleaseDist(de)
		}
		peers[c.Name()] = state
	}
	return HealthStatus{State: HealthHealthy, Data: map[string]interface{}{"peers": peers}}, nil
}
