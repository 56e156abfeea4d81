package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/nodetab/config"
	"github.com/najoast/nodetab/nodetab"
	"github.com/najoast/nodetab/reclaim"
	"github.com/najoast/nodetab/transport"
)

// recorder collects the order of start and stop calls across services
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// testService is a simple service implementation for testing
type testService struct {
	name     string
	rec      *recorder
	startErr error
	stopErr  error

	mu      sync.Mutex
	started bool
}

func (s *testService) Name() string { return s.name }

func (s *testService) Start(ctx context.Context) error {
	s.rec.add("start " + s.name)
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *testService) Stop(ctx context.Context) error {
	s.rec.add("stop " + s.name)
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return s.stopErr
}

func (s *testService) Health(ctx context.Context) (HealthStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return HealthStatus{State: HealthHealthy, Message: "Service is running"}, nil
	}
	return HealthStatus{}, errors.New("service is not running")
}

func TestLifecycleManager(t *testing.T) {
	ctx := context.Background()

	t.Run("DependencyOrder", func(t *testing.T) {
		rec := &recorder{}
		lm := NewLifecycleManager()
		require.NoError(t, lm.Register("c", &testService{name: "c", rec: rec}, "b"))
		require.NoError(t, lm.Register("b", &testService{name: "b", rec: rec}, "a"))
		require.NoError(t, lm.Register("a", &testService{name: "a", rec: rec}))
		assert.Equal(t, []string{"a", "b", "c"}, lm.Services())

		require.NoError(t, lm.Start(ctx))
		assert.True(t, lm.IsStarted())
		assert.Len(t, lm.Started(), 3)

		health := lm.Health(ctx)
		assert.Equal(t, HealthHealthy, health["b"].State)
		assert.False(t, health["b"].LastCheck.IsZero())

		require.NoError(t, lm.Stop(ctx))
		assert.False(t, lm.IsStarted())
		assert.Equal(t, []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}, rec.get())

		health = lm.Health(ctx)
		assert.Equal(t, HealthUnhealthy, health["a"].State)
		assert.Equal(t, "service is not running", health["a"].Message)
	})

	t.Run("StartFailureRollsBack", func(t *testing.T) {
		rec := &recorder{}
		boom := errors.New("boom")
		lm := NewLifecycleManager()
		require.NoError(t, lm.Register("a", &testService{name: "a", rec: rec}))
		require.NoError(t, lm.Register("b", &testService{name: "b", rec: rec, startErr: boom}, "a"))

		err := lm.Start(ctx)
		require.ErrorIs(t, err, boom)
		var appErr *ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "b", appErr.Service)
		assert.False(t, lm.IsStarted())
		assert.Equal(t, []string{"start a", "start b", "stop a"}, rec.get())

		assert.NoError(t, lm.Register("late", &testService{name: "late", rec: rec}), "registration reopens after a failed start")
	})

	t.Run("StopErrorsAreJoined", func(t *testing.T) {
		rec := &recorder{}
		errA, errB := errors.New("a failed"), errors.New("b failed")
		lm := NewLifecycleManager()
		require.NoError(t, lm.Register("a", &testService{name: "a", rec: rec, stopErr: errA}))
		require.NoError(t, lm.Register("b", &testService{name: "b", rec: rec, stopErr: errB}, "a"))
		require.NoError(t, lm.Start(ctx))

		err := lm.Stop(ctx)
		assert.ErrorIs(t, err, errA)
		assert.ErrorIs(t, err, errB)
		assert.NoError(t, lm.Stop(ctx), "stopping twice is a no-op")
	})

	t.Run("RegistrationErrors", func(t *testing.T) {
		rec := &recorder{}
		lm := NewLifecycleManager()
		assert.Error(t, lm.Register("", &testService{name: "x", rec: rec}))
		assert.Error(t, lm.Register("x", nil))
		require.NoError(t, lm.Register("x", &testService{name: "x", rec: rec}))
		assert.Error(t, lm.Register("x", &testService{name: "x", rec: rec}))

		require.NoError(t, lm.Start(ctx))
		assert.Error(t, lm.Register("y", &testService{name: "y", rec: rec}))
		assert.Error(t, lm.Start(ctx))
		require.NoError(t, lm.Stop(ctx))
	})

	t.Run("BadDependencies", func(t *testing.T) {
		rec := &recorder{}
		lm := NewLifecycleManager()
		require.NoError(t, lm.Register("a", &testService{name: "a", rec: rec}, "missing"))
		assert.ErrorContains(t, lm.Start(ctx), "not registered")

		lm = NewLifecycleManager()
		require.NoError(t, lm.Register("a", &testService{name: "a", rec: rec}, "b"))
		require.NoError(t, lm.Register("b", &testService{name: "b", rec: rec}, "a"))
		assert.ErrorContains(t, lm.Start(ctx), "circular dependency")
		assert.Empty(t, rec.get())
	})

	t.Run("Listeners", func(t *testing.T) {
		rec := &recorder{}
		lm := NewLifecycleManager()
		var mu sync.Mutex
		var events []EventType
		lm.AddListener(func(LifecycleEvent) { panic("listener bug") })
		lm.AddListener(func(e LifecycleEvent) {
			mu.Lock()
			events = append(events, e.Type)
			mu.Unlock()
		})

		require.NoError(t, lm.Register("a", &testService{name: "a", rec: rec}))
		require.NoError(t, lm.Start(ctx))
		require.NoError(t, lm.Stop(ctx))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []EventType{
			EventRegistered, EventStarting, EventStarted, EventLifecycleStart,
			EventStopping, EventStopped, EventLifecycleStop,
		}, events)
	})
}

func TestSweeperService(t *testing.T) {
	gc := reclaim.New(reclaim.WithDelay(0))
	s := NewSweeperService(gc, 5*time.Millisecond)
	require.NoError(t, s.Start(context.Background()))

	reclaimed := make(chan struct{})
	gc.Schedule(func() bool {
		close(reclaimed)
		return true
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	select {
	case <-reclaimed:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper never ran the attempt")
	}
	assert.Eventually(t, func() bool {
		st, _ := s.Health(context.Background())
		return st.State == HealthHealthy
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, uint64(1), gc.Reclaimed())

	st, err := s.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthStopped, st.State)

	assert.Error(t, NewSweeperService(gc, 0).Start(context.Background()))
}

func TestMonitorService(t *testing.T) {
	tables := nodetab.New()
	tables.FindOrInsertNode("peer@host", 1)

	cfg := config.DefaultConfig().Monitor.HTTP
	cfg.Port = 0
	m := NewMonitorService(cfg, tables, func(context.Context) map[string]HealthStatus {
		return map[string]HealthStatus{"tables": {State: HealthHealthy}}
	})
	require.NoError(t, m.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	base := "http://" + m.Addr().String()
	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	t.Run("Metrics", func(t *testing.T) {
		code, body := get(cfg.MetricsPath)
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, "nodetab_nodes 2")
		assert.Contains(t, body, `nodetab_dist_entries{class="not_connected"} 2`)
	})

	t.Run("Health", func(t *testing.T) {
		code, body := get(cfg.HealthPath)
		assert.Equal(t, http.StatusOK, code)
		var status map[string]HealthStatus
		require.NoError(t, json.Unmarshal([]byte(body), &status))
		assert.Equal(t, HealthHealthy, status["tables"].State)
	})

	t.Run("Dump", func(t *testing.T) {
		code, body := get(cfg.DumpPath)
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, "peer@host")
	})

	st, err := m.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, st.State)

	cancel()
	require.NoError(t, <-errc)
	require.NoError(t, m.Stop(context.Background()))
	assert.Nil(t, m.Addr())
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Node.Name = "app@host"
	cfg.Node.Creation = 2
	cfg.Dist.SweepInterval = 5 * time.Millisecond
	cfg.Monitor.Enabled = false
	return cfg
}

func TestApplication(t *testing.T) {
	t.Run("InvalidConfig", func(t *testing.T) {
		cfg := testConfig()
		cfg.Node.Name = "bad"
		_, err := NewApplication(cfg)
		assert.ErrorIs(t, err, config.ErrInvalidNodeName)
	})

	t.Run("RunAndShutdown", func(t *testing.T) {
		rec := &recorder{}
		app, err := NewApplication(testConfig(), WithService(&testService{name: "extra", rec: rec}, "gc-sweeper"))
		require.NoError(t, err)
		assert.Equal(t, "app@host", app.Tables().ThisNode().Name())
		assert.Equal(t, uint32(2), app.Tables().ThisNode().Creation())
		assert.Equal(t, []string{"extra", "gc-sweeper"}, app.Lifecycle().Services())

		errc := make(chan error, 1)
		go func() { errc <- app.Run(context.Background()) }()
		require.Eventually(t, func() bool {
			return app.Lifecycle().Health(context.Background())["gc-sweeper"].State == HealthHealthy
		}, 5*time.Second, time.Millisecond)

		// Released records are swept by the running service.
		n := app.Tables().FindOrInsertNode("peer@host", 1)
		require.NoError(t, app.Tables().Reclaimer().SetDelay(0))
		app.Tables().ReleaseNode(n)
		require.Eventually(t, func() bool {
			return app.Tables().NodeTableSize() == 1 && app.Tables().DistTableSize() == 1
		}, 5*time.Second, time.Millisecond)

		require.NoError(t, app.Shutdown(context.Background()))
		require.NoError(t, <-errc)
		assert.Equal(t, []string{"start extra", "stop extra"}, rec.get())
		assert.NoError(t, app.Shutdown(context.Background()), "shutdown of a stopped application")
	})

	t.Run("ContextCancel", func(t *testing.T) {
		app, err := NewApplication(testConfig())
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, app.Run(ctx))
	})

	t.Run("StartFailure", func(t *testing.T) {
		rec := &recorder{}
		boom := errors.New("boom")
		app, err := NewApplication(testConfig(), WithService(&testService{name: "broken", rec: rec, startErr: boom}))
		require.NoError(t, err)
		assert.ErrorIs(t, app.Run(context.Background()), boom)
	})

	t.Run("ConfigReload", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "nodetab.yaml")
		require.NoError(t, os.WriteFile(path, []byte("node:\n  name: app@host\ndist:\n  gc_delay: 30s\n"), 0o644))

		w, err := config.NewWatcher(path, nil)
		require.NoError(t, err)
		app, err := NewApplication(w.GetConfig(), WithWatcher(w))
		require.NoError(t, err)
		assert.Contains(t, app.Lifecycle().Services(), "config-watcher")
		assert.Equal(t, reclaim.Delay(30*time.Second), app.Tables().Reclaimer().Delay())

		require.NoError(t, os.WriteFile(path, []byte(
			"node:\n  name: app@host\ndist:\n  gc_delay: infinity\nqueue:\n  high_water: 4096\n  low_water: 1024\n"), 0o644))
		require.NoError(t, w.Reload())
		require.NoError(t, w.Stop())

		assert.True(t, app.Tables().Reclaimer().Delay().IsInfinite())
		assert.Equal(t, int64(4096), app.Tables().QueueLimits().HighWater)
		assert.Equal(t, int64(1024), app.Config().Queue.LowWater)
	})
}

type sinkConn struct {
	mu     sync.Mutex
	sent   int
	closed chan struct{}
	once   sync.Once
}

func newSinkConn() *sinkConn {
	return &sinkConn{closed: make(chan struct{})}
}

func (c *sinkConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}

func (c *sinkConn) Send(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent += len(data)
	return len(data), nil
}

func (c *sinkConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestPeersService(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.RetryInterval = 5 * time.Millisecond
	cfg.Transport.FlushInterval = 5 * time.Millisecond
	cfg.Transport.Peers = []config.PeerConfig{
		{Name: "visible@host", Address: "127.0.0.1:1"},
		{Name: "hidden@host", Address: "127.0.0.1:2", Hidden: true},
	}
	tables := nodetab.New()

	s := NewPeersService(cfg.Transport, tables)
	s.dial = func(peer config.PeerConfig) (transport.Dialer, error) {
		return func(ctx context.Context) (transport.Conn, error) {
			return newSinkConn(), nil
		}, nil
	}
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return tables.ClassCounts() == nodetab.ClassCounts{NotConnected: 1, Hidden: 1, Visible: 1}
	}, 5*time.Second, time.Millisecond)

	st, err := s.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"visible@host": nodetab.StatusConnected.String(),
		"hidden@host":  nodetab.StatusConnected.String(),
	}, st.Data["peers"])

	cancel()
	require.NoError(t, <-errc)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, nodetab.ClassCounts{NotConnected: 3}, tables.ClassCounts())
}

func TestApplicationRegistersPeers(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Peers = []config.PeerConfig{{Name: "b@host", Address: "127.0.0.1:4370"}}
	app, err := NewApplication(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"gc-sweeper", "peers"}, app.Lifecycle().Services())
}

func TestPeersServiceTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
	}()

	cfg := testConfig()
	cfg.Transport.FlushInterval = 5 * time.Millisecond
	cfg.Transport.Peers = []config.PeerConfig{
		{Name: "tcp@host", Address: ln.Addr().String(), Protocol: config.ProtocolTCP},
	}
	tables := nodetab.New()
	s := NewPeersService(cfg.Transport, tables)
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		de, ok := tables.FindConnected("tcp@host")
		if ok {
			tables.ReleaseDist(de)
		}
		return ok
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
}
