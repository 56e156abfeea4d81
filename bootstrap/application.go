package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/nodetab/config"
	"github.com/najoast/nodetab/nodetab"
	"github.com/najoast/nodetab/reclaim"
)

// DefaultShutdownTimeout bounds stopping all services.
const DefaultShutdownTimeout = 30 * time.Second

// Application owns the node tables and the services around them.
type Application struct {
	cfg       *config.Config
	cfgMu     sync.RWMutex
	tables    *nodetab.Registry
	gc        *reclaim.Reclaimer
	lifecycle *DefaultLifecycleManager

	mutex   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures an Application.
type Option func(*Application) error

// WithWatcher applies configuration reloads from w to the running tables.
func WithWatcher(w *config.Watcher) Option {
	return func(app *Application) error {
		w.OnConfigChange(app.applyConfig)
		return app.lifecycle.Register("config-watcher", NewWatcherService(w))
	}
}

// WithService registers an additional service.
func WithService(service Service, deps ...string) Option {
	return func(app *Application) error {
		return app.lifecycle.Register(service.Name(), service, deps...)
	}
}

// NewApplication builds the tables from cfg and registers the standard
// services.
func NewApplication(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}

	gc := reclaim.New(reclaim.WithDelay(cfg.Dist.GCDelay))
	tables := nodetab.New(
		nodetab.WithReclaimer(gc),
		nodetab.WithQueueLimits(cfg.Queue.Limits()),
		nodetab.WithAtomCacheSize(cfg.Dist.AtomCacheSize),
	)
	tables.SetThisNode(cfg.Node.Name, cfg.Node.Creation)

	app := &Application{
		cfg:       cfg,
		tables:    tables,
		gc:        gc,
		lifecycle: NewLifecycleManager(),
	}

	if err := app.lifecycle.Register("gc-sweeper", NewSweeperService(gc, cfg.Dist.SweepInterval)); err != nil {
		return nil, err
	}
	if len(cfg.Transport.Peers) > 0 {
		if err := app.lifecycle.Register("peers", NewPeersService(cfg.Transport, tables), "gc-sweeper"); err != nil {
			return nil, err
		}
	}
	if cfg.Monitor.Enabled && cfg.Monitor.HTTP.Enabled {
		monitor := NewMonitorService(cfg.Monitor.HTTP, tables, app.lifecycle.Health)
		if err := app.lifecycle.Register("monitor", monitor, "gc-sweeper"); err != nil {
			return nil, err
		}
	}

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, &ApplicationError{Operation: "configure", Err: err}
		}
	}
	return app, nil
}

// Tables returns the node and dist tables.
func (app *Application) Tables() *nodetab.Registry {
	return app.tables
}

// Lifecycle returns the lifecycle manager.
func (app *Application) Lifecycle() *DefaultLifecycleManager {
	return app.lifecycle
}

// Config returns the active configuration.
func (app *Application) Config() *config.Config {
	app.cfgMu.RLock()
	defer app.cfgMu.RUnlock()
	return app.cfg
}

// Run starts all services, runs their loops and stops them again when ctx
// is done, a signal arrives, Shutdown is called or a loop fails.
func (app *Application) Run(ctx context.Context) error {
	app.mutex.Lock()
	if app.running {
		app.mutex.Unlock()
		return fmt.Errorf("application is already running")
	}
	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	app.running = true
	app.cancel = cancel
	app.done = make(chan struct{})
	done := app.done
	app.mutex.Unlock()

	defer func() {
		app.mutex.Lock()
		app.running = false
		app.cancel = nil
		app.mutex.Unlock()
		close(done)
	}()

	if err := app.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}
	log.WithField("caller", "application").Infof("Node %s started", app.tables.ThisNode())

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range app.lifecycle.Started() {
		r, ok := svc.(Runner)
		if !ok {
			continue
		}
		name := svc.Name()
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				return &ApplicationError{Operation: "run", Service: name, Err: err}
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	log.WithField("caller", "application").Info("Shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer stopCancel()
	stopErr := app.lifecycle.Stop(stopCtx)

	// Deletions due at exit are carried out once more before returning.
	if n := app.gc.Sweep(); n > 0 {
		log.WithField("caller", "application").Debugf("Reclaimed %d records at shutdown", n)
	}

	return errors.Join(runErr, stopErr)
}

// Shutdown stops a running application and waits for Run to return.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mutex.Lock()
	if !app.running {
		app.mutex.Unlock()
		return nil
	}
	cancel, done := app.cancel, app.done
	app.mutex.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyConfig carries live-changeable settings over to the running tables.
func (app *Application) applyConfig(oldConfig, newConfig *config.Config) {
	logger := log.WithField("caller", "application")

	if newConfig.Dist.GCDelay != oldConfig.Dist.GCDelay {
		if err := app.gc.SetDelay(newConfig.Dist.GCDelay); err != nil {
			logger.WithError(err).Warn("Rejected gc delay")
		} else {
			logger.Infof("GC delay is now %s", newConfig.Dist.GCDelay)
		}
	}
	if newConfig.Queue != oldConfig.Queue {
		if err := app.tables.SetQueueLimits(newConfig.Queue.Limits()); err != nil {
			logger.WithError(err).Warn("Rejected queue limits")
		} else {
			logger.Infof("Queue limits are now %d/%d", newConfig.Queue.HighWater, newConfig.Queue.LowWater)
		}
	}
	if newConfig.Log.Level != oldConfig.Log.Level {
		if level, err := log.ParseLevel(newConfig.Log.Level.String()); err == nil {
			log.SetLevel(level)
		}
	}
	if newConfig.Node != oldConfig.Node {
		logger.Warnf("Node identity change to %s/%d takes effect on restart", newConfig.Node.Name, newConfig.Node.Creation)
	}
	if newConfig.Dist.SweepInterval != oldConfig.Dist.SweepInterval ||
		newConfig.Dist.AtomCacheSize != oldConfig.Dist.AtomCacheSize {
		logger.Warn("Sweep interval and atom cache size changes take effect on restart")
	}

	app.cfgMu.Lock()
	app.cfg = newConfig
	app.cfgMu.Unlock()
}
