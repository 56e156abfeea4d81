package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultServiceTimeout bounds a single Start or Stop call.
const DefaultServiceTimeout = 30 * time.Second

// DefaultLifecycleManager implements the LifecycleManager interface
type DefaultLifecycleManager struct {
	// services holds all registered services
	services map[string]Service

	// dependencies tracks service dependencies
	dependencies map[string][]string

	// startOrder tracks the order services were started
	startOrder []string

	// opMu serializes Start and Stop. Services are called without mutex.
	opMu sync.Mutex

	// mutex protects the fields above and started
	mutex sync.RWMutex

	// started indicates if the lifecycle manager has been started
	started bool

	// listeners for lifecycle events
	listeners   []func(LifecycleEvent)
	listenersMu sync.RWMutex

	// timeout for service operations
	timeout time.Duration
}

var _ LifecycleManager = &DefaultLifecycleManager{}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager() *DefaultLifecycleManager {
	return &DefaultLifecycleManager{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      DefaultServiceTimeout,
	}
}

// Register registers a service with the lifecycle manager
func (lm *DefaultLifecycleManager) Register(name string, service Service, deps ...string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if service == nil {
		return fmt.Errorf("service cannot be nil")
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.started {
		return fmt.Errorf("cannot register service %s: lifecycle manager already started", name)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	lm.services[name] = service
	lm.dependencies[name] = deps

	lm.broadcastEvent(LifecycleEvent{
		Type:      EventRegistered,
		Service:   name,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"dependencies": deps},
	})
	return nil
}

// Start starts all services in dependency order. When a service fails to
// start, the services already started are stopped again in reverse order.
func (lm *DefaultLifecycleManager) Start(ctx context.Context) error {
	lm.opMu.Lock()
	defer lm.opMu.Unlock()

	lm.mutex.Lock()
	if lm.started {
		lm.mutex.Unlock()
		return fmt.Errorf("lifecycle manager already started")
	}
	startOrder, err := lm.calculateStartOrder()
	if err != nil {
		lm.mutex.Unlock()
		return fmt.Errorf("failed to calculate start order: %w", err)
	}
	// Registration is closed from here on.
	lm.started = true
	lm.mutex.Unlock()

	for _, serviceName := range startOrder {
		service := lm.service(serviceName)
		lm.broadcastEvent(LifecycleEvent{Type: EventStarting, Service: serviceName, Timestamp: time.Now()})

		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			lm.broadcastEvent(LifecycleEvent{Type: EventStartFailed, Service: serviceName, Timestamp: time.Now(), Error: err})
			log.WithField("caller", "lifecycle").WithError(err).Errorf("Service %s failed to start", serviceName)
			lm.stopStarted(context.WithoutCancel(ctx))
			lm.mutex.Lock()
			lm.started = false
			lm.mutex.Unlock()
			return &ApplicationError{Operation: "start", Service: serviceName, Err: err}
		}

		lm.mutex.Lock()
		lm.startOrder = append(lm.startOrder, serviceName)
		lm.mutex.Unlock()
		lm.broadcastEvent(LifecycleEvent{Type: EventStarted, Service: serviceName, Timestamp: time.Now()})
	}

	lm.broadcastEvent(LifecycleEvent{
		Type:      EventLifecycleStart,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"order": startOrder},
	})
	return nil
}

// Stop stops all services in reverse start order. Every service is asked to
// stop even when an earlier one fails; the failures are joined.
func (lm *DefaultLifecycleManager) Stop(ctx context.Context) error {
	lm.opMu.Lock()
	defer lm.opMu.Unlock()

	if !lm.IsStarted() {
		return nil
	}

	err := lm.stopStarted(ctx)
	lm.mutex.Lock()
	lm.started = false
	lm.mutex.Unlock()

	lm.broadcastEvent(LifecycleEvent{Type: EventLifecycleStop, Timestamp: time.Now(), Error: err})
	return err
}

func (lm *DefaultLifecycleManager) stopStarted(ctx context.Context) error {
	lm.mutex.RLock()
	order := append([]string(nil), lm.startOrder...)
	lm.mutex.RUnlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		serviceName := order[i]
		service := lm.service(serviceName)
		lm.broadcastEvent(LifecycleEvent{Type: EventStopping, Service: serviceName, Timestamp: time.Now()})

		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := service.Stop(stopCtx)
		cancel()

		if err != nil {
			errs = append(errs, &ApplicationError{Operation: "stop", Service: serviceName, Err: err})
			lm.broadcastEvent(LifecycleEvent{Type: EventStopFailed, Service: serviceName, Timestamp: time.Now(), Error: err})
			log.WithField("caller", "lifecycle").WithError(err).Warnf("Service %s failed to stop", serviceName)
		} else {
			lm.broadcastEvent(LifecycleEvent{Type: EventStopped, Service: serviceName, Timestamp: time.Now()})
		}
	}

	lm.mutex.Lock()
	lm.startOrder = nil
	lm.mutex.Unlock()
	return errors.Join(errs...)
}

func (lm *DefaultLifecycleManager) service(name string) Service {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()
	return lm.services[name]
}

// Health returns the health status of all services
func (lm *DefaultLifecycleManager) Health(ctx context.Context) map[string]HealthStatus {
	lm.mutex.RLock()
	services := make(map[string]Service, len(lm.services))
	for name, service := range lm.services {
		services[name] = service
	}
	lm.mutex.RUnlock()

	health := make(map[string]HealthStatus, len(services))
	for name, service := range services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		if status.LastCheck.IsZero() {
			status.LastCheck = time.Now()
		}
		health[name] = status
	}
	return health
}

// Services returns all registered service names
func (lm *DefaultLifecycleManager) Services() []string {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Started returns the started services in start order
func (lm *DefaultLifecycleManager) Started() []Service {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	out := make([]Service, 0, len(lm.startOrder))
	for _, name := range lm.startOrder {
		out = append(out, lm.services[name])
	}
	return out
}

// AddListener adds a lifecycle event listener
func (lm *DefaultLifecycleManager) AddListener(listener func(LifecycleEvent)) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()
	lm.listeners = append(lm.listeners, listener)
}

// SetTimeout sets the timeout for service operations
func (lm *DefaultLifecycleManager) SetTimeout(timeout time.Duration) {
	lm.opMu.Lock()
	defer lm.opMu.Unlock()
	lm.timeout = timeout
}

// IsStarted returns true if the lifecycle manager has been started
func (lm *DefaultLifecycleManager) IsStarted() bool {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()
	return lm.started
}

// calculateStartOrder calculates the order to start services based on
// dependencies. Services without mutual ordering start in name order.
func (lm *DefaultLifecycleManager) calculateStartOrder() ([]string, error) {
	// Topological sort using Kahn's algorithm
	inDegree := make(map[string]int, len(lm.services))
	graph := make(map[string][]string, len(lm.services))

	for service := range lm.services {
		inDegree[service] = 0
	}
	for service, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, exists := lm.services[dep]; !exists {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, service)
			}
			graph[dep] = append(graph[dep], service)
			inDegree[service]++
		}
	}

	var queue []string
	for service, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, service)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(lm.services))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		var ready []string
		for _, dependent := range graph[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(result) != len(lm.services) {
		return nil, fmt.Errorf("circular dependency detected")
	}
	return result, nil
}

// broadcastEvent delivers an event to every listener in registration order
func (lm *DefaultLifecycleManager) broadcastEvent(event LifecycleEvent) {
	lm.listenersMu.RLock()
	listeners := make([]func(LifecycleEvent), len(lm.listeners))
	copy(listeners, lm.listeners)
	lm.listenersMu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("caller", "lifecycle").Errorf("Lifecycle listener panicked: %v", r)
				}
			}()
			listener(event)
		}()
	}
}
