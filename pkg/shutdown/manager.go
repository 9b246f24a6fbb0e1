package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	shutdownDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shutdown_duration_seconds",
		Help:    "Total time taken to shutdown gracefully",
		Buckets: []float64{1, 5, 10, 15, 20, 25, 30},
	})

	componentShutdownDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "component_shutdown_duration_seconds",
		Help:    "Time taken to shutdown individual components",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15, 20, 25, 30},
	}, []string{"component"})

	shutdownErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shutdown_errors_total",
		Help: "Total number of shutdown errors by component",
	}, []string{"component"})
)

// ShutdownFunc represents a function that shuts down a component
type ShutdownFunc func(context.Context) error

// Component represents a registered shutdown component
type Component struct {
	Name         string
	ShutdownFunc ShutdownFunc
}

// Manager coordinates graceful shutdown of all service components.
// Components shut down one at a time in REVERSE registration order, so the
// HTTP server drains (and finishes recording in-flight charges) before the
// event publisher and the database pool close.
type Manager struct {
	logger     *zap.Logger
	components []Component
	mu         sync.Mutex
	timeout    time.Duration
	once       sync.Once
}

// NewManager creates a new shutdown manager
func NewManager(logger *zap.Logger, timeout time.Duration) *Manager {
	return &Manager{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a shutdown function. Register dependencies first:
//  1. Database
//  2. Event publisher
//  3. HTTP servers
func (sm *Manager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.components = append(sm.components, Component{Name: name, ShutdownFunc: fn})

	sm.logger.Debug("Registered shutdown component",
		zap.String("component", name),
		zap.Int("registration_order", len(sm.components)),
	)
}

// Shutdown runs every component once. Later calls are no-ops.
func (sm *Manager) Shutdown() error {
	var err error
	sm.once.Do(func() {
		err = sm.shutdown()
	})
	return err
}

func (sm *Manager) shutdown() error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	sm.mu.Lock()
	components := make([]Component, len(sm.components))
	copy(components, sm.components)
	sm.mu.Unlock()

	sm.logger.Info("Starting graceful shutdown",
		zap.Int("component_count", len(components)),
		zap.Duration("timeout", sm.timeout),
	)

	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		if err := sm.shutdownComponent(ctx, components[i]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", components[i].Name, err))
		}
	}

	elapsed := time.Since(start)
	shutdownDuration.Observe(elapsed.Seconds())

	if len(errs) > 0 {
		sm.logger.Error("Graceful shutdown completed with errors",
			zap.Int("error_count", len(errs)),
			zap.Duration("elapsed", elapsed),
		)
		return errors.Join(errs...)
	}

	sm.logger.Info("Graceful shutdown completed successfully", zap.Duration("elapsed", elapsed))
	return nil
}

func (sm *Manager) shutdownComponent(ctx context.Context, comp Component) error {
	start := time.Now()
	defer func() {
		componentShutdownDuration.WithLabelValues(comp.Name).Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		shutdownErrors.WithLabelValues(comp.Name).Inc()
		sm.logger.Warn("Shutdown timeout exceeded before component",
			zap.String("component", comp.Name),
		)
		return err
	}

	sm.logger.Info("Shutting down component", zap.String("component", comp.Name))
	if err := comp.ShutdownFunc(ctx); err != nil {
		shutdownErrors.WithLabelValues(comp.Name).Inc()
		sm.logger.Error("Component shutdown failed",
			zap.String("component", comp.Name),
			zap.Error(err),
			zap.Duration("elapsed", time.Since(start)),
		)
		return err
	}

	sm.logger.Info("Component shut down successfully",
		zap.String("component", comp.Name),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// RegisterHTTPServer is a convenience method for registering HTTP servers
func (sm *Manager) RegisterHTTPServer(name string, server interface{ Shutdown(context.Context) error }) {
	sm.Register(name, server.Shutdown)
}

// RegisterCloser is a convenience method for registering components with Close() method
func (sm *Manager) RegisterCloser(name string, closer interface{ Close() error }) {
	sm.Register(name, func(ctx context.Context) error {
		return closer.Close()
	})
}

// RegisterNoErr is a convenience method for shutdown functions that don't return errors
func (sm *Manager) RegisterNoErr(name string, fn func()) {
	sm.Register(name, func(ctx context.Context) error {
		fn()
		return nil
	})
}
