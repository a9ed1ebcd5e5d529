package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultShutdownTimeout bounds the whole drain when the caller passes 0.
const defaultShutdownTimeout = 30 * time.Second

// ShutdownFunc releases one resource during drain: close the health
// listener, flush the OTel exporters, cancel the background loops.
type ShutdownFunc func(context.Context) error

// ShutdownManager drains the process on SIGINT/SIGTERM: the HTTP server
// stops accepting first, then every registered hook runs concurrently under
// one shared deadline.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	hooks []ShutdownFunc
}

// NewShutdownManager wires a manager around the main API server.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &ShutdownManager{logger: logger, server: server, timeout: timeout}
}

// RegisterShutdownFunc adds a hook to run during drain. Hooks run
// concurrently; order must not matter between them.
func (sm *ShutdownManager) RegisterShutdownFunc(fn ShutdownFunc) {
	sm.mu.Lock()
	sm.hooks = append(sm.hooks, fn)
	sm.mu.Unlock()
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives, then drains.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	sm.logger.Infof("Received %s, draining", sig)
	return sm.Shutdown()
}

// Shutdown performs the drain immediately: server first, hooks after, all
// bounded by the manager's timeout. Exposed separately from
// WaitForShutdown so tests and embedders can drain without raising a
// signal.
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	if sm.server != nil {
		sm.logger.Info("Stopping HTTP server")
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server shutdown failed")
			return fmt.Errorf("http server shutdown: %w", err)
		}
	}

	sm.mu.Lock()
	hooks := make([]ShutdownFunc, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mu.Unlock()

	var g errgroup.Group
	for i, hook := range hooks {
		i, hook := i, hook
		g.Go(func() error {
			if err := hook(ctx); err != nil {
				sm.logger.WithError(err).Errorf("Shutdown hook %d failed", i)
				return fmt.Errorf("shutdown hook %d: %w", i, err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		sm.logger.Warn("Shutdown deadline reached with hooks still running")
		return fmt.Errorf("shutdown timed out after %s", sm.timeout)
	}

	sm.logger.Info("Drain complete")
	return nil
}
