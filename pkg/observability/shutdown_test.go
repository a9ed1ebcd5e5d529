package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func shutdownLogger() *Logger {
	return NewLogger(ErrorLevel, io.Discard)
}

func TestShutdownManager_RunsAllHooks(t *testing.T) {
	sm := NewShutdownManager(shutdownLogger(), nil, time.Second)

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	if err := sm.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if ran.Load() != 3 {
		t.Errorf("hooks ran = %d, want 3", ran.Load())
	}
}

func TestShutdownManager_HookErrorSurfaces(t *testing.T) {
	sm := NewShutdownManager(shutdownLogger(), nil, time.Second)

	var ran atomic.Int32
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		ran.Add(1)
		return errors.New("redis close failed")
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})

	err := sm.Shutdown()
	if err == nil || !strings.Contains(err.Error(), "redis close failed") {
		t.Fatalf("Shutdown() error = %v, want hook failure", err)
	}
	// A failing hook must not stop its siblings.
	if ran.Load() != 2 {
		t.Errorf("hooks ran = %d, want 2", ran.Load())
	}
}

func TestShutdownManager_Timeout(t *testing.T) {
	sm := NewShutdownManager(shutdownLogger(), nil, 20*time.Millisecond)

	release := make(chan struct{})
	defer close(release)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		<-release
		return nil
	})

	start := time.Now()
	err := sm.Shutdown()
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Shutdown() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown() blocked %s past its deadline", elapsed)
	}
}

func TestShutdownManager_HooksSeeDeadline(t *testing.T) {
	sm := NewShutdownManager(shutdownLogger(), nil, 50*time.Millisecond)

	var hadDeadline atomic.Bool
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		hadDeadline.Store(ok)
		return nil
	})

	if err := sm.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !hadDeadline.Load() {
		t.Error("hook context carried no deadline")
	}
}

func TestShutdownManager_StopsServerBeforeHooks(t *testing.T) {
	// A real listening server: Shutdown must stop it, then run hooks.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)

	sm := NewShutdownManager(shutdownLogger(), srv.Config, time.Second)
	var hookRan atomic.Bool
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		hookRan.Store(true)
		return nil
	})

	if err := sm.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !hookRan.Load() {
		t.Error("hook did not run after server shutdown")
	}
	if _, err := http.Get(srv.URL); err == nil {
		t.Error("server still accepting connections after Shutdown()")
	}
}

func TestNewShutdownManager_DefaultTimeout(t *testing.T) {
	sm := NewShutdownManager(shutdownLogger(), nil, 0)
	if sm.timeout != defaultShutdownTimeout {
		t.Errorf("timeout = %s, want %s", sm.timeout, defaultShutdownTimeout)
	}
}
