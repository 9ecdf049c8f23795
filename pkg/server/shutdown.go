// Package server wraps net/http with the graceful shutdown behavior the
// example server runs under: signal-triggered draining of in-flight
// requests before the listener is closed, plus a callback hook so
// collaborators (cache, error tracking, the logger) can flush state on the
// way down.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/relapi/engine/pkg/logger"
	"github.com/relapi/engine/pkg/metrics"
)

// GracefulServer wraps http.Server with graceful shutdown capabilities:
// in-flight request tracking, signal handling, and a drain phase before the
// underlying listener is closed.
type GracefulServer struct {
	server           *http.Server
	shutdownTimeout  time.Duration
	drainTimeout     time.Duration
	inFlightRequests atomic.Int64
	isShuttingDown   atomic.Bool
	shutdownOnce     sync.Once
	shutdownComplete chan struct{}
}

// Config holds configuration for the graceful server.
type Config struct {
	// Addr is the server address (e.g., ":8080").
	Addr string

	// Handler is the HTTP handler.
	Handler http.Handler

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// DrainTimeout is the time to wait for in-flight requests to complete
	// before forcing shutdown. Default: 25 seconds.
	DrainTimeout time.Duration

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the
	// response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum amount of time to wait for the next
	// request.
	IdleTimeout time.Duration
}

// NewGracefulServer creates a new graceful server from cfg, applying the
// same defaults the engine's own timeout-sensitive components use.
func NewGracefulServer(cfg Config) *GracefulServer {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 25 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}

	return &GracefulServer{
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      cfg.Handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		shutdownTimeout:  cfg.ShutdownTimeout,
		drainTimeout:     cfg.DrainTimeout,
		shutdownComplete: make(chan struct{}),
	}
}

// TrackRequestsMiddleware tracks in-flight requests and rejects new ones
// once shutdown has begun. The count is mirrored into the metrics
// Provider's requests-in-flight gauge so the same number is visible on
// /metrics, not just through ReadinessHandler.
func (gs *GracefulServer) TrackRequestsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gs.isShuttingDown.Load() {
			http.Error(w, `{"error":"service_unavailable","message":"server is shutting down"}`, http.StatusServiceUnavailable)
			return
		}

		gs.inFlightRequests.Add(1)
		metrics.GetProvider().IncRequestsInFlight()
		defer func() {
			gs.inFlightRequests.Add(-1)
			metrics.GetProvider().DecRequestsInFlight()
		}()

		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the server and blocks until it exits, either because
// ListenAndServe itself errored or because SIGINT/SIGTERM triggered a
// graceful shutdown.
func (gs *GracefulServer) ListenAndServe() error {
	gs.server.Handler = gs.TrackRequestsMiddleware(gs.server.Handler)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening on %s", gs.server.Addr)
		if err := gs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-serverErr:
		return err
	case sig := <-sigChan:
		logger.Info("received signal %v, initiating graceful shutdown", sig)
		return gs.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests, then closes the underlying listener.
// Safe to call more than once; only the first call performs any work.
func (gs *GracefulServer) Shutdown(ctx context.Context) error {
	var shutdownErr error

	gs.shutdownOnce.Do(func() {
		logger.Info("starting graceful shutdown")
		gs.isShuttingDown.Store(true)

		shutdownCtx, cancel := context.WithTimeout(ctx, gs.shutdownTimeout)
		defer cancel()

		drainCtx, drainCancel := context.WithTimeout(shutdownCtx, gs.drainTimeout)
		defer drainCancel()

		shutdownErr = gs.drainRequests(drainCtx)
		if shutdownErr != nil {
			logger.Error("error draining requests: %v", shutdownErr)
		}

		logger.Info("shutting down HTTP listener")
		if err := gs.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down listener: %v", err)
			if shutdownErr == nil {
				shutdownErr = err
			}
		}

		if err := executeShutdownCallbacks(shutdownCtx); err != nil {
			logger.Error("error executing shutdown callbacks: %v", err)
			if shutdownErr == nil {
				shutdownErr = err
			}
		}

		logger.Info("graceful shutdown complete")
		close(gs.shutdownComplete)
	})

	return shutdownErr
}

// drainRequests blocks until the in-flight counter reaches zero or ctx is
// done, whichever comes first.
func (gs *GracefulServer) drainRequests(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	start := time.Now()
	for {
		inFlight := gs.inFlightRequests.Load()
		if inFlight == 0 {
			logger.Info("all requests drained in %v", time.Since(start))
			return nil
		}

		select {
		case <-ctx.Done():
			logger.Warn("drain timeout exceeded with %d requests still in flight", inFlight)
			return fmt.Errorf("drain timeout exceeded: %d requests still in flight", inFlight)
		case <-ticker.C:
			logger.Debug("waiting for %d in-flight requests to complete", inFlight)
		}
	}
}

// InFlightRequests returns the current number of in-flight requests.
func (gs *GracefulServer) InFlightRequests() int64 {
	return gs.inFlightRequests.Load()
}

// IsShuttingDown reports whether shutdown has begun.
func (gs *GracefulServer) IsShuttingDown() bool {
	return gs.isShuttingDown.Load()
}

// Wait blocks until shutdown has fully completed.
func (gs *GracefulServer) Wait() {
	<-gs.shutdownComplete
}

// HealthCheckHandler responds 200 while serving, 503 once shutdown starts.
func (gs *GracefulServer) HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if gs.IsShuttingDown() {
			http.Error(w, `{"status":"shutting_down"}`, http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"healthy"}`)); err != nil {
			logger.Warn("failed to write health response: %v", err)
		}
	}
}

// ReadinessHandler reports readiness plus the current in-flight count.
func (gs *GracefulServer) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if gs.IsShuttingDown() {
			http.Error(w, `{"ready":false,"reason":"shutting_down"}`, http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"ready":true,"in_flight_requests":%d}`, gs.InFlightRequests())
	}
}

// ShutdownCallback is invoked during shutdown, after the listener has
// stopped accepting new connections but before Shutdown returns.
type ShutdownCallback func(context.Context) error

var (
	shutdownCallbacks   []ShutdownCallback
	shutdownCallbacksMu sync.Mutex
)

// RegisterShutdownCallback registers cb to run during shutdown. The example
// server uses it to close the cache provider, flush error tracking, and
// sync the logger.
func RegisterShutdownCallback(cb ShutdownCallback) {
	shutdownCallbacksMu.Lock()
	defer shutdownCallbacksMu.Unlock()
	shutdownCallbacks = append(shutdownCallbacks, cb)
}

func executeShutdownCallbacks(ctx context.Context) error {
	shutdownCallbacksMu.Lock()
	callbacks := make([]ShutdownCallback, len(shutdownCallbacks))
	copy(callbacks, shutdownCallbacks)
	shutdownCallbacksMu.Unlock()

	var errs []error
	for i, cb := range callbacks {
		logger.Debug("executing shutdown callback %d/%d", i+1, len(callbacks))
		if err := cb(ctx); err != nil {
			logger.Error("shutdown callback %d failed: %v", i+1, err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown callbacks failed: %v", errs)
	}
	return nil
}
