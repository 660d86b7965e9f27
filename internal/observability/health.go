// Package observability serves the gateway's health and metrics endpoints.
package observability

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// HealthChecker serves /healthz and /metrics over one HTTP listener.
// Readiness follows the FIX session: the gateway reports healthy only
// while the session can carry order flow.
type HealthChecker struct {
	httpServer *http.Server
	logger     *zap.Logger
	mu         sync.RWMutex
	ready      bool
	sessionUp  bool
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		logger: logger,
		ready:  true,
	}
}

// StartHTTPServer starts the HTTP server with health and metrics routes.
func (h *HealthChecker) StartHTTPServer(addr string, metricsHandler http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	h.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	h.logger.Info("starting HTTP observability server", zap.String("addr", addr))
	return h.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the health checker.
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.mu.Unlock()

	if h.httpServer != nil {
		return h.httpServer.Shutdown(ctx)
	}
	return nil
}

// SetSessionUp records whether the FIX session is carrying traffic.
func (h *HealthChecker) SetSessionUp(up bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionUp = up
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready && h.sessionUp
	h.mu.RUnlock()

	if ready {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT_READY"))
	}
}
