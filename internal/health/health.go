// Package health provides liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdoc/internal/metrics"
	"go.uber.org/zap"
)

// Pinger is a dependency that can report its own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// HealthCheck tracks the health of the server's dependencies.
type HealthCheck struct {
	deps          map[string]Pinger
	metrics       *metrics.Metrics
	logger        *zap.Logger
	checkInterval time.Duration
	checkTimeout  time.Duration

	mu        sync.RWMutex
	ready     bool
	lastCheck time.Time
	checks    map[string]string
	lastErr   string
}

// NewHealthCheck creates a new HealthCheck over the named dependencies.
func NewHealthCheck(deps map[string]Pinger, m *metrics.Metrics, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		deps:          deps,
		metrics:       m,
		logger:        logger,
		checkInterval: 5 * time.Second,
		checkTimeout:  5 * time.Second,
	}
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests.
// Returns 200 OK once every dependency answered its last ping.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !hc.IsReady() {
		// Not ready yet or the last round failed, check again now
		ctx, cancel := context.WithTimeout(r.Context(), hc.checkTimeout)
		hc.Check(ctx)
		cancel()
	}

	hc.mu.RLock()
	resp := ReadinessResponse{Status: "ready", Checks: copyChecks(hc.checks)}
	ready := hc.ready
	if !ready {
		resp.Status = "not_ready"
		resp.Error = hc.lastErr
	}
	hc.mu.RUnlock()

	if ready {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, resp)
}

// Check pings every dependency once and records the result.
func (hc *HealthCheck) Check(ctx context.Context) bool {
	names := make([]string, 0, len(hc.deps))
	for name := range hc.deps {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	ready := true
	var lastErr string
	for _, name := range names {
		if err := hc.deps[name].Ping(ctx); err != nil {
			checks[name] = "unhealthy"
			ready = false
			lastErr = name + ": " + err.Error()
			hc.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		checks[name] = "healthy"
	}

	hc.mu.Lock()
	hc.ready = ready
	hc.checks = checks
	hc.lastErr = lastErr
	hc.lastCheck = time.Now()
	hc.mu.Unlock()

	if hc.metrics != nil {
		hc.metrics.SetHealthStatus(ready)
	}
	return ready
}

// Run performs periodic health checks until ctx is cancelled.
func (hc *HealthCheck) Run(ctx context.Context) error {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
		hc.Check(checkCtx)
		cancel()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

// SetReady sets the readiness status (for testing and shutdown).
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.ready = ready
}

func copyChecks(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
