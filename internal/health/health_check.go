package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

// Check is a named readiness probe
type Check struct {
	Name string
	Fn   CheckFunc
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	checks  []Check
	timeout time.Duration
	logger  *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. Nil check functions are skipped.
func NewHealthChecker(logger *zap.Logger, checks ...Check) *HealthChecker {
	active := make([]Check, 0, len(checks))
	for _, c := range checks {
		if c.Fn != nil {
			active = append(active, c)
		}
	}
	return &HealthChecker{
		checks:  active,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks, ready := h.Check(ctx)
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	code := http.StatusOK
	if !ready {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeStatus(w, code, status)
}

// Check runs every probe concurrently and reports each outcome
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		ready  = true
		checks = make(map[string]string, len(h.checks))
	)

	for _, c := range h.checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			err := c.Fn(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				h.logger.Error("Health check failed", zap.String("check", c.Name), zap.Error(err))
				checks[c.Name] = "unhealthy: " + err.Error()
				ready = false
				return
			}
			checks[c.Name] = "healthy"
		}(c)
	}
	wg.Wait()

	return checks, ready
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
