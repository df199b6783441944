package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state.
// Readiness flips to true once stores, bus subscriptions and projection rebuild are done.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu        sync.Mutex
	listeners []func(ready bool)
	details   map[string]any
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// OnChange registers fn to be called whenever readiness changes.
func (h *HealthChecker) OnChange(fn func(ready bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	if h.ready.Swap(ready) == ready {
		return
	}
	h.mu.Lock()
	listeners := append([]func(bool){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(ready)
	}
}

// SetDetail adds a key reported by the readiness endpoint, such as the
// event store schema version.
func (h *HealthChecker) SetDetail(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.details == nil {
		h.details = make(map[string]any)
	}
	h.details[key] = value
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "not_ready"}
	h.mu.Lock()
	for k, v := range h.details {
		body[k] = v
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if h.ready.Load() {
		body["status"] = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
