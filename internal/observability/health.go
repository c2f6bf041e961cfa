package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthChecker tracks liveness and readiness. The service is ready once
// every registered component reports ready.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]bool
	startTime  time.Time
	onChange   []func(ready bool)
}

// NewHealthChecker creates a checker that waits on the named components.
func NewHealthChecker(components ...string) *HealthChecker {
	h := &HealthChecker{
		components: make(map[string]bool, len(components)),
		startTime:  time.Now(),
	}
	for _, c := range components {
		h.components[c] = false
	}
	return h
}

// OnChange registers fn to be called whenever overall readiness may have
// changed. The gRPC health server hooks in here.
func (h *HealthChecker) OnChange(fn func(ready bool)) {
	h.mu.Lock()
	h.onChange = append(h.onChange, fn)
	h.mu.Unlock()
}

// SetComponentReady records the state of one dependency.
func (h *HealthChecker) SetComponentReady(name string, ready bool) {
	h.mu.Lock()
	h.components[name] = ready
	all := h.readyLocked()
	hooks := append([]func(bool){}, h.onChange...)
	h.mu.Unlock()

	for _, fn := range hooks {
		fn(all)
	}
}

// SetReady flips every component at once.
func (h *HealthChecker) SetReady(ready bool) {
	h.mu.Lock()
	for name := range h.components {
		h.components[name] = ready
	}
	if len(h.components) == 0 {
		h.components["service"] = ready
	}
	hooks := append([]func(bool){}, h.onChange...)
	h.mu.Unlock()

	for _, fn := range hooks {
		fn(ready)
	}
}

// IsReady reports whether every component is ready.
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readyLocked()
}

func (h *HealthChecker) readyLocked() bool {
	if len(h.components) == 0 {
		return false
	}
	for _, ok := range h.components {
		if !ok {
			return false
		}
	}
	return true
}

// Pending lists components not yet ready, sorted.
func (h *HealthChecker) Pending() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for name, ok := range h.components {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// LivenessHandler returns 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 when ready, 503 with the pending components
// otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "not_ready",
		"pending": h.Pending(),
	})
}
