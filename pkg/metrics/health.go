package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Component names reported by the agent
const (
	ComponentStorage = "storage"
	ComponentPush    = "push"
)

// Overall statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// A failing push only delays delivery; entries keep accumulating on disk.
// A failing store loses entries.
var degradedOnly = map[string]bool{ComponentPush: true}

// HealthStatus is the JSON body of /health and /ready
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentReport `json:"components,omitempty"`
	Message    string                     `json:"message,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
}

// ComponentReport is one component's entry in a HealthStatus
type ComponentReport struct {
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Since   time.Time `json:"since"`
}

type registry struct {
	mu         sync.RWMutex
	components map[string]ComponentReport
	startTime  time.Time
	version    string
}

var health = newRegistry()

func newRegistry() *registry {
	return &registry{
		components: make(map[string]ComponentReport),
		startTime:  time.Now(),
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// RegisterComponent (re)sets a component's state
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = ComponentReport{Healthy: healthy, Message: message, Since: time.Now()}
}

// UpdateComponent records a component's latest state. Since only moves
// when the component flips between healthy and unhealthy.
func UpdateComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()

	prev, ok := health.components[name]
	since := time.Now()
	if ok && prev.Healthy == healthy {
		since = prev.Since
	}
	health.components[name] = ComponentReport{Healthy: healthy, Message: message, Since: since}
}

func (r *registry) snapshot() (map[string]ComponentReport, HealthStatus) {
	components := make(map[string]ComponentReport, len(r.components))
	for name, c := range r.components {
		components[name] = c
	}
	return components, HealthStatus{
		Timestamp: time.Now(),
		Version:   r.version,
		Uptime:    time.Since(r.startTime).Round(time.Second).String(),
	}
}

// GetHealth reports unhealthy when storage fails and degraded when only
// pushing fails
func GetHealth() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	components, status := health.snapshot()
	status.Status = StatusHealthy
	for name, c := range components {
		if c.Healthy {
			continue
		}
		if !degradedOnly[name] {
			status.Status = StatusUnhealthy
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}
	status.Components = components
	return status
}

// GetReadiness reports ready once storage is registered and healthy
func GetReadiness() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	components, status := health.snapshot()
	status.Status = StatusReady
	storage, ok := components[ComponentStorage]
	switch {
	case !ok:
		status.Status = StatusNotReady
		status.Message = "waiting for storage initialization"
	case !storage.Healthy:
		status.Status = StatusNotReady
		status.Message = "waiting for storage"
	}
	if ok {
		status.Components = map[string]ComponentReport{ComponentStorage: storage}
	}
	return status
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves /health: 503 only when unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := GetHealth()
		code := http.StatusOK
		if status.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := GetReadiness()
		code := http.StatusOK
		if status.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}
}

// LivenessHandler serves /live, which answers as long as the process does
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health.mu.RLock()
		uptime := time.Since(health.startTime).Round(time.Second).String()
		health.mu.RUnlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive", "uptime": uptime})
	}
}
