// Package health aggregates component checks into one status
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"market_rules/internal/core"
)

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	if logger == nil {
		return &HealthManager{
			checks: make(map[string]func() error),
		}
	}
	return &HealthManager{
		logger: logger.WithField("component", "health_manager"),
		checks: make(map[string]func() error),
	}
}

// Register adds a new health check for a component
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string)
	for component, check := range hm.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true if all registered components are healthy
func (hm *HealthManager) IsHealthy() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for _, check := range hm.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

type statusResponse struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
	Failing    []string          `json:"failing,omitempty"`
}

// ServeHTTP writes the status as JSON, with 503 when any check fails
func (hm *HealthManager) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Healthy: true, Components: hm.GetStatus()}
	for name, s := range resp.Components {
		if s != "Healthy" {
			resp.Healthy = false
			resp.Failing = append(resp.Failing, name)
		}
	}
	sort.Strings(resp.Failing)

	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
		if hm.logger != nil {
			hm.logger.Warn("Health check failing", "components", resp.Failing)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
