package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/gitops-gate/gitopsgate/internal/adapter/outbound/memory"
	"github.com/gitops-gate/gitopsgate/internal/service"
)

// HealthResponse is the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker verifies component health.
type HealthChecker struct {
	store       *service.PolicyStore
	auditLog    *memory.AuditLog
	forwarder   *service.Forwarder
	rateLimiter *memory.RateLimiter
	version     string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't configured.
func NewHealthChecker(
	store *service.PolicyStore,
	auditLog *memory.AuditLog,
	forwarder *service.Forwarder,
	rateLimiter *memory.RateLimiter,
	version string,
) *HealthChecker {
	return &HealthChecker{
		store:       store,
		auditLog:    auditLog,
		forwarder:   forwarder,
		rateLimiter: rateLimiter,
		version:     version,
	}
}

// Check performs health checks on all components. The gate is
// unhealthy without an active policy: every check would deny.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.store != nil {
		if gen := h.store.Generation(); gen > 0 {
			checks["policy"] = fmt.Sprintf("generation %d", gen)
		} else {
			checks["policy"] = "no policy loaded"
			healthy = false
		}
	} else {
		checks["policy"] = "not configured"
		healthy = false
	}

	if h.auditLog != nil {
		checks["audit_log"] = fmt.Sprintf("%d records, seq %d", h.auditLog.Len(), h.auditLog.LastSeq())
	} else {
		checks["audit_log"] = "not configured"
		healthy = false
	}

	if h.forwarder != nil {
		depth := h.forwarder.ChannelDepth()
		capacity := h.forwarder.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}
		if percentFull > 90 {
			checks["audit_shipping"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit_shipping"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}
		if drops := h.forwarder.DroppedRecords(); drops > 0 {
			checks["audit_shipping_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit_shipping"] = "not configured"
	}

	if h.rateLimiter != nil {
		_ = h.rateLimiter.Size()
		checks["rate_limiter"] = "ok"
	} else {
		checks["rate_limiter"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
