package observability

import (
	"context"
	"log/slog"
	"time"
)

// Readiness values reported by the health endpoints.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// readyTimeout bounds one full readiness sweep.
const readyTimeout = 3 * time.Second

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker aggregates named dependency checks for the liveness and
// readiness endpoints. Checks are run in registration order.
type HealthChecker struct {
	names  []string
	checks map[string]CheckFunc
	logger *slog.Logger
}

// HealthStatus is the JSON body of the health endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // StatusOK or StatusDegraded.
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult reports one dependency.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewHealthChecker creates an empty checker. logger may be nil.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{checks: make(map[string]CheckFunc), logger: logger}
}

// AddCheck registers check under name, replacing any previous check with
// the same name.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	if _, exists := h.checks[name]; !exists {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

// CheckHealth is the liveness probe: a running process is alive, so the
// registered checks are not consulted.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK}
}

// CheckReady runs every registered check and degrades the aggregate on
// the first failure. All checks run even after a failure so the response
// names every broken dependency.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.names) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	checkCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	status := HealthStatus{
		Status: StatusOK,
		Checks: make(map[string]CheckResult, len(h.names)),
	}
	for _, name := range h.names {
		err := h.checks[name](checkCtx)
		if err == nil {
			status.Checks[name] = CheckResult{Status: StatusOK}
			continue
		}
		status.Status = StatusDegraded
		status.Checks[name] = CheckResult{Status: "fail", Message: err.Error()}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return status
}
