package registry

import (
	"context"
	"time"

	"github.com/relaynet/go-tor/pkg/health"
)

// HealthChecker adapts a Registry's readiness evaluator to the
// client's health.Checker contract, so the existing health monitor can
// report directory staleness alongside circuit and connection health.
type HealthChecker struct {
	reg *Registry
}

// NewHealthChecker wraps reg as a health.Checker.
func NewHealthChecker(reg *Registry) *HealthChecker {
	return &HealthChecker{reg: reg}
}

// Name implements health.Checker.
func (h *HealthChecker) Name() string { return "directory_registry" }

// Check implements health.Checker.
func (h *HealthChecker) Check(ctx context.Context) health.ComponentHealth {
	status := health.StatusHealthy
	msg := "sufficient directory information"

	if !h.reg.readiness.HaveMinDirInfo() {
		status = health.StatusDegraded
		msg = h.reg.readiness.Status()
		if msg == "" {
			msg = "insufficient directory information"
		}
	}

	return health.ComponentHealth{
		Name:        h.Name(),
		Status:      status,
		Message:     msg,
		LastChecked: time.Now(),
		Details: map[string]interface{}{
			"relays_known":        h.reg.Len(),
			"have_consensus_path": int(h.reg.readiness.HaveConsensusPath()),
		},
	}
}
