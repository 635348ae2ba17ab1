// Package health aggregates component checks into the service health surface:
// /health, /health/ready, /health/live, /health/detailed.
package health

import (
	"context"
	"time"
)

// Status is the health of one component or of the service overall.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Critical  bool          `json:"critical"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Checker probes one component. A critical checker's failure makes the whole
// service unhealthy and not ready; a non-critical failure only degrades it.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	IsCritical() bool
	Timeout() time.Duration
}

// Overall is the aggregated service health.
type Overall struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Ready     bool      `json:"ready"`
	Live      bool      `json:"live"`
	Timestamp time.Time `json:"timestamp"`
}

// Detailed is Overall plus every component result.
type Detailed struct {
	Overall    Overall                `json:"overall"`
	Components map[string]CheckResult `json:"components"`
}
