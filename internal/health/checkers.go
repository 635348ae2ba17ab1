package health

import (
	"context"
	"time"
)

// Pinger covers the session store and the run log: both expose a Ping that
// round-trips to their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes any Pinger-shaped dependency.
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
}

// NewPingChecker wraps a backend ping as a health check. A nil target reports
// the component as disabled but healthy (optional dependencies).
func NewPingChecker(name string, target Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, target: target, critical: critical}
}

func (c *PingChecker) Name() string           { return c.name }
func (c *PingChecker) IsCritical() bool       { return c.critical }
func (c *PingChecker) Timeout() time.Duration { return 3 * time.Second }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	if c.target == nil {
		return CheckResult{Status: StatusHealthy, Message: "disabled"}
	}
	if err := c.target.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SearchChecker reports the search client's circuit state. No outbound call
// is made; the breaker already tracks provider reachability.
type SearchChecker struct {
	healthy func() bool
}

// NewSearchChecker wraps the client's breaker-state probe.
func NewSearchChecker(healthy func() bool) *SearchChecker {
	return &SearchChecker{healthy: healthy}
}

func (c *SearchChecker) Name() string           { return "search" }
func (c *SearchChecker) IsCritical() bool       { return false }
func (c *SearchChecker) Timeout() time.Duration { return time.Second }

func (c *SearchChecker) Check(ctx context.Context) CheckResult {
	if c.healthy() {
		return CheckResult{Status: StatusHealthy}
	}
	return CheckResult{
		Status:  StatusDegraded,
		Message: "search provider circuit open",
	}
}

// LLMChecker verifies the chat provider is configured. Without it the service
// cannot run research, so this check is critical.
type LLMChecker struct {
	model  string
	keySet bool
}

// NewLLMChecker records the startup LLM configuration.
func NewLLMChecker(model string, keySet bool) *LLMChecker {
	return &LLMChecker{model: model, keySet: keySet}
}

func (c *LLMChecker) Name() string           { return "llm" }
func (c *LLMChecker) IsCritical() bool       { return true }
func (c *LLMChecker) Timeout() time.Duration { return time.Second }

func (c *LLMChecker) Check(ctx context.Context) CheckResult {
	if !c.keySet {
		return CheckResult{Status: StatusUnhealthy, Error: "llm api key not configured"}
	}
	if c.model == "" {
		return CheckResult{Status: StatusUnhealthy, Error: "llm model not configured"}
	}
	return CheckResult{Status: StatusHealthy, Message: c.model}
}
