package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultCheckTimeout = 5 * time.Second

// Manager runs registered checkers on demand and aggregates their results.
// Checks are cheap (ping, state inspection), so there is no background loop;
// every health request reflects the current state.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
}

// NewManager returns an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make(map[string]Checker),
		logger:   logger,
	}
}

// Register adds a checker. Duplicate names are rejected.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[c.Name()]; exists {
		return fmt.Errorf("health: checker %q already registered", c.Name())
	}
	m.checkers[c.Name()] = c
	m.logger.Debug("health checker registered",
		zap.String("name", c.Name()),
		zap.Bool("critical", c.IsCritical()))
	return nil
}

// GetDetailed runs every checker and returns per-component results with the
// aggregate.
func (m *Manager) GetDetailed(ctx context.Context) Detailed {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	components := make(map[string]CheckResult, len(checkers))
	for _, c := range checkers {
		components[c.Name()] = m.runCheck(ctx, c)
	}
	return Detailed{
		Overall:    aggregate(components),
		Components: components,
	}
}

// GetOverall runs every checker and returns only the aggregate.
func (m *Manager) GetOverall(ctx context.Context) Overall {
	return m.GetDetailed(ctx).Overall
}

// IsReady reports whether every critical checker passes.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverall(ctx).Ready
}

// IsLive reports process liveness. The process answering is the check.
func (m *Manager) IsLive(ctx context.Context) bool { return true }

// runCheck applies the checker's timeout and fills in bookkeeping fields.
func (m *Manager) runCheck(ctx context.Context, c Checker) CheckResult {
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := c.Check(ctx)
	res.Component = c.Name()
	res.Critical = c.IsCritical()
	res.Duration = time.Since(start)
	res.Timestamp = time.Now()

	if res.Status != StatusHealthy {
		m.logger.Warn("health check not passing",
			zap.String("component", res.Component),
			zap.String("status", string(res.Status)),
			zap.String("error", res.Error))
	}
	return res
}

// aggregate folds component results into the service verdict: any critical
// failure is unhealthy, any non-critical failure degrades, otherwise healthy.
func aggregate(components map[string]CheckResult) Overall {
	overall := Overall{
		Status:    StatusHealthy,
		Ready:     true,
		Live:      true,
		Timestamp: time.Now(),
	}
	for _, res := range components {
		if res.Status == StatusHealthy {
			continue
		}
		if res.Critical {
			overall.Status = StatusUnhealthy
			overall.Ready = false
			overall.Message = res.Component + ": " + firstNonEmpty(res.Error, res.Message)
			return overall
		}
		overall.Status = StatusDegraded
		if overall.Message == "" {
			overall.Message = res.Component + ": " + firstNonEmpty(res.Error, res.Message)
		}
	}
	return overall
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
