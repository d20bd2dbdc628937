package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type HealthChecker struct {
	checks []HealthCheck
	logger *zap.SugaredLogger
	mu     sync.RWMutex
	last   map[string]checkResult
}

// HealthCheck reports healthy, or an error. Checks marked Optional only
// degrade the overall status.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration
	Optional bool
}

type checkResult struct {
	healthy bool
	message string
	at      time.Time
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
		logger: logger,
		last:   make(map[string]checkResult),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.add(HealthCheck{Name: name, Check: check, Interval: interval, Timeout: timeout})
}

// AddOptionalCheck registers a check whose failure only degrades the
// status.
func (h *HealthChecker) AddOptionalCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.add(HealthCheck{Name: name, Check: check, Interval: interval, Timeout: timeout, Optional: true})
}

func (h *HealthChecker) add(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) checkResult {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	res := checkResult{healthy: true, message: StatusHealthy, at: time.Now()}
	healthy, err := check.Check(checkCtx)
	switch {
	case err != nil:
		res.healthy, res.message = false, err.Error()
	case !healthy:
		res.healthy, res.message = false, "check failed"
	}

	h.mu.Lock()
	prev, seen := h.last[check.Name]
	h.last[check.Name] = res
	h.mu.Unlock()
	if seen && prev.healthy != res.healthy {
		h.logger.Infow("health check changed", "check", check.Name, "healthy", res.healthy, "message", res.message)
	}
	return res
}

// CheckAll runs every check now.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}
	for _, check := range checks {
		res := h.run(ctx, check)
		status.Checks[check.Name] = res.message
		if res.healthy {
			continue
		}
		if check.Optional {
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
			continue
		}
		status.Status = StatusUnhealthy
	}
	return status
}

// StartBackgroundChecks keeps results fresh so changes get logged even when
// nobody polls.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		if check.Interval > 0 {
			go h.runCheckPeriodically(ctx, check)
		}
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.run(ctx, check)
		}
	}
}
