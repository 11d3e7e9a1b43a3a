package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 3 * time.Second

// HealthChecker reports liveness and runs named readiness checks.
// The execution controller registers "environment"; the history store
// registers "database" when health.include_db is set.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	started time.Time
	logger  *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status        string                 `json:"status"` // "ok" or "degraded"
	UptimeSeconds float64                `json:"uptime_seconds,omitempty"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status    string  `json:"status"` // "ok" or "fail"
	Message   string  `json:"message,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{started: time.Now(), logger: logger}
}

// AddCheck registers a named readiness check. Safe on a nil receiver.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth is the liveness answer: the process is up.
func (h *HealthChecker) CheckHealth() HealthStatus {
	if h == nil {
		return HealthStatus{Status: "ok"}
	}
	return HealthStatus{Status: "ok", UptimeSeconds: time.Since(h.started).Seconds()}
}

// CheckReady runs every check concurrently. Status is "ok" only when all pass.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if h == nil {
		return HealthStatus{Status: "ok"}
	}
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()
	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.run(ctx, c)
		}()
	}
	wg.Wait()

	status := HealthStatus{
		Status:        "ok",
		UptimeSeconds: time.Since(h.started).Seconds(),
		Checks:        make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		if results[i].Status != "ok" {
			status.Status = "degraded"
		}
		status.Checks[c.Name] = results[i]
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, c HealthCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: "ok", LatencyMs: millis(time.Since(start))}
	if err != nil {
		res.Status = "fail"
		res.Message = err.Error()
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return res
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
