package observability

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the health status of the service.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const defaultCheckTimeout = 3 * time.Second

// HealthCheck is a single dependency probe. A failing critical check makes
// the service unhealthy; any other failure only degrades it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// CheckStatus is the outcome of one probe.
type CheckStatus struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Duration string       `json:"duration"`
}

// HealthReport aggregates every probe.
type HealthReport struct {
	Status HealthStatus
	Checks map[string]CheckStatus
}

// HealthChecker runs registered probes concurrently.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// RegisterCheck adds a probe. Probes without a timeout get a default one.
func (hc *HealthChecker) RegisterCheck(check HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = defaultCheckTimeout
	}
	hc.mu.Lock()
	hc.checks = append(hc.checks, check)
	hc.mu.Unlock()
}

// Check runs every probe and folds the results into an overall status.
func (hc *HealthChecker) Check(ctx context.Context) HealthReport {
	hc.mu.RLock()
	checks := append([]HealthCheck(nil), hc.checks...)
	hc.mu.RUnlock()

	results := make([]CheckStatus, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = performCheck(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	report := HealthReport{Status: HealthStatusHealthy, Checks: make(map[string]CheckStatus, len(checks))}
	for i, check := range checks {
		status := results[i]
		report.Checks[check.Name] = status
		if status.Status == HealthStatusUnhealthy {
			report.Status = HealthStatusUnhealthy
		} else if status.Status == HealthStatusDegraded && report.Status == HealthStatusHealthy {
			report.Status = HealthStatusDegraded
		}
	}
	return report
}

func performCheck(ctx context.Context, check HealthCheck) CheckStatus {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- check.CheckFunc(checkCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-checkCtx.Done():
		err = checkCtx.Err()
	}

	status := CheckStatus{Status: HealthStatusHealthy, Message: "OK", Duration: time.Since(start).String()}
	if err != nil {
		status.Status = HealthStatusDegraded
		if check.Critical {
			status.Status = HealthStatusUnhealthy
		}
		status.Message = err.Error()
	}
	return status
}
