package observability

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"
)

// HealthStatus represents the health status of the service
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

var errSchedulerStopped = errors.New("scheduler is not running")

// HealthCheck is one dependency probe. A failing critical check makes the
// server unhealthy; any other failure only degrades it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// Workload reports what the server is busy with.
type Workload struct {
	ActiveRuns    int `json:"active_runs"`
	ArmedCronJobs int `json:"armed_cron_jobs"`
	Goroutines    int `json:"goroutines"`
}

// HealthChecker runs the registered checks on demand.
type HealthChecker struct {
	mu        sync.RWMutex
	checks    map[string]*HealthCheck
	workload  func() Workload
	version   string
	startTime time.Time
}

// HealthResponse is the body of /health and /health/ready.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks"`
	Workload  Workload               `json:"workload"`
}

// CheckStatus is the outcome of one check.
type CheckStatus struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Duration string       `json:"duration"`
}

// NewHealthChecker creates a health checker reporting the given version.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:    make(map[string]*HealthCheck),
		version:   version,
		startTime: time.Now(),
	}
}

// RegisterCheck adds or replaces the check with the same name.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[check.Name] = check
}

// ReportWorkload sets the source of the workload section.
func (hc *HealthChecker) ReportWorkload(fn func() Workload) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.workload = fn
}

// Check runs every check concurrently and folds the results.
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	workload := hc.workload
	hc.mu.RUnlock()

	results := make([]CheckStatus, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = probe(ctx, c)
		}()
	}
	wg.Wait()

	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   hc.version,
		Uptime:    time.Since(hc.startTime).Round(time.Second).String(),
		Checks:    make(map[string]CheckStatus, len(checks)),
	}
	for i, c := range checks {
		resp.Checks[c.Name] = results[i]
		switch results[i].Status {
		case HealthStatusUnhealthy:
			resp.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if resp.Status == HealthStatusHealthy {
				resp.Status = HealthStatusDegraded
			}
		}
	}
	if workload != nil {
		resp.Workload = workload()
	}
	resp.Workload.Goroutines = runtime.NumGoroutine()
	return resp
}

func probe(ctx context.Context, check *HealthCheck) CheckStatus {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	// the probe may ignore ctx, so never wait on it past the timeout
	errc := make(chan error, 1)
	go func() { errc <- check.CheckFunc(ctx) }()
	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	}

	status := CheckStatus{Status: HealthStatusHealthy, Duration: time.Since(start).String()}
	if err != nil {
		status.Message = err.Error()
		status.Status = HealthStatusDegraded
		if check.Critical {
			status.Status = HealthStatusUnhealthy
		}
	}
	return status
}

// StorageCheck creates a critical check around a storage ping.
func StorageCheck(pingFunc func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      "storage",
		CheckFunc: pingFunc,
		Timeout:   5 * time.Second,
		Critical:  true,
	}
}

// SchedulerCheck reports the cron scheduler as degraded when it is not running.
func SchedulerCheck(running func() bool) *HealthCheck {
	return &HealthCheck{
		Name: "scheduler",
		CheckFunc: func(context.Context) error {
			if !running() {
				return errSchedulerStopped
			}
			return nil
		},
		Timeout:  time.Second,
		Critical: false,
	}
}
