package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// ServiceStatus is one backend's health probe result.
type ServiceStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

// StatusReport aggregates backend health for operators.
type StatusReport struct {
	Status   string          `json:"status"`
	Services []ServiceStatus `json:"services"`
}

// StatusChecker probes backend /health endpoints in parallel.
type StatusChecker struct {
	targets map[string]string
	client  *http.Client
	timeout time.Duration
}

// NewStatusChecker creates a checker over service name -> base URL.
func NewStatusChecker(targets map[string]string, timeout time.Duration) *StatusChecker {
	return &StatusChecker{
		targets: targets,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Check probes every backend concurrently. A slow or failing backend never
// fails the whole report; it is marked unhealthy instead.
func (c *StatusChecker) Check(ctx context.Context) *StatusReport {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]ServiceStatus, 0, len(c.targets))
	g, ctx := errgroup.WithContext(ctx)
	resultCh := make(chan ServiceStatus, len(c.targets))

	for name, base := range c.targets {
		name, base := name, base
		g.Go(func() error {
			resultCh <- c.probe(ctx, name, base)
			return nil
		})
	}

	g.Wait()
	close(resultCh)

	unhealthy := 0
	for s := range resultCh {
		if s.Status != statusHealthy {
			unhealthy++
		}
		results = append(results, s)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	overall := statusHealthy
	switch {
	case unhealthy == len(results) && len(results) > 0:
		overall = statusUnhealthy
	case unhealthy > 0:
		overall = statusDegraded
	}

	return &StatusReport{Status: overall, Services: results}
}

func (c *StatusChecker) probe(ctx context.Context, name, base string) ServiceStatus {
	started := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return ServiceStatus{Name: name, Status: statusUnhealthy}
	}

	resp, err := c.client.Do(req)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		return ServiceStatus{Name: name, Status: statusUnhealthy, LatencyMS: latency}
	}
	defer resp.Body.Close()

	status := statusHealthy
	if resp.StatusCode != http.StatusOK {
		status = statusUnhealthy
	}
	return ServiceStatus{Name: name, Status: status, LatencyMS: latency}
}
