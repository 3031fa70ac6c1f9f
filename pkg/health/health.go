// Package health provides the health-check endpoints served next to the
// Prometheus metrics. Each tier registers probes for its dependencies
// (checkpoint directory writable, remote reasoning service reachable,
// Redis ping) and the aggregate drives the readiness response.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health state of a probe or the tier overall.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Probe checks a single dependency. It returns the dependency status and an
// optional human-readable message.
type Probe func(ctx context.Context) (Status, string)

// ProbeResult holds the outcome of one probe run.
type ProbeResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the aggregated result of all probes.
type Report struct {
	Status    Status                 `json:"status"`
	Probes    map[string]ProbeResult `json:"probes"`
	Timestamp string                 `json:"timestamp"`
}

// Checker manages registered probes and runs them concurrently.
type Checker struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{probes: make(map[string]Probe)}
}

// Register adds a named probe.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// Run executes all registered probes concurrently and aggregates them. The
// overall status is the worst status among all probes.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, probe := range c.probes {
		probes[name] = probe
	}
	c.mu.RUnlock()

	report := Report{
		Status:    StatusUp,
		Probes:    make(map[string]ProbeResult, len(probes)),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, probe := range probes {
		wg.Add(1)
		go func(n string, p Probe) {
			defer wg.Done()
			start := time.Now()
			status, msg := p(ctx)
			result := ProbeResult{
				Status:  status,
				Message: msg,
				Latency: time.Since(start).Round(time.Millisecond).String(),
			}
			mu.Lock()
			report.Probes[n] = result
			mu.Unlock()
		}(name, probe)
	}
	wg.Wait()

	for _, r := range report.Probes {
		switch r.Status {
		case StatusDown:
			report.Status = StatusDown
		case StatusDegraded:
			if report.Status == StatusUp {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// LiveHandler returns an HTTP handler for liveness probes.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadyHandler returns an HTTP handler for readiness probes.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		report := c.Run(ctx)
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUp {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	}
}
