// Package health turns the registry's per-backend booleans into one
// process-wide verdict for the /health endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/farmdesk/platform/pkg/logger"
)

// Status is the overall process health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Report is the request-scoped snapshot served to operators. It is computed
// fresh on every call and never cached.
type Report struct {
	Status        Status          `json:"status"`
	Checks        map[string]bool `json:"checks"`
	Timestamp     time.Time       `json:"timestamp"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Message       string          `json:"message,omitempty"`
}

// Checker is the registry-shaped dependency. HealthCheck concurrently probes
// the registered backends; Expected names every backend the process was
// configured with, including those that failed bring-up and are therefore
// absent from the check map. The aggregator reports those as down.
type Checker interface {
	HealthCheck(ctx context.Context) map[string]bool
	Expected() []string
}

// Aggregator computes overall health from a Checker.
type Aggregator struct {
	checker Checker
	log     *logger.Logger
	start   time.Time
}

// NewAggregator builds an aggregator; uptime is measured from this call.
func NewAggregator(checker Checker, log *logger.Logger) *Aggregator {
	if log == nil {
		log = logger.Nop()
	}
	return &Aggregator{
		checker: checker,
		log:     log,
		start:   time.Now(),
	}
}

// Check aggregates the per-backend booleans: all up is healthy, some up is
// degraded, none up is unhealthy. The aggregation itself must never take a
// /health request down, so any panic from below is converted into an
// unhealthy report with an explanatory message.
func (a *Aggregator) Check(ctx context.Context) (report Report) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("health aggregation failed", "panic", r)
			report = Report{
				Status:        StatusUnhealthy,
				Checks:        map[string]bool{},
				Timestamp:     time.Now().UTC(),
				UptimeSeconds: time.Since(a.start).Seconds(),
				Message:       fmt.Sprintf("health aggregation failed: %v", r),
			}
		}
	}()

	probed := a.checker.HealthCheck(ctx)

	// A backend that exhausted its bring-up retries never registers, so the
	// probe map omits it. It still counts as down.
	checks := make(map[string]bool, len(probed))
	for name, ok := range probed {
		checks[name] = ok
	}
	for _, name := range a.checker.Expected() {
		if _, present := checks[name]; !present {
			checks[name] = false
		}
	}

	healthy := 0
	for _, ok := range checks {
		if ok {
			healthy++
		}
	}

	status := StatusUnhealthy
	switch {
	case len(checks) > 0 && healthy == len(checks):
		status = StatusHealthy
	case healthy > 0:
		status = StatusDegraded
	}

	return Report{
		Status:        status,
		Checks:        checks,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: time.Since(a.start).Seconds(),
	}
}

// Handler serves the report as JSON: 200 while the process can do useful
// work (healthy or degraded), 503 when every backend is down.
func (a *Aggregator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		report := a.Check(req.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			a.log.Error("writing health response", "error", err)
		}
	}
}
