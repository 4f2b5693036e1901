package registry

import (
	"context"
	"testing"

	"github.com/farmdesk/platform/pkg/backends"
	"github.com/farmdesk/platform/pkg/health"
)

// End-to-end degraded bring-up: one backend connects immediately, one needs
// three attempts, one exhausts its retries. The process still comes up and
// reports degraded, with the dead backend surfaced as false even though the
// registry never registered it.
func TestDegradedBringUp(t *testing.T) {
	a := &fakeBackend{name: "a", policy: fastPolicy(), dial: alwaysUp()}
	b := &fakeBackend{name: "b", policy: fastPolicy(), dial: failsFirst(2)}
	c := &fakeBackend{name: "c", policy: fastPolicy(), dial: alwaysDown()}

	reg := New(nil, []backends.Backend{a, b, c})
	reg.InitializeAll(context.Background())

	agg := health.NewAggregator(reg, nil)
	report := agg.Check(context.Background())

	if report.Status != health.StatusDegraded {
		t.Errorf("expected degraded, got %s", report.Status)
	}
	if !report.Checks["a"] {
		t.Error("a should report true")
	}
	if !report.Checks["b"] {
		t.Error("b should report true")
	}
	if up, present := report.Checks["c"]; !present || up {
		t.Errorf("c must be reported false, got %v (present=%v)", up, present)
	}
	if len(report.Checks) != 3 {
		t.Errorf("expected every configured backend in the detail map, got %v", report.Checks)
	}

	// After full teardown nothing is checked and the process reports
	// unhealthy.
	if err := reg.CloseAll(context.Background()); err != nil {
		t.Fatalf("close all: %v", err)
	}
	report = agg.Check(context.Background())
	if report.Status != health.StatusUnhealthy {
		t.Errorf("expected unhealthy after teardown, got %s", report.Status)
	}
}
