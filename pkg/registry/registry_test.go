package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/farmdesk/platform/pkg/backends"
	"github.com/farmdesk/platform/pkg/retry"
)

// fakeBackend runs the same bounded-retry bring-up loop as the real
// managers, with an injectable dial outcome per attempt.
type fakeBackend struct {
	name   string
	policy retry.Policy

	// dial receives the 1-based attempt number.
	dial func(attempt int) error

	// probe drives HealthCheck; nil means "healthy while connected".
	probe func(ctx context.Context) bool

	mu          sync.Mutex
	status      backends.Status
	attempts    int
	disconnects int
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2.0}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.status = backends.StatusConnecting
	f.attempts = 0
	f.mu.Unlock()

	err := retry.Do(ctx, f.policy, func(ctx context.Context) error {
		f.mu.Lock()
		f.attempts++
		n := f.attempts
		f.mu.Unlock()
		return f.dial(n)
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.status = backends.StatusFailed
		return &backends.ConnectionError{Backend: f.name, Attempts: f.attempts, Err: err}
	}
	f.status = backends.StatusConnected
	return nil
}

func (f *fakeBackend) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != backends.StatusDisconnected {
		f.disconnects++
	}
	f.status = backends.StatusDisconnected
	return nil
}

func (f *fakeBackend) HealthCheck(ctx context.Context) bool {
	if !f.IsHealthy() {
		return false
	}
	if f.probe != nil {
		return f.probe(ctx)
	}
	return true
}

func (f *fakeBackend) IsHealthy() bool {
	return f.Status() == backends.StatusConnected
}

func (f *fakeBackend) Status() backends.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeBackend) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func alwaysUp() func(int) error {
	return func(int) error { return nil }
}

func failsFirst(n int) func(int) error {
	return func(attempt int) error {
		if attempt <= n {
			return errors.New("connection refused")
		}
		return nil
	}
}

func alwaysDown() func(int) error {
	return func(int) error { return errors.New("connection refused") }
}

func TestInitializeAll_SettlesWithPartialFailure(t *testing.T) {
	a := &fakeBackend{name: "a", policy: fastPolicy(), dial: alwaysUp()}
	b := &fakeBackend{name: "b", policy: fastPolicy(), dial: failsFirst(2)}
	c := &fakeBackend{name: "c", policy: fastPolicy(), dial: alwaysDown()}

	reg := New(nil, []backends.Backend{a, b, c})
	failures := reg.InitializeAll(context.Background())

	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %v", failures)
	}
	var cerr *backends.ConnectionError
	if !errors.As(failures["c"], &cerr) {
		t.Fatalf("expected ConnectionError for c, got %v", failures["c"])
	}
	if cerr.Attempts != 5 {
		t.Errorf("c should have exhausted 5 attempts, got %d", cerr.Attempts)
	}
	if got := a.Attempts(); got != 1 {
		t.Errorf("a should connect on first attempt, got %d", got)
	}
	if got := b.Attempts(); got != 3 {
		t.Errorf("b should connect on third attempt, got %d", got)
	}

	names := reg.Names()
	if len(names) != 2 {
		t.Fatalf("expected {a, b} registered, got %v", names)
	}
	// The full roster keeps naming c so health reporting can count it down.
	if exp := reg.Expected(); len(exp) != 3 {
		t.Errorf("expected the full candidate roster, got %v", exp)
	}
	if _, err := reg.Get("a"); err != nil {
		t.Errorf("a should be retrievable: %v", err)
	}
	if _, err := reg.Get("c"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("c should be absent, got %v", err)
	}
}

func TestHealthCheck_OmitsUnregistered(t *testing.T) {
	a := &fakeBackend{name: "a", policy: fastPolicy(), dial: alwaysUp()}
	c := &fakeBackend{name: "c", policy: fastPolicy(), dial: alwaysDown()}

	reg := New(nil, []backends.Backend{a, c})
	reg.InitializeAll(context.Background())

	checks := reg.HealthCheck(context.Background())
	if len(checks) != 1 {
		t.Fatalf("expected 1 check, got %v", checks)
	}
	if !checks["a"] {
		t.Error("a should report healthy")
	}
	if _, present := checks["c"]; present {
		t.Error("c must be absent from the result, not false")
	}
}

func TestHealthCheck_WedgedProbeCountsAsDown(t *testing.T) {
	wedged := &fakeBackend{
		name:   "wedged",
		policy: fastPolicy(),
		dial:   alwaysUp(),
		probe: func(ctx context.Context) bool {
			// Ignores its context entirely.
			time.Sleep(2 * time.Second)
			return true
		},
	}
	ok := &fakeBackend{name: "ok", policy: fastPolicy(), dial: alwaysUp()}

	reg := New(nil, []backends.Backend{wedged, ok}, WithCheckTimeout(50*time.Millisecond))
	reg.InitializeAll(context.Background())

	start := time.Now()
	checks := reg.HealthCheck(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("health check stalled for %v behind a wedged backend", elapsed)
	}
	if checks["wedged"] {
		t.Error("wedged probe must count as down")
	}
	if !checks["ok"] {
		t.Error("healthy backend should be unaffected")
	}
}

func TestCloseAll_ClearsRegistry(t *testing.T) {
	a := &fakeBackend{name: "a", policy: fastPolicy(), dial: alwaysUp()}
	b := &fakeBackend{name: "b", policy: fastPolicy(), dial: alwaysUp()}

	reg := New(nil, []backends.Backend{a, b})
	reg.InitializeAll(context.Background())

	if err := reg.CloseAll(context.Background()); err != nil {
		t.Fatalf("close all: %v", err)
	}

	if a.disconnects != 1 || b.disconnects != 1 {
		t.Errorf("expected one disconnect each, got a=%d b=%d", a.disconnects, b.disconnects)
	}
	// Registry is cleared, not merely disconnected.
	if _, err := reg.Get("a"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered after CloseAll, got %v", err)
	}
	if checks := reg.HealthCheck(context.Background()); len(checks) != 0 {
		t.Errorf("expected empty health map after CloseAll, got %v", checks)
	}

	// Second CloseAll finds nothing to do.
	if err := reg.CloseAll(context.Background()); err != nil {
		t.Fatalf("second close all: %v", err)
	}
	if a.disconnects != 1 {
		t.Errorf("backend closed twice: %d", a.disconnects)
	}
}

func TestGet_NotConnectedBackend(t *testing.T) {
	flappy := &fakeBackend{name: "flappy", policy: fastPolicy(), dial: alwaysUp()}
	reg := New(nil, []backends.Backend{flappy})
	reg.InitializeAll(context.Background())

	if _, err := reg.Get("flappy"); err != nil {
		t.Fatalf("connected backend should resolve: %v", err)
	}

	// Simulate an event-driven flip to Failed after registration.
	flappy.mu.Lock()
	flappy.status = backends.StatusFailed
	flappy.mu.Unlock()

	if _, err := reg.Get("flappy"); !errors.Is(err, backends.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected for a failed backend, got %v", err)
	}
}

func TestTypedAccessors_UnregisteredBackend(t *testing.T) {
	reg := New(nil, nil)
	if _, err := reg.Postgres(); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Postgres: expected ErrNotRegistered, got %v", err)
	}
	if _, err := reg.Mongo(); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Mongo: expected ErrNotRegistered, got %v", err)
	}
	if _, err := reg.Redis(); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Redis: expected ErrNotRegistered, got %v", err)
	}
	if _, err := reg.ClickHouse(); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("ClickHouse: expected ErrNotRegistered, got %v", err)
	}
	if _, err := reg.Elasticsearch(); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Elasticsearch: expected ErrNotRegistered, got %v", err)
	}
	if _, err := reg.Kafka(); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Kafka: expected ErrNotRegistered, got %v", err)
	}
	if _, err := reg.KafkaProducer(); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("KafkaProducer: expected ErrNotRegistered, got %v", err)
	}
}

func TestInitializeAll_RunsConcurrently(t *testing.T) {
	// Each backend sleeps 100ms while dialing; serial bring-up would take
	// 600ms+, concurrent bring-up well under that.
	var candidates []backends.Backend
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		candidates = append(candidates, &fakeBackend{
			name:   name,
			policy: fastPolicy(),
			dial: func(int) error {
				time.Sleep(100 * time.Millisecond)
				return nil
			},
		})
	}

	reg := New(nil, candidates)
	start := time.Now()
	failures := reg.InitializeAll(context.Background())
	elapsed := time.Since(start)

	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(reg.Names()) != 6 {
		t.Fatalf("expected 6 registered, got %v", reg.Names())
	}
	if elapsed > 450*time.Millisecond {
		t.Errorf("bring-up took %v, expected concurrent fan-out", elapsed)
	}
}
