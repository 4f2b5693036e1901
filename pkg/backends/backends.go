// Package backends implements the per-backend connection managers shared by
// every farmdesk service: one manager per external store, each owning exactly
// one client handle behind a uniform connect/disconnect/probe contract.
package backends

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/farmdesk/platform/pkg/logger"
	"github.com/farmdesk/platform/pkg/retry"
)

// Stable backend names. These are the registry keys and the keys of every
// health report, so they must not change between releases.
const (
	NameRelational = "relational"
	NameDocument   = "document"
	NameCache      = "cache"
	NameAnalytics  = "analytics-columnar"
	NameSearch     = "search"
	NameBroker     = "broker"
)

// Status is the lifecycle state of a connection manager.
type Status int32

const (
	StatusUninitialized Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Backend is the contract every connection manager implements. The typed
// client accessor lives on the concrete type, not here, so call sites never
// cast from an untyped handle.
type Backend interface {
	// Name returns the stable backend identifier.
	Name() string

	// Connect establishes the client, retrying per the manager's policy.
	// Calling Connect on an already connected manager is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the client. Idempotent; the status always ends up
	// Disconnected.
	Disconnect(ctx context.Context) error

	// HealthCheck issues a live probe. It never panics and never returns an
	// error: any failure is logged and reported as false.
	HealthCheck(ctx context.Context) bool

	// IsHealthy reflects the last known status without probing.
	IsHealthy() bool

	// Status returns the current lifecycle state.
	Status() Status
}

// ErrNotConnected is returned by client accessors whenever the manager is
// not currently Connected.
var ErrNotConnected = errors.New("backends: not connected")

// ConnectionError reports bring-up failure after the retry policy was
// exhausted.
type ConnectionError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("backends: %s: connect failed after %d attempts: %v", e.Backend, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// state is the bookkeeping every manager embeds: status, retry counter and
// last failure, guarded by one mutex. Managers keep their client handle on
// the concrete struct and only touch it under this lock.
type state struct {
	name string
	log  *logger.Logger

	mu       sync.RWMutex
	status   Status
	lastErr  error
	attempts int
}

func newState(name string, log *logger.Logger) state {
	if log == nil {
		log = logger.Nop()
	}
	return state{name: name, log: log}
}

func (s *state) Name() string {
	return s.name
}

func (s *state) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsHealthy is the cheap, no-probe check: last known status only.
func (s *state) IsHealthy() bool {
	return s.Status() == StatusConnected
}

// LastError returns the most recent bring-up or probe failure.
func (s *state) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Attempts returns the retry counter of the last bring-up.
func (s *state) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

func (s *state) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// connect drives the bounded-retry bring-up loop around dial. On success the
// status is Connected and the retry counter is reset; on exhaustion the
// status is Failed and a ConnectionError names the backend and last cause.
func (s *state) connect(ctx context.Context, policy retry.Policy, dial func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.status == StatusConnected {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusConnecting
	s.attempts = 0
	s.mu.Unlock()

	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.log.Warn("connect attempt failed",
			"backend", s.name, "attempt", attempt, "retry_in", delay, "error", err)
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()
		return dial(ctx)
	})
	if err != nil {
		s.mu.Lock()
		s.status = StatusFailed
		s.lastErr = err
		attempts := s.attempts
		s.mu.Unlock()
		return &ConnectionError{Backend: s.name, Attempts: attempts, Err: err}
	}

	s.mu.Lock()
	s.status = StatusConnected
	s.lastErr = nil
	s.attempts = 0
	s.mu.Unlock()
	s.log.Info("backend connected", "backend", s.name)
	return nil
}

// disconnect runs close once and settles the status on Disconnected.
// A second call finds nothing to close and is a no-op.
func (s *state) disconnect(close func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if close != nil && s.status != StatusDisconnected {
		err = close()
	}
	s.status = StatusDisconnected
	return err
}

// healthCheck wraps a live probe so it can never escape as a panic or error.
// Not-connected managers report false without probing.
func (s *state) healthCheck(ctx context.Context, probe func(ctx context.Context) error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("health probe panicked", "backend", s.name, "panic", r)
			ok = false
		}
	}()

	if !s.IsHealthy() {
		return false
	}
	if err := probe(ctx); err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.log.Warn("health probe failed", "backend", s.name, "error", err)
		return false
	}
	return true
}
