// Package registry composes the backend connection managers, drives their
// parallel bring-up and teardown, and provides name-based and typed lookup
// of the live clients.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/IBM/sarama"
	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"

	"github.com/farmdesk/platform/pkg/backends"
	"github.com/farmdesk/platform/pkg/logger"
)

// DefaultCheckTimeout bounds each backend's health probe so one wedged
// store cannot stall the whole /health request.
const DefaultCheckTimeout = 5 * time.Second

// ErrNotRegistered is returned when a backend was never successfully
// initialized (or the registry has been closed).
var ErrNotRegistered = errors.New("registry: backend not registered")

// Registry owns the set of backend managers for one process. Backends that
// fail bring-up are excluded from lookup but do not abort the others; the
// process runs degraded against whatever subset came up.
type Registry struct {
	log          *logger.Logger
	checkTimeout time.Duration

	// lifecycle serializes InitializeAll and CloseAll.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	candidates []backends.Backend
	connected  map[string]backends.Backend
	order      []string
}

// Option configures the registry.
type Option func(*Registry)

// WithCheckTimeout overrides the per-backend health probe timeout.
func WithCheckTimeout(d time.Duration) Option {
	return func(r *Registry) { r.checkTimeout = d }
}

// New builds a registry over the given backend managers. Construction does
// not connect anything; call InitializeAll.
func New(log *logger.Logger, candidates []backends.Backend, opts ...Option) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	r := &Registry{
		log:          log,
		checkTimeout: DefaultCheckTimeout,
		candidates:   candidates,
		connected:    make(map[string]backends.Backend),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InitializeAll connects every candidate concurrently and waits for all of
// them to settle. A backend whose bring-up fails is logged and left out of
// the lookup map; it never aborts the others. The returned map holds the
// failures by backend name and is empty when everything came up.
func (r *Registry) InitializeAll(ctx context.Context) map[string]error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.RLock()
	candidates := make([]backends.Backend, len(r.candidates))
	copy(candidates, r.candidates)
	r.mu.RUnlock()

	failures := make(map[string]error)
	var fmu sync.Mutex
	var wg sync.WaitGroup

	for _, b := range candidates {
		wg.Add(1)
		go func(b backends.Backend) {
			defer wg.Done()
			if err := b.Connect(ctx); err != nil {
				r.log.Warn("backend failed to initialize, continuing degraded",
					"backend", b.Name(), "error", err)
				fmu.Lock()
				failures[b.Name()] = err
				fmu.Unlock()
				return
			}
			r.mu.Lock()
			if _, dup := r.connected[b.Name()]; !dup {
				r.order = append(r.order, b.Name())
			}
			r.connected[b.Name()] = b
			r.mu.Unlock()
		}(b)
	}
	wg.Wait()

	r.mu.RLock()
	up := len(r.connected)
	r.mu.RUnlock()
	r.log.Info("backend bring-up settled", "up", up, "failed", len(failures))
	return failures
}

// CloseAll disconnects every registered backend concurrently, waits for all
// of them, then clears the registry. After CloseAll, lookups fail with
// ErrNotRegistered.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	registered := make([]backends.Backend, 0, len(r.connected))
	for _, b := range r.connected {
		registered = append(registered, b)
	}
	r.connected = make(map[string]backends.Backend)
	r.order = nil
	r.mu.Unlock()

	errCh := make(chan error, len(registered))
	var wg sync.WaitGroup
	for _, b := range registered {
		wg.Add(1)
		go func(b backends.Backend) {
			defer wg.Done()
			if err := b.Disconnect(ctx); err != nil {
				r.log.Warn("backend close failed", "backend", b.Name(), "error", err)
				errCh <- fmt.Errorf("%s: %w", b.Name(), err)
			}
		}(b)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HealthCheck probes every registered backend concurrently, each under a
// bounded timeout. A probe that overruns its deadline counts as down.
// Backends that never initialized are absent from the result; callers must
// treat absence as down.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	r.mu.RLock()
	registered := make(map[string]backends.Backend, len(r.connected))
	for name, b := range r.connected {
		registered[name] = b
	}
	r.mu.RUnlock()

	results := make(map[string]bool, len(registered))
	var rmu sync.Mutex
	var wg sync.WaitGroup

	for name, b := range registered {
		wg.Add(1)
		go func(name string, b backends.Backend) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, r.checkTimeout)
			defer cancel()

			done := make(chan bool, 1)
			go func() {
				done <- b.HealthCheck(checkCtx)
			}()

			var ok bool
			select {
			case ok = <-done:
			case <-checkCtx.Done():
				// Wedged probe: count it as down rather than waiting.
				ok = false
			}

			rmu.Lock()
			results[name] = ok
			rmu.Unlock()
		}(name, b)
	}
	wg.Wait()
	return results
}

// Get returns a registered backend by name. It fails with ErrNotRegistered
// for unknown names and ErrNotConnected when the backend is registered but
// not currently connected.
func (r *Registry) Get(name string) (backends.Backend, error) {
	b, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if !b.IsHealthy() {
		return nil, backends.ErrNotConnected
	}
	return b, nil
}

// Expected returns the names of every backend the registry was built with,
// whether or not its bring-up succeeded. The health aggregator uses this to
// count failed backends as down instead of ignoring them.
func (r *Registry) Expected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.candidates))
	for _, b := range r.candidates {
		names = append(names, b.Name())
	}
	return names
}

// Names returns the registered backend names in bring-up completion order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

func (r *Registry) lookup(name string) (backends.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.connected[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return b, nil
}

// Typed accessors. Each fails with ErrNotRegistered when the backend never
// initialized and ErrNotConnected when it is currently down.

// Postgres returns the relational store handle.
func (r *Registry) Postgres() (*gorm.DB, error) {
	b, err := r.lookup(backends.NameRelational)
	if err != nil {
		return nil, err
	}
	pg, ok := b.(*backends.Postgres)
	if !ok {
		return nil, fmt.Errorf("registry: %s is not a postgres backend", backends.NameRelational)
	}
	return pg.GetClient()
}

// Mongo returns the document store client.
func (r *Registry) Mongo() (*mongo.Client, error) {
	b, err := r.lookup(backends.NameDocument)
	if err != nil {
		return nil, err
	}
	m, ok := b.(*backends.Mongo)
	if !ok {
		return nil, fmt.Errorf("registry: %s is not a mongo backend", backends.NameDocument)
	}
	return m.GetClient()
}

// Redis returns the cache client.
func (r *Registry) Redis() (*redis.Client, error) {
	b, err := r.lookup(backends.NameCache)
	if err != nil {
		return nil, err
	}
	rd, ok := b.(*backends.Redis)
	if !ok {
		return nil, fmt.Errorf("registry: %s is not a redis backend", backends.NameCache)
	}
	return rd.GetClient()
}

// ClickHouse returns the columnar analytics connection.
func (r *Registry) ClickHouse() (driver.Conn, error) {
	b, err := r.lookup(backends.NameAnalytics)
	if err != nil {
		return nil, err
	}
	ch, ok := b.(*backends.ClickHouse)
	if !ok {
		return nil, fmt.Errorf("registry: %s is not a clickhouse backend", backends.NameAnalytics)
	}
	return ch.GetClient()
}

// Elasticsearch returns the search client.
func (r *Registry) Elasticsearch() (*elasticsearch.Client, error) {
	b, err := r.lookup(backends.NameSearch)
	if err != nil {
		return nil, err
	}
	es, ok := b.(*backends.Elasticsearch)
	if !ok {
		return nil, fmt.Errorf("registry: %s is not an elasticsearch backend", backends.NameSearch)
	}
	return es.GetClient()
}

// Kafka returns the broker cluster client.
func (r *Registry) Kafka() (sarama.Client, error) {
	b, err := r.lookup(backends.NameBroker)
	if err != nil {
		return nil, err
	}
	k, ok := b.(*backends.Kafka)
	if !ok {
		return nil, fmt.Errorf("registry: %s is not a kafka backend", backends.NameBroker)
	}
	return k.GetClient()
}

// KafkaProducer returns the shared sync producer.
func (r *Registry) KafkaProducer() (sarama.SyncProducer, error) {
	b, err := r.lookup(backends.NameBroker)
	if err != nil {
		return nil, err
	}
	k, ok := b.(*backends.Kafka)
	if !ok {
		return nil, fmt.Errorf("registry: %s is not a kafka backend", backends.NameBroker)
	}
	return k.Producer()
}
