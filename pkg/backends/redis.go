package backends

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/farmdesk/platform/pkg/config"
	"github.com/farmdesk/platform/pkg/logger"
	"github.com/farmdesk/platform/pkg/retry"
)

// The cache is the one backend that must never give up: its reconnect loop
// retries forever with a capped backoff while the rest of the process keeps
// serving.
const (
	cacheMaxBackoff = 15 * time.Second

	// DefaultReconnectInterval is the probe cadence for the background
	// watcher when the caller has no reason to pick another one.
	DefaultReconnectInterval = 10 * time.Second
)

// Redis manages the cache connection. Bring-up uses the same bounded retry
// loop as every other backend; an optional background watcher then probes
// the connection on an interval, flips the status between Connected and
// Failed as errors come and go, and waits out the same capped backoff
// schedule while the cache is down. The client handle itself is created
// once and survives outages (go-redis re-dials internally).
type Redis struct {
	state
	settings        config.Redis
	policy          retry.Policy
	reconnectEvery  time.Duration
	reconnectPolicy retry.Policy

	client      *redis.Client
	stopCh      chan struct{}
	watcherDone chan struct{}
}

// RedisOption configures the manager.
type RedisOption func(*Redis)

// WithRedisRetry overrides the bring-up retry policy.
func WithRedisRetry(p retry.Policy) RedisOption {
	return func(r *Redis) { r.policy = p }
}

// WithRedisReconnect enables the background watcher, probing at the given
// interval. A non-positive interval leaves the watcher off.
func WithRedisReconnect(interval time.Duration) RedisOption {
	return func(r *Redis) { r.reconnectEvery = interval }
}

// WithRedisReconnectPolicy overrides the watcher's backoff schedule. The
// attempt bound is ignored; the watcher always retries until shutdown.
func WithRedisReconnectPolicy(p retry.Policy) RedisOption {
	return func(r *Redis) {
		p.MaxAttempts = 0
		r.reconnectPolicy = p
	}
}

// NewRedis builds the cache manager.
func NewRedis(settings config.Redis, log *logger.Logger, opts ...RedisOption) (*Redis, error) {
	if settings.Host == "" {
		return nil, &config.Error{Backend: NameCache, Err: errors.New("REDIS_HOST is required")}
	}
	r := &Redis{
		state:    newState(NameCache, log),
		settings: settings,
		policy: retry.Policy{
			MaxAttempts: retry.DefaultMaxAttempts,
			BaseDelay:   retry.DefaultBaseDelay,
			MaxDelay:    cacheMaxBackoff,
			Multiplier:  retry.DefaultMultiplier,
		},
		reconnectPolicy: retry.Policy{
			MaxAttempts: 0, // forever
			BaseDelay:   retry.DefaultBaseDelay,
			MaxDelay:    cacheMaxBackoff,
			Multiplier:  retry.DefaultMultiplier,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Connect dials the cache and starts the watcher when enabled.
func (r *Redis) Connect(ctx context.Context) error {
	err := r.connect(ctx, r.policy, func(ctx context.Context) error {
		client := redis.NewClient(&redis.Options{
			Addr:         r.settings.Addr(),
			Password:     r.settings.Password,
			DB:           r.settings.DB,
			DialTimeout:  r.settings.Timeout,
			ReadTimeout:  r.settings.Timeout,
			WriteTimeout: r.settings.Timeout,
			PoolSize:     r.settings.PoolMax,
			MinIdleConns: r.settings.PoolMin,
		})

		pingCtx, cancel := context.WithTimeout(ctx, r.settings.Timeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return err
		}

		r.mu.Lock()
		prev := r.client
		r.client = client
		r.mu.Unlock()
		// A re-dial after a Failed flip must not leak the old pool; the
		// handle stays a singleton.
		if prev != nil {
			_ = prev.Close()
		}
		return nil
	})
	if err != nil {
		return err
	}

	if r.reconnectEvery > 0 {
		r.mu.Lock()
		if r.stopCh == nil {
			r.stopCh = make(chan struct{})
			r.watcherDone = make(chan struct{})
			go r.watch(r.stopCh, r.watcherDone)
		}
		r.mu.Unlock()
	}
	return nil
}

// watch probes the cache on an interval. On an observed failure the status
// flips to Failed and the loop re-probes on the capped backoff schedule
// until the cache answers again or the manager is shut down.
func (r *Redis) watch(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.reconnectEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if r.probe() == nil {
			continue
		}

		r.setStatus(StatusFailed)
		r.log.Warn("cache connection lost, reconnecting", "backend", r.name)

		for attempt := 1; ; attempt++ {
			select {
			case <-stop:
				return
			case <-time.After(r.reconnectPolicy.Delay(attempt)):
			}

			r.setStatus(StatusConnecting)
			if r.probe() == nil {
				r.setStatus(StatusConnected)
				r.log.Info("cache reconnected", "backend", r.name, "attempts", attempt)
				break
			}
			r.setStatus(StatusFailed)
		}
	}
}

// probe pings with a bounded timeout, regardless of current status.
func (r *Redis) probe() error {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()
	if client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.settings.Timeout)
	defer cancel()
	return client.Ping(ctx).Err()
}

// Disconnect stops the watcher and closes the client. Safe to call more
// than once.
func (r *Redis) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	stopCh, done := r.stopCh, r.watcherDone
	r.stopCh, r.watcherDone = nil, nil
	r.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-done
	}

	return r.disconnect(func() error {
		if r.client == nil {
			return nil
		}
		client := r.client
		r.client = nil
		return client.Close()
	})
}

// HealthCheck pings the cache.
func (r *Redis) HealthCheck(ctx context.Context) bool {
	return r.healthCheck(ctx, func(ctx context.Context) error {
		client, err := r.GetClient()
		if err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.settings.Timeout)
		defer cancel()
		return client.Ping(probeCtx).Err()
	})
}

// GetClient returns the redis client. Fails unless currently Connected.
func (r *Redis) GetClient() (*redis.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.status != StatusConnected || r.client == nil {
		return nil, ErrNotConnected
	}
	return r.client, nil
}

var _ Backend = (*Redis)(nil)
