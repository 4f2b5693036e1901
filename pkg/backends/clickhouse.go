package backends

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/farmdesk/platform/pkg/config"
	"github.com/farmdesk/platform/pkg/logger"
	"github.com/farmdesk/platform/pkg/retry"
)

// ClickHouse manages the columnar analytics store connection.
type ClickHouse struct {
	state
	settings config.ClickHouse
	policy   retry.Policy
	options  *clickhouse.Options

	conn driver.Conn
}

// ClickHouseOption configures the manager.
type ClickHouseOption func(*ClickHouse)

// WithClickHouseRetry overrides the bring-up retry policy.
func WithClickHouseRetry(p retry.Policy) ClickHouseOption {
	return func(c *ClickHouse) { c.policy = p }
}

// NewClickHouse builds the analytics manager. The DSN is parsed here so a
// malformed URL is rejected at construction rather than retried at bring-up.
func NewClickHouse(settings config.ClickHouse, log *logger.Logger, opts ...ClickHouseOption) (*ClickHouse, error) {
	if settings.URL == "" {
		return nil, &config.Error{Backend: NameAnalytics, Err: fmt.Errorf("CLICKHOUSE_URL is required")}
	}
	chOpts, err := clickhouse.ParseDSN(settings.URL)
	if err != nil {
		return nil, &config.Error{Backend: NameAnalytics, Err: fmt.Errorf("parsing CLICKHOUSE_URL: %w", err)}
	}
	if settings.Username != "" {
		chOpts.Auth.Username = settings.Username
		chOpts.Auth.Password = settings.Password
	}
	chOpts.MaxOpenConns = settings.PoolMax
	chOpts.MaxIdleConns = settings.PoolMin
	chOpts.DialTimeout = settings.Timeout

	c := &ClickHouse{
		state:    newState(NameAnalytics, log),
		settings: settings,
		policy:   retry.DefaultPolicy(),
		options:  chOpts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect opens the native-protocol pool and verifies it with a ping.
func (c *ClickHouse) Connect(ctx context.Context) error {
	return c.connect(ctx, c.policy, func(ctx context.Context) error {
		conn, err := clickhouse.Open(c.options)
		if err != nil {
			return err
		}

		pingCtx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
		defer cancel()
		if err := conn.Ping(pingCtx); err != nil {
			_ = conn.Close()
			return err
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	})
}

// Disconnect closes the pool. Safe to call more than once.
func (c *ClickHouse) Disconnect(ctx context.Context) error {
	return c.disconnect(func() error {
		if c.conn == nil {
			return nil
		}
		conn := c.conn
		c.conn = nil
		return conn.Close()
	})
}

// HealthCheck runs a trivial query.
func (c *ClickHouse) HealthCheck(ctx context.Context) bool {
	return c.healthCheck(ctx, func(ctx context.Context) error {
		conn, err := c.GetClient()
		if err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
		defer cancel()
		return conn.Exec(probeCtx, "SELECT 1")
	})
}

// GetClient returns the native connection pool. Fails unless currently
// Connected.
func (c *ClickHouse) GetClient() (driver.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status != StatusConnected || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

var _ Backend = (*ClickHouse)(nil)
