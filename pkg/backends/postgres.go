package backends

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/farmdesk/platform/pkg/config"
	"github.com/farmdesk/platform/pkg/logger"
	"github.com/farmdesk/platform/pkg/retry"
)

// Postgres manages the relational store connection pool through GORM.
type Postgres struct {
	state
	settings  config.Postgres
	policy    retry.Policy
	dialector gorm.Dialector

	db *gorm.DB
}

// PostgresOption configures the manager.
type PostgresOption func(*Postgres)

// WithPostgresRetry overrides the bring-up retry policy.
func WithPostgresRetry(p retry.Policy) PostgresOption {
	return func(pg *Postgres) { pg.policy = p }
}

// WithPostgresDialector swaps the GORM dialector, bypassing the DSN.
// Tests use this to run against an in-memory sqlite database.
func WithPostgresDialector(d gorm.Dialector) PostgresOption {
	return func(pg *Postgres) { pg.dialector = d }
}

// NewPostgres builds the relational manager. A missing URL is a
// configuration error: the backend must not be registered at all.
func NewPostgres(settings config.Postgres, log *logger.Logger, opts ...PostgresOption) (*Postgres, error) {
	p := &Postgres{
		state:    newState(NameRelational, log),
		settings: settings,
		policy:   retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.settings.URL == "" && p.dialector == nil {
		return nil, &config.Error{Backend: NameRelational, Err: errors.New("DATABASE_URL is required")}
	}
	if p.dialector == nil {
		p.dialector = postgres.Open(p.settings.URL)
	}
	return p, nil
}

// Connect opens the pool and verifies it with a ping, retrying with capped
// exponential backoff.
func (p *Postgres) Connect(ctx context.Context) error {
	return p.connect(ctx, p.policy, func(ctx context.Context) error {
		db, err := gorm.Open(p.dialector, &gorm.Config{
			Logger: gormlogger.Discard,
		})
		if err != nil {
			return err
		}

		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetMaxOpenConns(p.settings.PoolMax)
		sqlDB.SetMaxIdleConns(p.settings.PoolMin)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, p.settings.Timeout)
		defer cancel()
		if err := sqlDB.PingContext(pingCtx); err != nil {
			_ = sqlDB.Close()
			return err
		}

		p.mu.Lock()
		p.db = db
		p.mu.Unlock()
		return nil
	})
}

// Disconnect closes the pool. Safe to call more than once.
func (p *Postgres) Disconnect(ctx context.Context) error {
	return p.disconnect(func() error {
		if p.db == nil {
			return nil
		}
		sqlDB, err := p.db.DB()
		p.db = nil
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
}

// HealthCheck runs a trivial query against the pool.
func (p *Postgres) HealthCheck(ctx context.Context) bool {
	return p.healthCheck(ctx, func(ctx context.Context) error {
		db, err := p.GetClient()
		if err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, p.settings.Timeout)
		defer cancel()
		return db.WithContext(probeCtx).Exec("SELECT 1").Error
	})
}

// GetClient returns the GORM handle. Fails unless currently Connected.
func (p *Postgres) GetClient() (*gorm.DB, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.status != StatusConnected || p.db == nil {
		return nil, ErrNotConnected
	}
	return p.db, nil
}

var _ Backend = (*Postgres)(nil)
