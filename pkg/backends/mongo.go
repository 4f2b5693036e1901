package backends

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/farmdesk/platform/pkg/config"
	"github.com/farmdesk/platform/pkg/logger"
	"github.com/farmdesk/platform/pkg/retry"
)

// Mongo manages the document store connection.
type Mongo struct {
	state
	settings config.Mongo
	policy   retry.Policy

	client *mongo.Client
}

// MongoOption configures the manager.
type MongoOption func(*Mongo)

// WithMongoRetry overrides the bring-up retry policy.
func WithMongoRetry(p retry.Policy) MongoOption {
	return func(m *Mongo) { m.policy = p }
}

// NewMongo builds the document manager.
func NewMongo(settings config.Mongo, log *logger.Logger, opts ...MongoOption) (*Mongo, error) {
	if settings.URL == "" {
		return nil, &config.Error{Backend: NameDocument, Err: errors.New("MONGODB_URL is required")}
	}
	m := &Mongo{
		state:    newState(NameDocument, log),
		settings: settings,
		policy:   retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Connect dials the cluster and verifies it with a primary ping.
func (m *Mongo) Connect(ctx context.Context) error {
	return m.connect(ctx, m.policy, func(ctx context.Context) error {
		clientOpts := options.Client().
			ApplyURI(m.settings.URL).
			SetMinPoolSize(uint64(m.settings.PoolMin)).
			SetMaxPoolSize(uint64(m.settings.PoolMax)).
			SetConnectTimeout(m.settings.Timeout).
			SetServerSelectionTimeout(m.settings.Timeout)

		client, err := mongo.Connect(ctx, clientOpts)
		if err != nil {
			return err
		}

		pingCtx, cancel := context.WithTimeout(ctx, m.settings.Timeout)
		defer cancel()
		if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return err
		}

		m.mu.Lock()
		m.client = client
		m.mu.Unlock()
		return nil
	})
}

// Disconnect closes the client. Safe to call more than once.
func (m *Mongo) Disconnect(ctx context.Context) error {
	return m.disconnect(func() error {
		if m.client == nil {
			return nil
		}
		client := m.client
		m.client = nil

		closeCtx, cancel := context.WithTimeout(context.Background(), m.settings.Timeout)
		defer cancel()
		return client.Disconnect(closeCtx)
	})
}

// HealthCheck pings the primary.
func (m *Mongo) HealthCheck(ctx context.Context) bool {
	return m.healthCheck(ctx, func(ctx context.Context) error {
		client, err := m.GetClient()
		if err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, m.settings.Timeout)
		defer cancel()
		return client.Ping(probeCtx, readpref.Primary())
	})
}

// GetClient returns the mongo client. Fails unless currently Connected.
func (m *Mongo) GetClient() (*mongo.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusConnected || m.client == nil {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

// Database returns the configured application database.
func (m *Mongo) Database() (*mongo.Database, error) {
	client, err := m.GetClient()
	if err != nil {
		return nil, err
	}
	return client.Database(m.settings.Database), nil
}

var _ Backend = (*Mongo)(nil)
