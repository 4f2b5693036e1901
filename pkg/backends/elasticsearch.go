package backends

import (
	"context"
	"errors"
	"fmt"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"

	"github.com/farmdesk/platform/pkg/config"
	"github.com/farmdesk/platform/pkg/logger"
	"github.com/farmdesk/platform/pkg/retry"
)

// Elasticsearch manages the search engine connection. The underlying client
// is a stateless HTTP transport, so Connect validates reachability with a
// cluster info call and Disconnect simply drops the handle.
type Elasticsearch struct {
	state
	settings config.Elasticsearch
	policy   retry.Policy

	client *elasticsearch.Client
}

// ElasticsearchOption configures the manager.
type ElasticsearchOption func(*Elasticsearch)

// WithElasticsearchRetry overrides the bring-up retry policy.
func WithElasticsearchRetry(p retry.Policy) ElasticsearchOption {
	return func(e *Elasticsearch) { e.policy = p }
}

// NewElasticsearch builds the search manager.
func NewElasticsearch(settings config.Elasticsearch, log *logger.Logger, opts ...ElasticsearchOption) (*Elasticsearch, error) {
	if settings.URL == "" {
		return nil, &config.Error{Backend: NameSearch, Err: errors.New("ELASTICSEARCH_URL is required")}
	}
	e := &Elasticsearch{
		state:    newState(NameSearch, log),
		settings: settings,
		policy:   retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Connect builds the client and verifies the cluster answers an info call.
func (e *Elasticsearch) Connect(ctx context.Context) error {
	return e.connect(ctx, e.policy, func(ctx context.Context) error {
		client, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: []string{e.settings.URL},
		})
		if err != nil {
			return err
		}

		probeCtx, cancel := context.WithTimeout(ctx, e.settings.Timeout)
		defer cancel()
		res, err := client.Info(client.Info.WithContext(probeCtx))
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("cluster info: %s", res.Status())
		}

		e.mu.Lock()
		e.client = client
		e.mu.Unlock()
		return nil
	})
}

// Disconnect drops the handle. Safe to call more than once.
func (e *Elasticsearch) Disconnect(ctx context.Context) error {
	return e.disconnect(func() error {
		e.client = nil
		return nil
	})
}

// HealthCheck pings the cluster.
func (e *Elasticsearch) HealthCheck(ctx context.Context) bool {
	return e.healthCheck(ctx, func(ctx context.Context) error {
		client, err := e.GetClient()
		if err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, e.settings.Timeout)
		defer cancel()
		res, err := client.Ping(client.Ping.WithContext(probeCtx))
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("ping: %s", res.Status())
		}
		return nil
	})
}

// GetClient returns the search client. Fails unless currently Connected.
func (e *Elasticsearch) GetClient() (*elasticsearch.Client, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.status != StatusConnected || e.client == nil {
		return nil, ErrNotConnected
	}
	return e.client, nil
}

var _ Backend = (*Elasticsearch)(nil)
