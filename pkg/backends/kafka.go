package backends

import (
	"context"
	"errors"

	"github.com/IBM/sarama"

	"github.com/farmdesk/platform/pkg/config"
	"github.com/farmdesk/platform/pkg/logger"
	"github.com/farmdesk/platform/pkg/retry"
)

// Kafka manages the message broker connection: one shared client plus a
// sync producer built from it. The health probe refreshes cluster metadata
// and requires at least one reachable broker, rather than merely checking
// that brokers are configured.
type Kafka struct {
	state
	settings config.Kafka
	policy   retry.Policy

	client   sarama.Client
	producer sarama.SyncProducer
}

// KafkaOption configures the manager.
type KafkaOption func(*Kafka)

// WithKafkaRetry overrides the bring-up retry policy.
func WithKafkaRetry(p retry.Policy) KafkaOption {
	return func(k *Kafka) { k.policy = p }
}

// NewKafka builds the broker manager.
func NewKafka(settings config.Kafka, log *logger.Logger, opts ...KafkaOption) (*Kafka, error) {
	if len(settings.Brokers) == 0 {
		return nil, &config.Error{Backend: NameBroker, Err: errors.New("KAFKA_BROKERS is required")}
	}
	k := &Kafka{
		state:    newState(NameBroker, log),
		settings: settings,
		policy:   retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

func (k *Kafka) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = k.settings.ClientID
	cfg.Net.DialTimeout = k.settings.Timeout
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	return cfg
}

// Connect dials the cluster and builds the shared producer.
func (k *Kafka) Connect(ctx context.Context) error {
	return k.connect(ctx, k.policy, func(ctx context.Context) error {
		client, err := sarama.NewClient(k.settings.Brokers, k.saramaConfig())
		if err != nil {
			return err
		}

		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			_ = client.Close()
			return err
		}

		k.mu.Lock()
		k.client = client
		k.producer = producer
		k.mu.Unlock()
		return nil
	})
}

// Disconnect closes the producer then the client. Safe to call more than
// once.
func (k *Kafka) Disconnect(ctx context.Context) error {
	return k.disconnect(func() error {
		var errs []error
		if k.producer != nil {
			if err := k.producer.Close(); err != nil {
				errs = append(errs, err)
			}
			k.producer = nil
		}
		if k.client != nil {
			if err := k.client.Close(); err != nil {
				errs = append(errs, err)
			}
			k.client = nil
		}
		return errors.Join(errs...)
	})
}

// HealthCheck refreshes cluster metadata and verifies broker reachability.
func (k *Kafka) HealthCheck(ctx context.Context) bool {
	return k.healthCheck(ctx, func(ctx context.Context) error {
		client, err := k.GetClient()
		if err != nil {
			return err
		}
		if err := client.RefreshMetadata(); err != nil {
			return err
		}
		if len(client.Brokers()) == 0 {
			return errors.New("no reachable brokers")
		}
		return nil
	})
}

// GetClient returns the shared cluster client. Fails unless currently
// Connected.
func (k *Kafka) GetClient() (sarama.Client, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.status != StatusConnected || k.client == nil {
		return nil, ErrNotConnected
	}
	return k.client, nil
}

// Producer returns the shared sync producer. Fails unless currently
// Connected.
func (k *Kafka) Producer() (sarama.SyncProducer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.status != StatusConnected || k.producer == nil {
		return nil, ErrNotConnected
	}
	return k.producer, nil
}

var _ Backend = (*Kafka)(nil)
