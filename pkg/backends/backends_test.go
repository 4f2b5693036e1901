package backends

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/farmdesk/platform/pkg/config"
)

// newUnconnected builds one manager of every kind with valid settings but
// without connecting anything.
func newUnconnected(t *testing.T) []Backend {
	t.Helper()

	pg, err := NewPostgres(config.Postgres{URL: "postgres://localhost:5432/farmdesk", PoolMin: 1, PoolMax: 2, Timeout: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	mg, err := NewMongo(config.Mongo{URL: "mongodb://localhost:27017", Database: "farmdesk", Timeout: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rd, err := NewRedis(config.Redis{Host: "localhost", Port: 6379, Timeout: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := NewClickHouse(config.ClickHouse{URL: "clickhouse://localhost:9000/analytics", Timeout: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	es, err := NewElasticsearch(config.Elasticsearch{URL: "http://localhost:9200", Timeout: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	kf, err := NewKafka(config.Kafka{Brokers: []string{"localhost:9092"}, ClientID: "test", Timeout: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return []Backend{pg, mg, rd, ch, es, kf}
}

func TestHealthCheckBeforeConnect(t *testing.T) {
	ctx := context.Background()
	for _, b := range newUnconnected(t) {
		t.Run(b.Name(), func(t *testing.T) {
			if b.Status() != StatusUninitialized {
				t.Errorf("expected uninitialized status, got %v", b.Status())
			}
			if b.IsHealthy() {
				t.Error("IsHealthy should be false before connect")
			}
			// Must return false without probing and without panicking.
			if b.HealthCheck(ctx) {
				t.Error("HealthCheck should be false before connect")
			}
		})
	}
}

func TestGetClientBeforeConnect(t *testing.T) {
	for _, b := range newUnconnected(t) {
		t.Run(b.Name(), func(t *testing.T) {
			var err error
			switch m := b.(type) {
			case *Postgres:
				_, err = m.GetClient()
			case *Mongo:
				_, err = m.GetClient()
			case *Redis:
				_, err = m.GetClient()
			case *ClickHouse:
				_, err = m.GetClient()
			case *Elasticsearch:
				_, err = m.GetClient()
			case *Kafka:
				_, err = m.GetClient()
			}
			if !errors.Is(err, ErrNotConnected) {
				t.Errorf("expected ErrNotConnected, got %v", err)
			}
		})
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	ctx := context.Background()
	for _, b := range newUnconnected(t) {
		t.Run(b.Name(), func(t *testing.T) {
			if err := b.Disconnect(ctx); err != nil {
				t.Fatalf("first disconnect: %v", err)
			}
			if b.Status() != StatusDisconnected {
				t.Errorf("expected disconnected status, got %v", b.Status())
			}
			if err := b.Disconnect(ctx); err != nil {
				t.Fatalf("second disconnect should be a no-op: %v", err)
			}
			if b.Status() != StatusDisconnected {
				t.Errorf("status changed on second disconnect: %v", b.Status())
			}
		})
	}
}

func TestConstructorsRejectMissingConfig(t *testing.T) {
	var cerr *config.Error

	if _, err := NewPostgres(config.Postgres{}, nil); !errors.As(err, &cerr) {
		t.Errorf("postgres: expected *config.Error, got %v", err)
	}
	if _, err := NewMongo(config.Mongo{}, nil); !errors.As(err, &cerr) {
		t.Errorf("mongo: expected *config.Error, got %v", err)
	}
	if _, err := NewRedis(config.Redis{}, nil); !errors.As(err, &cerr) {
		t.Errorf("redis: expected *config.Error, got %v", err)
	}
	if _, err := NewClickHouse(config.ClickHouse{}, nil); !errors.As(err, &cerr) {
		t.Errorf("clickhouse: expected *config.Error, got %v", err)
	}
	if _, err := NewClickHouse(config.ClickHouse{URL: "://not a dsn"}, nil); !errors.As(err, &cerr) {
		t.Errorf("clickhouse: expected *config.Error for bad DSN, got %v", err)
	}
	if _, err := NewElasticsearch(config.Elasticsearch{}, nil); !errors.As(err, &cerr) {
		t.Errorf("elasticsearch: expected *config.Error, got %v", err)
	}
	if _, err := NewKafka(config.Kafka{}, nil); !errors.As(err, &cerr) {
		t.Errorf("kafka: expected *config.Error, got %v", err)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusUninitialized: "uninitialized",
		StatusConnecting:    "connecting",
		StatusConnected:     "connected",
		StatusDisconnected:  "disconnected",
		StatusFailed:        "failed",
		Status(42):          "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestConnectionErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ConnectionError{Backend: NameCache, Attempts: 5, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable via errors.Is")
	}
	msg := err.Error()
	if msg == "" || !errors.Is(err, cause) {
		t.Errorf("unexpected error string: %q", msg)
	}
}
