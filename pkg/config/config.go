// Package config loads per-backend connection settings from the environment.
//
// Every backend follows the same pattern: a required URL or host, optional
// credentials, and optional pool/timeout tuning. Secrets can be supplied
// directly (REDIS_PASSWORD) or through a file path (REDIS_PASSWORD_FILE) for
// secret-mount deployments; the _FILE form wins only when the direct form is
// unset.
//
// Each FromEnv function fails independently: a service that never uses the
// search backend can run without ELASTICSEARCH_URL, and a missing variable
// only prevents that one backend from being constructed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Default pool and timeout tuning, overridable per backend via *_POOL_MIN,
// *_POOL_MAX and *_TIMEOUT (Go duration strings).
const (
	DefaultPoolMin = 2
	DefaultPoolMax = 10
	DefaultTimeout = 5 * time.Second
)

var validate = validator.New()

// Error reports a missing or unusable setting for one backend. Construction
// of that backend must be refused; other backends are unaffected.
type Error struct {
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

// secret resolves key directly, falling back to reading the file named by
// key_FILE. Returns "" when neither is set.
func secret(v *viper.Viper, key string) (string, error) {
	if val := v.GetString(key); val != "" {
		return val, nil
	}
	path := v.GetString(key + "_FILE")
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s_FILE: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func poolMin(v *viper.Viper, prefix string) int {
	if n := v.GetInt(prefix + "_POOL_MIN"); n > 0 {
		return n
	}
	return DefaultPoolMin
}

func poolMax(v *viper.Viper, prefix string) int {
	if n := v.GetInt(prefix + "_POOL_MAX"); n > 0 {
		return n
	}
	return DefaultPoolMax
}

func timeout(v *viper.Viper, prefix string) time.Duration {
	if d := v.GetDuration(prefix + "_TIMEOUT"); d > 0 {
		return d
	}
	return DefaultTimeout
}

// Postgres holds relational store settings.
type Postgres struct {
	URL     string `validate:"required"`
	PoolMin int
	PoolMax int
	Timeout time.Duration
}

// PostgresFromEnv reads DATABASE_URL and DATABASE_POOL_MIN/MAX/TIMEOUT.
func PostgresFromEnv() (Postgres, error) {
	v := newEnv()
	s := Postgres{
		URL:     v.GetString("DATABASE_URL"),
		PoolMin: poolMin(v, "DATABASE"),
		PoolMax: poolMax(v, "DATABASE"),
		Timeout: timeout(v, "DATABASE"),
	}
	if err := validate.Struct(s); err != nil {
		return Postgres{}, &Error{Backend: "relational", Err: fmt.Errorf("DATABASE_URL is required: %w", err)}
	}
	return s, nil
}

// Mongo holds document store settings.
type Mongo struct {
	URL      string `validate:"required"`
	Database string `validate:"required"`
	PoolMin  int
	PoolMax  int
	Timeout  time.Duration
}

// MongoFromEnv reads MONGODB_URL, MONGODB_DATABASE and pool tuning.
func MongoFromEnv() (Mongo, error) {
	v := newEnv()
	s := Mongo{
		URL:      v.GetString("MONGODB_URL"),
		Database: v.GetString("MONGODB_DATABASE"),
		PoolMin:  poolMin(v, "MONGODB"),
		PoolMax:  poolMax(v, "MONGODB"),
		Timeout:  timeout(v, "MONGODB"),
	}
	if s.Database == "" {
		s.Database = "farmdesk"
	}
	if err := validate.Struct(s); err != nil {
		return Mongo{}, &Error{Backend: "document", Err: fmt.Errorf("MONGODB_URL is required: %w", err)}
	}
	return s, nil
}

// Redis holds cache settings.
type Redis struct {
	Host     string `validate:"required"`
	Port     int
	Password string
	DB       int
	PoolMin  int
	PoolMax  int
	Timeout  time.Duration
}

// Addr returns host:port.
func (s Redis) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisFromEnv reads REDIS_HOST, REDIS_PORT, REDIS_PASSWORD[_FILE], REDIS_DB
// and pool tuning.
func RedisFromEnv() (Redis, error) {
	v := newEnv()
	password, err := secret(v, "REDIS_PASSWORD")
	if err != nil {
		return Redis{}, &Error{Backend: "cache", Err: err}
	}
	s := Redis{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: password,
		DB:       v.GetInt("REDIS_DB"),
		PoolMin:  poolMin(v, "REDIS"),
		PoolMax:  poolMax(v, "REDIS"),
		Timeout:  timeout(v, "REDIS"),
	}
	if s.Port == 0 {
		s.Port = 6379
	}
	if err := validate.Struct(s); err != nil {
		return Redis{}, &Error{Backend: "cache", Err: fmt.Errorf("REDIS_HOST is required: %w", err)}
	}
	return s, nil
}

// ClickHouse holds columnar analytics store settings.
type ClickHouse struct {
	URL      string `validate:"required"`
	Username string
	Password string
	PoolMin  int
	PoolMax  int
	Timeout  time.Duration
}

// ClickHouseFromEnv reads CLICKHOUSE_URL, CLICKHOUSE_USERNAME,
// CLICKHOUSE_PASSWORD[_FILE] and pool tuning.
func ClickHouseFromEnv() (ClickHouse, error) {
	v := newEnv()
	password, err := secret(v, "CLICKHOUSE_PASSWORD")
	if err != nil {
		return ClickHouse{}, &Error{Backend: "analytics-columnar", Err: err}
	}
	s := ClickHouse{
		URL:      v.GetString("CLICKHOUSE_URL"),
		Username: v.GetString("CLICKHOUSE_USERNAME"),
		Password: password,
		PoolMin:  poolMin(v, "CLICKHOUSE"),
		PoolMax:  poolMax(v, "CLICKHOUSE"),
		Timeout:  timeout(v, "CLICKHOUSE"),
	}
	if err := validate.Struct(s); err != nil {
		return ClickHouse{}, &Error{Backend: "analytics-columnar", Err: fmt.Errorf("CLICKHOUSE_URL is required: %w", err)}
	}
	return s, nil
}

// Elasticsearch holds search engine settings.
type Elasticsearch struct {
	URL     string `validate:"required"`
	Timeout time.Duration
}

// ElasticsearchFromEnv reads ELASTICSEARCH_URL and ELASTICSEARCH_TIMEOUT.
func ElasticsearchFromEnv() (Elasticsearch, error) {
	v := newEnv()
	s := Elasticsearch{
		URL:     v.GetString("ELASTICSEARCH_URL"),
		Timeout: timeout(v, "ELASTICSEARCH"),
	}
	if err := validate.Struct(s); err != nil {
		return Elasticsearch{}, &Error{Backend: "search", Err: fmt.Errorf("ELASTICSEARCH_URL is required: %w", err)}
	}
	return s, nil
}

// Kafka holds message broker settings.
type Kafka struct {
	Brokers  []string `validate:"required,min=1"`
	ClientID string
	Timeout  time.Duration
}

// KafkaFromEnv reads KAFKA_BROKERS (comma-separated), KAFKA_CLIENT_ID and
// KAFKA_TIMEOUT.
func KafkaFromEnv() (Kafka, error) {
	v := newEnv()
	var brokers []string
	for _, b := range strings.Split(v.GetString("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	s := Kafka{
		Brokers:  brokers,
		ClientID: v.GetString("KAFKA_CLIENT_ID"),
		Timeout:  timeout(v, "KAFKA"),
	}
	if s.ClientID == "" {
		s.ClientID = "farmdesk-platform"
	}
	if err := validate.Struct(s); err != nil {
		return Kafka{}, &Error{Backend: "broker", Err: fmt.Errorf("KAFKA_BROKERS is required: %w", err)}
	}
	return s, nil
}
