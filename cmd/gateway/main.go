// The gateway fronts the farmdesk business services. This binary owns the
// shared backend bring-up and the /health endpoint; route handling for the
// business APIs is mounted elsewhere.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/farmdesk/platform/pkg/backends"
	"github.com/farmdesk/platform/pkg/config"
	"github.com/farmdesk/platform/pkg/health"
	"github.com/farmdesk/platform/pkg/logger"
	"github.com/farmdesk/platform/pkg/registry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	log, err := logger.New(os.Getenv("APP_ENV") != "production")
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(log, buildBackends(log))
	failures := reg.InitializeAll(ctx)
	for name, err := range failures {
		log.Warn("running without backend", "backend", name, "error", err)
	}
	if len(reg.Names()) == 0 {
		log.Warn("no backends came up, serving unhealthy until restart")
	}

	agg := health.NewAggregator(reg, log)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", agg.Handler())

	addr := os.Getenv("GATEWAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	if err := reg.CloseAll(shutdownCtx); err != nil {
		log.Warn("backend teardown incomplete", "error", err)
	}
	log.Info("bye")
}

// buildBackends constructs every backend whose configuration is present.
// A backend with missing or broken configuration is skipped with a warning
// and never registered; the rest come up normally.
func buildBackends(log *logger.Logger) []backends.Backend {
	var out []backends.Backend

	if s, err := config.PostgresFromEnv(); err != nil {
		log.Warn("relational backend not configured", "error", err)
	} else if b, err := backends.NewPostgres(s, log); err != nil {
		log.Warn("relational backend rejected", "error", err)
	} else {
		out = append(out, b)
	}

	if s, err := config.MongoFromEnv(); err != nil {
		log.Warn("document backend not configured", "error", err)
	} else if b, err := backends.NewMongo(s, log); err != nil {
		log.Warn("document backend rejected", "error", err)
	} else {
		out = append(out, b)
	}

	if s, err := config.RedisFromEnv(); err != nil {
		log.Warn("cache backend not configured", "error", err)
	} else if b, err := backends.NewRedis(s, log, backends.WithRedisReconnect(backends.DefaultReconnectInterval)); err != nil {
		log.Warn("cache backend rejected", "error", err)
	} else {
		out = append(out, b)
	}

	if s, err := config.ClickHouseFromEnv(); err != nil {
		log.Warn("analytics backend not configured", "error", err)
	} else if b, err := backends.NewClickHouse(s, log); err != nil {
		log.Warn("analytics backend rejected", "error", err)
	} else {
		out = append(out, b)
	}

	if s, err := config.ElasticsearchFromEnv(); err != nil {
		log.Warn("search backend not configured", "error", err)
	} else if b, err := backends.NewElasticsearch(s, log); err != nil {
		log.Warn("search backend rejected", "error", err)
	} else {
		out = append(out, b)
	}

	if s, err := config.KafkaFromEnv(); err != nil {
		log.Warn("broker backend not configured", "error", err)
	} else if b, err := backends.NewKafka(s, log); err != nil {
		log.Warn("broker backend rejected", "error", err)
	} else {
		out = append(out, b)
	}

	return out
}
