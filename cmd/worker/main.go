package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/conversion_hook/internal/capi"
	"github.com/austindbirch/conversion_hook/internal/config"
	"github.com/austindbirch/conversion_hook/internal/db"
	"github.com/austindbirch/conversion_hook/internal/delivery"
	"github.com/austindbirch/conversion_hook/internal/events"
	"github.com/austindbirch/conversion_hook/internal/health"
	"github.com/austindbirch/conversion_hook/internal/logging"
	"github.com/austindbirch/conversion_hook/internal/metrics"
	"github.com/austindbirch/conversion_hook/internal/pii"
	"github.com/austindbirch/conversion_hook/internal/queue"
	"github.com/austindbirch/conversion_hook/internal/secrets"
	"github.com/austindbirch/conversion_hook/internal/store"
	"github.com/austindbirch/conversion_hook/internal/tracing"
	"github.com/austindbirch/conversion_hook/internal/translator"
	"github.com/austindbirch/conversion_hook/internal/worker"
)

const serviceName = "convhook-worker"

const (
	defaultDLQLimit = 50
	maxDLQLimit     = 1000
)

func main() {
	logger := logging.New(serviceName)
	defer logger.Sync()

	if err := config.LoadDotenv(); err != nil {
		logger.Plain().WithError(err).Fatal("failed to load .env")
	}
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("worker service failed")
	}
	logger.Plain().Info("worker service stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		return err
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN(), int32(cfg.Worker.Concurrency*2+2))
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	q := queue.NewRedis(rdb, cfg.Redis.KeyPrefix)
	if err := q.Ping(ctx); err != nil {
		return err
	}

	box, err := secrets.NewBox(cfg.SecretsKey)
	if err != nil {
		return err
	}

	st := store.New(pool)
	tr := translator.New(st, q, pii.NewHasher(cfg.PIICountryCodes), logging.New("convhook-translator"))
	sub, err := events.NewSubscriber(events.SubscriberConfig{
		Topic:        cfg.NSQ.EventsTopic,
		Channel:      cfg.NSQ.TranslatorChannel,
		MaxInFlight:  cfg.NSQ.MaxInFlight,
		MaxAttempts:  cfg.NSQ.MaxAttempts,
		RequeueDelay: cfg.NSQ.RequeueDelay,
	}, tr, logging.New("convhook-events"))
	if err != nil {
		return err
	}
	if err := sub.Connect(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr); err != nil {
		return err
	}
	defer sub.Stop()

	w := worker.New(st, q, capi.NewClient(capiConfig(cfg)), box, workerConfig(cfg), logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	httpSrv := &http.Server{
		Addr: cfg.Worker.HTTPPort,
		Handler: newOpsRouter(reg, q,
			health.Check{Name: "database", Pinger: pool},
			health.Check{Name: "redis", Pinger: q},
		),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		worker.MonitorQueue(gctx, q, cfg.Worker.MonitorInterval, logging.New("convhook-worker-monitor"))
		return nil
	})
	if cfg.NSQ.NsqdHTTPAddr != "" {
		g.Go(func() error {
			stats := events.NewStatsClient(cfg.NSQ.NsqdHTTPAddr, nil)
			events.MonitorChannels(gctx, stats, cfg.NSQ.EventsTopic, cfg.Worker.MonitorInterval, logging.New("convhook-nsq-monitor"))
			return nil
		})
	}
	g.Go(func() error {
		logger.Plain().WithField("concurrency", cfg.Worker.Concurrency).Info("worker service started")
		return worker.RunPool(gctx, w, cfg.Worker.Concurrency)
	})

	err = g.Wait()
	logger.Plain().Info("shutting down worker service")
	return err
}

func capiConfig(cfg config.Config) capi.Config {
	return capi.Config{
		BaseURL:    cfg.CAPI.BaseURL,
		APIVersion: cfg.CAPI.APIVersion,
		Timeout:    cfg.CAPI.Timeout,
	}
}

func workerConfig(cfg config.Config) worker.Config {
	return worker.Config{
		Policy: delivery.Policy{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			BaseDelay:   cfg.Delivery.BaseDelay(),
		},
		PopTimeout:    cfg.Worker.PopTimeout,
		PromoteBatch:  cfg.Worker.PromoteBatch,
		ClaimTTL:      cfg.Worker.ClaimTTL,
		SendTimeout:   cfg.CAPI.Timeout * 2,
		TestEventCode: cfg.CAPI.TestEventCode,
	}
}

type deadLetterSource interface {
	DeadLetters(ctx context.Context, limit int64) ([]delivery.DeadLetter, error)
}

// newOpsRouter serves /healthz, /metrics and a read-only /dlq peek.
func newOpsRouter(reg *prometheus.Registry, dlq deadLetterSource, checks ...health.Check) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", health.HTTPHandler(checks...))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/dlq", func(w http.ResponseWriter, r *http.Request) {
		limit := int64(defaultDLQLimit)
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, maxDLQLimit)
		}

		entries, err := dlq.DeadLetters(r.Context(), limit)
		if err != nil {
			logging.WithContext(r.Context()).WithError(err).Error("failed to read dead letters")
			http.Error(w, "dead letter queue unavailable", http.StatusServiceUnavailable)
			return
		}
		if entries == nil {
			entries = []delivery.DeadLetter{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count":   len(entries),
			"entries": entries,
		})
	})
	return r
}
