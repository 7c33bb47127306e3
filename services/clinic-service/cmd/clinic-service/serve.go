package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/clinicdesk/libs/config"
	"github.com/md-rashed-zaman/clinicdesk/libs/httpx"
	"github.com/md-rashed-zaman/clinicdesk/libs/kafkax"
	otelx "github.com/md-rashed-zaman/clinicdesk/libs/otel"
	"github.com/md-rashed-zaman/clinicdesk/libs/runtime"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/activity"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/booking"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/events"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/handlers"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/locks"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/messaging"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodyBytes = 1 << 20

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if s.JWTSecret == "" {
				return errors.New("JWT_SECRET is required")
			}
			return serve(cmd.Context(), s)
		},
	}
}

func serve(parent context.Context, s settings) error {
	logger := runtime.NewLogger(s.Service, s.LogLevel)
	ctx, stop := runtime.SignalContext(parent)
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(s.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	a, err := newApp(ctx, s, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	a.start(ctx)

	srv := &http.Server{
		Addr:              ":" + s.Port,
		Handler:           otelhttp.NewHandler(a.handler, s.Service),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "driver", a.backend.driver, "target", a.backend.target)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	a.close(shutdownCtx)
	logger.Info("http server stopped")
	return nil
}

// app holds everything serve wires together so tests can build it without a listener.
type app struct {
	settings settings
	logger   *slog.Logger
	backend  *backend
	hub      *activity.Hub
	handler  http.Handler

	redis     *redis.Client
	publisher *events.KafkaPublisher
	relay     *events.KafkaRelay
}

func newApp(ctx context.Context, s settings, logger *slog.Logger, reg *prometheus.Registry) (*app, error) {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b, err := openBackend(s, logger, reg)
	if err != nil {
		return nil, err
	}
	a := &app{settings: s, logger: logger, backend: b}

	if s.AutoMigrate {
		if err := b.store.EnsureSchema(ctx); err != nil {
			// The guard retries on the first request; the service stays up and answers 503 meanwhile.
			logger.Error("schema setup failed", "driver", b.driver, "err", err)
		}
	}

	a.hub = activity.NewHub(logger)
	metrics.RegisterFeed(reg, a.hub)

	var locker locks.Locker = locks.NewLocalLocker()
	limiter := httpx.NewRateLimiter(s.RateLimitPerMinute, time.Minute).Middleware()
	checks := []runtime.ReadyCheck{{Name: b.driver, Check: b.EnsureReady}}
	if s.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: s.RedisAddr, Password: s.RedisPassword})
		lockOpts := locks.DefaultOptions()
		lockOpts.Logger = logger
		locker = locks.NewRedisLocker(a.redis, lockOpts)
		limiter = httpx.NewRedisRateLimiter(a.redis, s.RateLimitPerMinute, time.Minute, s.Service+":rl").Middleware(logger, true)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}

	var publisher events.Publisher = a.hub
	if len(s.KafkaBrokers) > 0 {
		kcfg := events.KafkaConfig{
			Brokers: s.KafkaBrokers,
			Topic:   s.KafkaTopic,
			GroupID: relayGroupID(s.Service),
		}
		a.publisher = events.NewKafkaPublisher(events.NewKafkaWriter(kcfg), kcfg.Topic)
		a.relay = events.NewKafkaRelay(events.NewKafkaReader(kcfg), a.hub, logger)
		publisher = a.publisher
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(s.KafkaBrokers)})
	}

	svc := booking.NewService(booking.Deps{
		Store:     b.store,
		Locker:    locker,
		Publisher: publisher,
		Metrics:   metrics.NewBookingMetrics(reg),
		Logger:    logger,
	})

	chat := messaging.NewService(messaging.Deps{
		Store:        b.messages,
		Appointments: b.store,
		Publisher:    publisher,
		Metrics:      metrics.NewMessagingMetrics(reg),
		Logger:       logger,
	})

	api := handlers.NewAPIRouter(handlers.Config{
		Service:        svc,
		Messaging:      chat,
		Feed:           a.hub,
		Ensurer:        b,
		Status:         b,
		Driver:         b.driver,
		Target:         b.target,
		JWTSecret:      s.JWTSecret,
		RequestTimeout: s.RequestTimeout,
		Logger:         logger,
	})

	root := runtime.NewBaseRouterWithReady(checks...)
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	root.Mount("/api", httpx.Chain(api, limiter, httpx.WithBodyLimit(maxBodyBytes)))
	a.handler = buildHandler(root, s, logger)
	return a, nil
}

func buildHandler(root chi.Router, s settings, logger *slog.Logger) http.Handler {
	return httpx.Chain(root,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.DefaultCORSPolicy(s.CORSOrigins)),
	)
}

// start launches background workers. They stop when ctx is cancelled.
func (a *app) start(ctx context.Context) {
	if a.relay != nil {
		go a.relay.Run(ctx)
	}
}

func (a *app) close(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("kafka writer close failed", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", "err", err)
		}
	}
	if err := a.backend.close(ctx); err != nil {
		a.logger.Error("database close failed", "driver", a.backend.driver, "err", err)
	}
}

// relayGroupID is unique per process so every instance receives the whole activity stream.
func relayGroupID(service string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-activity-%s-%s", service, host, uuid.NewString()[:8])
}
