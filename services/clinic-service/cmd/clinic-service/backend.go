package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/md-rashed-zaman/clinicdesk/libs/db"
	"github.com/md-rashed-zaman/clinicdesk/libs/dbguard"
	"github.com/md-rashed-zaman/clinicdesk/libs/httpx"
	"github.com/md-rashed-zaman/clinicdesk/libs/mongox"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/metrics"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
)

// backend is the selected store together with the guard that owns its connection.
type backend struct {
	driver   string
	target   string
	store    storage.AppointmentStore
	messages storage.MessageStore
	ready    func(ctx context.Context) error
	verify   func(ctx context.Context) (context.Context, error)
	status   func() dbguard.Status
	probe    func(ctx context.Context) error
	close    func(ctx context.Context) error
}

var _ httpx.ContextEnsurer = (*backend)(nil)

func (b *backend) EnsureReady(ctx context.Context) error { return b.ready(ctx) }

func (b *backend) EnsureContext(ctx context.Context) (context.Context, error) { return b.verify(ctx) }

func (b *backend) Status() dbguard.Status { return b.status() }

func openBackend(s settings, logger *slog.Logger, reg prometheus.Registerer) (*backend, error) {
	switch s.Driver {
	case driverMongo:
		return mongoBackend(s, logger, reg)
	case driverPostgres:
		return postgresBackend(s, logger, reg)
	case driverMemory:
		return memoryBackend(logger), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", s.Driver)
	}
}

func mongoBackend(s settings, logger *slog.Logger, reg prometheus.Registerer) (*backend, error) {
	connector := mongox.NewConnector(mongox.Config{URI: s.MongoURI, Database: s.MongoDatabase})
	guard, err := dbguard.New[*mongo.Client](connector,
		dbguard.WithName(driverMongo),
		dbguard.WithLogger(logger),
		dbguard.WithObserver(metrics.NewDBMetrics(reg, driverMongo)),
	)
	if err != nil {
		return nil, err
	}
	connector.OnDisconnect = func(client *mongo.Client) {
		guard.MarkDisconnectedIf(func(current *mongo.Client) bool { return current == client })
	}

	store := storage.NewMongoStore(guard.Ensure, connector.DatabaseName())
	return &backend{
		driver:   driverMongo,
		target:   connector.Target(),
		store:    store,
		messages: store,
		ready:    guard.EnsureReady,
		verify:   guard.EnsureContext,
		status:   guard.Status,
		probe: func(ctx context.Context) error {
			return runProbe(ctx, guard, connector.Ping, logger)
		},
		close: guard.Close,
	}, nil
}

func postgresBackend(s settings, logger *slog.Logger, reg prometheus.Registerer) (*backend, error) {
	connector := db.NewConnector(db.PoolConfig{URL: s.DatabaseURL})
	guard, err := dbguard.New[*pgxpool.Pool](connector,
		dbguard.WithName(driverPostgres),
		dbguard.WithLogger(logger),
		dbguard.WithObserver(metrics.NewDBMetrics(reg, driverPostgres)),
	)
	if err != nil {
		return nil, err
	}
	source := func(ctx context.Context) (storage.Querier, error) {
		pool, err := guard.Ensure(ctx)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}

	store := storage.NewPostgresStore(source)
	return &backend{
		driver:   driverPostgres,
		target:   mongox.RedactURI(s.DatabaseURL),
		store:    store,
		messages: store,
		ready:    guard.EnsureReady,
		verify:   guard.EnsureContext,
		status:   guard.Status,
		probe: func(ctx context.Context) error {
			return runProbe(ctx, guard, connector.Ping, logger)
		},
		close: guard.Close,
	}, nil
}

func memoryBackend(logger *slog.Logger) *backend {
	store := storage.NewMemoryStore()
	return &backend{
		driver:   driverMemory,
		store:    store,
		messages: store,
		ready:    func(context.Context) error { return nil },
		verify:   func(ctx context.Context) (context.Context, error) { return ctx, nil },
		status:   func() dbguard.Status { return dbguard.Status{Connected: true, Generation: 1} },
		probe: func(context.Context) error {
			logger.Info("memory store has no connection to probe")
			return nil
		},
		close: func(context.Context) error { return nil },
	}
}
