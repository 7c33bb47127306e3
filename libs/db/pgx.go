package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrMissingURL = errors.New("DATABASE_URL is not set")

type PoolConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Connector implements dbguard.Connector[*pgxpool.Pool].
type Connector struct {
	cfg PoolConfig
}

func NewConnector(cfg PoolConfig) *Connector {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.MaxConnLifetime <= 0 {
		cfg.MaxConnLifetime = 30 * time.Minute
	}
	if cfg.MaxConnIdleTime <= 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	return &Connector{cfg: cfg}
}

func (c *Connector) Connect(ctx context.Context) (*pgxpool.Pool, error) {
	if c.cfg.URL == "" {
		return nil, ErrMissingURL
	}
	cfg, err := pgxpool.ParseConfig(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = c.cfg.MaxConns
	cfg.MinConns = c.cfg.MinConns
	cfg.MaxConnLifetime = c.cfg.MaxConnLifetime
	cfg.MaxConnIdleTime = c.cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (c *Connector) Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("db not configured")
	}
	return pool.Ping(ctx)
}

func (c *Connector) Close(_ context.Context, pool *pgxpool.Pool) error {
	if pool != nil {
		pool.Close()
	}
	return nil
}
