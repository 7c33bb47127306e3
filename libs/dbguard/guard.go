// Package dbguard owns a single database connection handle and keeps it usable
// across idle disconnects and cold starts.
//
// A Guard hands out the current handle after a liveness probe. When there is no
// handle, or the probe fails, callers join one shared connect attempt. The
// attempt is forgotten once it settles, successful or not, so the next caller
// may try again.
package dbguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

const (
	defaultProbeTimeout = 5 * time.Second
	defaultCloseTimeout = 10 * time.Second
	connectKey          = "connect"
)

var (
	// ErrConnect wraps failures of the underlying connector.
	ErrConnect = errors.New("database connect failed")
	// ErrNilConnector is returned by New when no connector is given.
	ErrNilConnector = errors.New("dbguard: nil connector")
)

// Connector is the driver-specific part of the lifecycle.
type Connector[H any] interface {
	Connect(ctx context.Context) (H, error)
	Ping(ctx context.Context, h H) error
	Close(ctx context.Context, h H) error
}

// Observer receives lifecycle counters. Implementations must be safe for concurrent use.
type Observer interface {
	ConnectAttempt(err error, elapsed time.Duration)
	ProbeFailure()
	Disconnected()
}

// Status is a point-in-time view of the guard.
type Status struct {
	Connected   bool      `json:"connected"`
	Connecting  bool      `json:"connecting"`
	Generation  uint64    `json:"generation"`
	Attempts    uint64    `json:"attempts"`
	Failures    uint64    `json:"failures"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

type Option func(*options)

type options struct {
	name         string
	logger       *slog.Logger
	observer     Observer
	probeTimeout time.Duration
}

// WithName labels log records and spans, e.g. "mongo".
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithObserver(observer Observer) Option {
	return func(o *options) { o.observer = observer }
}

// WithProbeTimeout bounds each liveness ping. Non-positive values keep the default.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.probeTimeout = d
		}
	}
}

type Guard[H any] struct {
	connector Connector[H]
	opts      options
	flight    singleflight.Group

	mu          sync.RWMutex
	handle      H
	hasHandle   bool
	connected   bool
	connecting  bool
	generation  uint64
	attempts    uint64
	failures    uint64
	connectedAt time.Time
	lastErr     error
}

func New[H any](connector Connector[H], opts ...Option) (*Guard[H], error) {
	if connector == nil {
		return nil, ErrNilConnector
	}
	o := options{
		name:         "db",
		logger:       slog.Default(),
		probeTimeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "dbguard", "db", o.name)
	return &Guard[H]{connector: connector, opts: o}, nil
}

// Ensure returns a live handle, connecting or reconnecting when needed.
// Under a context returned by EnsureContext the ping is skipped while the verified handle is still current.
func (g *Guard[H]) Ensure(ctx context.Context) (H, error) {
	h, _, err := g.ensure(ctx)
	return h, err
}

type verifiedKey[H any] struct{ g *Guard[H] }

// EnsureContext is Ensure for request middleware. The returned context records the generation just verified,
// so store calls made for the same request reuse the handle without another round trip.
func (g *Guard[H]) EnsureContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_, gen, err := g.ensure(ctx)
	if err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, verifiedKey[H]{g: g}, gen), nil
}

type connection[H any] struct {
	handle H
	gen    uint64
}

func (g *Guard[H]) ensure(ctx context.Context) (H, uint64, error) {
	var zero H
	if ctx == nil {
		ctx = context.Background()
	}

	g.mu.RLock()
	h, gen, ok := g.handle, g.generation, g.hasHandle && g.connected
	g.mu.RUnlock()

	if ok {
		if verified, _ := ctx.Value(verifiedKey[H]{g: g}).(uint64); verified == gen {
			return h, gen, nil
		}
		err := g.probe(ctx, h)
		if err == nil {
			return h, gen, nil
		}
		if ctx.Err() != nil {
			return zero, 0, ctx.Err()
		}
		g.opts.logger.Warn("connection unhealthy, reconnecting", "err", err, "generation", gen)
		if g.opts.observer != nil {
			g.opts.observer.ProbeFailure()
		}
		g.markStale(gen)
	}

	ch := g.flight.DoChan(connectKey, func() (any, error) {
		return g.establish(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return zero, 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, 0, res.Err
		}
		conn := res.Val.(connection[H])
		return conn.handle, conn.gen, nil
	}
}

// EnsureReady is Ensure for callers that only need to know the database is reachable.
func (g *Guard[H]) EnsureReady(ctx context.Context) error {
	_, err := g.Ensure(ctx)
	return err
}

// MarkDisconnected records a driver-reported disconnect of the current handle. The next Ensure reconnects.
func (g *Guard[H]) MarkDisconnected() {
	g.MarkDisconnectedIf(nil)
}

// MarkDisconnectedIf is MarkDisconnected for drivers that report per handle: the current handle is only
// marked when current(handle) is true, so late reports from an already replaced handle are ignored.
func (g *Guard[H]) MarkDisconnectedIf(current func(H) bool) {
	g.mu.Lock()
	was := g.hasHandle && g.connected
	if was && current != nil && !current(g.handle) {
		was = false
	}
	if was {
		g.connected = false
	}
	gen := g.generation
	g.mu.Unlock()
	if was {
		g.opts.logger.Warn("connection reported disconnected", "generation", gen)
		if g.opts.observer != nil {
			g.opts.observer.Disconnected()
		}
	}
}

func (g *Guard[H]) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st := Status{
		Connected:   g.hasHandle && g.connected,
		Connecting:  g.connecting,
		Generation:  g.generation,
		Attempts:    g.attempts,
		Failures:    g.failures,
		ConnectedAt: g.connectedAt,
	}
	if g.lastErr != nil {
		st.LastError = g.lastErr.Error()
	}
	return st
}

// Close releases the current handle. A later Ensure opens a new one.
func (g *Guard[H]) Close(ctx context.Context) error {
	var zero H
	g.mu.Lock()
	h, had := g.handle, g.hasHandle
	g.handle = zero
	g.hasHandle = false
	g.connected = false
	g.connectedAt = time.Time{}
	g.mu.Unlock()

	if !had {
		return nil
	}
	g.opts.logger.Info("closing connection")
	if err := g.connector.Close(ctx, h); err != nil {
		return fmt.Errorf("close %s connection: %w", g.opts.name, err)
	}
	return nil
}

func (g *Guard[H]) probe(ctx context.Context, h H) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.probeTimeout)
	defer cancel()
	return g.connector.Ping(ctx, h)
}

func (g *Guard[H]) markStale(gen uint64) {
	g.mu.Lock()
	if g.generation == gen {
		g.connected = false
	}
	g.mu.Unlock()
}

// establish runs inside the shared flight. Exactly one runs at a time.
func (g *Guard[H]) establish(ctx context.Context) (connection[H], error) {
	var zero H

	g.mu.Lock()
	if g.hasHandle && g.connected {
		// Another flight replaced the stale handle after our probe failed.
		conn := connection[H]{handle: g.handle, gen: g.generation}
		g.mu.Unlock()
		return conn, nil
	}
	stale, hadStale := g.handle, g.hasHandle
	g.handle = zero
	g.hasHandle = false
	g.connecting = true
	g.attempts++
	g.mu.Unlock()

	ctx, span := otel.Tracer("dbguard").Start(ctx, "dbguard.connect")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", g.opts.name))

	if hadStale {
		closeCtx, cancel := context.WithTimeout(ctx, defaultCloseTimeout)
		if err := g.connector.Close(closeCtx, stale); err != nil {
			g.opts.logger.Warn("closing stale connection failed", "err", err)
		}
		cancel()
	}

	g.opts.logger.Info("connecting")
	start := time.Now()
	h, err := g.connector.Connect(ctx)
	elapsed := time.Since(start)
	if g.opts.observer != nil {
		g.opts.observer.ConnectAttempt(err, elapsed)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.connecting = false
	if err != nil {
		g.failures++
		g.lastErr = err
		g.opts.logger.Error("connect failed", "err", err, "duration_ms", elapsed.Milliseconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		return connection[H]{}, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	g.handle = h
	g.hasHandle = true
	g.connected = true
	g.generation++
	g.connectedAt = time.Now().UTC()
	g.lastErr = nil
	g.opts.logger.Info("connected", "generation", g.generation, "duration_ms", elapsed.Milliseconds())
	return connection[H]{handle: h, gen: g.generation}, nil
}
