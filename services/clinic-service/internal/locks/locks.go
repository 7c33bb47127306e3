// Package locks serializes the booking check-then-insert per doctor.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

var (
	ErrEmptyKey = errors.New("lock key cannot be empty")
	ErrNilFn    = errors.New("lock function is nil")
	// ErrNotAcquired means another holder kept the lock for all tries.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrLockLost means the lock could not be extended while fn was running. fn's context is cancelled with it.
	ErrLockLost = errors.New("lock lost")
)

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type Options struct {
	// Expiry is the lock TTL. A held lock is extended every Expiry/3 until fn returns.
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Expiry:     10 * time.Second,
		Tries:      3,
		RetryDelay: 200 * time.Millisecond,
	}
}

// RedisLocker holds locks in Redis so every service instance sees them.
type RedisLocker struct {
	rs   *redsync.Redsync
	opts Options
}

func NewRedisLocker(client goredislib.UniversalClient, opts Options) *RedisLocker {
	def := DefaultOptions()
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Tries < 1 {
		opts.Tries = def.Tries
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client)), opts: opts}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return ErrEmptyKey
	}
	if fn == nil {
		return ErrNilFn
	}
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		l.keepAlive(fnCtx, mutex, stop, cancel)
	}()

	err := fn(fnCtx)
	close(stop)
	<-watched
	lost := context.Cause(fnCtx)
	cancel(nil)

	// Release even if the caller's context is already done.
	if ok, uerr := mutex.UnlockContext(context.WithoutCancel(ctx)); uerr != nil || !ok {
		l.opts.Logger.Warn("lock was not held at release", "key", key, "err", uerr)
	}
	if errors.Is(lost, ErrLockLost) {
		return errors.Join(lost, err)
	}
	return err
}

// keepAlive extends m every Expiry/3 until stop closes. A failed extension cancels ctx with ErrLockLost,
// before the key can expire under the holder.
func (l *RedisLocker) keepAlive(ctx context.Context, m *redsync.Mutex, stop <-chan struct{}, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(l.opts.Expiry / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, cancel := context.WithDeadline(ctx, m.Until())
			ok, err := m.ExtendContext(extendCtx)
			cancel()
			if err != nil || !ok {
				lost(fmt.Errorf("%w: %s", ErrLockLost, m.Name()))
				return
			}
		}
	}
}

// LocalLocker is an in-process keyed mutex for single-instance deployments.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]*keyLock{}}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return ErrEmptyKey
	}
	if fn == nil {
		return ErrNilFn
	}

	l.mu.Lock()
	kl := l.locks[key]
	if kl == nil {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()
	defer l.release(key, kl)

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-kl.ch }()
	return fn(ctx)
}

func (l *LocalLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// DoctorKey is the lock key guarding a doctor's calendar.
func DoctorKey(doctorID string) string {
	return "booking:doctor:" + doctorID
}
