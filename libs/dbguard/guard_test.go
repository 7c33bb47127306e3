package dbguard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	id int64
}

type fakeConnector struct {
	connects atomic.Int64
	pings    atomic.Int64
	closed   atomic.Int64

	mu         sync.Mutex
	connectErr []error // consumed in order; nil entries succeed
	pingErr    error
	release    chan struct{}
	entered    chan struct{}
	closedIDs  []int64
}

func (f *fakeConnector) Connect(ctx context.Context) (*fakeConn, error) {
	n := f.connects.Add(1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectErr) > 0 {
		err := f.connectErr[0]
		f.connectErr = f.connectErr[1:]
		if err != nil {
			return nil, err
		}
	}
	return &fakeConn{id: n}, nil
}

func (f *fakeConnector) Ping(_ context.Context, _ *fakeConn) error {
	f.pings.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeConnector) Close(_ context.Context, c *fakeConn) error {
	f.closed.Add(1)
	f.mu.Lock()
	f.closedIDs = append(f.closedIDs, c.id)
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

type countingObserver struct {
	attempts, failures, probes, disconnects atomic.Int64
}

func (o *countingObserver) ConnectAttempt(err error, _ time.Duration) {
	o.attempts.Add(1)
	if err != nil {
		o.failures.Add(1)
	}
}
func (o *countingObserver) ProbeFailure() { o.probes.Add(1) }
func (o *countingObserver) Disconnected() { o.disconnects.Add(1) }

func newGuard(t *testing.T, c *fakeConnector, opts ...Option) *Guard[*fakeConn] {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithName("fake")}, opts...)
	g, err := New[*fakeConn](c, opts...)
	require.NoError(t, err)
	return g
}

func TestNew_NilConnector(t *testing.T) {
	g, err := New[*fakeConn](nil)
	assert.Nil(t, g)
	assert.ErrorIs(t, err, ErrNilConnector)
}

func TestEnsure_ConnectsOnceAndReusesHealthyHandle(t *testing.T) {
	c := &fakeConnector{}
	g := newGuard(t, c)
	ctx := context.Background()

	first, err := g.Ensure(ctx)
	require.NoError(t, err)
	second, err := g.Ensure(ctx)
	require.NoError(t, err)
	third, err := g.Ensure(ctx)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, first, third)
	assert.EqualValues(t, 1, c.connects.Load())
	assert.EqualValues(t, 2, c.pings.Load(), "reuse must probe the existing handle")

	st := g.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.Connecting)
	assert.EqualValues(t, 1, st.Generation)
	assert.EqualValues(t, 1, st.Attempts)
	assert.Empty(t, st.LastError)
}

func TestEnsure_ConcurrentCallersShareOneAttempt(t *testing.T) {
	c := &fakeConnector{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	g := newGuard(t, c)

	const callers = 32
	var (
		wg      sync.WaitGroup
		results = make([]*fakeConn, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Ensure(context.Background())
		}(i)
	}

	<-c.entered
	assert.True(t, g.Status().Connecting)
	time.Sleep(50 * time.Millisecond)
	close(c.release)
	wg.Wait()

	assert.EqualValues(t, 1, c.connects.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestEnsure_ProbeFailureReconnects(t *testing.T) {
	c := &fakeConnector{}
	obs := &countingObserver{}
	g := newGuard(t, c, WithObserver(obs))
	ctx := context.Background()

	first, err := g.Ensure(ctx)
	require.NoError(t, err)

	c.setPingErr(errors.New("server selection timeout"))
	second, err := g.Ensure(ctx)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.EqualValues(t, 2, c.connects.Load())
	assert.EqualValues(t, 1, c.closed.Load(), "stale handle is closed before reconnecting")
	assert.Equal(t, []int64{first.id}, c.closedIDs)
	assert.EqualValues(t, 1, obs.probes.Load())
	assert.EqualValues(t, 2, g.Status().Generation)
}

func TestEnsure_FailureIsSurfacedAndNotCached(t *testing.T) {
	dialErr := errors.New("dial tcp: connection refused")
	c := &fakeConnector{connectErr: []error{dialErr}}
	obs := &countingObserver{}
	g := newGuard(t, c, WithObserver(obs))
	ctx := context.Background()

	_, err := g.Ensure(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, dialErr)

	st := g.Status()
	assert.False(t, st.Connected)
	assert.EqualValues(t, 1, st.Failures)
	assert.Contains(t, st.LastError, "connection refused")

	h, err := g.Ensure(ctx)
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.EqualValues(t, 2, c.connects.Load())
	assert.EqualValues(t, 2, obs.attempts.Load())
	assert.EqualValues(t, 1, obs.failures.Load())
	assert.Empty(t, g.Status().LastError)
}

func TestEnsure_ConcurrentFailureSharedByWaiters(t *testing.T) {
	dialErr := errors.New("auth failed")
	c := &fakeConnector{connectErr: []error{dialErr}, release: make(chan struct{}), entered: make(chan struct{}, 1)}
	g := newGuard(t, c)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Ensure(context.Background())
		}(i)
	}
	<-c.entered
	time.Sleep(50 * time.Millisecond)
	close(c.release)
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, dialErr)
			failed++
		}
	}
	assert.Positive(t, failed)
	// Late arrivals may start a second attempt once the failed one is forgotten.
	assert.LessOrEqual(t, c.connects.Load(), int64(2))
}

func TestEnsure_CallerCancellationDoesNotAbortSharedAttempt(t *testing.T) {
	c := &fakeConnector{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	g := newGuard(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Ensure(ctx)
		done <- err
	}()
	<-c.entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	waiter := make(chan error, 1)
	go func() {
		_, err := g.Ensure(context.Background())
		waiter <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(c.release)
	require.NoError(t, <-waiter)
	assert.EqualValues(t, 1, c.connects.Load())
}

func TestMarkDisconnected_ForcesReconnect(t *testing.T) {
	c := &fakeConnector{}
	obs := &countingObserver{}
	g := newGuard(t, c, WithObserver(obs))
	ctx := context.Background()

	_, err := g.Ensure(ctx)
	require.NoError(t, err)

	g.MarkDisconnected()
	g.MarkDisconnected()
	assert.False(t, g.Status().Connected)
	assert.EqualValues(t, 1, obs.disconnects.Load())

	_, err = g.Ensure(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.connects.Load())
	assert.EqualValues(t, 1, c.closed.Load())
	assert.EqualValues(t, 0, c.pings.Load(), "a handle known to be down is not probed")
}

func TestClose(t *testing.T) {
	c := &fakeConnector{}
	g := newGuard(t, c)
	ctx := context.Background()

	require.NoError(t, g.Close(ctx), "closing an unused guard is a no-op")
	assert.EqualValues(t, 0, c.closed.Load())

	_, err := g.Ensure(ctx)
	require.NoError(t, err)
	require.NoError(t, g.Close(ctx))
	assert.EqualValues(t, 1, c.closed.Load())
	assert.False(t, g.Status().Connected)

	_, err = g.Ensure(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.connects.Load())
}

func TestEnsureReady(t *testing.T) {
	c := &fakeConnector{connectErr: []error{errors.New("boom")}}
	g := newGuard(t, c)
	assert.ErrorIs(t, g.EnsureReady(context.Background()), ErrConnect)
	assert.NoError(t, g.EnsureReady(context.Background()))
}

func TestEnsureContext_SkipsPingForVerifiedGeneration(t *testing.T) {
	c := &fakeConnector{}
	g := newGuard(t, c)
	ctx := context.Background()

	_, err := g.Ensure(ctx)
	require.NoError(t, err)

	verified, err := g.EnsureContext(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.pings.Load())

	for i := 0; i < 3; i++ {
		_, err := g.Ensure(verified)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, c.pings.Load(), "calls under the verified context reuse the handle")

	_, err = g.Ensure(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.pings.Load(), "unmarked calls still ping")

	otherConn := &fakeConnector{}
	other := newGuard(t, otherConn)
	_, err = other.Ensure(verified)
	require.NoError(t, err)
	_, err = other.Ensure(verified)
	require.NoError(t, err)
	assert.EqualValues(t, 1, otherConn.pings.Load(), "the marker belongs to one guard")

	g.MarkDisconnected()
	h, err := g.Ensure(verified)
	require.NoError(t, err)
	assert.EqualValues(t, 2, h.id, "a stale marker never pins a disconnected handle")
	assert.EqualValues(t, 2, c.connects.Load())
}

func TestEnsureContext_Failure(t *testing.T) {
	c := &fakeConnector{connectErr: []error{errors.New("refused")}}
	g := newGuard(t, c)
	ctx := context.Background()

	got, err := g.EnsureContext(ctx)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, ctx, got)
}

func TestMarkDisconnectedIf_IgnoresReplacedHandle(t *testing.T) {
	c := &fakeConnector{}
	obs := &countingObserver{}
	g := newGuard(t, c, WithObserver(obs))
	ctx := context.Background()

	first, err := g.Ensure(ctx)
	require.NoError(t, err)
	g.MarkDisconnected()
	second, err := g.Ensure(ctx)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	is := func(target *fakeConn) func(*fakeConn) bool {
		return func(current *fakeConn) bool { return current == target }
	}
	g.MarkDisconnectedIf(is(first))
	assert.True(t, g.Status().Connected, "a late report from the replaced handle is ignored")
	assert.EqualValues(t, 1, obs.disconnects.Load())

	g.MarkDisconnectedIf(is(second))
	assert.False(t, g.Status().Connected)
	assert.EqualValues(t, 2, obs.disconnects.Load())
}
