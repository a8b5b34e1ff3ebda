package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joao-brasil/xapool/pkg/xa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolWarmsUpMinPoolSize(t *testing.T) {
	def := testDefinition()
	def.MinPoolSize = 3
	p := newTestPool(t, def, nil, nil)

	stats := p.Stats()
	assert.Equal(t, 3, stats.InPool)
	assert.Equal(t, 0, stats.Accessible)
}

func TestPoolReusesIdleConnectionLifo(t *testing.T) {
	def := testDefinition()
	p := newTestPool(t, def, nil, nil)

	handle, err := p.Acquire(t.Context())
	require.NoError(t, err)
	h := handle.Holder()
	require.NoError(t, handle.Close())

	again, err := p.Acquire(t.Context())
	require.NoError(t, err)
	assert.Same(t, h, again.Holder())
}

func TestPoolGrowsUpToMax(t *testing.T) {
	def := testDefinition()
	def.MaxPoolSize = 2
	def.AcquireTimeout = 50 * time.Millisecond
	p := newTestPool(t, def, nil, nil)

	h1, err := p.Acquire(t.Context())
	require.NoError(t, err)
	_, err = p.Acquire(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stats().Accessible)

	// Third acquire times out in the wait queue.
	_, err = p.Acquire(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire timeout")
	assert.Zero(t, p.Stats().WaitQueue)

	require.NoError(t, h1.Close())
}

func TestPoolHandsReleasedConnectionToWaiter(t *testing.T) {
	def := testDefinition()
	def.MaxPoolSize = 1
	def.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, def, nil, nil)

	handle, err := p.Acquire(t.Context())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var waiterHandle *ConnHandle
	var waiterErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		waiterHandle, waiterErr = p.Acquire(context.Background())
	}()

	// Give the waiter time to enter the queue, then release.
	require.Eventually(t, func() bool { return p.Stats().WaitQueue == 1 },
		2*time.Second, 5*time.Millisecond)
	require.NoError(t, handle.Close())

	wg.Wait()
	require.NoError(t, waiterErr)
	assert.Same(t, handle.Holder(), waiterHandle.Holder())
	require.NoError(t, waiterHandle.Close())
}

func TestPoolAcquireRespectsContext(t *testing.T) {
	def := testDefinition()
	def.MaxPoolSize = 1
	def.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, def, nil, nil)

	_, err := p.Acquire(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolCloseDestroysEverything(t *testing.T) {
	def := testDefinition()
	def.MinPoolSize = 2

	var destroyed []*fakeXAConnection
	factory := &fakeFactory{build: func() xa.XAConnection {
		xc := &fakeXAConnection{conn: &fakeConn{}, res: &fakeResource{}}
		destroyed = append(destroyed, xc)
		return xc
	}}
	p := newTestPool(t, def, factory, nil)

	require.NoError(t, p.Close())
	require.Len(t, destroyed, 2)
	for _, xc := range destroyed {
		assert.Equal(t, 1, xc.closeCount)
	}

	_, err := p.Acquire(t.Context())
	require.ErrorIs(t, err, ErrPoolClosed)

	// Closing twice is a no-op.
	require.NoError(t, p.Close())
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	def := testDefinition()
	def.MaxPoolSize = 1
	def.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, def, nil, nil)

	_, err := p.Acquire(t.Context())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return p.Stats().WaitQueue == 1 },
		2*time.Second, 5*time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by pool close")
	}
}

func TestPoolFactoryErrorPropagates(t *testing.T) {
	def := testDefinition()
	factory := &fakeFactory{err: errors.New("server unreachable")}

	p, err := New(context.Background(), def, factory, Env{})
	require.NoError(t, err)

	_, err = p.Acquire(t.Context())
	require.ErrorContains(t, err, "server unreachable")
}

func TestShrinkEvictsStaleAndReplenishes(t *testing.T) {
	def := testDefinition()
	def.MinPoolSize = 1
	def.MaxIdleTime = time.Minute
	p := newTestPool(t, def, nil, nil)

	handle, err := p.Acquire(t.Context())
	require.NoError(t, err)
	h := handle.Holder()
	require.NoError(t, handle.Close())

	// Age the holder past max_idle_time.
	h.lastReleaseDate.Store(nowMillis() - (2 * time.Minute).Milliseconds())

	require.NoError(t, p.Shrink())
	assert.Equal(t, StateClosed, h.State())

	// min_pool_size was restored with a fresh holder.
	stats := p.Stats()
	assert.Equal(t, 1, stats.InPool)

	fresh, err := p.Acquire(t.Context())
	require.NoError(t, err)
	assert.NotSame(t, h, fresh.Holder())
}

func TestShrinkKeepsFreshConnections(t *testing.T) {
	def := testDefinition()
	def.MaxIdleTime = time.Hour
	p := newTestPool(t, def, nil, nil)

	handle, err := p.Acquire(t.Context())
	require.NoError(t, err)
	h := handle.Holder()
	require.NoError(t, handle.Close())

	require.NoError(t, p.Shrink())
	assert.Equal(t, StateInPool, h.State())
	assert.Equal(t, 1, p.Stats().InPool)
}

func TestPopIdleDiscardsStaleConnections(t *testing.T) {
	def := testDefinition()
	def.MaxIdleTime = time.Minute
	p := newTestPool(t, def, nil, nil)

	handle, err := p.Acquire(t.Context())
	require.NoError(t, err)
	h := handle.Holder()
	require.NoError(t, handle.Close())

	h.lastReleaseDate.Store(nowMillis() - (2 * time.Minute).Milliseconds())

	fresh, err := p.Acquire(t.Context())
	require.NoError(t, err)
	assert.NotSame(t, h, fresh.Holder())
	assert.Eventually(t, func() bool { return h.State() == StateClosed },
		2*time.Second, 5*time.Millisecond)
}

type fakeLimiter struct {
	mu       sync.Mutex
	capacity int
	held     int
	rejected int
}

func (l *fakeLimiter) TryAcquire(ctx context.Context, resourceName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held >= l.capacity {
		l.rejected++
		return errors.New("no global connection slot available")
	}
	l.held++
	return nil
}

func (l *fakeLimiter) Release(ctx context.Context, resourceName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held--
}

func TestPoolConsultsSlotLimiter(t *testing.T) {
	def := testDefinition()
	def.MaxPoolSize = 5
	def.AcquireTimeout = 50 * time.Millisecond

	limiter := &fakeLimiter{capacity: 1}
	p, err := New(context.Background(), def, &fakeFactory{}, Env{Limiter: limiter})
	require.NoError(t, err)

	handle, err := p.Acquire(t.Context())
	require.NoError(t, err)

	// The local pool has headroom but the global limit is reached.
	_, err = p.Acquire(t.Context())
	require.Error(t, err)
	assert.Positive(t, limiter.rejected)

	// Destroying the holder hands the slot back.
	h := handle.Holder()
	require.NoError(t, handle.Close())
	require.NoError(t, h.Close())
	assert.Zero(t, limiter.held)

	_, err = p.Acquire(t.Context())
	require.NoError(t, err)
}
