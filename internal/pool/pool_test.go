package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quayside/undertow/internal/clock/fake"
)

type fakeConn struct {
	serial  int64
	healthy atomic.Bool
	closed  atomic.Bool
}

type fakeBackend struct {
	serial    atomic.Int64
	failNext  atomic.Bool
	created   atomic.Int64
	destroyed atomic.Int64
}

func (b *fakeBackend) factory(ctx context.Context) (*fakeConn, error) {
	if b.failNext.Load() {
		return nil, errors.New("backend refused connection")
	}
	c := &fakeConn{serial: b.serial.Add(1)}
	c.healthy.Store(true)
	b.created.Add(1)
	return c, nil
}

func (b *fakeBackend) destroy(c *fakeConn) {
	c.closed.Store(true)
	b.destroyed.Add(1)
}

func healthCheck(_ context.Context, c *fakeConn) bool {
	return c.healthy.Load()
}

func newTestPool(t *testing.T, cfg Config, backend *fakeBackend) (*Pool[*fakeConn], *fake.Clock) {
	t.Helper()
	clk := fake.New(time.Unix(1000, 0))
	p := New("render", cfg, backend.factory, clk,
		WithHealthCheck[*fakeConn](healthCheck),
		WithDestroy[*fakeConn](backend.destroy),
	)
	t.Cleanup(p.Close)
	return p, clk
}

func TestPoolCreatesLazily(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: 4}, backend)

	require.Equal(t, 0, p.Size(), "construction must not create resources")

	g, err := p.Checkout(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), backend.created.Load())
	require.Equal(t, 1, p.InUseCount())
	g.Release()
	require.Equal(t, 0, p.InUseCount())
	require.Equal(t, 1, p.IdleCount())
}

func TestPoolReusesIdleResource(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: 4}, backend)

	g, err := p.Checkout(context.Background())
	require.NoError(t, err)
	first := g.Resource()
	g.Release()

	g, err = p.Checkout(context.Background())
	require.NoError(t, err)
	require.Same(t, first, g.Resource(), "healthy idle resource should be reused")
	require.Equal(t, int64(1), backend.created.Load())
	g.Release()
}

func TestPoolCapacityInvariantUnderConcurrency(t *testing.T) {
	t.Parallel()
	const maxSize = 3
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: maxSize, CheckoutTimeout: 5 * time.Second}, backend)

	var inFlight atomic.Int64
	var peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				g, err := p.Checkout(context.Background())
				require.NoError(t, err)
				n := inFlight.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				inFlight.Add(-1)
				g.Release()
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int64(maxSize))
	require.LessOrEqual(t, p.Size(), maxSize)
	require.Equal(t, 0, p.InUseCount())
}

func TestPoolGuardsNeverAliasResources(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: 4, CheckoutTimeout: 5 * time.Second}, backend)

	var mu sync.Mutex
	held := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				g, err := p.Checkout(context.Background())
				require.NoError(t, err)
				serial := g.Resource().serial
				mu.Lock()
				require.False(t, held[serial], "resource leased to two guards at once")
				held[serial] = true
				mu.Unlock()

				mu.Lock()
				held[serial] = false
				mu.Unlock()
				g.Release()
			}
		}()
	}
	wg.Wait()
}

func TestPoolExhaustedAfterTimeout(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: 2, CheckoutTimeout: 50 * time.Millisecond}, backend)

	g1, err := p.Checkout(context.Background())
	require.NoError(t, err)
	g2, err := p.Checkout(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Checkout(context.Background())
	require.ErrorIs(t, err, ErrExhausted)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	g1.Release()
	g2.Release()

	g3, err := p.Checkout(context.Background())
	require.NoError(t, err)
	g3.Release()
}

func TestPoolCheckoutHonorsCallerCancellation(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: 1, CheckoutTimeout: time.Minute}, backend)

	g, err := p.Checkout(context.Background())
	require.NoError(t, err)
	defer g.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = p.Checkout(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrExhausted, "caller cancellation must not masquerade as exhaustion")
}

func TestPoolReleaseUnblocksWaiter(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: 1, CheckoutTimeout: 5 * time.Second}, backend)

	g, err := p.Checkout(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		g2, err := p.Checkout(context.Background())
		if err == nil {
			g2.Release()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	g.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never observed the released slot")
	}
}

func TestPoolInvalidateDestroysResource(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: 2}, backend)

	g, err := p.Checkout(context.Background())
	require.NoError(t, err)
	conn := g.Resource()
	g.Invalidate()
	g.Release()

	require.True(t, conn.closed.Load(), "invalidated resource must be destroyed")
	require.Equal(t, 0, p.IdleCount())

	// The slot is free again and the next checkout builds a replacement.
	g, err = p.Checkout(context.Background())
	require.NoError(t, err)
	require.NotSame(t, conn, g.Resource())
	require.Equal(t, int64(2), backend.created.Load())
	g.Release()
}

func TestPoolReplacesUnhealthyIdleResource(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: 2}, backend)

	g, err := p.Checkout(context.Background())
	require.NoError(t, err)
	stale := g.Resource()
	g.Release()

	stale.healthy.Store(false)

	g, err = p.Checkout(context.Background())
	require.NoError(t, err, "unhealthy idle resource must be replaced transparently")
	require.NotSame(t, stale, g.Resource())
	require.True(t, stale.closed.Load())
	require.Equal(t, int64(1), backend.destroyed.Load())
	g.Release()
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: 2}, backend)

	g, err := p.Checkout(context.Background())
	require.NoError(t, err)
	g.Release()
	g.Release()
	g.Release()

	require.Equal(t, 0, p.InUseCount())
	require.Equal(t, 1, p.IdleCount())
}

func TestPoolCreationErrorReleasesSlot(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: 1, CheckoutTimeout: 100 * time.Millisecond}, backend)

	backend.failNext.Store(true)
	_, err := p.Checkout(context.Background())
	var creation *CreationError
	require.ErrorAs(t, err, &creation)
	require.Equal(t, "render", creation.Backend)

	// A leaked permit would make this second attempt time out instead.
	backend.failNext.Store(false)
	g, err := p.Checkout(context.Background())
	require.NoError(t, err)
	g.Release()
}

func TestPoolSweepEvictsIdleAndExpired(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, clk := newTestPool(t, Config{
		MaxSize:     4,
		IdleTimeout: time.Minute,
		MaxLifetime: time.Hour,
	}, backend)

	g, err := p.Checkout(context.Background())
	require.NoError(t, err)
	g.Release()
	require.Equal(t, 1, p.IdleCount())

	clk.Advance(30 * time.Second)
	p.sweepOnce()
	require.Equal(t, 1, p.IdleCount(), "fresh idle resource must survive a sweep")

	clk.Advance(2 * time.Minute)
	p.sweepOnce()
	require.Equal(t, 0, p.IdleCount())
	require.Equal(t, int64(1), backend.destroyed.Load())

	// The freed slot is rebuilt lazily on the next checkout.
	g, err = p.Checkout(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), backend.created.Load())
	g.Release()
}

func TestPoolSweepRetiresLongLivedResource(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, clk := newTestPool(t, Config{
		MaxSize:     4,
		MaxLifetime: time.Hour,
	}, backend)

	g, err := p.Checkout(context.Background())
	require.NoError(t, err)
	g.Release()

	// Keep the entry recently used so only the lifetime cap can evict it.
	for i := 0; i < 3; i++ {
		clk.Advance(30 * time.Minute)
		g, err = p.Checkout(context.Background())
		require.NoError(t, err)
		g.Release()
	}
	p.sweepOnce()
	require.Equal(t, 0, p.IdleCount())
	require.Equal(t, int64(1), backend.destroyed.Load())
}

func TestPoolCloseDisposesIdleAndDrainsGuards(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: 4}, backend)

	// Hold two distinct resources at once, then park one idle: releasing
	// first and checking out again would just hand the same entry back.
	idleGuard, err := p.Checkout(context.Background())
	require.NoError(t, err)
	heldGuard, err := p.Checkout(context.Background())
	require.NoError(t, err)
	idleConn := idleGuard.Resource()
	heldConn := heldGuard.Resource()
	require.NotSame(t, idleConn, heldConn)
	idleGuard.Release()

	p.Close()

	require.True(t, idleConn.closed.Load(), "idle resources are disposed on close")
	require.False(t, heldConn.closed.Load(), "outstanding guards drain normally")

	_, err = p.Checkout(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	heldGuard.Release()
	require.True(t, heldConn.closed.Load())
	require.Equal(t, backend.created.Load(), backend.destroyed.Load())
}

func TestPoolStats(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	p, _ := newTestPool(t, Config{MaxSize: 8}, backend)

	g1, err := p.Checkout(context.Background())
	require.NoError(t, err)
	g2, err := p.Checkout(context.Background())
	require.NoError(t, err)
	g1.Release()

	s := p.Stats()
	require.Equal(t, "render", s.Backend)
	require.Equal(t, 1, s.Idle)
	require.Equal(t, 1, s.InUse)
	require.Equal(t, int64(8), s.Capacity)
	require.Equal(t, uint64(2), s.Created)
	require.Equal(t, uint64(0), s.Destroyed)
	g2.Release()
}
