package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tbxark/dbpool/pkg/dbpool/common"
	"github.com/tbxark/dbpool/pkg/dbpool/driver"
)

type fakeConn struct {
	n        int
	closes   atomic.Int32
	closeErr error
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	return c.closeErr
}

// fakeDriver hands out fakeConns and records them. failAt makes the Nth open
// (1-based) fail; closeErrAt makes the Nth conn fail on Close.
type fakeDriver struct {
	mu         sync.Mutex
	opened     []*fakeConn
	failAt     int
	closeErrAt int

	lastURL, lastUser, lastPass string
}

func (d *fakeDriver) Open(ctx context.Context, url, username, password string) (driver.RawConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastURL, d.lastUser, d.lastPass = url, username, password

	n := len(d.opened) + 1
	if n == d.failAt {
		return nil, fmt.Errorf("dial backend: connection refused (attempt %d)", n)
	}
	c := &fakeConn{n: n}
	if n == d.closeErrAt {
		c.closeErr = errors.New("close: broken pipe")
	}
	d.opened = append(d.opened, c)
	return c, nil
}

func (d *fakeDriver) conns() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.opened...)
}

func newTestPool(t *testing.T, size int, d *fakeDriver, mutate ...func(*Config)) *Pool {
	t.Helper()

	reg := driver.NewRegistry()
	reg.Register("fake", d)

	cfg := &Config{
		PoolSize: size,
		Driver:   "fake",
		URL:      "fake://127.0.0.1/orders",
		Username: "app",
		Password: "secret",
	}
	for _, m := range mutate {
		m(cfg)
	}

	p, err := New(context.Background(), cfg, WithResolver(reg), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return p
}

func assertConserved(t *testing.T, p *Pool) {
	t.Helper()
	s := p.Stats()
	assert.Equal(t, s.Size, s.Free+s.InUse, "free+in_use must equal size: %+v", s)
}

func TestNew_OpensPoolSizeConnections(t *testing.T) {
	d := &fakeDriver{}
	p := newTestPool(t, 3, d)
	defer p.Close()

	assert.Len(t, d.conns(), 3)
	assert.Equal(t, Stats{Size: 3, Free: 3, InUse: 0}, p.Stats())
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, 3, p.Size())

	assert.Equal(t, "fake://127.0.0.1/orders", d.lastURL)
	assert.Equal(t, "app", d.lastUser)
	assert.Equal(t, "secret", d.lastPass)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{name: "nil config", cfg: nil},
		{name: "zero pool size", cfg: &Config{PoolSize: 0, Driver: "fake", URL: "fake://"}},
		{name: "negative pool size", cfg: &Config{PoolSize: -1, Driver: "fake", URL: "fake://"}},
		{name: "missing driver", cfg: &Config{PoolSize: 1, URL: "fake://"}},
		{name: "missing url", cfg: &Config{PoolSize: 1, Driver: "fake"}},
		{name: "negative timeout", cfg: &Config{PoolSize: 1, Driver: "fake", URL: "fake://", AcquireTimeout: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(context.Background(), tt.cfg, WithResolver(driver.NewRegistry()))
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNew_DriverInitFailed(t *testing.T) {
	cfg := &Config{PoolSize: 2, Driver: "oracle", URL: "oracle://db"}

	p, err := New(context.Background(), cfg, WithResolver(driver.NewRegistry()))
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrDriverInit)
	assert.ErrorIs(t, err, common.ErrDriverNotFound)
}

func TestNew_InitializationFailed(t *testing.T) {
	// Second open fails on a pool of three: the first conn must be torn down
	d := &fakeDriver{failAt: 2}
	reg := driver.NewRegistry()
	reg.Register("fake", d)

	cfg := &Config{PoolSize: 3, Driver: "fake", URL: "fake://db"}
	p, err := New(context.Background(), cfg, WithResolver(reg))

	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrInitialization)
	assert.Contains(t, err.Error(), "connection refused")

	opened := d.conns()
	require.Len(t, opened, 1)
	assert.Equal(t, int32(1), opened[0].closes.Load())
}

func TestHappyPath_FIFO(t *testing.T) {
	d := &fakeDriver{}
	p := newTestPool(t, 2, d)
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.Equal(t, StateInUse, h1.State())

	p.Release(h1)
	assert.Equal(t, StateFree, h1.State())

	h3, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, h1, h3, "the released handle is the only free one")

	require.NoError(t, p.Close())
	for _, c := range d.conns() {
		assert.Equal(t, int32(1), c.closes.Load())
	}
}

func TestAcquire_FIFOOrder(t *testing.T) {
	p := newTestPool(t, 3, &fakeDriver{})
	defer p.Close()
	ctx := context.Background()

	a, _ := p.Acquire(ctx)
	b, _ := p.Acquire(ctx)
	c, _ := p.Acquire(ctx)

	// Release in the order b, c, a; they must come back in the same order
	p.Release(b)
	p.Release(c)
	p.Release(a)

	for _, want := range []*Conn{b, c, a} {
		got, err := p.Acquire(ctx)
		require.NoError(t, err)
		assert.Same(t, want, got)
	}
}

func TestRaw_PassThrough(t *testing.T) {
	d := &fakeDriver{}
	p := newTestPool(t, 1, d)
	defer p.Close()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	raw, ok := h.Raw().(*fakeConn)
	require.True(t, ok)
	assert.Same(t, d.conns()[0], raw)
}

func TestAcquire_BlocksUntilRelease(t *testing.T) {
	p := newTestPool(t, 1, &fakeDriver{})
	defer p.Close()

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err == nil {
			got <- c
		}
	}()

	select {
	case <-got:
		t.Fatal("acquire returned while the only connection was checked out")
	case <-time.After(100 * time.Millisecond):
	}

	p.Release(held)

	select {
	case c := <-got:
		assert.Same(t, held, c)
	case <-time.After(time.Second):
		t.Fatal("waiting acquire was not woken by release")
	}
}

func TestAcquire_NPlusOneBlocks(t *testing.T) {
	const size = 4
	p := newTestPool(t, size, &fakeDriver{})
	defer p.Close()

	held := make([]*Conn, 0, size)
	for i := 0; i < size; i++ {
		c, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, c)
	}

	var returned atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := p.Acquire(context.Background())
		if err == nil {
			returned.Store(true)
			p.Release(c)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, returned.Load())

	p.Release(held[2])
	<-done
	assert.True(t, returned.Load())
}

func TestClose_DuringUse(t *testing.T) {
	d := &fakeDriver{}
	p := newTestPool(t, 2, d)

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	for _, c := range d.conns() {
		assert.Equal(t, int32(1), c.closes.Load(), "conn %d", c.n)
	}
	assert.True(t, p.Stats().Closed)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Releasing after close destroys rather than re-pools, and does not double close
	p.Release(h1)
	assert.NoError(t, h1.Close())
	assert.Equal(t, StateDestroyed, h1.State())
	for _, c := range d.conns() {
		assert.Equal(t, int32(1), c.closes.Load(), "conn %d", c.n)
	}
}

func TestClose_Idempotent(t *testing.T) {
	d := &fakeDriver{}
	p := newTestPool(t, 3, d)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	for _, c := range d.conns() {
		assert.Equal(t, int32(1), c.closes.Load())
	}
}

func TestClose_ContinuesAfterErrors(t *testing.T) {
	d := &fakeDriver{closeErrAt: 1}
	p := newTestPool(t, 3, d)

	assert.NoError(t, p.Close())
	for _, c := range d.conns() {
		assert.Equal(t, int32(1), c.closes.Load())
	}
}

func TestClose_WakesWaiters(t *testing.T) {
	p := newTestPool(t, 1, &fakeDriver{})

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by close")
	}
}

func TestConnClose_Twice(t *testing.T) {
	p := newTestPool(t, 2, &fakeDriver{})
	defer p.Close()

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.NoError(t, h1.Close())
	assert.NoError(t, h1.Close())

	assert.Equal(t, Stats{Size: 2, Free: 2, InUse: 0}, p.Stats())
}

func TestRelease_Idempotent(t *testing.T) {
	p := newTestPool(t, 2, &fakeDriver{})
	defer p.Close()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(h)
	once := p.Stats()
	p.Release(h)
	assert.Equal(t, once, p.Stats())

	// The handle is in the queue once: two acquires get two different handles
	a, _ := p.Acquire(context.Background())
	b, _ := p.Acquire(context.Background())
	assert.NotSame(t, a, b)
}

func TestRelease_ForeignAndNil(t *testing.T) {
	p1 := newTestPool(t, 1, &fakeDriver{})
	defer p1.Close()
	p2 := newTestPool(t, 1, &fakeDriver{})
	defer p2.Close()

	foreign, err := p2.Acquire(context.Background())
	require.NoError(t, err)

	p1.Release(foreign)
	p1.Release(nil)

	assert.Equal(t, Stats{Size: 1, Free: 1, InUse: 0}, p1.Stats())
	assert.Equal(t, StateInUse, foreign.State())
}

func TestAcquire_Cancellation(t *testing.T) {
	p := newTestPool(t, 1, &fakeDriver{})
	defer p.Close()

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrInterrupted)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}

	assert.Equal(t, Stats{Size: 1, Free: 0, InUse: 1}, p.Stats())

	p.Release(held)
	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, held, again)
}

func TestAcquire_CancelledContextWithFreeConnections(t *testing.T) {
	p := newTestPool(t, 1, &fakeDriver{})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 200; i++ {
		c, err := p.Acquire(ctx)
		require.Nil(t, c, "attempt %d handed out a connection", i)
		require.ErrorIs(t, err, ErrInterrupted)
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, Stats{Size: 1, Free: 1, InUse: 0}, p.Stats())

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}

func TestAcquire_Timeout(t *testing.T) {
	p := newTestPool(t, 1, &fakeDriver{}, func(c *Config) {
		c.AcquireTimeout = 30 * time.Millisecond
	})
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assertConserved(t, p)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	const (
		size    = 5
		workers = 32
		rounds  = 200
	)
	d := &fakeDriver{}
	p := newTestPool(t, size, d)

	var (
		wg       sync.WaitGroup
		holding  atomic.Int32
		maxSeen  atomic.Int32
		failures atomic.Int32
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				c, err := p.Acquire(context.Background())
				if err != nil {
					failures.Add(1)
					return
				}
				n := holding.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				holding.Add(-1)
				_ = c.Close()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.LessOrEqual(t, maxSeen.Load(), int32(size))
	assert.Equal(t, Stats{Size: size, Free: size, InUse: 0}, p.Stats())
	assert.Len(t, d.conns(), size, "the pool never opens extra connections")

	require.NoError(t, p.Close())
	for _, c := range d.conns() {
		assert.Equal(t, int32(1), c.closes.Load())
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "free", StateFree.String())
	assert.Equal(t, "in_use", StateInUse.String())
	assert.Equal(t, "destroyed", StateDestroyed.String())
	assert.Equal(t, "unknown", State(42).String())
}
