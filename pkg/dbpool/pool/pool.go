// Package pool implements a fixed-size pool of driver connections.
//
// A Pool opens exactly Config.PoolSize raw connections when it is created and
// keeps that population for its whole life. Acquire hands out the connection
// that has been free the longest and blocks while none is free; closing the
// returned Conn puts it back. Close tears every raw connection down, including
// the ones still checked out.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tbxark/dbpool/pkg/dbpool/common"
	"github.com/tbxark/dbpool/pkg/dbpool/driver"
)

// Resolver looks up a driver by name. *driver.Registry implements it.
type Resolver interface {
	Lookup(name string) (driver.Driver, error)
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = common.OrNop(logger)
	}
}

// WithResolver sets where the driver named in Config is looked up.
// The default is driver.Default.
func WithResolver(r Resolver) Option {
	return func(p *Pool) {
		p.resolver = r
	}
}

// Stats is a point-in-time view of the pool. Free+InUse equals Size whenever
// no acquire or release is in flight on an open pool.
type Stats struct {
	Size   int
	Free   int
	InUse  int
	Closed bool
}

// Pool is a fixed-capacity set of connections shared by concurrent callers.
type Pool struct {
	cfg      Config
	logger   *zap.Logger
	resolver Resolver

	free  chan *Conn // FIFO of free handles, capacity PoolSize
	conns []*Conn    // every handle, read-only after New
	inUse atomic.Int64

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New validates cfg, resolves its driver and opens cfg.PoolSize connections.
// If any connection cannot be opened, the ones already opened are closed and
// an error wrapping ErrInitialization is returned.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:      *cfg,
		logger:   zap.NewNop(),
		resolver: driver.Default,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("driver", cfg.Driver))

	drv, err := p.resolver.Lookup(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDriverInit, err)
	}

	p.free = make(chan *Conn, cfg.PoolSize)
	p.conns = make([]*Conn, 0, cfg.PoolSize)
	p.done = make(chan struct{})

	for i := 0; i < cfg.PoolSize; i++ {
		raw, err := drv.Open(ctx, cfg.URL, cfg.Username, cfg.Password)
		if err != nil {
			p.logger.Error("Failed to open connection",
				zap.Int("index", i),
				zap.Int("pool_size", cfg.PoolSize),
				zap.Error(err))
			p.destroyAll()
			return nil, fmt.Errorf("%w: connection %d of %d: %w", ErrInitialization, i+1, cfg.PoolSize, err)
		}

		c := newConn(uuid.NewString(), raw, p)
		p.conns = append(p.conns, c)
		p.free <- c
	}

	p.logger.Info("Connection pool opened", zap.Int("pool_size", cfg.PoolSize))

	return p, nil
}

// Acquire takes the longest-free connection, waiting while none is free.
//
// It fails with ErrPoolClosed once the pool is closed, and with ErrInterrupted
// if ctx ends or Config.AcquireTimeout elapses first; in that case no
// connection is consumed.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	// An ended ctx wins over a free connection.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInterrupted, err)
	}

	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		select {
		case c := <-p.free:
			if p.closed.Load() {
				// Close already destroyed it.
				return nil, ErrPoolClosed
			}
			if !c.transition(StateFree, StateInUse) {
				continue
			}
			p.inUse.Add(1)
			p.logger.Debug("Connection acquired", zap.String("conn_id", c.id))
			return c, nil
		case <-p.done:
			return nil, ErrPoolClosed
		case <-ctx.Done():
			p.logger.Debug("Acquire interrupted", zap.Error(ctx.Err()))
			return nil, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
	}
}

// Release returns c to the free queue. It never blocks.
//
// Releasing a handle that is not checked out does nothing, and handles from
// another pool are ignored. On a closed pool the handle's raw connection is
// closed instead.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	if c.pool != p {
		p.logger.Warn("Ignoring release of a connection from another pool", zap.String("conn_id", c.id))
		return
	}

	if p.closed.Load() {
		if err := c.destroy(); err != nil {
			p.logger.Warn("Failed to close connection released after pool close",
				zap.String("conn_id", c.id),
				zap.Error(err))
		}
		return
	}

	if !c.transition(StateInUse, StateFree) {
		p.logger.Debug("Ignoring release of a connection that is not in use",
			zap.String("conn_id", c.id),
			zap.Stringer("state", c.State()))
		return
	}
	p.inUse.Add(-1)

	// Cannot block: at most PoolSize handles are ever free.
	p.free <- c
	p.logger.Debug("Connection released", zap.String("conn_id", c.id))
}

// Close closes every raw connection, checked out or not. Failures are logged
// and do not stop the remaining connections from being closed. Calling Close
// again does nothing. It always returns nil.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)

		failed := p.destroyAll()
		p.logger.Info("Connection pool closed",
			zap.Int("pool_size", len(p.conns)),
			zap.Int("close_errors", failed))
	})
	return nil
}

// destroyAll closes every handle concurrently and returns how many failed.
func (p *Pool) destroyAll() int {
	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	for _, c := range p.conns {
		g.Go(func() error {
			if err := c.destroy(); err != nil {
				failed.Add(1)
				p.logger.Warn("Failed to close connection", zap.String("conn_id", c.id), zap.Error(err))
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:   len(p.conns),
		Free:   len(p.free),
		InUse:  int(p.inUse.Load()),
		Closed: p.closed.Load(),
	}
}

// Len returns the number of free connections.
func (p *Pool) Len() int {
	return len(p.free)
}

// Size returns the fixed number of connections the pool manages.
func (p *Pool) Size() int {
	return p.cfg.PoolSize
}
