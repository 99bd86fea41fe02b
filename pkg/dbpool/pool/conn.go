package pool

import (
	"sync"
	"sync/atomic"

	"github.com/tbxark/dbpool/pkg/dbpool/driver"
)

// State is the lifecycle state of a pooled connection.
type State int32

const (
	StateFree State = iota
	StateInUse
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateInUse:
		return "in_use"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Conn is a pooled handle around a raw driver connection. Closing it returns
// it to the pool it came from; the raw connection stays open.
//
// A checked-out Conn belongs to its acquirer until closed and must not be
// shared between goroutines.
type Conn struct {
	id   string
	raw  driver.RawConn
	pool *Pool // owning pool, not owned

	state       atomic.Int32
	destroyOnce sync.Once
	destroyErr  error
}

func newConn(id string, raw driver.RawConn, p *Pool) *Conn {
	c := &Conn{
		id:   id,
		raw:  raw,
		pool: p,
	}
	c.state.Store(int32(StateFree))
	return c
}

// ID returns the identifier assigned to the handle when the pool created it.
func (c *Conn) ID() string {
	return c.id
}

// Raw returns the wrapped driver connection.
func (c *Conn) Raw() driver.RawConn {
	return c.raw
}

// State reports the handle's current state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Close returns the handle to its pool. Closing a handle that is already free
// or destroyed does nothing. It always returns nil.
func (c *Conn) Close() error {
	c.pool.Release(c)
	return nil
}

func (c *Conn) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// destroy severs the raw connection exactly once.
func (c *Conn) destroy() error {
	c.destroyOnce.Do(func() {
		c.state.Store(int32(StateDestroyed))
		c.destroyErr = c.raw.Close()
	})
	return c.destroyErr
}
