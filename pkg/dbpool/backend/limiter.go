package backend

import (
	"golang.org/x/sync/semaphore"
)

// ConnectionLimiter bounds the number of concurrently served client connections.
type ConnectionLimiter struct {
	sem      *semaphore.Weighted
	maxConns int
}

// NewConnectionLimiter creates a new connection limiter.
func NewConnectionLimiter(maxConns int) *ConnectionLimiter {
	return &ConnectionLimiter{
		sem:      semaphore.NewWeighted(int64(maxConns)),
		maxConns: maxConns,
	}
}

// Acquire attempts to take a slot without blocking.
func (cl *ConnectionLimiter) Acquire() bool {
	return cl.sem.TryAcquire(1)
}

// Release returns a slot taken by Acquire.
func (cl *ConnectionLimiter) Release() {
	cl.sem.Release(1)
}

// Available returns the number of free slots.
func (cl *ConnectionLimiter) Available() int {
	acquired := int64(0)
	for acquired < int64(cl.maxConns) && cl.sem.TryAcquire(1) {
		acquired++
	}

	if acquired > 0 {
		cl.sem.Release(acquired)
	}

	return int(acquired)
}
