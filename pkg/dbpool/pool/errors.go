package pool

import "errors"

// Errors returned by the pool. Match them with errors.Is; most are wrapped
// together with the underlying cause.
var (
	ErrInvalidConfig  = errors.New("invalid pool configuration")
	ErrDriverInit     = errors.New("driver initialization failed")
	ErrInitialization = errors.New("pool initialization failed")
	ErrInterrupted    = errors.New("acquire interrupted")
	ErrPoolClosed     = errors.New("pool is closed")
)
