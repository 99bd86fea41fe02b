package common

import "errors"

// Standard errors for use with errors.Is.
var (
	ErrDriverNotFound  = errors.New("driver not registered")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrConnectionLimit = errors.New("connection limit reached")
	ErrUnknownDatabase = errors.New("unknown database")
)
