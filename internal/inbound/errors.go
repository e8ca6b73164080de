package inbound

import "errors"

var (
	ErrInvalidConfig = errors.New("inbound: invalid configuration")
	ErrEmptySender   = errors.New("inbound: sender id is required")
	ErrClosed        = errors.New("inbound: buffer closed")
	// ErrConsumer wraps errors returned by the response pipeline.
	ErrConsumer = errors.New("inbound: consumer failed")
)
