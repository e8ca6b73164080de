package dispatch

import "errors"

var (
	ErrInvalidConfig = errors.New("dispatch: invalid configuration")
	ErrNoRecipients  = errors.New("dispatch: job has no recipients")
	ErrUnknownJob    = errors.New("dispatch: unknown job")
	ErrNotRunning    = errors.New("dispatch: service not running")
	ErrTooManyJobs   = errors.New("dispatch: too many active jobs")
	ErrSendPanic     = errors.New("dispatch: send panicked")
)
