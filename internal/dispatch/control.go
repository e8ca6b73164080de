package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Phase is the lifecycle state of a job.
type Phase int32

const (
	Idle Phase = iota
	Running
	Paused
	Stopped
	Completed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool { return p == Stopped || p == Completed }

// Control carries pause/resume/stop signals into a running job.
//
// Every transition closes the current changed channel and installs a new one,
// so waiters wake without polling.
type Control struct {
	mu      sync.Mutex
	phase   Phase
	changed chan struct{}
	stopCh  chan struct{}

	onChange func(Phase)
}

func NewControl(onChange func(Phase)) *Control {
	return &Control{
		changed:  make(chan struct{}),
		stopCh:   make(chan struct{}),
		onChange: onChange,
	}
}

func (c *Control) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Control) start() bool { return c.transition(Running, Idle) }

// Pause is accepted only while running.
func (c *Control) Pause() bool { return c.transition(Paused, Running) }

// Resume is accepted only while paused.
func (c *Control) Resume() bool { return c.transition(Running, Paused) }

// Stop is accepted from idle, running or paused. Repeated calls are no-ops.
func (c *Control) Stop() bool { return c.transition(Stopped, Idle, Running, Paused) }

func (c *Control) complete() bool { return c.transition(Completed, Running, Paused) }

func (c *Control) transition(to Phase, from ...Phase) bool {
	c.mu.Lock()
	ok := false
	for _, f := range from {
		if c.phase == f {
			ok = true
			break
		}
	}
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.phase = to
	close(c.changed)
	c.changed = make(chan struct{})
	if to == Stopped {
		close(c.stopCh)
	}
	cb := c.onChange
	c.mu.Unlock()

	if cb != nil {
		cb(to)
	}
	return true
}

// waitRunnable blocks while paused. It returns the phase that ended the wait
// (Running or Stopped). Context cancellation stops the job.
func (c *Control) waitRunnable(ctx context.Context) Phase {
	if ctx.Err() != nil {
		c.Stop()
		return Stopped
	}
	for {
		c.mu.Lock()
		p, ch := c.phase, c.changed
		c.mu.Unlock()
		if p != Paused {
			return p
		}
		select {
		case <-ch:
		case <-ctx.Done():
			c.Stop()
			return Stopped
		}
	}
}

// sleep waits d unless the job is stopped or ctx ends first. It reports
// whether the full duration elapsed.
func (c *Control) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return c.Phase() != Stopped
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		c.Stop()
		return false
	}
}
