// Package supervisor runs the named, long-lived goroutines of wacrm
// (dispatch jobs, the http serve loop, config watchers) under one context
// with panic recovery, restart backoff and per-name stats for /healthz.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	logx "wacrm/pkg/logx"
)

// A run that stays up this long resets the restart backoff.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	log         logx.Logger
	cancelOnErr bool

	wg      sync.WaitGroup
	spawned atomic.Uint64
	running atomic.Int64
	first   atomic.Pointer[error]

	mu    sync.Mutex
	tasks map[string]*GoroutineStats
}

type Option func(*Supervisor)

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates every run under one name.
type GoroutineStats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Started   uint64    `json:"started"`
	Panics    uint64    `json:"panics"`
	Restarts  uint64    `json:"restarts"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitempty"`
}

type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	s := &Supervisor{tasks: make(map[string]*GoroutineStats)}
	s.ctx, s.cancel = context.WithCancelCause(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel does not wait; see Wait and Stop.
func (s *Supervisor) Cancel() { s.cancel(context.Canceled) }

// Err is the first failure any goroutine reported, or nil.
func (s *Supervisor) Err() error {
	if p := s.first.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.running.Load(), Started: s.spawned.Load()}
}

// Snapshot lists busy names first, then alphabetically.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, t := range s.tasks {
		snap.Goroutines = append(snap.Goroutines, *t)
	}
	s.mu.Unlock()
	slices.SortFunc(snap.Goroutines, func(a, b GoroutineStats) int {
		if c := cmp.Compare(b.Active, a.Active); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return snap
}

func (s *Supervisor) track(name string, update func(*GoroutineStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		t = &GoroutineStats{Name: name}
		s.tasks[name] = t
	}
	update(t)
}

func (s *Supervisor) begin(name string, restart bool) {
	s.track(name, func(t *GoroutineStats) {
		t.Started++
		t.Active++
		if restart {
			t.Restarts++
		}
	})
}

func (s *Supervisor) end(name string, err error, panicked bool) {
	s.track(name, func(t *GoroutineStats) {
		t.Active = max(t.Active-1, 0)
		if panicked {
			t.Panics++
		}
		if err != nil {
			t.LastErr, t.LastErrAt = err.Error(), time.Now()
		}
	})
}

// guard runs fn once, turning a panic into an error.
func (s *Supervisor) guard(name string, fn func(context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err, panicked = fmt.Errorf("panic in %s: %v", name, r), true
		}
	}()
	return fn(s.ctx), false
}

// Go runs fn once. A returned error (other than context.Canceled) or a
// panic is recorded as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawned.Add(1)
	s.running.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)

		s.begin(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))
		err, panicked := s.guard(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil && !panicked {
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.end(name, err, panicked)
		s.fail(err)
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// GoRestart reruns fn after each error or panic, backing off from
// minBackoff to maxBackoff with up to 20% jitter. It ends when fn returns
// nil or context.Canceled, or when the supervisor is canceled. Its failures
// never count toward Err.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, minBackoff, maxBackoff time.Duration) {
	if fn == nil {
		return
	}
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff = max(maxBackoff, minBackoff)

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := minBackoff
		for attempt := 0; ctx.Err() == nil; attempt++ {
			s.begin(name, attempt > 0)
			started := time.Now()
			err, panicked := s.guard(name, fn)

			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.end(name, nil, panicked)
				return
			}
			s.end(name, fmt.Errorf("%s: %w", name, err), panicked)

			if time.Since(started) >= healthyRun {
				backoff = minBackoff
			}
			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, maxBackoff)
		}
	})
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.Cancel()
	return s.Wait(ctx)
}

// Wait returns ctx.Err() if goroutines are still running when ctx ends,
// otherwise Err().
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.first.CompareAndSwap(nil, &err)
	if s.cancelOnErr {
		s.cancel(err)
	}
}
