// Package housekeeping runs periodic maintenance (status pruning and the
// like) on a cron schedule.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "wacrm/pkg/logx"
)

const (
	DefaultSchedule = "@every 10m"
	defaultTimeout  = 30 * time.Second
	historyMax      = 50
)

var ErrNotStarted = errors.New("housekeeping: not started")

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

// Job is one maintenance task. Every job runs on each tick, in
// registration order.
type Job struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// RunRecord is kept for the most recent runs.
type RunRecord struct {
	Name     string        `json:"name"`
	At       time.Time     `json:"at"`
	Took     time.Duration `json:"took"`
	Err      string        `json:"err,omitempty"`
	Canceled bool          `json:"canceled,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	jobs   []Job

	hmu     sync.Mutex
	history []RunRecord
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "housekeeping")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Register adds a job. Jobs added after Start run from the next tick.
func (s *Service) Register(j Job) {
	if j.Run == nil {
		return
	}
	if j.Timeout <= 0 {
		j.Timeout = defaultTimeout
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	if !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = DefaultSchedule
	}
	loc := s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(spec, func() { s.tick() }); err != nil {
		return fmt.Errorf("housekeeping: schedule %q: %w", spec, err)
	}
	s.c = c
	c.Start()
	s.log.Info("housekeeping started", logx.String("schedule", spec), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("housekeeping stopped")
}

// Apply swaps the configuration, restarting the cron when the schedule,
// timezone or enablement changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	if prev == cfg || s.ctx == nil {
		s.mu.Unlock()
		return nil
	}
	old := s.c
	s.c = nil
	s.mu.Unlock()

	if running {
		<-old.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !cfg.Enabled {
		if running {
			s.log.Info("housekeeping disabled")
		}
		return nil
	}
	return s.startLocked()
}

// RunNow runs every job once, synchronously.
func (s *Service) RunNow(ctx context.Context) {
	s.runAll(ctx)
}

func (s *Service) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.runAll(ctx)
}

func (s *Service) runAll(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for _, j := range jobs {
		if ctx.Err() != nil {
			return
		}
		s.runOne(ctx, j)
	}
}

func (s *Service) runOne(ctx context.Context, j Job) {
	jctx, cancel := context.WithTimeout(ctx, j.Timeout)
	defer cancel()

	start := time.Now()
	err := j.Run(jctx)
	rec := RunRecord{Name: j.Name, At: start, Took: time.Since(start)}
	if err != nil {
		rec.Err = err.Error()
		rec.Canceled = errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		s.log.Warn("housekeeping job failed", logx.String("job", j.Name), logx.Err(err))
	} else {
		s.log.Debug("housekeeping job done", logx.String("job", j.Name), logx.Duration("took", rec.Took))
	}
	s.record(rec)
}

func (s *Service) record(r RunRecord) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, r)
	if n := len(s.history) - historyMax; n > 0 {
		s.history = append(s.history[:0], s.history[n:]...)
	}
}

// History returns recent runs, oldest first.
func (s *Service) History() []RunRecord {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]RunRecord(nil), s.history...)
}

// Next returns the next scheduled tick, or ErrNotStarted.
func (s *Service) Next() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}, ErrNotStarted
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}, ErrNotStarted
	}
	return entries[0].Next, nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
