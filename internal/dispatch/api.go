package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"wacrm/internal/eventbus"
	"wacrm/internal/observability/metrics"
	"wacrm/internal/storage"
	logx "wacrm/pkg/logx"
)

// StartDispatch validates job, registers it and starts its loop.
// A job without Settings (zero BaseDelay) inherits the service defaults.
// ctx bounds only the registration; the job runs under the service.
func (s *Service) StartDispatch(ctx context.Context, job Job) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	sup := s.sup
	cfg := s.cfg
	s.mu.Unlock()

	if job.Settings.BaseDelay == 0 && len(job.Settings.Tiers) == 0 && !job.Settings.Adaptive {
		job.Settings = cfg.Defaults
	}
	job.Settings = job.Settings.clone()
	job.Recipients = append(job.Recipients[:0:0], job.Recipients...)
	if err := job.Validate(); err != nil {
		return "", err
	}
	if sup == nil {
		return "", ErrNotRunning
	}

	now := time.Now()
	s.pruneStatus(now)

	id := Handle(uuid.NewString())
	r := &run{id: id, job: job, createdAt: now, exited: make(chan struct{})}
	r.progress = NewProgress(job.Total(), nil)
	r.ctl = NewControl(func(p Phase) {
		eventbus.Publish(s.bus, eventbus.TypeDispatchPhase, PhaseEvent{Job: id, Phase: p})
	})

	s.runsMu.Lock()
	// Stop cancels the supervisor before it stops registered runs, so a job
	// registered past this check is always seen by Stop.
	if sup.Context().Err() != nil {
		s.runsMu.Unlock()
		return "", ErrNotRunning
	}
	if s.active >= cfg.MaxActiveJobs {
		s.runsMu.Unlock()
		return "", ErrTooManyJobs
	}
	s.active++
	active := s.active
	s.runs[id] = r
	s.runsMu.Unlock()
	metrics.DispatchActiveJobs.Set(float64(active))

	s.log.Debug("dispatch job registered",
		logx.String("job", string(id)),
		logx.String("name", job.Name),
		logx.Int("recipients", len(job.Recipients)),
		logx.Int("total", job.Total()),
	)
	sup.Go0("dispatch.job", func(ctx context.Context) {
		s.execute(ctx, r)
	})
	return id, nil
}

func (s *Service) lookup(h Handle) (*run, error) {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()
	r, ok := s.runs[h]
	if !ok {
		return nil, ErrUnknownJob
	}
	return r, nil
}

// Pause reports whether the job moved from running to paused.
func (s *Service) Pause(h Handle) (bool, error) {
	r, err := s.lookup(h)
	if err != nil {
		return false, err
	}
	return r.ctl.Pause(), nil
}

func (s *Service) Resume(h Handle) (bool, error) {
	r, err := s.lookup(h)
	if err != nil {
		return false, err
	}
	return r.ctl.Resume(), nil
}

func (s *Service) StopJob(h Handle) (bool, error) {
	r, err := s.lookup(h)
	if err != nil {
		return false, err
	}
	return r.ctl.Stop(), nil
}

func (s *Service) Progress(h Handle) (Snapshot, error) {
	r, err := s.lookup(h)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshot(), nil
}

// List returns every retained job, newest first.
func (s *Service) List() []Snapshot {
	s.runsMu.RLock()
	out := make([]Snapshot, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.snapshot())
	}
	s.runsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Wait blocks until the job has fully finished (loop exited, record saved)
// or ctx ends.
func (s *Service) Wait(ctx context.Context, h Handle) (Snapshot, error) {
	r, err := s.lookup(h)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-r.exited:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

func toRecord(s Snapshot) storage.JobRecord {
	rec := storage.JobRecord{
		ID:        string(s.ID),
		Name:      s.Name,
		Phase:     s.Phase.String(),
		Sent:      s.Sent,
		Failed:    s.Failed,
		Total:     s.Total,
		CreatedAt: s.CreatedAt,
		StartedAt: s.StartedAt,
		DoneAt:    s.DoneAt,
	}
	for _, f := range s.Failures {
		rec.Failures = append(rec.Failures, storage.FailureRecord{RecipientID: f.RecipientID, Reason: f.Reason})
	}
	return rec
}
