package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"wacrm/internal/eventbus"
	"wacrm/internal/observability/metrics"
	"wacrm/internal/transport"
	logx "wacrm/pkg/logx"
)

// execute runs the serial send/cooldown loop for one job.
//
// Exactly one send is in flight at a time. Stop never interrupts a send in
// progress; its result is recorded and the loop ends before the next
// recipient.
func (s *Service) execute(ctx context.Context, r *run) {
	start := time.Now()
	log := s.log.With(logx.String("job", string(r.id)), logx.String("name", r.job.Name))

	// Whatever ends the loop, the job reaches a terminal phase, frees its
	// slot and is persisted.
	defer func() {
		if p := recover(); p != nil {
			log.Error("dispatch loop panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			r.ctl.Stop()
		}
		if !r.ctl.complete() {
			r.progress.finishStopped()
		}
		s.finish(r, log, start)
	}()

	if !r.ctl.start() {
		// stopped before the loop got scheduled
		return
	}
	r.mu.Lock()
	r.startedAt = start
	r.mu.Unlock()

	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()

	settings := r.job.Settings
	recipients := r.job.Recipients
	log.Info("dispatch job started", logx.Int("recipients", len(recipients)), logx.Int("total", r.progress.Snapshot().Total))
	eventbus.Publish(s.bus, eventbus.TypeDispatchStarted, r.snapshot())

	for i, rcpt := range recipients {
		if r.ctl.waitRunnable(ctx) == Stopped {
			break
		}

		w := rcpt.Weight()
		if err := deliverOne(ctx, sender, r.job, rcpt); err != nil {
			r.progress.recordFailed(w, Failure{
				RecipientID: rcpt.ID,
				Name:        rcpt.Name,
				Reason:      err.Error(),
				At:          time.Now(),
			})
			metrics.DispatchRecipientTotal.WithLabelValues("failed").Add(float64(w))
			log.Warn("dispatch send failed", logx.Phone("recipient", rcpt.ID), logx.String("kind", string(rcpt.Kind)), logx.Err(err))
		} else {
			r.progress.recordSent(w)
			metrics.DispatchRecipientTotal.WithLabelValues("sent").Add(float64(w))
			log.Debug("dispatch send ok", logx.Phone("recipient", rcpt.ID), logx.Int("weight", w))
		}

		snap := r.progress.Snapshot()
		eventbus.Publish(s.bus, eventbus.TypeDispatchProgress, r.snapshot())

		if i == len(recipients)-1 {
			break
		}
		if r.ctl.Phase() == Stopped {
			break
		}

		d, reason := settings.cooldown(snap.Sent)
		metrics.ObserveCooldown(reason, d)
		if reason != "base" {
			log.Info("dispatch cooldown", logx.Int("sent", snap.Sent), logx.Duration("delay", d), logx.String("reason", reason))
		}
		eventbus.Publish(s.bus, eventbus.TypeDispatchCooldown, CooldownEvent{Job: r.id, Sent: snap.Sent, Delay: d, Reason: reason})
		if !r.ctl.sleep(ctx, d) {
			break
		}
	}
}

// deliverOne renders and sends one message. A send in flight always runs to
// its own outcome, and a panic in Render or the transport becomes this
// recipient's failure.
func deliverOne(ctx context.Context, sender transport.Sender, job Job, rcpt transport.Recipient) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrSendPanic, p)
		}
	}()
	text := job.Message
	if job.Render != nil {
		text = job.Render(rcpt, text)
	}
	return sender.Send(context.WithoutCancel(ctx), rcpt, text)
}

func (s *Service) finish(r *run, log logx.Logger, start time.Time) {
	now := time.Now()
	r.mu.Lock()
	r.doneAt = now
	r.mu.Unlock()

	s.runsMu.Lock()
	s.active--
	active := s.active
	s.runsMu.Unlock()
	metrics.DispatchActiveJobs.Set(float64(active))

	snap := r.snapshot()
	metrics.DispatchJobTotal.WithLabelValues(snap.Phase.String()).Inc()

	fields := []logx.Field{
		logx.String("phase", snap.Phase.String()),
		logx.Int("sent", snap.Sent),
		logx.Int("failed", snap.Failed),
		logx.Int("total", snap.Total),
		logx.Duration("dur", time.Since(start)),
	}
	if snap.Failed > 0 {
		log.Warn("dispatch job finished with failures", fields...)
	} else {
		log.Info("dispatch job finished", fields...)
	}
	eventbus.Publish(s.bus, eventbus.TypeDispatchFinished, snap)
	s.persist(snap, log)
	close(r.exited)
}

func (s *Service) persist(snap Snapshot, log logx.Logger) {
	if s.store == nil {
		return
	}
	rec := toRecord(snap)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveJob(ctx, rec); err != nil {
		log.Warn("dispatch job not persisted", logx.Err(err))
	}
}
