package dispatch

import "sync"

// ProgressSnapshot is a copy of the tracker counters.
type ProgressSnapshot struct {
	Sent     int
	Failed   int
	Total    int
	Percent  float64
	Failures []Failure
}

// Progress tracks sent/failed/total for one job and signals completion once.
//
// Only the job loop mutates it; readers (HTTP, logs) may call Snapshot
// concurrently.
type Progress struct {
	mu       sync.Mutex
	sent     int
	failed   int
	total    int
	failures []Failure

	done       chan struct{}
	once       sync.Once
	onComplete func(ProgressSnapshot)
}

// NewProgress creates a tracker for total units. A zero total is complete
// from the start.
func NewProgress(total int, onComplete func(ProgressSnapshot)) *Progress {
	p := &Progress{total: total, done: make(chan struct{}), onComplete: onComplete}
	if total <= 0 {
		p.total = 0
		p.complete()
	}
	return p
}

// Done is closed exactly once, when the job ends.
func (p *Progress) Done() <-chan struct{} { return p.done }

func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Progress) snapshotLocked() ProgressSnapshot {
	s := ProgressSnapshot{
		Sent:    p.sent,
		Failed:  p.failed,
		Total:   p.total,
		Percent: percent(p.sent+p.failed, p.total),
	}
	if len(p.failures) > 0 {
		s.Failures = append([]Failure(nil), p.failures...)
	}
	return s
}

// Percent returns (sent+failed)/total*100.
func (p *Progress) Percent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return percent(p.sent+p.failed, p.total)
}

func percent(n, total int) float64 {
	if total <= 0 {
		return 100
	}
	return float64(n) / float64(total) * 100
}

func (p *Progress) recordSent(n int) {
	p.mu.Lock()
	p.sent += p.clampLocked(n)
	reached := p.sent+p.failed >= p.total
	p.mu.Unlock()
	if reached {
		p.complete()
	}
}

func (p *Progress) recordFailed(n int, f Failure) {
	p.mu.Lock()
	p.failed += p.clampLocked(n)
	if len(p.failures) < maxFailuresPerJob {
		p.failures = append(p.failures, f)
	}
	reached := p.sent+p.failed >= p.total
	p.mu.Unlock()
	if reached {
		p.complete()
	}
}

// clampLocked keeps sent+failed <= total.
func (p *Progress) clampLocked(n int) int {
	if room := p.total - p.sent - p.failed; n > room {
		return room
	}
	return n
}

// finishStopped shrinks total to what was actually attempted and fires the
// completion signal.
func (p *Progress) finishStopped() {
	p.mu.Lock()
	p.total = p.sent + p.failed
	p.mu.Unlock()
	p.complete()
}

func (p *Progress) complete() {
	p.once.Do(func() {
		close(p.done)
		if p.onComplete != nil {
			p.onComplete(p.Snapshot())
		}
	})
}
