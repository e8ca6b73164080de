package dispatch

import (
	"sort"
	"time"
)

const (
	// Keep job status memory bounded; outcomes live on in storage.
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// PruneStatus drops finished jobs past the TTL, then the oldest finished
// ones beyond StatusMax. Active jobs are never pruned. It returns the number
// of entries removed.
func (s *Service) PruneStatus() int { return s.pruneStatus(time.Now()) }

func (s *Service) pruneStatus(now time.Time) int {
	s.mu.Lock()
	max, ttl := s.cfg.StatusMax, s.cfg.StatusTTL
	s.mu.Unlock()
	if max <= 0 {
		max = defaultStatusMax
	}
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	if len(s.runs) == 0 {
		return 0
	}
	before := len(s.runs)

	// 1) Drop finished jobs older than TTL.
	type kv struct {
		id Handle
		t  time.Time
	}
	var done []kv
	for id, r := range s.runs {
		r.mu.Lock()
		doneAt := r.doneAt
		r.mu.Unlock()
		if doneAt.IsZero() {
			continue
		}
		if now.Sub(doneAt) > ttl {
			delete(s.runs, id)
			continue
		}
		done = append(done, kv{id: id, t: doneAt})
	}

	// 2) Still too big: drop oldest finished.
	if excess := len(s.runs) - max; excess > 0 {
		sort.Slice(done, func(i, j int) bool { return done[i].t.Before(done[j].t) })
		for i := 0; i < excess && i < len(done); i++ {
			delete(s.runs, done[i].id)
		}
	}
	return before - len(s.runs)
}
