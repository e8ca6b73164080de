package dispatch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"wacrm/internal/eventbus"
	rtsup "wacrm/internal/runtime/supervisor"
	"wacrm/internal/storage"
	"wacrm/internal/transport"
	logx "wacrm/pkg/logx"
)

const (
	defaultMaxActiveJobs = 4
	// Keep per-job failure lists bounded; counters stay exact regardless.
	maxFailuresPerJob = 500
)

// Config controls the dispatch service.
//
// Defaults holds the settings applied to jobs that don't carry their own.
type Config struct {
	Defaults      Settings
	MaxActiveJobs int
	StatusMax     int
	StatusTTL     time.Duration
}

// Handle identifies a started job.
type Handle string

// Job is one bulk-send run. It is immutable once started.
type Job struct {
	Name       string
	Recipients []transport.Recipient
	Message    string
	Settings   Settings

	// Render performs per-recipient substitution. It is supplied by the
	// caller; nil sends Message unchanged.
	Render func(r transport.Recipient, message string) string
}

func (j Job) Validate() error {
	if len(j.Recipients) == 0 {
		return ErrNoRecipients
	}
	if strings.TrimSpace(j.Message) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidConfig)
	}
	for _, r := range j.Recipients {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return j.Settings.Validate()
}

// Total is the accounting target of the job (groups count every member).
func (j Job) Total() int {
	n := 0
	for _, r := range j.Recipients {
		n += r.Weight()
	}
	return n
}

// Failure is recorded for every recipient whose send failed.
type Failure struct {
	RecipientID string    `json:"recipient_id"`
	Name        string    `json:"name,omitempty"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// Snapshot is a read-only view of a job.
type Snapshot struct {
	ID        Handle    `json:"id"`
	Name      string    `json:"name"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	Phase     Phase     `json:"phase"`
	Percent   float64   `json:"percent"`
	Failures  []Failure `json:"failures,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	DoneAt    time.Time `json:"done_at,omitempty"`
}

// CooldownEvent is published before each inter-send wait.
type CooldownEvent struct {
	Job    Handle        `json:"job"`
	Sent   int           `json:"sent"`
	Delay  time.Duration `json:"delay"`
	Reason string        `json:"reason"`
}

// PhaseEvent is published on every control transition.
type PhaseEvent struct {
	Job   Handle `json:"job"`
	Phase Phase  `json:"phase"`
}

// run is the registry entry for one job (arena lookup by Handle).
type run struct {
	id        Handle
	job       Job
	ctl       *Control
	progress  *Progress
	createdAt time.Time
	// exited is closed after the loop ends and the outcome is persisted.
	exited chan struct{}

	mu        sync.Mutex
	startedAt time.Time
	doneAt    time.Time
}

func (r *run) snapshot() Snapshot {
	p := r.progress.Snapshot()
	r.mu.Lock()
	started, done := r.startedAt, r.doneAt
	r.mu.Unlock()
	return Snapshot{
		ID:        r.id,
		Name:      r.job.Name,
		Sent:      p.Sent,
		Failed:    p.Failed,
		Total:     p.Total,
		Phase:     r.ctl.Phase(),
		Percent:   p.Percent,
		Failures:  p.Failures,
		CreatedAt: r.createdAt,
		StartedAt: started,
		DoneAt:    done,
	}
}

// Service owns every job handle and runs job loops under a supervisor.
type Service struct {
	mu sync.Mutex

	cfg    Config
	sender transport.Sender
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store

	sup *rtsup.Supervisor

	runsMu sync.RWMutex
	runs   map[Handle]*run
	active int
}
