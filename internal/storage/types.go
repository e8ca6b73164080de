package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": jsonl files next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is the persisted outcome of one dispatch job.
type JobRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Phase     string          `json:"phase"`
	Sent      int             `json:"sent"`
	Failed    int             `json:"failed"`
	Total     int             `json:"total"`
	Failures  []FailureRecord `json:"failures,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	StartedAt time.Time       `json:"started_at"`
	DoneAt    time.Time       `json:"done_at"`
}

type FailureRecord struct {
	RecipientID string `json:"recipient_id"`
	Reason      string `json:"reason"`
}

// FlushRecord audits one inbound flush. Message text is never stored.
type FlushRecord struct {
	At        time.Time `json:"at"`
	SenderID  string    `json:"sender_id"`
	Fragments int       `json:"fragments"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
}
