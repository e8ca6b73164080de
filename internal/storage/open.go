package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "wacrm/pkg/logx"
)

// Store persists job outcomes, flush history and the unsubscribe list.
type Store interface {
	SaveJob(ctx context.Context, r JobRecord) error
	// RecentJobs returns up to limit records, newest first.
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
	AppendFlush(ctx context.Context, r FlushRecord) error
	PutUnsubscribe(ctx context.Context, recipientID string, at time.Time) error
	IsUnsubscribed(ctx context.Context, recipientID string) (bool, error)
	Close() error
}

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns (nil, nil) when Driver is empty or "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("driver", name)))
}

// NormalizeRecipientID reduces a recipient to its bare number or group id:
// surrounding space, a leading "+" and the personal-chat server suffix are
// dropped, so "+90555..." and "90555...@s.whatsapp.net" are one recipient.
func NormalizeRecipientID(id string) string {
	id = strings.TrimPrefix(strings.TrimSpace(id), "+")
	return strings.TrimSuffix(id, "@s.whatsapp.net")
}
