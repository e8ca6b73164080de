package housekeeping

import (
	"context"

	logx "wacrm/pkg/logx"
)

// StatusPruner is implemented by *dispatch.Service.
type StatusPruner interface {
	PruneStatus() int
}

// PruneStatusJob drops finished dispatch statuses past their retention.
func PruneStatusJob(p StatusPruner, log logx.Logger) Job {
	return Job{
		Name: "dispatch.prune",
		Run: func(ctx context.Context) error {
			if n := p.PruneStatus(); n > 0 {
				log.Info("pruned dispatch statuses", logx.Int("removed", n))
			}
			return ctx.Err()
		},
	}
}
