package jobs

import (
	"context"
	"time"

	"github.com/wagechannel/channel-server-go/internal/service"
)

type SessionSweeper interface {
	SweepTimedOutSessions(ctx context.Context) (int, error)
}

type PassRunner interface {
	RunPass(ctx context.Context) (service.PassReport, error)
}

// NewSweepJob closes work sessions that outlived the maximum session duration.
func NewSweepJob(sweeper SessionSweeper, interval time.Duration) *PeriodicJob {
	return NewPeriodicJob("session sweep", interval, sweeper.SweepTimedOutSessions)
}

// NewReconcileJob runs one reconciliation pass per tick and reports the
// number of channels whose state changed.
func NewReconcileJob(reconciler PassRunner, interval time.Duration) *PeriodicJob {
	return NewPeriodicJob("reconciliation", interval, func(ctx context.Context) (int, error) {
		report, err := reconciler.RunPass(ctx)
		return report.Discrepancies + report.Expired + report.Finalized + report.RolledBack + report.Discarded, err
	})
}
