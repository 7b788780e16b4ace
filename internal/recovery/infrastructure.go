package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultSweepSchedule runs the stale download sweep every quarter hour.
const DefaultSweepSchedule = "*/15 * * * *"

// JobScheduler registers periodic jobs; scheduler.Scheduler satisfies it.
type JobScheduler interface {
	AddJob(expr string, task func()) error
}

// ScheduleStaleDownloadSweep repeats the stale download sweep on expr so
// downloads interrupted without a restart are released too.
func ScheduleStaleDownloadSweep(ctx context.Context, js JobScheduler, sweeper *StaleDownloads, expr string) error {
	if expr == "" {
		expr = DefaultSweepSchedule
	}
	err := js.AddJob(expr, func() {
		if _, err := sweeper.Sweep(ctx); err != nil {
			slog.Error("Periodic stale download sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule stale download sweep: %w", err)
	}
	return nil
}
