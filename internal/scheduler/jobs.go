package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Flusher persists buffered state.
type Flusher interface {
	Flush() error
}

// Sweeper drops expired state and reports how much it removed.
type Sweeper interface {
	Sweep(now time.Time) int
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// FlushJob snapshots the message store every interval.
func FlushJob(f Flusher, interval time.Duration) Job {
	return Job{
		Name: "store-flush",
		Spec: every(interval),
		Run: func(context.Context) error {
			return f.Flush()
		},
	}
}

// SweepJob expires correlation entries and cooldown stamps every interval.
func SweepJob(s Sweeper, interval time.Duration, logger *slog.Logger) Job {
	return Job{
		Name: "correlation-sweep",
		Spec: every(interval),
		Run: func(context.Context) error {
			if n := s.Sweep(time.Now()); n > 0 {
				logger.Debug("correlation entries expired", "removed", n)
			}
			return nil
		},
	}
}

// RestartExitCode tells the process manager the exit was a scheduled
// restart.
const RestartExitCode = 2

// RestartJob asks the process to exit with RestartExitCode on spec. The
// caller's restart func is expected to shut down gracefully and then exit.
func RestartJob(spec string, restart func(code int), logger *slog.Logger) Job {
	return Job{
		Name: "scheduled-restart",
		Spec: spec,
		Run: func(context.Context) error {
			logger.Info("scheduled restart", "spec", spec, "exit_code", RestartExitCode)
			restart(RestartExitCode)
			return nil
		},
	}
}
