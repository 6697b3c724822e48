package scheduler

import (
	"context"
	"time"
)

// Run polls Tick on a cooperative loop until the context is canceled
// or maxLoops polls have happened. maxLoops at or below zero means
// unbounded. The first poll runs immediately.
func (s *Service) Run(ctx context.Context, pollInterval time.Duration, maxLoops int) error {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	loops := 0
	for {
		res, err := s.Tick(ctx, false)
		if err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		} else if res.Ran {
			s.logger.Debug("scheduler poll",
				"steps", res.Steps, "stop_reason", res.StopReason)
		}

		loops++
		if maxLoops > 0 && loops >= maxLoops {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
