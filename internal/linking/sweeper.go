package linking

import (
	"context"
	"log/slog"
	"time"
)

// SweepRecorder counts swept states. Optional.
type SweepRecorder interface {
	StatesSwept(n int64)
}

// RunSweeper deletes expired link states every interval until ctx is done.
// Expiry is enforced on consume; sweeping only keeps the table small.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, rec SweepRecorder) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Link state sweeper started", "interval", interval)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx, rec)
		case <-ctx.Done():
			slog.Info("Link state sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func (s *Service) sweep(ctx context.Context, rec SweepRecorder) int64 {
	n, err := s.store.DeleteExpiredLinkStates(ctx, s.now())
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Link state sweep failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		slog.Info("Swept expired link states", "count", n)
	}
	if rec != nil {
		rec.StatesSwept(n)
	}
	return n
}
