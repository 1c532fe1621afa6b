package pipeline

import (
	"context"
	"log/slog"
	"time"
)

type LedgerCleaner interface {
	Cleanup(ctx context.Context, expiredBefore time.Time) (int64, error)
}

// Janitor deletes ledger records by age on a fixed interval. It never
// targets individual keys, so it cannot race with a concurrent insert.
type Janitor struct {
	ledger   LedgerCleaner
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewJanitor(ledger LedgerCleaner, interval, maxAge time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		ledger:   ledger,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.logger.Warn("ledger retention sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.maxAge)
	n, err := j.ledger.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("ledger retention sweep", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}
