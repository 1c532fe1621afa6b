package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"notifyledger/internal/config"
	"notifyledger/internal/model"
	"notifyledger/internal/uid"
)

// Notifier displays a confirmation prompt to the user.
type Notifier interface {
	Notify(ctx context.Context, entry model.QueueEntry) error
}

type NotifierFunc func(ctx context.Context, entry model.QueueEntry) error

func (f NotifierFunc) Notify(ctx context.Context, entry model.QueueEntry) error {
	return f(ctx, entry)
}

type Queue interface {
	FindDuePending(ctx context.Context, now time.Time, limit int) ([]model.QueueEntry, error)
	Claim(ctx context.Context, id, workerID string) (bool, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)
}

// Stats summarizes one poll cycle.
type Stats struct {
	Due     int
	Claimed int
	Lost    int
	Sent    int
	Failed  int
}

func (s *Stats) add(o Stats) {
	s.Due += o.Due
	s.Claimed += o.Claimed
	s.Lost += o.Lost
	s.Sent += o.Sent
	s.Failed += o.Failed
}

// Pool runs delivery workers that poll the queue and dispatch due prompts.
type Pool struct {
	queue    Queue
	notifier Notifier
	logger   *slog.Logger
	cfg      config.DeliveryConfig
	now      func() time.Time
}

func NewPool(cfg config.DeliveryConfig, queue Queue, notifier Notifier, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:    queue,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is done. Poll errors are logged and retried on the
// next tick.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uid.Generate()[:8])
		g.Go(func() error {
			return p.loop(ctx, workerID)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	p.logger.Info("delivery worker started", "worker_id", workerID)
	for {
		if _, err := p.Poll(ctx, workerID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("delivery poll failed", "worker_id", workerID, "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("delivery worker stopped", "worker_id", workerID)
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one cycle: fetch due entries, claim each, and dispatch the ones
// this worker won. A lost claim is skipped for the rest of the cycle.
func (p *Pool) Poll(ctx context.Context, workerID string) (Stats, error) {
	var stats Stats
	due, err := p.queue.FindDuePending(ctx, p.now(), p.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Due = len(due)
	for _, entry := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		s, err := p.dispatch(ctx, workerID, entry)
		stats.add(s)
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

const markTimeout = 5 * time.Second

func (p *Pool) dispatch(ctx context.Context, workerID string, entry model.QueueEntry) (Stats, error) {
	var stats Stats
	won, err := p.queue.Claim(ctx, entry.ID, workerID)
	if err != nil {
		return stats, err
	}
	if !won {
		stats.Lost++
		return stats, nil
	}
	stats.Claimed++
	entry.Status = model.StatusProcessing
	entry.WorkerID = workerID

	notifyErr := p.notifier.Notify(ctx, entry)

	// The claimed entry must leave PROCESSING even when shutdown cancelled ctx
	// mid-delivery.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	if notifyErr != nil {
		stats.Failed++
		p.logger.Warn("prompt delivery failed", "entry_id", entry.ID, "worker_id", workerID, "error", notifyErr)
		if _, err := p.queue.MarkFailed(markCtx, entry.ID); err != nil {
			return stats, err
		}
		return stats, nil
	}

	applied, err := p.queue.MarkSent(markCtx, entry.ID, p.now())
	if err != nil {
		return stats, err
	}
	if !applied {
		// Cancelled while the prompt was in flight; the display side treats the
		// late prompt as idempotent.
		p.logger.Info("prompt sent after cancel", "entry_id", entry.ID)
		return stats, nil
	}
	stats.Sent++
	return stats, nil
}
