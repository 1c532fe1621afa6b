package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"notifyledger/internal/metrics"
	"notifyledger/internal/model"
	"notifyledger/internal/results"
	"notifyledger/internal/stream"
)

type Evaluator interface {
	Evaluate(ctx context.Context, c model.Candidate, now time.Time) (model.Outcome, error)
}

// LedgerWriter books an auto-committed transaction. A failure does not undo
// the ledger fingerprint; the event stays processed.
type LedgerWriter interface {
	Commit(ctx context.Context, out model.Outcome) error
}

type Options struct {
	Workers        int
	CommitRetries  uint64
	EvalRetries    uint64
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	OutcomeHistory *results.Store
	Metrics        *metrics.Store
}

// Pipeline consumes candidates, evaluates them and acts on the disposition.
type Pipeline struct {
	engine   Evaluator
	writer   LedgerWriter
	logger   *slog.Logger
	opts     Options
	outcomes *stream.Hub[model.Outcome]
	now      func() time.Time
}

func New(engine Evaluator, writer LedgerWriter, opts Options, logger *slog.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 200 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		engine:   engine,
		writer:   writer,
		logger:   logger,
		opts:     opts,
		outcomes: stream.NewHub[model.Outcome](),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Outcomes subscribes to every disposition reached from now on.
func (p *Pipeline) Outcomes(buffer int) (<-chan model.Outcome, func()) {
	return p.outcomes.Subscribe(buffer)
}

// Run evaluates candidates from in until it is closed or ctx is done.
func (p *Pipeline) Run(ctx context.Context, in <-chan model.Candidate) error {
	defer p.outcomes.Close()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case c, ok := <-in:
					if !ok {
						return nil
					}
					_, _ = p.Handle(ctx, c)
				}
			}
		})
	}
	return g.Wait()
}

// Handle evaluates one candidate and performs the follow-up for its
// disposition. Storage failures are retried with backoff since re-evaluation
// is idempotent.
func (p *Pipeline) Handle(ctx context.Context, c model.Candidate) (model.Outcome, error) {
	var out model.Outcome
	b := p.backoff(p.opts.EvalRetries)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		out, err = p.engine.Evaluate(ctx, c, p.now())
		if err != nil {
			p.logger.Warn("evaluate failed", "package", c.SourceApp, "err", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if p.opts.Metrics != nil {
			p.opts.Metrics.RecordError(c.SourceApp)
		}
		p.logger.Error("candidate dropped after evaluate failures", "package", c.SourceApp, "err", err)
		return out, err
	}

	if out.Disposition == model.DispositionAutoCommit {
		p.commit(ctx, out)
	}
	if p.opts.Metrics != nil {
		p.opts.Metrics.Record(out)
	}
	if p.opts.OutcomeHistory != nil {
		p.opts.OutcomeHistory.Add(out)
	}
	p.outcomes.Publish(out)
	p.logger.Info("candidate processed",
		"package", out.Candidate.SourceApp,
		"disposition", string(out.Disposition),
		"reason", out.Reason,
		"event_key", out.EventKey,
		"entry_id", out.EntryID,
	)
	return out, nil
}

func (p *Pipeline) commit(ctx context.Context, out model.Outcome) {
	if p.writer == nil {
		return
	}
	b := p.backoff(p.opts.CommitRetries)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := p.writer.Commit(ctx, out); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		p.logger.Error("ledger commit failed", "event_key", out.EventKey, "package", out.Candidate.SourceApp, "err", err)
	}
}

func (p *Pipeline) backoff(retries uint64) retry.Backoff {
	b := retry.NewFibonacci(p.opts.BackoffBase)
	b = retry.WithCappedDuration(p.opts.BackoffCap, b)
	return retry.WithMaxRetries(retries, b)
}
