package ingest

import (
	"context"
	"log/slog"
	"time"

	"notifyledger/internal/config"
	"notifyledger/internal/model"
	"notifyledger/internal/normalize"
)

func SendNonBlocking(ctx context.Context, out chan<- model.Candidate, c model.Candidate, logger *slog.Logger) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("candidate channel full, dropping candidate", "package", c.SourceApp, "observed_at", c.ObservedAt)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// processLine parses and normalizes one line-oriented record and hands it to
// the pipeline. Unparseable lines are dropped.
func processLine(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Candidate, logger *slog.Logger, line, source string) bool {
	fields, err := parser.ParseLine(line)
	if err != nil || fields == nil {
		return false
	}
	c, ok := toCandidate(cfg, *fields, source, logger)
	if !ok {
		return false
	}
	return SendNonBlocking(ctx, out, c, logger)
}

func toCandidate(cfg *config.Manager, fields normalize.EventFields, source string, logger *slog.Logger) (model.Candidate, bool) {
	c, err := normalize.Normalize(fields, cfg.Get())
	if err != nil {
		if logger != nil {
			logger.Warn(source+" normalize error", "err", err)
		}
		return model.Candidate{}, false
	}
	c.Source = source
	return c, true
}

// sendBlocking waits for room in out. Sources that can apply backpressure use
// it instead of dropping.
func sendBlocking(ctx context.Context, out chan<- model.Candidate, c model.Candidate) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
