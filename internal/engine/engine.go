package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"notifyledger/internal/config"
	"notifyledger/internal/model"
	"notifyledger/internal/storage"
	"notifyledger/internal/uid"
)

type PolicySource interface {
	Resolve(ctx context.Context, appID string) (model.PolicyRecord, error)
}

type EventLedger interface {
	Exists(ctx context.Context, eventKey string) (bool, error)
	InsertIfAbsent(ctx context.Context, rec model.DedupRecord) (bool, error)
	Delete(ctx context.Context, eventKey string) (bool, error)
	FindByPackageAndTimeRange(ctx context.Context, packageName string, start, end time.Time) ([]model.DedupRecord, error)
	FindByAmountAndTimeWindow(ctx context.Context, amountCents int64, windowStart, windowEnd time.Time) ([]model.DedupRecord, error)
}

type DeliveryQueue interface {
	Insert(ctx context.Context, entry model.QueueEntry) error
	FindActiveBySource(ctx context.Context, typ, sourceModule, sourceID string) (*model.QueueEntry, error)
	UpdateScheduleAndContent(ctx context.Context, id string, scheduledAt time.Time, title, message string) error
	CancelBySource(ctx context.Context, typ, sourceModule, sourceID string) (int64, error)
}

const releaseTimeout = 5 * time.Second

// Reasons attached to outcomes.
const (
	ReasonMissingSource  = "missing_source_app"
	ReasonKeyExists      = "event_key_exists"
	ReasonAmountWindow   = "amount_within_window"
	ReasonTextWindow     = "text_within_window"
	ReasonKeyRace        = "event_key_race"
	ReasonDisabled       = "app_disabled"
	ReasonBlockedPackage = "blocked_package"
	ReasonGroupSummary   = "group_summary"
	ReasonOrderUpdate    = "order_update"
	ReasonBlacklisted    = "blacklisted"
	ReasonBurst          = "burst_limit"
	ReasonLowConfidence  = "low_confidence"
	ReasonBelowMinAmount = "below_min_auto_amount"
	ReasonRefreshed      = "refreshed_active_entry"
)

// Engine decides what to do with each candidate. It holds no lock across an
// evaluation; concurrent evaluations of the same fingerprint are settled by
// the ledger's insert-if-absent.
type Engine struct {
	logger   *slog.Logger
	policies PolicySource
	ledger   EventLedger
	queue    DeliveryQueue
	scorer   Scorer
	cfg      atomic.Value
	filters  atomic.Value
	newID    func() string
}

func NewEngine(cfg *config.Config, policies PolicySource, ledger EventLedger, queue DeliveryQueue, scorer Scorer, logger *slog.Logger) *Engine {
	if scorer == nil {
		scorer = CandidateScorer{}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		logger:   logger,
		policies: policies,
		ledger:   ledger,
		queue:    queue,
		scorer:   scorer,
		newID:    uid.Generate,
	}
	e.UpdateConfig(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.filters.Store(buildFilters(cfg))
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) filterSet() *FilterSet {
	if v := e.filters.Load(); v != nil {
		if f, ok := v.(*FilterSet); ok {
			return f
		}
	}
	return nil
}

// Evaluate returns the disposition for c. A non-nil error means a store or
// scorer failure; the candidate has not been recorded and may be retried. If
// the prompt cannot be queued the fingerprint written for it is removed again.
func (e *Engine) Evaluate(ctx context.Context, c model.Candidate, now time.Time) (model.Outcome, error) {
	cfg := e.config()
	now = now.UTC()
	c.SourceApp = strings.TrimSpace(c.SourceApp)
	if c.ObservedAt.IsZero() {
		c.ObservedAt = now
	}
	c.ObservedAt = c.ObservedAt.UTC()
	normalized := NormalizeContent(c.Content())
	out := model.Outcome{
		EventKey:  EventKey(c, normalized, cfg.Engine.FingerprintBucket),
		Candidate: c,
		At:        now,
	}
	if c.SourceApp == "" {
		return e.finish(out, model.DispositionIgnored, ReasonMissingSource), nil
	}

	exists, err := e.ledger.Exists(ctx, out.EventKey)
	if err != nil {
		return out, err
	}
	if exists {
		return e.finish(out, model.DispositionDuplicate, ReasonKeyExists), nil
	}

	policy, err := e.policies.Resolve(ctx, c.SourceApp)
	if err != nil {
		return out, err
	}
	window := policy.AmountWindow()
	start, end := c.ObservedAt.Add(-window), c.ObservedAt.Add(window)

	if c.AmountCents != 0 {
		matches, err := e.ledger.FindByAmountAndTimeWindow(ctx, c.AmountCents, start, end)
		if err != nil {
			return out, err
		}
		if len(matches) > 0 {
			return e.finish(out, model.DispositionDuplicate, ReasonAmountWindow), nil
		}
	}
	textHash := TextHash(normalized)
	recent, err := e.ledger.FindByPackageAndTimeRange(ctx, c.SourceApp, start, end)
	if err != nil {
		return out, err
	}
	for _, r := range recent {
		if r.TextHash == textHash {
			return e.finish(out, model.DispositionDuplicate, ReasonTextWindow), nil
		}
	}

	if reason, ignored := e.screen(cfg, policy, c, normalized, len(recent)); ignored {
		return e.finish(out, model.DispositionIgnored, reason), nil
	}

	score, err := e.scorer.Score(ctx, c)
	if err != nil {
		return out, fmt.Errorf("score candidate: %w", err)
	}
	out.Score = clampScore(score)
	if out.Score < policy.ConfidenceThreshold {
		return e.finish(out, model.DispositionIgnored, ReasonLowConfidence), nil
	}

	inserted, err := e.ledger.InsertIfAbsent(ctx, model.DedupRecord{
		EventKey:    out.EventKey,
		PackageName: c.SourceApp,
		TextHash:    textHash,
		PostTime:    c.ObservedAt,
		AmountCents: c.AmountCents,
		CreatedAt:   now,
	})
	if err != nil {
		return out, err
	}
	if !inserted {
		return e.finish(out, model.DispositionDuplicate, ReasonKeyRace), nil
	}

	reason := ""
	if policy.Mode == model.ModeAutomatic {
		if abs(c.AmountCents) >= cfg.Engine.MinAutoAmountCents {
			return e.finish(out, model.DispositionAutoCommit, ""), nil
		}
		reason = ReasonBelowMinAmount
	}

	entryID, refreshed, err := e.enqueue(ctx, cfg, c, out.EventKey, now)
	if err != nil {
		e.releaseKey(ctx, out.EventKey)
		return out, err
	}
	out.EntryID = entryID
	if refreshed && reason == "" {
		reason = ReasonRefreshed
	}
	return e.finish(out, model.DispositionQueued, reason), nil
}

// releaseKey drops a fingerprint whose prompt could not be queued, so a retry
// of the same candidate is evaluated afresh instead of reported as a duplicate.
func (e *Engine) releaseKey(ctx context.Context, eventKey string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := e.ledger.Delete(ctx, eventKey); err != nil && e.logger != nil {
		e.logger.Error("release event key failed", "event_key", eventKey, "error", err)
	}
}

// screen applies the policy mode, global filters, per-app lists and the burst cap.
func (e *Engine) screen(cfg *config.Config, policy model.PolicyRecord, c model.Candidate, normalized string, recentCount int) (string, bool) {
	if policy.Mode == model.ModeDisabled {
		return ReasonDisabled, true
	}
	filters := e.filterSet()
	if filters.IsBlockedPackage(c.SourceApp) {
		return ReasonBlockedPackage, true
	}
	if filters.SkipGroupSummary(c.IsGroupSummary, normalized) {
		return ReasonGroupSummary, true
	}
	allowed := MatchesAny(normalized, policy.Whitelist)
	if !allowed && filters.IsOrderUpdate(normalized) {
		return ReasonOrderUpdate, true
	}
	if !allowed && MatchesAny(normalized, policy.Blacklist) {
		return ReasonBlacklisted, true
	}
	if cfg.Engine.BurstLimit > 0 && recentCount >= cfg.Engine.BurstLimit {
		return ReasonBurst, true
	}
	return "", false
}

// enqueue keeps at most one active prompt per candidate: an existing PENDING
// entry is refreshed in place, a PROCESSING one is left to finish delivery.
func (e *Engine) enqueue(ctx context.Context, cfg *config.Config, c model.Candidate, eventKey string, now time.Time) (string, bool, error) {
	sourceID := strings.TrimSpace(c.ID)
	if sourceID == "" {
		sourceID = eventKey
	}
	title, message := buildPrompt(c)
	scheduledAt := now.Add(cfg.Engine.ConfirmDelay)

	active, err := e.queue.FindActiveBySource(ctx, ConfirmType, c.SourceApp, sourceID)
	if err != nil {
		return "", false, err
	}
	if active != nil {
		err := e.queue.UpdateScheduleAndContent(ctx, active.ID, scheduledAt, title, message)
		switch {
		case err == nil, errors.Is(err, storage.ErrNotPending):
			return active.ID, true, nil
		case !errors.Is(err, storage.ErrNotFound):
			return "", false, err
		}
	}

	entry := model.QueueEntry{
		ID:           e.newID(),
		Type:         ConfirmType,
		SourceModule: c.SourceApp,
		SourceID:     sourceID,
		Status:       model.StatusPending,
		ScheduledAt:  scheduledAt,
		Title:        title,
		Message:      message,
		CreatedAt:    now,
	}
	err = e.queue.Insert(ctx, entry)
	if errors.Is(err, storage.ErrDuplicateID) {
		entry.ID = e.newID()
		err = e.queue.Insert(ctx, entry)
	}
	if err != nil {
		return "", false, err
	}
	return entry.ID, false, nil
}

// CancelCandidate withdraws any undelivered prompt for a candidate, e.g. when
// the user booked or dismissed it elsewhere.
func (e *Engine) CancelCandidate(ctx context.Context, sourceApp, candidateID string) (int64, error) {
	n, err := e.queue.CancelBySource(ctx, ConfirmType, strings.TrimSpace(sourceApp), strings.TrimSpace(candidateID))
	if err != nil {
		return 0, err
	}
	if n > 0 && e.logger != nil {
		e.logger.Info("prompt cancelled", "package", sourceApp, "source_id", candidateID, "count", n)
	}
	return n, nil
}

func (e *Engine) finish(out model.Outcome, d model.Disposition, reason string) model.Outcome {
	out.Disposition = d
	out.Reason = reason
	if e.logger != nil {
		e.logger.Debug("candidate evaluated",
			"package", out.Candidate.SourceApp,
			"event_key", out.EventKey,
			"disposition", string(d),
			"reason", reason,
			"score", out.Score,
			"entry_id", out.EntryID,
		)
	}
	return out
}
