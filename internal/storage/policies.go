package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyledger/internal/model"
	"notifyledger/internal/stream"
)

// Policies stores one PolicyRecord per source application.
type Policies struct {
	baseStore
	changes *stream.Hub[struct{}]
}

func newPolicies(base baseStore) *Policies {
	return &Policies{baseStore: base, changes: stream.NewHub[struct{}]()}
}

const policyColumns = `app_id, mode, confidence_threshold, amount_window_seconds, blacklist_json, whitelist_json, updated_at`

// Get returns nil when the application has no stored policy.
func (p *Policies) Get(ctx context.Context, appID string) (*model.PolicyRecord, error) {
	row := p.db.QueryRowContext(ctx, p.q(`SELECT `+policyColumns+` FROM app_policies WHERE app_id = ?`), appID)
	rec, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", appID, err)
	}
	return &rec, nil
}

// Resolve returns the stored policy or the implicit default.
func (p *Policies) Resolve(ctx context.Context, appID string) (model.PolicyRecord, error) {
	rec, err := p.Get(ctx, appID)
	if err != nil {
		return model.PolicyRecord{}, err
	}
	if rec == nil {
		return model.DefaultPolicy(appID), nil
	}
	return *rec, nil
}

func (p *Policies) List(ctx context.Context) ([]model.PolicyRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM app_policies ORDER BY app_id`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	out := make([]model.PolicyRecord, 0)
	for rows.Next() {
		rec, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Upsert replaces the whole record. A zero UpdatedAt is stamped with now.
func (p *Policies) Upsert(ctx context.Context, rec model.PolicyRecord) error {
	if err := validatePolicy(rec); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Blacklist = CleanPatterns(rec.Blacklist)
	rec.Whitelist = CleanPatterns(rec.Whitelist)
	_, err := p.exec(ctx,
		`INSERT INTO app_policies (`+policyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (app_id) DO UPDATE SET
			mode = excluded.mode,
			confidence_threshold = excluded.confidence_threshold,
			amount_window_seconds = excluded.amount_window_seconds,
			blacklist_json = excluded.blacklist_json,
			whitelist_json = excluded.whitelist_json,
			updated_at = excluded.updated_at`,
		rec.AppID,
		int(rec.Mode),
		rec.ConfidenceThreshold,
		rec.AmountWindowSeconds,
		encodeJSON(nonNil(rec.Blacklist)),
		encodeJSON(nonNil(rec.Whitelist)),
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", rec.AppID, err)
	}
	p.changes.Publish(struct{}{})
	return nil
}

func (p *Policies) SetMode(ctx context.Context, appID string, mode model.Mode, now time.Time) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %d", mode)
	}
	return p.setField(ctx, appID, "mode", func(r *model.PolicyRecord) { r.Mode = mode }, now)
}

func (p *Policies) SetThreshold(ctx context.Context, appID string, threshold float64, now time.Time) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("confidence threshold %v outside [0,1]", threshold)
	}
	return p.setField(ctx, appID, "confidence_threshold", func(r *model.PolicyRecord) { r.ConfidenceThreshold = threshold }, now)
}

func (p *Policies) SetAmountWindow(ctx context.Context, appID string, seconds int, now time.Time) error {
	if seconds <= 0 {
		return fmt.Errorf("amount window must be positive, got %d", seconds)
	}
	return p.setField(ctx, appID, "amount_window_seconds", func(r *model.PolicyRecord) { r.AmountWindowSeconds = seconds }, now)
}

func (p *Policies) SetBlacklist(ctx context.Context, appID string, patterns []string, now time.Time) error {
	clean := CleanPatterns(patterns)
	return p.setField(ctx, appID, "blacklist_json", func(r *model.PolicyRecord) { r.Blacklist = clean }, now)
}

func (p *Policies) SetWhitelist(ctx context.Context, appID string, patterns []string, now time.Time) error {
	clean := CleanPatterns(patterns)
	return p.setField(ctx, appID, "whitelist_json", func(r *model.PolicyRecord) { r.Whitelist = clean }, now)
}

// setField updates one column. Unconfigured applications get a row built from
// the implicit default with that single field changed.
func (p *Policies) setField(ctx context.Context, appID, column string, apply func(*model.PolicyRecord), now time.Time) error {
	if strings.TrimSpace(appID) == "" {
		return errors.New("app id is required")
	}
	rec := model.DefaultPolicy(appID)
	apply(&rec)
	rec.UpdatedAt = now.UTC()
	_, err := p.exec(ctx,
		`INSERT INTO app_policies (`+policyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (app_id) DO UPDATE SET `+column+` = excluded.`+column+`, updated_at = excluded.updated_at`,
		rec.AppID,
		int(rec.Mode),
		rec.ConfidenceThreshold,
		rec.AmountWindowSeconds,
		encodeJSON(nonNil(rec.Blacklist)),
		encodeJSON(nonNil(rec.Whitelist)),
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("set %s for %s: %w", column, appID, err)
	}
	p.changes.Publish(struct{}{})
	return nil
}

func (p *Policies) Delete(ctx context.Context, appID string) (bool, error) {
	n, err := p.exec(ctx, `DELETE FROM app_policies WHERE app_id = ?`, appID)
	if err != nil {
		return false, fmt.Errorf("delete policy %s: %w", appID, err)
	}
	if n > 0 {
		p.changes.Publish(struct{}{})
	}
	return n > 0, nil
}

// ResetAllToDefaults rewrites every stored record to the default policy.
func (p *Policies) ResetAllToDefaults(ctx context.Context, now time.Time) (int64, error) {
	n, err := p.exec(ctx,
		`UPDATE app_policies SET mode = ?, confidence_threshold = ?, amount_window_seconds = ?,
			blacklist_json = '[]', whitelist_json = '[]', updated_at = ?`,
		int(model.ModeSuggest),
		model.DefaultConfidenceThreshold,
		model.DefaultAmountWindowSeconds,
		toMillis(now.UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("reset policies: %w", err)
	}
	p.changes.Publish(struct{}{})
	return n, nil
}

// Observe emits the current policy for appID (nil when unconfigured) and then
// every distinct change until ctx is done. The channel is closed on exit.
func (p *Policies) Observe(ctx context.Context, appID string) (<-chan *model.PolicyRecord, error) {
	signals, cancel := p.changes.Subscribe(1)
	current, err := p.Get(ctx, appID)
	if err != nil {
		cancel()
		return nil, err
	}
	out := make(chan *model.PolicyRecord, 1)
	out <- current
	go func() {
		defer close(out)
		defer cancel()
		last := current
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
			}
			next, err := p.Get(ctx, appID)
			if err != nil {
				continue
			}
			if samePolicy(last, next) {
				continue
			}
			last = next
			select {
			case out <- next:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func samePolicy(a, b *model.PolicyRecord) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (model.PolicyRecord, error) {
	var (
		rec       model.PolicyRecord
		mode      int
		black     string
		white     string
		updatedAt int64
	)
	if err := row.Scan(&rec.AppID, &mode, &rec.ConfidenceThreshold, &rec.AmountWindowSeconds, &black, &white, &updatedAt); err != nil {
		return model.PolicyRecord{}, err
	}
	rec.Mode = model.Mode(mode)
	rec.Blacklist = decodeStrings(black)
	rec.Whitelist = decodeStrings(white)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func validatePolicy(rec model.PolicyRecord) error {
	if strings.TrimSpace(rec.AppID) == "" {
		return errors.New("app id is required")
	}
	if !rec.Mode.Valid() {
		return fmt.Errorf("invalid mode %d", rec.Mode)
	}
	if rec.ConfidenceThreshold < 0 || rec.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %v outside [0,1]", rec.ConfidenceThreshold)
	}
	if rec.AmountWindowSeconds <= 0 {
		return fmt.Errorf("amount window must be positive, got %d", rec.AmountWindowSeconds)
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
