package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"notifyledger/internal/model"
)

// Ledger is the append-only record of processed event fingerprints.
type Ledger struct {
	baseStore
}

const dedupColumns = `event_key, package_name, text_hash, post_time, amount_cents, created_at`

func (l *Ledger) Exists(ctx context.Context, eventKey string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, l.q(`SELECT 1 FROM dedup_records WHERE event_key = ?`), eventKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger exists: %w", err)
	}
	return true, nil
}

// GetByKey returns nil when the fingerprint has not been recorded.
func (l *Ledger) GetByKey(ctx context.Context, eventKey string) (*model.DedupRecord, error) {
	row := l.db.QueryRowContext(ctx, l.q(`SELECT `+dedupColumns+` FROM dedup_records WHERE event_key = ?`), eventKey)
	rec, err := scanDedup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger get: %w", err)
	}
	return &rec, nil
}

// InsertIfAbsent reports false when the fingerprint already exists. The
// conflict is resolved by the primary key, so concurrent callers with the same
// key see exactly one true.
func (l *Ledger) InsertIfAbsent(ctx context.Context, rec model.DedupRecord) (bool, error) {
	if rec.EventKey == "" {
		return false, errors.New("event key is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	n, err := l.exec(ctx,
		`INSERT INTO dedup_records (`+dedupColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_key) DO NOTHING`,
		rec.EventKey,
		rec.PackageName,
		rec.TextHash,
		toMillis(rec.PostTime),
		rec.AmountCents,
		toMillis(rec.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("ledger insert: %w", err)
	}
	return n == 1, nil
}

// FindByPackageAndTimeRange returns records with start <= postTime <= end, newest first.
func (l *Ledger) FindByPackageAndTimeRange(ctx context.Context, packageName string, start, end time.Time) ([]model.DedupRecord, error) {
	return l.list(ctx,
		`SELECT `+dedupColumns+` FROM dedup_records
		WHERE package_name = ? AND post_time >= ? AND post_time <= ?
		ORDER BY post_time DESC`,
		packageName, toMillis(start), toMillis(end))
}

// FindByAmountAndTimeWindow returns records for amountCents with
// windowStart <= postTime <= windowEnd, newest first.
func (l *Ledger) FindByAmountAndTimeWindow(ctx context.Context, amountCents int64, windowStart, windowEnd time.Time) ([]model.DedupRecord, error) {
	return l.list(ctx,
		`SELECT `+dedupColumns+` FROM dedup_records
		WHERE amount_cents = ? AND post_time >= ? AND post_time <= ?
		ORDER BY post_time DESC`,
		amountCents, toMillis(windowStart), toMillis(windowEnd))
}

// Cleanup deletes records created before expiredBefore.
func (l *Ledger) Cleanup(ctx context.Context, expiredBefore time.Time) (int64, error) {
	n, err := l.exec(ctx, `DELETE FROM dedup_records WHERE created_at < ?`, toMillis(expiredBefore))
	if err != nil {
		return 0, fmt.Errorf("ledger cleanup: %w", err)
	}
	return n, nil
}

func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dedup_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger count: %w", err)
	}
	return n, nil
}

func (l *Ledger) CountByPackage(ctx context.Context) (map[string]int, error) {
	stats, err := l.StatsByPackage(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(stats))
	for _, s := range stats {
		out[s.PackageName] = s.Count
	}
	return out, nil
}

// StatsByPackage is ordered by record count, largest first.
func (l *Ledger) StatsByPackage(ctx context.Context) ([]model.PackageStats, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT package_name, COUNT(*), MIN(post_time), MAX(post_time) FROM dedup_records
		GROUP BY package_name ORDER BY COUNT(*) DESC, package_name`)
	if err != nil {
		return nil, fmt.Errorf("ledger stats: %w", err)
	}
	defer rows.Close()
	out := make([]model.PackageStats, 0)
	for rows.Next() {
		var (
			s           model.PackageStats
			first, last int64
		)
		if err := rows.Scan(&s.PackageName, &s.Count, &first, &last); err != nil {
			return nil, err
		}
		s.FirstSeen = fromMillis(first)
		s.LastSeen = fromMillis(last)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes one fingerprint. It reports false when the key was not present.
func (l *Ledger) Delete(ctx context.Context, eventKey string) (bool, error) {
	n, err := l.exec(ctx, `DELETE FROM dedup_records WHERE event_key = ?`, eventKey)
	if err != nil {
		return false, fmt.Errorf("ledger delete %s: %w", eventKey, err)
	}
	return n > 0, nil
}

func (l *Ledger) DeleteByPackage(ctx context.Context, packageName string) (int64, error) {
	n, err := l.exec(ctx, `DELETE FROM dedup_records WHERE package_name = ?`, packageName)
	if err != nil {
		return 0, fmt.Errorf("ledger delete package %s: %w", packageName, err)
	}
	return n, nil
}

func (l *Ledger) ClearAll(ctx context.Context) (int64, error) {
	n, err := l.exec(ctx, `DELETE FROM dedup_records`)
	if err != nil {
		return 0, fmt.Errorf("ledger clear: %w", err)
	}
	return n, nil
}

func (l *Ledger) list(ctx context.Context, query string, args ...any) ([]model.DedupRecord, error) {
	rows, err := l.db.QueryContext(ctx, l.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger query: %w", err)
	}
	defer rows.Close()
	out := make([]model.DedupRecord, 0)
	for rows.Next() {
		rec, err := scanDedup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanDedup(row rowScanner) (model.DedupRecord, error) {
	var (
		rec       model.DedupRecord
		postTime  int64
		createdAt int64
	)
	if err := row.Scan(&rec.EventKey, &rec.PackageName, &rec.TextHash, &postTime, &rec.AmountCents, &createdAt); err != nil {
		return model.DedupRecord{}, err
	}
	rec.PostTime = fromMillis(postTime)
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}
