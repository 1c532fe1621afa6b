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

// Queue holds pending confirmation prompts. Every status change is a single
// conditional UPDATE keyed on the current status, so concurrent workers and
// cancellations never overwrite each other's transitions.
type Queue struct {
	baseStore
	changes *stream.Hub[struct{}]
}

func newQueue(base baseStore) *Queue {
	return &Queue{baseStore: base, changes: stream.NewHub[struct{}]()}
}

const queueColumns = `id, type, source_module, source_id, status, scheduled_at, sent_at, attempts, worker_id, title, message, created_at`

// allowedFrom lists the states a transition into the key state may start from.
var allowedFrom = map[model.QueueStatus][]model.QueueStatus{
	model.StatusProcessing: {model.StatusPending},
	model.StatusSent:       {model.StatusProcessing},
	model.StatusFailed:     {model.StatusProcessing},
	model.StatusCancelled:  {model.StatusPending, model.StatusProcessing},
}

// Insert fails with ErrDuplicateID when the id already exists. The entry is
// always stored as PENDING.
func (qu *Queue) Insert(ctx context.Context, entry model.QueueEntry) error {
	if entry.ID == "" {
		return errors.New("queue entry id is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.ScheduledAt.IsZero() {
		entry.ScheduledAt = entry.CreatedAt
	}
	n, err := qu.exec(ctx,
		`INSERT INTO notification_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, NULL, 0, NULL, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		entry.ID,
		entry.Type,
		entry.SourceModule,
		entry.SourceID,
		string(model.StatusPending),
		toMillis(entry.ScheduledAt),
		entry.Title,
		entry.Message,
		toMillis(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("queue insert: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queue insert %s: %w", entry.ID, ErrDuplicateID)
	}
	qu.changes.Publish(struct{}{})
	return nil
}

func (qu *Queue) Get(ctx context.Context, id string) (*model.QueueEntry, error) {
	row := qu.db.QueryRowContext(ctx, qu.q(`SELECT `+queueColumns+` FROM notification_queue WHERE id = ?`), id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("queue get: %w", err)
	}
	return &entry, nil
}

// FindDuePending returns PENDING entries with scheduledAt <= now, oldest first.
// Callers must Claim each entry before dispatching it.
func (qu *Queue) FindDuePending(ctx context.Context, now time.Time, limit int) ([]model.QueueEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return qu.list(ctx,
		`SELECT `+queueColumns+` FROM notification_queue
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, created_at ASC
		LIMIT ?`,
		string(model.StatusPending), toMillis(now), limit)
}

// UpdateStatusAndWorker moves the entry into status when its current state
// permits it. A false result with nil error means another actor got there first.
func (qu *Queue) UpdateStatusAndWorker(ctx context.Context, id string, status model.QueueStatus, workerID string) (bool, error) {
	from, ok := allowedFrom[status]
	if !ok {
		return false, fmt.Errorf("queue: transition into %s is not allowed", status)
	}
	args := []any{string(status), nullString(workerID), id}
	for _, s := range from {
		args = append(args, string(s))
	}
	n, err := qu.exec(ctx,
		`UPDATE notification_queue SET status = ?, worker_id = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("queue update status %s: %w", id, err)
	}
	if n > 0 {
		qu.changes.Publish(struct{}{})
	}
	return n > 0, nil
}

// Claim is the PENDING -> PROCESSING compare-and-swap.
func (qu *Queue) Claim(ctx context.Context, id, workerID string) (bool, error) {
	return qu.UpdateStatusAndWorker(ctx, id, model.StatusProcessing, workerID)
}

// MarkSent is a no-op (false) unless the entry is PROCESSING, so a send that
// lands after a cancel does not resurrect the entry.
func (qu *Queue) MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	n, err := qu.exec(ctx,
		`UPDATE notification_queue SET status = ?, sent_at = ? WHERE id = ? AND status = ?`,
		string(model.StatusSent), toMillis(sentAt), id, string(model.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("queue mark sent %s: %w", id, err)
	}
	if n > 0 {
		qu.changes.Publish(struct{}{})
	}
	return n > 0, nil
}

// MarkFailed records a delivery failure. FAILED is terminal.
func (qu *Queue) MarkFailed(ctx context.Context, id string) (bool, error) {
	n, err := qu.exec(ctx,
		`UPDATE notification_queue SET status = ?, attempts = attempts + 1 WHERE id = ? AND status = ?`,
		string(model.StatusFailed), id, string(model.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("queue mark failed %s: %w", id, err)
	}
	if n > 0 {
		qu.changes.Publish(struct{}{})
	}
	return n > 0, nil
}

func (qu *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	n, err := qu.exec(ctx,
		`UPDATE notification_queue SET status = ? WHERE id = ? AND status IN (?, ?)`,
		string(model.StatusCancelled), id, string(model.StatusPending), string(model.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("queue cancel %s: %w", id, err)
	}
	if n > 0 {
		qu.changes.Publish(struct{}{})
	}
	return n > 0, nil
}

// CancelBySource cancels every active entry for the logical key.
func (qu *Queue) CancelBySource(ctx context.Context, typ, sourceModule, sourceID string) (int64, error) {
	n, err := qu.exec(ctx,
		`UPDATE notification_queue SET status = ?
		WHERE type = ? AND source_module = ? AND source_id = ? AND status IN (?, ?)`,
		string(model.StatusCancelled), typ, sourceModule, sourceID,
		string(model.StatusPending), string(model.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("queue cancel by source: %w", err)
	}
	if n > 0 {
		qu.changes.Publish(struct{}{})
	}
	return n, nil
}

// FindActiveBySource returns the newest PENDING or PROCESSING entry for the
// logical key, or nil.
func (qu *Queue) FindActiveBySource(ctx context.Context, typ, sourceModule, sourceID string) (*model.QueueEntry, error) {
	list, err := qu.FindAllActiveBySource(ctx, typ, sourceModule, sourceID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (qu *Queue) FindAllActiveBySource(ctx context.Context, typ, sourceModule, sourceID string) ([]model.QueueEntry, error) {
	return qu.list(ctx,
		`SELECT `+queueColumns+` FROM notification_queue
		WHERE type = ? AND source_module = ? AND source_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC`,
		typ, sourceModule, sourceID, string(model.StatusPending), string(model.StatusProcessing))
}

// UpdateScheduleAndContent refreshes a not-yet-delivered prompt in place.
func (qu *Queue) UpdateScheduleAndContent(ctx context.Context, id string, scheduledAt time.Time, title, message string) error {
	n, err := qu.exec(ctx,
		`UPDATE notification_queue SET scheduled_at = ?, title = ?, message = ? WHERE id = ? AND status = ?`,
		toMillis(scheduledAt), title, message, id, string(model.StatusPending))
	if err != nil {
		return fmt.Errorf("queue update content %s: %w", id, err)
	}
	if n == 0 {
		if _, err := qu.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("queue entry %s: %w", id, ErrNotPending)
	}
	qu.changes.Publish(struct{}{})
	return nil
}

// ListRecent returns the newest entries first.
func (qu *Queue) ListRecent(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return qu.list(ctx,
		`SELECT `+queueColumns+` FROM notification_queue ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit)
}

func (qu *Queue) ListByStatus(ctx context.Context, status model.QueueStatus, limit int) ([]model.QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return qu.list(ctx,
		`SELECT `+queueColumns+` FROM notification_queue WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		string(status), limit)
}

func (qu *Queue) CountByStatus(ctx context.Context) (map[model.QueueStatus]int, error) {
	rows, err := qu.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue count: %w", err)
	}
	defer rows.Close()
	out := make(map[model.QueueStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.QueueStatus(status)] = n
	}
	return out, rows.Err()
}

// ObserveRecent emits the newest limit entries now and after every queue
// change until ctx is done.
func (qu *Queue) ObserveRecent(ctx context.Context, limit int) (<-chan []model.QueueEntry, error) {
	signals, cancel := qu.changes.Subscribe(1)
	current, err := qu.ListRecent(ctx, limit)
	if err != nil {
		cancel()
		return nil, err
	}
	out := make(chan []model.QueueEntry, 1)
	out <- current
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
			}
			next, err := qu.ListRecent(ctx, limit)
			if err != nil {
				continue
			}
			select {
			case out <- next:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (qu *Queue) list(ctx context.Context, query string, args ...any) ([]model.QueueEntry, error) {
	rows, err := qu.db.QueryContext(ctx, qu.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("queue query: %w", err)
	}
	defer rows.Close()
	out := make([]model.QueueEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEntry(row rowScanner) (model.QueueEntry, error) {
	var (
		e           model.QueueEntry
		status      string
		scheduledAt int64
		sentAt      sql.NullInt64
		workerID    sql.NullString
		createdAt   int64
	)
	if err := row.Scan(&e.ID, &e.Type, &e.SourceModule, &e.SourceID, &status, &scheduledAt,
		&sentAt, &e.Attempts, &workerID, &e.Title, &e.Message, &createdAt); err != nil {
		return model.QueueEntry{}, err
	}
	e.Status = model.QueueStatus(status)
	e.ScheduledAt = fromMillis(scheduledAt)
	if sentAt.Valid {
		ts := fromMillis(sentAt.Int64)
		e.SentAt = &ts
	}
	e.WorkerID = workerID.String
	e.CreatedAt = fromMillis(createdAt)
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
