package sink

import (
	"context"
	"log/slog"
	"time"

	"notifyledger/internal/engine"
	"notifyledger/internal/model"
)

// CommitRecord is the transaction handed to the ledger-write collaborator.
type CommitRecord struct {
	EventKey    string    `json:"event_key"`
	SourceApp   string    `json:"source_app"`
	CandidateID string    `json:"candidate_id,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	Amount      string    `json:"amount"`
	Merchant    string    `json:"merchant,omitempty"`
	Content     string    `json:"content"`
	Score       float64   `json:"score"`
	ObservedAt  time.Time `json:"observed_at"`
}

func NewCommitRecord(out model.Outcome) CommitRecord {
	c := out.Candidate
	return CommitRecord{
		EventKey:    out.EventKey,
		SourceApp:   c.SourceApp,
		CandidateID: c.ID,
		AmountCents: c.AmountCents,
		Amount:      engine.FormatAmount(c.AmountCents),
		Merchant:    c.Merchant,
		Content:     c.Content(),
		Score:       out.Score,
		ObservedAt:  c.ObservedAt,
	}
}

// PromptRecord is the confirmation prompt handed to the display collaborator.
type PromptRecord struct {
	EntryID   string    `json:"entry_id"`
	SourceApp string    `json:"source_app"`
	SourceID  string    `json:"source_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Scheduled time.Time `json:"scheduled_at"`
}

func NewPromptRecord(e model.QueueEntry) PromptRecord {
	return PromptRecord{
		EntryID:   e.ID,
		SourceApp: e.SourceModule,
		SourceID:  e.SourceID,
		Title:     e.Title,
		Message:   e.Message,
		WorkerID:  e.WorkerID,
		Scheduled: e.ScheduledAt,
	}
}

// Log writes prompts and commits to the structured log. It is the fallback
// when no broker is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, e model.QueueEntry) error {
	l.logger.Info("confirmation prompt",
		"entry_id", e.ID,
		"package", e.SourceModule,
		"title", e.Title,
		"message", e.Message,
	)
	return nil
}

func (l *Log) Commit(_ context.Context, out model.Outcome) error {
	rec := NewCommitRecord(out)
	l.logger.Info("transaction committed",
		"event_key", rec.EventKey,
		"package", rec.SourceApp,
		"amount", rec.Amount,
		"merchant", rec.Merchant,
	)
	return nil
}
