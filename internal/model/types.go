package model

import (
	"strings"
	"time"
)

// Mode is the per-application capture policy. Ordinals are persisted.
type Mode int

const (
	ModeDisabled Mode = iota
	ModeSuggest
	ModeAutomatic
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeSuggest:
		return "suggest"
	case ModeAutomatic:
		return "automatic"
	default:
		return "unknown"
	}
}

func (m Mode) Valid() bool {
	return m >= ModeDisabled && m <= ModeAutomatic
}

func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "disabled", "off":
		return ModeDisabled, true
	case "1", "suggest", "semi", "confirm":
		return ModeSuggest, true
	case "2", "automatic", "auto":
		return ModeAutomatic, true
	}
	return ModeDisabled, false
}

const (
	DefaultConfidenceThreshold = 0.85
	DefaultAmountWindowSeconds = 300
)

type PolicyRecord struct {
	AppID               string    `json:"app_id"`
	Mode                Mode      `json:"mode"`
	ConfidenceThreshold float64   `json:"confidence_threshold"`
	AmountWindowSeconds int       `json:"amount_window_seconds"`
	Blacklist           []string  `json:"blacklist"`
	Whitelist           []string  `json:"whitelist"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DefaultPolicy is the policy applied to applications with no stored record.
func DefaultPolicy(appID string) PolicyRecord {
	return PolicyRecord{
		AppID:               appID,
		Mode:                ModeSuggest,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		AmountWindowSeconds: DefaultAmountWindowSeconds,
	}
}

func (p PolicyRecord) AmountWindow() time.Duration {
	return time.Duration(p.AmountWindowSeconds) * time.Second
}

func (p PolicyRecord) Equal(o PolicyRecord) bool {
	return p.AppID == o.AppID &&
		p.Mode == o.Mode &&
		p.ConfidenceThreshold == o.ConfidenceThreshold &&
		p.AmountWindowSeconds == o.AmountWindowSeconds &&
		equalStrings(p.Blacklist, o.Blacklist) &&
		equalStrings(p.Whitelist, o.Whitelist) &&
		p.UpdatedAt.Equal(o.UpdatedAt)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type DedupRecord struct {
	EventKey    string    `json:"event_key"`
	PackageName string    `json:"package_name"`
	TextHash    string    `json:"text_hash,omitempty"`
	PostTime    time.Time `json:"post_time"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

type PackageStats struct {
	PackageName string    `json:"package_name"`
	Count       int       `json:"count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

type QueueStatus string

const (
	StatusPending    QueueStatus = "PENDING"
	StatusProcessing QueueStatus = "PROCESSING"
	StatusSent       QueueStatus = "SENT"
	StatusFailed     QueueStatus = "FAILED"
	StatusCancelled  QueueStatus = "CANCELLED"
)

func (s QueueStatus) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

func (s QueueStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

type QueueEntry struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	SourceModule string      `json:"source_module"`
	SourceID     string      `json:"source_id"`
	Status       QueueStatus `json:"status"`
	ScheduledAt  time.Time   `json:"scheduled_at"`
	SentAt       *time.Time  `json:"sent_at,omitempty"`
	Attempts     int         `json:"attempts"`
	WorkerID     string      `json:"worker_id,omitempty"`
	Title        string      `json:"title"`
	Message      string      `json:"message"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Candidate is a structured notification that may describe a financial transaction.
type Candidate struct {
	ID             string    `json:"id,omitempty"`
	SourceApp      string    `json:"source_app"`
	Title          string    `json:"title,omitempty"`
	RawContent     string    `json:"raw_content"`
	AmountCents    int64     `json:"amount_cents"`
	Merchant       string    `json:"merchant,omitempty"`
	Confidence     float64   `json:"confidence"`
	IsGroupSummary bool      `json:"is_group_summary,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
	Source         string    `json:"source,omitempty"`
}

// Content is the text used for list matching and fingerprinting.
func (c Candidate) Content() string {
	if c.Title == "" {
		return c.RawContent
	}
	return c.Title + " " + c.RawContent
}

type Disposition string

const (
	DispositionDuplicate  Disposition = "duplicate"
	DispositionIgnored    Disposition = "ignored"
	DispositionQueued     Disposition = "queued"
	DispositionAutoCommit Disposition = "auto_commit"
)

// Outcome is the engine verdict for one candidate plus the context needed to act on it.
type Outcome struct {
	Disposition Disposition `json:"disposition"`
	Reason      string      `json:"reason,omitempty"`
	EventKey    string      `json:"event_key"`
	EntryID     string      `json:"entry_id,omitempty"`
	Score       float64     `json:"score"`
	Candidate   Candidate   `json:"candidate"`
	At          time.Time   `json:"at"`
}

// PackageCounters tallies engine dispositions for one source application.
type PackageCounters struct {
	PackageName string           `json:"package_name"`
	Duplicate   int64            `json:"duplicate"`
	Ignored     int64            `json:"ignored"`
	Queued      int64            `json:"queued"`
	AutoCommit  int64            `json:"auto_commit"`
	Errors      int64            `json:"errors"`
	Reasons     map[string]int64 `json:"reasons,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
