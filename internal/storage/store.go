package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"notifyledger/internal/config"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrDuplicateID = errors.New("duplicate id")
	ErrNotPending  = errors.New("entry is not pending")
)

// Store bundles the three pipeline collections over one database handle.
type Store struct {
	db       *sql.DB
	dialect  dialect
	Policies *Policies
	Ledger   *Ledger
	Queue    *Queue
}

type dialect struct {
	name   string
	schema []string
}

func NewStore(cfg config.StorageConfig) (*Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

func newStore(db *sql.DB, d dialect) *Store {
	base := baseStore{db: db, dialect: d}
	return &Store{
		db:       db,
		dialect:  d,
		Policies: newPolicies(base),
		Ledger:   &Ledger{baseStore: base},
		Queue:    newQueue(base),
	}
}

func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Driver() string {
	return s.dialect.name
}

func (s *Store) Close() error {
	s.Policies.changes.Close()
	s.Queue.changes.Close()
	return s.db.Close()
}

type baseStore struct {
	db      *sql.DB
	dialect dialect
}

// q rewrites ? placeholders into the dialect's positional form.
func (b baseStore) q(query string) string {
	if b.dialect.name != "postgres" {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (b baseStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := b.db.ExecContext(ctx, b.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeStrings(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
