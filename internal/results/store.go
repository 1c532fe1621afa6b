package results

import (
	"sync"
	"time"

	"notifyledger/internal/model"
)

// Store is a bounded in-memory history of engine outcomes, oldest first.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Outcome
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(out model.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, out)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = out
}

// List returns the newest limit outcomes, oldest first.
func (s *Store) List(limit int) []model.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Outcome, limit)
	copy(out, s.buf[len(s.buf)-limit:])
	return out
}

func (s *Store) Since(ts time.Time) []model.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Outcome, 0)
	for _, o := range s.buf {
		if !o.At.Before(ts) {
			out = append(out, o)
		}
	}
	return out
}

func (s *Store) Filter(d model.Disposition, limit int) []model.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Outcome, 0)
	for i := len(s.buf) - 1; i >= 0; i-- {
		if s.buf[i].Disposition != d {
			continue
		}
		out = append(out, s.buf[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
