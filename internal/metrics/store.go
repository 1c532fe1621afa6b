package metrics

import (
	"sort"
	"sync"
	"time"

	"notifyledger/internal/model"
)

// Store keeps in-memory disposition counters per source application. When
// more than limit applications are tracked the least recently updated one is
// evicted.
type Store struct {
	mu        sync.RWMutex
	byPackage map[string]*model.PackageCounters
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byPackage: make(map[string]*model.PackageCounters),
		limit:     limit,
	}
}

func (s *Store) Record(out model.Outcome) {
	pkg := out.Candidate.SourceApp
	if pkg == "" {
		pkg = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(pkg)
	switch out.Disposition {
	case model.DispositionDuplicate:
		c.Duplicate++
	case model.DispositionIgnored:
		c.Ignored++
	case model.DispositionQueued:
		c.Queued++
	case model.DispositionAutoCommit:
		c.AutoCommit++
	}
	if out.Reason != "" {
		if c.Reasons == nil {
			c.Reasons = make(map[string]int64)
		}
		c.Reasons[out.Reason]++
	}
	c.UpdatedAt = time.Now().UTC()
	if len(s.byPackage) > s.limit {
		s.evictOldest(pkg)
	}
}

// RecordError counts an evaluation that failed before reaching a disposition.
func (s *Store) RecordError(pkg string) {
	if pkg == "" {
		pkg = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(pkg)
	c.Errors++
	c.UpdatedAt = time.Now().UTC()
	if len(s.byPackage) > s.limit {
		s.evictOldest(pkg)
	}
}

func (s *Store) counters(pkg string) *model.PackageCounters {
	c, ok := s.byPackage[pkg]
	if !ok {
		c = &model.PackageCounters{PackageName: pkg}
		s.byPackage[pkg] = c
	}
	return c
}

func (s *Store) Get(pkg string) (model.PackageCounters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byPackage[pkg]
	if !ok {
		return model.PackageCounters{}, false
	}
	return copyCounters(c), true
}

// GetAll returns every tracked application sorted by name.
func (s *Store) GetAll() []model.PackageCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PackageCounters, 0, len(s.byPackage))
	for _, c := range s.byPackage {
		out = append(out, copyCounters(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackageName < out[j].PackageName })
	return out
}

func copyCounters(c *model.PackageCounters) model.PackageCounters {
	cp := *c
	if c.Reasons != nil {
		cp.Reasons = make(map[string]int64, len(c.Reasons))
		for k, v := range c.Reasons {
			cp.Reasons[k] = v
		}
	}
	return cp
}

func (s *Store) evictOldest(keep string) {
	var oldestPkg string
	var oldest time.Time
	for pkg, c := range s.byPackage {
		if pkg == keep {
			continue
		}
		if oldestPkg == "" || c.UpdatedAt.Before(oldest) {
			oldestPkg = pkg
			oldest = c.UpdatedAt
		}
	}
	if oldestPkg != "" {
		delete(s.byPackage, oldestPkg)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPackage = make(map[string]*model.PackageCounters)
}
