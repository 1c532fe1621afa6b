package engine

import (
	"strings"

	"github.com/samber/lo"

	"notifyledger/internal/config"
)

// FilterSet holds the global content rules applied before per-app policy lists.
type FilterSet struct {
	BlockedPackages    map[string]struct{}
	OrderKeywords      []string
	PaymentKeywords    []string
	SkipGroupSummaries bool
}

func buildFilters(cfg *config.Config) *FilterSet {
	f := cfg.Engine.Filters
	blocked := make(map[string]struct{}, len(f.BlockedPackages))
	for _, p := range f.BlockedPackages {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		blocked[p] = struct{}{}
	}
	return &FilterSet{
		BlockedPackages:    blocked,
		OrderKeywords:      lowerAll(f.OrderKeywords),
		PaymentKeywords:    lowerAll(f.PaymentKeywords),
		SkipGroupSummaries: f.SkipGroupSummaries,
	}
}

func (f *FilterSet) IsBlockedPackage(pkg string) bool {
	if f == nil {
		return false
	}
	_, ok := f.BlockedPackages[pkg]
	return ok
}

// IsOrderUpdate reports shopping/logistics notices that carry no payment wording.
func (f *FilterSet) IsOrderUpdate(normalized string) bool {
	if f == nil || len(f.OrderKeywords) == 0 {
		return false
	}
	return containsAny(normalized, f.OrderKeywords) && !containsAny(normalized, f.PaymentKeywords)
}

func (f *FilterSet) SkipGroupSummary(isSummary bool, normalized string) bool {
	if f == nil || !f.SkipGroupSummaries || !isSummary {
		return false
	}
	return !containsAny(normalized, f.PaymentKeywords)
}

// MatchesAny does a case-insensitive substring match of normalized content
// against user-configured patterns.
func MatchesAny(normalized string, patterns []string) bool {
	return containsAny(normalized, lowerAll(patterns))
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func lowerAll(values []string) []string {
	return lo.FilterMap(values, func(v string, _ int) (string, bool) {
		v = NormalizeContent(v)
		return v, v != ""
	})
}
