package storage

import (
	"strings"

	"github.com/samber/lo"
)

// CleanPatterns trims list entries, drops blanks and removes repeats while
// keeping first-seen order.
func CleanPatterns(patterns []string) []string {
	trimmed := lo.FilterMap(patterns, func(p string, _ int) (string, bool) {
		p = strings.TrimSpace(p)
		return p, p != ""
	})
	return lo.Uniq(trimmed)
}
