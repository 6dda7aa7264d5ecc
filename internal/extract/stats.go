package extract

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/brandlens/sov-crawler/internal/sov"
)

// Stats counts extraction outcomes per category. It is an explicit value
// threaded through one run (never ambient state) so concurrent runs keep
// separate books; it feeds the post-run summary log only.
type Stats struct {
	mu     sync.Mutex
	counts map[sov.URLType]map[string]int
}

// NewStats returns an empty collector.
func NewStats() *Stats {
	return &Stats{counts: make(map[sov.URLType]map[string]int)}
}

// Record increments the counter for one (category, outcome) cell.
func (s *Stats) Record(category sov.URLType, outcome string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byOutcome, ok := s.counts[category]
	if !ok {
		byOutcome = make(map[string]int)
		s.counts[category] = byOutcome
	}
	byOutcome[outcome]++
}

// Summary renders the counters as "category: outcome=n ..." lines sorted
// for stable log output.
func (s *Stats) Summary() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	categories := make([]string, 0, len(s.counts))
	for c := range s.counts {
		categories = append(categories, string(c))
	}
	sort.Strings(categories)

	var b strings.Builder
	for _, c := range categories {
		byOutcome := s.counts[sov.URLType(c)]
		outcomes := make([]string, 0, len(byOutcome))
		for o := range byOutcome {
			outcomes = append(outcomes, o)
		}
		sort.Strings(outcomes)
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c)
		b.WriteString(":")
		for _, o := range outcomes {
			fmt.Fprintf(&b, " %s=%d", o, byOutcome[o])
		}
	}
	return b.String()
}

// Count returns one cell's value, mainly for tests.
func (s *Stats) Count(category sov.URLType, outcome string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[category][outcome]
}
