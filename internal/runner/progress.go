package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/brandlens/sov-crawler/internal/sov"
)

// progressMessage renders the human-readable status line shown in the
// progress UI. It carries a rolling time-remaining estimate derived from
// throughput so far; the estimate is a UX courtesy, not a contract.
func progressMessage(processed, total int, elapsed time.Duration, failures sov.FailureCounters) string {
	var b strings.Builder
	fmt.Fprintf(&b, "processing exposures %d/%d", processed, total)

	if remaining := estimateRemaining(processed, total, elapsed); remaining > 0 {
		fmt.Fprintf(&b, " (about %s left)", remaining.Round(time.Second))
	}

	if failures.Total() > 0 {
		fmt.Fprintf(&b, "; failures: ext_timeout=%d ext_failed=%d embed_timeout=%d embed_failed=%d",
			failures.ExtractionTimeouts,
			failures.ExtractionFailures,
			failures.EmbeddingTimeouts,
			failures.EmbeddingFailures,
		)
	}
	return b.String()
}

// estimateRemaining projects elapsed/processed over the remaining count.
func estimateRemaining(processed, total int, elapsed time.Duration) time.Duration {
	if processed <= 0 || total <= processed || elapsed <= 0 {
		return 0
	}
	perUnit := elapsed / time.Duration(processed)
	return perUnit * time.Duration(total-processed)
}
