package runner

import (
	"fmt"

	"github.com/brandlens/sov-crawler/internal/sov"
)

// computeResults rolls scores up into per-brand totals and per-block-type
// breakdowns. Only relevant scores count, and needs-review scores are
// excluded even when relevant. Percentages are over total exposures for
// the overall rows and over the block's exposure count for the per-type
// rows.
func computeResults(runID string, brands []string, exposures []sov.Exposure, scores []sov.Score) ([]sov.ResultRow, []sov.ResultByTypeRow) {
	blockByExposure := make(map[string]string, len(exposures))
	blockTotals := make(map[string]int)
	for _, exp := range exposures {
		blockByExposure[exp.ID] = exp.BlockType
		blockTotals[exp.BlockType]++
	}

	overall := make(map[string]int, len(brands))
	byType := make(map[string]map[string]int)
	for _, score := range scores {
		if !score.Relevant || score.NeedsReview {
			continue
		}
		overall[score.Brand]++
		block, ok := blockByExposure[score.ExposureID]
		if !ok {
			continue
		}
		if byType[block] == nil {
			byType[block] = make(map[string]int)
		}
		byType[block][score.Brand]++
	}

	total := len(exposures)
	results := make([]sov.ResultRow, 0, len(brands))
	for _, brand := range brands {
		results = append(results, sov.ResultRow{
			RunID:         runID,
			Brand:         brand,
			ExposureCount: overall[brand],
			Percentage:    formatPercent(overall[brand], total),
		})
	}

	var typeRows []sov.ResultByTypeRow
	for _, exp := range exposures {
		// Iterate exposures to keep block ordering stable; emit each
		// block once.
		counts, ok := byType[exp.BlockType]
		if !ok || counts == nil {
			continue
		}
		byType[exp.BlockType] = nil
		for _, brand := range brands {
			typeRows = append(typeRows, sov.ResultByTypeRow{
				RunID:         runID,
				BlockType:     exp.BlockType,
				Brand:         brand,
				ExposureCount: counts[brand],
				Percentage:    formatPercent(counts[brand], blockTotals[exp.BlockType]),
			})
		}
	}
	return results, typeRows
}

// formatPercent renders count/total*100 with two decimals, "0.00" when the
// denominator is zero.
func formatPercent(count, total int) string {
	if total == 0 {
		return "0.00"
	}
	return fmt.Sprintf("%.2f", float64(count)/float64(total)*100)
}
