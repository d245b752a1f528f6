// Package resume computes which data a dataset still lacks.
package resume

import (
	"sort"
	"time"

	"quantlab_backend/models"
)

const day = 24 * time.Hour

// Plan returns the gaps between what preset requests and what coverage
// already holds, ordered by preset symbol order and then preset category
// order. Stored data outside the requested range is ignored, so a preset
// whose range changed since creation is planned against its current range.
func Plan(preset models.Preset, coverage models.Coverage) []models.Gap {
	requested := models.NewDateRange(preset.Range.Start, preset.Range.End)
	if requested.End.Before(requested.Start) {
		return nil
	}

	var gaps []models.Gap
	for _, symbol := range preset.Symbols {
		for _, cat := range preset.Categories {
			var stored []models.DateRange
			if bySymbol, ok := coverage[cat]; ok {
				stored = bySymbol[symbol]
			}
			for _, missing := range Subtract(requested, stored) {
				gaps = append(gaps, models.Gap{Symbol: symbol, Category: cat, Range: missing})
			}
		}
	}
	return gaps
}

// Merge normalises ranges to days, drops empty ones, and joins ranges that
// overlap or touch (end + 1 day == next start).
func Merge(ranges []models.DateRange) []models.DateRange {
	norm := make([]models.DateRange, 0, len(ranges))
	for _, r := range ranges {
		r = models.NewDateRange(r.Start, r.End)
		if r.End.Before(r.Start) {
			continue
		}
		norm = append(norm, r)
	}
	sort.Slice(norm, func(i, j int) bool { return norm[i].Start.Before(norm[j].Start) })

	var merged []models.DateRange
	for _, r := range norm {
		if n := len(merged); n > 0 && !r.Start.After(merged[n-1].End.Add(day)) {
			if r.End.After(merged[n-1].End) {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Subtract returns the parts of requested not covered by stored.
func Subtract(requested models.DateRange, stored []models.DateRange) []models.DateRange {
	var out []models.DateRange
	cursor := requested.Start
	for _, r := range Merge(stored) {
		if r.End.Before(cursor) {
			continue
		}
		if r.Start.After(requested.End) {
			break
		}
		if r.Start.After(cursor) {
			out = append(out, models.DateRange{Start: cursor, End: r.Start.Add(-day)})
		}
		cursor = r.End.Add(day)
		if cursor.After(requested.End) {
			return out
		}
	}
	if !cursor.After(requested.End) {
		out = append(out, models.DateRange{Start: cursor, End: requested.End})
	}
	return out
}

// Split cuts r into consecutive pieces of at most maxDays days.
func Split(r models.DateRange, maxDays int) []models.DateRange {
	if maxDays <= 0 || r.Days() <= maxDays {
		return []models.DateRange{r}
	}
	var out []models.DateRange
	for start := r.Start; !start.After(r.End); {
		end := start.AddDate(0, 0, maxDays-1)
		if end.After(r.End) {
			end = r.End
		}
		out = append(out, models.DateRange{Start: start, End: end})
		start = end.Add(day)
	}
	return out
}
