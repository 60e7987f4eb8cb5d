package store

import (
	"sort"
	"strings"
	"time"
)

// ApplyDelta mutates rec the same way on every backend.
func ApplyDelta(rec *ReputationRecord, delta float64, reason string, at time.Time) {
	rec.Score += delta
	if rec.Score < 0 {
		rec.Score = 0
	}
	if delta > 0 {
		rec.Contributions++
	}
	rec.History = append(rec.History, HistoryEntry{Timestamp: at, Delta: delta, Reason: reason})
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = at
	}
	rec.UpdatedAt = at
}

// Matches applies every filter in q except pagination.
func (q SearchQuery) Matches(u KnowledgeUnit) bool {
	if u.QuarantineStatus == StatusQuarantined {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if t == u.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Domain != "" && !strings.EqualFold(q.Domain, u.Domain) {
		return false
	}
	if q.MinQuality != nil && u.QualityScore < *q.MinQuality {
		return false
	}
	if q.Text != "" {
		needle := strings.ToLower(q.Text)
		if !strings.Contains(strings.ToLower(u.Domain), needle) &&
			!strings.Contains(strings.ToLower(u.Type), needle) &&
			!strings.Contains(strings.ToLower(string(u.Body)), needle) {
			return false
		}
	}
	return true
}

// SortUnits orders by quality descending, then newest first, then id.
func SortUnits(units []KnowledgeUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// SortLeaderboard orders by score descending, ties by agent id.
func SortLeaderboard(recs []ReputationRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		return recs[i].AgentID < recs[j].AgentID
	})
}

// Paginate slices out one page of n items and returns the bounds.
func Paginate(n int, page Page) (int, int) {
	page = page.Normalize()
	start := page.Offset
	if start > n {
		start = n
	}
	end := start + page.Limit
	if end > n {
		end = n
	}
	return start, end
}

// SortReported orders by report count descending, ties by unit id.
func SortReported(units []ReportedUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		if units[i].Count != units[j].Count {
			return units[i].Count > units[j].Count
		}
		return units[i].UnitID < units[j].UnitID
	})
}
