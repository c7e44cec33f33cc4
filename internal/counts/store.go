// Package counts provides the read-only weekly count history used to build
// spike features.
//
// History is loaded from the weekly counts CSV or from a weekly_counts table in
// sqlite or postgres. Only baseline (all/all) rows are retained in a Store.
package counts

import (
	"sort"
	"time"

	"github.com/rewired-gh/crimerisk/internal/logger"
	"github.com/rewired-gh/crimerisk/internal/models"
)

// Store is an immutable per-neighborhood baseline history.
type Store struct {
	history map[string][]models.Point
	latest  time.Time
}

// NewStore builds a store from weekly count records, keeping only the baseline
// segment. Weeks are normalized to their week start; repeated rows for the same
// neighborhood and week are summed into one point and reported as a warning.
func NewStore(records []models.WeeklyCount) *Store {
	byWeek := make(map[string]map[time.Time]float64)
	merged := make(map[string]int)
	s := &Store{history: make(map[string][]models.Point)}

	for _, r := range records {
		if !r.Segment().IsBaseline() {
			continue
		}
		wk := models.WeekStart(r.WeekStart)
		weeks := byWeek[r.NeighborhoodID]
		if weeks == nil {
			weeks = make(map[time.Time]float64)
			byWeek[r.NeighborhoodID] = weeks
		}
		if _, seen := weeks[wk]; seen {
			merged[r.NeighborhoodID]++
		}
		weeks[wk] += r.Count
		if wk.After(s.latest) {
			s.latest = wk
		}
	}

	for nid, n := range merged {
		logger.Warn("Merged %d duplicate baseline rows for %s into existing weeks", n, nid)
	}

	for nid, weeks := range byWeek {
		points := make([]models.Point, 0, len(weeks))
		for wk, c := range weeks {
			points = append(points, models.Point{Week: wk, Count: c})
		}
		sort.Slice(points, func(i, j int) bool { return points[i].Week.Before(points[j].Week) })
		s.history[nid] = points
	}
	return s
}

// History returns the ordered baseline series for a neighborhood. The returned
// slice must not be modified.
func (s *Store) History(neighborhoodID string) []models.Point {
	if s == nil {
		return nil
	}
	return s.history[neighborhoodID]
}

// LatestWeek returns the most recent observed week across all neighborhoods.
// ok is false when the store is empty.
func (s *Store) LatestWeek() (time.Time, bool) {
	if s == nil || len(s.history) == 0 {
		return time.Time{}, false
	}
	return s.latest, true
}

// Neighborhoods returns the sorted ids with at least one observation.
func (s *Store) Neighborhoods() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.history))
	for nid := range s.history {
		ids = append(ids, nid)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of neighborhoods in the store.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.history)
}
