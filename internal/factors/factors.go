// Package factors provides the read-only segment factor table.
//
// A factor is the observed share of a neighborhood's baseline (all/all) weekly
// count that falls into a narrower segment. Factors are looked up through a
// fixed fallback chain:
//
//	combo (crime type and time of day both specific)
//	  -> crime type only
//	  -> time of day only
//	  -> 1.0 with no bounds
//
// Within a matched entry the ratio recorded for the ISO week of the request is
// preferred, falling back to the entry's all-weeks mean.
package factors

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rewired-gh/crimerisk/internal/models"
)

// Entry is the observed ratio table for one neighborhood and segment key.
// Ratios are clamped to [0,1] at construction.
type Entry struct {
	ByWeek  map[int]float64
	Overall float64
	Min     float64
	Max     float64
}

// Ratio returns the ratio for the given ISO week, or the overall mean when the
// week was never observed.
func (e Entry) Ratio(isoWeek int) float64 {
	if r, ok := e.ByWeek[isoWeek]; ok {
		return r
	}
	return e.Overall
}

// Table is an immutable lookup from (neighborhood, segment key) to Entry.
type Table struct {
	entries map[string]map[string]Entry
}

type fileEntry struct {
	ByWeek  map[string]float64 `json:"by_week"`
	Overall *float64           `json:"overall"`
	Min     float64            `json:"min"`
	Max     float64            `json:"max"`
}

type factorsFile struct {
	Neighborhoods map[string]map[string]fileEntry `json:"neighborhoods"`
}

// New builds a table from already decoded entries. Ratios are clamped to [0,1]
// and non-finite ratios are dropped (per-week) or zeroed (overall).
func New(entries map[string]map[string]Entry) *Table {
	t := &Table{entries: make(map[string]map[string]Entry, len(entries))}
	for nid, byKey := range entries {
		clean := make(map[string]Entry, len(byKey))
		for key, e := range byKey {
			byWeek := make(map[int]float64, len(e.ByWeek))
			for wk, r := range e.ByWeek {
				if math.IsNaN(r) || math.IsInf(r, 0) {
					continue
				}
				byWeek[wk] = clamp01(r)
			}
			overall := e.Overall
			if math.IsNaN(overall) || math.IsInf(overall, 0) {
				overall = 0
			}
			clean[key] = Entry{ByWeek: byWeek, Overall: clamp01(overall), Min: e.Min, Max: e.Max}
		}
		t.entries[nid] = clean
	}
	return t
}

// Load reads a segment_factors.json file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment factors: %w", err)
	}

	var file factorsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal segment factors: %w", err)
	}

	entries := make(map[string]map[string]Entry, len(file.Neighborhoods))
	for nid, byKey := range file.Neighborhoods {
		entries[nid] = make(map[string]Entry, len(byKey))
		for key, fe := range byKey {
			byWeek := make(map[int]float64, len(fe.ByWeek))
			for wk, r := range fe.ByWeek {
				n, err := strconv.Atoi(wk)
				if err != nil || n < 1 || n > 53 {
					continue
				}
				byWeek[n] = r
			}
			overall := 0.0
			if fe.Overall != nil {
				overall = *fe.Overall
			}
			entries[nid][key] = Entry{ByWeek: byWeek, Overall: overall, Min: fe.Min, Max: fe.Max}
		}
	}

	return New(entries), nil
}

// Factor returns the multiplicative adjustment for a neighborhood, segment and
// week. The baseline segment and segments with no recorded entry return 1.0.
func (t *Table) Factor(neighborhoodID string, seg models.Segment, week time.Time) float64 {
	e, ok := t.lookup(neighborhoodID, seg)
	if !ok {
		return 1.0
	}
	return e.Ratio(models.ISOWeek(week))
}

// Bounds returns the observed min/max count of the segment entry matched by the
// fallback chain. ok is false for the baseline segment and when no entry exists.
func (t *Table) Bounds(neighborhoodID string, seg models.Segment) (lo, hi float64, ok bool) {
	e, ok := t.lookup(neighborhoodID, seg)
	if !ok {
		return 0, 0, false
	}
	return e.Min, e.Max, true
}

// Len returns the number of neighborhoods with at least one entry.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Neighborhoods returns the sorted neighborhood ids present in the table.
func (t *Table) Neighborhoods() []string {
	if t == nil {
		return nil
	}
	ids := make([]string, 0, len(t.entries))
	for nid := range t.entries {
		ids = append(ids, nid)
	}
	sort.Strings(ids)
	return ids
}

// lookup walks the candidate chain and returns the first entry present.
func (t *Table) lookup(neighborhoodID string, seg models.Segment) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	byKey, ok := t.entries[neighborhoodID]
	if !ok {
		return Entry{}, false
	}
	for _, key := range CandidateKeys(seg) {
		if e, ok := byKey[key]; ok {
			return e, true
		}
	}
	return Entry{}, false
}

// CandidateKeys returns the entry keys tried for seg, in priority order.
// The combo tier accepts both the "combo:<ct>|<tod>" and "ct:<ct>|tod:<tod>"
// spellings.
func CandidateKeys(seg models.Segment) []string {
	var keys []string
	if seg.HasCrimeType() && seg.HasTimeOfDay() {
		keys = append(keys,
			"combo:"+string(seg.CrimeType)+"|"+string(seg.TimeOfDay),
			"ct:"+string(seg.CrimeType)+"|tod:"+string(seg.TimeOfDay),
		)
	}
	if seg.HasCrimeType() {
		keys = append(keys, "ct:"+string(seg.CrimeType))
	}
	if seg.HasTimeOfDay() {
		keys = append(keys, "tod:"+string(seg.TimeOfDay))
	}
	return keys
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
