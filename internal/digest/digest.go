// Package digest turns the current week's spike probabilities into a short
// notification of the neighborhoods most likely to spike.
//
// A run keeps neighborhoods whose spike risk reaches the threshold, drops the
// ones already notified for the same served week, ranks the rest by risk
// (ties by neighborhood id) and sends the top K.
package digest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/crimerisk/internal/logger"
	"github.com/rewired-gh/crimerisk/internal/metrics"
	"github.com/rewired-gh/crimerisk/internal/models"
	"github.com/rewired-gh/crimerisk/internal/storage"
)

// retention is how long notification records are kept.
const retention = 8 * 7 * 24 * time.Hour

// Spiker produces spike reports.
type Spiker interface {
	Spike(ctx context.Context, day time.Time) (models.SpikeReport, error)
}

// Notifier delivers a digest.
type Notifier interface {
	Notify(ctx context.Context, servedWeek time.Time, alerts []models.SpikeResult) error
}

// Config controls selection.
type Config struct {
	Threshold float64
	TopK      int
}

// Result summarizes one run.
type Result struct {
	RunID      string               `json:"run_id"`
	ServedWeek *time.Time           `json:"served_week"`
	Available  bool                 `json:"available"`
	Candidates int                  `json:"candidates"`
	Suppressed int                  `json:"suppressed"`
	Sent       []models.SpikeResult `json:"sent"`
}

// Digest runs spike digests.
type Digest struct {
	spiker   Spiker
	store    *storage.Storage
	notifier Notifier
	metrics  *metrics.Registry
	cfg      Config
	now      func() time.Time
}

// New creates a Digest. A nil notifier logs the digest instead of sending it.
func New(s Spiker, store *storage.Storage, n Notifier, m *metrics.Registry, cfg Config) *Digest {
	return &Digest{spiker: s, store: store, notifier: n, metrics: m, cfg: cfg, now: time.Now}
}

// Select keeps results with risk >= threshold and returns the top k by risk,
// ties broken by neighborhood id. Returns a non-nil slice.
func Select(results []models.SpikeResult, threshold float64, k int) []models.SpikeResult {
	out := make([]models.SpikeResult, 0, len(results))
	for _, r := range results {
		if r.Risk >= threshold {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Risk != out[j].Risk {
			return out[i].Risk > out[j].Risk
		}
		return out[i].NeighborhoodID < out[j].NeighborhoodID
	})
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// FilterRecentlySent removes results already notified for the same served
// week. Returns the kept results and how many were suppressed.
func (d *Digest) FilterRecentlySent(servedWeek time.Time, results []models.SpikeResult) ([]models.SpikeResult, int) {
	week := models.WeekStart(servedWeek)
	kept := make([]models.SpikeResult, 0, len(results))
	suppressed := 0
	for _, r := range results {
		if rec, ok := d.store.Notified(r.NeighborhoodID); ok && rec.ServedWeek.Equal(week) {
			suppressed++
			continue
		}
		kept = append(kept, r)
	}
	return kept, suppressed
}

// Run computes and sends one digest for the current week.
func (d *Digest) Run(ctx context.Context) (Result, error) {
	res := Result{RunID: uuid.New().String(), Sent: []models.SpikeResult{}}

	report, err := d.spiker.Spike(ctx, d.now().UTC())
	if err != nil {
		return res, fmt.Errorf("failed to compute spikes: %w", err)
	}
	if !report.Available {
		logger.Warn("Digest %s: spike predictions unavailable, nothing sent", res.RunID)
		return res, nil
	}
	week := report.ServedWeek
	res.ServedWeek = &week
	res.Available = true

	candidates := Select(report.Predictions, d.cfg.Threshold, -1)
	res.Candidates = len(candidates)
	fresh, suppressed := d.FilterRecentlySent(week, candidates)
	res.Suppressed = suppressed
	alerts := Select(fresh, d.cfg.Threshold, d.cfg.TopK)

	if len(alerts) == 0 {
		logger.Info("Digest %s: no new spikes for week %s (%d candidates, %d suppressed)",
			res.RunID, models.FormatDate(week), res.Candidates, suppressed)
		return res, nil
	}

	if d.notifier != nil {
		if err := d.notifier.Notify(ctx, week, alerts); err != nil {
			return res, fmt.Errorf("failed to send digest: %w", err)
		}
	} else {
		for _, a := range alerts {
			logger.Info("Digest %s: %s risk %.1f", res.RunID, a.NeighborhoodID, a.Risk)
		}
	}

	d.store.RecordNotified(week, alerts, d.now())
	d.store.Prune(week.Add(-retention))
	d.store.Rotate()
	if err := d.store.Save(); err != nil {
		logger.Error("Digest %s: failed to save state: %v", res.RunID, err)
	}
	if d.metrics != nil {
		d.metrics.DigestNotified.Add(float64(len(alerts)))
	}

	res.Sent = alerts
	logger.Info("Digest %s: sent %d spikes for week %s", res.RunID, len(alerts), models.FormatDate(week))
	return res, nil
}
