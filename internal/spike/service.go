package spike

import (
	"context"
	"math"
	"time"

	"github.com/rewired-gh/crimerisk/internal/counts"
	"github.com/rewired-gh/crimerisk/internal/logger"
	"github.com/rewired-gh/crimerisk/internal/models"
)

// Service serves spike probabilities from a Registry and the count history.
type Service struct {
	registry *Registry
	counts   *counts.Store
}

// NewService creates a spike service. A nil store makes every report unavailable.
func NewService(r *Registry, s *counts.Store) *Service {
	return &Service{registry: r, counts: s}
}

// ServedWeek clamps the week containing day to at most one week past latest.
func ServedWeek(day, latest time.Time) time.Time {
	wk := models.WeekStart(day)
	next := models.WeekStart(latest).AddDate(0, 0, 7)
	if wk.After(next) {
		return next
	}
	return wk
}

// Spike returns spike probabilities for the week containing day.
//
// The report is unavailable when no classifier could be loaded or no history
// exists. Neighborhoods with too little history before the served week, or
// whose classifier fails, are left out without affecting availability.
func (s *Service) Spike(ctx context.Context, day time.Time) (models.SpikeReport, error) {
	unavailable := models.SpikeReport{Predictions: []models.SpikeResult{}}

	if s.registry == nil || s.registry.Ensure(ctx) != StateReady {
		return unavailable, nil
	}
	ms, builder, ok := s.registry.Snapshot()
	if !ok {
		return unavailable, nil
	}
	latest, ok := s.counts.LatestWeek()
	if !ok {
		return unavailable, nil
	}

	served := ServedWeek(day, latest)
	out := make([]models.SpikeResult, 0, len(ms))
	for _, m := range ms {
		if err := ctx.Err(); err != nil {
			return models.SpikeReport{}, err
		}

		vec, ok := builder.Build(s.counts.History(m.NeighborhoodID), served)
		if !ok {
			continue
		}
		prob, err := m.Classifier.PredictProba(ctx, vec)
		if err != nil {
			logger.Warn("Spike classifier failed for %s: %v", m.NeighborhoodID, err)
			continue
		}

		res := models.SpikeResult{
			NeighborhoodID: m.NeighborhoodID,
			Prob:           math.Round(prob*1e4) / 1e4,
			Risk:           math.Round(1000*math.Max(0, math.Min(1, prob))) / 10,
		}
		if err := res.Validate(); err != nil {
			logger.Warn("Dropping spike result for %s: %v", m.NeighborhoodID, err)
			continue
		}
		out = append(out, res)
	}

	return models.SpikeReport{ServedWeek: served, Predictions: out, Available: true}, nil
}
