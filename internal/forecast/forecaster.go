// Package forecast owns the per-neighborhood forecast model registry and the
// serving path that turns a trained trajectory into a bounded risk score.
//
// For a target week the service advances each neighborhood's Forecaster to
// that week, scales the estimate by the segment factor and normalizes it:
//
//	risk = clamp(round(100 * (yhat - lo) / (hi - lo), 1), 0, 100)
//
// lo/hi are the segment's observed bounds when the factor table has them and the
// neighborhood's baseline min/max otherwise.
package forecast

import (
	"context"
	"time"

	"github.com/rewired-gh/crimerisk/internal/models"
)

// Forecaster is a trained per-neighborhood time-series model.
//
// Extend returns the model's weekly trajectory: every in-sample week followed by
// steps future weeks. Rows are ordered by week.
type Forecaster interface {
	Extend(ctx context.Context, steps int) ([]models.Estimate, error)
}

// Loader opens the serialized Forecaster for one neighborhood.
type Loader func(neighborhoodID, path string) (Forecaster, error)

// At picks the row for week from a trajectory, falling back to the furthest
// available estimate when no row falls exactly on week.
func At(rows []models.Estimate, week time.Time) (models.Estimate, bool) {
	if len(rows) == 0 {
		return models.Estimate{}, false
	}
	for _, r := range rows {
		if r.Week.Equal(week) {
			return r, true
		}
	}
	return rows[len(rows)-1], true
}
