package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/crimerisk/internal/factors"
	"github.com/rewired-gh/crimerisk/internal/logger"
	"github.com/rewired-gh/crimerisk/internal/models"
)

// DefaultWorkers bounds how many forecasters are evaluated at once.
const DefaultWorkers = 8

// Service serves segment-adjusted forecasts from a Registry and a factor table.
type Service struct {
	registry *Registry
	factors  *factors.Table
	workers  int
}

// NewService creates a forecast service. A nil factor table behaves as an empty
// one (every segment factor is 1.0).
func NewService(r *Registry, f *factors.Table, workers int) *Service {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Service{registry: r, factors: f, workers: workers}
}

// ServeError records a neighborhood whose forecaster failed for one request.
type ServeError struct {
	NeighborhoodID string
	Err            error
}

func (e ServeError) Error() string {
	return fmt.Sprintf("forecast error for neighborhood %s: %v", e.NeighborhoodID, e.Err)
}

// Predict returns the forecast for every loaded neighborhood for the week
// containing day, adjusted to seg. Results are ordered by neighborhood id.
//
// A neighborhood whose forecaster fails is logged and left out. The only
// error returned is ctx's.
func (s *Service) Predict(ctx context.Context, day time.Time, seg models.Segment) ([]models.ForecastResult, error) {
	ms := s.registry.Models()
	if len(ms) == 0 {
		return []models.ForecastResult{}, nil
	}
	wk := models.WeekStart(day)

	results := make([]*models.ForecastResult, len(ms))
	serveErrors := make([]error, len(ms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, m := range ms {
		i, m := i, m
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := s.predictOne(gctx, m, wk, seg)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				serveErrors[i] = ServeError{NeighborhoodID: m.NeighborhoodID, Err: err}
				return nil
			}
			results[i] = &r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.ForecastResult, 0, len(ms))
	for i, r := range results {
		if r == nil {
			logger.Warn("%v", serveErrors[i])
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *Service) predictOne(ctx context.Context, m Model, wk time.Time, seg models.Segment) (models.ForecastResult, error) {
	ahead := models.WeeksBetween(m.LastWeek, wk)
	if ahead < 0 {
		ahead = 0
	}

	rows, err := m.Forecaster.Extend(ctx, ahead)
	if err != nil {
		return models.ForecastResult{}, err
	}
	est, ok := At(rows, wk)
	if !ok {
		return models.ForecastResult{}, errors.New("forecaster returned no rows")
	}

	factor := s.factors.Factor(m.NeighborhoodID, seg, wk)
	lo, hi, ok := s.factors.Bounds(m.NeighborhoodID, seg)
	if !ok {
		lo, hi = m.YMin, m.YMax
	}

	r := Score(m.NeighborhoodID, est, factor, lo, hi)
	if err := r.Validate(); err != nil {
		return models.ForecastResult{}, err
	}
	return r, nil
}
