package forecast

import (
	"math"

	"github.com/rewired-gh/crimerisk/internal/models"
)

// Scale maps yhat onto 0-100 relative to [lo, hi], rounded to one decimal.
// A degenerate range or non-finite estimate scores 0.
func Scale(yhat, lo, hi float64) float64 {
	if !finite(yhat) || !finite(lo) || !finite(hi) || hi <= lo {
		return 0
	}
	return math.Max(0, math.Min(100, roundTo(100*(yhat-lo)/(hi-lo), 1)))
}

// Score applies a segment factor to a baseline estimate and normalizes it
// against [lo, hi]. Degenerate inputs degrade to an all-zero result.
func Score(neighborhoodID string, est models.Estimate, factor, lo, hi float64) models.ForecastResult {
	yhat := est.Yhat * factor
	lower := est.Lower * factor
	upper := est.Upper * factor

	if !finite(yhat) || !finite(lo) || !finite(hi) || hi <= lo {
		return models.ForecastResult{NeighborhoodID: neighborhoodID}
	}

	return models.ForecastResult{
		NeighborhoodID: neighborhoodID,
		MeanIncidents:  roundTo(yhat, 2),
		Lower:          roundTo(sanitize(lower), 2),
		Upper:          roundTo(sanitize(upper), 2),
		Risk:           Scale(yhat, lo, hi),
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func sanitize(v float64) float64 {
	if !finite(v) {
		return 0
	}
	return v
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
