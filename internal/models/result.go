package models

import (
	"errors"
	"math"
	"time"
)

// Estimate is one weekly row of a forecaster's trajectory.
type Estimate struct {
	Week  time.Time `json:"week"`
	Yhat  float64   `json:"yhat"`
	Lower float64   `json:"yhat_lower"`
	Upper float64   `json:"yhat_upper"`
}

// ForecastResult is the served forecast for one neighborhood and segment.
// Counts are rounded to 2 decimals and risk to 1 decimal.
type ForecastResult struct {
	NeighborhoodID string  `json:"neighborhood_id"`
	MeanIncidents  float64 `json:"mean_incidents"`
	Lower          float64 `json:"lower"`
	Upper          float64 `json:"upper"`
	Risk           float64 `json:"risk"`
}

// Validate checks that the result is servable
func (r *ForecastResult) Validate() error {
	if r.NeighborhoodID == "" {
		return errors.New("neighborhood ID must not be empty")
	}
	if math.IsNaN(r.Risk) || r.Risk < 0 || r.Risk > 100 {
		return errors.New("risk must be between 0 and 100")
	}
	return nil
}

// SpikeResult is the spike probability for one neighborhood.
type SpikeResult struct {
	NeighborhoodID string  `json:"neighborhood_id"`
	Prob           float64 `json:"prob"`
	Risk           float64 `json:"risk"`
}

// Validate checks that the result is servable
func (r *SpikeResult) Validate() error {
	if r.NeighborhoodID == "" {
		return errors.New("neighborhood ID must not be empty")
	}
	if math.IsNaN(r.Prob) || math.IsInf(r.Prob, 0) {
		return errors.New("probability must be finite")
	}
	if r.Risk < 0 || r.Risk > 100 {
		return errors.New("risk must be between 0 and 100")
	}
	return nil
}

// SpikeReport is the outcome of one spike request. ServedWeek is zero when
// the report is unavailable.
type SpikeReport struct {
	ServedWeek  time.Time
	Predictions []SpikeResult
	Available   bool
}
