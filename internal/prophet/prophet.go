// Package prophet evaluates serialized Prophet models without a Python runtime.
//
// It reads the JSON written by prophet.serialize.model_to_json and evaluates
// the fitted point estimate:
//
//	y(t) = trend(t) * (1 + S_mult(t)) + S_add(t)
//
// trend is piecewise linear in scaled time t = (ds - start) / t_scale with a
// rate change at every changepoint. Each seasonality contributes Fourier
// columns sin/cos(2*pi*(i+1)*days/period) dotted with the fitted beta.
//
// Prophet draws its uncertainty intervals by simulation. Here the interval is
// the closed form of the same model: observation noise plus, past the end of
// history, the variance of future rate changes drawn from a Laplace with the
// mean fitted |delta| at the historical changepoint frequency.
//
// Only linear and flat growth without holidays or extra regressors is
// supported. Anything else fails at load time.
package prophet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/rewired-gh/crimerisk/internal/models"
)

// ErrUnsupported is returned for model features the evaluator does not implement.
var ErrUnsupported = errors.New("unsupported prophet model")

const day = 24 * time.Hour

// Seasonality is one fitted Fourier seasonality.
type Seasonality struct {
	Name         string
	Period       float64
	FourierOrder int
	Mode         string
}

// Model is a fitted Prophet model. It is immutable after Parse.
type Model struct {
	growth        string
	start         time.Time
	tScale        float64
	yScale        float64
	floor         float64
	changepointsT []float64
	k             float64
	m             float64
	delta         []float64
	beta          []float64
	sigmaObs      float64
	seasonalities []Seasonality
	intervalWidth float64
	history       []time.Time
}

type rawModel struct {
	Growth        string            `json:"growth"`
	Start         float64           `json:"start"`
	TScale        float64           `json:"t_scale"`
	YScale        float64           `json:"y_scale"`
	Scaling       string            `json:"scaling"`
	YMin          *float64          `json:"y_min"`
	ChangepointsT []float64         `json:"changepoints_t"`
	Params        map[string]any    `json:"params"`
	Seasonalities []json.RawMessage `json:"seasonalities"`
	ExtraRegs     []json.RawMessage `json:"extra_regressors"`
	Holidays      json.RawMessage   `json:"holidays"`
	IntervalWidth *float64          `json:"interval_width"`
	HistoryDates  string            `json:"history_dates"`
}

type rawSeasonality struct {
	Period        float64 `json:"period"`
	FourierOrder  int     `json:"fourier_order"`
	Mode          string  `json:"mode"`
	ConditionName *string `json:"condition_name"`
}

type splitSeries struct {
	Data []json.RawMessage `json:"data"`
}

// LoadFile reads and parses a serialized model.
func LoadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prophet model: %w", err)
	}
	return Parse(data)
}

// Parse decodes a serialized model.
func Parse(data []byte) (*Model, error) {
	var raw rawModel
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prophet model: %w", err)
	}

	switch raw.Growth {
	case "linear", "flat":
	default:
		return nil, fmt.Errorf("%w: growth %q", ErrUnsupported, raw.Growth)
	}
	if raw.TScale <= 0 {
		return nil, errors.New("t_scale must be positive")
	}
	if raw.YScale <= 0 {
		return nil, errors.New("y_scale must be positive")
	}
	if len(raw.ExtraRegs) > 1 && !isEmptyJSON(raw.ExtraRegs[1]) {
		return nil, fmt.Errorf("%w: extra regressors", ErrUnsupported)
	}
	if !isEmptyJSON(raw.Holidays) {
		return nil, fmt.Errorf("%w: holidays", ErrUnsupported)
	}

	m := &Model{
		growth:        raw.Growth,
		start:         time.Unix(0, int64(raw.Start*1e9)).UTC(),
		tScale:        raw.TScale,
		yScale:        raw.YScale,
		changepointsT: raw.ChangepointsT,
		intervalWidth: 0.8,
	}
	if raw.Scaling == "minmax" && raw.YMin != nil {
		m.floor = *raw.YMin
	}
	if raw.IntervalWidth != nil {
		m.intervalWidth = *raw.IntervalWidth
	}
	if m.intervalWidth <= 0 || m.intervalWidth >= 1 {
		return nil, fmt.Errorf("interval_width %v must be in (0,1)", m.intervalWidth)
	}

	var err error
	if m.k, err = scalarParam(raw.Params, "k"); err != nil {
		return nil, err
	}
	if m.m, err = scalarParam(raw.Params, "m"); err != nil {
		return nil, err
	}
	if m.sigmaObs, err = scalarParam(raw.Params, "sigma_obs"); err != nil {
		return nil, err
	}
	if m.delta, err = vectorParam(raw.Params, "delta"); err != nil {
		return nil, err
	}
	if m.beta, err = vectorParam(raw.Params, "beta"); err != nil {
		return nil, err
	}
	if m.growth == "linear" && len(m.delta) != len(m.changepointsT) {
		return nil, fmt.Errorf("delta has %d values for %d changepoints", len(m.delta), len(m.changepointsT))
	}

	if m.seasonalities, err = parseSeasonalities(raw.Seasonalities); err != nil {
		return nil, err
	}
	cols := 0
	for _, s := range m.seasonalities {
		cols += 2 * s.FourierOrder
	}
	// A fit without seasonal features still carries one zero beta.
	if cols != len(m.beta) && !(cols == 0 && len(m.beta) <= 1) {
		return nil, fmt.Errorf("%w: beta has %d values for %d seasonal columns", ErrUnsupported, len(m.beta), cols)
	}

	if raw.HistoryDates != "" {
		if m.history, err = parseHistoryDates(raw.HistoryDates); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Extend returns the estimate for every history date followed by steps weekly
// dates after the last one. Future dates fall on Mondays.
func (m *Model) Extend(ctx context.Context, steps int) ([]models.Estimate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Predict(m.FutureDates(steps)), nil
}

// LastDate returns the final training date. Without serialized history dates it
// is the end of the scaled time axis.
func (m *Model) LastDate() time.Time {
	if n := len(m.history); n > 0 {
		return m.history[n-1]
	}
	return m.start.Add(time.Duration(m.tScale * float64(time.Second)))
}

// FutureDates returns the history dates followed by the next steps Mondays
// strictly after LastDate.
func (m *Model) FutureDates(steps int) []time.Time {
	if steps < 0 {
		steps = 0
	}
	dates := make([]time.Time, 0, len(m.history)+steps)
	dates = append(dates, m.history...)

	next := models.WeekStart(m.LastDate()).AddDate(0, 0, 7)
	for i := 0; i < steps; i++ {
		dates = append(dates, next.AddDate(0, 0, 7*i))
	}
	return dates
}

// Predict evaluates the model at each date.
func (m *Model) Predict(dates []time.Time) []models.Estimate {
	z := math.Sqrt2 * math.Erfinv(m.intervalWidth)
	out := make([]models.Estimate, 0, len(dates))
	for _, d := range dates {
		t := m.scaledTime(d)
		trend := m.trend(t)*m.yScale + m.floor
		add, mult := m.seasonal(d)

		yhat := trend*(1+mult) + add*m.yScale
		half := z * m.yScale * math.Sqrt(m.variance(t))

		out = append(out, models.Estimate{
			Week:  d,
			Yhat:  yhat,
			Lower: yhat - half,
			Upper: yhat + half,
		})
	}
	return out
}

// Seasonalities returns the fitted seasonalities in column order.
func (m *Model) Seasonalities() []Seasonality {
	return append([]Seasonality(nil), m.seasonalities...)
}

func (m *Model) scaledTime(d time.Time) float64 {
	return d.Sub(m.start).Seconds() / m.tScale
}

func (m *Model) trend(t float64) float64 {
	if m.growth == "flat" {
		return m.m
	}
	k, off := m.k, m.m
	for i, ts := range m.changepointsT {
		if t >= ts {
			k += m.delta[i]
			off -= ts * m.delta[i]
		}
	}
	return k*t + off
}

// seasonal returns the additive (in scaled units) and multiplicative terms.
func (m *Model) seasonal(d time.Time) (add, mult float64) {
	days := float64(d.Unix()) / day.Seconds()
	col := 0
	for _, s := range m.seasonalities {
		var sum float64
		for i := 0; i < s.FourierOrder; i++ {
			x := 2 * math.Pi * float64(i+1) * days / s.Period
			sum += math.Sin(x)*m.beta[col] + math.Cos(x)*m.beta[col+1]
			col += 2
		}
		if s.Mode == "multiplicative" {
			mult += sum
		} else {
			add += sum
		}
	}
	return add, mult
}

// variance is the scaled predictive variance at t: observation noise plus,
// beyond the training window (t > 1), the accumulated variance of future
// trend changes.
func (m *Model) variance(t float64) float64 {
	v := m.sigmaObs * m.sigmaObs
	if t <= 1 || m.growth == "flat" || len(m.changepointsT) == 0 {
		return v
	}
	var b float64
	for _, d := range m.delta {
		b += math.Abs(d)
	}
	b /= float64(len(m.delta))
	rate := float64(len(m.changepointsT))
	h := t - 1
	return v + 2*b*b*rate*h*h*h/3
}

func parseSeasonalities(raw []json.RawMessage) ([]Seasonality, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) != 2 {
		return nil, errors.New("seasonalities must be [names, definitions]")
	}
	var names []string
	if err := json.Unmarshal(raw[0], &names); err != nil {
		return nil, fmt.Errorf("failed to unmarshal seasonality names: %w", err)
	}
	var defs map[string]rawSeasonality
	if err := json.Unmarshal(raw[1], &defs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal seasonalities: %w", err)
	}

	out := make([]Seasonality, 0, len(names))
	for _, name := range names {
		def, ok := defs[name]
		if !ok {
			return nil, fmt.Errorf("seasonality %q has no definition", name)
		}
		if def.ConditionName != nil && *def.ConditionName != "" {
			return nil, fmt.Errorf("%w: conditional seasonality %q", ErrUnsupported, name)
		}
		if def.Period <= 0 || def.FourierOrder < 0 {
			return nil, fmt.Errorf("seasonality %q has invalid period or order", name)
		}
		mode := def.Mode
		if mode == "" {
			mode = "additive"
		}
		out = append(out, Seasonality{Name: name, Period: def.Period, FourierOrder: def.FourierOrder, Mode: mode})
	}
	return out, nil
}

// parseHistoryDates decodes a split-oriented pandas series of ISO strings or
// epoch milliseconds.
func parseHistoryDates(s string) ([]time.Time, error) {
	var series splitSeries
	if err := json.Unmarshal([]byte(s), &series); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history_dates: %w", err)
	}
	dates := make([]time.Time, 0, len(series.Data))
	for _, v := range series.Data {
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			d, err := models.ParseDate(str)
			if err != nil {
				return nil, fmt.Errorf("failed to parse history date: %w", err)
			}
			dates = append(dates, d)
			continue
		}
		var ms float64
		if err := json.Unmarshal(v, &ms); err != nil {
			return nil, fmt.Errorf("history date %s is neither string nor number", v)
		}
		dates = append(dates, time.UnixMilli(int64(ms)).UTC())
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// scalarParam reads a fitted scalar. Prophet stores params as one row per
// sample; the mean is used so MCMC fits reduce to their posterior mean.
func scalarParam(params map[string]any, name string) (float64, error) {
	v, err := vectorParam(params, name)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, fmt.Errorf("param %s must be scalar, got %d values", name, len(v))
	}
	return v[0], nil
}

func vectorParam(params map[string]any, name string) ([]float64, error) {
	raw, ok := params[name]
	if !ok {
		return nil, fmt.Errorf("param %s is missing", name)
	}
	rows, err := toMatrix(raw)
	if err != nil {
		return nil, fmt.Errorf("param %s: %w", name, err)
	}
	if len(rows) == 0 {
		return []float64{}, nil
	}
	width := len(rows[0])
	out := make([]float64, width)
	for _, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("param %s has ragged rows", name)
		}
		for i, x := range row {
			out[i] += x / float64(len(rows))
		}
	}
	return out, nil
}

// toMatrix accepts a scalar, a vector (one sample) or a matrix (samples x values).
func toMatrix(v any) ([][]float64, error) {
	switch x := v.(type) {
	case float64:
		return [][]float64{{x}}, nil
	case []any:
		if len(x) == 0 {
			return nil, nil
		}
		if _, nested := x[0].([]any); !nested {
			row, err := toRow(x)
			if err != nil {
				return nil, err
			}
			return [][]float64{row}, nil
		}
		rows := make([][]float64, 0, len(x))
		for _, r := range x {
			inner, ok := r.([]any)
			if !ok {
				return nil, errors.New("mixed nesting")
			}
			row, err := toRow(inner)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}

func toRow(xs []any) ([]float64, error) {
	row := make([]float64, len(xs))
	for i, x := range xs {
		f, ok := x.(float64)
		if !ok {
			return nil, fmt.Errorf("unexpected element type %T", x)
		}
		row[i] = f
	}
	return row, nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	switch string(t) {
	case "", "null", "{}", "[]":
		return true
	}
	return false
}
