// Package spike serves the probability that a neighborhood's weekly incident
// count exceeds its rolling baseline.
//
// Features for a target week W are rebuilt from the baseline count history
// using only weeks strictly before W:
//
//	lag1..lagN   the N most recent counts, lag1 most recent
//	ma4, ma8     trailing means of the last 4 and 8 counts
//	sin52, cos52 sin/cos(2*pi*isoweek(W)/52)
//	trend        number of history points used, plus one
//
// The vector is ordered by the feature names recorded at training time.
package spike

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/crimerisk/internal/models"
)

// MinHistory is the fewest prior points a feature vector is built from,
// whatever the lag count.
const MinHistory = 8

type featureKind int

const (
	featLag featureKind = iota
	featMA4
	featMA8
	featSin52
	featCos52
	featTrend
)

type feature struct {
	kind featureKind
	lag  int
}

// Builder turns a history into a feature vector in a fixed order.
type Builder struct {
	names    []string
	features []feature
	lags     int
}

// DefaultFeatures returns the training order for n lags.
func DefaultFeatures(lags int) []string {
	names := make([]string, 0, lags+5)
	for k := 1; k <= lags; k++ {
		names = append(names, "lag"+strconv.Itoa(k))
	}
	return append(names, "ma4", "ma8", "sin52", "cos52", "trend")
}

// NewBuilder validates a feature name list. Lags may be spelled lag<k> or
// lag_<k> and must not exceed lags. An empty list means DefaultFeatures(lags).
func NewBuilder(names []string, lags int) (*Builder, error) {
	if lags < 1 {
		return nil, fmt.Errorf("n_lags must be positive, got %d", lags)
	}
	if len(names) == 0 {
		names = DefaultFeatures(lags)
	}

	b := &Builder{names: append([]string(nil), names...), lags: lags}
	for _, name := range names {
		f, err := parseFeature(name, lags)
		if err != nil {
			return nil, err
		}
		b.features = append(b.features, f)
	}
	return b, nil
}

func parseFeature(name string, lags int) (feature, error) {
	switch name {
	case "ma4":
		return feature{kind: featMA4}, nil
	case "ma8":
		return feature{kind: featMA8}, nil
	case "sin52":
		return feature{kind: featSin52}, nil
	case "cos52":
		return feature{kind: featCos52}, nil
	case "trend":
		return feature{kind: featTrend}, nil
	}
	if rest, ok := strings.CutPrefix(name, "lag"); ok {
		k, err := strconv.Atoi(strings.TrimPrefix(rest, "_"))
		if err != nil || k < 1 {
			return feature{}, fmt.Errorf("invalid lag feature %q", name)
		}
		if k > lags {
			return feature{}, fmt.Errorf("feature %q exceeds n_lags %d", name, lags)
		}
		return feature{kind: featLag, lag: k}, nil
	}
	return feature{}, fmt.Errorf("unknown feature %q", name)
}

// Names returns the feature names in vector order.
func (b *Builder) Names() []string {
	return append([]string(nil), b.names...)
}

// Lags returns the lag count.
func (b *Builder) Lags() int {
	return b.lags
}

// Build returns the feature vector for target from history, which must be
// ordered by week. Points at or after target are never read. ok is false when
// fewer than max(lags, MinHistory) points precede target.
func (b *Builder) Build(history []models.Point, target time.Time) (vec []float64, ok bool) {
	n := 0
	for n < len(history) && history[n].Week.Before(target) {
		n++
	}
	if n < max(b.lags, MinHistory) {
		return nil, false
	}
	y := history[:n]

	isoWeek := float64(models.ISOWeek(target))
	vec = make([]float64, len(b.features))
	for i, f := range b.features {
		switch f.kind {
		case featLag:
			vec[i] = y[n-f.lag].Count
		case featMA4:
			vec[i] = trailingMean(y, 4)
		case featMA8:
			vec[i] = trailingMean(y, 8)
		case featSin52:
			vec[i] = math.Sin(2 * math.Pi * isoWeek / 52)
		case featCos52:
			vec[i] = math.Cos(2 * math.Pi * isoWeek / 52)
		case featTrend:
			vec[i] = float64(n + 1)
		}
	}
	return vec, true
}

func trailingMean(y []models.Point, w int) float64 {
	var sum float64
	for _, p := range y[len(y)-w:] {
		sum += p.Count
	}
	return sum / float64(w)
}
