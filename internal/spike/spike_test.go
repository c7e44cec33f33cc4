package spike

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/crimerisk/internal/counts"
	"github.com/rewired-gh/crimerisk/internal/models"
)

func monday(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// series returns weekly points starting at start with the given counts.
func series(start time.Time, values ...float64) []models.Point {
	out := make([]models.Point, len(values))
	for i, v := range values {
		out[i] = models.Point{Week: start.AddDate(0, 0, 7*i), Count: v}
	}
	return out
}

func records(nid string, pts []models.Point) []models.WeeklyCount {
	out := make([]models.WeeklyCount, len(pts))
	for i, p := range pts {
		out[i] = models.WeeklyCount{NeighborhoodID: nid, WeekStart: p.Week, CrimeType: models.CrimeAll, TimeOfDay: models.TimeAll, Count: p.Count}
	}
	return out
}

func TestBuilderValues(t *testing.T) {
	b, err := NewBuilder(nil, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"lag1", "lag2", "lag3", "ma4", "ma8", "sin52", "cos52", "trend"}, b.Names())

	hist := series(monday(2024, 1, 1), 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	target := monday(2024, 3, 11) // ISO week 11, right after the last point

	vec, ok := b.Build(hist, target)
	require.True(t, ok)

	want := []float64{10, 9, 8, 8.5, 6.5, math.Sin(2 * math.Pi * 11 / 52), math.Cos(2 * math.Pi * 11 / 52), 11}
	require.Len(t, vec, len(want))
	for i := range want {
		assert.InDelta(t, want[i], vec[i], 1e-12, "feature %s", b.Names()[i])
	}
}

func TestBuilderFeatureOrderAndAliases(t *testing.T) {
	b, err := NewBuilder([]string{"trend", "lag_2", "ma4", "lag1"}, 2)
	require.NoError(t, err)

	hist := series(monday(2024, 1, 1), 1, 2, 3, 4, 5, 6, 7, 8)
	vec, ok := b.Build(hist, monday(2024, 2, 26))
	require.True(t, ok)
	assert.Equal(t, []float64{9, 7, 6.5, 8}, vec)
}

func TestBuilderRejectsUnknownFeatures(t *testing.T) {
	tests := []struct {
		name  string
		names []string
		lags  int
	}{
		{"unknown name", []string{"lag1", "dow"}, 2},
		{"lag beyond n_lags", []string{"lag5"}, 4},
		{"zero lag", []string{"lag0"}, 4},
		{"garbled lag", []string{"lagx"}, 4},
		{"no lags", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(tt.names, tt.lags)
			assert.Error(t, err)
		})
	}
}

func TestBuilderNoLookahead(t *testing.T) {
	b, err := NewBuilder(nil, 8)
	require.NoError(t, err)

	start := monday(2023, 1, 2)
	clean := series(start, 5, 6, 7, 5, 6, 7, 5, 6, 7, 5, 6, 7)
	target := start.AddDate(0, 0, 7*len(clean))

	polluted := append(append([]models.Point(nil), clean...),
		models.Point{Week: target, Count: 1e9},
		models.Point{Week: target.AddDate(0, 0, 7), Count: -1e9},
	)

	want, ok := b.Build(clean, target)
	require.True(t, ok)
	got, ok := b.Build(polluted, target)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestBuilderInsufficientHistory(t *testing.T) {
	b, err := NewBuilder(nil, 4)
	require.NoError(t, err)

	start := monday(2024, 1, 1)
	seven := series(start, 1, 1, 1, 1, 1, 1, 1)
	_, ok := b.Build(seven, start.AddDate(0, 0, 70))
	assert.False(t, ok, "7 points are below the 8 point floor")

	eight := series(start, 1, 1, 1, 1, 1, 1, 1, 1)
	_, ok = b.Build(eight, start.AddDate(0, 0, 70))
	assert.True(t, ok)

	// Points at or after the target do not count toward the floor.
	_, ok = b.Build(eight, start.AddDate(0, 0, 49))
	assert.False(t, ok)

	b12, err := NewBuilder(nil, 12)
	require.NoError(t, err)
	_, ok = b12.Build(series(start, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1), start.AddDate(0, 0, 7*11))
	assert.False(t, ok, "11 points are below 12 lags")
}

func TestServedWeek(t *testing.T) {
	latest := monday(2024, 1, 1)
	tests := []struct {
		day  time.Time
		want time.Time
	}{
		{monday(2030, 1, 1), monday(2024, 1, 8)},
		{monday(2024, 1, 10), monday(2024, 1, 8)},
		{monday(2024, 1, 14), monday(2024, 1, 8)},
		{monday(2024, 1, 15), monday(2024, 1, 8)},
		{monday(2024, 1, 3), monday(2024, 1, 1)},
		{monday(2023, 1, 1), monday(2022, 12, 26)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ServedWeek(tt.day, latest), "day %s", models.FormatDate(tt.day))
	}
}

type fakeClassifier struct {
	prob func([]float64) (float64, error)
	n    int
}

func (c fakeClassifier) PredictProba(_ context.Context, x []float64) (float64, error) {
	return c.prob(x)
}

func (c fakeClassifier) NumFeature() int {
	return c.n
}

type fakeRuntime struct {
	unavailable error
	classifiers map[string]Classifier
	available   atomic.Int32
	opens       atomic.Int32
}

func (r *fakeRuntime) Available(ctx context.Context) error {
	r.available.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.unavailable
}

func (r *fakeRuntime) Open(id, path string) (Classifier, error) {
	r.opens.Add(1)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	c, ok := r.classifiers[id]
	if !ok {
		return nil, errors.New("corrupt model")
	}
	return c, nil
}

func writeMeta(t *testing.T, dir string, lags int, ids ...string) {
	t.Helper()
	nbhd := map[string]any{}
	for _, id := range ids {
		nbhd[id] = map[string]string{"last_week": "2024-01-01"}
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte("{}"), 0o644))
	}
	meta := fmt.Sprintf(`{"features": null, "n_lags": %d, "spike_k": 1.0, "neighborhoods": %s}`, lags, mustJSON(t, nbhd))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFile), []byte(meta), 0o644))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func constant(p float64) fakeClassifier {
	return fakeClassifier{prob: func([]float64) (float64, error) { return p, nil }, n: 13}
}

func TestRegistryMissingMeta(t *testing.T) {
	rt := &fakeRuntime{}
	r := NewRegistry(t.TempDir(), rt)
	assert.Equal(t, StateUninitialized, r.State())
	assert.Equal(t, StateUnavailable, r.Ensure(context.Background()))
	assert.Error(t, r.Reason())
	assert.Equal(t, int32(0), rt.opens.Load())

	// Never retried.
	assert.Equal(t, StateUnavailable, r.Ensure(context.Background()))
	assert.Equal(t, int32(0), rt.available.Load())
}

func TestRegistryRuntimeUnavailable(t *testing.T) {
	dir := t.TempDir()
	writeMeta(t, dir, 8, "Mission")
	rt := &fakeRuntime{unavailable: errors.New("no runtime"), classifiers: map[string]Classifier{"Mission": constant(0.5)}}

	r := NewRegistry(dir, rt)
	assert.Equal(t, StateUnavailable, r.Ensure(context.Background()))
	assert.Equal(t, StateUnavailable, r.Ensure(context.Background()))
	assert.Equal(t, int32(1), rt.available.Load())
	assert.Equal(t, int32(0), rt.opens.Load())
}

func TestRegistryPartialFailure(t *testing.T) {
	dir := t.TempDir()
	writeMeta(t, dir, 8, "Mission", "Bayview", "Corrupt", "WrongWidth")
	rt := &fakeRuntime{classifiers: map[string]Classifier{
		"Mission":    constant(0.2),
		"Bayview":    constant(0.7),
		"WrongWidth": fakeClassifier{prob: func([]float64) (float64, error) { return 0, nil }, n: 4},
	}}

	r := NewRegistry(dir, rt)
	require.Equal(t, StateReady, r.Ensure(context.Background()))
	ms, b, ok := r.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 8, b.Lags())

	var ids []string
	for _, m := range ms {
		ids = append(ids, m.NeighborhoodID)
		assert.Equal(t, monday(2024, 1, 1), m.LastWeek)
	}
	assert.Equal(t, []string{"Bayview", "Mission"}, ids)
}

func TestRegistryLoadIgnoresCallerCancellation(t *testing.T) {
	dir := t.TempDir()
	writeMeta(t, dir, 8, "Mission")
	rt := &fakeRuntime{classifiers: map[string]Classifier{"Mission": constant(0.5)}}
	r := NewRegistry(dir, rt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, StateReady, r.Ensure(ctx))
	assert.Equal(t, StateReady, r.Ensure(context.Background()))
	assert.NoError(t, r.Reason())
	assert.Equal(t, int32(1), rt.available.Load())
}

func TestRegistryEmptyIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	writeMeta(t, dir, 8, "Corrupt")
	r := NewRegistry(dir, &fakeRuntime{})
	assert.Equal(t, StateUnavailable, r.Ensure(context.Background()))
	_, _, ok := r.Snapshot()
	assert.False(t, ok)
}

func TestRegistryLoadsOnceUnderConcurrency(t *testing.T) {
	dir := t.TempDir()
	writeMeta(t, dir, 8, "Mission", "Bayview")
	rt := &fakeRuntime{classifiers: map[string]Classifier{"Mission": constant(0.2), "Bayview": constant(0.7)}}
	r := NewRegistry(dir, rt)

	var wg sync.WaitGroup
	states := make([]State, 64)
	for i := range states {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			states[i] = r.Ensure(context.Background())
		}(i)
	}
	wg.Wait()

	for _, s := range states {
		assert.Equal(t, StateReady, s)
	}
	assert.Equal(t, int32(1), rt.available.Load())
	assert.Equal(t, int32(2), rt.opens.Load())
}

func newSpikeService(t *testing.T, classifiers map[string]Classifier, store *counts.Store) *Service {
	t.Helper()
	dir := t.TempDir()
	ids := make([]string, 0, len(classifiers))
	for id := range classifiers {
		ids = append(ids, id)
	}
	writeMeta(t, dir, 8, ids...)
	return NewService(NewRegistry(dir, &fakeRuntime{classifiers: classifiers}), store)
}

func TestSpikeUnavailable(t *testing.T) {
	svc := NewService(NewRegistry(t.TempDir(), NativeRuntime{}), counts.NewStore(nil))
	report, err := svc.Spike(context.Background(), monday(2023, 1, 1))
	require.NoError(t, err)
	assert.False(t, report.Available)
	assert.NotNil(t, report.Predictions)
	assert.Empty(t, report.Predictions)
	assert.True(t, report.ServedWeek.IsZero())
}

func TestSpikeUnavailableWithoutHistory(t *testing.T) {
	svc := newSpikeService(t, map[string]Classifier{"Mission": constant(0.4)}, counts.NewStore(nil))
	report, err := svc.Spike(context.Background(), monday(2024, 1, 1))
	require.NoError(t, err)
	assert.False(t, report.Available)
	assert.Empty(t, report.Predictions)
}

func TestSpikeServes(t *testing.T) {
	start := monday(2023, 10, 2)
	mission := series(start, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16) // through 2024-01-01
	short := series(monday(2023, 12, 4), 1, 2, 3, 4, 5)

	var all []models.WeeklyCount
	all = append(all, records("Mission", mission)...)
	all = append(all, records("Short", short)...)
	all = append(all, records("Broken", mission)...)
	all = append(all, records("NaN", mission)...)
	store := counts.NewStore(all)

	var seen []float64
	svc := newSpikeService(t, map[string]Classifier{
		"Mission": fakeClassifier{n: 13, prob: func(x []float64) (float64, error) {
			seen = x
			return 0.123456, nil
		}},
		"Short":  constant(0.9),
		"Broken": fakeClassifier{n: 13, prob: func([]float64) (float64, error) { return 0, errors.New("boom") }},
		"NaN":    constant(math.NaN()),
	}, store)

	report, err := svc.Spike(context.Background(), monday(2030, 1, 1))
	require.NoError(t, err)
	require.True(t, report.Available)
	assert.Equal(t, monday(2024, 1, 8), report.ServedWeek)

	require.Len(t, report.Predictions, 1)
	p := report.Predictions[0]
	assert.Equal(t, "Mission", p.NeighborhoodID)
	assert.Equal(t, 0.1235, p.Prob)
	assert.Equal(t, 12.3, p.Risk)

	require.Len(t, seen, 13)
	assert.Equal(t, 16.0, seen[0], "lag1 is the last observed week")
	assert.Equal(t, 15.0, seen[12], "trend counts the 14 points plus one")
}

func TestSpikeRiskClamped(t *testing.T) {
	hist := series(monday(2023, 10, 2), 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	store := counts.NewStore(records("Mission", hist))

	svc := newSpikeService(t, map[string]Classifier{"Mission": constant(1.3)}, store)
	report, err := svc.Spike(context.Background(), monday(2024, 6, 3))
	require.NoError(t, err)
	require.Len(t, report.Predictions, 1)
	assert.Equal(t, 1.3, report.Predictions[0].Prob)
	assert.Equal(t, 100.0, report.Predictions[0].Risk)
}

func TestSpikePastWeekSkipsInsufficientHistory(t *testing.T) {
	hist := series(monday(2023, 10, 2), 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	store := counts.NewStore(records("Mission", hist))

	svc := newSpikeService(t, map[string]Classifier{"Mission": constant(0.5)}, store)
	report, err := svc.Spike(context.Background(), monday(2020, 1, 1))
	require.NoError(t, err)
	assert.True(t, report.Available)
	assert.Equal(t, monday(2019, 12, 30), report.ServedWeek)
	assert.Empty(t, report.Predictions)
}

func TestNativeRuntime(t *testing.T) {
	dir := t.TempDir()
	model := `{"learner": {
  "gradient_booster": {"name": "gbtree", "model": {"trees": [{
    "left_children": [-1], "right_children": [-1], "split_indices": [0],
    "split_conditions": [0.5], "default_left": [0], "split_type": [0], "categories": []
  }]}},
  "learner_model_param": {"base_score": "5E-1", "num_class": "0", "num_feature": "13", "num_target": "1"},
  "objective": {"name": "binary:logistic"}
}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Mission.json"), []byte(model), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFile), []byte(`{
  "features": ["lag1","lag2","lag3","lag4","lag5","lag6","lag7","lag8","ma4","ma8","sin52","cos52","trend"],
  "n_lags": 8, "spike_k": 1.0,
  "neighborhoods": {"Mission": {"last_week": "2024-01-01"}}
}`), 0o644))

	store := counts.NewStore(records("Mission", series(monday(2023, 10, 2), 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)))
	svc := NewService(NewRegistry(dir, NativeRuntime{}), store)

	report, err := svc.Spike(context.Background(), monday(2023, 12, 11))
	require.NoError(t, err)
	require.True(t, report.Available)
	require.Len(t, report.Predictions, 1)
	assert.Equal(t, 0.6225, report.Predictions[0].Prob)
	assert.Equal(t, 62.2, report.Predictions[0].Risk)
}
