package spike

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/crimerisk/internal/logger"
	"github.com/rewired-gh/crimerisk/internal/models"
)

// MetaFile is the classifier metadata file in a spike model directory.
const MetaFile = "meta.json"

// loadTimeout bounds the one-shot classifier load.
const loadTimeout = time.Minute

// Classifier is a trained per-neighborhood binary classifier.
type Classifier interface {
	PredictProba(ctx context.Context, features []float64) (float64, error)
}

// Runtime opens classifiers. Available reports whether the runtime can serve
// at all; it is consulted once, before any model is opened.
type Runtime interface {
	Available(ctx context.Context) error
	Open(neighborhoodID, path string) (Classifier, error)
}

// Model is one loaded classifier.
type Model struct {
	NeighborhoodID string
	Classifier     Classifier
	LastWeek       time.Time
}

// LoadError records a neighborhood excluded from the registry.
type LoadError struct {
	NeighborhoodID string
	Err            error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("spike model error for neighborhood %s: %v", e.NeighborhoodID, e.Err)
}

// State is the registry's initialization state.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

type metaFile struct {
	Features      []string `json:"features"`
	NLags         int      `json:"n_lags"`
	SpikeK        float64  `json:"spike_k"`
	Neighborhoods map[string]struct {
		LastWeek string `json:"last_week"`
	} `json:"neighborhoods"`
}

// Registry loads classifiers lazily, at most once per process. A failed or
// empty load leaves it permanently unavailable.
type Registry struct {
	dir     string
	runtime Runtime

	mu      sync.Mutex
	state   State
	models  []Model
	builder *Builder
	reason  error
}

// NewRegistry creates an uninitialized registry over a model directory.
func NewRegistry(dir string, rt Runtime) *Registry {
	return &Registry{dir: dir, runtime: rt}
}

// Ensure runs the one-shot load if it has not happened yet and returns the
// resulting state. Concurrent callers block until the first load finishes.
func (r *Registry) Ensure(ctx context.Context) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateUninitialized {
		return r.state
	}
	r.state = StateLoading

	// The load outlives the request that triggered it.
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
	defer cancel()
	ms, builder, loadErrors, err := r.load(loadCtx)
	for _, le := range loadErrors {
		logger.Warn("%v", le)
	}
	switch {
	case err != nil:
		r.reason = err
		r.state = StateUnavailable
		logger.Warn("Spike classifiers unavailable: %v", err)
	case len(ms) == 0:
		r.reason = errors.New("no spike classifiers loaded")
		r.state = StateUnavailable
		logger.Warn("Spike classifiers unavailable: no models loaded from %s", r.dir)
	default:
		r.models = ms
		r.builder = builder
		r.state = StateReady
		logger.Info("Loaded %d spike classifiers (%d excluded)", len(ms), len(loadErrors))
	}
	return r.state
}

// State returns the current state without triggering a load.
func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reason returns why the registry is unavailable, or nil.
func (r *Registry) Reason() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Snapshot returns the loaded models and feature builder. Both are immutable
// once the registry is ready; ok is false in any other state.
func (r *Registry) Snapshot() (ms []Model, b *Builder, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateReady {
		return nil, nil, false
	}
	return r.models, r.builder, true
}

func (r *Registry) load(ctx context.Context) ([]Model, *Builder, []LoadError, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, MetaFile))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read spike metadata: %w", err)
	}
	var meta metaFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to unmarshal spike metadata: %w", err)
	}

	builder, err := NewBuilder(meta.Features, meta.NLags)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid spike features: %w", err)
	}

	if r.runtime == nil {
		return nil, nil, nil, errors.New("no classifier runtime configured")
	}
	if err := r.runtime.Available(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("classifier runtime unavailable: %w", err)
	}

	ids := make([]string, 0, len(meta.Neighborhoods))
	for id := range meta.Neighborhoods {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var ms []Model
	var loadErrors []LoadError
	for _, id := range ids {
		if id == "" || id != filepath.Base(id) {
			loadErrors = append(loadErrors, LoadError{NeighborhoodID: id, Err: errors.New("invalid neighborhood id")})
			continue
		}
		lastWeek, err := models.ParseDate(meta.Neighborhoods[id].LastWeek)
		if err != nil {
			loadErrors = append(loadErrors, LoadError{NeighborhoodID: id, Err: err})
			continue
		}
		c, err := r.runtime.Open(id, filepath.Join(r.dir, id+".json"))
		if err != nil {
			loadErrors = append(loadErrors, LoadError{NeighborhoodID: id, Err: err})
			continue
		}
		if nf, ok := c.(interface{ NumFeature() int }); ok && nf.NumFeature() != len(builder.Names()) {
			loadErrors = append(loadErrors, LoadError{
				NeighborhoodID: id,
				Err:            fmt.Errorf("model expects %d features, metadata lists %d", nf.NumFeature(), len(builder.Names())),
			})
			continue
		}
		ms = append(ms, Model{NeighborhoodID: id, Classifier: c, LastWeek: models.WeekStart(lastWeek)})
	}
	return ms, builder, loadErrors, nil
}
