package forecast

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rewired-gh/crimerisk/internal/models"
)

// MetaFile is the name of the per-neighborhood training metadata file in a
// forecast model directory.
const MetaFile = "meta.json"

// Model is one loaded forecaster with its training horizon and baseline bounds.
type Model struct {
	NeighborhoodID string
	Forecaster     Forecaster
	LastWeek       time.Time
	YMin           float64
	YMax           float64
}

// LoadError records a neighborhood that was excluded from the registry.
type LoadError struct {
	NeighborhoodID string
	Err            error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("forecast model error for neighborhood %s: %v", e.NeighborhoodID, e.Err)
}

func (e LoadError) Unwrap() error {
	return e.Err
}

// Registry is the immutable set of forecast models, keyed by neighborhood.
// It is safe for concurrent use once constructed.
type Registry struct {
	models map[string]Model
	ids    []string
}

// NewRegistry builds a registry from already loaded models. Later duplicates
// of a neighborhood replace earlier ones.
func NewRegistry(ms []Model) *Registry {
	r := &Registry{models: make(map[string]Model, len(ms))}
	for _, m := range ms {
		r.models[m.NeighborhoodID] = m
	}
	r.ids = make([]string, 0, len(r.models))
	for id := range r.models {
		r.ids = append(r.ids, id)
	}
	sort.Strings(r.ids)
	return r
}

type metaEntry struct {
	LastWeek string   `json:"last_week"`
	YMin     *float64 `json:"y_min"`
	YMax     *float64 `json:"y_max"`
}

type metaFile struct {
	Neighborhoods map[string]metaEntry `json:"neighborhoods"`
}

// LoadRegistry loads every neighborhood listed in dir/meta.json whose model file
// dir/<id>.json can be opened by load.
//
// A missing or unreadable meta.json returns an error and no registry. Any
// per-neighborhood failure (bad metadata, missing or corrupt model) excludes
// only that neighborhood and is reported in the returned LoadError slice.
func LoadRegistry(dir string, load Loader) (*Registry, []LoadError, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read forecast metadata: %w", err)
	}

	var meta metaFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal forecast metadata: %w", err)
	}

	ids := make([]string, 0, len(meta.Neighborhoods))
	for id := range meta.Neighborhoods {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var loaded []Model
	var loadErrors []LoadError
	for _, id := range ids {
		m, err := loadModel(dir, id, meta.Neighborhoods[id], load)
		if err != nil {
			loadErrors = append(loadErrors, LoadError{NeighborhoodID: id, Err: err})
			continue
		}
		loaded = append(loaded, m)
	}

	return NewRegistry(loaded), loadErrors, nil
}

func loadModel(dir, id string, entry metaEntry, load Loader) (Model, error) {
	if id == "" || id != filepath.Base(id) {
		return Model{}, fmt.Errorf("invalid neighborhood id %q", id)
	}
	lastWeek, err := models.ParseDate(entry.LastWeek)
	if err != nil {
		return Model{}, fmt.Errorf("failed to parse last_week: %w", err)
	}
	if entry.YMin == nil || entry.YMax == nil {
		return Model{}, errors.New("y_min and y_max are required")
	}

	f, err := load(id, filepath.Join(dir, id+".json"))
	if err != nil {
		return Model{}, fmt.Errorf("failed to load model: %w", err)
	}

	return Model{
		NeighborhoodID: id,
		Forecaster:     f,
		LastWeek:       models.WeekStart(lastWeek),
		YMin:           *entry.YMin,
		YMax:           *entry.YMax,
	}, nil
}

// Len returns the number of loaded models.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.ids)
}

// Get returns the model for a neighborhood.
func (r *Registry) Get(neighborhoodID string) (Model, bool) {
	if r == nil {
		return Model{}, false
	}
	m, ok := r.models[neighborhoodID]
	return m, ok
}

// Models returns all loaded models ordered by neighborhood id.
func (r *Registry) Models() []Model {
	if r == nil {
		return nil
	}
	out := make([]Model, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.models[id])
	}
	return out
}
