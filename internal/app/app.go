// Package app assembles the services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/crimerisk/internal/cache"
	"github.com/rewired-gh/crimerisk/internal/config"
	"github.com/rewired-gh/crimerisk/internal/counts"
	"github.com/rewired-gh/crimerisk/internal/factors"
	"github.com/rewired-gh/crimerisk/internal/forecast"
	"github.com/rewired-gh/crimerisk/internal/httpapi"
	"github.com/rewired-gh/crimerisk/internal/inference"
	"github.com/rewired-gh/crimerisk/internal/logger"
	"github.com/rewired-gh/crimerisk/internal/metrics"
	"github.com/rewired-gh/crimerisk/internal/models"
	"github.com/rewired-gh/crimerisk/internal/prophet"
	"github.com/rewired-gh/crimerisk/internal/spike"
)

// App holds the loaded artifacts and the services built on them.
type App struct {
	Config   *config.Config
	Metrics  *metrics.Registry
	Cache    cache.Cache
	Forecast *forecast.Service
	Spike    *SpikeService
	Counts   *counts.Store

	closers []func() error
}

// SpikeService reports the spike registry size once it has loaded.
type SpikeService struct {
	*spike.Service
	registry *spike.Registry
	metrics  *metrics.Registry
}

// Spike implements httpapi.Spiker.
func (s *SpikeService) Spike(ctx context.Context, day time.Time) (models.SpikeReport, error) {
	report, err := s.Service.Spike(ctx, day)
	if ms, _, ok := s.registry.Snapshot(); ok {
		s.metrics.SetModels("spike", len(ms))
	}
	return report, err
}

// Registry returns the spike classifier registry.
func (s *SpikeService) Registry() *spike.Registry {
	return s.registry
}

// New loads factors, forecasters and count history concurrently. Missing or
// corrupt artifacts degrade the affected service instead of failing startup.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New(), Cache: cache.Noop{}}

	var (
		loader  forecast.Loader = nativeLoader
		runtime spike.Runtime   = spike.NativeRuntime{}
	)
	if cfg.Inference.Backend == "remote" {
		client := inference.NewClient(inference.Config{
			BaseURL:         cfg.Inference.BaseURL,
			Timeout:         cfg.Inference.Timeout,
			MaxRetries:      cfg.Inference.MaxRetries,
			RetryDelayBase:  cfg.Inference.RetryDelayBase,
			BreakerFailures: cfg.Inference.BreakerFailures,
			BreakerTimeout:  cfg.Inference.BreakerTimeout,
		})
		loader = client.LoadForecaster
		runtime = client
		logger.Info("Using remote inference runtime at %s", cfg.Inference.BaseURL)
	}

	var (
		table    *factors.Table
		registry *forecast.Registry
		store    *counts.Store
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		table = loadFactors(cfg.Artifacts.SegmentFactors)
		return nil
	})
	g.Go(func() error {
		registry = loadForecasters(cfg.Artifacts.ForecastDir, loader)
		return nil
	})
	g.Go(func() error {
		s, closer, err := LoadCounts(gctx, cfg.Counts)
		if err != nil {
			logger.Warn("Count history unavailable, spike predictions disabled: %v", err)
			return nil
		}
		store = s
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.Counts = store
	a.Metrics.SetModels("forecast", registry.Len())
	a.Forecast = forecast.NewService(registry, table, cfg.Server.ForecastWorkers)
	spikeRegistry := spike.NewRegistry(cfg.Artifacts.SpikeDir, runtime)
	a.Spike = &SpikeService{
		Service:  spike.NewService(spikeRegistry, store),
		registry: spikeRegistry,
		metrics:  a.Metrics,
	}

	if cfg.Cache.Enabled {
		rc := cache.NewRedis(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, cfg.Cache.TTL)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("Response cache disabled: %v", err)
			_ = rc.Close()
		} else {
			a.Cache = rc
			a.closers = append(a.closers, rc.Close)
			logger.Info("Response cache enabled at %s (ttl %s)", cfg.Cache.Addr, cfg.Cache.TTL)
		}
	}

	return a, nil
}

// Router builds the HTTP handler.
func (a *App) Router() *gin.Engine {
	return httpapi.NewRouter(httpapi.Options{
		Predictor:         a.Forecast,
		Spiker:            a.Spike,
		NeighborhoodsPath: a.Config.Artifacts.Neighborhoods,
		Cache:             a.Cache,
		Metrics:           a.Metrics,
		CORSOrigins:       a.Config.Server.CORSOrigins,
		RateLimit:         a.Config.Server.RateLimit,
		RateBurst:         a.Config.Server.RateBurst,
	})
}

// Close releases database and cache connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// LoadCounts loads the count history from the configured source. The returned
// closer is nil for CSV sources.
func LoadCounts(ctx context.Context, cfg config.CountsConfig) (*counts.Store, func() error, error) {
	switch cfg.Source {
	case "csv", "":
		s, err := counts.LoadCSV(cfg.CSVPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Loaded %d neighborhoods of count history from %s", s.Len(), cfg.CSVPath)
		return s, nil, nil
	case counts.DriverSQLite, counts.DriverPostgres:
		db, err := counts.Open(ctx, cfg.Source, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		s, err := counts.LoadSQL(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("Loaded %d neighborhoods of count history from %s", s.Len(), cfg.Source)
		return s, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported counts source: %s", cfg.Source)
	}
}

// OpenCountsDB opens the configured SQL count store and ensures its schema.
func OpenCountsDB(ctx context.Context, cfg config.CountsConfig) (*sqlx.DB, error) {
	if cfg.Source != counts.DriverSQLite && cfg.Source != counts.DriverPostgres {
		return nil, fmt.Errorf("counts.source must be sqlite or postgres to import, got %q", cfg.Source)
	}
	db, err := counts.Open(ctx, cfg.Source, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := counts.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func nativeLoader(_, path string) (forecast.Forecaster, error) {
	return prophet.LoadFile(path)
}

func loadFactors(path string) *factors.Table {
	t, err := factors.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Segment factors not found at %s, using factor 1.0", path)
		} else {
			logger.Warn("Segment factors unusable, using factor 1.0: %v", err)
		}
		return factors.New(nil)
	}
	logger.Info("Loaded segment factors for %d neighborhoods", t.Len())
	return t
}

func loadForecasters(dir string, loader forecast.Loader) *forecast.Registry {
	r, loadErrors, err := forecast.LoadRegistry(dir, loader)
	for _, le := range loadErrors {
		logger.Warn("%v", le)
	}
	if err != nil {
		logger.Warn("Forecast models unavailable: %v", err)
		return forecast.NewRegistry(nil)
	}
	logger.Info("Loaded %d forecast models (%d excluded)", r.Len(), len(loadErrors))
	return r
}
