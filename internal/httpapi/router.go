// Package httpapi is the HTTP surface of the risk service.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/crimerisk/internal/cache"
	"github.com/rewired-gh/crimerisk/internal/logger"
	"github.com/rewired-gh/crimerisk/internal/metrics"
	"github.com/rewired-gh/crimerisk/internal/models"
)

// Predictor serves forecast risk for a week and segment.
type Predictor interface {
	Predict(ctx context.Context, day time.Time, seg models.Segment) ([]models.ForecastResult, error)
}

// Spiker serves spike probabilities for a week.
type Spiker interface {
	Spike(ctx context.Context, day time.Time) (models.SpikeReport, error)
}

// Options wires the router's collaborators. Cache and Metrics are optional.
type Options struct {
	Predictor         Predictor
	Spiker            Spiker
	NeighborhoodsPath string
	Cache             cache.Cache
	Metrics           *metrics.Registry

	CORSOrigins []string
	RateLimit   float64
	RateBurst   int
}

// Handler holds the endpoint implementations.
type Handler struct {
	predictor         Predictor
	spiker            Spiker
	neighborhoodsPath string
	cache             cache.Cache
	metrics           *metrics.Registry
}

// NewRouter builds the gin engine. Every endpoint is served both at the root
// and under /api.
func NewRouter(opts Options) *gin.Engine {
	h := &Handler{
		predictor:         opts.Predictor,
		spiker:            opts.Spiker,
		neighborhoodsPath: opts.NeighborhoodsPath,
		cache:             opts.Cache,
		metrics:           opts.Metrics,
	}
	if h.cache == nil {
		h.cache = cache.Noop{}
	}

	r := gin.New()
	r.Use(
		RequestID(),
		Logger(opts.Metrics),
		gin.CustomRecovery(recovery),
		CORS(opts.CORSOrigins),
	)
	if opts.RateLimit > 0 {
		r.Use(NewRateLimiter(opts.RateLimit, opts.RateBurst).Middleware())
	}

	h.register(r)
	h.register(r.Group("/api"))

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
	})
	return r
}

func (h *Handler) register(g gin.IRoutes) {
	g.GET("/health", h.Health)
	g.GET("/neighborhoods", h.Neighborhoods)
	g.GET("/predict", h.Predict)
	g.GET("/spike", h.Spike)
}

func recovery(c *gin.Context, err any) {
	logger.Error("Panic serving %s: %v", c.Request.URL.Path, err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Internal Server Error"})
}
