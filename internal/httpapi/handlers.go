package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/crimerisk/internal/cache"
	"github.com/rewired-gh/crimerisk/internal/logger"
	"github.com/rewired-gh/crimerisk/internal/models"
	"github.com/rewired-gh/crimerisk/internal/neighborhoods"
)

const invalidDateDetail = "Use ISO date like 2025-08-12"

// PredictResponse is the body of /predict.
type PredictResponse struct {
	Date        string                  `json:"date"`
	Filters     models.Segment          `json:"filters"`
	Predictions []models.ForecastResult `json:"predictions"`
}

// SpikeResponse is the body of /spike. ServedWeek is null when unavailable.
type SpikeResponse struct {
	RequestedWeek string               `json:"requested_week"`
	ServedWeek    *string              `json:"served_week"`
	Predictions   []models.SpikeResult `json:"predictions"`
	Available     bool                 `json:"available"`
}

// NewSpikeResponse renders a spike report for the week containing the requested day.
func NewSpikeResponse(report models.SpikeReport, week string) SpikeResponse {
	resp := SpikeResponse{
		RequestedWeek: week,
		Predictions:   report.Predictions,
		Available:     report.Available,
	}
	if resp.Predictions == nil {
		resp.Predictions = []models.SpikeResult{}
	}
	if report.Available {
		served := models.FormatDate(report.ServedWeek)
		resp.ServedWeek = &served
	}
	return resp
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Neighborhoods serves the GeoJSON with a stable id on every feature.
func (h *Handler) Neighborhoods(c *gin.Context) {
	coll, err := neighborhoods.Load(h.neighborhoodsPath)
	if errors.Is(err, neighborhoods.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
		return
	}
	if err != nil {
		logger.Error("Failed to load neighborhoods: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to load neighborhoods"})
		return
	}
	c.JSON(http.StatusOK, coll)
}

// Predict serves forecast risk for every neighborhood.
func (h *Handler) Predict(c *gin.Context) {
	raw := c.Query("date")
	day, err := models.ParseDate(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": invalidDateDetail})
		return
	}
	seg, err := models.ParseSegment(c.Query("crime_type"), c.Query("time_of_day"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	date := models.FormatDate(day)
	key := cache.Key("predict", date, string(seg.CrimeType), string(seg.TimeOfDay))
	if h.serveCached(c, "predict", key) {
		return
	}

	preds, err := h.predictor.Predict(c.Request.Context(), day, seg)
	if err != nil {
		logger.Error("Predict failed for %s: %v", date, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "prediction failed"})
		return
	}

	if preds == nil {
		preds = []models.ForecastResult{}
	}
	h.writeJSON(c, key, true, PredictResponse{Date: date, Filters: seg, Predictions: preds})
}

// Spike serves spike probabilities for the week containing date.
func (h *Handler) Spike(c *gin.Context) {
	day, err := models.ParseDate(c.Query("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": invalidDateDetail})
		return
	}

	week := models.FormatDate(models.WeekStart(day))
	key := cache.Key("spike", week)
	if h.serveCached(c, "spike", key) {
		return
	}

	report, err := h.spiker.Spike(c.Request.Context(), day)
	if err != nil {
		logger.Error("Spike failed for %s: %v", week, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "spike prediction failed"})
		return
	}

	h.writeJSON(c, key, report.Available, NewSpikeResponse(report, week))
}

// serveCached writes a cached body and reports whether it did.
func (h *Handler) serveCached(c *gin.Context, endpoint, key string) bool {
	body, found, err := h.cache.Get(c.Request.Context(), key)
	if err != nil {
		logger.Warn("Cache get %s failed: %v", key, err)
		return false
	}
	h.metrics.ObserveCache(endpoint, found)
	if !found {
		return false
	}
	c.Header("X-Cache", "hit")
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	return true
}

func (h *Handler) writeJSON(c *gin.Context, key string, cacheable bool, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to encode response: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to encode response"})
		return
	}
	if cacheable {
		if err := h.cache.Set(c.Request.Context(), key, body); err != nil {
			logger.Warn("Cache set %s failed: %v", key, err)
		}
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}
