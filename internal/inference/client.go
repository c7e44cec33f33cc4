// Package inference talks to an external model runtime that hosts the trained
// forecasters and classifiers.
//
// The sidecar exposes three JSON endpoints:
//
//	GET  /health   -> 200 when models can be served
//	POST /forecast {neighborhood_id, steps}    -> {rows: [{week, yhat, yhat_lower, yhat_upper}]}
//	POST /classify {neighborhood_id, features} -> {probability}
//
// Requests are retried on transport errors and 5xx responses, and all calls
// share one circuit breaker so a dead sidecar fails fast.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rewired-gh/crimerisk/internal/forecast"
	"github.com/rewired-gh/crimerisk/internal/logger"
	"github.com/rewired-gh/crimerisk/internal/models"
	"github.com/rewired-gh/crimerisk/internal/spike"
)

// ErrUnavailable is returned when the runtime cannot be reached or the circuit
// breaker is open.
var ErrUnavailable = errors.New("inference runtime unavailable")

// Config configures a Client.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	MaxRetries      int
	RetryDelayBase  time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client is an HTTP client for the inference runtime.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
	breaker        *gobreaker.CircuitBreaker
}

// statusError is a non-retryable HTTP error from the runtime.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("inference runtime returned %d: %s", e.code, e.body)
}

// NewClient creates a new inference client
func NewClient(cfg Config) *Client {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	failures := cfg.BreakerFailures
	settings := gobreaker.Settings{
		Name:        "inference",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Client errors mean the sidecar is up.
		IsSuccessful: func(err error) bool {
			var se *statusError
			return err == nil || errors.As(err, &se)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker %s: %s -> %s", name, from, to)
		},
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		breaker:        gobreaker.NewCircuitBreaker(settings),
	}
}

// Health checks that the runtime is reachable and ready.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", nil, nil)
}

type forecastRequest struct {
	NeighborhoodID string `json:"neighborhood_id"`
	Steps          int    `json:"steps"`
}

type forecastRow struct {
	Week  string  `json:"week"`
	Yhat  float64 `json:"yhat"`
	Lower float64 `json:"yhat_lower"`
	Upper float64 `json:"yhat_upper"`
}

type forecastResponse struct {
	Rows []forecastRow `json:"rows"`
}

// Forecast returns a neighborhood's trajectory extended by steps weeks.
func (c *Client) Forecast(ctx context.Context, neighborhoodID string, steps int) ([]models.Estimate, error) {
	var resp forecastResponse
	req := forecastRequest{NeighborhoodID: neighborhoodID, Steps: steps}
	if err := c.call(ctx, http.MethodPost, "/forecast", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch forecast: %w", err)
	}

	rows := make([]models.Estimate, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		wk, err := models.ParseDate(r.Week)
		if err != nil {
			return nil, fmt.Errorf("failed to parse forecast week: %w", err)
		}
		rows = append(rows, models.Estimate{Week: models.WeekStart(wk), Yhat: r.Yhat, Lower: r.Lower, Upper: r.Upper})
	}
	return rows, nil
}

type classifyRequest struct {
	NeighborhoodID string    `json:"neighborhood_id"`
	Features       []float64 `json:"features"`
}

type classifyResponse struct {
	Probability *float64 `json:"probability"`
}

// Classify returns the positive-class probability for one feature vector.
func (c *Client) Classify(ctx context.Context, neighborhoodID string, features []float64) (float64, error) {
	var resp classifyResponse
	req := classifyRequest{NeighborhoodID: neighborhoodID, Features: features}
	if err := c.call(ctx, http.MethodPost, "/classify", req, &resp); err != nil {
		return 0, fmt.Errorf("failed to classify: %w", err)
	}
	if resp.Probability == nil {
		return 0, errors.New("classify response has no probability")
	}
	return *resp.Probability, nil
}

// call runs one request through the circuit breaker.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.doRequest(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if out == nil {
			return nil, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return nil, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * c.retryDelayBase):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
		}

		return resp, nil
	}

	return nil, fmt.Errorf("%w: max retries exceeded: %v", ErrUnavailable, lastErr)
}

// Forecaster returns a forecast.Forecaster backed by the runtime.
func (c *Client) Forecaster(neighborhoodID string) forecast.Forecaster {
	return remoteForecaster{client: c, id: neighborhoodID}
}

// LoadForecaster implements forecast.Loader. The model file stays with the
// runtime, so path is ignored.
func (c *Client) LoadForecaster(neighborhoodID, _ string) (forecast.Forecaster, error) {
	return c.Forecaster(neighborhoodID), nil
}

// Available implements spike.Runtime.
func (c *Client) Available(ctx context.Context) error {
	return c.Health(ctx)
}

// Open implements spike.Runtime.
func (c *Client) Open(neighborhoodID, _ string) (spike.Classifier, error) {
	return remoteClassifier{client: c, id: neighborhoodID}, nil
}

type remoteForecaster struct {
	client *Client
	id     string
}

func (f remoteForecaster) Extend(ctx context.Context, steps int) ([]models.Estimate, error) {
	return f.client.Forecast(ctx, f.id, steps)
}

type remoteClassifier struct {
	client *Client
	id     string
}

func (r remoteClassifier) PredictProba(ctx context.Context, features []float64) (float64, error) {
	return r.client.Classify(ctx, r.id, features)
}
