package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tradepulse/tradepulse/internal/metrics"
)

// Circuit breaker thresholds for the inference service. The open window
// is short because the sine baseline is always available behind it.
const (
	breakerMinRequests   = 3
	breakerFailureRatio  = 0.6
	breakerOpenTimeout   = 30 * time.Second
	breakerHalfOpenReqs  = 2
	breakerCountInterval = 10 * time.Second
)

const maxResponseBytes = 1 << 20

// inferenceRequest is the wire format sent to the model server.
type inferenceRequest struct {
	Symbol         string    `json:"symbol"`
	HorizonSeconds float64   `json:"horizon_seconds"`
	Model          string    `json:"model"`
	Features       []float32 `json:"features,omitempty"`
}

// inferenceResponse is the subset of the model server reply the core uses.
type inferenceResponse struct {
	ProbUp       float64 `json:"prob_up"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

// Client calls a remote inference service with a circuit breaker in front.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger
}

// NewClient creates an inference client. The timeout caps a single call
// end to end.
func NewClient(endpoint, apiKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}

	c := &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: logger.With().Str("component", "model_client").Logger(),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model",
		MaxRequests: breakerHalfOpenReqs,
		Interval:    breakerCountInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && ratio >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.UpdateCircuitBreaker("model", to == gobreaker.StateOpen)
			c.log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Model circuit breaker state changed")
		},
	})

	return c
}

// Predict sends one inference request. While the breaker is open the call
// fails immediately without touching the network.
func (c *Client) Predict(ctx context.Context, req inferenceRequest) (inferenceResponse, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, req)
	})
	if err != nil {
		return inferenceResponse{}, err
	}
	return out.(inferenceResponse), nil
}

func (c *Client) do(ctx context.Context, req inferenceRequest) (inferenceResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return inferenceResponse{}, fmt.Errorf("failed to marshal inference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return inferenceResponse{}, fmt.Errorf("failed to create inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return inferenceResponse{}, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return inferenceResponse{}, fmt.Errorf("failed to read inference response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return inferenceResponse{}, fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out inferenceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return inferenceResponse{}, fmt.Errorf("failed to parse inference response: %w", err)
	}
	if out.ProbUp < 0 || out.ProbUp > 1 {
		return inferenceResponse{}, fmt.Errorf("inference prob_up %.4f outside [0, 1]", out.ProbUp)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return inferenceResponse{}, fmt.Errorf("inference confidence %.4f outside [0, 1]", out.Confidence)
	}
	return out, nil
}
