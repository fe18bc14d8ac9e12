// Package predictor talks to the external property-prediction service.  The
// coordinator submits molecule batches, polls batch status, and collects
// per-item results; all calls carry the caller's idempotency keys so the
// service deduplicates retried submissions.
package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/molforge/molforge/internal/config"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 4 << 20
)

// ItemStatus is the predictor-side state of one submitted item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
)

// BatchItem is one molecule/property pair in a submission.
type BatchItem struct {
	IdempotencyKey string `json:"idempotency_key"`
	ContentHash    string `json:"content_hash"`
	SMILES         string `json:"smiles"`
	Property       string `json:"property"`
}

// BatchSubmission acknowledges an accepted batch.
type BatchSubmission struct {
	ExternalBatchID string `json:"batch_id"`
	Accepted        int    `json:"accepted"`
}

// ItemResult is the outcome of one item, keyed back to the submission by its
// idempotency key.  Permanent marks a failure the predictor will repeat on
// resubmission, such as a structure outside the model's domain; those skip the
// retry budget.
type ItemResult struct {
	IdempotencyKey string     `json:"idempotency_key"`
	Status         ItemStatus `json:"status"`
	Value          float64    `json:"value,omitempty"`
	Unit           string     `json:"unit,omitempty"`
	ModelVersion   string     `json:"model_version,omitempty"`
	Confidence     float64    `json:"confidence,omitempty"`
	Error          string     `json:"error,omitempty"`
	Permanent      bool       `json:"permanent,omitempty"`
}

// BatchStatus is a poll snapshot of an in-flight batch.
type BatchStatus struct {
	ExternalBatchID string       `json:"batch_id"`
	Done            bool         `json:"done"`
	Items           []ItemResult `json:"items"`
}

// Client is the predictor contract the coordinator depends on.
type Client interface {
	// SubmitBatch sends up to the coordinator's batch size of items and
	// returns the predictor's batch handle.
	SubmitBatch(ctx context.Context, items []BatchItem) (*BatchSubmission, error)

	// Status polls a previously submitted batch.
	Status(ctx context.Context, externalBatchID string) (*BatchStatus, error)

	// Healthy pings the service.
	Healthy(ctx context.Context) error
}

// HTTPClient implements Client over the predictor's JSON API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logging.Logger
}

// NewHTTPClient validates the endpoint configuration and builds the client.
func NewHTTPClient(cfg config.PredictorConfig, log logging.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.ErrCodeBadRequest, "predictor base URL required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.New(errors.ErrCodeBadRequest, "predictor base URL must be http or https").
			WithDetail("base_url=" + cfg.BaseURL)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.Named("predictor"),
	}, nil
}

// apiError is the predictor's error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitBatch POSTs the items to /v1/batches.
func (c *HTTPClient) SubmitBatch(ctx context.Context, items []BatchItem) (*BatchSubmission, error) {
	if len(items) == 0 {
		return nil, errors.New(errors.ErrCodeBadRequest, "batch cannot be empty")
	}
	for i, it := range items {
		if it.IdempotencyKey == "" || it.ContentHash == "" || it.SMILES == "" || it.Property == "" {
			return nil, errors.New(errors.ErrCodeBadRequest, "batch item incomplete").
				WithDetail(fmt.Sprintf("index=%d", i))
		}
	}

	var sub BatchSubmission
	if err := c.do(ctx, http.MethodPost, "/v1/batches", map[string]any{"items": items}, &sub); err != nil {
		return nil, err
	}
	if sub.ExternalBatchID == "" {
		return nil, errors.New(errors.ErrCodeServiceUnavailable, "predictor returned no batch id")
	}
	c.logger.Debug("Batch submitted",
		logging.String("batch_id", sub.ExternalBatchID),
		logging.Int("items", len(items)))
	return &sub, nil
}

// Status GETs /v1/batches/{id}.
func (c *HTTPClient) Status(ctx context.Context, externalBatchID string) (*BatchStatus, error) {
	if externalBatchID == "" {
		return nil, errors.New(errors.ErrCodeBadRequest, "batch id required")
	}
	var st BatchStatus
	if err := c.do(ctx, http.MethodGet, "/v1/batches/"+url.PathEscape(externalBatchID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Healthy GETs /v1/health.
func (c *HTTPClient) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode predictor request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to build predictor request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "predictor request cancelled")
		}
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "predictor unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to read predictor response")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(err, errors.ErrCodeSerialization, "failed to decode predictor response")
		}
		return nil
	}

	var ae apiError
	_ = json.Unmarshal(data, &ae)
	detail := fmt.Sprintf("status=%d code=%s message=%s", resp.StatusCode, ae.Code, ae.Message)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.New(errors.ErrCodeJobNotFound, "predictor batch not found").WithDetail(detail)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return errors.New(errors.ErrCodePropertyUnsupported, "predictor rejected item").WithDetail(detail)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.New(errors.ErrCodeServiceUnavailable, "predictor temporarily unavailable").WithDetail(detail)
	default:
		return errors.New(errors.ErrCodeBadRequest, "predictor rejected request").WithDetail(detail)
	}
}

// IsTransient reports whether a predictor error is worth retrying.  Permanent
// rejections (unsupported property, malformed request) and cancellations are
// not.
func IsTransient(err error) bool {
	return errors.IsCode(err, errors.ErrCodeServiceUnavailable)
}
