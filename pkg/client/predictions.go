package client

import (
	"context"
	"net/url"
	"time"
)

// PredictionResult is the model output attached to a succeeded job.
type PredictionResult struct {
	Value        float64 `json:"value"`
	Unit         string  `json:"unit,omitempty"`
	ModelVersion string  `json:"model_version"`
	Confidence   float64 `json:"confidence"`
}

// PredictionJob is one asynchronous property prediction.
type PredictionJob struct {
	ID           string            `json:"id"`
	ContentHash  string            `json:"content_hash"`
	Property     string            `json:"property"`
	State        string            `json:"state"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"max_attempts"`
	LastError    string            `json:"last_error,omitempty"`
	Result       *PredictionResult `json:"result,omitempty"`
	NextPollAt   *time.Time        `json:"next_poll_at,omitempty"`
	SubmittedAt  *time.Time        `json:"submitted_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// PredictionsClient accesses the prediction job surface.
type PredictionsClient struct {
	client *Client
}

// Request enqueues a prediction for one (molecule, property) pair.
func (pc *PredictionsClient) Request(ctx context.Context, contentHash, property string) (*PredictionJob, error) {
	var job PredictionJob
	body := map[string]string{"content_hash": contentHash, "property": property}
	if err := pc.client.post(ctx, "/api/v1/predictions", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Get fetches one job.
func (pc *PredictionsClient) Get(ctx context.Context, id string) (*PredictionJob, error) {
	var job PredictionJob
	if err := pc.client.get(ctx, "/api/v1/predictions/"+url.PathEscape(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListByMolecule returns the job history for one molecule.
func (pc *PredictionsClient) ListByMolecule(ctx context.Context, contentHash string, page PageQuery) (*Page[*PredictionJob], error) {
	var result Page[*PredictionJob]
	path := "/api/v1/molecules/" + url.PathEscape(contentHash) + "/predictions" + page.encode()
	if err := pc.client.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats returns job counts per state.
func (pc *PredictionsClient) Stats(ctx context.Context) (map[string]int64, error) {
	var resp struct {
		Counts map[string]int64 `json:"counts"`
	}
	if err := pc.client.get(ctx, "/api/v1/predictions/stats", &resp); err != nil {
		return nil, err
	}
	return resp.Counts, nil
}

// Cancel withdraws a job that has not finished.
func (pc *PredictionsClient) Cancel(ctx context.Context, id string) error {
	return pc.client.post(ctx, "/api/v1/predictions/"+url.PathEscape(id)+"/cancel", nil, nil)
}
