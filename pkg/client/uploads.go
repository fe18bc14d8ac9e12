package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ColumnMapping binds CSV headers to molecule fields.
type ColumnMapping struct {
	SMILESColumn    string                    `json:"smiles_column"`
	NameColumn      string                    `json:"name_column,omitempty"`
	PropertyColumns map[string]PropertyColumn `json:"property_columns,omitempty"`
}

// PropertyColumn describes one bound property column.  Min/Max bound accepted
// values; OutOfRange picks "reject" (default) or "clamp" for values outside.
type PropertyColumn struct {
	Property   string   `json:"property"`
	Unit       string   `json:"unit,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	OutOfRange string   `json:"out_of_range,omitempty"`
}

// UploadCounters aggregates per-row outcomes of an ingestion run.
type UploadCounters struct {
	Processed         int64 `json:"processed"`
	Created           int64 `json:"created"`
	Duplicates        int64 `json:"duplicates"`
	Invalid           int64 `json:"invalid"`
	Failed            int64 `json:"failed"`
	Observations      int64 `json:"observations"`
	ObservationErrors int64 `json:"observation_errors"`
}

// ErrorSample is one retained example of a rejected row or cell, grouped by
// kind in the upload report.
type ErrorSample struct {
	Kind   string `json:"kind"`
	Row    int64  `json:"row"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
}

// UploadCheckpoint marks how far a run has progressed.
type UploadCheckpoint struct {
	Row        int64     `json:"row"`
	ByteOffset int64     `json:"byte_offset"`
	SavedAt    time.Time `json:"saved_at"`
}

// Upload is one ingestion run.
type Upload struct {
	ID          string                   `json:"id"`
	Filename    string                   `json:"filename"`
	SizeBytes   int64                    `json:"size_bytes"`
	Owner       string                   `json:"owner,omitempty"`
	Source      string                   `json:"source"`
	Mapping     ColumnMapping            `json:"mapping"`
	Status      string                   `json:"status"`
	Counters    UploadCounters           `json:"counters"`
	Checkpoint  UploadCheckpoint         `json:"checkpoint"`
	Samples     map[string][]ErrorSample `json:"samples,omitempty"`
	Error       string                   `json:"error,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	StartedAt   *time.Time               `json:"started_at,omitempty"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

// CreateUploadRequest registers an ingestion run.
type CreateUploadRequest struct {
	Filename  string        `json:"filename"`
	SizeBytes int64         `json:"size_bytes"`
	Owner     string        `json:"owner,omitempty"`
	Mapping   ColumnMapping `json:"mapping"`
}

// CreateUploadResult carries the registered upload and the presigned blob
// destination the file content must be PUT to before the run starts.
type CreateUploadResult struct {
	Upload    *Upload `json:"upload"`
	UploadURL string  `json:"upload_url"`
}

// UploadsClient accesses the ingestion surface.
type UploadsClient struct {
	client *Client
}

// Create registers an upload.
func (uc *UploadsClient) Create(ctx context.Context, req CreateUploadRequest) (*CreateUploadResult, error) {
	var result CreateUploadResult
	if err := uc.client.post(ctx, "/api/v1/uploads", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PutFile streams the raw file to the presigned URL returned by Create.
func (uc *UploadsClient) PutFile(ctx context.Context, uploadURL string, content io.Reader, sizeBytes int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, content)
	if err != nil {
		return fmt.Errorf("build blob request: %w", err)
	}
	req.ContentLength = sizeBytes
	req.Header.Set("Content-Type", "text/csv")

	resp, err := uc.client.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{StatusCode: resp.StatusCode, Code: "ING_006", Message: string(body)}
	}
	return nil
}

// Get fetches one upload with its counters and checkpoint.
func (uc *UploadsClient) Get(ctx context.Context, id string) (*Upload, error) {
	var u Upload
	if err := uc.client.get(ctx, "/api/v1/uploads/"+url.PathEscape(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// List returns an upload page, newest first.
func (uc *UploadsClient) List(ctx context.Context, page PageQuery) (*Page[*Upload], error) {
	var result Page[*Upload]
	if err := uc.client.get(ctx, "/api/v1/uploads"+page.encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Run starts (or resumes) the ingestion run.  The server processes in the
// background; poll Get for progress.
func (uc *UploadsClient) Run(ctx context.Context, id string) (*Upload, error) {
	var u Upload
	if err := uc.client.post(ctx, "/api/v1/uploads/"+url.PathEscape(id)+"/run", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Cancel stops a pending or running upload.
func (uc *UploadsClient) Cancel(ctx context.Context, id string) error {
	return uc.client.post(ctx, "/api/v1/uploads/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// WaitForCompletion polls the upload until it reaches a terminal status or
// the context expires.
func (uc *UploadsClient) WaitForCompletion(ctx context.Context, id string, pollInterval time.Duration) (*Upload, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		u, err := uc.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch u.Status {
		case "completed", "failed", "cancelled":
			return u, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
