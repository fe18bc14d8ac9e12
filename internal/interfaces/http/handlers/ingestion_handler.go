package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/molforge/molforge/internal/application/ingestion"
	"github.com/molforge/molforge/internal/domain/upload"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/types/common"
)

// IngestionService is the upload surface the ingestion handler drives.
type IngestionService interface {
	CreateUpload(ctx context.Context, input ingestion.CreateUploadInput) (*ingestion.CreateUploadResult, error)
	Get(ctx context.Context, id common.ID) (*upload.Upload, error)
	List(ctx context.Context, page common.CursorPage) (*common.PageResult[*upload.Upload], error)
	Run(ctx context.Context, id common.ID) error
	Cancel(ctx context.Context, id common.ID) error
}

// IngestionHandler serves upload registration and run control.  Runs execute
// in the background; callers poll the upload status for progress.
type IngestionHandler struct {
	ingest IngestionService
	logger logging.Logger
}

func NewIngestionHandler(ingest IngestionService, logger logging.Logger) *IngestionHandler {
	return &IngestionHandler{ingest: ingest, logger: logger.Named("ingestion_http")}
}

type createUploadRequest struct {
	Filename  string               `json:"filename"`
	SizeBytes int64                `json:"size_bytes"`
	Owner     string               `json:"owner,omitempty"`
	Mapping   upload.ColumnMapping `json:"mapping"`
}

// CreateUploadResponse returns the registered upload and a presigned URL the
// client PUTs the file to before starting the run.
type CreateUploadResponse struct {
	Upload    *upload.Upload `json:"upload"`
	UploadURL string         `json:"upload_url"`
}

// Create registers an upload and hands back the blob destination.
func (h *IngestionHandler) Create(c *gin.Context) {
	var in createUploadRequest
	if !bindJSON(c, &in) {
		return
	}

	owner := in.Owner
	if owner == "" {
		owner = actorFrom(c).Subject
	}
	result, err := h.ingest.CreateUpload(c.Request.Context(), ingestion.CreateUploadInput{
		Filename:  in.Filename,
		SizeBytes: in.SizeBytes,
		Owner:     owner,
		Mapping:   in.Mapping,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateUploadResponse{
		Upload:    result.Upload,
		UploadURL: result.UploadURL,
	})
}

// Get returns one upload with its counters and checkpoint.
func (h *IngestionHandler) Get(c *gin.Context) {
	u, err := h.ingest.Get(c.Request.Context(), common.ID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// List returns an upload page, newest first.
func (h *IngestionHandler) List(c *gin.Context) {
	page, ok := pageFrom(c)
	if !ok {
		return
	}
	result, err := h.ingest.List(c.Request.Context(), page)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Run starts (or resumes) an ingestion run in the background and returns 202.
// The run detaches from the request context so a dropped connection does not
// abort it; its outcome lands in the upload record.
func (h *IngestionHandler) Run(c *gin.Context) {
	id := common.ID(c.Param("id"))

	// Fail fast on unknown or terminal uploads before detaching.
	u, err := h.ingest.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	go func() {
		if err := h.ingest.Run(context.Background(), id); err != nil {
			h.logger.Error("background ingestion run failed",
				logging.UploadID(string(id)), logging.Err(err))
		}
	}()

	c.JSON(http.StatusAccepted, u)
}

// Cancel stops a pending or running upload.
func (h *IngestionHandler) Cancel(c *gin.Context) {
	if err := h.ingest.Cancel(c.Request.Context(), common.ID(c.Param("id"))); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
