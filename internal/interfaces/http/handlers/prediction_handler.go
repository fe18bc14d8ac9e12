package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	domjob "github.com/molforge/molforge/internal/domain/prediction"
	"github.com/molforge/molforge/pkg/types/common"
)

// PredictionService is the job surface the prediction handler drives.
type PredictionService interface {
	Request(ctx context.Context, contentHash, property string) (*domjob.Job, error)
	Get(ctx context.Context, id common.ID) (*domjob.Job, error)
	ListByContentHash(ctx context.Context, contentHash string, page common.CursorPage) (*common.PageResult[*domjob.Job], error)
	CountByState(ctx context.Context) (map[domjob.JobState]int64, error)
	Cancel(ctx context.Context, id common.ID) error
}

// PredictionHandler serves prediction job intake and inspection.  Jobs are
// asynchronous; Request enqueues and the coordinator does the rest.
type PredictionHandler struct {
	predictions PredictionService
}

func NewPredictionHandler(predictions PredictionService) *PredictionHandler {
	return &PredictionHandler{predictions: predictions}
}

type predictionRequest struct {
	ContentHash string `json:"content_hash"`
	Property    string `json:"property"`
}

// Request enqueues a prediction job for one (molecule, property) pair.  A job
// already active for the pair comes back as a 409.
func (h *PredictionHandler) Request(c *gin.Context) {
	var in predictionRequest
	if !bindJSON(c, &in) {
		return
	}

	job, err := h.predictions.Request(c.Request.Context(), in.ContentHash, in.Property)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// Get returns one job with its attempts, schedule, and result.
func (h *PredictionHandler) Get(c *gin.Context) {
	job, err := h.predictions.Get(c.Request.Context(), common.ID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListByMolecule returns the job history for one molecule.
func (h *PredictionHandler) ListByMolecule(c *gin.Context) {
	page, ok := pageFrom(c)
	if !ok {
		return
	}
	result, err := h.predictions.ListByContentHash(c.Request.Context(), c.Param("hash"), page)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Stats returns job counts per state, for dashboards and the ops CLI.
func (h *PredictionHandler) Stats(c *gin.Context) {
	counts, err := h.predictions.CountByState(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

// Cancel withdraws a job that has not finished.
func (h *PredictionHandler) Cancel(c *gin.Context) {
	if err := h.predictions.Cancel(c.Request.Context(), common.ID(c.Param("id"))); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
