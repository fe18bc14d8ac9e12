package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	applc "github.com/molforge/molforge/internal/application/lifecycle"
	domlc "github.com/molforge/molforge/internal/domain/lifecycle"
)

// LifecycleService applies caller-initiated state transitions.
type LifecycleService interface {
	Request(ctx context.Context, ev domlc.Event) error
}

// ReplayService re-emits outbound events from the audit journal.
type ReplayService interface {
	Replay(ctx context.Context, sinceSeq int64, limit int) (*applc.ReplayReport, error)
}

// LifecycleHandler serves explicit lifecycle events: assay submissions,
// result recording, prediction retries.  Pipeline events arrive over the
// message bus, not here.
type LifecycleHandler struct {
	lifecycle LifecycleService
	replayer  ReplayService
}

func NewLifecycleHandler(lifecycle LifecycleService, replayer ReplayService) *LifecycleHandler {
	return &LifecycleHandler{lifecycle: lifecycle, replayer: replayer}
}

type lifecycleEventRequest struct {
	Kind        string `json:"kind"`
	ContentHash string `json:"content_hash"`
	Reason      string `json:"reason,omitempty"`
}

// PostEvent applies one transition.  An event the state machine rejects comes
// back as a 409 so the caller knows the transition did not happen.
func (h *LifecycleHandler) PostEvent(c *gin.Context) {
	var in lifecycleEventRequest
	if !bindJSON(c, &in) {
		return
	}

	ev := domlc.Event{
		Kind:        domlc.EventKind(in.Kind),
		ContentHash: in.ContentHash,
		Reason:      in.Reason,
		Actor:       actorFrom(c).Subject,
		OccurredAt:  time.Now().UTC(),
	}
	if err := h.lifecycle.Request(c.Request.Context(), ev); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type replayRequest struct {
	SinceSeq int64 `json:"since_seq"`
	Limit    int   `json:"limit,omitempty"`
}

// Replay re-emits journal entries after the given sequence onto the outbound
// bus.  The response reports how far the pass got so the caller can resume.
func (h *LifecycleHandler) Replay(c *gin.Context) {
	var in replayRequest
	if !bindJSON(c, &in) {
		return
	}

	report, err := h.replayer.Replay(c.Request.Context(), in.SinceSeq, in.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
