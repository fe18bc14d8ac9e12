package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	applc "github.com/molforge/molforge/internal/application/lifecycle"
	domlc "github.com/molforge/molforge/internal/domain/lifecycle"
	"github.com/molforge/molforge/pkg/errors"
)

type stubLifecycleService struct {
	requestFn func(ctx context.Context, ev domlc.Event) error
	lastEvent domlc.Event
}

func (s *stubLifecycleService) Request(ctx context.Context, ev domlc.Event) error {
	s.lastEvent = ev
	if s.requestFn != nil {
		return s.requestFn(ctx, ev)
	}
	return nil
}

type stubReplayService struct {
	report   *applc.ReplayReport
	err      error
	gotSince int64
	gotLimit int
}

func (s *stubReplayService) Replay(_ context.Context, sinceSeq int64, limit int) (*applc.ReplayReport, error) {
	s.gotSince = sinceSeq
	s.gotLimit = limit
	return s.report, s.err
}

func newLifecycleRouter(svc LifecycleService, replayer ReplayService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewLifecycleHandler(svc, replayer)
	r.POST("/lifecycle/events", h.PostEvent)
	r.POST("/lifecycle/replay", h.Replay)
	return r
}

func TestLifecycleEvent_Applied(t *testing.T) {
	svc := &stubLifecycleService{}
	r := newLifecycleRouter(svc, nil)

	w := doJSON(t, r, http.MethodPost, "/lifecycle/events", map[string]string{
		"kind":         "submitted_for_assay",
		"content_hash": testMolHash,
		"reason":       "cro batch 12",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, domlc.EventKind("submitted_for_assay"), svc.lastEvent.Kind)
	assert.Equal(t, testMolHash, svc.lastEvent.ContentHash)
	assert.False(t, svc.lastEvent.OccurredAt.IsZero())
}

func TestLifecycleEvent_RejectedTransitionConflicts(t *testing.T) {
	svc := &stubLifecycleService{
		requestFn: func(context.Context, domlc.Event) error {
			return errors.New(errors.ErrCodeStateTransitionInvalid, "lifecycle transition not permitted")
		},
	}
	r := newLifecycleRouter(svc, nil)

	w := doJSON(t, r, http.MethodPost, "/lifecycle/events", map[string]string{
		"kind":         "results_recorded",
		"content_hash": testMolHash,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), string(errors.ErrCodeStateTransitionInvalid))
}

func TestLifecycleReplay_ReturnsReport(t *testing.T) {
	replayer := &stubReplayService{report: &applc.ReplayReport{Replayed: 4, LastSeq: 19}}
	r := newLifecycleRouter(&stubLifecycleService{}, replayer)

	w := doJSON(t, r, http.MethodPost, "/lifecycle/replay", map[string]int64{
		"since_seq": 15,
		"limit":     100,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(15), replayer.gotSince)
	assert.Equal(t, 100, replayer.gotLimit)
	assert.Contains(t, w.Body.String(), `"replayed":4`)
	assert.Contains(t, w.Body.String(), `"last_seq":19`)
}

func TestLifecycleReplay_BadSequence(t *testing.T) {
	replayer := &stubReplayService{err: errors.New(errors.ErrCodeBadRequest, "since sequence must not be negative")}
	r := newLifecycleRouter(&stubLifecycleService{}, replayer)

	w := doJSON(t, r, http.MethodPost, "/lifecycle/replay", map[string]int64{"since_seq": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
