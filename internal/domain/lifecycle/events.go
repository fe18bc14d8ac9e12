// Package lifecycle maps external pipeline events onto molecule state
// transitions.  The state machine itself lives on the molecule aggregate; this
// package decides which transition an inbound event implies and provides the
// deduplication key that makes event delivery effectively-once within the
// configured window.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/molforge/molforge/pkg/errors"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

// EventKind identifies an inbound lifecycle event.
type EventKind string

const (
	EventValidationSucceeded EventKind = "validation_succeeded"
	EventValidationFailed    EventKind = "validation_failed"
	EventPredictionRequested EventKind = "prediction_requested"
	EventPredictionCompleted EventKind = "prediction_completed"
	EventPredictionFailed    EventKind = "prediction_failed"
	EventPredictionRetried   EventKind = "prediction_retried"
	EventAssaySubmitted      EventKind = "assay_submitted"
	EventResultsRecorded     EventKind = "results_recorded"
)

// IsValid reports whether k is a known event kind.
func (k EventKind) IsValid() bool {
	_, ok := targetStates[k]
	return ok
}

func (k EventKind) String() string { return string(k) }

// ParseEventKind validates a string event kind, for the replay CLI and the
// Kafka consumer.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(s)
	if !k.IsValid() {
		return "", errors.New(errors.ErrCodeEventUnknown, "unknown lifecycle event kind").
			WithDetail(fmt.Sprintf("kind=%s", s))
	}
	return k, nil
}

// targetStates maps each event kind to the state it drives the molecule into.
var targetStates = map[EventKind]moltypes.MoleculeState{
	EventValidationSucceeded: moltypes.StateValidated,
	EventValidationFailed:    moltypes.StateInvalid,
	EventPredictionRequested: moltypes.StatePredictionPending,
	EventPredictionCompleted: moltypes.StatePredictionReady,
	EventPredictionFailed:    moltypes.StatePredictionFailed,
	EventPredictionRetried:   moltypes.StatePredictionPending,
	EventAssaySubmitted:      moltypes.StateSubmittedForAssay,
	EventResultsRecorded:     moltypes.StateResultsAvailable,
}

// TargetState returns the state an event kind drives a molecule into.
func TargetState(kind EventKind) (moltypes.MoleculeState, error) {
	state, ok := targetStates[kind]
	if !ok {
		return "", errors.New(errors.ErrCodeEventUnknown, "unknown lifecycle event kind").
			WithDetail(fmt.Sprintf("kind=%s", kind))
	}
	return state, nil
}

// Event is one inbound lifecycle notification.
type Event struct {
	Kind        EventKind `json:"kind"`
	ContentHash string    `json:"content_hash"`
	Reason      string    `json:"reason,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Validate checks the event before processing.
func (e Event) Validate() error {
	if !e.Kind.IsValid() {
		return errors.New(errors.ErrCodeEventUnknown, "unknown lifecycle event kind").
			WithDetail(fmt.Sprintf("kind=%s", e.Kind))
	}
	if e.ContentHash == "" {
		return errors.New(errors.ErrCodeBadRequest, "lifecycle event missing content hash")
	}
	return nil
}

// DedupKey builds the idempotency key under which an event is remembered.
// Two deliveries of the same (content hash, kind) within the dedup window are
// the same event.
func (e Event) DedupKey() string {
	return "lifecycle:" + e.ContentHash + ":" + string(e.Kind)
}
