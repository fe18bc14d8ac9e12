// Package prediction models asynchronous property-prediction jobs: their
// states, retry accounting, idempotency keys, and the adaptive polling
// schedule against the external predictor.
package prediction

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
)

// JobState tracks one prediction job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateSubmitted JobState = "submitted"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// IsActive reports whether the job still occupies the (molecule, property)
// slot.  At most one active job may exist per slot.
func (s JobState) IsActive() bool {
	return s == StateQueued || s == StateSubmitted || s == StateRunning
}

// IsTerminal reports whether the job is finished.
func (s JobState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// jobTransitions is the job state table.
var jobTransitions = map[JobState][]JobState{
	StateQueued:    {StateSubmitted, StateCancelled, StateFailed},
	StateSubmitted: {StateRunning, StateSucceeded, StateFailed, StateCancelled, StateQueued},
	StateRunning:   {StateSucceeded, StateFailed, StateCancelled, StateQueued},
}

// Result holds the outcome of a successful prediction.
type Result struct {
	Value        float64 `json:"value"`
	Unit         string  `json:"unit,omitempty"`
	ModelVersion string  `json:"model_version,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// Job is the aggregate for one (molecule, property) prediction request.
type Job struct {
	common.BaseEntity

	ContentHash    string   `json:"content_hash"`
	Property       string   `json:"property"`
	State          JobState `json:"state"`
	IdempotencyKey string   `json:"idempotency_key"`
	ExternalJobID  string   `json:"external_job_id,omitempty"`

	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`

	// NextPollAt and PollInterval drive the adaptive status-polling schedule:
	// the interval doubles after each empty poll up to the configured cap.
	NextPollAt   *time.Time    `json:"next_poll_at,omitempty"`
	PollInterval time.Duration `json:"poll_interval,omitempty"`

	// NextAttemptAt holds a requeued job back until its retry delay elapses.
	// Nil means the job is claimable immediately.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	Result *Result `json:"result,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob queues a prediction job.  The idempotency key is derived from the
// molecule, property, and attempt epoch so that a resubmission after terminal
// failure gets a fresh key while retries of the same logical request reuse it.
func NewJob(contentHash, property string, maxAttempts int) (*Job, error) {
	if contentHash == "" {
		return nil, errors.New(errors.ErrCodeBadRequest, "content hash cannot be empty")
	}
	if property == "" {
		return nil, errors.New(errors.ErrCodePropertyUnsupported, "property cannot be empty")
	}
	if maxAttempts <= 0 {
		return nil, errors.New(errors.ErrCodeBadRequest, "max attempts must be positive")
	}

	now := time.Now().UTC()
	id := common.NewID()
	return &Job{
		BaseEntity: common.BaseEntity{
			ID:        id,
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
		ContentHash:    contentHash,
		Property:       property,
		State:          StateQueued,
		IdempotencyKey: IdempotencyKey(contentHash, property, string(id)),
		MaxAttempts:    maxAttempts,
	}, nil
}

// IdempotencyKey derives the stable key sent to the external predictor so a
// retried submission of the same job is deduplicated on their side.
func IdempotencyKey(contentHash, property, epoch string) string {
	sum := sha256.Sum256([]byte(contentHash + "|" + property + "|" + epoch))
	return hex.EncodeToString(sum[:16])
}

// CanTransition reports whether the job state machine permits from → to.
func CanTransition(from, to JobState) bool {
	for _, t := range jobTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func (j *Job) transition(to JobState) error {
	if !CanTransition(j.State, to) {
		return errors.New(errors.ErrCodeJobStateInvalid, "job transition not permitted").
			WithDetail(fmt.Sprintf("from=%s to=%s", j.State, to))
	}
	j.State = to
	j.touch()
	return nil
}

// MarkSubmitted records a successful submission to the external predictor and
// schedules the first status poll.
func (j *Job) MarkSubmitted(externalJobID string, firstPoll time.Duration) error {
	if err := j.transition(StateSubmitted); err != nil {
		return err
	}
	j.ExternalJobID = externalJobID
	j.Attempts++
	j.NextAttemptAt = nil
	now := time.Now().UTC()
	j.SubmittedAt = &now
	j.PollInterval = firstPoll
	next := now.Add(firstPoll)
	j.NextPollAt = &next
	return nil
}

// MarkRunning records that the predictor reports the job as in progress.
func (j *Job) MarkRunning() error {
	if j.State == StateRunning {
		return nil
	}
	return j.transition(StateRunning)
}

// SchedulePoll backs off the polling interval: the next poll happens after
// twice the current interval, capped at max.
func (j *Job) SchedulePoll(max time.Duration) {
	interval := j.PollInterval * 2
	if interval > max {
		interval = max
	}
	j.PollInterval = interval
	next := time.Now().UTC().Add(interval)
	j.NextPollAt = &next
	j.touch()
}

// MarkSucceeded stores the result and finishes the job.
func (j *Job) MarkSucceeded(res Result) error {
	if err := j.transition(StateSucceeded); err != nil {
		return err
	}
	j.Result = &res
	j.NextPollAt = nil
	now := time.Now().UTC()
	j.CompletedAt = &now
	return nil
}

// MarkFailed finishes the job with an error.  Permanent failures land here
// directly; transient failures go through RequeueForRetry until attempts are
// exhausted.
func (j *Job) MarkFailed(reason string) error {
	if err := j.transition(StateFailed); err != nil {
		return err
	}
	j.LastError = reason
	j.NextPollAt = nil
	now := time.Now().UTC()
	j.CompletedAt = &now
	return nil
}

// RequeueForRetry returns a submitted or running job to the queue after a
// transient failure, recording the reason and holding it back for delay
// before it may be claimed again.  When attempts are exhausted it fails the
// job instead and reports false.
func (j *Job) RequeueForRetry(reason string, delay time.Duration) (bool, error) {
	if j.Attempts >= j.MaxAttempts {
		if err := j.MarkFailed(reason); err != nil {
			return false, err
		}
		j.LastError = fmt.Sprintf("retries exhausted after %d attempts: %s", j.Attempts, reason)
		return false, nil
	}
	if err := j.transition(StateQueued); err != nil {
		return false, err
	}
	j.LastError = reason
	j.ExternalJobID = ""
	j.NextPollAt = nil
	j.NextAttemptAt = nil
	if delay > 0 {
		next := time.Now().UTC().Add(delay)
		j.NextAttemptAt = &next
	}
	return true, nil
}

// ClaimableAt reports whether the job may be claimed at now: queued and past
// any retry hold.
func (j *Job) ClaimableAt(now time.Time) bool {
	return j.State == StateQueued && (j.NextAttemptAt == nil || !now.Before(*j.NextAttemptAt))
}

// Cancel aborts an active job.
func (j *Job) Cancel() error {
	if j.State.IsTerminal() {
		return errors.New(errors.ErrCodeJobStateInvalid, "job already finished").
			WithDetail(fmt.Sprintf("state=%s", j.State))
	}
	if err := j.transition(StateCancelled); err != nil {
		return err
	}
	j.NextPollAt = nil
	now := time.Now().UTC()
	j.CompletedAt = &now
	return nil
}

// PollDue reports whether the job's next status poll is due at now.
func (j *Job) PollDue(now time.Time) bool {
	return j.State.IsActive() && j.NextPollAt != nil && !now.Before(*j.NextPollAt)
}

func (j *Job) touch() {
	j.UpdatedAt = time.Now().UTC()
}
