package prediction

import (
	"context"
	"time"

	"github.com/molforge/molforge/pkg/types/common"
)

// Repository is the persistence contract for prediction jobs.
//
// The store enforces the at-most-one-active-job invariant per
// (ContentHash, Property) with a partial unique index; Create surfaces a
// violation as errors.ErrCodeJobAlreadyActive.
type Repository interface {
	// Create persists a new queued job, or fails with
	// errors.ErrCodeJobAlreadyActive when an active job already occupies the
	// (content hash, property) slot.
	Create(ctx context.Context, job *Job) error

	// FindByID retrieves a job, or errors.ErrCodeJobNotFound.
	FindByID(ctx context.Context, id common.ID) (*Job, error)

	// FindActive returns the active job for a (content hash, property) slot,
	// or errors.ErrCodeJobNotFound when the slot is free.
	FindActive(ctx context.Context, contentHash, property string) (*Job, error)

	// Save persists job changes with optimistic locking on Version.
	Save(ctx context.Context, job *Job) error

	// ClaimQueued atomically moves up to limit queued jobs into the caller's
	// possession, oldest first, skipping jobs whose NextAttemptAt is still in
	// the future.  Claimed jobs stay queued until the caller marks them
	// submitted; two concurrent coordinators never claim the same job.
	ClaimQueued(ctx context.Context, limit int) ([]*Job, error)

	// CountInFlightBatches returns how many distinct external batches are
	// currently submitted or running.
	CountInFlightBatches(ctx context.Context) (int, error)

	// FindPollDue returns active jobs whose NextPollAt is at or before now.
	FindPollDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// ListByContentHash returns all jobs for one molecule, newest first.
	ListByContentHash(ctx context.Context, contentHash string, page common.CursorPage) (*common.PageResult[*Job], error)

	// ListByState returns one page of jobs in the given state, oldest first.
	ListByState(ctx context.Context, state JobState, page common.CursorPage) (*common.PageResult[*Job], error)

	// CountByState returns job counts grouped by state, for the ops CLI and
	// metrics.
	CountByState(ctx context.Context) (map[JobState]int64, error)
}
