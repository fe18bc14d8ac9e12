package upload

import (
	"context"
	"time"

	"github.com/molforge/molforge/pkg/types/common"
)

// Repository is the persistence contract for ingestion runs.
type Repository interface {
	// Create persists a new upload record.
	Create(ctx context.Context, u *Upload) error

	// FindByID retrieves an upload, or errors.ErrCodeIngestUploadNotFound.
	FindByID(ctx context.Context, id common.ID) (*Upload, error)

	// Save persists the whole aggregate with optimistic locking on Version.
	Save(ctx context.Context, u *Upload) error

	// SaveCheckpoint persists only the counters, error samples, and
	// checkpoint of a running upload.  It runs once per batch, so it avoids
	// the full-row update and the version bump of Save.
	SaveCheckpoint(ctx context.Context, id common.ID, counters Counters, samples map[string][]ErrorSample, cp Checkpoint) error

	// List returns one page of uploads, newest first.
	List(ctx context.Context, page common.CursorPage) (*common.PageResult[*Upload], error)

	// FindResumable returns uploads holding a usable checkpoint that are
	// either failed, or still marked running but untouched for longer than
	// staleAfter.  The latter is how a hard crash looks: the run died before
	// it could fail the record, and only its lock expiry gives it away.
	FindResumable(ctx context.Context, staleAfter time.Duration, limit int) ([]*Upload, error)
}
