package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/molforge/molforge/internal/domain/prediction"
	"github.com/molforge/molforge/internal/infrastructure/database/postgres"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
)

const jobColumns = `id, content_hash, property, state, idempotency_key, external_job_id,
	attempts, max_attempts, last_error, next_poll_at, poll_interval_ms, next_attempt_at,
	result, submitted_at, completed_at, created_at, updated_at, version`

// claimLease is how long a claimed-but-unsubmitted job stays invisible to
// other coordinators before it can be claimed again.
const claimLease = "30 seconds"

// PredictionJobRepository is the PostgreSQL implementation of
// prediction.Repository.  The at-most-one-active-job invariant per
// (content_hash, property) is enforced by a partial unique index over the
// active states; ClaimQueued uses FOR UPDATE SKIP LOCKED plus a short lease so
// concurrent coordinators never drain the same job.
type PredictionJobRepository struct {
	db     queryExecutor
	logger logging.Logger
}

// NewPredictionJobRepository constructs a ready-to-use PredictionJobRepository.
func NewPredictionJobRepository(conn *postgres.Connection, log logging.Logger) *PredictionJobRepository {
	return &PredictionJobRepository{db: conn.DB(), logger: log.Named("prediction_repo")}
}

// Create persists a new queued job.  A violation of the active-slot index
// surfaces as PRD_002.
func (r *PredictionJobRepository) Create(ctx context.Context, job *prediction.Job) error {
	resultJSON, err := marshalJobResult(job)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO prediction_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		string(job.ID), job.ContentHash, job.Property, string(job.State),
		job.IdempotencyKey, job.ExternalJobID,
		job.Attempts, job.MaxAttempts, job.LastError,
		job.NextPollAt, job.PollInterval.Milliseconds(), job.NextAttemptAt, resultJSON,
		job.SubmittedAt, job.CompletedAt, job.CreatedAt, job.UpdatedAt, job.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.New(errors.ErrCodeJobAlreadyActive, "an active job already exists for this molecule and property").
				WithDetail(fmt.Sprintf("content_hash=%s property=%s", job.ContentHash, job.Property))
		}
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to insert prediction job")
	}
	return nil
}

// FindByID retrieves a job.
func (r *PredictionJobRepository) FindByID(ctx context.Context, id common.ID) (*prediction.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM prediction_jobs WHERE id = $1`, string(id))

	job, err := scanJob(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrCodeJobNotFound, "prediction job not found").
			WithDetail(fmt.Sprintf("id=%s", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to query prediction job")
	}
	return job, nil
}

// FindActive returns the active job occupying a (content hash, property) slot.
func (r *PredictionJobRepository) FindActive(ctx context.Context, contentHash, property string) (*prediction.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM prediction_jobs
		WHERE content_hash = $1 AND property = $2 AND state = ANY($3)`,
		contentHash, property, pq.Array(activeJobStates()),
	)

	job, err := scanJob(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrCodeJobNotFound, "no active prediction job").
			WithDetail(fmt.Sprintf("content_hash=%s property=%s", contentHash, property))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to query active prediction job")
	}
	return job, nil
}

// Save persists job changes with optimistic locking on Version.
func (r *PredictionJobRepository) Save(ctx context.Context, job *prediction.Job) error {
	resultJSON, err := marshalJobResult(job)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE prediction_jobs SET
			state = $1, external_job_id = $2, attempts = $3, last_error = $4,
			next_poll_at = $5, poll_interval_ms = $6, next_attempt_at = $7, result = $8,
			submitted_at = $9, completed_at = $10, updated_at = $11, version = version + 1
		WHERE id = $12 AND version = $13`,
		string(job.State), job.ExternalJobID, job.Attempts, job.LastError,
		job.NextPollAt, job.PollInterval.Milliseconds(), job.NextAttemptAt, resultJSON,
		job.SubmittedAt, job.CompletedAt, time.Now().UTC(), string(job.ID), job.Version,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to update prediction job")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to read update result")
	}
	if affected == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM prediction_jobs WHERE id = $1)`, string(job.ID),
		).Scan(&exists); err != nil {
			return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to check prediction job existence")
		}
		if !exists {
			return errors.New(errors.ErrCodeJobNotFound, "prediction job not found").
				WithDetail(fmt.Sprintf("id=%s", job.ID))
		}
		return errors.New(errors.ErrCodeIdentityVersionConflict, "prediction job was modified concurrently").
			WithDetail(fmt.Sprintf("id=%s version=%d", job.ID, job.Version))
	}

	job.Version++
	return nil
}

// ClaimQueued atomically claims up to limit queued jobs, oldest first.
// Claimed jobs stay queued; the lease keeps them out of other coordinators'
// claims until they are submitted or the lease lapses.
func (r *PredictionJobRepository) ClaimQueued(ctx context.Context, limit int) ([]*prediction.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		UPDATE prediction_jobs SET claimed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM prediction_jobs
			WHERE state = $1
			  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			  AND (claimed_at IS NULL OR claimed_at < NOW() - INTERVAL '`+claimLease+`')
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		string(prediction.StateQueued), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to claim queued prediction jobs")
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) > 0 {
		r.logger.Debug("claimed queued prediction jobs", logging.Int("count", len(jobs)))
	}
	return jobs, nil
}

// FindPollDue returns active jobs whose next poll time has arrived.
func (r *PredictionJobRepository) FindPollDue(ctx context.Context, now time.Time, limit int) ([]*prediction.Job, error) {
	if limit <= 0 {
		limit = common.DefaultPageLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM prediction_jobs
		WHERE state = ANY($1) AND next_poll_at IS NOT NULL AND next_poll_at <= $2
		ORDER BY next_poll_at
		LIMIT $3`,
		pq.Array([]string{string(prediction.StateSubmitted), string(prediction.StateRunning)}),
		now, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to query poll-due prediction jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListByContentHash returns all jobs for one molecule, newest first.
func (r *PredictionJobRepository) ListByContentHash(ctx context.Context, contentHash string, page common.CursorPage) (*common.PageResult[*prediction.Job], error) {
	page = page.Normalize()

	var b condBuilder
	b.add("content_hash = %s", contentHash)
	if page.Cursor != "" {
		ts, key, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, err
		}
		b.add("(created_at, id) < (%s, %s)", ts, key)
	}

	query := `SELECT ` + jobColumns + ` FROM prediction_jobs` + b.where() +
		` ORDER BY created_at DESC, id DESC LIMIT ` + b.nextArg(page.Limit+1)

	return r.listPage(ctx, query, b.args, page.Limit)
}

// ListByState returns one page of jobs in the given state, oldest first.
func (r *PredictionJobRepository) ListByState(ctx context.Context, state prediction.JobState, page common.CursorPage) (*common.PageResult[*prediction.Job], error) {
	page = page.Normalize()

	var b condBuilder
	b.add("state = %s", string(state))
	if page.Cursor != "" {
		ts, key, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, err
		}
		b.add("(created_at, id) > (%s, %s)", ts, key)
	}

	query := `SELECT ` + jobColumns + ` FROM prediction_jobs` + b.where() +
		` ORDER BY created_at, id LIMIT ` + b.nextArg(page.Limit+1)

	return r.listPage(ctx, query, b.args, page.Limit)
}

// CountByState returns job counts grouped by state.
func (r *PredictionJobRepository) CountByState(ctx context.Context) (map[prediction.JobState]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM prediction_jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to count prediction jobs")
	}
	defer rows.Close()

	counts := map[prediction.JobState]int64{}
	for rows.Next() {
		var (
			state string
			count int64
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to scan job count row")
		}
		counts[prediction.JobState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to iterate job count rows")
	}
	return counts, nil
}

// CountInFlightBatches returns how many distinct external batches are
// currently submitted or running.
func (r *PredictionJobRepository) CountInFlightBatches(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT external_job_id) FROM prediction_jobs
		WHERE state = ANY($1) AND external_job_id <> ''`,
		pq.Array([]string{string(prediction.StateSubmitted), string(prediction.StateRunning)}),
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to count in-flight prediction batches")
	}
	return count, nil
}

func (r *PredictionJobRepository) listPage(ctx context.Context, query string, args []interface{}, limit int) (*common.PageResult[*prediction.Job], error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to list prediction jobs")
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	result := &common.PageResult[*prediction.Job]{Items: jobs}
	if len(jobs) > limit {
		result.Items = jobs[:limit]
		last := result.Items[len(result.Items)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, string(last.ID))
	}
	return result, nil
}

func activeJobStates() []string {
	return []string{
		string(prediction.StateQueued),
		string(prediction.StateSubmitted),
		string(prediction.StateRunning),
	}
}

func marshalJobResult(job *prediction.Job) ([]byte, error) {
	if job.Result == nil {
		return nil, nil
	}
	resultJSON, err := json.Marshal(job.Result)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to serialize prediction result")
	}
	return resultJSON, nil
}

func scanJob(s scanner) (*prediction.Job, error) {
	var (
		job            prediction.Job
		id, state      string
		nextPollAt     sql.NullTime
		pollIntervalMS int64
		nextAttemptAt  sql.NullTime
		resultJSON     []byte
		submittedAt    sql.NullTime
		completedAt    sql.NullTime
	)

	err := s.Scan(
		&id, &job.ContentHash, &job.Property, &state, &job.IdempotencyKey, &job.ExternalJobID,
		&job.Attempts, &job.MaxAttempts, &job.LastError, &nextPollAt, &pollIntervalMS,
		&nextAttemptAt, &resultJSON,
		&submittedAt, &completedAt, &job.CreatedAt, &job.UpdatedAt, &job.Version,
	)
	if err != nil {
		return nil, err
	}

	job.ID = common.ID(id)
	job.State = prediction.JobState(state)
	job.PollInterval = time.Duration(pollIntervalMS) * time.Millisecond
	if nextPollAt.Valid {
		t := nextPollAt.Time
		job.NextPollAt = &t
	}
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		job.NextAttemptAt = &t
	}
	if submittedAt.Valid {
		t := submittedAt.Time
		job.SubmittedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if len(resultJSON) > 0 {
		var result prediction.Result
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode prediction result")
		}
		job.Result = &result
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*prediction.Job, error) {
	var jobs []*prediction.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to scan prediction job row")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to iterate prediction job rows")
	}
	return jobs, nil
}

var _ prediction.Repository = (*PredictionJobRepository)(nil)
