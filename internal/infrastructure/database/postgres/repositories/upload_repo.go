package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/molforge/molforge/internal/domain/upload"
	"github.com/molforge/molforge/internal/infrastructure/database/postgres"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
)

const uploadColumns = `id, filename, object_key, size_bytes, owner, source, mapping, status,
	counters, checkpoint, samples, error, started_at, completed_at,
	created_at, updated_at, version`

// UploadRepository is the PostgreSQL implementation of upload.Repository.
type UploadRepository struct {
	db     queryExecutor
	logger logging.Logger
}

// NewUploadRepository constructs a ready-to-use UploadRepository.
func NewUploadRepository(conn *postgres.Connection, log logging.Logger) *UploadRepository {
	return &UploadRepository{db: conn.DB(), logger: log.Named("upload_repo")}
}

// Create persists a new upload record.
func (r *UploadRepository) Create(ctx context.Context, u *upload.Upload) error {
	mappingJSON, countersJSON, checkpointJSON, samplesJSON, err := marshalUploadJSON(u)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO uploads (`+uploadColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		string(u.ID), u.Filename, u.ObjectKey, u.SizeBytes, u.Owner, u.Source,
		mappingJSON, string(u.Status), countersJSON, checkpointJSON, samplesJSON, u.Error,
		u.StartedAt, u.CompletedAt, u.CreatedAt, u.UpdatedAt, u.Version,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to insert upload")
	}
	return nil
}

// FindByID retrieves an upload.
func (r *UploadRepository) FindByID(ctx context.Context, id common.ID) (*upload.Upload, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, string(id))

	u, err := scanUpload(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrCodeIngestUploadNotFound, "upload not found").
			WithDetail(fmt.Sprintf("id=%s", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to query upload")
	}
	return u, nil
}

// Save persists the whole aggregate with optimistic locking on Version.
func (r *UploadRepository) Save(ctx context.Context, u *upload.Upload) error {
	mappingJSON, countersJSON, checkpointJSON, samplesJSON, err := marshalUploadJSON(u)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE uploads SET
			mapping = $1, status = $2, counters = $3, checkpoint = $4, samples = $5, error = $6,
			started_at = $7, completed_at = $8, updated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`,
		mappingJSON, string(u.Status), countersJSON, checkpointJSON, samplesJSON, u.Error,
		u.StartedAt, u.CompletedAt, time.Now().UTC(), string(u.ID), u.Version,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to update upload")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to read update result")
	}
	if affected == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM uploads WHERE id = $1)`, string(u.ID),
		).Scan(&exists); err != nil {
			return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to check upload existence")
		}
		if !exists {
			return errors.New(errors.ErrCodeIngestUploadNotFound, "upload not found").
				WithDetail(fmt.Sprintf("id=%s", u.ID))
		}
		return errors.New(errors.ErrCodeIdentityVersionConflict, "upload was modified concurrently").
			WithDetail(fmt.Sprintf("id=%s version=%d", u.ID, u.Version))
	}

	u.Version++
	return nil
}

// SaveCheckpoint persists only counters, error samples, and checkpoint of a
// running upload.  It intentionally skips the version bump: the checkpoint
// writer runs once per batch and must not conflict with a concurrent status
// change, which goes through Save.
func (r *UploadRepository) SaveCheckpoint(ctx context.Context, id common.ID, counters upload.Counters, samples map[string][]upload.ErrorSample, cp upload.Checkpoint) error {
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to serialize upload counters")
	}
	checkpointJSON, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to serialize upload checkpoint")
	}
	if samples == nil {
		samples = map[string][]upload.ErrorSample{}
	}
	samplesJSON, err := json.Marshal(samples)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to serialize upload samples")
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE uploads SET counters = $1, checkpoint = $2, samples = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		countersJSON, checkpointJSON, samplesJSON, time.Now().UTC(), string(id), string(upload.StatusRunning),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to save upload checkpoint")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to read update result")
	}
	if affected == 0 {
		var status string
		err := r.db.QueryRowContext(ctx,
			`SELECT status FROM uploads WHERE id = $1`, string(id)).Scan(&status)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.New(errors.ErrCodeIngestUploadNotFound, "upload not found").
				WithDetail(fmt.Sprintf("id=%s", id))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to query upload status")
		}
		return errors.New(errors.ErrCodeIngestAlreadyCompleted, "upload is not running").
			WithDetail(fmt.Sprintf("id=%s status=%s", id, status))
	}
	return nil
}

// List returns one page of uploads, newest first.
func (r *UploadRepository) List(ctx context.Context, page common.CursorPage) (*common.PageResult[*upload.Upload], error) {
	page = page.Normalize()

	var b condBuilder
	if page.Cursor != "" {
		ts, key, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, err
		}
		b.add("(created_at, id) < (%s, %s)", ts, key)
	}

	query := `SELECT ` + uploadColumns + ` FROM uploads` + b.where() +
		` ORDER BY created_at DESC, id DESC LIMIT ` + b.nextArg(page.Limit+1)

	rows, err := r.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to list uploads")
	}
	defer rows.Close()

	uploads, err := scanUploads(rows)
	if err != nil {
		return nil, err
	}

	result := &common.PageResult[*upload.Upload]{Items: uploads}
	if len(uploads) > page.Limit {
		result.Items = uploads[:page.Limit]
		last := result.Items[len(result.Items)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, string(last.ID))
	}
	return result, nil
}

// FindResumable returns uploads with a usable checkpoint: failed runs, plus
// running runs whose record has not moved for staleAfter.  A run checkpoints
// every chunk, so a running row that stopped updating belongs to a crashed
// worker whose lock has since expired.
func (r *UploadRepository) FindResumable(ctx context.Context, staleAfter time.Duration, limit int) ([]*upload.Upload, error) {
	if limit <= 0 {
		limit = common.DefaultPageLimit
	}
	cutoff := time.Now().UTC().Add(-staleAfter)

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+uploadColumns+` FROM uploads
		WHERE (checkpoint ->> 'row')::bigint > 0
		  AND (status = $1 OR (status = $2 AND updated_at < $3))
		ORDER BY created_at
		LIMIT $4`,
		string(upload.StatusFailed), string(upload.StatusRunning), cutoff, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to query resumable uploads")
	}
	defer rows.Close()

	return scanUploads(rows)
}

func marshalUploadJSON(u *upload.Upload) (mapping, counters, checkpoint, samples []byte, err error) {
	if mapping, err = json.Marshal(u.Mapping); err == nil {
		if counters, err = json.Marshal(u.Counters); err == nil {
			if checkpoint, err = json.Marshal(u.Checkpoint); err == nil {
				s := u.Samples
				if s == nil {
					s = map[string][]upload.ErrorSample{}
				}
				samples, err = json.Marshal(s)
			}
		}
	}
	if err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to serialize upload")
	}
	return mapping, counters, checkpoint, samples, nil
}

func scanUpload(s scanner) (*upload.Upload, error) {
	var (
		u              upload.Upload
		id, status     string
		mappingJSON    []byte
		countersJSON   []byte
		checkpointJSON []byte
		samplesJSON    []byte
		startedAt      sql.NullTime
		completedAt    sql.NullTime
	)

	err := s.Scan(
		&id, &u.Filename, &u.ObjectKey, &u.SizeBytes, &u.Owner, &u.Source,
		&mappingJSON, &status, &countersJSON, &checkpointJSON, &samplesJSON, &u.Error,
		&startedAt, &completedAt, &u.CreatedAt, &u.UpdatedAt, &u.Version,
	)
	if err != nil {
		return nil, err
	}

	u.ID = common.ID(id)
	u.Status = upload.Status(status)
	if startedAt.Valid {
		t := startedAt.Time
		u.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		u.CompletedAt = &t
	}

	if err := json.Unmarshal(mappingJSON, &u.Mapping); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode upload mapping")
	}
	if err := json.Unmarshal(countersJSON, &u.Counters); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode upload counters")
	}
	if err := json.Unmarshal(checkpointJSON, &u.Checkpoint); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode upload checkpoint")
	}
	if len(samplesJSON) > 0 {
		if err := json.Unmarshal(samplesJSON, &u.Samples); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode upload samples")
		}
	}
	if len(u.Samples) == 0 {
		u.Samples = nil
	}

	return &u, nil
}

func scanUploads(rows *sql.Rows) ([]*upload.Upload, error) {
	var uploads []*upload.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to scan upload row")
		}
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to iterate upload rows")
	}
	return uploads, nil
}

var _ upload.Repository = (*UploadRepository)(nil)
