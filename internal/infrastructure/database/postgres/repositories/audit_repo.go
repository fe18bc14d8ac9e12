package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/internal/infrastructure/database/postgres"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
)

// AuditRepository is the PostgreSQL implementation of the append-only audit
// journal.  Rows are never updated or deleted.
type AuditRepository struct {
	db     queryExecutor
	logger logging.Logger
}

// NewAuditRepository constructs a ready-to-use AuditRepository.
func NewAuditRepository(conn *postgres.Connection, log logging.Logger) *AuditRepository {
	return &AuditRepository{db: conn.DB(), logger: log.Named("audit_repo")}
}

// Append writes one journal entry.
func (r *AuditRepository) Append(ctx context.Context, entry molecule.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = common.NewID()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to serialize audit detail")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO molecule_audit (id, content_hash, action, actor, detail, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		string(entry.ID), entry.ContentHash, entry.Action, entry.Actor, detailJSON, entry.RecordedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to append audit entry")
	}
	return nil
}

// ListByContentHash returns the journal for one molecule, oldest first.
func (r *AuditRepository) ListByContentHash(ctx context.Context, contentHash string, page common.CursorPage) (*common.PageResult[molecule.AuditEntry], error) {
	page = page.Normalize()

	var b condBuilder
	b.add("content_hash = %s", contentHash)
	if page.Cursor != "" {
		ts, key, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, err
		}
		b.add("(recorded_at, id) > (%s, %s)", ts, key)
	}

	query := `SELECT id, seq, content_hash, action, actor, detail, recorded_at
		FROM molecule_audit` + b.where() +
		` ORDER BY recorded_at, id LIMIT ` + b.nextArg(page.Limit+1)

	entries, err := r.queryEntries(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}

	result := &common.PageResult[molecule.AuditEntry]{Items: entries}
	if len(entries) > page.Limit {
		result.Items = entries[:page.Limit]
		last := result.Items[len(result.Items)-1]
		result.NextCursor = encodeCursor(last.RecordedAt, string(last.ID))
	}
	return result, nil
}

// ListSince returns up to limit entries with seq greater than sinceSeq, in
// sequence order.
func (r *AuditRepository) ListSince(ctx context.Context, sinceSeq int64, limit int) ([]molecule.AuditEntry, error) {
	if limit <= 0 {
		limit = common.DefaultPageLimit
	}
	query := `SELECT id, seq, content_hash, action, actor, detail, recorded_at
		FROM molecule_audit WHERE seq > $1 ORDER BY seq LIMIT $2`
	return r.queryEntries(ctx, query, sinceSeq, limit)
}

func (r *AuditRepository) queryEntries(ctx context.Context, query string, args ...interface{}) ([]molecule.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []molecule.AuditEntry
	for rows.Next() {
		var (
			entry      molecule.AuditEntry
			id         string
			detailJSON []byte
		)
		if err := rows.Scan(&id, &entry.Seq, &entry.ContentHash, &entry.Action, &entry.Actor, &detailJSON, &entry.RecordedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to scan audit row")
		}
		entry.ID = common.ID(id)
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &entry.Detail); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode audit detail")
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to iterate audit rows")
	}
	return entries, nil
}

var _ molecule.AuditRepository = (*AuditRepository)(nil)
