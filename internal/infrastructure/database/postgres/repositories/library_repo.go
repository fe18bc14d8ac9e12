package repositories

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/molforge/molforge/internal/domain/library"
	"github.com/molforge/molforge/internal/infrastructure/database/postgres"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
)

const libraryColumns = `id, name, description, owner, created_at, updated_at, version`

// LibraryRepository is the PostgreSQL implementation of library.Repository.
// MoleculeCount is derived from the molecules table on read, never stored.
type LibraryRepository struct {
	db     queryExecutor
	logger logging.Logger
}

// NewLibraryRepository constructs a ready-to-use LibraryRepository.
func NewLibraryRepository(conn *postgres.Connection, log logging.Logger) *LibraryRepository {
	return &LibraryRepository{db: conn.DB(), logger: log.Named("library_repo")}
}

// Create persists a new library.  A duplicate name under the same owner
// surfaces as a conflict.
func (r *LibraryRepository) Create(ctx context.Context, lib *library.Library) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO libraries (`+libraryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		string(lib.ID), lib.Name, lib.Description, lib.Owner,
		lib.CreatedAt, lib.UpdatedAt, lib.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.New(errors.ErrCodeConflict, "library name already exists for this owner").
				WithDetail(fmt.Sprintf("owner=%s name=%s", lib.Owner, lib.Name))
		}
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to insert library")
	}
	return nil
}

// FindByID retrieves a library by ID.
func (r *LibraryRepository) FindByID(ctx context.Context, id common.ID) (*library.Library, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+libraryColumns+`,
			(SELECT COUNT(*) FROM molecules m WHERE l.id = ANY(m.libraries))
		FROM libraries l WHERE id = $1`, string(id))
	return r.scanLibrary(row, fmt.Sprintf("id=%s", id))
}

// FindByName retrieves one owner's library by name.  Names are only unique
// within an owner, so the lookup is always owner-scoped.
func (r *LibraryRepository) FindByName(ctx context.Context, owner, name string) (*library.Library, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+libraryColumns+`,
			(SELECT COUNT(*) FROM molecules m WHERE l.id = ANY(m.libraries))
		FROM libraries l WHERE owner = $1 AND name = $2`, owner, name)
	return r.scanLibrary(row, fmt.Sprintf("owner=%s name=%s", owner, name))
}

// libraryCursorSep joins the (name, id) keyset pair inside one cursor token.
const libraryCursorSep = "\x1f"

// List returns one page of libraries ordered by name.  The keyset pairs the
// name with the row ID because names repeat across owners.
func (r *LibraryRepository) List(ctx context.Context, page common.CursorPage) (*common.PageResult[*library.Library], error) {
	page = page.Normalize()

	var b condBuilder
	if page.Cursor != "" {
		_, key, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, err
		}
		parts := strings.SplitN(key, libraryCursorSep, 2)
		if len(parts) != 2 {
			return nil, errors.New(errors.ErrCodeCursorInvalid, "malformed page cursor")
		}
		b.add("(name, id) > (%s, %s)", parts[0], parts[1])
	}

	query := `SELECT ` + libraryColumns + `,
			(SELECT COUNT(*) FROM molecules m WHERE l.id = ANY(m.libraries))
		FROM libraries l` + b.where() +
		` ORDER BY name, id LIMIT ` + b.nextArg(page.Limit+1)

	rows, err := r.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to list libraries")
	}
	defer rows.Close()

	var libs []*library.Library
	for rows.Next() {
		lib, err := r.scanLibrary(rows, "")
		if err != nil {
			return nil, err
		}
		libs = append(libs, lib)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to iterate library rows")
	}

	result := &common.PageResult[*library.Library]{Items: libs}
	if len(libs) > page.Limit {
		result.Items = libs[:page.Limit]
		last := result.Items[len(result.Items)-1]
		result.NextCursor = encodeCursor(time.Time{}, last.Name+libraryCursorSep+string(last.ID))
	}
	return result, nil
}

// Save persists changes with optimistic locking on Version.
func (r *LibraryRepository) Save(ctx context.Context, lib *library.Library) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE libraries SET
			name = $1, description = $2, owner = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6`,
		lib.Name, lib.Description, lib.Owner, time.Now().UTC(), string(lib.ID), lib.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.New(errors.ErrCodeConflict, "library name already exists for this owner").
				WithDetail(fmt.Sprintf("owner=%s name=%s", lib.Owner, lib.Name))
		}
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to update library")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to read update result")
	}
	if affected == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM libraries WHERE id = $1)`, string(lib.ID),
		).Scan(&exists); err != nil {
			return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to check library existence")
		}
		if !exists {
			return errors.New(errors.ErrCodeLibraryNotFound, "library not found").
				WithDetail(fmt.Sprintf("id=%s", lib.ID))
		}
		return errors.New(errors.ErrCodeIdentityVersionConflict, "library was modified concurrently").
			WithDetail(fmt.Sprintf("id=%s version=%d", lib.ID, lib.Version))
	}

	lib.Version++
	return nil
}

// Delete removes a library and detaches its membership entries.  The
// molecules themselves are untouched.
func (r *LibraryRepository) Delete(ctx context.Context, id common.ID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM libraries WHERE id = $1`, string(id))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to delete library")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to read delete result")
	}
	if affected == 0 {
		return errors.New(errors.ErrCodeLibraryNotFound, "library not found").
			WithDetail(fmt.Sprintf("id=%s", id))
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE molecules SET libraries = array_remove(libraries, $1) WHERE $1 = ANY(libraries)`,
		string(id),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to detach library members")
	}

	r.logger.Debug("library deleted", logging.LibraryID(string(id)))
	return nil
}

func (r *LibraryRepository) scanLibrary(s scanner, detail string) (*library.Library, error) {
	var (
		lib library.Library
		id  string
	)
	err := s.Scan(&id, &lib.Name, &lib.Description, &lib.Owner,
		&lib.CreatedAt, &lib.UpdatedAt, &lib.Version, &lib.MoleculeCount)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrCodeLibraryNotFound, "library not found").WithDetail(detail)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to scan library row")
	}
	lib.ID = common.ID(id)
	return &lib, nil
}

var _ library.Repository = (*LibraryRepository)(nil)
