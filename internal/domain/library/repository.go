package library

import (
	"context"

	"github.com/molforge/molforge/pkg/types/common"
)

// Repository is the persistence contract for libraries.
type Repository interface {
	// Create persists a new library.  Names are unique per owner; a duplicate
	// returns errors.ErrCodeConflict.
	Create(ctx context.Context, lib *Library) error

	// FindByID retrieves a library, or errors.ErrCodeLibraryNotFound.
	FindByID(ctx context.Context, id common.ID) (*Library, error)

	// FindByName retrieves one owner's library by name.
	FindByName(ctx context.Context, owner, name string) (*Library, error)

	// List returns one page of libraries ordered by name.
	List(ctx context.Context, page common.CursorPage) (*common.PageResult[*Library], error)

	// Save persists changes with optimistic locking on Version.
	Save(ctx context.Context, lib *Library) error

	// Delete removes a library.  Molecule membership rows are detached, the
	// molecules themselves are untouched.
	Delete(ctx context.Context, id common.ID) error
}
