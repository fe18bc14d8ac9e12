package molecule

import (
	"context"

	"github.com/molforge/molforge/internal/domain/library"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/types/common"
)

// LibraryService fronts library CRUD.  Membership itself lives on the
// molecule aggregate; this service only manages the collections.
type LibraryService struct {
	libraries library.Repository
	logger    logging.Logger
}

func NewLibraryService(libraries library.Repository, logger logging.Logger) *LibraryService {
	return &LibraryService{
		libraries: libraries,
		logger:    logger.Named("libraries"),
	}
}

// Create registers a new named collection.  Names are unique per owner; a
// duplicate surfaces as a conflict from the store.
func (s *LibraryService) Create(ctx context.Context, name, description, owner string) (*library.Library, error) {
	lib, err := library.New(name, description, owner)
	if err != nil {
		return nil, err
	}
	if err := s.libraries.Create(ctx, lib); err != nil {
		return nil, err
	}
	s.logger.Info("library created",
		logging.LibraryID(string(lib.ID)),
		logging.String("name", lib.Name))
	return lib, nil
}

// Get retrieves one library with its current member count.
func (s *LibraryService) Get(ctx context.Context, id common.ID) (*library.Library, error) {
	return s.libraries.FindByID(ctx, id)
}

// List returns one page of libraries ordered by name.
func (s *LibraryService) List(ctx context.Context, page common.CursorPage) (*common.PageResult[*library.Library], error) {
	return s.libraries.List(ctx, page.Normalize())
}

// Rename changes a library's name, keeping uniqueness enforcement in the
// store.
func (s *LibraryService) Rename(ctx context.Context, id common.ID, name string) (*library.Library, error) {
	lib, err := s.libraries.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := lib.Rename(name); err != nil {
		return nil, err
	}
	if err := s.libraries.Save(ctx, lib); err != nil {
		return nil, err
	}
	return lib, nil
}

// Delete removes the library and detaches its members.
func (s *LibraryService) Delete(ctx context.Context, id common.ID) error {
	if err := s.libraries.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("library deleted", logging.LibraryID(string(id)))
	return nil
}
