package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/molforge/molforge/internal/domain/library"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/types/common"
)

// LibraryService is the collection surface the library handler drives.
type LibraryService interface {
	Create(ctx context.Context, name, description, owner string) (*library.Library, error)
	Get(ctx context.Context, id common.ID) (*library.Library, error)
	List(ctx context.Context, page common.CursorPage) (*common.PageResult[*library.Library], error)
	Rename(ctx context.Context, id common.ID, name string) (*library.Library, error)
	Delete(ctx context.Context, id common.ID) error
}

// LibraryHandler serves named molecule collections.  Adding molecules to a
// library happens on the molecule routes; this handler manages the
// collections themselves.
type LibraryHandler struct {
	libraries LibraryService
	logger    logging.Logger
}

func NewLibraryHandler(libraries LibraryService, logger logging.Logger) *LibraryHandler {
	return &LibraryHandler{libraries: libraries, logger: logger.Named("library_http")}
}

type createLibraryRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

type renameLibraryRequest struct {
	Name string `json:"name"`
}

// Create registers a new library.  A duplicate name is a conflict.
func (h *LibraryHandler) Create(c *gin.Context) {
	var in createLibraryRequest
	if !bindJSON(c, &in) {
		return
	}

	owner := in.Owner
	if owner == "" {
		owner = actorFrom(c).Subject
	}
	lib, err := h.libraries.Create(c.Request.Context(), in.Name, in.Description, owner)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lib)
}

// Get returns one library with its member count.
func (h *LibraryHandler) Get(c *gin.Context) {
	lib, err := h.libraries.Get(c.Request.Context(), common.ID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lib)
}

// List returns a library page ordered by name.
func (h *LibraryHandler) List(c *gin.Context) {
	page, ok := pageFrom(c)
	if !ok {
		return
	}
	result, err := h.libraries.List(c.Request.Context(), page)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Rename changes a library's name.
func (h *LibraryHandler) Rename(c *gin.Context) {
	var in renameLibraryRequest
	if !bindJSON(c, &in) {
		return
	}
	lib, err := h.libraries.Rename(c.Request.Context(), common.ID(c.Param("id")), in.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lib)
}

// Delete removes a library, detaching its members.
func (h *LibraryHandler) Delete(c *gin.Context) {
	if err := h.libraries.Delete(c.Request.Context(), common.ID(c.Param("id"))); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
