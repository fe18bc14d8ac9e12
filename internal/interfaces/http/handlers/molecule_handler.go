package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	appmol "github.com/molforge/molforge/internal/application/molecule"
	"github.com/molforge/molforge/internal/auth"
	dommol "github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

// MoleculeService is the application surface the molecule handler drives.
type MoleculeService interface {
	Register(ctx context.Context, in appmol.RegisterInput) (*moltypes.MoleculeDTO, bool, error)
	RecordObservation(ctx context.Context, contentHash, name, source string) (bool, error)
	RecordProperty(ctx context.Context, contentHash string, in appmol.PropertyInput) error
	SetFlag(ctx context.Context, contentHash, flag string, value bool, note, actor string) error
	AddToLibrary(ctx context.Context, contentHash string, libraryID common.ID, actor string) error
	RemoveFromLibrary(ctx context.Context, contentHash string, libraryID common.ID, actor string) error
	AuditTrail(ctx context.Context, contentHash string, page common.CursorPage) (*common.PageResult[dommol.AuditEntry], error)
}

// MoleculeHandler serves the molecule write surface.  Reads go through the
// query handler, where visibility is enforced.
type MoleculeHandler struct {
	molecules  MoleculeService
	authorizer auth.Authorizer
}

// NewMoleculeHandler wires the handler.  authorizer may be nil, in which case
// every authenticated caller may write.
func NewMoleculeHandler(molecules MoleculeService, authorizer auth.Authorizer) *MoleculeHandler {
	return &MoleculeHandler{molecules: molecules, authorizer: authorizer}
}

func (h *MoleculeHandler) canWrite(c *gin.Context, contentHash string) bool {
	if h.authorizer == nil {
		return true
	}
	actor := actorFrom(c)
	ok, err := h.authorizer.CanWrite(c.Request.Context(), actor, contentHash)
	if err != nil {
		respondError(c, err)
		return false
	}
	if !ok {
		respondError(c, auth.Denied(actor, "write molecule "+contentHash))
		return false
	}
	return true
}

// RegisterResponse reports the stored molecule and whether this request
// created it.
type RegisterResponse struct {
	Molecule *moltypes.MoleculeDTO `json:"molecule"`
	Created  bool                  `json:"created"`
}

// Register canonicalizes and stores a structure.  Re-registration of a known
// structure returns 200 with the existing record; a new structure returns 201.
func (h *MoleculeHandler) Register(c *gin.Context) {
	var in appmol.RegisterInput
	if !bindJSON(c, &in) {
		return
	}
	if !h.canWrite(c, "") {
		return
	}

	dto, created, err := h.molecules.Register(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, RegisterResponse{Molecule: dto, Created: created})
}

type observationRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// RecordObservation attaches a (name, source) sighting to a molecule.
func (h *MoleculeHandler) RecordObservation(c *gin.Context) {
	hash := c.Param("hash")
	var in observationRequest
	if !bindJSON(c, &in) {
		return
	}
	if !h.canWrite(c, hash) {
		return
	}

	added, err := h.molecules.RecordObservation(c.Request.Context(), hash, in.Name, in.Source)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

// RecordProperty stores one property value on a molecule.
func (h *MoleculeHandler) RecordProperty(c *gin.Context) {
	hash := c.Param("hash")
	var in appmol.PropertyInput
	if !bindJSON(c, &in) {
		return
	}
	if !h.canWrite(c, hash) {
		return
	}

	if err := h.molecules.RecordProperty(c.Request.Context(), hash, in); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type flagRequest struct {
	Value bool   `json:"value"`
	Note  string `json:"note,omitempty"`
}

// SetFlag sets or clears a named annotation with an optional note.
func (h *MoleculeHandler) SetFlag(c *gin.Context) {
	hash := c.Param("hash")
	flag := c.Param("flag")
	var in flagRequest
	if !bindJSON(c, &in) {
		return
	}
	if !h.canWrite(c, hash) {
		return
	}

	if err := h.molecules.SetFlag(c.Request.Context(), hash, flag, in.Value, in.Note, actorFrom(c).Subject); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type libraryRequest struct {
	LibraryID string `json:"library_id"`
}

// AddToLibrary records library membership.
func (h *MoleculeHandler) AddToLibrary(c *gin.Context) {
	hash := c.Param("hash")
	var in libraryRequest
	if !bindJSON(c, &in) {
		return
	}
	if !h.canWrite(c, hash) {
		return
	}

	err := h.molecules.AddToLibrary(c.Request.Context(), hash, common.ID(in.LibraryID), actorFrom(c).Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveFromLibrary drops library membership.  Removing a non-member is a
// successful no-op.
func (h *MoleculeHandler) RemoveFromLibrary(c *gin.Context) {
	hash := c.Param("hash")
	if !h.canWrite(c, hash) {
		return
	}

	err := h.molecules.RemoveFromLibrary(c.Request.Context(), hash, common.ID(c.Param("id")), actorFrom(c).Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AuditTrail returns the molecule's journal, oldest first.
func (h *MoleculeHandler) AuditTrail(c *gin.Context) {
	page, ok := pageFrom(c)
	if !ok {
		return
	}
	result, err := h.molecules.AuditTrail(c.Request.Context(), c.Param("hash"), page)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
