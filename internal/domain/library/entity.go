// Package library models named molecule collections.  Membership is stored on
// the molecule aggregate; the library entity carries identity, description,
// and a denormalised member count maintained by the repository.
package library

import (
	"time"

	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
)

// Library is a named collection of molecules.
type Library struct {
	common.BaseEntity

	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Owner         string `json:"owner,omitempty"`
	MoleculeCount int64  `json:"molecule_count"`
}

// maxNameLength bounds library names; the value matches the storage column.
const maxNameLength = 200

// New creates a Library with a fresh identity.
func New(name, description, owner string) (*Library, error) {
	if name == "" {
		return nil, errors.New(errors.ErrCodeBadRequest, "library name cannot be empty")
	}
	if len(name) > maxNameLength {
		return nil, errors.New(errors.ErrCodeBadRequest, "library name too long")
	}

	now := time.Now().UTC()
	return &Library{
		BaseEntity: common.BaseEntity{
			ID:        common.NewID(),
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
		Name:        name,
		Description: description,
		Owner:       owner,
	}, nil
}

// Rename changes the library name.
func (l *Library) Rename(name string) error {
	if name == "" {
		return errors.New(errors.ErrCodeBadRequest, "library name cannot be empty")
	}
	if len(name) > maxNameLength {
		return errors.New(errors.ErrCodeBadRequest, "library name too long")
	}
	l.Name = name
	l.UpdatedAt = time.Now().UTC()
	return nil
}
