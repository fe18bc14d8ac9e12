package molecule

import (
	"context"
	"time"

	"github.com/molforge/molforge/internal/chem"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

// saveRetries bounds optimistic-lock retry loops on read-modify-write paths.
const saveRetries = 3

// Service implements the molecule store operations on top of the repository,
// the chem capability layer, and the audit journal.
type Service struct {
	repo   Repository
	audit  AuditRepository
	logger logging.Logger
}

// NewService wires a molecule Service.
func NewService(repo Repository, audit AuditRepository, logger logging.Logger) *Service {
	return &Service{
		repo:   repo,
		audit:  audit,
		logger: logger.Named("molecule"),
	}
}

// Register canonicalizes raw structure notation and upserts the molecule,
// recording an observation under (name, source).  Registering a structure that
// already exists attaches the observation to the existing record; the boolean
// reports whether a new molecule was created.
func (s *Service) Register(ctx context.Context, rawSMILES, name, source string) (*Molecule, bool, error) {
	candidate, err := Prepare(rawSMILES)
	if err != nil {
		return nil, false, err
	}
	return s.RegisterPrepared(ctx, candidate, name, source)
}

// Prepare canonicalizes raw structure notation and builds an unsaved aggregate
// with descriptors and fingerprints computed.  It performs no I/O, so callers
// may run it concurrently and hand the candidate to RegisterPrepared.
func Prepare(rawSMILES string) (*Molecule, error) {
	form, err := chem.Canonicalize(rawSMILES)
	if err != nil {
		return nil, err
	}

	desc, err := chem.ComputeDescriptors(form.SMILES)
	if err != nil {
		return nil, err
	}

	candidate := New(form, desc)
	for _, fpType := range []moltypes.FingerprintType{moltypes.FPMorgan, moltypes.FPMACCS, moltypes.FPTopological} {
		fp, err := chem.Compute(fpType, form.SMILES)
		if err != nil {
			return nil, err
		}
		candidate.SetFingerprint(fpType, fp.Bits)
	}
	return candidate, nil
}

// RegisterPrepared upserts a candidate built by Prepare, attaching the
// observation the same way Register does.
func (s *Service) RegisterPrepared(ctx context.Context, candidate *Molecule, name, source string) (*Molecule, bool, error) {
	mol, created, err := s.repo.Upsert(ctx, candidate)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info("molecule registered",
			logging.ContentHash(mol.ContentHash),
			logging.String("formula", mol.Formula))
		s.journal(ctx, mol.ContentHash, "registered", source, common.Metadata{"smiles": mol.SMILES})
	}

	if name != "" {
		if _, err := s.RecordObservation(ctx, mol.ContentHash, name, source); err != nil {
			return nil, false, err
		}
		// Re-read so the returned aggregate includes the observation.
		mol, err = s.repo.FindByContentHash(ctx, mol.ContentHash)
		if err != nil {
			return nil, false, err
		}
	}

	return mol, created, nil
}

// GetByContentHash retrieves one molecule.
func (s *Service) GetByContentHash(ctx context.Context, contentHash string) (*Molecule, error) {
	return s.repo.FindByContentHash(ctx, contentHash)
}

// RecordObservation attaches a (name, source) sighting to an existing
// molecule.  The operation is idempotent: a repeat sighting returns false with
// no error and writes nothing.
func (s *Service) RecordObservation(ctx context.Context, contentHash, name, source string) (bool, error) {
	var added bool
	err := s.withRetry(ctx, contentHash, func(mol *Molecule) error {
		var err error
		added, err = mol.AddObservation(name, source)
		return err
	})
	if err != nil {
		return false, err
	}
	if added {
		s.journal(ctx, contentHash, "observation_recorded", source, common.Metadata{"name": name})
	}
	return added, nil
}

// RecordProperty stores a property value on a molecule.
func (s *Service) RecordProperty(ctx context.Context, contentHash string, pv PropertyValue) error {
	err := s.withRetry(ctx, contentHash, func(mol *Molecule) error {
		return mol.RecordProperty(pv)
	})
	if err != nil {
		return err
	}
	s.journal(ctx, contentHash, "property_recorded", string(pv.Source), common.Metadata{
		"property": pv.Property,
		"value":    pv.Value,
	})
	return nil
}

// SetFlag sets or clears a named annotation with an optional note.
func (s *Service) SetFlag(ctx context.Context, contentHash, flag string, value bool, note, actor string) error {
	var changed bool
	err := s.withRetry(ctx, contentHash, func(mol *Molecule) error {
		var err error
		changed, err = mol.SetFlag(flag, value, note, actor)
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		detail := common.Metadata{"flag": flag, "value": value}
		if note != "" {
			detail["note"] = note
		}
		s.journal(ctx, contentHash, "flag_changed", actor, detail)
	}
	return nil
}

// Transition moves a molecule to a new lifecycle state using a
// compare-and-swap on the current state, so two racing transitions cannot both
// win.
func (s *Service) Transition(ctx context.Context, contentHash string, to moltypes.MoleculeState, reason, actor string) error {
	mol, err := s.repo.FindByContentHash(ctx, contentHash)
	if err != nil {
		return err
	}

	from := mol.State
	if !CanTransition(from, to) {
		return errors.New(errors.ErrCodeStateTransitionInvalid, "lifecycle transition not permitted").
			WithDetail("from=" + string(from) + " to=" + string(to))
	}

	if err := s.repo.UpdateState(ctx, contentHash, from, to); err != nil {
		return err
	}

	s.logger.Info("state transitioned",
		logging.ContentHash(contentHash),
		logging.String("from", string(from)),
		logging.String("to", string(to)))
	s.journal(ctx, contentHash, "state_transitioned", actor, common.Metadata{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	return nil
}

// AddToLibrary records library membership for a molecule.
func (s *Service) AddToLibrary(ctx context.Context, contentHash string, libraryID common.ID, actor string) error {
	var added bool
	err := s.withRetry(ctx, contentHash, func(mol *Molecule) error {
		added = mol.AddToLibrary(libraryID)
		return nil
	})
	if err != nil {
		return err
	}
	if added {
		s.journal(ctx, contentHash, "added_to_library", actor, common.Metadata{"library_id": string(libraryID)})
	}
	return nil
}

// RemoveFromLibrary drops library membership for a molecule.  Removing a
// molecule that is not a member is a no-op.
func (s *Service) RemoveFromLibrary(ctx context.Context, contentHash string, libraryID common.ID, actor string) error {
	var removed bool
	err := s.withRetry(ctx, contentHash, func(mol *Molecule) error {
		removed = mol.RemoveFromLibrary(libraryID)
		return nil
	})
	if err != nil {
		return err
	}
	if removed {
		s.journal(ctx, contentHash, "removed_from_library", actor, common.Metadata{"library_id": string(libraryID)})
	}
	return nil
}

// AuditTrail returns the journal for one molecule.
func (s *Service) AuditTrail(ctx context.Context, contentHash string, page common.CursorPage) (*common.PageResult[AuditEntry], error) {
	return s.audit.ListByContentHash(ctx, contentHash, page)
}

// withRetry runs a read-modify-write cycle on the aggregate, retrying a
// bounded number of times when a concurrent writer bumps the version first.
func (s *Service) withRetry(ctx context.Context, contentHash string, mutate func(*Molecule) error) error {
	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		mol, err := s.repo.FindByContentHash(ctx, contentHash)
		if err != nil {
			return err
		}
		if err := mutate(mol); err != nil {
			return err
		}
		if err := s.repo.Save(ctx, mol); err != nil {
			if errors.IsCode(err, errors.ErrCodeIdentityVersionConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func (s *Service) journal(ctx context.Context, contentHash, action, actor string, detail common.Metadata) {
	entry := AuditEntry{
		ID:          common.NewID(),
		ContentHash: contentHash,
		Action:      action,
		Actor:       actor,
		Detail:      detail,
		RecordedAt:  time.Now().UTC(),
	}
	// Journal failures are logged, not propagated: the mutation itself has
	// already committed.
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Warn("audit journal append failed",
			logging.ContentHash(contentHash),
			logging.String("action", action),
			logging.Err(err))
	}
}
