package molecule

import (
	"context"
	"time"

	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

// Filter narrows a molecule listing.  Zero values mean "no constraint".
type Filter struct {
	States       []moltypes.MoleculeState
	LibraryID    common.ID
	Flag         string // flag name that must be set true
	NameContains string // substring match over observed names
	MinWeight    float64
	MaxWeight    float64

	// HasProperty names a property at least one value must exist for.  The
	// optional bounds and source narrow which values qualify.
	HasProperty    string
	PropertyMin    *float64
	PropertyMax    *float64
	PropertySource moltypes.ObservationSource
}

// Repository is the persistence contract for Molecule aggregates.
//
// Concurrency model: Save and UpdateState use optimistic locking on the
// Version field and return errors.ErrCodeIdentityVersionConflict on a stale write.
// Upsert is keyed on ContentHash and is safe under concurrent registration of
// the same structure: exactly one caller creates, the rest observe.
type Repository interface {
	// Upsert creates the molecule if no row with its ContentHash exists, or
	// returns the existing aggregate otherwise.  The boolean reports whether a
	// new row was created.
	Upsert(ctx context.Context, mol *Molecule) (*Molecule, bool, error)

	// Save persists changes to an existing molecule.
	// Returns errors.ErrCodeIdentityVersionConflict when Version is stale and
	// errors.ErrCodeMoleculeNotFound when the row is missing.
	Save(ctx context.Context, mol *Molecule) error

	// FindByID retrieves a molecule by its surrogate ID.
	FindByID(ctx context.Context, id common.ID) (*Molecule, error)

	// FindByContentHash retrieves a molecule by its structure-derived key.
	FindByContentHash(ctx context.Context, contentHash string) (*Molecule, error)

	// UpdateState performs a compare-and-swap lifecycle transition: the row is
	// updated only if its current state equals from.  Returns
	// errors.ErrCodeStateTransitionInvalid when the precondition fails.
	UpdateState(ctx context.Context, contentHash string, from, to moltypes.MoleculeState) error

	// List returns one page of molecules matching the filter, ordered by
	// (CreatedAt, ContentHash) so pagination is stable under inserts.
	List(ctx context.Context, filter Filter, page common.CursorPage) (*common.PageResult[*Molecule], error)

	// FindByStates returns up to limit molecules currently in any of the given
	// states, oldest first.  Used by the prediction coordinator to drain work.
	FindByStates(ctx context.Context, states []moltypes.MoleculeState, limit int) ([]*Molecule, error)

	// Count returns the number of molecules matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)
}

// AuditEntry is one line of the append-only audit journal.  Every mutation of
// a molecule aggregate leaves an entry.  Seq is assigned by the store in
// append order and is the address space for event replay.
type AuditEntry struct {
	ID          common.ID       `json:"id"`
	Seq         int64           `json:"seq,omitempty"`
	ContentHash string          `json:"content_hash"`
	Action      string          `json:"action"`
	Actor       string          `json:"actor,omitempty"`
	Detail      common.Metadata `json:"detail,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// AuditRepository persists the audit journal.  Entries are immutable once
// written.
type AuditRepository interface {
	// Append writes one journal entry.
	Append(ctx context.Context, entry AuditEntry) error

	// ListByContentHash returns the journal for one molecule, oldest first.
	ListByContentHash(ctx context.Context, contentHash string, page common.CursorPage) (*common.PageResult[AuditEntry], error)

	// ListSince returns up to limit entries with Seq > sinceSeq, in sequence
	// order.  Used to re-emit outbound events after a consumer gap.
	ListSince(ctx context.Context, sinceSeq int64, limit int) ([]AuditEntry, error)
}
