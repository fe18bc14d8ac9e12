// Package molecule contains the Molecule aggregate: the canonical record for a
// chemical structure, its observations, stored property values, flags, library
// memberships, and lifecycle state.  The aggregate is keyed by content hash so
// that re-registering the same structure always lands on the same record.
package molecule

import (
	"fmt"
	"time"

	"github.com/molforge/molforge/internal/chem"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

// Observation records that a structure was seen under an external name from a
// particular source.  Observations are idempotent on (Name, Source): seeing
// the same name from the same source again is not a new fact.
type Observation struct {
	Name       string    `json:"name"`
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// PropertyValue is one stored value of a named property.  A property may carry
// several values from different sources (a measured value and a predicted one
// coexist); within one (Property, Source) the latest value wins.  SourceName
// records where the latest value came from but does not open a new slot.
type PropertyValue struct {
	Property   string                     `json:"property"`
	Value      float64                    `json:"value"`
	Unit       string                     `json:"unit,omitempty"`
	Source     moltypes.ObservationSource `json:"source"`
	SourceName string                     `json:"source_name,omitempty"`
	ObservedAt time.Time                  `json:"observed_at"`
}

// Molecule is the aggregate root.  Version implements optimistic locking: the
// repository rejects a save whose Version does not match the stored row.
type Molecule struct {
	common.BaseEntity

	ContentHash  string                              `json:"content_hash"`
	SMILES       string                              `json:"smiles"`
	Formula      string                              `json:"formula"`
	Weight       float64                             `json:"weight"`
	Descriptors  chem.Descriptors                    `json:"descriptors"`
	State        moltypes.MoleculeState              `json:"state"`
	Observations []Observation                       `json:"observations,omitempty"`
	Properties   map[string][]PropertyValue          `json:"properties,omitempty"`
	Flags        map[string]map[string]moltypes.Flag `json:"flags,omitempty"`
	Libraries    []common.ID                         `json:"libraries,omitempty"`
	Fingerprints map[moltypes.FingerprintType][]byte `json:"fingerprints,omitempty"`

	events []common.DomainEvent
}

// New builds a Molecule from a canonical form and its computed descriptors.
// The aggregate starts in the Uploaded state; validation is a lifecycle
// transition, not a constructor concern.
func New(form chem.CanonicalForm, desc chem.Descriptors) *Molecule {
	now := time.Now().UTC()
	m := &Molecule{
		BaseEntity: common.BaseEntity{
			ID:        common.NewID(),
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
		ContentHash:  form.ContentHash,
		SMILES:       form.SMILES,
		Formula:      desc.Formula,
		Weight:       desc.MolecularWeight,
		Descriptors:  desc,
		State:        moltypes.StateUploaded,
		Properties:   map[string][]PropertyValue{},
		Flags:        map[string]map[string]moltypes.Flag{},
		Fingerprints: map[moltypes.FingerprintType][]byte{},
	}
	m.raise(NewMoleculeCreated(m))
	return m
}

// stateTransitions is the lifecycle table.  Absent keys are terminal states.
var stateTransitions = map[moltypes.MoleculeState][]moltypes.MoleculeState{
	moltypes.StateUploaded:          {moltypes.StateValidated, moltypes.StateInvalid},
	moltypes.StateValidated:         {moltypes.StatePredictionPending},
	moltypes.StatePredictionPending: {moltypes.StatePredictionReady, moltypes.StatePredictionFailed},
	moltypes.StatePredictionFailed:  {moltypes.StatePredictionPending, moltypes.StateSubmittedForAssay},
	moltypes.StatePredictionReady:   {moltypes.StateSubmittedForAssay},
	moltypes.StateSubmittedForAssay: {moltypes.StateResultsAvailable},
}

// CanTransition reports whether the lifecycle permits moving from one state to
// another.
func CanTransition(from, to moltypes.MoleculeState) bool {
	for _, t := range stateTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the molecule to a new lifecycle state, raising a
// StateTransitioned event.  Illegal transitions return MOL_006.
func (m *Molecule) TransitionTo(to moltypes.MoleculeState, reason, actor string) error {
	if !to.IsValid() {
		return errors.New(errors.ErrCodeStateTransitionInvalid, "unknown lifecycle state").
			WithDetail(fmt.Sprintf("state=%s", to))
	}
	if !CanTransition(m.State, to) {
		return errors.New(errors.ErrCodeStateTransitionInvalid, "lifecycle transition not permitted").
			WithDetail(fmt.Sprintf("from=%s to=%s", m.State, to))
	}

	from := m.State
	m.State = to
	m.touch()
	m.raise(NewStateTransitioned(m, from, to, reason, actor))
	return nil
}

// AddObservation records a (name, source) sighting.  It returns true when the
// observation is new and false when it is a repeat, which callers treat as a
// successful no-op.
func (m *Molecule) AddObservation(name, source string) (bool, error) {
	if name == "" {
		return false, errors.New(errors.ErrCodeBadRequest, "observation name cannot be empty")
	}
	if source == "" {
		return false, errors.New(errors.ErrCodeBadRequest, "observation source cannot be empty")
	}

	for _, o := range m.Observations {
		if o.Name == name && o.Source == source {
			return false, nil
		}
	}

	m.Observations = append(m.Observations, Observation{
		Name:       name,
		Source:     source,
		ObservedAt: time.Now().UTC(),
	})
	m.touch()
	m.raise(NewObservationRecorded(m, name, source))
	return true, nil
}

// Names returns the distinct external names attached to this molecule, in
// first-observed order.
func (m *Molecule) Names() []string {
	seen := map[string]bool{}
	var names []string
	for _, o := range m.Observations {
		if !seen[o.Name] {
			seen[o.Name] = true
			names = append(names, o.Name)
		}
	}
	return names
}

// RecordProperty stores a property value.  A later value from the same
// (property, source) replaces the earlier one; values from other sources are
// kept side by side.
func (m *Molecule) RecordProperty(pv PropertyValue) error {
	if pv.Property == "" {
		return errors.New(errors.ErrCodeBadRequest, "property name cannot be empty")
	}
	if !pv.Source.IsValid() {
		return errors.New(errors.ErrCodeBadRequest, "unknown property source").
			WithDetail(fmt.Sprintf("source=%s", pv.Source))
	}
	if pv.ObservedAt.IsZero() {
		pv.ObservedAt = time.Now().UTC()
	}

	values := m.Properties[pv.Property]
	replaced := false
	for i, existing := range values {
		if existing.Source == pv.Source {
			values[i] = pv
			replaced = true
			break
		}
	}
	if !replaced {
		values = append(values, pv)
	}
	if m.Properties == nil {
		m.Properties = map[string][]PropertyValue{}
	}
	m.Properties[pv.Property] = values
	m.touch()
	m.raise(NewPropertyRecorded(m, pv))
	return nil
}

// SetFlag sets or clears one user's annotation, recording an optional note.
// Marks are scoped per (user, flag): two users starring the same molecule hold
// independent entries.  Returns true when the value or note actually changed.
func (m *Molecule) SetFlag(name string, value bool, note, actor string) (bool, error) {
	if name == "" {
		return false, errors.New(errors.ErrCodeFlagUnknown, "flag name cannot be empty")
	}
	if m.Flags == nil {
		m.Flags = map[string]map[string]moltypes.Flag{}
	}
	if current, ok := m.Flags[name][actor]; ok && current.Value == value && current.Note == note {
		return false, nil
	}
	if m.Flags[name] == nil {
		m.Flags[name] = map[string]moltypes.Flag{}
	}
	m.Flags[name][actor] = moltypes.Flag{
		Value: value,
		Note:  note,
		SetBy: actor,
		SetAt: time.Now().UTC(),
	}
	m.touch()
	m.raise(NewFlagChanged(m, name, value, note, actor))
	return true, nil
}

// FlagFor returns one user's mark for a flag name, if present.
func (m *Molecule) FlagFor(name, actor string) (moltypes.Flag, bool) {
	f, ok := m.Flags[name][actor]
	return f, ok
}

// AddToLibrary records membership in a library.  Adding twice is a no-op.
func (m *Molecule) AddToLibrary(libraryID common.ID) bool {
	for _, id := range m.Libraries {
		if id == libraryID {
			return false
		}
	}
	m.Libraries = append(m.Libraries, libraryID)
	m.touch()
	m.raise(NewAddedToLibrary(m, libraryID))
	return true
}

// RemoveFromLibrary removes a library membership.  Returns false when the
// molecule was not a member.
func (m *Molecule) RemoveFromLibrary(libraryID common.ID) bool {
	for i, id := range m.Libraries {
		if id == libraryID {
			m.Libraries = append(m.Libraries[:i], m.Libraries[i+1:]...)
			m.touch()
			m.raise(NewRemovedFromLibrary(m, libraryID))
			return true
		}
	}
	return false
}

// SetFingerprint stores the byte-encoded bit vector for a fingerprint type.
func (m *Molecule) SetFingerprint(fpType moltypes.FingerprintType, bits []byte) {
	if m.Fingerprints == nil {
		m.Fingerprints = map[moltypes.FingerprintType][]byte{}
	}
	m.Fingerprints[fpType] = bits
	m.touch()
}

// Events drains and returns the domain events raised since the last call.
func (m *Molecule) Events() []common.DomainEvent {
	evts := m.events
	m.events = nil
	return evts
}

// ToDTO converts the aggregate to its transfer representation.
func (m *Molecule) ToDTO() moltypes.MoleculeDTO {
	props := make(map[string][]moltypes.PropertyValueDTO, len(m.Properties))
	for name, values := range m.Properties {
		out := make([]moltypes.PropertyValueDTO, len(values))
		for i, v := range values {
			out[i] = moltypes.PropertyValueDTO{
				Property:   v.Property,
				Value:      v.Value,
				Unit:       v.Unit,
				Source:     v.Source,
				SourceName: v.SourceName,
				ObservedAt: v.ObservedAt,
			}
		}
		props[name] = out
	}

	return moltypes.MoleculeDTO{
		BaseEntity:       m.BaseEntity,
		SMILES:           m.SMILES,
		ContentHash:      m.ContentHash,
		MolecularFormula: m.Formula,
		MolecularWeight:  m.Weight,
		Names:            m.Names(),
		State:            m.State,
		Flags:            m.Flags,
		Libraries:        m.Libraries,
		Properties:       props,
		Fingerprints:     m.Fingerprints,
	}
}

// Validate checks aggregate integrity before persistence.
func (m *Molecule) Validate() error {
	if m.ID == "" {
		return errors.New(errors.ErrCodeBadRequest, "molecule ID cannot be empty")
	}
	if !chem.IsContentHash(m.ContentHash) {
		return errors.New(errors.ErrCodeBadRequest, "malformed content hash").
			WithDetail(fmt.Sprintf("content_hash=%s", m.ContentHash))
	}
	if m.SMILES == "" {
		return errors.New(errors.ErrCodeBadRequest, "canonical SMILES cannot be empty")
	}
	if !m.State.IsValid() {
		return errors.New(errors.ErrCodeBadRequest, "unknown lifecycle state").
			WithDetail(fmt.Sprintf("state=%s", m.State))
	}
	return nil
}

func (m *Molecule) touch() {
	m.UpdatedAt = time.Now().UTC()
}

func (m *Molecule) raise(evt common.DomainEvent) {
	m.events = append(m.events, evt)
}
