package molecule

import (
	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

// Event type identifiers.  These double as Kafka message keys so downstream
// consumers can route without unmarshalling the payload.
const (
	EventTypeMoleculeCreated     = "molecule.created"
	EventTypeObservationRecorded = "molecule.observation_recorded"
	EventTypePropertyRecorded    = "molecule.property_recorded"
	EventTypeFlagChanged         = "molecule.flag_changed"
	EventTypeStateTransitioned   = "molecule.state_transitioned"
	EventTypeAddedToLibrary      = "molecule.added_to_library"
	EventTypeRemovedFromLibrary  = "molecule.removed_from_library"
)

// TypedEvent is a DomainEvent that also carries its routing type.
type TypedEvent interface {
	common.DomainEvent
	EventType() string
}

// MoleculeCreated fires when a structure is registered for the first time.
type MoleculeCreated struct {
	common.BaseEvent
	ContentHash string `json:"content_hash"`
	SMILES      string `json:"smiles"`
}

func NewMoleculeCreated(m *Molecule) MoleculeCreated {
	return MoleculeCreated{
		BaseEvent:   common.NewBaseEvent(string(m.ID)),
		ContentHash: m.ContentHash,
		SMILES:      m.SMILES,
	}
}

func (MoleculeCreated) EventType() string { return EventTypeMoleculeCreated }

// ObservationRecorded fires when a new (name, source) sighting is stored.
// Repeat sightings are idempotent no-ops and do not fire.
type ObservationRecorded struct {
	common.BaseEvent
	ContentHash string `json:"content_hash"`
	Name        string `json:"name"`
	Source      string `json:"source"`
}

func NewObservationRecorded(m *Molecule, name, source string) ObservationRecorded {
	return ObservationRecorded{
		BaseEvent:   common.NewBaseEvent(string(m.ID)),
		ContentHash: m.ContentHash,
		Name:        name,
		Source:      source,
	}
}

func (ObservationRecorded) EventType() string { return EventTypeObservationRecorded }

// PropertyRecorded fires when a property value is stored or replaced.
type PropertyRecorded struct {
	common.BaseEvent
	ContentHash string                     `json:"content_hash"`
	Property    string                     `json:"property"`
	Value       float64                    `json:"value"`
	Source      moltypes.ObservationSource `json:"source"`
}

func NewPropertyRecorded(m *Molecule, pv PropertyValue) PropertyRecorded {
	return PropertyRecorded{
		BaseEvent:   common.NewBaseEvent(string(m.ID)),
		ContentHash: m.ContentHash,
		Property:    pv.Property,
		Value:       pv.Value,
		Source:      pv.Source,
	}
}

func (PropertyRecorded) EventType() string { return EventTypePropertyRecorded }

// FlagChanged fires when a named annotation changes value or note.
type FlagChanged struct {
	common.BaseEvent
	ContentHash string `json:"content_hash"`
	Flag        string `json:"flag"`
	Value       bool   `json:"value"`
	Note        string `json:"note,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

func NewFlagChanged(m *Molecule, flag string, value bool, note, actor string) FlagChanged {
	return FlagChanged{
		BaseEvent:   common.NewBaseEvent(string(m.ID)),
		ContentHash: m.ContentHash,
		Flag:        flag,
		Value:       value,
		Note:        note,
		Actor:       actor,
	}
}

func (FlagChanged) EventType() string { return EventTypeFlagChanged }

// StateTransitioned fires on every lifecycle transition.
type StateTransitioned struct {
	common.BaseEvent
	ContentHash string                 `json:"content_hash"`
	From        moltypes.MoleculeState `json:"from"`
	To          moltypes.MoleculeState `json:"to"`
	Reason      string                 `json:"reason,omitempty"`
	Actor       string                 `json:"actor,omitempty"`
}

func NewStateTransitioned(m *Molecule, from, to moltypes.MoleculeState, reason, actor string) StateTransitioned {
	return StateTransitioned{
		BaseEvent:   common.NewBaseEvent(string(m.ID)),
		ContentHash: m.ContentHash,
		From:        from,
		To:          to,
		Reason:      reason,
		Actor:       actor,
	}
}

func (StateTransitioned) EventType() string { return EventTypeStateTransitioned }

// AddedToLibrary fires when a molecule joins a library.
type AddedToLibrary struct {
	common.BaseEvent
	ContentHash string    `json:"content_hash"`
	LibraryID   common.ID `json:"library_id"`
}

func NewAddedToLibrary(m *Molecule, libraryID common.ID) AddedToLibrary {
	return AddedToLibrary{
		BaseEvent:   common.NewBaseEvent(string(m.ID)),
		ContentHash: m.ContentHash,
		LibraryID:   libraryID,
	}
}

func (AddedToLibrary) EventType() string { return EventTypeAddedToLibrary }

// RemovedFromLibrary fires when a molecule leaves a library.
type RemovedFromLibrary struct {
	common.BaseEvent
	ContentHash string    `json:"content_hash"`
	LibraryID   common.ID `json:"library_id"`
}

func NewRemovedFromLibrary(m *Molecule, libraryID common.ID) RemovedFromLibrary {
	return RemovedFromLibrary{
		BaseEvent:   common.NewBaseEvent(string(m.ID)),
		ContentHash: m.ContentHash,
		LibraryID:   libraryID,
	}
}

func (RemovedFromLibrary) EventType() string { return EventTypeRemovedFromLibrary }
