// Package molecule defines the molecule-domain Data Transfer Objects,
// enumerations, and request/response structures used across every layer of
// MolForge.  No domain logic lives here — only plain data types that are safe
// to import from any layer without creating circular dependencies.
package molecule

import (
	"time"

	"github.com/molforge/molforge/pkg/types/common"
)

// MoleculeState tracks a molecule through the upload → prediction → assay
// pipeline.  Transitions are enforced by the lifecycle orchestrator; the values
// here are the wire/storage representation.
type MoleculeState string

const (
	StateUploaded          MoleculeState = "uploaded"
	StateValidated         MoleculeState = "validated"
	StateInvalid           MoleculeState = "invalid"
	StatePredictionPending MoleculeState = "prediction_pending"
	StatePredictionReady   MoleculeState = "prediction_ready"
	StatePredictionFailed  MoleculeState = "prediction_failed"
	StateSubmittedForAssay MoleculeState = "submitted_for_assay"
	StateResultsAvailable  MoleculeState = "results_available"
)

// IsValid reports whether s is a known state value.
func (s MoleculeState) IsValid() bool {
	switch s {
	case StateUploaded, StateValidated, StateInvalid, StatePredictionPending,
		StatePredictionReady, StatePredictionFailed, StateSubmittedForAssay,
		StateResultsAvailable:
		return true
	}
	return false
}

// IsTerminal reports whether no further lifecycle transitions leave s.
func (s MoleculeState) IsTerminal() bool {
	return s == StateInvalid || s == StateResultsAvailable
}

func (s MoleculeState) String() string { return string(s) }

// ObservationSource identifies where a property observation came from.
type ObservationSource string

const (
	SourceMeasured  ObservationSource = "measured"
	SourcePredicted ObservationSource = "predicted"
	SourceImported  ObservationSource = "imported"
)

// IsValid reports whether src is a known source value.
func (src ObservationSource) IsValid() bool {
	switch src {
	case SourceMeasured, SourcePredicted, SourceImported:
		return true
	}
	return false
}

// FingerprintType identifies which fingerprint algorithm was used to generate
// a particular bit-vector for a molecule.
type FingerprintType string

const (
	// FPMorgan is the circular Morgan / ECFP fingerprint (default radius 2 → ECFP4).
	FPMorgan FingerprintType = "morgan"

	// FPMACCS is the 166-bit MACCS structural keys fingerprint.
	FPMACCS FingerprintType = "maccs"

	// FPTopological is the Daylight-style path fingerprint.
	FPTopological FingerprintType = "topological"
)

// Flag is one user's annotation on a molecule: the boolean value plus who set
// it, when, and an optional free-text note explaining the change.  Flags are
// scoped per user; one user marking a molecule never disturbs another's mark.
type Flag struct {
	Value bool      `json:"value"`
	Note  string    `json:"note,omitempty"`
	SetBy string    `json:"set_by,omitempty"`
	SetAt time.Time `json:"set_at"`
}

// PropertyValueDTO is one stored observation of a property on a molecule.
type PropertyValueDTO struct {
	Property   string            `json:"property"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Source     ObservationSource `json:"source"`
	SourceName string            `json:"source_name,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
}

// MoleculeDTO is the canonical molecule representation passed between the
// application, interface, and client layers.  It embeds common.BaseEntity so
// that it carries audit metadata without duplicating field definitions.
type MoleculeDTO struct {
	common.BaseEntity

	// SMILES is the canonical SMILES string produced by the chem adapter.
	SMILES string `json:"smiles"`

	// ContentHash is the 27-character structure-derived key used as the
	// globally unique identifier for de-duplication.
	ContentHash string `json:"content_hash"`

	// MolecularFormula is the Hill-system molecular formula (e.g., "C12H10N2O").
	MolecularFormula string `json:"molecular_formula"`

	// MolecularWeight is the average molecular weight in g/mol.
	MolecularWeight float64 `json:"molecular_weight"`

	// Names lists external identifiers attached over time (supplier codes,
	// registry numbers, trade names).
	Names []string `json:"names,omitempty"`

	// State is the current lifecycle state.
	State MoleculeState `json:"state"`

	// Flags holds named annotations such as "starred" or "needs_review",
	// keyed by flag name and then by the user who set the mark.
	Flags map[string]map[string]Flag `json:"flags,omitempty"`

	// Libraries lists the IDs of libraries this molecule belongs to.
	Libraries []common.ID `json:"libraries,omitempty"`

	// Properties contains the stored observations, keyed by property name.
	// Each property may carry multiple observations from different sources.
	Properties map[string][]PropertyValueDTO `json:"properties,omitempty"`

	// Fingerprints maps each computed fingerprint algorithm to its byte-encoded
	// bit-vector.  Omitted from JSON responses by default; populated internally
	// by the similarity-search and vector-indexing pipelines.
	Fingerprints map[FingerprintType][]byte `json:"fingerprints,omitempty"`
}

// SimilaritySearchRequest is the input DTO for fingerprint-similarity queries.
type SimilaritySearchRequest struct {
	// SMILES is the query structure; it is canonicalised before searching.
	SMILES string `json:"smiles"`

	// MinSimilarity is the minimum Tanimoto coefficient (0.0–1.0) required for
	// a molecule to be included in the results.  Defaults to 0.7.
	MinSimilarity float64 `json:"min_similarity,omitempty"`

	// FingerprintType selects the fingerprint algorithm.  Defaults to FPMorgan.
	FingerprintType FingerprintType `json:"fingerprint_type,omitempty"`

	common.CursorPage
}

// SimilarityHit pairs a molecule with its similarity score against the query.
type SimilarityHit struct {
	Molecule   MoleculeDTO `json:"molecule"`
	Similarity float64     `json:"similarity"`
}

// SubstructureSearchRequest is the input DTO for pattern-containment queries
// executed against the molecule corpus.
type SubstructureSearchRequest struct {
	// Pattern is the query substructure in SMILES-like notation.
	Pattern string `json:"pattern"`

	common.CursorPage
}
