// Package molecule is the application facade over the molecule store: it
// translates between transport DTOs and the domain aggregate, keeps the
// read-through cache and the fingerprint index in step with writes, and
// records store metrics.  Domain rules live below it; handlers above it never
// see the aggregate.
package molecule

import (
	"context"
	"time"

	dommol "github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/internal/infrastructure/messaging/kafka"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/prometheus"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

// Store is the domain service surface this facade fronts.
type Store interface {
	Register(ctx context.Context, rawSMILES, name, source string) (*dommol.Molecule, bool, error)
	GetByContentHash(ctx context.Context, contentHash string) (*dommol.Molecule, error)
	RecordObservation(ctx context.Context, contentHash, name, source string) (bool, error)
	RecordProperty(ctx context.Context, contentHash string, pv dommol.PropertyValue) error
	SetFlag(ctx context.Context, contentHash, flag string, value bool, note, actor string) error
	Transition(ctx context.Context, contentHash string, to moltypes.MoleculeState, reason, actor string) error
	AddToLibrary(ctx context.Context, contentHash string, libraryID common.ID, actor string) error
	RemoveFromLibrary(ctx context.Context, contentHash string, libraryID common.ID, actor string) error
	AuditTrail(ctx context.Context, contentHash string, page common.CursorPage) (*common.PageResult[dommol.AuditEntry], error)
}

// EventPublisher emits integration events for newly registered molecules so
// the background plane can validate and enqueue predictions.  May be nil.
type EventPublisher interface {
	PublishEnvelope(ctx context.Context, topic, key string, env *kafka.EventEnvelope) error
}

// Cache is the read-through molecule cache.  Writes invalidate.
type Cache interface {
	GetOrLoad(ctx context.Context, contentHash string, loader func(ctx context.Context) (*moltypes.MoleculeDTO, error)) (*moltypes.MoleculeDTO, error)
	Invalidate(ctx context.Context, contentHash string) error
}

// FingerprintIndexer receives newly registered fingerprints for similarity
// prefiltering.
type FingerprintIndexer interface {
	Enabled() bool
	Upsert(ctx context.Context, contentHash string, fingerprint []byte) error
}

// RegisterInput is the registration request DTO.
type RegisterInput struct {
	SMILES string `json:"smiles"`
	Name   string `json:"name,omitempty"`
	Source string `json:"source,omitempty"`
}

// PropertyInput is the property-recording request DTO.
type PropertyInput struct {
	Property   string  `json:"property"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit,omitempty"`
	Source     string  `json:"source"`
	SourceName string  `json:"source_name,omitempty"`
}

// Service is the application-level molecule service.
type Service struct {
	store     Store
	cache     Cache
	index     FingerprintIndexer
	publisher EventPublisher
	metrics   *prometheus.AppMetrics
	logger    logging.Logger
}

// NewService wires the facade.  cache, index, publisher, and metrics may be nil.
func NewService(store Store, cache Cache, index FingerprintIndexer, publisher EventPublisher, metrics *prometheus.AppMetrics, logger logging.Logger) *Service {
	return &Service{
		store:     store,
		cache:     cache,
		index:     index,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.Named("molecule_app"),
	}
}

// Register canonicalizes and stores a structure.  The boolean reports whether
// a new molecule was created; re-registration attaches the observation to the
// existing record.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*moltypes.MoleculeDTO, bool, error) {
	mol, created, err := s.store.Register(ctx, in.SMILES, in.Name, in.Source)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.indexFingerprint(ctx, mol)
		s.publishIngested(ctx, mol, in.Source)
	}
	s.invalidate(ctx, mol.ContentHash)

	if s.metrics != nil {
		outcome := "existing"
		if created {
			outcome = "created"
		}
		s.metrics.MoleculeUpsertsTotal.WithLabelValues(outcome).Inc()
	}

	dto := mol.ToDTO()
	return &dto, created, nil
}

// Get returns one molecule through the read cache.
func (s *Service) Get(ctx context.Context, contentHash string) (*moltypes.MoleculeDTO, error) {
	load := func(ctx context.Context) (*moltypes.MoleculeDTO, error) {
		mol, err := s.store.GetByContentHash(ctx, contentHash)
		if err != nil {
			return nil, err
		}
		dto := mol.ToDTO()
		return &dto, nil
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.GetOrLoad(ctx, contentHash, load)
}

// RecordObservation attaches a (name, source) sighting.  Idempotent on
// repeats; the boolean reports whether anything new was written.
func (s *Service) RecordObservation(ctx context.Context, contentHash, name, source string) (bool, error) {
	added, err := s.store.RecordObservation(ctx, contentHash, name, source)
	if err != nil {
		return false, err
	}
	if added {
		s.invalidate(ctx, contentHash)
	}
	return added, nil
}

// RecordProperty stores one property value.
func (s *Service) RecordProperty(ctx context.Context, contentHash string, in PropertyInput) error {
	src := moltypes.ObservationSource(in.Source)
	if !src.IsValid() {
		return errors.New(errors.ErrCodeBadRequest, "unknown observation source").
			WithDetail("source=" + in.Source)
	}
	err := s.store.RecordProperty(ctx, contentHash, dommol.PropertyValue{
		Property:   in.Property,
		Value:      in.Value,
		Unit:       in.Unit,
		Source:     src,
		SourceName: in.SourceName,
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, contentHash)
	return nil
}

// SetFlag sets or clears a named annotation with an optional note.
func (s *Service) SetFlag(ctx context.Context, contentHash, flag string, value bool, note, actor string) error {
	if err := s.store.SetFlag(ctx, contentHash, flag, value, note, actor); err != nil {
		return err
	}
	s.invalidate(ctx, contentHash)
	return nil
}

// Transition moves the molecule's lifecycle state.
func (s *Service) Transition(ctx context.Context, contentHash string, to moltypes.MoleculeState, reason, actor string) error {
	mol, err := s.store.GetByContentHash(ctx, contentHash)
	if err != nil {
		return err
	}
	from := mol.State

	if err := s.store.Transition(ctx, contentHash, to, reason, actor); err != nil {
		return err
	}
	s.invalidate(ctx, contentHash)

	if s.metrics != nil {
		s.metrics.StateTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}
	return nil
}

// AddToLibrary records library membership.
func (s *Service) AddToLibrary(ctx context.Context, contentHash string, libraryID common.ID, actor string) error {
	if err := s.store.AddToLibrary(ctx, contentHash, libraryID, actor); err != nil {
		return err
	}
	s.invalidate(ctx, contentHash)
	return nil
}

// RemoveFromLibrary drops library membership.
func (s *Service) RemoveFromLibrary(ctx context.Context, contentHash string, libraryID common.ID, actor string) error {
	if err := s.store.RemoveFromLibrary(ctx, contentHash, libraryID, actor); err != nil {
		return err
	}
	s.invalidate(ctx, contentHash)
	return nil
}

// AuditTrail returns the molecule's journal, oldest first.
func (s *Service) AuditTrail(ctx context.Context, contentHash string, page common.CursorPage) (*common.PageResult[dommol.AuditEntry], error) {
	return s.store.AuditTrail(ctx, contentHash, page)
}

// indexFingerprint pushes the Morgan fingerprint to the similarity index.
// Index lag is acceptable; failures are logged, not propagated.
func (s *Service) indexFingerprint(ctx context.Context, mol *dommol.Molecule) {
	if s.index == nil || !s.index.Enabled() {
		return
	}
	bits, ok := mol.Fingerprints[moltypes.FPMorgan]
	if !ok || len(bits) == 0 {
		return
	}
	if err := s.index.Upsert(ctx, mol.ContentHash, bits); err != nil {
		s.logger.Warn("fingerprint index upsert failed",
			logging.ContentHash(mol.ContentHash), logging.Err(err))
	}
}

// publishIngested announces a newly registered molecule so the worker can
// drive it through validation and prediction.  Failures are logged only.
func (s *Service) publishIngested(ctx context.Context, mol *dommol.Molecule, source string) {
	if s.publisher == nil {
		return
	}
	env, err := kafka.NewEventEnvelope("molecule.ingested", "api", kafka.MoleculeIngestedPayload{
		ContentHash: mol.ContentHash,
		SMILES:      mol.SMILES,
		Source:      source,
		IngestedAt:  time.Now().UTC(),
	})
	if err == nil {
		err = s.publisher.PublishEnvelope(ctx, kafka.TopicMoleculeIngested, mol.ContentHash, env)
	}
	if err != nil {
		s.logger.Warn("failed to publish molecule.ingested",
			logging.ContentHash(mol.ContentHash), logging.Err(err))
	}
}

func (s *Service) invalidate(ctx context.Context, contentHash string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, contentHash); err != nil {
		s.logger.Warn("cache invalidation failed",
			logging.ContentHash(contentHash), logging.Err(err))
	}
}
