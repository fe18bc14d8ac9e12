// Package query serves interactive reads over the molecule store: filtered
// listings with keyset pagination, molecule detail, substructure scans, and
// two-stage fingerprint similarity search.  Every result page passes through
// the authorization callback before it reaches the caller.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/molforge/molforge/internal/auth"
	"github.com/molforge/molforge/internal/chem"
	"github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/prometheus"
	"github.com/molforge/molforge/internal/infrastructure/search/milvus"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

const (
	// prefilterFactor oversizes the vector-index candidate set relative to
	// the requested limit so exact re-scoring has room to drop false hits.
	prefilterFactor = 4

	// maxFallbackScan bounds how many molecules the store-side similarity
	// fallback will score when no vector index is available.
	maxFallbackScan = 10_000
)

// SimilarityIndex is the vector-search prefilter consumed by similarity
// queries.  A nil or disabled index switches the service to a store scan.
type SimilarityIndex interface {
	Enabled() bool
	SearchSimilar(ctx context.Context, fingerprint []byte, topK int, minSimilarity float64) ([]milvus.Hit, error)
}

// Filter is the caller-facing conjunction of listing clauses.  Zero values
// mean "no constraint".
type Filter struct {
	// States restricts to molecules currently in any of the given lifecycle
	// states.
	States []string

	// LibraryID restricts to members of one library.
	LibraryID string

	// Flag restricts to molecules with the named flag set true.
	Flag string

	// NameContains is a substring match over observed names and formula.
	NameContains string

	// MinWeight and MaxWeight bound molecular weight.  Zero means unbounded.
	MinWeight float64
	MaxWeight float64

	// Property names a property that must have at least one stored value;
	// PropertyMin/PropertyMax optionally bound that value and PropertySource
	// optionally restricts which observation source counts.
	Property       string
	PropertyMin    *float64
	PropertyMax    *float64
	PropertySource string

	// Substructure is a structure pattern every result must contain.
	Substructure string
}

// Validate checks the filter at the query boundary.  Violations carry QRY_002
// (or QRY_004 for a malformed substructure pattern) with the offending field.
func (f Filter) Validate() error {
	for _, s := range f.States {
		if !moltypes.MoleculeState(s).IsValid() {
			return errors.New(errors.ErrCodeFilterInvalid, "unknown lifecycle state in filter").
				WithDetail("field=states value=" + s)
		}
	}
	if f.MinWeight < 0 || f.MaxWeight < 0 {
		return errors.New(errors.ErrCodeFilterInvalid, "weight bounds cannot be negative").
			WithDetail("field=weight")
	}
	if f.MinWeight > 0 && f.MaxWeight > 0 && f.MinWeight > f.MaxWeight {
		return errors.New(errors.ErrCodeFilterInvalid, "min weight exceeds max weight").
			WithDetail(fmt.Sprintf("field=weight min=%g max=%g", f.MinWeight, f.MaxWeight))
	}
	if f.Property == "" && (f.PropertyMin != nil || f.PropertyMax != nil || f.PropertySource != "") {
		return errors.New(errors.ErrCodeFilterInvalid, "property range requires a property name").
			WithDetail("field=property")
	}
	if f.PropertyMin != nil && f.PropertyMax != nil && *f.PropertyMin > *f.PropertyMax {
		return errors.New(errors.ErrCodeFilterInvalid, "property range is empty").
			WithDetail(fmt.Sprintf("field=property min=%g max=%g", *f.PropertyMin, *f.PropertyMax))
	}
	if f.PropertySource != "" && !moltypes.ObservationSource(f.PropertySource).IsValid() {
		return errors.New(errors.ErrCodeFilterInvalid, "unknown observation source").
			WithDetail("field=property_source value=" + f.PropertySource)
	}
	if f.Substructure != "" {
		if err := chem.ValidatePattern(f.Substructure); err != nil {
			return err
		}
	}
	return nil
}

// toDomain maps the store-evaluable clauses onto the repository filter.
// Property range clauses ride along: the store answers them from its
// flattened observation index.  Substructure stays an application-side
// predicate.
func (f Filter) toDomain() molecule.Filter {
	df := molecule.Filter{
		LibraryID:      common.ID(f.LibraryID),
		Flag:           f.Flag,
		NameContains:   f.NameContains,
		MinWeight:      f.MinWeight,
		MaxWeight:      f.MaxWeight,
		HasProperty:    f.Property,
		PropertyMin:    f.PropertyMin,
		PropertyMax:    f.PropertyMax,
		PropertySource: moltypes.ObservationSource(f.PropertySource),
	}
	for _, s := range f.States {
		df.States = append(df.States, moltypes.MoleculeState(s))
	}
	return df
}

// matches evaluates the application-side clauses against one molecule.
func (f Filter) matches(mol *molecule.Molecule) (bool, error) {
	if f.Substructure != "" {
		ok, err := chem.MatchSubstructure(f.Substructure, mol.SMILES)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// MoleculeDetail is the read model returned by Get: the aggregate plus its
// observations grouped by source.
type MoleculeDetail struct {
	Molecule             *molecule.Molecule
	ObservationsBySource map[string][]molecule.Observation
}

// SimilarityRequest asks for molecules structurally similar to a query
// structure.
type SimilarityRequest struct {
	SMILES    string
	Threshold float64
	Metric    string // tanimoto (default), dice, cosine
	Limit     int
}

// SimilarityHit is one scored similarity result.
type SimilarityHit struct {
	Molecule *molecule.Molecule
	Score    float64
	Class    string // identical / high / moderate / low / dissimilar
}

// Service answers molecule queries.  Listings delegate filterable clauses to
// the store's keyset pagination and evaluate the rest per page, so cursors
// stay stable under concurrent writes; pages may come back short of the
// requested limit after visibility filtering.
type Service struct {
	molecules  molecule.Repository
	index      SimilarityIndex
	authorizer auth.Authorizer
	metrics    *prometheus.AppMetrics
	logger     logging.Logger
}

// NewService wires the query service.  index and metrics may be nil; a nil
// authorizer denies everything.
func NewService(
	molecules molecule.Repository,
	index SimilarityIndex,
	authorizer auth.Authorizer,
	metrics *prometheus.AppMetrics,
	logger logging.Logger,
) *Service {
	if authorizer == nil {
		authorizer = auth.DenyAll{}
	}
	return &Service{
		molecules:  molecules,
		index:      index,
		authorizer: authorizer,
		metrics:    metrics,
		logger:     logger.Named("query"),
	}
}

// List returns one page of molecules matching the filter that the actor may
// see.  The cursor is the store's keyset token: resuming from it never skips
// a row, so a page thinned by visibility or post predicates loses nothing.
func (s *Service) List(ctx context.Context, actor auth.Actor, f Filter, page common.CursorPage) (*common.PageResult[*molecule.Molecule], error) {
	start := time.Now()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	page = page.Normalize()

	stored, err := s.molecules.List(ctx, f.toDomain(), page)
	if err != nil {
		return nil, err
	}

	items := make([]*molecule.Molecule, 0, len(stored.Items))
	for _, mol := range stored.Items {
		ok, err := f.matches(mol)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		visible, err := s.authorizer.CanSee(ctx, actor, mol.ContentHash)
		if err != nil {
			return nil, err
		}
		if visible {
			items = append(items, mol)
		}
	}

	result := &common.PageResult[*molecule.Molecule]{
		Items:      items,
		NextCursor: stored.NextCursor,
		// Total counts the store-evaluable clauses only; post predicates and
		// visibility can only shrink it.
		Total: stored.Total,
	}
	s.recordQuery("list", start, len(items))
	return result, nil
}

// Get returns one molecule's detail.  The key is a content hash or, when it
// does not parse as one, a surrogate ID.
func (s *Service) Get(ctx context.Context, actor auth.Actor, key string) (*MoleculeDetail, error) {
	start := time.Now()

	var mol *molecule.Molecule
	var err error
	if chem.IsContentHash(key) {
		mol, err = s.molecules.FindByContentHash(ctx, key)
	} else {
		mol, err = s.molecules.FindByID(ctx, common.ID(key))
	}
	if err != nil {
		return nil, err
	}

	visible, err := s.authorizer.CanSee(ctx, actor, mol.ContentHash)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, auth.Denied(actor, "molecule "+mol.ContentHash)
	}

	grouped := make(map[string][]molecule.Observation)
	for _, obs := range mol.Observations {
		grouped[obs.Source] = append(grouped[obs.Source], obs)
	}

	s.recordQuery("get", start, 1)
	return &MoleculeDetail{Molecule: mol, ObservationsBySource: grouped}, nil
}

// SubstructureSearch lists molecules containing the pattern.  It is List with
// a single substructure clause.
func (s *Service) SubstructureSearch(ctx context.Context, actor auth.Actor, pattern string, page common.CursorPage) (*common.PageResult[*molecule.Molecule], error) {
	return s.List(ctx, actor, Filter{Substructure: pattern}, page)
}

// SimilaritySearch finds molecules similar to the query structure: a vector
// index prefilter (or a bounded store scan when the index is off) followed by
// exact re-scoring with the requested metric, best first.
func (s *Service) SimilaritySearch(ctx context.Context, actor auth.Actor, req SimilarityRequest) ([]SimilarityHit, error) {
	start := time.Now()

	if req.Threshold <= 0 || req.Threshold > 1 {
		return nil, errors.New(errors.ErrCodeSimilarityThresholdInvalid, "similarity threshold must be in (0, 1]").
			WithDetail(fmt.Sprintf("threshold=%g", req.Threshold))
	}
	metric, err := molecule.ParseSimilarityMetric(req.Metric)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = common.DefaultPageLimit
	}
	if limit > common.MaxPageLimit {
		limit = common.MaxPageLimit
	}

	form, err := chem.Canonicalize(req.SMILES)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFilterInvalid, "query structure is not valid")
	}
	target, err := chem.Compute(moltypes.FPMorgan, form.SMILES)
	if err != nil {
		return nil, err
	}

	candidates, err := s.similarityCandidates(ctx, target, metric, req.Threshold, limit)
	if err != nil {
		return nil, err
	}

	fps := make([]*chem.Fingerprint, len(candidates))
	for i, mol := range candidates {
		fps[i], err = candidateFingerprint(mol)
		if err != nil {
			return nil, err
		}
	}

	ranked, err := molecule.RankCandidates(target, fps, metric, req.Threshold)
	if err != nil {
		return nil, err
	}

	hits := make([]SimilarityHit, 0, limit)
	for _, r := range ranked {
		mol := candidates[r.Index]
		visible, err := s.authorizer.CanSee(ctx, actor, mol.ContentHash)
		if err != nil {
			return nil, err
		}
		if !visible {
			continue
		}
		hits = append(hits, SimilarityHit{
			Molecule: mol,
			Score:    r.Score,
			Class:    molecule.ClassifySimilarity(r.Score),
		})
		if len(hits) == limit {
			break
		}
	}

	if s.metrics != nil {
		s.metrics.SimilaritySearchDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	}
	s.recordQuery("similarity", start, len(hits))
	return hits, nil
}

// similarityCandidates gathers the molecules to re-score exactly.
func (s *Service) similarityCandidates(ctx context.Context, target *chem.Fingerprint, metric molecule.SimilarityMetric, threshold float64, limit int) ([]*molecule.Molecule, error) {
	if s.index != nil && s.index.Enabled() {
		return s.indexCandidates(ctx, target, metric, threshold, limit)
	}
	return s.scanCandidates(ctx)
}

func (s *Service) indexCandidates(ctx context.Context, target *chem.Fingerprint, metric molecule.SimilarityMetric, threshold float64, limit int) ([]*molecule.Molecule, error) {
	// The index answers Tanimoto only; for other metrics the prefilter keeps
	// everything and the exact pass applies the threshold.
	lowerBound := threshold
	if metric != molecule.MetricTanimoto {
		lowerBound = 0
	}

	hits, err := s.index.SearchSimilar(ctx, target.Bits, limit*prefilterFactor, lowerBound)
	if err != nil {
		s.logger.Warn("similarity prefilter failed, falling back to store scan", logging.Err(err))
		return s.scanCandidates(ctx)
	}

	out := make([]*molecule.Molecule, 0, len(hits))
	for _, hit := range hits {
		mol, err := s.molecules.FindByContentHash(ctx, hit.ContentHash)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeMoleculeNotFound) {
				// Index lag after a delete.
				continue
			}
			return nil, err
		}
		out = append(out, mol)
	}
	return out, nil
}

func (s *Service) scanCandidates(ctx context.Context) ([]*molecule.Molecule, error) {
	var out []*molecule.Molecule
	page := common.CursorPage{Limit: common.MaxPageLimit}
	for {
		stored, err := s.molecules.List(ctx, molecule.Filter{}, page)
		if err != nil {
			return nil, err
		}
		out = append(out, stored.Items...)
		if stored.NextCursor == "" || len(out) >= maxFallbackScan {
			return out, nil
		}
		page.Cursor = stored.NextCursor
	}
}

// candidateFingerprint returns the stored Morgan fingerprint, computing and
// caching one in memory when an older row predates fingerprinting.
func candidateFingerprint(mol *molecule.Molecule) (*chem.Fingerprint, error) {
	if bits, ok := mol.Fingerprints[moltypes.FPMorgan]; ok && len(bits) > 0 {
		return chem.NewFingerprint(moltypes.FPMorgan, bits, chem.MorganBits), nil
	}
	fp, err := chem.Compute(moltypes.FPMorgan, mol.SMILES)
	if err != nil {
		return nil, err
	}
	mol.SetFingerprint(moltypes.FPMorgan, fp.Bits)
	return fp, nil
}

func (s *Service) recordQuery(queryType string, start time.Time, results int) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryDuration.WithLabelValues(queryType).Observe(time.Since(start).Seconds())
	s.metrics.QueryResultCount.WithLabelValues(queryType).Observe(float64(results))
}
