package query

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/internal/auth"
	"github.com/molforge/molforge/internal/chem"
	"github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/internal/infrastructure/search/milvus"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

type mockRepo struct {
	mu   sync.Mutex
	mols []*molecule.Molecule
}

func (r *mockRepo) add(mol *molecule.Molecule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mols = append(r.mols, mol)
	sort.Slice(r.mols, func(i, j int) bool {
		if !r.mols[i].CreatedAt.Equal(r.mols[j].CreatedAt) {
			return r.mols[i].CreatedAt.Before(r.mols[j].CreatedAt)
		}
		return r.mols[i].ContentHash < r.mols[j].ContentHash
	})
}

func (r *mockRepo) Upsert(_ context.Context, mol *molecule.Molecule) (*molecule.Molecule, bool, error) {
	r.add(mol)
	return mol, true, nil
}

func (r *mockRepo) Save(context.Context, *molecule.Molecule) error { return nil }

func (r *mockRepo) FindByID(_ context.Context, id common.ID) (*molecule.Molecule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mols {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found")
}

func (r *mockRepo) FindByContentHash(_ context.Context, contentHash string) (*molecule.Molecule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mols {
		if m.ContentHash == contentHash {
			return m, nil
		}
	}
	return nil, errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found")
}

func (r *mockRepo) UpdateState(context.Context, string, moltypes.MoleculeState, moltypes.MoleculeState) error {
	return nil
}

func matchesDomain(m *molecule.Molecule, f molecule.Filter) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if m.State == s {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	if f.MinWeight > 0 && m.Weight < f.MinWeight {
		return false
	}
	if f.MaxWeight > 0 && m.Weight > f.MaxWeight {
		return false
	}
	if f.HasProperty != "" {
		// Mirrors the store's observation-table lookup: any value of the named
		// property within the bounds and source qualifies.
		ok := false
		for _, pv := range m.Properties[f.HasProperty] {
			if f.PropertySource != "" && pv.Source != f.PropertySource {
				continue
			}
			if f.PropertyMin != nil && pv.Value < *f.PropertyMin {
				continue
			}
			if f.PropertyMax != nil && pv.Value > *f.PropertyMax {
				continue
			}
			ok = true
		}
		if !ok {
			return false
		}
	}
	if f.Flag != "" {
		set := false
		for _, fl := range m.Flags[f.Flag] {
			if fl.Value {
				set = true
			}
		}
		if !set {
			return false
		}
	}
	return true
}

func (r *mockRepo) List(_ context.Context, f molecule.Filter, page common.CursorPage) (*common.PageResult[*molecule.Molecule], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	page = page.Normalize()

	var filtered []*molecule.Molecule
	for _, m := range r.mols {
		if matchesDomain(m, f) {
			filtered = append(filtered, m)
		}
	}

	offset := 0
	if page.Cursor != "" {
		n, err := strconv.Atoi(page.Cursor)
		if err != nil {
			return nil, errors.New(errors.ErrCodeCursorInvalid, "malformed page cursor")
		}
		offset = n
	}

	res := &common.PageResult[*molecule.Molecule]{Total: int64(len(filtered))}
	end := offset + page.Limit
	if end > len(filtered) {
		end = len(filtered)
	}
	if offset < len(filtered) {
		res.Items = filtered[offset:end]
	}
	if end < len(filtered) {
		res.NextCursor = strconv.Itoa(end)
	}
	return res, nil
}

func (r *mockRepo) FindByStates(context.Context, []moltypes.MoleculeState, int) ([]*molecule.Molecule, error) {
	return nil, nil
}

func (r *mockRepo) Count(_ context.Context, f molecule.Filter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.mols {
		if matchesDomain(m, f) {
			n++
		}
	}
	return n, nil
}

type mockIndex struct {
	enabled bool
	hits    []milvus.Hit
	err     error
	calls   int
}

func (i *mockIndex) Enabled() bool { return i.enabled }

func (i *mockIndex) SearchSimilar(context.Context, []byte, int, float64) ([]milvus.Hit, error) {
	i.calls++
	return i.hits, i.err
}

func newMol(t *testing.T, smiles string) *molecule.Molecule {
	t.Helper()
	form, err := chem.Canonicalize(smiles)
	require.NoError(t, err)
	desc, err := chem.ComputeDescriptors(form.SMILES)
	require.NoError(t, err)
	mol := molecule.New(form, desc)
	fp, err := chem.Compute(moltypes.FPMorgan, form.SMILES)
	require.NoError(t, err)
	mol.SetFingerprint(moltypes.FPMorgan, fp.Bits)
	return mol
}

func withProperty(mol *molecule.Molecule, name string, value float64, source moltypes.ObservationSource) *molecule.Molecule {
	mol.Properties[name] = append(mol.Properties[name], molecule.PropertyValue{
		Property:   name,
		Value:      value,
		Source:     source,
		ObservedAt: time.Now().UTC(),
	})
	return mol
}

type fixture struct {
	repo    *mockRepo
	index   *mockIndex
	svc     *Service
	ethanol *molecule.Molecule
	benzene *molecule.Molecule
	butanol *molecule.Molecule
}

func newFixture(t *testing.T, authorizer auth.Authorizer) *fixture {
	t.Helper()
	if authorizer == nil {
		authorizer = auth.AllowAll{}
	}
	f := &fixture{
		repo:    &mockRepo{},
		index:   &mockIndex{},
		ethanol: newMol(t, "CCO"),
		benzene: newMol(t, "c1ccccc1"),
		butanol: newMol(t, "CCCCO"),
	}
	withProperty(f.ethanol, "logP", -0.3, moltypes.SourcePredicted)
	withProperty(f.benzene, "logP", 2.1, moltypes.SourceMeasured)
	f.repo.add(f.ethanol)
	f.repo.add(f.benzene)
	f.repo.add(f.butanol)
	f.svc = NewService(f.repo, f.index, authorizer, nil, logging.NewNopLogger())
	return f
}

func TestFilterValidate(t *testing.T) {
	ptr := func(v float64) *float64 { return &v }

	tests := []struct {
		name     string
		filter   Filter
		wantCode errors.ErrorCode
	}{
		{"empty ok", Filter{}, ""},
		{"valid states", Filter{States: []string{"uploaded", "validated"}}, ""},
		{"unknown state", Filter{States: []string{"vaporized"}}, errors.ErrCodeFilterInvalid},
		{"negative weight", Filter{MinWeight: -1}, errors.ErrCodeFilterInvalid},
		{"inverted weights", Filter{MinWeight: 100, MaxWeight: 50}, errors.ErrCodeFilterInvalid},
		{"range without property", Filter{PropertyMin: ptr(1)}, errors.ErrCodeFilterInvalid},
		{"empty property range", Filter{Property: "logP", PropertyMin: ptr(2), PropertyMax: ptr(1)}, errors.ErrCodeFilterInvalid},
		{"unknown source", Filter{Property: "logP", PropertySource: "divined"}, errors.ErrCodeFilterInvalid},
		{"bad substructure", Filter{Substructure: "C(("}, errors.ErrCodeSubstructureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filter.Validate()
			if tt.wantCode == "" {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsCode(err, tt.wantCode), "got %v", err)
			}
		})
	}
}

func TestList(t *testing.T) {
	f := newFixture(t, nil)

	page, err := f.svc.List(context.Background(), auth.Anonymous, Filter{}, common.CursorPage{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
	assert.Equal(t, int64(3), page.Total)
	assert.Empty(t, page.NextCursor)
}

func TestList_Pagination(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.svc.List(context.Background(), auth.Anonymous, Filter{}, common.CursorPage{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)

	second, err := f.svc.List(context.Background(), auth.Anonymous, Filter{}, common.CursorPage{Cursor: first.NextCursor, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, second.Items, 1)
	assert.Empty(t, second.NextCursor)

	seen := map[string]bool{}
	for _, m := range append(first.Items, second.Items...) {
		seen[m.ContentHash] = true
	}
	assert.Len(t, seen, 3)
}

func TestList_PropertyRange(t *testing.T) {
	f := newFixture(t, nil)
	min, max := 0.0, 3.0

	page, err := f.svc.List(context.Background(), auth.Anonymous, Filter{
		Property:    "logP",
		PropertyMin: &min,
		PropertyMax: &max,
	}, common.CursorPage{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, f.benzene.ContentHash, page.Items[0].ContentHash)
}

func TestList_PropertyRangeWithSource(t *testing.T) {
	f := newFixture(t, nil)

	page, err := f.svc.List(context.Background(), auth.Anonymous, Filter{
		Property:       "logP",
		PropertySource: string(moltypes.SourcePredicted),
	}, common.CursorPage{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, f.ethanol.ContentHash, page.Items[0].ContentHash)
}

func TestList_Substructure(t *testing.T) {
	f := newFixture(t, nil)

	// The C-C-O chain occurs in ethanol and butanol but not benzene.
	page, err := f.svc.List(context.Background(), auth.Anonymous, Filter{Substructure: "CCO"}, common.CursorPage{})
	require.NoError(t, err)
	hashes := map[string]bool{}
	for _, m := range page.Items {
		hashes[m.ContentHash] = true
	}
	assert.True(t, hashes[f.ethanol.ContentHash])
	assert.True(t, hashes[f.butanol.ContentHash])
	assert.False(t, hashes[f.benzene.ContentHash])
}

func TestList_VisibilityFilter(t *testing.T) {
	var hidden string
	f := newFixture(t, auth.Func{
		SeeFn: func(_ context.Context, _ auth.Actor, contentHash string) (bool, error) {
			return contentHash != hidden, nil
		},
	})
	hidden = f.benzene.ContentHash

	page, err := f.svc.List(context.Background(), auth.Anonymous, Filter{}, common.CursorPage{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	for _, m := range page.Items {
		assert.NotEqual(t, hidden, m.ContentHash)
	}
}

func TestList_AuthorizerError(t *testing.T) {
	f := newFixture(t, auth.Func{
		SeeFn: func(context.Context, auth.Actor, string) (bool, error) {
			return false, errors.New(errors.ErrCodePermissionExpired, "grant expired")
		},
	})

	_, err := f.svc.List(context.Background(), auth.Anonymous, Filter{}, common.CursorPage{})
	assert.True(t, errors.IsCode(err, errors.ErrCodePermissionExpired))
}

func TestList_InvalidFilter(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.List(context.Background(), auth.Anonymous, Filter{States: []string{"nope"}}, common.CursorPage{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeFilterInvalid))
}

func TestGet(t *testing.T) {
	f := newFixture(t, nil)
	f.ethanol.Observations = []molecule.Observation{
		{Name: "ethanol", Source: "upload:1", ObservedAt: time.Now().UTC()},
		{Name: "EtOH", Source: "upload:2", ObservedAt: time.Now().UTC()},
		{Name: "alcohol", Source: "upload:1", ObservedAt: time.Now().UTC()},
	}

	detail, err := f.svc.Get(context.Background(), auth.Anonymous, f.ethanol.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, f.ethanol.ContentHash, detail.Molecule.ContentHash)
	assert.Len(t, detail.ObservationsBySource["upload:1"], 2)
	assert.Len(t, detail.ObservationsBySource["upload:2"], 1)
}

func TestGet_ByID(t *testing.T) {
	f := newFixture(t, nil)

	detail, err := f.svc.Get(context.Background(), auth.Anonymous, string(f.benzene.ID))
	require.NoError(t, err)
	assert.Equal(t, f.benzene.ContentHash, detail.Molecule.ContentHash)
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Get(context.Background(), auth.Anonymous, "no-such-key")
	assert.True(t, errors.IsCode(err, errors.ErrCodeMoleculeNotFound))
}

func TestGet_Denied(t *testing.T) {
	f := newFixture(t, auth.DenyAll{})

	_, err := f.svc.Get(context.Background(), auth.Anonymous, f.ethanol.ContentHash)
	assert.True(t, errors.IsCode(err, errors.ErrCodePermissionDenied))
}

func TestSimilaritySearch_ThresholdValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, tau := range []float64{0, -0.1, 1.01} {
		_, err := f.svc.SimilaritySearch(ctx, auth.Anonymous, SimilarityRequest{SMILES: "CCO", Threshold: tau})
		assert.True(t, errors.IsCode(err, errors.ErrCodeSimilarityThresholdInvalid), "tau=%g", tau)
	}
}

func TestSimilaritySearch_InvalidQuery(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.SimilaritySearch(context.Background(), auth.Anonymous, SimilarityRequest{SMILES: "C((", Threshold: 0.5})
	assert.True(t, errors.IsCode(err, errors.ErrCodeFilterInvalid))
}

func TestSimilaritySearch_ScanFallback(t *testing.T) {
	f := newFixture(t, nil) // index disabled

	hits, err := f.svc.SimilaritySearch(context.Background(), auth.Anonymous, SimilarityRequest{
		SMILES:    "CCO",
		Threshold: 0.99,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, f.ethanol.ContentHash, hits[0].Molecule.ContentHash)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, "identical", hits[0].Class)
	assert.Zero(t, f.index.calls)
}

func TestSimilaritySearch_OrderedBestFirst(t *testing.T) {
	f := newFixture(t, nil)

	hits, err := f.svc.SimilaritySearch(context.Background(), auth.Anonymous, SimilarityRequest{
		SMILES:    "CCO",
		Threshold: 0.01,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, f.ethanol.ContentHash, hits[0].Molecule.ContentHash)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestSimilaritySearch_UsesIndex(t *testing.T) {
	f := newFixture(t, nil)
	f.index.enabled = true
	f.index.hits = []milvus.Hit{
		{ContentHash: f.ethanol.ContentHash, Similarity: 1.0},
		{ContentHash: "GGGGGGGGGGGGGG-GGGGGGGGGG-G", Similarity: 0.9}, // stale index entry
	}

	hits, err := f.svc.SimilaritySearch(context.Background(), auth.Anonymous, SimilarityRequest{
		SMILES:    "CCO",
		Threshold: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.index.calls)
	require.Len(t, hits, 1)
	assert.Equal(t, f.ethanol.ContentHash, hits[0].Molecule.ContentHash)
}

func TestSimilaritySearch_IndexFailureFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.index.enabled = true
	f.index.err = errors.New(errors.ErrCodeServiceUnavailable, "vector store down")

	hits, err := f.svc.SimilaritySearch(context.Background(), auth.Anonymous, SimilarityRequest{
		SMILES:    "CCO",
		Threshold: 0.99,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, f.ethanol.ContentHash, hits[0].Molecule.ContentHash)
}

func TestSimilaritySearch_VisibilityFilter(t *testing.T) {
	var hidden string
	f := newFixture(t, auth.Func{
		SeeFn: func(_ context.Context, _ auth.Actor, contentHash string) (bool, error) {
			return contentHash != hidden, nil
		},
	})
	hidden = f.ethanol.ContentHash

	hits, err := f.svc.SimilaritySearch(context.Background(), auth.Anonymous, SimilarityRequest{
		SMILES:    "CCO",
		Threshold: 0.99,
	})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSubstructureSearch(t *testing.T) {
	f := newFixture(t, nil)

	page, err := f.svc.SubstructureSearch(context.Background(), auth.Anonymous, "CCO", common.CursorPage{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	_, err = f.svc.SubstructureSearch(context.Background(), auth.Anonymous, "C((", common.CursorPage{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeSubstructureInvalid))
}
