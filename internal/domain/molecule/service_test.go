package molecule

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

// memRepo is an in-memory Repository with real optimistic locking, so the
// service's retry path is exercised the same way the SQL implementation
// behaves.
type memRepo struct {
	mu     sync.Mutex
	byHash map[string]*Molecule
}

func newMemRepo() *memRepo {
	return &memRepo{byHash: map[string]*Molecule{}}
}

func (r *memRepo) clone(m *Molecule) *Molecule {
	cp := *m
	cp.events = nil
	return &cp
}

func (r *memRepo) Upsert(_ context.Context, mol *Molecule) (*Molecule, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byHash[mol.ContentHash]; ok {
		return r.clone(existing), false, nil
	}
	r.byHash[mol.ContentHash] = r.clone(mol)
	return r.clone(mol), true, nil
}

func (r *memRepo) Save(_ context.Context, mol *Molecule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byHash[mol.ContentHash]
	if !ok {
		return errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found")
	}
	if existing.Version != mol.Version {
		return errors.New(errors.ErrCodeIdentityVersionConflict, "stale version")
	}
	cp := r.clone(mol)
	cp.Version++
	r.byHash[mol.ContentHash] = cp
	return nil
}

func (r *memRepo) FindByID(_ context.Context, id common.ID) (*Molecule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.byHash {
		if m.ID == id {
			return r.clone(m), nil
		}
	}
	return nil, errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found")
}

func (r *memRepo) FindByContentHash(_ context.Context, hash string) (*Molecule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byHash[hash]
	if !ok {
		return nil, errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found")
	}
	return r.clone(m), nil
}

func (r *memRepo) UpdateState(_ context.Context, hash string, from, to moltypes.MoleculeState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byHash[hash]
	if !ok {
		return errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found")
	}
	if m.State != from {
		return errors.New(errors.ErrCodeStateTransitionInvalid, "state precondition failed")
	}
	m.State = to
	m.Version++
	return nil
}

func (r *memRepo) List(_ context.Context, _ Filter, _ common.CursorPage) (*common.PageResult[*Molecule], error) {
	return &common.PageResult[*Molecule]{}, nil
}

func (r *memRepo) FindByStates(_ context.Context, states []moltypes.MoleculeState, limit int) ([]*Molecule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Molecule
	for _, m := range r.byHash {
		for _, s := range states {
			if m.State == s {
				out = append(out, r.clone(m))
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) Count(_ context.Context, _ Filter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.byHash)), nil
}

// memAudit collects journal entries in memory.
type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *memAudit) Append(_ context.Context, e AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *memAudit) ListByContentHash(_ context.Context, hash string, _ common.CursorPage) (*common.PageResult[AuditEntry], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditEntry
	for _, e := range a.entries {
		if e.ContentHash == hash {
			out = append(out, e)
		}
	}
	return &common.PageResult[AuditEntry]{Items: out, Total: int64(len(out))}, nil
}

func (a *memAudit) ListSince(_ context.Context, sinceSeq int64, limit int) ([]AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditEntry
	for _, e := range a.entries {
		if e.Seq > sinceSeq && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

func newTestService(t *testing.T) (*Service, *memRepo, *memAudit) {
	t.Helper()
	repo := newMemRepo()
	audit := &memAudit{}
	return NewService(repo, audit, logging.NewNopLogger()), repo, audit
}

func TestService_Register_CreatesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, audit := newTestService(t)

	mol, created, err := svc.Register(ctx, "CCO", "ethanol", "upload:batch-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, moltypes.StateUploaded, mol.State)
	assert.Len(t, mol.Observations, 1)
	assert.Len(t, mol.Fingerprints, 3)

	// Re-registering the same structure under a new name attaches, not creates.
	again, created, err := svc.Register(ctx, "  CCO ", "EtOH", "upload:batch-2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, mol.ContentHash, again.ContentHash)
	assert.ElementsMatch(t, []string{"ethanol", "EtOH"}, again.Names())

	assert.Contains(t, audit.actions(), "registered")
	assert.Contains(t, audit.actions(), "observation_recorded")
}

func TestService_Register_InvalidStructure(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	_, _, err := svc.Register(context.Background(), "C(C", "broken", "upload:batch-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationSyntax))
}

func TestService_RecordObservation_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	mol, _, err := svc.Register(ctx, "CCO", "ethanol", "upload:batch-1")
	require.NoError(t, err)

	added, err := svc.RecordObservation(ctx, mol.ContentHash, "ethanol", "upload:batch-1")
	require.NoError(t, err)
	assert.False(t, added)

	added, err = svc.RecordObservation(ctx, mol.ContentHash, "alcohol", "registry")
	require.NoError(t, err)
	assert.True(t, added)
}

func TestService_RecordProperty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	mol, _, err := svc.Register(ctx, "CCO", "", "system")
	require.NoError(t, err)

	pv := PropertyValue{Property: "logS", Value: -0.77, Source: moltypes.SourcePredicted, SourceName: "solnet-v2"}
	require.NoError(t, svc.RecordProperty(ctx, mol.ContentHash, pv))

	stored, err := repo.FindByContentHash(ctx, mol.ContentHash)
	require.NoError(t, err)
	require.Len(t, stored.Properties["logS"], 1)
	assert.InDelta(t, -0.77, stored.Properties["logS"][0].Value, 1e-9)
}

func TestService_RecordProperty_NotFound(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	err := svc.RecordProperty(context.Background(), "AAAAAAAAAAAAAA-BBBBBBBBBB-C", PropertyValue{
		Property: "logP", Source: moltypes.SourceMeasured,
	})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestService_Transition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, repo, audit := newTestService(t)

	mol, _, err := svc.Register(ctx, "CCO", "", "system")
	require.NoError(t, err)

	require.NoError(t, svc.Transition(ctx, mol.ContentHash, moltypes.StateValidated, "structure ok", "system"))

	stored, err := repo.FindByContentHash(ctx, mol.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, moltypes.StateValidated, stored.State)
	assert.Contains(t, audit.actions(), "state_transitioned")

	// Illegal jump is rejected before touching the store.
	err = svc.Transition(ctx, mol.ContentHash, moltypes.StateResultsAvailable, "", "system")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStateTransitionInvalid))
}

func TestService_SetFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	mol, _, err := svc.Register(ctx, "CCO", "", "system")
	require.NoError(t, err)

	require.NoError(t, svc.SetFlag(ctx, mol.ContentHash, "starred", true, "hit in Q3 screen", "alice"))

	stored, err := repo.FindByContentHash(ctx, mol.ContentHash)
	require.NoError(t, err)
	assert.True(t, stored.Flags["starred"]["alice"].Value)
	assert.Equal(t, "hit in Q3 screen", stored.Flags["starred"]["alice"].Note)
	assert.Equal(t, "alice", stored.Flags["starred"]["alice"].SetBy)
}

func TestService_AddToLibrary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	mol, _, err := svc.Register(ctx, "CCO", "", "system")
	require.NoError(t, err)

	libID := common.NewID()
	require.NoError(t, svc.AddToLibrary(ctx, mol.ContentHash, libID, "alice"))
	// Second add is a silent no-op.
	require.NoError(t, svc.AddToLibrary(ctx, mol.ContentHash, libID, "alice"))

	stored, err := repo.FindByContentHash(ctx, mol.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, []common.ID{libID}, stored.Libraries)
}

func TestService_RemoveFromLibrary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, repo, audit := newTestService(t)

	mol, _, err := svc.Register(ctx, "CCO", "", "system")
	require.NoError(t, err)

	libID := common.NewID()
	require.NoError(t, svc.AddToLibrary(ctx, mol.ContentHash, libID, "alice"))
	require.NoError(t, svc.RemoveFromLibrary(ctx, mol.ContentHash, libID, "alice"))

	stored, err := repo.FindByContentHash(ctx, mol.ContentHash)
	require.NoError(t, err)
	assert.Empty(t, stored.Libraries)
	assert.Contains(t, audit.actions(), "removed_from_library")

	// Removing a non-member is a silent no-op and journals nothing new.
	before := len(audit.actions())
	require.NoError(t, svc.RemoveFromLibrary(ctx, mol.ContentHash, libID, "alice"))
	assert.Len(t, audit.actions(), before)
}

func TestService_AuditTrail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	mol, _, err := svc.Register(ctx, "CCO", "ethanol", "upload:batch-1")
	require.NoError(t, err)

	trail, err := svc.AuditTrail(ctx, mol.ContentHash, common.CursorPage{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(trail.Items), 2)
}
