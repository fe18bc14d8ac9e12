//go:build integration

package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/internal/domain/upload"
	"github.com/molforge/molforge/internal/infrastructure/database/postgres/repositories"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/types/common"
)

func newUpload(t *testing.T) *upload.Upload {
	t.Helper()
	u, err := upload.New("mols.csv", "raw/mols.csv", 2048, upload.ColumnMapping{
		SMILESColumn: "smiles",
	})
	require.NoError(t, err)
	u.Owner = "alice"
	return u
}

func TestUploadStore_CheckpointAndResume(t *testing.T) {
	conn := startPostgres(t)
	repo := repositories.NewUploadRepository(conn, logging.NewNopLogger())
	ctx := context.Background()

	u := newUpload(t)
	require.NoError(t, repo.Create(ctx, u))

	got, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, upload.StatusPending, got.Status)

	require.NoError(t, u.Start())
	require.NoError(t, repo.Save(ctx, u))

	// Checkpoint half way through, then fail the run.
	counters := upload.Counters{Processed: 500, Created: 480, Duplicates: 15, Invalid: 5}
	cp := upload.Checkpoint{Row: 500, ByteOffset: 1024, SavedAt: time.Now().UTC()}
	samples := map[string][]upload.ErrorSample{
		"invalid_structure": {{Kind: "invalid_structure", Row: 42, Value: "C(C", Reason: "unclosed brackets in structure"}},
	}
	require.NoError(t, repo.SaveCheckpoint(ctx, u.ID, counters, samples, cp))

	u.Counters, u.Checkpoint, u.Samples = counters, cp, samples
	u.Fail("storage write timed out")
	require.NoError(t, repo.Save(ctx, u))

	resumable, err := repo.FindResumable(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, resumable, 1)
	assert.Equal(t, u.ID, resumable[0].ID)
	assert.Equal(t, int64(500), resumable[0].Checkpoint.Row)
	assert.Equal(t, int64(1024), resumable[0].Checkpoint.ByteOffset)
	require.Len(t, resumable[0].Samples["invalid_structure"], 1)
	assert.Equal(t, int64(42), resumable[0].Samples["invalid_structure"][0].Row)

	// A restarted run picks up from the checkpoint and completes.
	r := resumable[0]
	require.NoError(t, r.Start())
	require.NoError(t, r.Advance(upload.Counters{Processed: 500, Created: 500}, nil, 1000, 2048))
	require.NoError(t, r.Complete())
	require.NoError(t, repo.Save(ctx, r))

	done, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, done.Status)
	assert.Equal(t, int64(1000), done.Counters.Processed)

	none, err := repo.FindResumable(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	// A checkpointed run still marked running is invisible while fresh but
	// resumable once its record has gone stale, which is what a worker crash
	// leaves behind.
	crashed := newUpload(t)
	require.NoError(t, repo.Create(ctx, crashed))
	require.NoError(t, crashed.Start())
	require.NoError(t, repo.Save(ctx, crashed))
	require.NoError(t, repo.SaveCheckpoint(ctx, crashed.ID,
		upload.Counters{Processed: 100}, nil,
		upload.Checkpoint{Row: 100, ByteOffset: 4096, SavedAt: time.Now().UTC()}))

	fresh, err := repo.FindResumable(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	stale, err := repo.FindResumable(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, crashed.ID, stale[0].ID)
	assert.Equal(t, upload.StatusRunning, stale[0].Status)
}

func TestUploadStore_ListNewestFirst(t *testing.T) {
	conn := startPostgres(t)
	repo := repositories.NewUploadRepository(conn, logging.NewNopLogger())
	ctx := context.Background()

	first := newUpload(t)
	require.NoError(t, repo.Create(ctx, first))
	second := newUpload(t)
	second.CreatedAt = second.CreatedAt.Add(time.Second)
	require.NoError(t, repo.Create(ctx, second))

	page, err := repo.List(ctx, common.CursorPage{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, second.ID, page.Items[0].ID)
	assert.Equal(t, first.ID, page.Items[1].ID)
}
