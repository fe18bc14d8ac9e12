package prediction

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	applc "github.com/molforge/molforge/internal/application/lifecycle"
	"github.com/molforge/molforge/internal/config"
	"github.com/molforge/molforge/internal/domain/molecule"
	domjob "github.com/molforge/molforge/internal/domain/prediction"
	"github.com/molforge/molforge/internal/infrastructure/messaging/kafka"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/internal/intelligence/predictor"
	"github.com/molforge/molforge/pkg/errors"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

// stateStore backs one molecule with the real transition table, so illegal
// moves fail instead of being recorded silently.
type stateStore struct {
	mu         sync.Mutex
	hash       string
	smiles     string
	state      moltypes.MoleculeState
	properties []molecule.PropertyValue
}

func (s *stateStore) GetByContentHash(_ context.Context, contentHash string) (*molecule.Molecule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contentHash != s.hash {
		return nil, errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found")
	}
	return &molecule.Molecule{ContentHash: s.hash, SMILES: s.smiles, State: s.state}, nil
}

func (s *stateStore) RecordProperty(_ context.Context, _ string, pv molecule.PropertyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties = append(s.properties, pv)
	return nil
}

func (s *stateStore) Transition(_ context.Context, _ string, to moltypes.MoleculeState, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !molecule.CanTransition(s.state, to) {
		return errors.New(errors.ErrCodeStateTransitionInvalid, "lifecycle transition not permitted")
	}
	s.state = to
	return nil
}

func (s *stateStore) current() moltypes.MoleculeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TestPipeline_IngestedThroughPredictionReady drives an ingested molecule
// through the real orchestrator and state machine: the ingestion event
// validates it, the auto-requested job moves it to prediction_pending, and the
// applied result lands it in prediction_ready with the predicted value stored.
func TestPipeline_IngestedThroughPredictionReady(t *testing.T) {
	ctx := context.Background()
	store := &stateStore{hash: hashEthanol, smiles: "CCO", state: moltypes.StateUploaded}
	repo := newMockJobRepo()
	client := &mockClient{}

	orch := applc.NewOrchestrator(store, nil, nil, nil, 0, logging.NewNopLogger())
	cfg := config.PredictionConfig{
		BatchSize:           10,
		RetryBase:           time.Nanosecond,
		RetryCap:            time.Millisecond,
		RetryMaxAttempts:    3,
		BreakerMinRequests:  1000,
		PollInitial:         time.Millisecond,
		PollMax:             time.Second,
	}
	coord := NewCoordinator(repo, store, client, orch, nil, nil, cfg, logging.NewNopLogger())

	env, err := kafka.NewEventEnvelope("molecule.ingested", "apiserver", kafka.MoleculeIngestedPayload{
		ContentHash: hashEthanol,
		SMILES:      "CCO",
		Source:      "csv_upload",
		IngestedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	value, err := json.Marshal(env)
	require.NoError(t, err)

	handler := orch.IngestedHandler(coord, []string{"logP"})
	require.NoError(t, handler(ctx, &kafka.Message{Topic: kafka.TopicMoleculeIngested, Value: value}))

	// Ingestion validated the molecule and the auto-request moved it on.
	assert.Equal(t, moltypes.StatePredictionPending, store.current())
	job, err := repo.FindActive(ctx, hashEthanol, "logP")
	require.NoError(t, err)
	assert.Equal(t, domjob.StateQueued, job.State)

	// A redelivered ingestion event changes nothing: the validation transition
	// no longer applies and the prediction request coalesces.
	require.NoError(t, handler(ctx, &kafka.Message{Topic: kafka.TopicMoleculeIngested, Value: value}))
	counts, err := repo.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[domjob.StateQueued])

	n, err := coord.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	submitted := repo.get(t, job.ID)
	client.statusFn = func(batchID string) (*predictor.BatchStatus, error) {
		return &predictor.BatchStatus{
			ExternalBatchID: batchID,
			Done:            true,
			Items: []predictor.ItemResult{{
				IdempotencyKey: submitted.IdempotencyKey,
				Status:         predictor.ItemSucceeded,
				Value:          -0.31,
				Unit:           "logP",
				ModelVersion:   "gnn-v3",
			}},
		}, nil
	}

	settled, err := coord.PollOnce(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, settled)

	assert.Equal(t, moltypes.StatePredictionReady, store.current())
	assert.Equal(t, domjob.StateSucceeded, repo.get(t, job.ID).State)
	require.Len(t, store.properties, 1)
	assert.Equal(t, moltypes.SourcePredicted, store.properties[0].Source)
	assert.InDelta(t, -0.31, store.properties[0].Value, 1e-9)
}

// TestPipeline_ExhaustedRetriesLandInPredictionFailed checks the failure leg
// against the same real state machine.
func TestPipeline_ExhaustedRetriesLandInPredictionFailed(t *testing.T) {
	ctx := context.Background()
	store := &stateStore{hash: hashEthanol, smiles: "CCO", state: moltypes.StateValidated}
	repo := newMockJobRepo()
	client := &mockClient{}

	orch := applc.NewOrchestrator(store, nil, nil, nil, 0, logging.NewNopLogger())
	cfg := config.PredictionConfig{
		BatchSize:           10,
		RetryBase:           time.Nanosecond,
		RetryCap:            time.Millisecond,
		RetryMaxAttempts:    1,
		BreakerMinRequests:  1000,
		PollInitial:         time.Millisecond,
		PollMax:             time.Second,
	}
	coord := NewCoordinator(repo, store, client, orch, nil, nil, cfg, logging.NewNopLogger())

	job, err := coord.Request(ctx, hashEthanol, "logP")
	require.NoError(t, err)
	assert.Equal(t, moltypes.StatePredictionPending, store.current())

	n, err := coord.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	submitted := repo.get(t, job.ID)
	client.statusFn = func(batchID string) (*predictor.BatchStatus, error) {
		return &predictor.BatchStatus{
			ExternalBatchID: batchID,
			Done:            true,
			Items: []predictor.ItemResult{{
				IdempotencyKey: submitted.IdempotencyKey,
				Status:         predictor.ItemFailed,
				Error:          "model timeout",
			}},
		}, nil
	}

	settled, err := coord.PollOnce(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, settled)

	assert.Equal(t, domjob.StateFailed, repo.get(t, job.ID).State)
	assert.Equal(t, moltypes.StatePredictionFailed, store.current())
}
