package milvus

import (
	"context"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/internal/config"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

type mockMilvusClient struct {
	client.Client

	checkHealthFunc   func(ctx context.Context) (*entity.MilvusState, error)
	hasCollectionFunc func(ctx context.Context, name string) (bool, error)
	createCollFunc    func(ctx context.Context, schema *entity.Schema, shards int32, opts ...client.CreateCollectionOption) error
	createIndexFunc   func(ctx context.Context, coll, field string, idx entity.Index, async bool, opts ...client.IndexOption) error
	loadCollFunc      func(ctx context.Context, name string, async bool, opts ...client.LoadCollectionOption) error
	upsertFunc        func(ctx context.Context, coll, partition string, columns ...entity.Column) (entity.Column, error)
	deleteFunc        func(ctx context.Context, coll, partition, expr string) error
	searchFunc        func(ctx context.Context, coll string, partitions []string, expr string, outputFields []string, vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int, sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error)
}

func (m *mockMilvusClient) CheckHealth(ctx context.Context) (*entity.MilvusState, error) {
	if m.checkHealthFunc != nil {
		return m.checkHealthFunc(ctx)
	}
	return &entity.MilvusState{}, nil
}

func (m *mockMilvusClient) HasCollection(ctx context.Context, name string) (bool, error) {
	if m.hasCollectionFunc != nil {
		return m.hasCollectionFunc(ctx, name)
	}
	return true, nil
}

func (m *mockMilvusClient) CreateCollection(ctx context.Context, schema *entity.Schema, shards int32, opts ...client.CreateCollectionOption) error {
	if m.createCollFunc != nil {
		return m.createCollFunc(ctx, schema, shards, opts...)
	}
	return nil
}

func (m *mockMilvusClient) CreateIndex(ctx context.Context, coll, field string, idx entity.Index, async bool, opts ...client.IndexOption) error {
	if m.createIndexFunc != nil {
		return m.createIndexFunc(ctx, coll, field, idx, async, opts...)
	}
	return nil
}

func (m *mockMilvusClient) LoadCollection(ctx context.Context, name string, async bool, opts ...client.LoadCollectionOption) error {
	if m.loadCollFunc != nil {
		return m.loadCollFunc(ctx, name, async, opts...)
	}
	return nil
}

func (m *mockMilvusClient) Upsert(ctx context.Context, coll, partition string, columns ...entity.Column) (entity.Column, error) {
	if m.upsertFunc != nil {
		return m.upsertFunc(ctx, coll, partition, columns...)
	}
	return nil, nil
}

func (m *mockMilvusClient) Delete(ctx context.Context, coll, partition, expr string) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, coll, partition, expr)
	}
	return nil
}

func (m *mockMilvusClient) Search(ctx context.Context, coll string, partitions []string, expr string, outputFields []string, vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int, sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error) {
	if m.searchFunc != nil {
		return m.searchFunc(ctx, coll, partitions, expr, outputFields, vectors, vectorField, metricType, topK, sp, opts...)
	}
	return nil, nil
}

func (m *mockMilvusClient) Close() error { return nil }

func testIndexConfig() config.MilvusConfig {
	return config.MilvusConfig{
		Addr:            "localhost:19530",
		FingerprintBits: 64,
		DefaultTopK:     10,
		Enabled:         true,
	}
}

func newTestIndex(mock client.Client, cfg config.MilvusConfig) *FingerprintIndex {
	c := NewClientWithMilvus(mock, cfg, logging.NewNopLogger())
	return NewFingerprintIndex(c, logging.NewNopLogger())
}

func testFingerprint() []byte {
	return []byte{0xAA, 0x55, 0xFF, 0x00, 0x12, 0x34, 0x56, 0x78} // 64 bits
}

func TestFingerprintIndex_Defaults(t *testing.T) {
	idx := newTestIndex(&mockMilvusClient{}, config.MilvusConfig{Enabled: true})

	assert.Equal(t, defaultFingerprintBits, idx.bits)
	assert.Equal(t, defaultTopK, idx.topK)
	assert.Equal(t, "molforge_fingerprints", idx.Collection())
}

func TestFingerprintIndex_EnsureCollectionCreates(t *testing.T) {
	var createdSchema *entity.Schema
	indexCreated := false
	loaded := false
	mock := &mockMilvusClient{
		hasCollectionFunc: func(ctx context.Context, name string) (bool, error) { return false, nil },
		createCollFunc: func(ctx context.Context, schema *entity.Schema, shards int32, opts ...client.CreateCollectionOption) error {
			createdSchema = schema
			return nil
		},
		createIndexFunc: func(ctx context.Context, coll, field string, idx entity.Index, async bool, opts ...client.IndexOption) error {
			indexCreated = true
			assert.Equal(t, fingerprintField, field)
			return nil
		},
		loadCollFunc: func(ctx context.Context, name string, async bool, opts ...client.LoadCollectionOption) error {
			loaded = true
			return nil
		},
	}
	idx := newTestIndex(mock, testIndexConfig())

	require.NoError(t, idx.EnsureCollection(context.Background()))
	require.NotNil(t, createdSchema)
	assert.Equal(t, "molforge_fingerprints", createdSchema.CollectionName)
	require.Len(t, createdSchema.Fields, 2)
	assert.Equal(t, "27", createdSchema.Fields[0].TypeParams["max_length"])
	assert.Equal(t, "64", createdSchema.Fields[1].TypeParams["dim"])
	assert.True(t, indexCreated)
	assert.True(t, loaded)
}

func TestFingerprintIndex_UpsertValidation(t *testing.T) {
	idx := newTestIndex(&mockMilvusClient{}, testIndexConfig())
	ctx := context.Background()

	err := idx.Upsert(ctx, "", testFingerprint())
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))

	// Wrong dimension.
	err = idx.Upsert(ctx, "LFQSCWFLJHTTHZ-UHFFFAOYSA-N", []byte{0x01})
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))
}

func TestFingerprintIndex_Upsert(t *testing.T) {
	var gotColl string
	var gotColumns []entity.Column
	mock := &mockMilvusClient{
		upsertFunc: func(ctx context.Context, coll, partition string, columns ...entity.Column) (entity.Column, error) {
			gotColl, gotColumns = coll, columns
			return nil, nil
		},
	}
	idx := newTestIndex(mock, testIndexConfig())

	err := idx.Upsert(context.Background(), "LFQSCWFLJHTTHZ-UHFFFAOYSA-N", testFingerprint())
	require.NoError(t, err)
	assert.Equal(t, "molforge_fingerprints", gotColl)
	require.Len(t, gotColumns, 2)
	assert.Equal(t, hashField, gotColumns[0].Name())
	assert.Equal(t, fingerprintField, gotColumns[1].Name())
}

func TestFingerprintIndex_Delete(t *testing.T) {
	var gotExpr string
	mock := &mockMilvusClient{
		deleteFunc: func(ctx context.Context, coll, partition, expr string) error {
			gotExpr = expr
			return nil
		},
	}
	idx := newTestIndex(mock, testIndexConfig())

	require.NoError(t, idx.Delete(context.Background(), "LFQSCWFLJHTTHZ-UHFFFAOYSA-N"))
	assert.Equal(t, `content_hash in ["LFQSCWFLJHTTHZ-UHFFFAOYSA-N"]`, gotExpr)
}

func TestFingerprintIndex_SearchSimilar(t *testing.T) {
	mock := &mockMilvusClient{
		searchFunc: func(ctx context.Context, coll string, partitions []string, expr string, outputFields []string, vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int, sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error) {
			assert.Equal(t, entity.JACCARD, metricType)
			assert.Equal(t, 5, topK)
			return []client.SearchResult{
				{
					IDs: entity.NewColumnVarChar(hashField, []string{
						"AAAAAAAAAAAAAA-AAAAAAAAAA-A",
						"BBBBBBBBBBBBBB-BBBBBBBBBB-B",
						"CCCCCCCCCCCCCC-CCCCCCCCCC-C",
					}),
					// Distances: similarity 0.95, 0.80, 0.40.
					Scores: []float32{0.05, 0.20, 0.60},
				},
			}, nil
		},
	}
	idx := newTestIndex(mock, testIndexConfig())

	hits, err := idx.SearchSimilar(context.Background(), testFingerprint(), 5, 0.7)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "AAAAAAAAAAAAAA-AAAAAAAAAA-A", hits[0].ContentHash)
	assert.InDelta(t, 0.95, hits[0].Similarity, 1e-6)
	assert.InDelta(t, 0.80, hits[1].Similarity, 1e-6)
}

func TestFingerprintIndex_SearchSimilarThreshold(t *testing.T) {
	idx := newTestIndex(&mockMilvusClient{}, testIndexConfig())

	_, err := idx.SearchSimilar(context.Background(), testFingerprint(), 5, 1.5)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSimilarityThresholdInvalid))
}

func TestFingerprintIndex_Disabled(t *testing.T) {
	cfg := testIndexConfig()
	cfg.Enabled = false
	idx := newTestIndex(&mockMilvusClient{}, cfg)
	ctx := context.Background()

	assert.ErrorIs(t, idx.Upsert(ctx, "h", testFingerprint()), ErrDisabled)
	_, err := idx.SearchSimilar(ctx, testFingerprint(), 5, 0.7)
	assert.ErrorIs(t, err, ErrDisabled)
	// EnsureCollection is a no-op rather than an error at startup.
	assert.NoError(t, idx.EnsureCollection(ctx))
}

func TestClient_CheckHealth(t *testing.T) {
	mock := &mockMilvusClient{}
	c := NewClientWithMilvus(mock, testIndexConfig(), logging.NewNopLogger())

	require.NoError(t, c.CheckHealth(context.Background()))
	assert.True(t, c.IsHealthy())

	mock.checkHealthFunc = func(ctx context.Context) (*entity.MilvusState, error) {
		return nil, assert.AnError
	}
	err := c.CheckHealth(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeServiceUnavailable))
	assert.False(t, c.IsHealthy())
}
