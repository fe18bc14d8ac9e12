package milvus

import (
	"fmt"
	"strconv"
	"strings"

	"context"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

const (
	hashField        = "content_hash"
	fingerprintField = "fingerprint"

	defaultFingerprintBits = 2048
	defaultTopK            = 100
	indexNList             = 1024
	searchNProbe           = 32
)

// Hit is one similarity candidate.  Similarity is the Tanimoto coefficient
// (1 - Jaccard distance) against the query fingerprint.
type Hit struct {
	ContentHash string
	Similarity  float64
}

// FingerprintIndex stores one binary Morgan fingerprint per molecule, keyed
// by content hash, and answers approximate Tanimoto nearest-neighbour
// queries.  It is a prefilter: callers re-rank and hydrate hits from the
// molecule store.
type FingerprintIndex struct {
	client     *Client
	collection string
	bits       int
	topK       int
	logger     logging.Logger
}

// NewFingerprintIndex builds the index facade over the client.
func NewFingerprintIndex(c *Client, log logging.Logger) *FingerprintIndex {
	bits := c.cfg.FingerprintBits
	if bits <= 0 {
		bits = defaultFingerprintBits
	}
	topK := c.cfg.DefaultTopK
	if topK <= 0 {
		topK = defaultTopK
	}
	prefix := c.cfg.CollectionPrefix
	if prefix == "" {
		prefix = "molforge_"
	}
	return &FingerprintIndex{
		client:     c,
		collection: prefix + "fingerprints",
		bits:       bits,
		topK:       topK,
		logger:     log.Named("fingerprint_index"),
	}
}

// Enabled reports whether vector search is configured on.
func (f *FingerprintIndex) Enabled() bool {
	return f.client.cfg.Enabled
}

// Collection returns the backing collection name.
func (f *FingerprintIndex) Collection() string { return f.collection }

func (f *FingerprintIndex) schema() *entity.Schema {
	return &entity.Schema{
		CollectionName: f.collection,
		Description:    "binary molecule fingerprints keyed by content hash",
		Fields: []*entity.Field{
			{
				Name:       hashField,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "27"},
			},
			{
				Name:       fingerprintField,
				DataType:   entity.FieldTypeBinaryVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(f.bits)},
			},
		},
	}
}

// EnsureCollection creates the collection, its Jaccard index, and loads it.
// Idempotent across restarts.
func (f *FingerprintIndex) EnsureCollection(ctx context.Context) error {
	if !f.Enabled() {
		return nil
	}
	mc := f.client.Milvus()

	has, err := mc.HasCollection(ctx, f.collection)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to check fingerprint collection")
	}
	if !has {
		if err := mc.CreateCollection(ctx, f.schema(), 2); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create fingerprint collection")
		}
		idx, err := entity.NewIndexBinIvfFlat(entity.JACCARD, indexNList)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to build fingerprint index definition")
		}
		if err := mc.CreateIndex(ctx, f.collection, fingerprintField, idx, false); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create fingerprint index")
		}
		f.logger.Info("Fingerprint collection created",
			logging.String("collection", f.collection),
			logging.Int("bits", f.bits))
	}

	if err := mc.LoadCollection(ctx, f.collection, false); err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to load fingerprint collection")
	}
	return nil
}

func (f *FingerprintIndex) validateFingerprint(fp []byte) error {
	if len(fp)*8 != f.bits {
		return errors.New(errors.ErrCodeBadRequest, "fingerprint length does not match index dimension").
			WithDetail(fmt.Sprintf("got=%d bits, want=%d bits", len(fp)*8, f.bits))
	}
	return nil
}

// Upsert writes (or replaces) one molecule's fingerprint.
func (f *FingerprintIndex) Upsert(ctx context.Context, contentHash string, fingerprint []byte) error {
	if !f.Enabled() {
		return ErrDisabled
	}
	if contentHash == "" {
		return errors.New(errors.ErrCodeBadRequest, "content hash required")
	}
	if err := f.validateFingerprint(fingerprint); err != nil {
		return err
	}

	_, err := f.client.Milvus().Upsert(ctx, f.collection, "",
		entity.NewColumnVarChar(hashField, []string{contentHash}),
		entity.NewColumnBinaryVector(fingerprintField, f.bits, [][]byte{fingerprint}),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to upsert fingerprint").
			WithDetail("content_hash=" + contentHash)
	}
	return nil
}

// UpsertBatch writes many fingerprints in one call, for the ingestion path.
func (f *FingerprintIndex) UpsertBatch(ctx context.Context, hashes []string, fingerprints [][]byte) error {
	if !f.Enabled() {
		return ErrDisabled
	}
	if len(hashes) == 0 {
		return nil
	}
	if len(hashes) != len(fingerprints) {
		return errors.New(errors.ErrCodeBadRequest, "hash and fingerprint counts differ")
	}
	for _, fp := range fingerprints {
		if err := f.validateFingerprint(fp); err != nil {
			return err
		}
	}

	_, err := f.client.Milvus().Upsert(ctx, f.collection, "",
		entity.NewColumnVarChar(hashField, hashes),
		entity.NewColumnBinaryVector(fingerprintField, f.bits, fingerprints),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to upsert fingerprint batch")
	}
	f.logger.Debug("Fingerprint batch upserted", logging.Int("count", len(hashes)))
	return nil
}

// Delete removes a molecule's fingerprint.
func (f *FingerprintIndex) Delete(ctx context.Context, contentHash string) error {
	if !f.Enabled() {
		return ErrDisabled
	}
	expr := fmt.Sprintf(`%s in ["%s"]`, hashField, contentHash)
	if err := f.client.Milvus().Delete(ctx, f.collection, "", expr); err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to delete fingerprint").
			WithDetail("content_hash=" + contentHash)
	}
	return nil
}

// SearchSimilar returns up to topK candidates with Tanimoto similarity at or
// above minSimilarity, most similar first.  topK <= 0 uses the configured
// default.
func (f *FingerprintIndex) SearchSimilar(ctx context.Context, fingerprint []byte, topK int, minSimilarity float64) ([]Hit, error) {
	if !f.Enabled() {
		return nil, ErrDisabled
	}
	if err := f.validateFingerprint(fingerprint); err != nil {
		return nil, err
	}
	if minSimilarity < 0 || minSimilarity > 1 {
		return nil, errors.New(errors.ErrCodeSimilarityThresholdInvalid, "similarity threshold must be within [0, 1]").
			WithDetail(fmt.Sprintf("threshold=%v", minSimilarity))
	}
	if topK <= 0 {
		topK = f.topK
	}

	sp, err := entity.NewIndexBinIvfFlatSearchParam(searchNProbe)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build search params")
	}

	results, err := f.client.Milvus().Search(ctx, f.collection, nil, "",
		[]string{hashField},
		[]entity.Vector{entity.BinaryVector(fingerprint)},
		fingerprintField,
		entity.JACCARD,
		topK,
		sp,
		client.WithSearchQueryConsistencyLevel(entity.ClBounded),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "fingerprint search failed")
	}

	var hits []Hit
	for _, res := range results {
		ids, ok := res.IDs.(*entity.ColumnVarChar)
		if !ok {
			continue
		}
		for i, hash := range ids.Data() {
			if i >= len(res.Scores) {
				break
			}
			// JACCARD scores are distances; Tanimoto = 1 - distance.
			similarity := 1 - float64(res.Scores[i])
			if similarity < minSimilarity {
				continue
			}
			hits = append(hits, Hit{ContentHash: strings.TrimSpace(hash), Similarity: similarity})
		}
	}
	return hits, nil
}
