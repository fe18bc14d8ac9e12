package ingestion

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/internal/chem"
	"github.com/molforge/molforge/internal/config"
	"github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/internal/domain/upload"
	"github.com/molforge/molforge/internal/infrastructure/messaging/kafka"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/internal/infrastructure/storage/minio"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
)

type mockUploadRepo struct {
	mu          sync.Mutex
	uploads     map[common.ID]*upload.Upload
	checkpoints int
}

func newMockUploadRepo() *mockUploadRepo {
	return &mockUploadRepo{uploads: make(map[common.ID]*upload.Upload)}
}

func (r *mockUploadRepo) Create(ctx context.Context, u *upload.Upload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads[u.ID] = u
	return nil
}

func (r *mockUploadRepo) FindByID(ctx context.Context, id common.ID) (*upload.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.uploads[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeIngestUploadNotFound, "upload not found")
	}
	return u, nil
}

func (r *mockUploadRepo) Save(ctx context.Context, u *upload.Upload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads[u.ID] = u
	return nil
}

func (r *mockUploadRepo) SaveCheckpoint(ctx context.Context, id common.ID, counters upload.Counters, samples map[string][]upload.ErrorSample, cp upload.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoints++
	return nil
}

func (r *mockUploadRepo) List(ctx context.Context, page common.CursorPage) (*common.PageResult[*upload.Upload], error) {
	return &common.PageResult[*upload.Upload]{}, nil
}

func (r *mockUploadRepo) FindResumable(ctx context.Context, staleAfter time.Duration, limit int) ([]*upload.Upload, error) {
	return nil, nil
}

type mockRegistrar struct {
	mu         sync.Mutex
	seen       map[string]bool
	registered []string
	properties []molecule.PropertyValue
	failWith   error
}

func newMockRegistrar() *mockRegistrar {
	return &mockRegistrar{seen: make(map[string]bool)}
}

func (m *mockRegistrar) RegisterPrepared(ctx context.Context, candidate *molecule.Molecule, name, source string) (*molecule.Molecule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, false, m.failWith
	}
	created := !m.seen[candidate.ContentHash]
	m.seen[candidate.ContentHash] = true
	m.registered = append(m.registered, candidate.SMILES)
	return candidate, created, nil
}

func (m *mockRegistrar) RecordProperty(ctx context.Context, contentHash string, pv molecule.PropertyValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.properties = append(m.properties, pv)
	return nil
}

// lastProperty returns the most recently recorded value of one property.
func (m *mockRegistrar) lastProperty(property string) (molecule.PropertyValue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.properties) - 1; i >= 0; i-- {
		if m.properties[i].Property == property {
			return m.properties[i], true
		}
	}
	return molecule.PropertyValue{}, false
}

type mockBlobStore struct {
	content string
	missing bool
	opens   []int64
}

func (b *mockBlobStore) Stat(ctx context.Context, objectKey string) (*minio.ObjectInfo, error) {
	if b.missing {
		return nil, errors.New(errors.ErrCodeNotFound, "object not found")
	}
	return &minio.ObjectInfo{Key: objectKey, Size: int64(len(b.content))}, nil
}

func (b *mockBlobStore) OpenFrom(ctx context.Context, objectKey string, byteOffset int64) (io.ReadCloser, error) {
	b.opens = append(b.opens, byteOffset)
	if byteOffset >= int64(len(b.content)) {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return io.NopCloser(strings.NewReader(b.content[byteOffset:])), nil
}

func (b *mockBlobStore) PresignedPutURL(ctx context.Context, objectKey string) (string, error) {
	return "https://storage.local/molforge-uploads/" + objectKey, nil
}

type mockPublisher struct {
	mu     sync.Mutex
	topics []string
	keys   []string
}

func (p *mockPublisher) PublishEnvelope(ctx context.Context, topic, key string, env *kafka.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	return nil
}

func (p *mockPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type mockLock struct {
	mu     sync.Mutex
	held   bool
	locked bool
}

func (l *mockLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.locked = true
	return true, nil
}

func (l *mockLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = false
	return nil
}

func (l *mockLock) Extend(ctx context.Context, ttl time.Duration) (bool, error) { return true, nil }

type testHarness struct {
	svc       *Service
	repo      *mockUploadRepo
	registrar *mockRegistrar
	blobs     *mockBlobStore
	publisher *mockPublisher
	lock      *mockLock
}

func newHarness(t *testing.T, content string, cfg config.IngestConfig) *testHarness {
	t.Helper()
	h := &testHarness{
		repo:      newMockUploadRepo(),
		registrar: newMockRegistrar(),
		blobs:     &mockBlobStore{content: content},
		publisher: &mockPublisher{},
		lock:      &mockLock{},
	}
	h.svc = NewService(h.repo, h.registrar, h.blobs, h.publisher,
		func(uploadID string) UploadLock { return h.lock },
		nil, cfg, logging.NewNopLogger())
	return h
}

func defaultMapping() upload.ColumnMapping {
	return upload.ColumnMapping{
		SMILESColumn: "smiles",
		NameColumn:   "name",
		PropertyColumns: map[string]upload.PropertyColumn{
			"mp": {Property: "melting_point", Unit: "C"},
		},
	}
}

func createUploadWith(t *testing.T, h *testHarness, size int64, mapping upload.ColumnMapping) *upload.Upload {
	t.Helper()
	res, err := h.svc.CreateUpload(context.Background(), CreateUploadInput{
		Filename:  "batch.csv",
		SizeBytes: size,
		Mapping:   mapping,
	})
	require.NoError(t, err)
	return res.Upload
}

func createTestUpload(t *testing.T, h *testHarness, size int64) *upload.Upload {
	t.Helper()
	return createUploadWith(t, h, size, defaultMapping())
}

const testCSV = "smiles,name,mp\n" +
	"CCO,ethanol,-114.1\n" +
	"c1ccccc1,benzene,5.5\n" +
	"CCO,ethanol dupe,\n" +
	"C(C,broken,\n" +
	"CCN,ethylamine,-81\n"

func TestCreateUpload(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{})

	res, err := h.svc.CreateUpload(context.Background(), CreateUploadInput{
		Filename:  "batch.csv",
		SizeBytes: 1234,
		Mapping:   defaultMapping(),
	})
	require.NoError(t, err)
	assert.Equal(t, upload.StatusPending, res.Upload.Status)
	assert.Equal(t, "uploads/"+string(res.Upload.ID)+".csv", res.Upload.ObjectKey)
	assert.Contains(t, res.UploadURL, res.Upload.ObjectKey)
}

func TestCreateUpload_TooLarge(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{MaxFileBytes: 100})

	_, err := h.svc.CreateUpload(context.Background(), CreateUploadInput{
		Filename:  "huge.csv",
		SizeBytes: 101,
		Mapping:   defaultMapping(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeIngestFileTooLarge))
}

func TestCreateUpload_BadMapping(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{})

	_, err := h.svc.CreateUpload(context.Background(), CreateUploadInput{
		Filename:  "batch.csv",
		SizeBytes: 10,
		Mapping:   upload.ColumnMapping{},
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeIngestMappingInvalid))
}

func TestRun_CompletesAndCounts(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{BatchSize: 2})
	u := createTestUpload(t, h, int64(len(testCSV)))

	require.NoError(t, h.svc.Run(context.Background(), u.ID))

	got, err := h.repo.FindByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusCompleted, got.Status)
	assert.Equal(t, int64(5), got.Counters.Processed)
	assert.Equal(t, int64(3), got.Counters.Created)
	assert.Equal(t, int64(1), got.Counters.Duplicates)
	assert.Equal(t, int64(1), got.Counters.Invalid)
	assert.Equal(t, int64(3), got.Counters.Observations)
	assert.Zero(t, got.Counters.ObservationErrors)

	// The broken row surfaces as a sample with its position and raw value.
	require.Len(t, got.Samples[kindInvalidStructure], 1)
	assert.Equal(t, int64(4), got.Samples[kindInvalidStructure][0].Row)
	assert.Equal(t, "C(C", got.Samples[kindInvalidStructure][0].Value)

	// Melting point recorded for rows that carried a value.
	require.NotEmpty(t, h.registrar.properties)
	assert.Equal(t, "melting_point", h.registrar.properties[0].Property)
	assert.Equal(t, "C", h.registrar.properties[0].Unit)
}

func TestRun_TabDelimited(t *testing.T) {
	tsv := "smiles\tname\tmp\n" +
		"CCO\tethanol\t-114.1\n" +
		"CCN\tethylamine\t-81\n"
	h := newHarness(t, tsv, config.IngestConfig{})
	u := createTestUpload(t, h, int64(len(tsv)))

	require.NoError(t, h.svc.Run(context.Background(), u.ID))

	got, _ := h.repo.FindByID(context.Background(), u.ID)
	assert.Equal(t, int64(2), got.Counters.Processed)
	assert.Equal(t, int64(2), got.Counters.Created)
	assert.Equal(t, int64(2), got.Counters.Observations)
}

func TestRun_ColumnLimitExceeded(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("smiles")
	for i := 0; i < maxColumns; i++ {
		sb.WriteString(",extra")
	}
	sb.WriteString("\nCCO\n")
	content := sb.String()
	h := newHarness(t, content, config.IngestConfig{})
	u := createTestUpload(t, h, int64(len(content)))

	err := h.svc.Run(context.Background(), u.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeIngestMappingInvalid))
}

func TestRun_StructureLengthLimit(t *testing.T) {
	long := strings.Repeat("C", chem.MaxNotationLength+1)
	content := "smiles,name,mp\n" + long + ",giant,\nCCO,ethanol,\n"
	h := newHarness(t, content, config.IngestConfig{})
	u := createTestUpload(t, h, int64(len(content)))

	require.NoError(t, h.svc.Run(context.Background(), u.ID))

	got, _ := h.repo.FindByID(context.Background(), u.ID)
	assert.Equal(t, int64(2), got.Counters.Processed)
	assert.Equal(t, int64(1), got.Counters.Created)
	assert.Equal(t, int64(1), got.Counters.Invalid)
	require.Len(t, got.Samples[kindSizeLimit], 1)
	assert.Equal(t, int64(1), got.Samples[kindSizeLimit][0].Row)
}

func TestRun_NonNumericPropertySampled(t *testing.T) {
	content := "smiles,name,mp\nCCO,ethanol,not-a-number\n"
	h := newHarness(t, content, config.IngestConfig{})
	u := createTestUpload(t, h, int64(len(content)))

	require.NoError(t, h.svc.Run(context.Background(), u.ID))

	// The row is accepted; only the bad cell is rejected.
	got, _ := h.repo.FindByID(context.Background(), u.ID)
	assert.Equal(t, int64(1), got.Counters.Processed)
	assert.Equal(t, int64(1), got.Counters.Created)
	assert.Zero(t, got.Counters.Invalid)
	assert.Zero(t, got.Counters.Observations)
	assert.Equal(t, int64(1), got.Counters.ObservationErrors)

	require.Len(t, got.Samples[kindNonNumeric], 1)
	sample := got.Samples[kindNonNumeric][0]
	assert.Equal(t, "mp", sample.Column)
	assert.Equal(t, "not-a-number", sample.Value)
}

func TestRun_RangePolicies(t *testing.T) {
	lo, hi := -100.0, 400.0
	mapping := upload.ColumnMapping{
		SMILESColumn: "smiles",
		PropertyColumns: map[string]upload.PropertyColumn{
			"mp":   {Property: "melting_point", Unit: "C", Min: &lo, Max: &hi},
			"logp": {Property: "logP", Min: &lo, Max: &hi, OutOfRange: upload.RangeClamp},
		},
	}
	content := "smiles,mp,logp\nCCO,5000,999\n"
	h := newHarness(t, content, config.IngestConfig{})
	u := createUploadWith(t, h, int64(len(content)), mapping)

	require.NoError(t, h.svc.Run(context.Background(), u.ID))

	got, _ := h.repo.FindByID(context.Background(), u.ID)
	// mp rejected under the default policy, logp clamped to the upper bound.
	assert.Equal(t, int64(1), got.Counters.Observations)
	assert.Equal(t, int64(1), got.Counters.ObservationErrors)
	require.Len(t, got.Samples[kindOutOfRange], 1)
	require.Len(t, got.Samples[kindClamped], 1)

	pv, ok := h.registrar.lastProperty("logP")
	require.True(t, ok)
	assert.InDelta(t, hi, pv.Value, 1e-9)
	_, ok = h.registrar.lastProperty("melting_point")
	assert.False(t, ok)
}

func TestRun_DuplicateRowsApplyInRowOrder(t *testing.T) {
	// Same molecule three times with different melting points; the highest row
	// number must win regardless of worker interleaving.
	content := "smiles,name,mp\n" +
		"CCO,first,1\n" +
		"CCO,second,2\n" +
		"CCO,third,3\n"
	h := newHarness(t, content, config.IngestConfig{ValidateWorkers: 4, PersistWorkers: 2})
	u := createTestUpload(t, h, int64(len(content)))

	require.NoError(t, h.svc.Run(context.Background(), u.ID))

	got, _ := h.repo.FindByID(context.Background(), u.ID)
	assert.Equal(t, int64(3), got.Counters.Processed)
	assert.Equal(t, int64(1), got.Counters.Created)
	assert.Equal(t, int64(2), got.Counters.Duplicates)

	pv, ok := h.registrar.lastProperty("melting_point")
	require.True(t, ok)
	assert.InDelta(t, 3.0, pv.Value, 1e-9)
}

func TestRun_PublishesEvents(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{})
	u := createTestUpload(t, h, int64(len(testCSV)))

	require.NoError(t, h.svc.Run(context.Background(), u.ID))

	assert.Equal(t, 3, h.publisher.count(kafka.TopicMoleculeIngested))
	assert.Equal(t, 1, h.publisher.count(kafka.TopicIngestCompleted))
	// One property announcement per row that carried a melting point.
	assert.Equal(t, 3, h.publisher.count(kafka.TopicPropertiesRecorded))
}

func TestRun_RowLimit(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{MaxRows: 2})
	u := createTestUpload(t, h, int64(len(testCSV)))

	err := h.svc.Run(context.Background(), u.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeIngestRowLimitExceeded))

	got, _ := h.repo.FindByID(context.Background(), u.ID)
	assert.Equal(t, upload.StatusFailed, got.Status)
}

func TestRun_AlreadyLocked(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{})
	u := createTestUpload(t, h, int64(len(testCSV)))
	h.lock.held = true

	err := h.svc.Run(context.Background(), u.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestRun_AlreadyCompleted(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{})
	u := createTestUpload(t, h, int64(len(testCSV)))
	require.NoError(t, h.svc.Run(context.Background(), u.ID))

	err := h.svc.Run(context.Background(), u.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeIngestAlreadyCompleted))
}

func TestRun_BlobMissing(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{})
	u := createTestUpload(t, h, int64(len(testCSV)))
	h.blobs.missing = true

	err := h.svc.Run(context.Background(), u.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeIngestSourceUnreadable))
}

func TestRun_MappingColumnAbsent(t *testing.T) {
	h := newHarness(t, "structure,label\nCCO,x\n", config.IngestConfig{})
	u := createTestUpload(t, h, 32)

	err := h.svc.Run(context.Background(), u.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeIngestMappingInvalid))
}

func TestRun_ResumeSeeksToCheckpoint(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{})
	u := createTestUpload(t, h, int64(len(testCSV)))

	// Simulate a prior run that committed the first two data rows.
	require.NoError(t, u.Start())
	headerEnd := int64(len("smiles,name,mp\n"))
	twoRows := headerEnd + int64(len("CCO,ethanol,-114.1\nc1ccccc1,benzene,5.5\n"))
	require.NoError(t, u.Advance(upload.Counters{Processed: 2, Created: 2}, nil, 2, twoRows))
	u.Fail("worker crashed")
	require.NoError(t, h.repo.Save(context.Background(), u))
	require.True(t, u.Resumable())

	require.NoError(t, h.svc.Run(context.Background(), u.ID))

	// Header read from zero, body reopened at the checkpoint.
	assert.Contains(t, h.blobs.opens, int64(0))
	assert.Contains(t, h.blobs.opens, twoRows)

	got, _ := h.repo.FindByID(context.Background(), u.ID)
	assert.Equal(t, upload.StatusCompleted, got.Status)
	assert.Equal(t, int64(5), got.Counters.Processed)

	// The first two rows were not re-registered.
	benzene, err := chem.Canonicalize("c1ccccc1")
	require.NoError(t, err)
	assert.NotContains(t, h.registrar.registered, benzene.SMILES)
}

func TestRun_CheckpointCadence(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{BatchSize: 2})
	u := createTestUpload(t, h, int64(len(testCSV)))

	require.NoError(t, h.svc.Run(context.Background(), u.ID))

	// Five rows with a chunk size of two: two interior checkpoints plus the
	// final flush.
	assert.Equal(t, 3, h.repo.checkpoints)
}

func TestRun_StorageFailurePreservesCheckpoint(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{BatchSize: 2, StorageRetryMax: 1})
	u := createTestUpload(t, h, int64(len(testCSV)))
	h.registrar.failWith = errors.New(errors.ErrCodeDatabaseError, "connection reset")

	err := h.svc.Run(context.Background(), u.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDatabaseError))

	got, _ := h.repo.FindByID(context.Background(), u.ID)
	assert.Equal(t, upload.StatusFailed, got.Status)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, testCSV, config.IngestConfig{})
	u := createTestUpload(t, h, int64(len(testCSV)))

	require.NoError(t, h.svc.Cancel(context.Background(), u.ID))

	got, _ := h.repo.FindByID(context.Background(), u.ID)
	assert.Equal(t, upload.StatusCancelled, got.Status)

	err := h.svc.Run(context.Background(), u.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeIngestAlreadyCompleted))
}

func TestSniffDelimiter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ',', sniffDelimiter([]byte("a,b,c\n1,2,3\n")))
	assert.Equal(t, '\t', sniffDelimiter([]byte("a\tb\tc\n1\t2\t3\n")))
	// Tabs in the header win even when later rows contain commas.
	assert.Equal(t, '\t', sniffDelimiter([]byte("a\tb\n1,5\t2,5\n")))
	// No delimiter at all falls back to comma.
	assert.Equal(t, ',', sniffDelimiter([]byte("single\nrow\n")))
}
