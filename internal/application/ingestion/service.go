// Package ingestion runs resumable CSV ingestion as a staged pipeline: a
// single parser streams the uploaded file from blob storage in bounded chunks,
// a pool of workers canonicalizes and coerces each row, and persist workers
// write validated rows to the molecule store partitioned by content hash so
// per-molecule ordering holds.  Batch checkpoints are journalled after every
// chunk so an interrupted run picks up where it stopped instead of starting
// over.
package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/molforge/molforge/internal/config"
	"github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/internal/domain/upload"
	"github.com/molforge/molforge/internal/infrastructure/messaging/kafka"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/prometheus"
	"github.com/molforge/molforge/internal/infrastructure/storage/minio"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

const (
	defaultMaxFileBytes    = 100 << 20
	defaultMaxRows         = 500_000
	defaultBatchSize       = 1000
	defaultStorageRetry    = 3
	defaultValidateWorkers = 8
	defaultPersistWorkers  = 2
	defaultConcurrentRuns  = 4
	defaultOwnerShare      = 50

	// maxColumns caps the width of an uploaded file.
	maxColumns = 256

	// sniffWindow is how much of the file's head is examined to infer the
	// delimiter.
	sniffWindow = 64 << 10

	lockTTL = 60 * time.Second
)

// Error sample kinds appearing in the upload report.
const (
	kindParseError       = "parse_error"
	kindMissingStructure = "missing_structure"
	kindInvalidStructure = "invalid_structure"
	kindSizeLimit        = "size_limit"
	kindNonNumeric       = "non_numeric_value"
	kindOutOfRange       = "value_out_of_range"
	kindClamped          = "value_clamped"
)

// BlobStore is the slice of the upload blob store the run loop needs.
type BlobStore interface {
	Stat(ctx context.Context, objectKey string) (*minio.ObjectInfo, error)
	OpenFrom(ctx context.Context, objectKey string, byteOffset int64) (io.ReadCloser, error)
	PresignedPutURL(ctx context.Context, objectKey string) (string, error)
}

// MoleculeRegistrar is the slice of the molecule service a run writes through.
// Candidates are prepared off the store path, so only the upsert and the
// property writes touch it.
type MoleculeRegistrar interface {
	RegisterPrepared(ctx context.Context, candidate *molecule.Molecule, name, source string) (*molecule.Molecule, bool, error)
	RecordProperty(ctx context.Context, contentHash string, pv molecule.PropertyValue) error
}

// EventPublisher publishes ingestion events.
type EventPublisher interface {
	PublishEnvelope(ctx context.Context, topic, key string, env *kafka.EventEnvelope) error
}

// UploadLock is one distributed lock guarding an upload run.
type UploadLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
}

// LockProvider hands out the lock for one upload ID.
type LockProvider func(uploadID string) UploadLock

// Service coordinates ingestion runs.
type Service struct {
	uploads   upload.Repository
	molecules MoleculeRegistrar
	blobs     BlobStore
	publisher EventPublisher
	locks     LockProvider
	metrics   *prometheus.AppMetrics
	cfg       config.IngestConfig
	gate      *ownerGate
	logger    logging.Logger
}

// NewService wires the ingestion service.  publisher and metrics may be nil.
func NewService(
	uploads upload.Repository,
	molecules MoleculeRegistrar,
	blobs BlobStore,
	publisher EventPublisher,
	locks LockProvider,
	metrics *prometheus.AppMetrics,
	cfg config.IngestConfig,
	logger logging.Logger,
) *Service {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = defaultMaxFileBytes
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.StorageRetryMax <= 0 {
		cfg.StorageRetryMax = defaultStorageRetry
	}
	if cfg.ValidateWorkers <= 0 {
		cfg.ValidateWorkers = defaultValidateWorkers
	}
	if cfg.PersistWorkers <= 0 {
		cfg.PersistWorkers = defaultPersistWorkers
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = defaultConcurrentRuns
	}
	if cfg.OwnerSharePercent <= 0 {
		cfg.OwnerSharePercent = defaultOwnerShare
	}
	return &Service{
		uploads:   uploads,
		molecules: molecules,
		blobs:     blobs,
		publisher: publisher,
		locks:     locks,
		metrics:   metrics,
		cfg:       cfg,
		gate:      newOwnerGate(cfg.MaxConcurrentRuns, cfg.OwnerSharePercent),
		logger:    logger.Named("ingestion"),
	}
}

// CreateUploadInput registers a new ingestion run.
type CreateUploadInput struct {
	Filename  string
	SizeBytes int64
	Owner     string
	Mapping   upload.ColumnMapping
}

// CreateUploadResult carries the registered run and the URL the caller
// uploads the raw CSV to.
type CreateUploadResult struct {
	Upload    *upload.Upload
	UploadURL string
}

// CreateUpload validates the declared size and mapping, registers the run, and
// presigns the blob upload.
func (s *Service) CreateUpload(ctx context.Context, input CreateUploadInput) (*CreateUploadResult, error) {
	if input.SizeBytes > s.cfg.MaxFileBytes {
		return nil, errors.New(errors.ErrCodeIngestFileTooLarge, "upload exceeds size limit").
			WithDetail(fmt.Sprintf("size=%d limit=%d", input.SizeBytes, s.cfg.MaxFileBytes))
	}

	u, err := upload.New(input.Filename, "", input.SizeBytes, input.Mapping)
	if err != nil {
		return nil, err
	}
	u.Owner = input.Owner
	u.ObjectKey = minio.ObjectKeyFor(string(u.ID))

	if err := s.uploads.Create(ctx, u); err != nil {
		return nil, err
	}

	uploadURL, err := s.blobs.PresignedPutURL(ctx, u.ObjectKey)
	if err != nil {
		return nil, err
	}

	s.logger.Info("upload registered",
		logging.UploadID(string(u.ID)),
		logging.String("filename", u.Filename),
		logging.Int64("size_bytes", u.SizeBytes))
	return &CreateUploadResult{Upload: u, UploadURL: uploadURL}, nil
}

// Get retrieves one upload.
func (s *Service) Get(ctx context.Context, id common.ID) (*upload.Upload, error) {
	return s.uploads.FindByID(ctx, id)
}

// List returns one page of uploads, newest first.
func (s *Service) List(ctx context.Context, page common.CursorPage) (*common.PageResult[*upload.Upload], error) {
	return s.uploads.List(ctx, page)
}

// Cancel aborts a pending or running upload.
func (s *Service) Cancel(ctx context.Context, id common.ID) error {
	u, err := s.uploads.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := u.Cancel(); err != nil {
		return err
	}
	return s.uploads.Save(ctx, u)
}

// FindResumable lists uploads holding a usable checkpoint: failed runs, and
// running runs whose worker died.  A running row counts as abandoned once it
// has sat untouched for two lock TTLs, well past the point the crashed
// holder's lock expired.
func (s *Service) FindResumable(ctx context.Context, limit int) ([]*upload.Upload, error) {
	return s.uploads.FindResumable(ctx, 2*lockTTL, limit)
}

// Run processes an upload from its checkpoint to the end of the file.  A
// fresh run starts at row zero; a resumed run seeks to the checkpoint's byte
// offset.  Exactly one run per upload executes at a time; a second caller
// gets a conflict.  Runs of one owner are capped to a share of the process's
// run slots while other owners wait.
func (s *Service) Run(ctx context.Context, id common.ID) error {
	u, err := s.uploads.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if u.Status.IsTerminal() && !u.Resumable() {
		return errors.New(errors.ErrCodeIngestAlreadyCompleted, "upload already finished").
			WithDetail("status=" + string(u.Status))
	}

	if err := s.gate.acquire(ctx, u.Owner); err != nil {
		return errors.Wrap(err, errors.ErrCodeCancelled, "ingestion run cancelled while queued")
	}
	defer s.gate.release(u.Owner)

	lock := s.locks(string(u.ID))
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return errors.New(errors.ErrCodeConflict, "upload is already being processed").
			WithDetail("upload_id=" + string(u.ID))
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("upload lock release failed",
				logging.UploadID(string(u.ID)), logging.Err(err))
		}
	}()

	started := time.Now()
	runErr := s.run(ctx, u, lock)

	if runErr != nil {
		// Cancellation keeps the run resumable; anything else fails it with
		// the checkpoint preserved.
		if errors.IsCode(runErr, errors.ErrCodeCancelled) {
			s.recordUploadMetric("interrupted", started)
			return runErr
		}
		u.Fail(runErr.Error())
		if saveErr := s.uploads.Save(context.WithoutCancel(ctx), u); saveErr != nil {
			s.logger.Error("failed to persist upload failure",
				logging.UploadID(string(u.ID)), logging.Err(saveErr))
		}
		s.recordUploadMetric("failed", started)
		s.publishCompleted(ctx, u)
		return runErr
	}

	s.recordUploadMetric("completed", started)
	s.publishCompleted(ctx, u)
	return nil
}

// columnPlan is the resolved header → field binding for one file.
type columnPlan struct {
	smilesIdx int
	nameIdx   int // -1 when unbound
	propIdx   map[int]boundColumn
}

// boundColumn pairs the property binding with the CSV header it came from,
// so error samples can name the offending column.
type boundColumn struct {
	header string
	upload.PropertyColumn
}

func (s *Service) run(ctx context.Context, u *upload.Upload, lock UploadLock) error {
	info, err := s.blobs.Stat(ctx, u.ObjectKey)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return errors.New(errors.ErrCodeIngestSourceUnreadable, "upload blob missing").
				WithDetail("key=" + u.ObjectKey)
		}
		return err
	}
	if info.Size > s.cfg.MaxFileBytes {
		return errors.New(errors.ErrCodeIngestFileTooLarge, "stored file exceeds size limit").
			WithDetail(fmt.Sprintf("size=%d limit=%d", info.Size, s.cfg.MaxFileBytes))
	}

	if err := u.Start(); err != nil {
		return err
	}
	if err := s.uploads.Save(ctx, u); err != nil {
		return err
	}

	// The header always comes from the top of the file, even on resume, and
	// the delimiter is inferred from the head of the stream.
	head, err := s.blobs.OpenFrom(ctx, u.ObjectKey, 0)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeIngestSourceUnreadable, "failed to open upload blob")
	}
	buffered := bufio.NewReaderSize(head, sniffWindow)
	prefix, _ := buffered.Peek(sniffWindow)
	delimiter := sniffDelimiter(prefix)

	headReader := csv.NewReader(buffered)
	headReader.Comma = delimiter
	headReader.FieldsPerRecord = -1
	header, err := headReader.Read()
	if err != nil {
		head.Close()
		return errors.Wrap(err, errors.ErrCodeIngestSourceUnreadable, "failed to read CSV header")
	}
	headerEnd := headReader.InputOffset()

	if len(header) > maxColumns {
		head.Close()
		return errors.New(errors.ErrCodeIngestMappingInvalid, "file exceeds column limit").
			WithDetail(fmt.Sprintf("columns=%d limit=%d", len(header), maxColumns))
	}

	plan, err := resolveColumns(header, u.Mapping)
	if err != nil {
		head.Close()
		return err
	}

	// Resume seeks straight to the checkpoint; a fresh run continues with the
	// reader already positioned after the header.
	var reader *csv.Reader
	var body io.ReadCloser
	var baseOffset int64
	if u.Checkpoint.ByteOffset > headerEnd {
		head.Close()
		body, err = s.blobs.OpenFrom(ctx, u.ObjectKey, u.Checkpoint.ByteOffset)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeIngestSourceUnreadable, "failed to reopen upload blob at checkpoint")
		}
		baseOffset = u.Checkpoint.ByteOffset
		reader = csv.NewReader(body)
		reader.Comma = delimiter
		s.logger.Info("resuming upload from checkpoint",
			logging.UploadID(string(u.ID)),
			logging.Int64("row", u.Checkpoint.Row),
			logging.Int64("byte_offset", u.Checkpoint.ByteOffset))
	} else {
		body = head
		baseOffset = 0
		reader = headReader
	}
	defer body.Close()
	reader.FieldsPerRecord = -1

	row := u.Checkpoint.Row
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCodeCancelled, "ingestion run cancelled")
		}

		chunk, err := s.readChunk(reader, &row)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			break
		}

		results := s.validateChunk(ctx, chunk, plan)
		tally, err := s.persistChunk(ctx, u, results)
		if err != nil {
			// The chunk is not checkpointed, so a resume reprocesses it; the
			// store's content addressing makes the overlap idempotent.
			return err
		}

		endOffset := baseOffset + reader.InputOffset()
		if err := s.checkpoint(ctx, u, tally, row, endOffset); err != nil {
			return err
		}
		if _, err := lock.Extend(ctx, lockTTL); err != nil {
			s.logger.Warn("upload lock extend failed",
				logging.UploadID(string(u.ID)), logging.Err(err))
		}
	}

	if err := u.Complete(); err != nil {
		return err
	}
	if err := s.uploads.Save(ctx, u); err != nil {
		return err
	}

	s.logger.Info("upload completed",
		logging.UploadID(string(u.ID)),
		logging.Int64("processed", u.Counters.Processed),
		logging.Int64("created", u.Counters.Created),
		logging.Int64("duplicates", u.Counters.Duplicates),
		logging.Int64("invalid", u.Counters.Invalid),
		logging.Int64("observations", u.Counters.Observations))
	return nil
}

// rawRow is one CSV record with its position in the file.  A record that
// failed CSV parsing carries parseErr and empty cells.
type rawRow struct {
	num      int64
	cells    []string
	parseErr string
}

// readChunk sequentially parses up to one chunk of records, advancing *row.
// Malformed records are carried as parse failures rather than aborting.
func (s *Service) readChunk(reader *csv.Reader, row *int64) ([]rawRow, error) {
	chunk := make([]rawRow, 0, s.cfg.BatchSize)
	for len(chunk) < s.cfg.BatchSize {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if perr, ok := err.(*csv.ParseError); ok {
				*row++
				chunk = append(chunk, rawRow{num: *row, parseErr: perr.Err.Error()})
				continue
			}
			return nil, errors.Wrap(err, errors.ErrCodeIngestSourceUnreadable, "failed reading upload stream")
		}

		*row++
		if *row > int64(s.cfg.MaxRows) {
			return nil, errors.New(errors.ErrCodeIngestRowLimitExceeded, "upload exceeds row limit").
				WithDetail(fmt.Sprintf("limit=%d", s.cfg.MaxRows))
		}
		chunk = append(chunk, rawRow{num: *row, cells: append([]string(nil), record...)})
	}
	return chunk, nil
}

type rowOutcome int

const (
	rowCreated rowOutcome = iota
	rowDuplicate
	rowInvalid
)

// rowResult is one validated row, ready for the persist stage.
type rowResult struct {
	row       rawRow
	invalid   bool
	samples   []upload.ErrorSample
	obsErrors int64
	candidate *molecule.Molecule
	name      string
	props     []molecule.PropertyValue
}

// validateChunk canonicalizes and coerces every row of a chunk concurrently.
// Validation is pure, so the only failure mode is a per-row sample.
func (s *Service) validateChunk(ctx context.Context, chunk []rawRow, plan columnPlan) []rowResult {
	results := make([]rowResult, len(chunk))

	var g errgroup.Group
	g.SetLimit(s.cfg.ValidateWorkers)
	for i := range chunk {
		i := i
		g.Go(func() error {
			results[i] = s.validateRow(chunk[i], plan)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	return results
}

func (s *Service) validateRow(row rawRow, plan columnPlan) rowResult {
	res := rowResult{row: row}

	if row.parseErr != "" {
		res.invalid = true
		res.samples = append(res.samples, upload.ErrorSample{
			Kind: kindParseError, Row: row.num, Reason: row.parseErr,
		})
		return res
	}

	if plan.smilesIdx >= len(row.cells) || strings.TrimSpace(row.cells[plan.smilesIdx]) == "" {
		res.invalid = true
		res.samples = append(res.samples, upload.ErrorSample{
			Kind: kindMissingStructure, Row: row.num, Reason: "structure column is empty",
		})
		return res
	}
	rawSMILES := strings.TrimSpace(row.cells[plan.smilesIdx])

	candidate, err := molecule.Prepare(rawSMILES)
	if err != nil {
		res.invalid = true
		kind := kindInvalidStructure
		if errors.IsCode(err, errors.ErrCodeValidationSizeLimit) {
			kind = kindSizeLimit
		}
		res.samples = append(res.samples, upload.ErrorSample{
			Kind: kind, Row: row.num, Value: truncateValue(rawSMILES), Reason: errors.GetMessage(err),
		})
		return res
	}
	res.candidate = candidate

	if plan.nameIdx >= 0 && plan.nameIdx < len(row.cells) {
		res.name = strings.TrimSpace(row.cells[plan.nameIdx])
	}

	for idx, bc := range plan.propIdx {
		if idx >= len(row.cells) {
			continue
		}
		rawValue := strings.TrimSpace(row.cells[idx])
		if rawValue == "" {
			continue
		}
		value, err := strconv.ParseFloat(rawValue, 64)
		if err != nil {
			res.obsErrors++
			res.samples = append(res.samples, upload.ErrorSample{
				Kind: kindNonNumeric, Row: row.num, Column: bc.header,
				Value: truncateValue(rawValue), Reason: "value is not numeric",
			})
			continue
		}

		value, ok := applyRangePolicy(value, bc, row.num, &res)
		if !ok {
			continue
		}

		res.props = append(res.props, molecule.PropertyValue{
			Property:   bc.Property,
			Value:      value,
			Unit:       bc.Unit,
			Source:     moltypes.SourceMeasured,
			ObservedAt: time.Now().UTC(),
		})
	}
	return res
}

// applyRangePolicy enforces a bound column's min/max.  Clamping pins the value
// and records a warning sample; rejection drops the observation.
func applyRangePolicy(value float64, bc boundColumn, rowNum int64, res *rowResult) (float64, bool) {
	outOfRange := (bc.Min != nil && value < *bc.Min) || (bc.Max != nil && value > *bc.Max)
	if !outOfRange {
		return value, true
	}

	if bc.OutOfRange == upload.RangeClamp {
		clamped := value
		if bc.Min != nil && clamped < *bc.Min {
			clamped = *bc.Min
		}
		if bc.Max != nil && clamped > *bc.Max {
			clamped = *bc.Max
		}
		res.samples = append(res.samples, upload.ErrorSample{
			Kind: kindClamped, Row: rowNum, Column: bc.header,
			Value:  strconv.FormatFloat(value, 'g', -1, 64),
			Reason: fmt.Sprintf("clamped to %g", clamped),
		})
		return clamped, true
	}

	res.obsErrors++
	res.samples = append(res.samples, upload.ErrorSample{
		Kind: kindOutOfRange, Row: rowNum, Column: bc.header,
		Value:  strconv.FormatFloat(value, 'g', -1, 64),
		Reason: rangeReason(bc),
	})
	return 0, false
}

func rangeReason(bc boundColumn) string {
	switch {
	case bc.Min != nil && bc.Max != nil:
		return fmt.Sprintf("outside [%g, %g]", *bc.Min, *bc.Max)
	case bc.Min != nil:
		return fmt.Sprintf("below minimum %g", *bc.Min)
	default:
		return fmt.Sprintf("above maximum %g", *bc.Max)
	}
}

// chunkTally is the fold of one chunk's outcomes, merged under its own lock
// because persist workers report concurrently.
type chunkTally struct {
	mu       sync.Mutex
	counters upload.Counters
	samples  []upload.ErrorSample
}

func (t *chunkTally) merge(c upload.Counters, samples []upload.ErrorSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters.Add(c)
	t.samples = append(t.samples, samples...)
}

// persistChunk writes one chunk's validated rows, partitioned by content hash:
// rows for the same molecule are applied by one worker in ascending row order,
// so the last write per property slot is decided by row number.  A storage
// failure aborts the chunk after retries; nothing of it is checkpointed.
func (s *Service) persistChunk(ctx context.Context, u *upload.Upload, results []rowResult) (*chunkTally, error) {
	tally := &chunkTally{}

	groups := make(map[string][]*rowResult)
	for i := range results {
		res := &results[i]
		if res.invalid {
			tally.merge(upload.Counters{Processed: 1, Invalid: 1}, res.samples)
			s.recordRowMetric(rowInvalid)
			continue
		}
		hash := res.candidate.ContentHash
		groups[hash] = append(groups[hash], res)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.PersistWorkers)
	for _, group := range groups {
		group := group
		sort.Slice(group, func(i, j int) bool { return group[i].row.num < group[j].row.num })
		g.Go(func() error {
			return s.persistGroup(gctx, u, group, tally)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tally, nil
}

// persistGroup writes all rows of one content hash in row order.  Only the
// first row can create the molecule; the rest are in-file duplicates.
func (s *Service) persistGroup(ctx context.Context, u *upload.Upload, group []*rowResult, tally *chunkTally) error {
	var mol *molecule.Molecule
	for i, res := range group {
		if i == 0 {
			var created bool
			err := s.withStorageRetry(ctx, func() error {
				var err error
				mol, created, err = s.molecules.RegisterPrepared(ctx, res.candidate, res.name, u.Source)
				return err
			})
			if err != nil {
				return err
			}
			outcome := rowDuplicate
			c := upload.Counters{Processed: 1}
			if created {
				outcome = rowCreated
				c.Created = 1
				s.publishIngested(ctx, u, mol)
			} else {
				c.Duplicates = 1
			}
			s.recordRowMetric(outcome)
			tally.merge(c, nil)
		} else {
			if res.name != "" {
				// Later duplicate rows may still carry a distinct name.
				if err := s.withStorageRetry(ctx, func() error {
					_, _, err := s.molecules.RegisterPrepared(ctx, res.candidate, res.name, u.Source)
					return err
				}); err != nil {
					return err
				}
			}
			s.recordRowMetric(rowDuplicate)
			tally.merge(upload.Counters{Processed: 1, Duplicates: 1}, nil)
		}

		written := int64(0)
		names := make([]string, 0, len(res.props))
		for _, pv := range res.props {
			pv := pv
			if err := s.withStorageRetry(ctx, func() error {
				return s.molecules.RecordProperty(ctx, mol.ContentHash, pv)
			}); err != nil {
				return err
			}
			written++
			names = append(names, pv.Property)
		}
		if written > 0 {
			s.publishProperties(ctx, u, mol.ContentHash, names)
		}
		tally.merge(upload.Counters{
			Observations:      written,
			ObservationErrors: res.obsErrors,
		}, res.samples)
	}
	return nil
}

// checkpoint folds the chunk into the aggregate and journals progress.
func (s *Service) checkpoint(ctx context.Context, u *upload.Upload, tally *chunkTally, row, byteOffset int64) error {
	sort.Slice(tally.samples, func(i, j int) bool { return tally.samples[i].Row < tally.samples[j].Row })
	if err := u.Advance(tally.counters, tally.samples, row, byteOffset); err != nil {
		return err
	}
	if err := s.uploads.SaveCheckpoint(ctx, u.ID, u.Counters, u.Samples, u.Checkpoint); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.IngestCheckpointsTotal.WithLabelValues().Inc()
	}
	return nil
}

// withStorageRetry retries transient store failures with exponential backoff.
func (s *Service) withStorageRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.IsCode(err, errors.ErrCodeDatabaseError) ||
			errors.IsCode(err, errors.ErrCodeServiceUnavailable) ||
			errors.IsCode(err, errors.ErrCodeIdentityVersionConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.cfg.StorageRetryMax)), ctx))
}

// sniffDelimiter infers comma or tab from the first line of the file's head.
func sniffDelimiter(prefix []byte) rune {
	line := prefix
	if i := bytes.IndexByte(prefix, '\n'); i >= 0 {
		line = prefix[:i]
	}
	if bytes.Count(line, []byte{'\t'}) > bytes.Count(line, []byte{','}) {
		return '\t'
	}
	return ','
}

func resolveColumns(header []string, mapping upload.ColumnMapping) (columnPlan, error) {
	plan := columnPlan{smilesIdx: -1, nameIdx: -1, propIdx: make(map[int]boundColumn)}
	for i, h := range header {
		h = strings.TrimSpace(h)
		switch {
		case strings.EqualFold(h, mapping.SMILESColumn):
			plan.smilesIdx = i
		case mapping.NameColumn != "" && strings.EqualFold(h, mapping.NameColumn):
			plan.nameIdx = i
		default:
			for bound, pc := range mapping.PropertyColumns {
				if strings.EqualFold(h, bound) {
					plan.propIdx[i] = boundColumn{header: h, PropertyColumn: pc}
				}
			}
		}
	}
	if plan.smilesIdx < 0 {
		return plan, errors.New(errors.ErrCodeIngestMappingInvalid, "SMILES column not present in file").
			WithDetail("column=" + mapping.SMILESColumn)
	}
	return plan, nil
}

// truncateValue bounds raw cell values embedded in error samples.
func truncateValue(v string) string {
	const max = 120
	if len(v) <= max {
		return v
	}
	return v[:max] + "…"
}

func (s *Service) publishIngested(ctx context.Context, u *upload.Upload, mol *molecule.Molecule) {
	if s.publisher == nil {
		return
	}
	env, err := kafka.NewEventEnvelope("molecule.ingested", "ingestion", kafka.MoleculeIngestedPayload{
		ContentHash: mol.ContentHash,
		SMILES:      mol.SMILES,
		Source:      u.Source,
		UploadID:    string(u.ID),
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

func (s *Service) publishProperties(ctx context.Context, u *upload.Upload, contentHash string, names []string) {
	if s.publisher == nil {
		return
	}
	env, err := kafka.NewEventEnvelope("molecule.properties", "ingestion", kafka.PropertiesRecordedPayload{
		ContentHash: contentHash,
		Properties:  names,
		Source:      string(moltypes.SourceMeasured),
		UploadID:    string(u.ID),
		RecordedAt:  time.Now().UTC(),
	})
	if err == nil {
		err = s.publisher.PublishEnvelope(ctx, kafka.TopicPropertiesRecorded, contentHash, env)
	}
	if err != nil {
		s.logger.Warn("failed to publish molecule.properties",
			logging.ContentHash(contentHash), logging.Err(err))
	}
}

func (s *Service) publishCompleted(ctx context.Context, u *upload.Upload) {
	if s.publisher == nil {
		return
	}
	env, err := kafka.NewEventEnvelope("ingest.completed", "ingestion", kafka.IngestCompletedPayload{
		UploadID:     string(u.ID),
		Filename:     u.Filename,
		Processed:    u.Counters.Processed,
		Created:      u.Counters.Created,
		Duplicates:   u.Counters.Duplicates,
		Invalid:      u.Counters.Invalid,
		Failed:       u.Counters.Failed,
		Observations: u.Counters.Observations,
		CompletedAt:  time.Now().UTC(),
	})
	if err == nil {
		err = s.publisher.PublishEnvelope(context.WithoutCancel(ctx), kafka.TopicIngestCompleted, string(u.ID), env)
	}
	if err != nil {
		s.logger.Warn("failed to publish ingest.completed",
			logging.UploadID(string(u.ID)), logging.Err(err))
	}
}

func (s *Service) recordRowMetric(outcome rowOutcome) {
	if s.metrics == nil {
		return
	}
	switch outcome {
	case rowCreated:
		prometheus.RecordIngestRow(s.metrics, "created")
	case rowDuplicate:
		prometheus.RecordIngestRow(s.metrics, "duplicate")
	case rowInvalid:
		prometheus.RecordIngestRow(s.metrics, "invalid")
	}
}

func (s *Service) recordUploadMetric(status string, started time.Time) {
	if s.metrics == nil {
		return
	}
	prometheus.RecordIngestUpload(s.metrics, status, time.Since(started))
}
