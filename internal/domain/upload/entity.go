// Package upload models a CSV ingestion run: its source file, column mapping,
// progress counters, and the checkpoint that makes interrupted runs resumable.
package upload

import (
	"fmt"
	"time"

	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
)

// Status tracks an ingestion run through its life.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the run can make no further progress.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ColumnMapping binds CSV header names to molecule fields.  SMILES is the only
// required binding; Name and property columns are optional.
type ColumnMapping struct {
	// SMILESColumn is the header of the column holding structure notation.
	SMILESColumn string `json:"smiles_column"`

	// NameColumn optionally holds an external identifier per row.
	NameColumn string `json:"name_column,omitempty"`

	// PropertyColumns maps CSV headers to stored property names, with an
	// optional unit per column.
	PropertyColumns map[string]PropertyColumn `json:"property_columns,omitempty"`
}

// RangePolicy decides what happens to a numeric value outside a property
// column's declared bounds.
type RangePolicy string

const (
	// RangeReject drops the observation and records a sample.
	RangeReject RangePolicy = "reject"
	// RangeClamp pins the value to the nearest bound and records a warning
	// sample; the observation is still stored.
	RangeClamp RangePolicy = "clamp"
)

// PropertyColumn describes one bound property column.  Min and Max are
// optional bounds; OutOfRange selects the policy applied when a value falls
// outside them.
type PropertyColumn struct {
	Property   string      `json:"property"`
	Unit       string      `json:"unit,omitempty"`
	Min        *float64    `json:"min,omitempty"`
	Max        *float64    `json:"max,omitempty"`
	OutOfRange RangePolicy `json:"out_of_range,omitempty"`
}

// Validate checks the mapping before an ingestion run starts.
func (m ColumnMapping) Validate() error {
	if m.SMILESColumn == "" {
		return errors.New(errors.ErrCodeIngestMappingInvalid, "mapping must bind a SMILES column")
	}
	for header, pc := range m.PropertyColumns {
		if header == "" || pc.Property == "" {
			return errors.New(errors.ErrCodeIngestMappingInvalid, "property column binding incomplete").
				WithDetail(fmt.Sprintf("header=%q property=%q", header, pc.Property))
		}
		switch pc.OutOfRange {
		case "", RangeReject, RangeClamp:
		default:
			return errors.New(errors.ErrCodeIngestMappingInvalid, "unknown out-of-range policy").
				WithDetail(fmt.Sprintf("header=%q policy=%q", header, pc.OutOfRange))
		}
		if pc.Min != nil && pc.Max != nil && *pc.Min > *pc.Max {
			return errors.New(errors.ErrCodeIngestMappingInvalid, "property bounds inverted").
				WithDetail(fmt.Sprintf("header=%q min=%g max=%g", header, *pc.Min, *pc.Max))
		}
	}
	return nil
}

// Checkpoint marks how far a run has progressed, in both row and byte terms.
// Resume seeks to ByteOffset and continues from Row+1.
type Checkpoint struct {
	Row        int64     `json:"row"`
	ByteOffset int64     `json:"byte_offset"`
	SavedAt    time.Time `json:"saved_at"`
}

// Counters aggregates per-row outcomes of a run.  Observations counts stored
// property values; ObservationErrors counts per-cell rejections on rows that
// were otherwise accepted.
type Counters struct {
	Processed         int64 `json:"processed"`
	Created           int64 `json:"created"`
	Duplicates        int64 `json:"duplicates"`
	Invalid           int64 `json:"invalid"`
	Failed            int64 `json:"failed"`
	Observations      int64 `json:"observations"`
	ObservationErrors int64 `json:"observation_errors"`
}

// Add folds another set of counters into this one.
func (c *Counters) Add(other Counters) {
	c.Processed += other.Processed
	c.Created += other.Created
	c.Duplicates += other.Duplicates
	c.Invalid += other.Invalid
	c.Failed += other.Failed
	c.Observations += other.Observations
	c.ObservationErrors += other.ObservationErrors
}

// MaxErrorSamples caps how many samples are retained per error kind.
const MaxErrorSamples = 50

// ErrorSample is one retained example of a row- or cell-level failure, keyed
// by Kind in the upload's report.
type ErrorSample struct {
	Kind   string `json:"kind"`
	Row    int64  `json:"row"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
}

// Upload is the aggregate for one ingestion run.
type Upload struct {
	common.BaseEntity

	Filename   string                   `json:"filename"`
	ObjectKey  string                   `json:"object_key"` // raw file location in blob storage
	SizeBytes  int64                    `json:"size_bytes"`
	Owner      string                   `json:"owner,omitempty"` // principal the run is attributed to
	Source     string                   `json:"source"`          // observation source tag, e.g. "upload:<id>"
	Mapping    ColumnMapping            `json:"mapping"`
	Status     Status                   `json:"status"`
	Counters   Counters                 `json:"counters"`
	Checkpoint Checkpoint               `json:"checkpoint"`
	Samples    map[string][]ErrorSample `json:"samples,omitempty"`
	Error      string                   `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New registers an ingestion run in the pending state.
func New(filename, objectKey string, sizeBytes int64, mapping ColumnMapping) (*Upload, error) {
	if filename == "" {
		return nil, errors.New(errors.ErrCodeBadRequest, "upload filename cannot be empty")
	}
	if sizeBytes <= 0 {
		return nil, errors.New(errors.ErrCodeBadRequest, "upload size must be positive")
	}
	if err := mapping.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	u := &Upload{
		BaseEntity: common.BaseEntity{
			ID:        common.NewID(),
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
		Filename:  filename,
		ObjectKey: objectKey,
		SizeBytes: sizeBytes,
		Mapping:   mapping,
		Status:    StatusPending,
	}
	u.Source = "upload:" + string(u.ID)
	return u, nil
}

// Start moves a pending or resumable run into the running state.
func (u *Upload) Start() error {
	switch u.Status {
	case StatusPending:
		now := time.Now().UTC()
		u.StartedAt = &now
	case StatusRunning:
		// Resume after a crash: counters and checkpoint carry over.
	case StatusFailed:
		if u.Checkpoint.Row == 0 {
			return errors.New(errors.ErrCodeIngestAlreadyCompleted, "failed upload has no checkpoint to resume from")
		}
		u.Error = ""
		u.CompletedAt = nil
	default:
		return errors.New(errors.ErrCodeIngestAlreadyCompleted, "upload cannot be started").
			WithDetail(fmt.Sprintf("status=%s", u.Status))
	}
	u.Status = StatusRunning
	u.touch()
	return nil
}

// Advance folds one processed batch into the counters, retains its error
// samples, and moves the checkpoint.  The checkpoint must move forward; a
// regressing offset indicates a caller bug and is rejected.
func (u *Upload) Advance(batch Counters, samples []ErrorSample, row, byteOffset int64) error {
	if u.Status != StatusRunning {
		return errors.New(errors.ErrCodeIngestAlreadyCompleted, "upload is not running").
			WithDetail(fmt.Sprintf("status=%s", u.Status))
	}
	if row < u.Checkpoint.Row || byteOffset < u.Checkpoint.ByteOffset {
		return errors.New(errors.ErrCodeInternal, "checkpoint cannot move backwards").
			WithDetail(fmt.Sprintf("row=%d->%d byte=%d->%d", u.Checkpoint.Row, row, u.Checkpoint.ByteOffset, byteOffset))
	}

	u.Counters.Add(batch)
	for _, s := range samples {
		u.addSample(s)
	}
	u.Checkpoint = Checkpoint{Row: row, ByteOffset: byteOffset, SavedAt: time.Now().UTC()}
	u.touch()
	return nil
}

// addSample retains one error sample, dropping it once the kind's quota is
// spent.  Counters still reflect the dropped errors.
func (u *Upload) addSample(s ErrorSample) {
	if u.Samples == nil {
		u.Samples = map[string][]ErrorSample{}
	}
	if len(u.Samples[s.Kind]) >= MaxErrorSamples {
		return
	}
	u.Samples[s.Kind] = append(u.Samples[s.Kind], s)
}

// Complete marks the run finished.
func (u *Upload) Complete() error {
	if u.Status != StatusRunning {
		return errors.New(errors.ErrCodeIngestAlreadyCompleted, "upload is not running").
			WithDetail(fmt.Sprintf("status=%s", u.Status))
	}
	u.Status = StatusCompleted
	now := time.Now().UTC()
	u.CompletedAt = &now
	u.touch()
	return nil
}

// Fail marks the run failed with a reason.  The checkpoint is preserved so a
// later run can resume.
func (u *Upload) Fail(reason string) {
	if u.Status.IsTerminal() {
		return
	}
	u.Status = StatusFailed
	u.Error = reason
	now := time.Now().UTC()
	u.CompletedAt = &now
	u.touch()
}

// Cancel marks the run cancelled by the caller.
func (u *Upload) Cancel() error {
	if u.Status.IsTerminal() {
		return errors.New(errors.ErrCodeIngestAlreadyCompleted, "upload already finished").
			WithDetail(fmt.Sprintf("status=%s", u.Status))
	}
	u.Status = StatusCancelled
	now := time.Now().UTC()
	u.CompletedAt = &now
	u.touch()
	return nil
}

// Resumable reports whether a failed run can pick up from its checkpoint.
func (u *Upload) Resumable() bool {
	return u.Status == StatusFailed && u.Checkpoint.Row > 0
}

func (u *Upload) touch() {
	u.UpdatedAt = time.Now().UTC()
}
