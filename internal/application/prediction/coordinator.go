// Package prediction coordinates asynchronous property prediction: it drains
// queued jobs into bounded batches for the external predictor, polls batch
// status on an adaptive schedule, applies results to the molecule store, and
// shields the predictor behind a circuit breaker.
package prediction

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/molforge/molforge/internal/config"
	domlc "github.com/molforge/molforge/internal/domain/lifecycle"
	"github.com/molforge/molforge/internal/domain/molecule"
	domjob "github.com/molforge/molforge/internal/domain/prediction"
	"github.com/molforge/molforge/internal/infrastructure/messaging/kafka"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/prometheus"
	"github.com/molforge/molforge/internal/intelligence/predictor"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

const (
	defaultBatchSize         = 100
	defaultBatchWindow       = 500 * time.Millisecond
	defaultMaxAttempts       = 5
	defaultPollInitial       = 2 * time.Second
	defaultPollMax           = 60 * time.Second
	defaultCooldown          = 30 * time.Second
	defaultInFlightBatchCap  = 8
)

// MoleculeStore is the slice of the molecule service the coordinator writes
// results through.  State transitions go through the Lifecycle seam instead,
// so the lifecycle orchestrator stays the only writer of molecule state.
type MoleculeStore interface {
	GetByContentHash(ctx context.Context, contentHash string) (*molecule.Molecule, error)
	RecordProperty(ctx context.Context, contentHash string, pv molecule.PropertyValue) error
}

// Lifecycle receives the pipeline events the coordinator emits at each job
// milestone.  Process absorbs transitions the state machine rejects, so a
// molecule already past the target state never fails the job bookkeeping.
type Lifecycle interface {
	Process(ctx context.Context, eventID string, ev domlc.Event) error
}

// EventPublisher publishes prediction outcome events.
type EventPublisher interface {
	PublishEnvelope(ctx context.Context, topic, key string, env *kafka.EventEnvelope) error
}

// Coordinator owns the job queue and the predictor conversation.
type Coordinator struct {
	jobs      domjob.Repository
	molecules MoleculeStore
	client    predictor.Client
	breaker   *gobreaker.CircuitBreaker
	lifecycle Lifecycle
	publisher EventPublisher
	metrics   *prometheus.AppMetrics
	cfg       config.PredictionConfig
	logger    logging.Logger

	// Dispatch backs off as a whole after transient predictor faults so a
	// struggling service is not hammered every batch window.
	mu             sync.Mutex
	dispatchBO     *backoff.ExponentialBackOff
	nextDispatchAt time.Time
}

// NewCoordinator wires the coordinator.  lifecycle, publisher, and metrics may
// be nil.
func NewCoordinator(
	jobs domjob.Repository,
	molecules MoleculeStore,
	client predictor.Client,
	lifecycle Lifecycle,
	publisher EventPublisher,
	metrics *prometheus.AppMetrics,
	cfg config.PredictionConfig,
	logger logging.Logger,
) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = defaultBatchWindow
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = defaultMaxAttempts
	}
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = defaultPollInitial
	}
	if cfg.PollMax <= 0 {
		cfg.PollMax = defaultPollMax
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaultCooldown
	}
	if cfg.BreakerMinRequests <= 0 {
		cfg.BreakerMinRequests = 5
	}
	if cfg.BreakerFailureRatio <= 0 {
		cfg.BreakerFailureRatio = 0.5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 5 * time.Minute
	}
	if cfg.MaxInFlightBatches <= 0 {
		cfg.MaxInFlightBatches = defaultInFlightBatchCap
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	bo.MaxInterval = cfg.RetryCap
	bo.MaxElapsedTime = 0 // dispatch backoff never gives up; attempts cap per job

	c := &Coordinator{
		jobs:       jobs,
		molecules:  molecules,
		client:     client,
		lifecycle:  lifecycle,
		publisher:  publisher,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger.Named("prediction"),
		dispatchBO: bo,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "predictor",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.BreakerMinRequests) {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Only transient predictor faults count against the breaker;
			// a permanent rejection of one bad item says nothing about the
			// service's health.
			return err == nil || !predictor.IsTransient(err)
		},
		OnStateChange: c.onBreakerStateChange,
	})
	return c
}

func (c *Coordinator) onBreakerStateChange(name string, from, to gobreaker.State) {
	c.logger.Warn("predictor breaker state changed",
		logging.String("from", from.String()),
		logging.String("to", to.String()))
	if c.metrics == nil {
		return
	}
	var v float64
	switch to {
	case gobreaker.StateClosed:
		v = 0
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	c.metrics.PredictionBreakerState.WithLabelValues().Set(v)
}

// Request queues a prediction job for one (molecule, property) pair.  When an
// active job already occupies the slot the request coalesces onto it and the
// existing job is returned.
func (c *Coordinator) Request(ctx context.Context, contentHash, property string) (*domjob.Job, error) {
	mol, err := c.molecules.GetByContentHash(ctx, contentHash)
	if err != nil {
		return nil, err
	}

	job, err := domjob.NewJob(mol.ContentHash, property, c.cfg.RetryMaxAttempts)
	if err != nil {
		return nil, err
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		if errors.IsCode(err, errors.ErrCodeJobAlreadyActive) {
			existing, findErr := c.jobs.FindActive(ctx, contentHash, property)
			if findErr != nil {
				// The occupant finished between the insert and the lookup;
				// surface the original conflict so the caller retries.
				return nil, err
			}
			c.logger.Debug("prediction request coalesced onto active job",
				logging.JobID(string(existing.ID)),
				logging.ContentHash(contentHash),
				logging.Property(property))
			return existing, nil
		}
		return nil, err
	}

	c.notifyLifecycle(ctx, job, domlc.EventPredictionRequested, "prediction requested")

	c.logger.Info("prediction job queued",
		logging.JobID(string(job.ID)),
		logging.ContentHash(contentHash),
		logging.Property(property))
	return job, nil
}

// Get retrieves one job.
func (c *Coordinator) Get(ctx context.Context, id common.ID) (*domjob.Job, error) {
	return c.jobs.FindByID(ctx, id)
}

// ListByContentHash returns a molecule's jobs, newest first.
func (c *Coordinator) ListByContentHash(ctx context.Context, contentHash string, page common.CursorPage) (*common.PageResult[*domjob.Job], error) {
	return c.jobs.ListByContentHash(ctx, contentHash, page)
}

// CountByState reports queue composition.
func (c *Coordinator) CountByState(ctx context.Context) (map[domjob.JobState]int64, error) {
	return c.jobs.CountByState(ctx)
}

// Cancel aborts an active job.
func (c *Coordinator) Cancel(ctx context.Context, id common.ID) error {
	job, err := c.jobs.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := job.Cancel(); err != nil {
		return err
	}
	return c.jobs.Save(ctx, job)
}

// Run drives dispatch and polling until the context is cancelled.  The batch
// window bounds how long a partially filled batch waits before dispatch.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.BatchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.DispatchOnce(ctx); err != nil && !errors.IsCode(err, errors.ErrCodeCancelled) {
				c.logger.Error("dispatch sweep failed", logging.Err(err))
			}
			if _, err := c.PollOnce(ctx, time.Now().UTC()); err != nil && !errors.IsCode(err, errors.ErrCodeCancelled) {
				c.logger.Error("poll sweep failed", logging.Err(err))
			}
		}
	}
}

// DispatchOnce claims up to one batch of queued jobs and submits them.  It
// returns the number of jobs submitted.  After a transient predictor fault
// dispatch pauses for an exponentially growing interval, resetting on the
// next successful submission.
func (c *Coordinator) DispatchOnce(ctx context.Context) (int, error) {
	c.mu.Lock()
	paused := time.Now().Before(c.nextDispatchAt)
	c.mu.Unlock()
	if paused {
		return 0, nil
	}

	inFlight, err := c.jobs.CountInFlightBatches(ctx)
	if err != nil {
		return 0, err
	}
	if inFlight >= c.cfg.MaxInFlightBatches {
		c.logger.Debug("dispatch deferred, in-flight batch cap reached",
			logging.Int("in_flight", inFlight),
			logging.Int("cap", c.cfg.MaxInFlightBatches))
		return 0, nil
	}

	claimed, err := c.jobs.ClaimQueued(ctx, c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	items := make([]predictor.BatchItem, 0, len(claimed))
	jobsByKey := make(map[string]*domjob.Job, len(claimed))
	for _, job := range claimed {
		mol, err := c.molecules.GetByContentHash(ctx, job.ContentHash)
		if err != nil {
			c.failJob(ctx, job, fmt.Sprintf("molecule lookup failed: %v", err))
			continue
		}
		items = append(items, predictor.BatchItem{
			IdempotencyKey: job.IdempotencyKey,
			ContentHash:    job.ContentHash,
			SMILES:         mol.SMILES,
			Property:       job.Property,
		})
		jobsByKey[job.IdempotencyKey] = job
	}
	if len(items) == 0 {
		return 0, nil
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.SubmitBatch(ctx, items)
	})
	if err != nil {
		c.handleSubmitFailure(ctx, jobsByKey, err)
		return 0, nil
	}
	sub := res.(*predictor.BatchSubmission)

	c.mu.Lock()
	c.dispatchBO.Reset()
	c.nextDispatchAt = time.Time{}
	c.mu.Unlock()

	submitted := 0
	for _, job := range jobsByKey {
		if err := job.MarkSubmitted(sub.ExternalBatchID, c.cfg.PollInitial); err != nil {
			c.logger.Error("job submit bookkeeping failed",
				logging.JobID(string(job.ID)), logging.Err(err))
			continue
		}
		if err := c.jobs.Save(ctx, job); err != nil {
			c.logger.Error("job save after submit failed",
				logging.JobID(string(job.ID)), logging.Err(err))
			continue
		}
		submitted++
	}

	if c.metrics != nil {
		c.metrics.PredictionBatchSize.WithLabelValues().Observe(float64(len(items)))
	}
	c.logger.Info("prediction batch dispatched",
		logging.String("batch_id", sub.ExternalBatchID),
		logging.Int("jobs", submitted))
	return submitted, nil
}

// handleSubmitFailure requeues the batch on transient faults (including an
// open breaker) and fails it permanently otherwise.
func (c *Coordinator) handleSubmitFailure(ctx context.Context, jobs map[string]*domjob.Job, cause error) {
	transient := predictor.IsTransient(cause) ||
		cause == gobreaker.ErrOpenState || cause == gobreaker.ErrTooManyRequests

	if transient {
		c.mu.Lock()
		c.nextDispatchAt = time.Now().Add(c.dispatchBO.NextBackOff())
		c.mu.Unlock()
	}

	for _, job := range jobs {
		if transient {
			c.requeueJob(ctx, job, cause.Error())
		} else {
			c.failJob(ctx, job, cause.Error())
		}
	}
	c.logger.Warn("prediction batch submit failed",
		logging.Int("jobs", len(jobs)),
		logging.Bool("transient", transient),
		logging.Err(cause))
}

// PollOnce polls every in-flight batch whose next poll is due and applies any
// finished results.  It returns the number of jobs settled.
func (c *Coordinator) PollOnce(ctx context.Context, now time.Time) (int, error) {
	due, err := c.jobs.FindPollDue(ctx, now, c.cfg.BatchSize*2)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	byBatch := make(map[string][]*domjob.Job)
	for _, job := range due {
		if job.ExternalJobID == "" {
			c.requeueJob(ctx, job, "submitted job lost its batch id")
			continue
		}
		byBatch[job.ExternalJobID] = append(byBatch[job.ExternalJobID], job)
	}

	settled := 0
	for batchID, jobs := range byBatch {
		settled += c.pollBatch(ctx, batchID, jobs)
	}
	return settled, nil
}

func (c *Coordinator) pollBatch(ctx context.Context, batchID string, jobs []*domjob.Job) int {
	st, err := c.client.Status(ctx, batchID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeJobNotFound) {
			// The predictor forgot the batch: resubmit from scratch.
			for _, job := range jobs {
				c.requeueJob(ctx, job, "predictor lost batch "+batchID)
			}
			return 0
		}
		c.recordPollCycle("error")
		for _, job := range jobs {
			job.SchedulePoll(c.cfg.PollMax)
			c.saveJob(ctx, job)
		}
		return 0
	}

	results := make(map[string]predictor.ItemResult, len(st.Items))
	for _, item := range st.Items {
		results[item.IdempotencyKey] = item
	}

	settled := 0
	for _, job := range jobs {
		item, ok := results[job.IdempotencyKey]
		if !ok {
			if st.Done {
				c.failOrRetry(ctx, job, "batch finished without a result for this item")
				settled++
			} else {
				job.SchedulePoll(c.cfg.PollMax)
				c.saveJob(ctx, job)
			}
			continue
		}

		switch item.Status {
		case predictor.ItemSucceeded:
			c.succeedJob(ctx, job, item)
			settled++
		case predictor.ItemFailed:
			if item.Permanent {
				c.failJob(ctx, job, item.Error)
			} else {
				c.failOrRetry(ctx, job, item.Error)
			}
			settled++
		case predictor.ItemRunning:
			if err := job.MarkRunning(); err != nil {
				c.logger.Warn("job running transition failed",
					logging.JobID(string(job.ID)), logging.Err(err))
			}
			job.SchedulePoll(c.cfg.PollMax)
			c.saveJob(ctx, job)
		default:
			job.SchedulePoll(c.cfg.PollMax)
			c.saveJob(ctx, job)
		}
	}

	if settled > 0 {
		c.recordPollCycle("settled")
	} else {
		c.recordPollCycle("pending")
	}
	return settled
}

// succeedJob finishes the job, stores the predicted value, advances the
// molecule, and announces the outcome.
func (c *Coordinator) succeedJob(ctx context.Context, job *domjob.Job, item predictor.ItemResult) {
	res := domjob.Result{
		Value:        item.Value,
		Unit:         item.Unit,
		ModelVersion: item.ModelVersion,
		Confidence:   item.Confidence,
	}
	if err := job.MarkSucceeded(res); err != nil {
		c.logger.Error("job success bookkeeping failed",
			logging.JobID(string(job.ID)), logging.Err(err))
		return
	}
	c.saveJob(ctx, job)

	pv := molecule.PropertyValue{
		Property:   job.Property,
		Value:      item.Value,
		Unit:       item.Unit,
		Source:     moltypes.SourcePredicted,
		SourceName: item.ModelVersion,
		ObservedAt: time.Now().UTC(),
	}
	if err := c.molecules.RecordProperty(ctx, job.ContentHash, pv); err != nil {
		c.logger.Error("predicted property write failed",
			logging.ContentHash(job.ContentHash),
			logging.Property(job.Property),
			logging.Err(err))
	} else {
		c.publishProperties(ctx, job)
	}
	c.notifyLifecycle(ctx, job, domlc.EventPredictionCompleted, "prediction completed")

	c.publishOutcome(ctx, job, kafka.TopicPredictionCompleted)
	c.recordOutcome(job, "succeeded")
}

// failOrRetry requeues transiently failed jobs, holding each retry back for an
// exponentially growing delay, and fails them permanently once attempts are
// exhausted.
func (c *Coordinator) failOrRetry(ctx context.Context, job *domjob.Job, reason string) {
	retried, err := job.RequeueForRetry(reason, c.retryDelay(job.Attempts))
	if err != nil {
		c.logger.Error("job retry bookkeeping failed",
			logging.JobID(string(job.ID)), logging.Err(err))
		return
	}
	c.saveJob(ctx, job)

	if retried {
		if c.metrics != nil {
			c.metrics.PredictionRetriesTotal.WithLabelValues(job.Property, "predictor_failure").Inc()
		}
		c.logger.Info("prediction job requeued",
			logging.JobID(string(job.ID)),
			logging.Int("attempts", job.Attempts),
			logging.String("reason", reason))
		return
	}

	// Attempts exhausted: the job is now failed.
	c.notifyLifecycle(ctx, job, domlc.EventPredictionFailed, reason)
	c.publishOutcome(ctx, job, kafka.TopicPredictionFailed)
	c.recordOutcome(job, "failed")
}

// retryDelay computes the hold-back before a requeued job may be claimed
// again: base doubled per prior attempt plus jitter, capped.
func (c *Coordinator) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 20 {
		shift = 20
	}
	d := c.cfg.RetryBase << shift
	d += time.Duration(rand.Int63n(int64(c.cfg.RetryBase)))
	if d > c.cfg.RetryCap {
		d = c.cfg.RetryCap
	}
	return d
}

// requeueJob returns a claimed-or-submitted job to the queue after a
// transient fault, failing it once attempts run out.
func (c *Coordinator) requeueJob(ctx context.Context, job *domjob.Job, reason string) {
	if job.State == domjob.StateQueued {
		// Never submitted: the claim simply lapses.
		return
	}
	c.failOrRetry(ctx, job, reason)
}

// failJob fails a job outright, bypassing retries.
func (c *Coordinator) failJob(ctx context.Context, job *domjob.Job, reason string) {
	if err := job.MarkFailed(reason); err != nil {
		c.logger.Error("job failure bookkeeping failed",
			logging.JobID(string(job.ID)), logging.Err(err))
		return
	}
	c.saveJob(ctx, job)
	c.notifyLifecycle(ctx, job, domlc.EventPredictionFailed, reason)
	c.publishOutcome(ctx, job, kafka.TopicPredictionFailed)
	c.recordOutcome(job, "failed")
}

// notifyLifecycle hands a job milestone to the lifecycle orchestrator, which
// owns all molecule state transitions.  Each call gets a fresh event ID so
// repeated milestones of the same kind are not mistaken for redeliveries.
func (c *Coordinator) notifyLifecycle(ctx context.Context, job *domjob.Job, kind domlc.EventKind, reason string) {
	if c.lifecycle == nil {
		return
	}
	ev := domlc.Event{
		Kind:        kind,
		ContentHash: job.ContentHash,
		Reason:      reason,
		Actor:       "prediction",
		OccurredAt:  time.Now().UTC(),
	}
	if err := c.lifecycle.Process(ctx, uuid.NewString(), ev); err != nil {
		c.logger.Warn("lifecycle notification failed",
			logging.JobID(string(job.ID)),
			logging.String("kind", string(kind)),
			logging.Err(err))
	}
}

func (c *Coordinator) saveJob(ctx context.Context, job *domjob.Job) {
	if err := c.jobs.Save(ctx, job); err != nil {
		c.logger.Error("job save failed",
			logging.JobID(string(job.ID)), logging.Err(err))
	}
}

func (c *Coordinator) publishOutcome(ctx context.Context, job *domjob.Job, topic string) {
	if c.publisher == nil {
		return
	}
	env, err := kafka.NewEventEnvelope("prediction.outcome", "prediction", kafka.PredictionOutcomePayload{
		JobID:       string(job.ID),
		ContentHash: job.ContentHash,
		Property:    job.Property,
		State:       string(job.State),
		Attempts:    job.Attempts,
		FinishedAt:  time.Now().UTC(),
	})
	if err == nil {
		err = c.publisher.PublishEnvelope(ctx, topic, job.ContentHash, env)
	}
	if err != nil {
		c.logger.Warn("failed to publish prediction outcome",
			logging.JobID(string(job.ID)), logging.Err(err))
	}
}

func (c *Coordinator) publishProperties(ctx context.Context, job *domjob.Job) {
	if c.publisher == nil {
		return
	}
	env, err := kafka.NewEventEnvelope("molecule.properties", "prediction", kafka.PropertiesRecordedPayload{
		ContentHash: job.ContentHash,
		Properties:  []string{job.Property},
		Source:      string(moltypes.SourcePredicted),
		JobID:       string(job.ID),
		RecordedAt:  time.Now().UTC(),
	})
	if err == nil {
		err = c.publisher.PublishEnvelope(ctx, kafka.TopicPropertiesRecorded, job.ContentHash, env)
	}
	if err != nil {
		c.logger.Warn("failed to publish molecule.properties",
			logging.JobID(string(job.ID)), logging.Err(err))
	}
}

func (c *Coordinator) recordOutcome(job *domjob.Job, state string) {
	if c.metrics == nil {
		return
	}
	var d time.Duration
	if job.SubmittedAt != nil && job.CompletedAt != nil {
		d = job.CompletedAt.Sub(*job.SubmittedAt)
	}
	prometheus.RecordPredictionOutcome(c.metrics, job.Property, state, d)
}

func (c *Coordinator) recordPollCycle(result string) {
	if c.metrics == nil {
		return
	}
	c.metrics.PredictionPollCyclesTotal.WithLabelValues(result).Inc()
}
