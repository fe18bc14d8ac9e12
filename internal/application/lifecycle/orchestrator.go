// Package lifecycle reconciles pipeline events into molecule state
// transitions.  It is the only caller of the store's transition operation:
// ingestion, prediction, and assay collaborators emit events, and this
// orchestrator deduplicates them and drives the compare-and-swap state
// machine.  Illegal transitions are logged with the rejected event for replay
// analysis, never silently dropped.
package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	domlc "github.com/molforge/molforge/internal/domain/lifecycle"
	"github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/internal/infrastructure/messaging/kafka"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/prometheus"
	"github.com/molforge/molforge/pkg/errors"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

const defaultDedupWindow = 24 * time.Hour

// MoleculeStore is the slice of the molecule service the orchestrator drives.
type MoleculeStore interface {
	GetByContentHash(ctx context.Context, contentHash string) (*molecule.Molecule, error)
	Transition(ctx context.Context, contentHash string, to moltypes.MoleculeState, reason, actor string) error
}

// Deduplicator remembers processed event keys for a retention window.
// MarkProcessed reports true on first sight of a key.
type Deduplicator interface {
	MarkProcessed(ctx context.Context, key string, window time.Duration) (bool, error)
}

// EventPublisher publishes applied transitions to the outbound bus.
type EventPublisher interface {
	PublishEnvelope(ctx context.Context, topic, key string, env *kafka.EventEnvelope) error
}

// Orchestrator owns event intake for the molecule state machine.
type Orchestrator struct {
	molecules MoleculeStore
	dedup     Deduplicator
	publisher EventPublisher
	metrics   *prometheus.AppMetrics
	window    time.Duration
	logger    logging.Logger
}

// NewOrchestrator wires the orchestrator.  dedup, publisher, and metrics may
// be nil: without a deduplicator every delivery is processed, which stays safe
// because transitions are compare-and-set.
func NewOrchestrator(
	molecules MoleculeStore,
	dedup Deduplicator,
	publisher EventPublisher,
	metrics *prometheus.AppMetrics,
	window time.Duration,
	logger logging.Logger,
) *Orchestrator {
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &Orchestrator{
		molecules: molecules,
		dedup:     dedup,
		publisher: publisher,
		metrics:   metrics,
		window:    window,
		logger:    logger.Named("lifecycle"),
	}
}

// Process applies one pipeline-delivered event.  Duplicate deliveries inside
// the dedup window are dropped; an illegal transition is logged and absorbed
// so the consumer does not retry an event that can never apply.
func (o *Orchestrator) Process(ctx context.Context, eventID string, ev domlc.Event) error {
	if err := ev.Validate(); err != nil {
		o.record(ev.Kind, "invalid")
		return err
	}

	key := ev.DedupKey()
	if eventID != "" {
		key = "event:" + eventID
	}
	if o.dedup != nil {
		first, err := o.dedup.MarkProcessed(ctx, key, o.window)
		if err != nil {
			// Dedup store unavailable: process anyway rather than drop.  A
			// replayed transition loses the compare-and-swap and lands in the
			// rejected path.
			o.logger.Warn("event dedup unavailable, processing without it",
				logging.String("key", key), logging.Err(err))
		} else if !first {
			if o.metrics != nil {
				o.metrics.LifecycleDedupHitsTotal.WithLabelValues(string(ev.Kind)).Inc()
			}
			o.record(ev.Kind, "duplicate")
			o.logger.Debug("duplicate lifecycle event dropped",
				logging.String("key", key),
				logging.ContentHash(ev.ContentHash))
			return nil
		}
	}

	return o.apply(ctx, ev, false)
}

// Request applies a caller-initiated transition, for example an explicit
// prediction retry or an assay submission.  Unlike Process, an illegal
// transition propagates to the caller.
func (o *Orchestrator) Request(ctx context.Context, ev domlc.Event) error {
	if err := ev.Validate(); err != nil {
		o.record(ev.Kind, "invalid")
		return err
	}
	return o.apply(ctx, ev, true)
}

func (o *Orchestrator) apply(ctx context.Context, ev domlc.Event, propagateRejection bool) error {
	target, err := domlc.TargetState(ev.Kind)
	if err != nil {
		o.record(ev.Kind, "invalid")
		return err
	}

	mol, err := o.molecules.GetByContentHash(ctx, ev.ContentHash)
	if err != nil {
		o.record(ev.Kind, "error")
		return err
	}
	from := mol.State

	if err := o.molecules.Transition(ctx, ev.ContentHash, target, ev.Reason, ev.Actor); err != nil {
		if errors.IsCode(err, errors.ErrCodeStateTransitionInvalid) {
			o.logger.Warn("lifecycle event rejected by state machine",
				logging.String("kind", string(ev.Kind)),
				logging.ContentHash(ev.ContentHash),
				logging.String("from", string(from)),
				logging.String("to", string(target)),
				logging.String("reason", ev.Reason),
				logging.Actor(ev.Actor))
			o.record(ev.Kind, "rejected")
			if propagateRejection {
				return err
			}
			return nil
		}
		o.record(ev.Kind, "error")
		return err
	}

	o.publishTransition(ctx, ev, string(from), string(target))
	o.record(ev.Kind, "applied")
	return nil
}

func (o *Orchestrator) publishTransition(ctx context.Context, ev domlc.Event, from, to string) {
	if o.publisher == nil {
		return
	}
	env, err := kafka.NewEventEnvelope("molecule.state_changed", "lifecycle", kafka.MoleculeStateChangedPayload{
		ContentHash: ev.ContentHash,
		FromState:   from,
		ToState:     to,
		Reason:      ev.Reason,
		Actor:       ev.Actor,
		ChangedAt:   time.Now().UTC(),
	})
	if err == nil {
		err = o.publisher.PublishEnvelope(ctx, kafka.TopicMoleculeUpdated, ev.ContentHash, env)
	}
	if err != nil {
		o.logger.Warn("failed to publish state change",
			logging.ContentHash(ev.ContentHash), logging.Err(err))
	}
}

func (o *Orchestrator) record(kind domlc.EventKind, outcome string) {
	if o.metrics == nil {
		return
	}
	prometheus.RecordLifecycleEvent(o.metrics, string(kind), outcome)
}

// Handler adapts the orchestrator to the Kafka consumer: it decodes the
// envelope and payload and processes the event under the envelope's event ID.
// Decode and store errors propagate so the consumer's retry and dead-letter
// policy applies.
func (o *Orchestrator) Handler() kafka.MessageHandler {
	return func(ctx context.Context, msg *kafka.Message) error {
		var env kafka.EventEnvelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			return errors.Wrap(err, errors.ErrCodeSerialization, "malformed lifecycle event envelope")
		}
		var ev domlc.Event
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return errors.Wrap(err, errors.ErrCodeSerialization, "malformed lifecycle event payload")
		}
		return o.Process(ctx, env.EventID, ev)
	}
}
