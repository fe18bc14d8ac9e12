package lifecycle

import (
	"context"
	"encoding/json"

	domlc "github.com/molforge/molforge/internal/domain/lifecycle"
	domjob "github.com/molforge/molforge/internal/domain/prediction"
	"github.com/molforge/molforge/internal/infrastructure/messaging/kafka"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

// PredictionRequester queues prediction jobs for newly validated molecules.
// A request for an already occupied (molecule, property) slot coalesces onto
// the active job, so redelivered ingestion events are harmless.
type PredictionRequester interface {
	Request(ctx context.Context, contentHash, property string) (*domjob.Job, error)
}

// IngestedHandler consumes newly ingested molecules: each one passed
// canonicalization during ingestion, so it advances to validated, and the
// configured properties are queued for prediction.  Request failures propagate
// so the consumer's retry and dead-letter policy applies; the validation
// transition itself is deduplicated under the envelope's event ID.
func (o *Orchestrator) IngestedHandler(requester PredictionRequester, properties []string) kafka.MessageHandler {
	return func(ctx context.Context, msg *kafka.Message) error {
		var env kafka.EventEnvelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			return errors.Wrap(err, errors.ErrCodeSerialization, "malformed ingested event envelope")
		}
		var payload kafka.MoleculeIngestedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return errors.Wrap(err, errors.ErrCodeSerialization, "malformed ingested event payload")
		}

		ev := domlc.Event{
			Kind:        domlc.EventValidationSucceeded,
			ContentHash: payload.ContentHash,
			Reason:      "ingested from " + payload.Source,
			Actor:       "ingestion",
			OccurredAt:  payload.IngestedAt,
		}
		if err := o.Process(ctx, env.EventID, ev); err != nil {
			return err
		}

		if requester == nil {
			return nil
		}
		for _, property := range properties {
			if _, err := requester.Request(ctx, payload.ContentHash, property); err != nil {
				return errors.Wrap(err, errors.GetCode(err), "auto prediction request failed")
			}
			o.logger.Debug("prediction queued for ingested molecule",
				logging.ContentHash(payload.ContentHash),
				logging.Property(property))
		}
		return nil
	}
}
