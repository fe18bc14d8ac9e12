package lifecycle

import (
	"context"
	"strconv"

	"github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/internal/infrastructure/messaging/kafka"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

const maxReplayBatch = 1000

// ReplayReport summarizes one replay pass over the audit journal.
type ReplayReport struct {
	Replayed int   `json:"replayed"`
	LastSeq  int64 `json:"last_seq"`
}

// Replayer re-emits outbound events from the audit journal.  Consumers that
// lost messages resume from the last sequence they saw; replayed envelopes
// carry a replay marker and the journal sequence so downstream dedup can
// recognize them.
type Replayer struct {
	audit     molecule.AuditRepository
	publisher EventPublisher
	logger    logging.Logger
}

// NewReplayer wires the replayer.
func NewReplayer(audit molecule.AuditRepository, publisher EventPublisher, logger logging.Logger) *Replayer {
	return &Replayer{
		audit:     audit,
		publisher: publisher,
		logger:    logger.Named("replay"),
	}
}

// Replay re-emits journal entries with sequence greater than sinceSeq, oldest
// first.  It stops at the first publish failure so the caller can resume from
// the reported LastSeq.
func (r *Replayer) Replay(ctx context.Context, sinceSeq int64, limit int) (*ReplayReport, error) {
	if sinceSeq < 0 {
		return nil, errors.New(errors.ErrCodeBadRequest, "since sequence must not be negative")
	}
	if limit <= 0 || limit > maxReplayBatch {
		limit = maxReplayBatch
	}

	entries, err := r.audit.ListSince(ctx, sinceSeq, limit)
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{LastSeq: sinceSeq}
	for _, entry := range entries {
		if err := r.publish(ctx, entry); err != nil {
			r.logger.Error("replay stopped on publish failure",
				logging.Int64("seq", entry.Seq),
				logging.String("action", entry.Action),
				logging.Err(err))
			return report, err
		}
		report.Replayed++
		report.LastSeq = entry.Seq
	}

	r.logger.Info("audit replay finished",
		logging.Int64("since", sinceSeq),
		logging.Int("replayed", report.Replayed),
		logging.Int64("last_seq", report.LastSeq))
	return report, nil
}

func (r *Replayer) publish(ctx context.Context, entry molecule.AuditEntry) error {
	env, err := kafka.NewEventEnvelope("molecule."+entry.Action, "replay", entry)
	if err != nil {
		return err
	}
	env.Metadata = map[string]string{
		"replay": "true",
		"seq":    strconv.FormatInt(entry.Seq, 10),
	}
	return r.publisher.PublishEnvelope(ctx, topicForAction(entry.Action), entry.ContentHash, env)
}

// topicForAction keeps replayed events on the topic their originals used.
func topicForAction(action string) string {
	if action == "registered" {
		return kafka.TopicMoleculeIngested
	}
	return kafka.TopicMoleculeUpdated
}
