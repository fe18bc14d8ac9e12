package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/molforge/molforge/internal/config"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

// Topics carried by the platform.  Molecule-keyed topics are partitioned by
// content hash so all events for one structure land on one partition.
const (
	TopicMoleculeIngested    = "molecule.ingested"
	TopicMoleculeUpdated     = "molecule.updated"
	TopicPropertiesRecorded  = "molecule.properties"
	TopicLifecycleEvents     = "molecule.lifecycle"
	TopicIngestCompleted     = "ingest.completed"
	TopicPredictionCompleted = "prediction.completed"
	TopicPredictionFailed    = "prediction.failed"
	TopicDeadLetterDefault   = "dead_letter.default"
	TopicDeadLetterLifecycle = "dead_letter.lifecycle"
)

// EventEnvelope is the wire format shared by every topic.
type EventEnvelope struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	Source        string            `json:"source"`
	Timestamp     time.Time         `json:"timestamp"`
	SchemaVersion string            `json:"schema_version"`
	TraceID       string            `json:"trace_id,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// MoleculeIngestedPayload announces a newly created molecule.
type MoleculeIngestedPayload struct {
	ContentHash string    `json:"content_hash"`
	SMILES      string    `json:"smiles"`
	Source      string    `json:"source"`
	UploadID    string    `json:"upload_id,omitempty"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// MoleculeStateChangedPayload announces a lifecycle transition that was
// applied to a molecule.
type MoleculeStateChangedPayload struct {
	ContentHash string    `json:"content_hash"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	Reason      string    `json:"reason,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}

// PropertiesRecordedPayload announces property values written to a molecule,
// whether measured during ingestion or produced by a prediction job.
type PropertiesRecordedPayload struct {
	ContentHash string    `json:"content_hash"`
	Properties  []string  `json:"properties"`
	Source      string    `json:"source"`
	UploadID    string    `json:"upload_id,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// IngestCompletedPayload summarizes a finished CSV upload run.
type IngestCompletedPayload struct {
	UploadID     string    `json:"upload_id"`
	Filename     string    `json:"filename"`
	Processed    int64     `json:"processed"`
	Created      int64     `json:"created"`
	Duplicates   int64     `json:"duplicates"`
	Invalid      int64     `json:"invalid"`
	Failed       int64     `json:"failed"`
	Observations int64     `json:"observations"`
	CompletedAt  time.Time `json:"completed_at"`
}

// PredictionOutcomePayload announces a prediction job reaching a terminal
// state, published on prediction.completed or prediction.failed.
type PredictionOutcomePayload struct {
	JobID       string    `json:"job_id"`
	ContentHash string    `json:"content_hash"`
	Property    string    `json:"property"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	FinishedAt  time.Time `json:"finished_at"`
}

// NewEventEnvelope wraps a payload in the standard envelope.
func NewEventEnvelope(eventType, source string, payload interface{}) (*EventEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to marshal event payload")
	}
	return &EventEnvelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: "v1",
		Payload:       data,
	}, nil
}

// DecodePayload unmarshals the envelope payload into target.
func (e *EventEnvelope) DecodePayload(target interface{}) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return errors.New(errors.ErrCodeBadRequest, "event envelope has no payload")
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to decode event payload")
	}
	return nil
}

// ToMessage serializes the envelope for publishing.  The key controls
// partition assignment; molecule topics pass the content hash.
func (e *EventEnvelope) ToMessage(topic string, key string) (*ProducerMessage, error) {
	val, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to marshal event envelope")
	}
	headers := map[string]string{
		"event_type":     e.EventType,
		"source_service": e.Source,
		"schema_version": e.SchemaVersion,
	}
	if e.TraceID != "" {
		headers["trace_id"] = e.TraceID
	}
	return &ProducerMessage{
		Topic:     topic,
		Key:       []byte(key),
		Value:     val,
		Headers:   headers,
		Timestamp: e.Timestamp,
	}, nil
}

// MessageToEventEnvelope decodes a consumed record back into an envelope.
func MessageToEventEnvelope(msg *Message) (*EventEnvelope, error) {
	if len(msg.Value) == 0 {
		return nil, errors.New(errors.ErrCodeBadRequest, "empty message value")
	}
	var env EventEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to unmarshal event envelope")
	}
	return &env, nil
}

// ConnInterface abstracts kafka.Conn for testing.
type ConnInterface interface {
	CreateTopics(topics ...kafka.TopicConfig) error
	DeleteTopics(topics ...string) error
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
	Close() error
}

// TopicManager creates and inspects topics at startup.
type TopicManager struct {
	conn   ConnInterface
	logger logging.Logger
}

// NewTopicManager dials the first broker for admin operations.
func NewTopicManager(brokers []string, log logging.Logger) (*TopicManager, error) {
	if len(brokers) == 0 {
		return nil, errors.New(errors.ErrCodeBadRequest, "kafka brokers required")
	}
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to dial kafka broker")
	}
	return &TopicManager{conn: conn, logger: log.Named("topic_manager")}, nil
}

// NewTopicManagerWithConn wraps an existing admin connection (for testing).
func NewTopicManagerWithConn(conn ConnInterface, log logging.Logger) *TopicManager {
	return &TopicManager{conn: conn, logger: log.Named("topic_manager")}
}

// CreateTopic creates a topic, treating "already exists" as success.
func (m *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	if cfg.Name == "" {
		return errors.New(errors.ErrCodeBadRequest, "topic name required")
	}
	if cfg.NumPartitions <= 0 || cfg.ReplicationFactor <= 0 {
		return errors.New(errors.ErrCodeBadRequest, "topic partitions and replication factor must be > 0").
			WithDetail(fmt.Sprintf("topic=%s", cfg.Name))
	}

	kCfg := kafka.TopicConfig{
		Topic:             cfg.Name,
		NumPartitions:     cfg.NumPartitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}
	if cfg.RetentionMs > 0 {
		kCfg.ConfigEntries = append(kCfg.ConfigEntries, kafka.ConfigEntry{
			ConfigName: "retention.ms", ConfigValue: fmt.Sprintf("%d", cfg.RetentionMs),
		})
	}
	if cfg.CleanupPolicy != "" {
		kCfg.ConfigEntries = append(kCfg.ConfigEntries, kafka.ConfigEntry{
			ConfigName: "cleanup.policy", ConfigValue: cfg.CleanupPolicy,
		})
	}

	if err := m.conn.CreateTopics(kCfg); err != nil {
		if exists, _ := m.TopicExists(ctx, cfg.Name); exists {
			return nil
		}
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to create topic").
			WithDetail(fmt.Sprintf("topic=%s", cfg.Name))
	}
	m.logger.Info("Topic created", logging.String("topic", cfg.Name))
	return nil
}

// TopicExists reports whether the topic has at least one partition.
func (m *TopicManager) TopicExists(_ context.Context, name string) (bool, error) {
	partitions, err := m.conn.ReadPartitions(name)
	if err != nil {
		return false, nil
	}
	return len(partitions) > 0, nil
}

// ListTopics returns the distinct topic names visible on the broker.
func (m *TopicManager) ListTopics(_ context.Context) ([]string, error) {
	partitions, err := m.conn.ReadPartitions()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to read partitions")
	}
	seen := make(map[string]bool)
	var topics []string
	for _, p := range partitions {
		if !seen[p.Topic] {
			seen[p.Topic] = true
			topics = append(topics, p.Topic)
		}
	}
	return topics, nil
}

// EnsureTopics creates every topic in the list, stopping on the first error.
func (m *TopicManager) EnsureTopics(ctx context.Context, topics []TopicConfig) error {
	for _, topic := range topics {
		if err := m.CreateTopic(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

// EnsureDefaultTopics creates the platform topic set sized from cfg.
func (m *TopicManager) EnsureDefaultTopics(ctx context.Context, cfg config.KafkaConfig) error {
	return m.EnsureTopics(ctx, DefaultTopics(cfg))
}

// Close releases the admin connection.
func (m *TopicManager) Close() error {
	return m.conn.Close()
}

// DefaultTopics returns the platform topic set.  Partition count and
// replication factor come from configuration; dead-letter topics keep
// messages longer so operators can replay them.
func DefaultTopics(cfg config.KafkaConfig) []TopicConfig {
	partitions := cfg.NumPartitions
	if partitions <= 0 {
		partitions = 6
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}

	const (
		week  = 7 * 24 * 3600 * 1000
		month = 30 * 24 * 3600 * 1000
	)

	return []TopicConfig{
		{Name: TopicMoleculeIngested, NumPartitions: partitions, ReplicationFactor: replication, RetentionMs: week},
		{Name: TopicMoleculeUpdated, NumPartitions: partitions, ReplicationFactor: replication, RetentionMs: week},
		{Name: TopicPropertiesRecorded, NumPartitions: partitions, ReplicationFactor: replication, RetentionMs: week},
		{Name: TopicLifecycleEvents, NumPartitions: partitions, ReplicationFactor: replication, RetentionMs: week},
		{Name: TopicIngestCompleted, NumPartitions: 3, ReplicationFactor: replication, RetentionMs: month},
		{Name: TopicPredictionCompleted, NumPartitions: partitions, ReplicationFactor: replication, RetentionMs: week},
		{Name: TopicPredictionFailed, NumPartitions: 3, ReplicationFactor: replication, RetentionMs: month},
		{Name: TopicDeadLetterDefault, NumPartitions: 3, ReplicationFactor: replication, RetentionMs: month},
		{Name: TopicDeadLetterLifecycle, NumPartitions: 3, ReplicationFactor: replication, RetentionMs: month},
	}
}
