package kafka

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/internal/config"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

type mockKafkaConn struct {
	createFunc func(topics ...kafka.TopicConfig) error
	readFunc   func(topics ...string) ([]kafka.Partition, error)
	closeFunc  func() error
}

func (m *mockKafkaConn) CreateTopics(topics ...kafka.TopicConfig) error {
	if m.createFunc != nil {
		return m.createFunc(topics...)
	}
	return nil
}

func (m *mockKafkaConn) DeleteTopics(_ ...string) error { return nil }

func (m *mockKafkaConn) ReadPartitions(topics ...string) ([]kafka.Partition, error) {
	if m.readFunc != nil {
		return m.readFunc(topics...)
	}
	return nil, nil
}

func (m *mockKafkaConn) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func TestDefaultTopics(t *testing.T) {
	defaults := DefaultTopics(config.KafkaConfig{NumPartitions: 12, ReplicationFactor: 3})
	require.Len(t, defaults, 9)

	byName := make(map[string]TopicConfig, len(defaults))
	for _, tc := range defaults {
		byName[tc.Name] = tc
	}
	assert.Equal(t, 12, byName[TopicMoleculeIngested].NumPartitions)
	assert.Equal(t, 3, byName[TopicMoleculeIngested].ReplicationFactor)
	// Dead-letter topics stay small but keep messages longer.
	assert.Equal(t, 3, byName[TopicDeadLetterLifecycle].NumPartitions)
	assert.Greater(t, byName[TopicDeadLetterLifecycle].RetentionMs, byName[TopicLifecycleEvents].RetentionMs)
}

func TestDefaultTopics_ConfigDefaults(t *testing.T) {
	defaults := DefaultTopics(config.KafkaConfig{})
	for _, tc := range defaults {
		assert.Greater(t, tc.NumPartitions, 0, tc.Name)
		assert.Greater(t, tc.ReplicationFactor, 0, tc.Name)
	}
}

func TestCreateTopic(t *testing.T) {
	var created []kafka.TopicConfig
	m := NewTopicManagerWithConn(&mockKafkaConn{
		createFunc: func(topics ...kafka.TopicConfig) error {
			created = topics
			return nil
		},
	}, logging.NewNopLogger())

	err := m.CreateTopic(context.Background(), TopicConfig{
		Name: TopicMoleculeIngested, NumPartitions: 6, ReplicationFactor: 1, RetentionMs: 1000,
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, TopicMoleculeIngested, created[0].Topic)
	require.Len(t, created[0].ConfigEntries, 1)
	assert.Equal(t, "retention.ms", created[0].ConfigEntries[0].ConfigName)
}

func TestCreateTopic_AlreadyExists(t *testing.T) {
	m := NewTopicManagerWithConn(&mockKafkaConn{
		createFunc: func(topics ...kafka.TopicConfig) error {
			return stderrors.New("topic already exists")
		},
		readFunc: func(topics ...string) ([]kafka.Partition, error) {
			return []kafka.Partition{{Topic: topics[0]}}, nil
		},
	}, logging.NewNopLogger())

	err := m.CreateTopic(context.Background(), TopicConfig{
		Name: TopicMoleculeIngested, NumPartitions: 6, ReplicationFactor: 1,
	})
	assert.NoError(t, err)
}

func TestCreateTopic_Invalid(t *testing.T) {
	m := NewTopicManagerWithConn(&mockKafkaConn{}, logging.NewNopLogger())

	err := m.CreateTopic(context.Background(), TopicConfig{NumPartitions: 1, ReplicationFactor: 1})
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))

	err = m.CreateTopic(context.Background(), TopicConfig{Name: "x"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))
}

func TestListTopics(t *testing.T) {
	m := NewTopicManagerWithConn(&mockKafkaConn{
		readFunc: func(_ ...string) ([]kafka.Partition, error) {
			return []kafka.Partition{
				{Topic: TopicMoleculeIngested},
				{Topic: TopicMoleculeIngested},
				{Topic: TopicLifecycleEvents},
			}, nil
		},
	}, logging.NewNopLogger())

	topics, err := m.ListTopics(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{TopicMoleculeIngested, TopicLifecycleEvents}, topics)
}

func TestEventEnvelope_RoundTrip(t *testing.T) {
	payload := MoleculeIngestedPayload{
		ContentHash: "LFQSCWFLJHTTHZ-UHFFFAOYSA-N",
		SMILES:      "CCO",
		Source:      "csv_upload",
		IngestedAt:  time.Now().UTC().Truncate(time.Second),
	}
	env, err := NewEventEnvelope("molecule.ingested", "apiserver", payload)
	require.NoError(t, err)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "v1", env.SchemaVersion)

	msg, err := env.ToMessage(TopicMoleculeIngested, payload.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, payload.ContentHash, string(msg.Key))

	decoded, err := MessageToEventEnvelope(&Message{Value: msg.Value})
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)

	var got MoleculeIngestedPayload
	require.NoError(t, decoded.DecodePayload(&got))
	assert.Equal(t, payload.ContentHash, got.ContentHash)
	assert.Equal(t, payload.SMILES, got.SMILES)
}

func TestMessageToEventEnvelope_Empty(t *testing.T) {
	_, err := MessageToEventEnvelope(&Message{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))
}

func TestDecodePayload_Empty(t *testing.T) {
	env := &EventEnvelope{}
	var got MoleculeIngestedPayload
	err := env.DecodePayload(&got)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))
}
