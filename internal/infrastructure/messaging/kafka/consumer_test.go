package kafka

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
)

type mockKafkaReader struct {
	fetchFunc  func(ctx context.Context) (kafka.Message, error)
	commitFunc func(ctx context.Context, msgs ...kafka.Message) error
	closeFunc  func() error
}

func (m *mockKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (m *mockKafkaReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.commitFunc != nil {
		return m.commitFunc(ctx, msgs...)
	}
	return nil
}

func (m *mockKafkaReader) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func (m *mockKafkaReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{} }

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestConsumer_StartTwice(t *testing.T) {
	c := NewConsumerWithReader(&mockKafkaReader{}, fastRetry(), logging.NewNopLogger())
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)
}

func TestConsumer_DispatchesToHandler(t *testing.T) {
	delivered := false
	reader := &mockKafkaReader{
		fetchFunc: func(ctx context.Context) (kafka.Message, error) {
			if delivered {
				<-ctx.Done()
				return kafka.Message{}, ctx.Err()
			}
			delivered = true
			return kafka.Message{
				Topic: TopicLifecycleEvents,
				Key:   []byte("LFQSCWFLJHTTHZ-UHFFFAOYSA-N"),
				Value: []byte(`{"kind":"validation_succeeded"}`),
				Headers: []kafka.Header{
					{Key: "event_type", Value: []byte("lifecycle")},
				},
			}, nil
		},
	}

	c := NewConsumerWithReader(reader, fastRetry(), logging.NewNopLogger())

	handled := make(chan *Message, 1)
	c.Subscribe(TopicLifecycleEvents, func(ctx context.Context, msg *Message) error {
		handled <- msg
		return nil
	})

	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	select {
	case msg := <-handled:
		assert.Equal(t, "LFQSCWFLJHTTHZ-UHFFFAOYSA-N", string(msg.Key))
		assert.Equal(t, "lifecycle", msg.Headers["event_type"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for handler")
	}
}

func TestConsumer_CommitsUnhandledTopic(t *testing.T) {
	committed := make(chan kafka.Message, 1)
	delivered := false
	reader := &mockKafkaReader{
		fetchFunc: func(ctx context.Context) (kafka.Message, error) {
			if delivered {
				<-ctx.Done()
				return kafka.Message{}, ctx.Err()
			}
			delivered = true
			return kafka.Message{Topic: "unknown.topic", Value: []byte("v"), Offset: 7}, nil
		},
		commitFunc: func(ctx context.Context, msgs ...kafka.Message) error {
			committed <- msgs[0]
			return nil
		},
	}

	c := NewConsumerWithReader(reader, fastRetry(), logging.NewNopLogger())
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	select {
	case m := <-committed:
		assert.Equal(t, int64(7), m.Offset)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for commit")
	}
}

func TestProcessMessage_RetryThenSuccess(t *testing.T) {
	c := NewConsumerWithReader(&mockKafkaReader{}, fastRetry(), logging.NewNopLogger())

	attempts := 0
	handler := func(ctx context.Context, msg *Message) error {
		attempts++
		if attempts < 2 {
			return stderrors.New("transient")
		}
		return nil
	}

	err := c.processMessage(context.Background(), &Message{Topic: TopicLifecycleEvents}, handler)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(1), c.metrics.MessagesRetried.Load())
}

func TestProcessMessage_RetriesExhausted(t *testing.T) {
	c := NewConsumerWithReader(&mockKafkaReader{}, fastRetry(), logging.NewNopLogger())

	attempts := 0
	handler := func(ctx context.Context, msg *Message) error {
		attempts++
		return stderrors.New("permanent")
	}

	err := c.processMessage(context.Background(), &Message{Topic: TopicLifecycleEvents}, handler)
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // first attempt + 2 retries
}

func TestProcessMessage_DeadLetters(t *testing.T) {
	var dlCaptured []kafka.Message
	dl := NewProducerWithWriter(&mockKafkaWriter{
		writeFunc: func(ctx context.Context, msgs ...kafka.Message) error {
			dlCaptured = msgs
			return nil
		},
	}, logging.NewNopLogger())

	retry := fastRetry()
	retry.DeadLetterTopic = TopicDeadLetterLifecycle
	c := NewConsumerWithReader(&mockKafkaReader{}, retry, logging.NewNopLogger())
	c.deadLetter = dl

	msg := &Message{
		Topic:   TopicLifecycleEvents,
		Key:     []byte("LFQSCWFLJHTTHZ-UHFFFAOYSA-N"),
		Value:   []byte(`{"kind":"bogus"}`),
		Headers: map[string]string{"event_type": "lifecycle"},
	}
	err := c.processMessage(context.Background(), msg, func(ctx context.Context, msg *Message) error {
		return stderrors.New("unknown event kind")
	})
	require.Error(t, err)

	require.Len(t, dlCaptured, 1)
	assert.Equal(t, TopicDeadLetterLifecycle, dlCaptured[0].Topic)
	assert.Equal(t, msg.Value, dlCaptured[0].Value)

	headers := make(map[string]string)
	for _, h := range dlCaptured[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, TopicLifecycleEvents, headers["original_topic"])
	assert.Equal(t, "unknown event kind", headers["error_message"])
	assert.Equal(t, int64(1), c.metrics.MessagesDeadLettered.Load())
}

func TestConsumer_CloseIdempotent(t *testing.T) {
	closes := 0
	reader := &mockKafkaReader{closeFunc: func() error { closes++; return nil }}
	c := NewConsumerWithReader(reader, fastRetry(), logging.NewNopLogger())

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, closes)
}
