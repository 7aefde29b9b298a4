package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/migrator/internal/platform/logger"
	"github.com/linkflow-ai/migrator/internal/shared/events"
)

func newMockProducer(t *testing.T) *mocks.AsyncProducer {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	return mocks.NewAsyncProducer(t, cfg)
}

func headers(msg *sarama.ProducerMessage) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

func TestPublishSendsKeyedMessage(t *testing.T) {
	producer := newMockProducer(t)
	p := NewEventPublisherWithProducer(producer, &Config{}, nil)

	producer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != DefaultTopic {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "dev/001_a" {
			return errors.New("unexpected key " + string(key))
		}
		h := headers(msg)
		if h["eventType"] != events.TypeMigrationStarted || h["correlationId"] != "req-42" {
			return errors.New("unexpected headers")
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var event events.Event
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.ID == "" || event.AggregateType != events.AggregateMigration {
			return errors.New("unexpected event body")
		}
		return nil
	})

	event, err := events.NewMigrationEvent("dev", "001_a", events.MigrationStarted{EnvironmentID: "dev", MigrationID: "001_a"})
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), logger.RequestIDKey, "req-42")
	require.NoError(t, p.Publish(ctx, event))
	assert.Equal(t, "req-42", event.CorrelationID)
	require.NoError(t, p.Close())
}

func TestPublishFillsMissingIdentity(t *testing.T) {
	producer := newMockProducer(t)
	p := NewEventPublisherWithProducer(producer, &Config{Topic: "custom"}, logger.NewNop())
	producer.ExpectInputAndSucceed()

	event := &events.Event{AggregateID: "dev/001_a", EventType: events.TypeMigrationProgress}
	require.NoError(t, p.Publish(context.Background(), event))
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	require.NoError(t, p.Close())
}

func TestPublishReportsDeliveryFailure(t *testing.T) {
	producer := newMockProducer(t)
	p := NewEventPublisherWithProducer(producer, &Config{}, nil)
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	event := &events.Event{AggregateID: "dev/001_a", EventType: events.TypeMigrationFailed}
	require.NoError(t, p.Publish(context.Background(), event))

	assert.Eventually(t, func() bool { return len(p.errors) > 0 }, 2*time.Second, 10*time.Millisecond)

	err := p.Publish(context.Background(), &events.Event{AggregateID: "dev/001_a"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}
