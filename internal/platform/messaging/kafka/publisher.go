package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/linkflow-ai/migrator/internal/platform/logger"
	"github.com/linkflow-ai/migrator/internal/shared/events"
)

// DefaultTopic receives every migration event unless configured otherwise
const DefaultTopic = "migration-events"

// EventPublisher publishes events to Kafka
type EventPublisher struct {
	producer  sarama.AsyncProducer
	config    *Config
	logger    logger.Logger
	errors    chan error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Config holds Kafka configuration
type Config struct {
	Brokers []string
	Topic   string
}

// NewEventPublisher creates a new Kafka event publisher
func NewEventPublisher(config *Config, log logger.Logger) (*EventPublisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Version = sarama.V3_3_1_0

	producer, err := sarama.NewAsyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return NewEventPublisherWithProducer(producer, config, log), nil
}

// NewEventPublisherWithProducer wraps an existing producer. The producer must
// return both successes and errors.
func NewEventPublisherWithProducer(producer sarama.AsyncProducer, config *Config, log logger.Logger) *EventPublisher {
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if log == nil {
		log = logger.NewNop()
	}

	publisher := &EventPublisher{
		producer: producer,
		config:   config,
		logger:   log,
		errors:   make(chan error, 100),
	}

	publisher.wg.Add(2)
	go publisher.handleErrors()
	go publisher.handleSuccesses()

	return publisher
}

// Publish enqueues an event keyed by its aggregate so that all events of one
// migration in one environment stay ordered within a partition
func (p *EventPublisher) Publish(ctx context.Context, event *events.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.CorrelationID == "" {
		if requestID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
			event.CorrelationID = requestID
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.config.Topic,
		Key:   sarama.StringEncoder(event.AggregateID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(event.EventType)},
			{Key: []byte("correlationId"), Value: []byte(event.CorrelationID)},
			{Key: []byte("aggregateType"), Value: []byte(event.AggregateType)},
		},
		Timestamp: event.Timestamp,
	}

	select {
	case err := <-p.errors:
		return fmt.Errorf("producer error: %w", err)
	default:
	}

	select {
	case p.producer.Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes and closes the producer
func (p *EventPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if cerr := p.producer.Close(); cerr != nil {
			err = fmt.Errorf("failed to close producer: %w", cerr)
		}
		p.wg.Wait()
	})
	return err
}

// handleErrors keeps the latest delivery failures for the next Publish call
func (p *EventPublisher) handleErrors() {
	defer p.wg.Done()
	for err := range p.producer.Errors() {
		p.logger.Warn("Kafka delivery failed", "topic", err.Msg.Topic, "error", err.Err)
		select {
		case p.errors <- err.Err:
		default:
		}
	}
}

func (p *EventPublisher) handleSuccesses() {
	defer p.wg.Done()
	for msg := range p.producer.Successes() {
		p.logger.Debug("Event delivered", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	}
}
