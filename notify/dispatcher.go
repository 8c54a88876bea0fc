package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"momo-orchestrator/config"
	"momo-orchestrator/domain"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type EventType string

const (
	EventPaymentSuccessful EventType = "payment.successful"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentExpired    EventType = "payment.expired"
)

// Event is emitted once when a transaction reaches a terminal status.
type Event struct {
	Type          EventType       `json:"type"`
	TransactionID string          `json:"transaction_id"`
	Reference     string          `json:"reference"`
	Provider      domain.Provider `json:"provider"`
	Status        domain.Status   `json:"status"`
	Amount        string          `json:"amount"`
	Currency      string          `json:"currency"`
	OwnerID       string          `json:"owner_id"`
	Timestamp     time.Time       `json:"timestamp"`
}

// EventFor builds the event for a terminal transaction. ok is false for
// PENDING rows, which never produce an event.
func EventFor(txn *domain.Transaction) (Event, bool) {
	var typ EventType
	switch txn.Status {
	case domain.StatusSuccessful:
		typ = EventPaymentSuccessful
	case domain.StatusFailed:
		typ = EventPaymentFailed
	case domain.StatusExpired:
		typ = EventPaymentExpired
	default:
		return Event{}, false
	}
	return Event{
		Type:          typ,
		TransactionID: txn.ID,
		Reference:     txn.ExternalReference,
		Provider:      txn.Provider,
		Status:        txn.Status,
		Amount:        txn.Amount.String(),
		Currency:      txn.Currency,
		OwnerID:       txn.OwnerID,
		Timestamp:     txn.UpdatedAt,
	}, true
}

// Dispatcher delivers terminal-status events to whoever owns the payment.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
	Close() error
}

// LogDispatcher only writes events to the log.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, event Event) error {
	d.logger.Info("payment event",
		zap.String("type", string(event.Type)),
		zap.String("transaction_id", event.TransactionID),
		zap.String("reference", event.Reference),
		zap.String("provider", string(event.Provider)),
		zap.String("owner_id", event.OwnerID),
	)
	return nil
}

func (d *LogDispatcher) Close() error { return nil }

// Publisher is satisfied by cache.RedisStore.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisDispatcher publishes events as JSON on a pub/sub channel.
type RedisDispatcher struct {
	publisher Publisher
	channel   string
	logger    *zap.Logger
}

func NewRedisDispatcher(publisher Publisher, channel string, logger *zap.Logger) *RedisDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDispatcher{publisher: publisher, channel: channel, logger: logger}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := d.publisher.Publish(ctx, d.channel, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	d.logger.Debug("Published payment event",
		zap.String("type", string(event.Type)),
		zap.String("channel", d.channel),
		zap.String("transaction_id", event.TransactionID),
	)
	return nil
}

// Close does not close the publisher; it is shared with the reference lock.
func (d *RedisDispatcher) Close() error { return nil }

// KafkaDispatcher writes events to a topic keyed by transaction id, so all
// events of one payment land on the same partition.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	return sarama.NewSyncProducer(brokers, cfg)
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaDispatcher{producer: producer, topic: topic, logger: logger}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(event.TransactionID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}
	partition, offset, err := d.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send kafka message: %w", err)
	}

	d.logger.Debug("Published payment event",
		zap.String("type", string(event.Type)),
		zap.String("topic", d.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("transaction_id", event.TransactionID),
	)
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.producer.Close()
}

// New builds the dispatcher selected by cfg.Driver. publisher may be nil
// unless the driver is "redis".
func New(cfg config.NotifyConfig, publisher Publisher, logger *zap.Logger) (Dispatcher, error) {
	switch cfg.Driver {
	case "", "log":
		return NewLogDispatcher(logger), nil
	case "redis":
		if publisher == nil {
			return nil, fmt.Errorf("NOTIFY_DRIVER=redis requires REDIS_ADDR")
		}
		return NewRedisDispatcher(publisher, cfg.Channel, logger), nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("NOTIFY_DRIVER=kafka requires KAFKA_BROKERS")
		}
		producer, err := NewKafkaProducer(cfg.KafkaBrokers)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		return NewKafkaDispatcher(producer, cfg.Channel, logger), nil
	}
	return nil, fmt.Errorf("unknown NOTIFY_DRIVER %q", cfg.Driver)
}
