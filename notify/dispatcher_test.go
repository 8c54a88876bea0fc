package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"momo-orchestrator/config"
	"momo-orchestrator/domain"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func terminalTxn(status domain.Status) *domain.Transaction {
	return &domain.Transaction{
		ID:                "01J0TXN",
		ExternalReference: "order-7",
		Provider:          domain.ProviderMTN,
		Amount:            decimal.RequireFromString("2500"),
		Currency:          "UGX",
		Status:            status,
		OwnerID:           "user-9",
		UpdatedAt:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestEventFor(t *testing.T) {
	cases := map[domain.Status]EventType{
		domain.StatusSuccessful: EventPaymentSuccessful,
		domain.StatusFailed:     EventPaymentFailed,
		domain.StatusExpired:    EventPaymentExpired,
	}
	for status, want := range cases {
		event, ok := EventFor(terminalTxn(status))
		require.True(t, ok)
		assert.Equal(t, want, event.Type)
		assert.Equal(t, "01J0TXN", event.TransactionID)
		assert.Equal(t, "order-7", event.Reference)
		assert.Equal(t, "2500", event.Amount)
		assert.Equal(t, "user-9", event.OwnerID)
	}

	_, ok := EventFor(terminalTxn(domain.StatusPending))
	assert.False(t, ok)
}

type recordingPublisher struct {
	channel string
	payload []byte
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.channel = channel
	p.payload = payload
	return p.err
}

func TestRedisDispatcherPublishesJSON(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewRedisDispatcher(pub, "payment_events", nil)

	event, _ := EventFor(terminalTxn(domain.StatusSuccessful))
	require.NoError(t, d.Dispatch(context.Background(), event))

	assert.Equal(t, "payment_events", pub.channel)
	var decoded Event
	require.NoError(t, json.Unmarshal(pub.payload, &decoded))
	assert.Equal(t, EventPaymentSuccessful, decoded.Type)
	assert.Equal(t, domain.StatusSuccessful, decoded.Status)
}

func TestRedisDispatcherWrapsPublishError(t *testing.T) {
	boom := errors.New("connection refused")
	d := NewRedisDispatcher(&recordingPublisher{err: boom}, "payment_events", nil)

	event, _ := EventFor(terminalTxn(domain.StatusFailed))
	err := d.Dispatch(context.Background(), event)
	assert.ErrorIs(t, err, boom)
}

func TestKafkaDispatcherKeysByTransaction(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "payment_events" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "01J0TXN" {
			return errors.New("wrong key " + string(key))
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var decoded Event
		if err := json.Unmarshal(value, &decoded); err != nil {
			return err
		}
		if decoded.Type != EventPaymentExpired {
			return errors.New("wrong type " + string(decoded.Type))
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "payment_events", nil)
	event, _ := EventFor(terminalTxn(domain.StatusExpired))
	require.NoError(t, d.Dispatch(context.Background(), event))
	require.NoError(t, d.Close())
}

func TestKafkaDispatcherSendFailure(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := NewKafkaDispatcher(producer, "payment_events", nil)
	event, _ := EventFor(terminalTxn(domain.StatusFailed))
	err := d.Dispatch(context.Background(), event)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, d.Close())
}

func TestNewSelectsDriver(t *testing.T) {
	d, err := New(config.NotifyConfig{Driver: "log"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogDispatcher{}, d)

	d, err = New(config.NotifyConfig{Driver: "redis", Channel: "c"}, &recordingPublisher{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisDispatcher{}, d)

	_, err = New(config.NotifyConfig{Driver: "redis"}, nil, nil)
	assert.Error(t, err)

	_, err = New(config.NotifyConfig{Driver: "kafka"}, nil, nil)
	assert.Error(t, err)

	_, err = New(config.NotifyConfig{Driver: "smoke-signals"}, nil, nil)
	assert.Error(t, err)
}
