// Package events publishes ledger operations to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

const (
	producerRetryMax = 3
	defaultClientID  = "quotagate"
)

var ErrInvalidPublisher = errors.New("invalid event publisher")

// OperationEvent is the JSON payload published for every ledger operation.
type OperationEvent struct {
	Operation      string    `json:"operation"`
	WalletID       string    `json:"wallet_id"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	ReservationID  string    `json:"reservation_id,omitempty"`
	Amount         string    `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Replayed       bool      `json:"replayed"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewProducerConfig returns a sync-producer config that waits for all replicas.
func NewProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	if clientID == "" {
		clientID = defaultClientID
	}
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = producerRetryMax
	config.Producer.Return.Successes = true
	return config
}

// NewSyncProducer connects a producer to brokers.
func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// Publisher is a wallet.OperationLogger that writes each operation to a
// topic keyed by wallet id, so one wallet's events stay ordered.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

var _ wallet.OperationLogger = (*Publisher)(nil)

func NewPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger) (*Publisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: producer is required", ErrInvalidPublisher)
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidPublisher)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{producer: producer, topic: topic, logger: logger}, nil
}

// LogOperation publishes entry. A send failure is returned so the ledger
// reports it as an audit error; the ledger change stays committed.
func (publisher *Publisher) LogOperation(_ context.Context, entry wallet.OperationLog) error {
	payload, err := json.Marshal(NewOperationEvent(entry))
	if err != nil {
		return fmt.Errorf("encode operation event: %w", err)
	}
	message := &sarama.ProducerMessage{
		Topic: publisher.topic,
		Key:   sarama.StringEncoder(entry.WalletID.String()),
		Value: sarama.ByteEncoder(payload),
	}
	partition, offset, err := publisher.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("publish %s event for wallet %s: %w", entry.Operation, entry.WalletID.String(), err)
	}
	publisher.logger.Debug("ledger event published",
		zap.String("operation", entry.Operation),
		zap.String("wallet_id", entry.WalletID.String()),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close closes the underlying producer.
func (publisher *Publisher) Close() error {
	return publisher.producer.Close()
}

// NewOperationEvent flattens a ledger operation log into its wire form.
func NewOperationEvent(entry wallet.OperationLog) OperationEvent {
	event := OperationEvent{
		Operation:      entry.Operation,
		WalletID:       entry.WalletID.String(),
		TransactionID:  entry.TransactionID.String(),
		ReservationID:  entry.ReservationID.String(),
		Amount:         entry.Amount.String(),
		IdempotencyKey: entry.IdempotencyKey.String(),
		RequestID:      entry.RequestID.String(),
		Replayed:       entry.Replayed,
		Status:         entry.Status,
		OccurredAt:     entry.OccurredAt.UTC(),
	}
	if entry.Error != nil {
		event.Error = entry.Error.Error()
	}
	return event
}
