package consumer

import (
	"commerce-reconciler/internal/dto"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	withdrawalReasonPrefix = "user withdrawal"
	handleRetryInterval    = time.Second
	handleMaxRetries       = 3
)

// OrderCanceller cancels every open order of a user.
type OrderCanceller interface {
	CancelUserOrders(ctx context.Context, userID, reason string) (int, error)
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WithdrawalConsumer cancels the open orders of users who left the service.
type WithdrawalConsumer struct {
	orders        OrderCanceller
	reader        MessageReader
	retryInterval time.Duration
	log           *zap.Logger
}

func NewKafkaReader(topic, groupID string, brokers ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
}

func NewWithdrawalConsumer(orders OrderCanceller, reader MessageReader, log *zap.Logger) *WithdrawalConsumer {
	return &WithdrawalConsumer{
		orders:        orders,
		reader:        reader,
		retryInterval: handleRetryInterval,
		log:           log,
	}
}

func (c *WithdrawalConsumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *WithdrawalConsumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.log.Warn("close kafka reader", zap.Error(err))
	}
}

func (c *WithdrawalConsumer) processMessage(ctx context.Context) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.log.Error("fetch withdrawal message", zap.Error(err))
		return
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryInterval), handleMaxRetries), ctx)
	err = backoff.Retry(func() error {
		return c.handle(ctx, m.Value)
	}, policy)
	if err != nil {
		// partially cancelled users are picked up again by the next event or by an operator
		c.log.Error("withdrawal handling failed",
			zap.Int64("offset", m.Offset),
			zap.Error(err))
	}

	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.log.Error("commit withdrawal message", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}

func (c *WithdrawalConsumer) handle(ctx context.Context, value []byte) error {
	var event dto.UserWithdrawalEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return backoff.Permanent(fmt.Errorf("decode withdrawal event: %w", err))
	}
	if event.UserID == "" {
		return backoff.Permanent(errors.New("withdrawal event without user id"))
	}

	reason := withdrawalReasonPrefix
	if event.WithdrawalReason != "" {
		reason += ": " + event.WithdrawalReason
	}

	cancelled, err := c.orders.CancelUserOrders(ctx, event.UserID, reason)
	c.log.Info("withdrawal processed",
		zap.String("event_id", event.EventID),
		zap.String("user_id", event.UserID),
		zap.Int("cancelled", cancelled))
	if err != nil {
		return fmt.Errorf("cancel orders of %s: %w", event.UserID, err)
	}
	return nil
}
