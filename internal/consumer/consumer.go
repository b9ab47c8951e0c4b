// Package consumer ingests supplier bid commands and fulfillment signals
// from RabbitMQ. Both queues are at-least-once: bid commands carry a command
// id used as the idempotency token, and replayed fulfillment signals land on
// a state that already moved, so redelivery never double-applies.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/auction"
	"github.com/procurehub/auction-engine/internal/engine"
	"github.com/procurehub/auction-engine/internal/metrics"
	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/pkg/model"
)

// BidService is the consumer's view of the engine.
type BidService interface {
	SubmitBid(ctx context.Context, req engine.SubmitBidRequest) (*auction.Acceptance, error)
	HandleFulfillmentSignal(ctx context.Context, sig model.FulfillmentSignal) (*engine.AwardOutcome, error)
}

// Consumer consumes messages from RabbitMQ.
type Consumer struct {
	conn             *amqp.Connection
	channel          *amqp.Channel
	svc              BidService
	bidChannels      []string
	fulfillmentQueue string
	logger           *zap.Logger
	done             chan struct{}
}

// NewConsumer dials RabbitMQ and opens a channel. bidChannels is the
// comma-separated list of supplier channels whose bid queues are consumed.
func NewConsumer(url, bidChannels, fulfillmentQueue string, svc BidService, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	var channels []string
	for _, c := range strings.Split(bidChannels, ",") {
		if c = strings.TrimSpace(c); c != "" {
			channels = append(channels, c)
		}
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		conn:             conn,
		channel:          channel,
		svc:              svc,
		bidChannels:      channels,
		fulfillmentQueue: fulfillmentQueue,
		logger:           logger,
		done:             make(chan struct{}),
	}, nil
}

// Start declares the queues and starts one consume goroutine per queue.
func (c *Consumer) Start(ctx context.Context) error {
	for _, ch := range c.bidChannels {
		queue := fmt.Sprintf("outbound.bids.submit.%s", ch)
		if _, err := c.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		msgs, err := c.channel.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to consume from %s: %w", queue, err)
		}
		c.logger.Info("consumer.bid_queue_started", zap.String("queue", queue))
		go c.consumeBids(ctx, queue, msgs)
	}

	if _, err := c.channel.QueueDeclare(c.fulfillmentQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.fulfillmentQueue, err)
	}
	msgs, err := c.channel.Consume(c.fulfillmentQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", c.fulfillmentQueue, err)
	}
	c.logger.Info("consumer.fulfillment_queue_started", zap.String("queue", c.fulfillmentQueue))
	go c.consumeFulfillment(ctx, msgs)

	return nil
}

func (c *Consumer) consumeBids(ctx context.Context, queue string, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("consumer.bid_channel_closed", zap.String("queue", queue))
				return
			}
			c.handleBidDelivery(ctx, queue, msg)
		}
	}
}

// handleBidDelivery maps one bid command onto the engine. A definitive
// domain rejection is a decided command and is acked; only infrastructure
// failures requeue.
func (c *Consumer) handleBidDelivery(ctx context.Context, queue string, msg amqp.Delivery) {
	var cmd model.SubmitBidCommand
	if err := json.Unmarshal(msg.Body, &cmd); err != nil {
		c.logger.Error("consumer.bid_unmarshal_failed", zap.String("queue", queue), zap.Error(err))
		metrics.CommandsConsumedTotal.WithLabelValues(queue, "malformed").Inc()
		msg.Nack(false, false)
		return
	}

	rfqID, err := uuid.Parse(cmd.RFQID)
	if err != nil {
		c.logger.Error("consumer.bid_bad_rfq_id",
			zap.String("queue", queue),
			zap.String("rfq_id", cmd.RFQID),
			zap.Error(err))
		metrics.CommandsConsumedTotal.WithLabelValues(queue, "malformed").Inc()
		msg.Nack(false, false)
		return
	}

	req := engine.SubmitBidRequest{
		RFQID:          rfqID,
		ParticipantID:  cmd.ParticipantID,
		TotalAmount:    cmd.TotalAmount,
		LinePrices:     cmd.LinePrices,
		Responses:      cmd.Responses,
		Origin:         cmd.Source,
		IdempotencyKey: cmd.CommandID,
	}
	if cmd.NotBefore != nil {
		req.NotBefore = *cmd.NotBefore
	}
	if cmd.NotAfter != nil {
		req.NotAfter = *cmd.NotAfter
	}

	acc, err := c.svc.SubmitBid(ctx, req)
	switch {
	case err == nil:
		c.logger.Debug("consumer.bid_accepted",
			zap.String("queue", queue),
			zap.String("rfq_id", cmd.RFQID),
			zap.String("participant", cmd.ParticipantID),
			zap.String("bid_id", acc.Bid.ID.String()))
		metrics.CommandsConsumedTotal.WithLabelValues(queue, "accepted").Inc()
		msg.Ack(false)
	case isRetryable(err):
		c.logger.Warn("consumer.bid_requeued",
			zap.String("queue", queue),
			zap.String("rfq_id", cmd.RFQID),
			zap.Error(err))
		metrics.CommandsConsumedTotal.WithLabelValues(queue, "requeued").Inc()
		msg.Nack(false, true)
	default:
		// Rejected by the mechanism or the rules: the command is decided.
		c.logger.Info("consumer.bid_rejected",
			zap.String("queue", queue),
			zap.String("rfq_id", cmd.RFQID),
			zap.String("participant", cmd.ParticipantID),
			zap.String("kind", string(rfq.KindOf(err))),
			zap.Error(err))
		metrics.CommandsConsumedTotal.WithLabelValues(queue, "rejected").Inc()
		msg.Ack(false)
	}
}

func (c *Consumer) consumeFulfillment(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("consumer.fulfillment_channel_closed")
				return
			}
			c.handleFulfillmentDelivery(ctx, msg)
		}
	}
}

func (c *Consumer) handleFulfillmentDelivery(ctx context.Context, msg amqp.Delivery) {
	queue := c.fulfillmentQueue
	var sig model.FulfillmentSignal
	if err := json.Unmarshal(msg.Body, &sig); err != nil {
		c.logger.Error("consumer.fulfillment_unmarshal_failed", zap.Error(err))
		metrics.CommandsConsumedTotal.WithLabelValues(queue, "malformed").Inc()
		msg.Nack(false, false)
		return
	}

	out, err := c.svc.HandleFulfillmentSignal(ctx, sig)
	switch {
	case err == nil:
		fields := []zap.Field{
			zap.String("rfq_id", sig.RFQID),
			zap.String("status", sig.Status),
		}
		if out != nil {
			fields = append(fields, zap.String("outcome", string(out.Kind)))
		}
		c.logger.Info("consumer.fulfillment_applied", fields...)
		metrics.CommandsConsumedTotal.WithLabelValues(queue, "applied").Inc()
		msg.Ack(false)
	case rfq.IsKind(err, rfq.KindInvalidTransition):
		// Redelivered signal against a state that already moved.
		c.logger.Debug("consumer.fulfillment_replayed",
			zap.String("rfq_id", sig.RFQID),
			zap.String("status", sig.Status),
			zap.Error(err))
		metrics.CommandsConsumedTotal.WithLabelValues(queue, "replayed").Inc()
		msg.Ack(false)
	case isRetryable(err):
		c.logger.Warn("consumer.fulfillment_requeued",
			zap.String("rfq_id", sig.RFQID),
			zap.Error(err))
		metrics.CommandsConsumedTotal.WithLabelValues(queue, "requeued").Inc()
		msg.Nack(false, true)
	default:
		c.logger.Error("consumer.fulfillment_dropped",
			zap.String("rfq_id", sig.RFQID),
			zap.String("status", sig.Status),
			zap.Error(err))
		metrics.CommandsConsumedTotal.WithLabelValues(queue, "dropped").Inc()
		msg.Nack(false, false)
	}
}

func isRetryable(err error) bool {
	var e *rfq.Error
	return errors.As(err, &e) && e.Retryable
}

// Close stops the consume loops and closes the connection.
func (c *Consumer) Close() error {
	close(c.done)

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
