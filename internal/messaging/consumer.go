package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
	"gopkg.in/tomb.v2"

	"github.com/turbofakesmile/haos-prediction-markets/internal/engine"
	"github.com/turbofakesmile/haos-prediction-markets/internal/metrics"
)

// ProcessedMessageStore records message ids for idempotent consumption.
// store.DedupStore and store.MemoryDedup implement it.
type ProcessedMessageStore interface {
	TryProcess(ctx context.Context, messageID, eventType string) (bool, error)
	Release(ctx context.Context, messageID string) error
}

// Submitter accepts ingestion commands. *engine.IngestionQueue implements it.
type Submitter interface {
	Submit(ctx context.Context, cmd engine.Command) error
}

const (
	consumerPrefetch = 50
	requeueDelay     = 500 * time.Millisecond

	outcomeAccepted  = "accepted"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
	outcomeRequeued  = "requeued"
)

// OrderConsumer feeds order entry messages from RabbitMQ into the
// ingestion queue.
//
// WORKFLOW:
//  1. Decode and validate the message; invalid ones go to the dead letter queue
//  2. Skip message ids that were already processed
//  3. Submit to the ingestion queue; when it stays full, forget the id and
//     requeue the message after a short delay
//  4. Ack
type OrderConsumer struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	topology  Topology
	submitter Submitter
	dedup     ProcessedMessageStore
	metrics   *metrics.Metrics

	t tomb.Tomb
}

// NewOrderConsumer dials RabbitMQ and declares the order queue topology.
func NewOrderConsumer(amqpURL, queue string, submitter Submitter, dedup ProcessedMessageStore, m *metrics.Metrics) (*OrderConsumer, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	topology := NewTopology(queue)
	if err := topology.Declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &OrderConsumer{
		conn:      conn,
		channel:   ch,
		topology:  topology,
		submitter: submitter,
		dedup:     dedup,
		metrics:   m,
	}, nil
}

// Start begins consuming. The consumer dies if the delivery channel closes.
func (c *OrderConsumer) Start() error {
	msgs, err := c.channel.Consume(
		c.topology.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	c.t.Go(func() error { return c.consume(msgs) })
	log.Info().Str("queue", c.topology.Queue).Msg("order consumer started")
	return nil
}

func (c *OrderConsumer) Dead() <-chan struct{} {
	return c.t.Dead()
}

func (c *OrderConsumer) Err() error {
	return c.t.Err()
}

func (c *OrderConsumer) consume(msgs <-chan amqp.Delivery) error {
	ctx := c.t.Context(context.Background())
	for {
		select {
		case <-c.t.Dying():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("order queue delivery channel closed")
			}
			c.handle(ctx, msg)
		}
	}
}

// handle processes one delivery and always acks or nacks it.
func (c *OrderConsumer) handle(ctx context.Context, msg amqp.Delivery) {
	logger := log.With().Str("message_id", msg.MessageId).Logger()

	cmd, err := ParseOrderMessage(msg.Body)
	if err != nil {
		logger.Warn().Err(err).Int64("deaths", deathCount(msg.Headers)).Msg("rejecting order message")
		c.metrics.RecordMQConsumed(c.topology.Queue, outcomeRejected)
		c.nack(logger, msg, false)
		return
	}

	if msg.MessageId != "" && c.dedup != nil {
		first, err := c.dedup.TryProcess(ctx, msg.MessageId, cmd.Kind.String())
		if err != nil {
			logger.Error().Err(err).Msg("dedup check failed, requeueing")
			c.requeue(ctx, logger, msg)
			return
		}
		if !first {
			logger.Debug().Msg("duplicate order message, skipping")
			c.metrics.RecordMQConsumed(c.topology.Queue, outcomeDuplicate)
			c.ack(logger, msg)
			return
		}
	}

	if err := c.submitter.Submit(ctx, cmd); err != nil {
		if msg.MessageId != "" && c.dedup != nil {
			if rerr := c.dedup.Release(context.Background(), msg.MessageId); rerr != nil {
				logger.Warn().Err(rerr).Msg("failed to release message id")
			}
		}
		if errors.Is(err, engine.ErrQueueFull) || errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("ingestion queue unavailable, requeueing")
			c.requeue(ctx, logger, msg)
			return
		}
		logger.Warn().Err(err).Msg("rejecting order message")
		c.metrics.RecordMQConsumed(c.topology.Queue, outcomeRejected)
		c.nack(logger, msg, false)
		return
	}

	c.metrics.RecordMQConsumed(c.topology.Queue, outcomeAccepted)
	c.ack(logger, msg)
}

func (c *OrderConsumer) ack(logger zerolog.Logger, msg amqp.Delivery) {
	if err := msg.Ack(false); err != nil {
		logger.Error().Err(err).Msg("failed to ack order message")
	}
}

// nack with requeue=false routes the message to the dead letter exchange.
func (c *OrderConsumer) nack(logger zerolog.Logger, msg amqp.Delivery, requeue bool) {
	if err := msg.Nack(false, requeue); err != nil {
		logger.Error().Err(err).Bool("requeue", requeue).Msg("failed to nack order message")
	}
}

func (c *OrderConsumer) requeue(ctx context.Context, logger zerolog.Logger, msg amqp.Delivery) {
	timer := time.NewTimer(requeueDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	c.metrics.RecordMQConsumed(c.topology.Queue, outcomeRequeued)
	c.nack(logger, msg, true)
}

// Stop stops consuming and closes the connection.
func (c *OrderConsumer) Stop() error {
	c.t.Kill(nil)
	err := c.t.Wait()

	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	log.Info().Msg("order consumer stopped")
	return err
}
