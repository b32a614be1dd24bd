package messaging

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/turbofakesmile/haos-prediction-markets/internal/metrics"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

var errNacked = errors.New("message was nacked by broker")

const (
	publishBuffer  = 4096
	confirmTimeout = 10 * time.Second
)

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type outbound struct {
	routingKey string
	envelope   Envelope
}

// Publisher fans executions and book snapshots out to a topic exchange.
//
// Events are queued by the listener callbacks and published by one goroutine
// in confirm mode, one message at a time, so confirmations arrive in publish
// order. When the buffer is full new events are dropped and logged; consumers
// can always re-read the book from the HTTP API.
type Publisher struct {
	conn     *amqp.Connection
	channel  channel
	confirms chan amqp.Confirmation
	exchange string
	metrics  *metrics.Metrics

	events chan outbound
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewPublisher dials RabbitMQ and declares the topic exchange.
func NewPublisher(amqpURL, exchange string, m *metrics.Metrics) (*Publisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true, // durable
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	p := newPublisher(ch, ch.NotifyPublish(make(chan amqp.Confirmation, 1)), exchange, m)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, confirms chan amqp.Confirmation, exchange string, m *metrics.Metrics) *Publisher {
	p := &Publisher{
		channel:  ch,
		confirms: confirms,
		exchange: exchange,
		metrics:  m,
		events:   make(chan outbound, publishBuffer),
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Publisher) OnExecution(e models.Execution) {
	p.enqueue(EventExecution, e.InstrumentID, e)
}

func (p *Publisher) OnSnapshot(s models.BookSnapshot) {
	p.enqueue(EventBook, s.InstrumentID, s)
}

func (p *Publisher) enqueue(t EventType, instrument uint32, payload interface{}) {
	env, err := newEnvelope(t, instrument, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to encode event")
		return
	}
	select {
	case p.events <- outbound{routingKey: RoutingKey(t, instrument), envelope: env}:
	default:
		log.Warn().Str("type", string(t)).Uint32("instrument", instrument).Msg("publish buffer full, dropping event")
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.events:
			if err := p.publish(ev.routingKey, ev.envelope); err != nil {
				log.Warn().Err(err).Str("routing_key", ev.routingKey).Msg("failed to publish event")
			}
		case <-p.done:
			return
		}
	}
}

// publish sends one message and waits for the broker confirmation.
func (p *Publisher) publish(routingKey string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	err = p.channel.Publish(
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    env.Timestamp,
			MessageId:    uuid.New().String(),
			Type:         string(env.Type),
			Body:         body,
		},
	)
	if err != nil {
		return err
	}

	if p.confirms != nil {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return amqp.ErrClosed
			}
			if !c.Ack {
				return errNacked
			}
		case <-time.After(confirmTimeout):
			return errors.New("confirmation timeout")
		case <-p.done:
			return nil
		}
	}

	p.metrics.RecordMQPublished(p.exchange, routingKey)
	log.Debug().Str("routing_key", routingKey).Msg("event published")
	return nil
}

// Close stops the publishing goroutine and releases the connection.
// Events still buffered are discarded.
func (p *Publisher) Close() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()

	if ch, ok := p.channel.(*amqp.Channel); ok {
		_ = ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
