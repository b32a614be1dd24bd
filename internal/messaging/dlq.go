package messaging

import (
	"github.com/streadway/amqp"
)

// Topology names the queues an order consumer works with. Messages rejected
// from Queue are routed by DeadLetterExchange into DeadLetterQueue, where
// they stay for manual inspection.
type Topology struct {
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
}

func NewTopology(queue string) Topology {
	return Topology{
		Queue:              queue,
		DeadLetterExchange: queue + ".dlx",
		DeadLetterQueue:    queue + ".dlq",
	}
}

// declarer is the part of *amqp.Channel needed to declare the topology.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates the dead letter exchange, its queue and the main queue.
// It is idempotent as long as the arguments match existing declarations.
func (t Topology) Declare(ch declarer) error {
	err := ch.ExchangeDeclare(
		t.DeadLetterExchange,
		"fanout",
		true, // durable
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(t.DeadLetterQueue, "", t.DeadLetterExchange, false, nil); err != nil {
		return err
	}

	_, err = ch.QueueDeclare(
		t.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange": t.DeadLetterExchange,
		},
	)
	return err
}

// deathCount reads how many times a message was dead-lettered before, from
// the broker's x-death header.
func deathCount(headers amqp.Table) int64 {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 0
	}
	var total int64
	for _, d := range deaths {
		entry, ok := d.(amqp.Table)
		if !ok {
			continue
		}
		if n, ok := entry["count"].(int64); ok {
			total += n
		}
	}
	return total
}
