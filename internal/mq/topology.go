package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeTickets Exchange = "relay.tickets"
	ExchangeDLQ     Exchange = "relay.dlq"
)

// Queues — имена очередей.
const (
	QueueTicketsWriteBack Queue = "tickets.writeback"
	QueueDLQTickets       Queue = "dlq.tickets"
)

// Routing keys. События публикуются с ключом "ticket.<тип события>".
const (
	RoutingKeyTicketPrefix    = "ticket."
	RoutingKeyTicketCompleted RoutingKey = "ticket.completed"
	RoutingKeyTicketFailed    RoutingKey = "ticket.failed"
	RoutingKeyDLQTickets      RoutingKey = "tickets"
)

// TicketRoutingKey возвращает ключ маршрутизации для типа события.
func TicketRoutingKey(eventType string) RoutingKey {
	return RoutingKey(RoutingKeyTicketPrefix + eventType)
}

// exchangeSpec, queueSpec и bindingSpec описывают топологию Relay.
type exchangeSpec struct {
	name Exchange
	kind string
}

type queueSpec struct {
	name Queue
	// deadLetter — куда уходят сообщения после nack без requeue.
	deadLetter bool
}

type bindingSpec struct {
	queue    Queue
	key      RoutingKey
	exchange Exchange
}

var (
	// relay.tickets — topic: внешние подписчики могут слушать ticket.#.
	topologyExchanges = []exchangeSpec{
		{ExchangeTickets, amqp.ExchangeTopic},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}
	topologyQueues = []queueSpec{
		{QueueTicketsWriteBack, true},
		{QueueDLQTickets, false},
	}
	topologyBindings = []bindingSpec{
		{QueueTicketsWriteBack, RoutingKeyTicketCompleted, ExchangeTickets},
		{QueueTicketsWriteBack, RoutingKeyTicketFailed, ExchangeTickets},
		{QueueDLQTickets, RoutingKeyDLQTickets, ExchangeDLQ},
	}
)

// SetupTopology объявляет обменники, очереди и привязки. Идемпотентна:
// все объекты durable, повторное объявление с теми же параметрами не ошибка.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range topologyExchanges {
			if err := ch.ExchangeDeclare(string(ex.name), ex.kind, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}

		for _, q := range topologyQueues {
			var args amqp.Table
			if q.deadLetter {
				args = amqp.Table{
					"x-dead-letter-exchange":    string(ExchangeDLQ),
					"x-dead-letter-routing-key": string(RoutingKeyDLQTickets),
				}
			}
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		for _, b := range topologyBindings {
			if err := ch.QueueBind(string(b.queue), string(b.key), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind %s to %s/%s: %w", b.queue, b.exchange, b.key, err)
			}
		}
		return nil
	})
}
