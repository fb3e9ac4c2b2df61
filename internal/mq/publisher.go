package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/Relay/internal/queue"
)

// Publisher отправляет события tickets в relay.tickets.
// Реализует conductor.EventPublisher.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// PublishTicketEvent публикует событие с ключом ticket.<тип>.
// Пока соединение восстанавливается, возвращает ErrNoChannel.
func (p *Publisher) PublishTicketEvent(ctx context.Context, ev queue.Event) error {
	msg := NewTicketMessage(ev)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal ticket event: %w", err)
	}
	key := TicketRoutingKey(string(ev.Type))

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(ExchangeTickets), string(key), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Type:         MessageTypeTicketEvent,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish %s: %w", key, err)
		}

		p.logger.Debug("ticket event published",
			"routing_key", key,
			"ticket_id", ev.TicketID,
			"message_id", msg.ID,
		)
		return nil
	})
}
