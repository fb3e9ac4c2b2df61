package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/Relay/internal/queue"
)

const defaultPrefetch = 16

var errDeliveriesClosed = errors.New("deliveries channel closed")

// disposition — как подтвердить доставку.
type disposition int

const (
	// ack — событие обработано или не относится к write-back.
	ack disposition = iota
	// deadLetter — сообщение битое; nack без requeue отправляет его в DLQ.
	deadLetter
)

// WriteBackConsumerConfig — конфигурация WriteBackConsumer.
type WriteBackConsumerConfig struct {
	// Conn — соединение (обязательно).
	Conn *Connection

	// Queue — очередь финальных событий (default: tickets.writeback).
	Queue Queue

	// Prefetch — сколько сообщений брокер отдаёт без ack (default: 16).
	Prefetch int

	// OnEvent получает финальные события. Не должен блокироваться:
	// доставка подтверждается сразу после вызова.
	OnEvent func(queue.Event)

	// Logger
	Logger *slog.Logger
}

// WriteBackConsumer читает финальные события tickets из брокера и
// передаёт их в OnEvent (Conductor.HandleEvent).
//
// Повторная доставка не нужна: потерянное событие подберёт проход
// write-back в tick. Поэтому обработанные и чужие сообщения
// подтверждаются, а битые уходят в DLQ.
type WriteBackConsumer struct {
	conn     *Connection
	queue    Queue
	prefetch int
	onEvent  func(queue.Event)
	logger   *slog.Logger
}

// NewWriteBackConsumer создаёт новый WriteBackConsumer.
func NewWriteBackConsumer(cfg WriteBackConsumerConfig) *WriteBackConsumer {
	q := cfg.Queue
	if q == "" {
		q = QueueTicketsWriteBack
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &WriteBackConsumer{
		conn:     cfg.Conn,
		queue:    q,
		prefetch: prefetch,
		onEvent:  cfg.OnEvent,
		logger:   logger.With("queue", string(q)),
	}
}

// Run потребляет сообщения, пока ctx не отменён или соединение не
// закрыто. После разрыва ждёт переподключения и продолжает.
func (c *WriteBackConsumer) Run(ctx context.Context) error {
	for {
		reconnected := c.conn.Reconnected()

		err := c.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("write-back consumer interrupted", "error", err)

		// Канал мог закрыться при живом соединении,
		// поэтому ждём не только переподключения.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Done():
			return ErrClosed
		case <-reconnected:
		case <-time.After(c.conn.cfg.ReconnectDelay):
		}
	}
}

// consume открывает отдельный канал и читает доставки до его закрытия.
func (c *WriteBackConsumer) consume(ctx context.Context) error {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(string(c.queue), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.logger.Info("write-back consumer started", "prefetch", c.prefetch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.settle(d, c.handle(d.Body))
		}
	}
}

// handle разбирает тело сообщения и решает, что с ним делать.
func (c *WriteBackConsumer) handle(body []byte) disposition {
	msg, err := DecodeTicketMessage(body)
	switch {
	case errors.Is(err, ErrUnsupportedMessage):
		c.logger.Debug("skipping message", "error", err)
		return ack
	case err != nil:
		c.logger.Error("malformed ticket event, dead-lettering", "error", err, "body", truncate(body, 256))
		return deadLetter
	}

	ev := msg.Event
	if !ev.Type.IsTerminal() {
		return ack
	}
	c.logger.Debug("ticket event received", "ticket_id", ev.TicketID, "type", ev.Type)
	c.onEvent(ev)
	return ack
}

func (c *WriteBackConsumer) settle(d amqp.Delivery, disp disposition) {
	var err error
	switch disp {
	case deadLetter:
		err = d.Nack(false, false)
	default:
		err = d.Ack(false)
	}
	if err != nil {
		c.logger.Warn("failed to settle delivery", "delivery_tag", d.DeliveryTag, "error", err)
	}
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}
