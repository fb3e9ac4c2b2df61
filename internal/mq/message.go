package mq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Relay/internal/queue"
)

// MessageTypeTicketEvent — тип конверта с событием ticket.
const MessageTypeTicketEvent = "ticket.event"

// TicketMessage — конверт события ticket в брокере.
//
//	{"id": "...", "type": "ticket.event", "payload": {...queue.Event}, "timestamp": "..."}
type TicketMessage struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Event     queue.Event `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewTicketMessage упаковывает событие очереди.
func NewTicketMessage(ev queue.Event) TicketMessage {
	return TicketMessage{
		ID:        uuid.New().String(),
		Type:      MessageTypeTicketEvent,
		Event:     ev,
		Timestamp: time.Now().UTC(),
	}
}

// DecodeTicketMessage разбирает тело сообщения.
//
// Конверт другого типа возвращает ErrUnsupportedMessage, битый конверт
// или событие без ticket_id и type возвращает ErrMalformedMessage.
func DecodeTicketMessage(body []byte) (TicketMessage, error) {
	var msg TicketMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type != MessageTypeTicketEvent {
		return msg, fmt.Errorf("%w: %q", ErrUnsupportedMessage, msg.Type)
	}
	if msg.Event.TicketID == "" {
		return msg, fmt.Errorf("%w: ticket_id is empty", ErrMalformedMessage)
	}
	if msg.Event.Type == "" {
		return msg, fmt.Errorf("%w: event type is empty", ErrMalformedMessage)
	}
	return msg, nil
}
