package worker

import (
	"context"

	"github.com/shaiso/Relay/internal/domain"
)

// EchoHandler возвращает payload ticket как outputs.
//
// Handler по умолчанию для ролей без явного handler'а: задача
// сразу переходит в completed, а write-back отправляет её на проверку.
type EchoHandler struct{}

// Handle возвращает payload как outputs.
func (h *EchoHandler) Handle(_ context.Context, ticket *domain.Ticket) (*Result, error) {
	outputs := ticket.Payload
	if outputs == nil {
		outputs = make(map[string]any)
	}
	return &Result{Outputs: outputs}, nil
}
