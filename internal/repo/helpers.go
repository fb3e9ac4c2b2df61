package repo

import (
	"encoding/json"
	"fmt"
)

// maxInsertAttempts — сколько раз Insert повторяет цикл insert/select,
// если активный ticket исчез между двумя запросами.
const maxInsertAttempts = 3

// ticketColumns — порядок колонок для всех SELECT/RETURNING.
const ticketColumns = `id, task_id, priority, role, status, claimed_by, claimed_at, attempts,
	payload, output, error, reported, created_at, updated_at`

// nullString возвращает nil для пустой строки.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// marshalPayload сериализует payload. nil остаётся NULL.
func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// unmarshalPayload разбирает payload из БД.
func unmarshalPayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

// rawOutput возвращает nil для пустого output, чтобы в БД попал NULL.
func rawOutput(output json.RawMessage) []byte {
	if len(output) == 0 {
		return nil
	}
	return []byte(output)
}
