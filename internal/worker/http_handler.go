package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

const defaultHTTPTimeout = 30 * time.Second

// defaultRetryOn — HTTP-коды, при которых ticket возвращается в очередь.
var defaultRetryOn = []int{
	http.StatusTooManyRequests,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// HTTPHandler отправляет ticket во внешний сервис.
//
// URL и значения Headers — шаблоны text/template над TemplateData:
//
//	url: http://agents.local/tasks/{{ .Task.id }}
//	headers:
//	  Authorization: Bearer {{ env "AGENT_TOKEN" }}
//
// Тело запроса (JSON):
//   - ticket_id, task_id, role, attempt
//   - payload — снимок задачи
//
// Outputs:
//   - status_code (int): HTTP-код ответа
//   - headers (map[string]string): заголовки ответа
//   - body (any): тело ответа (JSON или строка)
type HTTPHandler struct {
	URL     string
	Method  string            // default: POST
	Headers map[string]string // дополнительные заголовки
	Timeout time.Duration     // default: 30s
	RetryOn []int             // default: 429, 502, 503, 504

	// Client (опционально; если nil — http.DefaultClient).
	Client *http.Client
}

// httpRequestBody — тело запроса HTTPHandler.
type httpRequestBody struct {
	TicketID string         `json:"ticket_id"`
	TaskID   string         `json:"task_id"`
	Role     string         `json:"role"`
	Attempt  int            `json:"attempt"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Handle выполняет HTTP-запрос.
func (h *HTTPHandler) Handle(ctx context.Context, ticket *domain.Ticket) (*Result, error) {
	if h.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrHTTPRequest)
	}

	method := h.Method
	if method == "" {
		method = http.MethodPost
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		bodyBytes, err := json.Marshal(httpRequestBody{
			TicketID: ticket.ID,
			TaskID:   ticket.TaskID,
			Role:     ticket.Role,
			Attempt:  ticket.Attempts,
			Payload:  ticket.Payload,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	// Ошибка шаблона не исчезнет при повторе.
	data := NewTemplateData(ticket)
	url, err := Render(h.URL, data)
	if err != nil {
		return &Result{Error: "url: " + err.Error()}, nil
	}
	headers, err := renderHeaders(h.Headers, data)
	if err != nil {
		return &Result{Error: err.Error()}, nil
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	for key, val := range headers {
		req.Header.Set(key, val)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Relay-Ticket-ID", ticket.ID)

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	outputs := buildOutputs(resp, respBody)

	// HTTP >= 400 — логическая ошибка, retry только для кодов из RetryOn.
	if resp.StatusCode >= 400 {
		return &Result{
			Outputs: outputs,
			Error:   fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
			Retry:   h.shouldRetry(resp.StatusCode),
		}, nil
	}

	return &Result{Outputs: outputs}, nil
}

func (h *HTTPHandler) shouldRetry(statusCode int) bool {
	retryOn := h.RetryOn
	if len(retryOn) == 0 {
		retryOn = defaultRetryOn
	}
	return slices.Contains(retryOn, statusCode)
}

// buildOutputs формирует outputs из HTTP-ответа.
func buildOutputs(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// Парсим body: пробуем JSON, иначе строка
	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
