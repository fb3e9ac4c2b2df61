package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTicket(payload map[string]any) *domain.Ticket {
	return &domain.Ticket{
		ID:       "t-1",
		TaskID:   "bd-1",
		Role:     "worker",
		Status:   domain.TicketStatusProcessing,
		Attempts: 1,
		Payload:  payload,
	}
}

// --- HTTPHandler Tests ---

func TestHTTPHandler_PostsTicket(t *testing.T) {
	var received httpRequestBody
	var contentType, ticketHeader string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		contentType = r.Header.Get("Content-Type")
		ticketHeader = r.Header.Get("X-Relay-Ticket-ID")
		json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("X-Custom", "test-value")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	}))
	defer server.Close()

	h := &HTTPHandler{URL: server.URL}
	result, err := h.Handle(context.Background(), testTicket(map[string]any{"title": "Fix it"}))
	require.NoError(t, err)
	assert.Empty(t, result.Error)

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "t-1", ticketHeader)
	assert.Equal(t, "bd-1", received.TaskID)
	assert.Equal(t, 1, received.Attempt)
	assert.Equal(t, "Fix it", received.Payload["title"])

	assert.Equal(t, http.StatusCreated, result.Outputs["status_code"])
	headers := result.Outputs["headers"].(map[string]string)
	assert.Equal(t, "test-value", headers["X-Custom"])
	body := result.Outputs["body"].(map[string]any)
	assert.Equal(t, "ok", body["result"])
}

func TestHTTPHandler_ErrorStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryOn   []int
		wantRetry bool
	}{
		{"bad request is terminal", http.StatusBadRequest, nil, false},
		{"503 retried by default", http.StatusServiceUnavailable, nil, true},
		{"500 not in defaults", http.StatusInternalServerError, nil, false},
		{"custom retry list", http.StatusInternalServerError, []int{500}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("nope"))
			}))
			defer server.Close()

			h := &HTTPHandler{URL: server.URL, RetryOn: tt.retryOn}
			result, err := h.Handle(context.Background(), testTicket(nil))
			require.NoError(t, err)
			assert.Contains(t, result.Error, "nope")
			assert.Equal(t, tt.wantRetry, result.Retry)
			assert.Equal(t, tt.status, result.Outputs["status_code"])
			assert.Equal(t, "nope", result.Outputs["body"])
		})
	}
}

func TestHTTPHandler_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	h := &HTTPHandler{URL: server.URL, Timeout: 50 * time.Millisecond}
	_, err := h.Handle(context.Background(), testTicket(nil))
	assert.ErrorIs(t, err, ErrHTTPRequest)
}

func TestHTTPHandler_MissingURL(t *testing.T) {
	h := &HTTPHandler{}
	_, err := h.Handle(context.Background(), testTicket(nil))
	assert.ErrorIs(t, err, ErrHTTPRequest)
}

func TestHTTPHandler_GetHasNoBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.Write([]byte("plain"))
	}))
	defer server.Close()

	h := &HTTPHandler{URL: server.URL, Method: http.MethodGet}
	result, err := h.Handle(context.Background(), testTicket(nil))
	require.NoError(t, err)
	assert.Equal(t, "plain", result.Outputs["body"])
}

// --- DelayHandler Tests ---

func TestDelayHandler_Success(t *testing.T) {
	h := &DelayHandler{Duration: 10 * time.Millisecond}
	start := time.Now()
	result, err := h.Handle(context.Background(), testTicket(nil))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 0.01, result.Outputs["delayed_sec"])
}

func TestDelayHandler_PayloadOverride(t *testing.T) {
	h := &DelayHandler{Duration: time.Hour}
	result, err := h.Handle(context.Background(), testTicket(map[string]any{"duration_sec": 0.01}))
	require.NoError(t, err)
	assert.Equal(t, 0.01, result.Outputs["delayed_sec"])
}

func TestDelayHandler_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	h := &DelayHandler{Duration: time.Hour}
	_, err := h.Handle(ctx, testTicket(nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// --- EchoHandler Tests ---

func TestEchoHandler(t *testing.T) {
	h := &EchoHandler{}

	result, err := h.Handle(context.Background(), testTicket(map[string]any{"title": "x"}))
	require.NoError(t, err)
	assert.Equal(t, "x", result.Outputs["title"])

	result, err = h.Handle(context.Background(), testTicket(nil))
	require.NoError(t, err)
	assert.NotNil(t, result.Outputs)
}

// --- Registry Tests ---

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("worker")
	assert.ErrorIs(t, err, ErrUnknownRole)

	r.Register("worker", Route{Handler: &EchoHandler{}})
	r.Register("reviewer", Route{Handler: &EchoHandler{}, MaxAttempts: 5})

	route, err := r.Get("reviewer")
	require.NoError(t, err)
	assert.Equal(t, 5, route.maxAttempts())

	route, err = r.Get("worker")
	require.NoError(t, err)
	assert.Equal(t, defaultMaxAttempts, route.maxAttempts())

	assert.Equal(t, []string{"reviewer", "worker"}, r.Roles())
}

func TestNewHandler(t *testing.T) {
	h, err := NewHandler(HandlerConfig{Type: "http", URL: "http://localhost"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPHandler{}, h)

	h, err = NewHandler(HandlerConfig{Type: "delay", Delay: time.Second})
	require.NoError(t, err)
	assert.Equal(t, time.Second, h.(*DelayHandler).Duration)

	h, err = NewHandler(HandlerConfig{})
	require.NoError(t, err)
	assert.IsType(t, &EchoHandler{}, h)

	_, err = NewHandler(HandlerConfig{Type: "http"})
	assert.Error(t, err)

	_, err = NewHandler(HandlerConfig{Type: "shell"})
	assert.ErrorIs(t, err, ErrUnknownHandlerType)
}

func TestNewHandler_BadTemplate(t *testing.T) {
	_, err := NewHandler(HandlerConfig{Type: "http", URL: "http://localhost/{{ .Task.id"})
	assert.ErrorIs(t, err, ErrTemplate)

	_, err = NewHandler(HandlerConfig{
		Type:    "http",
		URL:     "http://localhost",
		Headers: map[string]string{"X-Task": "{{ .Task.id "},
	})
	assert.ErrorIs(t, err, ErrTemplate)
}

func TestHTTPHandler_RendersTemplates(t *testing.T) {
	t.Setenv("RELAY_TEST_TOKEN", "secret")

	var path, auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := &HTTPHandler{
		URL:     server.URL + "/tasks/{{ .Task.id }}/{{ .Ticket.Attempt }}",
		Headers: map[string]string{"Authorization": `Bearer {{ env "RELAY_TEST_TOKEN" }}`},
	}
	result, err := h.Handle(context.Background(), testTicket(map[string]any{"id": "bd-1"}))
	require.NoError(t, err)
	assert.Empty(t, result.Error)

	assert.Equal(t, "/tasks/bd-1/1", path)
	assert.Equal(t, "Bearer secret", auth)
}
