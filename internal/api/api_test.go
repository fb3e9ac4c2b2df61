package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shaiso/Relay/internal/beads"
	"github.com/shaiso/Relay/internal/conductor"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/pool"
	"github.com/shaiso/Relay/internal/queue"
	"github.com/shaiso/Relay/internal/repo"
	"github.com/shaiso/Relay/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	server    *httptest.Server
	queue     *queue.Queue
	store     *beads.MemoryStore
	conductor *conductor.Conductor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	sqlite, err := repo.OpenSQLite(ctx, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	q := queue.New(queue.Config{Store: sqlite, Metrics: metrics})
	store := beads.NewMemoryStore()

	c, err := conductor.New(conductor.Config{
		Queue: q,
		Store: store,
		Executor: pool.ExecutorFunc(func(ctx context.Context, _, _ string) error {
			<-ctx.Done()
			return ctx.Err()
		}),
		Roles:   []conductor.RoleConfig{{Name: "worker", MinWorkers: 1, MaxWorkers: 4, LoadFactor: 1}},
		Metrics: metrics,
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	h := NewHandler(Config{Queue: q, Conductor: c, Gatherer: reg})
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	return &testServer{server: srv, queue: q, store: store, conductor: c}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.server.URL+path, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeData[T any](t *testing.T, body []byte) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Data
}

func decodeError(t *testing.T, body []byte) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Error
}

func (s *testServer) enqueue(t *testing.T, taskID string) string {
	t.Helper()
	id, err := s.queue.Enqueue(context.Background(), taskID, 1, "worker")
	require.NoError(t, err)
	return id
}

func TestListTickets(t *testing.T) {
	s := newTestServer(t)
	s.enqueue(t, "bd-1")
	s.enqueue(t, "bd-2")

	resp, body := s.do(t, http.MethodGet, "/api/v1/tickets", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tickets := decodeData[[]TicketResponse](t, body)
	assert.Len(t, tickets, 2)

	resp, body = s.do(t, http.MethodGet, "/api/v1/tickets?task_id=bd-2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tickets = decodeData[[]TicketResponse](t, body)
	require.Len(t, tickets, 1)
	assert.Equal(t, "bd-2", tickets[0].TaskID)
	assert.Equal(t, "queued", tickets[0].Status)
}

func TestListTickets_BadQuery(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		query string
	}{
		{"bad limit", "limit=ten"},
		{"negative offset", "offset=-1"},
		{"unknown status", "status=lost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, http.MethodGet, "/api/v1/tickets?"+tt.query, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, ErrCodeBadRequest, decodeError(t, body).Code)
		})
	}
}

func TestGetTicket(t *testing.T) {
	s := newTestServer(t)
	id := s.enqueue(t, "bd-1")

	resp, body := s.do(t, http.MethodGet, "/api/v1/tickets/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, decodeData[TicketResponse](t, body).ID)

	resp, body = s.do(t, http.MethodGet, "/api/v1/tickets/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, body).Code)
}

func TestRequeueTicket(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id := s.enqueue(t, "bd-1")

	claimed, err := s.queue.Claim(ctx, "exec-1", "worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	resp, body := s.do(t, http.MethodPost, "/api/v1/tickets/"+id+"/requeue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ticket := decodeData[TicketResponse](t, body)
	assert.Equal(t, "queued", ticket.Status)
	assert.Empty(t, ticket.ClaimedBy)

	require.NoError(t, s.queue.Complete(ctx, id, domain.TextOutput("done")))

	resp, body = s.do(t, http.MethodPost, "/api/v1/tickets/"+id+"/requeue", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, ErrCodeInvalidState, decodeError(t, body).Code)
}

func TestFailTicket(t *testing.T) {
	s := newTestServer(t)
	id := s.enqueue(t, "bd-1")

	resp, body := s.do(t, http.MethodPost, "/api/v1/tickets/"+id+"/fail", FailTicketRequest{Reason: "obsolete"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ticket := decodeData[TicketResponse](t, body)
	assert.Equal(t, "failed", ticket.Status)
	assert.Equal(t, "obsolete", ticket.Error)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/tickets/"+id+"/fail", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/tickets/missing/fail", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskTicketAndOutput(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resp, _ := s.do(t, http.MethodGet, "/api/v1/tasks/bd-1/ticket", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	id := s.enqueue(t, "bd-1")

	resp, body := s.do(t, http.MethodGet, "/api/v1/tasks/bd-1/ticket", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, decodeData[TicketResponse](t, body).ID)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/tasks/bd-1/output", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err := s.queue.Claim(ctx, "exec-1", "worker")
	require.NoError(t, err)
	require.NoError(t, s.queue.Complete(ctx, id, json.RawMessage(`{"ok":true}`)))

	// После завершения возвращается последний ticket.
	resp, body = s.do(t, http.MethodGet, "/api/v1/tasks/bd-1/ticket", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", decodeData[TicketResponse](t, body).Status)

	resp, body = s.do(t, http.MethodGet, "/api/v1/tasks/bd-1/output", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeData[TaskOutputResponse](t, body)
	assert.Equal(t, "bd-1", out.TaskID)
	assert.JSONEq(t, `{"ok":true}`, string(out.Output))
}

func TestTickAndPools(t *testing.T) {
	s := newTestServer(t)
	for _, id := range []string{"bd-1", "bd-2", "bd-3"} {
		s.store.Put(domain.Bead{ID: id, Title: id, Priority: 1})
	}

	resp, body := s.do(t, http.MethodPost, "/api/v1/tick", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeData[TickResponse](t, body)
	assert.Equal(t, 3, report.Enqueued)
	assert.Equal(t, 3, report.Pools["worker"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/pools", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pools := decodeData[[]PoolResponse](t, body)
	require.Len(t, pools, 1)
	assert.Equal(t, "worker", pools[0].Role)
	assert.Equal(t, 3, pools[0].Size)
	assert.Equal(t, 3, pools[0].Pending)
	assert.Len(t, pools[0].Executors, 3)

	resp, body = s.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeData[[]domain.RoleStats](t, body)
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Queued)
}

func TestTick_Stopped(t *testing.T) {
	s := newTestServer(t)
	s.conductor.Stop()

	resp, body := s.do(t, http.MethodPost, "/api/v1/tick", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, ErrCodeUnavailable, decodeError(t, body).Code)

	resp, _ = s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	_, _ = s.do(t, http.MethodPost, "/api/v1/tick", nil)

	resp, body = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "relay_tick_duration_seconds"))
}

func TestRecovery(t *testing.T) {
	logger := telemetry.NewLogger(io.Discard, "text", slog.LevelError)
	h := Chain(Recovery(logger), Logging(logger))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
