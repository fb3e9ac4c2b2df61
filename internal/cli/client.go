package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// TicketResponse — ticket из API.
type TicketResponse struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Priority  int             `json:"priority"`
	Role      string          `json:"role"`
	Status    string          `json:"status"`
	ClaimedBy string          `json:"claimed_by,omitempty"`
	ClaimedAt string          `json:"claimed_at,omitempty"`
	Attempts  int             `json:"attempts"`
	Payload   map[string]any  `json:"payload,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Reported  bool            `json:"reported"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// TaskOutputResponse — результат задачи из API.
type TaskOutputResponse struct {
	TaskID string          `json:"task_id"`
	Output json.RawMessage `json:"output"`
}

// PoolResponse — пул роли из API.
type PoolResponse struct {
	Role       string   `json:"role"`
	Size       int      `json:"size"`
	MinWorkers int      `json:"min_workers"`
	MaxWorkers int      `json:"max_workers"`
	LoadFactor float64  `json:"load_factor"`
	Pending    int      `json:"pending"`
	Executors  []string `json:"executors"`
}

// RoleStatsResponse — счётчики tickets роли из API.
type RoleStatsResponse struct {
	Role       string `json:"role"`
	Queued     int    `json:"queued"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
}

// TickResponse — отчёт tick из API.
type TickResponse struct {
	Enqueued   int            `json:"enqueued"`
	Skipped    int            `json:"skipped"`
	Reclaimed  int            `json:"reclaimed"`
	Reported   int            `json:"reported"`
	Errors     int            `json:"errors"`
	Pools      map[string]int `json:"pools"`
	DurationMs int64          `json:"duration_ms"`
}

// --- Request types ---

// FailTicketRequest — принудительный провал ticket.
type FailTicketRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ListTicketsOpts — параметры фильтрации tickets.
type ListTicketsOpts struct {
	TaskID string
	Role   string
	Status string
	Limit  int
	Offset int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Relay API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Tickets ---

// ListTickets возвращает tickets с фильтрацией.
func (c *Client) ListTickets(opts ListTicketsOpts) ([]TicketResponse, error) {
	params := url.Values{}
	if opts.TaskID != "" {
		params.Set("task_id", opts.TaskID)
	}
	if opts.Role != "" {
		params.Set("role", opts.Role)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	var tickets []TicketResponse
	err := c.list("/api/v1/tickets", params, &tickets)
	return tickets, err
}

// GetTicket возвращает ticket по ID.
func (c *Client) GetTicket(id string) (*TicketResponse, error) {
	var ticket TicketResponse
	err := c.get("/api/v1/tickets/"+url.PathEscape(id), &ticket)
	return &ticket, err
}

// RequeueTicket возвращает забранный ticket в очередь.
func (c *Client) RequeueTicket(id string) (*TicketResponse, error) {
	var ticket TicketResponse
	err := c.post("/api/v1/tickets/"+url.PathEscape(id)+"/requeue", nil, &ticket)
	return &ticket, err
}

// FailTicket переводит ticket в failed.
func (c *Client) FailTicket(id, reason string) (*TicketResponse, error) {
	var ticket TicketResponse
	err := c.post("/api/v1/tickets/"+url.PathEscape(id)+"/fail", FailTicketRequest{Reason: reason}, &ticket)
	return &ticket, err
}

// --- Tasks ---

// GetTaskTicket возвращает активный или последний ticket задачи.
func (c *Client) GetTaskTicket(taskID string) (*TicketResponse, error) {
	var ticket TicketResponse
	err := c.get("/api/v1/tasks/"+url.PathEscape(taskID)+"/ticket", &ticket)
	return &ticket, err
}

// GetTaskOutput возвращает результат задачи.
func (c *Client) GetTaskOutput(taskID string) (*TaskOutputResponse, error) {
	var out TaskOutputResponse
	err := c.get("/api/v1/tasks/"+url.PathEscape(taskID)+"/output", &out)
	return &out, err
}

// --- Conductor ---

// ListPools возвращает пулы executor'ов.
func (c *Client) ListPools() ([]PoolResponse, error) {
	var pools []PoolResponse
	err := c.list("/api/v1/pools", nil, &pools)
	return pools, err
}

// Stats возвращает счётчики tickets по ролям.
func (c *Client) Stats() ([]RoleStatsResponse, error) {
	var stats []RoleStatsResponse
	err := c.list("/api/v1/stats", nil, &stats)
	return stats, err
}

// Tick запускает внеочередной tick.
func (c *Client) Tick() (*TickResponse, error) {
	var report TickResponse
	err := c.post("/api/v1/tick", nil, &report)
	return &report, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
