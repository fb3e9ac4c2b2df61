package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

const defaultMaxAttempts = 3

// Handler — тело работы для ticket одной роли.
//
// Реализации: HTTPHandler, DelayHandler, EchoHandler.
//
// ticket.Payload содержит снимок задачи на момент enqueue.
// ctx отменяется, когда пул останавливает executor.
type Handler interface {
	Handle(ctx context.Context, ticket *domain.Ticket) (*Result, error)
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, ticket *domain.Ticket) (*Result, error)

// Handle вызывает f.
func (f HandlerFunc) Handle(ctx context.Context, ticket *domain.Ticket) (*Result, error) {
	return f(ctx, ticket)
}

// Result — результат обработки ticket.
type Result struct {
	// Outputs — результат, сохраняется в ticket.output как JSON.
	Outputs map[string]any

	// Error — логическая ошибка (HTTP 500, отказ внешней системы).
	// Инфраструктурные ошибки возвращаются через error в Handle().
	Error string

	// Retry — логическую ошибку можно повторить.
	// Инфраструктурные ошибки повторяются всегда.
	Retry bool
}

// Route — обработка одной роли.
type Route struct {
	Handler Handler

	// Validator проверяет payload до вызова Handler (опционально).
	Validator Validator

	// MaxAttempts — сколько раз ticket можно забрать до финального failed.
	// Default: 3.
	MaxAttempts int
}

func (r Route) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return r.MaxAttempts
}

// Registry — реестр маршрутов по роли.
//
// Безопасен для конкурентного использования: при hot reload
// Conductor заменяет маршруты, пока executors работают.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]Route
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]Route)}
}

// Register добавляет или заменяет маршрут роли.
func (r *Registry) Register(role string, route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[role] = route
}

// Get возвращает маршрут роли.
func (r *Registry) Get(role string) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.routes[role]
	if !ok || route.Handler == nil {
		return Route{}, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return route, nil
}

// Roles возвращает зарегистрированные роли в алфавитном порядке.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := make([]string, 0, len(r.routes))
	for role := range r.routes {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// HandlerConfig — описание handler'а в конфигурации роли.
type HandlerConfig struct {
	// Type — http, delay или echo.
	Type string `yaml:"type" json:"type"`

	// HTTP
	URL     string            `yaml:"url" json:"url,omitempty"`
	Method  string            `yaml:"method" json:"method,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
	RetryOn []int             `yaml:"retry_on" json:"retry_on,omitempty"`

	// Delay
	Delay time.Duration `yaml:"delay" json:"delay,omitempty"`
}

// NewHandler создаёт handler по конфигурации.
func NewHandler(cfg HandlerConfig) (Handler, error) {
	switch cfg.Type {
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: url is required", ErrHTTPRequest)
		}
		if _, err := ParseTemplate(cfg.URL); err != nil {
			return nil, fmt.Errorf("url: %w", err)
		}
		for key, val := range cfg.Headers {
			if _, err := ParseTemplate(val); err != nil {
				return nil, fmt.Errorf("header %s: %w", key, err)
			}
		}
		return &HTTPHandler{
			URL:     cfg.URL,
			Method:  cfg.Method,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout,
			RetryOn: cfg.RetryOn,
		}, nil
	case "delay":
		return &DelayHandler{Duration: cfg.Delay}, nil
	case "echo", "":
		return &EchoHandler{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandlerType, cfg.Type)
	}
}
