package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default configuration values.
const (
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
)

// ConnectionConfig — параметры соединения с брокером.
type ConnectionConfig struct {
	// URL — amqp:// адрес брокера (обязательно).
	URL string

	// ReconnectDelay — первая пауза перед переподключением (default: 1s).
	ReconnectDelay time.Duration

	// MaxReconnectDelay — предел удвоения паузы (default: 30s).
	MaxReconnectDelay time.Duration

	// Logger
	Logger *slog.Logger
}

// Connection держит AMQP соединение и восстанавливает его после разрыва.
//
// Канал публикации общий. Consumer открывает собственный канал через
// OpenChannel, чтобы prefetch и доставка не мешали Publisher.
type Connection struct {
	cfg    ConnectionConfig
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	publish *amqp.Channel
	// reconnected закрывается после каждого успешного переподключения
	// и заменяется новым.
	reconnected chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Dial подключается к брокеру и запускает наблюдение за соединением.
func Dial(cfg ConnectionConfig) (*Connection, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = max(DefaultMaxReconnectDelay, cfg.ReconnectDelay)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		cfg:         cfg,
		logger:      logger.With("component", "rabbitmq"),
		reconnected: make(chan struct{}),
		done:        make(chan struct{}),
	}

	closed, err := c.open()
	if err != nil {
		return nil, err
	}
	c.logger.Info("connected to rabbitmq")

	go c.supervise(closed)
	return c, nil
}

// open устанавливает соединение и канал публикации. Возвращает канал
// уведомления о разрыве нового соединения.
func (c *Connection) open() (<-chan *amqp.Error, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		conn.Close()
		return nil, ErrClosed
	default:
	}
	c.conn, c.publish = conn, ch
	return closed, nil
}

// supervise ждёт разрыва и переподключается, пока не вызван Close.
func (c *Connection) supervise(closed <-chan *amqp.Error) {
	for {
		select {
		case <-c.done:
			return
		case amqpErr := <-closed:
			c.mu.Lock()
			c.publish = nil
			c.mu.Unlock()
			c.logger.Warn("rabbitmq connection lost", "error", amqpErr)
		}

		next, ok := c.redial()
		if !ok {
			return
		}
		closed = next

		c.mu.Lock()
		close(c.reconnected)
		c.reconnected = make(chan struct{})
		c.mu.Unlock()
		c.logger.Info("reconnected to rabbitmq")
	}
}

// redial повторяет подключение с удвоением паузы. Возвращает false,
// если соединение закрыто во время ожидания.
func (c *Connection) redial() (<-chan *amqp.Error, bool) {
	delay := c.cfg.ReconnectDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-c.done:
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		closed, err := c.open()
		if err == nil {
			return closed, true
		}
		c.logger.Warn("rabbitmq reconnect failed", "delay", delay, "error", err)
		delay = min(delay*2, c.cfg.MaxReconnectDelay)
	}
}

// Reconnected возвращает канал, который закроется при следующем
// успешном переподключении.
func (c *Connection) Reconnected() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnected
}

// Done закрывается после Close.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// WithChannel выполняет fn с каналом публикации.
// Пока соединение восстанавливается, возвращает ErrNoChannel.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	ch := c.publish
	c.mu.RUnlock()

	if ch == nil || ch.IsClosed() {
		return ErrNoChannel
	}
	return fn(ch)
}

// OpenChannel открывает отдельный канал на текущем соединении.
func (c *Connection) OpenChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, ErrNoChannel
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// IsConnected сообщает, открыто ли соединение.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close останавливает переподключение и закрывает соединение.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.conn, c.publish = nil, nil
		c.mu.Unlock()

		if conn != nil && !conn.IsClosed() {
			// Закрытие соединения закрывает и все его каналы.
			if cerr := conn.Close(); cerr != nil {
				err = fmt.Errorf("close connection: %w", cerr)
			}
		}
		c.logger.Info("rabbitmq connection closed")
	})
	return err
}
