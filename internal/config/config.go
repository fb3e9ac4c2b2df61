package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default configuration values.
const (
	DefaultDBURL           = "relay.db"
	DefaultPort            = "8090"
	DefaultPollInterval    = 5 * time.Second
	DefaultReclaimAfter    = 15 * time.Minute
	DefaultReclaimSchedule = "@every 1m"
	DefaultBeadsBinary     = "bd"

	DefaultRabbitMQReconnectDelay    = time.Second
	DefaultRabbitMQMaxReconnectDelay = 30 * time.Second
)

// envSearchDirs — каталоги поиска .env.
var envSearchDirs = []string{".", ".."}

// Config — конфигурация сервиса.
type Config struct {
	// DBURL — postgres:// URL или путь к файлу SQLite.
	DBURL string

	// RabbitMQURL — брокер событий (пусто — без брокера).
	RabbitMQURL string

	// Пауза переподключения к брокеру удваивается от первого значения до второго.
	RabbitMQReconnectDelay    time.Duration
	RabbitMQMaxReconnectDelay time.Duration

	// Port — порт HTTP API.
	Port string

	// RolesFile — путь к YAML с ролями (пусто — роль worker по умолчанию).
	RolesFile string

	PollInterval    time.Duration
	ReclaimAfter    time.Duration
	ReclaimSchedule string

	// BeadsDir — каталог проекта с .beads (пусто — текущий).
	BeadsDir string

	// BeadsBinary — путь к bd.
	BeadsBinary string

	// BeadsAutoResync — повторять операцию bd после bd sync при устаревании.
	BeadsAutoResync bool

	// Roles — содержимое RolesFile.
	Roles *RolesFile
}

// IsPostgres возвращает true, если DBURL указывает на PostgreSQL.
func (c *Config) IsPostgres() bool {
	return IsPostgresURL(c.DBURL)
}

// IsPostgresURL проверяет схему postgres:// или postgresql://.
func IsPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// Addr возвращает адрес HTTP сервера.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// Load читает .env, переменные окружения и файл ролей.
func Load() (*Config, error) {
	loadEnvFiles()
	return FromEnv()
}

// loadEnvFiles загружает первый найденный .env.
// godotenv.Load не перезаписывает уже заданные переменные.
func loadEnvFiles() {
	for _, dir := range envSearchDirs {
		if err := godotenv.Load(filepath.Join(dir, ".env")); err == nil {
			return
		}
	}
}

// FromEnv собирает Config только из переменных окружения.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DBURL:           getEnv("DB_URL", DefaultDBURL),
		RabbitMQURL:     os.Getenv("RABBITMQ_URL"),
		Port:            getEnv("RELAY_PORT", DefaultPort),
		RolesFile:       os.Getenv("RELAY_ROLES_FILE"),
		ReclaimSchedule: getEnv("RELAY_RECLAIM_SCHEDULE", DefaultReclaimSchedule),
		BeadsDir:        os.Getenv("BEADS_DIR"),
		BeadsBinary:     getEnv("BEADS_BIN", DefaultBeadsBinary),
	}

	var err error
	if cfg.PollInterval, err = getDuration("RELAY_POLL_INTERVAL", DefaultPollInterval); err != nil {
		return nil, err
	}
	if cfg.ReclaimAfter, err = getDuration("RELAY_RECLAIM_AFTER", DefaultReclaimAfter); err != nil {
		return nil, err
	}
	if cfg.RabbitMQReconnectDelay, err = getDuration("RABBITMQ_RECONNECT_DELAY", DefaultRabbitMQReconnectDelay); err != nil {
		return nil, err
	}
	if cfg.RabbitMQMaxReconnectDelay, err = getDuration("RABBITMQ_MAX_RECONNECT_DELAY", DefaultRabbitMQMaxReconnectDelay); err != nil {
		return nil, err
	}
	if cfg.RabbitMQMaxReconnectDelay < cfg.RabbitMQReconnectDelay {
		return nil, fmt.Errorf("%w: RABBITMQ_MAX_RECONNECT_DELAY must be >= RABBITMQ_RECONNECT_DELAY", ErrInvalid)
	}
	if cfg.BeadsAutoResync, err = getBool("BEADS_AUTO_RESYNC", true); err != nil {
		return nil, err
	}

	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return nil, fmt.Errorf("%w: RELAY_PORT %q is not a number", ErrInvalid, cfg.Port)
	}

	if cfg.RolesFile != "" {
		cfg.Roles, err = LoadRoles(cfg.RolesFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg.Roles = DefaultRoles()
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, key, v)
	}
	return d, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return b, nil
}
