package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/shaiso/Relay/internal/domain"
)

// Default configuration values.
const defaultBinary = "bd"

// CommandRunner запускает внешнюю команду в каталоге dir.
// Возвращает stdout; при ошибке текст stderr должен быть в error.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner — CommandRunner поверх os/exec.
type ExecRunner struct{}

// Run запускает команду и возвращает stdout.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), fmt.Errorf("%s %s failed: %s", name, strings.Join(args, " "), msg)
	}
	return stdout.Bytes(), nil
}

// Шаблоны сообщений bd для классификации ошибок.
var (
	notFoundPattern = regexp.MustCompile(`(?i)(not found|no issue|unknown issue|does not exist)`)
	stalePattern    = regexp.MustCompile(`(?i)(out of sync|stale|newer than|needs? (re)?import|run 'bd sync')`)
	beadIDPattern   = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9]*-[a-zA-Z0-9.]+\b`)
)

// Client — хранилище задач поверх CLI bd.
//
// Все операции выполняются командой bd в каталоге Dir. Если AutoResync
// включён, операция, упавшая с ErrStale, повторяется один раз после
// bd sync (см. WithResync).
type Client struct {
	dir        string
	binary     string
	runner     CommandRunner
	autoResync bool
	logger     *slog.Logger
}

// Config — конфигурация Client.
type Config struct {
	// Dir — каталог проекта с .beads.
	Dir string

	// Binary — путь к bd (default: "bd").
	Binary string

	// Runner (опционально; если nil — ExecRunner).
	Runner CommandRunner

	// AutoResync — повторять операцию после bd sync при ErrStale.
	AutoResync bool

	// Logger
	Logger *slog.Logger
}

// NewClient создаёт новый Client.
func NewClient(cfg Config) *Client {
	binary := cfg.Binary
	if binary == "" {
		binary = defaultBinary
	}

	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		dir:        cfg.Dir,
		binary:     binary,
		runner:     runner,
		autoResync: cfg.AutoResync,
		logger:     logger,
	}
}

// ListReady возвращает готовые задачи.
//
// Основной источник — bd ready. Некоторые версии bd не отдают задачи
// внутри открытого epic, поэтому открытые задачи из bd list проверяются
// повторно на стороне Relay. Если bd list недоступен, остаётся вывод
// bd ready.
func (c *Client) ListReady(ctx context.Context) ([]domain.Bead, error) {
	return withAutoResync(ctx, c, func(ctx context.Context) ([]domain.Bead, error) {
		ready, err := c.listBeads(ctx, "ready", "--json")
		if err != nil {
			return nil, err
		}
		ready = FilterReady(ready, nil)

		open, err := c.listBeads(ctx, "list", "--status", string(domain.BeadStatusOpen), "--json")
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Debug("bd list unavailable, using bd ready only", "error", err)
			return ready, nil
		}
		return mergeContained(ready, open), nil
	})
}

// listBeads выполняет команду bd и разбирает список задач.
func (c *Client) listBeads(ctx context.Context, args ...string) ([]domain.Bead, error) {
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	records, err := parseBeadRecords(out)
	if err != nil {
		return nil, err
	}

	beads := make([]domain.Bead, 0, len(records))
	for _, rec := range records {
		b := rec.toBead()
		if b.ID == "" {
			continue
		}
		beads = append(beads, b)
	}
	return beads, nil
}

// mergeContained дополняет ready открытыми задачами, которых bd ready
// не вернул. Для таких задач блокер без известного статуса считается
// открытым: bd ready их уже отфильтровал, и снимается только исключение
// для связи с родителем.
func mergeContained(ready, open []domain.Bead) []domain.Bead {
	seen := make(map[string]bool, len(ready))
	for _, b := range ready {
		seen[b.ID] = true
	}
	strict := func(string) (domain.BeadStatus, bool) {
		return domain.BeadStatusOpen, true
	}

	merged := ready
	for i := range open {
		b := &open[i]
		if seen[b.ID] || b.ParentID == "" {
			continue
		}
		if IsReady(b, strict) {
			seen[b.ID] = true
			merged = append(merged, *b)
		}
	}
	return merged
}

// Get возвращает задачу по ID.
func (c *Client) Get(ctx context.Context, id string) (*domain.Bead, error) {
	return withAutoResync(ctx, c, func(ctx context.Context) (*domain.Bead, error) {
		out, err := c.run(ctx, "show", id, "--json")
		if err != nil {
			return nil, err
		}
		records, err := parseBeadRecords(out)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if strings.TrimSpace(rec.ID) == id {
				b := rec.toBead()
				return &b, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	})
}

// Update частично обновляет задачу.
func (c *Client) Update(ctx context.Context, id string, fields domain.UpdateFields) error {
	if fields.IsEmpty() {
		return nil
	}
	_, err := withAutoResync(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.update(ctx, id, fields)
	})
	return err
}

func (c *Client) update(ctx context.Context, id string, fields domain.UpdateFields) error {
	args := []string{"update", id}
	if fields.Status != "" {
		args = append(args, "--status", string(fields.Status))
	}
	if fields.Notes != "" {
		args = append(args, "--notes", fields.Notes)
	}
	if fields.Assignee != nil {
		args = append(args, "--assignee", *fields.Assignee)
	}
	if len(args) > 2 {
		if _, err := c.run(ctx, append(args, "--json")...); err != nil {
			return err
		}
	}

	for _, label := range fields.AddLabels {
		if _, err := c.run(ctx, "label", "add", id, label); err != nil {
			return err
		}
	}
	for _, label := range fields.RemoveLabels {
		if _, err := c.run(ctx, "label", "remove", id, label); err != nil {
			return err
		}
	}
	return nil
}

// Create создаёт задачу и возвращает её ID.
func (c *Client) Create(ctx context.Context, title string, opts domain.CreateOptions) (string, error) {
	return withAutoResync(ctx, c, func(ctx context.Context) (string, error) {
		args := []string{"create", title, "-p", strconv.Itoa(opts.Priority)}
		if opts.IssueType != "" {
			args = append(args, "-t", opts.IssueType)
		}
		if opts.Description != "" {
			args = append(args, "-d", opts.Description)
		}
		if len(opts.Labels) > 0 {
			args = append(args, "-l", strings.Join(opts.Labels, ","))
		}
		if opts.ParentID != "" {
			args = append(args, "--parent", opts.ParentID)
		}
		args = append(args, "--json")

		out, err := c.run(ctx, args...)
		if err != nil {
			return "", err
		}

		var resp struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(out, &resp) == nil && strings.TrimSpace(resp.ID) != "" {
			return strings.TrimSpace(resp.ID), nil
		}
		if id := beadIDPattern.FindString(string(out)); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("%w: unable to parse bead id from %s", ErrUnexpectedOutput, truncate(string(out), 120))
	})
}

// AddDependency связывает задачи отношением parent-child.
func (c *Client) AddDependency(ctx context.Context, childID, parentID string) error {
	_, err := withAutoResync(ctx, c, func(ctx context.Context) (struct{}, error) {
		_, err := c.run(ctx, "dep", "add", childID, parentID, "--type", string(domain.DependencyParentChild))
		return struct{}{}, err
	})
	return err
}

// Sync синхронизирует локальную БД bd с JSONL.
func (c *Client) Sync(ctx context.Context) error {
	c.logger.Info("syncing bead store", "dir", c.dir)
	if _, err := c.run(ctx, "sync"); err != nil {
		return err
	}
	return nil
}

// run запускает bd и классифицирует ошибку.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := c.runner.Run(ctx, c.dir, c.binary, args...)
	if err == nil {
		return out, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	msg := err.Error()
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrCommand, msg)
	case stalePattern.MatchString(msg):
		return nil, fmt.Errorf("%w: %s", ErrStale, msg)
	case notFoundPattern.MatchString(msg):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, msg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrCommand, msg)
	}
}

// withAutoResync применяет WithResync, если он включён.
func withAutoResync[T any](ctx context.Context, c *Client, op func(ctx context.Context) (T, error)) (T, error) {
	if !c.autoResync {
		return op(ctx)
	}
	result, err := WithResync(ctx, c.Sync, op)
	if err != nil && errors.Is(err, ErrStale) {
		c.logger.Warn("bead store still stale after resync", "error", err)
	}
	return result, err
}
