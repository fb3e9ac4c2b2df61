package conductor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Relay/internal/beads"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/queue"
	"github.com/shaiso/Relay/internal/telemetry"
)

// Write-back outcomes для метрик.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeMissing   = "missing"
	outcomeError     = "error"
)

// WriteBackConfig — как результаты tickets записываются в хранилище.
type WriteBackConfig struct {
	// ClaimedStatus — статус задачи после enqueue (default: in_progress).
	ClaimedStatus domain.BeadStatus

	// SkipClaimUpdate — не менять статус задачи при enqueue.
	SkipClaimUpdate bool

	// CompletedStatus — статус после успешного ticket (default: needs_verification).
	CompletedStatus domain.BeadStatus

	// FailedStatus — статус после неудачного ticket (default: blocked).
	FailedStatus domain.BeadStatus

	// FailedLabel — метка неудачной задачи (default: relay:failed).
	FailedLabel string

	// CreateFollowups — создавать задачу на проверку результата.
	CreateFollowups bool

	// FollowupLabel — метка задачи на проверку (default: relay:verify).
	FollowupLabel string

	// FollowupRole — роль задачи на проверку (опционально).
	FollowupRole string
}

func (w WriteBackConfig) withDefaults() WriteBackConfig {
	if w.ClaimedStatus == "" {
		w.ClaimedStatus = domain.BeadStatusInProgress
	}
	if w.CompletedStatus == "" {
		w.CompletedStatus = domain.BeadStatusNeedsVerification
	}
	if w.FailedStatus == "" {
		w.FailedStatus = domain.BeadStatusBlocked
	}
	if w.FailedLabel == "" {
		w.FailedLabel = "relay:failed"
	}
	if w.FollowupLabel == "" {
		w.FollowupLabel = "relay:verify"
	}
	return w
}

// onQueueEvent — listener очереди. Вызывается синхронно внутри
// операций очереди, поэтому не блокируется.
func (c *Conductor) onQueueEvent(_ context.Context, ev queue.Event) {
	if c.publisher == nil {
		c.HandleEvent(ev)
		return
	}
	select {
	case c.publishCh <- ev:
	default:
		c.logger.Warn("publish buffer full, handling ticket event locally",
			"ticket_id", ev.TicketID,
			"type", ev.Type,
		)
		c.HandleEvent(ev)
	}
}

// startPublisher запускает горутину публикации событий.
func (c *Conductor) startPublisher() {
	ctx, cancel := context.WithCancel(context.Background())
	c.publishCh = make(chan queue.Event, publishBuffer)
	c.publishCancel = cancel

	c.publishWG.Add(1)
	go func() {
		defer c.publishWG.Done()
		c.publishLoop(ctx)
	}()
}

// publishLoop отправляет события брокеру. Событие, которое не удалось
// опубликовать, обрабатывается локально.
func (c *Conductor) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.publishCh:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := c.publisher.PublishTicketEvent(pubCtx, ev)
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() == nil {
				c.logger.Warn("failed to publish ticket event, handling locally",
					"ticket_id", ev.TicketID,
					"type", ev.Type,
					"error", err,
				)
			}
			c.HandleEvent(ev)
		}
	}
}

// HandleEvent ставит write-back финального ticket в очередь обработки.
//
// Не блокируется: если буфер полон, ticket будет записан проходом в tick.
func (c *Conductor) HandleEvent(ev queue.Event) {
	if !ev.Type.IsTerminal() {
		return
	}
	select {
	case c.writeBackCh <- ev.TicketID:
	default:
		c.logger.Debug("write-back buffer full, deferring to tick", "ticket_id", ev.TicketID)
	}
}

// writeBackLoop обрабатывает write-back по событиям.
func (c *Conductor) writeBackLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ticketID := <-c.writeBackCh:
			t, err := c.queue.Get(ctx, ticketID)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("failed to load ticket for write-back", "ticket_id", ticketID, "error", err)
				}
				continue
			}
			if err := c.WriteBack(ctx, t); err != nil && ctx.Err() == nil {
				telemetry.WithTicketID(c.logger, ticketID).Error("write-back failed", "error", err)
			}
		}
	}
}

// writeBackPending записывает все финальные незаписанные tickets.
func (c *Conductor) writeBackPending(ctx context.Context, report *TickReport) {
	tickets, err := c.queue.Unreported(ctx, defaultWriteBackBatch)
	if err != nil {
		c.logger.Error("failed to list unreported tickets", "error", err)
		c.stageError(report, "writeback")
		return
	}

	for i := range tickets {
		if ctx.Err() != nil {
			return
		}
		t := &tickets[i]
		if err := c.WriteBack(ctx, t); err != nil {
			telemetry.WithTicketID(c.logger, t.ID).Error("write-back failed",
				"task_id", t.TaskID,
				"role", t.Role,
				"error", err,
			)
			c.stageError(report, "writeback")
			continue
		}
		report.Reported++
	}
}

// WriteBack записывает результат финального ticket в хранилище и
// помечает ticket записанным. Повторный вызов для записанного ticket
// ничего не делает.
func (c *Conductor) WriteBack(ctx context.Context, t *domain.Ticket) error {
	if !t.IsFinished() {
		return nil
	}

	c.writeBackMu.Lock()
	defer c.writeBackMu.Unlock()

	// Ticket мог быть записан параллельным проходом.
	current, err := c.queue.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	if current.Reported {
		return nil
	}

	logger := telemetry.WithTaskID(telemetry.WithTicketID(c.logger, current.ID), current.TaskID)

	outcome, err := c.applyOutcome(ctx, current)
	if err != nil {
		if !errors.Is(err, beads.ErrNotFound) {
			c.metrics.WriteBack(outcomeError)
			return err
		}
		// Задачи больше нет, записывать некуда.
		logger.Warn("task not found, skipping write-back", "error", err)
		outcome = outcomeMissing
	}

	if err := c.queue.MarkReported(ctx, current.ID); err != nil {
		c.metrics.WriteBack(outcomeError)
		return err
	}

	c.metrics.WriteBack(outcome)
	logger.Info("ticket outcome written back", "status", current.Status, "outcome", outcome)
	return nil
}

// applyOutcome обновляет задачу по статусу ticket.
func (c *Conductor) applyOutcome(ctx context.Context, t *domain.Ticket) (string, error) {
	switch t.Status {
	case domain.TicketStatusCompleted:
		err := c.store.Update(ctx, t.TaskID, domain.UpdateFields{
			Status: c.writeBack.CompletedStatus,
			Notes:  fmt.Sprintf("relay: ticket %s completed (attempt %d)", t.ID, t.Attempts),
		})
		if err != nil {
			return "", fmt.Errorf("update task %s: %w", t.TaskID, err)
		}
		if c.writeBack.CreateFollowups {
			if err := c.createFollowup(ctx, t); err != nil {
				return "", err
			}
		}
		return outcomeCompleted, nil

	case domain.TicketStatusFailed:
		err := c.store.Update(ctx, t.TaskID, domain.UpdateFields{
			Status:    c.writeBack.FailedStatus,
			AddLabels: []string{c.writeBack.FailedLabel},
			Notes:     fmt.Sprintf("relay: ticket %s failed after %d attempt(s): %s", t.ID, t.Attempts, t.Error),
		})
		if err != nil {
			return "", fmt.Errorf("update task %s: %w", t.TaskID, err)
		}
		return outcomeFailed, nil

	default:
		return "", fmt.Errorf("ticket %s is not terminal: %s", t.ID, t.Status)
	}
}

// createFollowup создаёт задачу на проверку результата и связывает её
// с исходной задачей отношением parent-child.
func (c *Conductor) createFollowup(ctx context.Context, t *domain.Ticket) error {
	title := t.TaskID
	priority := t.Priority
	if t.Payload != nil {
		if s, ok := t.Payload["title"].(string); ok && s != "" {
			title = s
		}
	}

	labels := []string{c.writeBack.FollowupLabel}
	if c.writeBack.FollowupRole != "" {
		labels = append(labels, c.roleLabelPrefix+c.writeBack.FollowupRole)
	}

	followupID, err := c.store.Create(ctx, "Verify: "+title, domain.CreateOptions{
		Description: fmt.Sprintf("Verify the output of ticket %s for task %s.", t.ID, t.TaskID),
		Priority:    priority,
		IssueType:   "task",
		Labels:      labels,
	})
	if err != nil {
		return fmt.Errorf("create follow-up for %s: %w", t.TaskID, err)
	}

	if err := c.store.AddDependency(ctx, followupID, t.TaskID); err != nil {
		return fmt.Errorf("link follow-up %s to %s: %w", followupID, t.TaskID, err)
	}

	telemetry.WithTaskID(c.logger, t.TaskID).Info("follow-up task created", "followup_id", followupID)
	return nil
}
