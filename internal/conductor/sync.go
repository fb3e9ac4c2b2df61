package conductor

import (
	"context"
	"fmt"
	"strings"

	"github.com/shaiso/Relay/internal/beads"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/queue"
	"github.com/shaiso/Relay/internal/telemetry"
)

// sync ставит в очередь готовые задачи хранилища.
//
// Задача пропускается, если у неё есть активный ticket или финальный
// ticket, результат которого ещё не записан в хранилище.
func (c *Conductor) sync(ctx context.Context, report *TickReport) {
	ready, err := c.store.ListReady(ctx)
	if err != nil {
		c.logger.Error("failed to list ready tasks", "error", err)
		c.stageError(report, "sync")
		return
	}

	for i := range ready {
		if ctx.Err() != nil {
			return
		}

		b := &ready[i]
		enqueued, err := c.syncBead(ctx, b)
		if err != nil {
			telemetry.WithTaskID(c.logger, b.ID).Error("failed to sync task", "error", err)
			c.stageError(report, "sync")
			continue
		}
		if enqueued {
			report.Enqueued++
		} else {
			report.Skipped++
		}
	}
}

// syncBead ставит одну задачу в очередь. Возвращает false, если задача пропущена.
func (c *Conductor) syncBead(ctx context.Context, b *domain.Bead) (bool, error) {
	// Хранилище уже отфильтровало готовые задачи; parent-child связи
	// здесь повторно не проверяются, только явные блокеры.
	if !beads.IsReady(b, nil) {
		return false, nil
	}

	role := c.roleFor(b)
	if _, ok := c.Pool(role); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	active, err := c.queue.GetActiveTicket(ctx, b.ID)
	if err != nil {
		return false, err
	}
	if active != nil {
		return false, nil
	}

	latest, err := c.queue.LatestTicket(ctx, b.ID)
	if err != nil {
		return false, err
	}
	if latest != nil && latest.IsFinished() && !latest.Reported {
		// Результат ещё не записан: задача вернётся в ready после write-back.
		return false, nil
	}

	// Write-back ticket'а не должен обогнать отметку in_progress.
	c.writeBackMu.Lock()
	defer c.writeBackMu.Unlock()

	ticketID, err := c.queue.Enqueue(ctx, b.ID, max(b.Priority, 0), role, queue.WithPayload(b.Snapshot()))
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}

	logger := telemetry.WithTaskID(telemetry.WithTicketID(c.logger, ticketID), b.ID)
	logger.Info("task enqueued", "role", role, "priority", b.Priority)

	if !c.writeBack.SkipClaimUpdate {
		err := c.store.Update(ctx, b.ID, domain.UpdateFields{Status: c.writeBack.ClaimedStatus})
		if err != nil {
			// Ticket уже создан; повторный enqueue вернёт его же.
			logger.Warn("failed to mark task claimed", "error", err)
		}
	}

	return true, nil
}

// roleFor определяет роль задачи по метке "role:<name>".
func (c *Conductor) roleFor(b *domain.Bead) string {
	for _, label := range b.Labels {
		if role, ok := strings.CutPrefix(label, c.roleLabelPrefix); ok && role != "" {
			return role
		}
	}
	return c.defaultRole
}
