package conductor

import "context"

// reclaimIfDue запускает reclaim, если наступило время по расписанию.
// Первый tick выполняет reclaim сразу.
func (c *Conductor) reclaimIfDue(ctx context.Context, report *TickReport) {
	now := c.now()
	if !c.nextReclaim.IsZero() && now.Before(c.nextReclaim) {
		return
	}
	c.nextReclaim = c.reclaimSchedule.Next(now)

	n, err := c.Reclaim(ctx)
	if err != nil {
		c.logger.Error("reclaim failed", "error", err)
		c.stageError(report, "reclaim")
		return
	}
	report.Reclaimed += n
}

// Reclaim возвращает в очередь processing tickets, забранные раньше
// now - ReclaimAfter executor'ами, которых нет ни в одном пуле.
func (c *Conductor) Reclaim(ctx context.Context) (int, error) {
	var live []string
	for _, p := range c.snapshotPools() {
		live = append(live, p.Live()...)
	}

	cutoff := c.now().Add(-c.reclaimAfter)
	tickets, err := c.queue.Reclaim(ctx, cutoff, live)
	if err != nil {
		return 0, err
	}

	perRole := make(map[string]int)
	for _, t := range tickets {
		perRole[t.Role]++
	}
	for role, n := range perRole {
		c.metrics.Reclaimed(role, n)
	}
	return len(tickets), nil
}
