package conductor

import "context"

// scale подгоняет размер пула каждой роли под число queued tickets:
// target = ceil(pending × load_factor), ограниченный [min, max].
func (c *Conductor) scale(ctx context.Context, report *TickReport) {
	report.Pools = make(map[string]int)

	for _, p := range c.snapshotPools() {
		role := p.Role()

		pending, err := c.queue.PendingCount(ctx, role)
		if err != nil {
			c.logger.Error("failed to count pending tickets", "role", role, "error", err)
			c.stageError(report, "scale")
			report.Pools[role] = p.Size()
			continue
		}

		before := p.Size()
		target := p.Target(pending)
		size := p.Resize(target)
		report.Pools[role] = size

		c.metrics.SetPending(role, pending)
		c.metrics.SetPoolSize(role, size, target)

		if size != before {
			c.logger.Info("pool resized",
				"role", role,
				"pending", pending,
				"from", before,
				"to", size,
			)
		}
	}
}
