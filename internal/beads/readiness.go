package beads

import "github.com/shaiso/Relay/internal/domain"

// StatusLookup возвращает статус задачи по ID, если он известен.
type StatusLookup func(id string) (domain.BeadStatus, bool)

// IsReady проверяет, что задачу можно отдавать в работу.
//
// Задача готова, если она open и ни одна связь типа blocks не указывает
// на незакрытую задачу. Связи parent-child (epic → задача) готовность
// не блокируют, как и связь любого типа на собственного родителя. Статус блокера берётся из самой связи, затем из lookup;
// блокер с неизвестным статусом считается закрытым, потому что
// хранилище уже отфильтровало такие задачи.
func IsReady(b *domain.Bead, lookup StatusLookup) bool {
	if b.Status != "" && b.Status != domain.BeadStatusOpen {
		return false
	}

	for _, dep := range b.Dependencies {
		if !dep.Type.Gates() || (b.ParentID != "" && dep.ID == b.ParentID) {
			continue
		}
		status := dep.Status
		if status == "" && lookup != nil {
			status, _ = lookup(dep.ID)
		}
		if status != "" && !status.IsResolved() {
			return false
		}
	}
	return true
}

// FilterReady оставляет только готовые задачи, сохраняя порядок.
func FilterReady(beads []domain.Bead, lookup StatusLookup) []domain.Bead {
	ready := make([]domain.Bead, 0, len(beads))
	for i := range beads {
		if IsReady(&beads[i], lookup) {
			ready = append(ready, beads[i])
		}
	}
	return ready
}
