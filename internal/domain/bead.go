package domain

import "time"

// DependencyType — тип связи между задачами во внешнем хранилище.
type DependencyType string

const (
	// DependencyBlocks — явный блокер: задача не готова, пока блокер не закрыт.
	DependencyBlocks DependencyType = "blocks"

	// DependencyParentChild — вложенность (задача внутри epic).
	// Готовность никогда не блокирует.
	DependencyParentChild DependencyType = "parent-child"

	DependencyRelated        DependencyType = "related"
	DependencyDiscoveredFrom DependencyType = "discovered-from"
)

// Gates возвращает true, если связь этого типа влияет на готовность.
func (t DependencyType) Gates() bool {
	return t == DependencyBlocks
}

// Dependency — связь задачи с другой задачей.
type Dependency struct {
	// ID — задача, от которой зависит текущая.
	ID string `json:"id"`

	// Type — тип связи.
	Type DependencyType `json:"type"`

	// Status — статус задачи ID, если хранилище его сообщает.
	Status BeadStatus `json:"status,omitempty"`
}

// Bead — задача во внешнем хранилище (beads).
//
// Relay не интерпретирует содержимое задачи: из Bead используются
// только ID, приоритет, метки (для выбора роли) и связи.
type Bead struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Status       BeadStatus   `json:"status"`
	Priority     int          `json:"priority"`
	IssueType    string       `json:"issue_type,omitempty"`
	Labels       []string     `json:"labels,omitempty"`
	Assignee     string       `json:"assignee,omitempty"`
	ParentID     string       `json:"parent_id,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// HasLabel проверяет наличие метки.
func (b *Bead) HasLabel(label string) bool {
	for _, l := range b.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Blockers возвращает ID задач, которые явно блокируют текущую.
// Связи parent-child и связи на собственного родителя не учитываются.
func (b *Bead) Blockers() []string {
	var ids []string
	for _, dep := range b.Dependencies {
		if dep.Type.Gates() && (b.ParentID == "" || dep.ID != b.ParentID) {
			ids = append(ids, dep.ID)
		}
	}
	return ids
}

// Snapshot возвращает payload, который сохраняется в ticket при enqueue.
func (b *Bead) Snapshot() map[string]any {
	snap := map[string]any{
		"id":       b.ID,
		"title":    b.Title,
		"status":   string(b.Status),
		"priority": b.Priority,
	}
	if b.Description != "" {
		snap["description"] = b.Description
	}
	if b.IssueType != "" {
		snap["issue_type"] = b.IssueType
	}
	if len(b.Labels) > 0 {
		labels := make([]any, len(b.Labels))
		for i, l := range b.Labels {
			labels[i] = l
		}
		snap["labels"] = labels
	}
	if b.ParentID != "" {
		snap["parent_id"] = b.ParentID
	}
	return snap
}

// UpdateFields — частичное обновление задачи во внешнем хранилище.
// Пустые поля не меняются.
type UpdateFields struct {
	Status       BeadStatus
	AddLabels    []string
	RemoveLabels []string
	Notes        string
	Assignee     *string
}

// IsEmpty возвращает true, если обновлять нечего.
func (f UpdateFields) IsEmpty() bool {
	return f.Status == "" && len(f.AddLabels) == 0 && len(f.RemoveLabels) == 0 &&
		f.Notes == "" && f.Assignee == nil
}

// CreateOptions — параметры создания задачи.
type CreateOptions struct {
	Description string
	Priority    int
	IssueType   string
	Labels      []string
	ParentID    string
}
