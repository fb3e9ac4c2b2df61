package beads

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

// beadRecord — задача в JSON-выводе bd.
//
// bd разных версий пишет связи по-разному, поэтому поддерживаются
// несколько вариантов имён полей.
type beadRecord struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	Description  string             `json:"description"`
	Status       string             `json:"status"`
	Priority     json.Number        `json:"priority"`
	IssueType    string             `json:"issue_type"`
	Labels       []string           `json:"labels"`
	Tags         []string           `json:"tags"`
	Assignee     string             `json:"assignee"`
	Parent       string             `json:"parent"`
	ParentID     string             `json:"parent_id"`
	Notes        string             `json:"notes"`
	Dependencies []dependencyRecord `json:"dependencies"`
	BlockedBy    []string           `json:"blockedBy"`
	BlockedByAlt []string           `json:"blocked_by"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type dependencyRecord struct {
	ID          string `json:"id"`
	DependsOnID string `json:"depends_on_id"`
	Type        string `json:"type"`
	TypeAlt     string `json:"dependency_type"`
	Status      string `json:"status"`
}

// parseBeadRecords разбирает массив задач или объект {"items": [...]}.
func parseBeadRecords(data []byte) ([]beadRecord, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var arr []beadRecord
	if err := decoder.Decode(&arr); err == nil {
		return arr, nil
	}

	decoder = json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var wrapper struct {
		Items []beadRecord `json:"items"`
	}
	if err := decoder.Decode(&wrapper); err == nil && wrapper.Items != nil {
		return wrapper.Items, nil
	}

	decoder = json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var single beadRecord
	if err := decoder.Decode(&single); err == nil && single.ID != "" {
		return []beadRecord{single}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnexpectedOutput, truncate(string(trimmed), 120))
}

// toBead переводит запись bd в domain.Bead.
func (rec beadRecord) toBead() domain.Bead {
	b := domain.Bead{
		ID:          strings.TrimSpace(rec.ID),
		Title:       strings.TrimSpace(rec.Title),
		Description: rec.Description,
		Status:      domain.BeadStatus(rec.Status),
		IssueType:   rec.IssueType,
		Labels:      dedupeStrings(append(append([]string{}, rec.Labels...), rec.Tags...)),
		Assignee:    rec.Assignee,
		ParentID:    strings.TrimSpace(firstNonEmpty(rec.ParentID, rec.Parent)),
		Notes:       rec.Notes,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if p, err := rec.Priority.Int64(); err == nil {
		b.Priority = int(p)
	}

	// Родитель нужен до разбора связей: нетипизированная связь
	// на родителя — это вложенность, а не блокер.
	if b.ParentID == "" {
		for _, dep := range rec.Dependencies {
			if domain.DependencyType(firstNonEmpty(dep.Type, dep.TypeAlt)) == domain.DependencyParentChild {
				b.ParentID = strings.TrimSpace(firstNonEmpty(dep.DependsOnID, dep.ID))
				break
			}
		}
	}

	seen := make(map[string]bool)
	for _, dep := range rec.Dependencies {
		id := strings.TrimSpace(firstNonEmpty(dep.DependsOnID, dep.ID))
		if id == "" || id == b.ID {
			continue
		}
		typ := domain.DependencyType(firstNonEmpty(dep.Type, dep.TypeAlt))
		if typ == "" {
			typ = domain.DependencyBlocks
			if id == b.ParentID {
				typ = domain.DependencyParentChild
			}
		}
		key := string(typ) + "/" + id
		if seen[key] {
			continue
		}
		seen[key] = true
		b.Dependencies = append(b.Dependencies, domain.Dependency{
			ID:     id,
			Type:   typ,
			Status: domain.BeadStatus(dep.Status),
		})
	}

	// blocked_by перечисляет незакрытые блокеры; старые версии bd
	// включают туда и открытый epic-родитель.
	for _, id := range dedupeStrings(append(append([]string{}, rec.BlockedBy...), rec.BlockedByAlt...)) {
		key := string(domain.DependencyBlocks) + "/" + id
		if seen[key] || id == b.ParentID {
			continue
		}
		seen[key] = true
		b.Dependencies = append(b.Dependencies, domain.Dependency{
			ID:     id,
			Type:   domain.DependencyBlocks,
			Status: domain.BeadStatusOpen,
		})
	}
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
