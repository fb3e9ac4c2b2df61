package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/shaiso/Relay/internal/domain"
)

// TemplateData — данные для шаблонов URL и заголовков HTTPHandler.
//
//	{{ .Ticket.ID }}, {{ .Ticket.Attempt }}
//	{{ .Task.id }}, {{ .Task.title }}  — поля снимка задачи
//	{{ env "API_TOKEN" }}
type TemplateData struct {
	Ticket TicketData
	Task   map[string]any
}

// TicketData — поля ticket, доступные в шаблоне.
type TicketData struct {
	ID      string
	TaskID  string
	Role    string
	Attempt int
}

// NewTemplateData собирает данные шаблона из ticket.
func NewTemplateData(t *domain.Ticket) *TemplateData {
	task := t.Payload
	if task == nil {
		task = make(map[string]any)
	}
	return &TemplateData{
		Ticket: TicketData{
			ID:      t.ID,
			TaskID:  t.TaskID,
			Role:    t.Role,
			Attempt: t.Attempts,
		},
		Task: task,
	}
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			return v
		}
		return nil
	},

	"env":       os.Getenv,
	"join":      func(sep string, items []string) string { return strings.Join(items, sep) },
	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
}

// Template — разобранный шаблон строки. Строка без "{{" возвращается как есть.
type Template struct {
	raw  string
	tmpl *template.Template
}

// ParseTemplate разбирает шаблон. Ошибка разбора оборачивает ErrTemplate.
func ParseTemplate(s string) (*Template, error) {
	if !strings.Contains(s, "{{") {
		return &Template{raw: s}, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=zero").Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return &Template{raw: s, tmpl: t}, nil
}

// Render подставляет данные в шаблон.
func (t *Template) Render(data *TemplateData) (string, error) {
	if t.tmpl == nil {
		return t.raw, nil
	}

	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplate, err)
	}

	// Отсутствующий ключ map при missingkey=zero печатается как "<no value>".
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// Render разбирает и рендерит строковый шаблон за один вызов.
func Render(s string, data *TemplateData) (string, error) {
	t, err := ParseTemplate(s)
	if err != nil {
		return "", err
	}
	return t.Render(data)
}

// renderHeaders рендерит значения заголовков.
func renderHeaders(headers map[string]string, data *TemplateData) (map[string]string, error) {
	if len(headers) == 0 {
		return nil, nil
	}

	result := make(map[string]string, len(headers))
	for key, val := range headers {
		rendered, err := Render(val, data)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", key, err)
		}
		result[key] = rendered
	}
	return result, nil
}
