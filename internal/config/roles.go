package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shaiso/Relay/internal/conductor"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/worker"
	"gopkg.in/yaml.v3"
)

// RolesFile — содержимое YAML-файла ролей.
//
//	default_role: worker
//	writeback:
//	  completed_status: needs_verification
//	  create_followups: true
//	  followup_role: reviewer
//	roles:
//	  - name: worker
//	    min_workers: 1
//	    max_workers: 8
//	    load_factor: 0.5
//	    max_attempts: 3
//	    handler:
//	      type: http
//	      url: http://localhost:9000/run
//	      timeout: 30s
//	    schema:
//	      type: object
//	      required: [id, title]
type RolesFile struct {
	DefaultRole     string          `yaml:"default_role"`
	RoleLabelPrefix string          `yaml:"role_label_prefix"`
	WriteBack       WriteBackConfig `yaml:"writeback"`
	Roles           []RoleSpec      `yaml:"roles"`
}

// RoleSpec — одна роль: границы пула и handler.
type RoleSpec struct {
	Name        string               `yaml:"name"`
	MinWorkers  int                  `yaml:"min_workers"`
	MaxWorkers  int                  `yaml:"max_workers"`
	LoadFactor  float64              `yaml:"load_factor"`
	MaxAttempts int                  `yaml:"max_attempts"`
	Handler     worker.HandlerConfig `yaml:"handler"`

	// Schema — схема payload в диалекте OpenAPI 3 (опционально).
	Schema map[string]any `yaml:"schema"`
}

// WriteBackConfig — секция writeback.
type WriteBackConfig struct {
	ClaimedStatus   string `yaml:"claimed_status"`
	SkipClaimUpdate bool   `yaml:"skip_claim_update"`
	CompletedStatus string `yaml:"completed_status"`
	FailedStatus    string `yaml:"failed_status"`
	FailedLabel     string `yaml:"failed_label"`
	CreateFollowups bool   `yaml:"create_followups"`
	FollowupLabel   string `yaml:"followup_label"`
	FollowupRole    string `yaml:"followup_role"`
}

// DefaultRoles возвращает одну роль worker с echo handler'ом.
func DefaultRoles() *RolesFile {
	return &RolesFile{
		Roles: []RoleSpec{{
			Name:       "worker",
			MinWorkers: 1,
			MaxWorkers: 4,
			LoadFactor: 1.0,
			Handler:    worker.HandlerConfig{Type: "echo"},
		}},
	}
}

// LoadRoles читает и проверяет файл ролей.
func LoadRoles(path string) (*RolesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}
	rf, err := ParseRoles(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rf, nil
}

// ParseRoles разбирает YAML. Неизвестные поля считаются ошибкой.
func ParseRoles(data []byte) (*RolesFile, error) {
	var rf RolesFile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalid, err)
	}

	if err := rf.Validate(); err != nil {
		return nil, err
	}
	return &rf, nil
}

// Validate проверяет роли, handlers и схемы.
func (rf *RolesFile) Validate() error {
	if len(rf.Roles) == 0 {
		return fmt.Errorf("%w: at least one role is required", ErrInvalid)
	}

	seen := make(map[string]bool, len(rf.Roles))
	for _, spec := range rf.Roles {
		if err := spec.Pool().Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if seen[spec.Name] {
			return fmt.Errorf("%w: duplicate role %s", ErrInvalid, spec.Name)
		}
		seen[spec.Name] = true

		if spec.MaxAttempts < 0 {
			return fmt.Errorf("%w: role %s: max_attempts must be >= 0", ErrInvalid, spec.Name)
		}
		if _, err := spec.Route(); err != nil {
			return fmt.Errorf("%w: role %s: %w", ErrInvalid, spec.Name, err)
		}
	}

	if rf.DefaultRole != "" && !seen[rf.DefaultRole] {
		return fmt.Errorf("%w: default_role %s is not defined", ErrInvalid, rf.DefaultRole)
	}
	if r := rf.WriteBack.FollowupRole; r != "" && !seen[r] {
		return fmt.Errorf("%w: writeback.followup_role %s is not defined", ErrInvalid, r)
	}
	return nil
}

// Pool возвращает границы пула роли.
func (s RoleSpec) Pool() conductor.RoleConfig {
	return conductor.RoleConfig{
		Name:       s.Name,
		MinWorkers: s.MinWorkers,
		MaxWorkers: s.MaxWorkers,
		LoadFactor: s.LoadFactor,
	}
}

// Route собирает маршрут executor'а: handler, валидатор и лимит попыток.
func (s RoleSpec) Route() (worker.Route, error) {
	h, err := worker.NewHandler(s.Handler)
	if err != nil {
		return worker.Route{}, err
	}

	route := worker.Route{Handler: h, MaxAttempts: s.MaxAttempts}
	if len(s.Schema) > 0 {
		v, err := worker.NewSchemaValidatorFromMap(s.Schema)
		if err != nil {
			return worker.Route{}, fmt.Errorf("schema: %w", err)
		}
		route.Validator = v
	}
	return route, nil
}

// PoolConfigs возвращает границы пулов всех ролей.
func (rf *RolesFile) PoolConfigs() []conductor.RoleConfig {
	roles := make([]conductor.RoleConfig, len(rf.Roles))
	for i, spec := range rf.Roles {
		roles[i] = spec.Pool()
	}
	return roles
}

// Apply регистрирует маршруты всех ролей. Роли, которых нет
// в файле, остаются в реестре: их пулы закрывает Conductor.
func (rf *RolesFile) Apply(registry *worker.Registry) error {
	for _, spec := range rf.Roles {
		route, err := spec.Route()
		if err != nil {
			return fmt.Errorf("role %s: %w", spec.Name, err)
		}
		registry.Register(spec.Name, route)
	}
	return nil
}

// ConductorWriteBack переводит секцию writeback в настройки Conductor'а.
func (rf *RolesFile) ConductorWriteBack() conductor.WriteBackConfig {
	w := rf.WriteBack
	return conductor.WriteBackConfig{
		ClaimedStatus:   domain.BeadStatus(w.ClaimedStatus),
		SkipClaimUpdate: w.SkipClaimUpdate,
		CompletedStatus: domain.BeadStatus(w.CompletedStatus),
		FailedStatus:    domain.BeadStatus(w.FailedStatus),
		FailedLabel:     w.FailedLabel,
		CreateFollowups: w.CreateFollowups,
		FollowupLabel:   w.FollowupLabel,
		FollowupRole:    w.FollowupRole,
	}
}
