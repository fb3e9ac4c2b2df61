package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce — пауза после последнего события: редакторы пишут файл в несколько приёмов.
const reloadDebounce = 200 * time.Millisecond

// RolesWatcher перечитывает файл ролей при изменении.
type RolesWatcher struct {
	path     string
	onChange func(*RolesFile)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// WatchRoles начинает отслеживать path. onChange вызывается с новым
// содержимым после каждого успешного перечитывания; при ошибке
// разбора остаётся прежняя конфигурация.
//
// Отслеживается каталог, а не файл: многие редакторы и ConfigMap
// заменяют файл через rename.
func WatchRoles(path string, logger *slog.Logger, onChange func(*RolesFile)) (*RolesWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &RolesWatcher{
		path:     abs,
		onChange: onChange,
		logger:   logger,
		watcher:  watcher,
	}, nil
}

// Run обрабатывает события до отмены ctx.
func (w *RolesWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug("roles file event", "op", event.Op.String(), "file", event.Name)
				debounce = time.After(reloadDebounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)

		case <-debounce:
			debounce = nil
			w.reload()
		}
	}
}

func (w *RolesWatcher) reload() {
	rf, err := LoadRoles(w.path)
	if err != nil {
		w.logger.Error("roles reload failed, keeping previous config", "file", w.path, "error", err)
		return
	}
	w.logger.Info("roles file reloaded", "file", w.path, "roles", len(rf.Roles))
	w.onChange(rf)
}
