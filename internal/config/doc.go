// Package config собирает конфигурацию relay-conductor.
//
// Источники (по убыванию приоритета):
//   - переменные окружения
//   - файл .env в текущем или родительском каталоге
//   - значения по умолчанию
//
// Роли, handlers и write-back описываются в YAML-файле RELAY_ROLES_FILE.
// Файл отслеживается через fsnotify: изменения применяются без рестарта.
package config
