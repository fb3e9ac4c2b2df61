// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики очереди, пулов и conductor'а
//
// Метрики экспортируются на /metrics endpoint relay-conductor.
package telemetry
