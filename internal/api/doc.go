// Package api содержит HTTP API для администрирования Relay.
//
// Структура:
//   - handler.go        — Handler с DI (очередь, conductor, logger)
//   - routes.go         — регистрация маршрутов
//   - middleware.go     — middleware (logging, recovery)
//   - response.go       — унифицированные JSON-ответы и обработка ошибок
//   - dto.go            — Data Transfer Objects (request/response)
//   - ticket_handler.go — обработчики для /tickets и /tasks
//   - pool_handler.go   — обработчики для /pools, /stats, /tick
//
// API позволяет смотреть tickets и пулы, вручную возвращать или
// проваливать tickets и запускать внеочередной tick.
package api
