// Package worker выполняет tickets, забранные из очереди.
//
// # Обзор
//
// Runner — тело executor'а для пакета pool. Каждый executor пула
// выполняет Runner.ClaimLoop(ctx, executorID, role):
//
//  1. Claim — забрать следующий ticket роли (не блокируется)
//  2. Очередь пуста → пауза, удваивается от PollInterval до MaxBackoff
//  3. Validator (если задан) проверяет payload
//  4. Handler роли выполняет работу
//  5. Успех → Complete(output), ошибка → Fail(requeue, reason)
//
// Runner stateless: один экземпляр обслуживает все пулы.
//
//	runner := worker.NewRunner(worker.Config{
//	    Queue:    q,
//	    Registry: registry,
//	    Logger:   logger,
//	})
//
// # Handler
//
// Интерфейс работы для роли:
//
//	type Handler interface {
//	    Handle(ctx context.Context, ticket *domain.Ticket) (*Result, error)
//	}
//
// Реализации:
//   - HTTPHandler — отправляет ticket во внешний сервис
//   - DelayHandler — задержка (нагрузочные прогоны)
//   - EchoHandler — возвращает payload как output
//
// # Ошибки
//
// Пакет различает два уровня ошибок:
//   - Инфраструктурные (error от Handle) — сеть упала, таймаут. Всегда retriable.
//   - Логические (Result.Error) — HTTP 500, отказ сервиса. Retriable, если Result.Retry.
//
// Retriable ошибка возвращает ticket в очередь, пока ticket.Attempts < MaxAttempts,
// затем ticket переходит в failed. Неизвестная роль, невалидный payload
// и panic handler'а сразу завершают ticket в failed.
//
// Если executor остановлен во время работы, ticket возвращается в очередь
// через Fail(requeue=true) с отдельным контекстом.
package worker
