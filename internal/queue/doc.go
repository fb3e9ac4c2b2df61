// Package queue реализует персистентную очередь tickets.
//
// # Жизненный цикл
//
//	Enqueue → queued → Claim → processing → Complete → completed
//	                                  ↘ Fail(requeue=false) → failed
//	                                  ↘ Fail(requeue=true)  → queued
//
// Гарантии:
//   - не более одного активного (queued/processing) ticket на task_id;
//   - output записывается один раз, повторный Complete его не меняет;
//   - Fail для финального ticket — no-op;
//   - Claim выдаёт tickets роли в порядке (priority ASC, created_at ASC)
//     и никогда не выдаёт один ticket двум executor'ам.
//
// Queue не хранит данные сама: атомарность обеспечивает Store
// (PostgreSQL или SQLite из пакета repo). Каждое изменение состояния
// рассылается подписчикам (Subscribe) как Event.
package queue
