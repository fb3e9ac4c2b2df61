// Package mq — транспорт событий tickets через RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ и переподключение
//   - topology.go   — exchanges, queues, bindings
//   - message.go    — конверт события ticket
//   - publisher.go  — публикация событий ticket
//   - consumer.go   — WriteBackConsumer и политика DLQ
//
// Каждое изменение ticket публикуется в relay.tickets с ключом
// ticket.<enqueued|claimed|completed|failed|requeued|reclaimed>.
// Очередь tickets.writeback получает только финальные события и
// запускает write-back в Conductor'е.
package mq
