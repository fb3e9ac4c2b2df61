// Package conductor реализует управляющий цикл Relay.
//
// Один tick Conductor'а состоит из шагов:
//
//  1. sync      — готовые задачи из хранилища ставятся в очередь
//  2. scale     — размер пула каждой роли подгоняется под глубину очереди
//  3. reclaim   — зависшие processing tickets возвращаются в очередь
//  4. writeback — результаты финальных tickets записываются в хранилище
//
// Ticks сериализованы: одновременные вызовы Tick разделяют один проход.
// Ошибки отдельных задач и ролей логируются и не прерывают tick.
//
// Write-back работает по событиям очереди (или RabbitMQ, если брокер
// настроен); проход в каждом tick служит fallback'ом.
package conductor
