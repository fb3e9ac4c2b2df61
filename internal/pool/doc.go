// Package pool управляет набором executor'ов одной роли.
//
// Pool хранит горутины, каждая из которых выполняет
// Executor.ClaimLoop(ctx, executorID, role). Запуск executor'а —
// запуск горутины, остановка — отмена её контекста.
//
//	p, err := pool.New(pool.Config{
//	    Role:       "worker",
//	    MinWorkers: 1,
//	    MaxWorkers: 10,
//	    LoadFactor: 0.5,
//	    Executor:   runner,
//	})
//
//	target := p.Target(pending) // ceil(pending * load_factor), в [min, max]
//	p.Resize(target)
//
// Resize синхронно меняет Size(): рост запускает недостающие executor'ы,
// уменьшение отменяет самые новые без ожидания текущей работы.
// Ticket, забранный отменённым executor'ом, возвращается в очередь
// самим executor'ом (best-effort) или reclaim-проходом Conductor'а.
package pool
