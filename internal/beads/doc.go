// Package beads — доступ к внешнему хранилищу задач (beads).
//
// Client работает через CLI bd:
//
//	bd ready --json          → ListReady
//	bd show <id> --json      → Get
//	bd update <id> ...       → Update
//	bd label add|remove      → Update (метки)
//	bd create <title> --json → Create
//	bd dep add <child> <parent> --type parent-child → AddDependency
//	bd sync                  → Sync
//
// MemoryStore хранит задачи в памяти и используется в тестах
// и при локальном запуске.
//
// # Готовность
//
// Задача готова (IsReady), если она open и все её связи типа blocks
// указывают на закрытые задачи. Связь parent-child (задача внутри epic)
// готовность не блокирует: задача с незакрытым родителем-epic готова.
//
// # Устаревание
//
// Если локальная копия bd отстала от JSONL, операция возвращает ErrStale.
// WithResync вызывает Sync и повторяет операцию ровно один раз; вторая
// ошибка возвращается вызывающему. Client и MemoryStore применяют
// WithResync сами, если включён AutoResync.
package beads
