// Package cli реализует инструмент командной строки Relay.
//
// # Обзор
//
// CLI — клиентская утилита для администрирования Relay через HTTP API.
// Не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Relay API. Инкапсулирует запросы, парсинг ответов
// (DataResponse, ListResponse, ErrorResponse) и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8090")
//	tickets, err := client.ListTickets(cli.ListTicketsOpts{Status: "failed"})
//
// ## Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные выводятся в stdout, сообщения в stderr:
//
//	relay ticket list --status failed --json | jq .
//
// ## Commands
//
//   - ticket: list, show, requeue, fail
//   - task: ticket, output
//   - pool: list
//   - stats
//   - tick
//
// Каждая группа создаётся фабричной функцией (NewTicketCmd и т.д.),
// принимающей clientFn и outputFn: Client и Output создаются лениво,
// после разбора PersistentFlags.
package cli
