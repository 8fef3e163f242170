// Package cli реализует команды утилиты taskq.
//
// # Команды
//
//   - new-task [WORDS...] — публикует persistent задачу в очередь
//     (по умолчанию "Hello World!")
//   - stats — ready / unacked / consumers очереди
//   - demo — встроенный брокер, пул воркеров и пачка задач с точками;
//     показывает, какой воркер получил какую задачу и что было доставлено повторно
//
// Каждая команда создаётся фабричной функцией (NewTaskCmd и т.д.),
// принимающей замыкания для ленивого создания Session и Output
// после парсинга PersistentFlags.
//
// # Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные — в stdout, сообщения — в stderr:
//
//	taskq stats --json | jq .ready
package cli
