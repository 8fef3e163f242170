// Package worker потребляет задачи из очереди и выполняет их.
//
// # Обзор
//
// Worker — цикл на одном канале брокера с лимитом справедливости
// (по умолчанию 1). Для каждой доставки:
//
//  1. Idle → Processing: доставка получена, задача выполняется синхронно
//  2. Processing → Acked: успех, ack отправлен ровно один раз
//  3. Processing → FailedUnacked: ошибка или паника, ack не отправлен
//
// После FailedUnacked воркер закрывает свой канал: брокер возвращает
// задачу в очередь с флагом redelivered, и её получит другой (или новый)
// воркер. Задача, выполненная, но не подтверждённая до падения воркера,
// будет выполнена ещё раз — гарантия at-least-once, executor'ы должны
// это учитывать.
//
// Воркеры не координируются между собой: всё распределение делает брокер.
//
// # Pool
//
// Pool запускает несколько Worker на одном соединении (errgroup),
// каждый на своём канале. Восстановимые ошибки (ErrTaskExecution,
// нарушение протокола, закрытый канал) пересоздают воркер на новом
// канале. Ошибка соединения останавливает пул без переподключения.
//
//	pool := worker.NewPool(worker.PoolConfig{
//	    Conn:        conn,
//	    Queue:       "task_queue",
//	    Durable:     true,
//	    Concurrency: 4,
//	    Executor:    &worker.DotExecutor{Unit: time.Second},
//	    Logger:      logger,
//	})
//
//	if err := pool.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Executor
//
// Executor выполняет тело задачи. DotExecutor имитирует работу:
// одна единица времени на каждую точку в теле ("A." — 1, "B.." — 2).
package worker
