// Taskq Worker — потребляет задачи из рабочей очереди.
//
// Worker:
//   - Подключается к брокеру (RabbitMQ или встроенному)
//   - Запускает WORKER_CONCURRENCY воркеров с лимитом WORKER_PREFETCH
//   - Выполняет задачи (одна единица WORKER_DOT_UNIT на каждую '.')
//   - Отдаёт /healthz и /metrics на WORKER_PORT
//
// Потеря соединения с брокером завершает процесс с кодом 1:
// переподключение — забота супервизора.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/taskq/internal/config"
	"github.com/shaiso/taskq/internal/telemetry"
	"github.com/shaiso/taskq/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting taskq-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		logger.Error("failed to register metrics", "error", err)
		return 1
	}

	// Брокер
	conn, closeConn, err := cfg.Connect(ctx, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "broker", cfg.Broker, "error", err)
		return 1
	}
	defer closeConn()
	logger.Info("broker connected", "broker", cfg.Broker)

	pool := worker.NewPool(worker.PoolConfig{
		Conn:            conn,
		Queue:           cfg.Queue,
		Durable:         cfg.QueueDurable,
		Concurrency:     cfg.Concurrency,
		Prefetch:        cfg.Prefetch,
		Executor:        &worker.DotExecutor{Unit: cfg.DotUnit},
		InspectInterval: cfg.InspectInterval,
		Logger:          logger,
		Metrics:         metrics,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-conn.Done():
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("broker connection closed"))
		default:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Пул работает до сигнала или фатальной ошибки
	exitCode := 0
	if err := pool.Run(ctx); err != nil {
		logger.Error("worker pool failed", "error", err, "connection_error", conn.Err())
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("taskq-worker stopped")
	return exitCode
}
