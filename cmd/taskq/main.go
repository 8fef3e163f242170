// Taskq CLI — публикация задач и наблюдение за рабочей очередью.
//
// Использование:
//
//	taskq [--json] [--env-file FILE] [--verbose] <command> [flags]
//
// Команды:
//
//	new-task  Опубликовать задачу (по умолчанию "Hello World!")
//	stats     Ready / unacked / consumers очереди
//	demo      Воркеры и задачи на встроенном брокере
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/taskq/internal/cli"
	"github.com/shaiso/taskq/internal/config"
	"github.com/shaiso/taskq/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var jsonOutput bool
	var envFiles []string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:           "taskq",
		Short:         "Taskq CLI — reliable work queue tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Env files to load (default .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log broker and worker events to stderr")

	// Логи — в stderr, чтобы не мешать выводу данных
	loggerFn := func() *slog.Logger {
		level := slog.LevelWarn
		if verbose {
			level = telemetry.LogLevel()
		}
		return telemetry.NewLogger(os.Stderr, "text", level)
	}

	sessionFn := func(ctx context.Context) (*cli.Session, error) {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return nil, err
		}
		return cli.Open(ctx, cfg, loggerFn())
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }
	demoFn := func() cli.DemoOptions { return cli.DemoOptions{Logger: loggerFn()} }

	rootCmd.AddCommand(
		cli.NewTaskCmd(sessionFn, outputFn),
		cli.NewStatsCmd(sessionFn, outputFn),
		cli.NewDemoCmd(outputFn, demoFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
