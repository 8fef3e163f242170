package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// SessionFunc открывает сессию с брокером после парсинга флагов.
type SessionFunc func(ctx context.Context) (*Session, error)

// NewTaskCmd создаёт команду new-task: публикует одну задачу.
// Тело задачи — аргументы через пробел, по умолчанию "Hello World!".
func NewTaskCmd(sessionFn SessionFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "new-task [WORDS...]",
		Short: "Publish a persistent task to the work queue",
		Long: "Publish a persistent task. Each '.' in the body stands for one unit of work\n" +
			"for the dot executor: \"A.\" takes one unit, \"B..\" two.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			s, err := sessionFn(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			body := BodyFromArgs(args)
			if err := s.NewTask(cmd.Context(), body); err != nil {
				return err
			}

			out.Print(
				[]string{"QUEUE", "SENT"},
				[][]string{{s.QueueName(), body}},
				map[string]string{"queue": s.QueueName(), "sent": body},
			)
			return nil
		},
	}
}

// BodyFromArgs собирает тело задачи из аргументов командной строки.
func BodyFromArgs(args []string) string {
	body := strings.Join(args, " ")
	if body == "" {
		return DefaultMessage
	}
	return body
}

// NewStatsCmd создаёт команду stats: ready / unacked / consumers очереди.
func NewStatsCmd(sessionFn SessionFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show backlog of the work queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			s, err := sessionFn(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.Stats(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"QUEUE", "READY", "UNACKED", "CONSUMERS"}
			rows := [][]string{{
				stats.Name,
				strconv.Itoa(stats.Ready),
				strconv.Itoa(stats.Unacked),
				strconv.Itoa(stats.Consumers),
			}}

			out.Print(headers, rows, stats)
			return nil
		},
	}
}

// NewDemoCmd создаёт команду demo: встроенный брокер, N воркеров, M задач.
func NewDemoCmd(outputFn func() *Output, optsFn func() DemoOptions) *cobra.Command {
	var workers, tasks, prefetch, failEvery int
	var dotUnit time.Duration

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run publishers and workers against an in-process broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			opts := optsFn()
			opts.Workers = workers
			opts.Tasks = tasks
			opts.Prefetch = prefetch
			opts.DotUnit = dotUnit
			opts.FailEvery = failEvery

			res, err := RunDemo(cmd.Context(), opts)
			if err != nil {
				return err
			}

			headers := []string{"WORKER", "TASK", "REDELIVERED", "RESULT"}
			rows := make([][]string, len(res.Receipts))
			for i, r := range res.Receipts {
				result := "done"
				if r.Failed {
					result = "failed"
				}
				rows[i] = []string{r.Worker, r.Task, strconv.FormatBool(r.Redelivered), result}
			}

			out.Print(headers, rows, res)
			out.Success(fmt.Sprintf("%d tasks, %d workers, %d restarts in %s",
				tasks, workers, res.Restarts, res.Elapsed.Round(time.Millisecond)))
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 2, "Number of workers")
	cmd.Flags().IntVar(&tasks, "tasks", 10, "Number of tasks to publish")
	cmd.Flags().IntVar(&prefetch, "prefetch", 1, "Fairness limit per worker")
	cmd.Flags().DurationVar(&dotUnit, "dot-unit", 100*time.Millisecond, "Work per '.' in a task body")
	cmd.Flags().IntVar(&failEvery, "fail-every", 0, "Fail the first delivery of every Nth task (0 disables)")

	return cmd
}
