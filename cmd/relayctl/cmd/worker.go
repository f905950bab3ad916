package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"jobrelay/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute jobs waiting on a queueing backend",
	Long: `Claim jobs queued on a redis or postgres backend and execute each one on a
runner backend. The outcome is written back to the queue, so relayctl status
on the queue reports COMPLETED or ERROR once a job is done.

The runner is chosen like any other backend, so it can be the adapter name
to pick the first eligible of kubernetes, docker or process.

A per-job timeout can be set with the "timeout" job property, for example
relayctl submit --backend redis --target "sleep 5" --property timeout=10s.

The worker runs until interrupted. Jobs already claimed are finished first.`,
	Example: `  relayctl worker --queue redis --runner process --concurrency 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName, _ := cmd.Flags().GetString("queue")
		runnerName, _ := cmd.Flags().GetString("runner")
		id, _ := cmd.Flags().GetString("id")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
		maxBackoff, _ := cmd.Flags().GetDuration("max-backoff")
		statusInterval, _ := cmd.Flags().GetDuration("status-interval")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		if id == "" {
			id = uuid.NewString()
		}

		ctx := cmd.Context()

		qd, err := sess.factory.Open(ctx, queueName, sess.overrides)
		if err != nil {
			return err
		}
		defer qd.Close()

		queue, err := worker.QueueFor(qd.Backend())
		if err != nil {
			return fmt.Errorf("--queue %s: %w", qd.ID(), err)
		}

		runner, err := sess.factory.Open(ctx, runnerName, sess.overrides)
		if err != nil {
			return err
		}
		defer runner.Close()

		agent := worker.New(queue, runner, worker.AgentConfig{
			ID:             id,
			Concurrency:    concurrency,
			PollInterval:   pollInterval,
			MaxBackoff:     maxBackoff,
			StatusInterval: statusInterval,
			DefaultTimeout: timeout,
			Logger:         sess.logger,
		})

		fmt.Fprintf(cmd.OutOrStdout(), "%s✓%s Worker %s draining %s on %s\n", colorGreen, colorReset, id, qd.ID(), runner.ID())

		if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringP("queue", "q", "", "queueing backend to claim jobs from (redis or postgres)")
	workerCmd.Flags().StringP("runner", "r", "process", "backend that executes claimed jobs")
	workerCmd.Flags().String("id", "", "worker id used in logs (default is a random uuid)")
	workerCmd.Flags().IntP("concurrency", "c", 1, "maximum number of jobs run at once")
	workerCmd.Flags().Duration("poll-interval", time.Second, "queue poll interval while work is found")
	workerCmd.Flags().Duration("max-backoff", 30*time.Second, "longest wait between polls of an empty queue")
	workerCmd.Flags().Duration("status-interval", time.Second, "how often a running job is checked on the runner")
	workerCmd.Flags().Duration("timeout", 30*time.Minute, "default job timeout")

	workerCmd.MarkFlagRequired("queue")
}
