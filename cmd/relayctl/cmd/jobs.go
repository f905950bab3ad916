package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"jobrelay/internal/dispatch"
	"jobrelay/internal/event"
	"jobrelay/internal/job"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get the status of a job",
	Long:  `Ask the backend for the current status of a submitted job: PENDING, IN_PROGRESS, COMPLETED, ERROR or UNKNOWN.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJob(cmd, args[0], func(ctx context.Context, d *dispatch.Dispatcher, j *job.Job) error {
			s, err := d.Status(ctx, j)
			if err != nil {
				return err
			}
			sess.printer.status(j.ID, d.ID(), s)
			return nil
		})
	},
}

var suspendCmd = &cobra.Command{
	Use:   "suspend [job_id]",
	Short: "Suspend a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJob(cmd, args[0], func(ctx context.Context, d *dispatch.Dispatcher, j *job.Job) error {
			return d.Suspend(ctx, j)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [job_id]",
	Short: "Resume a suspended job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJob(cmd, args[0], func(ctx context.Context, d *dispatch.Dispatcher, j *job.Job) error {
			return d.Resume(ctx, j)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJob(cmd, args[0], func(ctx context.Context, d *dispatch.Dispatcher, j *job.Job) error {
			return d.Cancel(ctx, j)
		})
	},
}

// withJob opens the backend named by --backend and runs fn on a job handle
// for id. Only backends that keep state outside this process know jobs
// submitted by an earlier invocation.
func withJob(cmd *cobra.Command, id string, fn func(ctx context.Context, d *dispatch.Dispatcher, j *job.Job) error) error {
	backendName, _ := cmd.Flags().GetString("backend")

	ctx := cmd.Context()
	d, err := sess.factory.Open(ctx, backendName, sess.overrides)
	if err != nil {
		return err
	}
	defer d.Close()

	d.AddActionListener(event.ActionListenerFunc(sess.printer.action))
	return fn(ctx, d, &job.Job{ID: id})
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, suspendCmd, resumeCmd, cancelCmd} {
		c.Flags().StringP("backend", "b", "", "logical backend name (default is jobrelay.spi.default.type)")
		rootCmd.AddCommand(c)
	}
}
