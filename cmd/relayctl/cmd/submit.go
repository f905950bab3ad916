package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"jobrelay/internal/dispatch"
	"jobrelay/internal/event"
	"jobrelay/internal/job"
	"jobrelay/internal/monitor"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Create and submit a job",
	Long: `Create a job on the selected backend and submit it.

The target is what the backend runs: a command for process, an image for
docker and kubernetes, a queue target for postgres and redis. Properties
prefixed with env. become environment variables where the backend runs
something.

With --watch the command stays attached and prints every status change until
the job reaches COMPLETED, ERROR or UNKNOWN, or --timeout expires. Jobs of
the process backend are children of relayctl and are stopped when it exits,
so submit them with --watch.

Example:
  relayctl submit --backend process --target "sh -c 'sleep 1'" --watch
  relayctl submit --backend docker --target alpine --payload "echo hello" --property env.GREETING=hi
  relayctl submit --backend redis --target thumbnails --payload '{"size":64}' --priority high`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		backendName, _ := flags.GetString("backend")
		target, _ := flags.GetString("target")
		targetName, _ := flags.GetString("target-name")
		payload, _ := flags.GetString("payload")
		priorityRaw, _ := flags.GetString("priority")
		propertyPairs, _ := flags.GetStringArray("property")
		watch, _ := flags.GetBool("watch")
		timeout, _ := flags.GetDuration("timeout")

		priority, err := job.ParsePriority(priorityRaw)
		if err != nil {
			return err
		}
		properties, err := parsePairs("property", propertyPairs)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		d, err := sess.factory.Open(ctx, backendName, sess.overrides)
		if err != nil {
			return err
		}
		defer d.Close()

		d.AddActionListener(event.ActionListenerFunc(sess.printer.action))

		j, err := d.CreateJob(ctx)
		if err != nil {
			return err
		}
		j.Target = target
		j.TargetName = targetName
		j.Payload = payload
		j.Priority = priority
		for k, v := range properties {
			j.SetProperty(k, v)
		}

		if !watch {
			return d.Submit(ctx, j)
		}

		events := make(chan event.MonitorEvent, 16)
		mon := sess.factory.Monitor()
		id := mon.AddListener(event.MonitorListenerFunc(func(e event.MonitorEvent) {
			if e.Job != j {
				return
			}
			select {
			case events <- e:
			default:
			}
		}))
		defer mon.RemoveListener(id)

		if err := d.Submit(ctx, j); err != nil {
			return err
		}
		return watchJob(ctx, d, mon, j, events, timeout)
	},
}

// watchJob prints status changes of j until it reaches a terminal status.
func watchJob(ctx context.Context, d *dispatch.Dispatcher, mon *monitor.Monitor, j *job.Job, events <-chan event.MonitorEvent, timeout time.Duration) error {
	if !d.SupportsMonitoring() {
		return fmt.Errorf("backend %s does not support monitoring", d.ID())
	}

	// a job that finished before it could be registered raises no events
	if mon.Len() == 0 {
		s, err := d.Status(ctx, j)
		if err != nil {
			return err
		}
		sess.printer.status(j.ID, d.ID(), s)
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case e := <-events:
			sess.printer.monitor(e)
			if e.Status.IsTerminal() {
				if e.Status == job.StatusError {
					return fmt.Errorf("job %s failed", j.ID)
				}
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timed out after %s waiting for job %s", timeout, j.ID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("backend", "b", "", "logical backend name (default is jobrelay.spi.default.type)")
	flags.StringP("target", "t", "", "what the backend runs: command, image or queue target")
	flags.String("target-name", "", "human readable target name")
	flags.StringP("payload", "p", "", "job payload")
	flags.String("priority", "medium", "priority: low, medium or high")
	flags.StringArray("property", nil, "job property key=value (repeatable)")
	flags.BoolP("watch", "w", false, "wait for the job to finish and print status changes")
	flags.Duration("timeout", time.Minute, "how long --watch waits")

	rootCmd.AddCommand(submitCmd)
}
