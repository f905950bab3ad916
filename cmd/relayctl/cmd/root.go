package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobrelay/internal/config"
	"jobrelay/internal/logger"
	"jobrelay/internal/observability"
	"jobrelay/internal/relay"
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "relayctl submits and controls jobs through the jobrelay dispatch layer",
	Long: `relayctl is the command-line interface for jobrelay, a vendor-neutral job
dispatch layer.

A backend is chosen by logical name. The name is resolved through the merged
configuration (built-in defaults, then the deployment file, then --set
overrides) and the first candidate whose conditions all hold is used:

  - echo:       scripted in-memory backend, useful for trying things out
  - process:    runs the job target as a local command
  - docker:     runs the job target as a container image
  - kubernetes: runs the job target as a batch Job
  - postgres:   queues the job in a relay_jobs table for workers
  - redis:      queues the job in Redis for workers

Common workflows:

  Show which backend would be selected:
    relayctl backends

  Submit a job and follow its status:
    relayctl submit --backend process --target "sleep 2" --watch

  Control an existing job:
    relayctl cancel --backend redis <job-id>

  Execute jobs queued on redis as local processes:
    relayctl worker --queue redis --runner process

Configuration:
  Flags can also be set through JOBRELAY_ environment variables, for example
  JOBRELAY_LOG_LEVEL=debug or JOBRELAY_CONFIG=/etc/jobrelay.yaml.`,
	SilenceErrors:      true,
	SilenceUsage:       true,
	PersistentPreRunE:  openSession,
	PersistentPostRunE: closeSession,
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		if sess != nil {
			_ = closeSession(rootCmd, nil)
		}
		newPrinter(rootCmd.ErrOrStderr(), viper.GetString("output")).error(err)
	}
	return err
}

// session holds what a command needs once flags are parsed.
type session struct {
	factory   *relay.Factory
	overrides map[string]string
	printer   *printer
	logger    *slog.Logger
	shutdown  []func(context.Context) error
}

var sess *session

func initConfig() {
	viper.SetEnvPrefix("JOBRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func openSession(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	format := viper.GetString("output")
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid --output %q, expected text or json", format)
	}

	log := logger.New(logger.Options{
		Level:  viper.GetString("log-level"),
		Format: "text",
		Output: cmd.ErrOrStderr(),
	})

	deployment, err := config.LoadDeployment(viper.GetString("config"))
	if err != nil {
		return err
	}
	sets, _ := cmd.Flags().GetStringArray("set")
	overrides, err := config.ParseOverrides(sets)
	if err != nil {
		return err
	}

	s := &session{
		overrides: overrides,
		printer:   newPrinter(cmd.OutOrStdout(), format),
		logger:    log,
	}
	sess = s

	if endpoint := viper.GetString("otel-endpoint"); endpoint != "" {
		shutdown, err := observability.InitTracer(ctx, "relayctl", endpoint)
		if err != nil {
			return err
		}
		s.shutdown = append(s.shutdown, shutdown)
	}
	if addr := viper.GetString("metrics-addr"); addr != "" {
		handler, shutdown, err := observability.InitMetrics()
		if err != nil {
			return err
		}
		s.shutdown = append(s.shutdown, shutdown)

		serveCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := observability.ServeMetrics(serveCtx, addr, handler, log); err != nil {
				log.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		s.shutdown = append(s.shutdown, func(context.Context) error {
			stop()
			<-done
			return nil
		})
	}

	factory, err := relay.NewFactory(relay.Options{
		Deployment: deployment,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	s.factory = factory
	return nil
}

func closeSession(_ *cobra.Command, _ []string) error {
	s := sess
	sess = nil
	if s == nil {
		return nil
	}

	ctx := context.Background()
	var errs []error
	if s.factory != nil {
		errs = append(errs, s.factory.Close(ctx))
	}
	// last started, first stopped
	for i := len(s.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, s.shutdown[i](ctx))
	}
	return errors.Join(errs...)
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "deployment configuration file (default is ./jobrelay.{yaml,toml,json,properties})")
	flags.StringArray("set", nil, "configuration override key=value (repeatable)")
	flags.String("log-level", "warn", "log level: debug, info, warn or error")
	flags.StringP("output", "o", "text", "output format: text or json")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.String("otel-endpoint", "", "OTLP gRPC collector endpoint for traces")
	bindFlags()
}

// bindFlags makes the persistent flags readable through viper, and so
// settable through JOBRELAY_ environment variables.
func bindFlags() {
	flags := rootCmd.PersistentFlags()
	for _, name := range []string{"config", "log-level", "output", "metrics-addr", "otel-endpoint"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}
