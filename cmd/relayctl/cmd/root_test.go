package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
	initConfig()
	bindFlags()
}

// resetFlags puts every flag of c and its subcommands back to its default;
// cobra keeps parsed values between Execute calls.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs relayctl with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return executeContext(t, context.Background(), args...)
}

func executeContext(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	resetViper()
	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)

	err := ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// writeDeployment writes a deployment file and returns its path.
func writeDeployment(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobrelay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write deployment file: %v", err)
	}
	return path
}

// decodeLines decodes one JSON value per output line.
func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var values []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var v map[string]any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		values = append(values, v)
	}
	return values
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	want := []string{"config", "backends [name]", "submit", "status [job_id]", "suspend [job_id]", "resume [job_id]", "cancel [job_id]", "worker"}
	for _, use := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Use == use {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected %q subcommand to be registered with root command", use)
		}
	}
}

func TestRootCommand_EnvVarBinding(t *testing.T) {
	resetViper()
	t.Setenv("JOBRELAY_LOG_LEVEL", "debug")
	t.Setenv("JOBRELAY_METRICS_ADDR", ":9464")

	if got := viper.GetString("log-level"); got != "debug" {
		t.Errorf("expected log level from env var, got: %s", got)
	}
	if got := viper.GetString("metrics-addr"); got != ":9464" {
		t.Errorf("expected metrics addr from env var, got: %s", got)
	}
}

func TestRootCommand_OutputFromEnv(t *testing.T) {
	t.Setenv("JOBRELAY_OUTPUT", "json")

	stdout, _, err := execute(t, "config", "--prefix", "jobrelay.monitor.enabled")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(stdout), "{") {
		t.Errorf("expected JSON output, got: %s", stdout)
	}
}

func TestRootCommand_InvalidOutput(t *testing.T) {
	_, stderr, err := execute(t, "config", "--output", "yaml")
	if err == nil {
		t.Fatal("expected error for unknown output format")
	}
	if !strings.Contains(stderr, "invalid --output") {
		t.Errorf("expected error on stderr, got: %s", stderr)
	}
}

func TestRootCommand_InvalidOverride(t *testing.T) {
	_, _, err := execute(t, "config", "--set", "no-equals-sign")
	if err == nil {
		t.Error("expected error for malformed --set")
	}
}

func TestRootCommand_MissingDeploymentFile(t *testing.T) {
	_, _, err := execute(t, "config", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("expected error for a missing --config file")
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	_, stderr, err := execute(t, "unknown-command-xyz")
	if err == nil {
		t.Error("expected error for unknown command")
	}
	if !strings.Contains(stderr, "unknown command") {
		t.Errorf("expected error message on stderr, got: %s", stderr)
	}
}

func TestExecute_ErrorAsJSON(t *testing.T) {
	_, stderr, err := execute(t, "submit", "--backend", "echo", "-o", "json",
		"--set", "jobrelay.spi.adapter.internal.spi.condition.echo=broken")
	if err == nil {
		t.Fatal("expected configuration error")
	}

	lines := decodeLines(t, stderr)
	if len(lines) != 1 || lines[0]["code"] != "configuration" {
		t.Errorf("expected configuration error code, got: %s", stderr)
	}
}
