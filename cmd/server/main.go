// Command server runs the kubilitics-rca investigation service and offers a
// small client for submitting alarms and inspecting investigations.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

type app struct {
	configPath string
	apiURL     string
	timeout    time.Duration
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

func main() {
	root := newRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{stdin: in, stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "kubilitics-rca",
		Short:         "Automated root-cause investigation for operational alarms",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "/etc/kubilitics/rca.yaml", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&a.apiURL, "api", envOr("KUBILITICS_RCA_API", "http://localhost:8090"), "base URL of a running server")
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "client request timeout")

	cmd.AddCommand(
		newServeCommand(a),
		newTriggerCommand(a),
		newGetCommand(a),
		newListCommand(a),
		newOverrideCommand(a),
		newDeleteCommand(a),
		newVersionCommand(a),
	)
	return cmd
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "kubilitics-rca %s\n", version)
		},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
