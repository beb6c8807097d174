// cmd/conclave/main.go
//
// Entry point for the conclave CLI. Every command works against the project
// in the current directory (or --project) and its .conclave/ workspace.
//
// Exit codes: 0 when the run's last layer PROCEEDed, 1 on errors, 2 when the
// run stopped early (HOLD, rerun budget exhausted or cancelled).

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kingrea/conclave/internal/config"
)

const (
	exitOK      = 0
	exitError   = 1
	exitStopped = 2
)

// stoppedError reports a run that ended without PROCEEDing its last layer.
type stoppedError struct {
	reason string
}

func (e *stoppedError) Error() string {
	return "run stopped: " + e.reason
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := newCLI(stdout, stderr)
	root := newRootCmd(app)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if closeErr := app.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err == nil {
		return exitOK
	}
	var stopped *stoppedError
	if errors.As(err, &stopped) {
		fmt.Fprintln(stderr, stopped.Error())
		return exitStopped
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitError
}

func newRootCmd(app *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "conclave",
		Short:         "Run layered review workflows with checkpoint gates",
		Long:          "conclave dispatches workflow tasks to role workers layer by layer, synthesizes reviewer reports and gates each layer with PROCEED, HOLD or RERUN decisions.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.setup(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&app.projectDir, "project", "", "Project directory (defaults to the working directory)")
	flags.StringVar(&app.configFile, "config", "", "Path to the config file (defaults to .conclave/config.yaml)")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.Bool("log-json", false, "Write logs as JSON")
	flags.String("output", "auto", "Output mode: auto, plain or interactive")
	app.bindFlag("log-level", config.KeyLogLevel)
	app.bindFlag("log-json", config.KeyLogJSON)

	root.AddCommand(
		newInitCmd(app),
		newRunCmd(app),
		newResumeCmd(app),
		newStatusCmd(app),
		newValidateCmd(app),
		newListCmd(app),
		newSynthesizeCmd(app),
		newCheckpointsCmd(app),
	)
	return root
}
