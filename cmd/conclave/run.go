package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/conclave/internal/config"
	"github.com/kingrea/conclave/internal/metrics"
	"github.com/kingrea/conclave/internal/role"
	"github.com/kingrea/conclave/internal/tui"
	"github.com/kingrea/conclave/internal/workflow/engine"
	"github.com/kingrea/conclave/internal/workflow/scheduler"
)

// addSchedulerFlags registers the flags that override scheduler config.
func addSchedulerFlags(app *cli, cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Int("pool-size", 0, "Default parallel-pool size")
	flags.Int("max-attempts", 0, "Attempts per task before it fails")
	flags.Int("max-reruns", 0, "Reruns allowed per layer after a RERUN decision")
	flags.Duration("task-timeout", 0, "Per-attempt task timeout (0 disables)")
	flags.String("checkpoint", "", "Checkpoint backend: memory, file or sqlite")
	flags.Bool("metrics", false, "Print scheduling counters when the run ends")
	app.bindFlag("pool-size", config.KeyPoolSize)
	app.bindFlag("max-attempts", config.KeyMaxAttempts)
	app.bindFlag("max-reruns", config.KeyMaxReruns)
	app.bindFlag("task-timeout", config.KeyTaskTimeout)
	app.bindFlag("checkpoint", config.KeyCheckpoint)
}

func newRunCmd(app *cli) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:         "run [workflow]",
		Short:       "Start a new run of a workflow definition",
		Long:        "Start a new run. The workflow is a file path or a name inside the workflow directory; without one the configured default is used.",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{annotationWorkspace: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			def, source, err := app.loadDefinition(name)
			if err != nil {
				return err
			}
			return app.stream(cmd, func(ctx context.Context, eng *engine.Engine, reg *role.Registry) (engine.State, <-chan scheduler.LayerResult, error) {
				app.logger.Info("starting run", "workflow", def.ID, "source", source)
				return eng.Start(ctx, reg, engine.StartRequest{Definition: def, RunID: runID})
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Explicit run id (generated when empty)")
	addSchedulerFlags(app, cmd)
	return cmd
}

func newResumeCmd(app *cli) *cobra.Command {
	var (
		ackHold bool
		note    string
	)
	cmd := &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Continue a stopped run",
		Long: "Continue a run that stopped on HOLD, failure or cancellation. Without --ack-hold a held layer is re-run; " +
			"with it the HOLD is accepted as PROCEED and recorded in the checkpoint log. Defaults to the latest run.",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{annotationWorkspace: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return app.stream(cmd, func(ctx context.Context, eng *engine.Engine, reg *role.Registry) (engine.State, <-chan scheduler.LayerResult, error) {
				return eng.Resume(ctx, reg, engine.ResumeRequest{RunID: runID, AcknowledgeHold: ackHold, Note: note})
			})
		},
	}
	cmd.Flags().BoolVar(&ackHold, "ack-hold", false, "Accept the held layer as PROCEED")
	cmd.Flags().StringVar(&note, "note", "", "Operator note recorded with the acknowledgement")
	addSchedulerFlags(app, cmd)
	return cmd
}

type startFunc func(ctx context.Context, eng *engine.Engine, reg *role.Registry) (engine.State, <-chan scheduler.LayerResult, error)

// stream starts or resumes a run, displays its results and turns the outcome
// into an exit status.
func (c *cli) stream(cmd *cobra.Command, start startFunc) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	withMetrics, _ := cmd.Flags().GetBool("metrics")
	recorder := metrics.Nop()
	var local *metrics.Local
	if withMetrics {
		l, err := metrics.NewLocal()
		if err != nil {
			return err
		}
		local = l
		recorder = l.Recorder
	}

	eng, reg, err := c.openEngine(ctx, recorder)
	if err != nil {
		return err
	}
	state, results, err := start(ctx, eng, reg)
	if err != nil {
		return err
	}
	mode, _ := cmd.Flags().GetString("output")
	title := fmt.Sprintf("%s · run %s", state.WorkflowID, state.RunID)
	outcome, err := tui.Watch(ctx, c.stdout, tui.Mode(mode), title, results, cancel)
	if err != nil {
		return err
	}
	if local != nil {
		if err := c.printTotals(ctx, local); err != nil {
			return err
		}
	}

	final, err := eng.View(state.RunID)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, tui.RenderState(final))
	if outcome.Proceeded() {
		return nil
	}
	reason := final.StatusReason
	if reason == "" {
		reason = string(final.Status)
	}
	return &stoppedError{reason: reason}
}

func (c *cli) printTotals(ctx context.Context, local *metrics.Local) error {
	totals, err := local.Totals(ctx)
	if err != nil {
		return err
	}
	for _, total := range totals {
		fmt.Fprintf(c.stdout, "%s{%s} %d\n", total.Metric, total.Attributes, total.Value)
	}
	return local.Shutdown(context.WithoutCancel(ctx))
}
