package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/conclave/internal/config"
	"github.com/kingrea/conclave/internal/tui"
	"github.com/kingrea/conclave/internal/workflow"
	"github.com/kingrea/conclave/internal/workflow/graph"
)

// anyRole accepts every role so a definition's structure can be checked
// before workers are configured.
type anyRole struct{}

func (anyRole) HasRole(string) bool { return true }

func newInitCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .conclave workspace and a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.InitProjectDir(app.cfg.ProjectDir); err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "Initialized %s\n", filepath.Join(app.cfg.ProjectDir, workflow.DefaultStateDir))
			return nil
		},
	}
}

func newStatusCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the persisted state of a run (defaults to the latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := app.repository()
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			} else {
				latest, err := repo.Latest()
				if err != nil {
					return err
				}
				runID = latest
			}
			state, err := repo.Load(runID)
			if err != nil {
				return err
			}
			fmt.Fprintln(app.stdout, tui.RenderState(state))
			return nil
		},
	}
}

func newValidateCmd(app *cli) *cobra.Command {
	var structureOnly bool
	cmd := &cobra.Command{
		Use:   "validate <workflow>...",
		Short: "Check workflow definitions against the configured roles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var caps graph.Capabilities = anyRole{}
			if !structureOnly {
				reg, err := app.registry()
				if err != nil {
					return err
				}
				caps = reg
			}
			invalid := 0
			for _, name := range args {
				def, source, err := app.loadDefinition(name)
				if err == nil {
					var g *graph.Graph
					g, err = graph.Build(def, caps)
					if err == nil {
						tasks := 0
						for _, layer := range g.Layers() {
							tasks += len(layer.Tasks)
						}
						fmt.Fprintf(app.stdout, "OK: %s (%s, %d layers, %d tasks)\n", source, g.ID(), g.Len(), tasks)
						continue
					}
				}
				invalid++
				fmt.Fprintf(app.stdout, "Invalid: %s\n", source)
				for _, line := range strings.Split(err.Error(), "\n") {
					fmt.Fprintf(app.stdout, "- %s\n", line)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d workflow definitions invalid", invalid, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&structureOnly, "structure-only", false, "Skip the role capability check")
	return cmd
}

func newListCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions found in the workflow directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := app.cfg.WorkflowDir()
			found, err := workflow.Discover(dir, app.cfg.Project.Workflows.Patterns...)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Fprintf(app.stdout, "No workflow definitions under %s\n", dir)
				return nil
			}
			defaultName := app.cfg.DefaultWorkflow()
			for _, item := range found {
				rel, relErr := filepath.Rel(dir, item.Path)
				if relErr != nil {
					rel = item.Path
				}
				marker := " "
				if defaultName != "" && (rel == defaultName || item.Definition.ID == defaultName) {
					marker = "*"
				}
				if item.Err != nil {
					fmt.Fprintf(app.stdout, "%s %s  error: %v\n", marker, rel, item.Err)
					continue
				}
				title := item.Definition.Name
				if title == "" {
					title = item.Definition.ID
				}
				fmt.Fprintf(app.stdout, "%s %s  %s (%d layers)\n", marker, rel, title, len(item.Definition.Layers))
			}
			return nil
		},
	}
}

func newCheckpointsCmd(app *cli) *cobra.Command {
	var (
		all    bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "checkpoints [run-id]",
		Short: "Print the checkpoint audit trail of a run (defaults to the latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			switch {
			case len(args) == 1:
				runID = args[0]
			case !all:
				latest, err := app.repository().Latest()
				if err != nil {
					return errors.Join(errors.New("no run given and no latest run recorded"), err)
				}
				runID = latest
			}
			log, err := app.openLog(cmd.Context())
			if err != nil {
				return err
			}
			records, err := log.Records(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(app.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			fmt.Fprintln(app.stdout, tui.RenderRecords(records))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Print records of every run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}
