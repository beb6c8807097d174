package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/conclave/internal/report"
	"github.com/kingrea/conclave/internal/synthesis"
	"github.com/kingrea/conclave/internal/tui"
)

func newSynthesizeCmd(app *cli) *cobra.Command {
	var (
		artifact string
		expect   []string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "synthesize <report.json>...",
		Short: "Merge reviewer reports into one prioritized view",
		Long: "Cross-reference reports without running a workflow. Reports without a task id are named after their file. " +
			"--expect lists sources that should have reported so missing ones are flagged.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reports := make([]report.Report, 0, len(args))
			for _, path := range args {
				rep, err := readReport(path)
				if err != nil {
					return err
				}
				reports = append(reports, rep)
			}
			result := synthesis.Synthesize(reports,
				synthesis.WithArtifact(artifact),
				synthesis.WithExpectedSourceIDs(expect...),
			)
			app.logger.Debug("synthesized reports", "reports", len(reports), "summary", result.Summary())
			if asJSON {
				enc := json.NewEncoder(app.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			fmt.Fprintln(app.stdout, tui.RenderSynthesis(result))
			return nil
		},
	}
	cmd.Flags().StringVar(&artifact, "artifact", "", "Name of the reviewed artifact")
	cmd.Flags().StringSliceVar(&expect, "expect", nil, "Sources expected to report (comma separated)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func readReport(path string) (report.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return report.Report{}, fmt.Errorf("read report %s: %w", path, err)
	}
	rep, err := report.Decode(data)
	if err != nil {
		return report.Report{}, fmt.Errorf("report %s: %w", path, err)
	}
	if rep.TaskID == "" && rep.Source == "" {
		rep.TaskID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return rep.WithDefaults(), nil
}
