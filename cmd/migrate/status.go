package main

import (
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/app"
	"github.com/mpz/devops/tools/aurora-migrate/internal/config"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newStatusCmd(stdout io.Writer) *cobra.Command {
	var database, dataDir string
	var events bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last journaled run of a database and the stage to resume from",
		Args:  noArgs,
		RunE: func(command *cobra.Command, args []string) error {
			if database == "" {
				return &usageError{err: errors.New("--database is required")}
			}

			cfg, err := config.NewConfig()
			if err != nil {
				return &usageError{err: err}
			}
			if command.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}

			store, err := app.OpenStore(cfg, config.NewLogger())
			if err != nil {
				return err
			}
			status, err := app.Status(command.Context(), store, database)
			if err != nil {
				return err
			}
			if status == nil {
				fmt.Fprintf(stdout, "No runs recorded for %s in %s.\n", database, cfg.DataDir)
				return nil
			}

			printStatus(stdout, status, events)
			return nil
		},
	}

	cmd.Flags().StringVarP(&database, "database", "d", "", "Identifier of the source RDS MySQL instance (required)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory of the run journal (default APP_DATA_DIR or ./data)")
	cmd.Flags().BoolVar(&events, "events", false, "Also list the run's events")
	return cmd
}

func printStatus(w io.Writer, status *app.RunStatus, withEvents bool) {
	run := status.Run

	fmt.Fprintf(w, "Run:     %s\n", run.ID)
	fmt.Fprintf(w, "Source:  %s\n", run.SourceID)
	fmt.Fprintf(w, "Target:  %s (cluster %s)\n", run.TargetID, run.ClusterID)
	fmt.Fprintf(w, "State:   %s\n", run.State)
	fmt.Fprintf(w, "Started: %s\n", run.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Elapsed: %s\n\n", run.Elapsed().Round(time.Second))

	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"STAGE", "NAME", "STATE", "ERROR"})
	for _, rec := range run.Stages {
		table.Append([]string{fmt.Sprint(int(rec.Stage)), rec.Name, string(rec.State), rec.Error})
	}
	table.Render()

	if run.Error != "" {
		fmt.Fprintf(w, "\nError (%s): %s\n", run.ErrorKind, run.Error)
	}
	if next := run.SuggestedResumeStage(); next != 0 {
		fmt.Fprintf(w, "\nResume with: --stage %d\n", next)
	}

	if !withEvents {
		return
	}
	fmt.Fprintln(w)
	table = tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"TIME", "STAGE", "TYPE", "MESSAGE"})
	for _, ev := range status.Events {
		stage := ""
		if ev.Stage != 0 {
			stage = ev.Stage.String()
		}
		table.Append([]string{ev.Timestamp.Format(time.RFC3339), stage, ev.Type, ev.Message})
	}
	table.Render()
}
