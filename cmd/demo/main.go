// Package main runs a complete migration against in-memory RDS and MySQL fakes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/mpz/devops/tools/aurora-migrate/internal/app"
	"github.com/mpz/devops/tools/aurora-migrate/internal/config"
	"github.com/mpz/devops/tools/aurora-migrate/internal/constants"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/mock"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
	"github.com/spf13/cobra"
)

type demoOptions struct {
	source        string
	manualRestore bool
	group         string
	interval      time.Duration
	settlePolls   int
	dataDir       string
	verbose       bool
}

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	var opts demoOptions
	cmd := &cobra.Command{
		Use:           "demo",
		Short:         "Run a full three-stage migration against in-memory fakes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(command *cobra.Command, args []string) error {
			return runDemo(command.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.source, "database", "demo-orders", "Source instance identifier")
	cmd.Flags().BoolVar(&opts.manualRestore, "manual-restore", false, "Exercise the operator restore path")
	cmd.Flags().StringVar(&opts.group, "group", "", "Parameter group to apply to the target")
	cmd.Flags().DurationVar(&opts.interval, "interval", 20*time.Millisecond, "Poll interval for every wait")
	cmd.Flags().IntVar(&opts.settlePolls, "settle-polls", 3, "Polls a fake resource stays transitional")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "Directory for the run journal (default: none)")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "Verbose logging")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error kind: %s\nerror: %+v\n", internalerrors.Kind(err), err)
		os.Exit(constants.ExitFailure)
	}
}

func runDemo(ctx context.Context, opts demoOptions) error {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	plan, err := types.NewPlan(types.PlanInput{
		Source:         opts.source,
		User:           "admin",
		Password:       "demo-password",
		ParameterGroup: opts.group,
	})
	if err != nil {
		return err
	}

	rec := mock.NewRecorder()
	state := mock.NewState(mock.Options{SettlePolls: opts.settlePolls, Recorder: rec})
	state.AddSourceInstance(plan.SourceID)
	if opts.manualRestore {
		// The "operator" restores the snapshot a few polls after being asked.
		state.ExpectOperatorRestore(plan.ClusterID, plan.TargetID, opts.settlePolls+2)
	}

	fleet := mock.NewMySQLFleet(rec)
	fleet.SetMaster(plan.ReplicaID, "mysql-bin-changelog.000231", 4_812_337)
	fleet.ScriptLag(plan.TargetID, -1, -1, 840, 312, 57, 4, 0)

	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	cfg.DataDir = opts.dataDir
	cfg.ManualRestore = opts.manualRestore
	cfg.SlackEnabled = false
	cfg.WaitDeadline = time.Minute
	cfg.InstancePollInterval = opts.interval
	cfg.ModificationPollInterval = opts.interval
	cfg.ReplicationPollInterval = opts.interval
	cfg.ReplicationGracePeriod = opts.interval
	cfg.RebootSettlePeriod = opts.interval

	a, err := app.NewWithDependencies(cfg, logger, app.Dependencies{RDS: state, EC2: state, Dialer: fleet})
	if err != nil {
		return errors.Wrap(err, "initialize")
	}

	fmt.Println()
	fmt.Println("==============================================")
	fmt.Println("  Aurora Migration - DEMO MODE")
	fmt.Println("==============================================")
	fmt.Printf("  Source:   %s\n", plan.SourceID)
	fmt.Printf("  Replica:  %s\n", plan.ReplicaID)
	fmt.Printf("  Target:   %s (cluster %s)\n", plan.TargetID, plan.ClusterID)
	fmt.Printf("  Restore:  %s\n", map[bool]string{false: "API", true: "manual (operator)"}[opts.manualRestore])
	fmt.Printf("  Interval: %s\n", opts.interval)
	fmt.Println("==============================================")
	fmt.Println()

	run, err := a.Migrate(ctx, plan)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Migration complete. Elapsed time: %s\n", run.Elapsed().Round(time.Millisecond))
	fmt.Printf("Instances: %s\n", strings.Join(state.InstanceIDs(), ", "))
	fmt.Printf("%d service calls:\n", len(rec.Calls()))
	for _, c := range rec.Filter(
		"CreateDBInstanceReadReplica", "ModifyDBInstance", "RebootDBInstance", "CreateDBSnapshot",
		"RestoreDBClusterFromSnapshot", "CreateDBInstance", "Exec:stop_replication",
		"Exec:set_external_master", "Exec:start_replication",
	) {
		fmt.Printf("  %s\n", c)
	}
	return nil
}
