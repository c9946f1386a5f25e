// Package main provides the command line entry point for the Aurora migration.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/mpz/devops/tools/aurora-migrate/internal/app"
	"github.com/mpz/devops/tools/aurora-migrate/internal/config"
	"github.com/mpz/devops/tools/aurora-migrate/internal/constants"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
	"github.com/spf13/cobra"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var uerr *usageError
	if errors.As(err, &uerr) {
		fmt.Fprintf(stderr, "usage error: %s\n", uerr.err)
		fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", cmd.Name())
		return constants.ExitUsage
	}

	fmt.Fprintf(stderr, "error kind: %s\n", internalerrors.Kind(err))
	fmt.Fprintf(stderr, "error: %s\n", err)
	fmt.Fprintf(stderr, "\n%+v\n", err)
	return constants.ExitFailure
}

// usageError marks input problems found before any client is built.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func noArgs(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return &usageError{err: errors.Newf("unexpected arguments %q", args)}
	}
	return nil
}

type migrateFlags struct {
	database      string
	user          string
	pass          string
	target        string
	stage         int
	group         string
	region        string
	profile       string
	engine        string
	engineVersion string
	instanceClass string
	manualRestore bool
	deadline      time.Duration
	planFile      string
	dataDir       string
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var f migrateFlags

	cmd := &cobra.Command{
		Use:   "aurora-migrate",
		Short: "Migrate an RDS MySQL instance to Aurora MySQL through a replica and a snapshot",
		Long: `aurora-migrate moves an RDS MySQL instance to an Aurora MySQL cluster in three stages:

  1 SETUP_REPLICA         create <database>-readRep and enable backups on it
  2 SNAPSHOT_AND_CLUSTER  stop replication, snapshot the replica, restore the cluster
  3 CUTOVER               replicate from the replica into Aurora until it catches up

A failed or interrupted migration is resumed with --stage.`,
		Example: `  aurora-migrate -d orders-db -u admin -p secret
  aurora-migrate -d orders-db -u admin -g aurora-migration-pg --stage 3
  aurora-migrate status -d orders-db`,
		Args:          noArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(command *cobra.Command, args []string) error {
			return runMigrate(command, f, stdout)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	flags := cmd.Flags()
	flags.StringVarP(&f.database, "database", "d", "", "Identifier of the source RDS MySQL instance (required)")
	flags.StringVarP(&f.user, "user", "u", "", "MySQL user on the replica and the target (required)")
	flags.StringVarP(&f.pass, "pass", "p", "", "MySQL password (required, or MIGRATE_DB_PASSWORD)")
	flags.StringVarP(&f.target, "target", "t", "", "Target instance identifier (default <database>-migrated)")
	flags.IntVarP(&f.stage, "stage", "s", int(types.StageSetupReplica), "Stage to start from (1-3)")
	flags.StringVarP(&f.group, "group", "g", "", "DB parameter group to apply to the target instance")
	flags.StringVar(&f.region, "region", "", "AWS region (default AWS_REGION or us-east-1)")
	flags.StringVar(&f.profile, "profile", "", "AWS shared config profile")
	flags.StringVar(&f.engine, "engine", "", "Target cluster engine (default aurora-mysql)")
	flags.StringVar(&f.engineVersion, "engine-version", "", "Target cluster engine version")
	flags.StringVar(&f.instanceClass, "instance-class", "", "Target instance class (default: the replica's class)")
	flags.BoolVar(&f.manualRestore, "manual-restore", false, "Do not call the restore API; wait for an operator to restore the snapshot")
	flags.DurationVar(&f.deadline, "deadline", 0, "Upper bound for each wait (0 waits without bound)")
	flags.StringVar(&f.planFile, "plan", "", "YAML plan file; flags override its values")
	flags.StringVar(&f.dataDir, "data-dir", "", "Directory for the run journal (default APP_DATA_DIR or ./data)")

	cmd.AddCommand(newStatusCmd(stdout))
	return cmd
}

func runMigrate(command *cobra.Command, f migrateFlags, stdout io.Writer) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return &usageError{err: err}
	}
	applyConfigFlags(command, cfg, f)

	plan, err := buildPlan(command, cfg, f)
	if err != nil {
		return &usageError{err: err}
	}

	logger := config.NewLogger()
	ctx := command.Context()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "initialize")
	}

	result, err := a.Migrate(ctx, plan)
	if err != nil {
		if result != nil {
			fmt.Fprintf(stdout, "Migration failed after %s. Resume with --stage %d once the cause is fixed.\n",
				result.Elapsed().Round(time.Second), result.SuggestedResumeStage())
		}
		return err
	}

	fmt.Fprintf(stdout, "Migration of %s to %s (cluster %s) complete.\n", plan.SourceID, plan.TargetID, plan.ClusterID)
	fmt.Fprintf(stdout, "Elapsed time: %s\n", result.Elapsed().Round(time.Second))
	return nil
}

func applyConfigFlags(command *cobra.Command, cfg *config.Config, f migrateFlags) {
	flags := command.Flags()
	if flags.Changed("region") {
		cfg.AWSRegion = f.region
	}
	if flags.Changed("profile") {
		cfg.AWSProfile = f.profile
	}
	if flags.Changed("manual-restore") {
		cfg.ManualRestore = f.manualRestore
	}
	if flags.Changed("deadline") {
		cfg.WaitDeadline = f.deadline
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
}

// buildPlan starts from the plan file, if any, and lets explicitly set flags win.
// The password falls back to MIGRATE_DB_PASSWORD.
func buildPlan(command *cobra.Command, cfg *config.Config, f migrateFlags) (types.MigrationPlan, error) {
	var in types.PlanInput
	if f.planFile != "" {
		loaded, err := config.LoadPlanFile(f.planFile)
		if err != nil {
			return types.MigrationPlan{}, err
		}
		in = loaded
	}

	flags := command.Flags()
	override := func(name string, dest *string, value string) {
		if flags.Changed(name) {
			*dest = value
		}
	}
	override("database", &in.Source, f.database)
	override("user", &in.User, f.user)
	override("pass", &in.Password, f.pass)
	override("target", &in.Target, f.target)
	override("group", &in.ParameterGroup, f.group)
	override("engine", &in.Engine, f.engine)
	override("engine-version", &in.EngineVersion, f.engineVersion)
	override("instance-class", &in.InstanceClass, f.instanceClass)
	if flags.Changed("stage") {
		in.Stage = f.stage
	}
	if in.Password == "" {
		in.Password = cfg.DBPassword
	}

	return types.NewPlan(in)
}
