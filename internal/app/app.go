// Package app wires configuration, clients and the stage engine together.
package app

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/juju/clock"
	"github.com/mpz/devops/tools/aurora-migrate/internal/config"
	"github.com/mpz/devops/tools/aurora-migrate/internal/constants"
	"github.com/mpz/devops/tools/aurora-migrate/internal/machine"
	"github.com/mpz/devops/tools/aurora-migrate/internal/notifiers"
	"github.com/mpz/devops/tools/aurora-migrate/internal/rds"
	"github.com/mpz/devops/tools/aurora-migrate/internal/replication"
	"github.com/mpz/devops/tools/aurora-migrate/internal/storage"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
	"github.com/mpz/devops/tools/aurora-migrate/internal/waiter"
)

// App is the main application instance.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Waiter        *waiter.Waiter
	Engine        *machine.Engine
	ClientManager *rds.ClientManager
	Store         storage.Store
	Notifier      machine.Notifier
}

// Dependencies replaces the external services, for the demo and tests.
type Dependencies struct {
	RDS    rds.API
	EC2    rds.EC2API
	Dialer replication.Dialer
	Clock  clock.Clock
}

// New creates an App talking to AWS and MySQL.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app, err := newApp(cfg, logger, clock.WallClock)
	if err != nil {
		return nil, err
	}

	template := app.clientConfig()
	template.BaseURL = cfg.RDSEndpoint
	app.ClientManager = rds.NewClientManager(rds.ClientManagerConfig{
		Load:     cfg.LoadAWSConfig,
		Template: template,
	})
	if cfg.RDSEndpoint != "" {
		logger.Info("using RDS endpoint override",
			slog.String("endpoint", cfg.RDSEndpoint),
			slog.Bool("anonymous_credentials", cfg.DemoMode))
	}

	client, err := app.ClientManager.GetClient(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, errors.Wrap(err, "create rds client")
	}

	dialer := replication.NewMySQLDialer(replication.MySQLDialerConfig{
		Timeout: cfg.DialTimeout,
		Logger:  logger,
	})

	app.Engine = app.newEngine(client, dialer)
	return app, nil
}

// NewWithDependencies creates an App over the given service implementations.
func NewWithDependencies(cfg *config.Config, logger *slog.Logger, deps Dependencies) (*App, error) {
	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	app, err := newApp(cfg, logger, clk)
	if err != nil {
		return nil, err
	}

	client := rds.NewClientWithAPI(deps.RDS, deps.EC2, app.clientConfig())
	app.Engine = app.newEngine(client, deps.Dialer)
	return app, nil
}

func newApp(cfg *config.Config, logger *slog.Logger, clk clock.Clock) (*App, error) {
	if logger == nil {
		logger = config.NewLogger()
	}

	store, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	var notifier machine.Notifier
	if cfg.SlackEnabled && cfg.SlackToken != "" {
		notifier = notifiers.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel)
		logger.Info("slack notifications enabled", slog.String("channel", cfg.SlackChannel))
	} else {
		notifier = &notifiers.NullNotifier{}
	}

	return &App{
		Config: cfg,
		Logger: logger,
		Waiter: waiter.New(waiter.Config{
			Clock:    clk,
			Logger:   logger,
			Deadline: cfg.WaitDeadline,
		}),
		Store:    store,
		Notifier: notifier,
	}, nil
}

// OpenStore opens the run journal under cfg.DataDir. An empty DataDir disables it.
func OpenStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.DataDir == "" {
		logger.Info("run journal disabled")
		return &storage.NullStore{}, nil
	}
	store, err := storage.NewFileStore(cfg.DataDir, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create file store")
	}
	logger.Debug("using file-based run journal", slog.String("data_dir", cfg.DataDir))
	return store, nil
}

func (a *App) clientConfig() rds.ClientConfig {
	return rds.ClientConfig{
		Waiter: a.Waiter,
		Logger: a.Logger,
		Intervals: rds.Intervals{
			Instance:     a.Config.InstancePollInterval,
			Modification: a.Config.ModificationPollInterval,
			Settle:       a.Config.RebootSettlePeriod,
		},
		ManualRestore: a.Config.ManualRestore,
	}
}

func (a *App) newEngine(infra machine.Infrastructure, dialer replication.Dialer) *machine.Engine {
	return machine.NewEngine(machine.EngineConfig{
		Infrastructure: infra,
		Replicator: replication.NewController(replication.ControllerConfig{
			Waiter:       a.Waiter,
			Logger:       a.Logger,
			PollInterval: a.Config.ReplicationPollInterval,
			GracePeriod:  a.Config.ReplicationGracePeriod,
		}),
		Dialer:              dialer,
		Store:               a.Store,
		Notifier:            a.Notifier,
		Clock:               a.Waiter.Clock(),
		Logger:              a.Logger,
		BackupRetentionDays: constants.DefaultBackupRetentionDays,
	})
}

// Migrate runs the migration described by plan.
func (a *App) Migrate(ctx context.Context, plan types.MigrationPlan) (*types.Run, error) {
	a.Logger.Debug("configuration", slog.Any("config", a.Config))
	return a.Engine.Run(ctx, plan)
}

// RunStatus is the last journaled run of a source and its events.
type RunStatus struct {
	Run    *types.Run
	Events []types.Event
}

// Status returns the latest run journaled for sourceID, or nil when there is none.
func Status(ctx context.Context, store storage.Store, sourceID string) (*RunStatus, error) {
	run, err := storage.LatestRun(ctx, store, sourceID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}
	events, err := store.GetEvents(ctx, run.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "read events of run %s", run.ID)
	}
	return &RunStatus{Run: run, Events: events}, nil
}
