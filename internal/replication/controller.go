package replication

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/constants"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
	"github.com/mpz/devops/tools/aurora-migrate/internal/waiter"
)

// Controller stops, redirects and monitors replication.
type Controller struct {
	waiter       *waiter.Waiter
	logger       *slog.Logger
	pollInterval time.Duration
	gracePeriod  time.Duration
}

// ControllerConfig contains configuration for a Controller.
type ControllerConfig struct {
	Waiter *waiter.Waiter
	Logger *slog.Logger
	// PollInterval is the time between replica status checks during cutover.
	PollInterval time.Duration
	// GracePeriod is the pause after stopping replication.
	GracePeriod time.Duration
}

// NewController creates a Controller.
func NewController(cfg ControllerConfig) *Controller {
	c := &Controller{
		waiter:       cfg.Waiter,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		gracePeriod:  cfg.GracePeriod,
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.waiter == nil {
		c.waiter = waiter.New(waiter.Config{Logger: c.logger})
	}
	if c.pollInterval <= 0 {
		c.pollInterval = constants.ReplicationPollInterval
	}
	if c.gracePeriod < 0 {
		c.gracePeriod = 0
	}
	return c
}

// StopReplication stops replication on s and pauses so in-flight events are applied.
func (c *Controller) StopReplication(ctx context.Context, s Session) error {
	c.logger.Info("stopping replication", slog.String("endpoint", s.Endpoint().Address))
	if err := s.Exec(ctx, StopReplicationCommand()); err != nil {
		return errors.Wrap(err, "stop replication")
	}
	return c.waiter.Sleep(ctx, c.gracePeriod, "replication stop on "+s.Endpoint().Address)
}

// Cutover makes target replicate from source's current binary log position, waits
// until target has caught up and resumes replication on source.
func (c *Controller) Cutover(ctx context.Context, source, target Session) (types.ReplicationStatus, error) {
	src := source.Endpoint()
	dst := target.Endpoint()

	coord, err := source.MasterStatus(ctx)
	if err != nil {
		return types.ReplicationStatus{}, errors.Wrap(err, "read binary log position")
	}
	c.logger.Info("captured binary log position",
		slog.String("endpoint", src.Address),
		slog.String("file", coord.File),
		slog.Uint64("position", coord.Position))

	if err := target.Exec(ctx, SetExternalMasterCommand(src, source.Credentials(), coord)); err != nil {
		return types.ReplicationStatus{}, errors.Wrap(err, "set external master")
	}
	if err := target.Exec(ctx, StartReplicationCommand()); err != nil {
		return types.ReplicationStatus{}, errors.Wrap(err, "start replication on target")
	}
	c.logger.Info("replication started",
		slog.String("source", src.Address),
		slog.String("target", dst.Address),
		slog.String("position", coord.String()))

	var status types.ReplicationStatus
	err = c.waiter.Until(ctx, waiter.Request{
		Description: "replication lag on " + dst.Address + " to reach 0",
		Interval:    c.pollInterval,
	}, func(ctx context.Context) (bool, error) {
		st, err := target.ReplicaStatus(ctx)
		if err != nil {
			return false, err
		}
		status = st
		if st.Failed() {
			return false, errors.Wrapf(internalerrors.ErrReplicationError,
				"replica %s reported: %s", dst.Address, st.LastError)
		}
		c.logger.Info("replication status",
			slog.String("endpoint", dst.Address),
			slog.String("lag", st.Lag.String()),
			slog.String("io_running", st.IORunning),
			slog.String("sql_running", st.SQLRunning),
			slog.String("last_io_error", st.LastIOError))
		return st.Lag.IsZero(), nil
	})
	if err != nil {
		return status, err
	}

	c.logger.Info("target caught up, resuming replication on source", slog.String("endpoint", src.Address))
	if err := source.Exec(ctx, StartReplicationCommand()); err != nil {
		return status, errors.Wrap(err, "start replication on source")
	}
	return status, nil
}
