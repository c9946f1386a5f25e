// Package machine provides the stage engine that drives an Aurora migration.
package machine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/juju/clock"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/rds"
	"github.com/mpz/devops/tools/aurora-migrate/internal/replication"
	"github.com/mpz/devops/tools/aurora-migrate/internal/storage"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
)

// Infrastructure is the part of the RDS facade the stages use.
type Infrastructure interface {
	FindInstance(ctx context.Context, instanceID string) (*types.InstanceHandle, error)
	WaitInstanceAvailable(ctx context.Context, instanceID string) (*types.InstanceHandle, error)
	EnsureReadReplica(ctx context.Context, sourceID, replicaID string) (*types.InstanceHandle, error)
	EnsureBackupRetention(ctx context.Context, replica *types.InstanceHandle, days int32) (*types.InstanceHandle, error)
	CreateSnapshot(ctx context.Context, replica *types.InstanceHandle) (*types.SnapshotHandle, error)
	ProvisionTargetCluster(ctx context.Context, req rds.ProvisionRequest) (*types.InstanceHandle, error)
}

// Replicator controls MySQL replication between the replica and the target.
type Replicator interface {
	StopReplication(ctx context.Context, s replication.Session) error
	Cutover(ctx context.Context, source, target replication.Session) (types.ReplicationStatus, error)
}

// Notifier sends notifications about run events.
type Notifier interface {
	NotifyRunStarted(ctx context.Context, run *types.Run) error
	NotifyStageCompleted(ctx context.Context, run *types.Run, stage types.Stage) error
	NotifyRunCompleted(ctx context.Context, run *types.Run) error
	NotifyRunFailed(ctx context.Context, run *types.Run) error
	NotifyInterventionRequired(ctx context.Context, run *types.Run, instruction string) error
}

// Engine runs the migration stages in order.
type Engine struct {
	infra      Infrastructure
	replicator Replicator
	dialer     replication.Dialer
	store      storage.Store
	notifier   Notifier
	clock      clock.Clock
	logger     *slog.Logger

	backupRetentionDays int32
}

// EngineConfig contains configuration for the engine.
type EngineConfig struct {
	Infrastructure Infrastructure
	Replicator     Replicator
	Dialer         replication.Dialer
	Store          storage.Store
	Notifier       Notifier
	Clock          clock.Clock
	Logger         *slog.Logger

	// BackupRetentionDays is applied to the replica when it has backups disabled.
	BackupRetentionDays int32
}

// NewEngine creates a new stage engine.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		infra:               cfg.Infrastructure,
		replicator:          cfg.Replicator,
		dialer:              cfg.Dialer,
		store:               cfg.Store,
		notifier:            cfg.Notifier,
		clock:               cfg.Clock,
		logger:              cfg.Logger,
		backupRetentionDays: cfg.BackupRetentionDays,
	}

	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.clock == nil {
		e.clock = clock.WallClock
	}
	if e.store == nil {
		e.store = &storage.NullStore{}
	}
	if e.backupRetentionDays <= 0 {
		e.backupRetentionDays = 1
	}
	return e
}

// stageFunc executes one stage of plan.
type stageFunc func(ctx context.Context, run *types.Run, plan types.MigrationPlan) error

func (e *Engine) stages() []struct {
	stage types.Stage
	run   stageFunc
} {
	return []struct {
		stage types.Stage
		run   stageFunc
	}{
		{types.StageSetupReplica, e.setupReplica},
		{types.StageSnapshotAndCluster, e.snapshotAndCluster},
		{types.StageCutover, e.cutover},
	}
}

// Run executes every stage at or after plan.ResumeStage. Earlier stages are
// skipped without touching the infrastructure. The returned run is never nil;
// on failure it records the failing stage and the error kind.
func (e *Engine) Run(ctx context.Context, plan types.MigrationPlan) (*types.Run, error) {
	run := types.NewRun(uuid.New().String(), plan, e.clock.Now())

	e.logger.Info("migration started",
		slog.String("run_id", run.ID),
		slog.String("source_id", plan.SourceID),
		slog.String("target_id", plan.TargetID),
		slog.String("cluster_id", plan.ClusterID),
		slog.Int("resume_stage", int(plan.ResumeStage)))

	e.persistRun(ctx, run)
	e.addEvent(ctx, run, types.EventRunStarted, 0, "Migration started at stage "+plan.ResumeStage.String(), nil)
	e.notify(ctx, "run_started", func(ctx context.Context) error { return e.notifier.NotifyRunStarted(ctx, run) })

	for _, st := range e.stages() {
		rec := run.Record(st.stage)

		if !plan.ShouldRun(st.stage) {
			rec.State = types.StageStateSkipped
			e.touch(run)
			e.logger.Info("skipping stage", slog.String("stage", st.stage.String()))
			e.persistRun(ctx, run)
			e.addEvent(ctx, run, types.EventStageSkipped, st.stage, "Skipped: "+st.stage.String(), nil)
			continue
		}

		started := e.clock.Now()
		rec.State = types.StageStateRunning
		rec.StartedAt = &started
		e.touch(run)
		e.logger.Info("starting stage", slog.String("stage", st.stage.String()))
		e.persistRun(ctx, run)
		e.addEvent(ctx, run, types.EventStageStarted, st.stage, "Starting: "+st.stage.String(), nil)

		if err := st.run(ctx, run, plan); err != nil {
			err = errors.Wrapf(err, "stage %d (%s)", st.stage, st.stage)
			e.fail(ctx, run, rec, err)
			return run, err
		}

		completed := e.clock.Now()
		rec.State = types.StageStateCompleted
		rec.CompletedAt = &completed
		run.State = types.RunStateRunning
		e.touch(run)
		e.logger.Info("stage completed",
			slog.String("stage", st.stage.String()),
			slog.Duration("duration", completed.Sub(started)))
		e.persistRun(ctx, run)
		e.addEvent(ctx, run, types.EventStageCompleted, st.stage, "Completed: "+st.stage.String(), nil)
		e.notify(ctx, "stage_completed", func(ctx context.Context) error {
			return e.notifier.NotifyStageCompleted(ctx, run, st.stage)
		})
	}

	now := e.clock.Now()
	run.State = types.RunStateCompleted
	run.CompletedAt = &now
	run.UpdatedAt = now

	e.logger.Info("migration completed",
		slog.String("run_id", run.ID),
		slog.Duration("elapsed", run.Elapsed()))
	e.persistRun(ctx, run)
	e.addEvent(ctx, run, types.EventRunCompleted, 0, "Migration completed successfully", nil)
	e.notify(ctx, "run_completed", func(ctx context.Context) error { return e.notifier.NotifyRunCompleted(ctx, run) })

	return run, nil
}

// fail records err against rec and the run. The journal and notifier still get
// the failure when ctx was cancelled.
func (e *Engine) fail(ctx context.Context, run *types.Run, rec *types.StageRecord, err error) {
	ctx = context.WithoutCancel(ctx)

	now := e.clock.Now()
	rec.State = types.StageStateFailed
	rec.Error = err.Error()
	rec.CompletedAt = &now
	run.State = types.RunStateFailed
	run.Error = err.Error()
	run.ErrorKind = internalerrors.Kind(err)
	run.CompletedAt = &now
	run.UpdatedAt = now

	e.logger.Error("stage failed",
		slog.String("stage", rec.Stage.String()),
		slog.String("error_kind", run.ErrorKind),
		slog.String("error", err.Error()))
	e.persistRun(ctx, run)
	e.addEvent(ctx, run, types.EventStageFailed, rec.Stage, err.Error(), nil)
	e.addEvent(ctx, run, types.EventRunFailed, 0, "Migration failed: "+run.ErrorKind, nil)
	e.notify(ctx, "run_failed", func(ctx context.Context) error { return e.notifier.NotifyRunFailed(ctx, run) })
}

func (e *Engine) touch(run *types.Run) {
	run.UpdatedAt = e.clock.Now()
}

// addEvent appends an event to the run journal. Journal failures are logged only.
func (e *Engine) addEvent(ctx context.Context, run *types.Run, eventType string, stage types.Stage, message string, data any) {
	event := types.Event{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		Type:      eventType,
		Stage:     stage,
		Message:   message,
		Data:      encodeData(data),
		Timestamp: e.clock.Now(),
	}

	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.Error("failed to persist event",
			slog.String("run_id", run.ID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) persistRun(ctx context.Context, run *types.Run) {
	if err := e.store.SaveRun(ctx, run); err != nil {
		e.logger.Error("failed to persist run",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) notify(ctx context.Context, what string, send func(context.Context) error) {
	if e.notifier == nil {
		return
	}
	if err := send(ctx); err != nil {
		e.logger.Warn("notification failed",
			slog.String("notification", what),
			slog.String("error", err.Error()))
	}
}

func encodeData(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return raw
}
