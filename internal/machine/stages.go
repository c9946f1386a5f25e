package machine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/rds"
	"github.com/mpz/devops/tools/aurora-migrate/internal/replication"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
)

// setupReplica creates the read replica and enables backups on it, which turns
// on binary logging.
func (e *Engine) setupReplica(ctx context.Context, run *types.Run, plan types.MigrationPlan) error {
	replica, err := e.infra.EnsureReadReplica(ctx, plan.SourceID, plan.ReplicaID)
	if err != nil {
		return err
	}

	replica, err = e.infra.EnsureBackupRetention(ctx, replica, e.backupRetentionDays)
	if err != nil {
		return err
	}

	e.addEvent(ctx, run, types.EventReplicaInstanceReady, types.StageSetupReplica,
		fmt.Sprintf("Replica %s is available with %d day backup retention", replica.ID, replica.BackupRetentionPeriod), replica)
	return nil
}

// snapshotAndCluster stops replication on the replica, snapshots it, and
// provisions the Aurora cluster and target instance from the snapshot.
func (e *Engine) snapshotAndCluster(ctx context.Context, run *types.Run, plan types.MigrationPlan) error {
	replica, err := e.requireInstance(ctx, plan.ReplicaID, types.StageSetupReplica,
		replicaOf(plan.SourceID), backupsEnabled)
	if err != nil {
		return err
	}

	if err := e.withSession(ctx, replica, plan.Credentials, func(s replication.Session) error {
		return e.replicator.StopReplication(ctx, s)
	}); err != nil {
		return err
	}

	snapshot, err := e.infra.CreateSnapshot(ctx, replica)
	if err != nil {
		return err
	}
	e.addEvent(ctx, run, types.EventSnapshotReady, types.StageSnapshotAndCluster,
		"Snapshot "+snapshot.ID+" is available", snapshot)

	target, err := e.infra.ProvisionTargetCluster(ctx, rds.ProvisionRequest{
		Plan:      plan,
		Replica:   replica,
		Snapshot:  snapshot,
		OnBlocked: func(mi rds.ManualIntervention) { e.blocked(ctx, run, mi) },
	})
	if err != nil {
		return err
	}
	run.State = types.RunStateRunning

	e.addEvent(ctx, run, types.EventTargetInstanceReady, types.StageSnapshotAndCluster,
		"Target "+target.ID+" is available in cluster "+target.ClusterID, target)
	return nil
}

// cutover points the target at the replica's binary log, waits for it to catch
// up, then restarts replication on the replica.
func (e *Engine) cutover(ctx context.Context, run *types.Run, plan types.MigrationPlan) error {
	replica, err := e.requireInstance(ctx, plan.ReplicaID, types.StageSetupReplica,
		replicaOf(plan.SourceID))
	if err != nil {
		return err
	}
	target, err := e.requireInstance(ctx, plan.TargetID, types.StageSnapshotAndCluster,
		memberOf(plan.ClusterID))
	if err != nil {
		return err
	}

	return e.withSession(ctx, replica, plan.Credentials, func(source replication.Session) error {
		return e.withSession(ctx, target, plan.Credentials, func(dest replication.Session) error {
			status, err := e.replicator.Cutover(ctx, source, dest)
			if err != nil {
				return err
			}
			e.addEvent(ctx, run, types.EventReplicationCaughtUp, types.StageCutover,
				fmt.Sprintf("Target %s caught up with %s (lag %s)", target.ID, replica.ID, status.Lag), status)
			return nil
		})
	})
}

type interventionData struct {
	rds.ManualIntervention
	ErrorKind string `json:"error_kind"`
}

// blocked announces that an operator has to restore the snapshot.
func (e *Engine) blocked(ctx context.Context, run *types.Run, mi rds.ManualIntervention) {
	run.State = types.RunStateBlocked
	e.touch(run)

	e.logger.Warn("manual intervention required",
		slog.String("snapshot_id", mi.SnapshotID),
		slog.String("target_id", mi.TargetID),
		slog.String("cluster_id", mi.ClusterID),
		slog.String("instruction", mi.Instruction))
	e.persistRun(ctx, run)
	e.addEvent(ctx, run, types.EventManualIntervention, types.StageSnapshotAndCluster, mi.Instruction, interventionData{
		ManualIntervention: mi,
		ErrorKind:          internalerrors.Kind(internalerrors.ErrManualInterventionRequired),
	})
	e.notify(ctx, "intervention_required", func(ctx context.Context) error {
		return e.notifier.NotifyInterventionRequired(ctx, run, mi.Instruction)
	})
}

// instanceCheck verifies that an instance is what an earlier stage leaves behind.
type instanceCheck func(h *types.InstanceHandle) error

func replicaOf(sourceID string) instanceCheck {
	return func(h *types.InstanceHandle) error {
		if !h.ReplicatesFrom(sourceID) {
			return errors.Newf("instance %s is not a read replica of %s (source %q)", h.ID, sourceID, h.ReadReplicaSourceID)
		}
		return nil
	}
}

// backupsEnabled requires binary logging, which RDS turns on with backup retention.
func backupsEnabled(h *types.InstanceHandle) error {
	if h.BackupRetentionPeriod <= 0 {
		return errors.Newf("instance %s has backup retention %d, so binary logging is off", h.ID, h.BackupRetentionPeriod)
	}
	return nil
}

func memberOf(clusterID string) instanceCheck {
	return func(h *types.InstanceHandle) error {
		if h.ClusterID != clusterID {
			return errors.Newf("instance %s belongs to cluster %q, not %s", h.ID, h.ClusterID, clusterID)
		}
		return nil
	}
}

// requireInstance returns instanceID once it is available and passes checks.
// An instance that does not exist or fails a check means the stage that
// produces it has to be re-run.
func (e *Engine) requireInstance(ctx context.Context, instanceID string, producer types.Stage, checks ...instanceCheck) (*types.InstanceHandle, error) {
	h, err := e.infra.FindInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, internalerrors.ErrInstanceNotFound) {
			return nil, errors.Wrapf(internalerrors.WithKind(internalerrors.ErrStagePrecondition, err),
				"instance %s does not exist; re-run stage %d (%s)", instanceID, producer, producer)
		}
		return nil, err
	}

	if !h.IsAvailable() {
		e.logger.Info("waiting for instance from an earlier stage",
			slog.String("instance_id", instanceID),
			slog.String("status", h.RawStatus))
		if h, err = e.infra.WaitInstanceAvailable(ctx, instanceID); err != nil {
			return nil, err
		}
	}

	if h.Endpoint.Address == "" {
		return nil, errors.Wrapf(internalerrors.ErrStagePrecondition,
			"instance %s has no endpoint; re-run stage %d (%s)", instanceID, producer, producer)
	}
	for _, check := range checks {
		if err := check(h); err != nil {
			return nil, errors.Wrapf(internalerrors.WithKind(internalerrors.ErrStagePrecondition, err),
				"re-run stage %d (%s)", producer, producer)
		}
	}
	return h, nil
}

// withSession opens a MySQL session to h for the duration of fn.
func (e *Engine) withSession(ctx context.Context, h *types.InstanceHandle, creds types.Credentials, fn func(replication.Session) error) error {
	s, err := e.dialer.Dial(ctx, h.Endpoint, creds)
	if err != nil {
		return errors.Wrapf(err, "connect to %s", h.ID)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			e.logger.Warn("failed to close session",
				slog.String("instance_id", h.ID),
				slog.String("error", cerr.Error()))
		}
	}()
	return fn(s)
}
