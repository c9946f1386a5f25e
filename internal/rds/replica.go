package rds

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/cockroachdb/errors"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
)

// EnsureReadReplica returns the read replica replicaID of sourceID, creating it if needed.
// An existing instance at replicaID must replicate from sourceID.
func (c *Client) EnsureReadReplica(ctx context.Context, sourceID, replicaID string) (*types.InstanceHandle, error) {
	source, err := c.FindInstance(ctx, sourceID)
	if err != nil {
		return nil, errors.Wrapf(err, "look up source %s", sourceID)
	}

	replica, err := c.FindInstance(ctx, replicaID)
	switch {
	case err == nil:
		if !replica.ReplicatesFrom(sourceID) {
			src := replica.ReadReplicaSourceID
			if src == "" {
				src = "nothing"
			}
			return nil, errors.Wrapf(internalerrors.ErrConfigurationConflict,
				"instance %s already exists and replicates from %s, not %s", replicaID, src, sourceID)
		}
		c.logger.Info("read replica already exists",
			slog.String("replica_id", replicaID),
			slog.String("source_id", sourceID),
			slog.String("status", replica.RawStatus))
		if replica.IsAvailable() {
			return replica, nil
		}
		return c.WaitInstanceAvailable(ctx, replicaID)
	case !errors.Is(err, internalerrors.ErrInstanceNotFound):
		return nil, errors.Wrapf(err, "look up replica %s", replicaID)
	}

	if !source.IsAvailable() {
		return nil, errors.Wrapf(internalerrors.ErrSourceNotReady, "source %s is %s", sourceID, source.RawStatus)
	}

	c.logger.Info("creating read replica",
		slog.String("source_id", sourceID),
		slog.String("replica_id", replicaID))

	_, err = c.rds.CreateDBInstanceReadReplica(ctx, &rds.CreateDBInstanceReadReplicaInput{
		DBInstanceIdentifier:       aws.String(replicaID),
		SourceDBInstanceIdentifier: aws.String(sourceID),
		Tags:                       c.tags(sourceID),
	})
	if err != nil {
		return nil, classify(err, "create read replica "+replicaID)
	}

	return c.WaitInstanceAvailable(ctx, replicaID)
}

// EnsureBackupRetention enables automated backups on the replica, which turns on
// its binary log. It does nothing when retention is already set.
func (c *Client) EnsureBackupRetention(ctx context.Context, replica *types.InstanceHandle, days int32) (*types.InstanceHandle, error) {
	if replica.BackupRetentionPeriod > 0 {
		c.logger.Info("backup retention already enabled",
			slog.String("instance_id", replica.ID),
			slog.Int("retention_days", int(replica.BackupRetentionPeriod)))
		return replica, nil
	}
	if days <= 0 {
		return nil, errors.Wrapf(internalerrors.ErrInvalidParameter, "backup retention must be positive, got %d", days)
	}

	c.logger.Info("enabling backup retention",
		slog.String("instance_id", replica.ID),
		slog.Int("retention_days", int(days)))

	_, err := c.rds.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
		DBInstanceIdentifier:  aws.String(replica.ID),
		BackupRetentionPeriod: aws.Int32(days),
		ApplyImmediately:      aws.Bool(true),
	})
	if err != nil {
		return nil, classify(err, "modify backup retention of "+replica.ID)
	}

	if _, err := c.waitInstance(ctx, replica.ID, c.intervals.Modification, "pending modifications applied",
		func(h *types.InstanceHandle) bool { return !h.HasPendingModifications() }); err != nil {
		return nil, err
	}

	return c.waitInstance(ctx, replica.ID, c.intervals.Modification, "available", (*types.InstanceHandle).IsAvailable)
}
