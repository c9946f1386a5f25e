package rds

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/cockroachdb/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/constants"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
	"github.com/mpz/devops/tools/aurora-migrate/internal/waiter"
)

// SnapshotIdentifier returns the deterministic snapshot name for a replica.
func SnapshotIdentifier(replicaID string) string {
	return replicaID + constants.SnapshotSuffix
}

// FindSnapshot returns the current view of a manual DB snapshot.
func (c *Client) FindSnapshot(ctx context.Context, snapshotID string) (*types.SnapshotHandle, error) {
	out, err := c.rds.DescribeDBSnapshots(ctx, &rds.DescribeDBSnapshotsInput{
		DBSnapshotIdentifier: aws.String(snapshotID),
	})
	if err != nil {
		return nil, classify(err, "describe snapshot "+snapshotID)
	}

	switch len(out.DBSnapshots) {
	case 0:
		return nil, errors.Wrap(internalerrors.ErrSnapshotNotFound, snapshotID)
	case 1:
		s := out.DBSnapshots[0]
		raw := aws.ToString(s.Status)
		return &types.SnapshotHandle{
			ID:               aws.ToString(s.DBSnapshotIdentifier),
			ARN:              aws.ToString(s.DBSnapshotArn),
			Status:           snapshotStatus(raw),
			RawStatus:        raw,
			SourceInstanceID: aws.ToString(s.DBInstanceIdentifier),
		}, nil
	default:
		return nil, errors.Wrapf(internalerrors.ErrAmbiguousResult, "%d snapshots match identifier %s", len(out.DBSnapshots), snapshotID)
	}
}

// CreateSnapshot snapshots the replica as <replicaId>-aurora and waits until it is available.
// A snapshot of the same instance left by an earlier run is reused.
func (c *Client) CreateSnapshot(ctx context.Context, replica *types.InstanceHandle) (*types.SnapshotHandle, error) {
	snapshotID := SnapshotIdentifier(replica.ID)

	existing, err := c.FindSnapshot(ctx, snapshotID)
	switch {
	case err == nil:
		if existing.SourceInstanceID != replica.ID {
			return nil, errors.Wrapf(internalerrors.ErrConfigurationConflict,
				"snapshot %s already exists for instance %s, not %s", snapshotID, existing.SourceInstanceID, replica.ID)
		}
		if existing.Status == types.SnapshotFailed {
			return nil, errors.Wrapf(internalerrors.ErrResourceFailed,
				"snapshot %s is %s; delete it and re-run stage 2", snapshotID, existing.RawStatus)
		}
		c.logger.Info("reusing existing snapshot",
			slog.String("snapshot_id", snapshotID),
			slog.String("status", existing.RawStatus))
	case errors.Is(err, internalerrors.ErrSnapshotNotFound):
		c.logger.Info("creating snapshot",
			slog.String("instance_id", replica.ID),
			slog.String("snapshot_id", snapshotID))

		_, err := c.rds.CreateDBSnapshot(ctx, &rds.CreateDBSnapshotInput{
			DBInstanceIdentifier: aws.String(replica.ID),
			DBSnapshotIdentifier: aws.String(snapshotID),
			Tags:                 c.tags(replica.ReadReplicaSourceID),
		})
		if err != nil {
			return nil, classify(err, "create snapshot "+snapshotID)
		}
	default:
		return nil, err
	}

	return c.WaitSnapshotAvailable(ctx, snapshotID)
}

// WaitSnapshotAvailable polls until the snapshot reports available.
func (c *Client) WaitSnapshotAvailable(ctx context.Context, snapshotID string) (*types.SnapshotHandle, error) {
	var handle *types.SnapshotHandle
	err := c.waiter.Until(ctx, waiter.Request{
		Description: "snapshot " + snapshotID + " available",
		Interval:    c.intervals.Instance,
	}, func(ctx context.Context) (bool, error) {
		s, err := c.FindSnapshot(ctx, snapshotID)
		if err != nil {
			if errors.Is(err, internalerrors.ErrSnapshotNotFound) {
				return false, nil
			}
			return false, err
		}
		handle = s
		if s.Status == types.SnapshotFailed {
			return false, errors.Wrapf(internalerrors.ErrResourceFailed, "snapshot %s entered status %s", snapshotID, s.RawStatus)
		}
		return s.Status == types.SnapshotAvailable, nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}
