package rds

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/cockroachdb/errors"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
	"github.com/mpz/devops/tools/aurora-migrate/internal/waiter"
)

// parameterApplyInSync is the apply status of a parameter group whose values are live.
const parameterApplyInSync = "in-sync"

// parameterApplyPendingReboot means the group is attached but needs a reboot to take effect.
const parameterApplyPendingReboot = "pending-reboot"

// RestoreOutcome is the result of asking the service to restore the target cluster.
type RestoreOutcome int

const (
	// RestoreStarted means the cluster exists or is being created by the service.
	RestoreStarted RestoreOutcome = iota
	// RestoreBlocked means an operator must restore the snapshot out of band.
	RestoreBlocked
)

func (o RestoreOutcome) String() string {
	if o == RestoreBlocked {
		return "blocked"
	}
	return "started"
}

// ManualIntervention describes the restore an operator has to perform.
type ManualIntervention struct {
	SnapshotID  string `json:"snapshot_id"`
	TargetID    string `json:"target_id"`
	ClusterID   string `json:"cluster_id"`
	Instruction string `json:"instruction"`
}

// ProvisionRequest contains the inputs of ProvisionTargetCluster.
type ProvisionRequest struct {
	Plan     types.MigrationPlan
	Replica  *types.InstanceHandle
	Snapshot *types.SnapshotHandle
	// OnBlocked is called once when the restore needs an operator.
	OnBlocked func(ManualIntervention)
}

// ProvisionTargetCluster returns the available target instance, restoring the
// cluster from the snapshot when it does not exist yet. When the restore cannot
// be issued programmatically it waits, without bound, for the operator to do it.
// A configured parameter group is applied with a reboot.
func (c *Client) ProvisionTargetCluster(ctx context.Context, req ProvisionRequest) (*types.InstanceHandle, error) {
	plan := req.Plan

	existing, err := c.FindInstance(ctx, plan.TargetID)
	switch {
	case err == nil:
		if existing.ClusterID != plan.ClusterID {
			return nil, errors.Wrapf(internalerrors.ErrConfigurationConflict,
				"instance %s already exists in cluster %q, expected %s", plan.TargetID, existing.ClusterID, plan.ClusterID)
		}
		c.logger.Info("target instance already exists", slog.String("instance_id", plan.TargetID))
	case errors.Is(err, internalerrors.ErrInstanceNotFound):
		if err := c.createTarget(ctx, req); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(err, "look up target %s", plan.TargetID)
	}

	target, err := c.WaitInstanceAvailable(ctx, plan.TargetID)
	if err != nil {
		return nil, err
	}
	if target.ClusterID != plan.ClusterID {
		return nil, errors.Wrapf(internalerrors.ErrConfigurationConflict,
			"instance %s belongs to cluster %q, expected %s", plan.TargetID, target.ClusterID, plan.ClusterID)
	}

	if plan.ParameterGroup != "" && needsParameterGroup(target, plan.ParameterGroup) {
		return c.applyParameterGroup(ctx, target, plan.ParameterGroup)
	}
	return target, nil
}

func needsParameterGroup(h *types.InstanceHandle, group string) bool {
	return h.ParameterGroup != group || h.ParameterApplyStatus == parameterApplyPendingReboot
}

// createTarget restores the cluster and creates the target instance in it,
// or waits for the operator to do so.
func (c *Client) createTarget(ctx context.Context, req ProvisionRequest) error {
	plan := req.Plan

	outcome, err := c.RestoreCluster(ctx, req)
	if err != nil {
		return err
	}

	if outcome == RestoreBlocked {
		mi := ManualIntervention{
			SnapshotID: plan.SnapshotID,
			TargetID:   plan.TargetID,
			ClusterID:  plan.ClusterID,
			Instruction: fmt.Sprintf("Please restore snapshot %s through the RDS console to instance %s in cluster %s",
				plan.SnapshotID, plan.TargetID, plan.ClusterID),
		}
		if req.Snapshot != nil {
			mi.SnapshotID = req.Snapshot.ID
		}
		if req.OnBlocked != nil {
			req.OnBlocked(mi)
		}
		return c.waiter.Until(ctx, waiter.Request{
			Description: "operator to restore " + mi.SnapshotID + " as " + plan.TargetID,
			Interval:    c.intervals.Instance,
		}, func(ctx context.Context) (bool, error) {
			_, err := c.FindInstance(ctx, plan.TargetID)
			if errors.Is(err, internalerrors.ErrInstanceNotFound) {
				return false, nil
			}
			return err == nil, err
		})
	}

	if _, err := c.WaitClusterAvailable(ctx, plan.ClusterID); err != nil {
		return err
	}

	instanceClass := plan.InstanceClass
	if instanceClass == "" && req.Replica != nil {
		instanceClass = req.Replica.InstanceClass
	}

	c.logger.Info("creating target instance",
		slog.String("instance_id", plan.TargetID),
		slog.String("cluster_id", plan.ClusterID),
		slog.String("instance_class", instanceClass))

	_, err = c.rds.CreateDBInstance(ctx, &rds.CreateDBInstanceInput{
		DBInstanceIdentifier: aws.String(plan.TargetID),
		DBClusterIdentifier:  aws.String(plan.ClusterID),
		DBInstanceClass:      aws.String(instanceClass),
		Engine:               aws.String(plan.Engine),
		Tags:                 c.tags(plan.SourceID),
	})
	if err != nil {
		return classify(err, "create target instance "+plan.TargetID)
	}
	return nil
}

// RestoreCluster issues the restore of the target cluster from the snapshot.
// An existing cluster counts as started. Network settings are copied from the replica.
func (c *Client) RestoreCluster(ctx context.Context, req ProvisionRequest) (RestoreOutcome, error) {
	plan := req.Plan

	if c.manualRestore {
		c.logger.Info("manual restore configured", slog.String("cluster_id", plan.ClusterID))
		return RestoreBlocked, nil
	}

	cluster, err := c.FindCluster(ctx, plan.ClusterID)
	switch {
	case err == nil:
		if cluster.Status == types.LifecycleFailed {
			return RestoreStarted, errors.Wrapf(internalerrors.ErrResourceFailed, "cluster %s is %s", plan.ClusterID, cluster.RawStatus)
		}
		c.logger.Info("target cluster already exists",
			slog.String("cluster_id", plan.ClusterID),
			slog.String("status", cluster.RawStatus))
		return RestoreStarted, nil
	case !errors.Is(err, internalerrors.ErrClusterNotFound):
		return RestoreStarted, errors.Wrapf(err, "look up cluster %s", plan.ClusterID)
	}

	if req.Replica == nil || req.Snapshot == nil {
		return RestoreStarted, errors.Wrap(internalerrors.ErrInvalidParameter, "restore needs the replica and the snapshot")
	}
	if err := c.VerifySecurityGroups(ctx, req.Replica.SecurityGroupIDs); err != nil {
		return RestoreStarted, err
	}

	snapshotRef := req.Snapshot.ARN
	if snapshotRef == "" {
		snapshotRef = req.Snapshot.ID
	}
	input := &rds.RestoreDBClusterFromSnapshotInput{
		DBClusterIdentifier: aws.String(plan.ClusterID),
		SnapshotIdentifier:  aws.String(snapshotRef),
		Engine:              aws.String(plan.Engine),
		VpcSecurityGroupIds: req.Replica.SecurityGroupIDs,
		Tags:                c.tags(plan.SourceID),
	}
	if req.Replica.SubnetGroup != "" {
		input.DBSubnetGroupName = aws.String(req.Replica.SubnetGroup)
	}
	if plan.EngineVersion != "" {
		input.EngineVersion = aws.String(plan.EngineVersion)
	}

	c.logger.Info("restoring cluster from snapshot",
		slog.String("cluster_id", plan.ClusterID),
		slog.String("snapshot_id", req.Snapshot.ID),
		slog.String("engine", plan.Engine))

	if _, err := c.rds.RestoreDBClusterFromSnapshot(ctx, input); err != nil {
		if isUnsupportedRestore(err) {
			c.logger.Warn("restore not supported through the API",
				slog.String("cluster_id", plan.ClusterID),
				slog.String("error", err.Error()))
			return RestoreBlocked, nil
		}
		return RestoreStarted, classify(err, "restore cluster "+plan.ClusterID)
	}
	return RestoreStarted, nil
}

// WaitClusterAvailable polls until the cluster reports available.
func (c *Client) WaitClusterAvailable(ctx context.Context, clusterID string) (*types.ClusterHandle, error) {
	var handle *types.ClusterHandle
	err := c.waiter.Until(ctx, waiter.Request{
		Description: "cluster " + clusterID + " available",
		Interval:    c.intervals.Instance,
	}, func(ctx context.Context) (bool, error) {
		h, err := c.FindCluster(ctx, clusterID)
		if err != nil {
			if errors.Is(err, internalerrors.ErrClusterNotFound) {
				return false, nil
			}
			return false, err
		}
		handle = h
		if h.Status == types.LifecycleFailed {
			return false, errors.Wrapf(internalerrors.ErrResourceFailed, "cluster %s entered status %s", clusterID, h.RawStatus)
		}
		return h.Status == types.LifecycleAvailable, nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// applyParameterGroup attaches group to the instance, reboots it and waits for the
// group to be in sync.
func (c *Client) applyParameterGroup(ctx context.Context, target *types.InstanceHandle, group string) (*types.InstanceHandle, error) {
	if target.ParameterGroup != group {
		c.logger.Info("applying parameter group",
			slog.String("instance_id", target.ID),
			slog.String("parameter_group", group),
			slog.String("previous", target.ParameterGroup))

		_, err := c.rds.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
			DBInstanceIdentifier: aws.String(target.ID),
			DBParameterGroupName: aws.String(group),
			ApplyImmediately:     aws.Bool(true),
		})
		if err != nil {
			return nil, classify(err, "modify parameter group of "+target.ID)
		}

		if _, err := c.waitInstance(ctx, target.ID, c.intervals.Modification, "parameter group "+group+" attached",
			func(h *types.InstanceHandle) bool { return h.IsAvailable() && h.ParameterGroup == group }); err != nil {
			return nil, err
		}
	}

	c.logger.Info("rebooting instance", slog.String("instance_id", target.ID))
	if _, err := c.rds.RebootDBInstance(ctx, &rds.RebootDBInstanceInput{
		DBInstanceIdentifier: aws.String(target.ID),
	}); err != nil {
		return nil, classify(err, "reboot instance "+target.ID)
	}

	if err := c.waiter.Sleep(ctx, c.intervals.Settle, "reboot of "+target.ID); err != nil {
		return nil, err
	}

	return c.waitInstance(ctx, target.ID, c.intervals.Instance, "available with parameter group "+group,
		func(h *types.InstanceHandle) bool {
			return h.IsAvailable() && h.ParameterGroup == group &&
				(h.ParameterApplyStatus == "" || h.ParameterApplyStatus == parameterApplyInSync)
		})
}
