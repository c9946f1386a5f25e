package rds

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/cockroachdb/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/constants"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
	"github.com/mpz/devops/tools/aurora-migrate/internal/waiter"
)

// API is the subset of the RDS client the facade uses.
type API interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	CreateDBInstanceReadReplica(ctx context.Context, params *rds.CreateDBInstanceReadReplicaInput, optFns ...func(*rds.Options)) (*rds.CreateDBInstanceReadReplicaOutput, error)
	ModifyDBInstance(ctx context.Context, params *rds.ModifyDBInstanceInput, optFns ...func(*rds.Options)) (*rds.ModifyDBInstanceOutput, error)
	RebootDBInstance(ctx context.Context, params *rds.RebootDBInstanceInput, optFns ...func(*rds.Options)) (*rds.RebootDBInstanceOutput, error)
	CreateDBInstance(ctx context.Context, params *rds.CreateDBInstanceInput, optFns ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error)
	CreateDBSnapshot(ctx context.Context, params *rds.CreateDBSnapshotInput, optFns ...func(*rds.Options)) (*rds.CreateDBSnapshotOutput, error)
	DescribeDBSnapshots(ctx context.Context, params *rds.DescribeDBSnapshotsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBSnapshotsOutput, error)
	DescribeDBClusters(ctx context.Context, params *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error)
	RestoreDBClusterFromSnapshot(ctx context.Context, params *rds.RestoreDBClusterFromSnapshotInput, optFns ...func(*rds.Options)) (*rds.RestoreDBClusterFromSnapshotOutput, error)
}

// EC2API is the subset of the EC2 client used to verify network configuration.
type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
}

// Intervals are the poll intervals used by the facade's waits.
type Intervals struct {
	// Instance applies to instance, snapshot and cluster waits.
	Instance time.Duration
	// Modification applies to configuration-modification waits.
	Modification time.Duration
	// Settle is the pause after a reboot.
	Settle time.Duration
}

// DefaultIntervals returns the production poll intervals.
func DefaultIntervals() Intervals {
	return Intervals{
		Instance:     constants.InstancePollInterval,
		Modification: constants.ModificationPollInterval,
		Settle:       constants.RebootSettlePeriod,
	}
}

// Client wraps the RDS API with idempotent, poll-to-completion operations.
type Client struct {
	rds       API
	ec2       EC2API
	waiter    *waiter.Waiter
	logger    *slog.Logger
	intervals Intervals

	manualRestore bool
}

// ClientConfig contains configuration for the RDS client.
type ClientConfig struct {
	AWSConfig aws.Config
	BaseURL   string // optional, for testing

	Waiter    *waiter.Waiter
	Logger    *slog.Logger
	Intervals Intervals
	// ManualRestore skips the restore call and waits for the operator to restore the snapshot.
	ManualRestore bool
}

// NewClient creates a new RDS client from an AWS configuration.
func NewClient(cfg ClientConfig) *Client {
	opts := []func(*rds.Options){}
	if cfg.BaseURL != "" {
		opts = append(opts, func(o *rds.Options) {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		})
	}

	return NewClientWithAPI(rds.NewFromConfig(cfg.AWSConfig, opts...), ec2.NewFromConfig(cfg.AWSConfig), cfg)
}

// NewClientWithAPI creates a client over existing API implementations (for testing and demo).
// ec2API may be nil, which skips security group verification.
func NewClientWithAPI(api API, ec2API EC2API, cfg ClientConfig) *Client {
	c := &Client{
		rds:           api,
		ec2:           ec2API,
		waiter:        cfg.Waiter,
		logger:        cfg.Logger,
		intervals:     cfg.Intervals,
		manualRestore: cfg.ManualRestore,
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.waiter == nil {
		c.waiter = waiter.New(waiter.Config{Logger: c.logger})
	}
	defaults := DefaultIntervals()
	if c.intervals.Instance <= 0 {
		c.intervals.Instance = defaults.Instance
	}
	if c.intervals.Modification <= 0 {
		c.intervals.Modification = defaults.Modification
	}
	if c.intervals.Settle < 0 {
		c.intervals.Settle = 0
	}
	return c
}

// FindInstance returns the current view of an instance.
func (c *Client) FindInstance(ctx context.Context, instanceID string) (*types.InstanceHandle, error) {
	out, err := c.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(instanceID),
	})
	if err != nil {
		return nil, classify(err, "describe instance "+instanceID)
	}

	switch len(out.DBInstances) {
	case 0:
		return nil, errors.Wrap(internalerrors.ErrInstanceNotFound, instanceID)
	case 1:
		return instanceHandle(out.DBInstances[0]), nil
	default:
		return nil, errors.Wrapf(internalerrors.ErrAmbiguousResult, "%d instances match identifier %s", len(out.DBInstances), instanceID)
	}
}

// FindCluster returns the current view of a cluster.
func (c *Client) FindCluster(ctx context.Context, clusterID string) (*types.ClusterHandle, error) {
	out, err := c.rds.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{
		DBClusterIdentifier: aws.String(clusterID),
	})
	if err != nil {
		return nil, classify(err, "describe cluster "+clusterID)
	}

	switch len(out.DBClusters) {
	case 0:
		return nil, errors.Wrap(internalerrors.ErrClusterNotFound, clusterID)
	case 1:
		return clusterHandle(out.DBClusters[0]), nil
	default:
		return nil, errors.Wrapf(internalerrors.ErrAmbiguousResult, "%d clusters match identifier %s", len(out.DBClusters), clusterID)
	}
}

// WaitInstanceAvailable polls until the instance reports available.
func (c *Client) WaitInstanceAvailable(ctx context.Context, instanceID string) (*types.InstanceHandle, error) {
	return c.waitInstance(ctx, instanceID, c.intervals.Instance, "available", (*types.InstanceHandle).IsAvailable)
}

// waitInstance polls instanceID until ready holds. A not-found instance is treated as
// not yet visible; an instance in an error status ends the wait.
func (c *Client) waitInstance(ctx context.Context, instanceID string, interval time.Duration, what string, ready func(*types.InstanceHandle) bool) (*types.InstanceHandle, error) {
	var handle *types.InstanceHandle
	err := c.waiter.Until(ctx, waiter.Request{
		Description: "instance " + instanceID + " " + what,
		Interval:    interval,
	}, func(ctx context.Context) (bool, error) {
		h, err := c.FindInstance(ctx, instanceID)
		if err != nil {
			if errors.Is(err, internalerrors.ErrInstanceNotFound) {
				return false, nil
			}
			return false, err
		}
		handle = h
		if h.Status == types.LifecycleFailed {
			return false, errors.Wrapf(internalerrors.ErrResourceFailed, "instance %s entered status %s", instanceID, h.RawStatus)
		}
		return ready(h), nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (c *Client) tags(sourceID string) []rdstypes.Tag {
	return []rdstypes.Tag{
		{Key: aws.String(constants.TagCreatedBy), Value: aws.String(constants.TagCreatedByValue)},
		{Key: aws.String(constants.TagMigrationSource), Value: aws.String(sourceID)},
	}
}

func instanceHandle(db rdstypes.DBInstance) *types.InstanceHandle {
	h := &types.InstanceHandle{
		ID:                    aws.ToString(db.DBInstanceIdentifier),
		ARN:                   aws.ToString(db.DBInstanceArn),
		RawStatus:             aws.ToString(db.DBInstanceStatus),
		BackupRetentionPeriod: aws.ToInt32(db.BackupRetentionPeriod),
		ReadReplicaSourceID:   aws.ToString(db.ReadReplicaSourceDBInstanceIdentifier),
		ClusterID:             aws.ToString(db.DBClusterIdentifier),
		Engine:                aws.ToString(db.Engine),
		EngineVersion:         aws.ToString(db.EngineVersion),
		InstanceClass:         aws.ToString(db.DBInstanceClass),
		PendingModifications:  pendingModifications(db.PendingModifiedValues),
	}
	h.Status = InstanceStatus(h.RawStatus).Lifecycle()

	if db.Endpoint != nil {
		h.Endpoint = types.Endpoint{
			Address: aws.ToString(db.Endpoint.Address),
			Port:    aws.ToInt32(db.Endpoint.Port),
		}
	}
	if db.DBSubnetGroup != nil {
		h.SubnetGroup = aws.ToString(db.DBSubnetGroup.DBSubnetGroupName)
	}
	for _, sg := range db.VpcSecurityGroups {
		if id := aws.ToString(sg.VpcSecurityGroupId); id != "" {
			h.SecurityGroupIDs = append(h.SecurityGroupIDs, id)
		}
	}
	if len(db.DBParameterGroups) > 0 {
		h.ParameterGroup = aws.ToString(db.DBParameterGroups[0].DBParameterGroupName)
		h.ParameterApplyStatus = aws.ToString(db.DBParameterGroups[0].ParameterApplyStatus)
	}

	return h
}

func clusterHandle(cl rdstypes.DBCluster) *types.ClusterHandle {
	h := &types.ClusterHandle{
		ID:        aws.ToString(cl.DBClusterIdentifier),
		ARN:       aws.ToString(cl.DBClusterArn),
		RawStatus: aws.ToString(cl.Status),
		Endpoint: types.Endpoint{
			Address: aws.ToString(cl.Endpoint),
			Port:    aws.ToInt32(cl.Port),
		},
	}
	h.Status = ClusterStatus(h.RawStatus).Lifecycle()
	for _, m := range cl.DBClusterMembers {
		h.Members = append(h.Members, aws.ToString(m.DBInstanceIdentifier))
	}
	return h
}

// pendingModifications lists the names of pending-modification fields that are set.
func pendingModifications(p *rdstypes.PendingModifiedValues) []string {
	if p == nil {
		return nil
	}

	var pending []string
	add := func(name string, set bool) {
		if set {
			pending = append(pending, name)
		}
	}
	add("AllocatedStorage", p.AllocatedStorage != nil)
	add("BackupRetentionPeriod", p.BackupRetentionPeriod != nil)
	add("CACertificateIdentifier", p.CACertificateIdentifier != nil)
	add("DBInstanceClass", p.DBInstanceClass != nil)
	add("DBInstanceIdentifier", p.DBInstanceIdentifier != nil)
	add("DBSubnetGroupName", p.DBSubnetGroupName != nil)
	add("EngineVersion", p.EngineVersion != nil)
	add("Iops", p.Iops != nil)
	add("LicenseModel", p.LicenseModel != nil)
	add("MasterUserPassword", p.MasterUserPassword != nil)
	add("MultiAZ", p.MultiAZ != nil)
	add("Port", p.Port != nil)
	add("StorageThroughput", p.StorageThroughput != nil)
	add("StorageType", p.StorageType != nil)
	return pending
}
