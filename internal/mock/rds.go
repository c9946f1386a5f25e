package mock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/smithy-go"
)

// DescribeDBInstances implements the RDS API.
func (s *State) DescribeDBInstances(_ context.Context, in *rds.DescribeDBInstancesInput, _ ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	id := aws.ToString(in.DBInstanceIdentifier)
	s.recorder.Record("DescribeDBInstances", id)
	if err := s.faults.check("DescribeDBInstances", id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		s.checkOperatorRestoreLocked(id)
		if inst, ok = s.instances[id]; !ok {
			return nil, &rdstypes.DBInstanceNotFoundFault{Message: aws.String(fmt.Sprintf("DBInstance %s not found.", id))}
		}
	}
	s.advanceInstanceLocked(inst)

	out := &rds.DescribeDBInstancesOutput{DBInstances: []rdstypes.DBInstance{toDBInstance(inst)}}
	if s.duplicates[id] {
		out.DBInstances = append(out.DBInstances, toDBInstance(inst))
	}
	return out, nil
}

// CreateDBInstanceReadReplica implements the RDS API.
func (s *State) CreateDBInstanceReadReplica(_ context.Context, in *rds.CreateDBInstanceReadReplicaInput, _ ...func(*rds.Options)) (*rds.CreateDBInstanceReadReplicaOutput, error) {
	id := aws.ToString(in.DBInstanceIdentifier)
	sourceID := aws.ToString(in.SourceDBInstanceIdentifier)
	s.recorder.Record("CreateDBInstanceReadReplica", id)
	if err := s.faults.check("CreateDBInstanceReadReplica", id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[id]; ok {
		return nil, &rdstypes.DBInstanceAlreadyExistsFault{Message: aws.String("DB instance already exists")}
	}
	source, ok := s.instances[sourceID]
	if !ok {
		return nil, &rdstypes.DBInstanceNotFoundFault{Message: aws.String(fmt.Sprintf("DBInstance %s not found.", sourceID))}
	}

	replica := &MockInstance{
		ID:                  id,
		Engine:              source.Engine,
		EngineVersion:       source.EngineVersion,
		InstanceClass:       source.InstanceClass,
		Status:              "creating",
		ReadReplicaSourceID: sourceID,
		SubnetGroup:         source.SubnetGroup,
		SecurityGroupIDs:    append([]string(nil), source.SecurityGroupIDs...),
		ParameterGroup:      source.ParameterGroup,
		ParameterApply:      "in-sync",
		CreatedAt:           time.Now(),
		settleIn:            s.opts.SettlePolls,
	}
	s.instances[id] = replica

	db := toDBInstance(replica)
	return &rds.CreateDBInstanceReadReplicaOutput{DBInstance: &db}, nil
}

// ModifyDBInstance implements the RDS API. Backup retention and parameter group
// changes are supported.
func (s *State) ModifyDBInstance(_ context.Context, in *rds.ModifyDBInstanceInput, _ ...func(*rds.Options)) (*rds.ModifyDBInstanceOutput, error) {
	id := aws.ToString(in.DBInstanceIdentifier)
	s.recorder.Record("ModifyDBInstance", id)
	if err := s.faults.check("ModifyDBInstance", id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, &rdstypes.DBInstanceNotFoundFault{Message: aws.String(fmt.Sprintf("DBInstance %s not found.", id))}
	}
	if inst.Status != "available" {
		return nil, &rdstypes.InvalidDBInstanceStateFault{Message: aws.String(fmt.Sprintf("DBInstance %s is not in available state.", id))}
	}

	if in.BackupRetentionPeriod != nil {
		days := *in.BackupRetentionPeriod
		inst.PendingBackupRetention = &days
	}
	if in.DBParameterGroupName != nil {
		inst.ParameterGroup = *in.DBParameterGroupName
		inst.ParameterApply = "pending-reboot"
	}
	inst.Status = "modifying"
	inst.settleIn = s.opts.SettlePolls

	db := toDBInstance(inst)
	return &rds.ModifyDBInstanceOutput{DBInstance: &db}, nil
}

// RebootDBInstance implements the RDS API.
func (s *State) RebootDBInstance(_ context.Context, in *rds.RebootDBInstanceInput, _ ...func(*rds.Options)) (*rds.RebootDBInstanceOutput, error) {
	id := aws.ToString(in.DBInstanceIdentifier)
	s.recorder.Record("RebootDBInstance", id)
	if err := s.faults.check("RebootDBInstance", id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, &rdstypes.DBInstanceNotFoundFault{Message: aws.String(fmt.Sprintf("DBInstance %s not found.", id))}
	}
	inst.Status = "rebooting"
	inst.settleIn = s.opts.SettlePolls

	db := toDBInstance(inst)
	return &rds.RebootDBInstanceOutput{DBInstance: &db}, nil
}

// CreateDBInstance implements the RDS API for instances that join an existing cluster.
func (s *State) CreateDBInstance(_ context.Context, in *rds.CreateDBInstanceInput, _ ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error) {
	id := aws.ToString(in.DBInstanceIdentifier)
	clusterID := aws.ToString(in.DBClusterIdentifier)
	s.recorder.Record("CreateDBInstance", id)
	if err := s.faults.check("CreateDBInstance", id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[id]; ok {
		return nil, &rdstypes.DBInstanceAlreadyExistsFault{Message: aws.String("DB instance already exists")}
	}
	cl, ok := s.clusters[clusterID]
	if !ok {
		return nil, &rdstypes.DBClusterNotFoundFault{Message: aws.String(fmt.Sprintf("DBCluster %s not found.", clusterID))}
	}

	inst := &MockInstance{
		ID:               id,
		Engine:           aws.ToString(in.Engine),
		EngineVersion:    cl.EngineVersion,
		InstanceClass:    aws.ToString(in.DBInstanceClass),
		Status:           "creating",
		ClusterID:        clusterID,
		SubnetGroup:      cl.SubnetGroup,
		SecurityGroupIDs: append([]string(nil), cl.SecurityGroupIDs...),
		ParameterGroup:   "default.aurora-mysql8.0",
		ParameterApply:   "in-sync",
		CreatedAt:        time.Now(),
		settleIn:         s.opts.SettlePolls,
	}
	s.instances[id] = inst
	cl.Members = append(cl.Members, id)

	db := toDBInstance(inst)
	return &rds.CreateDBInstanceOutput{DBInstance: &db}, nil
}

// CreateDBSnapshot implements the RDS API.
func (s *State) CreateDBSnapshot(_ context.Context, in *rds.CreateDBSnapshotInput, _ ...func(*rds.Options)) (*rds.CreateDBSnapshotOutput, error) {
	id := aws.ToString(in.DBSnapshotIdentifier)
	instanceID := aws.ToString(in.DBInstanceIdentifier)
	s.recorder.Record("CreateDBSnapshot", id)
	if err := s.faults.check("CreateDBSnapshot", id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[id]; ok {
		return nil, &rdstypes.DBSnapshotAlreadyExistsFault{Message: aws.String(fmt.Sprintf("Cannot create the snapshot because a snapshot with the identifier %s already exists.", id))}
	}
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, &rdstypes.DBInstanceNotFoundFault{Message: aws.String(fmt.Sprintf("DBInstance %s not found.", instanceID))}
	}

	snap := &MockSnapshot{
		ID:         id,
		InstanceID: instanceID,
		Engine:     inst.Engine,
		Status:     "creating",
		CreatedAt:  time.Now(),
		settleIn:   s.opts.SettlePolls,
	}
	s.snapshots[id] = snap

	out := toDBSnapshot(snap)
	return &rds.CreateDBSnapshotOutput{DBSnapshot: &out}, nil
}

// DescribeDBSnapshots implements the RDS API.
func (s *State) DescribeDBSnapshots(_ context.Context, in *rds.DescribeDBSnapshotsInput, _ ...func(*rds.Options)) (*rds.DescribeDBSnapshotsOutput, error) {
	id := aws.ToString(in.DBSnapshotIdentifier)
	s.recorder.Record("DescribeDBSnapshots", id)
	if err := s.faults.check("DescribeDBSnapshots", id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return nil, &rdstypes.DBSnapshotNotFoundFault{Message: aws.String(fmt.Sprintf("DBSnapshot %s not found.", id))}
	}
	s.advanceSnapshotLocked(snap)
	return &rds.DescribeDBSnapshotsOutput{DBSnapshots: []rdstypes.DBSnapshot{toDBSnapshot(snap)}}, nil
}

// DescribeDBClusters implements the RDS API.
func (s *State) DescribeDBClusters(_ context.Context, in *rds.DescribeDBClustersInput, _ ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error) {
	id := aws.ToString(in.DBClusterIdentifier)
	s.recorder.Record("DescribeDBClusters", id)
	if err := s.faults.check("DescribeDBClusters", id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.clusters[id]
	if !ok {
		return nil, &rdstypes.DBClusterNotFoundFault{Message: aws.String(fmt.Sprintf("DBCluster %s not found.", id))}
	}
	s.advanceClusterLocked(cl)
	return &rds.DescribeDBClustersOutput{DBClusters: []rdstypes.DBCluster{toDBCluster(cl)}}, nil
}

// RestoreDBClusterFromSnapshot implements the RDS API. The snapshot may be referenced by
// identifier or ARN.
func (s *State) RestoreDBClusterFromSnapshot(_ context.Context, in *rds.RestoreDBClusterFromSnapshotInput, _ ...func(*rds.Options)) (*rds.RestoreDBClusterFromSnapshotOutput, error) {
	id := aws.ToString(in.DBClusterIdentifier)
	s.recorder.Record("RestoreDBClusterFromSnapshot", id)
	if err := s.faults.check("RestoreDBClusterFromSnapshot", id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.RestoreUnsupported {
		return nil, &smithy.GenericAPIError{
			Code:    "InvalidParameterCombination",
			Message: "The specified DB snapshot cannot be restored to an Aurora DB cluster.",
			Fault:   smithy.FaultClient,
		}
	}
	if _, ok := s.clusters[id]; ok {
		return nil, &rdstypes.DBClusterAlreadyExistsFault{Message: aws.String("DB Cluster already exists")}
	}

	ref := aws.ToString(in.SnapshotIdentifier)
	if i := strings.LastIndex(ref, ":snapshot:"); i >= 0 {
		ref = ref[i+len(":snapshot:"):]
	}
	snap, ok := s.snapshots[ref]
	if !ok {
		return nil, &rdstypes.DBSnapshotNotFoundFault{Message: aws.String(fmt.Sprintf("DBSnapshot %s not found.", ref))}
	}
	if snap.Status != "available" {
		return nil, &rdstypes.InvalidDBSnapshotStateFault{Message: aws.String("Snapshot is not available.")}
	}

	version := aws.ToString(in.EngineVersion)
	if version == "" {
		version = "8.0.mysql_aurora.3.05.2"
	}
	cl := &MockCluster{
		ID:               id,
		Engine:           aws.ToString(in.Engine),
		EngineVersion:    version,
		Status:           "creating",
		SnapshotID:       snap.ID,
		SubnetGroup:      aws.ToString(in.DBSubnetGroupName),
		SecurityGroupIDs: append([]string(nil), in.VpcSecurityGroupIds...),
		CreatedAt:        time.Now(),
		settleIn:         s.opts.SettlePolls,
	}
	s.clusters[id] = cl

	out := toDBCluster(cl)
	return &rds.RestoreDBClusterFromSnapshotOutput{DBCluster: &out}, nil
}

// DescribeSecurityGroups implements the EC2 API. Like EC2, it fails the whole call
// when any requested group does not exist.
func (s *State) DescribeSecurityGroups(_ context.Context, in *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	s.recorder.Record("DescribeSecurityGroups", strings.Join(in.GroupIds, ","))
	if err := s.faults.check("DescribeSecurityGroups", ""); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := &ec2.DescribeSecurityGroupsOutput{}
	for _, id := range in.GroupIds {
		name, ok := s.securityGroups[id]
		if !ok {
			return nil, &smithy.GenericAPIError{
				Code:    "InvalidGroup.NotFound",
				Message: fmt.Sprintf("The security group '%s' does not exist", id),
				Fault:   smithy.FaultClient,
			}
		}
		out.SecurityGroups = append(out.SecurityGroups, ec2types.SecurityGroup{
			GroupId:   aws.String(id),
			GroupName: aws.String(name),
		})
	}
	return out, nil
}

func toDBInstance(inst *MockInstance) rdstypes.DBInstance {
	db := rdstypes.DBInstance{
		DBInstanceIdentifier:  aws.String(inst.ID),
		DBInstanceArn:         aws.String(inst.ARN()),
		DBInstanceStatus:      aws.String(inst.Status),
		DBInstanceClass:       aws.String(inst.InstanceClass),
		Engine:                aws.String(inst.Engine),
		EngineVersion:         aws.String(inst.EngineVersion),
		BackupRetentionPeriod: aws.Int32(inst.BackupRetention),
		InstanceCreateTime:    aws.Time(inst.CreatedAt),
		DBParameterGroups: []rdstypes.DBParameterGroupStatus{{
			DBParameterGroupName: aws.String(inst.ParameterGroup),
			ParameterApplyStatus: aws.String(inst.ParameterApply),
		}},
	}
	if inst.Status != "creating" {
		db.Endpoint = &rdstypes.Endpoint{
			Address: aws.String(inst.Address()),
			Port:    aws.Int32(mockPort),
		}
	}
	if inst.ClusterID != "" {
		db.DBClusterIdentifier = aws.String(inst.ClusterID)
	}
	if inst.ReadReplicaSourceID != "" {
		db.ReadReplicaSourceDBInstanceIdentifier = aws.String(inst.ReadReplicaSourceID)
	}
	if inst.SubnetGroup != "" {
		db.DBSubnetGroup = &rdstypes.DBSubnetGroup{DBSubnetGroupName: aws.String(inst.SubnetGroup)}
	}
	for _, sg := range inst.SecurityGroupIDs {
		db.VpcSecurityGroups = append(db.VpcSecurityGroups, rdstypes.VpcSecurityGroupMembership{
			VpcSecurityGroupId: aws.String(sg),
			Status:             aws.String("active"),
		})
	}
	if inst.PendingBackupRetention != nil {
		db.PendingModifiedValues = &rdstypes.PendingModifiedValues{
			BackupRetentionPeriod: aws.Int32(*inst.PendingBackupRetention),
		}
	}
	return db
}

func toDBSnapshot(snap *MockSnapshot) rdstypes.DBSnapshot {
	return rdstypes.DBSnapshot{
		DBSnapshotIdentifier: aws.String(snap.ID),
		DBSnapshotArn:        aws.String(snap.ARN()),
		DBInstanceIdentifier: aws.String(snap.InstanceID),
		Engine:               aws.String(snap.Engine),
		Status:               aws.String(snap.Status),
		SnapshotType:         aws.String("manual"),
		SnapshotCreateTime:   aws.Time(snap.CreatedAt),
	}
}

func toDBCluster(cl *MockCluster) rdstypes.DBCluster {
	out := rdstypes.DBCluster{
		DBClusterIdentifier: aws.String(cl.ID),
		DBClusterArn:        aws.String(fmt.Sprintf("arn:aws:rds:%s:%s:cluster:%s", mockRegion, mockAccountID, cl.ID)),
		Engine:              aws.String(cl.Engine),
		EngineVersion:       aws.String(cl.EngineVersion),
		Status:              aws.String(cl.Status),
		Endpoint:            aws.String(cl.ID + ".cluster-" + mockDomain),
		Port:                aws.Int32(mockPort),
		ClusterCreateTime:   aws.Time(cl.CreatedAt),
	}
	for i, m := range cl.Members {
		out.DBClusterMembers = append(out.DBClusterMembers, rdstypes.DBClusterMember{
			DBInstanceIdentifier: aws.String(m),
			IsClusterWriter:      aws.Bool(i == 0),
		})
	}
	return out
}
