package rds_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	"github.com/juju/clock/testclock"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/mock"
	"github.com/mpz/devops/tools/aurora-migrate/internal/rds"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
	"github.com/mpz/devops/tools/aurora-migrate/internal/waiter"
)

type fixture struct {
	state  *mock.State
	rec    *mock.Recorder
	client *rds.Client
}

func newFixture(t *testing.T, opts mock.Options, manualRestore bool) *fixture {
	t.Helper()
	rec := mock.NewRecorder()
	opts.Recorder = rec
	state := mock.NewState(opts)
	state.AddSourceInstance("orders-db")

	w := waiter.New(waiter.Config{
		Clock:    testclock.NewDilatedWallClock(time.Millisecond),
		Deadline: time.Hour,
	})
	client := rds.NewClientWithAPI(state, state, rds.ClientConfig{
		Waiter:        w,
		Intervals:     rds.Intervals{Instance: time.Second, Modification: time.Second, Settle: time.Second},
		ManualRestore: manualRestore,
	})
	return &fixture{state: state, rec: rec, client: client}
}

func testPlan(t *testing.T, parameterGroup string) types.MigrationPlan {
	t.Helper()
	plan, err := types.NewPlan(types.PlanInput{
		Source:         "orders-db",
		User:           "admin",
		Password:       "secret",
		ParameterGroup: parameterGroup,
	})
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func TestEnsureReadReplica_CreatesOnce(t *testing.T) {
	f := newFixture(t, mock.Options{SettlePolls: 2}, false)
	ctx := context.Background()

	replica, err := f.client.EnsureReadReplica(ctx, "orders-db", "orders-db-readRep")
	if err != nil {
		t.Fatalf("EnsureReadReplica() error = %v", err)
	}
	if !replica.IsAvailable() {
		t.Errorf("replica status = %s, want AVAILABLE", replica.Status)
	}
	if replica.ReadReplicaSourceID != "orders-db" {
		t.Errorf("ReadReplicaSourceID = %q, want orders-db", replica.ReadReplicaSourceID)
	}

	again, err := f.client.EnsureReadReplica(ctx, "orders-db", "orders-db-readRep")
	if err != nil {
		t.Fatalf("second EnsureReadReplica() error = %v", err)
	}
	if again.ID != replica.ID {
		t.Errorf("second call returned %s, want %s", again.ID, replica.ID)
	}
	if got := f.rec.Count("CreateDBInstanceReadReplica"); got != 1 {
		t.Errorf("CreateDBInstanceReadReplica calls = %d, want 1", got)
	}

	first := f.rec.Filter("DescribeDBInstances")[0]
	if first.Target != "orders-db" {
		t.Errorf("first lookup = %s, want the source", first)
	}
}

func TestEnsureReadReplica_Errors(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		setup   func(s *mock.State)
		wantErr error
	}{
		{
			name: "replica of another source",
			setup: func(s *mock.State) {
				s.PutInstance(&mock.MockInstance{ID: "orders-db-readRep", Engine: "mysql", Status: "available", ReadReplicaSourceID: "billing-db"})
			},
			wantErr: internalerrors.ErrConfigurationConflict,
		},
		{
			name: "standalone instance with the replica name",
			setup: func(s *mock.State) {
				s.PutInstance(&mock.MockInstance{ID: "orders-db-readRep", Engine: "mysql", Status: "available"})
			},
			wantErr: internalerrors.ErrConfigurationConflict,
		},
		{
			name:    "source not available",
			setup:   func(s *mock.State) { s.SetInstanceStatus("orders-db", "stopped") },
			wantErr: internalerrors.ErrSourceNotReady,
		},
		{
			name:    "ambiguous source",
			setup:   func(s *mock.State) { s.DuplicateInstance("orders-db") },
			wantErr: internalerrors.ErrAmbiguousResult,
		},
		{
			name:    "missing source",
			source:  "missing-db",
			setup:   func(*mock.State) {},
			wantErr: internalerrors.ErrInstanceNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, mock.Options{}, false)
			tt.setup(f.state)

			source := tt.source
			if source == "" {
				source = "orders-db"
			}
			_, err := f.client.EnsureReadReplica(context.Background(), source, "orders-db-readRep")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("EnsureReadReplica() error = %v, want %v", err, tt.wantErr)
			}
			if got := f.rec.Count("CreateDBInstanceReadReplica"); got != 0 {
				t.Errorf("CreateDBInstanceReadReplica calls = %d, want 0", got)
			}
		})
	}
}

func TestFindInstance_Ambiguous(t *testing.T) {
	f := newFixture(t, mock.Options{}, false)
	f.state.DuplicateInstance("orders-db")

	_, err := f.client.FindInstance(context.Background(), "orders-db")
	if !errors.Is(err, internalerrors.ErrAmbiguousResult) {
		t.Fatalf("FindInstance() error = %v, want ErrAmbiguousResult", err)
	}
	if internalerrors.Kind(err) != "AmbiguousResult" {
		t.Errorf("Kind() = %s, want AmbiguousResult", internalerrors.Kind(err))
	}
}

func TestEnsureBackupRetention(t *testing.T) {
	tests := []struct {
		name       string
		retention  int32
		wantModify int
	}{
		{"already enabled", 7, 0},
		{"disabled", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, mock.Options{SettlePolls: 2}, false)
			f.state.PutInstance(&mock.MockInstance{
				ID:                  "orders-db-readRep",
				Engine:              "mysql",
				Status:              "available",
				ReadReplicaSourceID: "orders-db",
				BackupRetention:     tt.retention,
			})
			replica, err := f.client.FindInstance(context.Background(), "orders-db-readRep")
			if err != nil {
				t.Fatal(err)
			}

			got, err := f.client.EnsureBackupRetention(context.Background(), replica, 1)
			if err != nil {
				t.Fatalf("EnsureBackupRetention() error = %v", err)
			}
			if n := f.rec.Count("ModifyDBInstance"); n != tt.wantModify {
				t.Errorf("ModifyDBInstance calls = %d, want %d", n, tt.wantModify)
			}
			if got.BackupRetentionPeriod == 0 || got.HasPendingModifications() || !got.IsAvailable() {
				t.Errorf("replica = %+v, want available with retention and no pending modifications", got)
			}
		})
	}
}

func TestCreateSnapshot(t *testing.T) {
	f := newFixture(t, mock.Options{SettlePolls: 1}, false)
	ctx := context.Background()
	replica, err := f.client.EnsureReadReplica(ctx, "orders-db", "orders-db-readRep")
	if err != nil {
		t.Fatal(err)
	}

	snap, err := f.client.CreateSnapshot(ctx, replica)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if snap.ID != "orders-db-readRep-aurora" || snap.Status != types.SnapshotAvailable {
		t.Errorf("snapshot = %+v", snap)
	}

	if _, err := f.client.CreateSnapshot(ctx, replica); err != nil {
		t.Fatalf("second CreateSnapshot() error = %v", err)
	}
	if got := f.rec.Count("CreateDBSnapshot"); got != 1 {
		t.Errorf("CreateDBSnapshot calls = %d, want 1", got)
	}
}

func TestCreateSnapshot_Conflicts(t *testing.T) {
	tests := []struct {
		name    string
		snap    mock.MockSnapshot
		wantErr error
	}{
		{"other instance", mock.MockSnapshot{ID: "orders-db-readRep-aurora", InstanceID: "billing-db", Status: "available"}, internalerrors.ErrConfigurationConflict},
		{"failed snapshot", mock.MockSnapshot{ID: "orders-db-readRep-aurora", InstanceID: "orders-db-readRep", Status: "failed"}, internalerrors.ErrResourceFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, mock.Options{}, false)
			snap := tt.snap
			f.state.PutSnapshot(&snap)

			_, err := f.client.CreateSnapshot(context.Background(), &types.InstanceHandle{ID: "orders-db-readRep"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateSnapshot() error = %v, want %v", err, tt.wantErr)
			}
			if got := f.rec.Count("CreateDBSnapshot"); got != 0 {
				t.Errorf("CreateDBSnapshot calls = %d, want 0", got)
			}
		})
	}
}

func provisionInputs(t *testing.T, f *fixture) (*types.InstanceHandle, *types.SnapshotHandle) {
	t.Helper()
	ctx := context.Background()
	replica, err := f.client.EnsureReadReplica(ctx, "orders-db", "orders-db-readRep")
	if err != nil {
		t.Fatal(err)
	}
	snap, err := f.client.CreateSnapshot(ctx, replica)
	if err != nil {
		t.Fatal(err)
	}
	return replica, snap
}

func TestProvisionTargetCluster(t *testing.T) {
	f := newFixture(t, mock.Options{SettlePolls: 1}, false)
	replica, snap := provisionInputs(t, f)
	plan := testPlan(t, "")

	target, err := f.client.ProvisionTargetCluster(context.Background(), rds.ProvisionRequest{
		Plan:     plan,
		Replica:  replica,
		Snapshot: snap,
		OnBlocked: func(rds.ManualIntervention) {
			t.Error("OnBlocked called for a supported restore")
		},
	})
	if err != nil {
		t.Fatalf("ProvisionTargetCluster() error = %v", err)
	}
	if target.ID != "orders-db-migrated" || target.ClusterID != "orders-db-migrated-cluster" || !target.IsAvailable() {
		t.Errorf("target = %+v", target)
	}
	if target.InstanceClass != replica.InstanceClass {
		t.Errorf("InstanceClass = %s, want the replica's %s", target.InstanceClass, replica.InstanceClass)
	}

	cl, _ := f.state.Cluster("orders-db-migrated-cluster")
	if cl.SubnetGroup != replica.SubnetGroup || len(cl.SecurityGroupIDs) != len(replica.SecurityGroupIDs) {
		t.Errorf("cluster network = %s %v, want the replica's", cl.SubnetGroup, cl.SecurityGroupIDs)
	}
	if got := f.rec.Count("RebootDBInstance"); got != 0 {
		t.Errorf("RebootDBInstance calls = %d, want 0 without a parameter group", got)
	}

	// Re-running against the existing target creates nothing.
	if _, err := f.client.ProvisionTargetCluster(context.Background(), rds.ProvisionRequest{Plan: plan, Replica: replica, Snapshot: snap}); err != nil {
		t.Fatalf("second ProvisionTargetCluster() error = %v", err)
	}
	if f.rec.Count("RestoreDBClusterFromSnapshot") != 1 || f.rec.Count("CreateDBInstance") != 1 {
		t.Errorf("restore/create calls = %d/%d, want 1/1",
			f.rec.Count("RestoreDBClusterFromSnapshot"), f.rec.Count("CreateDBInstance"))
	}
}

func TestProvisionTargetCluster_ParameterGroup(t *testing.T) {
	f := newFixture(t, mock.Options{SettlePolls: 1}, false)
	replica, snap := provisionInputs(t, f)

	target, err := f.client.ProvisionTargetCluster(context.Background(), rds.ProvisionRequest{
		Plan:     testPlan(t, "aurora-migration-pg"),
		Replica:  replica,
		Snapshot: snap,
	})
	if err != nil {
		t.Fatalf("ProvisionTargetCluster() error = %v", err)
	}
	if target.ParameterGroup != "aurora-migration-pg" || target.ParameterApplyStatus != "in-sync" {
		t.Errorf("parameter group = %s (%s), want aurora-migration-pg (in-sync)", target.ParameterGroup, target.ParameterApplyStatus)
	}

	calls := f.rec.Filter("ModifyDBInstance", "RebootDBInstance")
	if len(calls) != 2 || calls[0].Action != "ModifyDBInstance" || calls[1].Action != "RebootDBInstance" {
		t.Errorf("calls = %v, want modify then reboot", calls)
	}
}

func TestProvisionTargetCluster_ManualRestore(t *testing.T) {
	tests := []struct {
		name          string
		opts          mock.Options
		manualRestore bool
	}{
		{"restore rejected by the API", mock.Options{RestoreUnsupported: true}, false},
		{"manual restore configured", mock.Options{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts, tt.manualRestore)
			replica, snap := provisionInputs(t, f)
			plan := testPlan(t, "")
			f.state.ExpectOperatorRestore(plan.ClusterID, plan.TargetID, 3)

			var notices []rds.ManualIntervention
			target, err := f.client.ProvisionTargetCluster(context.Background(), rds.ProvisionRequest{
				Plan:      plan,
				Replica:   replica,
				Snapshot:  snap,
				OnBlocked: func(mi rds.ManualIntervention) { notices = append(notices, mi) },
			})
			if err != nil {
				t.Fatalf("ProvisionTargetCluster() error = %v", err)
			}
			if target.ID != plan.TargetID {
				t.Errorf("target = %s, want %s", target.ID, plan.TargetID)
			}
			if len(notices) != 1 {
				t.Fatalf("OnBlocked calls = %d, want 1", len(notices))
			}
			mi := notices[0]
			if mi.SnapshotID != "orders-db-readRep-aurora" || mi.ClusterID != plan.ClusterID || mi.TargetID != plan.TargetID {
				t.Errorf("intervention = %+v", mi)
			}
			if got := f.rec.Count("CreateDBInstance"); got != 0 {
				t.Errorf("CreateDBInstance calls = %d, want 0", got)
			}
		})
	}
}

func TestProvisionTargetCluster_MissingSecurityGroup(t *testing.T) {
	f := newFixture(t, mock.Options{}, false)
	replica, snap := provisionInputs(t, f)
	f.state.RemoveSecurityGroup("sg-0a1b2c3d")

	_, err := f.client.ProvisionTargetCluster(context.Background(), rds.ProvisionRequest{
		Plan:     testPlan(t, ""),
		Replica:  replica,
		Snapshot: snap,
	})
	if !errors.Is(err, internalerrors.ErrConfigurationConflict) {
		t.Fatalf("ProvisionTargetCluster() error = %v, want ErrConfigurationConflict", err)
	}
	if got := f.rec.Count("RestoreDBClusterFromSnapshot"); got != 0 {
		t.Errorf("RestoreDBClusterFromSnapshot calls = %d, want 0", got)
	}
}

func TestProvisionTargetCluster_ForeignTarget(t *testing.T) {
	f := newFixture(t, mock.Options{}, false)
	f.state.PutInstance(&mock.MockInstance{ID: "orders-db-migrated", Engine: "aurora-mysql", Status: "available", ClusterID: "other-cluster"})

	_, err := f.client.ProvisionTargetCluster(context.Background(), rds.ProvisionRequest{Plan: testPlan(t, "")})
	if !errors.Is(err, internalerrors.ErrConfigurationConflict) {
		t.Fatalf("ProvisionTargetCluster() error = %v, want ErrConfigurationConflict", err)
	}
}

func TestWaitInstanceAvailable(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(s *mock.State)
		wantErr   error
		wantFatal bool
	}{
		{
			name: "transient faults are retried",
			setup: func(s *mock.State) {
				s.Faults().Inject(mock.Fault{Action: "DescribeDBInstances", Code: "Throttling", Times: 2})
			},
		},
		{
			name:    "failed instance",
			setup:   func(s *mock.State) { s.SetInstanceStatus("orders-db", "failed") },
			wantErr: internalerrors.ErrResourceFailed,
		},
		{
			name: "non-transient fault",
			setup: func(s *mock.State) {
				s.Faults().Inject(mock.Fault{Action: "DescribeDBInstances", Code: "AccessDenied", Kind: smithy.FaultClient})
			},
			wantFatal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, mock.Options{}, false)
			tt.setup(f.state)

			_, err := f.client.WaitInstanceAvailable(context.Background(), "orders-db")
			switch {
			case tt.wantFatal:
				if err == nil || internalerrors.IsTransient(err) {
					t.Fatalf("WaitInstanceAvailable() error = %v, want a fatal error", err)
				}
				if got := f.rec.Count("DescribeDBInstances"); got != 1 {
					t.Errorf("DescribeDBInstances calls = %d, want 1", got)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("WaitInstanceAvailable() error = %v, want %v", err, tt.wantErr)
				}
			default:
				if err != nil {
					t.Fatalf("WaitInstanceAvailable() error = %v", err)
				}
				if got := f.rec.Count("DescribeDBInstances"); got != 3 {
					t.Errorf("DescribeDBInstances calls = %d, want 3", got)
				}
			}
		})
	}
}
