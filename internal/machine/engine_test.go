package machine_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/juju/clock/testclock"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/machine"
	"github.com/mpz/devops/tools/aurora-migrate/internal/mock"
	"github.com/mpz/devops/tools/aurora-migrate/internal/rds"
	"github.com/mpz/devops/tools/aurora-migrate/internal/replication"
	"github.com/mpz/devops/tools/aurora-migrate/internal/storage"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
	"github.com/mpz/devops/tools/aurora-migrate/internal/waiter"
)

const (
	sourceID  = "orders-db"
	replicaID = "orders-db-readRep"
	targetID  = "orders-db-migrated"
	clusterID = "orders-db-migrated-cluster"
)

type recordingNotifier struct {
	sent []string
	fail bool
}

func (n *recordingNotifier) add(what string) error {
	n.sent = append(n.sent, what)
	if n.fail {
		return errors.New("slack unreachable")
	}
	return nil
}

func (n *recordingNotifier) NotifyRunStarted(ctx context.Context, run *types.Run) error {
	return n.add("started")
}

func (n *recordingNotifier) NotifyStageCompleted(ctx context.Context, run *types.Run, stage types.Stage) error {
	return n.add("stage:" + stage.String())
}

func (n *recordingNotifier) NotifyRunCompleted(ctx context.Context, run *types.Run) error {
	return n.add("completed")
}

func (n *recordingNotifier) NotifyRunFailed(ctx context.Context, run *types.Run) error {
	return n.add("failed")
}

func (n *recordingNotifier) NotifyInterventionRequired(ctx context.Context, run *types.Run, instruction string) error {
	return n.add("intervention")
}

type harness struct {
	state    *mock.State
	fleet    *mock.MySQLFleet
	rec      *mock.Recorder
	store    *storage.FileStore
	notifier *recordingNotifier
	engine   *machine.Engine
}

func newHarness(t *testing.T, manualRestore bool) *harness {
	t.Helper()

	rec := mock.NewRecorder()
	state := mock.NewState(mock.Options{SettlePolls: 1, Recorder: rec})
	state.AddSourceInstance(sourceID)
	fleet := mock.NewMySQLFleet(rec)
	fleet.SetMaster(replicaID, "mysql-bin-changelog.000042", 1337)
	fleet.ScriptLag(targetID, -1, 12, 0)

	clk := testclock.NewDilatedWallClock(time.Millisecond)
	w := waiter.New(waiter.Config{Clock: clk, Deadline: 24 * time.Hour})

	store, err := storage.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	notifier := &recordingNotifier{}

	engine := machine.NewEngine(machine.EngineConfig{
		Infrastructure: rds.NewClientWithAPI(state, state, rds.ClientConfig{
			Waiter:        w,
			Intervals:     rds.Intervals{Instance: time.Second, Modification: time.Second, Settle: time.Second},
			ManualRestore: manualRestore,
		}),
		Replicator: replication.NewController(replication.ControllerConfig{
			Waiter:       w,
			PollInterval: time.Second,
			GracePeriod:  time.Second,
		}),
		Dialer:   fleet,
		Store:    store,
		Notifier: notifier,
		Clock:    clk,
	})

	return &harness{state: state, fleet: fleet, rec: rec, store: store, notifier: notifier, engine: engine}
}

func newPlan(t *testing.T, stage int) types.MigrationPlan {
	t.Helper()
	plan, err := types.NewPlan(types.PlanInput{Source: sourceID, User: "admin", Password: "secret", Stage: stage})
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

// seedStageOutputs creates what stages 1 and 2 leave behind.
func (h *harness) seedStageOutputs() {
	h.seedReplica(nil)
	h.seedTarget(nil)
}

// seedReplica creates the read replica stage 1 leaves behind, adjusted by edit.
func (h *harness) seedReplica(edit func(*mock.MockInstance)) {
	inst := &mock.MockInstance{
		ID:                  replicaID,
		Engine:              "mysql",
		EngineVersion:       "8.0.35",
		InstanceClass:       "db.r6g.large",
		Status:              "available",
		ReadReplicaSourceID: sourceID,
		BackupRetention:     1,
		SubnetGroup:         "db-private",
		SecurityGroupIDs:    []string{"sg-0a1b2c3d"},
		ParameterGroup:      "default.mysql8.0",
		ParameterApply:      "in-sync",
		CreatedAt:           time.Now(),
	}
	if edit != nil {
		edit(inst)
	}
	h.state.PutInstance(inst)
}

// seedTarget creates the Aurora instance stage 2 leaves behind, adjusted by edit.
func (h *harness) seedTarget(edit func(*mock.MockInstance)) {
	inst := &mock.MockInstance{
		ID:             targetID,
		Engine:         "aurora-mysql",
		InstanceClass:  "db.r6g.large",
		Status:         "available",
		ClusterID:      clusterID,
		ParameterGroup: "default.aurora-mysql8.0",
		ParameterApply: "in-sync",
		CreatedAt:      time.Now(),
	}
	if edit != nil {
		edit(inst)
	}
	h.state.PutInstance(inst)
}

func calls(cs []mock.Call) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.String()
	}
	return out
}

func TestEngine_FullMigration(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	run, err := h.engine.Run(ctx, newPlan(t, 1))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != types.RunStateCompleted {
		t.Errorf("run state = %s, want completed", run.State)
	}
	for _, rec := range run.Stages {
		if rec.State != types.StageStateCompleted {
			t.Errorf("stage %s state = %s, want completed", rec.Stage, rec.State)
		}
	}
	if run.Elapsed() <= 0 {
		t.Errorf("elapsed = %s, want > 0", run.Elapsed())
	}

	got := calls(h.rec.Filter(
		"CreateDBInstanceReadReplica", "ModifyDBInstance", "Exec:stop_replication", "CreateDBSnapshot",
		"RestoreDBClusterFromSnapshot", "CreateDBInstance", "ShowMasterStatus",
		"Exec:set_external_master", "Exec:start_replication",
	))
	want := []string{
		"CreateDBInstanceReadReplica(" + replicaID + ")",
		"ModifyDBInstance(" + replicaID + ")",
		"Exec:stop_replication(" + replicaID + ")",
		"CreateDBSnapshot(" + replicaID + "-aurora)",
		"RestoreDBClusterFromSnapshot(" + clusterID + ")",
		"CreateDBInstance(" + targetID + ")",
		"ShowMasterStatus(" + replicaID + ")",
		"Exec:set_external_master(" + targetID + ")",
		"Exec:start_replication(" + targetID + ")",
		"Exec:start_replication(" + replicaID + ")",
	}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("call order:\n got  %v\n want %v", got, want)
	}

	snap, ok := h.state.Snapshot(replicaID + "-aurora")
	if !ok || snap.InstanceID != replicaID || snap.Status != "available" {
		t.Errorf("snapshot = %+v, %v; want an available snapshot of %s", snap, ok, replicaID)
	}
	if ids := h.state.InstanceIDs(); len(ids) != 3 {
		t.Errorf("instances = %v, want source, replica and target", ids)
	}

	if n := h.fleet.OpenSessions(); n != 0 {
		t.Errorf("open sessions = %d, want 0", n)
	}
	if n := len(h.fleet.Sessions()); n != 3 {
		t.Errorf("sessions dialed = %d, want 3 (one in stage 2, two in stage 3)", n)
	}

	wantNotes := []string{"started", "stage:SETUP_REPLICA", "stage:SNAPSHOT_AND_CLUSTER", "stage:CUTOVER", "completed"}
	if strings.Join(h.notifier.sent, ",") != strings.Join(wantNotes, ",") {
		t.Errorf("notifications = %v, want %v", h.notifier.sent, wantNotes)
	}

	saved, err := h.store.GetRun(ctx, run.ID)
	if err != nil || saved == nil {
		t.Fatalf("GetRun() = %v, %v", saved, err)
	}
	if saved.State != types.RunStateCompleted {
		t.Errorf("journaled state = %s, want completed", saved.State)
	}

	events, err := h.store.GetEvents(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.Type] = true
	}
	for _, typ := range []string{
		types.EventRunStarted, types.EventReplicaInstanceReady, types.EventSnapshotReady,
		types.EventTargetInstanceReady, types.EventReplicationCaughtUp, types.EventRunCompleted,
	} {
		if !seen[typ] {
			t.Errorf("journal is missing a %s event", typ)
		}
	}
}

func TestEngine_ResumeAtCutover(t *testing.T) {
	h := newHarness(t, false)
	h.seedStageOutputs()

	run, err := h.engine.Run(context.Background(), newPlan(t, 3))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, action := range []string{
		"CreateDBInstanceReadReplica", "ModifyDBInstance", "RebootDBInstance", "CreateDBSnapshot",
		"RestoreDBClusterFromSnapshot", "CreateDBInstance", "Exec:stop_replication",
	} {
		if n := h.rec.Count(action); n != 0 {
			t.Errorf("%s called %d times on resume at stage 3", action, n)
		}
	}

	tests := []struct {
		stage types.Stage
		want  types.StageState
	}{
		{types.StageSetupReplica, types.StageStateSkipped},
		{types.StageSnapshotAndCluster, types.StageStateSkipped},
		{types.StageCutover, types.StageStateCompleted},
	}
	for _, tt := range tests {
		if got := run.Record(tt.stage).State; got != tt.want {
			t.Errorf("stage %s state = %s, want %s", tt.stage, got, tt.want)
		}
	}
	if h.rec.Count("Exec:set_external_master") != 1 {
		t.Error("expected cutover to set the external master once")
	}
}

func TestEngine_ResumeAtSnapshot(t *testing.T) {
	h := newHarness(t, false)
	h.seedReplica(nil)

	run, err := h.engine.Run(context.Background(), newPlan(t, 2))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, action := range []string{"CreateDBInstanceReadReplica", "ModifyDBInstance", "RebootDBInstance"} {
		if n := h.rec.Count(action); n != 0 {
			t.Errorf("%s called %d times on resume at stage 2", action, n)
		}
	}
	if n := h.rec.Count("CreateDBSnapshot"); n != 1 {
		t.Errorf("CreateDBSnapshot called %d times, want 1", n)
	}

	tests := []struct {
		stage types.Stage
		want  types.StageState
	}{
		{types.StageSetupReplica, types.StageStateSkipped},
		{types.StageSnapshotAndCluster, types.StageStateCompleted},
		{types.StageCutover, types.StageStateCompleted},
	}
	for _, tt := range tests {
		if got := run.Record(tt.stage).State; got != tt.want {
			t.Errorf("stage %s state = %s, want %s", tt.stage, got, tt.want)
		}
	}
	if run.State != types.RunStateCompleted {
		t.Errorf("run state = %s, want completed", run.State)
	}
}

func TestEngine_StagePrecondition(t *testing.T) {
	tests := []struct {
		name  string
		stage int
		seed  func(h *harness)
	}{
		{
			name:  "snapshot stage without replica",
			stage: 2,
		},
		{
			name:  "cutover without target",
			stage: 3,
			seed: func(h *harness) {
				h.state.PutInstance(&mock.MockInstance{
					ID:                  replicaID,
					Engine:              "mysql",
					Status:              "available",
					ReadReplicaSourceID: sourceID,
				})
			},
		},
		{
			name:  "snapshot stage with replica of another source",
			stage: 2,
			seed: func(h *harness) {
				h.seedReplica(func(i *mock.MockInstance) { i.ReadReplicaSourceID = "billing-db" })
			},
		},
		{
			name:  "snapshot stage with backups off",
			stage: 2,
			seed: func(h *harness) {
				h.seedReplica(func(i *mock.MockInstance) { i.BackupRetention = 0 })
			},
		},
		{
			name:  "cutover with replica of another source",
			stage: 3,
			seed: func(h *harness) {
				h.seedReplica(func(i *mock.MockInstance) { i.ReadReplicaSourceID = "" })
				h.seedTarget(nil)
			},
		},
		{
			name:  "cutover with target in another cluster",
			stage: 3,
			seed: func(h *harness) {
				h.seedReplica(nil)
				h.seedTarget(func(i *mock.MockInstance) { i.ClusterID = "billing-db-cluster" })
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			if tt.seed != nil {
				tt.seed(h)
			}

			run, err := h.engine.Run(context.Background(), newPlan(t, tt.stage))
			if !errors.Is(err, internalerrors.ErrStagePrecondition) {
				t.Fatalf("Run() error = %v, want ErrStagePrecondition", err)
			}
			if run.ErrorKind != "StagePrecondition" {
				t.Errorf("ErrorKind = %s, want StagePrecondition", run.ErrorKind)
			}
			if run.State != types.RunStateFailed {
				t.Errorf("run state = %s, want failed", run.State)
			}
			if n := h.rec.Count("Dial"); n != 0 {
				t.Errorf("dialed %d sessions before the precondition failed", n)
			}
			if h.fleet.OpenSessions() != 0 {
				t.Errorf("open sessions = %d, want 0", h.fleet.OpenSessions())
			}
		})
	}
}

func TestEngine_ManualRestore(t *testing.T) {
	h := newHarness(t, true)
	h.state.ExpectOperatorRestore(clusterID, targetID, 2)
	ctx := context.Background()

	run, err := h.engine.Run(ctx, newPlan(t, 1))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != types.RunStateCompleted {
		t.Errorf("run state = %s, want completed", run.State)
	}
	if n := h.rec.Count("RestoreDBClusterFromSnapshot"); n != 0 {
		t.Errorf("RestoreDBClusterFromSnapshot calls = %d, want 0 with manual restore", n)
	}

	interventions := 0
	for _, s := range h.notifier.sent {
		if s == "intervention" {
			interventions++
		}
	}
	if interventions != 1 {
		t.Errorf("intervention notifications = %d, want 1", interventions)
	}

	events, err := h.store.GetEvents(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	var instruction string
	var data struct {
		SnapshotID string `json:"snapshot_id"`
		ErrorKind  string `json:"error_kind"`
	}
	for _, ev := range events {
		if ev.Type == types.EventManualIntervention {
			instruction = ev.Message
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				t.Fatalf("intervention event data: %v", err)
			}
		}
	}
	if data.ErrorKind != "ManualInterventionRequired" || data.SnapshotID != replicaID+"-aurora" {
		t.Errorf("intervention event data = %+v", data)
	}
	for _, want := range []string{replicaID + "-aurora", targetID, clusterID} {
		if !strings.Contains(instruction, want) {
			t.Errorf("instruction %q does not name %s", instruction, want)
		}
	}
}

func TestEngine_CutoverFailureClosesSessions(t *testing.T) {
	h := newHarness(t, false)
	h.seedStageOutputs()
	h.fleet.ScriptLag(targetID)
	h.fleet.ScriptStatus(targetID, types.ReplicationStatus{
		Configured: true,
		Lag:        types.LagOf(0),
		LastError:  "Error 'Duplicate entry' on query",
	})

	run, err := h.engine.Run(context.Background(), newPlan(t, 3))
	if !errors.Is(err, internalerrors.ErrReplicationError) {
		t.Fatalf("Run() error = %v, want ErrReplicationError", err)
	}
	if got := run.Record(types.StageCutover).State; got != types.StageStateFailed {
		t.Errorf("cutover state = %s, want failed", got)
	}
	if got := run.SuggestedResumeStage(); got != types.StageCutover {
		t.Errorf("SuggestedResumeStage() = %d, want 3", got)
	}
	if h.fleet.OpenSessions() != 0 {
		t.Errorf("open sessions = %d, want 0", h.fleet.OpenSessions())
	}
	if h.notifier.sent[len(h.notifier.sent)-1] != "failed" {
		t.Errorf("last notification = %s, want failed", h.notifier.sent[len(h.notifier.sent)-1])
	}
}

func TestEngine_NotifierFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, false)
	h.seedStageOutputs()
	h.notifier.fail = true

	run, err := h.engine.Run(context.Background(), newPlan(t, 3))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != types.RunStateCompleted {
		t.Errorf("run state = %s, want completed", run.State)
	}
}
