// Package mock provides in-memory RDS, EC2 and MySQL fakes for tests and the demo.
package mock

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	mockAccountID = "123456789012"
	mockRegion    = "us-east-1"
	mockDomain    = "c9akciq32.us-east-1.rds.mock"
	mockPort      = 3306
)

// Options controls how the fake services behave.
type Options struct {
	// SettlePolls is the number of describe calls that still see a resource in its
	// transitional status after a mutation. Zero makes every mutation settle immediately.
	SettlePolls int
	// RestoreUnsupported makes RestoreDBClusterFromSnapshot fail as the API does for
	// snapshots that cannot be restored programmatically.
	RestoreUnsupported bool
	// Recorder receives every call. A nil recorder is allowed.
	Recorder *Recorder
}

// State holds the in-memory state shared by the fake RDS and EC2 APIs.
type State struct {
	mu             sync.Mutex
	instances      map[string]*MockInstance
	clusters       map[string]*MockCluster
	snapshots      map[string]*MockSnapshot
	securityGroups map[string]string // id -> name
	duplicates     map[string]bool
	operatorRuns   map[string]*operatorRestore // target instance id -> pending restore

	opts     Options
	faults   *Faults
	recorder *Recorder
}

// MockInstance represents a simulated RDS instance.
type MockInstance struct {
	ID                  string
	Engine              string
	EngineVersion       string
	InstanceClass       string
	Status              string
	ClusterID           string
	ReadReplicaSourceID string
	BackupRetention     int32
	SubnetGroup         string
	SecurityGroupIDs    []string
	ParameterGroup      string
	ParameterApply      string
	CreatedAt           time.Time

	// Pending modifications, applied when the instance settles.
	PendingBackupRetention *int32

	settleIn int
}

// ARN returns the instance ARN.
func (i *MockInstance) ARN() string {
	return fmt.Sprintf("arn:aws:rds:%s:%s:db:%s", mockRegion, mockAccountID, i.ID)
}

// Address returns the instance endpoint address.
func (i *MockInstance) Address() string {
	return i.ID + "." + mockDomain
}

// MockCluster represents a simulated Aurora cluster.
type MockCluster struct {
	ID               string
	Engine           string
	EngineVersion    string
	Status           string
	SnapshotID       string
	SubnetGroup      string
	SecurityGroupIDs []string
	Members          []string
	CreatedAt        time.Time

	settleIn int
}

// MockSnapshot represents a simulated manual DB snapshot.
type MockSnapshot struct {
	ID         string
	InstanceID string
	Engine     string
	Status     string
	CreatedAt  time.Time

	settleIn int
}

// ARN returns the snapshot ARN.
func (s *MockSnapshot) ARN() string {
	return fmt.Sprintf("arn:aws:rds:%s:%s:snapshot:%s", mockRegion, mockAccountID, s.ID)
}

type operatorRestore struct {
	clusterID string
	after     int
}

// NewState creates an empty fake.
func NewState(opts Options) *State {
	return &State{
		instances:      make(map[string]*MockInstance),
		clusters:       make(map[string]*MockCluster),
		snapshots:      make(map[string]*MockSnapshot),
		securityGroups: make(map[string]string),
		duplicates:     make(map[string]bool),
		operatorRuns:   make(map[string]*operatorRestore),
		opts:           opts,
		faults:         &Faults{},
		recorder:       opts.Recorder,
	}
}

// Faults returns the injected API faults.
func (s *State) Faults() *Faults {
	return s.faults
}

// SetRestoreUnsupported toggles the unsupported-restore behavior.
func (s *State) SetRestoreUnsupported(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.RestoreUnsupported = v
}

// AddSourceInstance adds an available MySQL instance to migrate from.
func (s *State) AddSourceInstance(id string) *MockInstance {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.securityGroups["sg-0a1b2c3d"] = "db-access"
	inst := &MockInstance{
		ID:               id,
		Engine:           "mysql",
		EngineVersion:    "8.0.35",
		InstanceClass:    "db.r6g.large",
		Status:           "available",
		BackupRetention:  7,
		SubnetGroup:      "db-private",
		SecurityGroupIDs: []string{"sg-0a1b2c3d"},
		ParameterGroup:   "default.mysql8.0",
		ParameterApply:   "in-sync",
		CreatedAt:        time.Now().Add(-24 * time.Hour),
	}
	s.instances[id] = inst
	return inst
}

// PutInstance stores inst as-is, replacing any instance with the same ID.
func (s *State) PutInstance(inst *MockInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
}

// PutCluster stores cl as-is.
func (s *State) PutCluster(cl *MockCluster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters[cl.ID] = cl
}

// PutSnapshot stores snap as-is.
func (s *State) PutSnapshot(snap *MockSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.ID] = snap
}

// AddSecurityGroup registers a security group for EC2 lookups.
func (s *State) AddSecurityGroup(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.securityGroups[id] = name
}

// RemoveSecurityGroup deletes a security group.
func (s *State) RemoveSecurityGroup(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.securityGroups, id)
}

// DuplicateInstance makes describe calls for id return two matches.
func (s *State) DuplicateInstance(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicates[id] = true
}

// SetInstanceStatus overrides the raw status of an instance.
func (s *State) SetInstanceStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		inst.Status = status
		inst.settleIn = 0
	}
}

// ExpectOperatorRestore simulates an operator restoring the target out of band:
// after instanceID has been described as missing `after` times, the cluster and
// the instance appear.
func (s *State) ExpectOperatorRestore(clusterID, instanceID string, after int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operatorRuns[instanceID] = &operatorRestore{clusterID: clusterID, after: after}
}

// Instance returns a copy of an instance.
func (s *State) Instance(id string) (MockInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return MockInstance{}, false
	}
	return *inst, true
}

// Cluster returns a copy of a cluster.
func (s *State) Cluster(id string) (MockCluster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.clusters[id]
	if !ok {
		return MockCluster{}, false
	}
	return *cl, true
}

// Snapshot returns a copy of a snapshot.
func (s *State) Snapshot(id string) (MockSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return MockSnapshot{}, false
	}
	return *snap, true
}

// InstanceIDs returns the sorted identifiers of all instances.
func (s *State) InstanceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// advanceInstanceLocked moves a transitional instance one poll closer to settling.
// MUST be called with s.mu held.
func (s *State) advanceInstanceLocked(inst *MockInstance) {
	if inst.settleIn > 0 {
		inst.settleIn--
		return
	}
	switch inst.Status {
	case "creating", "modifying", "rebooting", "backing-up":
		if inst.PendingBackupRetention != nil {
			inst.BackupRetention = *inst.PendingBackupRetention
			inst.PendingBackupRetention = nil
		}
		if inst.Status == "rebooting" && inst.ParameterApply == "pending-reboot" {
			inst.ParameterApply = "in-sync"
		}
		inst.Status = "available"
	}
}

// advanceClusterLocked moves a transitional cluster one poll closer to settling.
// MUST be called with s.mu held.
func (s *State) advanceClusterLocked(cl *MockCluster) {
	if cl.settleIn > 0 {
		cl.settleIn--
		return
	}
	if cl.Status == "creating" {
		cl.Status = "available"
	}
}

// advanceSnapshotLocked moves a creating snapshot one poll closer to settling.
// MUST be called with s.mu held.
func (s *State) advanceSnapshotLocked(snap *MockSnapshot) {
	if snap.settleIn > 0 {
		snap.settleIn--
		return
	}
	if snap.Status == "creating" {
		snap.Status = "available"
	}
}

// checkOperatorRestoreLocked materializes an expected operator restore once its
// countdown expires. MUST be called with s.mu held.
func (s *State) checkOperatorRestoreLocked(instanceID string) {
	run, ok := s.operatorRuns[instanceID]
	if !ok {
		return
	}
	if run.after > 0 {
		run.after--
		return
	}
	delete(s.operatorRuns, instanceID)

	now := time.Now()
	cl, ok := s.clusters[run.clusterID]
	if !ok {
		cl = &MockCluster{
			ID:            run.clusterID,
			Engine:        "aurora-mysql",
			EngineVersion: "8.0.mysql_aurora.3.05.2",
			Status:        "available",
			CreatedAt:     now,
		}
		s.clusters[run.clusterID] = cl
	}
	cl.Members = append(cl.Members, instanceID)
	s.instances[instanceID] = &MockInstance{
		ID:             instanceID,
		Engine:         "aurora-mysql",
		EngineVersion:  cl.EngineVersion,
		InstanceClass:  "db.r6g.large",
		Status:         "available",
		ClusterID:      run.clusterID,
		ParameterGroup: "default.aurora-mysql8.0",
		ParameterApply: "in-sync",
		CreatedAt:      now,
	}
}
