package types

import (
	"encoding/json"
	"strconv"
	"time"

	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
)

// RunState represents the current state of a migration run.
type RunState string

const (
	// RunStateRunning indicates the run is executing.
	RunStateRunning RunState = "running"
	// RunStateBlocked indicates the run waits on an operator action.
	RunStateBlocked RunState = "blocked"
	// RunStateCompleted indicates every stage finished.
	RunStateCompleted RunState = "completed"
	// RunStateFailed indicates the run stopped on an unrecovered error.
	RunStateFailed RunState = "failed"
)

// StageState represents the state of one stage within a run.
type StageState string

const (
	StageStatePending   StageState = "pending"
	StageStateSkipped   StageState = "skipped"
	StageStateRunning   StageState = "running"
	StageStateCompleted StageState = "completed"
	StageStateFailed    StageState = "failed"
)

// Event types written to the run journal.
const (
	EventRunStarted           = "run_started"
	EventStageStarted         = "stage_started"
	EventStageSkipped         = "stage_skipped"
	EventStageCompleted       = "stage_completed"
	EventStageFailed          = "stage_failed"
	EventManualIntervention   = "manual_intervention_required"
	EventRunCompleted         = "run_completed"
	EventRunFailed            = "run_failed"
	EventReplicationCaughtUp  = "replication_caught_up"
	EventSnapshotReady        = "snapshot_ready"
	EventTargetInstanceReady  = "target_instance_ready"
	EventReplicaInstanceReady = "replica_instance_ready"
)

// Run is the journal record of one invocation of the migration.
// It is informational: the operator-supplied resume stage decides what runs.
type Run struct {
	ID          string        `json:"id"`
	SourceID    string        `json:"source_id"`
	TargetID    string        `json:"target_id"`
	ClusterID   string        `json:"cluster_id"`
	ReplicaID   string        `json:"replica_id"`
	ResumeStage Stage         `json:"resume_stage"`
	State       RunState      `json:"state"`
	Stages      []StageRecord `json:"stages"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// StageRecord tracks one stage within a run.
type StageRecord struct {
	Stage       Stage      `json:"stage"`
	Name        string     `json:"name"`
	State       StageState `json:"state"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewRun creates a run record with a pending entry per stage.
func NewRun(id string, plan MigrationPlan, now time.Time) *Run {
	run := &Run{
		ID:          id,
		SourceID:    plan.SourceID,
		TargetID:    plan.TargetID,
		ClusterID:   plan.ClusterID,
		ReplicaID:   plan.ReplicaID,
		ResumeStage: plan.ResumeStage,
		State:       RunStateRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, s := range Stages() {
		run.Stages = append(run.Stages, StageRecord{Stage: s, Name: s.String(), State: StageStatePending})
	}
	return run
}

// Elapsed returns the wall time between creation and completion.
func (r *Run) Elapsed() time.Duration {
	if r.CompletedAt == nil {
		return r.UpdatedAt.Sub(r.CreatedAt)
	}
	return r.CompletedAt.Sub(r.CreatedAt)
}

// Record returns the record for stage s, or nil.
func (r *Run) Record(s Stage) *StageRecord {
	for i := range r.Stages {
		if r.Stages[i].Stage == s {
			return &r.Stages[i]
		}
	}
	return nil
}

// LastCompletedStage returns the highest stage that completed, or 0.
func (r *Run) LastCompletedStage() Stage {
	var last Stage
	for _, rec := range r.Stages {
		if rec.State == StageStateCompleted && rec.Stage > last {
			last = rec.Stage
		}
	}
	return last
}

// SuggestedResumeStage returns the stage an operator would resume from, or 0 if the run completed.
func (r *Run) SuggestedResumeStage() Stage {
	if r.State == RunStateCompleted {
		return 0
	}
	for _, rec := range r.Stages {
		if rec.State == StageStateFailed || rec.State == StageStateRunning {
			return rec.Stage
		}
	}
	next := r.LastCompletedStage() + 1
	if !next.Valid() {
		return r.ResumeStage
	}
	return next
}

// Event represents something that happened during a run.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Stage     Stage           `json:"stage,omitempty"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ValidRunStates contains all valid run states.
var ValidRunStates = map[RunState]bool{
	RunStateRunning:   true,
	RunStateBlocked:   true,
	RunStateCompleted: true,
	RunStateFailed:    true,
}

// ValidStageStates contains all valid stage states.
var ValidStageStates = map[StageState]bool{
	StageStatePending:   true,
	StageStateSkipped:   true,
	StageStateRunning:   true,
	StageStateCompleted: true,
	StageStateFailed:    true,
}

// Validate checks if the run has valid required fields.
func (r *Run) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "run ID is required"}
	}
	if r.SourceID == "" {
		return &ValidationError{Field: "source_id", Message: "source ID is required"}
	}
	if !ValidRunStates[r.State] {
		return &ValidationError{Field: "state", Message: "invalid run state: " + string(r.State)}
	}
	if !r.ResumeStage.Valid() {
		return &ValidationError{Field: "resume_stage", Message: "invalid resume stage: " + strconv.Itoa(int(r.ResumeStage))}
	}
	if r.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Message: "created_at is required"}
	}
	for i, rec := range r.Stages {
		if err := rec.Validate(); err != nil {
			if ve, ok := err.(*ValidationError); ok {
				ve.Field = "stages[" + strconv.Itoa(i) + "]." + ve.Field
				return ve
			}
			return err
		}
	}
	return nil
}

// Validate checks if the stage record has valid required fields.
func (s *StageRecord) Validate() error {
	if !s.Stage.Valid() {
		return &ValidationError{Field: "stage", Message: "invalid stage: " + strconv.Itoa(int(s.Stage))}
	}
	if !ValidStageStates[s.State] {
		return &ValidationError{Field: "state", Message: "invalid stage state: " + string(s.State)}
	}
	return nil
}

// Validate checks if the event has valid required fields.
func (e *Event) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "event ID is required"}
	}
	if e.RunID == "" {
		return &ValidationError{Field: "run_id", Message: "run ID is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "event type is required"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp is required"}
	}
	return nil
}

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Unwrap classifies every validation error as an invalid parameter.
func (e *ValidationError) Unwrap() error {
	return internalerrors.ErrInvalidParameter
}
