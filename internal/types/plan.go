// Package types defines core types for the Aurora migration.
package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mpz/devops/tools/aurora-migrate/internal/constants"
)

// Stage is one of the ordered migration stages.
type Stage int

const (
	// StageSetupReplica creates the read replica and enables backups on it.
	StageSetupReplica Stage = 1
	// StageSnapshotAndCluster snapshots the replica and restores the Aurora cluster.
	StageSnapshotAndCluster Stage = 2
	// StageCutover points the cluster at the replica and waits for it to catch up.
	StageCutover Stage = 3
)

// Stages returns all stages in execution order.
func Stages() []Stage {
	return []Stage{StageSetupReplica, StageSnapshotAndCluster, StageCutover}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s >= StageSetupReplica && s <= StageCutover
}

func (s Stage) String() string {
	switch s {
	case StageSetupReplica:
		return "SETUP_REPLICA"
	case StageSnapshotAndCluster:
		return "SNAPSHOT_AND_CLUSTER"
	case StageCutover:
		return "CUTOVER"
	default:
		return "STAGE_" + strconv.Itoa(int(s))
	}
}

// Credentials are the MySQL credentials used for both the replica and the target.
type Credentials struct {
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
}

// String never prints the password.
func (c Credentials) String() string {
	if c.Password == "" {
		return c.User
	}
	return c.User + ":***"
}

// MigrationPlan is the immutable configuration of one migration.
// Derived identifiers are computed once by NewPlan.
type MigrationPlan struct {
	SourceID       string
	TargetID       string
	ClusterID      string
	ReplicaID      string
	SnapshotID     string
	Credentials    Credentials
	ParameterGroup string
	ResumeStage    Stage

	// Target cluster options.
	Engine        string
	EngineVersion string
	InstanceClass string
}

// PlanInput is the validated operator input a plan is built from.
type PlanInput struct {
	Source         string `yaml:"source"`
	Target         string `yaml:"target"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	ParameterGroup string `yaml:"parameter_group"`
	Stage          int    `yaml:"stage"`
	Engine         string `yaml:"engine"`
	EngineVersion  string `yaml:"engine_version"`
	InstanceClass  string `yaml:"instance_class"`
}

// Validate checks required fields and the stage range.
func (in PlanInput) Validate() error {
	if strings.TrimSpace(in.Source) == "" {
		return &ValidationError{Field: "database", Message: "source database identifier is required"}
	}
	if in.User == "" {
		return &ValidationError{Field: "user", Message: "username is required"}
	}
	if in.Password == "" {
		return &ValidationError{Field: "pass", Message: "password is required"}
	}
	if in.Stage != 0 && !Stage(in.Stage).Valid() {
		return &ValidationError{Field: "stage", Message: fmt.Sprintf("stage must be between %d and %d, got %d", StageSetupReplica, StageCutover, in.Stage)}
	}
	return nil
}

// NewPlan validates input and derives the replica, target, cluster and snapshot identifiers.
func NewPlan(in PlanInput) (MigrationPlan, error) {
	if err := in.Validate(); err != nil {
		return MigrationPlan{}, err
	}

	source := strings.TrimSpace(in.Source)
	target := strings.TrimSpace(in.Target)
	if target == "" {
		target = source + constants.TargetSuffix
	}
	replica := source + constants.ReplicaSuffix

	stage := Stage(in.Stage)
	if in.Stage == 0 {
		stage = StageSetupReplica
	}

	engine := in.Engine
	if engine == "" {
		engine = constants.DefaultTargetEngine
	}

	return MigrationPlan{
		SourceID:       source,
		TargetID:       target,
		ClusterID:      target + constants.ClusterSuffix,
		ReplicaID:      replica,
		SnapshotID:     replica + constants.SnapshotSuffix,
		Credentials:    Credentials{User: in.User, Password: in.Password},
		ParameterGroup: in.ParameterGroup,
		ResumeStage:    stage,
		Engine:         engine,
		EngineVersion:  in.EngineVersion,
		InstanceClass:  in.InstanceClass,
	}, nil
}

// ShouldRun reports whether stage s runs under this plan's resume stage.
func (p MigrationPlan) ShouldRun(s Stage) bool {
	return p.ResumeStage <= s
}
