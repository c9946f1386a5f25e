// Package constants provides shared constant values used throughout the application.
package constants

import "time"

// Polling intervals
const (
	// InstancePollInterval is the interval for instance, snapshot and cluster waits.
	InstancePollInterval = 60 * time.Second

	// ModificationPollInterval is the interval for configuration-modification waits.
	ModificationPollInterval = 30 * time.Second

	// ReplicationPollInterval is the interval between replication status checks during cutover.
	ReplicationPollInterval = 60 * time.Second

	// ReplicationGracePeriod is the pause after stopping replication on the replica.
	ReplicationGracePeriod = 30 * time.Second

	// RebootSettlePeriod is the pause after a reboot before status is trusted again.
	RebootSettlePeriod = 30 * time.Second
)

// Resource naming
const (
	// ReplicaSuffix derives the read replica identifier from the source identifier.
	ReplicaSuffix = "-readRep"

	// TargetSuffix derives the default target instance identifier from the source identifier.
	TargetSuffix = "-migrated"

	// ClusterSuffix derives the target cluster identifier from the target identifier.
	ClusterSuffix = "-cluster"

	// SnapshotSuffix derives the snapshot identifier from the replica identifier.
	SnapshotSuffix = "-aurora"
)

// Defaults
const (
	// DefaultAWSRegion is the default AWS region when not specified.
	DefaultAWSRegion = "us-east-1"

	// DefaultTargetEngine is the engine of the restored cluster.
	DefaultTargetEngine = "aurora-mysql"

	// DefaultMySQLPort is used when an endpoint does not report a port.
	DefaultMySQLPort = 3306

	// DefaultBackupRetentionDays enables binary logging on the read replica.
	DefaultBackupRetentionDays = 1

	// DefaultDataDir is where run journals are written.
	DefaultDataDir = "./data"

	// DefaultDialTimeout bounds opening a MySQL session.
	DefaultDialTimeout = 10 * time.Second
)

// AWS tag keys used by the application
const (
	// TagCreatedBy is the tag key indicating who created a resource.
	TagCreatedBy = "created-by"

	// TagCreatedByValue is the value for the created-by tag.
	TagCreatedByValue = "aurora-migrate"

	// TagMigrationSource records the source instance of a migration.
	TagMigrationSource = "aurora-migrate-source"
)

// Process exit codes
const (
	// ExitFailure is returned on an unrecoverable migration error.
	ExitFailure = 1

	// ExitUsage is returned when required input is missing or invalid.
	ExitUsage = 2
)
