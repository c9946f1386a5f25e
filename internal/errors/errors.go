// Package errors defines error kinds for the Aurora migration.
package errors

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrAmbiguousResult indicates a lookup by identifier matched more than one resource.
	ErrAmbiguousResult = errors.New("ambiguous result")
	// ErrSourceNotReady indicates the source instance is not available for replica creation.
	ErrSourceNotReady = errors.New("source not ready")
	// ErrConfigurationConflict indicates an existing resource does not match the migration plan.
	ErrConfigurationConflict = errors.New("configuration conflict")
	// ErrReplicationError indicates the replication stream reported an error.
	ErrReplicationError = errors.New("replication error")
	// ErrInfrastructureUnavailable indicates a transient service error that is safe to retry.
	ErrInfrastructureUnavailable = errors.New("infrastructure unavailable")
	// ErrManualInterventionRequired indicates the operator must complete a step out of band.
	// A blocked restore is not returned as an error; the kind tags the journaled
	// manual_intervention_required event instead.
	ErrManualInterventionRequired = errors.New("manual intervention required")
	// ErrInstanceNotFound indicates an RDS instance was not found.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrClusterNotFound indicates an RDS cluster was not found.
	ErrClusterNotFound = errors.New("cluster not found")
	// ErrSnapshotNotFound indicates an RDS snapshot was not found.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrWaitTimeout indicates a wait exceeded its caller-supplied deadline.
	ErrWaitTimeout = errors.New("wait timeout")
	// ErrResourceFailed indicates a resource entered a terminal error status.
	ErrResourceFailed = errors.New("resource failed")
	// ErrStagePrecondition indicates the output of an earlier stage is missing or not ready.
	ErrStagePrecondition = errors.New("stage precondition not met")
)

// kinds is ordered from most to least specific.
var kinds = []struct {
	err  error
	name string
}{
	{ErrAmbiguousResult, "AmbiguousResult"},
	{ErrSourceNotReady, "SourceNotReady"},
	{ErrConfigurationConflict, "ConfigurationConflict"},
	{ErrReplicationError, "ReplicationError"},
	{ErrManualInterventionRequired, "ManualInterventionRequired"},
	{ErrStagePrecondition, "StagePrecondition"},
	{ErrWaitTimeout, "WaitTimeout"},
	{ErrResourceFailed, "ResourceFailed"},
	{ErrInstanceNotFound, "InstanceNotFound"},
	{ErrClusterNotFound, "ClusterNotFound"},
	{ErrSnapshotNotFound, "SnapshotNotFound"},
	{ErrInvalidParameter, "InvalidParameter"},
	{ErrInfrastructureUnavailable, "InfrastructureUnavailable"},
}

// WithKind marks cause with kind and prefixes its message with the kind.
// Both match errors.Is from github.com/cockroachdb/errors, and the cause stays
// reachable through Unwrap.
func WithKind(kind, cause error) error {
	if cause == nil {
		return nil
	}
	return errors.Mark(errors.WithMessage(cause, kind.Error()), kind)
}

// Kind returns the name of the first known error kind in err's chain, or "Fatal".
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Fatal"
}

// IsNotFound returns true if the error is any kind of "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrClusterNotFound) ||
		errors.Is(err, ErrSnapshotNotFound)
}

// IsTransient returns true if the error should be retried by a polling loop.
func IsTransient(err error) bool {
	return errors.Is(err, ErrInfrastructureUnavailable)
}
