// Package rds provides the RDS facade the migration stages call into.
package rds

import "github.com/mpz/devops/tools/aurora-migrate/internal/types"

// InstanceStatus represents the raw status of an RDS DB instance.
// See: https://docs.aws.amazon.com/AmazonRDS/latest/UserGuide/accessing-monitoring.html
type InstanceStatus string

const (
	StatusAvailable                      InstanceStatus = "available"
	StatusBackingUp                      InstanceStatus = "backing-up"
	StatusConfiguringEnhancedMonitoring  InstanceStatus = "configuring-enhanced-monitoring"
	StatusConfiguringIAMDatabaseAuth     InstanceStatus = "configuring-iam-database-auth"
	StatusConfiguringLogExports          InstanceStatus = "configuring-log-exports"
	StatusConfiguringPerformanceInsights InstanceStatus = "configuring-performance-insights"
	StatusCreating                       InstanceStatus = "creating"
	StatusMaintenance                    InstanceStatus = "maintenance"
	StatusModifying                      InstanceStatus = "modifying"
	StatusRebooting                      InstanceStatus = "rebooting"
	StatusRenaming                       InstanceStatus = "renaming"
	StatusResettingMasterCredentials     InstanceStatus = "resetting-master-credentials"
	StatusStarting                       InstanceStatus = "starting"
	StatusStorageOptimization            InstanceStatus = "storage-optimization"
	StatusUpgrading                      InstanceStatus = "upgrading"

	StatusDeleting                          InstanceStatus = "deleting"
	StatusStopped                           InstanceStatus = "stopped"
	StatusStopping                          InstanceStatus = "stopping"
	StatusInaccessibleEncryptionCredentials InstanceStatus = "inaccessible-encryption-credentials"

	StatusFailed                  InstanceStatus = "failed"
	StatusIncompatibleNetwork     InstanceStatus = "incompatible-network"
	StatusIncompatibleOptionGroup InstanceStatus = "incompatible-option-group"
	StatusIncompatibleParameters  InstanceStatus = "incompatible-parameters"
	StatusIncompatibleRestore     InstanceStatus = "incompatible-restore"
	StatusInsufficientCapacity    InstanceStatus = "insufficient-capacity"
	StatusRestoreError            InstanceStatus = "restore-error"
	StatusStorageFull             InstanceStatus = "storage-full"
)

// modifyingStatuses are transitional statuses other than creating and rebooting.
var modifyingStatuses = map[InstanceStatus]bool{
	StatusBackingUp:                      true,
	StatusConfiguringEnhancedMonitoring:  true,
	StatusConfiguringIAMDatabaseAuth:     true,
	StatusConfiguringLogExports:          true,
	StatusConfiguringPerformanceInsights: true,
	StatusMaintenance:                    true,
	StatusModifying:                      true,
	StatusRenaming:                       true,
	StatusResettingMasterCredentials:     true,
	StatusStarting:                       true,
	StatusStorageOptimization:            true,
	StatusUpgrading:                      true,
}

// errorStatuses will not become available without operator action.
var errorStatuses = map[InstanceStatus]bool{
	StatusFailed:                            true,
	StatusInaccessibleEncryptionCredentials: true,
	StatusIncompatibleNetwork:               true,
	StatusIncompatibleOptionGroup:           true,
	StatusIncompatibleParameters:            true,
	StatusIncompatibleRestore:               true,
	StatusInsufficientCapacity:              true,
	StatusRestoreError:                      true,
	StatusStorageFull:                       true,
}

// IsTransitional returns true if the instance will eventually become available on its own.
func (s InstanceStatus) IsTransitional() bool {
	return s == StatusCreating || s == StatusRebooting || modifyingStatuses[s]
}

// IsError returns true if the status indicates a problem with the instance.
func (s InstanceStatus) IsError() bool {
	return errorStatuses[s]
}

// Lifecycle maps the raw status onto the migration's lifecycle enum.
func (s InstanceStatus) Lifecycle() types.Lifecycle {
	switch {
	case s == StatusAvailable:
		return types.LifecycleAvailable
	case s == StatusCreating:
		return types.LifecycleCreating
	case s == StatusRebooting:
		return types.LifecycleRebooting
	case modifyingStatuses[s]:
		return types.LifecycleModifying
	case errorStatuses[s]:
		return types.LifecycleFailed
	default:
		return types.LifecycleUnknown
	}
}

// ClusterStatus represents the raw status of an RDS DB cluster.
type ClusterStatus string

const (
	ClusterStatusAvailable                         ClusterStatus = "available"
	ClusterStatusBackingUp                         ClusterStatus = "backing-up"
	ClusterStatusCreating                          ClusterStatus = "creating"
	ClusterStatusFailed                            ClusterStatus = "failed"
	ClusterStatusInaccessibleEncryptionCredentials ClusterStatus = "inaccessible-encryption-credentials"
	ClusterStatusMaintenance                       ClusterStatus = "maintenance"
	ClusterStatusMigrating                         ClusterStatus = "migrating"
	ClusterStatusMigrationFailed                   ClusterStatus = "migration-failed"
	ClusterStatusModifying                         ClusterStatus = "modifying"
	ClusterStatusRebooting                         ClusterStatus = "rebooting"
	ClusterStatusUpgrading                         ClusterStatus = "upgrading"
)

// Lifecycle maps the raw cluster status onto the migration's lifecycle enum.
func (s ClusterStatus) Lifecycle() types.Lifecycle {
	switch s {
	case ClusterStatusAvailable:
		return types.LifecycleAvailable
	case ClusterStatusCreating:
		return types.LifecycleCreating
	case ClusterStatusRebooting:
		return types.LifecycleRebooting
	case ClusterStatusBackingUp, ClusterStatusMaintenance, ClusterStatusMigrating, ClusterStatusModifying, ClusterStatusUpgrading:
		return types.LifecycleModifying
	case ClusterStatusFailed, ClusterStatusInaccessibleEncryptionCredentials, ClusterStatusMigrationFailed:
		return types.LifecycleFailed
	default:
		return types.LifecycleUnknown
	}
}

// snapshotStatus maps a raw DB snapshot status.
func snapshotStatus(raw string) types.SnapshotStatus {
	switch raw {
	case "available":
		return types.SnapshotAvailable
	case "failed", "incompatible-restore", "deleting":
		return types.SnapshotFailed
	default:
		return types.SnapshotCreating
	}
}
