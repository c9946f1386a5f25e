package types

import (
	"net"
	"strconv"
	"strings"
)

// Lifecycle is the normalized status of an instance or cluster.
type Lifecycle string

const (
	LifecycleCreating  Lifecycle = "CREATING"
	LifecycleAvailable Lifecycle = "AVAILABLE"
	LifecycleModifying Lifecycle = "MODIFYING"
	LifecycleRebooting Lifecycle = "REBOOTING"
	LifecycleFailed    Lifecycle = "FAILED"
	LifecycleNotFound  Lifecycle = "NOT_FOUND"
	LifecycleUnknown   Lifecycle = "UNKNOWN"
)

// SnapshotStatus is the normalized status of a DB snapshot.
type SnapshotStatus string

const (
	SnapshotCreating  SnapshotStatus = "CREATING"
	SnapshotAvailable SnapshotStatus = "AVAILABLE"
	SnapshotFailed    SnapshotStatus = "FAILED"
)

// Endpoint is a network address of a database.
type Endpoint struct {
	Address string `json:"address"`
	Port    int32  `json:"port"`
}

// HostPort returns the endpoint as host:port.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(int(e.Port)))
}

// InstanceHandle is a point-in-time view of an RDS instance.
type InstanceHandle struct {
	ID        string    `json:"id"`
	ARN       string    `json:"arn,omitempty"`
	Status    Lifecycle `json:"status"`
	RawStatus string    `json:"raw_status,omitempty"`
	Endpoint  Endpoint  `json:"endpoint"`

	BackupRetentionPeriod int32    `json:"backup_retention_period"`
	PendingModifications  []string `json:"pending_modifications,omitempty"`

	// ReadReplicaSourceID is the identifier (or ARN) of the instance this one replicates from.
	ReadReplicaSourceID string `json:"read_replica_source_id,omitempty"`
	// ClusterID is set for Aurora cluster members.
	ClusterID string `json:"cluster_id,omitempty"`

	Engine           string   `json:"engine,omitempty"`
	EngineVersion    string   `json:"engine_version,omitempty"`
	InstanceClass    string   `json:"instance_class,omitempty"`
	SubnetGroup      string   `json:"subnet_group,omitempty"`
	SecurityGroupIDs []string `json:"security_group_ids,omitempty"`

	ParameterGroup       string `json:"parameter_group,omitempty"`
	ParameterApplyStatus string `json:"parameter_apply_status,omitempty"`
}

// IsAvailable returns true if the instance is ready for use.
func (h *InstanceHandle) IsAvailable() bool {
	return h != nil && h.Status == LifecycleAvailable
}

// ReplicatesFrom reports whether the instance is a read replica of sourceID.
// RDS reports the source as an identifier or, across regions, as an ARN.
func (h *InstanceHandle) ReplicatesFrom(sourceID string) bool {
	if h == nil || sourceID == "" {
		return false
	}
	src := h.ReadReplicaSourceID
	return src == sourceID || strings.HasSuffix(src, ":db:"+sourceID)
}

// HasPendingModifications returns true if any modification is still queued.
func (h *InstanceHandle) HasPendingModifications() bool {
	return h != nil && len(h.PendingModifications) > 0
}

// ClusterHandle is a point-in-time view of an Aurora cluster.
type ClusterHandle struct {
	ID        string    `json:"id"`
	ARN       string    `json:"arn,omitempty"`
	Status    Lifecycle `json:"status"`
	RawStatus string    `json:"raw_status,omitempty"`
	Endpoint  Endpoint  `json:"endpoint"`
	Members   []string  `json:"members,omitempty"`
}

// SnapshotHandle is a point-in-time view of a DB snapshot.
type SnapshotHandle struct {
	ID               string         `json:"id"`
	ARN              string         `json:"arn,omitempty"`
	Status           SnapshotStatus `json:"status"`
	RawStatus        string         `json:"raw_status,omitempty"`
	SourceInstanceID string         `json:"source_instance_id"`
}
