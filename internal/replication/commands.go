// Package replication drives MySQL binary-log replication between RDS endpoints
// through the stored procedures RDS exposes.
package replication

import (
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
)

// Command is a parameterized statement sent to a MySQL endpoint.
type Command struct {
	Name      string
	Statement string
	Args      []any
}

func (c Command) String() string {
	return c.Name
}

const (
	stopReplicationSQL   = "CALL mysql.rds_stop_replication"
	startReplicationSQL  = "CALL mysql.rds_start_replication"
	setExternalMasterSQL = "CALL mysql.rds_set_external_master(?, ?, ?, ?, ?, ?, ?)"

	masterStatusSQL  = "SHOW MASTER STATUS"
	replicaStatusSQL = "SHOW SLAVE STATUS"
)

// StopReplicationCommand stops the replication threads of the endpoint.
func StopReplicationCommand() Command {
	return Command{Name: "stop_replication", Statement: stopReplicationSQL}
}

// StartReplicationCommand starts the replication threads of the endpoint.
func StartReplicationCommand() Command {
	return Command{Name: "start_replication", Statement: startReplicationSQL}
}

// SetExternalMasterCommand points the endpoint at master, starting from coord.
// The last argument disables SSL for the replication channel.
func SetExternalMasterCommand(master types.Endpoint, creds types.Credentials, coord types.BinlogCoordinate) Command {
	return Command{
		Name:      "set_external_master",
		Statement: setExternalMasterSQL,
		Args: []any{
			master.Address,
			int64(master.Port),
			creds.User,
			creds.Password,
			coord.File,
			int64(coord.Position),
			0,
		},
	}
}
