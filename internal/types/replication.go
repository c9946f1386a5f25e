package types

import "strconv"

// BinlogCoordinate is a (log file, position) pair in a binary log stream.
type BinlogCoordinate struct {
	File     string `json:"file"`
	Position uint64 `json:"position"`
}

// IsZero returns true if no coordinate was captured.
func (c BinlogCoordinate) IsZero() bool {
	return c.File == "" && c.Position == 0
}

func (c BinlogCoordinate) String() string {
	return c.File + ":" + strconv.FormatUint(c.Position, 10)
}

// Lag is the replication delay in seconds. An unknown lag is never zero.
type Lag struct {
	Seconds int64 `json:"seconds"`
	Known   bool  `json:"known"`
}

// UnknownLag is reported while the replication threads are not yet running.
func UnknownLag() Lag {
	return Lag{}
}

// LagOf returns a known lag.
func LagOf(seconds int64) Lag {
	return Lag{Seconds: seconds, Known: true}
}

// IsZero returns true only when lag is known to be exactly zero seconds.
func (l Lag) IsZero() bool {
	return l.Known && l.Seconds == 0
}

func (l Lag) String() string {
	if !l.Known {
		return "unknown"
	}
	return strconv.FormatInt(l.Seconds, 10) + "s"
}

// ReplicationStatus is one observation of a replica's replication threads.
type ReplicationStatus struct {
	Lag          Lag    `json:"lag"`
	LastError    string `json:"last_error,omitempty"`
	IORunning    string `json:"io_running,omitempty"`
	SQLRunning   string `json:"sql_running,omitempty"`
	LastIOError  string `json:"last_io_error,omitempty"`
	LastSQLError string `json:"last_sql_error,omitempty"`
	// Configured is false when the status view returned no row.
	Configured bool `json:"configured"`
}

// Failed returns true if the status reports a replication error.
func (s ReplicationStatus) Failed() bool {
	return s.LastError != ""
}
