package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/replication"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
)

// MySQLFleet is a fake replication.Dialer. Endpoints are keyed by the instance
// identifier, the first label of the host name.
type MySQLFleet struct {
	mu        sync.Mutex
	endpoints map[string]*MySQLEndpoint
	sessions  []*MySQLSession
	recorder  *Recorder
	dialErr   map[string]error
}

// MySQLEndpoint is the scripted state of one fake MySQL server.
type MySQLEndpoint struct {
	// Master is returned by SHOW MASTER STATUS. A nil value means binary logging is off.
	Master *types.BinlogCoordinate
	// Statuses are returned by successive SHOW SLAVE STATUS calls; the last one repeats.
	// An empty script reports an unconfigured replica.
	Statuses []types.ReplicationStatus
	// ExecErr fails Exec for the named command.
	ExecErr map[string]error

	polls int
	execs []replication.Command
}

// NewMySQLFleet creates a fleet that records into rec, which may be nil.
func NewMySQLFleet(rec *Recorder) *MySQLFleet {
	return &MySQLFleet{
		endpoints: make(map[string]*MySQLEndpoint),
		recorder:  rec,
		dialErr:   make(map[string]error),
	}
}

func (f *MySQLFleet) endpointLocked(instanceID string) *MySQLEndpoint {
	ep, ok := f.endpoints[instanceID]
	if !ok {
		ep = &MySQLEndpoint{}
		f.endpoints[instanceID] = ep
	}
	return ep
}

// SetMaster scripts the binary log coordinate of instanceID.
func (f *MySQLFleet) SetMaster(instanceID, file string, pos uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpointLocked(instanceID).Master = &types.BinlogCoordinate{File: file, Position: pos}
}

// ScriptLag scripts successive replica lags for instanceID. A negative value reads as NULL.
func (f *MySQLFleet) ScriptLag(instanceID string, lags ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep := f.endpointLocked(instanceID)
	ep.Statuses = ep.Statuses[:0]
	ep.polls = 0
	for _, l := range lags {
		st := types.ReplicationStatus{Configured: true, IORunning: "Yes", SQLRunning: "Yes", Lag: types.LagOf(l)}
		if l < 0 {
			st.Lag = types.UnknownLag()
			st.IORunning = "Connecting"
		}
		ep.Statuses = append(ep.Statuses, st)
	}
}

// ScriptStatus appends a replica status to instanceID's script.
func (f *MySQLFleet) ScriptStatus(instanceID string, st types.ReplicationStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep := f.endpointLocked(instanceID)
	ep.Statuses = append(ep.Statuses, st)
}

// FailDial makes dialing instanceID fail with err.
func (f *MySQLFleet) FailDial(instanceID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr[instanceID] = err
}

// Execs returns the commands executed on instanceID.
func (f *MySQLFleet) Execs(instanceID string) []replication.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.endpoints[instanceID]
	if !ok {
		return nil
	}
	return append([]replication.Command(nil), ep.execs...)
}

// Sessions returns every session dialed so far.
func (f *MySQLFleet) Sessions() []*MySQLSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MySQLSession(nil), f.sessions...)
}

// OpenSessions returns the number of sessions not yet closed.
func (f *MySQLFleet) OpenSessions() int {
	n := 0
	for _, s := range f.Sessions() {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Dial implements replication.Dialer.
func (f *MySQLFleet) Dial(_ context.Context, ep types.Endpoint, creds types.Credentials) (replication.Session, error) {
	id := instanceOf(ep.Address)
	f.recorder.Record("Dial", id)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.dialErr[id]; err != nil {
		return nil, err
	}
	s := &MySQLSession{fleet: f, id: id, ep: ep, creds: creds}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func instanceOf(host string) string {
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return host
}

// MySQLSession is a session on a fake endpoint.
type MySQLSession struct {
	fleet  *MySQLFleet
	id     string
	ep     types.Endpoint
	creds  types.Credentials
	closed bool
}

var errSessionClosed = errors.New("session is closed")

// Exec implements replication.Session.
func (s *MySQLSession) Exec(_ context.Context, cmd replication.Command) error {
	s.fleet.recorder.Record("Exec:"+cmd.Name, s.id)

	s.fleet.mu.Lock()
	defer s.fleet.mu.Unlock()

	if s.closed {
		return errSessionClosed
	}
	ep := s.fleet.endpointLocked(s.id)
	if err := ep.ExecErr[cmd.Name]; err != nil {
		return err
	}
	ep.execs = append(ep.execs, cmd)
	return nil
}

// MasterStatus implements replication.Session. Like the real session, an endpoint
// without binary logging is a replication error.
func (s *MySQLSession) MasterStatus(_ context.Context) (types.BinlogCoordinate, error) {
	s.fleet.recorder.Record("ShowMasterStatus", s.id)

	s.fleet.mu.Lock()
	defer s.fleet.mu.Unlock()

	if s.closed {
		return types.BinlogCoordinate{}, errSessionClosed
	}
	ep := s.fleet.endpointLocked(s.id)
	if ep.Master == nil {
		return types.BinlogCoordinate{}, errors.Wrapf(internalerrors.ErrReplicationError,
			"SHOW MASTER STATUS returned no rows on %s", s.id)
	}
	return *ep.Master, nil
}

// ReplicaStatus implements replication.Session.
func (s *MySQLSession) ReplicaStatus(_ context.Context) (types.ReplicationStatus, error) {
	s.fleet.recorder.Record("ShowSlaveStatus", s.id)

	s.fleet.mu.Lock()
	defer s.fleet.mu.Unlock()

	if s.closed {
		return types.ReplicationStatus{}, errSessionClosed
	}
	ep := s.fleet.endpointLocked(s.id)
	if len(ep.Statuses) == 0 {
		return types.ReplicationStatus{Lag: types.UnknownLag()}, nil
	}
	i := ep.polls
	if i >= len(ep.Statuses) {
		i = len(ep.Statuses) - 1
	}
	ep.polls++
	return ep.Statuses[i], nil
}

// Endpoint implements replication.Session.
func (s *MySQLSession) Endpoint() types.Endpoint {
	return s.ep
}

// Credentials implements replication.Session.
func (s *MySQLSession) Credentials() types.Credentials {
	return s.creds
}

// Close implements replication.Session.
func (s *MySQLSession) Close() error {
	s.fleet.recorder.Record("Close", s.id)

	s.fleet.mu.Lock()
	defer s.fleet.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *MySQLSession) Closed() bool {
	s.fleet.mu.Lock()
	defer s.fleet.mu.Unlock()
	return s.closed
}
